// Package core wires the shared application components: configuration,
// logging, database, the progress store, and the report manager. Both the
// server binary and the test harness assemble an App.
package core

import (
	"database/sql"
	"embed"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/rivalscope/rivalscope/internal/config"
	"github.com/rivalscope/rivalscope/internal/db"
	"github.com/rivalscope/rivalscope/internal/logging"
	"github.com/rivalscope/rivalscope/internal/progress"
	"github.com/rivalscope/rivalscope/internal/report"
	sqlstore "github.com/rivalscope/rivalscope/internal/store"
)

// App holds the core components shared between the server and the CLI.
type App struct {
	config        *config.Config
	logger        *zap.Logger
	db            *sql.DB
	store         *sqlstore.Store
	progressStore *progress.Store
	metrics       *progress.Metrics
	manager       *report.Manager
	version       string
}

// Options collects the pieces NewApp assembles into an App. Registry may be
// nil to use the default Prometheus registerer.
type Options struct {
	Version  string
	Config   *config.Config
	Logger   *zap.Logger
	DB       *sql.DB
	Registry prometheus.Registerer
	Executor report.StageExecutor
}

// NewApp builds an App from already-initialized components. Most callers
// want New; the test harness uses NewApp directly with an in-memory
// database.
func NewApp(opts Options) (*App, error) {
	metrics, err := progress.NewMetrics(opts.Registry)
	if err != nil {
		return nil, fmt.Errorf("failed to register metrics: %w", err)
	}

	progressStore := progress.NewStore(progress.Config{
		SendBuffer: opts.Config.Progress.SendBuffer,
		Logger:     opts.Logger,
		Metrics:    metrics,
	})
	runStore := sqlstore.New(opts.DB)

	return &App{
		config:        opts.Config,
		logger:        opts.Logger,
		db:            opts.DB,
		store:         runStore,
		progressStore: progressStore,
		metrics:       metrics,
		manager:       report.NewManager(progressStore, runStore, opts.Executor, opts.Logger),
		version:       opts.Version,
	}, nil
}

// New sets up and returns a new App instance. It handles loading the
// configuration, building the logger, initializing the database connection,
// and running migrations.
func New(version string, migrationsFS embed.FS, exec report.StageExecutor) (*App, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	logger, err := logging.New(cfg.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("failed to build logger: %w", err)
	}

	database, err := db.InitDB(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}
	if err := db.RunMigrations(database, migrationsFS); err != nil {
		database.Close()
		return nil, fmt.Errorf("failed to run database migrations: %w", err)
	}

	app, err := NewApp(Options{
		Version:  version,
		Config:   cfg,
		Logger:   logger,
		DB:       database,
		Executor: exec,
	})
	if err != nil {
		database.Close()
		return nil, err
	}

	logger.Info("core application setup complete",
		zap.String("version", version),
		zap.String("database", cfg.Database.Path))
	return app, nil
}

func (a *App) Config() *config.Config         { return a.config }
func (a *App) Logger() *zap.Logger            { return a.logger }
func (a *App) DB() *sql.DB                    { return a.db }
func (a *App) Store() *sqlstore.Store         { return a.store }
func (a *App) ProgressStore() *progress.Store { return a.progressStore }
func (a *App) Metrics() *progress.Metrics     { return a.metrics }
func (a *App) Manager() *report.Manager       { return a.manager }
func (a *App) Version() string                { return a.version }

// Close gracefully releases the application's resources. In-flight report
// jobs are cancelled rather than awaited.
func (a *App) Close() {
	if a.manager != nil {
		a.manager.Shutdown()
	}
	if a.db != nil {
		a.db.Close()
	}
	if a.logger != nil {
		a.logger.Sync()
	}
}
