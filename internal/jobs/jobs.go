// Package jobs schedules the recurring maintenance work: pruning finished
// report runs from the database and retiring stale terminal entries from the
// in-memory progress store.
package jobs

import (
	"time"

	"github.com/go-co-op/gocron"
	"go.uber.org/zap"

	"github.com/rivalscope/rivalscope/internal/config"
	"github.com/rivalscope/rivalscope/internal/progress"
	"github.com/rivalscope/rivalscope/internal/store"
)

// JobContext provides the dependencies background jobs run against. The
// core.App struct satisfies it through its fields.
type JobContext interface {
	Config() *config.Config
	Logger() *zap.Logger
	ProgressStore() *progress.Store
	Store() *store.Store
}

// StartJobs starts the background job scheduler and returns it so the caller
// can stop it on shutdown.
func StartJobs(app JobContext) *gocron.Scheduler {
	s := gocron.NewScheduler(time.UTC)
	s.SingletonModeAll()

	startRetentionSweep(s, app)

	app.Logger().Info("starting background job scheduler")
	s.StartAsync()
	return s
}

func startRetentionSweep(s *gocron.Scheduler, app JobContext) {
	cfg := app.Config().Retention
	logger := app.Logger()

	if cfg.SweepIntervalMinutes == 0 {
		logger.Info("retention sweep interval is 0, scheduled sweep is disabled")
		return
	}

	jobID := "progress-retention"
	logger.Info("scheduling job",
		zap.String("job", jobID),
		zap.Int("interval_minutes", cfg.SweepIntervalMinutes))

	_, err := s.Every(cfg.SweepIntervalMinutes).Minutes().Do(func() {
		RunRetentionSweep(app)
	})
	if err != nil {
		logger.Error("error scheduling job", zap.String("job", jobID), zap.Error(err))
	}
}

// RunRetentionSweep performs one retention pass. Exposed so it can be
// triggered directly in tests and on demand.
func RunRetentionSweep(app JobContext) {
	maxAge := app.Config().Retention.MaxAge
	logger := app.Logger()

	retired := app.ProgressStore().RetireTerminal(maxAge)

	pruned, err := app.Store().PruneReportRuns(time.Now().UTC().Add(-maxAge))
	if err != nil {
		logger.Error("failed to prune report runs", zap.Error(err))
	}

	logger.Info("retention sweep complete",
		zap.Int("progress_entries_retired", retired),
		zap.Int64("report_runs_pruned", pruned))
}
