package testutil

import (
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/rivalscope/rivalscope/internal/api"
	"github.com/rivalscope/rivalscope/internal/config"
	"github.com/rivalscope/rivalscope/internal/core"
	"github.com/rivalscope/rivalscope/internal/models"
	"github.com/rivalscope/rivalscope/internal/progress"
	"github.com/rivalscope/rivalscope/internal/report"
)

// InstantExecutor completes every stage immediately. Tests that need a
// slower or failing job supply their own executor.
func InstantExecutor() report.StageExecutor {
	return report.StageExecutorFunc(func(ctx context.Context, stage progress.Stage, req models.ReportRequest, reportFn func(float64)) error {
		reportFn(1)
		return nil
	})
}

// SetupTestApp assembles a core.App against an in-memory database, with a
// private metrics registry so parallel tests do not collide.
func SetupTestApp(t *testing.T, exec report.StageExecutor) *core.App {
	t.Helper()
	db := SetupTestDB(t)

	cfg := &config.Config{}
	cfg.Progress.SendBuffer = 256

	app, err := core.NewApp(core.Options{
		Version:  "test",
		Config:   cfg,
		Logger:   zap.NewNop(),
		DB:       db,
		Registry: prometheus.NewRegistry(),
		Executor: exec,
	})
	if err != nil {
		t.Fatalf("Failed to assemble test app: %v", err)
	}
	t.Cleanup(func() {
		// Cancel anything a failed test left running so cleanup cannot
		// block on a parked executor.
		app.Manager().Shutdown()
	})
	return app
}

// SetupTestServer initializes a full core.App and api.Server for integration
// testing.
func SetupTestServer(t *testing.T, exec report.StageExecutor) (*api.Server, *core.App) {
	t.Helper()
	app := SetupTestApp(t, exec)
	return api.NewServer(app), app
}
