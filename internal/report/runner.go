// Package report executes report-generation jobs through their ordered
// stages and translates stage execution into progress snapshots. The work
// inside each stage (search API calls, scoring, section rendering) belongs to
// the StageExecutor collaborator; this package owns stage ordering, progress
// arithmetic, and terminal-state reporting.
package report

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/rivalscope/rivalscope/internal/models"
	"github.com/rivalscope/rivalscope/internal/progress"
)

// StageExecutor produces the actual report content for one stage. It must
// honor ctx and may call report with a completion fraction in [0,1] as often
// as it likes; the runner clamps regressions.
type StageExecutor interface {
	RunStage(ctx context.Context, stage progress.Stage, req models.ReportRequest, report func(fraction float64)) error
}

// StageExecutorFunc adapts a function to the StageExecutor interface.
type StageExecutorFunc func(ctx context.Context, stage progress.Stage, req models.ReportRequest, report func(fraction float64)) error

// RunStage calls f.
func (f StageExecutorFunc) RunStage(ctx context.Context, stage progress.Stage, req models.ReportRequest, report func(fraction float64)) error {
	return f(ctx, stage, req, report)
}

// stageWeights distribute overall progress across stages; they sum to 100.
var stageWeights = map[progress.Stage]float64{
	progress.StageDataCollection:     20,
	progress.StageCompetitorAnalysis: 15,
	progress.StageMarketAnalysis:     15,
	progress.StageAudienceAnalysis:   10,
	progress.StageReportGeneration:   20,
	progress.StageVisualization:      10,
	progress.StageFinalization:       10,
}

// Runner walks one job through every stage in order, publishing snapshots as
// it goes. The progress store is the only side channel; the runner never
// talks to subscribers directly.
type Runner struct {
	store  *progress.Store
	exec   StageExecutor
	logger *zap.Logger
}

// NewRunner wires the store and executor.
func NewRunner(store *progress.Store, exec StageExecutor, logger *zap.Logger) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{store: store, exec: exec, logger: logger}
}

// Run executes the job and returns its terminal snapshot. Cancellation via
// ctx yields a CANCELLED terminal; a stage error yields FAILED. Run never
// publishes anything for the job after its terminal snapshot.
func (r *Runner) Run(ctx context.Context, jobID string, req models.ReportRequest) progress.Snapshot {
	startedAt := time.Now().UTC()
	fractions := make(map[progress.Stage]float64, len(progress.Stages))
	for _, stage := range progress.Stages {
		fractions[stage] = 0
	}

	snap := func(stage progress.Stage, status progress.Status) progress.Snapshot {
		s := progress.Snapshot{
			JobID:           jobID,
			Status:          status,
			CurrentStage:    stage,
			OverallProgress: overall(fractions),
			StageProgress:   cloneFractions(fractions),
			StartedAt:       startedAt,
		}
		if status == progress.StatusInProgress {
			if eta, ok := estimateRemaining(startedAt, s.OverallProgress); ok {
				s.EstimatedTimeRemaining = &eta
			}
		}
		if status.Terminal() {
			now := time.Now().UTC()
			s.CompletedAt = &now
		}
		return s
	}

	publish := func(s progress.Snapshot) {
		if err := r.store.Publish(s); err != nil {
			r.logger.Warn("snapshot publish rejected",
				zap.String("job_id", jobID), zap.Error(err))
		}
	}

	publish(snap(progress.StageDataCollection, progress.StatusInProgress))

	for _, stage := range progress.Stages {
		if ctx.Err() != nil {
			final := snap(stage, progress.StatusCancelled)
			publish(final)
			return final
		}

		report := func(fraction float64) {
			if fraction > 1 {
				fraction = 1
			}
			// Per-stage fractions never regress.
			if fraction <= fractions[stage] {
				return
			}
			fractions[stage] = fraction
			publish(snap(stage, progress.StatusInProgress))
		}

		err := r.exec.RunStage(ctx, stage, req, report)
		if err != nil {
			if errors.Is(err, context.Canceled) || ctx.Err() != nil {
				final := snap(stage, progress.StatusCancelled)
				publish(final)
				return final
			}
			r.logger.Error("report stage failed",
				zap.String("job_id", jobID),
				zap.String("stage", string(stage)),
				zap.Error(err))
			final := snap(stage, progress.StatusFailed)
			final.ErrorMessage = err.Error()
			final.ErrorDetails = "stage " + string(stage) + " failed"
			publish(final)
			return final
		}

		if fractions[stage] < 1 {
			fractions[stage] = 1
			publish(snap(stage, progress.StatusInProgress))
		}
	}

	final := snap(progress.StageFinalization, progress.StatusCompleted)
	final.OverallProgress = 100
	publish(final)
	return final
}

func overall(fractions map[progress.Stage]float64) float64 {
	total := 0.0
	for stage, frac := range fractions {
		total += stageWeights[stage] * frac
	}
	if total > 100 {
		total = 100
	}
	return total
}

func cloneFractions(fractions map[progress.Stage]float64) map[progress.Stage]float64 {
	out := make(map[progress.Stage]float64, len(fractions))
	for stage, frac := range fractions {
		out[stage] = frac
	}
	return out
}

// estimateRemaining extrapolates from elapsed wall time and completed
// fraction. Below 1% the estimate would be useless noise, so it stays
// unknown.
func estimateRemaining(startedAt time.Time, overallProgress float64) (int64, bool) {
	if overallProgress < 1 {
		return 0, false
	}
	elapsed := time.Since(startedAt).Seconds()
	remaining := elapsed * (100 - overallProgress) / overallProgress
	if remaining < 0 {
		remaining = 0
	}
	return int64(remaining), true
}
