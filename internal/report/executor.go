package report

import (
	"context"
	"hash/fnv"
	"time"

	"github.com/rivalscope/rivalscope/internal/models"
	"github.com/rivalscope/rivalscope/internal/progress"
)

// SimulatedExecutor walks each stage in fixed increments, pausing StepDelay
// between them. It stands in for the analysis pipeline so the progress
// plumbing can run end to end; swap in a real executor via core.Options.
type SimulatedExecutor struct {
	StepDelay time.Duration
	Steps     int
}

// NewSimulatedExecutor returns an executor that takes roughly
// stepDelay * steps per stage.
func NewSimulatedExecutor(stepDelay time.Duration, steps int) *SimulatedExecutor {
	if steps <= 0 {
		steps = 4
	}
	return &SimulatedExecutor{StepDelay: stepDelay, Steps: steps}
}

// RunStage advances through the stage in Steps increments. Work per stage
// varies slightly with the request so concurrent jobs do not move in
// lockstep.
func (e *SimulatedExecutor) RunStage(ctx context.Context, stage progress.Stage, req models.ReportRequest, report func(float64)) error {
	delay := e.StepDelay + e.jitter(stage, req)
	for step := 1; step <= e.Steps; step++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		report(float64(step) / float64(e.Steps))
	}
	return nil
}

func (e *SimulatedExecutor) jitter(stage progress.Stage, req models.ReportRequest) time.Duration {
	if e.StepDelay == 0 {
		return 0
	}
	h := fnv.New32a()
	h.Write([]byte(req.Title))
	h.Write([]byte(stage))
	// Up to a quarter of the step delay, deterministic per job and stage.
	return time.Duration(h.Sum32()%64) * e.StepDelay / 256
}
