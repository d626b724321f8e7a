package report

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/rivalscope/rivalscope/internal/models"
	"github.com/rivalscope/rivalscope/internal/progress"
	sqlstore "github.com/rivalscope/rivalscope/internal/store"
)

// Manager launches report jobs, wires their cancellation into the progress
// store, and persists the outcome of every run.
type Manager struct {
	progress *progress.Store
	runs     *sqlstore.Store
	exec     StageExecutor
	logger   *zap.Logger

	mu     sync.Mutex
	active map[string]context.CancelFunc
	wg     sync.WaitGroup
}

// NewManager wires the manager's collaborators.
func NewManager(progressStore *progress.Store, runs *sqlstore.Store, exec StageExecutor, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		progress: progressStore,
		runs:     runs,
		exec:     exec,
		logger:   logger,
		active:   make(map[string]context.CancelFunc),
	}
}

// Start launches a new report job and returns its id. The run row is
// persisted before the goroutine starts so the job is listable immediately.
func (m *Manager) Start(req models.ReportRequest, requestedBy int64) (string, error) {
	jobID := uuid.NewString()
	startedAt := time.Now().UTC()

	if err := m.runs.CreateReportRun(jobID, req.Title, requestedBy, startedAt); err != nil {
		return "", fmt.Errorf("persist report run: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	m.progress.Register(jobID, progress.CancelFunc(cancel))

	m.mu.Lock()
	m.active[jobID] = cancel
	m.mu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer cancel()
		defer func() {
			m.mu.Lock()
			delete(m.active, jobID)
			m.mu.Unlock()
			m.progress.Release(jobID)
		}()
		defer func() {
			if r := recover(); r != nil {
				m.logger.Error("report job panicked",
					zap.String("job_id", jobID), zap.Any("panic", r))
				final, ok := m.progress.Latest(jobID)
				if !ok {
					final = progress.Snapshot{
						JobID:         jobID,
						CurrentStage:  progress.StageDataCollection,
						StageProgress: map[progress.Stage]float64{},
						StartedAt:     startedAt,
					}
				}
				final.Status = progress.StatusFailed
				final.ErrorMessage = fmt.Sprintf("internal error: %v", r)
				final.ErrorDetails = ""
				final.EstimatedTimeRemaining = nil
				now := time.Now().UTC()
				final.CompletedAt = &now
				if err := m.progress.Publish(final); err != nil {
					m.logger.Warn("panic snapshot publish rejected",
						zap.String("job_id", jobID), zap.Error(err))
				}
				m.persistOutcome(final)
			}
		}()

		runner := NewRunner(m.progress, m.exec, m.logger)
		final := runner.Run(ctx, jobID, req)
		m.persistOutcome(final)

		m.logger.Info("report job finished",
			zap.String("job_id", jobID),
			zap.String("status", string(final.Status)))
	}()

	return jobID, nil
}

// Cancel requests cancellation of a running job. It returns
// progress.ErrNotFound when no such job is active.
func (m *Manager) Cancel(jobID string) error {
	return m.progress.RequestCancellation(jobID)
}

// ActiveCount reports how many jobs are currently running.
func (m *Manager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.active)
}

// Wait blocks until every launched job has finished.
func (m *Manager) Wait() {
	m.wg.Wait()
}

// Shutdown cancels every in-flight job and blocks until they finish.
// Cancelled jobs persist a CANCELLED disposition like any other
// cancellation.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	cancels := make([]context.CancelFunc, 0, len(m.active))
	for _, cancel := range m.active {
		cancels = append(cancels, cancel)
	}
	m.mu.Unlock()
	for _, cancel := range cancels {
		cancel()
	}
	m.wg.Wait()
}

func (m *Manager) persistOutcome(final progress.Snapshot) {
	completedAt := time.Now().UTC()
	if final.CompletedAt != nil {
		completedAt = *final.CompletedAt
	}
	var errMsg *string
	if final.ErrorMessage != "" {
		msg := final.ErrorMessage
		errMsg = &msg
	}
	err := m.runs.FinishReportRun(final.JobID, string(final.Status),
		string(final.CurrentStage), final.OverallProgress, errMsg, completedAt)
	if err != nil {
		m.logger.Error("failed to persist report outcome",
			zap.String("job_id", final.JobID), zap.Error(err))
	}
}
