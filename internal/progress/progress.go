package progress

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Status is the lifecycle state of a report job as seen by an observer.
type Status string

// Supported job statuses. IDLE and CONNECTING are transport-local: a tracker
// reports them before the first snapshot arrives, the runner never does.
const (
	StatusIdle       Status = "IDLE"
	StatusConnecting Status = "CONNECTING"
	StatusInProgress Status = "IN_PROGRESS"
	StatusCompleted  Status = "COMPLETED"
	StatusFailed     Status = "FAILED"
	StatusCancelled  Status = "CANCELLED"
)

// Terminal reports whether no further status transition can occur.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Valid reports whether s is a known status value.
func (s Status) Valid() bool {
	switch s {
	case StatusIdle, StatusConnecting, StatusInProgress, StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Stage is one ordered phase of report generation.
type Stage string

// Report generation stages, in execution order.
const (
	StageDataCollection     Stage = "DATA_COLLECTION"
	StageCompetitorAnalysis Stage = "COMPETITOR_ANALYSIS"
	StageMarketAnalysis     Stage = "MARKET_ANALYSIS"
	StageAudienceAnalysis   Stage = "AUDIENCE_ANALYSIS"
	StageReportGeneration   Stage = "REPORT_GENERATION"
	StageVisualization      Stage = "VISUALIZATION"
	StageFinalization       Stage = "FINALIZATION"
)

// Stages lists every stage in execution order. The ordering is fixed and
// total; a job's current stage index never decreases.
var Stages = []Stage{
	StageDataCollection,
	StageCompetitorAnalysis,
	StageMarketAnalysis,
	StageAudienceAnalysis,
	StageReportGeneration,
	StageVisualization,
	StageFinalization,
}

// Index returns the position of s in the stage order, or -1 if unknown.
func (s Stage) Index() int {
	for i, stage := range Stages {
		if stage == s {
			return i
		}
	}
	return -1
}

// Valid reports whether s is a known stage.
func (s Stage) Valid() bool { return s.Index() >= 0 }

// Snapshot is one immutable record of a job's progress at a point in time.
// It is the wire payload pushed to observers, one message per state change.
type Snapshot struct {
	JobID           string            `json:"jobId"`
	Status          Status            `json:"status"`
	CurrentStage    Stage             `json:"currentStage"`
	OverallProgress float64           `json:"overallProgress"`
	StageProgress   map[Stage]float64 `json:"stageProgress"`
	// EstimatedTimeRemaining is in seconds; nil means unknown.
	EstimatedTimeRemaining *int64     `json:"estimatedTimeRemaining,omitempty"`
	ErrorMessage           string     `json:"errorMessage,omitempty"`
	ErrorDetails           string     `json:"errorDetails,omitempty"`
	StartedAt              time.Time  `json:"startedAt"`
	CompletedAt            *time.Time `json:"completedAt,omitempty"`
}

// Validate performs coarse validation on a runner-published snapshot.
func (s Snapshot) Validate() error {
	if s.JobID == "" {
		return errors.New("job id is required")
	}
	if !s.Status.Valid() {
		return fmt.Errorf("unknown status %q", s.Status)
	}
	if s.Status == StatusIdle || s.Status == StatusConnecting {
		return fmt.Errorf("status %q is transport-local and cannot be published", s.Status)
	}
	if !s.CurrentStage.Valid() {
		return fmt.Errorf("unknown stage %q", s.CurrentStage)
	}
	if s.OverallProgress < 0 || s.OverallProgress > 100 {
		return fmt.Errorf("overall progress %.2f out of range [0,100]", s.OverallProgress)
	}
	for stage, frac := range s.StageProgress {
		if !stage.Valid() {
			return fmt.Errorf("unknown stage %q in stage progress", stage)
		}
		if frac < 0 || frac > 1 {
			return fmt.Errorf("stage %s progress %.3f out of range [0,1]", stage, frac)
		}
	}
	if s.EstimatedTimeRemaining != nil && *s.EstimatedTimeRemaining < 0 {
		return errors.New("estimated time remaining must be >= 0")
	}
	if s.Status == StatusFailed && s.ErrorMessage == "" {
		return errors.New("failed snapshot requires an error message")
	}
	if s.Status != StatusFailed && s.ErrorMessage != "" {
		return errors.New("error message is only valid on a failed snapshot")
	}
	if s.CompletedAt != nil && !s.Status.Terminal() {
		return errors.New("completedAt is only valid on a terminal snapshot")
	}
	return nil
}

// Clone returns a deep copy so stored snapshots cannot be mutated by callers.
func (s Snapshot) Clone() Snapshot {
	out := s
	if s.StageProgress != nil {
		out.StageProgress = make(map[Stage]float64, len(s.StageProgress))
		for stage, frac := range s.StageProgress {
			out.StageProgress[stage] = frac
		}
	}
	if s.EstimatedTimeRemaining != nil {
		eta := *s.EstimatedTimeRemaining
		out.EstimatedTimeRemaining = &eta
	}
	if s.CompletedAt != nil {
		completed := *s.CompletedAt
		out.CompletedAt = &completed
	}
	return out
}

// Decode parses a wire payload into a Snapshot, rejecting shapes that do not
// match the snapshot contract. Observers drop and log decode failures.
func Decode(data []byte) (Snapshot, error) {
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return Snapshot{}, fmt.Errorf("decode snapshot: %w", err)
	}
	if snap.JobID == "" {
		return Snapshot{}, errors.New("decode snapshot: missing job id")
	}
	if !snap.Status.Valid() {
		return Snapshot{}, fmt.Errorf("decode snapshot: unknown status %q", snap.Status)
	}
	if !snap.CurrentStage.Valid() {
		return Snapshot{}, fmt.Errorf("decode snapshot: unknown stage %q", snap.CurrentStage)
	}
	return snap, nil
}

// checkMonotonic verifies that next is a legal successor of prev per the
// snapshot invariants. It returns a descriptive error when next must be
// rejected; prev then remains authoritative.
func checkMonotonic(prev, next Snapshot) error {
	if prev.Status.Terminal() {
		return fmt.Errorf("job is already terminal (%s)", prev.Status)
	}
	if next.CurrentStage.Index() < prev.CurrentStage.Index() {
		return fmt.Errorf("stage regression: %s -> %s", prev.CurrentStage, next.CurrentStage)
	}
	if next.Status == StatusInProgress && next.OverallProgress < prev.OverallProgress {
		return fmt.Errorf("overall progress regression: %.2f -> %.2f", prev.OverallProgress, next.OverallProgress)
	}
	for stage, prevFrac := range prev.StageProgress {
		if nextFrac, ok := next.StageProgress[stage]; ok && nextFrac < prevFrac {
			return fmt.Errorf("stage %s progress regression: %.3f -> %.3f", stage, prevFrac, nextFrac)
		}
	}
	return nil
}
