package progress_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rivalscope/rivalscope/internal/progress"
)

func validSnapshot(jobID string) progress.Snapshot {
	return progress.Snapshot{
		JobID:           jobID,
		Status:          progress.StatusInProgress,
		CurrentStage:    progress.StageDataCollection,
		OverallProgress: 0,
		StageProgress:   map[progress.Stage]float64{progress.StageDataCollection: 0},
		StartedAt:       time.Now().UTC(),
	}
}

func TestStageOrder(t *testing.T) {
	assert.Len(t, progress.Stages, 7)
	assert.Equal(t, 0, progress.StageDataCollection.Index())
	assert.Equal(t, 6, progress.StageFinalization.Index())
	assert.Equal(t, -1, progress.Stage("UNKNOWN").Index())

	// The order is strictly increasing.
	for i := 1; i < len(progress.Stages); i++ {
		assert.Greater(t, progress.Stages[i].Index(), progress.Stages[i-1].Index())
	}
}

func TestStatusTerminal(t *testing.T) {
	assert.True(t, progress.StatusCompleted.Terminal())
	assert.True(t, progress.StatusFailed.Terminal())
	assert.True(t, progress.StatusCancelled.Terminal())
	assert.False(t, progress.StatusInProgress.Terminal())
	assert.False(t, progress.StatusIdle.Terminal())
	assert.False(t, progress.StatusConnecting.Terminal())
}

func TestSnapshotValidate(t *testing.T) {
	t.Run("valid", func(t *testing.T) {
		assert.NoError(t, validSnapshot("job-1").Validate())
	})

	t.Run("missing job id", func(t *testing.T) {
		snap := validSnapshot("")
		assert.Error(t, snap.Validate())
	})

	t.Run("transport-local status", func(t *testing.T) {
		snap := validSnapshot("job-1")
		snap.Status = progress.StatusConnecting
		assert.Error(t, snap.Validate())
	})

	t.Run("overall progress out of range", func(t *testing.T) {
		snap := validSnapshot("job-1")
		snap.OverallProgress = 101
		assert.Error(t, snap.Validate())
	})

	t.Run("stage fraction out of range", func(t *testing.T) {
		snap := validSnapshot("job-1")
		snap.StageProgress[progress.StageDataCollection] = 1.5
		assert.Error(t, snap.Validate())
	})

	t.Run("failed requires message", func(t *testing.T) {
		snap := validSnapshot("job-1")
		snap.Status = progress.StatusFailed
		assert.Error(t, snap.Validate())
		snap.ErrorMessage = "upstream timeout"
		assert.NoError(t, snap.Validate())
	})

	t.Run("message only on failed", func(t *testing.T) {
		snap := validSnapshot("job-1")
		snap.ErrorMessage = "oops"
		assert.Error(t, snap.Validate())
	})

	t.Run("completedAt only when terminal", func(t *testing.T) {
		snap := validSnapshot("job-1")
		now := time.Now()
		snap.CompletedAt = &now
		assert.Error(t, snap.Validate())
		snap.Status = progress.StatusCompleted
		assert.NoError(t, snap.Validate())
	})

	t.Run("negative eta", func(t *testing.T) {
		snap := validSnapshot("job-1")
		eta := int64(-1)
		snap.EstimatedTimeRemaining = &eta
		assert.Error(t, snap.Validate())
	})
}

func TestDecode(t *testing.T) {
	payload := []byte(`{
		"jobId": "job-1",
		"status": "IN_PROGRESS",
		"currentStage": "MARKET_ANALYSIS",
		"overallProgress": 42.5,
		"stageProgress": {"DATA_COLLECTION": 1, "COMPETITOR_ANALYSIS": 1, "MARKET_ANALYSIS": 0.5},
		"estimatedTimeRemaining": 30,
		"startedAt": "2026-01-02T15:04:05Z"
	}`)
	snap, err := progress.Decode(payload)
	require.NoError(t, err)
	assert.Equal(t, "job-1", snap.JobID)
	assert.Equal(t, progress.StatusInProgress, snap.Status)
	assert.Equal(t, progress.StageMarketAnalysis, snap.CurrentStage)
	assert.InDelta(t, 42.5, snap.OverallProgress, 0.001)
	require.NotNil(t, snap.EstimatedTimeRemaining)
	assert.Equal(t, int64(30), *snap.EstimatedTimeRemaining)
	assert.InDelta(t, 0.5, snap.StageProgress[progress.StageMarketAnalysis], 0.001)

	for _, bad := range []string{
		`not json`,
		`{"status":"IN_PROGRESS"}`,
		`{"jobId":"j","status":"BOGUS","currentStage":"DATA_COLLECTION"}`,
		`{"jobId":"j","status":"IN_PROGRESS","currentStage":"BOGUS"}`,
	} {
		_, err := progress.Decode([]byte(bad))
		assert.Error(t, err, "payload: %s", bad)
	}
}

func TestSnapshotClone(t *testing.T) {
	snap := validSnapshot("job-1")
	eta := int64(10)
	snap.EstimatedTimeRemaining = &eta

	clone := snap.Clone()
	clone.StageProgress[progress.StageDataCollection] = 0.9
	*clone.EstimatedTimeRemaining = 99

	assert.InDelta(t, 0, snap.StageProgress[progress.StageDataCollection], 0.001)
	assert.Equal(t, int64(10), *snap.EstimatedTimeRemaining)
}
