package progress_test

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rivalscope/rivalscope/internal/progress"
)

func receiveSnapshot(t *testing.T, sub *progress.Subscription) progress.Snapshot {
	t.Helper()
	select {
	case snap, ok := <-sub.Updates():
		require.True(t, ok, "subscription channel closed unexpectedly")
		return snap
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for snapshot")
		return progress.Snapshot{}
	}
}

func TestStorePublishAndLatest(t *testing.T) {
	st := progress.NewStore(progress.Config{})
	snap := validSnapshot("job-1")
	snap.OverallProgress = 10

	require.NoError(t, st.Publish(snap))

	got, ok := st.Latest("job-1")
	require.True(t, ok)
	assert.InDelta(t, 10, got.OverallProgress, 0.001)

	_, ok = st.Latest("missing")
	assert.False(t, ok)
}

func TestStoreRejectsInvalidSnapshot(t *testing.T) {
	st := progress.NewStore(progress.Config{})
	snap := validSnapshot("job-1")
	snap.OverallProgress = 200
	assert.Error(t, st.Publish(snap))
	_, ok := st.Latest("job-1")
	assert.False(t, ok)
}

func TestStoreMonotonicity(t *testing.T) {
	t.Run("overall progress never decreases", func(t *testing.T) {
		st := progress.NewStore(progress.Config{})
		first := validSnapshot("job-1")
		first.OverallProgress = 50
		require.NoError(t, st.Publish(first))

		regressed := validSnapshot("job-1")
		regressed.OverallProgress = 40
		err := st.Publish(regressed)
		assert.ErrorIs(t, err, progress.ErrInvariantViolation)

		got, _ := st.Latest("job-1")
		assert.InDelta(t, 50, got.OverallProgress, 0.001)
	})

	t.Run("stage index never decreases", func(t *testing.T) {
		st := progress.NewStore(progress.Config{})
		first := validSnapshot("job-1")
		first.CurrentStage = progress.StageMarketAnalysis
		require.NoError(t, st.Publish(first))

		regressed := validSnapshot("job-1")
		regressed.CurrentStage = progress.StageDataCollection
		assert.ErrorIs(t, st.Publish(regressed), progress.ErrInvariantViolation)
	})

	t.Run("stage fractions never regress", func(t *testing.T) {
		st := progress.NewStore(progress.Config{})
		first := validSnapshot("job-1")
		first.StageProgress[progress.StageDataCollection] = 1
		require.NoError(t, st.Publish(first))

		regressed := validSnapshot("job-1")
		regressed.StageProgress[progress.StageDataCollection] = 0.5
		assert.ErrorIs(t, st.Publish(regressed), progress.ErrInvariantViolation)
	})

	t.Run("terminal snapshots are frozen", func(t *testing.T) {
		st := progress.NewStore(progress.Config{})
		done := validSnapshot("job-1")
		done.Status = progress.StatusCompleted
		done.OverallProgress = 100
		require.NoError(t, st.Publish(done))

		late := validSnapshot("job-1")
		late.OverallProgress = 100
		assert.ErrorIs(t, st.Publish(late), progress.ErrInvariantViolation)

		got, _ := st.Latest("job-1")
		assert.Equal(t, progress.StatusCompleted, got.Status)
	})
}

func TestStoreFanOutInOrder(t *testing.T) {
	st := progress.NewStore(progress.Config{SendBuffer: 8})
	sub := st.Subscribe("job-1", "viewer-1")
	defer st.Unsubscribe(sub)

	for _, pct := range []float64{10, 20, 30} {
		snap := validSnapshot("job-1")
		snap.OverallProgress = pct
		require.NoError(t, st.Publish(snap))
	}

	for _, want := range []float64{10, 20, 30} {
		got := receiveSnapshot(t, sub)
		assert.InDelta(t, want, got.OverallProgress, 0.001)
	}
}

func TestStoreLateSubscriberCatchUp(t *testing.T) {
	st := progress.NewStore(progress.Config{})
	for _, pct := range []float64{10, 55} {
		snap := validSnapshot("job-1")
		snap.OverallProgress = pct
		require.NoError(t, st.Publish(snap))
	}

	// A subscriber attaching late sees the latest snapshot, not the first.
	sub := st.Subscribe("job-1", "late-viewer")
	defer st.Unsubscribe(sub)
	got := receiveSnapshot(t, sub)
	assert.InDelta(t, 55, got.OverallProgress, 0.001)
}

func TestStoreUnsubscribeIdempotent(t *testing.T) {
	st := progress.NewStore(progress.Config{})
	sub := st.Subscribe("job-1", "viewer-1")
	st.Unsubscribe(sub)
	st.Unsubscribe(sub)
	st.Unsubscribe(nil)

	_, ok := <-sub.Updates()
	assert.False(t, ok, "channel should be closed")

	// Publishing after unsubscribe should not panic or deliver.
	require.NoError(t, st.Publish(validSnapshot("job-1")))
}

func TestStoreRequestCancellation(t *testing.T) {
	st := progress.NewStore(progress.Config{})

	var calls atomic.Int32
	st.Register("job-1", func() { calls.Add(1) })

	require.NoError(t, st.RequestCancellation("job-1"))
	require.NoError(t, st.RequestCancellation("job-1"))
	assert.Equal(t, int32(2), calls.Load())

	assert.ErrorIs(t, st.RequestCancellation("missing"), progress.ErrNotFound)

	st.Release("job-1")
	assert.ErrorIs(t, st.RequestCancellation("job-1"), progress.ErrNotFound)
}

func TestStoreIndependentJobs(t *testing.T) {
	st := progress.NewStore(progress.Config{})

	a := validSnapshot("job-a")
	a.OverallProgress = 90
	require.NoError(t, st.Publish(a))

	b := validSnapshot("job-b")
	b.OverallProgress = 5
	require.NoError(t, st.Publish(b))

	gotA, _ := st.Latest("job-a")
	gotB, _ := st.Latest("job-b")
	assert.InDelta(t, 90, gotA.OverallProgress, 0.001)
	assert.InDelta(t, 5, gotB.OverallProgress, 0.001)
}

func TestStoreRetireTerminal(t *testing.T) {
	st := progress.NewStore(progress.Config{})

	done := validSnapshot("job-done")
	done.Status = progress.StatusCompleted
	done.OverallProgress = 100
	completed := time.Now().Add(-time.Hour)
	done.CompletedAt = &completed
	require.NoError(t, st.Publish(done))

	running := validSnapshot("job-running")
	require.NoError(t, st.Publish(running))

	watched := validSnapshot("job-watched")
	watched.Status = progress.StatusCancelled
	watched.CompletedAt = &completed
	require.NoError(t, st.Publish(watched))
	sub := st.Subscribe("job-watched", "viewer-1")
	defer st.Unsubscribe(sub)

	removed := st.RetireTerminal(30 * time.Minute)
	assert.Equal(t, 1, removed)

	_, ok := st.Latest("job-done")
	assert.False(t, ok, "terminal unwatched job should be retired")
	_, ok = st.Latest("job-running")
	assert.True(t, ok, "running job must survive retention")
	_, ok = st.Latest("job-watched")
	assert.True(t, ok, "watched job must survive retention")
}

func TestStoreRetireAbandonedEntries(t *testing.T) {
	st := progress.NewStore(progress.Config{})

	// A subscribe against a job id that never publishes leaves an empty
	// entry behind once the viewer detaches.
	sub := st.Subscribe("job-never-ran", "viewer-1")
	st.Unsubscribe(sub)

	// An empty entry that still has a viewer attached must not be swept.
	pending := st.Subscribe("job-pending", "viewer-2")
	defer st.Unsubscribe(pending)

	// A registered job that has not published its first snapshot yet is
	// still in flight.
	st.Register("job-starting", func() {})
	defer st.Release("job-starting")

	removed := st.RetireTerminal(0)
	assert.Equal(t, 1, removed)

	assert.Equal(t, 0, st.SubscriberCount("job-never-ran"))
	assert.Equal(t, 1, st.SubscriberCount("job-pending"))
	assert.NoError(t, st.RequestCancellation("job-starting"))
}
