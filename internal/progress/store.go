package progress

import (
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ErrNotFound signals that no job is registered under the requested id.
var ErrNotFound = errors.New("job not found")

// ErrInvariantViolation signals a publish that would violate snapshot
// monotonicity. The offending snapshot is dropped.
var ErrInvariantViolation = errors.New("snapshot invariant violation")

// CancelFunc asks the runner to cancel a job. The runner is authoritative
// for the resulting CANCELLED transition; calling it more than once is safe.
type CancelFunc func()

// Config controls store behavior.
//   - SendBuffer: per-subscriber snapshot buffer (default 16, minimum 1).
//   - Logger: optional structured logger used for warnings.
//   - Metrics: optional Prometheus collectors.
type Config struct {
	SendBuffer int
	Logger     *zap.Logger
	Metrics    *Metrics
}

const defaultSendBuffer = 16

// Store is the authoritative holder of the latest Snapshot per job id and the
// fan-out point for subscribers. Mutations are serialized per job entry, so
// unrelated jobs never contend.
type Store struct {
	mu   sync.RWMutex
	jobs map[string]*jobEntry

	sendBuffer int
	logger     *zap.Logger
	metrics    *Metrics
}

type jobEntry struct {
	mu     sync.Mutex
	latest *Snapshot
	subs   map[*Subscription]struct{}
	cancel CancelFunc
}

// Subscription is one observer's attachment to a job's snapshot stream.
// Snapshots arrive on Updates in publish order; delivery is at-most-once.
type Subscription struct {
	JobID        string
	SubscriberID string

	ch        chan Snapshot
	closeOnce sync.Once
}

// Updates returns the snapshot delivery channel. It is closed when the
// subscription is removed from the store.
func (s *Subscription) Updates() <-chan Snapshot { return s.ch }

func (s *Subscription) close() {
	s.closeOnce.Do(func() { close(s.ch) })
}

// NewStore initializes an empty Store.
func NewStore(cfg Config) *Store {
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = defaultSendBuffer
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		jobs:       make(map[string]*jobEntry),
		sendBuffer: cfg.SendBuffer,
		logger:     logger,
		metrics:    cfg.Metrics,
	}
}

func (st *Store) entry(jobID string, create bool) *jobEntry {
	st.mu.RLock()
	e := st.jobs[jobID]
	st.mu.RUnlock()
	if e != nil || !create {
		return e
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	if e = st.jobs[jobID]; e == nil {
		e = &jobEntry{subs: make(map[*Subscription]struct{})}
		st.jobs[jobID] = e
	}
	return e
}

// Register attaches the runner's cancellation hook for a job. It should be
// called before the first snapshot is published.
func (st *Store) Register(jobID string, cancel CancelFunc) {
	e := st.entry(jobID, true)
	e.mu.Lock()
	e.cancel = cancel
	e.mu.Unlock()
}

// Release detaches the runner's cancellation hook once the job is terminal.
func (st *Store) Release(jobID string) {
	e := st.entry(jobID, false)
	if e == nil {
		return
	}
	e.mu.Lock()
	e.cancel = nil
	e.mu.Unlock()
}

// Publish replaces the stored snapshot for the job and pushes it to every
// attached subscriber. A snapshot that fails validation or would violate
// monotonicity is dropped and logged; the previous snapshot stays
// authoritative. Delivery is at-most-once per subscriber: a subscriber whose
// buffer is full misses the snapshot and the store does not retry.
func (st *Store) Publish(snap Snapshot) error {
	if err := snap.Validate(); err != nil {
		st.logger.Warn("discarding invalid snapshot",
			zap.String("job_id", snap.JobID), zap.Error(err))
		st.metrics.rejected()
		return err
	}

	e := st.entry(snap.JobID, true)
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.latest != nil {
		if err := checkMonotonic(*e.latest, snap); err != nil {
			st.logger.Warn("rejecting snapshot",
				zap.String("job_id", snap.JobID), zap.Error(err))
			st.metrics.rejected()
			return errors.Join(ErrInvariantViolation, err)
		}
	}

	stored := snap.Clone()
	e.latest = &stored
	st.metrics.published(snap.Status)

	for sub := range e.subs {
		select {
		case sub.ch <- stored.Clone():
		default:
			// Slow consumer; the observer resumes from the latest
			// snapshot after it reconnects.
			st.logger.Warn("dropping snapshot for slow subscriber",
				zap.String("job_id", sub.JobID),
				zap.String("subscriber_id", sub.SubscriberID))
		}
	}
	return nil
}

// Subscribe attaches a new observer to a job. If a snapshot already exists it
// is delivered immediately, so a late subscriber is not blind to work already
// done (catch-up, not replay).
func (st *Store) Subscribe(jobID, subscriberID string) *Subscription {
	sub := &Subscription{
		JobID:        jobID,
		SubscriberID: subscriberID,
		ch:           make(chan Snapshot, st.sendBuffer),
	}
	e := st.entry(jobID, true)
	e.mu.Lock()
	e.subs[sub] = struct{}{}
	if e.latest != nil {
		sub.ch <- e.latest.Clone()
	}
	e.mu.Unlock()
	st.metrics.subscribed()
	return sub
}

// Unsubscribe detaches a subscription and closes its channel. It is
// idempotent.
func (st *Store) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	e := st.entry(sub.JobID, false)
	if e == nil {
		sub.close()
		return
	}
	e.mu.Lock()
	_, attached := e.subs[sub]
	delete(e.subs, sub)
	e.mu.Unlock()
	sub.close()
	if attached {
		st.metrics.unsubscribed()
	}
}

// RequestCancellation forwards a cancellation signal to the runner for the
// job. It does not change the stored status; the runner transitions the job
// to CANCELLED on its own authority.
func (st *Store) RequestCancellation(jobID string) error {
	e := st.entry(jobID, false)
	if e == nil {
		return ErrNotFound
	}
	e.mu.Lock()
	cancel := e.cancel
	e.mu.Unlock()
	if cancel == nil {
		return ErrNotFound
	}
	st.metrics.cancellationRequested()
	cancel()
	return nil
}

// Latest returns the most recent snapshot for a job, if any.
func (st *Store) Latest(jobID string) (Snapshot, bool) {
	e := st.entry(jobID, false)
	if e == nil {
		return Snapshot{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.latest == nil {
		return Snapshot{}, false
	}
	return e.latest.Clone(), true
}

// SubscriberCount returns the number of subscribers attached to a job.
func (st *Store) SubscriberCount(jobID string) int {
	e := st.entry(jobID, false)
	if e == nil {
		return 0
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.subs)
}

// RetireTerminal removes entries that reached a terminal status before the
// cutoff and have no attached subscribers. Entries that never published a
// snapshot and no longer have subscribers or a cancel hook are removed too;
// a subscribe against an unknown job id would otherwise pin an empty entry
// forever. It returns the number of jobs removed.
func (st *Store) RetireTerminal(olderThan time.Duration) int {
	cutoff := time.Now().Add(-olderThan)

	st.mu.Lock()
	defer st.mu.Unlock()
	removed := 0
	for jobID, e := range st.jobs {
		e.mu.Lock()
		var retire bool
		switch {
		case e.latest == nil:
			retire = len(e.subs) == 0 && e.cancel == nil
		case e.latest.Status.Terminal():
			retire = len(e.subs) == 0 &&
				(e.latest.CompletedAt == nil || e.latest.CompletedAt.Before(cutoff))
		}
		e.mu.Unlock()
		if retire {
			delete(st.jobs, jobID)
			removed++
		}
	}
	return removed
}
