// Package tracker maintains a live view of one report job's progress for a
// caller, hiding transport churn. It owns a single progress channel: connect,
// receive, reconnect on drop, forward terminal callbacks, issue cancellation,
// disconnect. Connection state is an explicit finite-state machine rather
// than nested callbacks, so reconnect, cancel, and terminal interactions can
// be tested independently.
package tracker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/rivalscope/rivalscope/internal/progress"
)

// State is the tracker's local connection state, independent of the job's
// own status.
type State int32

// Tracker connection states.
const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "unknown"
	}
}

// ErrNotConnected is returned by Cancel when no transport is open.
var ErrNotConnected = errors.New("tracker: no open transport")

// ErrClosed is returned by Connect after Disconnect or a terminal snapshot
// has permanently shut the tracker down.
var ErrClosed = errors.New("tracker: closed")

// TransportError wraps a connection that could not be established or was
// lost unexpectedly. It is surfaced through the error callback, never
// returned from Connect.
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string { return "transport error: " + e.Err.Error() }
func (e *TransportError) Unwrap() error { return e.Err }

// JobError is the FAILED terminal outcome reported by the runner. It is a
// normal terminal result, not a subsystem fault.
type JobError struct {
	Message  string
	Details  string
	Snapshot progress.Snapshot
}

func (e *JobError) Error() string { return e.Message }

// Conn is the minimal transport surface the tracker needs. It is satisfied
// by *gorilla/websocket.Conn; tests substitute an in-memory fake.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// DialFunc opens one transport connection for the tracker's (job,
// subscriber) pair. Dialing is the only inherently asynchronous operation an
// observer performs.
type DialFunc func(ctx context.Context) (Conn, error)

// Config carries everything a tracker needs; there is no ambient process
// state.
type Config struct {
	JobID        string
	SubscriberID string
	Dial         DialFunc
	// ReconnectDelay is a fixed, constant backoff. No jitter and no
	// maximum attempt count: reconnection continues until the job is
	// terminal, Disconnect is called, or the process exits.
	ReconnectDelay time.Duration
	Logger         *zap.Logger

	// OnUpdate observes every accepted snapshot, terminal ones included.
	OnUpdate func(progress.Snapshot)
	// OnComplete fires exactly once, on a COMPLETED snapshot.
	OnComplete func(progress.Snapshot)
	// OnError receives transport errors and the FAILED terminal outcome
	// (as *TransportError and *JobError respectively). A CANCELLED
	// terminal fires neither OnComplete nor OnError.
	OnError func(error)
}

const defaultReconnectDelay = 3 * time.Second

var cancelCommand = []byte(`{"command":"cancel"}`)

// Tracker observes one job's progress channel.
type Tracker struct {
	cfg    Config
	logger *zap.Logger

	mu             sync.Mutex
	state          State
	conn           Conn
	latest         *progress.Snapshot
	closed         bool // Disconnect called or terminal reached
	terminalFired  bool
	reconnectTimer *time.Timer
	gen            int // connection generation, guards stale goroutines

	// writeMu serializes outbound frames; the websocket transport does not
	// allow concurrent writers.
	writeMu sync.Mutex
}

// New validates the config and returns a disconnected tracker.
func New(cfg Config) (*Tracker, error) {
	if cfg.JobID == "" {
		return nil, errors.New("tracker: job id is required")
	}
	if cfg.SubscriberID == "" {
		return nil, errors.New("tracker: subscriber id is required")
	}
	if cfg.Dial == nil {
		return nil, errors.New("tracker: dial func is required")
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = defaultReconnectDelay
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tracker{cfg: cfg, logger: logger}, nil
}

// State returns the current connection state.
func (t *Tracker) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Latest returns the last known snapshot, if any has been received.
func (t *Tracker) Latest() (progress.Snapshot, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.latest == nil {
		return progress.Snapshot{}, false
	}
	return t.latest.Clone(), true
}

// Connect starts the transport. It is idempotent: calling it while already
// connected or connecting is a no-op. After Disconnect or a terminal
// snapshot it returns ErrClosed.
func (t *Tracker) Connect(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrClosed
	}
	if t.state != StateDisconnected {
		return nil
	}
	t.startConnectLocked(ctx)
	return nil
}

// startConnectLocked transitions Disconnected -> Connecting and dials on a
// separate goroutine. Callers hold t.mu.
func (t *Tracker) startConnectLocked(ctx context.Context) {
	t.state = StateConnecting
	t.gen++
	gen := t.gen
	go t.dial(ctx, gen)
}

func (t *Tracker) dial(ctx context.Context, gen int) {
	conn, err := t.cfg.Dial(ctx)

	t.mu.Lock()
	if gen != t.gen || t.closed {
		t.mu.Unlock()
		if err == nil {
			conn.Close()
		}
		return
	}
	if err != nil {
		// Open failed: back to Disconnected, surface the error, and
		// retry after the fixed delay while reconnection is enabled.
		t.state = StateDisconnected
		t.scheduleReconnectLocked(ctx)
		onError := t.cfg.OnError
		t.mu.Unlock()
		t.logger.Warn("progress channel dial failed",
			zap.String("job_id", t.cfg.JobID), zap.Error(err))
		if onError != nil {
			onError(&TransportError{Err: err})
		}
		return
	}
	t.conn = conn
	t.state = StateConnected
	t.mu.Unlock()

	t.logger.Debug("progress channel connected",
		zap.String("job_id", t.cfg.JobID),
		zap.String("subscriber_id", t.cfg.SubscriberID))
	go t.readLoop(ctx, conn, gen)
}

func (t *Tracker) readLoop(ctx context.Context, conn Conn, gen int) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.handleTransportClose(ctx, gen)
			return
		}
		snap, err := progress.Decode(data)
		if err != nil {
			// Malformed payloads are dropped; they do not change
			// tracker state or count as a snapshot.
			t.logger.Warn("dropping malformed snapshot",
				zap.String("job_id", t.cfg.JobID), zap.Error(err))
			continue
		}
		if done := t.handleSnapshot(snap, gen); done {
			return
		}
	}
}

// handleSnapshot records the snapshot and dispatches callbacks. It returns
// true once a terminal snapshot has shut the tracker down.
func (t *Tracker) handleSnapshot(snap progress.Snapshot, gen int) bool {
	t.mu.Lock()
	if gen != t.gen {
		t.mu.Unlock()
		return true
	}
	stored := snap.Clone()
	t.latest = &stored

	onUpdate := t.cfg.OnUpdate
	var onComplete func(progress.Snapshot)
	var onError func(error)
	terminal := snap.Status.Terminal()
	if terminal && !t.terminalFired {
		// A terminal status takes precedence over transport health:
		// reconnection is disabled for good and the matching callback
		// fires exactly once.
		t.terminalFired = true
		t.closed = true
		t.stopReconnectLocked()
		switch snap.Status {
		case progress.StatusCompleted:
			onComplete = t.cfg.OnComplete
		case progress.StatusFailed:
			onError = t.cfg.OnError
		case progress.StatusCancelled:
			// Neither callback; the CANCELLED snapshot itself is
			// the caller's notification (via OnUpdate).
		}
	}
	conn := t.conn
	if terminal {
		t.conn = nil
		t.state = StateDisconnected
		t.gen++
	}
	t.mu.Unlock()

	if onUpdate != nil {
		onUpdate(snap)
	}
	if onComplete != nil {
		onComplete(snap)
	}
	if onError != nil {
		onError(&JobError{
			Message:  snap.ErrorMessage,
			Details:  snap.ErrorDetails,
			Snapshot: snap,
		})
	}
	if terminal && conn != nil {
		t.writeClose(conn)
		conn.Close()
	}
	return terminal
}

// handleTransportClose reacts to the read loop ending. An unclean drop while
// reconnection is enabled schedules an automatic reconnect after the fixed
// delay; the drop itself does not invoke the error callback.
func (t *Tracker) handleTransportClose(ctx context.Context, gen int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if gen != t.gen {
		return
	}
	if t.conn != nil {
		t.conn.Close()
		t.conn = nil
	}
	t.state = StateDisconnected
	if t.closed {
		return
	}
	t.logger.Debug("progress channel dropped, scheduling reconnect",
		zap.String("job_id", t.cfg.JobID),
		zap.Duration("delay", t.cfg.ReconnectDelay))
	t.scheduleReconnectLocked(ctx)
}

func (t *Tracker) scheduleReconnectLocked(ctx context.Context) {
	if t.closed || t.reconnectTimer != nil {
		return
	}
	t.reconnectTimer = time.AfterFunc(t.cfg.ReconnectDelay, func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		t.reconnectTimer = nil
		if t.closed || t.state != StateDisconnected {
			return
		}
		t.startConnectLocked(ctx)
	})
}

func (t *Tracker) stopReconnectLocked() {
	if t.reconnectTimer != nil {
		t.reconnectTimer.Stop()
		t.reconnectTimer = nil
	}
}

// Cancel sends one cancellation command on the open channel. Each call sends
// exactly one command; none are deduplicated. The tracker does not change
// state here, it waits for the runner's CANCELLED snapshot.
func (t *Tracker) Cancel() error {
	t.mu.Lock()
	conn := t.conn
	connected := t.state == StateConnected
	t.mu.Unlock()
	if !connected || conn == nil {
		return ErrNotConnected
	}
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	return conn.WriteMessage(websocket.TextMessage, cancelCommand)
}

// Disconnect closes the transport cleanly and permanently disables
// reconnection for this tracker instance. Any pending scheduled reconnect is
// cancelled. It is safe to call more than once.
func (t *Tracker) Disconnect() {
	t.mu.Lock()
	if t.closed && t.conn == nil {
		t.mu.Unlock()
		return
	}
	t.closed = true
	t.stopReconnectLocked()
	conn := t.conn
	t.conn = nil
	t.state = StateDisconnected
	t.gen++
	t.mu.Unlock()

	if conn != nil {
		t.writeClose(conn)
		conn.Close()
	}
}

// writeClose sends a normal-closure frame so the peer can tell a deliberate
// disconnect from a network failure.
func (t *Tracker) writeClose(conn Conn) {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = conn.WriteMessage(websocket.CloseMessage, msg)
}
