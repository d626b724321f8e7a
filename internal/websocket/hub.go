// Package websocket carries job progress snapshots from the store to one
// subscriber over a persistent connection, and a single cancellation command
// back the other way. One channel serves exactly one (job, subscriber) pair.
package websocket

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/rivalscope/rivalscope/internal/progress"
)

const (
	// Time allowed to write a snapshot to the peer.
	writeWait = 10 * time.Second
	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second
	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10
	// Commands are tiny. A frame past this limit is treated as protocol
	// abuse and closes the channel rather than being ignored like an
	// unrecognized command.
	maxMessageSize = 512
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// Hub upgrades HTTP requests into progress channels backed by the store.
type Hub struct {
	store  *progress.Store
	logger *zap.Logger
}

// NewHub wires the store and logger.
func NewHub(store *progress.Store, logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{store: store, logger: logger}
}

// ServeChannel upgrades the request and runs the channel pumps until the
// connection closes. Authentication must happen before this is called.
func (h *Hub) ServeChannel(w http.ResponseWriter, r *http.Request, jobID, subscriberID string) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed",
			zap.String("job_id", jobID), zap.Error(err))
		return
	}

	ch := &Channel{
		hub:  h,
		conn: conn,
		sub:  h.store.Subscribe(jobID, subscriberID),
	}
	go ch.writePump()
	go ch.readPump()
}

// Channel is one subscriber's duplex attachment to a job's progress stream.
// Snapshot delivery is at-most-once: the store does not retry a failed push,
// and a dropped connection is the observer's responsibility to re-establish.
type Channel struct {
	hub  *Hub
	conn *websocket.Conn
	sub  *progress.Subscription

	closeOnce sync.Once
}

// command is the only client-to-server message shape the channel accepts.
type command struct {
	Command string `json:"command"`
}

// teardown unsubscribes from the store and closes the transport. Safe to call
// from both pumps.
func (c *Channel) teardown() {
	c.closeOnce.Do(func() {
		c.hub.store.Unsubscribe(c.sub)
		c.conn.Close()
	})
}

// readPump consumes subscriber messages. The only payload acted on is
// {"command":"cancel"}; any other shape within the read limit is ignored
// without closing the channel. The pump exits when the transport closes.
func (c *Channel) readPump() {
	defer c.teardown()
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.hub.logger.Debug("progress channel closed uncleanly",
					zap.String("job_id", c.sub.JobID),
					zap.String("subscriber_id", c.sub.SubscriberID),
					zap.Error(err))
			}
			return
		}
		var cmd command
		if err := json.Unmarshal(message, &cmd); err != nil || cmd.Command != "cancel" {
			c.hub.logger.Debug("ignoring unrecognized channel payload",
				zap.String("job_id", c.sub.JobID))
			continue
		}
		if err := c.hub.store.RequestCancellation(c.sub.JobID); err != nil {
			c.hub.logger.Warn("cancellation request failed",
				zap.String("job_id", c.sub.JobID), zap.Error(err))
		}
	}
}

// writePump pushes snapshots to the subscriber and keeps the connection alive
// with pings. It exits when the subscription is closed or a write fails.
func (c *Channel) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.teardown()
	}()
	for {
		select {
		case snap, ok := <-c.sub.Updates():
			if !ok {
				// The store dropped us; tell the peer we are done.
				c.conn.SetWriteDeadline(time.Now().Add(writeWait))
				c.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
				return
			}
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(snap); err != nil {
				c.hub.logger.Debug("snapshot write failed",
					zap.String("job_id", c.sub.JobID), zap.Error(err))
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
