package hub

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Client is one connected WebSocket subscriber. Unlike the teacher's
// internal/ws client (a buffered send channel drained by a writePump
// goroutine), spec §4.8 requires inline, unqueued sends ("there is no
// per-client queue; sends happen inline"), so Client instead holds a write
// mutex and writes directly on the broadcasting goroutine — gorilla's
// websocket.Conn permits at most one concurrent writer.
type Client struct {
	ID        string
	conn      *websocket.Conn
	writeMu   sync.Mutex

	ConnectedAt time.Time

	mu                  sync.Mutex
	lastEventID         string
	lastEventTimestamp  time.Time
}

func newClient(id string, conn *websocket.Conn) *Client {
	return &Client{ID: id, conn: conn, ConnectedAt: time.Now().UTC()}
}

// send marshals msg and writes it as a single text frame. Errors are
// returned to the caller to log and handle per-connection; they never
// propagate to other clients.
func (c *Client) send(msg any) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *Client) close() error {
	return c.conn.Close()
}

// recordResumeState updates the client's registration with the last event
// id/timestamp it has been sent, consulted only for diagnostics — resume
// itself is driven by the client's own sync_request payload.
func (c *Client) recordResumeState(id string, ts time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastEventID = id
	c.lastEventTimestamp = ts
}
