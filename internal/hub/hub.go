// Package hub implements the Broadcast Hub: it accepts long-lived client
// WebSocket connections, sends an initial hello and snapshot, serves
// client-initiated resume requests against the Ring Log, broadcasts new
// events inline to every open connection, and emits periodic heartbeats.
//
// Grounded directly on the teacher's internal/ws/broadcast.go (client
// registry map + RWMutex, atomic sequence counter, non-blocking eviction of
// slow clients) and internal/ws/server.go (gorilla websocket.Upgrader,
// origin allow-list, bearer/query/header auth) — adapted per spec §4.8 to
// inline (unqueued) per-client sends and to the Ring Log's resume protocol
// in place of the teacher's periodic full-snapshot loop.
package hub

import (
	"encoding/json"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/agent-racer/eventbackbone/internal/ring"
	"github.com/agent-racer/eventbackbone/internal/wire"
)

const heartbeatIntervalDefault = 30 * time.Second

// Hub owns the client registry and all broadcast/resume logic.
type Hub struct {
	ringLog *ring.Log

	mu      sync.RWMutex
	clients map[string]*Client

	seq atomic.Uint64

	heartbeatInterval time.Duration
	stopHeartbeat     chan struct{}
	resetHeartbeat    chan time.Duration
}

// New constructs a Hub backed by ringLog for resume/snapshot queries.
func New(ringLog *ring.Log, heartbeatInterval time.Duration) *Hub {
	if heartbeatInterval <= 0 {
		heartbeatInterval = heartbeatIntervalDefault
	}
	h := &Hub{
		ringLog:           ringLog,
		clients:           make(map[string]*Client),
		heartbeatInterval: heartbeatInterval,
		stopHeartbeat:     make(chan struct{}),
		resetHeartbeat:    make(chan time.Duration, 1),
	}
	go h.heartbeatLoop()
	return h
}

// Stop halts the heartbeat loop. Client connections are not closed; callers
// should close the listener and let in-flight connections drain.
func (h *Hub) Stop() {
	close(h.stopHeartbeat)
}

// SetHeartbeatInterval applies a new heartbeat period live, per
// SPEC_FULL.md §2's SIGHUP hot-reload of hub.heartbeat_interval. Takes
// effect on the heartbeat loop's next tick.
func (h *Hub) SetHeartbeatInterval(d time.Duration) {
	if d <= 0 {
		return
	}
	h.mu.Lock()
	h.heartbeatInterval = d
	h.mu.Unlock()

	select {
	case h.resetHeartbeat <- d:
	default:
	}
}

func (h *Hub) nextSeq() uint64 {
	return h.seq.Add(1)
}

// AddClient registers conn, assigns it a UUID client id, sends the
// `connected` hello, and — per the Open Question decision in SPEC_FULL.md
// (always resume on first connect) — a full Ring Log snapshot as a `sync`
// envelope.
func (h *Hub) AddClient(conn *websocket.Conn) *Client {
	c := newClient(uuid.NewString(), conn)

	h.mu.Lock()
	h.clients[c.ID] = c
	h.mu.Unlock()

	now := time.Now().UTC()
	_ = c.send(wire.WSMessage{
		Type:      wire.MsgConnected,
		Payload:   wire.ConnectedPayload{ClientID: c.ID, ServerTime: now},
		Timestamp: now,
		Seq:       h.nextSeq(),
	})

	h.sendFullSnapshot(c)

	return c
}

// RemoveClient drops c's registration. Safe to call more than once.
func (h *Hub) RemoveClient(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.clients, c.ID)
}

// ClientCount reports the number of currently registered clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) sendFullSnapshot(c *Client) {
	events := h.ringLog.GetAll()
	now := time.Now().UTC()
	if err := c.send(wire.WSMessage{
		Type:      wire.MsgSync,
		Payload:   wire.SyncPayload{ClientID: c.ID, Events: events, Timestamp: now},
		Timestamp: now,
		Seq:       h.nextSeq(),
	}); err != nil {
		log.Printf("[hub] snapshot send to %s failed: %v", c.ID, err)
	}
}

// Broadcast serializes ev once and sends it inline to every open
// connection. Per-connection send errors are logged and do not block
// delivery to the rest, per spec §4.8.
func (h *Hub) Broadcast(ev wire.TerminalEvent) {
	now := time.Now().UTC()
	msg := wire.WSMessage{
		Type:      wire.MsgEvent,
		Payload:   wire.EventPayload{Event: ev},
		Timestamp: now,
		Seq:       h.nextSeq(),
	}
	h.broadcastToAll(msg)
}

// BroadcastRaw sends an arbitrary envelope (cost_update, session_update,
// session_start, stream_event, stream_error, recovery_warning) to every
// open connection, per spec §4.8's "raw broadcast channel".
func (h *Hub) BroadcastRaw(msgType wire.MessageType, payload any) {
	now := time.Now().UTC()
	msg := wire.WSMessage{
		Type:      msgType,
		Payload:   payload,
		Timestamp: now,
		Seq:       h.nextSeq(),
	}
	h.broadcastToAll(msg)
}

func (h *Hub) broadcastToAll(msg wire.WSMessage) {
	h.mu.RLock()
	clients := make([]*Client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	for _, c := range clients {
		if err := c.send(msg); err != nil {
			log.Printf("[hub] send to client %s failed: %v", c.ID, err)
		}
	}
}

func (h *Hub) heartbeatLoop() {
	ticker := time.NewTicker(h.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-h.stopHeartbeat:
			return
		case d := <-h.resetHeartbeat:
			ticker.Reset(d)
		case <-ticker.C:
			now := time.Now().UTC()
			h.broadcastToAll(wire.WSMessage{
				Type:      wire.MsgHeartbeat,
				Payload:   wire.HeartbeatPayload{ServerTime: now},
				Timestamp: now,
				Seq:       h.nextSeq(),
			})
		}
	}
}

// HandleInbound dispatches a single inbound client frame by type, per spec
// §4.8's connection lifecycle step 2.
func (h *Hub) HandleInbound(c *Client, raw []byte) {
	var envelope struct {
		Type    wire.MessageType `json:"type"`
		Payload wire.SyncRequestPayload `json:"payload"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		now := time.Now().UTC()
		_ = c.send(wire.WSMessage{
			Type:      wire.MsgError,
			Payload:   wire.ErrorPayload{Code: wire.ErrInvalidMessage, Message: "could not parse frame"},
			Timestamp: now,
			Seq:       h.nextSeq(),
		})
		return
	}

	switch envelope.Type {
	case wire.MsgSyncRequest:
		h.handleSyncRequest(c, envelope.Payload)
	default:
		log.Printf("[hub] unknown inbound message type %q from client %s", envelope.Type, c.ID)
	}
}

func (h *Hub) handleSyncRequest(c *Client, req wire.SyncRequestPayload) {
	now := time.Now().UTC()

	var events []wire.TerminalEvent
	if req.LastEventID != "" {
		got, ok := h.ringLog.GetSince(req.LastEventID)
		if !ok {
			// unknown/evicted id: caller must expect possible duplicates,
			// per spec §4.5 — fall back to the full buffer.
			got = h.ringLog.GetAll()
		}
		events = got
	} else {
		events = h.ringLog.GetRecent(req.Since)
	}

	if events == nil {
		_ = c.send(wire.WSMessage{
			Type:      wire.MsgError,
			Payload:   wire.ErrorPayload{Code: wire.ErrSyncFailed, Message: "resume failed"},
			Timestamp: now,
			Seq:       h.nextSeq(),
		})
		return
	}

	if err := c.send(wire.WSMessage{
		Type:      wire.MsgSync,
		Payload:   wire.SyncPayload{ClientID: c.ID, Events: events, Timestamp: now},
		Timestamp: now,
		Seq:       h.nextSeq(),
	}); err != nil {
		log.Printf("[hub] sync reply to %s failed: %v", c.ID, err)
	}

	if len(events) > 0 {
		last := events[len(events)-1]
		c.recordResumeState(last.ID, last.Timestamp)
	}
}
