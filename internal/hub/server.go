package hub

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/agent-racer/eventbackbone/internal/recovery"
	"github.com/agent-racer/eventbackbone/internal/selfhealth"
	"github.com/agent-racer/eventbackbone/internal/store"
	"github.com/agent-racer/eventbackbone/internal/wire"
)

// Server wires the Hub's WebSocket endpoint together with the HTTP surface
// described in spec §6: /status, /events/history, and the supplemental
// tmux-focus convenience endpoint. Grounded directly on the teacher's
// internal/ws/server.go (Server struct, SetupRoutes, authorize/checkOrigin,
// ListenAndServe).
type Server struct {
	hub       *Hub
	st        *store.Store
	recovery  *recovery.Manager
	health    *selfhealth.Reporter

	allowedOrigins map[string]bool
	allowedHosts   map[string]bool
	authToken      string
}

// NewServer constructs a Server. allowedOrigins and authToken come directly
// from config.ServerConfig.
func NewServer(h *Hub, st *store.Store, rec *recovery.Manager, health *selfhealth.Reporter, allowedOrigins []string, authToken string) *Server {
	s := &Server{
		hub:            h,
		st:             st,
		recovery:       rec,
		health:         health,
		allowedOrigins: make(map[string]bool),
		allowedHosts:   make(map[string]bool),
		authToken:      authToken,
	}
	for _, origin := range allowedOrigins {
		trimmed := strings.TrimSpace(origin)
		if trimmed == "" {
			continue
		}
		s.allowedOrigins[trimmed] = true
		if parsed, err := url.Parse(trimmed); err == nil && parsed.Host != "" {
			s.allowedHosts[parsed.Host] = true
		}
	}
	return s
}

// SetupRoutes registers the backbone's HTTP surface on mux.
func (s *Server) SetupRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/events/history", s.handleHistory)
	mux.HandleFunc("/api/sessions/", s.handleSessionRoutes)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	upgrader := websocket.Upgrader{CheckOrigin: s.checkOrigin}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[hub] ws upgrade error: %v", err)
		return
	}

	log.Printf("[hub] client connected: %s", r.RemoteAddr)
	c := s.hub.AddClient(conn)

	go func() {
		defer func() {
			s.hub.RemoveClient(c)
			_ = c.close()
			log.Printf("[hub] client disconnected: %s", r.RemoteAddr)
		}()
		for {
			_, raw, err := conn.ReadMessage()
			if err != nil {
				return
			}
			s.hub.HandleInbound(c, raw)
		}
	}()
}

// statusResponse is the shape of GET /status, per spec §6 plus the
// self-health `process` field added in SPEC_FULL.md.
type statusResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Recovery  struct {
		Complete       bool            `json:"complete"`
		MemoryOnlyMode bool            `json:"memoryOnlyMode"`
		Result         recovery.Result `json:"result"`
	} `json:"recovery"`
	Persistence struct {
		Enabled bool `json:"enabled"`
	} `json:"persistence"`
	Buffer struct {
		Size     int `json:"size"`
		Capacity int `json:"capacity"`
	} `json:"buffer"`
	Clients int               `json:"clients"`
	Process selfhealth.Sample `json:"process"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	result := s.recovery.LastResult()

	var resp statusResponse
	resp.Status = "ok"
	resp.Timestamp = time.Now().UTC()
	resp.Recovery.Complete = !result.Timestamp.IsZero()
	resp.Recovery.MemoryOnlyMode = result.MemoryOnlyMode
	resp.Recovery.Result = result
	resp.Persistence.Enabled = s.st != nil && !s.st.MemoryOnly()
	resp.Buffer.Size = s.hub.ringLog.Len()
	resp.Buffer.Capacity = s.hub.ringLog.Capacity()
	resp.Clients = s.hub.ClientCount()
	if s.health != nil {
		resp.Process = s.health.Sample()
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

// historyResponse is the shape of GET /events/history, per spec §6.
type historyResponse struct {
	Events  []wire.TerminalEvent `json:"events"`
	Total   int                  `json:"total"`
	HasMore bool                 `json:"hasMore"`
	Source  string               `json:"source"`
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	if limit <= 0 || limit > 1000 {
		limit = 1000
	}

	if s.st == nil || s.st.MemoryOnly() {
		events := s.hub.ringLog.GetAll()
		events = filterBuffer(events, q)
		if limit < len(events) {
			events = events[len(events)-limit:]
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(historyResponse{
			Events:  events,
			Total:   len(events),
			HasMore: false,
			Source:  "buffer",
		})
		return
	}

	opts := store.QueryOptions{
		ProjectID: q.Get("project_id"),
		PaneID:    q.Get("pane_id"),
		Kind:      q.Get("type"),
		AfterID:   q.Get("after_id"),
		Limit:     limit,
		Order:     q.Get("order"),
	}
	if since := q.Get("since"); since != "" {
		if t, err := time.Parse(time.RFC3339Nano, since); err == nil {
			opts.Since = t
		}
	}

	result, err := s.st.Query(r.Context(), opts)
	if err != nil {
		http.Error(w, fmt.Sprintf("query failed: %v", err), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(historyResponse{
		Events:  result.Events,
		Total:   result.Total,
		HasMore: result.HasMore,
		Source:  "sqlite",
	})
}

// validKinds mirrors internal/store/events.go's own validKinds: an unknown
// "type" query parameter is ignored rather than treated as a filter that
// matches nothing, matching the SQLite-backed Query path's behavior.
var validKinds = map[string]bool{
	string(wire.KindOutput):   true,
	string(wire.KindQuestion): true,
	string(wire.KindError):    true,
	string(wire.KindStatus):   true,
}

func filterBuffer(events []wire.TerminalEvent, q url.Values) []wire.TerminalEvent {
	projectID := q.Get("project_id")
	paneID := q.Get("pane_id")
	kind := q.Get("type")
	if kind != "" && !validKinds[kind] {
		kind = ""
	}
	if projectID == "" && paneID == "" && kind == "" {
		return events
	}
	out := make([]wire.TerminalEvent, 0, len(events))
	for _, ev := range events {
		if projectID != "" && ev.ProjectID != projectID {
			continue
		}
		if paneID != "" && ev.PaneID != paneID {
			continue
		}
		if kind != "" && string(ev.Kind) != kind {
			continue
		}
		out = append(out, ev)
	}
	return out
}

// handleSessionRoutes parses POST /api/sessions/{pane_id}/focus, per
// spec §6's supplemental tmux-focus endpoint.
func (s *Server) handleSessionRoutes(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	path := strings.TrimPrefix(r.URL.Path, "/api/sessions/")
	parts := strings.SplitN(path, "/", 2)
	if len(parts) != 2 || parts[1] != "focus" {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}

	paneID, err := url.PathUnescape(parts[0])
	if err != nil {
		http.Error(w, "invalid pane id", http.StatusBadRequest)
		return
	}
	s.handleFocus(w, r, paneID)
}

func (s *Server) handleFocus(w http.ResponseWriter, r *http.Request, paneID string) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	target, ok := paneTarget(paneID)
	if !ok {
		http.Error(w, "pane has no resolvable tmux target", http.StatusNotFound)
		return
	}

	if err := focusPane(target); err != nil {
		http.Error(w, fmt.Sprintf("tmux focus failed: %v", err), http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) authorize(r *http.Request) bool {
	if s.authToken == "" {
		return true
	}
	if r.URL.Query().Get("token") == s.authToken {
		return true
	}
	if r.Header.Get("X-Event-Backbone-Token") == s.authToken {
		return true
	}
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") && strings.TrimPrefix(auth, "Bearer ") == s.authToken {
		return true
	}
	return false
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}

	if len(s.allowedOrigins) > 0 {
		if s.allowedOrigins[origin] {
			return true
		}
		if parsed, err := url.Parse(origin); err == nil && parsed.Host != "" {
			return s.allowedHosts[parsed.Host]
		}
		return false
	}

	parsed, err := url.Parse(origin)
	if err != nil {
		return false
	}
	host := parsed.Host
	if host == "" {
		return false
	}
	if host == r.Host {
		return true
	}
	if strings.HasPrefix(host, "localhost:") || host == "localhost" {
		return true
	}
	if strings.HasPrefix(host, "127.0.0.1:") || host == "127.0.0.1" {
		return true
	}
	if strings.HasPrefix(host, "[::1]:") || host == "::1" {
		return true
	}
	return false
}

// ListenAndServe starts the HTTP server on addr, matching the teacher's
// ws.ListenAndServe signature.
func ListenAndServe(ctx context.Context, addr string, mux *http.ServeMux) error {
	srv := &http.Server{Addr: addr, Handler: mux}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
