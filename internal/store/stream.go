package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"log"
	"time"

	"github.com/agent-racer/eventbackbone/internal/wire"
)

// InsertStreamEvent persists a StreamEvent and upserts its session's
// aggregate totals. Like InsertEvent, this is scheduled in the background
// so the JSONL Tailer's hot path never blocks on disk I/O.
func (s *Store) InsertStreamEvent(ev wire.StreamEvent, session wire.SessionMetadata) {
	if s.MemoryOnly() {
		return
	}
	go func() {
		if err := s.insertStreamEventSync(ev, session); err != nil {
			log.Printf("[store] insert stream event %s: %v", ev.ID, err)
		}
	}()
}

func (s *Store) insertStreamEventSync(ev wire.StreamEvent, session wire.SessionMetadata) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var toolJSON, costJSON sql.NullString
	if ev.Tool != nil {
		if b, err := json.Marshal(ev.Tool); err == nil {
			toolJSON = sql.NullString{String: string(b), Valid: true}
		}
	}
	if ev.Cost != nil {
		if b, err := json.Marshal(ev.Cost); err == nil {
			costJSON = sql.NullString{String: string(b), Valid: true}
		}
	}

	_, err = tx.ExecContext(ctx, `
		INSERT OR REPLACE INTO stream_events
			(id, session_id, pane_id, timestamp, original_type, category, content, tool_json, cost_json, model, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.ID, ev.SessionID, ev.PaneID, ev.Timestamp.UTC().Format(time.RFC3339Nano),
		ev.OriginalType, string(ev.Category), ev.Content, toolJSON, costJSON, ev.Model,
		time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return err
	}

	toolsJSON, err := json.Marshal(session.Tools)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO sessions
			(session_id, pane_id, model, tools_json, cwd, started_at, total_cost, total_input_tokens, total_output_tokens, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(session_id) DO UPDATE SET
			pane_id=excluded.pane_id, model=excluded.model, tools_json=excluded.tools_json,
			cwd=excluded.cwd, total_cost=excluded.total_cost,
			total_input_tokens=excluded.total_input_tokens,
			total_output_tokens=excluded.total_output_tokens, updated_at=excluded.updated_at`,
		session.SessionID, session.PaneID, session.Model, string(toolsJSON), session.Cwd,
		session.StartedAt.UTC().Format(time.RFC3339Nano), session.TotalCost,
		session.TotalTokens.Input, session.TotalTokens.Output,
		time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return err
	}

	return tx.Commit()
}
