package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/agent-racer/eventbackbone/internal/wire"
)

// InsertEvent schedules a non-blocking insert of ev and, on success,
// triggers a prune sweep. The insert uses INSERT OR REPLACE so that an
// event delivered twice (retried emission, restart replay) overwrites
// rather than duplicates its row, per spec §4.6.
//
// The call returns immediately; errors are logged, not returned, matching
// the "inserts are non-blocking to the calling goroutine" invariant — the
// caller is the live emission hot path and must never block on disk I/O.
func (s *Store) InsertEvent(ev wire.TerminalEvent) {
	if s.MemoryOnly() {
		return
	}
	go func() {
		if err := s.insertEventSync(ev); err != nil {
			log.Printf("[store] insert event %s: %v", ev.ID, err)
			return
		}
		s.schedulePrune()
	}()
}

func (s *Store) insertEventSync(ev wire.TerminalEvent) error {
	var qmJSON sql.NullString
	if ev.QuestionMetadata != nil && ev.QuestionMetadata.Valid() {
		b, err := json.Marshal(ev.QuestionMetadata)
		if err != nil {
			return fmt.Errorf("marshal question metadata: %w", err)
		}
		qmJSON = sql.NullString{String: string(b), Valid: true}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO events
			(id, project_id, pane_id, kind, content, timestamp, synced_flag, question_metadata_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?, 1, ?, ?)`,
		ev.ID, ev.ProjectID, ev.PaneID, string(ev.Kind), ev.Content,
		ev.Timestamp.UTC().Format(time.RFC3339Nano), qmJSON,
		time.Now().UTC().Format(time.RFC3339Nano),
	)
	return err
}

// InsertEventsBatch inserts multiple events in a single transaction,
// blocking until committed. Used by tests; the live hot path uses
// InsertEvent instead.
func (s *Store) InsertEventsBatch(ctx context.Context, events []wire.TerminalEvent) error {
	if s.MemoryOnly() {
		return ErrMemoryOnly
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT OR REPLACE INTO events
			(id, project_id, pane_id, kind, content, timestamp, synced_flag, question_metadata_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?, 1, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	now := time.Now().UTC().Format(time.RFC3339Nano)
	for _, ev := range events {
		var qmJSON sql.NullString
		if ev.QuestionMetadata != nil && ev.QuestionMetadata.Valid() {
			b, err := json.Marshal(ev.QuestionMetadata)
			if err != nil {
				return err
			}
			qmJSON = sql.NullString{String: string(b), Valid: true}
		}
		if _, err := stmt.ExecContext(ctx, ev.ID, ev.ProjectID, ev.PaneID, string(ev.Kind),
			ev.Content, ev.Timestamp.UTC().Format(time.RFC3339Nano), qmJSON, now); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// QueryOptions filters rows for Query, matching spec §4.6's query(options).
type QueryOptions struct {
	ProjectID string
	PaneID    string
	Kind      string // wire.EventKind value; ignored if not one of the known kinds
	Since     time.Time
	AfterID   string
	Limit     int
	Order     string // "asc" or "desc"; default "asc"
}

// QueryResult is the result of Query: the matching rows (bounded by Limit),
// the unlimited count of rows matching the filter, and whether more rows
// exist beyond the returned page.
type QueryResult struct {
	Events  []wire.TerminalEvent
	Total   int
	HasMore bool
}

var validKinds = map[string]bool{
	string(wire.KindOutput):   true,
	string(wire.KindQuestion): true,
	string(wire.KindError):    true,
	string(wire.KindStatus):   true,
}

// Query returns events matching opts. Limit defaults to and is clamped at
// 1000. When AfterID is set, it is resolved to its stored (timestamp, id)
// pair and rows are filtered lexicographically past that pair, per spec
// §4.6; an unknown AfterID yields zero rows rather than an error.
func (s *Store) Query(ctx context.Context, opts QueryOptions) (QueryResult, error) {
	if s.MemoryOnly() {
		return QueryResult{}, ErrMemoryOnly
	}

	limit := opts.Limit
	if limit <= 0 || limit > 1000 {
		limit = 1000
	}
	order := "ASC"
	if opts.Order == "desc" {
		order = "DESC"
	}

	where := "WHERE 1=1"
	args := []any{}

	if opts.ProjectID != "" {
		where += " AND project_id = ?"
		args = append(args, opts.ProjectID)
	}
	if opts.PaneID != "" {
		where += " AND pane_id = ?"
		args = append(args, opts.PaneID)
	}
	if opts.Kind != "" && validKinds[opts.Kind] {
		where += " AND kind = ?"
		args = append(args, opts.Kind)
	}
	if !opts.Since.IsZero() {
		where += " AND timestamp > ?"
		args = append(args, opts.Since.UTC().Format(time.RFC3339Nano))
	}
	if opts.AfterID != "" {
		var refTimestamp string
		err := s.db.QueryRowContext(ctx, `SELECT timestamp FROM events WHERE id = ?`, opts.AfterID).Scan(&refTimestamp)
		if err == sql.ErrNoRows {
			return QueryResult{}, nil
		}
		if err != nil {
			return QueryResult{}, err
		}
		where += " AND (timestamp, id) > (?, ?)"
		args = append(args, refTimestamp, opts.AfterID)
	}

	var total int
	countQuery := "SELECT COUNT(*) FROM events " + where
	if err := s.db.QueryRowContext(ctx, countQuery, args...).Scan(&total); err != nil {
		return QueryResult{}, err
	}

	pageQuery := fmt.Sprintf(
		"SELECT id, project_id, pane_id, kind, content, timestamp, question_metadata_json FROM events %s ORDER BY timestamp %s, id %s LIMIT ?",
		where, order, order,
	)
	rows, err := s.db.QueryContext(ctx, pageQuery, append(args, limit+1)...)
	if err != nil {
		return QueryResult{}, err
	}
	defer rows.Close()

	var events []wire.TerminalEvent
	for rows.Next() {
		var (
			ev        wire.TerminalEvent
			kind      string
			timestamp string
			qmJSON    sql.NullString
		)
		if err := rows.Scan(&ev.ID, &ev.ProjectID, &ev.PaneID, &kind, &ev.Content, &timestamp, &qmJSON); err != nil {
			return QueryResult{}, err
		}
		ev.Kind = wire.EventKind(kind)
		ev.Timestamp, _ = time.Parse(time.RFC3339Nano, timestamp)
		if qmJSON.Valid {
			var qm wire.QuestionMetadata
			if err := json.Unmarshal([]byte(qmJSON.String), &qm); err == nil {
				ev.QuestionMetadata = &qm
			}
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return QueryResult{}, err
	}

	hasMore := len(events) > limit
	if hasMore {
		events = events[:limit]
	}

	return QueryResult{Events: events, Total: total, HasMore: hasMore}, nil
}

// LoadRecent returns up to limit of the latest events by timestamp, in
// chronological (oldest-first) order, for the Recovery Manager to seed the
// Ring Log.
func (s *Store) LoadRecent(ctx context.Context, limit int) ([]wire.TerminalEvent, error) {
	if s.MemoryOnly() {
		return nil, ErrMemoryOnly
	}
	if limit <= 0 {
		limit = 1000
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, project_id, pane_id, kind, content, timestamp, question_metadata_json
		FROM events ORDER BY timestamp DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []wire.TerminalEvent
	for rows.Next() {
		var (
			ev        wire.TerminalEvent
			kind      string
			timestamp string
			qmJSON    sql.NullString
		)
		if err := rows.Scan(&ev.ID, &ev.ProjectID, &ev.PaneID, &kind, &ev.Content, &timestamp, &qmJSON); err != nil {
			return nil, err
		}
		ev.Kind = wire.EventKind(kind)
		ev.Timestamp, _ = time.Parse(time.RFC3339Nano, timestamp)
		if qmJSON.Valid {
			var qm wire.QuestionMetadata
			if err := json.Unmarshal([]byte(qmJSON.String), &qm); err == nil {
				ev.QuestionMetadata = &qm
			}
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// reverse to chronological order
	for i, j := 0, len(events)-1; i < j; i, j = i+1, j-1 {
		events[i], events[j] = events[j], events[i]
	}
	return events, nil
}
