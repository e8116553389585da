package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/heinousjay/JibbrJabbr-sub000/internal/digest"
)

// Kind names one step in a script's lifecycle.
type Kind string

const (
	KindSubmitted Kind = "submitted"
	KindParked    Kind = "parked"
	KindSuspended Kind = "suspended"
	KindResumed   Kind = "resumed"
	KindCompleted Kind = "completed"
	KindResponded Kind = "responded"
	KindState     Kind = "state"
	KindAbandoned Kind = "abandoned"
)

// Kinds lists every kind in lifecycle order.
var Kinds = []Kind{
	KindSubmitted, KindParked, KindSuspended, KindResumed,
	KindCompleted, KindResponded, KindState, KindAbandoned,
}

// Event is one journal row.
//
// Subject is the unit the event is about ("request:<id>", "module:<id>@<key>",
// "connection:<id>", "env:<base>/<name>"). Detail holds small string
// attributes and is stored as canonical JSON.
type Event struct {
	RunID      string
	Seq        int64
	Kind       Kind
	BaseName   string
	Subject    string
	PendingKey string
	Reason     string
	Detail     map[string]string
}

// Run is one scheduler lifetime.
type Run struct {
	ID        string
	StartedAt time.Time
	Label     string
}

// EventFilter narrows ReadEvents. Zero fields match everything.
type EventFilter struct {
	BaseName string
	Kinds    []Kind
	AfterSeq int64
	Limit    int
}

// BeginRun records the start of a run. Calling it again for the same id is
// a no-op.
func (s *Store) BeginRun(ctx context.Context, id, label string, startedAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO runs (id, started_at, label)
		VALUES (?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`, id, startedAt.UTC().Format(time.RFC3339Nano), label)
	if err != nil {
		return fmt.Errorf("begin run: %w", err)
	}
	return nil
}

// AppendEvent inserts ev. The run must exist.
func (s *Store) AppendEvent(ctx context.Context, ev Event) error {
	detail, err := marshalDetail(ev.Detail)
	if err != nil {
		return fmt.Errorf("append event: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO events
		(run_id, seq, kind, base_name, subject, pending_key, reason, detail)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`,
		ev.RunID,
		ev.Seq,
		string(ev.Kind),
		ev.BaseName,
		ev.Subject,
		ev.PendingKey,
		ev.Reason,
		detail,
	)
	if err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	return nil
}

// ReadEvents returns the events of runID matching filter, ordered by seq.
// Returns an empty slice (not nil) when nothing matches.
func (s *Store) ReadEvents(ctx context.Context, runID string, filter EventFilter) ([]Event, error) {
	var (
		where = []string{"run_id = ?", "seq > ?"}
		args  = []any{runID, filter.AfterSeq}
	)
	if filter.BaseName != "" {
		where = append(where, "base_name = ?")
		args = append(args, filter.BaseName)
	}
	if len(filter.Kinds) > 0 {
		marks := make([]string, len(filter.Kinds))
		for i, k := range filter.Kinds {
			marks[i] = "?"
			args = append(args, string(k))
		}
		where = append(where, "kind IN ("+strings.Join(marks, ",")+")")
	}

	query := `
		SELECT run_id, seq, kind, base_name, subject, pending_key, reason, detail
		FROM events
		WHERE ` + strings.Join(where, " AND ") + `
		ORDER BY seq ASC`
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	events := []Event{}
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return events, nil
}

// LastSeq returns the highest seq recorded for runID, or 0.
func (s *Store) LastSeq(ctx context.Context, runID string) (int64, error) {
	var seq sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		"SELECT MAX(seq) FROM events WHERE run_id = ?", runID,
	).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("last seq: %w", err)
	}
	return seq.Int64, nil
}

// Runs returns every run, most recent first.
func (s *Store) Runs(ctx context.Context) ([]Run, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, started_at, label
		FROM runs
		ORDER BY started_at DESC, id COLLATE BINARY ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	runs := []Run{}
	for rows.Next() {
		var (
			r       Run
			started string
		)
		if err := rows.Scan(&r.ID, &started, &r.Label); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		r.StartedAt, err = time.Parse(time.RFC3339Nano, started)
		if err != nil {
			return nil, fmt.Errorf("run %s: parse started_at: %w", r.ID, err)
		}
		runs = append(runs, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate runs: %w", err)
	}
	return runs, nil
}

// LatestRun returns the most recently started run.
func (s *Store) LatestRun(ctx context.Context) (Run, error) {
	runs, err := s.Runs(ctx)
	if err != nil {
		return Run{}, err
	}
	if len(runs) == 0 {
		return Run{}, ErrNoRuns
	}
	return runs[0], nil
}

// ErrNoRuns is returned by LatestRun on an empty journal.
var ErrNoRuns = errors.New("journal has no runs")

func scanEvent(rows *sql.Rows) (Event, error) {
	var (
		ev     Event
		kind   string
		detail string
	)
	if err := rows.Scan(&ev.RunID, &ev.Seq, &kind, &ev.BaseName, &ev.Subject, &ev.PendingKey, &ev.Reason, &detail); err != nil {
		return Event{}, fmt.Errorf("scan event: %w", err)
	}
	ev.Kind = Kind(kind)
	if err := json.Unmarshal([]byte(detail), &ev.Detail); err != nil {
		return Event{}, fmt.Errorf("event %d: unmarshal detail: %w", ev.Seq, err)
	}
	if len(ev.Detail) == 0 {
		ev.Detail = nil
	}
	return ev, nil
}

func marshalDetail(detail map[string]string) (string, error) {
	if detail == nil {
		return "{}", nil
	}
	b, err := digest.MarshalCanonical(detail)
	if err != nil {
		return "", fmt.Errorf("marshal detail: %w", err)
	}
	return string(b), nil
}
