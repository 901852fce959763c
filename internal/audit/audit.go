// Package audit persists the host's operational events to an
// append-only SQLite trail. Every access decision, invocation, and
// lifecycle transition that reaches the event bus lands here, so "who
// called what, and was it allowed" can be answered after the fact.
// The store never updates or deletes rows.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/groundloop/patchbay/internal/events"
)

// Record is one audit trail entry. Caller, Capability, and Client are
// promoted to columns so the common queries stay cheap; everything
// else the event carried lives in Detail.
type Record struct {
	ID         string         `json:"id"`
	Timestamp  time.Time      `json:"ts"`
	Source     string         `json:"source"`
	Kind       string         `json:"kind"`
	Caller     string         `json:"caller,omitempty"`
	Capability string         `json:"capability,omitempty"`
	Client     string         `json:"client,omitempty"`
	Detail     map[string]any `json:"detail,omitempty"`
}

// Filter narrows Query results. Zero value returns the most recent
// entries of any kind.
type Filter struct {
	// Kind restricts to one event kind (e.g., access_denied).
	Kind string
	// Caller restricts to entries attributed to one caller.
	Caller string
	// Limit caps the result count. Defaults to 100, capped at 1000.
	Limit int
}

const (
	defaultQueryLimit = 100
	maxQueryLimit     = 1000
)

func (f Filter) limit() int {
	switch {
	case f.Limit <= 0:
		return defaultQueryLimit
	case f.Limit > maxQueryLimit:
		return maxQueryLimit
	default:
		return f.Limit
	}
}

// Store is the append-only audit trail. The caller owns the database
// handle and its lifecycle; the store only writes and reads rows.
// Safe for concurrent use (SQLite serializes writes).
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewStore creates the audit store on an open database, migrating the
// schema on first use.
func NewStore(db *sql.DB, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Store{db: db, logger: logger.With("component", "audit")}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate audit trail: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS audit_log (
			id         TEXT PRIMARY KEY,
			ts         TEXT NOT NULL,
			source     TEXT NOT NULL,
			kind       TEXT NOT NULL,
			caller     TEXT NOT NULL DEFAULT '',
			capability TEXT NOT NULL DEFAULT '',
			client     TEXT NOT NULL DEFAULT '',
			detail     TEXT NOT NULL DEFAULT '{}'
		);
		CREATE INDEX IF NOT EXISTS idx_audit_kind ON audit_log(kind, ts);
		CREATE INDEX IF NOT EXISTS idx_audit_caller ON audit_log(caller, ts);
	`)
	return err
}

// Append writes one record and returns its ID. A missing ID gets a
// time-ordered UUID; a zero timestamp gets the current time.
func (s *Store) Append(rec Record) (string, error) {
	if rec.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return "", fmt.Errorf("generate audit id: %w", err)
		}
		rec.ID = id.String()
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}

	detail := "{}"
	if len(rec.Detail) > 0 {
		data, err := json.Marshal(rec.Detail)
		if err != nil {
			return "", fmt.Errorf("marshal audit detail: %w", err)
		}
		detail = string(data)
	}

	_, err := s.db.Exec(
		`INSERT INTO audit_log (id, ts, source, kind, caller, capability, client, detail)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID,
		rec.Timestamp.UTC().Format(time.RFC3339Nano),
		rec.Source,
		rec.Kind,
		rec.Caller,
		rec.Capability,
		rec.Client,
		detail,
	)
	if err != nil {
		return "", fmt.Errorf("append audit record: %w", err)
	}
	return rec.ID, nil
}

// Query returns matching records, newest first.
func (s *Store) Query(f Filter) ([]Record, error) {
	query := `SELECT id, ts, source, kind, caller, capability, client, detail FROM audit_log`
	var conds []string
	var args []any
	if f.Kind != "" {
		conds = append(conds, "kind = ?")
		args = append(args, f.Kind)
	}
	if f.Caller != "" {
		conds = append(conds, "caller = ?")
		args = append(args, f.Caller)
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY ts DESC, id DESC LIMIT ?"
	args = append(args, f.limit())

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query audit trail: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var rec Record
		var ts, detail string
		if err := rows.Scan(&rec.ID, &ts, &rec.Source, &rec.Kind, &rec.Caller, &rec.Capability, &rec.Client, &detail); err != nil {
			return nil, fmt.Errorf("scan audit record: %w", err)
		}
		rec.Timestamp, err = time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			return nil, fmt.Errorf("parse audit timestamp %q: %w", ts, err)
		}
		if detail != "" && detail != "{}" {
			if err := json.Unmarshal([]byte(detail), &rec.Detail); err != nil {
				return nil, fmt.Errorf("parse audit detail: %w", err)
			}
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Count returns the total number of trail entries.
func (s *Store) Count() (int64, error) {
	var n int64
	err := s.db.QueryRow(`SELECT COUNT(*) FROM audit_log`).Scan(&n)
	return n, err
}

// Pump consumes the event bus and appends each event to the trail
// until ctx is cancelled or the subscription closes. Probe successes
// are routine and skipped; probe failures are recorded. Append
// failures are logged and the pump keeps going.
func (s *Store) Pump(ctx context.Context, bus *events.Bus) {
	if bus == nil {
		return
	}
	ch := bus.Subscribe(256)
	defer bus.Unsubscribe(ch)

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if ev.Kind == events.KindProbeOK {
				continue
			}
			if _, err := s.Append(fromEvent(ev)); err != nil {
				s.logger.Warn("audit append failed", "kind", ev.Kind, "error", err)
			}
		}
	}
}

// fromEvent maps a bus event onto a record, promoting the well-known
// attribution keys to columns and leaving the rest in Detail.
func fromEvent(ev events.Event) Record {
	rec := Record{
		Timestamp: ev.Timestamp,
		Source:    ev.Source,
		Kind:      ev.Kind,
	}
	if len(ev.Data) == 0 {
		return rec
	}

	detail := make(map[string]any, len(ev.Data))
	for k, v := range ev.Data {
		switch k {
		case "caller":
			if str, ok := v.(string); ok {
				rec.Caller = str
				continue
			}
		case "capability":
			if str, ok := v.(string); ok {
				rec.Capability = str
				continue
			}
		case "client":
			if str, ok := v.(string); ok {
				rec.Client = str
				continue
			}
		}
		detail[k] = v
	}
	if len(detail) > 0 {
		rec.Detail = detail
	}
	return rec
}
