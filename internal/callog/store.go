package callog

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/callbridge-labs/callbridge-core/internal/config"
	"github.com/callbridge-labs/callbridge-core/internal/dialog"
	"github.com/callbridge-labs/callbridge-core/internal/turn"
	_ "modernc.org/sqlite"
)

// Event is one recorded call timeline entry.
type Event struct {
	ID        int64
	CallID    string
	Type      string
	Payload   []byte
	CreatedAt time.Time
}

// Store keeps the per-call timeline in SQLite. In ephemeral mode every
// write is a no-op, so the turn manager can record unconditionally.
type Store struct {
	db    *sql.DB
	cfg   config.CallLogConfig
	log   *slog.Logger
	clock func() time.Time
}

// Open initializes the call log according to config.
func Open(ctx context.Context, cfg config.CallLogConfig, log *slog.Logger) (*Store, error) {
	if cfg.RetentionMode == "ephemeral" {
		return &Store{cfg: cfg, log: log, clock: time.Now}, nil
	}

	dir := filepath.Dir(cfg.Path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)", cfg.Path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &Store{db: db, cfg: cfg, log: log, clock: time.Now}

	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}

	if cfg.VacuumOnStart {
		if err := s.vacuum(ctx); err != nil {
			log.Warn("call log vacuum failed", slog.String("error", err.Error()))
		}
	}

	if err := s.Prune(ctx); err != nil {
		log.Warn("call log prune on start failed", slog.String("error", err.Error()))
	}

	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	ddl := `
CREATE TABLE IF NOT EXISTS calls (
    call_id TEXT PRIMARY KEY,
    caller_id TEXT,
    started_at TIMESTAMP NOT NULL,
    ended_at TIMESTAMP,
    end_reason TEXT
);
CREATE TABLE IF NOT EXISTS call_events (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    call_id TEXT NOT NULL,
    event_type TEXT,
    payload BLOB,
    created_at TIMESTAMP NOT NULL,
    FOREIGN KEY(call_id) REFERENCES calls(call_id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_call_events_call_created ON call_events(call_id, created_at);
`
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

func (s *Store) vacuum(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

// Close releases underlying resources.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// StartCall ensures a call row exists.
func (s *Store) StartCall(ctx context.Context, callID, callerID string) error {
	if s.cfg.RetentionMode == "ephemeral" || s.db == nil {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO calls(call_id, caller_id, started_at)
		 VALUES(?, ?, ?)
		 ON CONFLICT(call_id) DO UPDATE SET caller_id=excluded.caller_id`,
		callID, callerID, s.clock().UTC())
	return err
}

// EndCall stamps the call row with its end time and reason.
func (s *Store) EndCall(ctx context.Context, callID, reason string) error {
	if s.cfg.RetentionMode == "ephemeral" || s.db == nil {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE calls SET ended_at = ?, end_reason = ? WHERE call_id = ?`,
		s.clock().UTC(), reason, callID)
	return err
}

// AppendEvent writes one timeline entry.
func (s *Store) AppendEvent(ctx context.Context, evt Event) error {
	if s.cfg.RetentionMode == "ephemeral" || s.db == nil {
		return nil
	}
	if evt.CreatedAt.IsZero() {
		evt.CreatedAt = s.clock().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO call_events(call_id, event_type, payload, created_at)
		 VALUES(?, ?, ?, ?)`,
		evt.CallID, evt.Type, evt.Payload, evt.CreatedAt)
	return err
}

// ListCallEvents retrieves up to limit events for a call ordered ascending by time.
func (s *Store) ListCallEvents(ctx context.Context, callID string, limit int) ([]Event, error) {
	if s.cfg.RetentionMode == "ephemeral" || s.db == nil {
		return nil, nil
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, call_id, event_type, payload, created_at
		 FROM call_events WHERE call_id = ? ORDER BY created_at ASC, id ASC LIMIT ?`, callID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var e Event
		var created string
		if err := rows.Scan(&e.ID, &e.CallID, &e.Type, &e.Payload, &created); err != nil {
			return nil, err
		}
		if ts, err := time.Parse(time.RFC3339Nano, created); err == nil {
			e.CreatedAt = ts
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// Prune applies configured retention, called on startup.
func (s *Store) Prune(ctx context.Context) error {
	if s.cfg.RetentionMode == "ephemeral" || s.db == nil {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	if s.cfg.RetentionDays > 0 {
		cutoff := s.clock().Add(-time.Duration(s.cfg.RetentionDays) * 24 * time.Hour)
		if _, err = tx.ExecContext(ctx, `DELETE FROM call_events WHERE created_at < ?`, cutoff.UTC()); err != nil {
			return err
		}
		if _, err = tx.ExecContext(ctx, `DELETE FROM calls WHERE started_at < ?`, cutoff.UTC()); err != nil {
			return err
		}
	}
	if s.cfg.MaxCalls > 0 {
		_, err = tx.ExecContext(ctx, `DELETE FROM calls WHERE call_id IN (
			SELECT call_id FROM calls ORDER BY started_at DESC LIMIT -1 OFFSET ?
		)`, s.cfg.MaxCalls)
		if err != nil {
			return err
		}
	}
	err = tx.Commit()
	return err
}

type stateChangePayload struct {
	From   string `json:"from"`
	To     string `json:"to"`
	Reason string `json:"reason,omitempty"`
}

type turnPayload struct {
	TurnID    string    `json:"turn_id"`
	Speaker   string    `json:"speaker"`
	Text      string    `json:"text"`
	StartedAt time.Time `json:"started_at"`
	EndedAt   time.Time `json:"ended_at"`
}

type errorPayload struct {
	Stage string `json:"stage"`
	Error string `json:"error"`
}

// RecordStateChange implements turn.Recorder.
func (s *Store) RecordStateChange(callID string, from, to turn.State, reason string) {
	s.record(callID, "state_change", stateChangePayload{From: from.String(), To: to.String(), Reason: reason})
}

// RecordTurn implements turn.Recorder.
func (s *Store) RecordTurn(callID string, t dialog.Turn) {
	s.record(callID, "turn", turnPayload{
		TurnID:    t.ID,
		Speaker:   string(t.Speaker),
		Text:      t.Text,
		StartedAt: t.StartedAt,
		EndedAt:   t.EndedAt,
	})
}

// RecordError implements turn.Recorder.
func (s *Store) RecordError(callID, stage string, err error) {
	s.record(callID, "error", errorPayload{Stage: stage, Error: err.Error()})
}

func (s *Store) record(callID, eventType string, payload any) {
	if s.cfg.RetentionMode == "ephemeral" || s.db == nil {
		return
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.AppendEvent(ctx, Event{CallID: callID, Type: eventType, Payload: body}); err != nil {
		s.log.Warn("call log write failed",
			slog.String("call_id", callID),
			slog.String("event_type", eventType),
			slog.String("error", err.Error()))
	}
}
