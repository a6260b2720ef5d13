package callog

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/callbridge-labs/callbridge-core/internal/config"
	"github.com/callbridge-labs/callbridge-core/internal/dialog"
	"github.com/callbridge-labs/callbridge-core/internal/turn"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestOpenEphemeral(t *testing.T) {
	cfg := config.CallLogConfig{RetentionMode: "ephemeral"}
	s, err := Open(context.Background(), cfg, newLogger())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	// Every write is a no-op but must not fail.
	if err := s.StartCall(context.Background(), "call-1", "alice"); err != nil {
		t.Fatalf("start call: %v", err)
	}
	s.RecordStateChange("call-1", turn.StateListening, turn.StatePondering, "test")
	events, err := s.ListCallEvents(context.Background(), "call-1", 10)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 0 {
		t.Fatalf("ephemeral store returned events: %d", len(events))
	}
}

func TestRecordTimeline(t *testing.T) {
	tmp := t.TempDir()
	cfg := config.CallLogConfig{Path: filepath.Join(tmp, "calls.db"), RetentionMode: "session"}
	s, err := Open(context.Background(), cfg, newLogger())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	if err := s.StartCall(context.Background(), "call-1", "alice"); err != nil {
		t.Fatalf("start call: %v", err)
	}
	s.RecordStateChange("call-1", turn.StateListening, turn.StatePondering, "utterance finalized")
	s.RecordTurn("call-1", dialog.Turn{ID: "t1", Speaker: dialog.SpeakerCaller, Text: "book a table"})
	s.RecordError("call-1", "responder", errors.New("timeout"))
	if err := s.EndCall(context.Background(), "call-1", "caller hangup"); err != nil {
		t.Fatalf("end call: %v", err)
	}

	events, err := s.ListCallEvents(context.Background(), "call-1", 10)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("expected 3 events, got %d", len(events))
	}
	if events[0].Type != "state_change" || events[1].Type != "turn" || events[2].Type != "error" {
		t.Fatalf("unexpected event order: %s, %s, %s", events[0].Type, events[1].Type, events[2].Type)
	}

	var change stateChangePayload
	if err := json.Unmarshal(events[0].Payload, &change); err != nil {
		t.Fatalf("decode state change: %v", err)
	}
	if change.From != "listening" || change.To != "pondering" {
		t.Fatalf("unexpected transition: %+v", change)
	}

	var recorded turnPayload
	if err := json.Unmarshal(events[1].Payload, &recorded); err != nil {
		t.Fatalf("decode turn: %v", err)
	}
	if recorded.Speaker != "caller" || recorded.Text != "book a table" {
		t.Fatalf("unexpected turn payload: %+v", recorded)
	}
}

func TestListLimitsAndOrders(t *testing.T) {
	tmp := t.TempDir()
	cfg := config.CallLogConfig{Path: filepath.Join(tmp, "calls.db"), RetentionMode: "persistent"}
	s, err := Open(context.Background(), cfg, newLogger())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	if err := s.StartCall(context.Background(), "call-1", ""); err != nil {
		t.Fatalf("start call: %v", err)
	}
	for i := 0; i < 5; i++ {
		err := s.AppendEvent(context.Background(), Event{CallID: "call-1", Type: "note", Payload: []byte{byte(i)}})
		if err != nil {
			t.Fatalf("append event %d: %v", i, err)
		}
	}

	events, err := s.ListCallEvents(context.Background(), "call-1", 3)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("expected 3 events, got %d", len(events))
	}
	if events[0].Payload[0] != 0 || events[2].Payload[0] != 2 {
		t.Fatal("events not ordered oldest first")
	}
}

func TestPruneByDaysAndCalls(t *testing.T) {
	tmp := t.TempDir()
	cfg := config.CallLogConfig{
		Path:          filepath.Join(tmp, "calls.db"),
		RetentionMode: "persistent",
		RetentionDays: 1,
		MaxCalls:      1,
	}
	s, err := Open(context.Background(), cfg, newLogger())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	s.clock = func() time.Time { return time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC) }
	if err := s.StartCall(context.Background(), "old-call", "alice"); err != nil {
		t.Fatalf("start old call: %v", err)
	}
	if err := s.AppendEvent(context.Background(), Event{CallID: "old-call", Type: "note"}); err != nil {
		t.Fatalf("append event: %v", err)
	}

	s.clock = func() time.Time { return time.Date(2026, 1, 3, 0, 0, 0, 0, time.UTC) }
	if err := s.StartCall(context.Background(), "new-call", "bob"); err != nil {
		t.Fatalf("start new call: %v", err)
	}
	if err := s.Prune(context.Background()); err != nil {
		t.Fatalf("prune: %v", err)
	}

	events, err := s.ListCallEvents(context.Background(), "old-call", 10)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 0 {
		t.Fatal("expected old call pruned")
	}
}
