package session

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/callbridge-labs/callbridge-core/internal/config"
	"github.com/callbridge-labs/callbridge-core/internal/protocol"
	"github.com/callbridge-labs/callbridge-core/internal/recog"
	"github.com/callbridge-labs/callbridge-core/internal/synth"
	"github.com/callbridge-labs/callbridge-core/internal/turn"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Turn.Greeting = ""
	cfg.Turn.NoInputTimeoutMS = 60000
	return &cfg
}

type nullOutput struct {
	mu      sync.Mutex
	hangups []string
}

func (o *nullOutput) SendAudio(string, synth.Chunk) error { return nil }
func (o *nullOutput) Transcript(recog.Segment)            {}
func (o *nullOutput) Hangup(reason string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.hangups = append(o.hangups, reason)
	return nil
}

func newTestRegistry(t *testing.T, cfg *config.Config) *Registry {
	t.Helper()
	r, err := NewRegistry(cfg, turn.NopRecorder{}, newLogger())
	if err != nil {
		t.Fatalf("build registry: %v", err)
	}
	t.Cleanup(r.CloseAll)
	return r
}

func TestCreateAndGet(t *testing.T) {
	r := newTestRegistry(t, testConfig())

	start := protocol.CallStart{CallID: "call-1", CallerID: "alice", StartedAt: time.Now()}
	s, err := r.Create(context.Background(), start, &nullOutput{})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if s.CallID() != "call-1" || s.CallerID() != "alice" {
		t.Fatalf("unexpected session identity: %s/%s", s.CallID(), s.CallerID())
	}

	got, err := r.Get("call-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got != s {
		t.Fatal("Get returned a different session")
	}
	if r.Len() != 1 {
		t.Fatalf("expected 1 active session, got %d", r.Len())
	}
}

func TestCreateRejectsDuplicateCallID(t *testing.T) {
	r := newTestRegistry(t, testConfig())

	start := protocol.CallStart{CallID: "call-1"}
	if _, err := r.Create(context.Background(), start, &nullOutput{}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := r.Create(context.Background(), start, &nullOutput{}); !errors.Is(err, ErrDuplicateSession) {
		t.Fatalf("expected ErrDuplicateSession, got %v", err)
	}
}

func TestCreateEnforcesCapacity(t *testing.T) {
	cfg := testConfig()
	cfg.Session.MaxSessions = 1
	r := newTestRegistry(t, cfg)

	if _, err := r.Create(context.Background(), protocol.CallStart{CallID: "call-1"}, &nullOutput{}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := r.Create(context.Background(), protocol.CallStart{CallID: "call-2"}, &nullOutput{}); !errors.Is(err, ErrRegistryFull) {
		t.Fatalf("expected ErrRegistryFull, got %v", err)
	}

	// Capacity is released once the first call ends.
	r.Destroy("call-1")
	if _, err := r.Create(context.Background(), protocol.CallStart{CallID: "call-2"}, &nullOutput{}); err != nil {
		t.Fatalf("create after destroy: %v", err)
	}
}

func TestGetUnknownCall(t *testing.T) {
	r := newTestRegistry(t, testConfig())
	if _, err := r.Get("missing"); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
}

func TestDestroyIdempotent(t *testing.T) {
	r := newTestRegistry(t, testConfig())

	s, err := r.Create(context.Background(), protocol.CallStart{CallID: "call-1"}, &nullOutput{})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	r.Destroy("call-1")
	r.Destroy("call-1")

	if _, err := r.Get("call-1"); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected session removed, got %v", err)
	}
	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("session did not shut down")
	}
	if err := s.PushAudio(protocol.AudioFrame{CallID: "call-1", Sequence: 1}); err == nil {
		t.Fatal("expected push to fail after destroy")
	}
}

func TestPushAudioReachesSession(t *testing.T) {
	r := newTestRegistry(t, testConfig())

	s, err := r.Create(context.Background(), protocol.CallStart{CallID: "call-1"}, &nullOutput{})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := s.PushAudio(protocol.AudioFrame{CallID: "call-1", Sequence: 1, PCM: make([]byte, 640)}); err != nil {
		t.Fatalf("push audio: %v", err)
	}
}

func TestSessionEndReapsRegistryEntry(t *testing.T) {
	r := newTestRegistry(t, testConfig())

	s, err := r.Create(context.Background(), protocol.CallStart{CallID: "call-1"}, &nullOutput{})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	s.Hangup("caller hangup")

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if r.Len() == 0 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("ended session never reaped")
}

func TestCloseAll(t *testing.T) {
	r := newTestRegistry(t, testConfig())

	for _, id := range []string{"a", "b", "c"} {
		if _, err := r.Create(context.Background(), protocol.CallStart{CallID: id}, &nullOutput{}); err != nil {
			t.Fatalf("create %s: %v", id, err)
		}
	}
	r.CloseAll()
	if r.Len() != 0 {
		t.Fatalf("expected empty registry, got %d", r.Len())
	}
}
