package recog

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/callbridge-labs/callbridge-core/internal/audiobus"
	"github.com/callbridge-labs/callbridge-core/internal/config"
	"github.com/callbridge-labs/callbridge-core/internal/protocol"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testCfg() config.RecognitionConfig {
	return config.RecognitionConfig{
		Mode:             "mock",
		SampleRate:       16000,
		Channels:         1,
		ReconnectRetries: 2,
		ReconnectMinMS:   1,
		ReconnectMaxMS:   5,
	}
}

type fakeStream struct {
	mu        sync.Mutex
	frames    []protocol.AudioFrame
	failAfter int // fail Send once this many frames were accepted; 0 = never
	events    chan Segment
}

func newFakeStream(buffer int) *fakeStream {
	return &fakeStream{events: make(chan Segment, buffer)}
}

func (s *fakeStream) Send(frame protocol.AudioFrame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failAfter > 0 && len(s.frames) >= s.failAfter {
		return errors.New("link lost")
	}
	s.frames = append(s.frames, frame)
	return nil
}

func (s *fakeStream) received() []protocol.AudioFrame {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]protocol.AudioFrame, len(s.frames))
	copy(out, s.frames)
	return out
}

func (s *fakeStream) Events() <-chan Segment { return s.events }
func (s *fakeStream) Err() error             { return nil }
func (s *fakeStream) Close() error           { return nil }

type fakeProvider struct {
	mu      sync.Mutex
	streams []*fakeStream
	opened  int
	openErr error // returned when the scripted streams run out
}

func (p *fakeProvider) Open(_ context.Context) (Stream, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.opened >= len(p.streams) {
		if p.openErr != nil {
			return nil, p.openErr
		}
		return nil, errors.New("no more streams scripted")
	}
	s := p.streams[p.opened]
	p.opened++
	return s, nil
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestSegmentsForwardedInOrder(t *testing.T) {
	bus := audiobus.New(8)
	st := newFakeStream(8)
	p := &fakeProvider{streams: []*fakeStream{st}}

	m := NewManager(context.Background(), "call-1", testCfg(), p, bus, newLogger())
	m.Start()
	defer m.Close()

	st.events <- Segment{Text: "hello", StartMS: 0, EndMS: 400}
	st.events <- Segment{Text: "hello world", Final: true, StartMS: 0, EndMS: 900}

	first := <-m.Segments()
	if first.Text != "hello" || first.Final {
		t.Fatalf("unexpected first segment: %+v", first)
	}
	second := <-m.Segments()
	if !second.Final || second.Text != "hello world" {
		t.Fatalf("unexpected second segment: %+v", second)
	}
}

func TestFramesConsumedInOrder(t *testing.T) {
	bus := audiobus.New(8)
	st := newFakeStream(1)
	p := &fakeProvider{streams: []*fakeStream{st}}

	m := NewManager(context.Background(), "call-1", testCfg(), p, bus, newLogger())
	m.Start()
	defer m.Close()

	for seq := uint64(1); seq <= 3; seq++ {
		if err := bus.Push(protocol.AudioFrame{CallID: "call-1", Sequence: seq}); err != nil {
			t.Fatalf("push: %v", err)
		}
	}

	waitFor(t, "frames delivered", func() bool { return len(st.received()) == 3 })
	for i, frame := range st.received() {
		if frame.Sequence != uint64(i+1) {
			t.Fatalf("frame %d out of order: sequence %d", i, frame.Sequence)
		}
	}
}

func TestReconnectReplaysPendingUtterance(t *testing.T) {
	bus := audiobus.New(8)
	st1 := newFakeStream(1)
	st1.failAfter = 2
	st2 := newFakeStream(4)
	p := &fakeProvider{streams: []*fakeStream{st1, st2}}

	m := NewManager(context.Background(), "call-1", testCfg(), p, bus, newLogger())
	m.Start()
	defer m.Close()

	for seq := uint64(1); seq <= 3; seq++ {
		if err := bus.Push(protocol.AudioFrame{CallID: "call-1", Sequence: seq}); err != nil {
			t.Fatalf("push: %v", err)
		}
	}

	// The third send fails, forcing a reconnect. All three frames belong to
	// the unfinished utterance and must be replayed to the new stream.
	waitFor(t, "replay", func() bool { return len(st2.received()) == 3 })
	for i, frame := range st2.received() {
		if frame.Sequence != uint64(i+1) {
			t.Fatalf("replayed frame %d out of order: sequence %d", i, frame.Sequence)
		}
	}
	waitFor(t, "streaming state", func() bool { return m.State() == StateStreaming })
}

func TestFinalSegmentClearsReplayBuffer(t *testing.T) {
	bus := audiobus.New(8)
	st1 := newFakeStream(4)
	st2 := newFakeStream(4)
	p := &fakeProvider{streams: []*fakeStream{st1, st2}}

	m := NewManager(context.Background(), "call-1", testCfg(), p, bus, newLogger())
	m.Start()
	defer m.Close()

	if err := bus.Push(protocol.AudioFrame{CallID: "call-1", Sequence: 1}); err != nil {
		t.Fatalf("push: %v", err)
	}
	waitFor(t, "frame delivered", func() bool { return len(st1.received()) == 1 })

	st1.events <- Segment{Text: "done", Final: true}
	<-m.Segments()

	// Finalized audio is not replayed after the stream drops.
	st1.mu.Lock()
	st1.failAfter = len(st1.frames)
	st1.mu.Unlock()
	if err := bus.Push(protocol.AudioFrame{CallID: "call-1", Sequence: 2}); err != nil {
		t.Fatalf("push: %v", err)
	}

	waitFor(t, "reconnect replay", func() bool { return len(st2.received()) >= 1 })
	frames := st2.received()
	if frames[0].Sequence != 2 {
		t.Fatalf("expected only the unfinalized frame replayed, got sequence %d", frames[0].Sequence)
	}
}

func TestDegradedAfterRetryBudgetExhausted(t *testing.T) {
	bus := audiobus.New(4)
	p := &fakeProvider{openErr: errors.New("provider down")}

	m := NewManager(context.Background(), "call-1", testCfg(), p, bus, newLogger())
	m.Start()
	defer m.Close()

	select {
	case err := <-m.Degraded():
		if !errors.Is(err, ErrProviderDisconnected) {
			t.Fatalf("expected ErrProviderDisconnected, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("degraded signal never arrived")
	}

	// The segment stream closes so the consumer can wind down.
	select {
	case _, ok := <-m.Segments():
		if ok {
			t.Fatal("expected segments channel closed")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("segments channel never closed")
	}
	if m.State() != StateClosed {
		t.Fatalf("expected closed state, got %v", m.State())
	}
}

func TestCloseShutsDownCleanly(t *testing.T) {
	bus := audiobus.New(4)
	st := newFakeStream(4)
	p := &fakeProvider{streams: []*fakeStream{st}}

	m := NewManager(context.Background(), "call-1", testCfg(), p, bus, newLogger())
	m.Start()
	m.Close()

	if _, ok := <-m.Segments(); ok {
		t.Fatal("expected segments channel closed after Close")
	}
	if m.State() != StateClosed {
		t.Fatalf("expected closed state, got %v", m.State())
	}
}
