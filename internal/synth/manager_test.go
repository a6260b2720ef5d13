package synth

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/callbridge-labs/callbridge-core/internal/config"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testCfg() config.SynthesisConfig {
	return config.SynthesisConfig{
		Mode:            "mock",
		SampleRate:      22050,
		Channels:        1,
		ChunkDurationMS: 20,
		CancelBudgetMS:  250,
	}
}

// fakeSynth emits chunksPerText chunks per fragment, optionally slowly or
// failing on a specific text.
type fakeSynth struct {
	chunksPerText int
	delay         time.Duration
	failOn        string
}

func (f *fakeSynth) Synthesize(ctx context.Context, text string) (<-chan Chunk, <-chan error) {
	chunks := make(chan Chunk)
	errs := make(chan error, 1)
	go func() {
		defer close(chunks)
		defer close(errs)
		if text == f.failOn {
			errs <- errors.New("synth backend failed")
			return
		}
		for i := 0; i < f.chunksPerText; i++ {
			if f.delay > 0 {
				select {
				case <-time.After(f.delay):
				case <-ctx.Done():
					return
				}
			}
			chunk := Chunk{PCM: []byte(text), Final: i == f.chunksPerText-1}
			select {
			case chunks <- chunk:
			case <-ctx.Done():
				return
			}
		}
	}()
	return chunks, errs
}

func speakAll(m *Manager, texts ...string) *Utterance {
	fragments := make(chan string, len(texts))
	for _, text := range texts {
		fragments <- text
	}
	close(fragments)
	return m.Speak(context.Background(), fragments)
}

func TestSpeakSequencesChunksAcrossFragments(t *testing.T) {
	m := NewManager(testCfg(), &fakeSynth{chunksPerText: 2}, newLogger())
	u := speakAll(m, "First sentence.", "Second sentence.")

	var got []Chunk
	for chunk := range u.Chunks() {
		got = append(got, chunk)
	}
	<-u.Done()

	if len(got) != 4 {
		t.Fatalf("expected 4 chunks, got %d", len(got))
	}
	for i, chunk := range got {
		if chunk.Sequence != i {
			t.Fatalf("chunk %d has sequence %d", i, chunk.Sequence)
		}
	}
	if string(got[0].PCM) != "First sentence." || string(got[2].PCM) != "Second sentence." {
		t.Fatal("fragments synthesized out of order")
	}
	if u.State() != UtteranceDone {
		t.Fatalf("expected done state, got %v", u.State())
	}
}

func TestCancelStopsChunkFlow(t *testing.T) {
	m := NewManager(testCfg(), &fakeSynth{chunksPerText: 100, delay: 5 * time.Millisecond}, newLogger())
	u := speakAll(m, "A very long reply that keeps going.")

	<-u.Chunks()
	u.Cancel()

	if u.State() != UtteranceCancelled {
		t.Fatalf("expected cancelled immediately after Cancel, got %v", u.State())
	}

	select {
	case <-u.Done():
	case <-time.After(time.Second):
		t.Fatal("utterance did not stop after Cancel")
	}

	// Whatever was in flight drains; the channel must close.
	count := 0
	for range u.Chunks() {
		count++
	}
	if count > 8 {
		t.Fatalf("too many chunks after cancel: %d", count)
	}
}

func TestCancelIdempotent(t *testing.T) {
	m := NewManager(testCfg(), &fakeSynth{chunksPerText: 1}, newLogger())
	u := speakAll(m, "Short.")

	for range u.Chunks() {
	}
	<-u.Done()
	if u.State() != UtteranceDone {
		t.Fatalf("expected done, got %v", u.State())
	}

	// Cancelling a finished utterance leaves it finished.
	u.Cancel()
	u.Cancel()
	if u.State() != UtteranceDone {
		t.Fatalf("cancel after done changed state to %v", u.State())
	}
}

func TestProviderFailureMarksUtteranceFailed(t *testing.T) {
	m := NewManager(testCfg(), &fakeSynth{chunksPerText: 1, failOn: "bad"}, newLogger())
	u := speakAll(m, "bad")

	for range u.Chunks() {
	}
	<-u.Done()
	if u.State() != UtteranceFailed {
		t.Fatalf("expected failed state, got %v", u.State())
	}
	if u.Err() == nil {
		t.Fatal("expected error recorded on failed utterance")
	}
}

func TestEmptyFragmentsSkipped(t *testing.T) {
	m := NewManager(testCfg(), &fakeSynth{chunksPerText: 1}, newLogger())
	u := speakAll(m, "  ", "Real text.")

	var got []Chunk
	for chunk := range u.Chunks() {
		got = append(got, chunk)
	}
	<-u.Done()
	if len(got) != 1 || string(got[0].PCM) != "Real text." {
		t.Fatalf("expected only the non-empty fragment synthesized, got %v", got)
	}
}
