package synth

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/callbridge-labs/callbridge-core/internal/config"
)

type UtteranceState int32

const (
	UtteranceSpeaking UtteranceState = iota
	UtteranceDone
	UtteranceCancelled
	UtteranceFailed
)

func (s UtteranceState) String() string {
	switch s {
	case UtteranceSpeaking:
		return "speaking"
	case UtteranceDone:
		return "done"
	case UtteranceCancelled:
		return "cancelled"
	case UtteranceFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Manager owns the synthesis side of one call. Each Speak call produces one
// Utterance; the turn manager never runs two at once.
type Manager struct {
	cfg   config.SynthesisConfig
	synth Synthesizer
	log   *slog.Logger
}

func NewManager(cfg config.SynthesisConfig, synth Synthesizer, log *slog.Logger) *Manager {
	return &Manager{
		cfg:   cfg,
		synth: synth,
		log:   log.With(slog.String("component", "synth")),
	}
}

// Utterance is one speaking episode: an ordered chunk stream plus a
// cancellable terminal state. The local state is authoritative; Cancel never
// waits on provider acknowledgment.
type Utterance struct {
	chunks chan Chunk
	done   chan struct{}
	cancel context.CancelFunc
	state  atomic.Int32

	mu  sync.Mutex
	err error
}

func (u *Utterance) Chunks() <-chan Chunk { return u.chunks }

// Done is closed once the producing goroutine has stopped.
func (u *Utterance) Done() <-chan struct{} { return u.done }

func (u *Utterance) State() UtteranceState { return UtteranceState(u.state.Load()) }

func (u *Utterance) Err() error {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.err
}

// Cancel is idempotent: cancelling a finished or already-cancelled
// utterance is a no-op, and repeated calls land in the same terminal state.
func (u *Utterance) Cancel() {
	if u.state.CompareAndSwap(int32(UtteranceSpeaking), int32(UtteranceCancelled)) {
		u.cancel()
	}
}

func (u *Utterance) finish(state UtteranceState, err error) {
	if u.state.CompareAndSwap(int32(UtteranceSpeaking), int32(state)) && err != nil {
		u.mu.Lock()
		u.err = err
		u.mu.Unlock()
	}
}

// Speak synthesizes text fragments in order until the channel is closed.
// Chunks carry a monotonically increasing sequence across fragments.
func (m *Manager) Speak(ctx context.Context, fragments <-chan string) *Utterance {
	uctx, cancel := context.WithCancel(ctx)
	u := &Utterance{
		chunks: make(chan Chunk, 8),
		done:   make(chan struct{}),
		cancel: cancel,
	}
	u.state.Store(int32(UtteranceSpeaking))
	go m.run(uctx, u, fragments)
	return u
}

func (m *Manager) run(ctx context.Context, u *Utterance, fragments <-chan string) {
	defer close(u.done)
	defer close(u.chunks)
	defer u.cancel()

	sequence := 0
	for {
		select {
		case text, ok := <-fragments:
			if !ok {
				u.finish(UtteranceDone, nil)
				return
			}
			if strings.TrimSpace(text) == "" {
				continue
			}
			if err := m.speakFragment(ctx, u, text, &sequence); err != nil {
				if ctx.Err() != nil {
					u.finish(UtteranceCancelled, nil)
					return
				}
				m.log.Warn("synthesis failed", slog.String("error", err.Error()))
				u.finish(UtteranceFailed, err)
				return
			}
		case <-ctx.Done():
			u.finish(UtteranceCancelled, nil)
			return
		}
	}
}

func (m *Manager) speakFragment(ctx context.Context, u *Utterance, text string, sequence *int) error {
	chunks, errs := m.synth.Synthesize(ctx, text)
	for {
		select {
		case chunk, ok := <-chunks:
			if !ok {
				chunks = nil
			} else {
				chunk.Sequence = *sequence
				*sequence++
				select {
				case u.chunks <- chunk:
				case <-ctx.Done():
					return ctx.Err()
				}
			}
		case err, ok := <-errs:
			if ok && err != nil {
				return err
			}
			errs = nil
		case <-ctx.Done():
			return ctx.Err()
		}
		if chunks == nil && errs == nil {
			return nil
		}
	}
}
