package recog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/callbridge-labs/callbridge-core/internal/audiobus"
	"github.com/callbridge-labs/callbridge-core/internal/config"
	"github.com/callbridge-labs/callbridge-core/internal/protocol"
	"github.com/callbridge-labs/callbridge-core/internal/retry"
)

// ErrProviderDisconnected marks a lost recognition link that is being
// recovered through the reconnect budget.
var ErrProviderDisconnected = errors.New("recognition provider disconnected")

type State int32

const (
	StateConnecting State = iota
	StateStreaming
	StateReconnecting
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateStreaming:
		return "streaming"
	case StateReconnecting:
		return "reconnecting"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Manager owns one provider connection per call. It consumes the audio bus
// in order, surfaces ordered transcript segments, and reconnects with
// replay when the provider drops mid-call.
type Manager struct {
	callID   string
	cfg      config.RecognitionConfig
	provider Provider
	bus      *audiobus.Bus
	log      *slog.Logger
	policy   retry.Policy

	segments chan Segment
	degraded chan error

	state  atomic.Int32
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	pending []protocol.AudioFrame
	lastSeq uint64
}

func NewManager(parent context.Context, callID string, cfg config.RecognitionConfig, provider Provider, bus *audiobus.Bus, log *slog.Logger) *Manager {
	ctx, cancel := context.WithCancel(parent)
	m := &Manager{
		callID:   callID,
		cfg:      cfg,
		provider: provider,
		bus:      bus,
		log:      log.With(slog.String("component", "recog"), slog.String("call_id", callID)),
		policy: retry.Policy{
			MaxAttempts: cfg.ReconnectRetries + 1,
			MinDelay:    time.Duration(cfg.ReconnectMinMS) * time.Millisecond,
			MaxDelay:    time.Duration(cfg.ReconnectMaxMS) * time.Millisecond,
		},
		segments: make(chan Segment, 16),
		degraded: make(chan error, 1),
		ctx:      ctx,
		cancel:   cancel,
	}
	m.state.Store(int32(StateConnecting))
	return m
}

// Segments delivers transcript segments in arrival order. Closed when the
// manager shuts down.
func (m *Manager) Segments() <-chan Segment { return m.segments }

// Degraded receives the terminal error once the reconnect budget is
// exhausted, so the turn manager can fall back to a goodbye message.
func (m *Manager) Degraded() <-chan error { return m.degraded }

func (m *Manager) State() State { return State(m.state.Load()) }

func (m *Manager) Start() {
	m.wg.Add(1)
	go m.run()
}

func (m *Manager) Close() {
	m.cancel()
	m.bus.Close()
	m.wg.Wait()
}

func (m *Manager) run() {
	defer m.wg.Done()
	defer close(m.segments)

	reconnected := false
	for {
		stream, err := m.connect()
		if err != nil {
			if m.ctx.Err() != nil {
				m.state.Store(int32(StateClosed))
				return
			}
			m.state.Store(int32(StateClosed))
			m.log.Error("recognition reconnect budget exhausted", slogError(err))
			select {
			case m.degraded <- fmt.Errorf("%w: %v", ErrProviderDisconnected, err):
			default:
			}
			return
		}

		m.state.Store(int32(StateStreaming))
		if reconnected {
			m.replay(stream)
		}

		err = m.pump(stream)
		_ = stream.Close()
		if m.ctx.Err() != nil || errors.Is(err, audiobus.ErrClosed) {
			m.state.Store(int32(StateClosed))
			return
		}

		m.state.Store(int32(StateReconnecting))
		m.log.Warn("recognition stream lost, reconnecting", slogError(err))
		reconnected = true
	}
}

func (m *Manager) connect() (Stream, error) {
	var stream Stream
	err := m.policy.Do(m.ctx, func() error {
		s, err := m.provider.Open(m.ctx)
		if err != nil {
			return err
		}
		stream = s
		return nil
	})
	return stream, err
}

// replay re-sends frames of the in-flight utterance so no audio is lost
// across a reconnect. Sequence gaps are only possible here.
func (m *Manager) replay(stream Stream) {
	m.mu.Lock()
	frames := append([]protocol.AudioFrame(nil), m.pending...)
	m.mu.Unlock()
	for _, frame := range frames {
		if err := stream.Send(frame); err != nil {
			m.log.Warn("replay send failed", slogError(err))
			return
		}
	}
	if len(frames) > 0 {
		m.log.Info("replayed buffered audio", slog.Int("frames", len(frames)))
	}
}

// pump runs one connected episode: bus consumption one way, events the
// other. Returns when either side fails or the session closes.
func (m *Manager) pump(stream Stream) error {
	sendErr := make(chan error, 1)
	ctx, cancel := context.WithCancel(m.ctx)
	defer cancel()

	go func() {
		for {
			frame, err := m.bus.Pop(ctx)
			if err != nil {
				sendErr <- err
				return
			}
			m.track(frame)
			if err := stream.Send(frame); err != nil {
				sendErr <- err
				return
			}
		}
	}()

	for {
		select {
		case seg, ok := <-stream.Events():
			if !ok {
				if err := stream.Err(); err != nil {
					return err
				}
				return ErrProviderDisconnected
			}
			if seg.Final {
				m.clearPending()
			}
			select {
			case m.segments <- seg:
			case <-m.ctx.Done():
				return m.ctx.Err()
			}
		case err := <-sendErr:
			return err
		case <-m.ctx.Done():
			return m.ctx.Err()
		}
	}
}

func (m *Manager) track(frame protocol.AudioFrame) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.lastSeq != 0 && frame.Sequence != m.lastSeq+1 {
		m.log.Warn("audio frame sequence gap",
			slog.Uint64("expected", m.lastSeq+1),
			slog.Uint64("got", frame.Sequence))
	}
	m.lastSeq = frame.Sequence
	m.pending = append(m.pending, frame)
}

func (m *Manager) clearPending() {
	m.mu.Lock()
	m.pending = m.pending[:0]
	m.mu.Unlock()
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
