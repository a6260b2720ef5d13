package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/callbridge-labs/callbridge-core/internal/config"
	"github.com/callbridge-labs/callbridge-core/internal/protocol"
	"github.com/callbridge-labs/callbridge-core/internal/recog"
	"github.com/callbridge-labs/callbridge-core/internal/respond"
	"github.com/callbridge-labs/callbridge-core/internal/synth"
	"github.com/callbridge-labs/callbridge-core/internal/turn"
)

var (
	ErrDuplicateSession = errors.New("session already exists for call")
	ErrSessionNotFound  = errors.New("session not found")
	ErrRegistryFull     = errors.New("session registry at capacity")
)

type providerDeps struct {
	recognizer  recog.Provider
	synthesizer synth.Synthesizer
	generator   respond.Generator
}

// Registry tracks the active sessions, one per call ID. Provider backends
// are built once and shared; each session gets its own stream managers.
type Registry struct {
	cfg      *config.Config
	deps     providerDeps
	recorder turn.Recorder
	log      *slog.Logger

	mu       sync.Mutex
	sessions map[string]*Session
}

func NewRegistry(cfg *config.Config, recorder turn.Recorder, log *slog.Logger) (*Registry, error) {
	recognizer, err := recog.NewProvider(cfg.Recognition)
	if err != nil {
		return nil, err
	}
	synthesizer, err := synth.NewSynthesizer(cfg.Synthesis)
	if err != nil {
		return nil, err
	}
	generator, err := respond.NewGenerator(cfg.Responder)
	if err != nil {
		return nil, err
	}

	r := &Registry{
		cfg:      cfg,
		deps:     providerDeps{recognizer: recognizer, synthesizer: synthesizer, generator: generator},
		recorder: recorder,
		log:      log.With(slog.String("component", "sessions")),
		sessions: make(map[string]*Session),
	}

	meter := otel.Meter("github.com/callbridge-labs/callbridge-core/session")
	if _, err := meter.Int64ObservableGauge("callbridge.active_sessions",
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(int64(r.Len()))
			return nil
		})); err != nil {
		r.log.Warn("active sessions gauge unavailable", slog.String("error", err.Error()))
	}
	return r, nil
}

// Create builds and starts a session for the call. Duplicate call IDs and
// capacity overruns are rejected before any resources are allocated.
func (r *Registry) Create(ctx context.Context, start protocol.CallStart, output turn.Output) (*Session, error) {
	r.mu.Lock()
	if _, ok := r.sessions[start.CallID]; ok {
		r.mu.Unlock()
		return nil, ErrDuplicateSession
	}
	if r.cfg.Session.MaxSessions > 0 && len(r.sessions) >= r.cfg.Session.MaxSessions {
		r.mu.Unlock()
		return nil, ErrRegistryFull
	}
	s := newSession(ctx, r.cfg, start, r.deps, output, r.recorder, r.log)
	r.sessions[start.CallID] = s
	active := len(r.sessions)
	r.mu.Unlock()

	s.start()
	r.log.Info("session created",
		slog.String("call_id", start.CallID),
		slog.String("caller_id", start.CallerID),
		slog.Int("active", active))

	// Reap the entry once the turn loop ends on its own.
	go func() {
		<-s.Done()
		r.Destroy(start.CallID)
	}()
	return s, nil
}

func (r *Registry) Get(callID string) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[callID]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return s, nil
}

// Destroy removes and closes the session. Safe to call more than once and
// from both the transport path and the reaper.
func (r *Registry) Destroy(callID string) {
	r.mu.Lock()
	s, ok := r.sessions[callID]
	if ok {
		delete(r.sessions, callID)
	}
	r.mu.Unlock()
	if !ok {
		return
	}
	s.Close()
	r.log.Info("session destroyed", slog.String("call_id", callID))
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// CloseAll tears down every active session, used during daemon shutdown.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	r.mu.Unlock()
	for _, id := range ids {
		r.Destroy(id)
	}
}
