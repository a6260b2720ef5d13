package session

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/callbridge-labs/callbridge-core/internal/audiobus"
	"github.com/callbridge-labs/callbridge-core/internal/config"
	"github.com/callbridge-labs/callbridge-core/internal/dialog"
	"github.com/callbridge-labs/callbridge-core/internal/protocol"
	"github.com/callbridge-labs/callbridge-core/internal/recog"
	"github.com/callbridge-labs/callbridge-core/internal/respond"
	"github.com/callbridge-labs/callbridge-core/internal/synth"
	"github.com/callbridge-labs/callbridge-core/internal/turn"
)

// Session bundles everything owned by one active call: the inbound audio
// bus, the recognition and synthesis managers, the responder adapter, the
// dialogue window, and the turn state machine driving them.
type Session struct {
	callID    string
	callerID  string
	startedAt time.Time

	bus    *audiobus.Bus
	recog  *recog.Manager
	turn   *turn.Manager
	dialog *dialog.Context
	log    *slog.Logger

	closeOnce sync.Once
}

func newSession(ctx context.Context, cfg *config.Config, start protocol.CallStart, deps providerDeps, output turn.Output, recorder turn.Recorder, log *slog.Logger) *Session {
	s := &Session{
		callID:    start.CallID,
		callerID:  start.CallerID,
		startedAt: start.StartedAt,
		bus:       audiobus.New(cfg.Session.BusCapacity),
		dialog:    dialog.NewContext(cfg.Turn.ContextMaxTurns),
		log:       log.With(slog.String("component", "session"), slog.String("call_id", start.CallID)),
	}
	if s.startedAt.IsZero() {
		s.startedAt = time.Now()
	}

	s.recog = recog.NewManager(ctx, start.CallID, cfg.Recognition, deps.recognizer, s.bus, log)

	speaker := synth.NewManager(cfg.Synthesis, deps.synthesizer, log)
	responder := respond.NewAdapter(cfg.Responder, deps.generator, log)

	s.turn = turn.NewManager(ctx, start.CallID, cfg.Turn, turn.Deps{
		Dialog:    s.dialog,
		Segments:  s.recog.Segments(),
		Degraded:  s.recog.Degraded(),
		Responder: responder,
		Speaker:   speaker,
		Output:    output,
		Recorder:  recorder,
		Logger:    log,
	})
	return s
}

func (s *Session) start() {
	s.recog.Start()
	s.turn.Start()
}

func (s *Session) CallID() string       { return s.callID }
func (s *Session) CallerID() string     { return s.callerID }
func (s *Session) StartedAt() time.Time { return s.startedAt }

func (s *Session) State() turn.State { return s.turn.State() }

// Done is closed once the turn manager reaches its terminal state.
func (s *Session) Done() <-chan struct{} { return s.turn.Done() }

// PushAudio enqueues one inbound frame. Returns audiobus.ErrBackpressure
// when the bounded queue is full and audiobus.ErrClosed after teardown.
func (s *Session) PushAudio(frame protocol.AudioFrame) error {
	return s.bus.Push(frame)
}

// Hangup ends the call from the transport side.
func (s *Session) Hangup(reason string) {
	s.turn.Hangup(reason)
}

// Close tears the session down. Idempotent; always stops both stream
// managers even when the turn loop already ended.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.turn.Close()
		s.recog.Close()
		s.log.Info("session closed",
			slog.Duration("duration", time.Since(s.startedAt)),
			slog.Int("dialogue_turns", s.dialog.Len()))
	})
}
