package turn

import (
	"context"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/callbridge-labs/callbridge-core/internal/config"
	"github.com/callbridge-labs/callbridge-core/internal/dialog"
	"github.com/callbridge-labs/callbridge-core/internal/recog"
	"github.com/callbridge-labs/callbridge-core/internal/respond"
	"github.com/callbridge-labs/callbridge-core/internal/synth"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

// Deps wires the per-call collaborators into the turn manager.
type Deps struct {
	Dialog    *dialog.Context
	Segments  <-chan recog.Segment
	Degraded  <-chan error
	Responder Responder
	Speaker   Speaker
	Output    Output
	Recorder  Recorder
	Logger    *slog.Logger
}

// Manager is the per-call state machine. All transitions happen inside one
// event-loop goroutine, so exactly one state is ever observable.
type Manager struct {
	callID string
	cfg    config.TurnConfig
	deps   Deps
	log    *slog.Logger

	state  atomic.Int32
	hangup chan string
	done   chan struct{}
	ctx    context.Context
	cancel context.CancelFunc

	turnCounter    metric.Int64Counter
	bargeInCounter metric.Int64Counter
}

func NewManager(parent context.Context, callID string, cfg config.TurnConfig, deps Deps) *Manager {
	ctx, cancel := context.WithCancel(parent)
	if deps.Recorder == nil {
		deps.Recorder = NopRecorder{}
	}
	m := &Manager{
		callID: callID,
		cfg:    cfg,
		deps:   deps,
		log:    deps.Logger.With(slog.String("component", "turn"), slog.String("call_id", callID)),
		hangup: make(chan string, 1),
		done:   make(chan struct{}),
		ctx:    ctx,
		cancel: cancel,
	}
	m.state.Store(int32(StateListening))

	meter := otel.Meter("github.com/callbridge-labs/callbridge-core/turn")
	if counter, err := meter.Int64Counter("callbridge.turns"); err == nil {
		m.turnCounter = counter
	}
	if counter, err := meter.Int64Counter("callbridge.barge_ins"); err == nil {
		m.bargeInCounter = counter
	}
	return m
}

func (m *Manager) State() State { return State(m.state.Load()) }

// Done is closed once the session reaches Ended.
func (m *Manager) Done() <-chan struct{} { return m.done }

func (m *Manager) Start() {
	go m.run()
}

// Hangup ends the call from the transport side. Idempotent.
func (m *Manager) Hangup(reason string) {
	select {
	case m.hangup <- reason:
	default:
	}
}

// Close cancels everything the manager owns and waits for Ended.
func (m *Manager) Close() {
	m.Hangup("session closed")
	m.cancel()
	<-m.done
}

func (m *Manager) setState(to State, reason string) {
	from := m.State()
	if from == to {
		return
	}
	m.state.Store(int32(to))
	m.log.Info("turn state",
		slog.String("from", from.String()),
		slog.String("to", to.String()),
		slog.String("reason", reason))
	m.deps.Recorder.RecordStateChange(m.callID, from, to, reason)
}

// loopState holds the event loop's working set. Only the loop goroutine
// touches it.
type loopState struct {
	pending        strings.Builder
	pendingStartMS int64
	pendingEndMS   int64
	pendingCommit  bool
	utteranceAt    time.Time

	genChunks <-chan respond.Chunk
	genErrs   <-chan error
	genCancel context.CancelFunc
	gotChunk  bool

	turnID        string
	utter         *synth.Utterance
	fragments     chan string
	fragBuf       strings.Builder
	reply         strings.Builder
	replyStarted  time.Time
	degradedSpeak bool
	endAfterSpeak bool
	endReason     string
	hangupOut     bool

	bargeInAt time.Time

	silence *time.Timer
	noInput *time.Timer
}

func (m *Manager) run() {
	defer close(m.done)

	ls := &loopState{
		silence: time.NewTimer(time.Hour),
		noInput: time.NewTimer(m.noInputTimeout()),
	}
	stopTimer(ls.silence)
	defer stopTimer(ls.silence)
	defer stopTimer(ls.noInput)

	if m.cfg.Greeting != "" {
		m.startSpeakingText(ls, m.cfg.Greeting, false)
	}

	for {
		var utterChunks <-chan synth.Chunk
		var utterDone <-chan struct{}
		if ls.utter != nil {
			utterChunks = ls.utter.Chunks()
			utterDone = ls.utter.Done()
		}

		select {
		case seg, ok := <-m.segments():
			if !ok {
				// Stop selecting on the closed channel. If the stream died
				// because recognition degraded, the farewell handles the
				// ending instead.
				m.deps.Segments = nil
				if ls.endAfterSpeak {
					continue
				}
				select {
				case err, degraded := <-m.deps.Degraded:
					if degraded {
						m.deps.Recorder.RecordError(m.callID, "recognition", err)
						m.log.Error("recognition degraded", slog.String("error", err.Error()))
						m.speakFarewell(ls, "recognition degraded")
						continue
					}
				default:
				}
				m.finish(ls, "recognition stream closed", false)
				return
			}
			m.handleSegment(ls, seg)

		case err, ok := <-m.deps.Degraded:
			if !ok {
				m.deps.Degraded = nil
				continue
			}
			m.deps.Recorder.RecordError(m.callID, "recognition", err)
			m.log.Error("recognition degraded", slog.String("error", err.Error()))
			m.speakFarewell(ls, "recognition degraded")

		case <-ls.silence.C:
			m.commitUtterance(ls)

		case <-ls.noInput.C:
			if m.State() == StateListening {
				m.log.Info("no caller input, saying goodbye")
				m.speakFarewell(ls, "no input")
			}

		case chunk, ok := <-ls.genChunks:
			if !ok {
				ls.genChunks = nil
				continue
			}
			m.handleReplyChunk(ls, chunk)

		case err, ok := <-ls.genErrs:
			if !ok {
				ls.genErrs = nil
				m.handleGenerationEnd(ls)
				continue
			}
			if err != nil {
				m.handleGenerationError(ls, err)
			}

		case chunk, ok := <-utterChunks:
			if !ok {
				continue
			}
			if m.State() == StateSpeaking {
				if err := m.deps.Output.SendAudio(ls.turnID, chunk); err != nil {
					m.deps.Recorder.RecordError(m.callID, "transport", err)
					m.finish(ls, "transport send failed", false)
					return
				}
			}

		case <-utterDone:
			if m.handleSpeakDone(ls) {
				return
			}

		case reason := <-m.hangup:
			m.finish(ls, reason, false)
			return

		case <-m.ctx.Done():
			m.finish(ls, "context cancelled", false)
			return
		}
	}
}

func (m *Manager) segments() <-chan recog.Segment { return m.deps.Segments }

func (m *Manager) handleSegment(ls *loopState, seg recog.Segment) {
	m.deps.Output.Transcript(seg)
	armTimer(ls.noInput, m.noInputTimeout())

	switch m.State() {
	case StateListening, StateInterrupted, StatePondering:
		if seg.Final {
			m.appendPending(ls, seg)
			if m.State() == StateListening {
				armTimer(ls.silence, m.silenceThreshold())
			} else {
				ls.pendingCommit = true
			}
		} else if ls.pending.Len() > 0 {
			// Caller kept talking; hold the end-of-utterance commit.
			stopTimer(ls.silence)
		}

	case StateSpeaking:
		if ls.endAfterSpeak {
			return
		}
		m.bargeIn(ls)
		if seg.Final {
			m.appendPending(ls, seg)
			ls.pendingCommit = true
		}

	case StateEnded:
	}
}

func (m *Manager) appendPending(ls *loopState, seg recog.Segment) {
	if ls.pending.Len() == 0 {
		ls.pendingStartMS = seg.StartMS
		ls.utteranceAt = time.Now()
	} else {
		ls.pending.WriteString(" ")
	}
	ls.pending.WriteString(strings.TrimSpace(seg.Text))
	ls.pendingEndMS = seg.EndMS
}

// bargeIn cancels the in-flight reply. Cancellation is signaled before the
// new utterance is processed, and the old answer never resumes.
func (m *Manager) bargeIn(ls *loopState) {
	m.setState(StateInterrupted, "barge-in")
	ls.bargeInAt = time.Now()
	if m.bargeInCounter != nil {
		m.bargeInCounter.Add(m.ctx, 1)
	}
	if ls.genCancel != nil {
		ls.genCancel()
	}
	if ls.utter != nil {
		ls.utter.Cancel()
	}
}

func (m *Manager) commitUtterance(ls *loopState) {
	if m.State() != StateListening || ls.pending.Len() == 0 {
		return
	}
	text := ls.pending.String()
	ls.pending.Reset()
	ls.pendingCommit = false

	snapshot := m.deps.Dialog.Turns()
	callerTurn := dialog.Turn{
		ID:        uuid.NewString(),
		Speaker:   dialog.SpeakerCaller,
		Text:      text,
		StartedAt: ls.utteranceAt,
		EndedAt:   time.Now(),
	}
	m.deps.Dialog.Append(callerTurn)
	m.deps.Recorder.RecordTurn(m.callID, callerTurn)
	if m.turnCounter != nil {
		m.turnCounter.Add(m.ctx, 1)
	}

	m.setState(StatePondering, "utterance finalized")
	stopTimer(ls.noInput)

	gctx, cancel := context.WithCancel(m.ctx)
	chunks, errs, err := m.deps.Responder.Generate(gctx, snapshot, text)
	if err != nil {
		cancel()
		m.deps.Recorder.RecordError(m.callID, "responder", err)
		m.speakFallback(ls)
		return
	}
	ls.genChunks = chunks
	ls.genErrs = errs
	ls.genCancel = cancel
	ls.gotChunk = false
}

func (m *Manager) handleReplyChunk(ls *loopState, chunk respond.Chunk) {
	if m.State() != StatePondering && m.State() != StateSpeaking {
		return
	}
	if !ls.gotChunk {
		ls.gotChunk = true
		m.startSpeaking(ls, false)
	}
	ls.reply.WriteString(chunk.Text)
	ls.fragBuf.WriteString(chunk.Text)

	complete, rest := splitSentences(ls.fragBuf.String())
	if len(complete) > 0 {
		ls.fragBuf.Reset()
		ls.fragBuf.WriteString(rest)
		for _, sentence := range complete {
			m.pushFragment(ls, sentence)
		}
	}
	if chunk.Final {
		m.flushFragments(ls)
	}
}

func (m *Manager) handleGenerationEnd(ls *loopState) {
	// The chunk channel closes before the error channel, so any chunks that
	// raced with the close are still buffered. Drain them first.
	if ls.genChunks != nil {
		for chunk := range ls.genChunks {
			m.handleReplyChunk(ls, chunk)
		}
		ls.genChunks = nil
	}
	if ls.genCancel != nil {
		ls.genCancel()
		ls.genCancel = nil
	}
	if !ls.gotChunk {
		if m.State() == StatePondering {
			m.deps.Recorder.RecordError(m.callID, "responder", respond.ErrProviderError)
			m.speakFallback(ls)
		}
		return
	}
	m.flushFragments(ls)
}

func (m *Manager) handleGenerationError(ls *loopState, err error) {
	m.deps.Recorder.RecordError(m.callID, "responder", err)
	m.log.Warn("reply generation failed", slog.String("error", err.Error()))
	switch m.State() {
	case StatePondering:
		m.speakFallback(ls)
	case StateSpeaking:
		// Mid-reply stream failure: end the reply with what we have.
		m.flushFragments(ls)
	}
}

// speakFallback replaces the reply with the apology phrase, as a degraded
// speaking episode, then the call returns to Listening.
func (m *Manager) speakFallback(ls *loopState) {
	m.dropGeneration(ls)
	m.startSpeakingText(ls, m.cfg.FallbackPhrase, true)
}

// speakFarewell plays the goodbye phrase and hangs up afterward.
func (m *Manager) speakFarewell(ls *loopState, reason string) {
	m.dropGeneration(ls)
	if ls.utter != nil {
		ls.utter.Cancel()
	}
	ls.endAfterSpeak = true
	ls.endReason = reason
	ls.hangupOut = true
	if m.cfg.GoodbyePhrase == "" {
		m.finish(ls, reason, true)
		return
	}
	m.startSpeakingText(ls, m.cfg.GoodbyePhrase, true)
}

func (m *Manager) dropGeneration(ls *loopState) {
	if ls.genCancel != nil {
		ls.genCancel()
		ls.genCancel = nil
	}
	ls.genChunks = nil
	ls.genErrs = nil
}

func (m *Manager) startSpeaking(ls *loopState, degraded bool) {
	ls.turnID = uuid.NewString()
	ls.fragments = make(chan string, 64)
	ls.fragBuf.Reset()
	ls.reply.Reset()
	ls.replyStarted = time.Now()
	ls.degradedSpeak = degraded
	ls.utter = m.deps.Speaker.Speak(m.ctx, ls.fragments)
	m.setState(StateSpeaking, "reply ready")
	stopTimer(ls.noInput)
}

func (m *Manager) startSpeakingText(ls *loopState, text string, degraded bool) {
	m.startSpeaking(ls, degraded)
	ls.reply.WriteString(text)
	m.pushFragment(ls, text)
	close(ls.fragments)
	ls.fragments = nil
}

func (m *Manager) pushFragment(ls *loopState, text string) {
	if ls.fragments == nil || strings.TrimSpace(text) == "" {
		return
	}
	select {
	case ls.fragments <- text:
	default:
		m.log.Warn("fragment queue full, dropping synthesis fragment")
	}
}

func (m *Manager) flushFragments(ls *loopState) {
	if ls.fragments == nil {
		return
	}
	if rest := strings.TrimSpace(ls.fragBuf.String()); rest != "" {
		m.pushFragment(ls, rest)
	}
	ls.fragBuf.Reset()
	close(ls.fragments)
	ls.fragments = nil
}

// handleSpeakDone reacts to the synthesis episode ending. Returns true when
// the loop should exit.
func (m *Manager) handleSpeakDone(ls *loopState) bool {
	utter := ls.utter
	ls.utter = nil
	if ls.fragments != nil {
		close(ls.fragments)
		ls.fragments = nil
	}

	switch utter.State() {
	case synth.UtteranceDone:
		if !ls.degradedSpeak {
			systemTurn := dialog.Turn{
				ID:        ls.turnID,
				Speaker:   dialog.SpeakerSystem,
				Text:      strings.TrimSpace(ls.reply.String()),
				StartedAt: ls.replyStarted,
				EndedAt:   time.Now(),
			}
			m.deps.Dialog.Append(systemTurn)
			m.deps.Recorder.RecordTurn(m.callID, systemTurn)
		}
		if ls.endAfterSpeak {
			m.finish(ls, ls.endReason, ls.hangupOut)
			return true
		}
		m.backToListening(ls, "reply complete")

	case synth.UtteranceCancelled:
		if ls.endAfterSpeak {
			m.finish(ls, ls.endReason, ls.hangupOut)
			return true
		}
		if !ls.bargeInAt.IsZero() {
			latency := time.Since(ls.bargeInAt)
			budget := time.Duration(m.cfg.BargeInBudgetMS) * time.Millisecond
			if latency > budget {
				m.log.Warn("barge-in cancellation exceeded budget",
					slog.Duration("latency", latency),
					slog.Duration("budget", budget))
			}
			ls.bargeInAt = time.Time{}
		}
		m.backToListening(ls, "synthesis cancelled")

	case synth.UtteranceFailed:
		err := utter.Err()
		m.deps.Recorder.RecordError(m.callID, "synthesis", err)
		if ls.degradedSpeak {
			m.finish(ls, "synthesis failed", true)
			return true
		}
		m.speakFarewell(ls, "synthesis failed")
	}
	return false
}

func (m *Manager) backToListening(ls *loopState, reason string) {
	m.setState(StateListening, reason)
	armTimer(ls.noInput, m.noInputTimeout())
	if ls.pendingCommit && ls.pending.Len() > 0 {
		ls.pendingCommit = false
		armTimer(ls.silence, m.silenceThreshold())
	}
}

func (m *Manager) finish(ls *loopState, reason string, hangupOut bool) {
	m.dropGeneration(ls)
	if ls.utter != nil {
		ls.utter.Cancel()
		ls.utter = nil
	}
	if ls.fragments != nil {
		close(ls.fragments)
		ls.fragments = nil
	}
	m.setState(StateEnded, reason)
	if hangupOut {
		if err := m.deps.Output.Hangup(reason); err != nil {
			m.log.Warn("hangup failed", slog.String("error", err.Error()))
		}
	}
	m.cancel()
}

func (m *Manager) silenceThreshold() time.Duration {
	return time.Duration(m.cfg.SilenceThresholdMS) * time.Millisecond
}

func (m *Manager) noInputTimeout() time.Duration {
	return time.Duration(m.cfg.NoInputTimeoutMS) * time.Millisecond
}

func stopTimer(t *time.Timer) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
}

func armTimer(t *time.Timer, d time.Duration) {
	stopTimer(t)
	t.Reset(d)
}

// splitSentences cuts text after sentence-ending punctuation, returning the
// complete sentences and the unfinished remainder.
func splitSentences(text string) ([]string, string) {
	var out []string
	start := 0
	for i, r := range text {
		switch r {
		case '.', '!', '?', '\n':
			sentence := strings.TrimSpace(text[start : i+1])
			if sentence != "" {
				out = append(out, sentence)
			}
			start = i + 1
		}
	}
	return out, text[start:]
}
