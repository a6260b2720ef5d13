package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/callbridge-labs/callbridge-core/internal/audiobus"
	"github.com/callbridge-labs/callbridge-core/internal/bus"
	"github.com/callbridge-labs/callbridge-core/internal/protocol"
	"github.com/callbridge-labs/callbridge-core/internal/recog"
	"github.com/callbridge-labs/callbridge-core/internal/session"
	"github.com/callbridge-labs/callbridge-core/internal/synth"
)

// CallLog receives call lifecycle rows from the transport edge.
type CallLog interface {
	StartCall(ctx context.Context, callID, callerID string) error
	EndCall(ctx context.Context, callID, reason string) error
}

// Service bridges the NATS telephony subjects and the session registry.
// Inbound call.start, call.audio.<id> and call.end.<id> messages drive the
// registry; per-call outputs are published back on call.synth.<id>,
// call.hangup.<id> and the transcript subjects.
type Service struct {
	bus      *bus.Client
	registry *session.Registry
	callog   CallLog
	log      *slog.Logger

	ctx  context.Context
	subs []*nats.Subscription

	dropCounter metric.Int64Counter
}

func NewService(bus *bus.Client, registry *session.Registry, callog CallLog, log *slog.Logger) *Service {
	s := &Service{
		bus:      bus,
		registry: registry,
		callog:   callog,
		log:      log.With(slog.String("component", "transport")),
	}
	meter := otel.Meter("github.com/callbridge-labs/callbridge-core/transport")
	if counter, err := meter.Int64Counter("callbridge.audio_frames_dropped"); err == nil {
		s.dropCounter = counter
	}
	return s
}

func (s *Service) Start(ctx context.Context) error {
	s.ctx = ctx

	subStart, err := s.bus.Conn().Subscribe(protocol.SubjectCallStart, s.handleCallStart)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", protocol.SubjectCallStart, err)
	}
	s.subs = append(s.subs, subStart)

	subAudio, err := s.bus.Conn().Subscribe(protocol.SubjectCallAudioPrefix+".*", s.handleAudio)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", protocol.SubjectCallAudioPrefix, err)
	}
	s.subs = append(s.subs, subAudio)

	subEnd, err := s.bus.Conn().Subscribe(protocol.SubjectCallEndPrefix+".*", s.handleCallEnd)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", protocol.SubjectCallEndPrefix, err)
	}
	s.subs = append(s.subs, subEnd)

	s.log.Info("transport subscriptions established")
	return nil
}

func (s *Service) Stop() {
	for _, sub := range s.subs {
		if err := sub.Unsubscribe(); err != nil {
			s.log.Warn("unsubscribe failed", slog.String("error", err.Error()))
		}
	}
	s.subs = nil
}

func (s *Service) handleCallStart(msg *nats.Msg) {
	var start protocol.CallStart
	if err := json.Unmarshal(msg.Data, &start); err != nil {
		s.log.Warn("malformed call start", slog.String("error", err.Error()))
		return
	}
	if start.CallID == "" {
		s.log.Warn("call start without call id")
		return
	}

	output := &callOutput{conn: s.bus.Conn(), callID: start.CallID, log: s.log}
	if _, err := s.registry.Create(s.ctx, start, output); err != nil {
		s.log.Warn("call rejected",
			slog.String("call_id", start.CallID),
			slog.String("error", err.Error()))
		if errors.Is(err, session.ErrRegistryFull) {
			output.Hangup("busy")
		}
		return
	}

	if err := s.callog.StartCall(s.ctx, start.CallID, start.CallerID); err != nil {
		s.log.Warn("call log start failed", slog.String("error", err.Error()))
	}
}

func (s *Service) handleAudio(msg *nats.Msg) {
	callID := strings.TrimPrefix(msg.Subject, protocol.SubjectCallAudioPrefix+".")
	sess, err := s.registry.Get(callID)
	if err != nil {
		return
	}

	var frame protocol.AudioFrame
	if err := json.Unmarshal(msg.Data, &frame); err != nil {
		s.log.Warn("malformed audio frame", slog.String("call_id", callID), slog.String("error", err.Error()))
		return
	}

	if err := sess.PushAudio(frame); err != nil {
		if errors.Is(err, audiobus.ErrBackpressure) {
			if s.dropCounter != nil {
				s.dropCounter.Add(s.ctx, 1)
			}
			s.log.Warn("audio frame dropped",
				slog.String("call_id", callID),
				slog.Uint64("sequence", frame.Sequence))
		}
	}
}

func (s *Service) handleCallEnd(msg *nats.Msg) {
	callID := strings.TrimPrefix(msg.Subject, protocol.SubjectCallEndPrefix+".")

	var end protocol.CallEnd
	if err := json.Unmarshal(msg.Data, &end); err != nil {
		s.log.Warn("malformed call end", slog.String("call_id", callID), slog.String("error", err.Error()))
	}
	reason := end.Reason
	if reason == "" {
		reason = "caller hangup"
	}

	sess, err := s.registry.Get(callID)
	if err != nil {
		return
	}
	sess.Hangup(reason)

	if err := s.callog.EndCall(s.ctx, callID, reason); err != nil {
		s.log.Warn("call log end failed", slog.String("error", err.Error()))
	}
}

// callOutput publishes one call's outbound traffic.
type callOutput struct {
	conn   *nats.Conn
	callID string
	log    *slog.Logger
}

func (o *callOutput) SendAudio(turnID string, chunk synth.Chunk) error {
	out := protocol.AudioChunk{
		CallID:     o.callID,
		TurnID:     turnID,
		Sequence:   chunk.Sequence,
		SampleRate: chunk.SampleRate,
		Channels:   chunk.Channels,
		PCM:        chunk.PCM,
		Final:      chunk.Final,
	}
	data, err := json.Marshal(out)
	if err != nil {
		return err
	}
	return o.conn.Publish(protocol.SubjectCallSynth(o.callID), data)
}

func (o *callOutput) Transcript(seg recog.Segment) {
	subject := protocol.SubjectTranscriptPartial
	if seg.Final {
		subject = protocol.SubjectTranscriptFinal
	}
	t := protocol.Transcript{
		CallID:    o.callID,
		Text:      seg.Text,
		Partial:   !seg.Final,
		StartMS:   seg.StartMS,
		EndMS:     seg.EndMS,
		Timestamp: time.Now(),
	}
	data, err := json.Marshal(t)
	if err != nil {
		return
	}
	if err := o.conn.Publish(subject, data); err != nil {
		o.log.Warn("transcript publish failed", slog.String("call_id", o.callID), slog.String("error", err.Error()))
	}
}

func (o *callOutput) Hangup(reason string) error {
	h := protocol.Hangup{CallID: o.callID, Reason: reason, At: time.Now()}
	data, err := json.Marshal(h)
	if err != nil {
		return err
	}
	return o.conn.Publish(protocol.SubjectCallHangup(o.callID), data)
}
