package protocol

import "time"

// CallStart announces a new call from the telephony transport.
type CallStart struct {
	CallID    string    `json:"call_id"`
	CallerID  string    `json:"caller_id,omitempty"`
	StartedAt time.Time `json:"started_at"`
}

// CallEnd signals hangup from the transport side.
type CallEnd struct {
	CallID  string    `json:"call_id"`
	EndedAt time.Time `json:"ended_at"`
	Reason  string    `json:"reason,omitempty"`
}

// AudioFrame carries inbound PCM audio for a call. Sequence numbers are
// monotonic per call and consumed in strictly increasing order.
type AudioFrame struct {
	CallID     string    `json:"call_id"`
	Sequence   uint64    `json:"sequence"`
	SampleRate int       `json:"sample_rate"`
	Channels   int       `json:"channels"`
	PCM        []byte    `json:"pcm"`
	Timestamp  time.Time `json:"timestamp"`
}

// AudioChunk carries synthesized PCM audio back toward the transport.
type AudioChunk struct {
	CallID     string `json:"call_id"`
	TurnID     string `json:"turn_id,omitempty"`
	Sequence   int    `json:"sequence"`
	SampleRate int    `json:"sample_rate"`
	Channels   int    `json:"channels"`
	PCM        []byte `json:"pcm"`
	Final      bool   `json:"final"`
}

// Transcript mirrors recognized text onto the bus for observers.
type Transcript struct {
	CallID    string    `json:"call_id"`
	Text      string    `json:"text"`
	Partial   bool      `json:"partial"`
	StartMS   int64     `json:"start_ms"`
	EndMS     int64     `json:"end_ms"`
	Timestamp time.Time `json:"timestamp"`
}

// Hangup instructs the transport to terminate the call.
type Hangup struct {
	CallID string    `json:"call_id"`
	Reason string    `json:"reason,omitempty"`
	At     time.Time `json:"at"`
}

const (
	SubjectCallStart         = "call.start"
	SubjectCallAudioPrefix   = "call.audio"
	SubjectCallEndPrefix     = "call.end"
	SubjectCallSynthPrefix   = "call.synth"
	SubjectCallHangupPrefix  = "call.hangup"
	SubjectTranscriptPartial = "call.transcript.partial"
	SubjectTranscriptFinal   = "call.transcript.final"
)

func SubjectCallAudio(callID string) string  { return SubjectCallAudioPrefix + "." + callID }
func SubjectCallEnd(callID string) string    { return SubjectCallEndPrefix + "." + callID }
func SubjectCallSynth(callID string) string  { return SubjectCallSynthPrefix + "." + callID }
func SubjectCallHangup(callID string) string { return SubjectCallHangupPrefix + "." + callID }
