package turn

import (
	"context"

	"github.com/callbridge-labs/callbridge-core/internal/dialog"
	"github.com/callbridge-labs/callbridge-core/internal/recog"
	"github.com/callbridge-labs/callbridge-core/internal/respond"
	"github.com/callbridge-labs/callbridge-core/internal/synth"
)

type State int32

const (
	StateListening State = iota
	StatePondering
	StateSpeaking
	StateInterrupted
	StateEnded
)

func (s State) String() string {
	switch s {
	case StateListening:
		return "listening"
	case StatePondering:
		return "pondering"
	case StateSpeaking:
		return "speaking"
	case StateInterrupted:
		return "interrupted"
	case StateEnded:
		return "ended"
	default:
		return "unknown"
	}
}

// Responder produces a reply chunk stream for a finalized utterance.
type Responder interface {
	Generate(ctx context.Context, turns []dialog.Turn, utterance string) (<-chan respond.Chunk, <-chan error, error)
}

// Speaker starts one synthesis episode over a stream of text fragments.
type Speaker interface {
	Speak(ctx context.Context, fragments <-chan string) *synth.Utterance
}

// Output is the transport-facing sink for one call.
type Output interface {
	SendAudio(turnID string, chunk synth.Chunk) error
	Transcript(seg recog.Segment)
	Hangup(reason string) error
}

// Recorder receives the call timeline for the call-logging collaborator.
type Recorder interface {
	RecordStateChange(callID string, from, to State, reason string)
	RecordTurn(callID string, t dialog.Turn)
	RecordError(callID, stage string, err error)
}

// NopRecorder drops the timeline.
type NopRecorder struct{}

func (NopRecorder) RecordStateChange(string, State, State, string) {}
func (NopRecorder) RecordTurn(string, dialog.Turn)                 {}
func (NopRecorder) RecordError(string, string, error)              {}
