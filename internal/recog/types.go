package recog

import (
	"context"

	"github.com/callbridge-labs/callbridge-core/internal/protocol"
)

// Segment is one recognition result. Partials are advisory and may be
// superseded; finals are immutable once emitted.
type Segment struct {
	Text    string
	Final   bool
	StartMS int64
	EndMS   int64
}

// Stream is a live link to a recognition provider. Events is closed when
// the link dies; Err reports the cause afterward.
type Stream interface {
	Send(frame protocol.AudioFrame) error
	Events() <-chan Segment
	Err() error
	Close() error
}

// Provider dials recognition streams.
type Provider interface {
	Open(ctx context.Context) (Stream, error)
}
