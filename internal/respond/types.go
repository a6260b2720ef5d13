package respond

import (
	"context"

	"github.com/callbridge-labs/callbridge-core/internal/dialog"
)

// Request describes one reply generation.
type Request struct {
	System      string
	Context     []dialog.Turn
	Utterance   string
	Model       string
	MaxTokens   int
	Temperature float64
}

// Chunk is a text fragment of the reply, ordered by arrival. Final mirrors
// streaming completion.
type Chunk struct {
	Text  string
	Final bool
}

// Generator is a pluggable language-model backend.
type Generator interface {
	Generate(ctx context.Context, req Request, consumer func(Chunk) error) error
}
