package synth

import "context"

// Chunk is one synthesized audio payload. Sequence is per utterance.
type Chunk struct {
	Sequence   int
	SampleRate int
	Channels   int
	PCM        []byte
	Final      bool
}

// Synthesizer produces the audio chunk stream for one text fragment.
type Synthesizer interface {
	Synthesize(ctx context.Context, text string) (<-chan Chunk, <-chan error)
}
