package synth

import (
	"context"
	"time"

	"github.com/callbridge-labs/callbridge-core/internal/config"
)

type mockSynth struct {
	sampleRate int
	channels   int
	chunkMS    int
}

// NewMockSynth emits silent PCM sized to the configured chunk duration, one
// chunk per ~40 characters of input, so timing behaves like a real backend.
func NewMockSynth(cfg config.SynthesisConfig) Synthesizer {
	chunkMS := cfg.ChunkDurationMS
	if chunkMS <= 0 {
		chunkMS = 400
	}
	return &mockSynth{sampleRate: cfg.SampleRate, channels: cfg.Channels, chunkMS: chunkMS}
}

func (m *mockSynth) Synthesize(ctx context.Context, text string) (<-chan Chunk, <-chan error) {
	chunks := make(chan Chunk, 1)
	errs := make(chan error, 1)
	go func() {
		defer close(chunks)
		defer close(errs)

		count := len(text)/40 + 1
		pcm := make([]byte, m.sampleRate*m.channels*2*m.chunkMS/1000)
		for i := 0; i < count; i++ {
			select {
			case <-ctx.Done():
				errs <- ctx.Err()
				return
			case <-time.After(5 * time.Millisecond):
			}
			select {
			case chunks <- Chunk{
				Sequence:   i,
				SampleRate: m.sampleRate,
				Channels:   m.channels,
				PCM:        pcm,
				Final:      i == count-1,
			}:
			case <-ctx.Done():
				errs <- ctx.Err()
				return
			}
		}
	}()
	return chunks, errs
}
