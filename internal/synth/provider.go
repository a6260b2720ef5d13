package synth

import (
	"fmt"

	"github.com/callbridge-labs/callbridge-core/internal/config"
)

// NewSynthesizer selects the synthesis backend from configuration.
func NewSynthesizer(cfg config.SynthesisConfig) (Synthesizer, error) {
	switch cfg.Mode {
	case "mock":
		return NewMockSynth(cfg), nil
	case "exec":
		return NewExecSynth(cfg)
	case "ws":
		return NewWSSynth(cfg), nil
	default:
		return nil, fmt.Errorf("unknown synthesis mode %q", cfg.Mode)
	}
}
