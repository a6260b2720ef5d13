package recog

import (
	"fmt"

	"github.com/callbridge-labs/callbridge-core/internal/config"
)

// NewProvider selects the recognition backend from configuration.
func NewProvider(cfg config.RecognitionConfig) (Provider, error) {
	switch cfg.Mode {
	case "mock":
		return NewMockProvider(cfg), nil
	case "exec":
		return NewExecProvider(cfg)
	case "ws":
		return NewWSProvider(cfg), nil
	default:
		return nil, fmt.Errorf("unknown recognition mode %q", cfg.Mode)
	}
}
