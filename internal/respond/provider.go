package respond

import (
	"fmt"

	"github.com/callbridge-labs/callbridge-core/internal/config"
)

// NewGenerator selects the responder backend from configuration.
func NewGenerator(cfg config.ResponderConfig) (Generator, error) {
	switch cfg.Mode {
	case "mock":
		return NewMockGenerator(), nil
	case "ollama":
		return NewOllamaGenerator(cfg.Endpoint), nil
	case "exec":
		return NewExecGenerator(cfg.Command)
	default:
		return nil, fmt.Errorf("unknown responder mode %q", cfg.Mode)
	}
}
