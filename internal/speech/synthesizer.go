package speech

import (
	"context"
	"fmt"

	"github.com/narrolabs/narro-core/internal/config"
)

// Synthesizer turns one piece of text into encoded MP3 audio.
type Synthesizer interface {
	Name() string
	Synthesize(ctx context.Context, text, lang string) ([]byte, error)
}

// New builds the backend selected by config.
func New(cfg config.SynthesisConfig) (Synthesizer, error) {
	switch cfg.Backend {
	case "googletrans":
		return NewGoogleTranslate(cfg), nil
	case "exec":
		return NewExecSynth(cfg.Command)
	case "mock":
		return NewMock(), nil
	default:
		return nil, fmt.Errorf("unknown synthesis backend %q", cfg.Backend)
	}
}
