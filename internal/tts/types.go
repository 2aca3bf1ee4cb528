package tts

import (
	"context"

	"github.com/loqalabs/loqa-voice/internal/config"
)

// Voice selects and shapes the synthesized voice.
type Voice struct {
	ID          string
	Speaker     int
	LengthScale float64
	NoiseScale  float64
	Volume      float64
}

// VoiceFromConfig copies the voice settings out of cfg.
func VoiceFromConfig(cfg config.TTSConfig) Voice {
	return Voice{
		ID:          cfg.Voice,
		Speaker:     cfg.Speaker,
		LengthScale: cfg.LengthScale,
		NoiseScale:  cfg.NoiseScale,
		Volume:      cfg.Volume,
	}
}

// SynthRequest contains parameters to synthesize speech.
type SynthRequest struct {
	Text  string
	Voice Voice
}

// SynthChunk contains PCM data.
type SynthChunk struct {
	Sequence   int
	SampleRate int
	Channels   int
	PCM        []byte
	Final      bool
}

// Synthesizer is the contract for producing audio. Chunks arrive in order;
// the error channel yields at most one error and both channels are closed
// when synthesis ends.
type Synthesizer interface {
	Synthesize(ctx context.Context, req SynthRequest) (<-chan SynthChunk, <-chan error)
}
