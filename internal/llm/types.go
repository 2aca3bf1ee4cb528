package llm

import (
	"context"
	"errors"
	"time"

	"github.com/loqalabs/loqa-voice/internal/config"
)

// ErrStale stops a generation whose turn was superseded. It is never
// reported as a failure.
var ErrStale = errors.New("llm: generation superseded")

// Request describes a language model prompt.
type Request struct {
	Prompt      string
	Model       string
	MaxTokens   int
	Temperature float64
	Stop        []string
}

// Chunk represents streamed model output.
type Chunk struct {
	Content          string
	Done             bool
	PromptTokens     int
	CompletionTokens int
	Latency          time.Duration
}

// Generator defines a pluggable LLM backend. Implementations call consumer
// once per fragment in order and stop as soon as it returns an error.
type Generator interface {
	Generate(ctx context.Context, req Request, consumer func(Chunk) error) error
}

// RequestFromConfig builds the per-call defaults.
func RequestFromConfig(cfg config.LLMConfig) Request {
	return Request{
		Model:       cfg.Model,
		MaxTokens:   cfg.MaxTokens,
		Temperature: cfg.Temperature,
		Stop:        append([]string(nil), cfg.Stop...),
	}
}
