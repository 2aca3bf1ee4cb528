package stt

import (
	"context"
	"fmt"
	"time"

	"github.com/loqalabs/loqa-voice/internal/protocol"
)

type mockRecognizer struct {
	delay time.Duration
}

// NewMockRecognizer returns a recognizer that describes the audio it was
// given instead of transcribing it.
func NewMockRecognizer() Recognizer {
	return &mockRecognizer{delay: 30 * time.Millisecond}
}

func (m *mockRecognizer) Transcribe(ctx context.Context, pcm []byte, sampleRate int, channels int, _ bool) (TranscriptResult, error) {
	select {
	case <-ctx.Done():
		return TranscriptResult{}, ctx.Err()
	case <-time.After(m.delay):
	}
	if len(pcm) == 0 {
		return TranscriptResult{}, nil
	}
	d := protocol.PCMDuration(len(pcm), sampleRate, channels)
	return TranscriptResult{
		Text:       fmt.Sprintf("I spoke for %.1f seconds.", d.Seconds()),
		Confidence: 1,
	}, nil
}
