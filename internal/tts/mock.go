package tts

import (
	"context"
	"encoding/binary"
	"math"
	"strings"
	"time"
)

type mockSynth struct {
	sampleRate int
	channels   int
	delay      time.Duration
	perWord    time.Duration
}

// NewMockSynth renders a quiet tone whose length follows the word count.
func NewMockSynth(sampleRate, channels int) Synthesizer {
	return &mockSynth{sampleRate: sampleRate, channels: channels, delay: 10 * time.Millisecond, perWord: 60 * time.Millisecond}
}

func (m *mockSynth) Synthesize(ctx context.Context, req SynthRequest) (<-chan SynthChunk, <-chan error) {
	chunks := make(chan SynthChunk, 1)
	errs := make(chan error, 1)
	go func() {
		defer close(chunks)
		defer close(errs)
		select {
		case <-ctx.Done():
			errs <- ctx.Err()
			return
		case <-time.After(m.delay):
		}
		words := len(strings.Fields(req.Text))
		chunks <- SynthChunk{
			SampleRate: m.sampleRate,
			Channels:   m.channels,
			PCM:        tone(time.Duration(words)*m.perWord, m.sampleRate, m.channels),
			Final:      true,
		}
	}()
	return chunks, errs
}

func tone(d time.Duration, sampleRate, channels int) []byte {
	frames := int(int64(d) * int64(sampleRate) / int64(time.Second))
	pcm := make([]byte, frames*channels*2)
	for i := 0; i < frames; i++ {
		v := int16(1000 * math.Sin(2*math.Pi*220*float64(i)/float64(sampleRate)))
		for c := 0; c < channels; c++ {
			binary.LittleEndian.PutUint16(pcm[(i*channels+c)*2:], uint16(v))
		}
	}
	return pcm
}
