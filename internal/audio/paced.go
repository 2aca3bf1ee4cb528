package audio

import (
	"context"
	"sync"
	"time"
)

// BlockWriter receives rendered output one block at a time.
type BlockWriter interface {
	WriteBlock(pcm []byte) error
	Close() error
}

// PacedSink renders PCM in fixed blocks at real-time pace. Interrupt takes
// effect at the next block boundary, so a cut is never later than one block.
type PacedSink struct {
	w          BlockWriter
	blockBytes int
	blockDur   time.Duration

	mu  sync.Mutex
	cut chan struct{}
}

func NewPacedSink(w BlockWriter, sampleRate, channels int, block time.Duration) *PacedSink {
	f := Format{SampleRate: sampleRate, Channels: channels, FrameDuration: block}
	blockBytes := f.FrameBytes()
	if blockBytes < 2 {
		blockBytes = 2
	}
	return &PacedSink{
		w:          w,
		blockBytes: blockBytes,
		blockDur:   block,
		cut:        make(chan struct{}),
	}
}

// NewWAVSink writes played audio into a WAV file at path.
func NewWAVSink(path string, sampleRate, channels int, block time.Duration) (*PacedSink, error) {
	w, err := newWAVWriter(path, sampleRate, channels)
	if err != nil {
		return nil, err
	}
	return NewPacedSink(w, sampleRate, channels, block), nil
}

// NewDiscardSink paces output without rendering it anywhere.
func NewDiscardSink(sampleRate, channels int, block time.Duration) *PacedSink {
	return NewPacedSink(discard{}, sampleRate, channels, block)
}

func (s *PacedSink) Play(ctx context.Context, pcm []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	cut := s.cut
	s.mu.Unlock()

	timer := time.NewTimer(0)
	defer timer.Stop()
	<-timer.C

	for offset := 0; offset < len(pcm); offset += s.blockBytes {
		end := offset + s.blockBytes
		if end > len(pcm) {
			end = len(pcm)
		}
		if err := s.w.WriteBlock(pcm[offset:end]); err != nil {
			return err
		}
		timer.Reset(s.blockDur)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-cut:
			return ErrInterrupted
		case <-timer.C:
		}
	}
	return nil
}

func (s *PacedSink) Interrupt() {
	s.mu.Lock()
	defer s.mu.Unlock()
	close(s.cut)
	s.cut = make(chan struct{})
}

func (s *PacedSink) Close() error {
	s.Interrupt()
	return s.w.Close()
}

type discard struct{}

func (discard) WriteBlock([]byte) error { return nil }
func (discard) Close() error            { return nil }
