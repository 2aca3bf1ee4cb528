package audio

import (
	"context"
	"errors"
)

const scopeName = "github.com/loqalabs/loqa-voice/internal/audio"

var (
	// ErrClosed is returned by queue operations after Close.
	ErrClosed = errors.New("audio: closed")
	// ErrInterrupted is returned by Sink.Play when output was cut off.
	ErrInterrupted = errors.New("audio: playback interrupted")
)

// Source produces raw 16-bit little-endian PCM from a capture device. Run
// blocks until ctx is done or the device fails; onAudio may be called with
// buffers of any length and must not retain them.
type Source interface {
	Run(ctx context.Context, onAudio func(pcm []byte)) error
}

// Sink plays waveform chunks.
//
// Play blocks until pcm has been rendered, the context is cancelled or
// Interrupt is called. Interrupt cuts the in-progress output and flushes
// anything queued on the device; it is safe to call from any goroutine.
type Sink interface {
	Play(ctx context.Context, pcm []byte) error
	Interrupt()
	Close() error
}
