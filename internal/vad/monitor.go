package vad

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/loqalabs/loqa-voice/internal/audio"
	"github.com/loqalabs/loqa-voice/internal/epoch"
	"github.com/loqalabs/loqa-voice/internal/protocol"
)

// Listener receives speech boundaries. Calls are made synchronously from
// the monitor goroutine and must not block on pipeline work.
type Listener interface {
	SpeechStarted(evt protocol.VadEvent)
	SpeechEnded(evt protocol.VadEvent)
	ClassifierFailed(err error)
}

// FrameSink receives every frame after classification.
type FrameSink interface {
	Append(frame protocol.AudioFrame)
}

// FrameSource yields captured frames.
type FrameSource interface {
	Pop(ctx context.Context) (protocol.AudioFrame, error)
}

type Options struct {
	MinSpeech  time.Duration
	MinSilence time.Duration
	Frame      time.Duration
}

// Monitor turns per-frame classifications into SpeechStart and SpeechEnd
// events using consecutive-frame hysteresis.
type Monitor struct {
	classifier Classifier
	listener   Listener
	sink       FrameSink
	epoch      epoch.Reader
	log        *slog.Logger

	speechFrames  int
	silenceFrames int

	speaking    bool
	speechRun   int
	silenceRun  int
	lastFailure error
}

func NewMonitor(classifier Classifier, listener Listener, sink FrameSink, ep epoch.Reader, opts Options, log *slog.Logger) *Monitor {
	return &Monitor{
		classifier:    classifier,
		listener:      listener,
		sink:          sink,
		epoch:         ep,
		log:           log.With(slog.String("component", "vad")),
		speechFrames:  framesFor(opts.MinSpeech, opts.Frame),
		silenceFrames: framesFor(opts.MinSilence, opts.Frame),
	}
}

func framesFor(window, frame time.Duration) int {
	if frame <= 0 {
		return 1
	}
	n := int((window + frame - 1) / frame)
	if n < 1 {
		n = 1
	}
	return n
}

// Run consumes frames until the source is closed or ctx is done.
func (m *Monitor) Run(ctx context.Context, src FrameSource) error {
	for {
		frame, err := src.Pop(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, audio.ErrClosed) {
				return nil
			}
			return err
		}
		m.Process(frame)
	}
}

// Process classifies one frame, emits any boundary and forwards the frame.
func (m *Monitor) Process(frame protocol.AudioFrame) {
	speech, err := m.classifier.Classify(frame)
	if err != nil {
		if m.lastFailure == nil || m.lastFailure.Error() != err.Error() {
			m.listener.ClassifierFailed(err)
		}
		m.lastFailure = err
		speech = false
	} else {
		m.lastFailure = nil
	}

	if speech {
		m.speechRun++
		m.silenceRun = 0
	} else {
		m.silenceRun++
		m.speechRun = 0
	}

	switch {
	case !m.speaking && m.speechRun >= m.speechFrames:
		m.speaking = true
		m.log.Debug("speech started", slog.Uint64("frame", frame.Seq))
		m.listener.SpeechStarted(protocol.VadEvent{Kind: protocol.SpeechStart, Timestamp: frame.Timestamp, Epoch: m.epoch.Current()})
	case m.speaking && m.silenceRun >= m.silenceFrames:
		m.speaking = false
		m.log.Debug("speech ended", slog.Uint64("frame", frame.Seq))
		m.listener.SpeechEnded(protocol.VadEvent{Kind: protocol.SpeechEnd, Timestamp: frame.Timestamp, Epoch: m.epoch.Current()})
	}

	if m.sink != nil {
		m.sink.Append(frame)
	}
}

// Speaking reports the current hysteresis state.
func (m *Monitor) Speaking() bool {
	return m.speaking
}
