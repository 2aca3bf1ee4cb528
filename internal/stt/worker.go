package stt

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/loqalabs/loqa-voice/internal/epoch"
	"github.com/loqalabs/loqa-voice/internal/protocol"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var tracer = otel.Tracer("github.com/loqalabs/loqa-voice/internal/stt")

// Output receives the worker's results.
type Output interface {
	Transcribed(ctx context.Context, tr protocol.Transcript) error
	NothingHeard(ctx context.Context, tag protocol.Tag) error
	Failed(ctx context.Context, stage protocol.Stage, tag protocol.Tag, err error) error
}

type Options struct {
	SampleRate int
	Channels   int
	PreRoll    time.Duration
	Frame      time.Duration
	Timeout    time.Duration
}

type job struct {
	tag protocol.Tag
	pcm []byte
}

// Worker buffers one utterance at a time and runs a single transcription
// in the background. Frames keep flowing into a short pre-roll ring so the
// onset that preceded speech detection is not lost.
type Worker struct {
	recognizer Recognizer
	epoch      epoch.Reader
	out        Output
	opts       Options
	log        *slog.Logger

	mu        sync.Mutex
	ring      []protocol.AudioFrame
	ringSize  int
	capturing bool
	tag       protocol.Tag
	buffer    []byte

	jobs chan job
}

func NewWorker(recognizer Recognizer, ep epoch.Reader, out Output, opts Options, log *slog.Logger) *Worker {
	ringSize := 0
	if opts.Frame > 0 {
		ringSize = int(opts.PreRoll / opts.Frame)
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 45 * time.Second
	}
	return &Worker{
		recognizer: recognizer,
		epoch:      ep,
		out:        out,
		opts:       opts,
		log:        log.With(slog.String("component", "stt-worker")),
		ringSize:   ringSize,
		jobs:       make(chan job, 1),
	}
}

// Begin starts buffering for tag's turn, seeded with the pre-roll.
func (w *Worker) Begin(tag protocol.Tag) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.capturing = true
	w.tag = tag
	w.buffer = w.buffer[:0]
	for _, f := range w.ring {
		w.buffer = append(w.buffer, f.PCM...)
	}
}

// Append adds a frame to the pre-roll ring and, while capturing, to the
// utterance buffer. It never blocks on transcription.
func (w *Worker) Append(frame protocol.AudioFrame) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.ringSize > 0 {
		if len(w.ring) == w.ringSize {
			copy(w.ring, w.ring[1:])
			w.ring = w.ring[:w.ringSize-1]
		}
		w.ring = append(w.ring, frame)
	}
	if w.capturing {
		w.buffer = append(w.buffer, frame.PCM...)
	}
}

// Finish closes the utterance for tag's turn and queues it. If a job is
// already waiting it is replaced; only the newest utterance matters.
func (w *Worker) Finish(tag protocol.Tag) {
	w.mu.Lock()
	if !w.capturing || w.tag.TurnID != tag.TurnID {
		w.mu.Unlock()
		return
	}
	pcm := append([]byte(nil), w.buffer...)
	w.capturing = false
	w.buffer = w.buffer[:0]
	w.mu.Unlock()

	j := job{tag: tag, pcm: pcm}
	for {
		select {
		case w.jobs <- j:
			return
		default:
		}
		select {
		case old := <-w.jobs:
			w.log.Debug("replacing queued utterance", slog.Uint64("turn_id", old.tag.TurnID))
		default:
		}
	}
}

// Cancel stops capturing without queueing anything.
func (w *Worker) Cancel() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.capturing = false
	w.buffer = w.buffer[:0]
}

// Capturing reports whether an utterance is being buffered.
func (w *Worker) Capturing() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.capturing
}

// Run processes queued utterances one at a time until ctx is done.
func (w *Worker) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case j := <-w.jobs:
			w.transcribe(ctx, j)
		}
	}
}

func (w *Worker) transcribe(ctx context.Context, j job) {
	if epoch.Stale(w.epoch, j.tag.Epoch) {
		w.log.Debug("dropping stale utterance before transcription", slog.Uint64("turn_id", j.tag.TurnID))
		return
	}

	ctx, span := tracer.Start(ctx, "transcribe")
	defer span.End()
	span.SetAttributes(
		attribute.Int64("turn.id", int64(j.tag.TurnID)),
		attribute.Int("audio.bytes", len(j.pcm)),
	)

	callCtx, cancel := context.WithTimeout(ctx, w.opts.Timeout)
	defer cancel()

	start := time.Now()
	result, err := w.recognizer.Transcribe(callCtx, j.pcm, w.opts.SampleRate, w.opts.Channels, true)

	// The recognizer may not be interruptible, so staleness is checked on
	// return rather than by aborting the call.
	if epoch.Stale(w.epoch, j.tag.Epoch) {
		w.log.Debug("discarding stale transcription", slog.Uint64("turn_id", j.tag.TurnID))
		return
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if ctx.Err() != nil {
			return
		}
		_ = w.out.Failed(ctx, protocol.StageTranscribe, j.tag, err)
		return
	}

	text := strings.TrimSpace(result.Text)
	w.log.Info("transcription complete",
		slog.Uint64("turn_id", j.tag.TurnID),
		slog.Duration("latency", time.Since(start)),
		slog.Int("chars", len(text)))
	if text == "" {
		_ = w.out.NothingHeard(ctx, j.tag)
		return
	}
	_ = w.out.Transcribed(ctx, protocol.Transcript{
		Tag:        j.tag,
		Text:       text,
		Confidence: result.Confidence,
	})
}
