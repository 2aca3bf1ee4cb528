package tts

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/loqalabs/loqa-voice/internal/epoch"
	"github.com/loqalabs/loqa-voice/internal/protocol"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var tracer = otel.Tracer("github.com/loqalabs/loqa-voice/internal/tts")

// Output receives synthesis failures.
type Output interface {
	Failed(ctx context.Context, stage protocol.Stage, tag protocol.Tag, err error) error
}

// Player accepts synthesized chunks for ordered playback. Push may block
// until the chunk fits; it returns when ctx is done.
type Player interface {
	Push(ctx context.Context, chunk protocol.AudioChunk) error
}

type Options struct {
	Voice       Voice
	SampleRate  int
	Channels    int
	Concurrency int
	Timeout     time.Duration
}

type synthJob struct {
	ctx      context.Context
	sentence protocol.Sentence
}

// Worker synthesizes sentences with bounded parallelism. Jobs are queued
// without blocking the caller and may finish out of order; the player
// restores order.
type Worker struct {
	synth  Synthesizer
	epoch  epoch.Reader
	player Player
	out    Output
	opts   Options
	log    *slog.Logger

	mu      sync.Mutex
	pending []synthJob
	signal  chan struct{}
	slots   chan struct{}
	wg      sync.WaitGroup
}

func NewWorker(synth Synthesizer, ep epoch.Reader, player Player, out Output, opts Options, log *slog.Logger) *Worker {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 45 * time.Second
	}
	return &Worker{
		synth:  synth,
		epoch:  ep,
		player: player,
		out:    out,
		opts:   opts,
		log:    log.With(slog.String("component", "tts-worker")),
		signal: make(chan struct{}, 1),
		slots:  make(chan struct{}, opts.Concurrency),
	}
}

// Submit queues a sentence. ctx is the turn's context.
func (w *Worker) Submit(ctx context.Context, s protocol.Sentence) {
	if strings.TrimSpace(s.Text) == "" {
		return
	}
	w.mu.Lock()
	w.pending = append(w.pending, synthJob{ctx: ctx, sentence: s})
	w.mu.Unlock()
	select {
	case w.signal <- struct{}{}:
	default:
	}
}

// Pending reports the number of queued, not yet started jobs.
func (w *Worker) Pending() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.pending)
}

func (w *Worker) next() (synthJob, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.pending) == 0 {
		return synthJob{}, false
	}
	j := w.pending[0]
	w.pending[0] = synthJob{}
	w.pending = w.pending[1:]
	return j, true
}

func (w *Worker) Run(ctx context.Context) error {
	defer w.wg.Wait()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-w.signal:
		}
		for {
			j, ok := w.next()
			if !ok {
				break
			}
			if w.stale(j) {
				w.log.Debug("dropping stale sentence", slog.Uint64("turn_id", j.sentence.Tag.TurnID), slog.Uint64("seq", j.sentence.Tag.Seq))
				continue
			}
			select {
			case w.slots <- struct{}{}:
			case <-ctx.Done():
				return nil
			}
			w.wg.Add(1)
			go func() {
				defer w.wg.Done()
				defer func() { <-w.slots }()
				w.synthesize(ctx, j)
			}()
		}
	}
}

func (w *Worker) stale(j synthJob) bool {
	return epoch.Stale(w.epoch, j.sentence.Tag.Epoch) || j.ctx.Err() != nil
}

func (w *Worker) synthesize(runCtx context.Context, j synthJob) {
	tag := j.sentence.Tag
	if w.stale(j) {
		return
	}

	ctx, cancel := context.WithTimeout(runCtx, w.opts.Timeout)
	defer cancel()
	stop := context.AfterFunc(j.ctx, cancel)
	defer stop()

	ctx, span := tracer.Start(ctx, "synthesize")
	defer span.End()
	span.SetAttributes(
		attribute.Int64("turn.id", int64(tag.TurnID)),
		attribute.Int64("sentence.seq", int64(tag.Seq)),
	)

	start := time.Now()
	pcm, rate, channels, err := w.collect(ctx, SynthRequest{Text: j.sentence.Text, Voice: w.opts.Voice})
	if w.stale(j) {
		w.log.Debug("discarding stale synthesis", slog.Uint64("turn_id", tag.TurnID), slog.Uint64("seq", tag.Seq))
		return
	}
	if err == nil && (rate != w.opts.SampleRate || channels != w.opts.Channels) {
		err = fmt.Errorf("synthesizer produced %d Hz/%d ch, playback expects %d Hz/%d ch", rate, channels, w.opts.SampleRate, w.opts.Channels)
	}
	if err != nil {
		if runCtx.Err() != nil {
			return
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		w.log.Warn("tts synthesis error", slog.Uint64("turn_id", tag.TurnID), slog.String("error", err.Error()))
		_ = w.out.Failed(runCtx, protocol.StageSynthesize, tag, err)
		return
	}

	applyGain(pcm, w.opts.Voice.Volume)
	chunk := protocol.AudioChunk{
		Tag:        tag,
		SampleRate: rate,
		Channels:   channels,
		PCM:        pcm,
		Duration:   protocol.PCMDuration(len(pcm), rate, channels),
	}
	w.log.Debug("sentence synthesized",
		slog.Uint64("turn_id", tag.TurnID),
		slog.Uint64("seq", tag.Seq),
		slog.Duration("audio", chunk.Duration),
		slog.Duration("latency", time.Since(start)))
	if err := w.player.Push(j.ctx, chunk); err != nil && j.ctx.Err() == nil && runCtx.Err() == nil {
		w.log.Debug("playback rejected chunk", slog.Uint64("turn_id", tag.TurnID), slog.String("error", err.Error()))
	}
}

// collect drains one synthesis into a single waveform.
func (w *Worker) collect(ctx context.Context, req SynthRequest) ([]byte, int, int, error) {
	chunks, errs := w.synth.Synthesize(ctx, req)
	var pcm []byte
	rate, channels := w.opts.SampleRate, w.opts.Channels
	for chunks != nil || errs != nil {
		select {
		case c, ok := <-chunks:
			if !ok {
				chunks = nil
				continue
			}
			if c.SampleRate > 0 {
				rate = c.SampleRate
			}
			if c.Channels > 0 {
				channels = c.Channels
			}
			pcm = append(pcm, c.PCM...)
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			if err != nil {
				return nil, 0, 0, err
			}
		case <-ctx.Done():
			return nil, 0, 0, ctx.Err()
		}
	}
	return pcm, rate, channels, nil
}

// applyGain scales 16-bit samples in place, clipping at full scale.
func applyGain(pcm []byte, gain float64) {
	if gain == 1 || gain < 0 {
		return
	}
	for i := 0; i+1 < len(pcm); i += 2 {
		v := float64(int16(binary.LittleEndian.Uint16(pcm[i:]))) * gain
		v = math.Max(math.MinInt16, math.Min(math.MaxInt16, math.Round(v)))
		binary.LittleEndian.PutUint16(pcm[i:], uint16(int16(v)))
	}
}
