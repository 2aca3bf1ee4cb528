package llm

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/loqalabs/loqa-voice/internal/epoch"
	"github.com/loqalabs/loqa-voice/internal/protocol"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
)

const scopeName = "github.com/loqalabs/loqa-voice/internal/llm"

var tracer = otel.Tracer(scopeName)

// errLimit ends a stream early once a stop sequence or the token limit is hit.
var errLimit = errors.New("llm: output limit reached")

// Output receives generation failures. Tokens travel on the token channel.
type Output interface {
	Failed(ctx context.Context, stage protocol.Stage, tag protocol.Tag, err error) error
}

type Options struct {
	System  string
	Request Request
	Timeout time.Duration
}

type genJob struct {
	ctx context.Context
	tr  protocol.Transcript
}

// Worker runs one generation at a time and streams fragments as
// TokenChunks tagged with the transcript's turn.
type Worker struct {
	generator Generator
	epoch     epoch.Reader
	tokens    chan<- protocol.TokenChunk
	out       Output
	history   *History
	opts      Options
	log       *slog.Logger

	jobs chan genJob

	ttft metric.Float64Histogram
}

func NewWorker(generator Generator, ep epoch.Reader, tokens chan<- protocol.TokenChunk, out Output, history *History, opts Options, log *slog.Logger) *Worker {
	if opts.Timeout <= 0 {
		opts.Timeout = 60 * time.Second
	}
	w := &Worker{
		generator: generator,
		epoch:     ep,
		tokens:    tokens,
		out:       out,
		history:   history,
		opts:      opts,
		log:       log.With(slog.String("component", "llm-worker")),
		jobs:      make(chan genJob, 1),
	}
	if err := w.initMetrics(); err != nil {
		w.log.Warn("failed to initialize metrics", slogError(err))
	}
	return w
}

func (w *Worker) initMetrics() error {
	hist, err := otel.Meter(scopeName).Float64Histogram("loqa.llm.time_to_first_token",
		metric.WithDescription("Time from request to first generated fragment"),
		metric.WithUnit("ms"))
	if err != nil {
		return err
	}
	w.ttft = hist
	return nil
}

// Submit queues a transcript for generation. ctx is the turn's context;
// cancelling it stops the generation. A job still waiting is replaced.
func (w *Worker) Submit(ctx context.Context, tr protocol.Transcript) {
	j := genJob{ctx: ctx, tr: tr}
	for {
		select {
		case w.jobs <- j:
			return
		default:
		}
		select {
		case old := <-w.jobs:
			w.log.Debug("replacing queued transcript", slog.Uint64("turn_id", old.tr.Tag.TurnID))
		default:
		}
	}
}

// Complete records a finished exchange for later prompts. reply is what the
// user actually heard.
func (w *Worker) Complete(tr protocol.Transcript, reply string) {
	w.history.Add(tr.Text, reply)
}

func (w *Worker) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case j := <-w.jobs:
			w.generate(ctx, j)
		}
	}
}

func (w *Worker) generate(runCtx context.Context, j genJob) {
	tag := j.tr.Tag
	if epoch.Stale(w.epoch, tag.Epoch) || j.ctx.Err() != nil {
		w.log.Debug("dropping stale transcript before generation", slog.Uint64("turn_id", tag.TurnID))
		return
	}

	ctx, cancel := context.WithTimeout(runCtx, w.opts.Timeout)
	defer cancel()
	stop := context.AfterFunc(j.ctx, cancel)
	defer stop()

	ctx, span := tracer.Start(ctx, "generate")
	defer span.End()
	span.SetAttributes(attribute.Int64("turn.id", int64(tag.TurnID)))

	req := w.opts.Request
	req.Prompt = BuildPrompt(w.opts.System, w.history.Snapshot(), j.tr.Text)
	filter := newStopFilter(req.Stop)

	var seq uint64
	fragments := 0
	start := time.Now()
	emit := func(text string) error {
		if text == "" {
			return nil
		}
		seq++
		chunk := protocol.TokenChunk{Tag: tag.WithSeq(seq), Text: text}
		select {
		case w.tokens <- chunk:
		case <-ctx.Done():
			return ctx.Err()
		}
		if epoch.Stale(w.epoch, tag.Epoch) {
			return ErrStale
		}
		return nil
	}

	err := w.generator.Generate(ctx, req, func(c Chunk) error {
		if epoch.Stale(w.epoch, tag.Epoch) {
			return ErrStale
		}
		if c.Content != "" {
			if fragments == 0 {
				elapsed := time.Since(start)
				if w.ttft != nil {
					w.ttft.Record(ctx, float64(elapsed.Milliseconds()))
				}
				w.log.Debug("first token", slog.Uint64("turn_id", tag.TurnID), slog.Duration("ttft", elapsed))
			}
			fragments++
		}
		if err := emit(filter.Push(c.Content)); err != nil {
			return err
		}
		if filter.Stopped() || (req.MaxTokens > 0 && fragments >= req.MaxTokens) {
			return errLimit
		}
		return nil
	})

	switch {
	case errors.Is(err, ErrStale), epoch.Stale(w.epoch, tag.Epoch), j.ctx.Err() != nil, runCtx.Err() != nil:
		w.log.Debug("generation superseded", slog.Uint64("turn_id", tag.TurnID))
		return
	case err != nil && !errors.Is(err, errLimit):
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		w.log.Warn("llm generation failed", slog.Uint64("turn_id", tag.TurnID), slogError(err))
		_ = w.out.Failed(runCtx, protocol.StageGenerate, tag, err)
		return
	}

	if err := emit(filter.Flush()); err != nil {
		return
	}
	select {
	case w.tokens <- protocol.TokenChunk{Tag: tag.WithSeq(seq + 1), Final: true}:
	case <-ctx.Done():
		return
	}
	span.SetAttributes(attribute.Int("llm.fragments", fragments))
	w.log.Info("llm generation complete",
		slog.Uint64("turn_id", tag.TurnID),
		slog.Int("fragments", fragments),
		slog.Duration("latency", time.Since(start)))
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
