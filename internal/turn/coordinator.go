// Package turn owns the conversation state machine, the turn counter and
// the cancellation epoch.
package turn

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/loqalabs/loqa-voice/internal/epoch"
	"github.com/loqalabs/loqa-voice/internal/protocol"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const scopeName = "github.com/loqalabs/loqa-voice/internal/turn"

var tracer = otel.Tracer(scopeName)

// Transcriber buffers the user's utterance.
type Transcriber interface {
	Begin(tag protocol.Tag)
	Finish(tag protocol.Tag)
	Cancel()
}

// Responder generates replies and keeps conversation history.
type Responder interface {
	Submit(ctx context.Context, tr protocol.Transcript)
	Complete(tr protocol.Transcript, reply string)
}

// Speaker synthesizes sentences.
type Speaker interface {
	Submit(ctx context.Context, s protocol.Sentence)
}

// Player is the playback boundary.
type Player interface {
	Halt(turnID uint64)
}

// Observer receives timeline events. Observe is called with the
// coordinator locked and must return immediately.
type Observer interface {
	Observe(evt protocol.Event)
}

// Stages are the downstream components the coordinator drives.
type Stages struct {
	Transcriber Transcriber
	Responder   Responder
	Speaker     Speaker
	Player      Player
}

type Options struct {
	EventQueue int
	ErrorQueue int
	Observers  []Observer
	Clock      func() time.Time
}

type eventKind int

const (
	evTranscript eventKind = iota
	evNothingHeard
	evSentence
	evPlayed
	evFailed
)

type event struct {
	kind       eventKind
	tag        protocol.Tag
	transcript protocol.Transcript
	sentence   protocol.Sentence
	stage      protocol.Stage
	err        error
}

type instruments struct {
	turns          metric.Int64Counter
	bargeIns       metric.Int64Counter
	staleDrops     metric.Int64Counter
	engineErrors   metric.Int64Counter
	firstAudio     metric.Float64Histogram
	bargeInSilence metric.Float64Histogram
}

// Coordinator is the single owner of turn state and the epoch. Speech
// boundaries arrive as direct calls so a barge-in never waits behind
// worker results; everything else arrives on a bounded queue drained by
// Run. No method blocks on a downstream stage.
type Coordinator struct {
	epoch     epoch.Counter
	stages    Stages
	observers []Observer
	clock     func() time.Time
	log       *slog.Logger

	events chan event
	errs   chan error
	done   chan struct{}
	once   sync.Once

	mu       sync.Mutex
	base     context.Context
	state    State
	lastTurn uint64
	active   *turn

	metrics instruments
}

func New(opts Options, log *slog.Logger) *Coordinator {
	if opts.EventQueue <= 0 {
		opts.EventQueue = 64
	}
	if opts.ErrorQueue <= 0 {
		opts.ErrorQueue = 16
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	c := &Coordinator{
		observers: opts.Observers,
		clock:     opts.Clock,
		log:       log.With(slog.String("component", "turn-coordinator")),
		events:    make(chan event, opts.EventQueue),
		errs:      make(chan error, opts.ErrorQueue),
		done:      make(chan struct{}),
		base:      context.Background(),
	}
	if err := c.initMetrics(); err != nil {
		c.log.Warn("failed to initialize metrics", slogError(err))
	}
	return c
}

// Connect wires the downstream stages. It must be called before Run.
func (c *Coordinator) Connect(stages Stages) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stages = stages
}

func (c *Coordinator) initMetrics() error {
	meter := otel.Meter(scopeName)
	var err error
	if c.metrics.turns, err = meter.Int64Counter("loqa.turn.started", metric.WithDescription("Turns started")); err != nil {
		return err
	}
	if c.metrics.bargeIns, err = meter.Int64Counter("loqa.turn.barge_ins", metric.WithDescription("Responses interrupted by the user")); err != nil {
		return err
	}
	if c.metrics.staleDrops, err = meter.Int64Counter("loqa.turn.stale_dropped", metric.WithDescription("Artifacts dropped for belonging to a superseded turn")); err != nil {
		return err
	}
	if c.metrics.engineErrors, err = meter.Int64Counter("loqa.turn.engine_errors", metric.WithDescription("Turns aborted by an engine failure")); err != nil {
		return err
	}
	if c.metrics.firstAudio, err = meter.Float64Histogram("loqa.turn.time_to_first_audio",
		metric.WithDescription("Time from end of speech to the first played sentence"), metric.WithUnit("ms")); err != nil {
		return err
	}
	c.metrics.bargeInSilence, err = meter.Float64Histogram("loqa.turn.barge_in_to_silence",
		metric.WithDescription("Time from speech start during a response until playback was cut"), metric.WithUnit("ms"))
	return err
}

// Epoch exposes the read-only view of the cancellation epoch.
func (c *Coordinator) Epoch() epoch.Reader {
	return &c.epoch
}

// State returns the current state.
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// ActiveTurn returns a snapshot of the turn in progress, if any.
func (c *Coordinator) ActiveTurn() (Snapshot, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active == nil {
		return Snapshot{}, false
	}
	t := c.active
	return Snapshot{
		ID:         t.id,
		Epoch:      t.epoch,
		State:      c.state,
		Transcript: t.transcript.Text,
		Dispatched: t.dispatched,
		Played:     t.played,
	}, true
}

// Errors delivers engine failures. Errors are dropped when nobody reads.
func (c *Coordinator) Errors() <-chan error {
	return c.errs
}

// Run drains worker results until ctx is done.
func (c *Coordinator) Run(ctx context.Context) error {
	c.mu.Lock()
	c.base = ctx
	c.mu.Unlock()
	defer c.once.Do(func() { close(c.done) })

	for {
		select {
		case <-ctx.Done():
			c.mu.Lock()
			if c.active != nil {
				c.endTurn(protocol.EventTurnAborted, "shutdown")
			}
			c.mu.Unlock()
			return nil
		case ev := <-c.events:
			c.handle(ev)
		}
	}
}

func (c *Coordinator) enqueue(ctx context.Context, ev event) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	select {
	case c.events <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return ErrClosed
	}
}

// Transcribed reports a finished transcript.
func (c *Coordinator) Transcribed(ctx context.Context, tr protocol.Transcript) error {
	return c.enqueue(ctx, event{kind: evTranscript, tag: tr.Tag, transcript: tr})
}

// NothingHeard reports an utterance that transcribed to nothing.
func (c *Coordinator) NothingHeard(ctx context.Context, tag protocol.Tag) error {
	return c.enqueue(ctx, event{kind: evNothingHeard, tag: tag})
}

// SentenceReady reports a segmented sentence, including the final marker.
func (c *Coordinator) SentenceReady(ctx context.Context, s protocol.Sentence) error {
	return c.enqueue(ctx, event{kind: evSentence, tag: s.Tag, sentence: s})
}

// ChunkPlayed reports that a sentence finished playing.
func (c *Coordinator) ChunkPlayed(ctx context.Context, tag protocol.Tag) error {
	return c.enqueue(ctx, event{kind: evPlayed, tag: tag})
}

// Failed reports an engine failure for the turn in tag.
func (c *Coordinator) Failed(ctx context.Context, stage protocol.Stage, tag protocol.Tag, err error) error {
	return c.enqueue(ctx, event{kind: evFailed, tag: tag, stage: stage, err: err})
}

// SpeechStarted begins a turn, or interrupts the response in progress.
func (c *Coordinator) SpeechStarted(evt protocol.VadEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.state {
	case Idle:
		c.startTurn()
	case Thinking, Speaking:
		c.bargeIn()
	default:
		// Already listening: a second start is the same utterance.
	}
}

// SpeechEnded closes the utterance of the listening turn.
func (c *Coordinator) SpeechEnded(evt protocol.VadEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != Listening || c.active == nil {
		return
	}
	t := c.active
	t.speechEnded = c.clock()
	c.setState(Thinking)
	c.emit(protocol.Event{Type: protocol.EventSpeechEnded, Tag: t.tag()})
	c.stages.Transcriber.Finish(t.tag())
}

// ClassifierFailed aborts the turn in progress.
func (c *Coordinator) ClassifierFailed(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var id uint64
	if c.active != nil {
		id = c.active.id
	}
	c.fail(protocol.StageClassify, id, err)
}

// startTurn must be called with c.mu held.
func (c *Coordinator) startTurn() {
	c.lastTurn++
	ep := c.epoch.Current()
	spanCtx, span := tracer.Start(c.base, "turn", trace.WithAttributes(
		attribute.Int64("turn.id", int64(c.lastTurn)),
		attribute.Int64("turn.epoch", int64(ep)),
	))
	ctx, cancel := context.WithCancel(spanCtx)
	t := &turn{
		id:        c.lastTurn,
		epoch:     ep,
		ctx:       ctx,
		cancel:    cancel,
		span:      span,
		startedAt: c.clock(),
		sentences: make(map[uint64]string),
	}
	c.active = t
	if c.metrics.turns != nil {
		c.metrics.turns.Add(ctx, 1)
	}
	c.setState(Listening)
	c.emit(protocol.Event{Type: protocol.EventTurnStarted, Tag: t.tag()})
	c.log.Debug("turn started", slog.Uint64("turn_id", t.id), slog.Uint64("epoch", t.epoch))
	c.stages.Transcriber.Begin(t.tag())
}

// bargeIn must be called with c.mu held.
func (c *Coordinator) bargeIn() {
	start := c.clock()
	old := c.active
	c.setState(Cancelling)

	ep := c.epoch.Advance()
	old.cancel()
	c.stages.Player.Halt(old.id)

	elapsed := c.clock().Sub(start)
	_, span := tracer.Start(old.ctx, "barge-in", trace.WithAttributes(attribute.Int64("turn.id", int64(old.id))))
	span.End()
	if c.metrics.bargeIns != nil {
		c.metrics.bargeIns.Add(c.base, 1)
	}
	if c.metrics.bargeInSilence != nil {
		c.metrics.bargeInSilence.Record(c.base, float64(elapsed.Microseconds())/1000)
	}
	c.emit(protocol.Event{Type: protocol.EventBargeIn, Tag: old.tag(), Text: old.heard()})
	c.log.Info("barge-in",
		slog.Uint64("turn_id", old.id),
		slog.Uint64("epoch", ep),
		slog.Int("played", old.played),
		slog.Int("dispatched", old.dispatched))

	if old.transcript.Text != "" {
		c.stages.Responder.Complete(old.transcript, old.heard())
	}
	old.span.SetAttributes(attribute.Bool("turn.interrupted", true))
	old.span.End()
	c.active = nil
	c.startTurn()
}

func (c *Coordinator) handle(ev event) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if ev.kind == evFailed {
		if c.current(ev.tag) {
			c.fail(ev.stage, ev.tag.TurnID, ev.err)
		} else {
			c.dropStale(ev)
		}
		return
	}
	if !c.current(ev.tag) {
		c.dropStale(ev)
		return
	}
	t := c.active

	switch ev.kind {
	case evTranscript:
		if c.state != Thinking {
			c.dropStale(ev)
			return
		}
		t.transcript = ev.transcript
		t.span.SetAttributes(attribute.Int("turn.transcript_chars", len(ev.transcript.Text)))
		c.emit(protocol.Event{Type: protocol.EventTranscript, Tag: t.tag(), Text: ev.transcript.Text})
		c.log.Info("transcript", slog.Uint64("turn_id", t.id), slog.String("text", ev.transcript.Text))
		c.stages.Responder.Submit(t.ctx, ev.transcript)

	case evNothingHeard:
		if c.state != Thinking {
			return
		}
		c.emit(protocol.Event{Type: protocol.EventEmptyUtterance, Tag: t.tag()})
		c.endTurn(protocol.EventTurnCompleted, "")

	case evSentence:
		if c.state != Thinking && c.state != Speaking {
			c.dropStale(ev)
			return
		}
		s := ev.sentence
		if s.Text != "" {
			t.sentences[s.Tag.Seq] = s.Text
			t.dispatched++
			c.emit(protocol.Event{Type: protocol.EventSentence, Tag: s.Tag, Text: s.Text})
			c.stages.Speaker.Submit(t.ctx, s)
			if c.state == Thinking {
				c.setState(Speaking)
			}
		}
		if s.Final {
			t.generated = true
			c.maybeComplete()
		}

	case evPlayed:
		if c.state != Speaking {
			c.dropStale(ev)
			return
		}
		t.played++
		t.spoken = append(t.spoken, t.sentences[ev.tag.Seq])
		if !t.firstAudio {
			t.firstAudio = true
			if c.metrics.firstAudio != nil && !t.speechEnded.IsZero() {
				c.metrics.firstAudio.Record(t.ctx, float64(c.clock().Sub(t.speechEnded).Milliseconds()))
			}
		}
		c.emit(protocol.Event{Type: protocol.EventChunkPlayed, Tag: ev.tag})
		c.maybeComplete()
	}
}

// current reports whether tag belongs to the active turn at the current
// epoch.
func (c *Coordinator) current(tag protocol.Tag) bool {
	return c.active != nil && tag.TurnID == c.active.id && !epoch.Stale(&c.epoch, tag.Epoch)
}

func (c *Coordinator) dropStale(ev event) {
	if c.metrics.staleDrops != nil {
		c.metrics.staleDrops.Add(c.base, 1)
	}
	c.emit(protocol.Event{Type: protocol.EventStaleDropped, Tag: ev.tag})
	c.log.Debug("dropping stale artifact",
		slog.Uint64("turn_id", ev.tag.TurnID),
		slog.Uint64("epoch", ev.tag.Epoch),
		slog.Uint64("seq", ev.tag.Seq))
}

// maybeComplete finishes the turn once generation has ended and every
// dispatched sentence has played.
func (c *Coordinator) maybeComplete() {
	t := c.active
	if t == nil || !t.generated || t.played < t.dispatched {
		return
	}
	c.stages.Responder.Complete(t.transcript, t.heard())
	c.endTurn(protocol.EventTurnCompleted, "")
}

// fail aborts the turn with id (0 for none) without advancing the epoch.
func (c *Coordinator) fail(stage protocol.Stage, id uint64, err error) {
	if c.metrics.engineErrors != nil {
		c.metrics.engineErrors.Add(c.base, 1, metric.WithAttributes(attribute.String("stage", string(stage))))
	}
	c.log.Error("engine failure",
		slog.String("stage", string(stage)),
		slog.Uint64("turn_id", id),
		slog.String("state", c.state.String()),
		slogError(err))
	c.emit(protocol.Event{Type: protocol.EventEngineError, Tag: protocol.Tag{TurnID: id, Epoch: c.epoch.Current()}, Stage: stage, Error: err.Error()})

	if t := c.active; t != nil {
		t.span.RecordError(err)
		t.span.SetStatus(codes.Error, err.Error())
		if c.state == Listening {
			c.stages.Transcriber.Cancel()
		}
		c.stages.Player.Halt(t.id)
		c.endTurn(protocol.EventTurnAborted, err.Error())
	}

	select {
	case c.errs <- &EngineError{Stage: stage, TurnID: id, Err: err}:
	default:
		c.log.Warn("engine error queue full", slog.String("stage", string(stage)))
	}
}

// endTurn closes the active turn and returns to Idle.
func (c *Coordinator) endTurn(kind protocol.EventType, reason string) {
	t := c.active
	t.cancel()
	t.span.SetAttributes(
		attribute.Int("turn.sentences", t.dispatched),
		attribute.Int("turn.played", t.played),
	)
	t.span.End()
	c.emit(protocol.Event{Type: kind, Tag: t.tag(), Text: t.heard(), Error: reason})
	c.log.Info("turn finished",
		slog.Uint64("turn_id", t.id),
		slog.String("outcome", string(kind)),
		slog.Duration("duration", c.clock().Sub(t.startedAt)))
	c.active = nil
	c.setState(Idle)
}

func (c *Coordinator) setState(s State) {
	if c.state == s {
		return
	}
	c.state = s
	var tag protocol.Tag
	if c.active != nil {
		tag = c.active.tag()
	}
	c.emit(protocol.Event{Type: protocol.EventStateChanged, Tag: tag, State: s.String()})
}

func (c *Coordinator) emit(evt protocol.Event) {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = c.clock().UTC()
	}
	for _, o := range c.observers {
		o.Observe(evt)
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
