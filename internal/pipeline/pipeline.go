// Package pipeline assembles the voice loop: capture, voice activity,
// transcription, generation, segmentation, synthesis and playback around a
// single turn coordinator.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/loqalabs/loqa-voice/internal/audio"
	"github.com/loqalabs/loqa-voice/internal/config"
	"github.com/loqalabs/loqa-voice/internal/llm"
	"github.com/loqalabs/loqa-voice/internal/playback"
	"github.com/loqalabs/loqa-voice/internal/protocol"
	"github.com/loqalabs/loqa-voice/internal/segment"
	"github.com/loqalabs/loqa-voice/internal/stt"
	"github.com/loqalabs/loqa-voice/internal/tts"
	"github.com/loqalabs/loqa-voice/internal/turn"
	"github.com/loqalabs/loqa-voice/internal/vad"
	"golang.org/x/sync/errgroup"
)

// Engines are the pluggable backends.
type Engines struct {
	Source      audio.Source
	Sink        audio.Sink
	Classifier  vad.Classifier
	Recognizer  stt.Recognizer
	Generator   llm.Generator
	Synthesizer tts.Synthesizer
}

func (e Engines) validate() error {
	var errs []error
	if e.Source == nil {
		errs = append(errs, errors.New("audio source missing"))
	}
	if e.Sink == nil {
		errs = append(errs, errors.New("audio sink missing"))
	}
	if e.Classifier == nil {
		errs = append(errs, errors.New("speech classifier missing"))
	}
	if e.Recognizer == nil {
		errs = append(errs, errors.New("recognizer missing"))
	}
	if e.Generator == nil {
		errs = append(errs, errors.New("generator missing"))
	}
	if e.Synthesizer == nil {
		errs = append(errs, errors.New("synthesizer missing"))
	}
	return errors.Join(errs...)
}

// Pipeline owns every stage of one conversation.
type Pipeline struct {
	coordinator *turn.Coordinator
	queue       *audio.FrameQueue
	capture     *audio.Capture
	monitor     *vad.Monitor
	transcriber *stt.Worker
	responder   *llm.Worker
	segmenter   *segment.Segmenter
	speaker     *tts.Worker
	player      *playback.Sequencer
	tokens      chan protocol.TokenChunk
	log         *slog.Logger
}

func New(cfg config.Config, engines Engines, observers []turn.Observer, log *slog.Logger) (*Pipeline, error) {
	if err := engines.validate(); err != nil {
		return nil, fmt.Errorf("pipeline engines: %w", err)
	}
	policy, err := audio.ParsePolicy(cfg.Audio.Backpressure)
	if err != nil {
		return nil, err
	}

	frame := time.Duration(cfg.Audio.FrameDurationMS) * time.Millisecond
	format := audio.Format{SampleRate: cfg.Audio.SampleRate, Channels: cfg.Audio.Channels, FrameDuration: frame}

	coordinator := turn.New(turn.Options{EventQueue: cfg.Pipeline.EventQueue, Observers: observers}, log)
	ep := coordinator.Epoch()

	p := &Pipeline{
		coordinator: coordinator,
		queue:       audio.NewFrameQueue(cfg.Audio.CaptureQueue, policy),
		tokens:      make(chan protocol.TokenChunk, cfg.Pipeline.TokenQueue),
		log:         log.With(slog.String("component", "pipeline")),
	}
	p.capture = audio.NewCapture(engines.Source, p.queue, ep, format, log)
	p.transcriber = stt.NewWorker(engines.Recognizer, ep, coordinator, stt.Options{
		SampleRate: cfg.Audio.SampleRate,
		Channels:   cfg.Audio.Channels,
		PreRoll:    time.Duration(cfg.STT.PreRollMS) * time.Millisecond,
		Frame:      frame,
		Timeout:    time.Duration(cfg.STT.TimeoutMS) * time.Millisecond,
	}, log)
	p.monitor = vad.NewMonitor(engines.Classifier, coordinator, p.transcriber, ep, vad.Options{
		MinSpeech:  time.Duration(cfg.VAD.MinSpeechMS) * time.Millisecond,
		MinSilence: time.Duration(cfg.VAD.MinSilenceMS) * time.Millisecond,
		Frame:      frame,
	}, log)
	p.responder = llm.NewWorker(engines.Generator, ep, p.tokens, coordinator, llm.NewHistory(cfg.LLM.HistoryTurns), llm.Options{
		System:  cfg.LLM.SystemPrompt,
		Request: llm.RequestFromConfig(cfg.LLM),
		Timeout: time.Duration(cfg.LLM.TimeoutMS) * time.Millisecond,
	}, log)
	p.segmenter = segment.New(cfg.Segment.Terminals, ep)
	p.player = playback.NewSequencer(engines.Sink, ep, coordinator, cfg.Pipeline.ReorderCapacity, log)
	p.speaker = tts.NewWorker(engines.Synthesizer, ep, p.player, coordinator, tts.Options{
		Voice:       tts.VoiceFromConfig(cfg.TTS),
		SampleRate:  cfg.TTS.SampleRate,
		Channels:    cfg.TTS.Channels,
		Concurrency: cfg.TTS.Concurrency,
		Timeout:     time.Duration(cfg.TTS.TimeoutMS) * time.Millisecond,
	}, log)

	coordinator.Connect(turn.Stages{
		Transcriber: p.transcriber,
		Responder:   p.responder,
		Speaker:     p.speaker,
		Player:      p.player,
	})
	return p, nil
}

// Coordinator exposes the turn state for health checks and tests.
func (p *Pipeline) Coordinator() *turn.Coordinator {
	return p.coordinator
}

// Errors delivers engine failures; see turn.Coordinator.Errors.
func (p *Pipeline) Errors() <-chan error {
	return p.coordinator.Errors()
}

// Run starts every stage and blocks until ctx is done or a stage fails
// fatally, such as the audio device going away.
func (p *Pipeline) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return p.coordinator.Run(ctx) })
	g.Go(func() error { return p.capture.Run(ctx) })
	g.Go(func() error { return p.monitor.Run(ctx, p.queue) })
	g.Go(func() error { return p.transcriber.Run(ctx) })
	g.Go(func() error { return p.responder.Run(ctx) })
	g.Go(func() error {
		return segment.Run(ctx, p.segmenter, p.tokens, func(s protocol.Sentence) {
			if err := p.coordinator.SentenceReady(ctx, s); err != nil && ctx.Err() == nil {
				p.log.Warn("failed to deliver sentence", slog.String("error", err.Error()))
			}
		})
	})
	g.Go(func() error { return p.speaker.Run(ctx) })
	g.Go(func() error { return p.player.Run(ctx) })

	p.log.Info("pipeline started")
	err := g.Wait()
	p.log.Info("pipeline stopped")
	return err
}
