package pipeline

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/loqalabs/loqa-voice/internal/audio"
	"github.com/loqalabs/loqa-voice/internal/config"
	"github.com/loqalabs/loqa-voice/internal/llm"
	"github.com/loqalabs/loqa-voice/internal/stt"
	"github.com/loqalabs/loqa-voice/internal/tts"
	"github.com/loqalabs/loqa-voice/internal/vad"
)

// EnginesFromConfig selects one backend per stage by its configured mode.
// The returned close function releases audio devices and files.
func EnginesFromConfig(cfg config.Config, log *slog.Logger) (Engines, func() error, error) {
	var (
		engines Engines
		closers []func() error
	)
	closeAll := func() error {
		var errs []error
		for i := len(closers) - 1; i >= 0; i-- {
			errs = append(errs, closers[i]())
		}
		return errors.Join(errs...)
	}

	frame := time.Duration(cfg.Audio.FrameDurationMS) * time.Millisecond
	format := audio.Format{SampleRate: cfg.Audio.SampleRate, Channels: cfg.Audio.Channels, FrameDuration: frame}
	block := time.Duration(cfg.Audio.OutputBlockMS) * time.Millisecond

	var device *audio.Device
	if cfg.Audio.Input == "device" || cfg.Audio.Output == "device" {
		d, err := audio.NewDevice(format, cfg.TTS.SampleRate, cfg.TTS.Channels, log)
		if err != nil {
			return Engines{}, closeAll, err
		}
		device = d
		closers = append(closers, d.Close)
	}

	switch cfg.Audio.Input {
	case "device":
		engines.Source = device
	case "wav":
		engines.Source = audio.NewWAVSource(cfg.Audio.InputPath, format)
	default:
		return Engines{}, closeAll, fmt.Errorf("unknown audio input %q", cfg.Audio.Input)
	}

	switch cfg.Audio.Output {
	case "device":
		engines.Sink = device
	case "wav":
		sink, err := audio.NewWAVSink(cfg.Audio.OutputPath, cfg.TTS.SampleRate, cfg.TTS.Channels, block)
		if err != nil {
			return Engines{}, closeAll, err
		}
		engines.Sink = sink
		closers = append(closers, sink.Close)
	case "discard":
		engines.Sink = audio.NewDiscardSink(cfg.TTS.SampleRate, cfg.TTS.Channels, block)
	default:
		return Engines{}, closeAll, fmt.Errorf("unknown audio output %q", cfg.Audio.Output)
	}

	switch cfg.VAD.Mode {
	case "energy":
		calibration := 0
		if frame > 0 {
			calibration = int(time.Duration(cfg.VAD.CalibrationMS) * time.Millisecond / frame)
		}
		engines.Classifier = vad.NewEnergyClassifier(calibration, cfg.VAD.ThresholdFactor)
	case "threshold":
		engines.Classifier = vad.ThresholdClassifier{RMS: cfg.VAD.Threshold}
	default:
		return Engines{}, closeAll, fmt.Errorf("unknown vad mode %q", cfg.VAD.Mode)
	}

	switch cfg.STT.Mode {
	case "mock":
		engines.Recognizer = stt.NewMockRecognizer()
	case "exec":
		rec, err := stt.NewExecRecognizer(cfg.STT)
		if err != nil {
			return Engines{}, closeAll, err
		}
		engines.Recognizer = rec
	default:
		return Engines{}, closeAll, fmt.Errorf("unknown stt mode %q", cfg.STT.Mode)
	}

	switch cfg.LLM.Mode {
	case "mock":
		engines.Generator = llm.NewMockGenerator()
	case "ollama":
		engines.Generator = llm.NewOllamaGenerator(cfg.LLM.Endpoint, cfg.LLM.Model)
	case "exec":
		gen, err := llm.NewExecGenerator(cfg.LLM.Command)
		if err != nil {
			return Engines{}, closeAll, err
		}
		engines.Generator = gen
	default:
		return Engines{}, closeAll, fmt.Errorf("unknown llm mode %q", cfg.LLM.Mode)
	}

	switch cfg.TTS.Mode {
	case "mock":
		engines.Synthesizer = tts.NewMockSynth(cfg.TTS.SampleRate, cfg.TTS.Channels)
	case "exec":
		synth, err := tts.NewExecSynth(cfg.TTS.Command, cfg.TTS.SampleRate, cfg.TTS.Channels)
		if err != nil {
			return Engines{}, closeAll, err
		}
		engines.Synthesizer = synth
	case "piper":
		synth, err := tts.NewPiperSynth(cfg.TTS.Command)
		if err != nil {
			return Engines{}, closeAll, err
		}
		engines.Synthesizer = synth
	default:
		return Engines{}, closeAll, fmt.Errorf("unknown tts mode %q", cfg.TTS.Mode)
	}

	log.Info("engines selected",
		slog.String("input", cfg.Audio.Input),
		slog.String("output", cfg.Audio.Output),
		slog.String("vad", cfg.VAD.Mode),
		slog.String("stt", cfg.STT.Mode),
		slog.String("llm", cfg.LLM.Mode),
		slog.String("tts", cfg.TTS.Mode))
	return engines, closeAll, nil
}
