package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type TelemetryConfig struct {
	LogLevel     string `yaml:"log_level"`
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	OTLPInsecure bool   `yaml:"otlp_insecure"`
	StdoutTraces bool   `yaml:"stdout_traces"`
}

type HTTPConfig struct {
	Enabled bool   `yaml:"enabled"`
	Bind    string `yaml:"bind"`
	Port    int    `yaml:"port"`
}

type Config struct {
	RuntimeName string           `yaml:"runtime_name"`
	Environment string           `yaml:"environment"`
	HTTP        HTTPConfig       `yaml:"http"`
	Telemetry   TelemetryConfig  `yaml:"telemetry"`
	Bus         BusConfig        `yaml:"bus"`
	EventStore  EventStoreConfig `yaml:"event_store"`
	Audio       AudioConfig      `yaml:"audio"`
	VAD         VADConfig        `yaml:"vad"`
	STT         STTConfig        `yaml:"stt"`
	LLM         LLMConfig        `yaml:"llm"`
	Segment     SegmentConfig    `yaml:"segment"`
	TTS         TTSConfig        `yaml:"tts"`
	Pipeline    PipelineConfig   `yaml:"pipeline"`
}

// BusConfig controls the optional NATS mirror of turn events.
type BusConfig struct {
	Enabled        bool     `yaml:"enabled"`
	Embedded       bool     `yaml:"embedded"`
	Port           int      `yaml:"port"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
	SubjectPrefix  string   `yaml:"subject_prefix"`
}

type EventStoreConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxSessions   int    `yaml:"max_sessions"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
	QueueSize     int    `yaml:"queue_size"`
}

type AudioConfig struct {
	SampleRate      int    `yaml:"sample_rate"`
	Channels        int    `yaml:"channels"`
	FrameDurationMS int    `yaml:"frame_duration_ms"`
	Input           string `yaml:"input"` // device, wav
	InputPath       string `yaml:"input_path"`
	Output          string `yaml:"output"` // device, wav, discard
	OutputPath      string `yaml:"output_path"`
	OutputBlockMS   int    `yaml:"output_block_ms"`
	CaptureQueue    int    `yaml:"capture_queue"`
	Backpressure    string `yaml:"backpressure"` // drop_oldest, block
}

// FrameBytes is the size of one capture frame in bytes.
func (a AudioConfig) FrameBytes() int {
	return a.SampleRate * a.Channels * 2 * a.FrameDurationMS / 1000
}

type VADConfig struct {
	Mode            string  `yaml:"mode"` // energy, threshold
	CalibrationMS   int     `yaml:"calibration_ms"`
	ThresholdFactor float64 `yaml:"threshold_factor"`
	Threshold       float64 `yaml:"threshold"`
	MinSpeechMS     int     `yaml:"min_speech_ms"`
	MinSilenceMS    int     `yaml:"min_silence_ms"`
}

type STTConfig struct {
	Mode      string `yaml:"mode"` // mock, exec
	Command   string `yaml:"command"`
	ModelPath string `yaml:"model_path"`
	Language  string `yaml:"language"`
	PreRollMS int    `yaml:"pre_roll_ms"`
	TimeoutMS int    `yaml:"timeout_ms"`
}

type LLMConfig struct {
	Mode         string   `yaml:"mode"` // mock, ollama, exec
	Endpoint     string   `yaml:"endpoint"`
	Command      string   `yaml:"command"`
	Model        string   `yaml:"model"`
	SystemPrompt string   `yaml:"system_prompt"`
	MaxTokens    int      `yaml:"max_tokens"`
	Temperature  float64  `yaml:"temperature"`
	Stop         []string `yaml:"stop"`
	TimeoutMS    int      `yaml:"timeout_ms"`
	HistoryTurns int      `yaml:"history_turns"`
}

type SegmentConfig struct {
	Terminals string `yaml:"terminals"`
}

type TTSConfig struct {
	Mode        string  `yaml:"mode"` // mock, exec, piper
	Command     string  `yaml:"command"`
	Voice       string  `yaml:"voice"`
	Speaker     int     `yaml:"speaker"`
	LengthScale float64 `yaml:"length_scale"`
	NoiseScale  float64 `yaml:"noise_scale"`
	Volume      float64 `yaml:"volume"`
	SampleRate  int     `yaml:"sample_rate"`
	Channels    int     `yaml:"channels"`
	Concurrency int     `yaml:"concurrency"`
	TimeoutMS   int     `yaml:"timeout_ms"`
}

type PipelineConfig struct {
	EventQueue      int `yaml:"event_queue"`
	TokenQueue      int `yaml:"token_queue"`
	ReorderCapacity int `yaml:"reorder_capacity"`
}

const DefaultSystemPrompt = "You are a kind, concise assistant in a voice conversation.\nRespond naturally and briefly."

func Default() Config {
	return Config{
		RuntimeName: "loqa-voice",
		Environment: "development",
		HTTP: HTTPConfig{
			Enabled: true,
			Bind:    "127.0.0.1",
			Port:    8080,
		},
		Telemetry: TelemetryConfig{
			LogLevel:     "info",
			OTLPInsecure: true,
		},
		Bus: BusConfig{
			Enabled:        false,
			Embedded:       true,
			Port:           4222,
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
			SubjectPrefix:  "loqa",
		},
		EventStore: EventStoreConfig{
			Path:          "./data/loqa-voice.db",
			RetentionMode: "session",
			RetentionDays: 30,
			MaxSessions:   1000,
			QueueSize:     256,
		},
		Audio: AudioConfig{
			SampleRate:      16000,
			Channels:        1,
			FrameDurationMS: 20,
			Input:           "device",
			Output:          "device",
			OutputBlockMS:   20,
			CaptureQueue:    50,
			Backpressure:    "drop_oldest",
		},
		VAD: VADConfig{
			Mode:            "energy",
			CalibrationMS:   800,
			ThresholdFactor: 2.0,
			Threshold:       0.02,
			MinSpeechMS:     200,
			MinSilenceMS:    300,
		},
		STT: STTConfig{
			Mode:      "mock",
			Language:  "en",
			PreRollMS: 200,
			TimeoutMS: 45000,
		},
		LLM: LLMConfig{
			Mode:         "mock",
			Endpoint:     "http://localhost:11434",
			Model:        "mistral:7b-instruct-q4_0",
			SystemPrompt: DefaultSystemPrompt,
			MaxTokens:    160,
			Temperature:  0.3,
			Stop:         []string{"User:"},
			TimeoutMS:    60000,
			HistoryTurns: 4,
		},
		Segment: SegmentConfig{
			Terminals: ".?!",
		},
		TTS: TTSConfig{
			Mode:        "mock",
			LengthScale: 1.0,
			NoiseScale:  0.667,
			Volume:      1.0,
			SampleRate:  22050,
			Channels:    1,
			Concurrency: 2,
			TimeoutMS:   45000,
		},
		Pipeline: PipelineConfig{
			EventQueue:      64,
			TokenQueue:      32,
			ReorderCapacity: 32,
		},
	}
}

// Load reads the YAML file at path (if any), applies LOQA_* environment
// overrides and validates the result. A .env file in the working directory
// is loaded into the environment first.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return cfg, fmt.Errorf("config file not found: %w", err)
			}
			return cfg, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	if err := loadDotEnv(".env"); err != nil {
		return cfg, err
	}
	applyEnvOverrides(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func loadDotEnv(path string) error {
	if _, err := os.Stat(path); err != nil {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("failed to load %s: %w", path, err)
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.RuntimeName, "LOQA_RUNTIME_NAME")
	overrideString(&cfg.Environment, "LOQA_RUNTIME_ENVIRONMENT")
	overrideBool(&cfg.HTTP.Enabled, "LOQA_HTTP_ENABLED")
	overrideString(&cfg.HTTP.Bind, "LOQA_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "LOQA_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "LOQA_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "LOQA_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "LOQA_TELEMETRY_OTLP_INSECURE")
	overrideBool(&cfg.Telemetry.StdoutTraces, "LOQA_TELEMETRY_STDOUT_TRACES")
	overrideBool(&cfg.Bus.Enabled, "LOQA_BUS_ENABLED")
	overrideBool(&cfg.Bus.Embedded, "LOQA_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "LOQA_BUS_PORT")
	overrideStringSlice(&cfg.Bus.Servers, "LOQA_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "LOQA_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "LOQA_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "LOQA_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "LOQA_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "LOQA_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.Bus.SubjectPrefix, "LOQA_BUS_SUBJECT_PREFIX")
	overrideString(&cfg.EventStore.Path, "LOQA_EVENT_STORE_PATH")
	overrideString(&cfg.EventStore.RetentionMode, "LOQA_EVENT_STORE_RETENTION_MODE")
	overrideInt(&cfg.EventStore.RetentionDays, "LOQA_EVENT_STORE_RETENTION_DAYS")
	overrideInt(&cfg.EventStore.MaxSessions, "LOQA_EVENT_STORE_MAX_SESSIONS")
	overrideBool(&cfg.EventStore.VacuumOnStart, "LOQA_EVENT_STORE_VACUUM_ON_START")
	overrideInt(&cfg.EventStore.QueueSize, "LOQA_EVENT_STORE_QUEUE_SIZE")
	overrideInt(&cfg.Audio.SampleRate, "LOQA_AUDIO_SAMPLE_RATE")
	overrideInt(&cfg.Audio.Channels, "LOQA_AUDIO_CHANNELS")
	overrideInt(&cfg.Audio.FrameDurationMS, "LOQA_AUDIO_FRAME_DURATION_MS")
	overrideString(&cfg.Audio.Input, "LOQA_AUDIO_INPUT")
	overrideString(&cfg.Audio.InputPath, "LOQA_AUDIO_INPUT_PATH")
	overrideString(&cfg.Audio.Output, "LOQA_AUDIO_OUTPUT")
	overrideString(&cfg.Audio.OutputPath, "LOQA_AUDIO_OUTPUT_PATH")
	overrideInt(&cfg.Audio.OutputBlockMS, "LOQA_AUDIO_OUTPUT_BLOCK_MS")
	overrideInt(&cfg.Audio.CaptureQueue, "LOQA_AUDIO_CAPTURE_QUEUE")
	overrideString(&cfg.Audio.Backpressure, "LOQA_AUDIO_BACKPRESSURE")
	overrideString(&cfg.VAD.Mode, "LOQA_VAD_MODE")
	overrideInt(&cfg.VAD.CalibrationMS, "LOQA_VAD_CALIBRATION_MS")
	overrideFloat(&cfg.VAD.ThresholdFactor, "LOQA_VAD_THRESHOLD_FACTOR")
	overrideFloat(&cfg.VAD.Threshold, "LOQA_VAD_THRESHOLD")
	overrideInt(&cfg.VAD.MinSpeechMS, "LOQA_VAD_MIN_SPEECH_MS")
	overrideInt(&cfg.VAD.MinSilenceMS, "LOQA_VAD_MIN_SILENCE_MS")
	overrideString(&cfg.STT.Mode, "LOQA_STT_MODE")
	overrideString(&cfg.STT.Command, "LOQA_STT_COMMAND")
	overrideString(&cfg.STT.ModelPath, "LOQA_STT_MODEL_PATH")
	overrideString(&cfg.STT.Language, "LOQA_STT_LANGUAGE")
	overrideInt(&cfg.STT.PreRollMS, "LOQA_STT_PRE_ROLL_MS")
	overrideInt(&cfg.STT.TimeoutMS, "LOQA_STT_TIMEOUT_MS")
	overrideString(&cfg.LLM.Mode, "LOQA_LLM_MODE")
	overrideString(&cfg.LLM.Endpoint, "LOQA_LLM_ENDPOINT")
	overrideString(&cfg.LLM.Command, "LOQA_LLM_COMMAND")
	overrideString(&cfg.LLM.Model, "LOQA_LLM_MODEL")
	overrideString(&cfg.LLM.SystemPrompt, "LOQA_LLM_SYSTEM_PROMPT")
	overrideInt(&cfg.LLM.MaxTokens, "LOQA_LLM_MAX_TOKENS")
	overrideFloat(&cfg.LLM.Temperature, "LOQA_LLM_TEMPERATURE")
	overrideStringSlice(&cfg.LLM.Stop, "LOQA_LLM_STOP")
	overrideInt(&cfg.LLM.TimeoutMS, "LOQA_LLM_TIMEOUT_MS")
	overrideInt(&cfg.LLM.HistoryTurns, "LOQA_LLM_HISTORY_TURNS")
	overrideString(&cfg.Segment.Terminals, "LOQA_SEGMENT_TERMINALS")
	overrideString(&cfg.TTS.Mode, "LOQA_TTS_MODE")
	overrideString(&cfg.TTS.Command, "LOQA_TTS_COMMAND")
	overrideString(&cfg.TTS.Voice, "LOQA_TTS_VOICE")
	overrideInt(&cfg.TTS.Speaker, "LOQA_TTS_SPEAKER")
	overrideFloat(&cfg.TTS.LengthScale, "LOQA_TTS_LENGTH_SCALE")
	overrideFloat(&cfg.TTS.NoiseScale, "LOQA_TTS_NOISE_SCALE")
	overrideFloat(&cfg.TTS.Volume, "LOQA_TTS_VOLUME")
	overrideInt(&cfg.TTS.SampleRate, "LOQA_TTS_SAMPLE_RATE")
	overrideInt(&cfg.TTS.Channels, "LOQA_TTS_CHANNELS")
	overrideInt(&cfg.TTS.Concurrency, "LOQA_TTS_CONCURRENCY")
	overrideInt(&cfg.TTS.TimeoutMS, "LOQA_TTS_TIMEOUT_MS")
	overrideInt(&cfg.Pipeline.EventQueue, "LOQA_PIPELINE_EVENT_QUEUE")
	overrideInt(&cfg.Pipeline.TokenQueue, "LOQA_PIPELINE_TOKEN_QUEUE")
	overrideInt(&cfg.Pipeline.ReorderCapacity, "LOQA_PIPELINE_REORDER_CAPACITY")
}

func overrideString(target *string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok && strings.TrimSpace(value) != "" {
		*target = value
	}
}

func overrideInt(target *int, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.Atoi(value); err == nil {
			*target = parsed
		}
	}
}

func overrideBool(target *bool, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseBool(value); err == nil {
			*target = parsed
		}
	}
}

func overrideStringSlice(target *[]string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		parts := strings.Split(value, ",")
		var trimmed []string
		for _, p := range parts {
			if s := strings.TrimSpace(p); s != "" {
				trimmed = append(trimmed, s)
			}
		}
		if len(trimmed) > 0 {
			*target = trimmed
		}
	}
}

func overrideFloat(target *float64, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			*target = parsed
		}
	}
}

func validate(cfg Config) error {
	if cfg.RuntimeName == "" {
		return errors.New("runtime_name must not be empty")
	}
	if cfg.HTTP.Enabled && (cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535) {
		return errors.New("http.port must be between 1 and 65535")
	}
	switch strings.ToLower(cfg.Telemetry.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		return errors.New("telemetry.log_level must be one of debug|info|warn|error")
	}
	if cfg.Bus.Enabled {
		if cfg.Bus.Embedded {
			if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
				return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
			}
		} else if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
	}
	switch cfg.EventStore.RetentionMode {
	case "ephemeral", "session", "persistent":
	default:
		return errors.New("event_store.retention_mode must be one of ephemeral|session|persistent")
	}
	if cfg.EventStore.RetentionMode != "ephemeral" && cfg.EventStore.Path == "" {
		return errors.New("event_store.path must not be empty")
	}
	if cfg.EventStore.RetentionDays < 0 {
		return errors.New("event_store.retention_days must be >= 0")
	}
	if cfg.EventStore.QueueSize <= 0 {
		return errors.New("event_store.queue_size must be positive")
	}
	if err := validateAudio(cfg.Audio); err != nil {
		return err
	}
	if err := validateVAD(cfg.VAD, cfg.Audio.FrameDurationMS); err != nil {
		return err
	}
	switch cfg.STT.Mode {
	case "mock":
	case "exec":
		if cfg.STT.Command == "" {
			return errors.New("stt.command must be set when mode=exec")
		}
	default:
		return errors.New("stt.mode must be one of mock|exec")
	}
	if cfg.STT.PreRollMS < 0 {
		return errors.New("stt.pre_roll_ms must be >= 0")
	}
	if cfg.STT.TimeoutMS <= 0 {
		return errors.New("stt.timeout_ms must be positive")
	}
	switch cfg.LLM.Mode {
	case "mock":
	case "ollama":
		if cfg.LLM.Endpoint == "" {
			return errors.New("llm.endpoint must be set when mode=ollama")
		}
	case "exec":
		if cfg.LLM.Command == "" {
			return errors.New("llm.command must be set when mode=exec")
		}
	default:
		return errors.New("llm.mode must be one of mock|ollama|exec")
	}
	if cfg.LLM.MaxTokens <= 0 {
		return errors.New("llm.max_tokens must be positive")
	}
	if cfg.LLM.Temperature < 0 {
		return errors.New("llm.temperature must be >= 0")
	}
	if cfg.LLM.TimeoutMS <= 0 {
		return errors.New("llm.timeout_ms must be positive")
	}
	if cfg.LLM.HistoryTurns < 0 {
		return errors.New("llm.history_turns must be >= 0")
	}
	if strings.TrimSpace(cfg.Segment.Terminals) == "" {
		return errors.New("segment.terminals must not be empty")
	}
	if err := validateTTS(cfg.TTS); err != nil {
		return err
	}
	if cfg.Pipeline.EventQueue <= 0 {
		return errors.New("pipeline.event_queue must be positive")
	}
	if cfg.Pipeline.TokenQueue <= 0 {
		return errors.New("pipeline.token_queue must be positive")
	}
	if cfg.Pipeline.ReorderCapacity <= 0 {
		return errors.New("pipeline.reorder_capacity must be positive")
	}
	return nil
}

func validateAudio(a AudioConfig) error {
	if a.SampleRate <= 0 {
		return errors.New("audio.sample_rate must be positive")
	}
	if a.Channels <= 0 {
		return errors.New("audio.channels must be positive")
	}
	if a.FrameDurationMS <= 0 {
		return errors.New("audio.frame_duration_ms must be positive")
	}
	if a.FrameBytes() == 0 {
		return errors.New("audio.frame_duration_ms is too short for the sample rate")
	}
	switch a.Input {
	case "device":
	case "wav":
		if a.InputPath == "" {
			return errors.New("audio.input_path must be set when input=wav")
		}
	default:
		return errors.New("audio.input must be one of device|wav")
	}
	switch a.Output {
	case "device", "discard":
	case "wav":
		if a.OutputPath == "" {
			return errors.New("audio.output_path must be set when output=wav")
		}
	default:
		return errors.New("audio.output must be one of device|wav|discard")
	}
	if a.OutputBlockMS <= 0 {
		return errors.New("audio.output_block_ms must be positive")
	}
	if a.CaptureQueue <= 0 {
		return errors.New("audio.capture_queue must be positive")
	}
	switch a.Backpressure {
	case "drop_oldest", "block":
	default:
		return errors.New("audio.backpressure must be one of drop_oldest|block")
	}
	return nil
}

func validateVAD(v VADConfig, frameMS int) error {
	switch v.Mode {
	case "energy":
		if v.CalibrationMS < 0 {
			return errors.New("vad.calibration_ms must be >= 0")
		}
		if v.ThresholdFactor <= 0 {
			return errors.New("vad.threshold_factor must be positive")
		}
	case "threshold":
		if v.Threshold <= 0 || v.Threshold >= 1 {
			return errors.New("vad.threshold must be between 0 and 1")
		}
	default:
		return errors.New("vad.mode must be one of energy|threshold")
	}
	if v.MinSpeechMS < frameMS {
		return errors.New("vad.min_speech_ms must cover at least one frame")
	}
	if v.MinSilenceMS < frameMS {
		return errors.New("vad.min_silence_ms must cover at least one frame")
	}
	return nil
}

func validateTTS(t TTSConfig) error {
	switch t.Mode {
	case "mock":
	case "exec":
		if t.Command == "" {
			return errors.New("tts.command must be set when mode=exec")
		}
	case "piper":
		if t.Voice == "" {
			return errors.New("tts.voice must point at a piper model when mode=piper")
		}
	default:
		return errors.New("tts.mode must be one of mock|exec|piper")
	}
	if t.SampleRate <= 0 {
		return errors.New("tts.sample_rate must be positive")
	}
	if t.Channels <= 0 {
		return errors.New("tts.channels must be positive")
	}
	if t.LengthScale <= 0 {
		return errors.New("tts.length_scale must be positive")
	}
	if t.Volume < 0 || t.Volume > 2 {
		return errors.New("tts.volume must be between 0 and 2")
	}
	if t.Concurrency <= 0 {
		return errors.New("tts.concurrency must be >= 1")
	}
	if t.TimeoutMS <= 0 {
		return errors.New("tts.timeout_ms must be positive")
	}
	return nil
}
