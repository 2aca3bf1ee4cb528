package protocol

import (
	"encoding/binary"
	"time"
)

// Tag identifies an artifact's place in the conversation. Every artifact
// produced after the coordinator carries one.
type Tag struct {
	TurnID uint64 `json:"turn_id"`
	Epoch  uint64 `json:"epoch"`
	Seq    uint64 `json:"seq"`
}

// WithSeq returns a copy of the tag with a different sequence number.
func (t Tag) WithSeq(seq uint64) Tag {
	t.Seq = seq
	return t
}

// AudioFrame is a fixed-size block of 16-bit little-endian PCM from capture.
type AudioFrame struct {
	Seq        uint64    `json:"seq"`
	Epoch      uint64    `json:"epoch"`
	Timestamp  time.Time `json:"timestamp"`
	SampleRate int       `json:"sample_rate"`
	Channels   int       `json:"channels"`
	PCM        []byte    `json:"pcm"`
}

// Samples decodes the frame into signed 16-bit samples.
func (f AudioFrame) Samples() []int16 {
	out := make([]int16, len(f.PCM)/2)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(f.PCM[i*2:]))
	}
	return out
}

// Duration reports how much audio the frame holds.
func (f AudioFrame) Duration() time.Duration {
	return PCMDuration(len(f.PCM), f.SampleRate, f.Channels)
}

type VadKind string

const (
	SpeechStart VadKind = "speech_start"
	SpeechEnd   VadKind = "speech_end"
)

// VadEvent is emitted by the voice activity monitor.
type VadEvent struct {
	Kind      VadKind   `json:"kind"`
	Timestamp time.Time `json:"timestamp"`
	Epoch     uint64    `json:"epoch"`
}

// Transcript is the recognizer output for one utterance.
type Transcript struct {
	Tag        Tag     `json:"tag"`
	Text       string  `json:"text"`
	Partial    bool    `json:"partial"`
	Confidence float64 `json:"confidence,omitempty"`
}

// TokenChunk is one streamed generation fragment. Final marks the end of
// the stream and carries no text.
type TokenChunk struct {
	Tag   Tag    `json:"tag"`
	Text  string `json:"text"`
	Final bool   `json:"final"`
}

// Sentence is a segment of the response ready for synthesis. Final marks the
// last segment of a turn; a final sentence may have empty text.
type Sentence struct {
	Tag   Tag    `json:"tag"`
	Text  string `json:"text"`
	Final bool   `json:"final"`
}

// AudioChunk is the synthesized waveform of one sentence.
type AudioChunk struct {
	Tag        Tag           `json:"tag"`
	SampleRate int           `json:"sample_rate"`
	Channels   int           `json:"channels"`
	PCM        []byte        `json:"-"`
	Duration   time.Duration `json:"duration"`
}

// Stage names the engine an error came from.
type Stage string

const (
	StageClassify   Stage = "classify"
	StageTranscribe Stage = "transcribe"
	StageGenerate   Stage = "generate"
	StageSynthesize Stage = "synthesize"
	StagePlayback   Stage = "playback"
)

// PCMDuration converts a 16-bit PCM byte length into a duration.
func PCMDuration(n, sampleRate, channels int) time.Duration {
	if sampleRate <= 0 || channels <= 0 {
		return 0
	}
	samples := n / 2 / channels
	return time.Duration(samples) * time.Second / time.Duration(sampleRate)
}
