package audio

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"time"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// WAVSource replays a 16-bit WAV file in real time as if it came from a
// microphone, then keeps emitting silence until ctx is done so trailing
// speech is closed off by the monitor.
type WAVSource struct {
	path   string
	format Format
}

func NewWAVSource(path string, format Format) *WAVSource {
	return &WAVSource{path: path, format: format}
}

func (s *WAVSource) Run(ctx context.Context, onAudio func(pcm []byte)) error {
	pcm, rate, channels, err := ReadWAV(s.path)
	if err != nil {
		return err
	}
	if rate != s.format.SampleRate || channels != s.format.Channels {
		return fmt.Errorf("wav %s is %d Hz/%d ch, capture expects %d Hz/%d ch",
			s.path, rate, channels, s.format.SampleRate, s.format.Channels)
	}

	frameBytes := s.format.FrameBytes()
	silence := make([]byte, frameBytes)
	ticker := time.NewTicker(s.format.FrameDuration)
	defer ticker.Stop()

	for offset := 0; ; offset += frameBytes {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		if offset+frameBytes <= len(pcm) {
			onAudio(pcm[offset : offset+frameBytes])
			continue
		}
		onAudio(silence)
	}
}

// ReadWAV decodes a 16-bit PCM WAV file into little-endian bytes.
func ReadWAV(path string) ([]byte, int, int, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, 0, fmt.Errorf("open wav: %w", err)
	}
	defer f.Close()
	return DecodeWAV(f)
}

// DecodeWAV decodes 16-bit PCM WAV data.
func DecodeWAV(r io.ReadSeeker) ([]byte, int, int, error) {
	dec := wav.NewDecoder(r)
	if !dec.IsValidFile() {
		return nil, 0, 0, fmt.Errorf("invalid wav data")
	}
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, 0, 0, fmt.Errorf("decode wav: %w", err)
	}
	if dec.BitDepth != 16 {
		return nil, 0, 0, fmt.Errorf("unsupported wav bit depth %d", dec.BitDepth)
	}
	out := make([]byte, len(buf.Data)*2)
	for i, v := range buf.Data {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(int16(v)))
	}
	return out, buf.Format.SampleRate, buf.Format.NumChannels, nil
}

// WriteWAV encodes 16-bit little-endian PCM as a WAV stream.
func WriteWAV(w io.WriteSeeker, pcm []byte, sampleRate, channels int) error {
	if len(pcm)%2 != 0 {
		return fmt.Errorf("pcm payload not aligned")
	}
	enc := wav.NewEncoder(w, sampleRate, 16, channels, 1)
	if err := enc.Write(intBuffer(pcm, sampleRate, channels)); err != nil {
		return fmt.Errorf("write wav: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("close wav encoder: %w", err)
	}
	return nil
}

func intBuffer(pcm []byte, sampleRate, channels int) *goaudio.IntBuffer {
	samples := make([]int, len(pcm)/2)
	for i := range samples {
		samples[i] = int(int16(binary.LittleEndian.Uint16(pcm[i*2:])))
	}
	return &goaudio.IntBuffer{
		Format:         &goaudio.Format{NumChannels: channels, SampleRate: sampleRate},
		Data:           samples,
		SourceBitDepth: 16,
	}
}

// wavWriter streams played blocks into a WAV file.
type wavWriter struct {
	file       *os.File
	enc        *wav.Encoder
	sampleRate int
	channels   int
}

func newWAVWriter(path string, sampleRate, channels int) (*wavWriter, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create wav output: %w", err)
	}
	return &wavWriter{
		file:       f,
		enc:        wav.NewEncoder(f, sampleRate, 16, channels, 1),
		sampleRate: sampleRate,
		channels:   channels,
	}, nil
}

func (w *wavWriter) WriteBlock(pcm []byte) error {
	return w.enc.Write(intBuffer(pcm, w.sampleRate, w.channels))
}

func (w *wavWriter) Close() error {
	if err := w.enc.Close(); err != nil {
		w.file.Close()
		return err
	}
	return w.file.Close()
}
