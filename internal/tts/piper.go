package tts

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"

	"github.com/loqalabs/loqa-voice/internal/audio"
	"github.com/mattn/go-shellwords"
)

// piperSynth drives the piper CLI: text on stdin, a WAV file out.
type piperSynth struct {
	cmd []string
}

func NewPiperSynth(command string) (Synthesizer, error) {
	if strings.TrimSpace(command) == "" {
		command = "piper"
	}
	args, err := shellwords.NewParser().Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse piper command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("piper command empty")
	}
	return &piperSynth{cmd: args}, nil
}

func (p *piperSynth) args(voice Voice, output string) []string {
	args := append([]string{}, p.cmd[1:]...)
	if voice.ID != "" {
		args = append(args, "--model", voice.ID)
	}
	args = append(args, "--output_file", output)
	if voice.Speaker > 0 {
		args = append(args, "--speaker", strconv.Itoa(voice.Speaker))
	}
	if voice.LengthScale > 0 {
		args = append(args, "--length_scale", strconv.FormatFloat(voice.LengthScale, 'f', -1, 64))
	}
	if voice.NoiseScale > 0 {
		args = append(args, "--noise_scale", strconv.FormatFloat(voice.NoiseScale, 'f', -1, 64))
	}
	return args
}

func (p *piperSynth) Synthesize(ctx context.Context, req SynthRequest) (<-chan SynthChunk, <-chan error) {
	chunks := make(chan SynthChunk, 1)
	errs := make(chan error, 1)
	go func() {
		defer close(chunks)
		defer close(errs)
		chunk, err := p.render(ctx, req)
		if err != nil {
			errs <- err
			return
		}
		chunks <- chunk
	}()
	return chunks, errs
}

func (p *piperSynth) render(ctx context.Context, req SynthRequest) (SynthChunk, error) {
	file, err := os.CreateTemp("", "loqa_tts_*.wav")
	if err != nil {
		return SynthChunk{}, fmt.Errorf("temp file: %w", err)
	}
	output := file.Name()
	file.Close()
	defer os.Remove(output)

	cmd := exec.CommandContext(ctx, p.cmd[0], p.args(req.Voice, output)...)
	cmd.Stdin = strings.NewReader(req.Text + "\n")
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return SynthChunk{}, fmt.Errorf("piper failed: %w: %s", err, strings.TrimSpace(stderr.String()))
	}

	pcm, rate, channels, err := audio.ReadWAV(output)
	if err != nil {
		return SynthChunk{}, fmt.Errorf("read piper output: %w", err)
	}
	return SynthChunk{SampleRate: rate, Channels: channels, PCM: pcm, Final: true}, nil
}
