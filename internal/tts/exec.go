package tts

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"os/exec"
	"sync"

	"github.com/mattn/go-shellwords"
)

// execSynth runs a command that reads a JSON request on stdin and writes
// one {"pcm_base64": "...", "final": bool} object per line.
type execSynth struct {
	cmd        []string
	sampleRate int
	channels   int
	mu         sync.Mutex
}

type execRequest struct {
	Text        string  `json:"text"`
	Voice       string  `json:"voice"`
	Speaker     int     `json:"speaker,omitempty"`
	LengthScale float64 `json:"length_scale,omitempty"`
	NoiseScale  float64 `json:"noise_scale,omitempty"`
	SampleRate  int     `json:"sample_rate"`
	Channels    int     `json:"channels"`
}

type execResponse struct {
	PCMBase64 string `json:"pcm_base64"`
	Final     bool   `json:"final"`
}

func NewExecSynth(command string, sampleRate, channels int) (Synthesizer, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse tts command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("tts command empty")
	}
	return &execSynth{cmd: args, sampleRate: sampleRate, channels: channels}, nil
}

func (e *execSynth) Synthesize(ctx context.Context, req SynthRequest) (<-chan SynthChunk, <-chan error) {
	schunks := make(chan SynthChunk)
	errs := make(chan error, 1)
	go func() {
		defer close(schunks)
		defer close(errs)
		if err := e.run(ctx, req, schunks); err != nil {
			errs <- err
		}
	}()
	return schunks, errs
}

func (e *execSynth) run(ctx context.Context, req SynthRequest, out chan<- SynthChunk) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	data, err := json.Marshal(execRequest{
		Text:        req.Text,
		Voice:       req.Voice.ID,
		Speaker:     req.Voice.Speaker,
		LengthScale: req.Voice.LengthScale,
		NoiseScale:  req.Voice.NoiseScale,
		SampleRate:  e.sampleRate,
		Channels:    e.channels,
	})
	if err != nil {
		return err
	}

	cmd := exec.CommandContext(ctx, e.cmd[0], e.cmd[1:]...)
	cmd.Stdin = bytes.NewReader(data)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start tts command: %w", err)
	}

	streamErr := e.stream(ctx, stdout, out)
	if streamErr != nil {
		_ = cmd.Process.Kill()
	}
	_, _ = io.Copy(io.Discard, stdout)
	waitErr := cmd.Wait()
	if streamErr != nil {
		return streamErr
	}
	if waitErr != nil {
		return fmt.Errorf("tts command failed: %w: %s", waitErr, stderr.String())
	}
	return nil
}

func (e *execSynth) stream(ctx context.Context, r io.Reader, out chan<- SynthChunk) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
	sequence := 0
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var resp execResponse
		if err := json.Unmarshal(line, &resp); err != nil {
			return fmt.Errorf("decode tts response: %w", err)
		}
		pcm, err := base64.StdEncoding.DecodeString(resp.PCMBase64)
		if err != nil {
			return fmt.Errorf("decode tts pcm: %w", err)
		}
		select {
		case out <- SynthChunk{
			Sequence:   sequence,
			SampleRate: e.sampleRate,
			Channels:   e.channels,
			PCM:        pcm,
			Final:      resp.Final,
		}:
		case <-ctx.Done():
			return ctx.Err()
		}
		sequence++
	}
	return scanner.Err()
}
