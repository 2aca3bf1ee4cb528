package runtime

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/loqalabs/loqa-voice/internal/audio"
	"github.com/loqalabs/loqa-voice/internal/config"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func writeSilence(t *testing.T, path string, cfg config.AudioConfig) {
	t.Helper()
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create wav: %v", err)
	}
	defer f.Close()
	pcm := make([]byte, cfg.SampleRate*cfg.Channels) // half a second
	if err := audio.WriteWAV(f, pcm, cfg.SampleRate, cfg.Channels); err != nil {
		t.Fatalf("write wav: %v", err)
	}
}

func testConfig(t *testing.T) config.Config {
	cfg := config.Default()
	dir := t.TempDir()
	cfg.HTTP.Enabled = false
	cfg.Audio.Input = "wav"
	cfg.Audio.InputPath = filepath.Join(dir, "in.wav")
	cfg.Audio.Output = "discard"
	cfg.EventStore.Path = filepath.Join(dir, "events.db")
	cfg.Bus.Enabled = true
	cfg.Bus.Embedded = true
	cfg.Bus.Port = -1
	writeSilence(t, cfg.Audio.InputPath, cfg.Audio)
	return cfg
}

func TestReadyBeforeStart(t *testing.T) {
	rt := New(config.Default(), newLogger())
	rec := httptest.NewRecorder()
	rt.handleReady(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 before start, got %d", rec.Code)
	}
	rec = httptest.NewRecorder()
	rt.handleTurn(rec, httptest.NewRequest(http.MethodGet, "/turn", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 without a pipeline, got %d", rec.Code)
	}
}

func TestStartServesUntilCancelled(t *testing.T) {
	rt := New(testConfig(t), newLogger())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- rt.Start(ctx) }()

	deadline := time.Now().Add(5 * time.Second)
	for !rt.ready.Load() {
		if time.Now().After(deadline) {
			cancel()
			t.Fatal("runtime never became ready")
		}
		time.Sleep(10 * time.Millisecond)
	}

	rec := httptest.NewRecorder()
	rt.handleReady(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected ready with the embedded bus up, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	rt.handleTurn(rec, httptest.NewRequest(http.MethodGet, "/turn", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected turn status, got %d", rec.Code)
	}
	var status turnStatus
	if err := json.NewDecoder(rec.Body).Decode(&status); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if status.State != "idle" || status.Epoch != 0 {
		t.Fatalf("unexpected status %+v", status)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("runtime returned error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("runtime did not stop")
	}
	if rt.ready.Load() {
		t.Fatal("runtime must report not ready after stop")
	}
}
