package main

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/loqalabs/loqa-voice/internal/config"
	"github.com/loqalabs/loqa-voice/internal/eventstore"
)

func seededStore(t *testing.T) *eventstore.Store {
	t.Helper()
	cfg := config.EventStoreConfig{RetentionMode: "session", Path: filepath.Join(t.TempDir(), "events.db")}
	es, err := eventstore.Open(context.Background(), cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = es.Close() })

	ctx := context.Background()
	if err := es.StartSession(ctx, "s1", "loqa-voice"); err != nil {
		t.Fatalf("start session: %v", err)
	}
	base := time.Now()
	for i, evt := range []eventstore.Event{
		{Type: "turn_started", TurnID: 1},
		{Type: "transcript", TurnID: 1, Text: "what time is it"},
		{Type: "engine_error", TurnID: 1, Stage: "synthesize", Error: "piper exited"},
	} {
		evt.SessionID = "s1"
		evt.CreatedAt = base.Add(time.Duration(i) * 100 * time.Millisecond)
		if err := es.AppendEvent(ctx, evt); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	return es
}

func TestPrintSessions(t *testing.T) {
	es := seededStore(t)
	var buf bytes.Buffer
	if err := printSessions(context.Background(), &buf, es, 10); err != nil {
		t.Fatalf("print sessions: %v", err)
	}
	out := buf.String()
	if !strings.Contains(out, "s1") || !strings.Contains(out, "running") {
		t.Fatalf("unexpected output:\n%s", out)
	}
}

func TestPrintEvents(t *testing.T) {
	es := seededStore(t)
	var buf bytes.Buffer
	if err := printEvents(context.Background(), &buf, es, "s1", 10); err != nil {
		t.Fatalf("print events: %v", err)
	}
	out := buf.String()
	for _, want := range []string{"turn_started", `"what time is it"`, "synthesize: piper exited", "+200ms"} {
		if !strings.Contains(out, want) {
			t.Fatalf("expected %q in output:\n%s", want, out)
		}
	}
	if err := printEvents(context.Background(), &buf, es, "missing", 10); err == nil {
		t.Fatal("expected error for unknown session")
	}
}
