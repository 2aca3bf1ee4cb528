package eventstore

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/loqalabs/loqa-voice/internal/config"
	"github.com/loqalabs/loqa-voice/internal/protocol"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func openTemp(t *testing.T, cfg config.EventStoreConfig) *Store {
	t.Helper()
	cfg.Path = filepath.Join(t.TempDir(), "events.db")
	es, err := Open(context.Background(), cfg, newLogger())
	if err != nil {
		t.Fatalf("open event store: %v", err)
	}
	t.Cleanup(func() { _ = es.Close() })
	return es
}

func TestOpenEphemeral(t *testing.T) {
	ctx := context.Background()
	es, err := Open(ctx, config.EventStoreConfig{RetentionMode: "ephemeral"}, newLogger())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	t.Cleanup(func() { _ = es.Close() })
	if es.Enabled() {
		t.Fatal("ephemeral store must not persist")
	}
	if err := es.AppendEvent(ctx, Event{SessionID: "x", Type: "turn_started"}); err != nil {
		t.Fatalf("ephemeral append: %v", err)
	}
}

func TestAppendAndQuery(t *testing.T) {
	es := openTemp(t, config.EventStoreConfig{RetentionMode: "session"})
	ctx := context.Background()

	if err := es.StartSession(ctx, "session-123", "loqa-voice"); err != nil {
		t.Fatalf("start session: %v", err)
	}
	for _, evt := range []Event{
		{SessionID: "session-123", Type: "turn_started", TurnID: 1},
		{SessionID: "session-123", Type: "transcript", TurnID: 1, Text: "hello"},
		{SessionID: "session-123", Type: "barge_in", TurnID: 1, Epoch: 0, Text: "Hi."},
		{SessionID: "session-123", Type: "turn_started", TurnID: 2, Epoch: 1},
	} {
		if err := es.AppendEvent(ctx, evt); err != nil {
			t.Fatalf("append event: %v", err)
		}
	}

	events, err := es.ListSessionEvents(ctx, "session-123", 10)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 4 {
		t.Fatalf("expected 4 events, got %d", len(events))
	}
	if events[1].Text != "hello" || events[3].Epoch != 1 || events[3].TurnID != 2 {
		t.Fatalf("unexpected events %+v", events)
	}

	sessions, err := es.ListSessions(ctx, 5)
	if err != nil {
		t.Fatalf("list sessions: %v", err)
	}
	if len(sessions) != 1 || sessions[0].Turns != 2 || sessions[0].Runtime != "loqa-voice" {
		t.Fatalf("unexpected sessions %+v", sessions)
	}
	if !sessions[0].EndedAt.IsZero() {
		t.Fatal("session should still be open")
	}
	if err := es.EndSession(ctx, "session-123"); err != nil {
		t.Fatalf("end session: %v", err)
	}
	sessions, _ = es.ListSessions(ctx, 5)
	if sessions[0].EndedAt.IsZero() {
		t.Fatal("session end not recorded")
	}
}

func TestPruneByDaysAndSessions(t *testing.T) {
	es := openTemp(t, config.EventStoreConfig{RetentionMode: "persistent", RetentionDays: 1, MaxSessions: 1})
	ctx := context.Background()

	es.clock = func() time.Time { return time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC) }
	if err := es.StartSession(ctx, "old-session", "loqa-voice"); err != nil {
		t.Fatalf("start session: %v", err)
	}
	if err := es.AppendEvent(ctx, Event{SessionID: "old-session", Type: "turn_started", TurnID: 1}); err != nil {
		t.Fatalf("append event: %v", err)
	}

	es.clock = func() time.Time { return time.Date(2025, 1, 3, 0, 0, 0, 0, time.UTC) }
	if err := es.StartSession(ctx, "new-session", "loqa-voice"); err != nil {
		t.Fatalf("start session: %v", err)
	}
	if err := es.Prune(ctx); err != nil {
		t.Fatalf("prune: %v", err)
	}

	events, err := es.ListSessionEvents(ctx, "old-session", 10)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 0 {
		t.Fatalf("expected old session pruned")
	}
	sessions, _ := es.ListSessions(ctx, 10)
	if len(sessions) != 1 || sessions[0].ID != "new-session" {
		t.Fatalf("unexpected sessions after prune %+v", sessions)
	}
}

func TestRecorderPersistsTimeline(t *testing.T) {
	es := openTemp(t, config.EventStoreConfig{RetentionMode: "session"})
	ctx, cancel := context.WithCancel(context.Background())
	rec, err := NewRecorder(ctx, es, "loqa-voice", 8, newLogger())
	if err != nil {
		t.Fatalf("new recorder: %v", err)
	}
	done := make(chan error, 1)
	go func() { done <- rec.Run(ctx) }()

	rec.Observe(protocol.Event{Type: protocol.EventTurnStarted, Tag: protocol.Tag{TurnID: 1}, Timestamp: time.Now()})
	rec.Observe(protocol.Event{Type: protocol.EventEngineError, Tag: protocol.Tag{TurnID: 1}, Stage: protocol.StageGenerate, Error: "boom"})
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("recorder run: %v", err)
	}

	events, err := es.ListSessionEvents(context.Background(), rec.SessionID(), 10)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 2 || events[1].Stage != "generate" || events[1].Error != "boom" {
		t.Fatalf("unexpected recorded events %+v", events)
	}
	sessions, _ := es.ListSessions(context.Background(), 1)
	if len(sessions) != 1 || sessions[0].EndedAt.IsZero() {
		t.Fatalf("recorder must close its session, got %+v", sessions)
	}
}

func TestRecorderDropsWhenFull(t *testing.T) {
	es := openTemp(t, config.EventStoreConfig{RetentionMode: "session"})
	rec, err := NewRecorder(context.Background(), es, "loqa-voice", 1, newLogger())
	if err != nil {
		t.Fatalf("new recorder: %v", err)
	}
	rec.Observe(protocol.Event{Type: protocol.EventTurnStarted})
	rec.Observe(protocol.Event{Type: protocol.EventTurnStarted})
	if rec.Dropped() != 1 {
		t.Fatalf("expected one dropped event, got %d", rec.Dropped())
	}
}
