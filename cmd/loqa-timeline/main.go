package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"text/tabwriter"
	"time"

	"github.com/loqalabs/loqa-voice/internal/config"
	"github.com/loqalabs/loqa-voice/internal/eventstore"
)

var version = "0.1.0-dev"

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "expected 'sessions', 'events' or 'version'")
		os.Exit(2)
	}

	var (
		configPath string
		dbPath     string
		sessionID  string
		limit      int
	)
	sessionsCmd := flag.NewFlagSet("sessions", flag.ExitOnError)
	sessionsCmd.StringVar(&configPath, "config", "", "Path to configuration file (defaults when empty)")
	sessionsCmd.StringVar(&dbPath, "db", "", "Event store path (overrides config)")
	sessionsCmd.IntVar(&limit, "limit", 20, "Maximum sessions to list")

	eventsCmd := flag.NewFlagSet("events", flag.ExitOnError)
	eventsCmd.StringVar(&configPath, "config", "", "Path to configuration file (defaults when empty)")
	eventsCmd.StringVar(&dbPath, "db", "", "Event store path (overrides config)")
	eventsCmd.StringVar(&sessionID, "session", "", "Session id")
	eventsCmd.IntVar(&limit, "limit", 500, "Maximum events to print")

	var err error
	switch os.Args[1] {
	case "sessions":
		sessionsCmd.Parse(os.Args[2:])
		err = withStore(configPath, dbPath, func(ctx context.Context, es *eventstore.Store) error {
			return printSessions(ctx, os.Stdout, es, limit)
		})
	case "events":
		eventsCmd.Parse(os.Args[2:])
		if sessionID == "" {
			fmt.Fprintln(os.Stderr, "-session is required")
			os.Exit(2)
		}
		err = withStore(configPath, dbPath, func(ctx context.Context, es *eventstore.Store) error {
			return printEvents(ctx, os.Stdout, es, sessionID, limit)
		})
	case "version":
		fmt.Println(version)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", os.Args[1])
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func withStore(configPath, dbPath string, fn func(context.Context, *eventstore.Store) error) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if dbPath != "" {
		cfg.EventStore.Path = dbPath
	}
	if cfg.EventStore.RetentionMode == "ephemeral" {
		return errors.New("event store is ephemeral; nothing is recorded")
	}
	// Reading must not prune what the daemon is still writing.
	cfg.EventStore.RetentionDays = 0
	cfg.EventStore.MaxSessions = 0
	cfg.EventStore.VacuumOnStart = false

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	ctx := context.Background()
	es, err := eventstore.Open(ctx, cfg.EventStore, logger)
	if err != nil {
		return err
	}
	defer es.Close()
	return fn(ctx, es)
}

func printSessions(ctx context.Context, w io.Writer, es *eventstore.Store, limit int) error {
	sessions, err := es.ListSessions(ctx, limit)
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SESSION\tRUNTIME\tSTARTED\tDURATION\tTURNS")
	for _, s := range sessions {
		duration := "running"
		if !s.EndedAt.IsZero() {
			duration = s.EndedAt.Sub(s.CreatedAt).Round(time.Second).String()
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\n", s.ID, s.Runtime, s.CreatedAt.Local().Format(time.DateTime), duration, s.Turns)
	}
	return tw.Flush()
}

func printEvents(ctx context.Context, w io.Writer, es *eventstore.Store, sessionID string, limit int) error {
	events, err := es.ListSessionEvents(ctx, sessionID, limit)
	if err != nil {
		return err
	}
	if len(events) == 0 {
		return fmt.Errorf("no events for session %s", sessionID)
	}
	start := events[0].CreatedAt
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "OFFSET\tEVENT\tTURN\tEPOCH\tSEQ\tDETAIL")
	for _, e := range events {
		fmt.Fprintf(tw, "+%s\t%s\t%d\t%d\t%d\t%s\n",
			e.CreatedAt.Sub(start).Round(time.Millisecond), e.Type, e.TurnID, e.Epoch, e.Seq, detail(e))
	}
	return tw.Flush()
}

func detail(e eventstore.Event) string {
	switch {
	case e.Error != "":
		return fmt.Sprintf("%s: %s", e.Stage, e.Error)
	case e.State != "" && e.Text != "":
		return fmt.Sprintf("[%s] %q", e.State, e.Text)
	case e.State != "":
		return e.State
	case e.Text != "":
		return fmt.Sprintf("%q", e.Text)
	}
	return ""
}
