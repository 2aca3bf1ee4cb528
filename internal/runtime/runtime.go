package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-voice/internal/bus"
	"github.com/loqalabs/loqa-voice/internal/config"
	"github.com/loqalabs/loqa-voice/internal/eventstore"
	"github.com/loqalabs/loqa-voice/internal/natsserver"
	"github.com/loqalabs/loqa-voice/internal/pipeline"
	"github.com/loqalabs/loqa-voice/internal/turn"
	"golang.org/x/sync/errgroup"
)

// Runtime hosts one voice pipeline together with its health endpoints,
// the session recorder and the optional NATS event mirror.
type Runtime struct {
	cfg        config.Config
	logger     *slog.Logger
	httpServer *http.Server
	pipeline   atomic.Pointer[pipeline.Pipeline]
	bus        *bus.Client
	ready      atomic.Bool
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
	}
}

// Start runs until ctx is cancelled or the pipeline fails.
func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	tel, err := setupTelemetry(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancelShutdown()
		if err := tel.Shutdown(shutdownCtx); err != nil {
			r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
		}
	}()

	store, err := eventstore.Open(ctx, r.cfg.EventStore, r.logger)
	if err != nil {
		return fmt.Errorf("failed to open event store: %w", err)
	}
	defer store.Close()

	recorder, err := eventstore.NewRecorder(ctx, store, r.cfg.RuntimeName, r.cfg.EventStore.QueueSize, r.logger)
	if err != nil {
		return fmt.Errorf("failed to start session: %w", err)
	}
	observers := []turn.Observer{recorder}

	var publisher *bus.Publisher
	if r.cfg.Bus.Enabled {
		busCfg := r.cfg.Bus
		embedded, err := natsserver.Start(busCfg, r.logger)
		if err != nil {
			return fmt.Errorf("failed to start embedded nats: %w", err)
		}
		if embedded != nil {
			defer embedded.Shutdown()
			busCfg.Servers = []string{embedded.ClientURL()}
		}
		client, err := bus.Connect(ctx, busCfg, r.logger)
		if err != nil {
			return fmt.Errorf("failed to connect to bus: %w", err)
		}
		defer client.Close()
		r.bus = client
		publisher = bus.NewPublisher(client, busCfg.SubjectPrefix, r.cfg.Pipeline.EventQueue)
		observers = append(observers, publisher)
	}

	engines, closeEngines, err := pipeline.EnginesFromConfig(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to set up engines: %w", err)
	}
	defer func() {
		if err := closeEngines(); err != nil {
			r.logger.Warn("failed to release engines", slog.String("error", err.Error()))
		}
	}()

	p, err := pipeline.New(r.cfg, engines, observers, r.logger)
	if err != nil {
		return err
	}
	r.pipeline.Store(p)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return recorder.Run(gctx) })
	if publisher != nil {
		g.Go(func() error { return publisher.Run(gctx) })
	}
	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return nil
			case err := <-p.Errors():
				r.logger.Warn("turn aborted", slog.String("error", err.Error()))
			}
		}
	})
	g.Go(func() error {
		err := p.Run(gctx)
		r.ready.Store(false)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})

	if r.cfg.HTTP.Enabled {
		mux := http.NewServeMux()
		mux.HandleFunc("/healthz", r.handleHealth)
		mux.HandleFunc("/readyz", r.handleReady)
		mux.HandleFunc("/turn", r.handleTurn)
		if tel.metrics != nil {
			mux.Handle("/metrics", tel.metrics)
		}
		addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
		r.httpServer = &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			if err := r.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("http server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancelShutdown()
			return r.httpServer.Shutdown(shutdownCtx)
		})
		r.logger.Info("http listening", slog.String("addr", addr))
	}

	r.ready.Store(true)
	r.logger.Info("runtime started", slog.String("session_id", recorder.SessionID()))

	err = g.Wait()
	r.ready.Store(false)
	r.logger.Info("runtime stopping",
		slog.Uint64("recorder_dropped", recorder.Dropped()),
	)
	return err
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// Ready reports whether the pipeline is running and, when the event mirror
// is enabled, its NATS connection is up.
func (r *Runtime) Ready() bool {
	if !r.ready.Load() {
		return false
	}
	return r.bus == nil || r.bus.Healthy()
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if r.Ready() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}

type turnStatus struct {
	State      string `json:"state"`
	Epoch      uint64 `json:"epoch"`
	TurnID     uint64 `json:"turn_id,omitempty"`
	Transcript string `json:"transcript,omitempty"`
	Dispatched int    `json:"sentences_dispatched,omitempty"`
	Played     int    `json:"sentences_played,omitempty"`
}

func (r *Runtime) handleTurn(w http.ResponseWriter, _ *http.Request) {
	p := r.pipeline.Load()
	if p == nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	c := p.Coordinator()
	status := turnStatus{State: c.State().String(), Epoch: c.Epoch().Current()}
	if snap, ok := c.ActiveTurn(); ok {
		status.TurnID = snap.ID
		status.Transcript = snap.Transcript
		status.Dispatched = snap.Dispatched
		status.Played = snap.Played
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(status)
}
