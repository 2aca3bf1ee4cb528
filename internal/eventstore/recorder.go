package eventstore

import (
	"context"
	"log/slog"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-voice/internal/protocol"
)

// Recorder persists coordinator timeline events for one session. Observe
// never blocks; when the write queue is full the event is dropped and
// counted.
type Recorder struct {
	store     *Store
	sessionID string
	queue     chan protocol.Event
	dropped   atomic.Uint64
	log       *slog.Logger
}

// NewRecorder starts a session with a fresh id.
func NewRecorder(ctx context.Context, store *Store, runtime string, queueSize int, log *slog.Logger) (*Recorder, error) {
	if queueSize <= 0 {
		queueSize = 256
	}
	r := &Recorder{
		store:     store,
		sessionID: uuid.NewString(),
		queue:     make(chan protocol.Event, queueSize),
		log:       log.With(slog.String("component", "eventstore-recorder")),
	}
	if err := store.StartSession(ctx, r.sessionID, runtime); err != nil {
		return nil, err
	}
	r.log.Info("session started", slog.String("session_id", r.sessionID))
	return r, nil
}

// SessionID identifies the recorded session.
func (r *Recorder) SessionID() string {
	return r.sessionID
}

// Dropped is the number of events lost to a full queue.
func (r *Recorder) Dropped() uint64 {
	return r.dropped.Load()
}

func (r *Recorder) Observe(evt protocol.Event) {
	select {
	case r.queue <- evt:
	default:
		r.dropped.Add(1)
	}
}

// Run writes queued events until ctx is done, then drains what is left and
// closes the session.
func (r *Recorder) Run(ctx context.Context) error {
	for {
		select {
		case evt := <-r.queue:
			r.write(ctx, evt)
		case <-ctx.Done():
			flush := context.WithoutCancel(ctx)
			for {
				select {
				case evt := <-r.queue:
					r.write(flush, evt)
				default:
					if err := r.store.EndSession(flush, r.sessionID); err != nil {
						r.log.Warn("failed to close session", slog.String("error", err.Error()))
					}
					return nil
				}
			}
		}
	}
}

func (r *Recorder) write(ctx context.Context, evt protocol.Event) {
	err := r.store.AppendEvent(ctx, Event{
		SessionID: r.sessionID,
		Type:      string(evt.Type),
		TurnID:    evt.Tag.TurnID,
		Epoch:     evt.Tag.Epoch,
		Seq:       evt.Tag.Seq,
		State:     evt.State,
		Stage:     string(evt.Stage),
		Text:      evt.Text,
		Error:     evt.Error,
		CreatedAt: evt.Timestamp,
	})
	if err != nil {
		r.log.Warn("failed to record event", slog.String("type", string(evt.Type)), slog.String("error", err.Error()))
	}
}
