package bus

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync/atomic"

	"github.com/loqalabs/loqa-voice/internal/protocol"
)

// Publisher mirrors coordinator timeline events onto NATS subjects of the
// form <prefix>.turn.<type>. It is an observer only; nothing on the bus
// feeds back into the pipeline.
type Publisher struct {
	client  *Client
	prefix  string
	queue   chan protocol.Event
	dropped atomic.Uint64
	log     *slog.Logger
}

func NewPublisher(client *Client, prefix string, queueSize int) *Publisher {
	if queueSize <= 0 {
		queueSize = 256
	}
	return &Publisher{
		client: client,
		prefix: prefix,
		queue:  make(chan protocol.Event, queueSize),
		log:    client.log.With(slog.String("component", "bus-publisher")),
	}
}

func (p *Publisher) Observe(evt protocol.Event) {
	select {
	case p.queue <- evt:
	default:
		p.dropped.Add(1)
	}
}

// Dropped is the number of events lost to a full queue.
func (p *Publisher) Dropped() uint64 {
	return p.dropped.Load()
}

// Run publishes queued events until ctx is done and flushes on exit.
func (p *Publisher) Run(ctx context.Context) error {
	defer func() {
		if err := p.client.conn.Flush(); err != nil {
			p.log.Debug("flush on shutdown failed", slog.String("error", err.Error()))
		}
	}()
	for {
		select {
		case <-ctx.Done():
			return nil
		case evt := <-p.queue:
			p.publish(evt)
		}
	}
}

func (p *Publisher) publish(evt protocol.Event) {
	data, err := json.Marshal(evt)
	if err != nil {
		p.log.Warn("failed to marshal event", slog.String("error", err.Error()))
		return
	}
	if err := p.client.conn.Publish(protocol.Subject(p.prefix, evt.Type), data); err != nil {
		p.log.Warn("failed to publish event", slog.String("type", string(evt.Type)), slog.String("error", err.Error()))
	}
}
