package audio

import (
	"context"
	"log/slog"
	"time"

	"github.com/loqalabs/loqa-voice/internal/epoch"
	"github.com/loqalabs/loqa-voice/internal/protocol"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

// Format describes capture PCM.
type Format struct {
	SampleRate    int
	Channels      int
	FrameDuration time.Duration
}

// FrameBytes is the byte length of one frame.
func (f Format) FrameBytes() int {
	return int(int64(f.SampleRate) * int64(f.Channels) * 2 * int64(f.FrameDuration) / int64(time.Second))
}

// Capture cuts device audio into fixed-size frames, stamps them and feeds
// a FrameQueue.
type Capture struct {
	source Source
	queue  *FrameQueue
	epoch  epoch.Reader
	format Format
	log    *slog.Logger
	clock  func() time.Time

	pending []byte
	seq     uint64
	ctx     context.Context

	droppedCounter metric.Int64Counter
}

func NewCapture(source Source, queue *FrameQueue, ep epoch.Reader, format Format, log *slog.Logger) *Capture {
	c := &Capture{
		source: source,
		queue:  queue,
		epoch:  ep,
		format: format,
		log:    log.With(slog.String("component", "audio-capture")),
		clock:  time.Now,
	}
	counter, err := otel.Meter(scopeName).Int64Counter("loqa.audio.frames_dropped",
		metric.WithDescription("Capture frames evicted under backpressure"))
	if err != nil {
		c.log.Warn("failed to initialize metrics", slog.String("error", err.Error()))
	}
	c.droppedCounter = counter
	return c
}

// Run drives the source until ctx is done. A source failure is returned
// unchanged; the pipeline cannot continue without capture.
func (c *Capture) Run(ctx context.Context) error {
	c.ctx = ctx
	defer c.queue.Close()
	c.log.Info("capture started",
		slog.Int("sample_rate", c.format.SampleRate),
		slog.Duration("frame", c.format.FrameDuration))
	err := c.source.Run(ctx, c.handle)
	if err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}

func (c *Capture) handle(pcm []byte) {
	frameBytes := c.format.FrameBytes()
	c.pending = append(c.pending, pcm...)
	for len(c.pending) >= frameBytes {
		data := make([]byte, frameBytes)
		copy(data, c.pending[:frameBytes])
		c.pending = c.pending[frameBytes:]
		c.seq++
		frame := protocol.AudioFrame{
			Seq:        c.seq,
			Epoch:      c.epoch.Current(),
			Timestamp:  c.clock(),
			SampleRate: c.format.SampleRate,
			Channels:   c.format.Channels,
			PCM:        data,
		}
		dropped, err := c.queue.Push(c.ctx, frame)
		if err != nil {
			return
		}
		if dropped && c.droppedCounter != nil {
			c.droppedCounter.Add(context.Background(), 1)
		}
	}
	if len(c.pending) == 0 {
		c.pending = nil
	}
}
