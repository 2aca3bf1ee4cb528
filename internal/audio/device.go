package audio

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/gen2brain/malgo"
)

// Device is a miniaudio-backed microphone and speaker pair.
type Device struct {
	ctx     *malgo.AllocatedContext
	capture Format
	log     *slog.Logger

	mu       sync.Mutex
	playback *malgo.Device
	stopped  chan struct{}

	audioMu  sync.Mutex
	leftover []byte
	marks    []playbackMark
}

type playbackMark struct {
	position int
	done     chan bool
}

// NewDevice opens the default capture and playback devices. Playback runs
// at outRate/outChannels; capture uses the given format.
func NewDevice(capture Format, outRate, outChannels int, log *slog.Logger) (*Device, error) {
	actx, err := malgo.InitContext(nil, malgo.ContextConfig{}, func(string) {})
	if err != nil {
		return nil, fmt.Errorf("init audio context: %w", err)
	}
	d := &Device{
		ctx:     actx,
		capture: capture,
		log:     log.With(slog.String("component", "audio-device")),
		stopped: make(chan struct{}),
	}

	format := malgo.FormatS16
	bytesPerFrame := malgo.SampleSizeInBytes(format) * outChannels

	cfg := malgo.DefaultDeviceConfig(malgo.Playback)
	cfg.SampleRate = uint32(outRate)
	cfg.Playback.Format = format
	cfg.Playback.Channels = uint32(outChannels)
	cfg.Alsa.NoMMap = 1
	cfg.PerformanceProfile = malgo.LowLatency

	var once sync.Once
	dev, err := malgo.InitDevice(actx.Context, cfg, malgo.DeviceCallbacks{
		Data: d.render(bytesPerFrame),
		Stop: func() { once.Do(func() { close(d.stopped) }) },
	})
	if err != nil {
		d.closeContext()
		return nil, fmt.Errorf("init playback device: %w", err)
	}
	if err := dev.Start(); err != nil {
		dev.Uninit()
		d.closeContext()
		return nil, fmt.Errorf("start playback device: %w", err)
	}
	d.playback = dev
	return d, nil
}

// Run captures from the default input device until ctx is done.
func (d *Device) Run(ctx context.Context, onAudio func(pcm []byte)) error {
	format := malgo.FormatS16
	bytesPerFrame := malgo.SampleSizeInBytes(format) * d.capture.Channels

	cfg := malgo.DefaultDeviceConfig(malgo.Capture)
	cfg.SampleRate = uint32(d.capture.SampleRate)
	cfg.Capture.Format = format
	cfg.Capture.Channels = uint32(d.capture.Channels)
	cfg.Alsa.NoMMap = 1
	cfg.PerformanceProfile = malgo.LowLatency
	cfg.PeriodSizeInFrames = uint32(d.capture.FrameBytes() / bytesPerFrame)
	cfg.Periods = 3

	stopped := make(chan struct{})
	var once sync.Once
	dev, err := malgo.InitDevice(d.ctx.Context, cfg, malgo.DeviceCallbacks{
		Data: func(_, pInput []byte, frameCount uint32) {
			n := int(frameCount) * bytesPerFrame
			if n == 0 || len(pInput) < n {
				return
			}
			onAudio(pInput[:n])
		},
		Stop: func() { once.Do(func() { close(stopped) }) },
	})
	if err != nil {
		return fmt.Errorf("init capture device: %w", err)
	}
	defer dev.Uninit()

	if err := dev.Start(); err != nil {
		return fmt.Errorf("start capture device: %w", err)
	}
	d.log.Info("capture device started")

	select {
	case <-ctx.Done():
		_ = dev.Stop()
		return nil
	case <-stopped:
		return errors.New("capture device stopped unexpectedly")
	case <-d.stopped:
		return errors.New("playback device stopped unexpectedly")
	}
}

// Play queues pcm on the playback device and waits until it has been
// rendered or cut off.
func (d *Device) Play(ctx context.Context, pcm []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	done := make(chan bool, 1)
	d.audioMu.Lock()
	d.leftover = append(d.leftover, pcm...)
	d.marks = append(d.marks, playbackMark{position: len(d.leftover), done: done})
	d.audioMu.Unlock()

	select {
	case played := <-done:
		if !played {
			return ErrInterrupted
		}
		return nil
	case <-ctx.Done():
		d.Interrupt()
		return ctx.Err()
	case <-d.stopped:
		return errors.New("playback device stopped unexpectedly")
	}
}

// Interrupt drops everything not yet handed to the device. The cut lands
// within one device period.
func (d *Device) Interrupt() {
	d.audioMu.Lock()
	defer d.audioMu.Unlock()
	d.leftover = nil
	for _, m := range d.marks {
		m.done <- false
	}
	d.marks = nil
}

func (d *Device) Close() error {
	d.Interrupt()
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.playback != nil {
		d.playback.Uninit()
		d.playback = nil
	}
	d.closeContext()
	return nil
}

func (d *Device) closeContext() {
	if d.ctx == nil {
		return
	}
	_ = d.ctx.Uninit()
	d.ctx.Free()
	d.ctx = nil
}

func (d *Device) render(bytesPerFrame int) malgo.DataProc {
	return func(pOutput, _ []byte, frameCount uint32) {
		need := int(frameCount) * bytesPerFrame
		d.audioMu.Lock()
		defer d.audioMu.Unlock()

		n := copy(pOutput[:need], d.leftover)
		for i := n; i < need; i++ {
			pOutput[i] = 0
		}
		d.leftover = d.leftover[n:]

		passed := 0
		for i := range d.marks {
			d.marks[i].position -= n
			if d.marks[i].position <= 0 {
				d.marks[i].done <- true
				passed++
			}
		}
		d.marks = d.marks[passed:]
	}
}
