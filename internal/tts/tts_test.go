package tts

import (
	"context"
	"encoding/binary"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/loqalabs/loqa-voice/internal/epoch"
	"github.com/loqalabs/loqa-voice/internal/protocol"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

type recordingPlayer struct {
	mu     sync.Mutex
	chunks []protocol.AudioChunk
}

func (p *recordingPlayer) Push(_ context.Context, c protocol.AudioChunk) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.chunks = append(p.chunks, c)
	return nil
}

func (p *recordingPlayer) snapshot() []protocol.AudioChunk {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]protocol.AudioChunk(nil), p.chunks...)
}

type failureSink struct {
	mu   sync.Mutex
	errs []error
}

func (f *failureSink) Failed(_ context.Context, _ protocol.Stage, _ protocol.Tag, err error) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errs = append(f.errs, err)
	return nil
}

func (f *failureSink) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.errs)
}

// gatedSynth blocks every synthesis until release is closed and tracks how
// many run at once.
type gatedSynth struct {
	release chan struct{}
	active  atomic.Int32
	peak    atomic.Int32
	pcm     []byte
	err     error
	rate    int
}

func (g *gatedSynth) Synthesize(ctx context.Context, req SynthRequest) (<-chan SynthChunk, <-chan error) {
	chunks := make(chan SynthChunk, 1)
	errs := make(chan error, 1)
	go func() {
		defer close(chunks)
		defer close(errs)
		n := g.active.Add(1)
		defer g.active.Add(-1)
		for {
			p := g.peak.Load()
			if n <= p || g.peak.CompareAndSwap(p, n) {
				break
			}
		}
		if g.release != nil {
			select {
			case <-g.release:
			case <-ctx.Done():
				errs <- ctx.Err()
				return
			}
		}
		if g.err != nil {
			errs <- g.err
			return
		}
		rate := g.rate
		if rate == 0 {
			rate = 16000
		}
		chunks <- SynthChunk{SampleRate: rate, Channels: 1, PCM: append([]byte(nil), g.pcm...), Final: true}
	}()
	return chunks, errs
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met before deadline")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func sentence(turn, ep, seq uint64, text string) protocol.Sentence {
	return protocol.Sentence{Tag: protocol.Tag{TurnID: turn, Epoch: ep, Seq: seq}, Text: text}
}

func start(t *testing.T, synth Synthesizer, ep epoch.Reader, opts Options) (*Worker, *recordingPlayer, *failureSink) {
	t.Helper()
	player := &recordingPlayer{}
	fails := &failureSink{}
	if opts.SampleRate == 0 {
		opts.SampleRate, opts.Channels = 16000, 1
	}
	if opts.Voice.Volume == 0 {
		opts.Voice.Volume = 1
	}
	w := NewWorker(synth, ep, player, fails, opts, newLogger())
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go w.Run(ctx)
	return w, player, fails
}

func TestWorkerBoundsConcurrency(t *testing.T) {
	var ep epoch.Counter
	synth := &gatedSynth{release: make(chan struct{}), pcm: []byte{1, 0}}
	w, player, _ := start(t, synth, &ep, Options{Concurrency: 2})
	for i := 1; i <= 5; i++ {
		w.Submit(context.Background(), sentence(1, 0, uint64(i), "word"))
	}
	waitFor(t, func() bool { return synth.active.Load() == 2 })
	time.Sleep(20 * time.Millisecond)
	if synth.peak.Load() != 2 {
		t.Fatalf("expected two concurrent syntheses, saw %d", synth.peak.Load())
	}
	close(synth.release)
	waitFor(t, func() bool { return len(player.snapshot()) == 5 })
}

func TestWorkerDropsStaleBeforeAndAfter(t *testing.T) {
	var ep epoch.Counter
	synth := &gatedSynth{release: make(chan struct{}), pcm: []byte{1, 0}}
	w, player, fails := start(t, synth, &ep, Options{Concurrency: 1})

	w.Submit(context.Background(), sentence(1, 0, 1, "in flight"))
	waitFor(t, func() bool { return synth.active.Load() == 1 })
	w.Submit(context.Background(), sentence(1, 0, 2, "queued"))
	ep.Advance()
	close(synth.release)

	time.Sleep(50 * time.Millisecond)
	if got := player.snapshot(); len(got) != 0 {
		t.Fatalf("stale audio reached playback: %+v", got)
	}
	if synth.peak.Load() != 1 {
		t.Fatal("queued stale sentence must not start")
	}
	if fails.count() != 0 {
		t.Fatal("staleness is not a failure")
	}
}

func TestWorkerAppliesVolume(t *testing.T) {
	var ep epoch.Counter
	pcm := make([]byte, 4)
	binary.LittleEndian.PutUint16(pcm, uint16(int16(1000)))
	v := int16(-30000)
	binary.LittleEndian.PutUint16(pcm[2:], uint16(v))
	w, player, _ := start(t, &gatedSynth{pcm: pcm}, &ep, Options{Voice: Voice{Volume: 1.5}})
	w.Submit(context.Background(), sentence(1, 0, 1, "loud"))
	waitFor(t, func() bool { return len(player.snapshot()) == 1 })

	out := player.snapshot()[0].PCM
	if got := int16(binary.LittleEndian.Uint16(out)); got != 1500 {
		t.Fatalf("expected 1500, got %d", got)
	}
	if got := int16(binary.LittleEndian.Uint16(out[2:])); got != -32768 {
		t.Fatalf("expected clipping, got %d", got)
	}
}

func TestWorkerReportsFailures(t *testing.T) {
	var ep epoch.Counter
	boom := errors.New("voice missing")
	w, _, fails := start(t, &gatedSynth{err: boom}, &ep, Options{})
	w.Submit(context.Background(), sentence(1, 0, 1, "x"))
	waitFor(t, func() bool { return fails.count() == 1 })
	if !errors.Is(fails.errs[0], boom) {
		t.Fatalf("unexpected error %v", fails.errs[0])
	}

	w2, player, fails2 := start(t, &gatedSynth{pcm: []byte{0, 0}, rate: 22050}, &ep, Options{})
	w2.Submit(context.Background(), sentence(1, 0, 1, "x"))
	waitFor(t, func() bool { return fails2.count() == 1 })
	if len(player.snapshot()) != 0 {
		t.Fatal("mismatched audio must not be played")
	}
}

func TestWorkerSkipsEmptyText(t *testing.T) {
	var ep epoch.Counter
	w, _, _ := start(t, &gatedSynth{}, &ep, Options{})
	w.Submit(context.Background(), sentence(1, 0, 1, "   "))
	if w.Pending() != 0 {
		t.Fatal("empty sentences are not synthesized")
	}
}

func TestMockSynthLengthFollowsWords(t *testing.T) {
	chunks, errs := NewMockSynth(16000, 1).Synthesize(context.Background(), SynthRequest{Text: "one two three"})
	var total int
	for c := range chunks {
		total += len(c.PCM)
	}
	if err := <-errs; err != nil {
		t.Fatalf("mock synth: %v", err)
	}
	want := int(3 * 60 * time.Millisecond * 16000 / time.Second * 2)
	if total != want {
		t.Fatalf("expected %d bytes, got %d", want, total)
	}
}

func TestPiperArgs(t *testing.T) {
	s, err := NewPiperSynth("piper --quiet")
	if err != nil {
		t.Fatalf("new piper: %v", err)
	}
	args := s.(*piperSynth).args(Voice{ID: "en_US-amy.onnx", Speaker: 2, LengthScale: 1.1, NoiseScale: 0.667}, "/tmp/out.wav")
	got := strings.Join(args, " ")
	want := "--quiet --model en_US-amy.onnx --output_file /tmp/out.wav --speaker 2 --length_scale 1.1 --noise_scale 0.667"
	if got != want {
		t.Fatalf("unexpected args:\n%s\nwant\n%s", got, want)
	}
}
