package playback

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/loqalabs/loqa-voice/internal/audio"
	"github.com/loqalabs/loqa-voice/internal/epoch"
	"github.com/loqalabs/loqa-voice/internal/protocol"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

type playedLog struct {
	mu   sync.Mutex
	tags []protocol.Tag
}

func (p *playedLog) ChunkPlayed(_ context.Context, tag protocol.Tag) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.tags = append(p.tags, tag)
	return nil
}

func (p *playedLog) snapshot() []protocol.Tag {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]protocol.Tag(nil), p.tags...)
}

type blockLog struct {
	mu     sync.Mutex
	blocks [][]byte
}

func (b *blockLog) WriteBlock(pcm []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.blocks = append(b.blocks, append([]byte(nil), pcm...))
	return nil
}

func (b *blockLog) Close() error { return nil }

func (b *blockLog) count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.blocks)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met before deadline")
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func chunk(turn, ep, seq uint64, ms int) protocol.AudioChunk {
	pcm := make([]byte, 16*2*ms)
	for i := range pcm {
		pcm[i] = byte(seq)
	}
	return protocol.AudioChunk{Tag: protocol.Tag{TurnID: turn, Epoch: ep, Seq: seq}, SampleRate: 16000, Channels: 1, PCM: pcm}
}

func setup(t *testing.T, ep epoch.Reader, capacity int) (*Sequencer, *blockLog, *playedLog) {
	t.Helper()
	blocks := &blockLog{}
	sink := audio.NewPacedSink(blocks, 16000, 1, 5*time.Millisecond)
	played := &playedLog{}
	s := NewSequencer(sink, ep, played, capacity, newLogger())
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go s.Run(ctx)
	return s, blocks, played
}

func TestSequencerPlaysInOrder(t *testing.T) {
	var ep epoch.Counter
	s, blocks, played := setup(t, &ep, 4)
	ctx := context.Background()
	for _, seq := range []uint64{3, 2, 4, 1} {
		if err := s.Push(ctx, chunk(1, 0, seq, 10)); err != nil {
			t.Fatalf("push %d: %v", seq, err)
		}
	}
	waitFor(t, func() bool { return len(played.snapshot()) == 4 })
	for i, tag := range played.snapshot() {
		if tag.Seq != uint64(i+1) {
			t.Fatalf("played out of order: %+v", played.snapshot())
		}
	}
	blocks.mu.Lock()
	defer blocks.mu.Unlock()
	var last byte
	for _, b := range blocks.blocks {
		if b[0] < last {
			t.Fatalf("audio rendered out of order")
		}
		last = b[0]
	}
}

func TestSequencerHaltCutsWithinABlock(t *testing.T) {
	var ep epoch.Counter
	s, blocks, played := setup(t, &ep, 4)
	ctx := context.Background()
	s.Push(ctx, chunk(1, 0, 1, 500))
	s.Push(ctx, chunk(1, 0, 2, 500))
	waitFor(t, func() bool { return blocks.count() >= 3 })

	s.Halt(1)
	ep.Advance()
	cut := blocks.count()
	time.Sleep(30 * time.Millisecond)
	if extra := blocks.count() - cut; extra > 1 {
		t.Fatalf("%d blocks rendered after halt", extra)
	}
	if len(played.snapshot()) != 0 {
		t.Fatal("interrupted chunk must not be reported as played")
	}
	if s.Buffered() != 0 {
		t.Fatal("halt must drop buffered chunks")
	}

	// Late audio for the halted turn is discarded; the next turn plays.
	s.Push(ctx, chunk(1, 0, 3, 10))
	s.Push(ctx, chunk(2, 1, 1, 10))
	waitFor(t, func() bool { return len(played.snapshot()) == 1 })
	if tag := played.snapshot()[0]; tag.TurnID != 2 || tag.Seq != 1 {
		t.Fatalf("unexpected played tag %+v", tag)
	}
}

func TestSequencerDropsStaleEpoch(t *testing.T) {
	var ep epoch.Counter
	ep.Advance()
	s, _, played := setup(t, &ep, 4)
	if err := s.Push(context.Background(), chunk(5, 0, 1, 10)); err != nil {
		t.Fatalf("push: %v", err)
	}
	if s.Buffered() != 0 {
		t.Fatal("stale chunk must not be buffered")
	}
	time.Sleep(20 * time.Millisecond)
	if len(played.snapshot()) != 0 {
		t.Fatal("stale chunk played")
	}
}

func TestSequencerBoundedBuffer(t *testing.T) {
	var ep epoch.Counter
	// No player: nothing drains the buffer.
	s := NewSequencer(audio.NewDiscardSink(16000, 1, 5*time.Millisecond), &ep, &playedLog{}, 1, newLogger())
	ctx := context.Background()
	if err := s.Push(ctx, chunk(1, 0, 3, 10)); err != nil {
		t.Fatalf("push: %v", err)
	}

	waitCtx, cancel := context.WithTimeout(ctx, 30*time.Millisecond)
	defer cancel()
	if err := s.Push(waitCtx, chunk(1, 0, 2, 10)); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected push to wait for space, got %v", err)
	}
	if err := s.Push(ctx, chunk(1, 0, 1, 10)); err != nil {
		t.Fatalf("next expected chunk must always be admitted: %v", err)
	}
	if s.Buffered() != 2 {
		t.Fatalf("expected two buffered chunks, got %d", s.Buffered())
	}
}

func TestSequencerHaltReleasesWaitingPush(t *testing.T) {
	var ep epoch.Counter
	s := NewSequencer(audio.NewDiscardSink(16000, 1, 5*time.Millisecond), &ep, &playedLog{}, 1, newLogger())
	ctx := context.Background()
	s.Push(ctx, chunk(1, 0, 3, 10))
	done := make(chan error, 1)
	go func() { done <- s.Push(ctx, chunk(1, 0, 2, 10)) }()
	time.Sleep(10 * time.Millisecond)
	s.Halt(1)
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("halted push should be dropped quietly, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("push stayed blocked after halt")
	}
}
