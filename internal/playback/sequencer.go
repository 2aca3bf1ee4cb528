// Package playback releases synthesized audio to the output device in
// sentence order and cuts it off on barge-in.
package playback

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/loqalabs/loqa-voice/internal/audio"
	"github.com/loqalabs/loqa-voice/internal/epoch"
	"github.com/loqalabs/loqa-voice/internal/protocol"
)

// Reporter is told about every chunk that played to the end.
type Reporter interface {
	ChunkPlayed(ctx context.Context, tag protocol.Tag) error
}

// Sequencer is a fixed-capacity reorder buffer in front of an audio.Sink.
// Chunks for one turn are released strictly by Seq starting at 1; a newer
// turn replaces an older one.
type Sequencer struct {
	sink     audio.Sink
	epoch    epoch.Reader
	out      Reporter
	capacity int
	log      *slog.Logger

	mu        sync.Mutex
	turn      uint64
	next      uint64
	abandoned uint64
	buffer    map[uint64]protocol.AudioChunk
	ready     chan struct{}
	space     chan struct{}

	playing    protocol.Tag
	cancelPlay context.CancelFunc
}

func NewSequencer(sink audio.Sink, ep epoch.Reader, out Reporter, capacity int, log *slog.Logger) *Sequencer {
	if capacity < 1 {
		capacity = 1
	}
	return &Sequencer{
		sink:     sink,
		epoch:    ep,
		out:      out,
		capacity: capacity,
		log:      log.With(slog.String("component", "playback")),
		next:     1,
		buffer:   make(map[uint64]protocol.AudioChunk),
		ready:    make(chan struct{}, 1),
		space:    make(chan struct{}),
	}
}

// Push admits a chunk. The next expected chunk is always admitted; others
// wait while the buffer is full. Chunks from abandoned turns or old epochs
// are dropped and Push returns nil.
func (s *Sequencer) Push(ctx context.Context, chunk protocol.AudioChunk) error {
	tag := chunk.Tag
	s.mu.Lock()
	for {
		switch {
		case tag.TurnID <= s.abandoned, tag.TurnID < s.turn, epoch.Stale(s.epoch, tag.Epoch):
			s.mu.Unlock()
			s.log.Debug("dropping stale chunk", slog.Uint64("turn_id", tag.TurnID), slog.Uint64("seq", tag.Seq))
			return nil
		case tag.TurnID > s.turn:
			s.startTurn(tag.TurnID)
		}
		if tag.Seq < s.next {
			s.mu.Unlock()
			return nil
		}
		if tag.Seq == s.next || len(s.buffer) < s.capacity {
			s.buffer[tag.Seq] = chunk
			s.mu.Unlock()
			select {
			case s.ready <- struct{}{}:
			default:
			}
			return nil
		}
		space := s.space
		s.mu.Unlock()
		select {
		case <-space:
		case <-ctx.Done():
			return ctx.Err()
		}
		s.mu.Lock()
	}
}

// startTurn must be called with s.mu held.
func (s *Sequencer) startTurn(turn uint64) {
	s.turn = turn
	s.next = 1
	clear(s.buffer)
	s.wake()
}

// wake releases every Push waiting for space. Must be called with s.mu held.
func (s *Sequencer) wake() {
	close(s.space)
	s.space = make(chan struct{})
}

// Halt abandons every turn up to and including turn: buffered audio is
// dropped and the chunk being played is cut off. It returns once the sink
// has been told to stop.
func (s *Sequencer) Halt(turn uint64) {
	s.mu.Lock()
	if turn > s.abandoned {
		s.abandoned = turn
	}
	if s.turn <= turn {
		clear(s.buffer)
		s.wake()
	}
	interrupt := s.cancelPlay != nil && s.playing.TurnID <= turn
	if interrupt {
		s.cancelPlay()
	}
	s.mu.Unlock()
	if interrupt {
		s.sink.Interrupt()
		s.log.Debug("playback halted", slog.Uint64("turn_id", turn))
	}
}

// Buffered reports how many chunks are waiting.
func (s *Sequencer) Buffered() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.buffer)
}

// Run plays chunks until ctx is done. A sink failure other than an
// interruption is returned.
func (s *Sequencer) Run(ctx context.Context) error {
	for {
		chunk, playCtx, ok := s.take(ctx)
		if !ok {
			select {
			case <-ctx.Done():
				return nil
			case <-s.ready:
			}
			continue
		}

		err := s.sink.Play(playCtx, chunk.PCM)
		s.mu.Lock()
		s.cancelPlay()
		s.cancelPlay = nil
		abandoned := chunk.Tag.TurnID <= s.abandoned
		s.mu.Unlock()

		switch {
		case err == nil && !abandoned && !epoch.Stale(s.epoch, chunk.Tag.Epoch):
			if err := s.out.ChunkPlayed(ctx, chunk.Tag); err != nil && ctx.Err() == nil {
				s.log.Debug("played report rejected", slog.String("error", err.Error()))
			}
		case err == nil, errors.Is(err, audio.ErrInterrupted), errors.Is(err, context.Canceled):
		default:
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("playback: %w", err)
		}
	}
}

// take removes the next chunk in order, skipping anything stale, and arms
// a cancellable context for playing it.
func (s *Sequencer) take(ctx context.Context) (protocol.AudioChunk, context.Context, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for {
		chunk, ok := s.buffer[s.next]
		if !ok {
			return protocol.AudioChunk{}, nil, false
		}
		delete(s.buffer, s.next)
		s.next++
		s.wake()
		if chunk.Tag.TurnID <= s.abandoned || epoch.Stale(s.epoch, chunk.Tag.Epoch) {
			continue
		}
		playCtx, cancel := context.WithCancel(ctx)
		s.playing = chunk.Tag
		s.cancelPlay = cancel
		return chunk, playCtx, true
	}
}
