package audio

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/loqalabs/loqa-voice/internal/protocol"
)

// Policy decides what Push does when the queue is full.
type Policy int

const (
	// DropOldest evicts the oldest buffered frame so capture never stalls.
	DropOldest Policy = iota
	// Block makes Push wait for space.
	Block
)

func ParsePolicy(s string) (Policy, error) {
	switch s {
	case "", "drop_oldest":
		return DropOldest, nil
	case "block":
		return Block, nil
	default:
		return DropOldest, fmt.Errorf("unknown backpressure policy %q", s)
	}
}

func (p Policy) String() string {
	if p == Block {
		return "block"
	}
	return "drop_oldest"
}

// FrameQueue is a bounded FIFO of capture frames.
type FrameQueue struct {
	mu     sync.Mutex
	frames []protocol.AudioFrame
	head   int
	size   int
	closed bool
	policy Policy

	readable chan struct{}
	writable chan struct{}
	dropped  atomic.Uint64
}

func NewFrameQueue(capacity int, policy Policy) *FrameQueue {
	if capacity <= 0 {
		capacity = 1
	}
	return &FrameQueue{
		frames:   make([]protocol.AudioFrame, capacity),
		policy:   policy,
		readable: make(chan struct{}, 1),
		writable: make(chan struct{}, 1),
	}
}

// Push enqueues a frame. Under DropOldest it never blocks and reports
// whether a frame was evicted to make room.
func (q *FrameQueue) Push(ctx context.Context, frame protocol.AudioFrame) (bool, error) {
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return false, ErrClosed
		}
		dropped := false
		if q.size == len(q.frames) {
			if q.policy == Block {
				q.mu.Unlock()
				select {
				case <-ctx.Done():
					return false, ctx.Err()
				case <-q.writable:
				}
				continue
			}
			q.frames[q.head] = protocol.AudioFrame{}
			q.head = (q.head + 1) % len(q.frames)
			q.size--
			q.dropped.Add(1)
			dropped = true
		}
		q.frames[(q.head+q.size)%len(q.frames)] = frame
		q.size++
		q.mu.Unlock()
		signal(q.readable)
		return dropped, nil
	}
}

// Pop waits for the next frame.
func (q *FrameQueue) Pop(ctx context.Context) (protocol.AudioFrame, error) {
	for {
		q.mu.Lock()
		if q.size > 0 {
			frame := q.frames[q.head]
			q.frames[q.head] = protocol.AudioFrame{}
			q.head = (q.head + 1) % len(q.frames)
			q.size--
			more := q.size > 0
			q.mu.Unlock()
			signal(q.writable)
			if more {
				signal(q.readable)
			}
			return frame, nil
		}
		if q.closed {
			q.mu.Unlock()
			return protocol.AudioFrame{}, ErrClosed
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return protocol.AudioFrame{}, ctx.Err()
		case <-q.readable:
		}
	}
}

// Close wakes all waiters. Buffered frames can still be popped.
func (q *FrameQueue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	signal(q.readable)
	signal(q.writable)
}

func (q *FrameQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.size
}

// Dropped counts frames evicted under DropOldest.
func (q *FrameQueue) Dropped() uint64 {
	return q.dropped.Load()
}

func signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}
