package turn

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/loqalabs/loqa-voice/internal/protocol"
	"go.opentelemetry.io/otel/trace"
)

// State is the conversational state of the coordinator.
type State int

const (
	Idle State = iota
	Listening
	Thinking
	Speaking
	Cancelling
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Listening:
		return "listening"
	case Thinking:
		return "thinking"
	case Speaking:
		return "speaking"
	case Cancelling:
		return "cancelling"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// ErrClosed is returned to workers that report after the coordinator
// stopped.
var ErrClosed = errors.New("turn: coordinator closed")

// EngineError is delivered on Coordinator.Errors when an engine fails and
// its turn is aborted.
type EngineError struct {
	Stage  protocol.Stage
	TurnID uint64
	Err    error
}

func (e *EngineError) Error() string {
	return fmt.Sprintf("%s failed (turn %d): %v", e.Stage, e.TurnID, e.Err)
}

func (e *EngineError) Unwrap() error { return e.Err }

// Snapshot is a copy of the active turn's progress.
type Snapshot struct {
	ID         uint64
	Epoch      uint64
	State      State
	Transcript string
	Dispatched int
	Played     int
}

// turn is the coordinator-owned record of one user utterance and the
// response to it.
type turn struct {
	id     uint64
	epoch  uint64
	ctx    context.Context
	cancel context.CancelFunc
	span   trace.Span

	startedAt   time.Time
	speechEnded time.Time
	firstAudio  bool

	transcript protocol.Transcript
	sentences  map[uint64]string
	dispatched int
	played     int
	spoken     []string
	generated  bool
}

func (t *turn) tag() protocol.Tag {
	return protocol.Tag{TurnID: t.id, Epoch: t.epoch}
}

func (t *turn) heard() string {
	return strings.Join(t.spoken, " ")
}
