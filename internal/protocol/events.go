package protocol

import "time"

// EventType classifies a timeline entry.
type EventType string

const (
	EventTurnStarted    EventType = "turn_started"
	EventSpeechEnded    EventType = "speech_ended"
	EventTranscript     EventType = "transcript"
	EventEmptyUtterance EventType = "empty_utterance"
	EventSentence       EventType = "sentence"
	EventChunkPlayed    EventType = "chunk_played"
	EventBargeIn        EventType = "barge_in"
	EventTurnCompleted  EventType = "turn_completed"
	EventTurnAborted    EventType = "turn_aborted"
	EventStateChanged   EventType = "state_changed"
	EventEngineError    EventType = "engine_error"
	EventStaleDropped   EventType = "stale_dropped"
)

// Event is a timeline record published to observers by the coordinator.
type Event struct {
	Type      EventType `json:"type"`
	Tag       Tag       `json:"tag"`
	State     string    `json:"state,omitempty"`
	Text      string    `json:"text,omitempty"`
	Stage     Stage     `json:"stage,omitempty"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

const (
	SubjectTurnPrefix = "turn"
)

// Subject returns the bus subject an event is mirrored on.
func Subject(prefix string, t EventType) string {
	if prefix == "" {
		return SubjectTurnPrefix + "." + string(t)
	}
	return prefix + "." + SubjectTurnPrefix + "." + string(t)
}
