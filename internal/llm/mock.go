package llm

import (
	"context"
	"strings"
	"time"
)

type mockGenerator struct {
	delay time.Duration
	reply func(prompt string) string
}

// NewMockGenerator streams a canned reply word by word.
func NewMockGenerator() Generator {
	return &mockGenerator{delay: 20 * time.Millisecond, reply: echoReply}
}

// NewScriptedGenerator streams reply regardless of the prompt, pausing
// delay between words.
func NewScriptedGenerator(reply string, delay time.Duration) Generator {
	return &mockGenerator{delay: delay, reply: func(string) string { return reply }}
}

func echoReply(prompt string) string {
	user := prompt
	if i := strings.LastIndex(prompt, "User:"); i >= 0 {
		user = prompt[i+len("User:"):]
	}
	user = strings.TrimSuffix(strings.TrimSpace(user), "Assistant:")
	user = strings.TrimSpace(user)
	if user == "" {
		return "I did not catch that."
	}
	return "You said: " + user + " That is all I know."
}

func (m *mockGenerator) Generate(ctx context.Context, req Request, consumer func(Chunk) error) error {
	words := strings.Fields(m.reply(req.Prompt))
	start := time.Now()
	for i, w := range words {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(m.delay):
		}
		text := w
		if i > 0 {
			text = " " + w
		}
		if err := consumer(Chunk{Content: text, CompletionTokens: i + 1, Latency: time.Since(start)}); err != nil {
			return err
		}
	}
	return consumer(Chunk{Done: true, CompletionTokens: len(words), Latency: time.Since(start)})
}
