package llm

import (
	"strings"
	"sync"
)

// Exchange is one completed user/assistant round.
type Exchange struct {
	User      string
	Assistant string
}

// History keeps the most recent exchanges for prompt context.
type History struct {
	mu        sync.Mutex
	limit     int
	exchanges []Exchange
}

func NewHistory(limit int) *History {
	return &History{limit: limit}
}

// Add records an exchange. Exchanges with no assistant text are kept so the
// model sees that the user spoke, but a blank user line is ignored.
func (h *History) Add(user, assistant string) {
	if h == nil || h.limit <= 0 {
		return
	}
	user = strings.TrimSpace(user)
	if user == "" {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.exchanges = append(h.exchanges, Exchange{User: user, Assistant: strings.TrimSpace(assistant)})
	if len(h.exchanges) > h.limit {
		h.exchanges = append(h.exchanges[:0], h.exchanges[len(h.exchanges)-h.limit:]...)
	}
}

// Snapshot returns a copy of the retained exchanges, oldest first.
func (h *History) Snapshot() []Exchange {
	if h == nil {
		return nil
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]Exchange(nil), h.exchanges...)
}

// BuildPrompt renders the completion prompt:
//
//	<system>
//
//	User: <earlier>
//	Assistant: <earlier reply>
//	User: <text>
//	Assistant:
func BuildPrompt(system string, history []Exchange, text string) string {
	var b strings.Builder
	b.WriteString(strings.TrimSpace(system))
	b.WriteString("\n\n")
	for _, ex := range history {
		b.WriteString("User: ")
		b.WriteString(ex.User)
		b.WriteString("\nAssistant: ")
		b.WriteString(ex.Assistant)
		b.WriteString("\n")
	}
	b.WriteString("User: ")
	b.WriteString(strings.TrimSpace(text))
	b.WriteString("\nAssistant:")
	return b.String()
}

// stopFilter passes streamed text through until a stop sequence appears.
// Text that could be the start of a stop sequence is held back until the
// next fragment settles it.
type stopFilter struct {
	stops   []string
	held    string
	stopped bool
}

func newStopFilter(stops []string) *stopFilter {
	f := &stopFilter{}
	for _, s := range stops {
		if s != "" {
			f.stops = append(f.stops, s)
		}
	}
	return f
}

// Push returns the text that is safe to emit.
func (f *stopFilter) Push(text string) string {
	if f.stopped {
		return ""
	}
	buf := f.held + text
	cut := -1
	for _, s := range f.stops {
		if i := strings.Index(buf, s); i >= 0 && (cut < 0 || i < cut) {
			cut = i
		}
	}
	if cut >= 0 {
		f.stopped = true
		f.held = ""
		return buf[:cut]
	}
	keep := 0
	for _, s := range f.stops {
		for n := len(s) - 1; n > keep; n-- {
			if strings.HasSuffix(buf, s[:n]) {
				keep = n
				break
			}
		}
	}
	f.held = buf[len(buf)-keep:]
	return buf[:len(buf)-keep]
}

// Flush releases held text at end of stream.
func (f *stopFilter) Flush() string {
	out := f.held
	f.held = ""
	if f.stopped {
		return ""
	}
	return out
}

// Stopped reports whether a stop sequence was seen.
func (f *stopFilter) Stopped() bool {
	return f.stopped
}
