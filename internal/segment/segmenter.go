// Package segment splits streamed generation text into sentences for
// synthesis.
package segment

import (
	"context"
	"strings"
	"unicode"

	"github.com/loqalabs/loqa-voice/internal/epoch"
	"github.com/loqalabs/loqa-voice/internal/protocol"
)

const DefaultTerminals = ".?!"

type key struct {
	turn  uint64
	epoch uint64
}

// Segmenter accumulates TokenChunks for one turn at a time and cuts them at
// sentence terminals. A terminal only ends a sentence when followed by
// whitespace or when it closes the accumulated text.
type Segmenter struct {
	terminals string
	epoch     epoch.Reader

	current key
	started bool
	buf     strings.Builder
	seq     uint64
}

func New(terminals string, ep epoch.Reader) *Segmenter {
	if terminals == "" {
		terminals = DefaultTerminals
	}
	return &Segmenter{terminals: terminals, epoch: ep}
}

// Push feeds one chunk and returns any sentences it completes. A chunk from
// a different turn or epoch discards the partial text of the previous one.
func (s *Segmenter) Push(chunk protocol.TokenChunk) []protocol.Sentence {
	k := key{turn: chunk.Tag.TurnID, epoch: chunk.Tag.Epoch}
	if !s.started || k != s.current {
		s.reset(k)
	}
	if s.epoch != nil && epoch.Stale(s.epoch, k.epoch) {
		s.buf.Reset()
		return nil
	}
	if chunk.Final {
		return s.finish()
	}
	s.buf.WriteString(chunk.Text)
	return s.cut()
}

func (s *Segmenter) reset(k key) {
	s.current = k
	s.started = true
	s.buf.Reset()
	s.seq = 0
}

func (s *Segmenter) cut() []protocol.Sentence {
	text := s.buf.String()
	var out []protocol.Sentence
	start := 0
	for i, r := range text {
		if !strings.ContainsRune(s.terminals, r) {
			continue
		}
		next := i + len(string(r))
		if next < len(text) && !unicode.IsSpace(rune(text[next])) {
			continue
		}
		if sentence, ok := s.sentence(text[start:next], false); ok {
			out = append(out, sentence)
		}
		start = next
	}
	s.buf.Reset()
	s.buf.WriteString(text[start:])
	return out
}

func (s *Segmenter) finish() []protocol.Sentence {
	rest := s.buf.String()
	s.buf.Reset()
	if sentence, ok := s.sentence(rest, true); ok {
		return []protocol.Sentence{sentence}
	}
	s.seq++
	return []protocol.Sentence{{Tag: s.tag(), Final: true}}
}

func (s *Segmenter) sentence(text string, final bool) (protocol.Sentence, bool) {
	text = strings.TrimSpace(text)
	if text == "" {
		return protocol.Sentence{}, false
	}
	s.seq++
	return protocol.Sentence{Tag: s.tag(), Text: text, Final: final}, true
}

func (s *Segmenter) tag() protocol.Tag {
	return protocol.Tag{TurnID: s.current.turn, Epoch: s.current.epoch, Seq: s.seq}
}

// Run reads chunks until ctx is done or tokens is closed and hands each
// sentence to emit. emit must not block for long.
func Run(ctx context.Context, s *Segmenter, tokens <-chan protocol.TokenChunk, emit func(protocol.Sentence)) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case chunk, ok := <-tokens:
			if !ok {
				return nil
			}
			for _, sentence := range s.Push(chunk) {
				emit(sentence)
			}
		}
	}
}
