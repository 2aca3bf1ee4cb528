package segment

import (
	"context"
	"testing"
	"time"

	"github.com/loqalabs/loqa-voice/internal/epoch"
	"github.com/loqalabs/loqa-voice/internal/protocol"
)

func chunk(turn, ep uint64, text string) protocol.TokenChunk {
	return protocol.TokenChunk{Tag: protocol.Tag{TurnID: turn, Epoch: ep}, Text: text}
}

func final(turn, ep uint64) protocol.TokenChunk {
	return protocol.TokenChunk{Tag: protocol.Tag{TurnID: turn, Epoch: ep}, Final: true}
}

func texts(sentences []protocol.Sentence) []string {
	out := make([]string, 0, len(sentences))
	for _, s := range sentences {
		out = append(out, s.Text)
	}
	return out
}

func TestSegmenterSplitsAndFlushes(t *testing.T) {
	var ep epoch.Counter
	s := New("", &ep)
	var got []protocol.Sentence
	got = append(got, s.Push(chunk(1, 0, "Hello there. How are"))...)
	if len(got) != 1 || got[0].Text != "Hello there." || got[0].Tag.Seq != 1 || got[0].Final {
		t.Fatalf("unexpected first sentence %+v", got)
	}
	got = append(got, s.Push(final(1, 0))...)
	if len(got) != 2 || got[1].Text != "How are" || got[1].Tag.Seq != 2 || !got[1].Final {
		t.Fatalf("unexpected flush %+v", got)
	}
}

func TestSegmenterBoundaryAcrossFragments(t *testing.T) {
	var ep epoch.Counter
	s := New(DefaultTerminals, &ep)
	var got []protocol.Sentence
	for _, f := range []string{"Pi is 3", ".14 or so", "! Really?", " Yes"} {
		got = append(got, s.Push(chunk(1, 0, f))...)
	}
	got = append(got, s.Push(final(1, 0))...)
	want := []string{"Pi is 3.14 or so!", "Really?", "Yes"}
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, texts(got))
	}
	for i := range want {
		if got[i].Text != want[i] || got[i].Tag.Seq != uint64(i+1) {
			t.Fatalf("sentence %d: got %+v", i, got[i])
		}
	}
}

func TestSegmenterEmptyFinalMarker(t *testing.T) {
	var ep epoch.Counter
	s := New(DefaultTerminals, &ep)
	got := s.Push(chunk(2, 0, "Done.   "))
	got = append(got, s.Push(final(2, 0))...)
	if len(got) != 2 {
		t.Fatalf("expected sentence plus marker, got %+v", got)
	}
	if !got[1].Final || got[1].Text != "" || got[1].Tag.Seq != 2 {
		t.Fatalf("unexpected final marker %+v", got[1])
	}

	empty := New(DefaultTerminals, &ep).Push(final(3, 0))
	if len(empty) != 1 || !empty[0].Final || empty[0].Tag.Seq != 1 {
		t.Fatalf("empty generation must still produce a marker, got %+v", empty)
	}
}

func TestSegmenterDiscardsOnKeyChange(t *testing.T) {
	var ep epoch.Counter
	s := New(DefaultTerminals, &ep)
	s.Push(chunk(1, 0, "half a sent"))
	got := s.Push(chunk(2, 1, "Fresh start."))
	if len(got) != 1 || got[0].Text != "Fresh start." || got[0].Tag.TurnID != 2 || got[0].Tag.Seq != 1 {
		t.Fatalf("partial text leaked across turns: %+v", got)
	}
}

func TestSegmenterDropsStaleEpoch(t *testing.T) {
	var ep epoch.Counter
	s := New(DefaultTerminals, &ep)
	s.Push(chunk(1, 0, "Old news"))
	ep.Advance()
	if got := s.Push(chunk(1, 0, ". More.")); len(got) != 0 {
		t.Fatalf("stale chunk produced %+v", got)
	}
	if got := s.Push(final(1, 0)); len(got) != 0 {
		t.Fatalf("stale final produced %+v", got)
	}
}

func TestRunEmitsUntilClosed(t *testing.T) {
	var ep epoch.Counter
	tokens := make(chan protocol.TokenChunk, 4)
	tokens <- chunk(1, 0, "One. Two")
	tokens <- final(1, 0)
	close(tokens)

	var got []protocol.Sentence
	done := make(chan error, 1)
	go func() {
		done <- Run(context.Background(), New(DefaultTerminals, &ep), tokens, func(s protocol.Sentence) {
			got = append(got, s)
		})
	}()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("run did not return after close")
	}
	if len(got) != 2 || got[1].Text != "Two" || !got[1].Final {
		t.Fatalf("unexpected sentences %+v", got)
	}
}
