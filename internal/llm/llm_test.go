package llm

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/loqalabs/loqa-voice/internal/epoch"
	"github.com/loqalabs/loqa-voice/internal/protocol"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
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

// fragmentGenerator streams fixed fragments, calling hook after each one.
type fragmentGenerator struct {
	fragments []string
	hook      func(i int)
	err       error
}

func (g *fragmentGenerator) Generate(ctx context.Context, _ Request, consumer func(Chunk) error) error {
	for i, f := range g.fragments {
		if err := consumer(Chunk{Content: f}); err != nil {
			return err
		}
		if g.hook != nil {
			g.hook(i)
		}
	}
	if g.err != nil {
		return g.err
	}
	return consumer(Chunk{Done: true})
}

func collect(t *testing.T, tokens <-chan protocol.TokenChunk) []protocol.TokenChunk {
	t.Helper()
	var out []protocol.TokenChunk
	deadline := time.After(2 * time.Second)
	for {
		select {
		case c := <-tokens:
			out = append(out, c)
			if c.Final {
				return out
			}
		case <-deadline:
			t.Fatalf("timed out, collected %+v", out)
		}
	}
}

func startWorker(t *testing.T, gen Generator, ep epoch.Reader, opts Options) (*Worker, chan protocol.TokenChunk, *failureSink) {
	t.Helper()
	tokens := make(chan protocol.TokenChunk, 64)
	fails := &failureSink{}
	w := NewWorker(gen, ep, tokens, fails, NewHistory(2), opts, newLogger())
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go w.Run(ctx)
	return w, tokens, fails
}

func TestBuildPrompt(t *testing.T) {
	got := BuildPrompt("Be brief.", []Exchange{{User: "hi", Assistant: "hello"}}, " what time is it ")
	want := "Be brief.\n\nUser: hi\nAssistant: hello\nUser: what time is it\nAssistant:"
	if got != want {
		t.Fatalf("unexpected prompt:\n%q\nwant\n%q", got, want)
	}
}

func TestHistoryKeepsMostRecent(t *testing.T) {
	h := NewHistory(2)
	h.Add("one", "a")
	h.Add("two", "b")
	h.Add("three", "")
	h.Add("  ", "ignored")
	snap := h.Snapshot()
	if len(snap) != 2 || snap[0].User != "two" || snap[1].User != "three" {
		t.Fatalf("unexpected history %+v", snap)
	}
}

func TestStopFilterAcrossFragments(t *testing.T) {
	f := newStopFilter([]string{"User:"})
	var out strings.Builder
	for _, frag := range []string{"Sure thing. ", "Us", "e is fine.\nUs", "er: next"} {
		out.WriteString(f.Push(frag))
	}
	out.WriteString(f.Flush())
	if out.String() != "Sure thing. Use is fine.\n" {
		t.Fatalf("unexpected filtered text %q", out.String())
	}
	if !f.Stopped() {
		t.Fatal("expected stop")
	}
}

func TestWorkerStreamsAndFinalizes(t *testing.T) {
	var ep epoch.Counter
	gen := &fragmentGenerator{fragments: []string{"Hello", " there.", " How", " are", " you?"}}
	w, tokens, fails := startWorker(t, gen, &ep, Options{System: "sys"})

	tag := protocol.Tag{TurnID: 4, Epoch: ep.Current()}
	w.Submit(context.Background(), protocol.Transcript{Tag: tag, Text: "hi"})
	chunks := collect(t, tokens)

	var text strings.Builder
	for i, c := range chunks {
		if c.Tag.TurnID != 4 || c.Tag.Seq != uint64(i+1) {
			t.Fatalf("chunk %d has tag %+v", i, c.Tag)
		}
		text.WriteString(c.Text)
	}
	if text.String() != "Hello there. How are you?" {
		t.Fatalf("unexpected text %q", text.String())
	}
	if !chunks[len(chunks)-1].Final || chunks[len(chunks)-1].Text != "" {
		t.Fatal("stream must end with an empty final chunk")
	}
	if fails.count() != 0 {
		t.Fatalf("unexpected failures %v", fails.errs)
	}
}

func TestWorkerStopsOnEpochAdvance(t *testing.T) {
	var ep epoch.Counter
	gen := &fragmentGenerator{fragments: []string{"one", " two", " three", " four"}}
	gen.hook = func(i int) {
		if i == 0 {
			ep.Advance()
		}
	}
	w, tokens, fails := startWorker(t, gen, &ep, Options{})
	w.Submit(context.Background(), protocol.Transcript{Tag: protocol.Tag{TurnID: 1, Epoch: 0}, Text: "go"})

	time.Sleep(100 * time.Millisecond)
	var got []protocol.TokenChunk
	for len(tokens) > 0 {
		got = append(got, <-tokens)
	}
	if len(got) != 1 || got[0].Text != "one" {
		t.Fatalf("expected exactly the fragment emitted before the advance, got %+v", got)
	}
	if fails.count() != 0 {
		t.Fatal("stale generation must not be reported as a failure")
	}
}

func TestWorkerEnforcesMaxTokensAndStop(t *testing.T) {
	var ep epoch.Counter
	gen := &fragmentGenerator{fragments: []string{"a", " b", " c", " d", " e"}}
	w, tokens, _ := startWorker(t, gen, &ep, Options{Request: Request{MaxTokens: 3}})
	w.Submit(context.Background(), protocol.Transcript{Tag: protocol.Tag{TurnID: 1}, Text: "x"})
	var text strings.Builder
	for _, c := range collect(t, tokens) {
		text.WriteString(c.Text)
	}
	if text.String() != "a b c" {
		t.Fatalf("expected three fragments, got %q", text.String())
	}

	gen2 := &fragmentGenerator{fragments: []string{"Fine.", "\nUser:", " more"}}
	w2, tokens2, _ := startWorker(t, gen2, &ep, Options{Request: Request{Stop: []string{"User:"}}})
	w2.Submit(context.Background(), protocol.Transcript{Tag: protocol.Tag{TurnID: 2}, Text: "x"})
	text.Reset()
	for _, c := range collect(t, tokens2) {
		text.WriteString(c.Text)
	}
	if text.String() != "Fine.\n" {
		t.Fatalf("expected output cut at stop sequence, got %q", text.String())
	}
}

func TestWorkerReportsFailure(t *testing.T) {
	var ep epoch.Counter
	boom := errors.New("backend down")
	gen := &fragmentGenerator{err: boom}
	w, tokens, fails := startWorker(t, gen, &ep, Options{})
	w.Submit(context.Background(), protocol.Transcript{Tag: protocol.Tag{TurnID: 1}, Text: "x"})

	deadline := time.Now().Add(2 * time.Second)
	for fails.count() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("expected failure report")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if !errors.Is(fails.errs[0], boom) {
		t.Fatalf("unexpected error %v", fails.errs[0])
	}
	if len(tokens) != 0 {
		t.Fatal("failed generation must not emit a final chunk")
	}
}

func TestWorkerSkipsCancelledTurn(t *testing.T) {
	var ep epoch.Counter
	gen := &fragmentGenerator{fragments: []string{"never"}}
	w, tokens, _ := startWorker(t, gen, &ep, Options{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	w.Submit(ctx, protocol.Transcript{Tag: protocol.Tag{TurnID: 1}, Text: "x"})
	time.Sleep(50 * time.Millisecond)
	if len(tokens) != 0 {
		t.Fatal("cancelled turn must not generate")
	}
}

func TestMockGeneratorEchoes(t *testing.T) {
	var text strings.Builder
	prompt := BuildPrompt("sys", nil, "hello world")
	err := NewScriptedGenerator("a b", 0).Generate(context.Background(), Request{Prompt: prompt}, func(c Chunk) error {
		text.WriteString(c.Content)
		return nil
	})
	if err != nil || text.String() != "a b" {
		t.Fatalf("scripted generator produced %q, %v", text.String(), err)
	}
	if got := echoReply(prompt); got != "You said: hello world That is all I know." {
		t.Fatalf("unexpected echo %q", got)
	}
}
