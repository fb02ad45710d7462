package tts

import (
	"context"
	"sync/atomic"
	"testing"
)

type countingSynth struct {
	next  Synthesizer
	calls atomic.Int32
}

func (c *countingSynth) Synthesize(ctx context.Context, req SynthRequest) (<-chan SynthChunk, <-chan error) {
	c.calls.Add(1)
	return c.next.Synthesize(ctx, req)
}

func collect(t *testing.T, synth Synthesizer, req SynthRequest) ([]SynthChunk, error) {
	t.Helper()
	chunks, errs := synth.Synthesize(context.Background(), req)
	var out []SynthChunk
	for chunk := range chunks {
		out = append(out, chunk)
	}
	return out, <-errs
}

func TestCachingSynthRendersPhraseOnce(t *testing.T) {
	upstream := &countingSynth{next: NewMockSynth(16000, 1)}
	synth, err := NewCachingSynth(upstream, 8)
	if err != nil {
		t.Fatalf("new cache: %v", err)
	}

	first, err := collect(t, synth, SynthRequest{SessionID: "a", Text: "I'm here.", Voice: "en-US"})
	if err != nil || len(first) != 1 {
		t.Fatalf("first render: %v %d", err, len(first))
	}
	second, err := collect(t, synth, SynthRequest{SessionID: "b", Text: "I'm here.", Voice: "en-US"})
	if err != nil || len(second) != 1 {
		t.Fatalf("second render: %v %d", err, len(second))
	}
	if n := upstream.calls.Load(); n != 1 {
		t.Fatalf("expected one upstream render, got %d", n)
	}
	if second[0].SessionID != "b" || len(second[0].PCM) != len(first[0].PCM) {
		t.Fatalf("replayed chunk should match and carry the new session, got %+v", second[0].SessionID)
	}

	if _, err := collect(t, synth, SynthRequest{SessionID: "a", Text: "I'm here.", Voice: "en-GB"}); err != nil {
		t.Fatalf("other voice: %v", err)
	}
	if n := upstream.calls.Load(); n != 2 {
		t.Fatalf("a different voice is a different entry, got %d renders", n)
	}
}

func TestCachingSynthSkipsFailures(t *testing.T) {
	upstream := &countingSynth{next: failingSynth{}}
	synth, err := NewCachingSynth(upstream, 8)
	if err != nil {
		t.Fatalf("new cache: %v", err)
	}
	for i := 0; i < 2; i++ {
		if _, err := collect(t, synth, SynthRequest{Text: "Still here."}); err == nil {
			t.Fatalf("expected synth error")
		}
	}
	if n := upstream.calls.Load(); n != 2 {
		t.Fatalf("failed renders must not be cached, got %d calls", n)
	}
}

func TestNewCachingSynthRejectsBadSize(t *testing.T) {
	if _, err := NewCachingSynth(NewMockSynth(16000, 1), 0); err == nil {
		t.Fatalf("expected error for zero size")
	}
}
