package tts

import (
	"context"
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// cachingSynth renders each distinct voice and text pair once. The
// constrained voice speaks from fixed pools, so nearly every utterance
// after warm-up is a hit. Cached PCM is shared and must not be modified.
type cachingSynth struct {
	next    Synthesizer
	cache   *lru.Cache[string, []SynthChunk]
	lookups metric.Int64Counter
}

func NewCachingSynth(next Synthesizer, size int) (Synthesizer, error) {
	cache, err := lru.New[string, []SynthChunk](size)
	if err != nil {
		return nil, fmt.Errorf("tts cache: %w", err)
	}
	c := &cachingSynth{next: next, cache: cache}
	meter := otel.Meter("github.com/loqalabs/loqa-presence/tts")
	if counter, err := meter.Int64Counter("presence.tts.cache", metric.WithDescription("Synthesis cache lookups by result")); err == nil {
		c.lookups = counter
	}
	return c, nil
}

func (c *cachingSynth) Synthesize(ctx context.Context, req SynthRequest) (<-chan SynthChunk, <-chan error) {
	key := req.Voice + "\x00" + req.Text
	if rendered, ok := c.cache.Get(key); ok {
		c.count("hit")
		return replay(ctx, req.SessionID, rendered)
	}
	c.count("miss")

	upstream, upstreamErrs := c.next.Synthesize(ctx, req)
	out := make(chan SynthChunk)
	errs := make(chan error, 1)
	go func() {
		defer close(errs)
		defer close(out)
		var rendered []SynthChunk
		forwarding := true
		for chunk := range upstream {
			rendered = append(rendered, chunk)
			if !forwarding {
				continue
			}
			select {
			case out <- chunk:
			case <-ctx.Done():
				forwarding = false
			}
		}
		if err := <-upstreamErrs; err != nil {
			errs <- err
			return
		}
		if !forwarding {
			errs <- ctx.Err()
			return
		}
		c.cache.Add(key, rendered)
	}()
	return out, errs
}

func replay(ctx context.Context, sessionID string, rendered []SynthChunk) (<-chan SynthChunk, <-chan error) {
	out := make(chan SynthChunk)
	errs := make(chan error, 1)
	go func() {
		defer close(errs)
		defer close(out)
		for _, chunk := range rendered {
			chunk.SessionID = sessionID
			select {
			case out <- chunk:
			case <-ctx.Done():
				errs <- ctx.Err()
				return
			}
		}
	}()
	return out, errs
}

func (c *cachingSynth) count(result string) {
	if c.lookups != nil {
		c.lookups.Add(context.Background(), 1, metric.WithAttributes(attribute.String("result", result)))
	}
}
