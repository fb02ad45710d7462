// Package voice chooses what the agent says from fixed phrase pools. It has
// no way to produce text outside those pools.
package voice

import (
	"math/rand/v2"
	"strings"
	"sync"
	"time"

	"github.com/loqalabs/loqa-presence/internal/guidance"
)

// MinSilenceProbability is the floor for answering a silence suggestion with silence.
const MinSilenceProbability = 0.7

// RandSource is satisfied by *rand.Rand from math/rand/v2.
type RandSource interface {
	IntN(n int) int
	Float64() float64
}

type globalSource struct{}

func (globalSource) IntN(n int) int   { return rand.IntN(n) }
func (globalSource) Float64() float64 { return rand.Float64() }

// Plan is one response. A nil Utterance is deliberate silence.
type Plan struct {
	Utterance   *string
	PauseBefore time.Duration
	PauseAfter  time.Duration
	Category    guidance.Category
}

func (p Plan) Silent() bool { return p.Utterance == nil }

func (p Plan) Text() string {
	if p.Utterance == nil {
		return ""
	}
	return *p.Utterance
}

func (p Plan) WordCount() int { return len(strings.Fields(p.Text())) }

type Generator struct {
	mu                 sync.Mutex
	rng                RandSource
	silenceProbability float64
}

// NewGenerator returns a generator. silenceProbability is raised to
// MinSilenceProbability if lower and capped at 1. A nil rng uses the
// runtime-seeded global source.
func NewGenerator(silenceProbability float64, rng RandSource) *Generator {
	if silenceProbability < MinSilenceProbability {
		silenceProbability = MinSilenceProbability
	}
	if silenceProbability > 1 {
		silenceProbability = 1
	}
	if rng == nil {
		rng = globalSource{}
	}
	return &Generator{rng: rng, silenceProbability: silenceProbability}
}

func (g *Generator) SilenceProbability() float64 { return g.silenceProbability }

// Generate maps sig to a plan. With no signal a pool is chosen uniformly,
// then a phrase uniformly within it.
func (g *Generator) Generate(sig *guidance.Signal) Plan {
	before, after := Timing(sig)
	plan := Plan{PauseBefore: before, PauseAfter: after}

	g.mu.Lock()
	defer g.mu.Unlock()

	if sig == nil {
		plan.Category = guidance.Categories[g.rng.IntN(len(guidance.Categories))]
		plan.Utterance = g.pickLocked(plan.Category)
		return plan
	}

	plan.Category = sig.Category
	if _, ok := pools[plan.Category]; !ok {
		plan.Category = guidance.Acknowledgment
	}
	if sig.SuggestSilence && g.rng.Float64() < g.silenceProbability {
		return plan
	}
	plan.Utterance = g.pickLocked(plan.Category)
	return plan
}

func (g *Generator) pickLocked(category guidance.Category) *string {
	pool := pools[category]
	phrase := pool[g.rng.IntN(len(pool))]
	return &phrase
}

// CannotElaborate is the answer to any request for more than the pools allow.
func (g *Generator) CannotElaborate() Plan {
	phrase := cannotElaboratePhrase
	before, after := Timing(nil)
	return Plan{Utterance: &phrase, PauseBefore: before, PauseAfter: after, Category: guidance.Presence}
}
