// Package guidance reduces conversational input to a small closed-vocabulary
// Signal. Oracle output is validated and clamped here and never passed on as
// free text.
package guidance

import "math"

type Category string

const (
	Acknowledgment Category = "acknowledgment"
	Presence       Category = "presence"
	Uncertainty    Category = "uncertainty"
	Emotional      Category = "emotional"
	Question       Category = "question"
	Silence        Category = "silence"
)

// Categories lists every response category in a stable order.
var Categories = []Category{Acknowledgment, Presence, Uncertainty, Emotional, Question, Silence}

// Phase tags where the conversation is in its arc.
type Phase string

const (
	PhaseOpening     Phase = "opening"
	PhaseExploring   Phase = "exploring"
	PhaseDeepening   Phase = "deepening"
	PhaseDissolution Phase = "dissolution"
	PhaseClosing     Phase = "closing"
)

var phases = map[Phase]bool{
	PhaseOpening: true, PhaseExploring: true, PhaseDeepening: true, PhaseDissolution: true, PhaseClosing: true,
}

// Element tags the felt quality of what was said.
type Element string

const (
	ElementEarth Element = "earth"
	ElementWater Element = "water"
	ElementFire  Element = "fire"
	ElementAir   Element = "air"
	ElementSpace Element = "space"
)

var elements = map[Element]bool{
	ElementEarth: true, ElementWater: true, ElementFire: true, ElementAir: true, ElementSpace: true,
}

// Signal is the only thing that crosses from analysis into the constrained
// voice. Empty Phase or Element means the tag was absent.
type Signal struct {
	Category       Category `json:"category"`
	SuggestSilence bool     `json:"suggest_silence"`
	Element        Element  `json:"element,omitempty"`
	Phase          Phase    `json:"phase,omitempty"`
	Confidence     float64  `json:"confidence"`
}

// ParseCategory maps s onto the closed enum. Unknown values become
// Acknowledgment and ok is false.
func ParseCategory(s string) (c Category, ok bool) {
	for _, c := range Categories {
		if string(c) == s {
			return c, true
		}
	}
	return Acknowledgment, false
}

func ParsePhase(s string) (Phase, bool) {
	p := Phase(s)
	return p, phases[p]
}

func ParseElement(s string) (Element, bool) {
	e := Element(s)
	return e, elements[e]
}

func clamp01(v float64) float64 {
	switch {
	case math.IsNaN(v):
		return 0
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}
