package voice

import (
	"time"

	"github.com/loqalabs/loqa-presence/internal/guidance"
)

const (
	basePauseBefore = 600 * time.Millisecond
	basePauseAfter  = 400 * time.Millisecond
	minPause        = 200 * time.Millisecond
)

var phaseTiming = map[guidance.Phase][2]time.Duration{
	guidance.PhaseOpening:     {0, 0},
	guidance.PhaseExploring:   {200 * time.Millisecond, 200 * time.Millisecond},
	guidance.PhaseDeepening:   {600 * time.Millisecond, 800 * time.Millisecond},
	guidance.PhaseDissolution: {1400 * time.Millisecond, 2000 * time.Millisecond},
	guidance.PhaseClosing:     {200 * time.Millisecond, 1200 * time.Millisecond},
}

var elementTiming = map[guidance.Element][2]time.Duration{
	guidance.ElementEarth: {400 * time.Millisecond, 200 * time.Millisecond},
	guidance.ElementWater: {200 * time.Millisecond, 400 * time.Millisecond},
	guidance.ElementFire:  {-300 * time.Millisecond, -100 * time.Millisecond},
	guidance.ElementAir:   {-200 * time.Millisecond, 0},
	guidance.ElementSpace: {300 * time.Millisecond, 900 * time.Millisecond},
}

// Timing derives the pauses around a response from the signal's phase and
// element tags alone. The chosen phrase has no influence.
func Timing(sig *guidance.Signal) (before, after time.Duration) {
	before, after = basePauseBefore, basePauseAfter
	if sig == nil {
		return before, after
	}
	if d, ok := phaseTiming[sig.Phase]; ok {
		before += d[0]
		after += d[1]
	}
	if d, ok := elementTiming[sig.Element]; ok {
		before += d[0]
		after += d[1]
	}
	return max(before, minPause), max(after, minPause)
}
