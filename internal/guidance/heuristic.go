package guidance

import (
	"regexp"
	"strings"
)

// HeuristicConfidence is reported for signals produced without the oracle.
const HeuristicConfidence = 0.3

type rule struct {
	category Category
	pattern  *regexp.Regexp
}

var rules = []rule{
	{Emotional, regexp.MustCompile(`(?i)\b(sad|cry|crying|tears|grie(f|ving)|hurt(s|ing)?|afraid|scared|angry|lonely|miss (him|her|them)|anxious|overwhelm(ed|ing)?|heartbroken)\b`)},
	{Uncertainty, regexp.MustCompile(`(?i)(\b(not sure|unsure|confus(ed|ing)|maybe|i guess|no idea)\b|\bdon'?t know\b|\bcan'?t tell\b)`)},
	{Question, regexp.MustCompile(`(?i)(\?\s*$|^\s*(what|why|how|when|where|who|do you|can you|could you|would you|is it|are you)\b)`)},
	{Presence, regexp.MustCompile(`(?i)\b(be here|sit with|stay with|stillness|quiet|breath(e|ing)?|present)\b`)},
}

var (
	closingPattern     = regexp.MustCompile(`(?i)\b(goodbye|bye|that'?s all|thank you|done for (now|today))\b`)
	dissolutionPattern = regexp.MustCompile(`(?i)\b(let(ting)? go|dissolv(e|ing)|fad(e|ing)|releas(e|ing)|melt(ing)?)\b`)
	fillerPattern      = regexp.MustCompile(`(?i)^(\W*|(um+|uh+|hmm+|mm+)\W*)$`)
)

// Heuristic classifies text with fixed patterns. It is the fallback when
// the oracle is unreachable or its output cannot be parsed.
func Heuristic(text string) Signal {
	trimmed := strings.TrimSpace(text)
	sig := Signal{Category: Acknowledgment, Confidence: HeuristicConfidence}
	if trimmed == "" || fillerPattern.MatchString(trimmed) {
		sig.Category = Silence
		sig.SuggestSilence = true
		return sig
	}
	for _, r := range rules {
		if r.pattern.MatchString(trimmed) {
			sig.Category = r.category
			break
		}
	}
	switch {
	case closingPattern.MatchString(trimmed):
		sig.Phase = PhaseClosing
	case dissolutionPattern.MatchString(trimmed):
		sig.Phase = PhaseDissolution
		sig.SuggestSilence = true
	}
	return sig
}
