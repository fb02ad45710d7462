package voice

import "github.com/loqalabs/loqa-presence/internal/guidance"

// pools is the entire vocabulary of the constrained voice.
var pools = map[guidance.Category][]string{
	guidance.Acknowledgment: {
		"Mm-hm.",
		"I hear you.",
		"Yes.",
		"Okay.",
		"I'm with you.",
		"Right.",
	},
	guidance.Presence: {
		"I'm here.",
		"Take your time.",
		"I'm listening.",
		"No rush.",
		"Still here.",
	},
	guidance.Uncertainty: {
		"That's okay.",
		"You don't have to know yet.",
		"It can stay unclear for now.",
		"Not knowing is fine.",
	},
	guidance.Emotional: {
		"That's a lot.",
		"That sounds heavy.",
		"I'm sorry.",
		"That matters.",
		"I'm here with that.",
	},
	guidance.Question: {
		"What comes up?",
		"Say more?",
		"What's that like?",
		"And then?",
	},
	guidance.Silence: {
		"Mm.",
		"Hm.",
		"Yeah.",
	},
}

const cannotElaboratePhrase = "I can't say more than that. I'm still here."

// Phrases returns a copy of the pool for category.
func Phrases(category guidance.Category) []string {
	return append([]string(nil), pools[category]...)
}

// Contains reports whether phrase belongs to the pool for category.
func Contains(category guidance.Category, phrase string) bool {
	for _, p := range pools[category] {
		if p == phrase {
			return true
		}
	}
	return false
}
