package conversation

import (
	"sync"
	"time"

	"github.com/loqalabs/loqa-presence/internal/guidance"
	"github.com/loqalabs/loqa-presence/internal/rollout"
)

type Speaker string

const (
	SpeakerHuman Speaker = "human"
	SpeakerAgent Speaker = "agent"
)

// Turn is one bounded span of human or agent speech. An agent turn with
// Silence set is a deliberate non-answer.
type Turn struct {
	ID        string
	Speaker   Speaker
	Content   string
	Arm       rollout.Arm
	Category  guidance.Category
	Silence   bool
	StartedAt time.Time
	EndedAt   time.Time
}

// History is append-only. Readers get copies.
type History struct {
	mu    sync.RWMutex
	turns []Turn
}

func (h *History) Append(t Turn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.turns = append(h.turns, t)
}

func (h *History) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.turns)
}

func (h *History) Turns() []Turn {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return append([]Turn(nil), h.turns...)
}

// Context renders the last n non-silent turns as "speaker: content" lines.
func (h *History) Context(n int) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	var out []string
	for i := len(h.turns) - 1; i >= 0 && len(out) < n; i-- {
		t := h.turns[i]
		if t.Silence || t.Content == "" {
			continue
		}
		out = append(out, string(t.Speaker)+": "+t.Content)
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out
}
