package guidance

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/loqalabs/loqa-presence/internal/config"
)

// Request is what the oracle sees: the latest utterance plus recent turns.
type Request struct {
	SessionID string   `json:"session_id"`
	Text      string   `json:"text"`
	Context   []string `json:"context,omitempty"`
}

// Oracle returns a JSON-shaped guidance record. Its output is untrusted.
type Oracle interface {
	Analyze(ctx context.Context, req Request) ([]byte, error)
}

// NewOracle builds the backend selected by cfg.Mode.
func NewOracle(cfg config.GuidanceConfig, client *http.Client) (Oracle, error) {
	switch cfg.Mode {
	case "", "mock":
		return NewMockOracle(), nil
	case "ollama":
		return NewOllamaOracle(cfg.Endpoint, cfg.Model, client), nil
	case "exec":
		return NewExecOracle(cfg.Command)
	default:
		return nil, fmt.Errorf("unsupported guidance mode %q", cfg.Mode)
	}
}

const systemPrompt = `You read a conversation and answer with a single JSON object, nothing else.
Fields:
  "category": one of acknowledgment, presence, uncertainty, emotional, question, silence
  "suggest_silence": true when the best response is to stay quiet
  "phase": optional, one of opening, exploring, deepening, dissolution, closing
  "element": optional, one of earth, water, fire, air, space
  "confidence": number between 0 and 1`

func buildPrompt(req Request) string {
	var b strings.Builder
	if len(req.Context) > 0 {
		b.WriteString("Recent turns:\n")
		for _, turn := range req.Context {
			b.WriteString("- ")
			b.WriteString(turn)
			b.WriteByte('\n')
		}
		b.WriteByte('\n')
	}
	b.WriteString("Latest utterance:\n")
	b.WriteString(req.Text)
	return b.String()
}
