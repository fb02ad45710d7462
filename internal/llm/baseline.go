package llm

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/loqalabs/loqa-presence/internal/config"
)

// ErrEmptyCompletion is returned when the model produced no text.
var ErrEmptyCompletion = errors.New("llm: empty completion")

// Baseline answers a turn with unconstrained model output.
type Baseline struct {
	cfg       config.BaselineConfig
	generator Generator
	logger    *slog.Logger
}

func NewBaseline(cfg config.BaselineConfig, generator Generator, logger *slog.Logger) *Baseline {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Baseline{cfg: cfg, generator: generator, logger: logger.With(slog.String("component", "baseline"))}
}

// Respond collects the full completion for text, with history as prior turns.
func (b *Baseline) Respond(ctx context.Context, sessionID, text string, history []string) (string, error) {
	req := OptionsFromConfig(b.cfg)
	req.SessionID = sessionID
	req.Messages = append(req.Messages, transcript(history)...)
	req.Messages = append(req.Messages, Message{Role: RoleUser, Content: text})

	start := time.Now()
	var out strings.Builder
	var tokens int
	err := b.generator.Generate(ctx, req, func(chunk Chunk) error {
		out.WriteString(chunk.Content)
		tokens = chunk.CompletionTokens
		return nil
	})
	if err != nil {
		b.logger.Warn("baseline generation failed", slog.String("session_id", sessionID), slogError(err))
		return "", err
	}
	content := strings.TrimSpace(out.String())
	if content == "" {
		return "", ErrEmptyCompletion
	}
	b.logger.Info("baseline generation complete",
		slog.String("session_id", sessionID),
		slog.Int("completion_tokens", tokens),
		slog.Duration("latency", time.Since(start)))
	return content, nil
}

// transcript turns "speaker: content" history lines into chat messages.
// Agent lines become assistant messages; everything else is the user.
func transcript(history []string) []Message {
	out := make([]Message, 0, len(history))
	for _, line := range history {
		speaker, content, ok := strings.Cut(line, ": ")
		if !ok {
			out = append(out, Message{Role: RoleUser, Content: line})
			continue
		}
		role := RoleUser
		if speaker == "agent" {
			role = RoleAssistant
		}
		out = append(out, Message{Role: role, Content: content})
	}
	return out
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
