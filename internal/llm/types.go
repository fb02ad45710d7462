// Package llm is the free-form generator behind the baseline rollout arm.
package llm

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/loqalabs/loqa-presence/internal/config"
)

type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one entry of a chat transcript.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Request is a chat completion request. A system prompt, when present, is
// the first message.
type Request struct {
	SessionID   string
	Messages    []Message
	MaxTokens   int
	Temperature float64
	TraceID     string
}

// LastUser returns the content of the most recent user message.
func (r Request) LastUser() string {
	for i := len(r.Messages) - 1; i >= 0; i-- {
		if r.Messages[i].Role == RoleUser {
			return r.Messages[i].Content
		}
	}
	return ""
}

// Chunk represents streamed model output.
type Chunk struct {
	SessionID        string
	Content          string
	Partial          bool
	PromptTokens     int
	CompletionTokens int
	Latency          time.Duration
	TraceID          string
}

// Generator defines a pluggable LLM backend.
type Generator interface {
	Generate(ctx context.Context, req Request, consumer func(Chunk) error) error
}

// OptionsFromConfig builds request defaults from config, seeding the
// transcript with the configured system prompt.
func OptionsFromConfig(cfg config.BaselineConfig) Request {
	req := Request{MaxTokens: cfg.MaxTokens, Temperature: cfg.Temperature}
	if cfg.System != "" {
		req.Messages = []Message{{Role: RoleSystem, Content: cfg.System}}
	}
	return req
}

// NewGenerator builds the backend selected by cfg.Mode.
func NewGenerator(cfg config.BaselineConfig, client *http.Client) (Generator, error) {
	switch cfg.Mode {
	case "", "mock":
		return NewMockGenerator(), nil
	case "ollama":
		return NewOllamaGenerator(cfg.Endpoint, cfg.Model, client), nil
	case "exec":
		return NewExecGenerator(cfg.Command)
	default:
		return nil, fmt.Errorf("unsupported baseline mode %q", cfg.Mode)
	}
}
