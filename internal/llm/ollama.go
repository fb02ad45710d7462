package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// ollamaGenerator streams completions from Ollama's chat endpoint.
type ollamaGenerator struct {
	endpoint string
	model    string
	client   *http.Client
}

func NewOllamaGenerator(endpoint, model string, client *http.Client) Generator {
	if model == "" {
		model = "llama3.2:latest"
	}
	if client == nil {
		client = http.DefaultClient
	}
	return &ollamaGenerator{endpoint: endpoint, model: model, client: client}
}

type chatRequest struct {
	Model    string      `json:"model"`
	Messages []Message   `json:"messages"`
	Stream   bool        `json:"stream"`
	Options  chatOptions `json:"options"`
}

type chatOptions struct {
	Temperature float64 `json:"temperature,omitempty"`
	NumPredict  int     `json:"num_predict,omitempty"`
}

type chatStreamLine struct {
	Message         Message `json:"message"`
	Done            bool    `json:"done"`
	DoneReason      string  `json:"done_reason,omitempty"`
	EvalCount       int     `json:"eval_count,omitempty"`
	PromptEvalCount int     `json:"prompt_eval_count,omitempty"`
	Error           string  `json:"error,omitempty"`
}

func (g *ollamaGenerator) Generate(ctx context.Context, req Request, consumer func(Chunk) error) error {
	body, err := json.Marshal(chatRequest{
		Model:    g.model,
		Messages: req.Messages,
		Stream:   true,
		Options: chatOptions{
			Temperature: req.Temperature,
			NumPredict:  req.MaxTokens,
		},
	})
	if err != nil {
		return err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, g.endpoint+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := g.client.Do(httpReq)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("ollama returned status %s", resp.Status)
	}

	start := time.Now()
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var part chatStreamLine
		if err := json.Unmarshal(line, &part); err != nil {
			return fmt.Errorf("decode ollama chunk: %w", err)
		}
		if part.Error != "" {
			return errors.New("ollama: " + part.Error)
		}
		if err := consumer(Chunk{
			SessionID:        req.SessionID,
			Content:          part.Message.Content,
			Partial:          !part.Done,
			PromptTokens:     part.PromptEvalCount,
			CompletionTokens: part.EvalCount,
			Latency:          time.Since(start),
			TraceID:          req.TraceID,
		}); err != nil {
			return err
		}
		if part.Done {
			return nil
		}
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	return ctx.Err()
}
