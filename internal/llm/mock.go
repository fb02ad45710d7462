package llm

import "context"

type mockGenerator struct{}

// NewMockGenerator answers the last user message in a chatty sentence,
// which is roughly how a free-form model answers.
func NewMockGenerator() Generator { return &mockGenerator{} }

func (m *mockGenerator) Generate(ctx context.Context, req Request, consumer func(Chunk) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return consumer(Chunk{
		SessionID: req.SessionID,
		Content:   "Thank you for sharing that with me. It sounds like " + req.LastUser() + " is on your mind, and I'd love to hear more about it.",
		TraceID:   req.TraceID,
	})
}
