package guidance

import (
	"context"
	"encoding/json"
)

type mockOracle struct{}

// NewMockOracle answers with the heuristic classification at moderate confidence.
func NewMockOracle() Oracle { return &mockOracle{} }

func (m *mockOracle) Analyze(ctx context.Context, req Request) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	sig := Heuristic(req.Text)
	sig.Confidence = 0.5
	return json.Marshal(sig)
}
