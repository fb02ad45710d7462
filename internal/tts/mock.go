package tts

import (
	"context"
	"strings"
)

// mockWordMS approximates speaking time per word for mock audio length.
const mockWordMS = 300

type mockSynth struct {
	sampleRate int
	channels   int
}

// NewMockSynth renders silent PCM whose length tracks the word count.
func NewMockSynth(sampleRate, channels int) Synthesizer {
	return &mockSynth{sampleRate: sampleRate, channels: channels}
}

func (m *mockSynth) Synthesize(ctx context.Context, req SynthRequest) (<-chan SynthChunk, <-chan error) {
	chunks := make(chan SynthChunk, 1)
	errs := make(chan error, 1)
	go func() {
		defer close(chunks)
		defer close(errs)
		if err := ctx.Err(); err != nil {
			errs <- err
			return
		}
		words := len(strings.Fields(req.Text))
		samples := m.sampleRate * words * mockWordMS / 1000
		chunks <- SynthChunk{
			SessionID:  req.SessionID,
			SampleRate: m.sampleRate,
			Channels:   m.channels,
			PCM:        make([]byte, samples*2*m.channels),
			Final:      true,
		}
	}()
	return chunks, errs
}
