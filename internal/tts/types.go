// Package tts drives agent playback: it claims the audio channel, renders
// the utterance and hands audio to the output target.
package tts

import (
	"context"
	"fmt"

	"github.com/loqalabs/loqa-presence/internal/config"
)

// SynthRequest contains parameters to synthesize speech.
type SynthRequest struct {
	SessionID string
	Text      string
	Voice     string
}

// SynthChunk contains PCM data.
type SynthChunk struct {
	SessionID  string
	Sequence   int
	SampleRate int
	Channels   int
	PCM        []byte
	Final      bool
}

// Synthesizer is the contract for producing audio.
type Synthesizer interface {
	Synthesize(ctx context.Context, req SynthRequest) (<-chan SynthChunk, <-chan error)
}

// NewSynthesizer builds the backend selected by cfg.Mode, behind a phrase
// cache when cfg.CacheSize is positive.
func NewSynthesizer(cfg config.TTSConfig) (Synthesizer, error) {
	var (
		synth Synthesizer
		err   error
	)
	switch cfg.Mode {
	case "", "mock":
		synth = NewMockSynth(cfg.SampleRate, cfg.Channels)
	case "exec":
		synth, err = NewExecSynth(cfg.Command, cfg.SampleRate, cfg.Channels)
	default:
		return nil, fmt.Errorf("unsupported tts mode %q", cfg.Mode)
	}
	if err != nil || cfg.CacheSize <= 0 {
		return synth, err
	}
	return NewCachingSynth(synth, cfg.CacheSize)
}
