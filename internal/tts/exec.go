package tts

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"

	"github.com/go-audio/wav"
	"github.com/mattn/go-shellwords"
)

// frameMS is the playback frame length published per audio chunk.
const frameMS = 100

// execSynth runs a Piper-style command: the text arrives on stdin and the
// command writes a WAV file to the path given by --output_file. A voice,
// when configured, is passed as --speaker.
type execSynth struct {
	cmd        []string
	sampleRate int
	channels   int
	mu         sync.Mutex
}

func NewExecSynth(command string, sampleRate, channels int) (Synthesizer, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse tts command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("tts command empty")
	}
	return &execSynth{cmd: args, sampleRate: sampleRate, channels: channels}, nil
}

func (e *execSynth) Synthesize(ctx context.Context, req SynthRequest) (<-chan SynthChunk, <-chan error) {
	chunks := make(chan SynthChunk)
	errs := make(chan error, 1)
	go func() {
		defer close(errs)
		defer close(chunks)

		frames, err := e.render(ctx, req)
		if err != nil {
			errs <- err
			return
		}
		for _, frame := range frames {
			select {
			case chunks <- frame:
			case <-ctx.Done():
				errs <- ctx.Err()
				return
			}
		}
	}()
	return chunks, errs
}

// render runs the command once. Renders are serialised since most local
// voices hold a single model in memory.
func (e *execSynth) render(ctx context.Context, req SynthRequest) ([]SynthChunk, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	out, err := os.CreateTemp(os.TempDir(), "loqa_tts_*.wav")
	if err != nil {
		return nil, fmt.Errorf("temp file: %w", err)
	}
	path := out.Name()
	_ = out.Close()
	defer os.Remove(path)

	args := append([]string{}, e.cmd[1:]...)
	args = append(args, "--output_file", path)
	if req.Voice != "" {
		args = append(args, "--speaker", req.Voice)
	}
	cmd := exec.CommandContext(ctx, e.cmd[0], args...)
	cmd.Stdin = strings.NewReader(req.Text)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("tts command failed: %w: %s", err, strings.TrimSpace(stderr.String()))
	}
	return framesFromWav(path, req.SessionID, frameMS)
}

// framesFromWav decodes a 16-bit WAV and splits it into frames of frameMS,
// marking the last one final.
func framesFromWav(path, sessionID string, frameMS int) ([]SynthChunk, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	dec := wav.NewDecoder(f)
	if !dec.IsValidFile() {
		return nil, errors.New("tts command produced an invalid wav file")
	}
	if dec.BitDepth != 16 {
		return nil, fmt.Errorf("tts wav has %d-bit samples, want 16", dec.BitDepth)
	}
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, fmt.Errorf("decode tts wav: %w", err)
	}
	rate, channels := buf.Format.SampleRate, buf.Format.NumChannels
	pcm := make([]byte, len(buf.Data)*2)
	for i, sample := range buf.Data {
		binary.LittleEndian.PutUint16(pcm[i*2:], uint16(int16(sample)))
	}

	frameBytes := rate * channels * 2 * frameMS / 1000
	if frameBytes <= 0 {
		frameBytes = len(pcm)
	}
	var frames []SynthChunk
	for start := 0; start < len(pcm) || len(frames) == 0; start += frameBytes {
		end := min(start+frameBytes, len(pcm))
		frames = append(frames, SynthChunk{
			SessionID:  sessionID,
			Sequence:   len(frames),
			SampleRate: rate,
			Channels:   channels,
			PCM:        pcm[start:end],
		})
	}
	frames[len(frames)-1].Final = true
	return frames, nil
}
