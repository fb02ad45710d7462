package stt

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"sync"

	"github.com/loqalabs/loqa-presence/internal/config"
	"github.com/mattn/go-shellwords"
)

type execRecognizer struct {
	cmd []string
	cfg config.STTConfig
	mu  sync.Mutex
}

type execResult struct {
	Text       *string `json:"text"`
	Confidence float64 `json:"confidence"`
}

// NewExecRecognizer runs a local command per clip. The command receives
// --audio <wav> and prints {"text": ..., "confidence": ...}.
func NewExecRecognizer(cfg config.STTConfig) (Recognizer, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(cfg.Command)
	if err != nil {
		return nil, fmt.Errorf("parse stt command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("stt command is empty")
	}
	return &execRecognizer{cmd: args, cfg: cfg}, nil
}

func (r *execRecognizer) Transcribe(ctx context.Context, audio Audio) (Result, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	path, err := tempWav(audio.PCM, audio.SampleRate, audio.Channels)
	if err != nil {
		return Result{}, err
	}
	defer os.Remove(path)

	cmdArgs := append([]string{}, r.cmd[1:]...)
	cmdArgs = append(cmdArgs, "--audio", path)
	if r.cfg.ModelPath != "" {
		cmdArgs = append(cmdArgs, "--model", r.cfg.ModelPath)
	}
	if r.cfg.Language != "" {
		cmdArgs = append(cmdArgs, "--language", r.cfg.Language)
	}

	command := exec.CommandContext(ctx, r.cmd[0], cmdArgs...)
	var stdout bytes.Buffer
	var stderr bytes.Buffer
	command.Stdout = &stdout
	command.Stderr = &stderr

	if err := command.Run(); err != nil {
		if ctx.Err() != nil {
			return Result{}, &Error{Kind: ErrNetworkTimeout, Err: ctx.Err()}
		}
		return Result{}, &Error{Kind: ErrServiceUnavailable, Err: fmt.Errorf("stt command failed: %w: %s", err, stderr.String())}
	}

	var resp execResult
	if err := json.Unmarshal(stdout.Bytes(), &resp); err != nil {
		return Result{}, &Error{Kind: ErrServiceUnavailable, Err: fmt.Errorf("decode stt response: %w", err)}
	}
	if resp.Text == nil {
		return Result{}, &Error{Kind: ErrEmptyResult}
	}
	return Result{Text: *resp.Text, Confidence: resp.Confidence}, nil
}
