package stt

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"

	"github.com/loqalabs/loqa-presence/internal/config"
)

type httpRecognizer struct {
	endpoint string
	cfg      config.STTConfig
	client   *http.Client
}

type httpResult struct {
	Text       *string `json:"text"`
	Confidence float64 `json:"confidence"`
}

// NewHTTPRecognizer posts each clip to a transcription endpoint. A 2xx body
// without a text field is an empty result, not an error.
func NewHTTPRecognizer(cfg config.STTConfig, client *http.Client) Recognizer {
	if client == nil {
		client = http.DefaultClient
	}
	return &httpRecognizer{endpoint: cfg.Endpoint, cfg: cfg, client: client}
}

func (r *httpRecognizer) Transcribe(ctx context.Context, audio Audio) (Result, error) {
	body, contentType, err := r.encode(audio)
	if err != nil {
		return Result{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.endpoint, bytes.NewReader(body))
	if err != nil {
		return Result{}, err
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Accept", "application/json")
	if r.cfg.Language != "" {
		req.Header.Set("Content-Language", r.cfg.Language)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return Result{}, classify(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return Result{}, &Error{Kind: ErrServiceUnavailable, Err: fmt.Errorf("transcription service returned %s", resp.Status)}
	}

	var out httpResult
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		if ctx.Err() != nil {
			return Result{}, classify(ctx.Err())
		}
		return Result{}, &Error{Kind: ErrEmptyResult, Err: err}
	}
	if out.Text == nil {
		return Result{}, &Error{Kind: ErrEmptyResult}
	}
	return Result{Text: *out.Text, Confidence: out.Confidence}, nil
}

func (r *httpRecognizer) encode(audio Audio) ([]byte, string, error) {
	if audio.Encoding != "audio/wav" {
		ct := "audio/L16; rate=" + strconv.Itoa(audio.SampleRate) + "; channels=" + strconv.Itoa(audio.Channels)
		return audio.PCM, ct, nil
	}
	path, err := tempWav(audio.PCM, audio.SampleRate, audio.Channels)
	if err != nil {
		return nil, "", err
	}
	defer os.Remove(path)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, "", fmt.Errorf("read wav: %w", err)
	}
	return data, "audio/wav", nil
}
