package stt

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	"github.com/loqalabs/loqa-presence/internal/config"
)

var (
	// ErrNetworkTimeout is retried once by the dispatcher.
	ErrNetworkTimeout = errors.New("stt: network timeout")
	// ErrServiceUnavailable is surfaced without retry.
	ErrServiceUnavailable = errors.New("stt: service unavailable")
	// ErrEmptyResult means the service answered without any text. It is not a failure.
	ErrEmptyResult = errors.New("stt: empty result")
	// ErrDiscarded means playback claimed the channel while the call was in flight.
	ErrDiscarded = errors.New("stt: transcript discarded after playback claim")
	// ErrBelowGate means the segment is too short or too quiet to transcribe.
	ErrBelowGate = errors.New("stt: segment below gate")
)

// Error tags a recognizer failure with its kind.
type Error struct {
	Kind error
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Kind.Error()
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// Audio is a finite clip handed to a recognizer.
type Audio struct {
	PCM        []byte
	SampleRate int
	Channels   int
	Encoding   string
}

// Result captures recognizer output.
type Result struct {
	Text       string
	Confidence float64
}

// Recognizer abstracts STT backends.
type Recognizer interface {
	Transcribe(ctx context.Context, audio Audio) (Result, error)
}

// NewRecognizer builds the backend selected by cfg.Mode. A disabled
// recognizer falls back to the mock so sessions still produce turns.
func NewRecognizer(cfg config.STTConfig, client *http.Client) (Recognizer, error) {
	if !cfg.Enabled {
		return NewMockRecognizer(), nil
	}
	switch cfg.Mode {
	case "", "mock":
		return NewMockRecognizer(), nil
	case "exec":
		return NewExecRecognizer(cfg)
	case "http":
		return NewHTTPRecognizer(cfg, client), nil
	default:
		return nil, fmt.Errorf("unsupported stt mode %q", cfg.Mode)
	}
}

// classify maps arbitrary backend errors onto the failure taxonomy.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var tagged *Error
	if errors.As(err, &tagged) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &Error{Kind: ErrNetworkTimeout, Err: err}
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &Error{Kind: ErrNetworkTimeout, Err: err}
	}
	return &Error{Kind: ErrServiceUnavailable, Err: err}
}
