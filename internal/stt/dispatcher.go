// Package stt sends finalized speech segments to a recognizer and hands the
// resulting transcripts on, discarding any that playback has overtaken.
package stt

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/loqalabs/loqa-presence/internal/capture"
	"github.com/loqalabs/loqa-presence/internal/config"
	"github.com/loqalabs/loqa-presence/internal/turnlock"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// ChannelState is the read side of the turn lock.
type ChannelState interface {
	State() turnlock.State
	PlaybackEpoch() uint64
}

// Transcript is a recognized utterance that survived the stale-lock check.
type Transcript struct {
	SessionID  string
	Text       string
	Confidence float64
	SpeechMS   int64
	StartedAt  time.Time
	EndedAt    time.Time
	Timestamp  time.Time

	// epoch is the playback epoch observed when the call was made.
	epoch uint64
}

type DispatcherOptions struct {
	Gate       capture.Gate
	RetryDelay time.Duration
	Logger     *slog.Logger
}

// Dispatcher keeps at most one recognizer call in flight per session.
// Segments arriving meanwhile are coalesced into a single follow-up call.
type Dispatcher struct {
	cfg        config.STTConfig
	sampleRate int
	channels   int
	recognizer Recognizer
	channel    ChannelState
	handler    func(Transcript)
	gate       capture.Gate
	retryDelay time.Duration
	logger     *slog.Logger

	mu       sync.Mutex
	sessions map[string]*sessionState
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup

	outcomes metric.Int64Counter
	latency  metric.Float64Histogram
}

type sessionState struct {
	Inflight bool
	Pending  *capture.Segment
}

func NewDispatcher(parent context.Context, cfg config.STTConfig, capCfg config.CaptureConfig, recognizer Recognizer, channel ChannelState, handler func(Transcript), opts DispatcherOptions) *Dispatcher {
	if opts.Gate == (capture.Gate{}) {
		opts.Gate = capture.DefaultGate
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = 200 * time.Millisecond
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	ctx, cancel := context.WithCancel(parent)
	d := &Dispatcher{
		cfg:        cfg,
		sampleRate: capCfg.SampleRate,
		channels:   capCfg.Channels,
		recognizer: recognizer,
		channel:    channel,
		handler:    handler,
		gate:       opts.Gate,
		retryDelay: opts.RetryDelay,
		logger:     opts.Logger.With(slog.String("component", "stt")),
		sessions:   make(map[string]*sessionState),
		ctx:        ctx,
		cancel:     cancel,
	}
	meter := otel.Meter("github.com/loqalabs/loqa-presence/stt")
	if c, err := meter.Int64Counter("presence.stt.outcomes", metric.WithDescription("Transcription outcomes by kind")); err == nil {
		d.outcomes = c
	}
	if h, err := meter.Float64Histogram("presence.stt.latency", metric.WithUnit("ms"), metric.WithDescription("Recognizer time per segment, retries included")); err == nil {
		d.latency = h
	}
	return d
}

// Transcribe runs one segment through the recognizer. Network timeouts are
// retried once; every other failure is returned as is. A transcript is
// discarded with ErrDiscarded when playback claimed the channel at any point
// during the call.
func (d *Dispatcher) Transcribe(ctx context.Context, seg capture.Segment) (Transcript, error) {
	if !d.gate.Eligible(seg) {
		return Transcript{}, ErrBelowGate
	}
	ctx, span := otel.Tracer("github.com/loqalabs/loqa-presence/stt").Start(ctx, "stt.transcribe",
		trace.WithAttributes(
			attribute.String("session_id", seg.SessionID),
			attribute.Int("bytes", seg.ByteSize())))
	defer span.End()

	epoch := d.channel.PlaybackEpoch()
	audio := Audio{
		PCM:        seg.Audio(),
		SampleRate: d.sampleRate,
		Channels:   d.channels,
		Encoding:   d.cfg.Encoding,
	}
	timeout := time.Duration(d.cfg.TimeoutMS) * time.Millisecond

	op := func() (Result, error) {
		callCtx := ctx
		if timeout > 0 {
			var cancel context.CancelFunc
			callCtx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}
		res, err := d.recognizer.Transcribe(callCtx, audio)
		if err == nil {
			return res, nil
		}
		err = classify(err)
		if errors.Is(err, ErrNetworkTimeout) && ctx.Err() == nil {
			d.logger.Debug("transcription timed out, retrying", slog.String("session_id", seg.SessionID))
			return Result{}, err
		}
		return Result{}, backoff.Permanent(err)
	}
	start := time.Now()
	res, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(backoff.NewConstantBackOff(d.retryDelay)),
		backoff.WithMaxTries(2))
	if d.latency != nil {
		d.latency.Record(context.Background(), float64(time.Since(start).Microseconds())/1000)
	}
	if err != nil {
		span.RecordError(err)
		return Transcript{}, err
	}
	if strings.TrimSpace(res.Text) == "" {
		return Transcript{}, &Error{Kind: ErrEmptyResult}
	}
	if d.stale(epoch) {
		return Transcript{}, ErrDiscarded
	}
	return Transcript{
		SessionID:  seg.SessionID,
		Text:       strings.TrimSpace(res.Text),
		Confidence: res.Confidence,
		SpeechMS:   seg.SpeechDuration.Milliseconds(),
		StartedAt:  seg.StartedAt,
		EndedAt:    seg.CreatedAt,
		Timestamp:  time.Now().UTC(),
		epoch:      epoch,
	}, nil
}

// stale reports whether playback has held the channel since epoch was read.
func (d *Dispatcher) stale(epoch uint64) bool {
	return d.channel.State() == turnlock.HeldByPlayback || d.channel.PlaybackEpoch() != epoch
}

// Submit schedules seg asynchronously. It never blocks on the recognizer.
func (d *Dispatcher) Submit(seg capture.Segment) {
	d.mu.Lock()
	if d.ctx.Err() != nil {
		d.mu.Unlock()
		return
	}
	state := d.sessions[seg.SessionID]
	if state == nil {
		state = &sessionState{}
		d.sessions[seg.SessionID] = state
	}
	if state.Inflight {
		if state.Pending == nil {
			state.Pending = &seg
		} else {
			merged := state.Pending.Merge(seg)
			state.Pending = &merged
		}
		d.mu.Unlock()
		d.logger.Debug("segment coalesced behind in-flight call", slog.String("session_id", seg.SessionID))
		return
	}
	state.Inflight = true
	d.wg.Add(1)
	d.mu.Unlock()

	go d.run(seg)
}

func (d *Dispatcher) run(seg capture.Segment) {
	defer d.wg.Done()
	for {
		t, err := d.Transcribe(d.ctx, seg)
		// Playback may claim the channel between the call returning and delivery.
		if err == nil && d.stale(t.epoch) {
			err = ErrDiscarded
		}
		d.record(seg.SessionID, err)
		if err == nil && d.handler != nil {
			d.handler(t)
		}

		d.mu.Lock()
		state := d.sessions[seg.SessionID]
		if state == nil || state.Pending == nil || d.ctx.Err() != nil {
			delete(d.sessions, seg.SessionID)
			d.mu.Unlock()
			return
		}
		seg = *state.Pending
		state.Pending = nil
		d.mu.Unlock()
	}
}

func (d *Dispatcher) record(sessionID string, err error) {
	kind := outcomeKind(err)
	if d.outcomes != nil {
		d.outcomes.Add(context.Background(), 1, metric.WithAttributes(attribute.String("outcome", kind)))
	}
	logger := d.logger.With(slog.String("session_id", sessionID), slog.String("outcome", kind))
	switch kind {
	case "ok":
		logger.Debug("transcription complete")
	case "discarded", "below_gate", "empty":
		logger.Info("transcription dropped")
	default:
		logger.Warn("transcription failed", slogError(err))
	}
}

func outcomeKind(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrDiscarded):
		return "discarded"
	case errors.Is(err, ErrBelowGate):
		return "below_gate"
	case errors.Is(err, ErrEmptyResult):
		return "empty"
	case errors.Is(err, ErrNetworkTimeout):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "canceled"
	default:
		return "unavailable"
	}
}

// Inflight reports whether a call is running for sessionID.
func (d *Dispatcher) Inflight(sessionID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	state := d.sessions[sessionID]
	return state != nil && state.Inflight
}

// Close cancels outstanding calls and waits for workers to exit.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	d.cancel()
	d.mu.Unlock()
	d.wg.Wait()
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
