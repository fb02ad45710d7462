package tts

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/loqalabs/loqa-presence/internal/config"
	"github.com/loqalabs/loqa-presence/internal/protocol"
	"github.com/loqalabs/loqa-presence/internal/turnlock"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Publisher delivers playback packets to the output target. *bus.Client
// satisfies it.
type Publisher interface {
	PublishJSON(subject string, v any) error
}

// Utterance is one thing to say with its surrounding pauses.
type Utterance struct {
	SessionID   string
	Text        string
	PauseBefore time.Duration
	PauseAfter  time.Duration
}

// Player is the only component that claims the channel for playback.
type Player struct {
	cfg          config.TTSConfig
	synth        Synthesizer
	lock         *turnlock.Lock
	pub          Publisher
	logger       *slog.Logger
	claimTimeout time.Duration
	claimBackoff func() backoff.BackOff

	// Sleep waits between phases; tests replace it to skip real time.
	Sleep func(ctx context.Context, d time.Duration) error

	plays metric.Int64Counter
}

func NewPlayer(cfg config.TTSConfig, synth Synthesizer, lock *turnlock.Lock, pub Publisher, logger *slog.Logger) *Player {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	p := &Player{
		cfg:          cfg,
		synth:        synth,
		lock:         lock,
		pub:          pub,
		logger:       logger.With(slog.String("component", "tts-player")),
		claimTimeout: time.Duration(cfg.ClaimTimeoutMS) * time.Millisecond,
		Sleep:        sleepContext,
	}
	p.claimBackoff = func() backoff.BackOff {
		b := backoff.NewExponentialBackOff()
		b.InitialInterval = 50 * time.Millisecond
		b.MaxInterval = 500 * time.Millisecond
		return b
	}
	meter := otel.Meter("github.com/loqalabs/loqa-presence/tts")
	if c, err := meter.Int64Counter("presence.tts.playbacks", metric.WithDescription("Playback attempts by outcome")); err == nil {
		p.plays = c
	}
	return p
}

// Play waits PauseBefore, claims the channel, renders the utterance and
// releases the channel. It then waits PauseAfter before returning. If the
// human holds the channel for longer than the claim timeout the utterance
// is abandoned with turnlock.ErrLockDenied.
func (p *Player) Play(ctx context.Context, u Utterance) error {
	err := p.play(ctx, u)
	p.record(err)
	return err
}

func (p *Player) play(ctx context.Context, u Utterance) error {
	if u.Text == "" {
		return nil
	}
	logger := p.logger.With(slog.String("session_id", u.SessionID))
	if err := p.Sleep(ctx, u.PauseBefore); err != nil {
		return err
	}

	ticket, err := p.claim(ctx)
	if err != nil {
		logger.Info("playback abandoned, channel busy", slogError(err))
		return err
	}
	released := false
	release := func() {
		if released {
			return
		}
		released = true
		if err := p.lock.Release(ticket); err != nil {
			logger.Warn("failed to release channel", slogError(err))
		}
	}
	defer release()

	p.publish(protocol.SubjectTTSStarted, protocol.PlaybackStatus{
		SessionID: u.SessionID, Target: p.cfg.Target, Started: true, Timestamp: time.Now().UTC(),
	})
	if err := p.render(ctx, u); err != nil {
		logger.Warn("tts synthesis error", slogError(err))
		return err
	}
	p.publish(protocol.SubjectTTSDone, protocol.PlaybackStatus{
		SessionID: u.SessionID, Target: p.cfg.Target, Completed: true, Timestamp: time.Now().UTC(),
	})
	release()
	logger.Debug("playback complete", slog.Int("chars", len(u.Text)))

	return p.Sleep(ctx, u.PauseAfter)
}

func (p *Player) claim(ctx context.Context) (turnlock.Ticket, error) {
	op := func() (turnlock.Ticket, error) {
		t, err := p.lock.Acquire(turnlock.RolePlayback)
		if err != nil && !errors.Is(err, turnlock.ErrLockDenied) {
			return t, backoff.Permanent(err)
		}
		return t, err
	}
	opts := []backoff.RetryOption{backoff.WithBackOff(p.claimBackoff())}
	if p.claimTimeout > 0 {
		opts = append(opts, backoff.WithMaxElapsedTime(p.claimTimeout))
	} else {
		opts = append(opts, backoff.WithMaxTries(1))
	}
	return backoff.Retry(ctx, op, opts...)
}

func (p *Player) render(ctx context.Context, u Utterance) error {
	chunks, errs := p.synth.Synthesize(ctx, SynthRequest{SessionID: u.SessionID, Text: u.Text, Voice: p.cfg.Voice})
	sequence := 0
	for chunks != nil || errs != nil {
		select {
		case chunk, ok := <-chunks:
			if !ok {
				chunks = nil
				continue
			}
			chunk.Sequence = sequence
			sequence++
			p.publish(protocol.SubjectTTSAudio, protocol.AudioChunk{
				SessionID:  u.SessionID,
				Target:     p.cfg.Target,
				SampleRate: chunk.SampleRate,
				Channels:   chunk.Channels,
				Sequence:   chunk.Sequence,
				PCM:        chunk.PCM,
				Final:      chunk.Final,
			})
		case err, ok := <-errs:
			if ok && err != nil {
				return fmt.Errorf("synthesize: %w", err)
			}
			errs = nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (p *Player) publish(subject string, v any) {
	if p.pub == nil {
		return
	}
	if err := p.pub.PublishJSON(subject, v); err != nil {
		p.logger.Warn("failed to publish playback packet", slog.String("subject", subject), slogError(err))
	}
}

func (p *Player) record(err error) {
	if p.plays == nil {
		return
	}
	outcome := "ok"
	switch {
	case err == nil:
	case errors.Is(err, turnlock.ErrLockDenied):
		outcome = "denied"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		outcome = "canceled"
	default:
		outcome = "failed"
	}
	p.plays.Add(context.Background(), 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
