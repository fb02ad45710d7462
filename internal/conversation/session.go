// Package conversation wires one voice session end to end: capture,
// transcription, routing, response selection and playback.
package conversation

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-presence/internal/capture"
	"github.com/loqalabs/loqa-presence/internal/config"
	"github.com/loqalabs/loqa-presence/internal/eventstore"
	"github.com/loqalabs/loqa-presence/internal/guidance"
	"github.com/loqalabs/loqa-presence/internal/protocol"
	"github.com/loqalabs/loqa-presence/internal/rollout"
	"github.com/loqalabs/loqa-presence/internal/stt"
	"github.com/loqalabs/loqa-presence/internal/tts"
	"github.com/loqalabs/loqa-presence/internal/turnlock"
	"github.com/loqalabs/loqa-presence/internal/voice"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

type Analyzer interface {
	Analyze(ctx context.Context, req guidance.Request) guidance.Signal
}

type Voice interface {
	Generate(sig *guidance.Signal) voice.Plan
	CannotElaborate() voice.Plan
}

type Responder interface {
	Respond(ctx context.Context, sessionID, text string, history []string) (string, error)
}

type Player interface {
	Play(ctx context.Context, u tts.Utterance) error
}

type TurnSink interface {
	AppendSession(ctx context.Context, sessionID, arm, depth string) error
	AppendTurn(ctx context.Context, t eventstore.Turn) error
	EndSession(sessionID string)
}

type Publisher interface {
	PublishJSON(subject string, v any) error
}

// Shared holds the collaborators every session uses. Store and Publisher
// are optional.
type Shared struct {
	Recognizer stt.Recognizer
	Router     *rollout.Router
	Guidance   Analyzer
	Voice      Voice
	Baseline   Responder
	Store      TurnSink
	Publisher  Publisher
	Logger     *slog.Logger
}

// Deps are the per-session resources plus the shared collaborators.
type Deps struct {
	Shared
	Lock   *turnlock.Lock
	Device capture.Device
	Player Player
}

type Options struct {
	Depth        capture.Depth
	Capture      config.CaptureConfig
	STT          config.STTConfig
	ContextTurns int
	Ticker       capture.Ticker
	Now          func() time.Time
}

type Session struct {
	id      string
	deps    Deps
	opts    Options
	logger  *slog.Logger
	history History

	capture    *capture.Session
	dispatcher *stt.Dispatcher

	ctx       context.Context
	cancel    context.CancelFunc
	respondMu sync.Mutex
	wg        sync.WaitGroup
}

func NewSession(parent context.Context, id string, deps Deps, opts Options) *Session {
	if deps.Logger == nil {
		deps.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	ctx, cancel := context.WithCancel(parent)
	s := &Session{
		id:     id,
		deps:   deps,
		opts:   opts,
		logger: deps.Logger.With(slog.String("component", "conversation"), slog.String("session_id", id)),
		ctx:    ctx,
		cancel: cancel,
	}
	gate := capture.Gate{
		MinBytes:  opts.Capture.MinSegmentBytes,
		MinSpeech: time.Duration(opts.Capture.MinSpeechMS) * time.Millisecond,
	}
	s.dispatcher = stt.NewDispatcher(ctx, opts.STT, opts.Capture, deps.Recognizer, deps.Lock, s.onTranscript,
		stt.DispatcherOptions{Gate: gate, Logger: deps.Logger})
	s.capture = capture.NewSession(id, deps.Device, deps.Lock, s.onSegment, capture.Options{
		Threshold:    opts.Capture.Threshold,
		Depth:        opts.Depth,
		Gate:         gate,
		Ticker:       opts.Ticker,
		TickInterval: time.Duration(opts.Capture.TickMS) * time.Millisecond,
		Now:          opts.Now,
		Logger:       deps.Logger,
	})
	return s
}

func (s *Session) ID() string { return s.id }

// History returns a copy of the turns so far.
func (s *Session) History() []Turn { return s.history.Turns() }

// Capture exposes the capture state machine for status reporting.
func (s *Session) Capture() *capture.Session { return s.capture }

// Start claims the channel for capture and runs the capture loop until Close.
func (s *Session) Start() error {
	if s.deps.Store != nil {
		arm := s.deps.Router.Route(s.id)
		if err := s.deps.Store.AppendSession(s.ctx, s.id, string(arm), string(s.opts.Depth)); err != nil {
			s.logger.Warn("failed to persist session", slogError(err))
		}
	}
	if err := s.capture.Start(s.ctx); err != nil {
		return err
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.capture.Run(s.ctx); err != nil {
			s.logger.Error("capture loop ended", slogError(err))
		}
	}()
	s.logger.Info("conversation started", slog.String("depth", string(s.opts.Depth)))
	return nil
}

// Done is the human's explicit end of turn.
func (s *Session) Done() { s.capture.ManualStop() }

// Close stops capture, abandons in-flight work and waits for it to exit.
func (s *Session) Close() {
	s.cancel()
	s.capture.Stop()
	s.dispatcher.Close()
	s.wg.Wait()
	if s.deps.Store != nil {
		s.deps.Store.EndSession(s.id)
	}
	s.logger.Info("conversation closed", slog.Int("turns", s.history.Len()))
}

func (s *Session) onSegment(seg capture.Segment) {
	s.dispatcher.Submit(seg)
}

func (s *Session) onTranscript(tr stt.Transcript) {
	human := Turn{
		ID:        uuid.NewString(),
		Speaker:   SpeakerHuman,
		Content:   tr.Text,
		StartedAt: tr.StartedAt,
		EndedAt:   tr.EndedAt,
	}
	s.appendTurn(human)
	s.publish(protocol.SubjectTranscriptFinal, protocol.Transcript{
		SessionID:  s.id,
		Text:       tr.Text,
		Confidence: tr.Confidence,
		Timestamp:  tr.Timestamp,
	})

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.respondMu.Lock()
		defer s.respondMu.Unlock()
		if s.ctx.Err() != nil {
			return
		}
		s.respond(s.ctx, tr.Text)
	}()
}

func (s *Session) respond(ctx context.Context, text string) {
	ctx, span := otel.Tracer("github.com/loqalabs/loqa-presence/conversation").Start(ctx, "conversation.respond",
		trace.WithAttributes(attribute.String("session_id", s.id)))
	defer span.End()

	start := s.opts.Now()
	arm := s.deps.Router.Route(s.id)
	span.SetAttributes(attribute.String("arm", string(arm)))
	history := s.history.Context(s.opts.ContextTurns + 1)
	if n := len(history); n > 0 && history[n-1] == string(SpeakerHuman)+": "+text {
		history = history[:n-1]
	}
	if len(history) > s.opts.ContextTurns {
		history = history[len(history)-s.opts.ContextTurns:]
	}

	var plan voice.Plan
	switch arm {
	case rollout.ArmConstrained:
		plan = s.constrained(ctx, text, history)
	default:
		plan = s.baseline(ctx, text, history)
	}

	span.SetAttributes(
		attribute.String("category", string(plan.Category)),
		attribute.Bool("silence", plan.Silent()))

	agent := Turn{
		ID:        uuid.NewString(),
		Speaker:   SpeakerAgent,
		Content:   plan.Text(),
		Arm:       arm,
		Category:  plan.Category,
		Silence:   plan.Silent(),
		StartedAt: start,
		EndedAt:   s.opts.Now(),
	}
	s.appendTurn(agent)
	s.publish(protocol.SubjectResponse, protocol.Response{
		SessionID:     s.id,
		TurnID:        agent.ID,
		Arm:           string(arm),
		Category:      string(plan.Category),
		Utterance:     plan.Text(),
		Silence:       plan.Silent(),
		PauseBeforeMS: plan.PauseBefore.Milliseconds(),
		PauseAfterMS:  plan.PauseAfter.Milliseconds(),
		Timestamp:     time.Now().UTC(),
	})
	if err := s.deps.Router.Record(ctx, rollout.Record{
		Event:      rollout.EventResponse,
		Arm:        arm,
		WordCount:  plan.WordCount(),
		WasSilence: plan.Silent(),
		SessionID:  s.id,
	}); err != nil {
		s.logger.Warn("failed to record response metric", slogError(err))
	}
	s.logger.Info("response chosen",
		slog.String("arm", string(arm)),
		slog.String("category", string(plan.Category)),
		slog.Bool("silence", plan.Silent()))

	if plan.Silent() || s.deps.Player == nil {
		return
	}
	err := s.deps.Player.Play(ctx, tts.Utterance{
		SessionID:   s.id,
		Text:        plan.Text(),
		PauseBefore: plan.PauseBefore,
		PauseAfter:  plan.PauseAfter,
	})
	switch {
	case err == nil:
	case errors.Is(err, turnlock.ErrLockDenied):
		s.logger.Info("human kept the floor, response not spoken")
	case errors.Is(err, context.Canceled):
	default:
		s.logger.Warn("playback failed", slogError(err))
	}
}

func (s *Session) constrained(ctx context.Context, text string, history []string) voice.Plan {
	if voice.IsElaborationRequest(text) {
		return s.deps.Voice.CannotElaborate()
	}
	sig := s.deps.Guidance.Analyze(ctx, guidance.Request{SessionID: s.id, Text: text, Context: history})
	return s.deps.Voice.Generate(&sig)
}

// baseline degrades to ambient presence when the model is unavailable.
func (s *Session) baseline(ctx context.Context, text string, history []string) voice.Plan {
	content, err := s.deps.Baseline.Respond(ctx, s.id, text, history)
	if err != nil {
		s.logger.Warn("baseline unavailable, using ambient presence", slogError(err))
		return s.deps.Voice.Generate(nil)
	}
	before, after := voice.Timing(nil)
	return voice.Plan{Utterance: &content, PauseBefore: before, PauseAfter: after}
}

func (s *Session) appendTurn(t Turn) {
	s.history.Append(t)
	if s.deps.Store == nil {
		return
	}
	err := s.deps.Store.AppendTurn(s.ctx, eventstore.Turn{
		ID:        t.ID,
		SessionID: s.id,
		Speaker:   string(t.Speaker),
		Content:   t.Content,
		Arm:       string(t.Arm),
		Category:  string(t.Category),
		Silence:   t.Silence,
		StartedAt: t.StartedAt,
		EndedAt:   t.EndedAt,
	})
	if err != nil {
		s.logger.Warn("failed to persist turn", slogError(err))
	}
}

func (s *Session) publish(subject string, v any) {
	if s.deps.Publisher == nil {
		return
	}
	if err := s.deps.Publisher.PublishJSON(subject, v); err != nil {
		s.logger.Warn("failed to publish", slog.String("subject", subject), slogError(err))
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
