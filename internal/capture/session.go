// Package capture turns a stream of audio batches into finalized speech
// segments, using an adaptive silence timeout and the shared turn lock.
package capture

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/loqalabs/loqa-presence/internal/turnlock"
)

type Mode int

const (
	Idle Mode = iota
	Capturing
	Paused
	Finalizing
)

func (m Mode) String() string {
	switch m {
	case Capturing:
		return "capturing"
	case Paused:
		return "paused"
	case Finalizing:
		return "finalizing"
	default:
		return "idle"
	}
}

// Depth sets how long silence must last before a turn is considered finished.
type Depth string

const (
	DepthQuick  Depth = "quick"
	DepthNormal Depth = "normal"
	DepthDeep   Depth = "deep"
)

func (d Depth) SilenceTimeout() time.Duration {
	switch d {
	case DepthQuick:
		return 3000 * time.Millisecond
	case DepthDeep:
		return 8000 * time.Millisecond
	default:
		return 6000 * time.Millisecond
	}
}

func ParseDepth(s string) (Depth, error) {
	switch Depth(s) {
	case DepthQuick, DepthNormal, DepthDeep:
		return Depth(s), nil
	}
	return "", fmt.Errorf("unknown conversation depth %q", s)
}

type Options struct {
	Threshold float64
	Depth     Depth
	Gate      Gate
	// Ticker drives Run. Defaults to a wall-clock ticker every TickInterval.
	Ticker       Ticker
	TickInterval time.Duration
	Now          func() time.Time
	Logger       *slog.Logger
	// OnFinalize observes every finalized segment, forwarded or not.
	OnFinalize func(seg Segment, forwarded bool)
}

// Session owns one capture device. Its state is mutated by ticks, by
// ManualStop/Stop and by turn lock notifications; it never calls into the
// turn lock while holding its own mutex.
type Session struct {
	id        string
	device    Device
	lock      *turnlock.Lock
	onSegment func(Segment)
	opts      Options
	logger    *slog.Logger

	mu             sync.Mutex
	mode           Mode
	ticket         turnlock.Ticket
	holding        bool
	playbackActive bool
	buf            []byte
	speech         time.Duration
	startedAt      time.Time
	lastSpeech     time.Time
	lastTick       time.Time
	clean          bool
	unsubscribe    func()
	err            error
}

func NewSession(id string, device Device, lock *turnlock.Lock, onSegment func(Segment), opts Options) *Session {
	if opts.Threshold <= 0 {
		opts.Threshold = DefaultThreshold
	}
	if opts.Depth == "" {
		opts.Depth = DepthNormal
	}
	if opts.Gate == (Gate{}) {
		opts.Gate = DefaultGate
	}
	if opts.TickInterval <= 0 {
		opts.TickInterval = 500 * time.Millisecond
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Session{
		id:        id,
		device:    device,
		lock:      lock,
		onSegment: onSegment,
		opts:      opts,
		logger:    opts.Logger.With(slog.String("component", "capture"), slog.String("session_id", id)),
	}
}

func (s *Session) ID() string { return s.id }

func (s *Session) Mode() Mode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mode
}

// Err returns the error that ended the session, if any.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Start claims the channel for capture, then opens the device.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.mode != Idle {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	// The device is only opened while holding the capture ticket.
	ticket, err := s.lock.Acquire(turnlock.RoleCapture)
	if err != nil {
		return err
	}
	if err := s.device.Open(ctx); err != nil {
		_ = s.lock.Release(ticket)
		if errors.Is(err, ErrDeviceUnavailable) {
			return err
		}
		return fmt.Errorf("%w: %v", ErrDeviceUnavailable, err)
	}
	unsubscribe := s.lock.Subscribe(s.onTransition)

	now := s.opts.Now()
	s.mu.Lock()
	s.mode = Capturing
	s.ticket = ticket
	s.holding = true
	s.playbackActive = false
	s.buf = nil
	s.speech = 0
	s.startedAt = now
	s.lastSpeech = now
	s.lastTick = now
	s.clean = true
	s.err = nil
	s.unsubscribe = unsubscribe
	s.mu.Unlock()

	s.logger.Info("capture started", slog.String("depth", string(s.opts.Depth)))
	return nil
}

// Run ticks the session until ctx is done or the device fails.
func (s *Session) Run(ctx context.Context) error {
	ticker := s.opts.Ticker
	if ticker == nil {
		ticker = NewWallTicker(s.opts.TickInterval)
	}
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.Stop()
			return nil
		case now := <-ticker.C():
			s.Tick(now)
			if s.Mode() == Idle {
				return s.Err()
			}
		}
	}
}

// Tick performs one polling step at time now.
func (s *Session) Tick(now time.Time) {
	s.mu.Lock()
	if s.mode != Capturing && s.mode != Paused {
		s.mu.Unlock()
		return
	}
	batch, err := s.device.Read()
	if err != nil {
		s.mu.Unlock()
		s.fail(err)
		return
	}
	if s.mode == Paused {
		// Audio heard while the agent speaks is not part of the human's phrase.
		s.lastTick = now
		s.mu.Unlock()
		return
	}

	elapsed := now.Sub(s.lastTick)
	if elapsed < 0 {
		elapsed = 0
	}
	s.lastTick = now
	if len(batch.PCM) > 0 {
		s.buf = append(s.buf, batch.PCM...)
		s.clean = false
	}
	var claim bool
	if Classify(batch.Level, s.opts.Threshold) {
		s.lastSpeech = now
		s.speech += elapsed
		s.clean = false
		claim = !s.holding
	}
	timedOut := now.Sub(s.lastSpeech) >= s.opts.Depth.SilenceTimeout()
	s.mu.Unlock()

	if claim {
		s.claim()
	}
	if timedOut {
		s.finalize(now)
	}
}

// ManualStop finalizes immediately. Calling it again before new audio arrives is a no-op.
func (s *Session) ManualStop() {
	s.finalize(s.opts.Now())
}

// Pause halts accumulation while playback holds the channel. Buffered audio is kept.
func (s *Session) Pause() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.playbackActive = true
	if s.mode == Capturing {
		s.mode = Paused
		s.holding = false
		s.logger.Debug("capture paused")
	}
}

// Resume re-enters Capturing. Stale silence from before the pause is forgotten.
func (s *Session) Resume() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.playbackActive = false
	if s.mode == Paused {
		now := s.opts.Now()
		s.mode = Capturing
		s.lastSpeech = now
		s.lastTick = now
		s.logger.Debug("capture resumed")
	}
}

// Stop flushes pending audio and returns the session to Idle.
func (s *Session) Stop() {
	s.finalize(s.opts.Now())
	s.shutdown(nil)
}

func (s *Session) onTransition(tr turnlock.Transition) {
	switch {
	case tr.To == turnlock.HeldByPlayback:
		s.Pause()
	case tr.From == turnlock.HeldByPlayback && tr.To == turnlock.Unclaimed:
		s.Resume()
	}
}

func (s *Session) claim() {
	ticket, err := s.lock.Acquire(turnlock.RoleCapture)
	if err != nil {
		// Playback holds the channel and has paused us through its notification.
		return
	}
	s.mu.Lock()
	if s.mode == Capturing {
		s.ticket = ticket
		s.holding = true
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()
	_ = s.lock.Release(ticket)
}

func (s *Session) finalize(now time.Time) {
	s.mu.Lock()
	if (s.mode != Capturing && s.mode != Paused) || s.clean {
		s.mu.Unlock()
		return
	}
	s.mode = Finalizing
	seg := NewSegment(s.id, s.buf, s.speech, s.startedAt, now)
	s.buf = nil
	s.speech = 0
	s.startedAt = now
	s.lastSpeech = now
	s.lastTick = now
	s.clean = true
	ticket, holding := s.ticket, s.holding
	s.holding = false
	s.mu.Unlock()

	if holding {
		if err := s.lock.Release(ticket); err != nil && !errors.Is(err, turnlock.ErrStaleTicket) {
			s.logger.Warn("failed to release channel", slogError(err))
		}
	}

	forwarded := s.opts.Gate.Eligible(seg)
	if forwarded {
		s.logger.Info("segment finalized",
			slog.Int("bytes", seg.ByteSize()),
			slog.Duration("speech", seg.SpeechDuration))
		if s.onSegment != nil {
			s.onSegment(seg)
		}
	} else {
		s.logger.Debug("segment below gate dropped",
			slog.Int("bytes", seg.ByteSize()),
			slog.Duration("speech", seg.SpeechDuration))
	}
	if s.opts.OnFinalize != nil {
		s.opts.OnFinalize(seg, forwarded)
	}

	s.mu.Lock()
	if s.mode == Finalizing {
		if s.playbackActive {
			s.mode = Paused
		} else {
			s.mode = Capturing
		}
	}
	s.mu.Unlock()
}

func (s *Session) fail(err error) {
	s.logger.Error("capture device failed", slogError(err))
	if !errors.Is(err, ErrDeviceUnavailable) {
		err = fmt.Errorf("%w: %v", ErrDeviceUnavailable, err)
	}
	s.shutdown(err)
}

func (s *Session) shutdown(cause error) {
	s.mu.Lock()
	if s.mode == Idle {
		s.mu.Unlock()
		return
	}
	s.mode = Idle
	s.err = cause
	ticket, holding := s.ticket, s.holding
	s.holding = false
	unsubscribe := s.unsubscribe
	s.unsubscribe = nil
	s.buf = nil
	s.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
	if holding {
		_ = s.lock.Release(ticket)
	}
	if err := s.device.Close(); err != nil {
		s.logger.Warn("failed to close device", slogError(err))
	}
	s.logger.Info("capture stopped")
}
