package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/loqalabs/loqa-presence/internal/capture"
	"github.com/loqalabs/loqa-presence/internal/config"
	"github.com/loqalabs/loqa-presence/internal/turnlock"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

// ErrUnknownSession is returned for operations on a session that is not running.
var ErrUnknownSession = errors.New("conversation: unknown session")

// Manager owns the running sessions. Each session gets its own turn lock,
// capture device and player.
type Manager struct {
	shared    Shared
	capture   config.CaptureConfig
	stt       config.STTConfig
	context   int
	newDevice func(sessionID string) capture.Device
	newPlayer func(lock *turnlock.Lock) Player

	mu       sync.Mutex
	ctx      context.Context
	sessions map[string]*Session
	gauge    metric.Registration
}

func NewManager(ctx context.Context, cfg config.Config, shared Shared, newDevice func(string) capture.Device, newPlayer func(*turnlock.Lock) Player) *Manager {
	m := &Manager{
		shared:    shared,
		capture:   cfg.Capture,
		stt:       cfg.STT,
		context:   cfg.Guidance.ContextTurns,
		newDevice: newDevice,
		newPlayer: newPlayer,
		ctx:       ctx,
		sessions:  make(map[string]*Session),
	}
	m.initMetrics()
	return m
}

func (m *Manager) initMetrics() {
	meter := otel.Meter("github.com/loqalabs/loqa-presence/conversation")
	gauge, err := meter.Int64ObservableGauge("presence.sessions.active",
		metric.WithDescription("Conversations currently running"))
	if err != nil {
		return
	}
	reg, err := meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		o.ObserveInt64(gauge, int64(m.Count()))
		return nil
	}, gauge)
	if err == nil {
		m.gauge = reg
	}
}

// Start begins a session. depth may be empty for the configured default.
func (m *Manager) Start(sessionID, depth string) (*Session, error) {
	if sessionID == "" {
		return nil, fmt.Errorf("session id required")
	}
	if depth == "" {
		depth = m.capture.Depth
	}
	d, err := capture.ParseDepth(depth)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	if existing, ok := m.sessions[sessionID]; ok {
		m.mu.Unlock()
		return existing, nil
	}
	lock := turnlock.New()
	deps := Deps{
		Shared: m.shared,
		Lock:   lock,
		Device: m.newDevice(sessionID),
	}
	if m.newPlayer != nil {
		deps.Player = m.newPlayer(lock)
	}
	s := NewSession(m.ctx, sessionID, deps, Options{
		Depth:        d,
		Capture:      m.capture,
		STT:          m.stt,
		ContextTurns: m.context,
	})
	m.sessions[sessionID] = s
	m.mu.Unlock()

	if err := s.Start(); err != nil {
		m.mu.Lock()
		delete(m.sessions, sessionID)
		m.mu.Unlock()
		s.Close()
		return nil, err
	}
	return s, nil
}

// Done ends the human's current turn.
func (m *Manager) Done(sessionID string) error {
	s := m.Get(sessionID)
	if s == nil {
		return ErrUnknownSession
	}
	s.Done()
	return nil
}

// Stop closes a session and forgets it.
func (m *Manager) Stop(sessionID string) error {
	m.mu.Lock()
	s, ok := m.sessions[sessionID]
	delete(m.sessions, sessionID)
	m.mu.Unlock()
	if !ok {
		return ErrUnknownSession
	}
	s.Close()
	return nil
}

func (m *Manager) Get(sessionID string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessions[sessionID]
}

func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Close stops every session.
func (m *Manager) Close() {
	if m.gauge != nil {
		_ = m.gauge.Unregister()
		m.gauge = nil
	}
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for id, s := range m.sessions {
		sessions = append(sessions, s)
		delete(m.sessions, id)
	}
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, s := range sessions {
		wg.Add(1)
		go func(s *Session) {
			defer wg.Done()
			s.Close()
		}(s)
	}
	wg.Wait()
	if m.shared.Logger != nil && len(sessions) > 0 {
		m.shared.Logger.Info("closed conversations", slog.Int("count", len(sessions)))
	}
}
