// Package control drives conversations from session control messages on the bus.
package control

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"

	"github.com/loqalabs/loqa-presence/internal/bus"
	"github.com/loqalabs/loqa-presence/internal/conversation"
	"github.com/loqalabs/loqa-presence/internal/protocol"
	"github.com/nats-io/nats.go"
)

// Sessions is the part of the conversation manager the bus can drive.
type Sessions interface {
	Start(sessionID, depth string) (*conversation.Session, error)
	Done(sessionID string) error
	Stop(sessionID string) error
}

type Service struct {
	bus      *bus.Client
	sessions Sessions
	logger   *slog.Logger
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup

	mu   sync.Mutex
	subs []*nats.Subscription
}

func NewService(parent context.Context, busClient *bus.Client, sessions Sessions, logger *slog.Logger) *Service {
	ctx, cancel := context.WithCancel(parent)
	return &Service{
		bus:      busClient,
		sessions: sessions,
		logger:   logger.With(slog.String("component", "control")),
		ctx:      ctx,
		cancel:   cancel,
	}
}

func (s *Service) Start() error {
	handlers := map[string]func(protocol.SessionControl) error{
		protocol.SubjectSessionStart: func(c protocol.SessionControl) error {
			_, err := s.sessions.Start(c.SessionID, c.Depth)
			return err
		},
		protocol.SubjectSessionDone: func(c protocol.SessionControl) error { return s.sessions.Done(c.SessionID) },
		protocol.SubjectSessionStop: func(c protocol.SessionControl) error { return s.sessions.Stop(c.SessionID) },
	}
	for subject, handle := range handlers {
		sub, err := s.bus.Subscribe(subject, s.handler(subject, handle))
		if err != nil {
			s.drain()
			return err
		}
		s.mu.Lock()
		s.subs = append(s.subs, sub)
		s.mu.Unlock()
	}
	return nil
}

func (s *Service) Close() {
	s.cancel()
	s.drain()
	s.wg.Wait()
}

func (s *Service) Healthy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs) == 3
}

func (s *Service) drain() {
	s.mu.Lock()
	subs := s.subs
	s.subs = nil
	s.mu.Unlock()
	for _, sub := range subs {
		_ = sub.Drain()
	}
}

// handler runs each control message off the NATS dispatch goroutine, since
// stopping a session waits for its in-flight work.
func (s *Service) handler(subject string, handle func(protocol.SessionControl) error) nats.MsgHandler {
	return func(msg *nats.Msg) {
		var ctl protocol.SessionControl
		if err := json.Unmarshal(msg.Data, &ctl); err != nil {
			s.logger.Warn("failed to decode session control", slog.String("subject", subject), slogError(err))
			s.reply(msg, protocol.SessionAck{Error: err.Error()})
			return
		}
		if s.ctx.Err() != nil {
			return
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			ack := protocol.SessionAck{SessionID: ctl.SessionID, OK: true}
			if err := handle(ctl); err != nil {
				ack.OK = false
				ack.Error = err.Error()
				level := slog.LevelWarn
				if errors.Is(err, conversation.ErrUnknownSession) {
					level = slog.LevelInfo
				}
				s.logger.Log(s.ctx, level, "session control failed",
					slog.String("subject", subject),
					slog.String("session_id", ctl.SessionID),
					slogError(err))
			}
			s.reply(msg, ack)
		}()
	}
}

func (s *Service) reply(msg *nats.Msg, ack protocol.SessionAck) {
	if err := s.bus.Reply(msg, ack); err != nil {
		s.logger.Warn("failed to reply to session control", slogError(err))
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
