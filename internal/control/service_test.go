package control

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/loqalabs/loqa-presence/internal/bus"
	"github.com/loqalabs/loqa-presence/internal/config"
	"github.com/loqalabs/loqa-presence/internal/conversation"
	"github.com/loqalabs/loqa-presence/internal/natsserver"
	"github.com/loqalabs/loqa-presence/internal/protocol"
)

type recordingSessions struct {
	mu    sync.Mutex
	calls []string
}

func (r *recordingSessions) add(call string) {
	r.mu.Lock()
	r.calls = append(r.calls, call)
	r.mu.Unlock()
}

func (r *recordingSessions) Start(id, depth string) (*conversation.Session, error) {
	r.add("start:" + id + ":" + depth)
	return nil, nil
}

func (r *recordingSessions) Done(id string) error {
	r.add("done:" + id)
	return nil
}

func (r *recordingSessions) Stop(string) error {
	return conversation.ErrUnknownSession
}

func newTestService(t *testing.T) (*Service, *bus.Client, *recordingSessions) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	srv, err := natsserver.Start(config.BusConfig{Embedded: true, Port: -1, StoreDir: t.TempDir()}, logger)
	if err != nil {
		t.Fatalf("start embedded server: %v", err)
	}
	t.Cleanup(srv.Shutdown)
	client, err := bus.Connect(context.Background(), "control-test", config.BusConfig{Servers: []string{srv.ClientURL()}, ConnectTimeout: 2000}, logger)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(client.Close)

	sessions := &recordingSessions{}
	svc := NewService(context.Background(), client, sessions, logger)
	if err := svc.Start(); err != nil {
		t.Fatalf("start service: %v", err)
	}
	t.Cleanup(svc.Close)
	return svc, client, sessions
}

func request(t *testing.T, client *bus.Client, subject string, ctl protocol.SessionControl) protocol.SessionAck {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	var ack protocol.SessionAck
	if err := client.RequestJSON(ctx, subject, ctl, &ack); err != nil {
		t.Fatalf("request %s: %v", subject, err)
	}
	return ack
}

func TestControlMessagesReachSessions(t *testing.T) {
	svc, client, sessions := newTestService(t)
	if !svc.Healthy() {
		t.Fatalf("service should be healthy once subscribed")
	}

	if ack := request(t, client, protocol.SubjectSessionStart, protocol.SessionControl{SessionID: "s-1", Depth: "deep"}); !ack.OK || ack.SessionID != "s-1" {
		t.Fatalf("unexpected start ack %+v", ack)
	}
	if ack := request(t, client, protocol.SubjectSessionDone, protocol.SessionControl{SessionID: "s-1"}); !ack.OK {
		t.Fatalf("unexpected done ack %+v", ack)
	}
	ack := request(t, client, protocol.SubjectSessionStop, protocol.SessionControl{SessionID: "s-2"})
	if ack.OK || ack.Error != conversation.ErrUnknownSession.Error() {
		t.Fatalf("unexpected stop ack %+v", ack)
	}

	sessions.mu.Lock()
	defer sessions.mu.Unlock()
	if len(sessions.calls) != 2 || sessions.calls[0] != "start:s-1:deep" || sessions.calls[1] != "done:s-1" {
		t.Fatalf("unexpected calls %v", sessions.calls)
	}
}

func TestMalformedControlIsRejected(t *testing.T) {
	_, client, sessions := newTestService(t)
	msg, err := client.Conn().Request(protocol.SubjectSessionStart, []byte("{not json"), 2*time.Second)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	var ack protocol.SessionAck
	if err := json.Unmarshal(msg.Data, &ack); err != nil {
		t.Fatalf("decode ack: %v", err)
	}
	if ack.OK || ack.Error == "" {
		t.Fatalf("expected rejection, got %+v", ack)
	}
	sessions.mu.Lock()
	defer sessions.mu.Unlock()
	if len(sessions.calls) != 0 {
		t.Fatalf("no session call expected, got %v", sessions.calls)
	}
}
