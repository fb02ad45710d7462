package capture

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/loqalabs/loqa-presence/internal/bus"
	"github.com/loqalabs/loqa-presence/internal/config"
	"github.com/loqalabs/loqa-presence/internal/natsserver"
	"github.com/loqalabs/loqa-presence/internal/protocol"
)

func TestBusDeviceBuffersFrames(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	srv, err := natsserver.Start(config.BusConfig{Embedded: true, Port: -1, StoreDir: t.TempDir()}, logger)
	if err != nil {
		t.Fatalf("start nats: %v", err)
	}
	t.Cleanup(srv.Shutdown)
	client, err := bus.Connect(context.Background(), "capture-test", config.BusConfig{Servers: []string{srv.ClientURL()}, ConnectTimeout: 2000}, logger)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(client.Close)

	dev := NewBusDevice("s-42", client, logger)
	if err := dev.Open(context.Background()); err != nil {
		t.Fatalf("open: %v", err)
	}

	pcm := make([]byte, 640)
	for i := 0; i < len(pcm); i += 2 {
		pcm[i+1] = 0x20
	}
	if err := client.PublishJSON(protocol.AudioFrameSubject("s-42"), protocol.AudioFrame{SessionID: "s-42", PCM: pcm}); err != nil {
		t.Fatal(err)
	}
	if err := client.PublishJSON(protocol.AudioFrameSubject("other"), protocol.AudioFrame{SessionID: "other", PCM: pcm}); err != nil {
		t.Fatal(err)
	}
	if err := client.Conn().Flush(); err != nil {
		t.Fatal(err)
	}

	var got Batch
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		b, err := dev.Read()
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		got.PCM = append(got.PCM, b.PCM...)
		if b.Level > got.Level {
			got.Level = b.Level
		}
		if len(got.PCM) >= len(pcm) {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if len(got.PCM) != len(pcm) {
		t.Fatalf("expected %d bytes for this session only, got %d", len(pcm), len(got.PCM))
	}
	if !Classify(got.Level, DefaultThreshold) {
		t.Fatalf("expected speech-level frame, got %v", got.Level)
	}

	if err := dev.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, err := dev.Read(); !errors.Is(err, ErrDeviceUnavailable) {
		t.Fatalf("expected ErrDeviceUnavailable after close, got %v", err)
	}
}
