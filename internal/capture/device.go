package capture

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/loqalabs/loqa-presence/internal/bus"
	"github.com/loqalabs/loqa-presence/internal/protocol"
	"github.com/nats-io/nats.go"
)

// ErrDeviceUnavailable is fatal to a session; the caller must start a new one.
var ErrDeviceUnavailable = errors.New("capture: audio device unavailable")

// Batch is the audio gathered by a device since the previous Read.
type Batch struct {
	PCM   []byte
	Level float64
}

// Device is the capture boundary. Read is called once per tick.
type Device interface {
	Open(ctx context.Context) error
	Read() (Batch, error)
	Close() error
}

// BusDevice receives PCM frames published by edge devices on
// audio.frame.<session>. The reported level is the loudest frame since the
// previous Read.
type BusDevice struct {
	sessionID string
	bus       *bus.Client
	logger    *slog.Logger

	mu     sync.Mutex
	sub    *nats.Subscription
	buf    []byte
	peak   float64
	closed bool
}

func NewBusDevice(sessionID string, busClient *bus.Client, logger *slog.Logger) *BusDevice {
	return &BusDevice{
		sessionID: sessionID,
		bus:       busClient,
		logger:    logger.With(slog.String("component", "capture-device"), slog.String("session_id", sessionID)),
	}
}

func (d *BusDevice) Open(_ context.Context) error {
	if !d.bus.Healthy() {
		return ErrDeviceUnavailable
	}
	sub, err := d.bus.Subscribe(protocol.AudioFrameSubject(d.sessionID), d.handleFrame)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDeviceUnavailable, err)
	}
	d.mu.Lock()
	d.sub = sub
	d.closed = false
	d.mu.Unlock()
	return nil
}

func (d *BusDevice) handleFrame(msg *nats.Msg) {
	var frame protocol.AudioFrame
	if err := json.Unmarshal(msg.Data, &frame); err != nil {
		d.logger.Warn("failed to decode audio frame", slogError(err))
		return
	}
	level := Level(frame.PCM)

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	d.buf = append(d.buf, frame.PCM...)
	if level > d.peak {
		d.peak = level
	}
}

func (d *BusDevice) Read() (Batch, error) {
	if !d.bus.Healthy() {
		return Batch{}, ErrDeviceUnavailable
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed || d.sub == nil {
		return Batch{}, ErrDeviceUnavailable
	}
	b := Batch{PCM: d.buf, Level: d.peak}
	d.buf = nil
	d.peak = 0
	return b, nil
}

func (d *BusDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	d.buf = nil
	if d.sub == nil {
		return nil
	}
	err := d.sub.Unsubscribe()
	d.sub = nil
	return err
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
