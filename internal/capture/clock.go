package capture

import "time"

// Ticker drives the capture loop. Production uses a wall-clock ticker; tests
// substitute a ManualTicker and push virtual time.
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

type wallTicker struct{ t *time.Ticker }

func NewWallTicker(d time.Duration) Ticker { return &wallTicker{t: time.NewTicker(d)} }

func (w *wallTicker) C() <-chan time.Time { return w.t.C }
func (w *wallTicker) Stop()               { w.t.Stop() }

// ManualTicker delivers whatever times are sent to it.
type ManualTicker struct {
	ch chan time.Time
}

func NewManualTicker() *ManualTicker { return &ManualTicker{ch: make(chan time.Time)} }

func (m *ManualTicker) C() <-chan time.Time { return m.ch }
func (m *ManualTicker) Stop()               {}

// Advance blocks until the loop has received now.
func (m *ManualTicker) Advance(now time.Time) { m.ch <- now }
