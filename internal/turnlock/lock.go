// Package turnlock arbitrates the shared audio channel between capture and
// playback. It is a broadcast state register rather than a blocking mutex:
// holders are told about every transition and are expected to pause or
// resume cooperatively.
package turnlock

import (
	"context"
	"errors"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var (
	// ErrLockDenied is returned when the other role holds the channel.
	ErrLockDenied = errors.New("turnlock: channel held by other role")
	// ErrStaleTicket is returned when releasing a ticket that no longer holds the channel.
	ErrStaleTicket = errors.New("turnlock: stale ticket")
)

type Role int

const (
	RoleCapture Role = iota + 1
	RolePlayback
)

func (r Role) String() string {
	switch r {
	case RoleCapture:
		return "capture"
	case RolePlayback:
		return "playback"
	default:
		return "none"
	}
}

type State int

const (
	Unclaimed State = iota
	HeldByCapture
	HeldByPlayback
)

func (s State) String() string {
	switch s {
	case HeldByCapture:
		return "held_by_capture"
	case HeldByPlayback:
		return "held_by_playback"
	default:
		return "unclaimed"
	}
}

func stateFor(role Role) State {
	if role == RolePlayback {
		return HeldByPlayback
	}
	return HeldByCapture
}

// Ticket proves ownership of the channel. Generation increases on every claim.
type Ticket struct {
	Role       Role
	Generation uint64
}

// Transition is delivered to subscribers on every state change.
type Transition struct {
	From       State
	To         State
	Generation uint64
}

type subscriber struct {
	id uint64
	fn func(Transition)
}

// Lock is safe for concurrent use. Subscriber callbacks run on the caller's
// goroutine while the lock is held for delivery and must not call Acquire,
// Release or Subscribe.
type Lock struct {
	mu            sync.Mutex
	state         State
	generation    uint64
	playbackEpoch uint64
	nextSubID     uint64
	subs          []subscriber

	transitions metric.Int64Counter
	denials     metric.Int64Counter
}

func New() *Lock {
	l := &Lock{}
	meter := otel.Meter("github.com/loqalabs/loqa-presence/turnlock")
	if c, err := meter.Int64Counter("presence.turnlock.transitions", metric.WithDescription("Audio channel state transitions")); err == nil {
		l.transitions = c
	}
	if c, err := meter.Int64Counter("presence.turnlock.denials", metric.WithDescription("Denied channel claims")); err == nil {
		l.denials = c
	}
	return l
}

// Acquire claims the channel for role. It never blocks. A role that already
// holds the channel gets its current ticket back.
func (l *Lock) Acquire(role Role) (Ticket, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	want := stateFor(role)
	switch l.state {
	case want:
		return Ticket{Role: role, Generation: l.generation}, nil
	case Unclaimed:
	default:
		if l.denials != nil {
			l.denials.Add(context.Background(), 1, metric.WithAttributes(attribute.String("role", role.String())))
		}
		return Ticket{}, ErrLockDenied
	}

	l.generation++
	if role == RolePlayback {
		l.playbackEpoch++
	}
	l.transitionLocked(want)
	return Ticket{Role: role, Generation: l.generation}, nil
}

// Release returns the channel to Unclaimed. All subscribers have observed the
// transition by the time Release returns.
func (l *Lock) Release(t Ticket) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if t.Generation != l.generation || l.state != stateFor(t.Role) {
		return ErrStaleTicket
	}
	l.transitionLocked(Unclaimed)
	return nil
}

func (l *Lock) transitionLocked(to State) {
	tr := Transition{From: l.state, To: to, Generation: l.generation}
	l.state = to
	if l.transitions != nil {
		l.transitions.Add(context.Background(), 1, metric.WithAttributes(attribute.String("to", to.String())))
	}
	for _, s := range l.subs {
		s.fn(tr)
	}
}

// Subscribe registers fn for every subsequent transition. Delivery follows
// subscription order. The returned func removes the subscription.
func (l *Lock) Subscribe(fn func(Transition)) func() {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.nextSubID++
	id := l.nextSubID
	l.subs = append(l.subs, subscriber{id: id, fn: fn})
	return func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		for i, s := range l.subs {
			if s.id == id {
				l.subs = append(l.subs[:i:i], l.subs[i+1:]...)
				return
			}
		}
	}
}

func (l *Lock) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// PlaybackEpoch counts playback claims. Comparing two readings tells whether
// playback claimed the channel in between, even if it has since released.
func (l *Lock) PlaybackEpoch() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.playbackEpoch
}
