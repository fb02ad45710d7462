// Package rollout decides per session whether the constrained voice or the
// baseline generator answers, and aggregates outcome metrics for both arms.
package rollout

import (
	"fmt"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/loqalabs/loqa-presence/internal/config"
)

type Mode string

const (
	ModeCurrent Mode = "current"
	ModeHybrid  Mode = "hybrid"
	ModeSplit   Mode = "split"
)

// Config is replaced wholesale on every change and never mutated in place.
type Config struct {
	Enabled         bool     `json:"enabled"`
	Mode            Mode     `json:"mode"`
	SplitPercentage int      `json:"split_percentage"`
	TestSessions    []string `json:"test_sessions"`
}

func FromConfig(cfg config.RolloutConfig) Config {
	return Config{
		Enabled:         cfg.Enabled,
		Mode:            Mode(cfg.Mode),
		SplitPercentage: cfg.SplitPercentage,
		TestSessions:    slices.Clone(cfg.TestSessions),
	}
}

func (c Config) Validate() error {
	switch c.Mode {
	case ModeCurrent, ModeHybrid, ModeSplit:
	default:
		return fmt.Errorf("unknown rollout mode %q", c.Mode)
	}
	if c.SplitPercentage < 0 || c.SplitPercentage > 100 {
		return fmt.Errorf("split percentage %d out of range [0,100]", c.SplitPercentage)
	}
	return nil
}

func (c Config) allowListed(sessionID string) bool {
	return slices.Contains(c.TestSessions, sessionID)
}

// Store holds the live Config. Readers never block; writers are serialised
// and publish a fresh copy with a single atomic swap.
type Store struct {
	mu  sync.Mutex
	cur atomic.Pointer[Config]
}

func NewStore(initial Config) (*Store, error) {
	if err := initial.Validate(); err != nil {
		return nil, err
	}
	s := &Store{}
	initial.TestSessions = slices.Clone(initial.TestSessions)
	s.cur.Store(&initial)
	return s, nil
}

// Load returns the current config. Callers must not modify TestSessions.
func (s *Store) Load() Config {
	return *s.cur.Load()
}

func (s *Store) Replace(cfg Config) error {
	_, err := s.update(func(Config) Config { return cfg })
	return err
}

// EnableForTesting turns the rollout on and adds ids to the allow-list.
// Routing for everyone else is unchanged.
func (s *Store) EnableForTesting(ids []string) (Config, error) {
	return s.update(func(c Config) Config {
		c.Enabled = true
		for _, id := range ids {
			if id != "" && !slices.Contains(c.TestSessions, id) {
				c.TestSessions = append(c.TestSessions, id)
			}
		}
		return c
	})
}

// SetRolloutPercentage switches to split mode at pct.
func (s *Store) SetRolloutPercentage(pct int) (Config, error) {
	return s.update(func(c Config) Config {
		c.Enabled = true
		c.Mode = ModeSplit
		c.SplitPercentage = pct
		return c
	})
}

// LaunchFullRollout routes every session to the constrained arm.
func (s *Store) LaunchFullRollout() (Config, error) {
	return s.update(func(c Config) Config {
		c.Enabled = true
		c.Mode = ModeHybrid
		c.SplitPercentage = 100
		return c
	})
}

func (s *Store) update(fn func(Config) Config) (Config, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.Load()
	next.TestSessions = slices.Clone(next.TestSessions)
	next = fn(next)
	if err := next.Validate(); err != nil {
		return s.Load(), err
	}
	next.TestSessions = slices.Clone(next.TestSessions)
	s.cur.Store(&next)
	return next, nil
}
