package rollout

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"io"
	"log/slog"
	"slices"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

type Arm string

const (
	ArmBaseline    Arm = "baseline"
	ArmConstrained Arm = "constrained"
)

// EventResponse marks a record produced by an agent response. Only these
// are aggregated by Compare.
const EventResponse = "response"

// Record is one metrics event. It is never modified once appended.
type Record struct {
	Event      string    `json:"event"`
	Arm        Arm       `json:"arm"`
	WordCount  int       `json:"word_count"`
	WasSilence bool      `json:"was_silence"`
	SessionID  string    `json:"session_id"`
	Timestamp  time.Time `json:"timestamp"`
}

// Sink persists records for offline comparison.
type Sink interface {
	AppendMetric(ctx context.Context, rec Record) error
}

type Router struct {
	store  *Store
	sink   Sink
	logger *slog.Logger

	mu      sync.RWMutex
	records []Record

	routed    metric.Int64Counter
	responses metric.Int64Counter
}

func NewRouter(store *Store, sink Sink, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	r := &Router{
		store:  store,
		sink:   sink,
		logger: logger.With(slog.String("component", "rollout")),
	}
	meter := otel.Meter("github.com/loqalabs/loqa-presence/rollout")
	if c, err := meter.Int64Counter("presence.rollout.routed", metric.WithDescription("Routing decisions by arm")); err == nil {
		r.routed = c
	}
	if c, err := meter.Int64Counter("presence.rollout.responses", metric.WithDescription("Recorded responses by arm")); err == nil {
		r.responses = c
	}
	return r
}

func (r *Router) Store() *Store { return r.store }

// Route is a pure function of the current config and sessionID.
func (r *Router) Route(sessionID string) Arm {
	arm := route(r.store.Load(), sessionID)
	if r.routed != nil {
		r.routed.Add(context.Background(), 1, metric.WithAttributes(attribute.String("arm", string(arm))))
	}
	return arm
}

func route(cfg Config, sessionID string) Arm {
	if cfg.allowListed(sessionID) {
		return ArmConstrained
	}
	if !cfg.Enabled {
		return ArmBaseline
	}
	switch cfg.Mode {
	case ModeHybrid:
		return ArmConstrained
	case ModeSplit:
		if bucket(sessionID) < cfg.SplitPercentage*100 {
			return ArmConstrained
		}
	}
	return ArmBaseline
}

// bucket maps a session id onto [0, 10000) with a stable hash.
func bucket(sessionID string) int {
	sum := sha256.Sum256([]byte("rollout:" + sessionID))
	return int(binary.BigEndian.Uint64(sum[:8]) % 10000)
}

// Record appends rec to the log and forwards it to the sink. The in-memory
// log keeps the record even when the sink fails.
func (r *Router) Record(ctx context.Context, rec Record) error {
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}
	r.mu.Lock()
	r.records = append(r.records, rec)
	r.mu.Unlock()

	if rec.Event == EventResponse && r.responses != nil {
		r.responses.Add(ctx, 1, metric.WithAttributes(
			attribute.String("arm", string(rec.Arm)),
			attribute.Bool("silence", rec.WasSilence)))
	}
	if r.sink == nil {
		return nil
	}
	if err := r.sink.AppendMetric(ctx, rec); err != nil {
		r.logger.Warn("failed to persist metric", slog.String("session_id", rec.SessionID), slogError(err))
		return err
	}
	return nil
}

// Restore seeds the log with previously persisted records without writing
// them to the sink again.
func (r *Router) Restore(records []Record) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append(r.records, records...)
}

// Records returns a snapshot of the log.
func (r *Router) Records() []Record {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.records)
}

func (r *Router) Compare() Comparison {
	return Compare(r.Records())
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
