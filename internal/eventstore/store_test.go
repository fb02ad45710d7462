package eventstore

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/loqalabs/loqa-presence/internal/config"
	"github.com/loqalabs/loqa-presence/internal/rollout"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func openTemp(t *testing.T, cfg config.EventStoreConfig) *Store {
	t.Helper()
	cfg.Path = filepath.Join(t.TempDir(), "presence.db")
	es, err := Open(context.Background(), cfg, newLogger())
	if err != nil {
		t.Fatalf("open event store: %v", err)
	}
	t.Cleanup(func() { _ = es.Close() })
	return es
}

func TestOpenEphemeral(t *testing.T) {
	ctx := context.Background()
	cfg := config.EventStoreConfig{RetentionMode: "ephemeral"}
	es, err := Open(ctx, cfg, newLogger())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	t.Cleanup(func() { _ = es.Close() })
	if err := es.Ensure(); err != nil {
		t.Fatalf("ensure failed: %v", err)
	}
	if err := es.AppendTurn(ctx, Turn{ID: "t1", SessionID: "s"}); err != nil {
		t.Fatalf("ephemeral append should be a no-op: %v", err)
	}
}

func TestAppendAndListTurns(t *testing.T) {
	es := openTemp(t, config.EventStoreConfig{RetentionMode: "session"})
	ctx := context.Background()

	sessionID := "session-123"
	if err := es.AppendSession(ctx, sessionID, "constrained", "normal"); err != nil {
		t.Fatalf("append session: %v", err)
	}
	start := time.Date(2025, 3, 1, 10, 0, 0, 123456789, time.UTC)
	turns := []Turn{
		{ID: "t1", SessionID: sessionID, Speaker: "human", Content: "I miss her", StartedAt: start, EndedAt: start.Add(2 * time.Second)},
		{ID: "t2", SessionID: sessionID, Speaker: "agent", Arm: "constrained", Category: "emotional", Content: "That's a lot.", StartedAt: start.Add(3 * time.Second)},
		{ID: "t3", SessionID: sessionID, Speaker: "agent", Arm: "constrained", Category: "presence", Silence: true, StartedAt: start.Add(5 * time.Second)},
	}
	for _, turn := range turns {
		if err := es.AppendTurn(ctx, turn); err != nil {
			t.Fatalf("append turn: %v", err)
		}
	}
	got, err := es.ListTurns(ctx, sessionID, 10)
	if err != nil {
		t.Fatalf("list turns: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 turns, got %d", len(got))
	}
	if got[0].ID != "t1" || got[2].ID != "t3" {
		t.Fatalf("turns out of order: %+v", got)
	}
	if !got[0].StartedAt.Equal(start) || !got[0].EndedAt.Equal(start.Add(2*time.Second)) {
		t.Fatalf("timestamps not preserved: %+v", got[0])
	}
	if !got[2].Silence || got[1].Category != "emotional" {
		t.Fatalf("fields not preserved: %+v", got)
	}
	if !got[1].EndedAt.Equal(got[1].StartedAt) {
		t.Fatalf("missing end time should default to start")
	}
}

func TestAppendTurnRequiresSession(t *testing.T) {
	es := openTemp(t, config.EventStoreConfig{RetentionMode: "session"})
	if err := es.AppendTurn(context.Background(), Turn{ID: "t1", SessionID: "ghost", Speaker: "human"}); err == nil {
		t.Fatalf("expected foreign key violation")
	}
}

func TestMetricsSink(t *testing.T) {
	es := openTemp(t, config.EventStoreConfig{RetentionMode: "persistent"})
	ctx := context.Background()
	var sink rollout.Sink = es

	recs := []rollout.Record{
		{Event: rollout.EventResponse, Arm: rollout.ArmBaseline, WordCount: 21, SessionID: "a"},
		{Event: rollout.EventResponse, Arm: rollout.ArmConstrained, WasSilence: true, SessionID: "b"},
	}
	for _, rec := range recs {
		if err := sink.AppendMetric(ctx, rec); err != nil {
			t.Fatalf("append metric: %v", err)
		}
	}
	got, err := es.ListMetrics(ctx)
	if err != nil {
		t.Fatalf("list metrics: %v", err)
	}
	if len(got) != 2 || got[0].WordCount != 21 || got[1].Arm != rollout.ArmConstrained || !got[1].WasSilence {
		t.Fatalf("unexpected metrics %+v", got)
	}
	if got[0].Timestamp.IsZero() {
		t.Fatalf("timestamp should be filled in")
	}
}

func TestPruneByDaysAndSessions(t *testing.T) {
	es := openTemp(t, config.EventStoreConfig{RetentionMode: "persistent", RetentionDays: 1, MaxSessions: 1})
	ctx := context.Background()

	es.clock = func() time.Time { return time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC) }
	if err := es.AppendSession(ctx, "old-session", "baseline", "quick"); err != nil {
		t.Fatalf("append session: %v", err)
	}
	if err := es.AppendTurn(ctx, Turn{ID: "old-1", SessionID: "old-session", Speaker: "human"}); err != nil {
		t.Fatalf("append turn: %v", err)
	}
	if err := es.AppendMetric(ctx, rollout.Record{Event: rollout.EventResponse, Arm: rollout.ArmBaseline, SessionID: "old-session"}); err != nil {
		t.Fatalf("append metric: %v", err)
	}
	es.EndSession("old-session")

	es.clock = func() time.Time { return time.Date(2025, 1, 3, 0, 0, 0, 0, time.UTC) }
	if err := es.AppendSession(ctx, "new-session", "baseline", "quick"); err != nil {
		t.Fatalf("append session: %v", err)
	}
	if err := es.Prune(ctx); err != nil {
		t.Fatalf("prune: %v", err)
	}

	turns, err := es.ListTurns(ctx, "old-session", 10)
	if err != nil {
		t.Fatalf("list turns: %v", err)
	}
	if len(turns) != 0 {
		t.Fatalf("expected old session pruned")
	}
	metrics, err := es.ListMetrics(ctx)
	if err != nil {
		t.Fatalf("list metrics: %v", err)
	}
	if len(metrics) != 1 {
		t.Fatalf("metrics must survive pruning, got %d", len(metrics))
	}
}

func TestListTurnsReturnsLatest(t *testing.T) {
	es := openTemp(t, config.EventStoreConfig{RetentionMode: "session"})
	ctx := context.Background()
	if err := es.AppendSession(ctx, "s", "baseline", "normal"); err != nil {
		t.Fatalf("append session: %v", err)
	}
	for _, id := range []string{"t1", "t2", "t3", "t4"} {
		if err := es.AppendTurn(ctx, Turn{ID: id, SessionID: "s", Speaker: "human"}); err != nil {
			t.Fatalf("append turn: %v", err)
		}
	}
	got, err := es.ListTurns(ctx, "s", 2)
	if err != nil {
		t.Fatalf("list turns: %v", err)
	}
	if len(got) != 2 || got[0].ID != "t3" || got[1].ID != "t4" {
		t.Fatalf("expected the last two turns in order, got %+v", got)
	}
}

func TestPruneKeepsRunningSessions(t *testing.T) {
	es := openTemp(t, config.EventStoreConfig{RetentionMode: "persistent", RetentionDays: 1, MaxSessions: 1})
	ctx := context.Background()

	es.clock = func() time.Time { return time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC) }
	for _, id := range []string{"running", "finished"} {
		if err := es.AppendSession(ctx, id, "constrained", "deep"); err != nil {
			t.Fatalf("append session: %v", err)
		}
	}
	es.EndSession("finished")

	es.clock = func() time.Time { return time.Date(2025, 1, 5, 0, 0, 0, 0, time.UTC) }
	if err := es.AppendSession(ctx, "newest", "baseline", "quick"); err != nil {
		t.Fatalf("append session: %v", err)
	}
	if err := es.Prune(ctx); err != nil {
		t.Fatalf("prune: %v", err)
	}

	if err := es.AppendTurn(ctx, Turn{ID: "late", SessionID: "running", Speaker: "human"}); err != nil {
		t.Fatalf("running session lost its row: %v", err)
	}
	if err := es.AppendTurn(ctx, Turn{ID: "gone", SessionID: "finished", Speaker: "human"}); err == nil {
		t.Fatal("finished session should have been pruned")
	}

	es.EndSession("running")
	if err := es.Prune(ctx); err != nil {
		t.Fatalf("prune: %v", err)
	}
	turns, err := es.ListTurns(ctx, "running", 10)
	if err != nil {
		t.Fatalf("list turns: %v", err)
	}
	if len(turns) != 0 {
		t.Fatalf("ended session should be pruned with its turns, got %d", len(turns))
	}
}

func TestOpenAppliesRetention(t *testing.T) {
	ctx := context.Background()
	cfg := config.EventStoreConfig{
		RetentionMode: "persistent",
		RetentionDays: 1,
		Path:          filepath.Join(t.TempDir(), "presence.db"),
	}
	es, err := Open(ctx, cfg, newLogger())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	es.clock = func() time.Time { return time.Now().Add(-72 * time.Hour) }
	if err := es.AppendSession(ctx, "stale", "baseline", "normal"); err != nil {
		t.Fatalf("append session: %v", err)
	}
	if err := es.AppendTurn(ctx, Turn{ID: "t1", SessionID: "stale", Speaker: "human"}); err != nil {
		t.Fatalf("append turn: %v", err)
	}
	if err := es.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	reopened, err := Open(ctx, cfg, newLogger())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	t.Cleanup(func() { _ = reopened.Close() })
	turns, err := reopened.ListTurns(ctx, "stale", 10)
	if err != nil {
		t.Fatalf("list turns: %v", err)
	}
	if len(turns) != 0 {
		t.Fatalf("opening the store should prune expired sessions, got %d turns", len(turns))
	}
}
