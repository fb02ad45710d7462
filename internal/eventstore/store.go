// Package eventstore persists conversation turns and rollout metrics in SQLite.
package eventstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/loqalabs/loqa-presence/internal/config"
	"github.com/loqalabs/loqa-presence/internal/rollout"
	_ "modernc.org/sqlite"
)

// timeLayout is fixed width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Turn is one persisted entry of a session's history.
type Turn struct {
	ID        string
	SessionID string
	Speaker   string
	Content   string
	Arm       string
	Category  string
	Silence   bool
	StartedAt time.Time
	EndedAt   time.Time
}

// Store wraps the SQLite database. In ephemeral mode every write is a no-op.
type Store struct {
	db    *sql.DB
	cfg   config.EventStoreConfig
	log   *slog.Logger
	clock func() time.Time

	mu     sync.Mutex
	active map[string]struct{}
}

// Open initializes the event store according to config.
func Open(ctx context.Context, cfg config.EventStoreConfig, log *slog.Logger) (*Store, error) {
	log = log.With(slog.String("component", "eventstore"))
	if cfg.RetentionMode == "ephemeral" {
		return &Store{cfg: cfg, log: log, clock: time.Now, active: make(map[string]struct{})}, nil
	}

	dir := filepath.Dir(cfg.Path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)", cfg.Path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &Store{db: db, cfg: cfg, log: log, clock: time.Now, active: make(map[string]struct{})}
	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}
	if cfg.VacuumOnStart {
		if err := s.vacuum(ctx); err != nil {
			log.Warn("event store vacuum failed", slog.String("error", err.Error()))
		}
	}
	if err := s.Prune(ctx); err != nil {
		log.Warn("event store prune on start failed", slog.String("error", err.Error()))
	}
	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	ddl := `
CREATE TABLE IF NOT EXISTS sessions (
    session_id TEXT PRIMARY KEY,
    arm TEXT,
    depth TEXT,
    created_at TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS turns (
    seq INTEGER PRIMARY KEY AUTOINCREMENT,
    turn_id TEXT NOT NULL UNIQUE,
    session_id TEXT NOT NULL,
    speaker TEXT NOT NULL,
    content TEXT,
    arm TEXT,
    category TEXT,
    silence INTEGER NOT NULL DEFAULT 0,
    started_at TEXT NOT NULL,
    ended_at TEXT NOT NULL,
    FOREIGN KEY(session_id) REFERENCES sessions(session_id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_turns_session ON turns(session_id, seq);
CREATE TABLE IF NOT EXISTS metrics (
    seq INTEGER PRIMARY KEY AUTOINCREMENT,
    session_id TEXT,
    event TEXT NOT NULL,
    arm TEXT NOT NULL,
    word_count INTEGER NOT NULL,
    was_silence INTEGER NOT NULL,
    created_at TEXT NOT NULL
);
`
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

func (s *Store) vacuum(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

// Close releases underlying resources.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) disabled() bool {
	return s.cfg.RetentionMode == "ephemeral" || s.db == nil
}

// AppendSession ensures a session row exists and records its arm and depth.
// The session counts as running, and is kept by Prune, until EndSession.
func (s *Store) AppendSession(ctx context.Context, sessionID, arm, depth string) error {
	if s.disabled() {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions(session_id, arm, depth, created_at)
		 VALUES(?, ?, ?, ?)
		 ON CONFLICT(session_id) DO UPDATE SET arm=excluded.arm, depth=excluded.depth`,
		sessionID, arm, depth, formatTime(s.clock()))
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.active[sessionID] = struct{}{}
	s.mu.Unlock()
	return nil
}

// EndSession makes a session eligible for retention again.
func (s *Store) EndSession(sessionID string) {
	s.mu.Lock()
	delete(s.active, sessionID)
	s.mu.Unlock()
}

// running returns a NOT IN clause and its arguments for the running sessions.
func (s *Store) running() (string, []any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.active) == 0 {
		return "", nil
	}
	args := make([]any, 0, len(s.active))
	for id := range s.active {
		args = append(args, id)
	}
	return " AND session_id NOT IN (" + strings.TrimSuffix(strings.Repeat("?,", len(args)), ",") + ")", args
}

// AppendTurn writes one history entry. Turns are never updated.
func (s *Store) AppendTurn(ctx context.Context, t Turn) error {
	if s.disabled() {
		return nil
	}
	if t.StartedAt.IsZero() {
		t.StartedAt = s.clock()
	}
	if t.EndedAt.IsZero() {
		t.EndedAt = t.StartedAt
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO turns(turn_id, session_id, speaker, content, arm, category, silence, started_at, ended_at)
		 VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.SessionID, t.Speaker, t.Content, t.Arm, t.Category, boolInt(t.Silence),
		formatTime(t.StartedAt), formatTime(t.EndedAt))
	return err
}

// ListTurns returns the latest limit turns for a session in append order.
func (s *Store) ListTurns(ctx context.Context, sessionID string, limit int) ([]Turn, error) {
	if s.disabled() {
		return nil, nil
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT turn_id, session_id, speaker, content, arm, category, silence, started_at, ended_at
		 FROM turns WHERE session_id = ? ORDER BY seq DESC LIMIT ?`, sessionID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var turns []Turn
	for rows.Next() {
		var t Turn
		var silence int
		var started, ended string
		if err := rows.Scan(&t.ID, &t.SessionID, &t.Speaker, &t.Content, &t.Arm, &t.Category, &silence, &started, &ended); err != nil {
			return nil, err
		}
		t.Silence = silence != 0
		t.StartedAt = parseTime(started)
		t.EndedAt = parseTime(ended)
		turns = append(turns, t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	slices.Reverse(turns)
	return turns, nil
}

// AppendMetric satisfies rollout.Sink.
func (s *Store) AppendMetric(ctx context.Context, rec rollout.Record) error {
	if s.disabled() {
		return nil
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = s.clock()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO metrics(session_id, event, arm, word_count, was_silence, created_at)
		 VALUES(?, ?, ?, ?, ?, ?)`,
		rec.SessionID, rec.Event, string(rec.Arm), rec.WordCount, boolInt(rec.WasSilence), formatTime(rec.Timestamp))
	return err
}

// ListMetrics returns every metric record in append order.
func (s *Store) ListMetrics(ctx context.Context) ([]rollout.Record, error) {
	if s.disabled() {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT session_id, event, arm, word_count, was_silence, created_at FROM metrics ORDER BY seq ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []rollout.Record
	for rows.Next() {
		var rec rollout.Record
		var arm, created string
		var silence int
		if err := rows.Scan(&rec.SessionID, &rec.Event, &arm, &rec.WordCount, &silence, &created); err != nil {
			return nil, err
		}
		rec.Arm = rollout.Arm(arm)
		rec.WasSilence = silence != 0
		rec.Timestamp = parseTime(created)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Prune applies configured retention to sessions and their turns. Running
// sessions are never pruned. Metrics are kept for comparison.
func (s *Store) Prune(ctx context.Context) (err error) {
	if s.disabled() {
		return nil
	}
	if s.cfg.RetentionMode != "persistent" && s.cfg.RetentionMode != "session" {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	keep, running := s.running()
	if s.cfg.RetentionDays > 0 {
		cutoff := formatTime(s.clock().Add(-time.Duration(s.cfg.RetentionDays) * 24 * time.Hour))
		args := append([]any{cutoff}, running...)
		if _, err = tx.ExecContext(ctx, `DELETE FROM sessions WHERE created_at < ?`+keep, args...); err != nil {
			return err
		}
	}
	if s.cfg.MaxSessions > 0 {
		args := append([]any{s.cfg.MaxSessions}, running...)
		_, err = tx.ExecContext(ctx, `DELETE FROM sessions WHERE session_id IN (
			SELECT session_id FROM sessions ORDER BY created_at DESC LIMIT -1 OFFSET ?
		)`+keep, args...)
		if err != nil {
			return err
		}
	}
	return tx.Commit()
}

// Ensure checks the store is consistent with its retention mode.
func (s *Store) Ensure() error {
	if s.cfg.RetentionMode == "ephemeral" && s.db != nil {
		return errors.New("ephemeral store should not have database connection")
	}
	return nil
}

func formatTime(t time.Time) string { return t.UTC().Format(timeLayout) }

func parseTime(s string) time.Time {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
