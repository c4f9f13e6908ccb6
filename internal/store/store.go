// Package store persists recorded steps in SQLite so a recording can be
// listed and replayed after the recorder that produced it has gone away.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"tabdriver/internal/logging"
	"tabdriver/internal/recorder"
	"tabdriver/internal/rtid"
	"tabdriver/internal/selector"
)

// ErrClosed is returned by operations on a closed store.
var ErrClosed = errors.New("store: closed")

// StepStore is a SQLite-backed recorder.Sink.
type StepStore struct {
	db     *sql.DB
	mu     sync.RWMutex
	path   string
	closed bool
}

var _ recorder.Sink = (*StepStore)(nil)

// SessionSummary describes one recording session.
type SessionSummary struct {
	ID    string    `json:"id"`
	Steps int       `json:"steps"`
	First time.Time `json:"first"`
	Last  time.Time `json:"last"`
}

// dsn enables WAL, a busy timeout and NORMAL sync through go-sqlite3's
// connection parameters so every pooled connection gets them.
func dsn(path string) string {
	if path == ":memory:" {
		return "file::memory:?cache=shared&_busy_timeout=5000"
	}
	return fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL", path)
}

// Open opens or creates the step database at path.
func Open(path string) (*StepStore, error) {
	timer := logging.StartTimer(logging.CategoryStore, "Open")
	defer timer.Stop()

	logging.Store("Opening step store at %s", path)
	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			logging.StoreError("Failed to create directory %s: %v", dir, err)
			return nil, fmt.Errorf("failed to create directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", dsn(path))
	if err != nil {
		logging.StoreError("Failed to open database at %s: %v", path, err)
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &StepStore{db: db, path: path}
	if err := s.initialize(); err != nil {
		logging.StoreError("Failed to initialize schema: %v", err)
		db.Close()
		return nil, err
	}
	if err := RunMigrations(db); err != nil {
		db.Close()
		return nil, err
	}
	logging.StoreDebug("Step store ready (schema v%d)", GetSchemaVersion(db))
	return s, nil
}

func (s *StepStore) initialize() error {
	schema := `
	CREATE TABLE IF NOT EXISTS steps (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		session TEXT NOT NULL,
		action TEXT NOT NULL,
		value TEXT NOT NULL DEFAULT '',
		target TEXT NOT NULL,
		recorded_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_steps_session ON steps(session, seq);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create steps table: %w", err)
	}
	return nil
}

// Path returns the database location.
func (s *StepStore) Path() string { return s.path }

// Record stores step. A step whose ID is already stored is ignored.
func (s *StepStore) Record(ctx context.Context, step recorder.Step) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}

	target, err := json.Marshal(step.Target)
	if err != nil {
		return fmt.Errorf("encode target of step %s: %w", step.ID, err)
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO steps (id, session, action, value, target, frame, recorded_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		step.ID, step.Session, step.Action, step.Value, string(target), step.Frame.String(), step.Time.UnixMilli())
	if err != nil {
		logging.StoreError("Failed to record step %s: %v", step.ID, err)
		return fmt.Errorf("record step %s: %w", step.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		logging.StoreDebug("Step %s already recorded", step.ID)
		return nil
	}
	logging.StoreDebug("Recorded %s step %s in session %q", step.Action, step.ID, step.Session)
	return nil
}

// List returns the steps of session in recording order. An empty session
// lists every step.
func (s *StepStore) List(ctx context.Context, session string) ([]recorder.Step, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}

	query := `SELECT id, session, action, value, target, frame, recorded_at FROM steps`
	var args []any
	if session != "" {
		query += ` WHERE session = ?`
		args = append(args, session)
	}
	query += ` ORDER BY seq`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list steps: %w", err)
	}
	defer rows.Close()

	var steps []recorder.Step
	for rows.Next() {
		step, err := scanStep(rows)
		if err != nil {
			return nil, err
		}
		steps = append(steps, step)
	}
	return steps, rows.Err()
}

func scanStep(rows *sql.Rows) (recorder.Step, error) {
	var (
		step   recorder.Step
		target string
		frame  string
		at     int64
	)
	if err := rows.Scan(&step.ID, &step.Session, &step.Action, &step.Value, &target, &frame, &at); err != nil {
		return step, fmt.Errorf("scan step: %w", err)
	}
	var desc selector.AODesc
	if err := json.Unmarshal([]byte(target), &desc); err != nil {
		return step, fmt.Errorf("decode target of step %s: %w", step.ID, err)
	}
	step.Target = desc
	if frame != "" {
		id, err := rtid.Parse(frame)
		if err != nil {
			return step, fmt.Errorf("decode frame of step %s: %w", step.ID, err)
		}
		step.Frame = id
	}
	step.Time = time.UnixMilli(at)
	return step, nil
}

// Sessions summarizes every recorded session, oldest first.
func (s *StepStore) Sessions(ctx context.Context) ([]SessionSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT session, COUNT(*), MIN(recorded_at), MAX(recorded_at)
		FROM steps GROUP BY session ORDER BY MIN(seq)`)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []SessionSummary
	for rows.Next() {
		var (
			sum         SessionSummary
			first, last int64
		)
		if err := rows.Scan(&sum.ID, &sum.Steps, &first, &last); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		sum.First, sum.Last = time.UnixMilli(first), time.UnixMilli(last)
		out = append(out, sum)
	}
	return out, rows.Err()
}

// DeleteSession removes every step of session and reports how many went.
func (s *StepStore) DeleteSession(ctx context.Context, session string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrClosed
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM steps WHERE session = ?`, session)
	if err != nil {
		return 0, fmt.Errorf("delete session %s: %w", session, err)
	}
	n, _ := res.RowsAffected()
	logging.Store("Deleted %d steps of session %q", n, session)
	return int(n), nil
}

// Close closes the database. Further calls return ErrClosed.
func (s *StepStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	logging.Store("Closing step store")
	return s.db.Close()
}
