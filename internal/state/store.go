// Package state persists the server session history and install step
// runs in a SQLite database under the user's data directory.
//
// The store is the daemon's memory across restarts: the last recorded
// session tells a fresh daemon whether a server process may still be
// alive from a previous run and should be adopted or marked orphaned.
package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/vanderheijden86/loom/pkg/config"
)

const defaultLimit = 50

// Session statuses. A session begins as running, becomes ready when the
// readiness marker is observed, and ends in one of the terminal states.
const (
	StatusRunning  = "running"
	StatusReady    = "ready"
	StatusExited   = "exited"
	StatusFailed   = "failed"
	StatusKilled   = "killed"
	StatusOrphaned = "orphaned"
)

// ErrNoSessions is returned by LastSession when nothing was recorded yet.
var ErrNoSessions = errors.New("no recorded sessions")

// Session is one managed-server run.
type Session struct {
	ID        string     `json:"id"`
	PID       int        `json:"pid"`
	StartedAt time.Time  `json:"started_at"`
	ReadyAt   *time.Time `json:"ready_at,omitempty"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
	ExitCode  *int       `json:"exit_code,omitempty"`
	Status    string     `json:"status"`
	LogPath   string     `json:"log_path,omitempty"`
}

// Live reports whether the session has not reached a terminal state.
func (s Session) Live() bool {
	return s.Status == StatusRunning || s.Status == StatusReady
}

// StepRun is one install-step invocation.
type StepRun struct {
	ID         int64     `json:"id"`
	Step       string    `json:"step"`
	StartedAt  time.Time `json:"started_at"`
	DurationMs int64     `json:"duration_ms"`
	ExitCode   int       `json:"exit_code"`
	Err        string    `json:"err,omitempty"`
}

// Store wraps the history database.
type Store struct {
	db *sql.DB
}

// DefaultPath returns the history database location in the XDG data dir.
func DefaultPath() (string, error) {
	dir := config.DataDir()
	if dir == "" {
		return "", errors.New("cannot determine data directory")
	}
	return filepath.Join(dir, "history.db"), nil
}

// Open opens (creating if necessary) the history database at path.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("history db path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create history db dir: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open history db: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if _, err := db.ExecContext(context.Background(), "PRAGMA journal_mode=WAL;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable wal: %w", err)
	}
	s := &Store{db: db}
	if err := s.EnsureSchema(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// EnsureSchema creates the tables and indexes if they do not exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	sessionsSQL := `
		CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			pid INTEGER NOT NULL,
			started_at TEXT NOT NULL,
			ready_at TEXT,
			ended_at TEXT,
			exit_code INTEGER,
			status TEXT NOT NULL,
			log_path TEXT
		)
	`
	if _, err := s.db.ExecContext(ctx, sessionsSQL); err != nil {
		return fmt.Errorf("create sessions table: %w", err)
	}

	stepsSQL := `
		CREATE TABLE IF NOT EXISTS step_runs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			step TEXT NOT NULL,
			started_at TEXT NOT NULL,
			duration_ms INTEGER NOT NULL,
			exit_code INTEGER NOT NULL DEFAULT 0,
			err TEXT
		)
	`
	if _, err := s.db.ExecContext(ctx, stepsSQL); err != nil {
		return fmt.Errorf("create step_runs table: %w", err)
	}
	return nil
}

// BeginSession records a freshly spawned server and returns the session id.
func (s *Store) BeginSession(ctx context.Context, pid int, logPath string) (string, error) {
	id := uuid.NewString()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, pid, started_at, status, log_path) VALUES (?, ?, ?, ?, ?)`,
		id, pid, time.Now().UTC().Format(time.RFC3339Nano), StatusRunning, logPath,
	)
	if err != nil {
		return "", fmt.Errorf("insert session: %w", err)
	}
	return id, nil
}

// MarkReady stamps the session's readiness time.
func (s *Store) MarkReady(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET ready_at = ?, status = ? WHERE id = ? AND ended_at IS NULL`,
		time.Now().UTC().Format(time.RFC3339Nano), StatusReady, id,
	)
	if err != nil {
		return fmt.Errorf("mark session ready: %w", err)
	}
	return nil
}

// EndSession closes the session with its exit code and terminal status.
func (s *Store) EndSession(ctx context.Context, id string, exitCode int, status string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET ended_at = ?, exit_code = ?, status = ? WHERE id = ?`,
		time.Now().UTC().Format(time.RFC3339Nano), exitCode, status, id,
	)
	if err != nil {
		return fmt.Errorf("end session: %w", err)
	}
	return nil
}

// MarkOrphaned closes a session whose process died while no daemon was
// watching. The exit code is unknown and stays NULL.
func (s *Store) MarkOrphaned(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET ended_at = ?, status = ? WHERE id = ?`,
		time.Now().UTC().Format(time.RFC3339Nano), StatusOrphaned, id,
	)
	if err != nil {
		return fmt.Errorf("mark session orphaned: %w", err)
	}
	return nil
}

// RecordStep appends one install-step invocation to the history.
func (s *Store) RecordStep(ctx context.Context, step string, startedAt time.Time, d time.Duration, exitCode int, errMsg string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO step_runs (step, started_at, duration_ms, exit_code, err) VALUES (?, ?, ?, ?, ?)`,
		step, startedAt.UTC().Format(time.RFC3339Nano), d.Milliseconds(), exitCode, errMsg,
	)
	if err != nil {
		return fmt.Errorf("insert step run: %w", err)
	}
	return nil
}

const sessionColumns = `id, pid, started_at, ready_at, ended_at, exit_code, status, log_path`

// LastSession returns the most recently started session. Insert order
// is the chronology: the daemon is the only writer.
func (s *Store) LastSession(ctx context.Context) (Session, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions ORDER BY rowid DESC LIMIT 1`,
	)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Session{}, ErrNoSessions
	}
	return sess, err
}

// RecentSessions returns up to n sessions, newest first.
func (s *Store) RecentSessions(ctx context.Context, n int) ([]Session, error) {
	if n <= 0 {
		n = defaultLimit
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions ORDER BY rowid DESC LIMIT ?`, n,
	)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	out := make([]Session, 0, n)
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sessions: %w", err)
	}
	return out, nil
}

// RecentSteps returns up to n install-step runs, newest first.
func (s *Store) RecentSteps(ctx context.Context, n int) ([]StepRun, error) {
	if n <= 0 {
		n = defaultLimit
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, step, started_at, duration_ms, exit_code, err FROM step_runs ORDER BY id DESC LIMIT ?`, n,
	)
	if err != nil {
		return nil, fmt.Errorf("list step runs: %w", err)
	}
	defer rows.Close()

	out := make([]StepRun, 0, n)
	for rows.Next() {
		var (
			run        StepRun
			startedRaw string
			errMsg     sql.NullString
		)
		if err := rows.Scan(&run.ID, &run.Step, &startedRaw, &run.DurationMs, &run.ExitCode, &errMsg); err != nil {
			return nil, fmt.Errorf("scan step run: %w", err)
		}
		run.StartedAt, _ = time.Parse(time.RFC3339Nano, startedRaw)
		run.Err = errMsg.String
		out = append(out, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate step runs: %w", err)
	}
	return out, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func scanSession(scanner interface{ Scan(dest ...any) error }) (Session, error) {
	var (
		sess       Session
		startedRaw string
		readyRaw   sql.NullString
		endedRaw   sql.NullString
		exitCode   sql.NullInt64
		logPath    sql.NullString
	)
	if err := scanner.Scan(
		&sess.ID,
		&sess.PID,
		&startedRaw,
		&readyRaw,
		&endedRaw,
		&exitCode,
		&sess.Status,
		&logPath,
	); err != nil {
		return Session{}, fmt.Errorf("scan session: %w", err)
	}
	sess.StartedAt, _ = time.Parse(time.RFC3339Nano, startedRaw)
	if readyRaw.Valid {
		if ts, err := time.Parse(time.RFC3339Nano, readyRaw.String); err == nil {
			sess.ReadyAt = &ts
		}
	}
	if endedRaw.Valid {
		if ts, err := time.Parse(time.RFC3339Nano, endedRaw.String); err == nil {
			sess.EndedAt = &ts
		}
	}
	if exitCode.Valid {
		code := int(exitCode.Int64)
		sess.ExitCode = &code
	}
	sess.LogPath = logPath.String
	return sess, nil
}
