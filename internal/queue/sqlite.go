package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"cmdsched/internal/domain"
)

// EnsureSchema creates tables if they don't exist.
func EnsureSchema(ctx context.Context, db *sql.DB) error {
	schema := `
CREATE TABLE IF NOT EXISTS scheduled_commands (
  id TEXT PRIMARY KEY,
  timestamp INTEGER NOT NULL,
  command BLOB NOT NULL,
  state TEXT NOT NULL CHECK(state IN ('pending','executing','completed','failed')) DEFAULT 'pending',
  claimed_at INTEGER NOT NULL DEFAULT 0,
  created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_scheduled_due ON scheduled_commands(state, timestamp);
CREATE INDEX IF NOT EXISTS idx_scheduled_claimed ON scheduled_commands(state, claimed_at);
CREATE INDEX IF NOT EXISTS idx_scheduled_created ON scheduled_commands(created_at);
`
	_, err := db.ExecContext(ctx, schema)
	return err
}

type SQLite struct{ db *sql.DB }

// OpenSQLite opens (creating if needed) the database file at cfg.Path.
func OpenSQLite(ctx context.Context, cfg SQLiteConfig) (*SQLite, error) {
	if cfg.Path == "" {
		return nil, errors.New("queue: sqlite path is required")
	}
	if dir := filepath.Dir(cfg.Path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	dsn := fmt.Sprintf("file:%s?mode=rwc&_pragma=journal_mode(WAL)&_pragma=busy_timeout(%d)", cfg.Path, busy.Milliseconds())
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1) // SQLite single writer

	if err := EnsureSchema(ctx, db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("queue: ensure schema: %w", err)
	}
	return NewSQLite(db), nil
}

// NewSQLite wraps an already prepared database.
func NewSQLite(db *sql.DB) *SQLite { return &SQLite{db: db} }

// DB returns the underlying database connection.
func (s *SQLite) DB() *sql.DB { return s.db }

const recordColumns = `id,timestamp,command,state,claimed_at,created_at`

func (s *SQLite) Insert(ctx context.Context, rec domain.Record) (string, error) {
	id := newID()
	if rec.State == "" {
		rec.State = domain.StatePending
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO scheduled_commands (`+recordColumns+`)
VALUES (?,?,?,?,?,?)
`, id, rec.Timestamp, rec.Command, string(rec.State), rec.ClaimedAt, rec.CreatedAt.UnixNano())
	if err != nil {
		return "", err
	}
	return id, nil
}

func (s *SQLite) FindDue(ctx context.Context, now int64) ([]domain.Record, error) {
	return s.query(ctx, `
SELECT `+recordColumns+` FROM scheduled_commands
WHERE state='pending' AND timestamp <= ?
ORDER BY timestamp ASC`, now)
}

func (s *SQLite) Remove(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM scheduled_commands WHERE id=?`, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *SQLite) CompareAndSwap(ctx context.Context, id string, expect domain.Version, next Update) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
UPDATE scheduled_commands SET state=?, claimed_at=?, command=?
WHERE id=? AND state=? AND claimed_at=?`,
		string(next.State), next.ClaimedAt, next.Command, id, string(expect.State), expect.ClaimedAt)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *SQLite) DeleteVersion(ctx context.Context, id string, expect domain.Version) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
DELETE FROM scheduled_commands WHERE id=? AND state=? AND claimed_at=?`,
		id, string(expect.State), expect.ClaimedAt)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *SQLite) FindStale(ctx context.Context, cutoff int64) ([]domain.Record, error) {
	return s.query(ctx, `
SELECT `+recordColumns+` FROM scheduled_commands
WHERE state='executing' AND claimed_at < ?
ORDER BY claimed_at ASC`, cutoff)
}

func (s *SQLite) Get(ctx context.Context, id string) (domain.Record, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM scheduled_commands WHERE id=?`, id)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Record{}, ErrNotFound
	}
	return rec, err
}

func (s *SQLite) Delete(ctx context.Context, id string) error {
	ok, err := s.Remove(ctx, id)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotFound
	}
	return nil
}

func (s *SQLite) List(ctx context.Context, limit int) ([]domain.Record, error) {
	if limit <= 0 {
		limit = -1
	}
	return s.query(ctx, `
SELECT `+recordColumns+` FROM scheduled_commands
ORDER BY created_at DESC LIMIT ?`, limit)
}

func (s *SQLite) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *SQLite) Close() error { return s.db.Close() }

func (s *SQLite) query(ctx context.Context, q string, args ...any) ([]domain.Record, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []domain.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (domain.Record, error) {
	var (
		rec     domain.Record
		state   string
		created int64
	)
	if err := row.Scan(&rec.ID, &rec.Timestamp, &rec.Command, &state, &rec.ClaimedAt, &created); err != nil {
		return domain.Record{}, err
	}
	rec.State = domain.FiniteState(state)
	rec.CreatedAt = time.Unix(0, created).UTC()
	return rec, nil
}
