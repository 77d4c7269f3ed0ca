package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

const createPlansTable = `
CREATE TABLE IF NOT EXISTS plans (
    id           TEXT PRIMARY KEY,
    name         TEXT NOT NULL,
    status       TEXT NOT NULL,
    result       TEXT NOT NULL,
    jobs         INTEGER NOT NULL,
    created_at   INTEGER NOT NULL,
    completed_at INTEGER NOT NULL,
    plan         BLOB
)`

const createCompletedIndex = `CREATE INDEX IF NOT EXISTS plans_completed_at ON plans (completed_at DESC)`

// Compile-time interface satisfaction check.
var _ Store = (*SQLiteStore)(nil)

// SQLiteStore implements Store on SQLite.  Timestamps are stored as Unix
// nanoseconds.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens the database at dbPath and creates the schema.
// ":memory:" gives a private in-memory database.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// Every pooled connection to ":memory:" would be a separate database.
	db.SetMaxOpenConns(1)

	for _, stmt := range []struct{ what, sql string }{
		{"set WAL mode", "PRAGMA journal_mode=WAL"},
		{"set busy timeout", "PRAGMA busy_timeout = 5000"},
		{"create plans table", createPlansTable},
		{"create plans index", createCompletedIndex},
	} {
		if _, err := db.Exec(stmt.sql); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", stmt.what, err)
		}
	}
	return &SQLiteStore{db: db}, nil
}

// Archive implements Store.  Re-archiving a plan replaces its row.
func (s *SQLiteStore) Archive(ctx context.Context, rec Record) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO plans (id, name, status, result, jobs, created_at, completed_at, plan)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.PlanID, rec.Name, rec.Status, rec.Result, rec.Jobs,
		rec.CreatedAt.UnixNano(), rec.CompletedAt.UnixNano(), []byte(rec.Plan),
	)
	if err != nil {
		return fmt.Errorf("archive plan: %w", err)
	}
	return nil
}

// List implements Store.
func (s *SQLiteStore) List(ctx context.Context, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = -1 // SQLite: no limit
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, status, result, jobs, created_at, completed_at, plan
		FROM plans ORDER BY completed_at DESC, id LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list plans: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan plan: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate plans: %w", err)
	}
	return out, nil
}

// Get implements Store.
func (s *SQLiteStore) Get(ctx context.Context, planID string) (Record, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, name, status, result, jobs, created_at, completed_at, plan
		FROM plans WHERE id = ?`, planID)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, fmt.Errorf("get plan: %w", err)
	}
	return rec, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(sc scanner) (Record, error) {
	var (
		rec               Record
		created, finished int64
		plan              []byte
	)
	if err := sc.Scan(&rec.PlanID, &rec.Name, &rec.Status, &rec.Result, &rec.Jobs, &created, &finished, &plan); err != nil {
		return Record{}, err
	}
	rec.CreatedAt = time.Unix(0, created).UTC()
	rec.CompletedAt = time.Unix(0, finished).UTC()
	if len(plan) > 0 {
		rec.Plan = plan
	}
	return rec, nil
}
