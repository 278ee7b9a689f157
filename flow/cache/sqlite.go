package cache

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteIndex is a SQLite implementation of Index.
//
// It keeps cache metadata in a single-file database next to the entry store.
// Designed for:
//   - Local persistent caches surviving process restarts
//   - Development and testing with zero setup
//   - Single-host caches shared between processes
//
// SQLiteIndex uses WAL mode so hit bookkeeping does not block lookups.
type SQLiteIndex struct {
	db   *sql.DB
	path string
}

// NewSQLiteIndex creates a SQLite-backed index.
//
// The path parameter specifies the database file location:
//   - "./cache.db" - file in current directory
//   - ":memory:" - in-memory database (data lost on close)
//
// The index automatically creates the database file and schema, enables
// WAL mode and sets a busy timeout.
//
// Example:
//
//	idx, err := cache.NewSQLiteIndex(filepath.Join(dir, "index.db"))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer idx.Close()
func NewSQLiteIndex(path string) (*SQLiteIndex, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite connection: %w", err)
	}

	// SQLite supports one writer at a time.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	ctx := context.Background()
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}

	idx := &SQLiteIndex{db: db, path: path}
	if err := idx.createTables(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return idx, nil
}

func (s *SQLiteIndex) createTables(ctx context.Context) error {
	table := `
		CREATE TABLE IF NOT EXISTS cache_entries (
			entry_key TEXT NOT NULL PRIMARY KEY,
			task_id TEXT NOT NULL,
			env TEXT NOT NULL,
			size INTEGER NOT NULL,
			created_at TIMESTAMP NOT NULL,
			last_hit TIMESTAMP NOT NULL
		)
	`
	if _, err := s.db.ExecContext(ctx, table); err != nil {
		return fmt.Errorf("failed to create cache_entries table: %w", err)
	}
	if _, err := s.db.ExecContext(ctx,
		"CREATE INDEX IF NOT EXISTS idx_entries_last_hit ON cache_entries(last_hit)"); err != nil {
		return fmt.Errorf("failed to create idx_entries_last_hit: %w", err)
	}
	if _, err := s.db.ExecContext(ctx,
		"CREATE INDEX IF NOT EXISTS idx_entries_task ON cache_entries(task_id)"); err != nil {
		return fmt.Errorf("failed to create idx_entries_task: %w", err)
	}
	return nil
}

// Put inserts or replaces the record for a key.
func (s *SQLiteIndex) Put(ctx context.Context, rec Record) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO cache_entries (entry_key, task_id, env, size, created_at, last_hit)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(entry_key) DO UPDATE SET
			task_id = excluded.task_id,
			env = excluded.env,
			size = excluded.size,
			created_at = excluded.created_at,
			last_hit = excluded.last_hit
	`, rec.Key, rec.TaskID, rec.Env, rec.Size,
		rec.CreatedAt.UTC().Format(time.RFC3339Nano),
		rec.LastHit.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("failed to put cache record: %w", err)
	}
	return nil
}

// Get retrieves a record by key.
func (s *SQLiteIndex) Get(ctx context.Context, key string) (Record, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT entry_key, task_id, env, size, created_at, last_hit
		FROM cache_entries WHERE entry_key = ?
	`, key)
	return scanRecord(row)
}

// Touch updates a record's LastHit timestamp.
func (s *SQLiteIndex) Touch(ctx context.Context, key string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE cache_entries SET last_hit = ? WHERE entry_key = ?",
		at.UTC().Format(time.RFC3339Nano), key)
	if err != nil {
		return fmt.Errorf("failed to touch cache record: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// Delete removes a record.
func (s *SQLiteIndex) Delete(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx,
		"DELETE FROM cache_entries WHERE entry_key = ?", key); err != nil {
		return fmt.Errorf("failed to delete cache record: %w", err)
	}
	return nil
}

// List returns all records, oldest LastHit first.
func (s *SQLiteIndex) List(ctx context.Context) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT entry_key, task_id, env, size, created_at, last_hit
		FROM cache_entries ORDER BY last_hit ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list cache records: %w", err)
	}
	defer rows.Close()

	var recs []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate cache records: %w", err)
	}
	// RFC3339Nano text is not fixed-width, so the SQL order is only
	// approximate; sort on the parsed times.
	sort.SliceStable(recs, func(i, j int) bool { return recs[i].LastHit.Before(recs[j].LastHit) })
	return recs, nil
}

// Close closes the underlying database.
func (s *SQLiteIndex) Close() error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (Record, error) {
	var rec Record
	var created, hit string
	err := row.Scan(&rec.Key, &rec.TaskID, &rec.Env, &rec.Size, &created, &hit)
	if err == sql.ErrNoRows {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, fmt.Errorf("failed to scan cache record: %w", err)
	}
	if rec.CreatedAt, err = time.Parse(time.RFC3339Nano, created); err != nil {
		return Record{}, fmt.Errorf("failed to parse created_at: %w", err)
	}
	if rec.LastHit, err = time.Parse(time.RFC3339Nano, hit); err != nil {
		return Record{}, fmt.Errorf("failed to parse last_hit: %w", err)
	}
	return rec, nil
}
