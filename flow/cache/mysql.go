package cache

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/go-sql-driver/mysql"
)

// MySQLIndex is a MySQL implementation of Index.
//
// It lets several hosts share one cache index while each keeps (or mounts)
// the entry store. Designed for:
//   - Build farms where workers share a network filesystem cache
//   - Long-lived caches with centralized eviction
//
// The DSN must include parseTime=true so timestamp columns scan into
// time.Time.
type MySQLIndex struct {
	db *sql.DB
}

// NewMySQLIndex creates a MySQL-backed index.
//
// Example DSN:
//
//	user:pass@tcp(127.0.0.1:3306)/flowcache?parseTime=true
func NewMySQLIndex(dsn string) (*MySQLIndex, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open MySQL connection: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping MySQL: %w", err)
	}

	idx := &MySQLIndex{db: db}
	if err := idx.createTables(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return idx, nil
}

func (m *MySQLIndex) createTables(ctx context.Context) error {
	table := `
		CREATE TABLE IF NOT EXISTS cache_entries (
			entry_key VARCHAR(64) NOT NULL PRIMARY KEY,
			task_id VARCHAR(255) NOT NULL,
			env VARCHAR(255) NOT NULL,
			size BIGINT NOT NULL,
			created_at TIMESTAMP(6) NOT NULL,
			last_hit TIMESTAMP(6) NOT NULL,
			INDEX idx_entries_last_hit (last_hit),
			INDEX idx_entries_task (task_id)
		) ENGINE=InnoDB
	`
	if _, err := m.db.ExecContext(ctx, table); err != nil {
		return fmt.Errorf("failed to create cache_entries table: %w", err)
	}
	return nil
}

// Put inserts or replaces the record for a key.
func (m *MySQLIndex) Put(ctx context.Context, rec Record) error {
	_, err := m.db.ExecContext(ctx, `
		INSERT INTO cache_entries (entry_key, task_id, env, size, created_at, last_hit)
		VALUES (?, ?, ?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE
			task_id = VALUES(task_id),
			env = VALUES(env),
			size = VALUES(size),
			created_at = VALUES(created_at),
			last_hit = VALUES(last_hit)
	`, rec.Key, rec.TaskID, rec.Env, rec.Size, rec.CreatedAt.UTC(), rec.LastHit.UTC())
	if err != nil {
		return fmt.Errorf("failed to put cache record: %w", err)
	}
	return nil
}

// Get retrieves a record by key.
func (m *MySQLIndex) Get(ctx context.Context, key string) (Record, error) {
	var rec Record
	err := m.db.QueryRowContext(ctx, `
		SELECT entry_key, task_id, env, size, created_at, last_hit
		FROM cache_entries WHERE entry_key = ?
	`, key).Scan(&rec.Key, &rec.TaskID, &rec.Env, &rec.Size, &rec.CreatedAt, &rec.LastHit)
	if err == sql.ErrNoRows {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, fmt.Errorf("failed to get cache record: %w", err)
	}
	return rec, nil
}

// Touch updates a record's LastHit timestamp.
func (m *MySQLIndex) Touch(ctx context.Context, key string, at time.Time) error {
	res, err := m.db.ExecContext(ctx,
		"UPDATE cache_entries SET last_hit = ? WHERE entry_key = ?", at.UTC(), key)
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
func (m *MySQLIndex) Delete(ctx context.Context, key string) error {
	if _, err := m.db.ExecContext(ctx,
		"DELETE FROM cache_entries WHERE entry_key = ?", key); err != nil {
		return fmt.Errorf("failed to delete cache record: %w", err)
	}
	return nil
}

// List returns all records, oldest LastHit first.
func (m *MySQLIndex) List(ctx context.Context) ([]Record, error) {
	rows, err := m.db.QueryContext(ctx, `
		SELECT entry_key, task_id, env, size, created_at, last_hit
		FROM cache_entries ORDER BY last_hit ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list cache records: %w", err)
	}
	defer rows.Close()

	var recs []Record
	for rows.Next() {
		var rec Record
		if err := rows.Scan(&rec.Key, &rec.TaskID, &rec.Env, &rec.Size,
			&rec.CreatedAt, &rec.LastHit); err != nil {
			return nil, fmt.Errorf("failed to scan cache record: %w", err)
		}
		recs = append(recs, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate cache records: %w", err)
	}
	return recs, nil
}

// Close closes the underlying database pool.
func (m *MySQLIndex) Close() error {
	return m.db.Close()
}
