package checkpointstore

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"

	"github.com/homveloper/datapipe/internal/retry"
)

// SQLite stores checkpoint blobs in a single table of a SQLite database
// as a plain upsert-by-key store.
type SQLite struct {
	db      *sql.DB
	table   string
	retrier *retry.Retrier
}

// NewSQLite opens (or creates) the checkpoint table in the database at
// path and returns a Store backed by it.
func NewSQLite(path string, table string, retryConfig retry.Config) (*SQLite, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("checkpointstore: open sqlite: %w", err)
	}

	s := &SQLite{db: db, table: table, retrier: retry.New(retryConfig)}
	schema := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		key  TEXT PRIMARY KEY,
		data BLOB NOT NULL
	)`, table)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("checkpointstore: create table: %w", err)
	}
	return s, nil
}

func (s *SQLite) Save(ctx context.Context, key string, data []byte) error {
	query := fmt.Sprintf(`INSERT INTO %s (key, data) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET data = excluded.data`, s.table)
	return s.retrier.Execute(ctx, func() error {
		_, err := s.db.ExecContext(ctx, query, key, data)
		return err
	})
}

func (s *SQLite) Load(ctx context.Context, key string) ([]byte, error) {
	query := fmt.Sprintf(`SELECT data FROM %s WHERE key = ?`, s.table)
	var data []byte
	err := s.retrier.Execute(ctx, func() error {
		row := s.db.QueryRowContext(ctx, query, key)
		if scanErr := row.Scan(&data); scanErr != nil {
			if scanErr == sql.ErrNoRows {
				return nil
			}
			return scanErr
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if data == nil {
		return nil, ErrNotFound
	}
	return data, nil
}

func (s *SQLite) Delete(ctx context.Context, key string) error {
	query := fmt.Sprintf(`DELETE FROM %s WHERE key = ?`, s.table)
	return s.retrier.Execute(ctx, func() error {
		_, err := s.db.ExecContext(ctx, query, key)
		return err
	})
}

// Close releases the underlying database handle.
func (s *SQLite) Close() error { return s.db.Close() }
