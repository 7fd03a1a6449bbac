package records

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/openmined/syncq/internal/codec"
	"github.com/openmined/syncq/internal/syncq"
)

const schema = `
CREATE TABLE IF NOT EXISTS records (
    table_name TEXT NOT NULL,
    record_key TEXT NOT NULL,
    data TEXT NOT NULL,
    updated_at TEXT NOT NULL, -- RFC3339
    PRIMARY KEY (table_name, record_key)
);
`

type dbRecord struct {
	Table     string `db:"table_name"`
	Key       string `db:"record_key"`
	Data      string `db:"data"`
	UpdatedAt string `db:"updated_at"`
}

// SqliteStore keeps records as JSON documents keyed by (table, key).
type SqliteStore struct {
	db *sqlx.DB
}

func NewSqliteStore(db *sqlx.DB) (*SqliteStore, error) {
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("failed to initialize records schema: %w", err)
	}
	return &SqliteStore{db: db}, nil
}

func (s *SqliteStore) GetByID(ctx context.Context, table, key string) (syncq.Record, error) {
	return get(ctx, s.db, table, key)
}

func get(ctx context.Context, q sqlx.QueryerContext, table, key string) (syncq.Record, error) {
	var row dbRecord
	err := sqlx.GetContext(ctx, q, &row, "SELECT table_name, record_key, data, updated_at FROM records WHERE table_name = ? AND record_key = ?", table, key)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to query record %s/%s: %w", table, key, err)
	}
	var data syncq.Record
	if err := codec.Unmarshal([]byte(row.Data), &data); err != nil {
		return nil, fmt.Errorf("failed to parse record %s/%s: %w", table, key, err)
	}
	return data, nil
}

func (s *SqliteStore) Put(ctx context.Context, table, key string, data syncq.Record) (syncq.Record, error) {
	raw, err := codec.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal record %s/%s: %w", table, key, err)
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback() //nolint:errcheck

	prev, err := get(ctx, tx, table, key)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	_, err = tx.NamedExecContext(ctx, `INSERT OR REPLACE INTO records (table_name, record_key, data, updated_at)
		VALUES (:table_name, :record_key, :data, :updated_at)`, dbRecord{
		Table:     table,
		Key:       key,
		Data:      string(raw),
		UpdatedAt: time.Now().UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to put record %s/%s: %w", table, key, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return prev, nil
}

func (s *SqliteStore) Delete(ctx context.Context, table, key string) (syncq.Record, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback() //nolint:errcheck

	prev, err := get(ctx, tx, table, key)
	if err != nil {
		return nil, err
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM records WHERE table_name = ? AND record_key = ?", table, key); err != nil {
		return nil, fmt.Errorf("failed to delete record %s/%s: %w", table, key, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return prev, nil
}

func (s *SqliteStore) List(ctx context.Context, table string) ([]Entry, error) {
	var rows []dbRecord
	err := s.db.SelectContext(ctx, &rows, "SELECT table_name, record_key, data, updated_at FROM records WHERE table_name = ? ORDER BY record_key", table)
	if err != nil {
		return nil, fmt.Errorf("failed to list records of %s: %w", table, err)
	}

	out := make([]Entry, 0, len(rows))
	for _, row := range rows {
		var data syncq.Record
		if err := codec.Unmarshal([]byte(row.Data), &data); err != nil {
			slog.Error("records skip corrupt row", "table", row.Table, "key", row.Key, "error", err)
			continue
		}
		updated, _ := time.Parse(time.RFC3339Nano, row.UpdatedAt)
		out = append(out, Entry{Table: row.Table, Key: row.Key, Data: data, UpdatedAt: updated})
	}
	return out, nil
}

func (s *SqliteStore) Close() error {
	return s.db.Close()
}
