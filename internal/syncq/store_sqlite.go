package syncq

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/openmined/syncq/internal/codec"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS sync_items (
    seq INTEGER PRIMARY KEY AUTOINCREMENT,
    id TEXT NOT NULL UNIQUE,
    table_name TEXT NOT NULL,
    action TEXT NOT NULL,
    payload TEXT NOT NULL,
    priority INTEGER NOT NULL,
    status TEXT NOT NULL,
    retry_count INTEGER NOT NULL DEFAULT 0,
    created_at INTEGER NOT NULL, -- unix nanos
    updated_at INTEGER NOT NULL,
    next_retry_at INTEGER NOT NULL,
    last_error TEXT NOT NULL DEFAULT '',
    dead_lettered_at INTEGER,
    force_apply INTEGER NOT NULL DEFAULT 0,
    remote TEXT
);

CREATE INDEX IF NOT EXISTS idx_sync_items_select ON sync_items(status, priority DESC, created_at, seq);
CREATE INDEX IF NOT EXISTS idx_sync_items_table ON sync_items(table_name);
`

const sqliteColumns = `seq, id, table_name, action, payload, priority, status, retry_count,
	created_at, updated_at, next_retry_at, last_error, dead_lettered_at, force_apply, remote`

// dbSyncItem is the row form of a SyncItem. Times are stored as unix nanos.
type dbSyncItem struct {
	Seq            int64          `db:"seq"`
	ID             string         `db:"id"`
	Table          string         `db:"table_name"`
	Action         string         `db:"action"`
	Payload        string         `db:"payload"`
	Priority       int            `db:"priority"`
	Status         string         `db:"status"`
	RetryCount     int            `db:"retry_count"`
	CreatedAt      int64          `db:"created_at"`
	UpdatedAt      int64          `db:"updated_at"`
	NextRetryAt    int64          `db:"next_retry_at"`
	LastError      string         `db:"last_error"`
	DeadLetteredAt sql.NullInt64  `db:"dead_lettered_at"`
	Force          bool           `db:"force_apply"`
	Remote         sql.NullString `db:"remote"`
}

// SqliteStore persists sync items in a SQLite table.
type SqliteStore struct {
	db *sqlx.DB
}

// NewSqliteStore creates the schema if needed. The store does not own db unless
// closed through Close.
func NewSqliteStore(db *sqlx.DB) (*SqliteStore, error) {
	if _, err := db.Exec(sqliteSchema); err != nil {
		return nil, fmt.Errorf("failed to initialize sync queue schema: %w", err)
	}
	return &SqliteStore{db: db}, nil
}

func (s *SqliteStore) Enqueue(ctx context.Context, item *SyncItem) error {
	row, err := toRow(item)
	if err != nil {
		return err
	}
	seq, err := insertRow(ctx, s.db, row)
	if err != nil {
		return err
	}
	item.Seq = seq
	return nil
}

func insertRow(ctx context.Context, ext sqlx.ExtContext, row *dbSyncItem) (int64, error) {
	query := `INSERT INTO sync_items (id, table_name, action, payload, priority, status, retry_count,
		created_at, updated_at, next_retry_at, last_error, dead_lettered_at, force_apply, remote)
		VALUES (:id, :table_name, :action, :payload, :priority, :status, :retry_count,
		:created_at, :updated_at, :next_retry_at, :last_error, :dead_lettered_at, :force_apply, :remote)`
	res, err := sqlx.NamedExecContext(ctx, ext, query, row)
	if err != nil {
		if isUniqueViolation(err) {
			return 0, ErrDuplicateItem
		}
		return 0, fmt.Errorf("failed to insert sync item %s: %w", row.ID, err)
	}
	return res.LastInsertId()
}

func (s *SqliteStore) Get(ctx context.Context, id string) (*SyncItem, error) {
	var row dbSyncItem
	err := s.db.GetContext(ctx, &row, "SELECT "+sqliteColumns+" FROM sync_items WHERE id = ?", id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrItemNotFound
		}
		return nil, fmt.Errorf("failed to query sync item %s: %w", id, err)
	}
	return row.toItem()
}

func (s *SqliteStore) SelectBatch(ctx context.Context, sel Selection) ([]*SyncItem, error) {
	if sel.Limit <= 0 {
		return nil, nil
	}

	where := []string{
		"status IN (?, ?)",
		"dead_lettered_at IS NULL",
		"retry_count < ?",
		"next_retry_at <= ?",
	}
	args := []any{string(StatusPending), string(StatusError), sel.MaxRetryCount, sel.Now.UnixNano()}

	if sel.PriorityOnly {
		clauses := []string{"priority >= ?"}
		args = append(args, sel.MinPriority)
		if exact := sel.PriorityTables.Exact(); len(exact) > 0 {
			clauses = append(clauses, "table_name IN (?)")
			args = append(args, exact)
		}
		for _, pattern := range sel.PriorityTables.Patterns() {
			clauses = append(clauses, "table_name GLOB ?")
			args = append(args, pattern)
		}
		where = append(where, "("+strings.Join(clauses, " OR ")+")")
	}

	if len(sel.ExcludeIDs) > 0 {
		where = append(where, "id NOT IN (?)")
		args = append(args, sel.ExcludeIDs)
	}

	query := "SELECT " + sqliteColumns + " FROM sync_items WHERE " + strings.Join(where, " AND ") +
		" ORDER BY priority DESC, created_at ASC, seq ASC LIMIT ?"
	args = append(args, sel.Limit)

	return s.selectItems(ctx, query, args)
}

func (s *SqliteStore) selectItems(ctx context.Context, query string, args []any) ([]*SyncItem, error) {
	query, args, err := sqlx.In(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to build query: %w", err)
	}
	query = s.db.Rebind(query)

	var rows []dbSyncItem
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("failed to query sync items: %w", err)
	}

	items := make([]*SyncItem, 0, len(rows))
	for _, row := range rows {
		item, err := row.toItem()
		if err != nil {
			slog.Error("sync store skip corrupt row", "id", row.ID, "error", err)
			continue
		}
		items = append(items, item)
	}
	return items, nil
}

func (s *SqliteStore) Update(ctx context.Context, item *SyncItem) error {
	row, err := toRow(item)
	if err != nil {
		return err
	}

	query := `UPDATE sync_items SET status = :status, retry_count = :retry_count,
		next_retry_at = :next_retry_at, last_error = :last_error, dead_lettered_at = :dead_lettered_at,
		force_apply = :force_apply, remote = :remote, updated_at = :updated_at
		WHERE id = :id AND retry_count <= :retry_count`
	res, err := s.db.NamedExecContext(ctx, query, row)
	if err != nil {
		return fmt.Errorf("failed to update sync item %s: %w", item.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}

	// nothing matched: either the row is gone or the retry count went backwards
	if _, err := s.Get(ctx, item.ID); err != nil {
		return err
	}
	return ErrRetryCountDecreased
}

func (s *SqliteStore) Replace(ctx context.Context, oldID string, item *SyncItem) error {
	row, err := toRow(item)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	res, err := tx.ExecContext(ctx, "DELETE FROM sync_items WHERE id = ?", oldID)
	if err != nil {
		return fmt.Errorf("failed to delete sync item %s: %w", oldID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrItemNotFound
	}

	seq, err := insertRow(ctx, tx, row)
	if err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit replace: %w", err)
	}
	item.Seq = seq
	return nil
}

func (s *SqliteStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM sync_items WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("failed to delete sync item %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrItemNotFound
	}
	return nil
}

func (s *SqliteStore) PurgeSucceeded(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx, "DELETE FROM sync_items WHERE status = ?", string(StatusSuccess))
	if err != nil {
		return 0, fmt.Errorf("failed to purge sync items: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (s *SqliteStore) Count(ctx context.Context, f Filter) (int, error) {
	where, args := filterClause(f)
	query, args, err := sqlx.In("SELECT COUNT(*) FROM sync_items"+where, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to build query: %w", err)
	}

	var count int
	if err := s.db.GetContext(ctx, &count, s.db.Rebind(query), args...); err != nil {
		return 0, fmt.Errorf("failed to count sync items: %w", err)
	}
	return count, nil
}

func (s *SqliteStore) List(ctx context.Context, f Filter) ([]*SyncItem, error) {
	where, args := filterClause(f)
	query := "SELECT " + sqliteColumns + " FROM sync_items" + where + " ORDER BY created_at ASC, seq ASC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	return s.selectItems(ctx, query, args)
}

func (s *SqliteStore) Close() error {
	if err := s.db.Close(); err != nil {
		slog.Error("sync store close", "error", err)
		return err
	}
	slog.Debug("sync store closed")
	return nil
}

func filterClause(f Filter) (string, []any) {
	var where []string
	var args []any

	if len(f.Statuses) > 0 {
		where = append(where, "status IN (?)")
		statuses := make([]string, len(f.Statuses))
		for i, st := range f.Statuses {
			statuses[i] = string(st)
		}
		args = append(args, statuses)
	}
	if f.Table != "" {
		where = append(where, "table_name = ?")
		args = append(args, f.Table)
	}
	if f.DeadLetter != nil {
		if *f.DeadLetter {
			where = append(where, "dead_lettered_at IS NOT NULL")
		} else {
			where = append(where, "dead_lettered_at IS NULL")
		}
	}
	if f.MaxRetryCount > 0 {
		where = append(where, "retry_count < ?")
		args = append(args, f.MaxRetryCount)
	}
	if f.MinRetryCount > 0 {
		where = append(where, "retry_count >= ?")
		args = append(args, f.MinRetryCount)
	}

	if len(where) == 0 {
		return "", args
	}
	return " WHERE " + strings.Join(where, " AND "), args
}

func toRow(item *SyncItem) (*dbSyncItem, error) {
	payload, err := codec.Marshal(item.Payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload for %s: %w", item.ID, err)
	}

	row := &dbSyncItem{
		Seq:         item.Seq,
		ID:          item.ID,
		Table:       item.Table,
		Action:      string(item.Action),
		Payload:     string(payload),
		Priority:    item.Priority,
		Status:      string(item.Status),
		RetryCount:  item.RetryCount,
		CreatedAt:   item.CreatedAt.UnixNano(),
		UpdatedAt:   item.UpdatedAt.UnixNano(),
		NextRetryAt: item.NextRetryTime.UnixNano(),
		LastError:   item.LastError,
		Force:       item.Force,
	}
	if item.DeadLetteredAt != nil {
		row.DeadLetteredAt = sql.NullInt64{Int64: item.DeadLetteredAt.UnixNano(), Valid: true}
	}
	if item.Remote != nil {
		remote, err := codec.Marshal(item.Remote)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal remote for %s: %w", item.ID, err)
		}
		row.Remote = sql.NullString{String: string(remote), Valid: true}
	}
	return row, nil
}

func (r *dbSyncItem) toItem() (*SyncItem, error) {
	item := &SyncItem{
		ID:            r.ID,
		Seq:           r.Seq,
		Table:         r.Table,
		Action:        Action(r.Action),
		Priority:      r.Priority,
		Status:        ItemStatus(r.Status),
		RetryCount:    r.RetryCount,
		CreatedAt:     time.Unix(0, r.CreatedAt),
		UpdatedAt:     time.Unix(0, r.UpdatedAt),
		NextRetryTime: time.Unix(0, r.NextRetryAt),
		LastError:     r.LastError,
		Force:         r.Force,
	}
	if err := codec.Unmarshal([]byte(r.Payload), &item.Payload); err != nil {
		return nil, fmt.Errorf("failed to parse payload: %w", err)
	}
	if r.DeadLetteredAt.Valid {
		t := time.Unix(0, r.DeadLetteredAt.Int64)
		item.DeadLetteredAt = &t
	}
	if r.Remote.Valid {
		if err := codec.Unmarshal([]byte(r.Remote.String), &item.Remote); err != nil {
			return nil, fmt.Errorf("failed to parse remote: %w", err)
		}
	}
	return item, nil
}

func isUniqueViolation(err error) bool {
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
