package sqlite

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/hylla/fieldsync/internal/app"
	"github.com/hylla/fieldsync/internal/domain"
	_ "modernc.org/sqlite"
)

// driverName defines a package constant value.
const driverName = "sqlite"

// memoryDBSeq keeps in-memory databases opened by one process apart.
var memoryDBSeq atomic.Int64

// Repository is the on-device store for cached records, the outbox, the
// reconciliation map and session state.
type Repository struct {
	db  *sql.DB
	now func() time.Time
}

// Open opens the requested operation.
func Open(path string) (*Repository, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create sqlite dir: %w", err)
	}
	db, err := sql.Open(driverName, path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	return newRepository(db, true)
}

// OpenInMemory opens a private in-memory database.
func OpenInMemory() (*Repository, error) {
	dsn := fmt.Sprintf("file:fieldsync-mem-%d?mode=memory&cache=shared", memoryDBSeq.Add(1))
	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite memory: %w", err)
	}
	return newRepository(db, false)
}

func newRepository(db *sql.DB, wal bool) (*Repository, error) {
	// One connection serializes writers and keeps transactions on a single handle.
	db.SetMaxOpenConns(1)
	repo := &Repository{db: db, now: func() time.Time { return time.Now().UTC() }}
	ctx := context.Background()
	if wal {
		if _, err := db.ExecContext(ctx, `PRAGMA journal_mode = WAL;`); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("enable wal: %w", err)
		}
	}
	if err := repo.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := repo.recover(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return repo, nil
}

// Close closes the requested operation.
func (r *Repository) Close() error {
	return r.db.Close()
}

// Ping reports whether the database handle is usable.
func (r *Repository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// migrate handles migrate.
func (r *Repository) migrate(ctx context.Context) error {
	stmts := []string{
		`PRAGMA busy_timeout = 5000;`,
		`PRAGMA foreign_keys = ON;`,
		`CREATE TABLE IF NOT EXISTS records (
			local_id TEXT PRIMARY KEY,
			entity_type TEXT NOT NULL,
			server_id TEXT NOT NULL DEFAULT '',
			service_local_id TEXT NOT NULL DEFAULT '',
			parent_local_id TEXT NOT NULL DEFAULT '',
			payload_json TEXT NOT NULL DEFAULT '{}',
			sync_status TEXT NOT NULL DEFAULT 'pending',
			last_error TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS outbox (
			op_id INTEGER PRIMARY KEY AUTOINCREMENT,
			kind TEXT NOT NULL,
			target_local_id TEXT NOT NULL,
			target_entity_type TEXT NOT NULL,
			service_local_id TEXT NOT NULL DEFAULT '',
			payload_json TEXT NOT NULL DEFAULT '{}',
			depends_on_local_id TEXT NOT NULL DEFAULT '',
			target_server_id TEXT NOT NULL DEFAULT '',
			depends_on_server_id TEXT NOT NULL DEFAULT '',
			state TEXT NOT NULL DEFAULT 'queued',
			attempt INTEGER NOT NULL DEFAULT 0,
			last_error TEXT NOT NULL DEFAULT '',
			attachment BLOB,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS reconciliations (
			local_id TEXT PRIMARY KEY,
			entity_type TEXT NOT NULL,
			server_id TEXT NOT NULL,
			created_at TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS change_tokens (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			entity_type TEXT NOT NULL,
			local_id TEXT NOT NULL,
			service_local_id TEXT NOT NULL DEFAULT '',
			op TEXT NOT NULL,
			occurred_at TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS session_state (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS service_markers (
			service_local_id TEXT PRIMARY KEY,
			service_server_id TEXT NOT NULL DEFAULT '',
			rooms INTEGER NOT NULL DEFAULT 0,
			checklist_items INTEGER NOT NULL DEFAULT 0,
			synced_at TEXT NOT NULL
		);`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_records_server_id ON records(entity_type, server_id) WHERE server_id <> '';`,
		`CREATE INDEX IF NOT EXISTS idx_records_type_service ON records(entity_type, service_local_id);`,
		`CREATE INDEX IF NOT EXISTS idx_records_parent ON records(parent_local_id);`,
		`CREATE INDEX IF NOT EXISTS idx_outbox_target ON outbox(target_local_id, op_id);`,
		`CREATE INDEX IF NOT EXISTS idx_outbox_state ON outbox(state, op_id);`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_reconciliations_server ON reconciliations(entity_type, server_id);`,
	}
	for _, stmt := range stmts {
		if _, err := r.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate sqlite: %w", err)
		}
	}
	// Columns added after the first schema shipped.
	alters := []string{
		`ALTER TABLE outbox ADD COLUMN attachment BLOB`,
	}
	for _, stmt := range alters {
		if _, err := r.db.ExecContext(ctx, stmt); err != nil && !isDuplicateColumnErr(err) {
			return fmt.Errorf("migrate sqlite: %w", err)
		}
	}
	return nil
}

// recover returns work interrupted by a crash to the queue. An operation that was
// inflight may or may not have reached the server; replaying it relies on the
// idempotency key the remote client sends.
func (r *Repository) recover(ctx context.Context) error {
	now := ts(r.now())
	if _, err := r.db.ExecContext(ctx, `UPDATE outbox SET state = 'queued', updated_at = ? WHERE state = 'inflight'`, now); err != nil {
		return fmt.Errorf("recover outbox: %w", err)
	}
	if _, err := r.db.ExecContext(ctx, `UPDATE records SET sync_status = 'pending', updated_at = ? WHERE sync_status = 'syncing'`, now); err != nil {
		return fmt.Errorf("recover records: %w", err)
	}
	return nil
}

// withTx runs fn inside one transaction.
func (r *Repository) withTx(ctx context.Context, fn func(*sql.Tx) error) (err error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()
	if err = fn(tx); err != nil {
		return err
	}
	err = tx.Commit()
	return err
}

const recordColumns = `local_id, entity_type, server_id, service_local_id, parent_local_id, payload_json, sync_status, last_error, created_at, updated_at`

// GetRecord returns a cached record. An empty entity type matches any type.
func (r *Repository) GetRecord(ctx context.Context, entityType domain.EntityType, localID string) (domain.LocalRecord, error) {
	rec, err := getRecord(ctx, r.db, localID)
	if err != nil {
		return domain.LocalRecord{}, err
	}
	if entityType != "" && rec.EntityType != entityType {
		return domain.LocalRecord{}, app.ErrNotFound
	}
	return rec, nil
}

// FindRecordByServerID returns the cached record confirmed under serverID.
func (r *Repository) FindRecordByServerID(ctx context.Context, entityType domain.EntityType, serverID string) (domain.LocalRecord, error) {
	if strings.TrimSpace(serverID) == "" {
		return domain.LocalRecord{}, domain.ErrInvalidID
	}
	row := r.db.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM records WHERE entity_type = ? AND server_id = ?`, string(entityType), serverID)
	return scanRecord(row)
}

// QueryRecords lists cached records ordered by creation.
func (r *Repository) QueryRecords(ctx context.Context, q app.RecordQuery) ([]domain.LocalRecord, error) {
	where, args := recordWhere(q)
	rows, err := r.db.QueryContext(ctx, `SELECT `+recordColumns+` FROM records`+where+` ORDER BY created_at ASC, local_id ASC`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]domain.LocalRecord, 0)
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		if q.Predicate != nil && !q.Predicate(rec) {
			continue
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// CountRecords counts cached records.
func (r *Repository) CountRecords(ctx context.Context, q app.RecordQuery) (int, error) {
	if q.Predicate != nil {
		records, err := r.QueryRecords(ctx, q)
		return len(records), err
	}
	where, args := recordWhere(q)
	var n int
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM records`+where, args...).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

func recordWhere(q app.RecordQuery) (string, []any) {
	clauses := make([]string, 0, 4)
	args := make([]any, 0, 4+len(q.Statuses))
	if q.EntityType != "" {
		clauses = append(clauses, `entity_type = ?`)
		args = append(args, string(q.EntityType))
	}
	if q.ServiceLocalID != "" {
		clauses = append(clauses, `service_local_id = ?`)
		args = append(args, q.ServiceLocalID)
	}
	if q.ParentLocalID != "" {
		clauses = append(clauses, `parent_local_id = ?`)
		args = append(args, q.ParentLocalID)
	}
	if len(q.Statuses) > 0 {
		clauses = append(clauses, `sync_status IN (`+placeholders(len(q.Statuses))+`)`)
		for _, status := range q.Statuses {
			args = append(args, string(status))
		}
	}
	if len(clauses) == 0 {
		return "", args
	}
	return ` WHERE ` + strings.Join(clauses, ` AND `), args
}

// PutRecord writes a record. An existing record keeps its sync status, server id
// and links, and has the incoming payload merged over its own.
func (r *Repository) PutRecord(ctx context.Context, rec domain.LocalRecord) (domain.LocalRecord, domain.ChangeToken, error) {
	var (
		out   domain.LocalRecord
		token domain.ChangeToken
	)
	err := r.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		out, token, err = r.putRecord(ctx, tx, rec)
		return err
	})
	if err != nil {
		return domain.LocalRecord{}, domain.ChangeToken{}, err
	}
	return out, token, nil
}

func (r *Repository) putRecord(ctx context.Context, tx *sql.Tx, rec domain.LocalRecord) (domain.LocalRecord, domain.ChangeToken, error) {
	if strings.TrimSpace(rec.LocalID) == "" {
		return domain.LocalRecord{}, domain.ChangeToken{}, domain.ErrInvalidID
	}
	if !rec.EntityType.Valid() {
		return domain.LocalRecord{}, domain.ChangeToken{}, domain.ErrInvalidEntityType
	}
	now := r.now()
	existing, err := getRecord(ctx, tx, rec.LocalID)
	switch {
	case errors.Is(err, app.ErrNotFound):
		if rec.SyncStatus == "" {
			rec.SyncStatus = domain.SyncPending
		}
		if rec.CreatedAt.IsZero() {
			rec.CreatedAt = now
		}
		if rec.UpdatedAt.IsZero() {
			rec.UpdatedAt = rec.CreatedAt
		}
		if err := insertRecord(ctx, tx, rec); err != nil {
			return domain.LocalRecord{}, domain.ChangeToken{}, err
		}
	case err != nil:
		return domain.LocalRecord{}, domain.ChangeToken{}, err
	default:
		if existing.EntityType != rec.EntityType {
			return domain.LocalRecord{}, domain.ChangeToken{}, fmt.Errorf("%w: %s is a %s", domain.ErrInvalidEntityType, rec.LocalID, existing.EntityType)
		}
		merged := existing
		merged.Payload = existing.Payload.Merge(rec.Payload)
		if merged.ParentLocalID == "" {
			merged.ParentLocalID = rec.ParentLocalID
		}
		if merged.ServiceLocalID == "" {
			merged.ServiceLocalID = rec.ServiceLocalID
		}
		merged.UpdatedAt = rec.UpdatedAt
		if merged.UpdatedAt.IsZero() {
			merged.UpdatedAt = now
		}
		if err := updateRecord(ctx, tx, merged); err != nil {
			return domain.LocalRecord{}, domain.ChangeToken{}, err
		}
		rec = merged
	}
	token, err := insertChangeToken(ctx, tx, tokenFor(rec, domain.ChangePut, now))
	if err != nil {
		return domain.LocalRecord{}, domain.ChangeToken{}, err
	}
	return rec, token, nil
}

// SetSyncStatus moves a record through its sync lifecycle.
func (r *Repository) SetSyncStatus(ctx context.Context, localID string, status domain.SyncStatus, lastError string) (domain.ChangeToken, error) {
	if _, err := domain.ParseSyncStatus(string(status)); err != nil {
		return domain.ChangeToken{}, err
	}
	var token domain.ChangeToken
	err := r.withTx(ctx, func(tx *sql.Tx) error {
		rec, err := getRecord(ctx, tx, localID)
		if err != nil {
			return err
		}
		now := r.now()
		res, err := tx.ExecContext(ctx, `UPDATE records SET sync_status = ?, last_error = ?, updated_at = ? WHERE local_id = ?`, string(status), lastError, ts(now), localID)
		if err != nil {
			return err
		}
		if err := translateNoRows(res); err != nil {
			return err
		}
		token, err = insertChangeToken(ctx, tx, tokenFor(rec, domain.ChangeStatus, now))
		return err
	})
	return token, err
}

// DeleteRecord removes a cached record.
func (r *Repository) DeleteRecord(ctx context.Context, localID string) (domain.ChangeToken, error) {
	var token domain.ChangeToken
	err := r.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		token, err = r.deleteRecord(ctx, tx, localID)
		return err
	})
	return token, err
}

func (r *Repository) deleteRecord(ctx context.Context, tx *sql.Tx, localID string) (domain.ChangeToken, error) {
	rec, err := getRecord(ctx, tx, localID)
	if err != nil {
		return domain.ChangeToken{}, err
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM records WHERE local_id = ?`, localID)
	if err != nil {
		return domain.ChangeToken{}, err
	}
	if err := translateNoRows(res); err != nil {
		return domain.ChangeToken{}, err
	}
	return insertChangeToken(ctx, tx, tokenFor(rec, domain.ChangeDelete, r.now()))
}

// HydrateRecords writes server-authoritative records. Payloads are replaced, and
// each confirmed server id is recorded in the reconciliation map.
func (r *Repository) HydrateRecords(ctx context.Context, records []domain.LocalRecord) ([]domain.ChangeToken, error) {
	tokens := make([]domain.ChangeToken, 0, len(records))
	err := r.withTx(ctx, func(tx *sql.Tx) error {
		now := r.now()
		for _, rec := range records {
			if strings.TrimSpace(rec.LocalID) == "" {
				return domain.ErrInvalidID
			}
			if !rec.EntityType.Valid() {
				return domain.ErrInvalidEntityType
			}
			if rec.SyncStatus == "" {
				rec.SyncStatus = domain.SyncSynced
			}
			if rec.UpdatedAt.IsZero() {
				rec.UpdatedAt = now
			}
			existing, err := getRecord(ctx, tx, rec.LocalID)
			switch {
			case errors.Is(err, app.ErrNotFound):
				if rec.CreatedAt.IsZero() {
					rec.CreatedAt = now
				}
				if err := insertRecord(ctx, tx, rec); err != nil {
					return err
				}
			case err != nil:
				return err
			default:
				rec.CreatedAt = existing.CreatedAt
				if rec.ParentLocalID == "" {
					rec.ParentLocalID = existing.ParentLocalID
				}
				if rec.ServiceLocalID == "" {
					rec.ServiceLocalID = existing.ServiceLocalID
				}
				if rec.ServerID == "" {
					rec.ServerID = existing.ServerID
				}
				if err := updateRecord(ctx, tx, rec); err != nil {
					return err
				}
			}
			if rec.ServerID != "" {
				if _, err := tx.ExecContext(ctx, `
					INSERT OR IGNORE INTO reconciliations(local_id, entity_type, server_id, created_at)
					VALUES (?, ?, ?, ?)
				`, rec.LocalID, string(rec.EntityType), rec.ServerID, ts(now)); err != nil {
					return fmt.Errorf("record reconciliation: %w", err)
				}
			}
			token, err := insertChangeToken(ctx, tx, tokenFor(rec, domain.ChangePut, now))
			if err != nil {
				return err
			}
			tokens = append(tokens, token)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return tokens, nil
}

// ChangesSince lists change tokens after seq in order.
func (r *Repository) ChangesSince(ctx context.Context, seq int64, limit int) ([]domain.ChangeToken, error) {
	if limit <= 0 {
		limit = 200
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT seq, entity_type, local_id, service_local_id, op, occurred_at
		FROM change_tokens
		WHERE seq > ?
		ORDER BY seq ASC
		LIMIT ?
	`, seq, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]domain.ChangeToken, 0)
	for rows.Next() {
		var (
			token         domain.ChangeToken
			entityTypeRaw string
			opRaw         string
			occurredRaw   string
		)
		if err := rows.Scan(&token.Seq, &entityTypeRaw, &token.LocalID, &token.ServiceLocalID, &opRaw, &occurredRaw); err != nil {
			return nil, err
		}
		token.EntityType = domain.EntityType(entityTypeRaw)
		token.Op = domain.ChangeOp(opRaw)
		token.OccurredAt = parseTS(occurredRaw)
		out = append(out, token)
	}
	return out, rows.Err()
}

// EnqueueOperation folds one operation into the outbox.
func (r *Repository) EnqueueOperation(ctx context.Context, op domain.Operation) (app.EnqueueResult, error) {
	var result app.EnqueueResult
	err := r.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		result, err = r.enqueue(ctx, tx, op)
		return err
	})
	if err != nil {
		return app.EnqueueResult{}, err
	}
	return result, nil
}

func (r *Repository) enqueue(ctx context.Context, tx *sql.Tx, op domain.Operation) (app.EnqueueResult, error) {
	if strings.TrimSpace(op.TargetLocalID) == "" {
		return app.EnqueueResult{}, domain.ErrInvalidID
	}
	if !op.TargetEntityType.Valid() {
		return app.EnqueueResult{}, domain.ErrInvalidEntityType
	}
	pending, err := listOperations(ctx, tx, app.OutboxQuery{TargetLocalID: op.TargetLocalID})
	if err != nil {
		return app.EnqueueResult{}, err
	}
	plan, err := domain.PlanEnqueue(pending, op)
	if err != nil {
		return app.EnqueueResult{}, err
	}

	now := r.now()
	result := app.EnqueueResult{Removed: plan.Remove, Cancelled: plan.Cancelled()}
	for _, opID := range plan.Remove {
		if _, err := tx.ExecContext(ctx, `DELETE FROM outbox WHERE op_id = ?`, opID); err != nil {
			return app.EnqueueResult{}, fmt.Errorf("remove cancelled operation: %w", err)
		}
	}
	if plan.MergeInto != 0 {
		payloadJSON, err := encodePayload(plan.MergedPayload)
		if err != nil {
			return app.EnqueueResult{}, err
		}
		res, err := tx.ExecContext(ctx, `UPDATE outbox SET payload_json = ?, updated_at = ? WHERE op_id = ?`, payloadJSON, ts(now), plan.MergeInto)
		if err != nil {
			return app.EnqueueResult{}, err
		}
		if err := translateNoRows(res); err != nil {
			return app.EnqueueResult{}, err
		}
		merged, err := getOperation(ctx, tx, plan.MergeInto)
		if err != nil {
			return app.EnqueueResult{}, err
		}
		result.Op = merged
		result.Merged = true
	}
	if plan.Insert != nil {
		inserted, err := insertOperation(ctx, tx, *plan.Insert, now)
		if err != nil {
			return app.EnqueueResult{}, err
		}
		result.Op = inserted
	}
	return result, nil
}

// PeekNext returns the oldest queued operation that is first in line for its
// target. Targets with a failed or inflight operation ahead are held back.
func (r *Repository) PeekNext(ctx context.Context, filter app.PeekFilter) (domain.Operation, bool, error) {
	query := `SELECT ` + outboxColumns + ` FROM outbox o
		WHERE o.state = 'queued'
		AND NOT EXISTS (
			SELECT 1 FROM outbox ahead
			WHERE ahead.target_local_id = o.target_local_id AND ahead.op_id < o.op_id
		)`
	args := make([]any, 0, 1+len(filter.SkipTargets))
	if filter.EntityType != "" {
		query += ` AND o.target_entity_type = ?`
		args = append(args, string(filter.EntityType))
	}
	if len(filter.SkipTargets) > 0 {
		query += ` AND o.target_local_id NOT IN (` + placeholders(len(filter.SkipTargets)) + `)`
		for _, target := range filter.SkipTargets {
			args = append(args, target)
		}
	}
	query += ` ORDER BY o.op_id ASC LIMIT 1`

	op, err := scanOperation(r.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, app.ErrNotFound) {
		return domain.Operation{}, false, nil
	}
	if err != nil {
		return domain.Operation{}, false, err
	}
	return op, true, nil
}

// MarkInflight records a dispatch attempt.
func (r *Repository) MarkInflight(ctx context.Context, opID int64) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE outbox SET state = 'inflight', attempt = attempt + 1, updated_at = ?
		WHERE op_id = ? AND state = 'queued'
	`, ts(r.now()), opID)
	if err != nil {
		return err
	}
	return translateNoRows(res)
}

// AckOperation removes a delivered operation.
func (r *Repository) AckOperation(ctx context.Context, opID int64) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM outbox WHERE op_id = ?`, opID)
	if err != nil {
		return err
	}
	return translateNoRows(res)
}

// FailOperation records a failed attempt. Permanent failures park the operation
// until the user retries or discards it; transient ones return it to the queue.
func (r *Repository) FailOperation(ctx context.Context, opID int64, msg string, permanent bool) error {
	state := domain.OpQueued
	if permanent {
		state = domain.OpFailed
	}
	res, err := r.db.ExecContext(ctx, `UPDATE outbox SET state = ?, last_error = ?, updated_at = ? WHERE op_id = ?`, string(state), msg, ts(r.now()), opID)
	if err != nil {
		return err
	}
	return translateNoRows(res)
}

// PendingOperations lists unacknowledged operations in op id order.
func (r *Repository) PendingOperations(ctx context.Context, q app.OutboxQuery) ([]domain.Operation, error) {
	return listOperations(ctx, r.db, q)
}

// RetryFailed requeues failed operations for localID, or every failed operation
// when localID is empty.
func (r *Repository) RetryFailed(ctx context.Context, localID string) (int, error) {
	query := `UPDATE outbox SET state = 'queued', last_error = '', updated_at = ? WHERE state = 'failed'`
	args := []any{ts(r.now())}
	if localID = strings.TrimSpace(localID); localID != "" {
		query += ` AND target_local_id = ?`
		args = append(args, localID)
	}
	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// DiscardOperations drops every outbox entry for localID.
func (r *Repository) DiscardOperations(ctx context.Context, localID string) (int, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM outbox WHERE target_local_id = ?`, localID)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// OutboxStats summarizes the outbox.
func (r *Repository) OutboxStats(ctx context.Context) (app.OutboxStats, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT state, COUNT(1), MIN(created_at) FROM outbox GROUP BY state`)
	if err != nil {
		return app.OutboxStats{}, err
	}
	defer rows.Close()

	var stats app.OutboxStats
	for rows.Next() {
		var (
			state     string
			count     int
			oldestRaw sql.NullString
		)
		if err := rows.Scan(&state, &count, &oldestRaw); err != nil {
			return app.OutboxStats{}, err
		}
		switch domain.OpState(state) {
		case domain.OpQueued:
			stats.Queued = count
		case domain.OpInflight:
			stats.Inflight = count
		case domain.OpFailed:
			stats.Failed = count
		}
		if oldest := parseNullTS(oldestRaw); oldest != nil && (stats.Oldest.IsZero() || oldest.Before(stats.Oldest)) {
			stats.Oldest = *oldest
		}
	}
	return stats, rows.Err()
}

// ResolveServerID returns the server id reconciled for localID.
func (r *Repository) ResolveServerID(ctx context.Context, localID string) (string, bool, error) {
	var serverID string
	err := r.db.QueryRowContext(ctx, `SELECT server_id FROM reconciliations WHERE local_id = ?`, localID).Scan(&serverID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return serverID, true, nil
}

// ResolveLocalID returns the local id reconciled to serverID.
func (r *Repository) ResolveLocalID(ctx context.Context, entityType domain.EntityType, serverID string) (string, bool, error) {
	var localID string
	err := r.db.QueryRowContext(ctx, `SELECT local_id FROM reconciliations WHERE entity_type = ? AND server_id = ?`, string(entityType), serverID).Scan(&localID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return localID, true, nil
}

// Reconcile records entry and rewrites every reference to its local id in one
// transaction. Replaying an identical entry changes nothing; a different server
// id for a reconciled local id is a conflict.
func (r *Repository) Reconcile(ctx context.Context, entry domain.ReconciliationEntry, ackOpID int64) (app.ReconcileOutcome, error) {
	if _, err := domain.NewReconciliationEntry(entry.EntityType, entry.LocalID, entry.ServerID, entry.CreatedAt); err != nil {
		return app.ReconcileOutcome{}, err
	}
	var outcome app.ReconcileOutcome
	err := r.withTx(ctx, func(tx *sql.Tx) error {
		existing, found, err := getReconciliation(ctx, tx, `local_id = ?`, entry.LocalID)
		if err != nil {
			return err
		}
		if found && !existing.Same(entry) {
			return fmt.Errorf("%w: %s already maps to %s", domain.ErrServerIDConflict, entry.LocalID, existing.ServerID)
		}
		if !found {
			owner, taken, err := getReconciliation(ctx, tx, `entity_type = ? AND server_id = ?`, string(entry.EntityType), entry.ServerID)
			if err != nil {
				return err
			}
			if taken {
				return fmt.Errorf("%w: %s already belongs to %s", domain.ErrServerIDConflict, entry.ServerID, owner.LocalID)
			}
			now := r.now()
			created := entry.CreatedAt
			if created.IsZero() {
				created = now
			}
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO reconciliations(local_id, entity_type, server_id, created_at)
				VALUES (?, ?, ?, ?)
			`, entry.LocalID, string(entry.EntityType), entry.ServerID, ts(created)); err != nil {
				return fmt.Errorf("insert reconciliation: %w", err)
			}
			if _, err := tx.ExecContext(ctx, `UPDATE records SET server_id = ?, updated_at = ? WHERE local_id = ?`, entry.ServerID, ts(now), entry.LocalID); err != nil {
				return fmt.Errorf("rewrite record server id: %w", err)
			}
			if _, err := tx.ExecContext(ctx, `UPDATE outbox SET target_server_id = ? WHERE target_local_id = ? AND target_server_id = ''`, entry.ServerID, entry.LocalID); err != nil {
				return fmt.Errorf("rewrite outbox targets: %w", err)
			}
			if _, err := tx.ExecContext(ctx, `UPDATE outbox SET depends_on_server_id = ? WHERE depends_on_local_id = ? AND depends_on_server_id = ''`, entry.ServerID, entry.LocalID); err != nil {
				return fmt.Errorf("rewrite outbox dependencies: %w", err)
			}
			outcome.Changed = true
			rec, err := getRecord(ctx, tx, entry.LocalID)
			switch {
			case errors.Is(err, app.ErrNotFound):
			case err != nil:
				return err
			default:
				outcome.Token, err = insertChangeToken(ctx, tx, tokenFor(rec, domain.ChangeReconcile, now))
				if err != nil {
					return err
				}
			}
		}
		if ackOpID != 0 {
			if _, err := tx.ExecContext(ctx, `DELETE FROM outbox WHERE op_id = ?`, ackOpID); err != nil {
				return fmt.Errorf("ack operation: %w", err)
			}
			if _, err := tx.ExecContext(ctx, `UPDATE records SET sync_status = 'synced', last_error = '' WHERE local_id = ?`, entry.LocalID); err != nil {
				return fmt.Errorf("mark record synced: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return app.ReconcileOutcome{}, err
	}
	return outcome, nil
}

// GetSessionValue returns one session value.
func (r *Repository) GetSessionValue(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := r.db.QueryRowContext(ctx, `SELECT value FROM session_state WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return value, true, nil
}

// SetSessionValue stores one session value. An empty value removes the key.
func (r *Repository) SetSessionValue(ctx context.Context, key, value string) error {
	if strings.TrimSpace(key) == "" {
		return domain.ErrInvalidID
	}
	if value == "" {
		_, err := r.db.ExecContext(ctx, `DELETE FROM session_state WHERE key = ?`, key)
		return err
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO session_state(key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, key, value)
	return err
}

// ClearSession drops every session value.
func (r *Repository) ClearSession(ctx context.Context) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM session_state`)
	return err
}

// GetServiceMarker returns the last full-sync marker for a service.
func (r *Repository) GetServiceMarker(ctx context.Context, serviceLocalID string) (app.ServiceMarker, bool, error) {
	var (
		marker    app.ServiceMarker
		syncedRaw string
	)
	err := r.db.QueryRowContext(ctx, `
		SELECT service_local_id, service_server_id, rooms, checklist_items, synced_at
		FROM service_markers WHERE service_local_id = ?
	`, serviceLocalID).Scan(&marker.ServiceLocalID, &marker.ServiceServerID, &marker.Rooms, &marker.ChecklistItems, &syncedRaw)
	if errors.Is(err, sql.ErrNoRows) {
		return app.ServiceMarker{}, false, nil
	}
	if err != nil {
		return app.ServiceMarker{}, false, err
	}
	marker.SyncedAt = parseTS(syncedRaw)
	return marker, true, nil
}

// PutServiceMarker stores a service marker.
func (r *Repository) PutServiceMarker(ctx context.Context, marker app.ServiceMarker) error {
	if strings.TrimSpace(marker.ServiceLocalID) == "" {
		return domain.ErrInvalidID
	}
	syncedAt := marker.SyncedAt
	if syncedAt.IsZero() {
		syncedAt = r.now()
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO service_markers(service_local_id, service_server_id, rooms, checklist_items, synced_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(service_local_id) DO UPDATE SET
			service_server_id = excluded.service_server_id,
			rooms = excluded.rooms,
			checklist_items = excluded.checklist_items,
			synced_at = excluded.synced_at
	`, marker.ServiceLocalID, marker.ServiceServerID, marker.Rooms, marker.ChecklistItems, ts(syncedAt))
	return err
}

// ApplyMutation persists a cache write and its outbox entries in one transaction.
func (r *Repository) ApplyMutation(ctx context.Context, m app.Mutation) (app.MutationResult, error) {
	var result app.MutationResult
	err := r.withTx(ctx, func(tx *sql.Tx) error {
		for _, localID := range m.Discard {
			res, err := tx.ExecContext(ctx, `DELETE FROM outbox WHERE target_local_id = ?`, localID)
			if err != nil {
				return fmt.Errorf("discard operations: %w", err)
			}
			n, err := res.RowsAffected()
			if err != nil {
				return err
			}
			result.Discarded += int(n)
		}
		for _, localID := range m.Delete {
			token, err := r.deleteRecord(ctx, tx, localID)
			if errors.Is(err, app.ErrNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			result.Tokens = append(result.Tokens, token)
		}
		if m.Put != nil {
			rec, token, err := r.putRecord(ctx, tx, *m.Put)
			if err != nil {
				return err
			}
			result.Record = rec
			result.Tokens = append(result.Tokens, token)
		}
		for _, op := range m.Ops {
			enq, err := r.enqueue(ctx, tx, op)
			if err != nil {
				return err
			}
			result.Enqueued = append(result.Enqueued, enq)
		}
		return nil
	})
	if err != nil {
		return app.MutationResult{}, err
	}
	return result, nil
}

// scanner represents scanner data used by this package.
type scanner interface {
	Scan(dest ...any) error
}

// queryRower represents a query-only DB contract used by DB and Tx implementations.
type queryRower interface {
	QueryRowContext(context.Context, string, ...any) *sql.Row
}

// querier lists rows on a DB or Tx.
type querier interface {
	QueryContext(context.Context, string, ...any) (*sql.Rows, error)
}

// execerContext represents a write-only DB contract used by DB and Tx implementations.
type execerContext interface {
	ExecContext(context.Context, string, ...any) (sql.Result, error)
}

func getRecord(ctx context.Context, q queryRower, localID string) (domain.LocalRecord, error) {
	row := q.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM records WHERE local_id = ?`, localID)
	return scanRecord(row)
}

func scanRecord(s scanner) (domain.LocalRecord, error) {
	var (
		rec           domain.LocalRecord
		entityTypeRaw string
		payloadRaw    string
		statusRaw     string
		createdRaw    string
		updatedRaw    string
	)
	if err := s.Scan(
		&rec.LocalID,
		&entityTypeRaw,
		&rec.ServerID,
		&rec.ServiceLocalID,
		&rec.ParentLocalID,
		&payloadRaw,
		&statusRaw,
		&rec.LastError,
		&createdRaw,
		&updatedRaw,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.LocalRecord{}, app.ErrNotFound
		}
		return domain.LocalRecord{}, err
	}
	payload, err := decodePayload(payloadRaw)
	if err != nil {
		return domain.LocalRecord{}, fmt.Errorf("decode record payload %s: %w", rec.LocalID, err)
	}
	rec.EntityType = domain.EntityType(entityTypeRaw)
	rec.Payload = payload
	rec.SyncStatus = domain.SyncStatus(statusRaw)
	rec.CreatedAt = parseTS(createdRaw)
	rec.UpdatedAt = parseTS(updatedRaw)
	return rec, nil
}

func insertRecord(ctx context.Context, execer execerContext, rec domain.LocalRecord) error {
	payloadJSON, err := encodePayload(rec.Payload)
	if err != nil {
		return err
	}
	_, err = execer.ExecContext(ctx, `
		INSERT INTO records(`+recordColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		rec.LocalID,
		string(rec.EntityType),
		rec.ServerID,
		rec.ServiceLocalID,
		rec.ParentLocalID,
		payloadJSON,
		string(rec.SyncStatus),
		rec.LastError,
		ts(rec.CreatedAt),
		ts(rec.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert record: %w", err)
	}
	return nil
}

func updateRecord(ctx context.Context, execer execerContext, rec domain.LocalRecord) error {
	payloadJSON, err := encodePayload(rec.Payload)
	if err != nil {
		return err
	}
	res, err := execer.ExecContext(ctx, `
		UPDATE records
		SET server_id = ?, service_local_id = ?, parent_local_id = ?, payload_json = ?, sync_status = ?, last_error = ?, updated_at = ?
		WHERE local_id = ?
	`,
		rec.ServerID,
		rec.ServiceLocalID,
		rec.ParentLocalID,
		payloadJSON,
		string(rec.SyncStatus),
		rec.LastError,
		ts(rec.UpdatedAt),
		rec.LocalID,
	)
	if err != nil {
		return fmt.Errorf("update record: %w", err)
	}
	return translateNoRows(res)
}

const outboxColumns = `op_id, kind, target_local_id, target_entity_type, service_local_id, payload_json, depends_on_local_id,
	target_server_id, depends_on_server_id, state, attempt, last_error, attachment, created_at, updated_at`

func listOperations(ctx context.Context, q querier, filter app.OutboxQuery) ([]domain.Operation, error) {
	clauses := make([]string, 0, 3)
	args := make([]any, 0, 2+len(filter.States))
	if filter.TargetLocalID != "" {
		clauses = append(clauses, `target_local_id = ?`)
		args = append(args, filter.TargetLocalID)
	}
	if filter.ServiceLocalID != "" {
		clauses = append(clauses, `(service_local_id = ? OR target_local_id = ?)`)
		args = append(args, filter.ServiceLocalID, filter.ServiceLocalID)
	}
	if len(filter.States) > 0 {
		clauses = append(clauses, `state IN (`+placeholders(len(filter.States))+`)`)
		for _, state := range filter.States {
			args = append(args, string(state))
		}
	}
	query := `SELECT ` + outboxColumns + ` FROM outbox`
	if len(clauses) > 0 {
		query += ` WHERE ` + strings.Join(clauses, ` AND `)
	}
	query += ` ORDER BY op_id ASC`

	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]domain.Operation, 0)
	for rows.Next() {
		op, err := scanOperation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, op)
	}
	return out, rows.Err()
}

func getOperation(ctx context.Context, q queryRower, opID int64) (domain.Operation, error) {
	return scanOperation(q.QueryRowContext(ctx, `SELECT `+outboxColumns+` FROM outbox WHERE op_id = ?`, opID))
}

func scanOperation(s scanner) (domain.Operation, error) {
	var (
		op            domain.Operation
		kindRaw       string
		entityTypeRaw string
		payloadRaw    string
		stateRaw      string
		createdRaw    string
		updatedRaw    string
	)
	if err := s.Scan(
		&op.OpID,
		&kindRaw,
		&op.TargetLocalID,
		&entityTypeRaw,
		&op.ServiceLocalID,
		&payloadRaw,
		&op.DependsOnLocalID,
		&op.TargetServerID,
		&op.DependsOnServerID,
		&stateRaw,
		&op.Attempt,
		&op.LastError,
		&op.Attachment,
		&createdRaw,
		&updatedRaw,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Operation{}, app.ErrNotFound
		}
		return domain.Operation{}, err
	}
	op.Kind = domain.OpKind(kindRaw)
	op.TargetEntityType = domain.EntityType(entityTypeRaw)
	op.State = domain.OpState(stateRaw)
	op.CreatedAt = parseTS(createdRaw)
	op.UpdatedAt = parseTS(updatedRaw)
	if op.Kind != domain.OpDelete {
		payload, err := decodePayload(payloadRaw)
		if err != nil {
			return domain.Operation{}, fmt.Errorf("decode operation payload %d: %w", op.OpID, err)
		}
		op.Payload = payload
	}
	if len(op.Attachment) == 0 {
		op.Attachment = nil
	}
	return op, nil
}

func insertOperation(ctx context.Context, execer execerContext, op domain.Operation, now time.Time) (domain.Operation, error) {
	payloadJSON, err := encodePayload(op.Payload)
	if err != nil {
		return domain.Operation{}, err
	}
	if op.CreatedAt.IsZero() {
		op.CreatedAt = now
	}
	op.UpdatedAt = now
	op.State = domain.OpQueued
	op.Attempt = 0
	op.LastError = ""
	res, err := execer.ExecContext(ctx, `
		INSERT INTO outbox(kind, target_local_id, target_entity_type, service_local_id, payload_json, depends_on_local_id,
			target_server_id, depends_on_server_id, state, attempt, last_error, attachment, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		string(op.Kind),
		op.TargetLocalID,
		string(op.TargetEntityType),
		op.ServiceLocalID,
		payloadJSON,
		op.DependsOnLocalID,
		op.TargetServerID,
		op.DependsOnServerID,
		string(op.State),
		op.Attempt,
		op.LastError,
		op.Attachment,
		ts(op.CreatedAt),
		ts(op.UpdatedAt),
	)
	if err != nil {
		return domain.Operation{}, fmt.Errorf("insert operation: %w", err)
	}
	op.OpID, err = res.LastInsertId()
	if err != nil {
		return domain.Operation{}, err
	}
	return op, nil
}

func getReconciliation(ctx context.Context, q queryRower, where string, args ...any) (domain.ReconciliationEntry, bool, error) {
	var (
		entry         domain.ReconciliationEntry
		entityTypeRaw string
		createdRaw    string
	)
	err := q.QueryRowContext(ctx, `SELECT local_id, entity_type, server_id, created_at FROM reconciliations WHERE `+where, args...).
		Scan(&entry.LocalID, &entityTypeRaw, &entry.ServerID, &createdRaw)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ReconciliationEntry{}, false, nil
	}
	if err != nil {
		return domain.ReconciliationEntry{}, false, err
	}
	entry.EntityType = domain.EntityType(entityTypeRaw)
	entry.CreatedAt = parseTS(createdRaw)
	return entry, true, nil
}

// tokenFor builds the change token for rec. Services scope their own changes.
func tokenFor(rec domain.LocalRecord, op domain.ChangeOp, now time.Time) domain.ChangeToken {
	serviceLocalID := rec.ServiceLocalID
	if rec.EntityType == domain.EntityService {
		serviceLocalID = rec.LocalID
	}
	return domain.ChangeToken{
		EntityType:     rec.EntityType,
		LocalID:        rec.LocalID,
		ServiceLocalID: serviceLocalID,
		Op:             op,
		OccurredAt:     now,
	}
}

// insertChangeToken appends a change token to the ledger.
func insertChangeToken(ctx context.Context, execer execerContext, token domain.ChangeToken) (domain.ChangeToken, error) {
	if token.OccurredAt.IsZero() {
		token.OccurredAt = time.Now().UTC()
	}
	res, err := execer.ExecContext(ctx, `
		INSERT INTO change_tokens(entity_type, local_id, service_local_id, op, occurred_at)
		VALUES (?, ?, ?, ?, ?)
	`,
		string(token.EntityType),
		token.LocalID,
		token.ServiceLocalID,
		string(token.Op),
		ts(token.OccurredAt),
	)
	if err != nil {
		return domain.ChangeToken{}, fmt.Errorf("insert change token: %w", err)
	}
	token.Seq, err = res.LastInsertId()
	if err != nil {
		return domain.ChangeToken{}, err
	}
	return token, nil
}

func encodePayload(payload domain.Payload) (string, error) {
	if payload == nil {
		return "{}", nil
	}
	encoded, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("%w: %v", domain.ErrInvalidPayload, err)
	}
	return string(encoded), nil
}

func decodePayload(raw string) (domain.Payload, error) {
	payload := domain.Payload{}
	if strings.TrimSpace(raw) == "" {
		return payload, nil
	}
	dec := json.NewDecoder(bytes.NewReader([]byte(raw)))
	dec.UseNumber()
	if err := dec.Decode(&payload); err != nil {
		return nil, err
	}
	return payload, nil
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

// translateNoRows handles translate no rows.
func translateNoRows(res sql.Result) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return app.ErrNotFound
	}
	return nil
}

// ts handles ts.
func ts(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// parseTS parses input into a normalized form.
func parseTS(v string) time.Time {
	ts, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}
	}
	return ts.UTC()
}

// parseNullTS parses input into a normalized form.
func parseNullTS(v sql.NullString) *time.Time {
	if !v.Valid || strings.TrimSpace(v.String) == "" {
		return nil
	}
	ts := parseTS(v.String)
	return &ts
}

// isDuplicateColumnErr reports whether the expected condition is satisfied.
func isDuplicateColumnErr(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(strings.ToLower(err.Error()), "duplicate column name")
}
