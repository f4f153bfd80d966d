package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	sqlitemigrate "github.com/louisbranch/sagaflow/internal/platform/storage/sqlitemigrate"
	"github.com/louisbranch/sagaflow/internal/platform/timeouts"
	"github.com/louisbranch/sagaflow/internal/saga"
	"github.com/louisbranch/sagaflow/internal/saga/storage"
	"github.com/louisbranch/sagaflow/internal/saga/storage/sqlite/migrations"
	_ "modernc.org/sqlite"
)

// Store provides SQLite-backed persistence for saga state.
type Store struct {
	sqlDB *sql.DB
}

var _ storage.Store = (*Store)(nil)

func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}

// toMillisOrZero maps the zero time to 0 so an unleased row stays claimable
// with a plain <= comparison.
func toMillisOrZero(value time.Time) int64 {
	if value.IsZero() {
		return 0
	}
	return toMillis(value)
}

func fromMillisOrZero(value int64) time.Time {
	if value == 0 {
		return time.Time{}
	}
	return fromMillis(value)
}

// Open opens a saga SQLite store at the provided path.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}

	cleanPath := filepath.Clean(path)
	dsn := fmt.Sprintf("%s?_journal_mode=WAL&_busy_timeout=%d&_synchronous=NORMAL&_pragma=foreign_keys(ON)", cleanPath, timeouts.StoreBusy.Milliseconds())
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if err := ensureForeignKeysEnabled(sqlDB); err != nil {
		_ = sqlDB.Close()
		return nil, err
	}

	store := &Store{sqlDB: sqlDB}
	if err := store.runMigrations(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return store, nil
}

// Close closes the underlying SQLite database.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

// Ping reports whether the underlying SQLite database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	return s.sqlDB.PingContext(ctx)
}

func (s *Store) runMigrations() error {
	return sqlitemigrate.ApplyMigrations(s.sqlDB, migrations.FS, "")
}

func ensureForeignKeysEnabled(db *sql.DB) error {
	if db == nil {
		return fmt.Errorf("sqlite db is required")
	}
	var enabled int
	if err := db.QueryRow("PRAGMA foreign_keys").Scan(&enabled); err != nil {
		return fmt.Errorf("check sqlite foreign key pragma: %w", err)
	}
	if enabled != 1 {
		return fmt.Errorf("sqlite foreign keys are disabled")
	}
	return nil
}

// CreateTransaction inserts a new transaction row and its first event.
func (s *Store) CreateTransaction(ctx context.Context, txn saga.Transaction, event saga.Event) (saga.Transaction, saga.Event, error) {
	if err := ctx.Err(); err != nil {
		return saga.Transaction{}, saga.Event{}, err
	}
	if s == nil || s.sqlDB == nil {
		return saga.Transaction{}, saga.Event{}, fmt.Errorf("storage is not configured")
	}
	normalized, err := normalizeTransaction(txn)
	if err != nil {
		return saga.Transaction{}, saga.Event{}, err
	}
	normalizedEvent, err := normalizeEvent(event)
	if err != nil {
		return saga.Transaction{}, saga.Event{}, err
	}

	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return saga.Transaction{}, saga.Event{}, fmt.Errorf("begin transaction create: %w", err)
	}
	rollbackWith := func(cause error) error {
		if rollbackErr := tx.Rollback(); rollbackErr != nil {
			return fmt.Errorf("%w: rollback transaction create: %v", cause, rollbackErr)
		}
		return cause
	}

	if _, err := tx.ExecContext(ctx, `
INSERT INTO saga_transactions (
	id, definition_name, definition_version, subject_context, status, current_step,
	attempt, key_epoch, failure_reason, cancel_requested, cancel_reason, version,
	lease_owner, lease_expires_at, next_attempt_at, deadline_at, created_at, updated_at, completed_at
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
`,
		normalized.ID,
		normalized.Definition,
		normalized.DefinitionVersion,
		string(normalized.SubjectContext),
		normalized.Status,
		normalized.CurrentStep,
		normalized.Attempt,
		normalized.KeyEpoch,
		normalized.FailureReason,
		boolToInt(normalized.CancelRequested),
		normalized.CancelReason,
		normalized.Version,
		normalized.LeaseOwner,
		toMillisOrZero(normalized.LeaseExpiresAt),
		toMillis(normalized.NextAttemptAt),
		toMillis(normalized.DeadlineAt),
		toMillis(normalized.CreatedAt),
		toMillis(normalized.UpdatedAt),
		nullableMillis(normalized.CompletedAt),
	); err != nil {
		if isUniqueConstraintError(err) {
			return saga.Transaction{}, saga.Event{}, rollbackWith(storage.ErrAlreadyExists)
		}
		return saga.Transaction{}, saga.Event{}, rollbackWith(fmt.Errorf("insert transaction: %w", err))
	}

	appended, err := appendEventExec(ctx, tx, normalizedEvent)
	if err != nil {
		return saga.Transaction{}, saga.Event{}, rollbackWith(err)
	}
	if err := tx.Commit(); err != nil {
		return saga.Transaction{}, saga.Event{}, fmt.Errorf("commit transaction create: %w", err)
	}
	return normalized, appended, nil
}

// GetTransaction fetches one transaction by id.
func (s *Store) GetTransaction(ctx context.Context, id string) (saga.Transaction, error) {
	if err := ctx.Err(); err != nil {
		return saga.Transaction{}, err
	}
	if s == nil || s.sqlDB == nil {
		return saga.Transaction{}, fmt.Errorf("storage is not configured")
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return saga.Transaction{}, fmt.Errorf("transaction id is required")
	}
	return getTransactionRow(ctx, s.sqlDB, id)
}

// ListTransactions pages through transactions newest-first, optionally
// narrowed by a filter fragment and flipped to oldest-first.
func (s *Store) ListTransactions(ctx context.Context, query storage.ListQuery) (storage.Page, error) {
	if err := ctx.Err(); err != nil {
		return storage.Page{}, err
	}
	if s == nil || s.sqlDB == nil {
		return storage.Page{}, fmt.Errorf("storage is not configured")
	}
	if query.PageSize <= 0 {
		return storage.Page{}, fmt.Errorf("page size must be greater than zero")
	}

	conditions := make([]string, 0, 2)
	params := make([]any, 0, len(query.Params)+3)
	if where := strings.TrimSpace(query.Where); where != "" {
		conditions = append(conditions, where)
		params = append(params, query.Params...)
	}

	pageToken := strings.TrimSpace(query.PageToken)
	if pageToken != "" {
		tokenCreatedAt, err := s.transactionCreatedAtByID(ctx, pageToken)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return storage.Page{}, storage.ErrPageTokenInvalid
			}
			return storage.Page{}, err
		}
		if query.Ascending {
			conditions = append(conditions, "(created_at > ? OR (created_at = ? AND id > ?))")
		} else {
			conditions = append(conditions, "(created_at < ? OR (created_at = ? AND id < ?))")
		}
		params = append(params, toMillis(tokenCreatedAt), toMillis(tokenCreatedAt), pageToken)
	}

	querySQL := `
SELECT id, definition_name, definition_version, subject_context, status, current_step,
	attempt, key_epoch, failure_reason, cancel_requested, cancel_reason, version,
	lease_owner, lease_expires_at, next_attempt_at, deadline_at, created_at, updated_at, completed_at
FROM saga_transactions
`
	if len(conditions) > 0 {
		querySQL += "WHERE " + strings.Join(conditions, " AND ") + "\n"
	}
	if query.Ascending {
		querySQL += "ORDER BY created_at ASC, id ASC\nLIMIT ?"
	} else {
		querySQL += "ORDER BY created_at DESC, id DESC\nLIMIT ?"
	}
	params = append(params, query.PageSize+1)

	rows, err := s.sqlDB.QueryContext(ctx, querySQL, params...)
	if err != nil {
		return storage.Page{}, fmt.Errorf("list transactions: %w", err)
	}
	defer rows.Close()
	return collectTransactionPage(rows, query.PageSize)
}

// ClaimDueTransactions leases up to limit active, due, unleased transactions.
func (s *Store) ClaimDueTransactions(ctx context.Context, owner string, ttl time.Duration, limit int, now time.Time) ([]saga.Transaction, error) {
	return s.claimTransactions(ctx, owner, ttl, limit, now, "next_attempt_at <= ?")
}

// ClaimDeadlineExceeded leases up to limit active transactions whose saga
// deadline has passed, regardless of their retry schedule.
func (s *Store) ClaimDeadlineExceeded(ctx context.Context, owner string, ttl time.Duration, limit int, now time.Time) ([]saga.Transaction, error) {
	return s.claimTransactions(ctx, owner, ttl, limit, now, "deadline_at <= ?")
}

// ClaimStepTimedOut leases up to limit active transactions whose pending
// step execution has expired.
func (s *Store) ClaimStepTimedOut(ctx context.Context, owner string, ttl time.Duration, limit int, now time.Time) ([]saga.Transaction, error) {
	return s.claimTransactions(ctx, owner, ttl, limit, now,
		"id IN (SELECT transaction_id FROM saga_step_executions WHERE status = 'PENDING' AND expires_at <= ?)")
}

func (s *Store) claimTransactions(ctx context.Context, owner string, ttl time.Duration, limit int, now time.Time, dueCondition string) ([]saga.Transaction, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.sqlDB == nil {
		return nil, fmt.Errorf("storage is not configured")
	}
	owner = strings.TrimSpace(owner)
	if owner == "" {
		return nil, fmt.Errorf("lease owner is required")
	}
	if ttl <= 0 {
		return nil, fmt.Errorf("lease ttl must be greater than zero")
	}
	if limit <= 0 {
		return nil, fmt.Errorf("limit must be greater than zero")
	}
	if now.IsZero() {
		return nil, fmt.Errorf("now is required")
	}

	nowMillis := toMillis(now.UTC())

	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction claim: %w", err)
	}
	rollbackWith := func(cause error) ([]saga.Transaction, error) {
		if rollbackErr := tx.Rollback(); rollbackErr != nil {
			return nil, fmt.Errorf("%w: rollback transaction claim: %v", cause, rollbackErr)
		}
		return nil, cause
	}

	rows, err := tx.QueryContext(ctx, `
SELECT id
FROM saga_transactions
WHERE status IN (?, ?, ?)
  AND `+dueCondition+`
  AND lease_expires_at <= ?
ORDER BY next_attempt_at ASC, id ASC
LIMIT ?
`, saga.StatusPending, saga.StatusRunning, saga.StatusCompensating, nowMillis, nowMillis, limit)
	if err != nil {
		return rollbackWith(fmt.Errorf("select due transactions: %w", err))
	}
	ids := make([]string, 0, limit)
	for rows.Next() {
		var id string
		if scanErr := rows.Scan(&id); scanErr != nil {
			rows.Close()
			return rollbackWith(fmt.Errorf("scan due transaction id: %w", scanErr))
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return rollbackWith(fmt.Errorf("iterate due transaction ids: %w", err))
	}
	rows.Close()

	leaseExpiresAt := toMillis(now.UTC().Add(ttl))
	claimed := make([]saga.Transaction, 0, len(ids))
	for _, id := range ids {
		result, execErr := tx.ExecContext(ctx, `
UPDATE saga_transactions
SET lease_owner = ?, lease_expires_at = ?, version = version + 1, updated_at = ?
WHERE id = ? AND lease_expires_at <= ?
`, owner, leaseExpiresAt, nowMillis, id, nowMillis)
		if execErr != nil {
			return rollbackWith(fmt.Errorf("claim transaction %s: %w", id, execErr))
		}
		affected, affectedErr := result.RowsAffected()
		if affectedErr != nil {
			return rollbackWith(fmt.Errorf("claim transaction %s rows affected: %w", id, affectedErr))
		}
		if affected == 0 {
			continue
		}
		record, getErr := getTransactionRow(ctx, tx, id)
		if getErr != nil {
			return rollbackWith(fmt.Errorf("load claimed transaction %s: %w", id, getErr))
		}
		claimed = append(claimed, record)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit transaction claim: %w", err)
	}
	return claimed, nil
}

// UpdateLeasedTransaction writes one transaction under its lease and version
// guard and appends events atomically.
func (s *Store) UpdateLeasedTransaction(ctx context.Context, owner string, txn saga.Transaction, expectedVersion uint64, events []saga.Event) (saga.Transaction, []saga.Event, error) {
	if err := ctx.Err(); err != nil {
		return saga.Transaction{}, nil, err
	}
	if s == nil || s.sqlDB == nil {
		return saga.Transaction{}, nil, fmt.Errorf("storage is not configured")
	}
	normalized, err := normalizeTransaction(txn)
	if err != nil {
		return saga.Transaction{}, nil, err
	}
	normalizedEvents, err := normalizeEvents(events)
	if err != nil {
		return saga.Transaction{}, nil, err
	}

	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return saga.Transaction{}, nil, fmt.Errorf("begin leased transaction write: %w", err)
	}
	rollbackWith := func(cause error) error {
		if rollbackErr := tx.Rollback(); rollbackErr != nil {
			return fmt.Errorf("%w: rollback leased transaction write: %v", cause, rollbackErr)
		}
		return cause
	}

	if err := updateLeasedExec(ctx, tx, owner, normalized, expectedVersion); err != nil {
		return saga.Transaction{}, nil, rollbackWith(err)
	}
	appended := make([]saga.Event, 0, len(normalizedEvents))
	for _, event := range normalizedEvents {
		stored, appendErr := appendEventExec(ctx, tx, event)
		if appendErr != nil {
			return saga.Transaction{}, nil, rollbackWith(appendErr)
		}
		appended = append(appended, stored)
	}

	record, err := getTransactionRow(ctx, tx, normalized.ID)
	if err != nil {
		return saga.Transaction{}, nil, rollbackWith(fmt.Errorf("load updated transaction: %w", err))
	}
	if err := tx.Commit(); err != nil {
		return saga.Transaction{}, nil, fmt.Errorf("commit leased transaction write: %w", err)
	}
	return record, appended, nil
}

// RequestCancel records a rollback request on a pending or running
// transaction and makes it due immediately.
func (s *Store) RequestCancel(ctx context.Context, id, reason string, now time.Time) (saga.Transaction, error) {
	if err := ctx.Err(); err != nil {
		return saga.Transaction{}, err
	}
	if s == nil || s.sqlDB == nil {
		return saga.Transaction{}, fmt.Errorf("storage is not configured")
	}
	id = strings.TrimSpace(id)
	reason = strings.TrimSpace(reason)
	if id == "" {
		return saga.Transaction{}, fmt.Errorf("transaction id is required")
	}
	if now.IsZero() {
		return saga.Transaction{}, fmt.Errorf("now is required")
	}

	nowMillis := toMillis(now.UTC())
	result, err := s.sqlDB.ExecContext(ctx, `
UPDATE saga_transactions
SET cancel_requested = 1, cancel_reason = ?, next_attempt_at = MIN(next_attempt_at, ?), version = version + 1, updated_at = ?
WHERE id = ? AND status IN (?, ?)
`, reason, nowMillis, nowMillis, id, saga.StatusPending, saga.StatusRunning)
	if err != nil {
		return saga.Transaction{}, fmt.Errorf("request cancel: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return saga.Transaction{}, fmt.Errorf("request cancel rows affected: %w", err)
	}
	if affected == 0 {
		if _, getErr := getTransactionRow(ctx, s.sqlDB, id); getErr != nil {
			return saga.Transaction{}, getErr
		}
		return saga.Transaction{}, saga.ErrRollbackDisallowed
	}
	return getTransactionRow(ctx, s.sqlDB, id)
}

// ResumeFailedTransaction applies the operator retry to a FAILED
// transaction: back to COMPENSATING with a fresh attempt counter, a bumped
// key epoch, and a new saga deadline.
func (s *Store) ResumeFailedTransaction(ctx context.Context, id string, deadline, now time.Time, event saga.Event) (saga.Transaction, saga.Event, error) {
	if err := ctx.Err(); err != nil {
		return saga.Transaction{}, saga.Event{}, err
	}
	if s == nil || s.sqlDB == nil {
		return saga.Transaction{}, saga.Event{}, fmt.Errorf("storage is not configured")
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return saga.Transaction{}, saga.Event{}, fmt.Errorf("transaction id is required")
	}
	if deadline.IsZero() {
		return saga.Transaction{}, saga.Event{}, fmt.Errorf("deadline is required")
	}
	if now.IsZero() {
		return saga.Transaction{}, saga.Event{}, fmt.Errorf("now is required")
	}
	normalizedEvent, err := normalizeEvent(event)
	if err != nil {
		return saga.Transaction{}, saga.Event{}, err
	}

	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return saga.Transaction{}, saga.Event{}, fmt.Errorf("begin transaction resume: %w", err)
	}
	rollbackWith := func(cause error) error {
		if rollbackErr := tx.Rollback(); rollbackErr != nil {
			return fmt.Errorf("%w: rollback transaction resume: %v", cause, rollbackErr)
		}
		return cause
	}

	nowMillis := toMillis(now.UTC())
	result, err := tx.ExecContext(ctx, `
UPDATE saga_transactions
SET status = ?, attempt = 0, key_epoch = key_epoch + 1, failure_reason = '',
	next_attempt_at = ?, deadline_at = ?, completed_at = NULL, version = version + 1, updated_at = ?
WHERE id = ? AND status = ?
`, saga.StatusCompensating, nowMillis, toMillis(deadline.UTC()), nowMillis, id, saga.StatusFailed)
	if err != nil {
		return saga.Transaction{}, saga.Event{}, rollbackWith(fmt.Errorf("resume transaction: %w", err))
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return saga.Transaction{}, saga.Event{}, rollbackWith(fmt.Errorf("resume transaction rows affected: %w", err))
	}
	if affected == 0 {
		if _, getErr := getTransactionRow(ctx, tx, id); getErr != nil {
			return saga.Transaction{}, saga.Event{}, rollbackWith(getErr)
		}
		return saga.Transaction{}, saga.Event{}, rollbackWith(saga.ErrRetryDisallowed)
	}

	appended, err := appendEventExec(ctx, tx, normalizedEvent)
	if err != nil {
		return saga.Transaction{}, saga.Event{}, rollbackWith(err)
	}
	record, err := getTransactionRow(ctx, tx, id)
	if err != nil {
		return saga.Transaction{}, saga.Event{}, rollbackWith(fmt.Errorf("load resumed transaction: %w", err))
	}
	if err := tx.Commit(); err != nil {
		return saga.Transaction{}, saga.Event{}, fmt.Errorf("commit transaction resume: %w", err)
	}
	return record, appended, nil
}

// BeginStepAttempt writes the transaction under its lease and version guard
// and inserts the PENDING execution record atomically.
func (s *Store) BeginStepAttempt(ctx context.Context, owner string, txn saga.Transaction, expectedVersion uint64, execution saga.StepExecution) (saga.Transaction, error) {
	if err := ctx.Err(); err != nil {
		return saga.Transaction{}, err
	}
	if s == nil || s.sqlDB == nil {
		return saga.Transaction{}, fmt.Errorf("storage is not configured")
	}
	normalized, err := normalizeTransaction(txn)
	if err != nil {
		return saga.Transaction{}, err
	}
	normalizedExecution, err := normalizeStepExecution(execution)
	if err != nil {
		return saga.Transaction{}, err
	}

	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return saga.Transaction{}, fmt.Errorf("begin step attempt write: %w", err)
	}
	rollbackWith := func(cause error) error {
		if rollbackErr := tx.Rollback(); rollbackErr != nil {
			return fmt.Errorf("%w: rollback step attempt write: %v", cause, rollbackErr)
		}
		return cause
	}

	if err := updateLeasedExec(ctx, tx, owner, normalized, expectedVersion); err != nil {
		return saga.Transaction{}, rollbackWith(err)
	}
	if err := insertStepExecutionExec(ctx, tx, normalizedExecution); err != nil {
		return saga.Transaction{}, rollbackWith(err)
	}
	record, err := getTransactionRow(ctx, tx, normalized.ID)
	if err != nil {
		return saga.Transaction{}, rollbackWith(fmt.Errorf("load transaction after attempt insert: %w", err))
	}
	if err := tx.Commit(); err != nil {
		return saga.Transaction{}, fmt.Errorf("commit step attempt write: %w", err)
	}
	return record, nil
}

// CompleteStepAttempt writes the transaction under its lease and version
// guard, resolves the PENDING execution record, and appends events
// atomically.
func (s *Store) CompleteStepAttempt(ctx context.Context, owner string, txn saga.Transaction, expectedVersion uint64, resolution storage.StepResolution, events []saga.Event) (saga.Transaction, []saga.Event, error) {
	if err := ctx.Err(); err != nil {
		return saga.Transaction{}, nil, err
	}
	if s == nil || s.sqlDB == nil {
		return saga.Transaction{}, nil, fmt.Errorf("storage is not configured")
	}
	normalized, err := normalizeTransaction(txn)
	if err != nil {
		return saga.Transaction{}, nil, err
	}
	resolution.ExecutionID = strings.TrimSpace(resolution.ExecutionID)
	if resolution.ExecutionID == "" {
		return saga.Transaction{}, nil, fmt.Errorf("execution id is required")
	}
	if !resolution.Status.IsValid() || resolution.Status == saga.StepStatusPending {
		return saga.Transaction{}, nil, fmt.Errorf("resolution status %q is not a terminal step status", resolution.Status)
	}
	if resolution.FinishedAt.IsZero() {
		return saga.Transaction{}, nil, fmt.Errorf("finished at is required")
	}
	normalizedEvents, err := normalizeEvents(events)
	if err != nil {
		return saga.Transaction{}, nil, err
	}

	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return saga.Transaction{}, nil, fmt.Errorf("begin step resolution write: %w", err)
	}
	rollbackWith := func(cause error) error {
		if rollbackErr := tx.Rollback(); rollbackErr != nil {
			return fmt.Errorf("%w: rollback step resolution write: %v", cause, rollbackErr)
		}
		return cause
	}

	if err := updateLeasedExec(ctx, tx, owner, normalized, expectedVersion); err != nil {
		return saga.Transaction{}, nil, rollbackWith(err)
	}

	var resultPayload sql.NullString
	if len(resolution.ResultPayload) > 0 {
		resultPayload = sql.NullString{String: string(resolution.ResultPayload), Valid: true}
	}
	result, err := tx.ExecContext(ctx, `
UPDATE saga_step_executions
SET status = ?, result_payload = ?, error_code = ?, error_detail = ?, finished_at = ?
WHERE id = ? AND status = ?
`,
		resolution.Status,
		resultPayload,
		strings.TrimSpace(resolution.ErrorCode),
		strings.TrimSpace(resolution.ErrorDetail),
		toMillis(resolution.FinishedAt.UTC()),
		resolution.ExecutionID,
		saga.StepStatusPending,
	)
	if err != nil {
		return saga.Transaction{}, nil, rollbackWith(fmt.Errorf("resolve step attempt: %w", err))
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return saga.Transaction{}, nil, rollbackWith(fmt.Errorf("resolve step attempt rows affected: %w", err))
	}
	if affected == 0 {
		return saga.Transaction{}, nil, rollbackWith(storage.ErrNotFound)
	}

	appended := make([]saga.Event, 0, len(normalizedEvents))
	for _, event := range normalizedEvents {
		stored, appendErr := appendEventExec(ctx, tx, event)
		if appendErr != nil {
			return saga.Transaction{}, nil, rollbackWith(appendErr)
		}
		appended = append(appended, stored)
	}
	record, err := getTransactionRow(ctx, tx, normalized.ID)
	if err != nil {
		return saga.Transaction{}, nil, rollbackWith(fmt.Errorf("load transaction after resolution: %w", err))
	}
	if err := tx.Commit(); err != nil {
		return saga.Transaction{}, nil, fmt.Errorf("commit step resolution write: %w", err)
	}
	return record, appended, nil
}

// ListStepExecutions returns all execution records for one transaction in
// step, phase, epoch, attempt order.
func (s *Store) ListStepExecutions(ctx context.Context, transactionID string) ([]saga.StepExecution, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.sqlDB == nil {
		return nil, fmt.Errorf("storage is not configured")
	}
	transactionID = strings.TrimSpace(transactionID)
	if transactionID == "" {
		return nil, fmt.Errorf("transaction id is required")
	}

	rows, err := s.sqlDB.QueryContext(ctx, `
SELECT id, transaction_id, step_name, step_index, phase, attempt, key_epoch, status,
	result_payload, error_code, error_detail, started_at, finished_at, expires_at
FROM saga_step_executions
WHERE transaction_id = ?
ORDER BY step_index ASC, phase ASC, key_epoch ASC, attempt ASC
`, transactionID)
	if err != nil {
		return nil, fmt.Errorf("list step executions: %w", err)
	}
	defer rows.Close()

	executions := make([]saga.StepExecution, 0, 8)
	for rows.Next() {
		execution, scanErr := scanStepExecution(rows.Scan)
		if scanErr != nil {
			return nil, fmt.Errorf("scan step execution row: %w", scanErr)
		}
		executions = append(executions, execution)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate step execution rows: %w", err)
	}
	return executions, nil
}

// PendingStepExecution returns the unresolved execution record for one
// transaction.
func (s *Store) PendingStepExecution(ctx context.Context, transactionID string) (saga.StepExecution, error) {
	if err := ctx.Err(); err != nil {
		return saga.StepExecution{}, err
	}
	if s == nil || s.sqlDB == nil {
		return saga.StepExecution{}, fmt.Errorf("storage is not configured")
	}
	transactionID = strings.TrimSpace(transactionID)
	if transactionID == "" {
		return saga.StepExecution{}, fmt.Errorf("transaction id is required")
	}

	row := s.sqlDB.QueryRowContext(ctx, `
SELECT id, transaction_id, step_name, step_index, phase, attempt, key_epoch, status,
	result_payload, error_code, error_detail, started_at, finished_at, expires_at
FROM saga_step_executions
WHERE transaction_id = ? AND status = ?
ORDER BY started_at DESC
LIMIT 1
`, transactionID, saga.StepStatusPending)
	execution, err := scanStepExecution(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return saga.StepExecution{}, storage.ErrNotFound
		}
		return saga.StepExecution{}, fmt.Errorf("get pending step execution: %w", err)
	}
	return execution, nil
}

// ListEvents returns events for one transaction in sequence order.
func (s *Store) ListEvents(ctx context.Context, transactionID string, query storage.EventQuery) ([]saga.Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.sqlDB == nil {
		return nil, fmt.Errorf("storage is not configured")
	}
	transactionID = strings.TrimSpace(transactionID)
	if transactionID == "" {
		return nil, fmt.Errorf("transaction id is required")
	}

	conditions := []string{"transaction_id = ?"}
	params := []any{transactionID}
	if where := strings.TrimSpace(query.Where); where != "" {
		conditions = append(conditions, where)
		params = append(params, query.Params...)
	}
	if query.AfterSeq > 0 {
		conditions = append(conditions, "seq > ?")
		params = append(params, query.AfterSeq)
	}

	querySQL := `
SELECT transaction_id, seq, event_type, step_name, message, payload, created_at
FROM saga_events
WHERE ` + strings.Join(conditions, " AND ") + `
ORDER BY seq ASC
`
	if query.Limit > 0 {
		querySQL += "LIMIT ?"
		params = append(params, query.Limit)
	}

	rows, err := s.sqlDB.QueryContext(ctx, querySQL, params...)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	events := make([]saga.Event, 0, 16)
	for rows.Next() {
		event, scanErr := scanEvent(rows.Scan)
		if scanErr != nil {
			return nil, fmt.Errorf("scan event row: %w", scanErr)
		}
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate event rows: %w", err)
	}
	return events, nil
}

// Stats aggregates stored transactions by status and by definition.
func (s *Store) Stats(ctx context.Context) (storage.Stats, error) {
	if err := ctx.Err(); err != nil {
		return storage.Stats{}, err
	}
	if s == nil || s.sqlDB == nil {
		return storage.Stats{}, fmt.Errorf("storage is not configured")
	}

	stats := storage.Stats{
		ByStatus:     make(map[saga.Status]int),
		ByDefinition: make(map[string]int),
	}

	statusRows, err := s.sqlDB.QueryContext(ctx, `
SELECT status, COUNT(1)
FROM saga_transactions
GROUP BY status
`)
	if err != nil {
		return storage.Stats{}, fmt.Errorf("count transactions by status: %w", err)
	}
	defer statusRows.Close()
	for statusRows.Next() {
		var status saga.Status
		var count int
		if scanErr := statusRows.Scan(&status, &count); scanErr != nil {
			return storage.Stats{}, fmt.Errorf("scan status count row: %w", scanErr)
		}
		stats.ByStatus[status] = count
	}
	if err := statusRows.Err(); err != nil {
		return storage.Stats{}, fmt.Errorf("iterate status count rows: %w", err)
	}

	definitionRows, err := s.sqlDB.QueryContext(ctx, `
SELECT definition_name, COUNT(1)
FROM saga_transactions
GROUP BY definition_name
`)
	if err != nil {
		return storage.Stats{}, fmt.Errorf("count transactions by definition: %w", err)
	}
	defer definitionRows.Close()
	for definitionRows.Next() {
		var definition string
		var count int
		if scanErr := definitionRows.Scan(&definition, &count); scanErr != nil {
			return storage.Stats{}, fmt.Errorf("scan definition count row: %w", scanErr)
		}
		stats.ByDefinition[definition] = count
	}
	if err := definitionRows.Err(); err != nil {
		return storage.Stats{}, fmt.Errorf("iterate definition count rows: %w", err)
	}
	return stats, nil
}

func (s *Store) transactionCreatedAtByID(ctx context.Context, id string) (time.Time, error) {
	row := s.sqlDB.QueryRowContext(ctx, `
SELECT created_at
FROM saga_transactions
WHERE id = ?
`, id)
	var createdAtMillis int64
	if err := row.Scan(&createdAtMillis); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return time.Time{}, storage.ErrNotFound
		}
		return time.Time{}, fmt.Errorf("lookup transaction cursor: %w", err)
	}
	return fromMillis(createdAtMillis), nil
}

type scanner func(dest ...any) error

type sqlQuerier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// updateLeasedExec writes every mutable transaction column conditioned on
// the version counter and the lease owner. The lease columns take the new
// lease state from the record, so clearing them releases the lease.
func updateLeasedExec(ctx context.Context, tx *sql.Tx, owner string, record saga.Transaction, expectedVersion uint64) error {
	owner = strings.TrimSpace(owner)
	if owner == "" {
		return fmt.Errorf("lease owner is required")
	}
	if expectedVersion == 0 {
		return fmt.Errorf("expected version is required")
	}

	result, err := tx.ExecContext(ctx, `
UPDATE saga_transactions
SET status = ?, current_step = ?, attempt = ?, key_epoch = ?, failure_reason = ?,
	cancel_requested = ?, cancel_reason = ?, version = ?, lease_owner = ?, lease_expires_at = ?,
	next_attempt_at = ?, updated_at = ?, completed_at = ?
WHERE id = ? AND version = ? AND lease_owner = ?
`,
		record.Status,
		record.CurrentStep,
		record.Attempt,
		record.KeyEpoch,
		record.FailureReason,
		boolToInt(record.CancelRequested),
		record.CancelReason,
		expectedVersion+1,
		record.LeaseOwner,
		toMillisOrZero(record.LeaseExpiresAt),
		toMillis(record.NextAttemptAt),
		toMillis(record.UpdatedAt),
		nullableMillis(record.CompletedAt),
		record.ID,
		expectedVersion,
		owner,
	)
	if err != nil {
		return fmt.Errorf("update leased transaction: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("update leased transaction rows affected: %w", err)
	}
	if affected == 1 {
		return nil
	}

	current, err := getTransactionRow(ctx, tx, record.ID)
	if err != nil {
		return err
	}
	if current.LeaseOwner != owner {
		return storage.ErrLeaseLost
	}
	return storage.ErrVersionConflict
}

func insertStepExecutionExec(ctx context.Context, tx *sql.Tx, record saga.StepExecution) error {
	var resultPayload sql.NullString
	if len(record.ResultPayload) > 0 {
		resultPayload = sql.NullString{String: string(record.ResultPayload), Valid: true}
	}
	_, err := tx.ExecContext(ctx, `
INSERT INTO saga_step_executions (
	id, transaction_id, step_name, step_index, phase, attempt, key_epoch, status,
	result_payload, error_code, error_detail, started_at, finished_at, expires_at
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
`,
		record.ID,
		record.TransactionID,
		record.StepName,
		record.StepIndex,
		record.Phase,
		record.Attempt,
		record.KeyEpoch,
		record.Status,
		resultPayload,
		record.ErrorCode,
		record.ErrorDetail,
		toMillis(record.StartedAt),
		nullableMillis(record.FinishedAt),
		toMillis(record.ExpiresAt),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return storage.ErrAlreadyExists
		}
		return fmt.Errorf("insert step execution: %w", err)
	}
	return nil
}

// appendEventExec assigns the next per-transaction sequence number and
// inserts the event. Callers hold a write transaction, so the max-plus-one
// read cannot race another appender.
func appendEventExec(ctx context.Context, tx *sql.Tx, event saga.Event) (saga.Event, error) {
	var nextSeq uint64
	row := tx.QueryRowContext(ctx, `
SELECT COALESCE(MAX(seq), 0) + 1
FROM saga_events
WHERE transaction_id = ?
`, event.TransactionID)
	if err := row.Scan(&nextSeq); err != nil {
		return saga.Event{}, fmt.Errorf("next event seq: %w", err)
	}

	var payload sql.NullString
	if len(event.Payload) > 0 {
		payload = sql.NullString{String: string(event.Payload), Valid: true}
	}
	if _, err := tx.ExecContext(ctx, `
INSERT INTO saga_events (transaction_id, seq, event_type, step_name, message, payload, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?)
`,
		event.TransactionID,
		nextSeq,
		event.Type,
		event.StepName,
		event.Message,
		payload,
		toMillis(event.CreatedAt),
	); err != nil {
		return saga.Event{}, fmt.Errorf("insert event: %w", err)
	}
	event.Seq = nextSeq
	return event, nil
}

func getTransactionRow(ctx context.Context, querier sqlQuerier, id string) (saga.Transaction, error) {
	row := querier.QueryRowContext(ctx, `
SELECT id, definition_name, definition_version, subject_context, status, current_step,
	attempt, key_epoch, failure_reason, cancel_requested, cancel_reason, version,
	lease_owner, lease_expires_at, next_attempt_at, deadline_at, created_at, updated_at, completed_at
FROM saga_transactions
WHERE id = ?
`, id)
	record, err := scanTransaction(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return saga.Transaction{}, storage.ErrNotFound
		}
		return saga.Transaction{}, fmt.Errorf("get transaction: %w", err)
	}
	return record, nil
}

func normalizeTransaction(record saga.Transaction) (saga.Transaction, error) {
	record.ID = strings.TrimSpace(record.ID)
	record.Definition = strings.TrimSpace(record.Definition)
	record.FailureReason = strings.TrimSpace(record.FailureReason)
	record.CancelReason = strings.TrimSpace(record.CancelReason)
	record.LeaseOwner = strings.TrimSpace(record.LeaseOwner)
	if record.ID == "" {
		return saga.Transaction{}, fmt.Errorf("transaction id is required")
	}
	if record.Definition == "" {
		return saga.Transaction{}, fmt.Errorf("definition name is required")
	}
	if !record.Status.IsValid() {
		return saga.Transaction{}, fmt.Errorf("transaction status %q is invalid", record.Status)
	}
	if record.CurrentStep < 0 {
		return saga.Transaction{}, fmt.Errorf("current step must be non-negative")
	}
	if record.Attempt < 0 {
		return saga.Transaction{}, fmt.Errorf("attempt must be non-negative")
	}
	if record.DefinitionVersion < 1 {
		record.DefinitionVersion = 1
	}
	if record.KeyEpoch < 1 {
		record.KeyEpoch = 1
	}
	if record.Version < 1 {
		record.Version = 1
	}
	if len(record.SubjectContext) == 0 {
		record.SubjectContext = []byte("{}")
	}
	if record.CreatedAt.IsZero() {
		return saga.Transaction{}, fmt.Errorf("created_at is required")
	}
	if record.UpdatedAt.IsZero() {
		return saga.Transaction{}, fmt.Errorf("updated_at is required")
	}
	if record.NextAttemptAt.IsZero() {
		return saga.Transaction{}, fmt.Errorf("next_attempt_at is required")
	}
	if record.DeadlineAt.IsZero() {
		return saga.Transaction{}, fmt.Errorf("deadline_at is required")
	}
	record.CreatedAt = record.CreatedAt.UTC()
	record.UpdatedAt = record.UpdatedAt.UTC()
	record.NextAttemptAt = record.NextAttemptAt.UTC()
	record.DeadlineAt = record.DeadlineAt.UTC()
	if !record.LeaseExpiresAt.IsZero() {
		record.LeaseExpiresAt = record.LeaseExpiresAt.UTC()
	}
	if record.CompletedAt != nil {
		completedAt := record.CompletedAt.UTC()
		record.CompletedAt = &completedAt
	}
	return record, nil
}

func normalizeStepExecution(record saga.StepExecution) (saga.StepExecution, error) {
	record.ID = strings.TrimSpace(record.ID)
	record.TransactionID = strings.TrimSpace(record.TransactionID)
	record.StepName = strings.TrimSpace(record.StepName)
	record.ErrorCode = strings.TrimSpace(record.ErrorCode)
	record.ErrorDetail = strings.TrimSpace(record.ErrorDetail)
	if record.ID == "" {
		return saga.StepExecution{}, fmt.Errorf("execution id is required")
	}
	if record.TransactionID == "" {
		return saga.StepExecution{}, fmt.Errorf("transaction id is required")
	}
	if record.StepName == "" {
		return saga.StepExecution{}, fmt.Errorf("step name is required")
	}
	if record.StepIndex < 0 {
		return saga.StepExecution{}, fmt.Errorf("step index must be non-negative")
	}
	if !record.Phase.IsValid() {
		return saga.StepExecution{}, fmt.Errorf("step phase %q is invalid", record.Phase)
	}
	if record.Attempt < 1 {
		return saga.StepExecution{}, fmt.Errorf("attempt must be at least one")
	}
	if record.KeyEpoch < 1 {
		record.KeyEpoch = 1
	}
	if !record.Status.IsValid() {
		return saga.StepExecution{}, fmt.Errorf("step status %q is invalid", record.Status)
	}
	if record.StartedAt.IsZero() {
		return saga.StepExecution{}, fmt.Errorf("started_at is required")
	}
	if record.ExpiresAt.IsZero() {
		return saga.StepExecution{}, fmt.Errorf("expires_at is required")
	}
	record.StartedAt = record.StartedAt.UTC()
	record.ExpiresAt = record.ExpiresAt.UTC()
	if record.FinishedAt != nil {
		finishedAt := record.FinishedAt.UTC()
		record.FinishedAt = &finishedAt
	}
	return record, nil
}

func normalizeEvent(record saga.Event) (saga.Event, error) {
	record.TransactionID = strings.TrimSpace(record.TransactionID)
	record.StepName = strings.TrimSpace(record.StepName)
	record.Message = strings.TrimSpace(record.Message)
	if record.TransactionID == "" {
		return saga.Event{}, fmt.Errorf("transaction id is required")
	}
	if !record.Type.IsValid() {
		return saga.Event{}, fmt.Errorf("event type %q is invalid", record.Type)
	}
	if record.CreatedAt.IsZero() {
		return saga.Event{}, fmt.Errorf("created_at is required")
	}
	record.CreatedAt = record.CreatedAt.UTC()
	return record, nil
}

func normalizeEvents(events []saga.Event) ([]saga.Event, error) {
	normalized := make([]saga.Event, 0, len(events))
	for _, event := range events {
		normalizedEvent, err := normalizeEvent(event)
		if err != nil {
			return nil, err
		}
		normalized = append(normalized, normalizedEvent)
	}
	return normalized, nil
}

func scanTransaction(scan scanner) (saga.Transaction, error) {
	var record saga.Transaction
	var subjectContext string
	var cancelRequested int
	var leaseExpiresAt int64
	var nextAttemptAt int64
	var deadlineAt int64
	var createdAt int64
	var updatedAt int64
	var completedAt sql.NullInt64
	if err := scan(
		&record.ID,
		&record.Definition,
		&record.DefinitionVersion,
		&subjectContext,
		&record.Status,
		&record.CurrentStep,
		&record.Attempt,
		&record.KeyEpoch,
		&record.FailureReason,
		&cancelRequested,
		&record.CancelReason,
		&record.Version,
		&record.LeaseOwner,
		&leaseExpiresAt,
		&nextAttemptAt,
		&deadlineAt,
		&createdAt,
		&updatedAt,
		&completedAt,
	); err != nil {
		return saga.Transaction{}, err
	}
	record.SubjectContext = []byte(subjectContext)
	record.CancelRequested = cancelRequested != 0
	record.LeaseExpiresAt = fromMillisOrZero(leaseExpiresAt)
	record.NextAttemptAt = fromMillis(nextAttemptAt)
	record.DeadlineAt = fromMillis(deadlineAt)
	record.CreatedAt = fromMillis(createdAt)
	record.UpdatedAt = fromMillis(updatedAt)
	if completedAt.Valid {
		value := fromMillis(completedAt.Int64)
		record.CompletedAt = &value
	}
	return record, nil
}

func collectTransactionPage(rows *sql.Rows, pageSize int) (storage.Page, error) {
	page := storage.Page{
		Transactions: make([]saga.Transaction, 0, pageSize),
	}
	for rows.Next() {
		record, err := scanTransaction(rows.Scan)
		if err != nil {
			return storage.Page{}, fmt.Errorf("scan transaction row: %w", err)
		}
		page.Transactions = append(page.Transactions, record)
	}
	if err := rows.Err(); err != nil {
		return storage.Page{}, fmt.Errorf("iterate transaction rows: %w", err)
	}
	if len(page.Transactions) > pageSize {
		page.NextPageToken = page.Transactions[pageSize-1].ID
		page.Transactions = page.Transactions[:pageSize]
	}
	return page, nil
}

func scanStepExecution(scan scanner) (saga.StepExecution, error) {
	var record saga.StepExecution
	var resultPayload sql.NullString
	var startedAt int64
	var finishedAt sql.NullInt64
	var expiresAt int64
	if err := scan(
		&record.ID,
		&record.TransactionID,
		&record.StepName,
		&record.StepIndex,
		&record.Phase,
		&record.Attempt,
		&record.KeyEpoch,
		&record.Status,
		&resultPayload,
		&record.ErrorCode,
		&record.ErrorDetail,
		&startedAt,
		&finishedAt,
		&expiresAt,
	); err != nil {
		return saga.StepExecution{}, err
	}
	if resultPayload.Valid {
		record.ResultPayload = []byte(resultPayload.String)
	}
	record.StartedAt = fromMillis(startedAt)
	record.ExpiresAt = fromMillis(expiresAt)
	if finishedAt.Valid {
		value := fromMillis(finishedAt.Int64)
		record.FinishedAt = &value
	}
	return record, nil
}

func scanEvent(scan scanner) (saga.Event, error) {
	var record saga.Event
	var payload sql.NullString
	var createdAt int64
	if err := scan(
		&record.TransactionID,
		&record.Seq,
		&record.Type,
		&record.StepName,
		&record.Message,
		&payload,
		&createdAt,
	); err != nil {
		return saga.Event{}, err
	}
	if payload.Valid {
		record.Payload = []byte(payload.String)
	}
	record.CreatedAt = fromMillis(createdAt)
	return record, nil
}

func nullableMillis(value *time.Time) sql.NullInt64 {
	if value == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: toMillis(*value), Valid: true}
}

func boolToInt(value bool) int {
	if value {
		return 1
	}
	return 0
}

func isUniqueConstraintError(err error) bool {
	if err == nil {
		return false
	}
	value := strings.ToLower(err.Error())
	return strings.Contains(value, "unique constraint failed")
}
