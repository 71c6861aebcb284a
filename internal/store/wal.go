package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/roach88/durable/internal/fault"
	"github.com/roach88/durable/internal/payload"
	"github.com/roach88/durable/internal/wal"
)

var _ wal.Store = (*Store)(nil)

const walColumns = `id, operation_type, operation_data, status, retry_count, max_retries,
	created_at, updated_at, completed_at, lease_expires_at, error, result,
	idempotency_key, correlation_id`

// InsertEntry persists a new WAL entry.
func (s *Store) InsertEntry(ctx context.Context, e wal.Entry) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO wal_entries (`+walColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		e.ID,
		e.OperationType,
		string(e.Payload.Data),
		string(e.Status),
		e.RetryCount,
		e.MaxRetries,
		toNanos(e.CreatedAt),
		toNanos(e.UpdatedAt),
		nullNanos(e.CompletedAt),
		nullNanos(e.LeaseExpiresAt),
		e.Error,
		nullText(e.Result),
		e.IdempotencyKey,
		e.CorrelationID,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fault.Conflict(fault.ReasonAlreadyExists, "store.insert_entry",
				fmt.Sprintf("wal entry %q already exists", e.ID))
		}
		return classify("store.insert_entry", err)
	}
	return nil
}

// GetEntry loads one WAL entry.
func (s *Store) GetEntry(ctx context.Context, id string) (wal.Entry, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+walColumns+` FROM wal_entries WHERE id = ?`, id)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return wal.Entry{}, fault.NotFound("store.get_entry", "wal entry", id)
	}
	if err != nil {
		return wal.Entry{}, classify("store.get_entry", err)
	}
	return e, nil
}

// TransitionEntry applies t as a single conditional UPDATE.
func (s *Store) TransitionEntry(ctx context.Context, t wal.Transition) (bool, error) {
	set := []string{"status = ?", "updated_at = ?", "lease_expires_at = ?"}
	args := []any{string(t.To), toNanos(t.Now), nullNanos(t.LeaseUntil)}

	if t.IncrementRetry || t.CountAttempt {
		set = append(set, "retry_count = retry_count + 1")
	}
	if t.Complete {
		set = append(set, "completed_at = ?")
		args = append(args, toNanos(t.Now))
	}
	if t.Result != nil {
		set = append(set, "result = ?")
		args = append(args, string(t.Result))
	}
	if t.Error != "" {
		set = append(set, "error = ?")
		args = append(args, t.Error)
	}

	where := []string{"id = ?", "status = ?"}
	args = append(args, t.ID, string(t.From))
	if t.RequireLeaseExpired {
		where = append(where, "(lease_expires_at IS NULL OR lease_expires_at <= ?)")
		args = append(args, toNanos(t.Now))
	}
	if t.RequireLeaseLive {
		where = append(where, "lease_expires_at > ?")
		args = append(args, toNanos(t.Now))
	}
	if t.IncrementRetry {
		where = append(where, "retry_count < max_retries")
	}

	query := "UPDATE wal_entries SET " + strings.Join(set, ", ") +
		" WHERE " + strings.Join(where, " AND ")
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, classify("store.transition_entry", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, classify("store.transition_entry", err)
	}
	return n == 1, nil
}

// FailExhausted fails in_progress entries that can no longer be reclaimed:
// their lease expired and retry_count reached max_retries.
func (s *Store) FailExhausted(ctx context.Context, now time.Time, errMsg string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE wal_entries
		SET status = 'failed', error = ?, updated_at = ?, completed_at = ?, lease_expires_at = NULL
		WHERE status = 'in_progress'
		  AND retry_count >= max_retries
		  AND (lease_expires_at IS NULL OR lease_expires_at <= ?)
	`, errMsg, toNanos(now), toNanos(now), toNanos(now))
	if err != nil {
		return 0, classify("store.fail_exhausted", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, classify("store.fail_exhausted", err)
	}
	return n, nil
}

// ListReplayable returns pending or in_progress entries with retries left,
// created after createdAfter.
// Ordered by created_at ASC, id ASC for a stable FIFO hint.
func (s *Store) ListReplayable(ctx context.Context, createdAfter time.Time, limit int) ([]wal.Entry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+walColumns+`
		FROM wal_entries
		WHERE status IN ('pending', 'in_progress')
		  AND created_at > ?
		  AND retry_count < max_retries
		ORDER BY created_at ASC, id COLLATE BINARY ASC
		LIMIT ?
	`, toNanos(createdAfter), limit)
	if err != nil {
		return nil, classify("store.list_replayable", err)
	}
	return collectEntries(rows, "store.list_replayable")
}

// ListByCorrelation returns every entry sharing correlationID, oldest first.
func (s *Store) ListByCorrelation(ctx context.Context, correlationID string) ([]wal.Entry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+walColumns+`
		FROM wal_entries
		WHERE correlation_id = ?
		ORDER BY created_at ASC, id COLLATE BINARY ASC
	`, correlationID)
	if err != nil {
		return nil, classify("store.list_by_correlation", err)
	}
	return collectEntries(rows, "store.list_by_correlation")
}

// ListEntries returns the newest entries, optionally filtered by status.
// Used by the CLI.
func (s *Store) ListEntries(ctx context.Context, status wal.Status, limit int) ([]wal.Entry, error) {
	query := `SELECT ` + walColumns + ` FROM wal_entries`
	var args []any
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY created_at DESC, id COLLATE BINARY DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classify("store.list_entries", err)
	}
	return collectEntries(rows, "store.list_entries")
}

// DeleteEntries removes entries in statuses created before cutoff.
func (s *Store) DeleteEntries(ctx context.Context, statuses []wal.Status, createdBefore time.Time) (int64, error) {
	if len(statuses) == 0 {
		return 0, nil
	}
	args := make([]any, 0, len(statuses)+1)
	for _, st := range statuses {
		args = append(args, string(st))
	}
	args = append(args, toNanos(createdBefore))

	res, err := s.db.ExecContext(ctx, `
		DELETE FROM wal_entries
		WHERE status IN (`+placeholders(len(statuses))+`)
		  AND created_at < ?
	`, args...)
	if err != nil {
		return 0, classify("store.delete_entries", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, classify("store.delete_entries", err)
	}
	return n, nil
}

func scanEntry(r rowScanner) (wal.Entry, error) {
	var (
		e                wal.Entry
		data, status     string
		created, updated int64
		completed, lease sql.NullInt64
		result           sql.NullString
	)
	err := r.Scan(
		&e.ID,
		&e.OperationType,
		&data,
		&status,
		&e.RetryCount,
		&e.MaxRetries,
		&created,
		&updated,
		&completed,
		&lease,
		&e.Error,
		&result,
		&e.IdempotencyKey,
		&e.CorrelationID,
	)
	if err != nil {
		return wal.Entry{}, err
	}
	e.Payload = payload.Payload{Kind: e.OperationType, Data: []byte(data)}
	e.Status = wal.Status(status)
	e.CreatedAt = fromNanos(created)
	e.UpdatedAt = fromNanos(updated)
	e.CompletedAt = timePtr(completed)
	e.LeaseExpiresAt = timePtr(lease)
	e.Result = rawOrNil(result)
	return e, nil
}

func collectEntries(rows *sql.Rows, op string) ([]wal.Entry, error) {
	defer rows.Close()

	entries := make([]wal.Entry, 0)
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("%s: scan: %w", op, err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(op, err)
	}
	return entries, nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}
