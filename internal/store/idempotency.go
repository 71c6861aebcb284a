package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/roach88/durable/internal/fault"
	"github.com/roach88/durable/internal/idempotency"
)

var _ idempotency.Store = (*Store)(nil)

// GetRecord loads one idempotency record, expired or not.
func (s *Store) GetRecord(ctx context.Context, key string) (idempotency.Record, error) {
	var (
		rec     idempotency.Record
		status  string
		result  sql.NullString
		created int64
		expires sql.NullInt64
		retain  int64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT key, operation, status, result, error, request_hash, created_at, expires_at, retention
		FROM idempotency_records
		WHERE key = ?
	`, key).Scan(&rec.Key, &rec.Operation, &status, &result, &rec.Error, &rec.RequestHash, &created, &expires, &retain)
	if errors.Is(err, sql.ErrNoRows) {
		return idempotency.Record{}, fault.NotFound("store.get_record", "idempotency key", key)
	}
	if err != nil {
		return idempotency.Record{}, classify("store.get_record", err)
	}
	rec.Status = idempotency.Status(status)
	rec.Result = rawOrNil(result)
	rec.CreatedAt = fromNanos(created)
	rec.ExpiresAt = timePtr(expires)
	rec.Retention = time.Duration(retain)
	return rec, nil
}

// InsertRecord reserves rec.Key. Uses ON CONFLICT(key) DO NOTHING so a
// concurrent reservation loses cleanly with inserted=false.
func (s *Store) InsertRecord(ctx context.Context, rec idempotency.Record) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO idempotency_records
		(key, operation, status, result, error, request_hash, created_at, expires_at, retention)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(key) DO NOTHING
	`,
		rec.Key,
		rec.Operation,
		string(rec.Status),
		nullText(rec.Result),
		rec.Error,
		rec.RequestHash,
		toNanos(rec.CreatedAt),
		nullNanos(rec.ExpiresAt),
		int64(rec.Retention),
	)
	return affectedOne(res, err, "store.insert_record")
}

// ReplaceRecord takes over a key whose record failed or expired at now.
func (s *Store) ReplaceRecord(ctx context.Context, rec idempotency.Record, now time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE idempotency_records
		SET operation = ?, status = ?, result = ?, error = ?, request_hash = ?,
		    created_at = ?, expires_at = ?, retention = ?
		WHERE key = ?
		  AND (status = 'failed' OR (expires_at IS NOT NULL AND expires_at <= ?))
	`,
		rec.Operation,
		string(rec.Status),
		nullText(rec.Result),
		rec.Error,
		rec.RequestHash,
		toNanos(rec.CreatedAt),
		nullNanos(rec.ExpiresAt),
		int64(rec.Retention),
		rec.Key,
		toNanos(now),
	)
	return affectedOne(res, err, "store.replace_record")
}

// FinishRecord moves an in_progress record to a terminal status. A
// completed record expires its own retention after f.At; a failed one at
// f.ExpiresAt.
func (s *Store) FinishRecord(ctx context.Context, key string, f idempotency.Finish) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE idempotency_records
		SET status = ?, result = ?, error = ?,
		    expires_at = CASE
		        WHEN ? = 'failed' THEN ?
		        WHEN retention > 0 THEN ? + retention
		        ELSE NULL
		    END
		WHERE key = ? AND status = 'in_progress'
	`,
		string(f.Status),
		nullText(f.Result),
		f.Error,
		string(f.Status),
		nullNanos(f.ExpiresAt),
		toNanos(f.At),
		key,
	)
	return affectedOne(res, err, "store.finish_record")
}

// DeleteExpiredRecords removes every record whose expiry passed at now.
func (s *Store) DeleteExpiredRecords(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM idempotency_records
		WHERE expires_at IS NOT NULL AND expires_at <= ?
	`, toNanos(now))
	if err != nil {
		return 0, classify("store.delete_expired_records", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, classify("store.delete_expired_records", err)
	}
	return n, nil
}

// affectedOne reports whether a conditional write changed exactly one row.
func affectedOne(res sql.Result, err error, op string) (bool, error) {
	if err != nil {
		return false, classify(op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, classify(op, err)
	}
	return n == 1, nil
}
