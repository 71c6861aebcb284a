package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/roach88/durable/internal/fault"
	"github.com/roach88/durable/internal/payload"
	"github.com/roach88/durable/internal/saga"
)

var _ saga.Store = (*Store)(nil)

const sagaColumns = `id, name, correlation_id, status, steps, context, compensation_plan,
	compensation_errors, error, created_at, updated_at, completed_at, revision`

// sagaDocs holds the JSON-encoded composite columns of a saga row.
type sagaDocs struct {
	steps, context, plan, errs string
}

func encodeSaga(e saga.Execution) (sagaDocs, error) {
	var (
		d   sagaDocs
		err error
	)
	steps := e.Steps
	if steps == nil {
		steps = []saga.StepRecord{}
	}
	if d.steps, err = canonicalText(steps); err != nil {
		return d, fmt.Errorf("encode steps: %w", err)
	}
	sctx := e.Context
	if sctx == nil {
		sctx = map[string]json.RawMessage{}
	}
	if d.context, err = canonicalText(sctx); err != nil {
		return d, fmt.Errorf("encode context: %w", err)
	}
	if d.plan, err = canonicalText(nonNil(e.CompensationPlan)); err != nil {
		return d, fmt.Errorf("encode compensation plan: %w", err)
	}
	if d.errs, err = canonicalText(nonNil(e.CompensationErrors)); err != nil {
		return d, fmt.Errorf("encode compensation errors: %w", err)
	}
	return d, nil
}

// InsertSaga stores a new saga execution with its embedded step list.
func (s *Store) InsertSaga(ctx context.Context, e saga.Execution) error {
	d, err := encodeSaga(e)
	if err != nil {
		return fmt.Errorf("store.insert_saga: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO saga_executions (`+sagaColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		e.ID,
		e.Name,
		e.CorrelationID,
		string(e.Status),
		d.steps,
		d.context,
		d.plan,
		d.errs,
		e.Error,
		toNanos(e.CreatedAt),
		toNanos(e.UpdatedAt),
		nullNanos(e.CompletedAt),
		e.Revision,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fault.Conflict(fault.ReasonAlreadyExists, "store.insert_saga",
				fmt.Sprintf("saga %q already exists", e.ID))
		}
		return classify("store.insert_saga", err)
	}
	return nil
}

// GetSaga loads one saga execution.
func (s *Store) GetSaga(ctx context.Context, id string) (saga.Execution, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sagaColumns+` FROM saga_executions WHERE id = ?`, id)
	e, err := scanSaga(row)
	if errors.Is(err, sql.ErrNoRows) {
		return saga.Execution{}, fault.NotFound("store.get_saga", "saga", id)
	}
	if err != nil {
		return saga.Execution{}, classify("store.get_saga", err)
	}
	return e, nil
}

// SwapSaga replaces the whole saga row only while its revision is expected.
func (s *Store) SwapSaga(ctx context.Context, e saga.Execution, expected int64) (bool, error) {
	d, err := encodeSaga(e)
	if err != nil {
		return false, fmt.Errorf("store.swap_saga: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE saga_executions
		SET status = ?, steps = ?, context = ?, compensation_plan = ?,
		    compensation_errors = ?, error = ?, updated_at = ?, completed_at = ?,
		    revision = ?
		WHERE id = ? AND revision = ?
	`,
		string(e.Status),
		d.steps,
		d.context,
		d.plan,
		d.errs,
		e.Error,
		toNanos(e.UpdatedAt),
		nullNanos(e.CompletedAt),
		e.Revision,
		e.ID,
		expected,
	)
	return affectedOne(res, err, "store.swap_saga")
}

// ListSagas returns sagas in any of statuses, oldest first.
func (s *Store) ListSagas(ctx context.Context, statuses []saga.Status, limit int) ([]saga.Execution, error) {
	query := `SELECT ` + sagaColumns + ` FROM saga_executions`
	args := make([]any, 0, len(statuses)+1)
	if len(statuses) > 0 {
		query += ` WHERE status IN (` + placeholders(len(statuses)) + `)`
		for _, st := range statuses {
			args = append(args, string(st))
		}
	}
	query += ` ORDER BY created_at ASC, id COLLATE BINARY ASC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classify("store.list_sagas", err)
	}
	return collectSagas(rows, "store.list_sagas")
}

// ListSagasByCorrelation returns every saga sharing correlationID, oldest
// first.
func (s *Store) ListSagasByCorrelation(ctx context.Context, correlationID string) ([]saga.Execution, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+sagaColumns+`
		FROM saga_executions
		WHERE correlation_id = ?
		ORDER BY created_at ASC, id COLLATE BINARY ASC
	`, correlationID)
	if err != nil {
		return nil, classify("store.list_sagas_by_correlation", err)
	}
	return collectSagas(rows, "store.list_sagas_by_correlation")
}

func collectSagas(rows *sql.Rows, op string) ([]saga.Execution, error) {
	defer rows.Close()

	out := make([]saga.Execution, 0)
	for rows.Next() {
		e, err := scanSaga(rows)
		if err != nil {
			return nil, fmt.Errorf("%s: scan: %w", op, err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(op, err)
	}
	return out, nil
}

func scanSaga(r rowScanner) (saga.Execution, error) {
	var (
		e                saga.Execution
		status           string
		d                sagaDocs
		created, updated int64
		completed        sql.NullInt64
	)
	err := r.Scan(
		&e.ID,
		&e.Name,
		&e.CorrelationID,
		&status,
		&d.steps,
		&d.context,
		&d.plan,
		&d.errs,
		&e.Error,
		&created,
		&updated,
		&completed,
		&e.Revision,
	)
	if err != nil {
		return saga.Execution{}, err
	}
	e.Status = saga.Status(status)
	e.CreatedAt = fromNanos(created)
	e.UpdatedAt = fromNanos(updated)
	e.CompletedAt = timePtr(completed)

	if err := json.Unmarshal([]byte(d.steps), &e.Steps); err != nil {
		return saga.Execution{}, fmt.Errorf("decode steps: %w", err)
	}
	if err := json.Unmarshal([]byte(d.context), &e.Context); err != nil {
		return saga.Execution{}, fmt.Errorf("decode context: %w", err)
	}
	if err := json.Unmarshal([]byte(d.plan), &e.CompensationPlan); err != nil {
		return saga.Execution{}, fmt.Errorf("decode compensation plan: %w", err)
	}
	if err := json.Unmarshal([]byte(d.errs), &e.CompensationErrors); err != nil {
		return saga.Execution{}, fmt.Errorf("decode compensation errors: %w", err)
	}
	if e.Context == nil {
		e.Context = map[string]json.RawMessage{}
	}
	return e, nil
}

func canonicalText(v any) (string, error) {
	data, err := payload.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
