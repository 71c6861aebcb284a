package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/roach88/durable/internal/fault"
	"github.com/roach88/durable/internal/version"
)

var _ version.Store = (*Store)(nil)

// InsertEntity stores a new versioned entity; false when the ID is taken.
func (s *Store) InsertEntity(ctx context.Context, e version.Entity) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO versioned_entities (id, kind, state, version, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`, e.ID, e.Kind, string(e.State), e.Version, toNanos(e.CreatedAt), toNanos(e.UpdatedAt))
	return affectedOne(res, err, "store.insert_entity")
}

// GetEntity loads one versioned entity.
func (s *Store) GetEntity(ctx context.Context, id string) (version.Entity, error) {
	var (
		e                version.Entity
		state            string
		created, updated int64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, kind, state, version, created_at, updated_at
		FROM versioned_entities
		WHERE id = ?
	`, id).Scan(&e.ID, &e.Kind, &state, &e.Version, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return version.Entity{}, fault.NotFound("store.get_entity", "entity", id)
	}
	if err != nil {
		return version.Entity{}, classify("store.get_entity", err)
	}
	e.State = json.RawMessage(state)
	e.CreatedAt = fromNanos(created)
	e.UpdatedAt = fromNanos(updated)
	return e, nil
}

// CompareAndSwapEntity writes state at version expected+1 only if the
// stored version is still expected.
func (s *Store) CompareAndSwapEntity(ctx context.Context, id string, expected int64, state json.RawMessage, now time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE versioned_entities
		SET state = ?, version = version + 1, updated_at = ?
		WHERE id = ? AND version = ?
	`, string(state), toNanos(now), id, expected)
	return affectedOne(res, err, "store.cas_entity")
}

// DeleteEntityIfVersion removes the entity only at the expected version.
func (s *Store) DeleteEntityIfVersion(ctx context.Context, id string, expected int64) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM versioned_entities WHERE id = ? AND version = ?
	`, id, expected)
	return affectedOne(res, err, "store.delete_entity")
}
