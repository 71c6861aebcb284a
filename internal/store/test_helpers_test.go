package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/roach88/durable/internal/payload"
	"github.com/roach88/durable/internal/wal"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// createTestStore opens a fresh database in a temp directory.
func createTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// createTestEntry creates a pending entry with minimal required fields.
func createTestEntry(id string, createdAt time.Time) wal.Entry {
	return wal.Entry{
		ID:            id,
		OperationType: "test.op",
		Payload:       payload.Payload{Kind: "test.op", Data: []byte(`{"n":1}`)},
		Status:        wal.StatusPending,
		MaxRetries:    3,
		CreatedAt:     createdAt,
		UpdatedAt:     createdAt,
	}
}
