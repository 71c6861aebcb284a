package fault

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestError_Message(t *testing.T) {
	err := Conflict(ReasonVersionMismatch, "version.update", "expected version 3")
	assert.Equal(t, "version.update: CONFLICT (version_mismatch): expected version 3", err.Error())

	wrapped := Wrap(KindTransient, "store.exec", "database busy", errors.New("locked"))
	assert.Equal(t, "store.exec: TRANSIENT: database busy: locked", wrapped.Error())
}

func TestError_IsMatchesKindAndReason(t *testing.T) {
	err := fmt.Errorf("outer: %w", Conflict(ReasonKeyConflict, "idempotency.begin", "held"))

	assert.True(t, errors.Is(err, &Error{Kind: KindConflict}))
	assert.True(t, errors.Is(err, &Error{Kind: KindConflict, Reason: ReasonKeyConflict}))
	assert.False(t, errors.Is(err, &Error{Kind: KindConflict, Reason: ReasonClaimLost}))
	assert.False(t, errors.Is(err, &Error{Kind: KindNotFound}))
}

func TestHelpers(t *testing.T) {
	tests := []struct {
		name  string
		err   error
		check func(error) bool
		want  bool
	}{
		{"conflict", Conflict(ReasonClaimLost, "op", "m"), IsConflict, true},
		{"not found", NotFound("op", "entry", "e1"), IsNotFound, true},
		{"transient", New(KindTransient, "op", "m"), IsTransient, true},
		{"terminal", New(KindAlreadyTerminal, "op", "m"), IsAlreadyTerminal, true},
		{"transition", New(KindInvalidTransition, "op", "m"), IsInvalidTransition, true},
		{"plain error", errors.New("boom"), IsConflict, false},
		{"nil", nil, IsNotFound, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.check(tt.err))
		})
	}
}

func TestWith_DoesNotMutateOriginal(t *testing.T) {
	base := NotFound("op", "entity", "doc-1")
	extended := base.With("kind", "document")

	assert.Equal(t, "document", extended.Details["kind"])
	_, ok := base.Details["kind"]
	assert.False(t, ok)
	assert.Equal(t, ReasonOf(extended), Reason(""))
}
