package errors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCode(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want string
	}{
		{"nil", nil, CodeUnknown},
		{"plain", errors.New("boom"), CodeUnknown},
		{"validation", NewValidationError("bad level", nil), CodeValidation},
		{"wrapped validation", fmt.Errorf("handler: %w", NewValidationError("bad", nil)), CodeValidation},
		{"conflict constructor", NewConflictError("ledger", nil), CodeConflict},
		{"bare conflict sentinel", fmt.Errorf("update: %w", ErrConcurrencyConflict), CodeConflict},
		{"integrity sentinel", fmt.Errorf("tiers: %w", ErrDataIntegrity), CodeIntegrity},
		{"not found", NewNotFoundError("rank"), CodeNotFound},
		{"database", NewDatabaseError("query", errors.New("disk")), CodeDatabase},
		{"unauthorized", NewUnauthorizedError("nope"), CodeUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, Code(tt.err))
		})
	}
}

func TestSentinelsSurviveWrapping(t *testing.T) {
	t.Parallel()

	assert.ErrorIs(t, NewConflictError("ledger", nil), ErrConcurrencyConflict)
	assert.ErrorIs(t, NewIntegrityError("tiers", nil), ErrDataIntegrity)

	cause := errors.New("driver failure")
	err := NewDatabaseError("insert member", cause)
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, "insert member: driver failure", err.Error())
	assert.True(t, IsValidation(NewValidationError("x", nil)))
}
