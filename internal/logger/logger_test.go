package logger

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLogger(t *testing.T) {
	t.Run("json at debug", func(t *testing.T) {
		log, err := NewLogger("debug", true)
		require.NoError(t, err)
		assert.True(t, log.Core().Enabled(-1))
	})

	t.Run("unknown level falls back to info", func(t *testing.T) {
		log, err := NewLogger("chatty", false)
		require.NoError(t, err)
		assert.False(t, log.Core().Enabled(-1))
		assert.True(t, log.Core().Enabled(0))
	})
}

func TestNormalizeArgs(t *testing.T) {
	t.Parallel()

	got := normalizeArgs([]any{"job", "sql_maintenance", 7, "x", "error", errors.New("boom"), "dangling"})
	assert.Equal(t, []any{"job", "sql_maintenance", "7", "x", "error", "boom", "extra", "dangling"}, got)
}
