package logging

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSanitize_RedactsSecrets(t *testing.T) {
	out := sanitize([]any{"webhook_secret", "whsec_123", "student_id", 11, "Authorization", "Bearer x"})

	require.Len(t, out, 6)
	assert.Equal(t, "[REDACTED]", out[1])
	assert.Equal(t, 11, out[3])
	assert.Equal(t, "[REDACTED]", out[5])
}

func TestSanitize_OddLengthKeepsTrailingKey(t *testing.T) {
	out := sanitize([]any{"course_id", 5, "dangling"})
	assert.Equal(t, []any{"course_id", 5, "dangling"}, out)
}

func TestNew_Modes(t *testing.T) {
	for _, mode := range []string{"dev", "prod"} {
		l, err := New(mode)
		require.NoError(t, err, mode)
		l.With("component", "test").Debug("hello", "k", "v")
	}
	Nop().Info("discarded")
}
