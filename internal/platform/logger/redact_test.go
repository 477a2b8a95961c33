package logger

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSanitizeKVs(t *testing.T) {
	tests := []struct {
		name string
		in   []any
		want []any
	}{
		{
			name: "plain values pass through",
			in:   []any{"eval_id", "abc", "rows", 3},
			want: []any{"eval_id", "abc", "rows", 3},
		},
		{
			name: "token keys are redacted",
			in:   []any{"provider_token", "r8_secret", "API_KEY", "k"},
			want: []any{"provider_token", redacted, "API_KEY", redacted},
		},
		{
			name: "odd trailing key kept",
			in:   []any{"model", "DreamSim", "dangling"},
			want: []any{"model", "DreamSim", "dangling"},
		},
		{
			name: "nested maps are sanitized",
			in:   []any{"input", map[string]any{"token": "x", "prompt": "cat"}},
			want: []any{"input", map[string]any{"token": redacted, "prompt": "cat"}},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, sanitizeKVs(tt.in))
		})
	}
}

func TestNopLoggerDoesNotPanic(t *testing.T) {
	l := NewNop().With("component", "test")
	l.Info("hello", "api_key", "secret")
	l.Debug("debug")
	l.Warn("warn")
	l.Error("error", "err", assert.AnError)
}
