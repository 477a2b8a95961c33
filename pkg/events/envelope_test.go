package events

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type captureLogger struct {
	msgs []string
	kvs  [][]any
}

func (c *captureLogger) Info(msg string, keyvals ...any) {
	c.msgs = append(c.msgs, msg)
	c.kvs = append(c.kvs, keyvals)
}

func TestMemoryEventSinkDeduplicates(t *testing.T) {
	s := NewMemoryEventSink()
	ctx := context.Background()

	require.NoError(t, s.Append(ctx, Envelope{Type: "row.generation_completed", IdempotencyKey: "row-1"}))
	require.NoError(t, s.Append(ctx, Envelope{Type: "row.generation_completed", IdempotencyKey: "row-1"}))
	require.NoError(t, s.Append(ctx, Envelope{Type: "other"}))

	assert.Len(t, s.Events("row.generation_completed"), 1)
	assert.Len(t, s.Events(""), 2)
}

func TestLogEventSink(t *testing.T) {
	l := &captureLogger{}
	s := NewLogEventSink(l)

	require.NoError(t, s.Append(context.Background(), Envelope{Type: "t", Payload: []byte(`{"a":1}`)}))
	require.Len(t, l.msgs, 1)
	assert.Contains(t, l.kvs[0], `{"a":1}`)
}

func TestNoOpEventSink(t *testing.T) {
	assert.NoError(t, NewNoOpEventSink().Append(context.Background(), Envelope{}))
}
