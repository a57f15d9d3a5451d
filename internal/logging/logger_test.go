package logging

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLogger(t *testing.T, format string) (*LogrusLogger, *bytes.Buffer) {
	t.Helper()
	var buf bytes.Buffer
	return New(&buf, "debug", format), &buf
}

func TestLogrusLogger_Levels(t *testing.T) {
	log, buf := newTestLogger(t, "text")
	ctx := context.Background()

	log.Debug(ctx, "dbg", "a", 1)
	log.Info(ctx, "inf", "b", 2)
	log.Warn(ctx, "wrn", "c", 3)
	log.Error(ctx, "err", "d", 4)

	out := buf.String()
	tests := []struct {
		level string
		msg   string
		kv    string
	}{
		{"debug", "dbg", "a=1"},
		{"info", "inf", "b=2"},
		{"warning", "wrn", "c=3"},
		{"error", "err", "d=4"},
	}
	for _, tc := range tests {
		assert.Contains(t, out, "level="+tc.level)
		assert.Contains(t, out, "msg="+tc.msg)
		assert.Contains(t, out, tc.kv)
	}
}

func TestLogrusLogger_LevelFilter(t *testing.T) {
	var buf bytes.Buffer
	log := New(&buf, "warn", "text")
	log.Info(context.Background(), "hidden")
	log.Warn(context.Background(), "shown")

	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), "shown")
}

func TestLogrusLogger_WithAndRequestID(t *testing.T) {
	log, buf := newTestLogger(t, "json")
	ctx := WithRequestID(context.Background(), "req-123")

	log.With("user", "alice").Info(ctx, "hello", "err", errors.New("boom"))

	out := buf.String()
	assert.Contains(t, out, `"user":"alice"`)
	assert.Contains(t, out, `"req_id":"req-123"`)
	assert.Contains(t, out, `"err":"boom"`)
}

func TestToFields_OddArgs(t *testing.T) {
	f := toFields([]any{"k", "v", "dangling"})
	require.Equal(t, "v", f["k"])
	require.Equal(t, "dangling", f["!BADKEY"])
}

func TestNop_DoesNotPanic(t *testing.T) {
	log := Nop()
	log.Error(context.TODO(), "quiet")
	log.With("a", 1).Info(context.TODO(), "quiet")
}
