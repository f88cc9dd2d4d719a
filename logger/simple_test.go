package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSimpleLogger_LevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, LevelWarn, FormatText)

	l.Debug("should not appear", nil)
	l.Info("also should not appear", nil)
	l.Warn("this appears", nil)

	out := buf.String()
	require.NotContains(t, out, "should not appear")
	require.Contains(t, out, "this appears")
}

func TestSimpleLogger_JSONFields(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, LevelDebug, FormatJSON)

	l.Info("hello", map[string]interface{}{"resource_id": "r1"})

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	require.Equal(t, "hello", entry["msg"])
	require.Equal(t, "r1", entry["resource_id"])
	require.Equal(t, "info", entry["level"])
}

func TestSimpleLogger_With(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, LevelDebug, FormatText)
	child := l.With(map[string]interface{}{"component": "state"})

	child.Info("msg", map[string]interface{}{"extra": 1})

	out := buf.String()
	require.True(t, strings.Contains(out, "component=state"))
	require.True(t, strings.Contains(out, "extra=1"))
}

func TestSimpleLogger_Context(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, LevelDebug, FormatJSON)

	ctx := context.WithValue(context.Background(), TraceIDKey, "trace-123")
	l.InfoContext(ctx, "with trace", nil)

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	require.Equal(t, "trace-123", entry["trace_id"])
}
