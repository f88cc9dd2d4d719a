// Package logger provides a small structured logging implementation of
// coreiface.Logger. It writes either JSON or "key=value" text lines to an
// io.Writer supplied by the caller.
package logger

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/forestryhq/pipeline-core/coreiface"
)

// Level is the minimum severity a SimpleLogger will emit.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "debug"
	case LevelInfo:
		return "info"
	case LevelWarn:
		return "warn"
	case LevelError:
		return "error"
	default:
		return "info"
	}
}

// Format selects the on-wire encoding.
type Format int

const (
	FormatText Format = iota
	FormatJSON
)

// SimpleLogger is a production-usable, dependency-free Logger. It is
// safe for concurrent use.
type SimpleLogger struct {
	mu     sync.Mutex
	out    io.Writer
	level  Level
	format Format
	fields map[string]interface{}
}

var _ coreiface.Logger = (*SimpleLogger)(nil)

// New creates a SimpleLogger writing to w at the given level/format.
func New(w io.Writer, level Level, format Format) *SimpleLogger {
	return &SimpleLogger{out: w, level: level, format: format}
}

// NewStderr is a convenience constructor matching the most common case.
func NewStderr(level Level, format Format) *SimpleLogger {
	return New(os.Stderr, level, format)
}

func (l *SimpleLogger) With(fields map[string]interface{}) coreiface.Logger {
	merged := make(map[string]interface{}, len(l.fields)+len(fields))
	for k, v := range l.fields {
		merged[k] = v
	}
	for k, v := range fields {
		merged[k] = v
	}
	return &SimpleLogger{out: l.out, level: l.level, format: l.format, fields: merged}
}

func (l *SimpleLogger) log(level Level, msg string, fields map[string]interface{}) {
	if level < l.level {
		return
	}

	merged := make(map[string]interface{}, len(l.fields)+len(fields))
	for k, v := range l.fields {
		merged[k] = v
	}
	for k, v := range fields {
		merged[k] = v
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	switch l.format {
	case FormatJSON:
		l.writeJSON(level, msg, merged)
	default:
		l.writeText(level, msg, merged)
	}
}

func (l *SimpleLogger) writeJSON(level Level, msg string, fields map[string]interface{}) {
	entry := make(map[string]interface{}, len(fields)+3)
	for k, v := range fields {
		entry[k] = v
	}
	entry["level"] = level.String()
	entry["msg"] = msg
	entry["time"] = time.Now().UTC().Format(time.RFC3339Nano)

	enc := json.NewEncoder(l.out)
	if err := enc.Encode(entry); err != nil {
		fmt.Fprintf(l.out, "logger: encode failed: %v\n", err)
	}
}

func (l *SimpleLogger) writeText(level Level, msg string, fields map[string]interface{}) {
	var b strings.Builder
	b.WriteString(time.Now().UTC().Format(time.RFC3339Nano))
	b.WriteByte(' ')
	b.WriteString(strings.ToUpper(level.String()))
	b.WriteByte(' ')
	b.WriteString(msg)

	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, " %s=%v", k, fields[k])
	}
	b.WriteByte('\n')
	io.WriteString(l.out, b.String())
}

func (l *SimpleLogger) Info(msg string, fields map[string]interface{})  { l.log(LevelInfo, msg, fields) }
func (l *SimpleLogger) Warn(msg string, fields map[string]interface{})  { l.log(LevelWarn, msg, fields) }
func (l *SimpleLogger) Error(msg string, fields map[string]interface{}) { l.log(LevelError, msg, fields) }
func (l *SimpleLogger) Debug(msg string, fields map[string]interface{}) { l.log(LevelDebug, msg, fields) }

func withTraceID(ctx context.Context, fields map[string]interface{}) map[string]interface{} {
	if ctx == nil {
		return fields
	}
	if id := ctx.Value(traceIDKey{}); id != nil {
		out := make(map[string]interface{}, len(fields)+1)
		for k, v := range fields {
			out[k] = v
		}
		out["trace_id"] = id
		return out
	}
	return fields
}

func (l *SimpleLogger) InfoContext(ctx context.Context, msg string, fields map[string]interface{}) {
	l.log(LevelInfo, msg, withTraceID(ctx, fields))
}
func (l *SimpleLogger) WarnContext(ctx context.Context, msg string, fields map[string]interface{}) {
	l.log(LevelWarn, msg, withTraceID(ctx, fields))
}
func (l *SimpleLogger) ErrorContext(ctx context.Context, msg string, fields map[string]interface{}) {
	l.log(LevelError, msg, withTraceID(ctx, fields))
}
func (l *SimpleLogger) DebugContext(ctx context.Context, msg string, fields map[string]interface{}) {
	l.log(LevelDebug, msg, withTraceID(ctx, fields))
}

// traceIDKey is the context key this package looks for when enriching
// *Context log calls; callers that want correlation IDs in logs set it
// with context.WithValue(ctx, logger.TraceIDKey, id).
type traceIDKey struct{}

// TraceIDKey is the exported context key for traceIDKey, so callers
// outside this package can attach a trace id to a context.
var TraceIDKey = traceIDKey{}
