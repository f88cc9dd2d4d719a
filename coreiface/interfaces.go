package coreiface

import "context"

// Logger is the minimal structured logging contract shared by every
// package in this module. Callers supply a concrete implementation
// (logger.SimpleLogger, or their own adapter around zap/logrus/slog);
// nothing in this module reads LOG_LEVEL or any other environment
// variable itself — configuration plumbing is left to the embedder.
type Logger interface {
	Info(msg string, fields map[string]interface{})
	Warn(msg string, fields map[string]interface{})
	Error(msg string, fields map[string]interface{})
	Debug(msg string, fields map[string]interface{})

	InfoContext(ctx context.Context, msg string, fields map[string]interface{})
	WarnContext(ctx context.Context, msg string, fields map[string]interface{})
	ErrorContext(ctx context.Context, msg string, fields map[string]interface{})
	DebugContext(ctx context.Context, msg string, fields map[string]interface{})

	// With returns a child logger that always includes fields.
	With(fields map[string]interface{}) Logger
}

// Telemetry is the optional metrics/tracing contract. A nil Telemetry
// is never passed around; callers use NoOpTelemetry instead so every
// call site can unconditionally record without nil checks.
type Telemetry interface {
	StartSpan(ctx context.Context, name string) (context.Context, Span)
	Counter(name string, value float64, labels map[string]string)
	Histogram(name string, value float64, labels map[string]string)
	Gauge(name string, value float64, labels map[string]string)
}

// Span represents one unit of traced work.
type Span interface {
	End()
	SetAttribute(key string, value interface{})
	RecordError(err error)
}

// NoOpLogger discards every call. Useful as a default when the embedder
// doesn't wire a Logger.
type NoOpLogger struct{}

func (NoOpLogger) Info(string, map[string]interface{})  {}
func (NoOpLogger) Warn(string, map[string]interface{})  {}
func (NoOpLogger) Error(string, map[string]interface{}) {}
func (NoOpLogger) Debug(string, map[string]interface{}) {}
func (NoOpLogger) InfoContext(context.Context, string, map[string]interface{})  {}
func (NoOpLogger) WarnContext(context.Context, string, map[string]interface{})  {}
func (NoOpLogger) ErrorContext(context.Context, string, map[string]interface{}) {}
func (NoOpLogger) DebugContext(context.Context, string, map[string]interface{}) {}
func (l NoOpLogger) With(map[string]interface{}) Logger { return l }

// NoOpTelemetry discards every call.
type NoOpTelemetry struct{}

func (NoOpTelemetry) StartSpan(ctx context.Context, name string) (context.Context, Span) {
	return ctx, noOpSpan{}
}
func (NoOpTelemetry) Counter(string, float64, map[string]string)   {}
func (NoOpTelemetry) Histogram(string, float64, map[string]string) {}
func (NoOpTelemetry) Gauge(string, float64, map[string]string)     {}

type noOpSpan struct{}

func (noOpSpan) End()                               {}
func (noOpSpan) SetAttribute(string, interface{})   {}
func (noOpSpan) RecordError(error)                  {}
