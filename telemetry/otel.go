// Package telemetry wires the OpenTelemetry metrics/trace APIs into
// coreiface.Telemetry. It intentionally does not configure an exporter or
// collector endpoint — that belongs to whatever binary embeds this module
// (config-file/CLI wiring is an explicit Non-goal of this module) — it only
// adapts whatever otel.MeterProvider/TracerProvider the caller already set
// up globally (or passes in) into the shape the rest of this module expects.
package telemetry

import (
	"context"
	"sync"

	"github.com/forestryhq/pipeline-core/coreiface"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// Provider adapts an OpenTelemetry meter/tracer pair into coreiface.Telemetry.
// Instruments are created lazily and cached by name, matching the teacher's
// OTelProvider instrument-caching approach.
type Provider struct {
	meter  metric.Meter
	tracer trace.Tracer

	mu         sync.Mutex
	counters   map[string]metric.Float64Counter
	histograms map[string]metric.Float64Histogram
	gauges     map[string]metric.Float64ObservableGauge
	gaugeState map[string]float64
}

var _ coreiface.Telemetry = (*Provider)(nil)

// NewProvider builds a Provider from the process-global otel providers.
// Pass an explicit meter/tracer name so metrics/spans are attributable to
// this module when multiple instrumented libraries share a process.
func NewProvider(instrumentationName string) *Provider {
	return &Provider{
		meter:      otel.GetMeterProvider().Meter(instrumentationName),
		tracer:     otel.GetTracerProvider().Tracer(instrumentationName),
		counters:   make(map[string]metric.Float64Counter),
		histograms: make(map[string]metric.Float64Histogram),
		gauges:     make(map[string]metric.Float64ObservableGauge),
		gaugeState: make(map[string]float64),
	}
}

func toAttrs(labels map[string]string) []attribute.KeyValue {
	attrs := make([]attribute.KeyValue, 0, len(labels))
	for k, v := range labels {
		attrs = append(attrs, attribute.String(k, v))
	}
	return attrs
}

func (p *Provider) counter(name string) metric.Float64Counter {
	p.mu.Lock()
	defer p.mu.Unlock()
	if c, ok := p.counters[name]; ok {
		return c
	}
	c, _ := p.meter.Float64Counter(name)
	p.counters[name] = c
	return c
}

func (p *Provider) histogram(name string) metric.Float64Histogram {
	p.mu.Lock()
	defer p.mu.Unlock()
	if h, ok := p.histograms[name]; ok {
		return h
	}
	h, _ := p.meter.Float64Histogram(name)
	p.histograms[name] = h
	return h
}

// Counter increments a monotonic counter by value.
func (p *Provider) Counter(name string, value float64, labels map[string]string) {
	p.counter(name).Add(context.Background(), value, metric.WithAttributes(toAttrs(labels)...))
}

// Histogram records a sample into a distribution (durations, sizes).
func (p *Provider) Histogram(name string, value float64, labels map[string]string) {
	p.histogram(name).Record(context.Background(), value, metric.WithAttributes(toAttrs(labels)...))
}

// Gauge records a point-in-time value. Backed by an async observable
// gauge registered on first use; subsequent calls just update the last
// observed value, matching OTel's pull-based gauge model.
func (p *Provider) Gauge(name string, value float64, labels map[string]string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	key := name
	p.gaugeState[key] = value
	if _, ok := p.gauges[name]; ok {
		return
	}
	g, err := p.meter.Float64ObservableGauge(name, metric.WithFloat64Callback(
		func(_ context.Context, o metric.Float64Observer) error {
			p.mu.Lock()
			v := p.gaugeState[key]
			p.mu.Unlock()
			o.Observe(v, metric.WithAttributes(toAttrs(labels)...))
			return nil
		},
	))
	if err == nil {
		p.gauges[name] = g
	}
}

// StartSpan starts a trace span.
func (p *Provider) StartSpan(ctx context.Context, name string) (context.Context, coreiface.Span) {
	newCtx, span := p.tracer.Start(ctx, name)
	return newCtx, &otelSpan{span: span}
}

type otelSpan struct {
	span trace.Span
}

func (s *otelSpan) End() { s.span.End() }

func (s *otelSpan) SetAttribute(key string, value interface{}) {
	switch v := value.(type) {
	case string:
		s.span.SetAttributes(attribute.String(key, v))
	case int:
		s.span.SetAttributes(attribute.Int(key, v))
	case int64:
		s.span.SetAttributes(attribute.Int64(key, v))
	case float64:
		s.span.SetAttributes(attribute.Float64(key, v))
	case bool:
		s.span.SetAttributes(attribute.Bool(key, v))
	default:
		s.span.SetAttributes(attribute.String(key, attrFallback(v)))
	}
}

func attrFallback(v interface{}) string {
	if v == nil {
		return ""
	}
	return toString(v)
}

func toString(v interface{}) string {
	type stringer interface{ String() string }
	if s, ok := v.(stringer); ok {
		return s.String()
	}
	return ""
}

func (s *otelSpan) RecordError(err error) {
	if err == nil {
		return
	}
	s.span.RecordError(err)
}
