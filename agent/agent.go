// Package agent implements the Agent Scaffold (spec.md §4.7): common
// per-agent state tracking, a processing circuit breaker, a memory
// monitor over JSON payload size, and the uniform _process sequence
// every analysis/orchestration agent runs its domain logic through.
package agent

import (
	"context"
	"encoding/json"
	"time"

	"github.com/forestryhq/pipeline-core/coreiface"
	"github.com/forestryhq/pipeline-core/eventbus"
	"github.com/forestryhq/pipeline-core/resource"
	"github.com/forestryhq/pipeline-core/state"
)

// Phase is the agent's four-state machine.
type Phase string

const (
	Idle       Phase = "IDLE"
	Analyzing  Phase = "ANALYZING"
	Complete   Phase = "COMPLETE"
	PhaseError Phase = "ERROR"
)

// DomainFunc is the agent-specific logic _process runs under the
// circuit breaker. It receives the raw inputs and returns a result
// mapping or an error.
type DomainFunc func(ctx context.Context, inputs map[string]interface{}) (map[string]interface{}, error)

// Metrics tracks per-agent processing counters, surfaced via
// GetMetrics for health/monitoring consumers.
type Metrics struct {
	ProcessedTotal int64
	ErrorTotal     int64
	RejectedTotal  int64
	LastDuration   time.Duration
}

// Config wires an Agent to the shared substrate.
type Config struct {
	State             *state.Manager
	Bus               *eventbus.Bus
	Logger            coreiface.Logger
	Telemetry         coreiface.Telemetry
	MemoryHighWaterMarkBytes int // 0 disables the alert
}

// Agent is the common scaffold every analysis/orchestration agent
// embeds: a BaseResource identity, a four-state machine persisted via
// the state manager, a processing circuit breaker, and a memory
// monitor over the JSON size of non-trivial mappings it handles.
type Agent struct {
	*resource.BaseResource

	cfg     Config
	breaker *resource.CircuitBreaker
	memory  *MemoryMonitor

	metrics Metrics
}

// New builds an Agent identified by id (auto-generated when empty),
// wired to cfg's state manager, event bus, logger, and telemetry.
func New(id string, cfg Config) *Agent {
	if cfg.Logger == nil {
		cfg.Logger = coreiface.NoOpLogger{}
	}
	if cfg.Telemetry == nil {
		cfg.Telemetry = coreiface.NoOpTelemetry{}
	}
	base := resource.NewBaseResource(id, cfg.Logger)
	a := &Agent{
		BaseResource: base,
		cfg:          cfg,
		breaker:      resource.NewCircuitBreaker(resource.DefaultCircuitBreakerConfig("agent:" + base.ID)),
		memory:       NewMemoryMonitor(cfg.MemoryHighWaterMarkBytes),
	}
	return a
}

// phaseKey is the state-manager key this agent's phase is persisted
// under; freeform so the shared ResourceState transition matrix never
// rejects an ANALYZING/COMPLETE/ERROR move.
func (a *Agent) phaseKey() string { return "agent_phase:" + a.ID }

func (a *Agent) currentPhase(ctx context.Context) Phase {
	if a.cfg.State == nil {
		return Idle
	}
	entry, err := a.cfg.State.GetState(ctx, a.phaseKey(), nil, true)
	if err != nil || entry == nil || entry.State.Kind != state.KindFreeform {
		return Idle
	}
	p, _ := entry.State.Freeform["phase"].(string)
	if p == "" {
		return Idle
	}
	return Phase(p)
}

func (a *Agent) setPhase(ctx context.Context, phase Phase, reason string) {
	if a.cfg.State == nil {
		return
	}
	r := reason
	_, err := a.cfg.State.SetState(ctx, a.phaseKey(), state.FreeformStateValue(map[string]interface{}{"phase": string(phase)}), state.ResourceTypeAgent, nil, &r, nil)
	if err != nil {
		a.cfg.Logger.Warn("agent: failed to persist phase", map[string]interface{}{"agent_id": a.ID, "phase": string(phase), "error": err.Error()})
		return
	}
	if a.cfg.Bus != nil {
		a.cfg.Bus.Emit(eventbus.ResourceStateChanged, a.ID, map[string]interface{}{
			"agent_id": a.ID, "phase": string(phase), "reason": reason,
		}, eventbus.Normal)
	}
}

// Result is _process's uniform output envelope.
type Result struct {
	Phase    Phase
	Output   map[string]interface{}
	Error    string
	Rejected bool // true when the circuit breaker refused the call
}

// Process runs domain under the agent's circuit breaker, moving the
// agent through ANALYZING -> COMPLETE/ERROR, emitting a state-change
// event, and recording timing/error metrics — the five-step sequence
// spec.md §4.7 names for every agent's _process.
func (a *Agent) Process(ctx context.Context, inputs map[string]interface{}, domain DomainFunc) Result {
	if a.memory != nil && a.memory.Track(inputs) && a.cfg.Bus != nil {
		a.cfg.Bus.Emit(eventbus.ResourceAlertCreated, a.ID, map[string]interface{}{
			"agent_id": a.ID, "alert": "memory_high_water_mark",
		}, eventbus.High)
	}

	start := time.Now()
	a.setPhase(ctx, Analyzing, "processing started")

	var out map[string]interface{}
	execErr := a.breaker.Execute(ctx, func(ctx context.Context) error {
		result, err := domain(ctx, inputs)
		out = result
		return err
	})

	duration := time.Since(start)
	a.metrics.LastDuration = duration

	if execErr != nil {
		if a.cfg.Telemetry != nil {
			a.cfg.Telemetry.Histogram("agent.process.duration_seconds", duration.Seconds(), map[string]string{"agent_id": a.ID, "outcome": "error"})
		}

		if isCircuitOpen(execErr) {
			a.metrics.RejectedTotal++
			a.setPhase(ctx, PhaseError, "circuit open")
			return Result{Phase: PhaseError, Error: execErr.Error(), Rejected: true}
		}

		a.metrics.ErrorTotal++
		a.setPhase(ctx, PhaseError, execErr.Error())
		if a.cfg.Bus != nil {
			a.cfg.Bus.Emit(eventbus.ResourceErrorOccurred, a.ID, map[string]interface{}{
				"agent_id": a.ID, "error": execErr.Error(),
			}, eventbus.Normal)
		}
		return Result{Phase: PhaseError, Error: execErr.Error()}
	}

	a.metrics.ProcessedTotal++
	if a.cfg.Telemetry != nil {
		a.cfg.Telemetry.Histogram("agent.process.duration_seconds", duration.Seconds(), map[string]string{"agent_id": a.ID, "outcome": "success"})
	}
	a.setPhase(ctx, Complete, "processing complete")
	return Result{Phase: Complete, Output: out}
}

func isCircuitOpen(err error) bool {
	var fe *coreiface.FrameworkError
	if e, ok := err.(*coreiface.FrameworkError); ok {
		fe = e
	}
	if fe == nil {
		return false
	}
	return fe.Unwrap() == coreiface.ErrCircuitOpen
}

// GetMetrics returns a copy of the agent's processing counters.
func (a *Agent) GetMetrics() Metrics { return a.metrics }

// CircuitState reports the processing breaker's current state.
func (a *Agent) CircuitState() resource.CircuitState { return a.breaker.State() }

// MemoryMonitor tracks the JSON-encoded size of non-trivial mappings an
// agent handles, emitting RESOURCE_ALERT_CREATED at HIGH priority when
// the aggregate crosses highWaterMarkBytes (spec.md §5's memory policy).
// Zero disables tracking.
type MemoryMonitor struct {
	highWaterMark int
	aggregate     int
}

// NewMemoryMonitor builds a monitor with the given high-water mark in
// bytes (0 disables alerting).
func NewMemoryMonitor(highWaterMarkBytes int) *MemoryMonitor {
	return &MemoryMonitor{highWaterMark: highWaterMarkBytes}
}

// Track measures v's JSON-encoded size and adds it to the running
// aggregate, reporting whether the high-water mark was just crossed.
func (m *MemoryMonitor) Track(v map[string]interface{}) bool {
	if m.highWaterMark <= 0 || len(v) == 0 {
		return false
	}
	data, err := json.Marshal(v)
	if err != nil {
		return false
	}
	wasBelow := m.aggregate <= m.highWaterMark
	m.aggregate += len(data)
	return wasBelow && m.aggregate > m.highWaterMark
}

// Aggregate returns the running total of tracked bytes.
func (m *MemoryMonitor) Aggregate() int { return m.aggregate }

// Reset zeroes the running aggregate, used after a cleanup pass halves
// effective TTL per spec.md §5.
func (m *MemoryMonitor) Reset() { m.aggregate = 0 }
