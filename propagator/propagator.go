// Package propagator implements the Water layer (spec.md §4.4):
// delivering an accepted guideline update to every downstream agent
// with target-specific adaptation guidance.
package propagator

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/forestryhq/pipeline-core/coreiface"
	"github.com/forestryhq/pipeline-core/eventbus"
)

// Chain is the fixed forward dependency graph the top-level pipeline
// declares (spec.md §4.4): garden_planner -> environmental_analysis ->
// root_system -> tree_placement.
func Chain() map[string][]string {
	return map[string][]string{
		"garden_planner":          {"environmental_analysis"},
		"environmental_analysis":  {"root_system"},
		"root_system":             {"tree_placement"},
		"tree_placement":          {},
	}
}

// TransitiveForward returns every agent reachable from origin by
// following Chain edges, in chain order.
func TransitiveForward(chain map[string][]string, origin string) []string {
	var out []string
	seen := map[string]bool{origin: true}
	queue := append([]string{}, chain[origin]...)
	for len(queue) > 0 {
		next := queue[0]
		queue = queue[1:]
		if seen[next] {
			continue
		}
		seen[next] = true
		out = append(out, next)
		queue = append(queue, chain[next]...)
	}
	return out
}

// IntegrationGuidance is the adaptation advice passed to each target.
type IntegrationGuidance struct {
	Approach           string
	ComplexityEstimate string
}

// TargetContext is what one downstream target receives, per spec.md
// §4.4's minimum fields.
type TargetContext struct {
	OriginAgent    string
	UpdateSummary  string
	Timestamp      time.Time
	DirectImpact   []string
	Guidance       *IntegrationGuidance
}

// ApplyHook delivers a TargetContext to one target agent. Implementations
// are expected to be side-effecting (updating the target's own
// guidelines) and to return a descriptive error on failure.
type ApplyHook interface {
	Apply(ctx context.Context, target string, tc TargetContext) error
}

// UpdateFailure records one target's delivery failure.
type UpdateFailure struct {
	Agent     string
	Reason    string
	Timestamp time.Time
}

// UpdateOutcome records one target's delivery attempt.
type UpdateOutcome struct {
	Agent          string
	Success        bool
	ContextProvided bool
	Timestamp      time.Time
}

// Result is the propagation result envelope, per spec.md §4.4.
type Result struct {
	Success        bool
	AffectedAgents []string
	Updates        []UpdateOutcome
	Failures       []UpdateFailure
	Metadata       map[string]interface{}
}

// Config configures a Propagator.
type Config struct {
	Chain     map[string][]string
	Bus       *eventbus.Bus
	Logger    coreiface.Logger
	Telemetry coreiface.Telemetry
}

// DefaultConfig returns the spec.md §4.4 pipeline chain.
func DefaultConfig() Config {
	return Config{Chain: Chain(), Logger: coreiface.NoOpLogger{}, Telemetry: coreiface.NoOpTelemetry{}}
}

// Propagator is the Water layer.
type Propagator struct {
	hook ApplyHook
	cfg  Config
}

// New builds a Propagator. hook is called once per resolved target.
func New(hook ApplyHook, cfg Config) *Propagator {
	if cfg.Chain == nil {
		cfg.Chain = Chain()
	}
	if cfg.Logger == nil {
		cfg.Logger = coreiface.NoOpLogger{}
	}
	if cfg.Telemetry == nil {
		cfg.Telemetry = coreiface.NoOpTelemetry{}
	}
	return &Propagator{hook: hook, cfg: cfg}
}

// UpdateImpact carries per-target impact/guidance overrides, keyed by
// target agent id, computed by the originating validator when available.
type UpdateImpact struct {
	DirectImpact map[string][]string
	Guidance     map[string]IntegrationGuidance
}

// Propagate delivers updateSummary to origin's downstream targets
// (overrideTargets, if non-nil, replaces the chain-derived set).
// Delivery never retries; partial failures are surfaced per-agent in
// Result.Failures while Result.Success reports whether ALL targets
// succeeded.
func (p *Propagator) Propagate(ctx context.Context, origin, updateSummary string, impact UpdateImpact, overrideTargets []string) Result {
	propagationID := uuid.NewString()

	targets := overrideTargets
	if targets == nil {
		targets = TransitiveForward(p.cfg.Chain, origin)
	}
	sort.Strings(targets)

	if p.cfg.Bus != nil {
		p.cfg.Bus.Emit(eventbus.WaterPropagationStarted, origin, map[string]interface{}{
			"propagation_id": propagationID, "origin": origin, "targets": targets,
		}, eventbus.Normal)
	}

	result := Result{AffectedAgents: targets, Metadata: map[string]interface{}{"propagation_id": propagationID}}

	for _, target := range targets {
		tc := TargetContext{
			OriginAgent:   origin,
			UpdateSummary: updateSummary,
			Timestamp:     time.Now().UTC(),
			DirectImpact:  impact.DirectImpact[target],
		}
		if g, ok := impact.Guidance[target]; ok {
			tc.Guidance = &g
		}

		err := p.applyOne(ctx, target, tc)
		if err != nil {
			result.Failures = append(result.Failures, UpdateFailure{Agent: target, Reason: err.Error(), Timestamp: time.Now().UTC()})
			result.Updates = append(result.Updates, UpdateOutcome{Agent: target, Success: false, ContextProvided: true, Timestamp: time.Now().UTC()})
		} else {
			result.Updates = append(result.Updates, UpdateOutcome{Agent: target, Success: true, ContextProvided: true, Timestamp: time.Now().UTC()})
		}
	}

	result.Success = len(result.Failures) == 0

	if p.cfg.Bus != nil {
		eventType := eventbus.WaterPropagationComplete
		if !result.Success {
			eventType = eventbus.WaterPropagationFailed
		}
		p.cfg.Bus.Emit(eventType, origin, map[string]interface{}{
			"propagation_id": propagationID,
			"affected_agents": result.AffectedAgents,
			"failures":        result.Failures,
		}, eventbus.Normal)
	}

	return result
}

// applyOne recovers a panicking hook into an error, the same posture
// eventbus.Bus.invoke and resource.CircuitBreaker.Execute take toward
// caller-supplied callbacks.
func (p *Propagator) applyOne(ctx context.Context, target string, tc TargetContext) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = coreiface.NewFrameworkError("propagator.Propagate", "propagator", coreiface.ErrPanicRecovered).WithID(target)
		}
	}()
	return p.hook.Apply(ctx, target, tc)
}

// Reject emits WATER_PROPAGATION_REJECTED for origin without attempting
// any delivery, used when an upstream validator rejected the update
// before it ever reached the propagator.
func (p *Propagator) Reject(origin, reason string) {
	if p.cfg.Bus == nil {
		return
	}
	p.cfg.Bus.Emit(eventbus.WaterPropagationRejected, origin, map[string]interface{}{
		"propagation_id": uuid.NewString(), "reason": reason,
	}, eventbus.Normal)
}
