package refinement

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/forestryhq/pipeline-core/coreiface"
	"github.com/forestryhq/pipeline-core/eventbus"
)

// Confidence is the three-stage loop's self-reported confidence band.
type Confidence string

const (
	ConfidenceHigh   Confidence = "high"
	ConfidenceMedium Confidence = "medium"
	ConfidenceLow    Confidence = "low"
)

// Score maps a Confidence band to spec.md §4.5's numeric weight, used
// to track the best-scoring revision across iterations.
func (c Confidence) Score() float64 {
	switch c {
	case ConfidenceHigh:
		return 1.0
	case ConfidenceMedium:
		return 0.7
	case ConfidenceLow:
		return 0.4
	default:
		return 0.0
	}
}

// RevisionOutcome is the "revise" stage's result.
type RevisionOutcome struct {
	Artifact               map[string]interface{}
	Confidence             Confidence
	RemainingUncertainties int
}

// AgentHandle is the pluggable boundary to the agent actually doing the
// refine/reflect/revise work, analogous to validator.AgentClient.
type AgentHandle interface {
	Refine(ctx context.Context, input map[string]interface{}) (map[string]interface{}, error)
	ReflectSelf(ctx context.Context, refined map[string]interface{}) (map[string]interface{}, error)
	Revise(ctx context.Context, refined, reflection map[string]interface{}) (RevisionOutcome, error)
}

// ArbitrationClient resolves which agent is responsible when multiple
// candidates could be at fault for a failure.
type ArbitrationClient interface {
	Arbitrate(ctx context.Context, candidates []string, failure map[string]interface{}) (responsibleAgent, rootCauseAgent string, err error)
}

// Timeouts holds the per-stage deadlines spec.md §4.5 defaults.
type Timeouts struct {
	Refinement time.Duration
	Reflection time.Duration
	Revision   time.Duration
}

// DefaultTimeouts returns spec.md §4.5's stated defaults (120s/60s/90s).
func DefaultTimeouts() Timeouts {
	return Timeouts{Refinement: 120 * time.Second, Reflection: 60 * time.Second, Revision: 90 * time.Second}
}

// agentStateMap deterministically maps an agent role name to the
// *_REVISING state arbitration should route a failure back to.
var agentStateMap = map[string]ValidationState{
	"description_agent":  DescriptionRevising,
	"requirements_agent": RequirementsRevising,
	"data_flow_agent":    DataFlowRevising,
	"features_agent":     FeaturesRevising,
}

// Config configures a Manager.
type Config struct {
	Bus       *eventbus.Bus
	Logger    coreiface.Logger
	Telemetry coreiface.Telemetry
}

// Manager is the Refinement Lifecycle Manager.
type Manager struct {
	cfg Config

	mu         sync.Mutex
	contexts   map[string]*RefinementContext
	iterations map[string][]RefinementIteration // contextID -> iterations
}

// New builds an empty refinement Manager.
func New(cfg Config) *Manager {
	if cfg.Logger == nil {
		cfg.Logger = coreiface.NoOpLogger{}
	}
	if cfg.Telemetry == nil {
		cfg.Telemetry = coreiface.NoOpTelemetry{}
	}
	return &Manager{cfg: cfg, contexts: make(map[string]*RefinementContext), iterations: make(map[string][]RefinementIteration)}
}

// CreateRefinementContext registers a new scoped refinement attempt.
func (m *Manager) CreateRefinementContext(componentID string, validationState ValidationState, responsibleAgent string, errs []string, metadata map[string]interface{}) RefinementContext {
	now := time.Now().UTC()
	ctx := RefinementContext{
		ContextID:        uuid.NewString(),
		ComponentID:      componentID,
		ValidationState:  validationState,
		ResponsibleAgent: responsibleAgent,
		Errors:           errs,
		Metadata:         metadata,
		CreatedAt:        now,
		UpdatedAt:        now,
	}

	m.mu.Lock()
	m.contexts[ctx.ContextID] = &ctx
	m.mu.Unlock()

	if m.cfg.Bus != nil {
		m.cfg.Bus.Emit(eventbus.ComponentRefinementCreated, responsibleAgent, map[string]interface{}{
			"context_id": ctx.ContextID, "component_id": componentID, "state": string(validationState),
		}, eventbus.Normal)
	}
	return ctx
}

// TrackRefinementIteration records one refine/reflect/revise attempt
// under contextID.
func (m *Manager) TrackRefinementIteration(contextID string, iterationNumber int, refinementType string, input, output map[string]interface{}, success bool, duration time.Duration, metadata map[string]interface{}) RefinementIteration {
	iter := RefinementIteration{
		ContextID:       contextID,
		IterationNumber: iterationNumber,
		RefinementType:  refinementType,
		Input:           input,
		Output:          output,
		Success:         success,
		Duration:        duration,
		Metadata:        metadata,
		RecordedAt:      time.Now().UTC(),
	}

	m.mu.Lock()
	m.iterations[contextID] = append(m.iterations[contextID], iter)
	if c, ok := m.contexts[contextID]; ok {
		c.UpdatedAt = iter.RecordedAt
	}
	m.mu.Unlock()

	if m.cfg.Bus != nil {
		m.cfg.Bus.Emit(eventbus.ComponentRefinementIteration, "", map[string]interface{}{
			"context_id": contextID, "iteration_number": iterationNumber, "type": refinementType, "success": success,
		}, eventbus.Low)
	}
	return iter
}

// RunWithTimeout races fn against timeout, returning (result, duration,
// success). A timeout yields {"error": "... timed out ..."} as the
// result with success=false instead of an error return — spec.md §4.5
// treats timeouts as a first-class signal, not an exception.
func (m *Manager) RunWithTimeout(parent context.Context, timeout time.Duration, contextID, operationType string, fn func(ctx context.Context) (map[string]interface{}, error)) (map[string]interface{}, time.Duration, bool) {
	start := time.Now()
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	telemetryCtx, span := m.cfg.Telemetry.StartSpan(ctx, "refinement."+operationType)
	defer span.End()

	done := make(chan struct {
		result map[string]interface{}
		err    error
	}, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- struct {
					result map[string]interface{}
					err    error
				}{nil, fmt.Errorf("panic: %v", r)}
			}
		}()
		res, err := fn(telemetryCtx)
		done <- struct {
			result map[string]interface{}
			err    error
		}{res, err}
	}()

	select {
	case out := <-done:
		duration := time.Since(start)
		success := out.err == nil
		if !success {
			span.RecordError(out.err)
		}
		return out.result, duration, success
	case <-ctx.Done():
		duration := time.Since(start)
		m.cfg.Logger.Warn("refinement: operation timed out", map[string]interface{}{
			"context_id": contextID, "operation": operationType, "timeout": timeout.String(),
		})
		return map[string]interface{}{"error": fmt.Sprintf("%s timed out after %s", operationType, timeout)}, duration, false
	}
}

// ThreeStageRefinement runs spec.md §4.5's refine -> reflect -> revise
// loop up to maxIterations times, tracking the best-scoring revision
// and exiting early on high confidence with at most one remaining
// uncertainty.
func (m *Manager) ThreeStageRefinement(ctx context.Context, contextID string, agent AgentHandle, initialInput map[string]interface{}, timeouts Timeouts, maxIterations int) map[string]interface{} {
	if maxIterations <= 0 {
		maxIterations = 3
	}

	var best map[string]interface{}
	var bestScore float64 = -1
	var lastRefined map[string]interface{}

	current := initialInput

	for i := 0; i < maxIterations; i++ {
		refined, refineDur, ok := m.RunWithTimeout(ctx, timeouts.Refinement, contextID, "refine", func(c context.Context) (map[string]interface{}, error) {
			return agent.Refine(c, current)
		})
		if !ok {
			break
		}
		lastRefined = refined
		m.TrackRefinementIteration(contextID, i, "refine", current, refined, true, refineDur, nil)

		reflection, reflectDur, ok := m.RunWithTimeout(ctx, timeouts.Reflection, contextID, "reflect", func(c context.Context) (map[string]interface{}, error) {
			return agent.ReflectSelf(c, refined)
		})
		if !ok {
			break
		}
		m.TrackRefinementIteration(contextID, i, "reflect", refined, reflection, true, reflectDur, nil)

		revised, reviseDur, ok := m.RunWithTimeout(ctx, timeouts.Revision, contextID, "revise", func(c context.Context) (map[string]interface{}, error) {
			outcome, err := agent.Revise(c, refined, reflection)
			if err != nil {
				return nil, err
			}
			out := map[string]interface{}{}
			for k, v := range outcome.Artifact {
				out[k] = v
			}
			out["__confidence"] = string(outcome.Confidence)
			out["__remaining_uncertainties"] = outcome.RemainingUncertainties
			return out, nil
		})
		if !ok {
			break
		}
		m.TrackRefinementIteration(contextID, i, "revise", reflection, revised, true, reviseDur, nil)

		confidence := Confidence(fmt.Sprintf("%v", revised["__confidence"]))
		remaining, _ := revised["__remaining_uncertainties"].(int)
		score := confidence.Score()

		if score > bestScore {
			bestScore = score
			best = revised
		}

		current = revised

		if confidence == ConfidenceHigh && remaining <= 1 {
			break
		}
	}

	if best != nil {
		return best
	}
	if lastRefined != nil {
		return lastRefined
	}
	return initialInput
}

// DefaultArbitrationState is returned when arbitration produces no
// usable mapping, per spec.md §4.5's "if no mapping is produced,
// default to description-revising."
const DefaultArbitrationState = DescriptionRevising

// Arbitrate selects a responsible agent among candidates for failure
// and maps it deterministically to a *_REVISING state.
func (m *Manager) Arbitrate(ctx context.Context, client ArbitrationClient, candidates []string, failure map[string]interface{}) (responsibleAgent, rootCauseAgent string, next ValidationState) {
	responsible, rootCause, err := client.Arbitrate(ctx, candidates, failure)
	if err != nil || responsible == "" {
		return responsible, rootCause, DefaultArbitrationState
	}
	if state, ok := agentStateMap[responsible]; ok {
		return responsible, rootCause, state
	}
	return responsible, rootCause, DefaultArbitrationState
}

// CleanupObsoleteContexts implements spec.md §4.5's backtracking
// cleanup: every context whose ValidationState is obsolete relative to
// newState is deleted along with its iterations, atomically, emitting
// COMPONENT_REFINEMENT_UPDATED with state="cleaned_up" per deletion.
// Contexts belonging to agentID matching the new revising state are
// preserved even if technically obsolete.
func (m *Manager) CleanupObsoleteContexts(newState ValidationState, agentID string) []string {
	m.mu.Lock()

	var obsolete []string
	for id, c := range m.contexts {
		if c.ResponsibleAgent == agentID && agentID != "" && c.ValidationState == newState {
			continue
		}
		if IsBacktracking(c.ValidationState, newState) || c.ValidationState.Precedence() > newState.Precedence() {
			obsolete = append(obsolete, id)
		}
	}
	sort.Strings(obsolete)

	for _, id := range obsolete {
		delete(m.contexts, id)
		delete(m.iterations, id)
	}
	m.mu.Unlock()

	if m.cfg.Bus != nil {
		for _, id := range obsolete {
			m.cfg.Bus.Emit(eventbus.ComponentRefinementUpdated, agentID, map[string]interface{}{
				"context_id": id, "state": "cleaned_up",
			}, eventbus.Low)
		}
	}
	return obsolete
}

// GetHealthStatus reports the manager's own coarse health: degraded
// when a large number of contexts are outstanding (a sign cleanup isn't
// keeping pace), healthy otherwise.
func (m *Manager) GetHealthStatus() HealthStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := len(m.contexts)
	if n > 1000 {
		return HealthStatus{Status: "degraded", ActiveContexts: n, Description: "refinement context count exceeds operating threshold"}
	}
	return HealthStatus{Status: "healthy", ActiveContexts: n}
}

// GetContext returns a copy of the tracked context for id, if any.
func (m *Manager) GetContext(id string) (RefinementContext, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.contexts[id]
	if !ok {
		return RefinementContext{}, false
	}
	return *c, true
}

// GetIterations returns every tracked iteration for contextID, in
// recorded order.
func (m *Manager) GetIterations(contextID string) []RefinementIteration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]RefinementIteration{}, m.iterations[contextID]...)
}
