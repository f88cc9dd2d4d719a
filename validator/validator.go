package validator

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/forestryhq/pipeline-core/coreiface"
	"github.com/forestryhq/pipeline-core/eventbus"
	pstate "github.com/forestryhq/pipeline-core/state"
)

// AgentClient is the pluggable boundary to whatever reasoning backend
// actually judges guidelines (an LLM call, a rules engine, a stub in
// tests). The validator never assumes anything about how these are
// implemented — it only needs the three calls spec.md §4.3 describes.
type AgentClient interface {
	Validate(ctx context.Context, req Request, context map[string]interface{}) (Envelope, error)
	Reflect(ctx context.Context, env Envelope) (Reflection, error)
	Revise(ctx context.Context, env Envelope, reflection Reflection) (Revision, error)
}

// Config configures a Validator.
type Config struct {
	MaxIterations int
	Graphs        map[Tier]Graph // dependency graph per tier
	State         *pstate.Manager
	Bus           *eventbus.Bus
	Logger        coreiface.Logger
	Telemetry     coreiface.Telemetry
}

// DefaultConfig returns spec.md §4.3's default of 3 reflection/revision
// iterations.
func DefaultConfig() Config {
	return Config{
		MaxIterations: 3,
		Graphs:        make(map[Tier]Graph),
		Logger:        coreiface.NoOpLogger{},
		Telemetry:     coreiface.NoOpTelemetry{},
	}
}

// Validator is the Earth layer: decides APPROVED/CORRECTED/REJECTED for
// a proposed guideline update, enriched with dependency-aware context
// and refined through a bounded reflection/revision loop.
type Validator struct {
	agent AgentClient
	cfg   Config

	mu              sync.Mutex
	revisionCounts  map[string]int
	revisionHistory map[string][]revisionRecord
}

// New builds a Validator around an AgentClient.
func New(agent AgentClient, cfg Config) *Validator {
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = 3
	}
	if cfg.Graphs == nil {
		cfg.Graphs = make(map[Tier]Graph)
	}
	if cfg.Logger == nil {
		cfg.Logger = coreiface.NoOpLogger{}
	}
	if cfg.Telemetry == nil {
		cfg.Telemetry = coreiface.NoOpTelemetry{}
	}
	return &Validator{
		agent:           agent,
		cfg:             cfg,
		revisionCounts:  make(map[string]int),
		revisionHistory: make(map[string][]revisionRecord),
	}
}

// Validate runs the full Earth validation pipeline for req, per spec.md
// §4.3. It never returns an error to the caller: any internal failure
// is folded into a REJECTED envelope instead, matching "any exception
// inside the validation path returns a REJECTED envelope... it is never
// propagated to callers."
func (v *Validator) Validate(ctx context.Context, req Request) (env Envelope, err error) {
	opID := req.OperationID
	if opID == "" {
		opID = uuid.NewString()
	}

	defer func() {
		if r := recover(); r != nil {
			env = v.systemErrorEnvelope(fmt.Sprintf("panic: %v", r))
			err = nil
		}
	}()

	if v.cfg.Bus != nil {
		v.cfg.Bus.Emit(eventbus.EarthValidationStarted, req.OriginatingAgentID, map[string]interface{}{
			"operation_id": opID, "tier": string(req.Tier),
		}, eventbus.Normal)
	}

	if !req.Tier.valid() {
		env = Envelope{
			ValidationResult: Result{IsValid: false, ValidationCategory: Rejected, Explanation: "invalid abstraction tier"},
			DetectedIssues:   []string{"invalid_abstraction_tier"},
			Metadata:         map[string]interface{}{"operation_id": opID},
		}
		v.emitOutcome(req, opID, env)
		return env, nil
	}

	depContext := v.buildDependencyContext(req)

	env, validateErr := v.agent.Validate(ctx, req, depContext)
	if validateErr != nil {
		env = v.systemErrorEnvelope(validateErr.Error())
		v.emitOutcome(req, opID, env)
		return env, nil
	}

	if req.EnableReflection {
		env = v.reflectAndRevise(ctx, opID, env)
	}

	v.emitOutcome(req, opID, env)
	return env, nil
}

func (v *Validator) systemErrorEnvelope(detail string) Envelope {
	return Envelope{
		ValidationResult: Result{IsValid: false, ValidationCategory: Rejected, Explanation: detail},
		DetectedIssues:   []string{"system_error"},
	}
}

func (v *Validator) emitOutcome(req Request, opID string, env Envelope) {
	if v.cfg.Bus == nil {
		return
	}
	payload := map[string]interface{}{
		"operation_id": opID,
		"tier":         string(req.Tier),
		"category":     string(env.ValidationResult.ValidationCategory),
	}
	if env.ValidationResult.ValidationCategory == Rejected {
		v.cfg.Bus.Emit(eventbus.EarthValidationFailed, req.OriginatingAgentID, payload, eventbus.Normal)
	} else {
		v.cfg.Bus.Emit(eventbus.EarthValidationComplete, req.OriginatingAgentID, payload, eventbus.Normal)
	}
}

// buildDependencyContext enriches req with the dependency-aware impact
// records spec.md §4.3 describes. The graph is built from the proposed
// update's own structural-breakdown lists (merged over the current
// guideline's, and any statically pre-registered cfg.Graphs entries for
// nodes neither mentions), matching
// original_source/resources/earth_agent.py: the cycle/undefined-reference
// detectors there run against the proposed update itself, not a
// side-channel table.
func (v *Validator) buildDependencyContext(req Request) map[string]interface{} {
	graph := graphFromUpdate(req.Tier, req.CurrentGuideline)
	proposed := graphFromUpdate(req.Tier, req.ProposedUpdate)
	for id, deps := range proposed {
		graph[id] = deps
	}
	for id, deps := range v.cfg.Graphs[req.Tier] {
		if _, exists := graph[id]; !exists {
			graph[id] = deps
		}
	}

	changed := make([]string, 0, len(proposed))
	for id := range proposed {
		changed = append(changed, id)
	}
	sort.Strings(changed)

	affected := graph.AffectedDownstream(changed)

	cycleKind := "dependency_cycle"
	if req.Tier == TierFeature {
		cycleKind = "feature_dependency_cycle"
	} else if req.Tier == TierFunctionality {
		cycleKind = "functionality_dependency_cycle"
	}

	impacts := append(graph.DetectCycles(cycleKind), graph.UndefinedDependencies("undefined_dependency")...)

	return map[string]interface{}{
		"affected_downstream": affected,
		"impacts":             impacts,
	}
}

// reflectAndRevise runs spec.md §4.3's reflection/revision loop, up to
// cfg.MaxIterations cycles, persisting each pair to the state manager
// and returning the final envelope.
func (v *Validator) reflectAndRevise(ctx context.Context, opID string, env Envelope) Envelope {
	category := env.ValidationResult.ValidationCategory

	for i := 0; i < v.cfg.MaxIterations; i++ {
		reflection, err := v.agent.Reflect(ctx, env)
		if err != nil {
			break
		}

		if reflection.DecisionQualityScore >= 7 && len(reflection.CriticalImprovements) == 0 {
			break
		}

		revision, err := v.agent.Revise(ctx, env, reflection)
		if err != nil || revision.RevisedValidation == nil {
			break
		}

		v.persistRevision(ctx, opID, i, reflection, revision)

		env = *revision.RevisedValidation
		newCategory := env.ValidationResult.ValidationCategory

		if revision.Confidence.Score >= 8 && newCategory == category {
			break
		}
		category = newCategory
	}

	return env
}

func (v *Validator) persistRevision(ctx context.Context, opID string, iteration int, reflection Reflection, revision Revision) {
	v.mu.Lock()
	v.revisionCounts[opID]++
	record := revisionRecord{Reflection: reflection, Revision: revision, RecordedAt: time.Now().UTC()}
	v.revisionHistory[opID] = append(v.revisionHistory[opID], record)
	v.mu.Unlock()

	if v.cfg.State == nil {
		return
	}
	key := fmt.Sprintf("earth_validation:%s:revision:%d", opID, iteration)
	payload := map[string]interface{}{
		"decision_quality_score": reflection.DecisionQualityScore,
		"critical_improvements":  reflection.CriticalImprovements,
		"confidence_score":       revision.Confidence.Score,
		"decision_changes":       revision.DecisionChanges,
	}
	_, _ = v.cfg.State.SetState(ctx, key, pstate.FreeformStateValue(payload), pstate.ResourceTypeState, nil, nil, nil)
}

// GetRevisionHistory returns the Reflection of every reflect/revise
// cycle recorded in memory for operationID, in order; the paired
// Revisions are not returned. Supplemented feature, grounded on
// resources/earth_agent.py's revision-history accessor in the original
// implementation, which spec.md's distillation dropped.
func (v *Validator) GetRevisionHistory(operationID string) []Reflection {
	v.mu.Lock()
	defer v.mu.Unlock()
	records := v.revisionHistory[operationID]
	out := make([]Reflection, len(records))
	for i, r := range records {
		out[i] = r.Reflection
	}
	return out
}

// RevisionCount reports how many reflect/revise cycles ran for
// operationID.
func (v *Validator) RevisionCount(operationID string) int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.revisionCounts[operationID]
}
