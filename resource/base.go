// Package resource implements spec.md §4.6: the BaseResource lifecycle
// scaffold, CircuitBreaker, PrioritizedLockManager, and HealthTracker.
// It is grounded on the teacher's resilience package (itsneelabh-gomind
// resilience/circuit_breaker.go) for the breaker's state-machine idiom
// and on itsneelabh-gomind core's registry patterns for BaseResource.
package resource

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/forestryhq/pipeline-core/coreiface"
)

// Task is a tracked background goroutine. Cancel stops it; Done reports
// completion, mirroring the teacher's context-based cancellation idiom.
type Task struct {
	Name   string
	Cancel context.CancelFunc
	Done   chan struct{}
}

// BaseResource is the lifecycle scaffold every long-lived component in
// this module derives from: a stable id, a creation timestamp, a set of
// tracked background tasks, and self-registration in the process-global
// Registry.
type BaseResource struct {
	ID        string
	CreatedAt time.Time

	mu          sync.Mutex
	initialized bool
	terminated  bool
	tasks       map[string]*Task

	logger coreiface.Logger
}

// NewBaseResource builds a resource with a generated id when none is
// given, and registers it with the default Registry.
func NewBaseResource(id string, logger coreiface.Logger) *BaseResource {
	if id == "" {
		id = uuid.NewString()
	}
	if logger == nil {
		logger = coreiface.NoOpLogger{}
	}
	r := &BaseResource{
		ID:        id,
		CreatedAt: time.Now().UTC(),
		tasks:     make(map[string]*Task),
		logger:    logger,
	}
	defaultRegistry.register(r)
	return r
}

// Initialize is idempotent: the second and later calls are no-ops that
// return true, matching spec.md §4.6.
func (r *BaseResource) Initialize(ctx context.Context) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.initialized {
		return true
	}
	r.initialized = true
	return true
}

// TrackTask registers a background task under name so Terminate can
// cancel it. Re-tracking the same name cancels the previous task first.
func (r *BaseResource) TrackTask(name string, cancel context.CancelFunc, done chan struct{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.tasks[name]; ok {
		existing.Cancel()
	}
	r.tasks[name] = &Task{Name: name, Cancel: cancel, Done: done}
}

// Terminate is idempotent: cancels every tracked task and removes this
// resource from the registry. Subsequent calls are no-ops.
func (r *BaseResource) Terminate(ctx context.Context) bool {
	r.mu.Lock()
	if r.terminated {
		r.mu.Unlock()
		return true
	}
	r.terminated = true
	tasks := make([]*Task, 0, len(r.tasks))
	for _, t := range r.tasks {
		tasks = append(tasks, t)
	}
	r.mu.Unlock()

	for _, t := range tasks {
		t.Cancel()
		select {
		case <-t.Done:
		case <-ctx.Done():
		case <-time.After(5 * time.Second):
			r.logger.Warn("resource: task did not exit within grace period", map[string]interface{}{
				"resource_id": r.ID, "task": t.Name,
			})
		}
	}

	defaultRegistry.unregister(r.ID)
	return true
}

// IsTerminated reports whether Terminate has already run.
func (r *BaseResource) IsTerminated() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.terminated
}

// Registry is the process-global set of live BaseResources, used for
// aggregated shutdown (TerminateAll) and introspection.
type Registry struct {
	mu        sync.Mutex
	resources map[string]*BaseResource
}

var defaultRegistry = &Registry{resources: make(map[string]*BaseResource)}

// DefaultRegistry returns the process-global resource registry.
func DefaultRegistry() *Registry { return defaultRegistry }

func (reg *Registry) register(r *BaseResource) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	reg.resources[r.ID] = r
}

func (reg *Registry) unregister(id string) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	delete(reg.resources, id)
}

// IDs returns every currently-registered resource id, sorted.
func (reg *Registry) IDs() []string {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	ids := make([]string, 0, len(reg.resources))
	for id := range reg.resources {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// TerminateAll terminates every registered resource, tolerating
// individual failures (a panicking Terminate is recovered and recorded,
// never aborting the sweep for the remaining resources).
func (reg *Registry) TerminateAll(ctx context.Context) map[string]error {
	reg.mu.Lock()
	targets := make([]*BaseResource, 0, len(reg.resources))
	for _, r := range reg.resources {
		targets = append(targets, r)
	}
	reg.mu.Unlock()

	errs := make(map[string]error)
	for _, r := range targets {
		func() {
			defer func() {
				if p := recover(); p != nil {
					errs[r.ID] = coreiface.NewFrameworkError("resource.TerminateAll", "resource", fmt.Errorf("panic: %v", p)).WithID(r.ID)
				}
			}()
			r.Terminate(ctx)
		}()
	}
	return errs
}
