// Package registry maps adapter ids to adapter implementations and tracks
// the per-organization enable flags supplied by external configuration.
package registry

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"github.com/example/fieldsync/internal/adapters/common"
	"github.com/example/fieldsync/internal/models"
)

// Registry is the explicit, dependency-injected home of all adapters. It is
// populated at startup; enable flags may change at runtime when the
// configuration collaborator pushes an update.
type Registry struct {
	logger zerolog.Logger

	mu       sync.RWMutex
	adapters map[string]common.Adapter
	enabled  map[string]bool
}

// New constructs an empty registry.
func New(logger zerolog.Logger) *Registry {
	return &Registry{
		logger:   logger.With().Str("component", "adapter_registry").Logger(),
		adapters: make(map[string]common.Adapter),
		enabled:  make(map[string]bool),
	}
}

// Register adds an adapter. Duplicate ids are rejected; adapters start
// enabled unless the configuration collaborator says otherwise.
func (r *Registry) Register(a common.Adapter) error {
	if a == nil {
		return fmt.Errorf("registry: adapter is nil")
	}
	id := a.ID()
	if id == "" {
		return fmt.Errorf("registry: adapter id is empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.adapters[id]; dup {
		return fmt.Errorf("registry: adapter %q already registered", id)
	}
	r.adapters[id] = a
	r.enabled[id] = true
	r.logger.Info().Str("adapter_id", id).Msg("adapter registered")
	return nil
}

// SetEnabled flips the per-organization enable flag for an adapter. A
// disabled adapter keeps its pending deliveries; they simply wait.
func (r *Registry) SetEnabled(id string, enabled bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.adapters[id]; !ok {
		return
	}
	r.enabled[id] = enabled
	r.logger.Info().Str("adapter_id", id).Bool("enabled", enabled).Msg("adapter enable flag updated")
}

// Enabled reports whether an adapter is registered and enabled.
func (r *Registry) Enabled(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.enabled[id]
}

// Get returns the adapter for an id.
func (r *Registry) Get(id string) (common.Adapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[id]
	return a, ok
}

// TargetsFor returns the ids of registered adapters that map the field type,
// ordered by adapter priority then id. Adapters that do not support the type
// are skipped silently; disabled adapters are still included so their
// deliveries queue up and proceed once re-enabled.
func (r *Registry) TargetsFor(t models.FieldType) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	type ranked struct {
		id       string
		priority models.Priority
	}
	var targets []ranked
	for id, a := range r.adapters {
		if a.Supports(t) {
			targets = append(targets, ranked{id: id, priority: a.Priority()})
		}
	}
	sort.Slice(targets, func(i, j int) bool {
		if targets[i].priority != targets[j].priority {
			return targets[i].priority < targets[j].priority
		}
		return targets[i].id < targets[j].id
	})

	ids := make([]string, 0, len(targets))
	for _, t := range targets {
		ids = append(ids, t.id)
	}
	return ids
}

// IDs returns all registered adapter ids, sorted.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.adapters))
	for id := range r.adapters {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// HealthCheck probes every enabled adapter and returns the per-adapter
// outcome.
func (r *Registry) HealthCheck(ctx context.Context) map[string]bool {
	r.mu.RLock()
	adapters := make(map[string]common.Adapter, len(r.adapters))
	for id, a := range r.adapters {
		if r.enabled[id] {
			adapters[id] = a
		}
	}
	r.mu.RUnlock()

	out := make(map[string]bool, len(adapters))
	for id, a := range adapters {
		out[id] = a.HealthCheck(ctx)
	}
	return out
}
