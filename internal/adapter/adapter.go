package adapter

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// EntityAdapter is the contract a business domain implements to plug into
// the workflow engine. The engine never imports domain-specific types; it
// only calls this interface.
type EntityAdapter interface {
	// BuildSnapshot returns the entity attributes conditions evaluate
	// against; also recorded in the audit payload.
	BuildSnapshot(ctx context.Context, entityID string) (map[string]any, error)
	// ApplyOutcome writes the workflow outcome back to the owning entity.
	// Idempotent: calling twice with the same instanceID+outcome is a no-op.
	ApplyOutcome(ctx context.Context, entityID, outcome, instanceID string) error
	// CurrentStatus reports the entity's own status field.
	CurrentStatus(ctx context.Context, entityID string) (string, error)
}

// NotRegisteredError reports an entity type with no adapter.
type NotRegisteredError struct {
	EntityType string
}

func (e NotRegisteredError) Error() string {
	return fmt.Sprintf("no entity adapter registered for type %s", e.EntityType)
}

// Registry maps entityType strings to adapters. Populated at startup,
// read-only afterwards.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]EntityAdapter
}

func NewRegistry() *Registry {
	return &Registry{adapters: make(map[string]EntityAdapter)}
}

func (r *Registry) Register(entityType string, a EntityAdapter) {
	r.mu.Lock()
	r.adapters[entityType] = a
	r.mu.Unlock()
}

func (r *Registry) Get(entityType string) (EntityAdapter, error) {
	r.mu.RLock()
	a, ok := r.adapters[entityType]
	r.mu.RUnlock()
	if !ok {
		return nil, NotRegisteredError{EntityType: entityType}
	}
	return a, nil
}

func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.adapters))
	for t := range r.adapters {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}
