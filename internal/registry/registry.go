package registry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"stagegate/internal/config"
	"stagegate/internal/domain"
	"stagegate/internal/repo"
	"stagegate/internal/router"
)

// DefinitionNotFoundError reports an unknown definition id/version.
type DefinitionNotFoundError struct {
	ID      string
	Version int
}

func (e DefinitionNotFoundError) Error() string {
	if e.Version > 0 {
		return fmt.Sprintf("workflow definition %s@%d not found", e.ID, e.Version)
	}
	return fmt.Sprintf("workflow definition %s not found", e.ID)
}

// Registry stores workflow definitions. Definitions are immutable once
// stored; registering an existing id bumps the version. Reads are served
// from an in-process cache since published versions never change.
type Registry struct {
	Repo   repo.Repo
	Config *config.Config
	Now    func() time.Time

	mu    sync.RWMutex
	cache map[string]domain.WorkflowDefinition
}

func New(r repo.Repo, cfg *config.Config) *Registry {
	return &Registry{
		Repo:   r,
		Config: cfg,
		Now:    time.Now,
		cache:  make(map[string]domain.WorkflowDefinition),
	}
}

func cacheKey(id string, version int) string {
	return fmt.Sprintf("%s@%d", id, version)
}

// Register validates and stores a definition, returning it with its assigned
// version. An empty ID is derived from the name.
func (g *Registry) Register(ctx context.Context, def domain.WorkflowDefinition, actorID string) (domain.WorkflowDefinition, error) {
	if def.ID == "" {
		def.ID = slug(def.Name)
	}
	if def.ID == "" {
		return def, errors.New("definition id or name required")
	}
	if def.Name == "" {
		def.Name = def.ID
	}
	if err := config.ValidateStages(def.Stages); err != nil {
		return def, fmt.Errorf("invalid definition %s: %w", def.ID, err)
	}
	latest, err := g.Repo.LatestDefinitionVersion(ctx, def.ID)
	if err != nil {
		return def, err
	}
	def.Version = latest + 1
	def.CreatedBy = actorID
	def.CreatedAt = g.now().UTC().Format(time.RFC3339)
	if err := g.Repo.InsertDefinition(ctx, nil, def); err != nil {
		return def, err
	}
	g.mu.Lock()
	g.cache[cacheKey(def.ID, def.Version)] = def
	g.mu.Unlock()
	return def, nil
}

// Get returns a definition by id and version; version 0 means latest.
func (g *Registry) Get(ctx context.Context, id string, version int) (domain.WorkflowDefinition, error) {
	if def, ok := g.cached(id, version); ok {
		return def, nil
	}
	def, err := g.Repo.GetDefinition(ctx, id, version)
	return g.fill(def, err, id, version)
}

// GetTx is Get reading through an open transaction on a cache miss. The
// engine calls this mid-transaction; the connection pool may hold a single
// connection, so the lookup must not go back to the pool.
func (g *Registry) GetTx(ctx context.Context, tx *sql.Tx, id string, version int) (domain.WorkflowDefinition, error) {
	if def, ok := g.cached(id, version); ok {
		return def, nil
	}
	def, err := g.Repo.GetDefinitionTx(ctx, tx, id, version)
	return g.fill(def, err, id, version)
}

func (g *Registry) cached(id string, version int) (domain.WorkflowDefinition, bool) {
	if version <= 0 {
		return domain.WorkflowDefinition{}, false
	}
	g.mu.RLock()
	def, ok := g.cache[cacheKey(id, version)]
	g.mu.RUnlock()
	return def, ok
}

func (g *Registry) fill(def domain.WorkflowDefinition, err error, id string, version int) (domain.WorkflowDefinition, error) {
	if errors.Is(err, repo.ErrNotFound) {
		return def, DefinitionNotFoundError{ID: id, Version: version}
	}
	if err != nil {
		return def, err
	}
	g.mu.Lock()
	g.cache[cacheKey(def.ID, def.Version)] = def
	g.mu.Unlock()
	return def, nil
}

// ResolveDefault picks the definition for an entity per the configured
// routing rules, falling back to the configured default. It never leaves a
// caller without a workflow unless the fallback itself is unregistered.
func (g *Registry) ResolveDefault(ctx context.Context, mapping domain.EntityMapping) (domain.WorkflowDefinition, error) {
	snap := router.SnapshotFromMapping(mapping, nil)
	for _, rule := range g.Config.Routing.Rules {
		if rule.EntityType != mapping.EntityType {
			continue
		}
		if rule.When != nil {
			ok, err := router.EvalCondition(*rule.When, snap)
			if err != nil {
				return domain.WorkflowDefinition{}, fmt.Errorf("routing rule for %s: %w", mapping.EntityType, err)
			}
			if !ok {
				continue
			}
		}
		return g.Get(ctx, rule.Definition, 0)
	}
	return g.Get(ctx, g.Config.Routing.Fallback, 0)
}

// Seed registers catalog definitions that are not yet stored. Stored
// definitions are left untouched even if the catalog entry changed; edits
// must go through Register to get a new version.
func (g *Registry) Seed(ctx context.Context, actorID string) error {
	for id, doc := range g.Config.Definitions.Catalog {
		latest, err := g.Repo.LatestDefinitionVersion(ctx, id)
		if err != nil {
			return err
		}
		if latest > 0 {
			continue
		}
		def := domain.WorkflowDefinition{ID: id, Name: doc.Name, Stages: doc.Stages}
		if _, err := g.Register(ctx, def, actorID); err != nil {
			return fmt.Errorf("seed definition %s: %w", id, err)
		}
	}
	return nil
}

func (g *Registry) now() time.Time {
	if g.Now != nil {
		return g.Now()
	}
	return time.Now()
}

func slug(name string) string {
	s := strings.ToLower(strings.TrimSpace(name))
	s = strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			return r
		case r == ' ', r == '_', r == '-', r == '.':
			return '-'
		}
		return -1
	}, s)
	return strings.Trim(s, "-")
}
