package router

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"stagegate/internal/domain"
)

// Directory is the organizational lookup the router depends on. Role
// membership and delegations live outside the engine; repo.Repo satisfies
// this over SQL and tests supply an in-memory map.
type Directory interface {
	RoleMembers(ctx context.Context, role string) ([]string, error)
	Delegate(ctx context.Context, actorID string) (string, bool, error)
}

// NoEligibleApproverError means role expansion produced an empty assignee
// set for a non-skipped stage.
type NoEligibleApproverError struct {
	Stage string
	Roles []string
}

func (e NoEligibleApproverError) Error() string {
	return fmt.Sprintf("no eligible approver for stage %s (roles %s)", e.Stage, strings.Join(e.Roles, ","))
}

// Assignee is one resolved approver. DelegatedFrom is set when a standing
// delegation substituted the original role member.
type Assignee struct {
	ID            string
	DelegatedFrom string
}

// Resolution is the router's answer for one stage.
type Resolution struct {
	Skipped   bool
	Assignees []Assignee
}

type Router struct {
	Directory Directory
}

// Resolve computes the concrete approver set for a stage against an entity
// snapshot. A false condition skips the stage outright; an empty expansion
// is an error, never a silent deadlock.
func (r Router) Resolve(ctx context.Context, stage domain.StageTemplate, snap Snapshot) (Resolution, error) {
	if stage.Condition != nil {
		ok, err := EvalCondition(*stage.Condition, snap)
		if err != nil {
			return Resolution{}, fmt.Errorf("stage %s condition: %w", stage.Name, err)
		}
		if !ok {
			return Resolution{Skipped: true}, nil
		}
	}
	assignees, err := r.ExpandRoles(ctx, stage.RequiredRoles)
	if err != nil {
		return Resolution{}, err
	}
	if len(assignees) == 0 {
		return Resolution{}, NoEligibleApproverError{Stage: stage.Name, Roles: stage.RequiredRoles}
	}
	return Resolution{Assignees: assignees}, nil
}

// ExpandRoles maps roles to a deduplicated assignee set, substituting
// delegates where a delegation record exists.
func (r Router) ExpandRoles(ctx context.Context, roles []string) ([]Assignee, error) {
	seen := map[string]bool{}
	var assignees []Assignee
	for _, role := range roles {
		members, err := r.Directory.RoleMembers(ctx, role)
		if err != nil {
			return nil, fmt.Errorf("expand role %s: %w", role, err)
		}
		for _, member := range members {
			assignee := Assignee{ID: member}
			delegate, ok, err := r.Directory.Delegate(ctx, member)
			if err != nil {
				return nil, fmt.Errorf("delegation lookup for %s: %w", member, err)
			}
			if ok && delegate != "" && delegate != member {
				assignee = Assignee{ID: delegate, DelegatedFrom: member}
			}
			if seen[assignee.ID] {
				continue
			}
			seen[assignee.ID] = true
			assignees = append(assignees, assignee)
		}
	}
	return assignees, nil
}

// Snapshot is the flattened entity view conditions evaluate against. Fields:
// entity_type, entity_id, priority, required_roles, and metadata.<key>.
type Snapshot map[string]any

// SnapshotFromMapping flattens a caller mapping plus optional adapter
// attributes. Mapping metadata wins over adapter attributes on key clashes.
func SnapshotFromMapping(mapping domain.EntityMapping, adapterAttrs map[string]any) Snapshot {
	snap := Snapshot{
		"entity_type": mapping.EntityType,
		"entity_id":   mapping.EntityID,
		"priority":    mapping.Priority,
	}
	if len(mapping.RequiredRoles) > 0 {
		snap["required_roles"] = mapping.RequiredRoles
	}
	for k, v := range adapterAttrs {
		snap["metadata."+k] = v
	}
	for k, v := range mapping.Metadata {
		snap["metadata."+k] = v
	}
	return snap
}

// SnapshotFromJSON restores a stored snapshot.
func SnapshotFromJSON(data string) (Snapshot, error) {
	var snap Snapshot
	if err := json.Unmarshal([]byte(data), &snap); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot: %w", err)
	}
	return snap, nil
}

// JSON serializes the snapshot for persistence on the instance.
func (s Snapshot) JSON() (string, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return "", fmt.Errorf("marshal snapshot: %w", err)
	}
	return string(data), nil
}

// EvalCondition evaluates a predicate against a snapshot. Unknown fields
// evaluate as nil rather than erroring so that optional metadata can gate
// stages.
func EvalCondition(cond domain.StageCondition, snap Snapshot) (bool, error) {
	val := snap[cond.Field]
	switch cond.Op {
	case "eq":
		return equal(val, cond.Value), nil
	case "ne":
		return !equal(val, cond.Value), nil
	case "gt", "gte", "lt", "lte":
		a, aok := asNumber(val)
		b, bok := asNumber(cond.Value)
		if !aok || !bok {
			return false, nil
		}
		switch cond.Op {
		case "gt":
			return a > b, nil
		case "gte":
			return a >= b, nil
		case "lt":
			return a < b, nil
		default:
			return a <= b, nil
		}
	case "in":
		items, ok := asSlice(cond.Value)
		if !ok {
			return false, fmt.Errorf("in condition needs a list value")
		}
		// A list-valued field (required_roles) matches on intersection.
		vals, isList := asSlice(val)
		if !isList {
			vals = []any{val}
		}
		for _, v := range vals {
			for _, item := range items {
				if equal(v, item) {
					return true, nil
				}
			}
		}
		return false, nil
	default:
		return false, fmt.Errorf("invalid condition op %q", cond.Op)
	}
}

func equal(a, b any) bool {
	if an, ok := asNumber(a); ok {
		if bn, ok := asNumber(b); ok {
			return an == bn
		}
	}
	return fmt.Sprintf("%v", a) == fmt.Sprintf("%v", b)
}

func asNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

func asSlice(v any) ([]any, bool) {
	switch s := v.(type) {
	case []any:
		return s, true
	case []string:
		items := make([]any, len(s))
		for i, item := range s {
			items[i] = item
		}
		return items, true
	}
	return nil, false
}
