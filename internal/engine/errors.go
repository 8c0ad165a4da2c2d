package engine

import "fmt"

// Conflict errors are retryable-after-refresh conditions: the caller acted on
// stale state. Each carries enough to reconcile against the authoritative
// instance.

// DuplicateActiveInstanceError means a non-terminal instance already exists
// for the entity.
type DuplicateActiveInstanceError struct {
	EntityType string
	EntityID   string
	InstanceID string
}

func (e DuplicateActiveInstanceError) Error() string {
	return fmt.Sprintf("active workflow instance %s already exists for %s/%s", e.InstanceID, e.EntityType, e.EntityID)
}

// StaleStageError means the caller addressed a stage the instance has
// already moved past.
type StaleStageError struct {
	InstanceID string
	Requested  int
	Current    int
}

func (e StaleStageError) Error() string {
	return fmt.Sprintf("instance %s is at stage %d, not %d; refresh and retry", e.InstanceID, e.Current, e.Requested)
}

// AlreadyDecidedError means the assignment has a recorded decision or was
// short-circuited; decisions are recorded at most once.
type AlreadyDecidedError struct {
	InstanceID string
	StageIndex int
	AssigneeID string
	Status     string
}

func (e AlreadyDecidedError) Error() string {
	return fmt.Sprintf("assignment for %s on instance %s stage %d is %s; decision already concluded", e.AssigneeID, e.InstanceID, e.StageIndex, e.Status)
}

// UnauthorizedApproverError means the actor holds no assignment in the stage.
type UnauthorizedApproverError struct {
	InstanceID string
	StageIndex int
	AssigneeID string
}

func (e UnauthorizedApproverError) Error() string {
	return fmt.Sprintf("%s has no assignment on instance %s stage %d", e.AssigneeID, e.InstanceID, e.StageIndex)
}

// InstanceTerminatedError means the instance reached a terminal state before
// the operation applied.
type InstanceTerminatedError struct {
	InstanceID string
	Status     string
}

func (e InstanceTerminatedError) Error() string {
	return fmt.Sprintf("instance %s is %s; no further changes accepted", e.InstanceID, e.Status)
}

// InstanceOnHoldError means the instance is paused; decisions are rejected
// until it resumes.
type InstanceOnHoldError struct {
	InstanceID string
}

func (e InstanceOnHoldError) Error() string {
	return fmt.Sprintf("instance %s is on hold", e.InstanceID)
}
