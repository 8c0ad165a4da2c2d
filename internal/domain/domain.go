package domain

// Instance statuses.
const (
	InstanceInProgress = "in_progress"
	InstanceCompleted  = "completed"
	InstanceRejected   = "rejected"
	InstanceCancelled  = "cancelled"
	InstanceOnHold     = "on_hold"
)

// Assignment statuses.
const (
	AssignmentPending    = "pending"
	AssignmentInProgress = "in_progress"
	AssignmentCompleted  = "completed"
	AssignmentSkipped    = "skipped"
	AssignmentEscalated  = "escalated"
)

// Decision outcomes.
const (
	OutcomeApproved         = "approved"
	OutcomeRejected         = "rejected"
	OutcomeChangesRequested = "changes_requested"
	OutcomeDelegated        = "delegated"
	OutcomeSkipped          = "skipped"
)

// Approval modes.
const (
	ModeAny    = "any"
	ModeAll    = "all"
	ModeQuorum = "quorum"
)

// Escalation policies.
const (
	EscalateToRole = "escalate_to"
	AutoApprove    = "auto_approve"
	AutoReject     = "auto_reject"
)

// TerminalInstance reports whether a status is a sink.
func TerminalInstance(status string) bool {
	switch status {
	case InstanceCompleted, InstanceRejected, InstanceCancelled:
		return true
	}
	return false
}

type WorkflowDefinition struct {
	ID        string          `json:"id" yaml:"id"`
	Name      string          `json:"name" yaml:"name"`
	Version   int             `json:"version" yaml:"version"`
	Stages    []StageTemplate `json:"stages" yaml:"stages"`
	CreatedBy string          `json:"created_by,omitempty" yaml:"-"`
	CreatedAt string          `json:"created_at,omitempty" yaml:"-" format:"date-time"`
}

type StageTemplate struct {
	Name          string            `json:"name" yaml:"name"`
	RequiredRoles []string          `json:"required_roles" yaml:"required_roles"`
	ApprovalMode  string            `json:"approval_mode" yaml:"approval_mode" enum:"any,all,quorum"`
	Quorum        int               `json:"quorum,omitempty" yaml:"quorum,omitempty"`
	Condition     *StageCondition   `json:"condition,omitempty" yaml:"condition,omitempty"`
	Escalation    *EscalationPolicy `json:"escalation,omitempty" yaml:"escalation,omitempty"`
}

// StageCondition is a predicate over the instance snapshot. A stage whose
// condition evaluates false is skipped without creating assignments.
type StageCondition struct {
	Field string `json:"field" yaml:"field"`
	Op    string `json:"op" yaml:"op" enum:"eq,ne,gt,gte,lt,lte,in"`
	Value any    `json:"value" yaml:"value"`
}

type EscalationPolicy struct {
	TimeoutSeconds int    `json:"timeout_seconds" yaml:"timeout_seconds"`
	OnTimeout      string `json:"on_timeout" yaml:"on_timeout" enum:"escalate_to,auto_approve,auto_reject"`
	EscalateRole   string `json:"escalate_role,omitempty" yaml:"escalate_role,omitempty"`
}

type WorkflowInstance struct {
	ID                string  `json:"id"`
	DefinitionID      string  `json:"definition_id"`
	DefinitionVersion int     `json:"definition_version"`
	EntityType        string  `json:"entity_type"`
	EntityID          string  `json:"entity_id"`
	CurrentStage      int     `json:"current_stage"`
	Status            string  `json:"status" enum:"in_progress,completed,rejected,cancelled,on_hold"`
	Priority          string  `json:"priority,omitempty"`
	SnapshotJSON      *string `json:"snapshot_json,omitempty"`
	StageEnteredAt    string  `json:"stage_entered_at" format:"date-time"`
	CreatedBy         string  `json:"created_by"`
	CreatedAt         string  `json:"created_at" format:"date-time"`
	CompletedAt       *string `json:"completed_at,omitempty" format:"date-time"`
}

type StageAssignment struct {
	ID           string  `json:"id"`
	InstanceID   string  `json:"instance_id"`
	StageIndex   int     `json:"stage_index"`
	AssigneeID   string  `json:"assignee_id"`
	Status       string  `json:"status" enum:"pending,in_progress,completed,skipped,escalated"`
	Outcome      *string `json:"outcome,omitempty" enum:"approved,rejected,changes_requested,delegated,skipped"`
	Comments     *string `json:"comments,omitempty"`
	MetadataJSON *string `json:"metadata_json,omitempty"`
	CreatedAt    string  `json:"created_at" format:"date-time"`
	DecidedAt    *string `json:"decided_at,omitempty" format:"date-time"`
}

// WorkflowEvent rows are append-only; they are the source of truth for
// reconstructing instance state.
type WorkflowEvent struct {
	ID         int64  `json:"id"`
	InstanceID string `json:"instance_id"`
	Type       string `json:"type"`
	FromState  string `json:"from_state,omitempty"`
	ToState    string `json:"to_state,omitempty"`
	ActorID    string `json:"actor_id"`
	TS         string `json:"ts" format:"date-time"`
	Payload    string `json:"payload,omitempty"`
}

// EntityMapping is the caller-supplied snapshot handed to Initiate. It is not
// persisted on its own; the merged snapshot is stored on the instance.
type EntityMapping struct {
	EntityType    string         `json:"entity_type"`
	EntityID      string         `json:"entity_id"`
	RequiredRoles []string       `json:"required_roles,omitempty"`
	Priority      string         `json:"priority,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
}

type RoleMember struct {
	Role    string `json:"role"`
	ActorID string `json:"actor_id"`
}

type Delegation struct {
	ActorID    string `json:"actor_id"`
	DelegateID string `json:"delegate_id"`
	CreatedAt  string `json:"created_at" format:"date-time"`
}

// EntityRecord is the minimal substrate the reference adapters operate on.
type EntityRecord struct {
	EntityType string `json:"entity_type"`
	EntityID   string `json:"entity_id"`
	Status     string `json:"status"`
	AttrsJSON  string `json:"attrs_json,omitempty"`
	UpdatedAt  string `json:"updated_at" format:"date-time"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"-"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
