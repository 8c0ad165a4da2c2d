package server

import (
	"encoding/json"

	"stagegate/internal/domain"
	"stagegate/internal/engine"
)

// Request payloads

type InitiateRequest struct {
	EntityType    string         `json:"entity_type"`
	EntityID      string         `json:"entity_id"`
	Definition    string         `json:"definition,omitempty" doc:"Definition id or id@version; omit to route by configured rules"`
	Priority      string         `json:"priority,omitempty"`
	RequiredRoles []string       `json:"required_roles,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
}

type DecisionRequest struct {
	StageIndex int    `json:"stage_index"`
	Outcome    string `json:"outcome" enum:"approved,rejected,changes_requested,delegated"`
	Comments   string `json:"comments,omitempty"`
	Assignee   string `json:"assignee,omitempty" doc:"Defaults to the authenticated actor"`
}

type HoldRequest struct {
	Reason string `json:"reason,omitempty"`
}

type CancelRequest struct {
	Reason string `json:"reason,omitempty"`
}

type RegisterDefinitionRequest struct {
	Name   string                 `json:"name"`
	Stages []domain.StageTemplate `json:"stages"`
}

type UpsertEntityRequest struct {
	Status string         `json:"status,omitempty"`
	Attrs  map[string]any `json:"attrs,omitempty"`
}

type CreateAPIKeyRequest struct {
	ActorID string `json:"actor_id,omitempty" doc:"Defaults to the authenticated actor"`
	Name    string `json:"name,omitempty"`
}

// Responses

type InstanceResponse struct {
	ID                string         `json:"id"`
	DefinitionID      string         `json:"definition_id"`
	DefinitionVersion int            `json:"definition_version"`
	EntityType        string         `json:"entity_type"`
	EntityID          string         `json:"entity_id"`
	CurrentStage      int            `json:"current_stage"`
	StageName         string         `json:"stage_name,omitempty"`
	Status            string         `json:"status"`
	Priority          string         `json:"priority,omitempty"`
	Snapshot          map[string]any `json:"snapshot,omitempty"`
	StageEnteredAt    string         `json:"stage_entered_at"`
	CreatedBy         string         `json:"created_by"`
	CreatedAt         string         `json:"created_at"`
	CompletedAt       *string        `json:"completed_at,omitempty"`
	NextApprovers     []string       `json:"next_approvers,omitempty"`
}

type AssignmentResponse struct {
	ID         string  `json:"id"`
	InstanceID string  `json:"instance_id"`
	StageIndex int     `json:"stage_index"`
	AssigneeID string  `json:"assignee_id"`
	Status     string  `json:"status"`
	Outcome    *string `json:"outcome,omitempty"`
	Comments   *string `json:"comments,omitempty"`
	CreatedAt  string  `json:"created_at"`
	DecidedAt  *string `json:"decided_at,omitempty"`
}

type StatusResponse struct {
	Instance    InstanceResponse     `json:"instance"`
	Assignments []AssignmentResponse `json:"assignments"`
	Pending     []string             `json:"pending,omitempty"`
}

type DecisionResponse struct {
	Instance       InstanceResponse `json:"instance"`
	StageConcluded bool             `json:"stage_concluded"`
	StageOutcome   string           `json:"stage_outcome,omitempty"`
}

type EventResponse struct {
	ID         int64           `json:"id"`
	InstanceID string          `json:"instance_id"`
	Type       string          `json:"type"`
	FromState  string          `json:"from_state,omitempty"`
	ToState    string          `json:"to_state,omitempty"`
	ActorID    string          `json:"actor_id"`
	TS         string          `json:"ts"`
	Payload    json.RawMessage `json:"payload,omitempty"`
}

type QueueItemResponse struct {
	InstanceID     string `json:"instance_id"`
	EntityType     string `json:"entity_type"`
	EntityID       string `json:"entity_id"`
	StageIndex     int    `json:"stage_index"`
	Priority       string `json:"priority,omitempty"`
	AssignedAt     string `json:"assigned_at"`
	InstanceStatus string `json:"instance_status"`
}

type APIKeyResponse struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	Key       string `json:"key,omitempty" doc:"Only returned on creation"`
	CreatedAt string `json:"created_at"`
}

func instanceResponse(inst domain.WorkflowInstance) InstanceResponse {
	out := InstanceResponse{
		ID:                inst.ID,
		DefinitionID:      inst.DefinitionID,
		DefinitionVersion: inst.DefinitionVersion,
		EntityType:        inst.EntityType,
		EntityID:          inst.EntityID,
		CurrentStage:      inst.CurrentStage,
		Status:            inst.Status,
		Priority:          inst.Priority,
		StageEnteredAt:    inst.StageEnteredAt,
		CreatedBy:         inst.CreatedBy,
		CreatedAt:         inst.CreatedAt,
		CompletedAt:       inst.CompletedAt,
	}
	if inst.SnapshotJSON != nil {
		var snap map[string]any
		if err := json.Unmarshal([]byte(*inst.SnapshotJSON), &snap); err == nil {
			out.Snapshot = snap
		}
	}
	return out
}

func assignmentResponse(a domain.StageAssignment) AssignmentResponse {
	return AssignmentResponse{
		ID:         a.ID,
		InstanceID: a.InstanceID,
		StageIndex: a.StageIndex,
		AssigneeID: a.AssigneeID,
		Status:     a.Status,
		Outcome:    a.Outcome,
		Comments:   a.Comments,
		CreatedAt:  a.CreatedAt,
		DecidedAt:  a.DecidedAt,
	}
}

func statusResponse(st engine.InstanceStatus) StatusResponse {
	out := StatusResponse{
		Instance: instanceResponse(st.Instance),
		Pending:  st.Pending,
	}
	out.Instance.StageName = st.StageName
	out.Assignments = make([]AssignmentResponse, 0, len(st.Assignments))
	for _, a := range st.Assignments {
		out.Assignments = append(out.Assignments, assignmentResponse(a))
	}
	return out
}

func eventResponse(ev domain.WorkflowEvent) EventResponse {
	payload := json.RawMessage("{}")
	if ev.Payload != "" && json.Valid([]byte(ev.Payload)) {
		payload = json.RawMessage(ev.Payload)
	}
	return EventResponse{
		ID:         ev.ID,
		InstanceID: ev.InstanceID,
		Type:       ev.Type,
		FromState:  ev.FromState,
		ToState:    ev.ToState,
		ActorID:    ev.ActorID,
		TS:         ev.TS,
		Payload:    payload,
	}
}

func mapEvents(evts []domain.WorkflowEvent) []EventResponse {
	out := make([]EventResponse, 0, len(evts))
	for _, ev := range evts {
		out = append(out, eventResponse(ev))
	}
	return out
}
