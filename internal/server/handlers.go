package server

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/google/uuid"

	"stagegate/internal/domain"
	"stagegate/internal/engine"
	"stagegate/internal/repo"
)

var mutationErrors = []int{
	http.StatusBadRequest,
	http.StatusForbidden,
	http.StatusNotFound,
	http.StatusConflict,
	http.StatusUnprocessableEntity,
	http.StatusInternalServerError,
}

func registerInstances(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "initiate-instance",
		Method:        http.MethodPost,
		Path:          "/instances",
		Summary:       "Initiate a workflow instance",
		DefaultStatus: http.StatusCreated,
		Errors:        mutationErrors,
	}, func(ctx context.Context, input *struct {
		Body InitiateRequest `json:"body"`
	}) (*struct {
		Body InstanceResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		res, err := e.Initiate(ctx, engine.InitiateOptions{
			Mapping: domain.EntityMapping{
				EntityType:    input.Body.EntityType,
				EntityID:      input.Body.EntityID,
				RequiredRoles: input.Body.RequiredRoles,
				Priority:      input.Body.Priority,
				Metadata:      input.Body.Metadata,
			},
			DefinitionRef: input.Body.Definition,
			ActorID:       actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		out := instanceResponse(res.Instance)
		out.StageName = res.StageName
		out.NextApprovers = res.NextApprovers
		return &struct {
			Body InstanceResponse `json:"body"`
		}{Body: out}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-instances",
		Method:      http.MethodGet,
		Path:        "/instances",
		Summary:     "List workflow instances",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		EntityType string `query:"entity_type"`
		EntityID   string `query:"entity_id"`
		Status     string `query:"status"`
		Limit      int    `query:"limit"`
	}) (*struct {
		Body []InstanceResponse `json:"body"`
	}, error) {
		items, err := e.Repo.ListInstances(ctx, repo.InstanceFilters{
			EntityType: input.EntityType,
			EntityID:   input.EntityID,
			Status:     input.Status,
			Limit:      input.Limit,
		})
		if err != nil {
			return nil, handleError(err)
		}
		out := make([]InstanceResponse, 0, len(items))
		for _, inst := range items {
			out = append(out, instanceResponse(inst))
		}
		return &struct {
			Body []InstanceResponse `json:"body"`
		}{Body: out}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-instance",
		Method:      http.MethodGet,
		Path:        "/instances/{instance_id}",
		Summary:     "Instance status",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		InstanceID string `path:"instance_id"`
	}) (*struct {
		Body StatusResponse `json:"body"`
	}, error) {
		st, err := e.Status(ctx, input.InstanceID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body StatusResponse `json:"body"`
		}{Body: statusResponse(st)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "instance-history",
		Method:      http.MethodGet,
		Path:        "/instances/{instance_id}/history",
		Summary:     "Instance audit trail",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		InstanceID string `path:"instance_id"`
	}) (*struct {
		Body []EventResponse `json:"body"`
	}, error) {
		evts, err := e.History(ctx, input.InstanceID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []EventResponse `json:"body"`
		}{Body: mapEvents(evts)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "instance-replay",
		Method:      http.MethodGet,
		Path:        "/instances/{instance_id}/replay",
		Summary:     "Instance state reconstructed from the audit trail",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		InstanceID string `path:"instance_id"`
	}) (*struct {
		Body engine.ReplayState `json:"body"`
	}, error) {
		st, err := e.Replay(ctx, input.InstanceID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.ReplayState `json:"body"`
		}{Body: st}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "hold-instance",
		Method:      http.MethodPost,
		Path:        "/instances/{instance_id}/hold",
		Summary:     "Pause an instance",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		InstanceID string      `path:"instance_id"`
		Body       HoldRequest `json:"body"`
	}) (*struct {
		Body InstanceResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		inst, err := e.Hold(ctx, input.InstanceID, input.Body.Reason, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body InstanceResponse `json:"body"`
		}{Body: instanceResponse(inst)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "resume-instance",
		Method:      http.MethodPost,
		Path:        "/instances/{instance_id}/resume",
		Summary:     "Resume a held instance",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		InstanceID string `path:"instance_id"`
	}) (*struct {
		Body InstanceResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		inst, err := e.Resume(ctx, input.InstanceID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body InstanceResponse `json:"body"`
		}{Body: instanceResponse(inst)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "cancel-instance",
		Method:      http.MethodPost,
		Path:        "/instances/{instance_id}/cancel",
		Summary:     "Cancel an instance",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		InstanceID string        `path:"instance_id"`
		Body       CancelRequest `json:"body"`
	}) (*struct {
		Body InstanceResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		inst, err := e.Cancel(ctx, input.InstanceID, input.Body.Reason, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body InstanceResponse `json:"body"`
		}{Body: instanceResponse(inst)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "retry-adapter-sync",
		Method:      http.MethodPost,
		Path:        "/instances/{instance_id}/sync",
		Summary:     "Retry propagating a terminal outcome to the owning domain",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		InstanceID string `path:"instance_id"`
	}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.RetryAdapterSync(ctx, input.InstanceID, actorID); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "synced"}}, nil
	})
}

func registerDecisions(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "record-decision",
		Method:        http.MethodPost,
		Path:          "/instances/{instance_id}/decisions",
		Summary:       "Record an approval decision",
		DefaultStatus: http.StatusCreated,
		Errors:        mutationErrors,
	}, func(ctx context.Context, input *struct {
		InstanceID string          `path:"instance_id"`
		Body       DecisionRequest `json:"body"`
	}) (*struct {
		Body DecisionResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		assignee := input.Body.Assignee
		if assignee == "" {
			assignee = actorID
		}
		res, err := e.RecordDecision(ctx, engine.DecisionOptions{
			InstanceID: input.InstanceID,
			StageIndex: input.Body.StageIndex,
			AssigneeID: assignee,
			Outcome:    input.Body.Outcome,
			Comments:   input.Body.Comments,
			ActorID:    actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		inst := instanceResponse(res.Instance)
		inst.StageName = res.StageName
		return &struct {
			Body DecisionResponse `json:"body"`
		}{Body: DecisionResponse{
			Instance:       inst,
			StageConcluded: res.StageConcluded,
			StageOutcome:   res.StageOutcome,
		}}, nil
	})
}

func registerQueue(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "approval-queue",
		Method:      http.MethodGet,
		Path:        "/queue",
		Summary:     "Open approvals for an assignee",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Assignee string `query:"assignee" doc:"Defaults to the authenticated actor"`
		Limit    int    `query:"limit"`
	}) (*struct {
		Body []QueueItemResponse `json:"body"`
	}, error) {
		assignee := input.Assignee
		if assignee == "" {
			actorID, authErr := actorIDFromContext(ctx)
			if authErr != nil {
				return nil, authErr
			}
			assignee = actorID
		}
		items, err := e.Queue(ctx, assignee, input.Limit)
		if err != nil {
			return nil, handleError(err)
		}
		out := make([]QueueItemResponse, 0, len(items))
		for _, it := range items {
			out = append(out, QueueItemResponse{
				InstanceID:     it.Instance.ID,
				EntityType:     it.Instance.EntityType,
				EntityID:       it.Instance.EntityID,
				StageIndex:     it.Assignment.StageIndex,
				Priority:       it.Instance.Priority,
				AssignedAt:     it.Assignment.CreatedAt,
				InstanceStatus: it.Instance.Status,
			})
		}
		return &struct {
			Body []QueueItemResponse `json:"body"`
		}{Body: out}, nil
	})
}

func registerDefinitions(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "register-definition",
		Method:        http.MethodPost,
		Path:          "/definitions",
		Summary:       "Register a workflow definition version",
		DefaultStatus: http.StatusCreated,
		Errors:        mutationErrors,
	}, func(ctx context.Context, input *struct {
		Body RegisterDefinitionRequest `json:"body"`
	}) (*struct {
		Body domain.WorkflowDefinition `json:"body"`
	}, error) {
		if input.Body.Name == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "name is required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		def, err := e.Registry.Register(ctx, domain.WorkflowDefinition{
			Name:   input.Body.Name,
			Stages: input.Body.Stages,
		}, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.WorkflowDefinition `json:"body"`
		}{Body: def}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-definitions",
		Method:      http.MethodGet,
		Path:        "/definitions",
		Summary:     "List latest definition versions",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []domain.WorkflowDefinition `json:"body"`
	}, error) {
		defs, err := e.Repo.ListDefinitions(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.WorkflowDefinition `json:"body"`
		}{Body: defs}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-definition",
		Method:      http.MethodGet,
		Path:        "/definitions/{definition_id}",
		Summary:     "Get a definition",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		DefinitionID string `path:"definition_id"`
		Version      int    `query:"version" doc:"0 means latest"`
	}) (*struct {
		Body domain.WorkflowDefinition `json:"body"`
	}, error) {
		def, err := e.Registry.Get(ctx, input.DefinitionID, input.Version)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.WorkflowDefinition `json:"body"`
		}{Body: def}, nil
	})
}

func registerDirectory(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-role-members",
		Method:      http.MethodGet,
		Path:        "/roles",
		Summary:     "List role memberships",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []domain.RoleMember `json:"body"`
	}, error) {
		members, err := e.Repo.ListRoleMembers(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.RoleMember `json:"body"`
		}{Body: members}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "add-role-member",
		Method:        http.MethodPut,
		Path:          "/roles/{role}/members/{actor_id}",
		Summary:       "Add an actor to a role",
		DefaultStatus: http.StatusNoContent,
		Errors:        mutationErrors,
	}, func(ctx context.Context, input *struct {
		Role    string `path:"role"`
		ActorID string `path:"actor_id"`
	}) (*struct{}, error) {
		if err := e.Repo.AddRoleMember(ctx, input.Role, input.ActorID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "remove-role-member",
		Method:        http.MethodDelete,
		Path:          "/roles/{role}/members/{actor_id}",
		Summary:       "Remove an actor from a role",
		DefaultStatus: http.StatusNoContent,
		Errors:        mutationErrors,
	}, func(ctx context.Context, input *struct {
		Role    string `path:"role"`
		ActorID string `path:"actor_id"`
	}) (*struct{}, error) {
		if err := e.Repo.RemoveRoleMember(ctx, input.Role, input.ActorID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-delegations",
		Method:      http.MethodGet,
		Path:        "/delegations",
		Summary:     "List standing delegations",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []domain.Delegation `json:"body"`
	}, error) {
		items, err := e.Repo.ListDelegations(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Delegation `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "set-delegation",
		Method:        http.MethodPut,
		Path:          "/delegations/{actor_id}",
		Summary:       "Set a standing delegation",
		DefaultStatus: http.StatusNoContent,
		Errors:        mutationErrors,
	}, func(ctx context.Context, input *struct {
		ActorID string `path:"actor_id"`
		Body    struct {
			DelegateID string `json:"delegate_id"`
		} `json:"body"`
	}) (*struct{}, error) {
		if input.Body.DelegateID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "delegate_id is required", nil)
		}
		if input.Body.DelegateID == input.ActorID {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "cannot delegate to self", nil)
		}
		if err := e.Repo.SetDelegation(ctx, input.ActorID, input.Body.DelegateID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "clear-delegation",
		Method:        http.MethodDelete,
		Path:          "/delegations/{actor_id}",
		Summary:       "Clear a standing delegation",
		DefaultStatus: http.StatusNoContent,
		Errors:        mutationErrors,
	}, func(ctx context.Context, input *struct {
		ActorID string `path:"actor_id"`
	}) (*struct{}, error) {
		if err := e.Repo.ClearDelegation(ctx, input.ActorID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func registerEntities(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "upsert-entity",
		Method:        http.MethodPut,
		Path:          "/entities/{entity_type}/{entity_id}",
		Summary:       "Upsert an entity record",
		DefaultStatus: http.StatusNoContent,
		Errors:        mutationErrors,
	}, func(ctx context.Context, input *struct {
		EntityType string              `path:"entity_type"`
		EntityID   string              `path:"entity_id"`
		Body       UpsertEntityRequest `json:"body"`
	}) (*struct{}, error) {
		attrs := "{}"
		if input.Body.Attrs != nil {
			data, err := json.Marshal(input.Body.Attrs)
			if err != nil {
				return nil, handleError(err)
			}
			attrs = string(data)
		}
		rec := domain.EntityRecord{
			EntityType: input.EntityType,
			EntityID:   input.EntityID,
			Status:     input.Body.Status,
			AttrsJSON:  attrs,
			UpdatedAt:  time.Now().UTC().Format(time.RFC3339),
		}
		if err := e.Repo.UpsertEntityRecord(ctx, rec); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-entity",
		Method:      http.MethodGet,
		Path:        "/entities/{entity_type}/{entity_id}",
		Summary:     "Get an entity record",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		EntityType string `path:"entity_type"`
		EntityID   string `path:"entity_id"`
	}) (*struct {
		Body domain.EntityRecord `json:"body"`
	}, error) {
		rec, err := e.Repo.GetEntityRecord(ctx, input.EntityType, input.EntityID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.EntityRecord `json:"body"`
		}{Body: rec}, nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "tail-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "Tail the event log",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		After int64 `query:"after"`
		Limit int   `query:"limit"`
	}) (*struct {
		Body []EventResponse `json:"body"`
	}, error) {
		limit := input.Limit
		if limit <= 0 || limit > 500 {
			limit = 100
		}
		evts, err := e.Repo.EventsAfter(ctx, limit, input.After)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []EventResponse `json:"body"`
		}{Body: mapEvents(evts)}, nil
	})
}

func registerAPIKeys(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-apikey",
		Method:        http.MethodPost,
		Path:          "/apikeys",
		Summary:       "Create an API key",
		DefaultStatus: http.StatusCreated,
		Errors:        mutationErrors,
	}, func(ctx context.Context, input *struct {
		Body CreateAPIKeyRequest `json:"body"`
	}) (*struct {
		Body APIKeyResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		owner := input.Body.ActorID
		if owner == "" {
			owner = actorID
		}
		secret := uuid.New().String() + uuid.New().String()
		key := domain.APIKey{
			ID:        uuid.New().String(),
			ActorID:   owner,
			Name:      input.Body.Name,
			KeyHash:   repo.HashAPIKey(secret),
			CreatedAt: time.Now().UTC().Format(time.RFC3339),
		}
		if err := e.Repo.InsertAPIKey(ctx, key); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body APIKeyResponse `json:"body"`
		}{Body: APIKeyResponse{
			ID:        key.ID,
			ActorID:   key.ActorID,
			Name:      key.Name,
			Key:       secret,
			CreatedAt: key.CreatedAt,
		}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-apikeys",
		Method:      http.MethodGet,
		Path:        "/apikeys",
		Summary:     "List API keys for the authenticated actor",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []APIKeyResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		keys, err := e.Repo.ListAPIKeys(ctx, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		out := make([]APIKeyResponse, 0, len(keys))
		for _, k := range keys {
			out = append(out, APIKeyResponse{ID: k.ID, ActorID: k.ActorID, Name: k.Name, CreatedAt: k.CreatedAt})
		}
		return &struct {
			Body []APIKeyResponse `json:"body"`
		}{Body: out}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "delete-apikey",
		Method:        http.MethodDelete,
		Path:          "/apikeys/{key_id}",
		Summary:       "Delete an API key",
		DefaultStatus: http.StatusNoContent,
		Errors:        mutationErrors,
	}, func(ctx context.Context, input *struct {
		KeyID string `path:"key_id"`
	}) (*struct{}, error) {
		if err := e.Repo.DeleteAPIKey(ctx, input.KeyID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}
