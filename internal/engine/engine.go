package engine

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"stagegate/internal/adapter"
	"stagegate/internal/config"
	"stagegate/internal/domain"
	"stagegate/internal/events"
	"stagegate/internal/registry"
	"stagegate/internal/repo"
	"stagegate/internal/router"
)

// Engine orchestrates workflow instances: it owns every state mutation and
// writes the audit trail in the same transaction as the rows it changes.
type Engine struct {
	DB       *sql.DB
	Repo     repo.Repo
	Events   events.Writer
	Registry *registry.Registry
	Router   router.Router
	Adapters *adapter.Registry
	Config   *config.Config
	Now      func() time.Time
}

func New(db *sql.DB, cfg *config.Config, adapters *adapter.Registry) Engine {
	r := repo.Repo{DB: db}
	return Engine{
		DB:       db,
		Repo:     r,
		Events:   events.Writer{DB: db},
		Registry: registry.New(r, cfg),
		Router:   router.Router{Directory: r},
		Adapters: adapters,
		Config:   cfg,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) writer() events.Writer {
	w := e.Events
	if w.Now == nil {
		w.Now = e.Now
	}
	return w
}

// routerTx binds approver resolution to the open transaction. The pool is a
// single SQLite connection; a directory read outside the transaction would
// wait on the connection the transaction holds.
func (e Engine) routerTx(tx *sql.Tx) router.Router {
	return router.Router{Directory: repo.DirectoryTx{Repo: e.Repo, Tx: tx}}
}

// InitiateOptions describes a new instance request. DefinitionRef is
// "id" or "id@version"; empty means route via the configured rules.
type InitiateOptions struct {
	Mapping       domain.EntityMapping
	DefinitionRef string
	ActorID       string
}

type InitiateResult struct {
	Instance      domain.WorkflowInstance
	StageName     string
	NextApprovers []string
}

// Initiate starts a workflow instance for an entity. At most one non-terminal
// instance may exist per entity; a partial unique index backs the check, so
// two racing calls cannot both succeed.
func (e Engine) Initiate(ctx context.Context, opts InitiateOptions) (InitiateResult, error) {
	m := opts.Mapping
	if m.EntityType == "" || m.EntityID == "" {
		return InitiateResult{}, fmt.Errorf("entity_type and entity_id are required")
	}
	if opts.ActorID == "" {
		return InitiateResult{}, fmt.Errorf("actor is required")
	}

	var attrs map[string]any
	if ad, err := e.Adapters.Get(m.EntityType); err == nil {
		attrs, err = ad.BuildSnapshot(ctx, m.EntityID)
		if err != nil {
			return InitiateResult{}, fmt.Errorf("build snapshot for %s/%s: %w", m.EntityType, m.EntityID, err)
		}
	}
	snap := router.SnapshotFromMapping(m, attrs)

	def, err := e.resolveDefinition(ctx, opts.DefinitionRef, m)
	if err != nil {
		return InitiateResult{}, err
	}

	if existing, err := e.Repo.ActiveInstance(ctx, m.EntityType, m.EntityID); err == nil {
		return InitiateResult{}, DuplicateActiveInstanceError{EntityType: m.EntityType, EntityID: m.EntityID, InstanceID: existing.ID}
	} else if !errors.Is(err, repo.ErrNotFound) {
		return InitiateResult{}, err
	}

	now := e.now().UTC().Format(time.RFC3339)
	snapJSON, err := snap.JSON()
	if err != nil {
		return InitiateResult{}, err
	}
	inst := domain.WorkflowInstance{
		ID:                uuid.New().String(),
		DefinitionID:      def.ID,
		DefinitionVersion: def.Version,
		EntityType:        m.EntityType,
		EntityID:          m.EntityID,
		CurrentStage:      0,
		Status:            domain.InstanceInProgress,
		Priority:          m.Priority,
		SnapshotJSON:      &snapJSON,
		StageEnteredAt:    now,
		CreatedBy:         opts.ActorID,
		CreatedAt:         now,
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return InitiateResult{}, err
	}
	defer tx.Rollback()

	if err := e.Repo.InsertInstance(ctx, tx, inst); err != nil {
		if isUniqueViolation(err) {
			existing, lookErr := e.Repo.ActiveInstanceTx(ctx, tx, m.EntityType, m.EntityID)
			if lookErr == nil {
				return InitiateResult{}, DuplicateActiveInstanceError{EntityType: m.EntityType, EntityID: m.EntityID, InstanceID: existing.ID}
			}
			return InitiateResult{}, DuplicateActiveInstanceError{EntityType: m.EntityType, EntityID: m.EntityID}
		}
		return InitiateResult{}, err
	}
	err = e.writer().Append(ctx, tx, events.InstanceCreated, inst.ID, "", domain.InstanceInProgress, opts.ActorID, events.EventPayload{
		"entity_type":        m.EntityType,
		"entity_id":          m.EntityID,
		"definition_id":      def.ID,
		"definition_version": def.Version,
		"priority":           m.Priority,
		"snapshot":           map[string]any(snap),
	})
	if err != nil {
		return InitiateResult{}, err
	}

	fin, err := e.enterStages(ctx, tx, &inst, def, snap, opts.ActorID)
	if err != nil {
		return InitiateResult{}, err
	}
	if err := tx.Commit(); err != nil {
		return InitiateResult{}, err
	}
	if fin.done {
		e.syncAdapter(ctx, inst, fin.outcome, opts.ActorID)
	}

	approvers, err := e.pendingApprovers(ctx, inst)
	if err != nil {
		return InitiateResult{}, err
	}
	out := InitiateResult{Instance: inst, NextApprovers: approvers}
	if inst.CurrentStage < len(def.Stages) {
		out.StageName = def.Stages[inst.CurrentStage].Name
	}
	return out, nil
}

func (e Engine) resolveDefinition(ctx context.Context, ref string, m domain.EntityMapping) (domain.WorkflowDefinition, error) {
	if ref == "" {
		return e.Registry.ResolveDefault(ctx, m)
	}
	id, version := ref, 0
	if at := strings.LastIndex(ref, "@"); at > 0 {
		id = ref[:at]
		if _, err := fmt.Sscanf(ref[at+1:], "%d", &version); err != nil {
			return domain.WorkflowDefinition{}, fmt.Errorf("invalid definition ref %q", ref)
		}
	}
	return e.Registry.Get(ctx, id, version)
}

// finalization is carried out of the transaction so the adapter call happens
// only after the terminal status is durable.
type finalization struct {
	done    bool
	outcome string
}

// enterStages walks the instance forward from its current stage: skipping
// stages whose condition is false, creating assignments for the first stage
// that needs approvals, and finalizing when the stage list is exhausted.
func (e Engine) enterStages(ctx context.Context, tx *sql.Tx, inst *domain.WorkflowInstance, def domain.WorkflowDefinition, snap router.Snapshot, actorID string) (finalization, error) {
	w := e.writer()
	for {
		if inst.CurrentStage >= len(def.Stages) {
			if err := e.finalize(ctx, tx, inst, domain.OutcomeApproved, actorID); err != nil {
				return finalization{}, err
			}
			return finalization{done: true, outcome: domain.OutcomeApproved}, nil
		}
		stage := def.Stages[inst.CurrentStage]
		res, err := e.routerTx(tx).Resolve(ctx, stage, snap)
		if err != nil {
			var noEligible router.NoEligibleApproverError
			if errors.As(err, &noEligible) {
				return finalization{}, e.holdNoApprovers(ctx, tx, inst, stage, noEligible, actorID)
			}
			return finalization{}, err
		}
		if res.Skipped {
			err = w.Append(ctx, tx, events.StageEntered, inst.ID, "", "", actorID, events.EventPayload{
				"stage_index": inst.CurrentStage,
				"stage":       stage.Name,
				"skipped":     true,
			})
			if err != nil {
				return finalization{}, err
			}
			err = w.Append(ctx, tx, events.StageCompleted, inst.ID, "", "", actorID, events.EventPayload{
				"stage_index": inst.CurrentStage,
				"stage":       stage.Name,
				"outcome":     domain.OutcomeSkipped,
			})
			if err != nil {
				return finalization{}, err
			}
			inst.CurrentStage++
			continue
		}

		now := e.now().UTC().Format(time.RFC3339)
		ids := make([]string, 0, len(res.Assignees))
		for _, as := range res.Assignees {
			a := domain.StageAssignment{
				ID:         uuid.New().String(),
				InstanceID: inst.ID,
				StageIndex: inst.CurrentStage,
				AssigneeID: as.ID,
				Status:     domain.AssignmentPending,
				CreatedAt:  now,
			}
			if as.DelegatedFrom != "" {
				meta := fmt.Sprintf(`{"delegated_from":%q}`, as.DelegatedFrom)
				a.MetadataJSON = &meta
			}
			if err := e.Repo.InsertAssignment(ctx, tx, a); err != nil {
				return finalization{}, err
			}
			ids = append(ids, as.ID)
		}
		err = w.Append(ctx, tx, events.StageEntered, inst.ID, "", "", actorID, events.EventPayload{
			"stage_index":   inst.CurrentStage,
			"stage":         stage.Name,
			"approval_mode": stage.ApprovalMode,
			"assignees":     ids,
		})
		if err != nil {
			return finalization{}, err
		}
		inst.StageEnteredAt = now
		if err := e.Repo.UpdateInstance(ctx, tx, *inst); err != nil {
			return finalization{}, err
		}
		return finalization{}, nil
	}
}

// holdNoApprovers parks an instance whose stage resolved to zero approvers.
// An administrator fixes the directory and resumes; Resume re-resolves the
// stage.
func (e Engine) holdNoApprovers(ctx context.Context, tx *sql.Tx, inst *domain.WorkflowInstance, stage domain.StageTemplate, cause router.NoEligibleApproverError, actorID string) error {
	w := e.writer()
	err := w.Append(ctx, tx, events.StageEscalated, inst.ID, "", "", actorID, events.EventPayload{
		"stage_index": inst.CurrentStage,
		"stage":       stage.Name,
		"reason":      "no_eligible_approver",
		"roles":       cause.Roles,
	})
	if err != nil {
		return err
	}
	prev := inst.Status
	inst.Status = domain.InstanceOnHold
	err = w.Append(ctx, tx, events.InstanceHeld, inst.ID, prev, domain.InstanceOnHold, actorID, events.EventPayload{
		"reason": "no_eligible_approver",
		"stage":  stage.Name,
	})
	if err != nil {
		return err
	}
	return e.Repo.UpdateInstance(ctx, tx, *inst)
}

func (e Engine) finalize(ctx context.Context, tx *sql.Tx, inst *domain.WorkflowInstance, outcome, actorID string) error {
	prev := inst.Status
	switch outcome {
	case domain.OutcomeApproved:
		inst.Status = domain.InstanceCompleted
	default:
		inst.Status = domain.InstanceRejected
	}
	now := e.now().UTC().Format(time.RFC3339)
	inst.CompletedAt = &now
	if err := e.Repo.UpdateInstance(ctx, tx, *inst); err != nil {
		return err
	}
	return e.writer().Append(ctx, tx, events.InstanceCompleted, inst.ID, prev, inst.Status, actorID, events.EventPayload{
		"outcome": outcome,
	})
}

// syncAdapter propagates a terminal outcome to the owning domain. The
// instance is already durable; a failure here is flagged in the audit log
// and retried via RetryAdapterSync, never rolled back.
func (e Engine) syncAdapter(ctx context.Context, inst domain.WorkflowInstance, outcome, actorID string) {
	ad, err := e.Adapters.Get(inst.EntityType)
	if err != nil {
		return
	}
	if err := ad.ApplyOutcome(ctx, inst.EntityID, outcome, inst.ID); err != nil {
		e.flagSyncFailure(ctx, inst, outcome, actorID, err)
		return
	}
	tx, txErr := e.DB.BeginTx(ctx, nil)
	if txErr != nil {
		return
	}
	defer tx.Rollback()
	appendErr := e.writer().Append(ctx, tx, events.AdapterSynced, inst.ID, "", "", actorID, events.EventPayload{
		"outcome": outcome,
	})
	if appendErr == nil {
		tx.Commit()
	}
}

func (e Engine) flagSyncFailure(ctx context.Context, inst domain.WorkflowInstance, outcome, actorID string, cause error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return
	}
	defer tx.Rollback()
	appendErr := e.writer().Append(ctx, tx, events.AdapterSyncFailed, inst.ID, "", "", actorID, events.EventPayload{
		"outcome":             outcome,
		"error":               cause.Error(),
		"adapter_sync_failed": true,
	})
	if appendErr == nil {
		tx.Commit()
	}
}

// RetryAdapterSync replays the terminal outcome to the entity adapter for an
// instance whose sync previously failed. The adapter's applied-outcomes guard
// makes the call idempotent.
func (e Engine) RetryAdapterSync(ctx context.Context, instanceID, actorID string) error {
	inst, err := e.Repo.GetInstance(ctx, instanceID)
	if err != nil {
		return err
	}
	var outcome string
	switch inst.Status {
	case domain.InstanceCompleted:
		outcome = domain.OutcomeApproved
	case domain.InstanceRejected:
		outcome = domain.OutcomeRejected
	default:
		return fmt.Errorf("instance %s is %s; nothing to sync", instanceID, inst.Status)
	}
	ad, err := e.Adapters.Get(inst.EntityType)
	if err != nil {
		return err
	}
	if err := ad.ApplyOutcome(ctx, inst.EntityID, outcome, inst.ID); err != nil {
		e.flagSyncFailure(ctx, inst, outcome, actorID, err)
		return fmt.Errorf("adapter sync for %s/%s: %w", inst.EntityType, inst.EntityID, err)
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	err = e.writer().Append(ctx, tx, events.AdapterSynced, inst.ID, "", "", actorID, events.EventPayload{
		"outcome": outcome,
		"retry":   true,
	})
	if err != nil {
		return err
	}
	return tx.Commit()
}

type DecisionOptions struct {
	InstanceID string
	StageIndex int
	AssigneeID string
	Outcome    string
	Comments   string
	// ActorID is who records the decision; defaults to the assignee. The
	// sweeper sets it to the system actor for timeout decisions.
	ActorID string
}

type DecisionResult struct {
	Instance       domain.WorkflowInstance
	StageName      string
	StageConcluded bool
	StageOutcome   string
}

// RecordDecision applies one approver's verdict. All validation, the
// assignment update, the audit event, and any stage conclusion happen in a
// single transaction, so concurrent decisions serialize cleanly.
func (e Engine) RecordDecision(ctx context.Context, opts DecisionOptions) (DecisionResult, error) {
	switch opts.Outcome {
	case domain.OutcomeApproved, domain.OutcomeRejected, domain.OutcomeChangesRequested, domain.OutcomeDelegated:
	default:
		return DecisionResult{}, fmt.Errorf("invalid outcome %q", opts.Outcome)
	}
	if opts.AssigneeID == "" {
		return DecisionResult{}, fmt.Errorf("assignee is required")
	}
	actor := opts.ActorID
	if actor == "" {
		actor = opts.AssigneeID
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return DecisionResult{}, err
	}
	defer tx.Rollback()

	inst, err := e.Repo.GetInstanceTx(ctx, tx, opts.InstanceID)
	if err != nil {
		return DecisionResult{}, err
	}
	if domain.TerminalInstance(inst.Status) {
		return DecisionResult{}, InstanceTerminatedError{InstanceID: inst.ID, Status: inst.Status}
	}
	if inst.Status == domain.InstanceOnHold {
		return DecisionResult{}, InstanceOnHoldError{InstanceID: inst.ID}
	}
	if opts.StageIndex != inst.CurrentStage {
		return DecisionResult{}, StaleStageError{InstanceID: inst.ID, Requested: opts.StageIndex, Current: inst.CurrentStage}
	}

	asg, err := e.Repo.GetAssignmentTx(ctx, tx, inst.ID, inst.CurrentStage, opts.AssigneeID)
	if errors.Is(err, repo.ErrNotFound) {
		return DecisionResult{}, UnauthorizedApproverError{InstanceID: inst.ID, StageIndex: inst.CurrentStage, AssigneeID: opts.AssigneeID}
	}
	if err != nil {
		return DecisionResult{}, err
	}
	if asg.Status != domain.AssignmentPending && asg.Status != domain.AssignmentInProgress {
		return DecisionResult{}, AlreadyDecidedError{InstanceID: inst.ID, StageIndex: inst.CurrentStage, AssigneeID: opts.AssigneeID, Status: asg.Status}
	}

	def, err := e.Registry.GetTx(ctx, tx, inst.DefinitionID, inst.DefinitionVersion)
	if err != nil {
		return DecisionResult{}, err
	}
	stage := def.Stages[inst.CurrentStage]

	now := e.now().UTC().Format(time.RFC3339)
	asg.Status = domain.AssignmentCompleted
	outcome := opts.Outcome
	asg.Outcome = &outcome
	asg.DecidedAt = &now
	if opts.Comments != "" {
		c := opts.Comments
		asg.Comments = &c
	}

	payload := events.EventPayload{
		"stage_index": inst.CurrentStage,
		"stage":       stage.Name,
		"assignee":    opts.AssigneeID,
		"outcome":     opts.Outcome,
		"signature":   decisionSignature(inst.ID, inst.CurrentStage, opts.AssigneeID, opts.Outcome, now),
	}
	if opts.Comments != "" {
		payload["comments"] = opts.Comments
	}

	if opts.Outcome == domain.OutcomeDelegated {
		delegate, ok, derr := e.Repo.DelegateTx(ctx, tx, opts.AssigneeID)
		if derr != nil {
			return DecisionResult{}, derr
		}
		if !ok {
			return DecisionResult{}, fmt.Errorf("no delegate on file for %s; set a delegation first", opts.AssigneeID)
		}
		payload["delegate"] = delegate
		if _, lookErr := e.Repo.GetAssignmentTx(ctx, tx, inst.ID, inst.CurrentStage, delegate); errors.Is(lookErr, repo.ErrNotFound) {
			meta := fmt.Sprintf(`{"delegated_from":%q}`, opts.AssigneeID)
			successor := domain.StageAssignment{
				ID:           uuid.New().String(),
				InstanceID:   inst.ID,
				StageIndex:   inst.CurrentStage,
				AssigneeID:   delegate,
				Status:       domain.AssignmentPending,
				MetadataJSON: &meta,
				CreatedAt:    now,
			}
			if err := e.Repo.InsertAssignment(ctx, tx, successor); err != nil {
				return DecisionResult{}, err
			}
		} else if lookErr != nil {
			return DecisionResult{}, lookErr
		}
	}

	if err := e.Repo.UpdateAssignment(ctx, tx, asg); err != nil {
		return DecisionResult{}, err
	}
	if err := e.writer().Append(ctx, tx, events.DecisionRecorded, inst.ID, "", "", actor, payload); err != nil {
		return DecisionResult{}, err
	}

	assignments, err := e.Repo.ListStageAssignmentsTx(ctx, tx, inst.ID, inst.CurrentStage)
	if err != nil {
		return DecisionResult{}, err
	}
	verdict := router.EvaluateStage(stage.ApprovalMode, stage.Quorum, assignments)
	if !verdict.Concluded {
		if err := tx.Commit(); err != nil {
			return DecisionResult{}, err
		}
		return DecisionResult{Instance: inst, StageName: stage.Name}, nil
	}

	if err := e.skipLiveAssignments(ctx, tx, assignments); err != nil {
		return DecisionResult{}, err
	}
	err = e.writer().Append(ctx, tx, events.StageCompleted, inst.ID, "", "", actor, events.EventPayload{
		"stage_index": inst.CurrentStage,
		"stage":       stage.Name,
		"outcome":     verdict.Outcome,
	})
	if err != nil {
		return DecisionResult{}, err
	}

	var fin finalization
	switch verdict.Outcome {
	case domain.OutcomeApproved:
		inst.CurrentStage++
		snap, serr := snapshotOf(inst)
		if serr != nil {
			return DecisionResult{}, serr
		}
		fin, err = e.enterStages(ctx, tx, &inst, def, snap, actor)
		if err != nil {
			return DecisionResult{}, err
		}
	case domain.OutcomeRejected:
		if err := e.finalize(ctx, tx, &inst, domain.OutcomeRejected, actor); err != nil {
			return DecisionResult{}, err
		}
		fin = finalization{done: true, outcome: domain.OutcomeRejected}
	case domain.OutcomeChangesRequested:
		prev := inst.Status
		inst.Status = domain.InstanceOnHold
		err = e.writer().Append(ctx, tx, events.InstanceHeld, inst.ID, prev, domain.InstanceOnHold, actor, events.EventPayload{
			"reason": "changes_requested",
			"stage":  stage.Name,
		})
		if err != nil {
			return DecisionResult{}, err
		}
		if err := e.Repo.UpdateInstance(ctx, tx, inst); err != nil {
			return DecisionResult{}, err
		}
	}

	if err := tx.Commit(); err != nil {
		return DecisionResult{}, err
	}
	if fin.done {
		e.syncAdapter(ctx, inst, fin.outcome, actor)
	}
	res := DecisionResult{Instance: inst, StageConcluded: true, StageOutcome: verdict.Outcome}
	if inst.CurrentStage < len(def.Stages) {
		res.StageName = def.Stages[inst.CurrentStage].Name
	}
	return res, nil
}

func (e Engine) skipLiveAssignments(ctx context.Context, tx *sql.Tx, assignments []domain.StageAssignment) error {
	for _, a := range assignments {
		if a.Status != domain.AssignmentPending && a.Status != domain.AssignmentInProgress {
			continue
		}
		a.Status = domain.AssignmentSkipped
		if err := e.Repo.UpdateAssignment(ctx, tx, a); err != nil {
			return err
		}
	}
	return nil
}

func snapshotOf(inst domain.WorkflowInstance) (router.Snapshot, error) {
	if inst.SnapshotJSON == nil {
		return router.Snapshot{}, nil
	}
	return router.SnapshotFromJSON(*inst.SnapshotJSON)
}

// decisionSignature is a content hash binding the decision to its instance,
// stage, assignee, verdict and timestamp. It rides in the audit payload as
// tamper evidence.
func decisionSignature(instanceID string, stageIndex int, assigneeID, outcome, decidedAt string) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%d|%s|%s|%s", instanceID, stageIndex, assigneeID, outcome, decidedAt)))
	return hex.EncodeToString(sum[:])
}

// Hold pauses an in-flight instance. Escalation timers stop while held.
func (e Engine) Hold(ctx context.Context, instanceID, reason, actorID string) (domain.WorkflowInstance, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.WorkflowInstance{}, err
	}
	defer tx.Rollback()

	inst, err := e.Repo.GetInstanceTx(ctx, tx, instanceID)
	if err != nil {
		return domain.WorkflowInstance{}, err
	}
	if domain.TerminalInstance(inst.Status) {
		return domain.WorkflowInstance{}, InstanceTerminatedError{InstanceID: inst.ID, Status: inst.Status}
	}
	if inst.Status == domain.InstanceOnHold {
		return domain.WorkflowInstance{}, fmt.Errorf("instance %s is already on hold", inst.ID)
	}
	prev := inst.Status
	inst.Status = domain.InstanceOnHold
	if err := e.Repo.UpdateInstance(ctx, tx, inst); err != nil {
		return domain.WorkflowInstance{}, err
	}
	err = e.writer().Append(ctx, tx, events.InstanceHeld, inst.ID, prev, domain.InstanceOnHold, actorID, events.EventPayload{
		"reason": reason,
	})
	if err != nil {
		return domain.WorkflowInstance{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.WorkflowInstance{}, err
	}
	return inst, nil
}

// Resume reactivates a held instance. The stage timer restarts from now. If
// the current stage has no assignments at all (held because no approver
// resolved), the stage is re-resolved against the directory; resolution
// failing again leaves the instance held.
func (e Engine) Resume(ctx context.Context, instanceID, actorID string) (domain.WorkflowInstance, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.WorkflowInstance{}, err
	}
	defer tx.Rollback()

	inst, err := e.Repo.GetInstanceTx(ctx, tx, instanceID)
	if err != nil {
		return domain.WorkflowInstance{}, err
	}
	if domain.TerminalInstance(inst.Status) {
		return domain.WorkflowInstance{}, InstanceTerminatedError{InstanceID: inst.ID, Status: inst.Status}
	}
	if inst.Status != domain.InstanceOnHold {
		return domain.WorkflowInstance{}, fmt.Errorf("instance %s is not on hold", inst.ID)
	}

	assignments, err := e.Repo.ListStageAssignmentsTx(ctx, tx, inst.ID, inst.CurrentStage)
	if err != nil {
		return domain.WorkflowInstance{}, err
	}
	live := 0
	for _, a := range assignments {
		if a.Status == domain.AssignmentPending || a.Status == domain.AssignmentInProgress {
			live++
		}
	}
	if len(assignments) > 0 && live == 0 {
		return domain.WorkflowInstance{}, fmt.Errorf("stage %d of instance %s already concluded; cancel and re-initiate after revising the entity", inst.CurrentStage, inst.ID)
	}

	now := e.now().UTC().Format(time.RFC3339)
	inst.Status = domain.InstanceInProgress
	inst.StageEnteredAt = now
	err = e.writer().Append(ctx, tx, events.InstanceResumed, inst.ID, domain.InstanceOnHold, domain.InstanceInProgress, actorID, nil)
	if err != nil {
		return domain.WorkflowInstance{}, err
	}

	var fin finalization
	if len(assignments) == 0 {
		def, derr := e.Registry.GetTx(ctx, tx, inst.DefinitionID, inst.DefinitionVersion)
		if derr != nil {
			return domain.WorkflowInstance{}, derr
		}
		snap, serr := snapshotOf(inst)
		if serr != nil {
			return domain.WorkflowInstance{}, serr
		}
		fin, err = e.enterStages(ctx, tx, &inst, def, snap, actorID)
		if err != nil {
			return domain.WorkflowInstance{}, err
		}
		if inst.Status == domain.InstanceOnHold {
			return domain.WorkflowInstance{}, router.NoEligibleApproverError{Stage: def.Stages[inst.CurrentStage].Name, Roles: def.Stages[inst.CurrentStage].RequiredRoles}
		}
	} else {
		if err := e.Repo.UpdateInstance(ctx, tx, inst); err != nil {
			return domain.WorkflowInstance{}, err
		}
	}

	if err := tx.Commit(); err != nil {
		return domain.WorkflowInstance{}, err
	}
	if fin.done {
		e.syncAdapter(ctx, inst, fin.outcome, actorID)
	}
	return inst, nil
}

// Cancel terminates an instance without an outcome. The owning domain is not
// updated; it observes the cancellation through the event stream.
func (e Engine) Cancel(ctx context.Context, instanceID, reason, actorID string) (domain.WorkflowInstance, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.WorkflowInstance{}, err
	}
	defer tx.Rollback()

	inst, err := e.Repo.GetInstanceTx(ctx, tx, instanceID)
	if err != nil {
		return domain.WorkflowInstance{}, err
	}
	if domain.TerminalInstance(inst.Status) {
		return domain.WorkflowInstance{}, InstanceTerminatedError{InstanceID: inst.ID, Status: inst.Status}
	}

	assignments, err := e.Repo.ListStageAssignmentsTx(ctx, tx, inst.ID, inst.CurrentStage)
	if err != nil {
		return domain.WorkflowInstance{}, err
	}
	if err := e.skipLiveAssignments(ctx, tx, assignments); err != nil {
		return domain.WorkflowInstance{}, err
	}

	prev := inst.Status
	now := e.now().UTC().Format(time.RFC3339)
	inst.Status = domain.InstanceCancelled
	inst.CompletedAt = &now
	if err := e.Repo.UpdateInstance(ctx, tx, inst); err != nil {
		return domain.WorkflowInstance{}, err
	}
	err = e.writer().Append(ctx, tx, events.InstanceCancelled, inst.ID, prev, domain.InstanceCancelled, actorID, events.EventPayload{
		"reason": reason,
	})
	if err != nil {
		return domain.WorkflowInstance{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.WorkflowInstance{}, err
	}
	return inst, nil
}

// InstanceStatus is the live view of one instance.
type InstanceStatus struct {
	Instance    domain.WorkflowInstance
	StageName   string
	Assignments []domain.StageAssignment
	Pending     []string
}

func (e Engine) Status(ctx context.Context, instanceID string) (InstanceStatus, error) {
	inst, err := e.Repo.GetInstance(ctx, instanceID)
	if err != nil {
		return InstanceStatus{}, err
	}
	st := InstanceStatus{Instance: inst}
	assignments, err := e.Repo.ListInstanceAssignments(ctx, instanceID)
	if err != nil {
		return InstanceStatus{}, err
	}
	st.Assignments = assignments
	for _, a := range assignments {
		if a.StageIndex == inst.CurrentStage && (a.Status == domain.AssignmentPending || a.Status == domain.AssignmentInProgress) {
			st.Pending = append(st.Pending, a.AssigneeID)
		}
	}
	def, err := e.Registry.Get(ctx, inst.DefinitionID, inst.DefinitionVersion)
	if err == nil && inst.CurrentStage < len(def.Stages) {
		st.StageName = def.Stages[inst.CurrentStage].Name
	}
	return st, nil
}

func (e Engine) History(ctx context.Context, instanceID string) ([]domain.WorkflowEvent, error) {
	if _, err := e.Repo.GetInstance(ctx, instanceID); err != nil {
		return nil, err
	}
	return e.Repo.InstanceEvents(ctx, instanceID)
}

func (e Engine) pendingApprovers(ctx context.Context, inst domain.WorkflowInstance) ([]string, error) {
	if domain.TerminalInstance(inst.Status) {
		return nil, nil
	}
	assignments, err := e.Repo.ListStageAssignments(ctx, inst.ID, inst.CurrentStage)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, a := range assignments {
		if a.Status == domain.AssignmentPending || a.Status == domain.AssignmentInProgress {
			out = append(out, a.AssigneeID)
		}
	}
	return out, nil
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
