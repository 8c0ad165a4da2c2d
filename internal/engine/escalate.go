package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"stagegate/internal/domain"
	"stagegate/internal/events"
	"stagegate/internal/repo"
)

// EscalateInstance applies the current stage's escalation policy if the
// stage is overdue. It reports whether anything happened. The sweeper calls
// this for every runnable instance; it is safe to call on instances with no
// policy or no overdue stage.
func (e Engine) EscalateInstance(ctx context.Context, instanceID string) (bool, error) {
	inst, err := e.Repo.GetInstance(ctx, instanceID)
	if err != nil {
		return false, err
	}
	if inst.Status != domain.InstanceInProgress {
		return false, nil
	}
	def, err := e.Registry.Get(ctx, inst.DefinitionID, inst.DefinitionVersion)
	if err != nil {
		return false, err
	}
	if inst.CurrentStage >= len(def.Stages) {
		return false, nil
	}
	stage := def.Stages[inst.CurrentStage]
	if stage.Escalation == nil {
		return false, nil
	}
	entered, err := time.Parse(time.RFC3339, inst.StageEnteredAt)
	if err != nil {
		return false, fmt.Errorf("instance %s stage_entered_at: %w", inst.ID, err)
	}
	deadline := entered.Add(time.Duration(stage.Escalation.TimeoutSeconds) * time.Second)
	if e.now().UTC().Before(deadline) {
		return false, nil
	}

	switch stage.Escalation.OnTimeout {
	case domain.EscalateToRole:
		return e.escalateToRole(ctx, inst.ID, inst.CurrentStage, stage.Escalation.EscalateRole)
	case domain.AutoApprove:
		return e.autoDecide(ctx, inst, domain.OutcomeApproved)
	case domain.AutoReject:
		return e.autoDecide(ctx, inst, domain.OutcomeRejected)
	}
	return false, nil
}

// escalateToRole replaces the stage's lapsed assignments with assignments
// for the escalation role. A live assignment already held by a role member
// stays pending, so a stage escalated to the same role twice keeps its
// approvers. State is re-checked inside the transaction; the overdue read
// above may be stale by the time we get here.
func (e Engine) escalateToRole(ctx context.Context, instanceID string, stageIndex int, role string) (bool, error) {
	members, err := e.Router.ExpandRoles(ctx, []string{role})
	if err != nil {
		return false, err
	}
	memberSet := make(map[string]bool, len(members))
	for _, m := range members {
		memberSet[m.ID] = true
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	inst, err := e.Repo.GetInstanceTx(ctx, tx, instanceID)
	if err != nil {
		return false, err
	}
	if inst.Status != domain.InstanceInProgress || inst.CurrentStage != stageIndex {
		return false, nil
	}
	assignments, err := e.Repo.ListStageAssignmentsTx(ctx, tx, inst.ID, stageIndex)
	if err != nil {
		return false, err
	}
	live, kept := 0, 0
	for _, a := range assignments {
		if a.Status != domain.AssignmentPending && a.Status != domain.AssignmentInProgress {
			continue
		}
		live++
		if memberSet[a.AssigneeID] {
			kept++
			continue
		}
		a.Status = domain.AssignmentEscalated
		if err := e.Repo.UpdateAssignment(ctx, tx, a); err != nil {
			return false, err
		}
	}
	if live == 0 {
		return false, nil
	}

	actor := e.Config.SystemActor()
	now := e.now().UTC().Format(time.RFC3339)
	var ids []string
	for _, m := range members {
		if _, lookErr := e.Repo.GetAssignmentTx(ctx, tx, inst.ID, stageIndex, m.ID); lookErr == nil {
			continue
		} else if !errors.Is(lookErr, repo.ErrNotFound) {
			return false, lookErr
		}
		a := domain.StageAssignment{
			ID:         uuid.New().String(),
			InstanceID: inst.ID,
			StageIndex: stageIndex,
			AssigneeID: m.ID,
			Status:     domain.AssignmentPending,
			CreatedAt:  now,
		}
		if err := e.Repo.InsertAssignment(ctx, tx, a); err != nil {
			return false, err
		}
		ids = append(ids, m.ID)
	}

	// No live assignment survives and no successor could be created; park
	// the instance rather than leave the stage with nobody to decide.
	if kept == 0 && len(ids) == 0 {
		def, derr := e.Registry.GetTx(ctx, tx, inst.DefinitionID, inst.DefinitionVersion)
		if derr != nil {
			return false, derr
		}
		stage := def.Stages[stageIndex]
		err = e.writer().Append(ctx, tx, events.StageEscalated, inst.ID, "", "", actor, events.EventPayload{
			"stage_index": stageIndex,
			"stage":       stage.Name,
			"reason":      "timeout",
			"role":        role,
		})
		if err != nil {
			return false, err
		}
		prev := inst.Status
		inst.Status = domain.InstanceOnHold
		err = e.writer().Append(ctx, tx, events.InstanceHeld, inst.ID, prev, domain.InstanceOnHold, actor, events.EventPayload{
			"reason": "no_eligible_approver",
			"stage":  stage.Name,
		})
		if err != nil {
			return false, err
		}
		if err := e.Repo.UpdateInstance(ctx, tx, inst); err != nil {
			return false, err
		}
		if err := tx.Commit(); err != nil {
			return false, err
		}
		return true, nil
	}

	// Restart the clock so the escalation role gets a full window.
	inst.StageEnteredAt = now

	// The role already holds every live assignment; a fresh window is the
	// only change worth recording.
	if len(ids) == 0 {
		if err := e.Repo.UpdateInstance(ctx, tx, inst); err != nil {
			return false, err
		}
		if err := tx.Commit(); err != nil {
			return false, err
		}
		return false, nil
	}

	err = e.writer().Append(ctx, tx, events.StageEscalated, inst.ID, "", "", actor, events.EventPayload{
		"stage_index": stageIndex,
		"reason":      "timeout",
		"role":        role,
		"assignees":   ids,
	})
	if err != nil {
		return false, err
	}
	if err := e.Repo.UpdateInstance(ctx, tx, inst); err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, err
	}
	return true, nil
}

// autoDecide records system decisions for the stage's pending assignees
// until the stage concludes. Each decision goes through RecordDecision, so
// the audit trail and stage conclusion logic are identical to a human
// verdict. Conflicts from concurrent activity are benign: someone decided
// first, which is fine.
func (e Engine) autoDecide(ctx context.Context, inst domain.WorkflowInstance, outcome string) (bool, error) {
	assignments, err := e.Repo.ListStageAssignments(ctx, inst.ID, inst.CurrentStage)
	if err != nil {
		return false, err
	}
	actor := e.Config.SystemActor()
	acted := false
	for _, a := range assignments {
		if a.Status != domain.AssignmentPending && a.Status != domain.AssignmentInProgress {
			continue
		}
		res, err := e.RecordDecision(ctx, DecisionOptions{
			InstanceID: inst.ID,
			StageIndex: inst.CurrentStage,
			AssigneeID: a.AssigneeID,
			Outcome:    outcome,
			Comments:   "escalation timeout",
			ActorID:    actor,
		})
		if err != nil {
			if isBenignConflict(err) {
				return acted, nil
			}
			return acted, err
		}
		acted = true
		if res.StageConcluded {
			return true, nil
		}
	}
	return acted, nil
}

func isBenignConflict(err error) bool {
	var stale StaleStageError
	var decided AlreadyDecidedError
	var terminated InstanceTerminatedError
	var held InstanceOnHoldError
	return errors.As(err, &stale) || errors.As(err, &decided) || errors.As(err, &terminated) || errors.As(err, &held)
}
