package router

import (
	"stagegate/internal/domain"
)

// StageVerdict is the result of applying an approval-mode predicate to a
// stage's assignments.
type StageVerdict struct {
	Concluded bool
	Outcome   string
}

// EvaluateStage applies the approval mode to the current assignment set.
// Skipped rows and assignments concluded as delegated or escalated do not
// count: each was replaced by a successor assignment.
//
// any: first approval concludes the stage; if everyone declines, the stage
// concludes with the declining outcome.
// all: every live assignment must approve; a single rejection or change
// request concludes the stage immediately.
// quorum(n): concludes on the n-th approval, or as soon as n approvals are
// mathematically unreachable.
func EvaluateStage(mode string, quorum int, assignments []domain.StageAssignment) StageVerdict {
	var approved, rejected, changes, pending int
	for _, a := range assignments {
		switch a.Status {
		case domain.AssignmentSkipped, domain.AssignmentEscalated:
			continue
		case domain.AssignmentPending, domain.AssignmentInProgress:
			pending++
			continue
		}
		if a.Outcome == nil {
			continue
		}
		switch *a.Outcome {
		case domain.OutcomeApproved:
			approved++
		case domain.OutcomeRejected:
			rejected++
		case domain.OutcomeChangesRequested:
			changes++
		}
	}

	declineOutcome := domain.OutcomeRejected
	if rejected == 0 && changes > 0 {
		declineOutcome = domain.OutcomeChangesRequested
	}

	switch mode {
	case domain.ModeAny:
		if approved > 0 {
			return StageVerdict{Concluded: true, Outcome: domain.OutcomeApproved}
		}
		if pending == 0 && (rejected > 0 || changes > 0) {
			return StageVerdict{Concluded: true, Outcome: declineOutcome}
		}
	case domain.ModeAll:
		if rejected > 0 || changes > 0 {
			return StageVerdict{Concluded: true, Outcome: declineOutcome}
		}
		if pending == 0 && approved > 0 {
			return StageVerdict{Concluded: true, Outcome: domain.OutcomeApproved}
		}
	case domain.ModeQuorum:
		if approved >= quorum {
			return StageVerdict{Concluded: true, Outcome: domain.OutcomeApproved}
		}
		if approved+pending < quorum {
			return StageVerdict{Concluded: true, Outcome: declineOutcome}
		}
	}
	return StageVerdict{}
}
