package engine

import (
	"context"

	"stagegate/internal/domain"
)

// QueueItem is one open approval waiting on an assignee.
type QueueItem struct {
	Assignment domain.StageAssignment
	Instance   domain.WorkflowInstance
}

// Queue lists the open assignments for an assignee on in-progress instances,
// oldest first.
func (e Engine) Queue(ctx context.Context, assigneeID string, limit int) ([]QueueItem, error) {
	assignments, err := e.Repo.PendingByAssignee(ctx, assigneeID, limit)
	if err != nil {
		return nil, err
	}
	items := make([]QueueItem, 0, len(assignments))
	for _, a := range assignments {
		inst, err := e.Repo.GetInstance(ctx, a.InstanceID)
		if err != nil {
			return nil, err
		}
		items = append(items, QueueItem{Assignment: a, Instance: inst})
	}
	return items, nil
}
