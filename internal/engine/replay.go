package engine

import (
	"context"
	"encoding/json"
	"fmt"

	"stagegate/internal/domain"
	"stagegate/internal/events"
)

// ReplayState is instance state reconstructed purely from the audit log,
// with no reads of the instance or assignment tables.
type ReplayState struct {
	InstanceID   string   `json:"instance_id"`
	Status       string   `json:"status"`
	CurrentStage int      `json:"current_stage"`
	Pending      []string `json:"pending"`
	Events       int      `json:"events"`
}

// Replay folds the event log into instance state. It exists to prove the
// audit trail is complete: the result must match what Status reads from the
// tables.
func (e Engine) Replay(ctx context.Context, instanceID string) (ReplayState, error) {
	evts, err := e.History(ctx, instanceID)
	if err != nil {
		return ReplayState{}, err
	}
	st := ReplayState{InstanceID: instanceID, Events: len(evts)}
	pending := map[string]bool{}

	for _, ev := range evts {
		var p map[string]any
		if ev.Payload != "" {
			if err := json.Unmarshal([]byte(ev.Payload), &p); err != nil {
				return ReplayState{}, fmt.Errorf("event %d payload: %w", ev.ID, err)
			}
		}
		switch ev.Type {
		case events.InstanceCreated:
			st.Status = domain.InstanceInProgress
			st.CurrentStage = 0
		case events.StageEntered:
			st.CurrentStage = payloadInt(p, "stage_index")
			pending = map[string]bool{}
			for _, id := range payloadStrings(p, "assignees") {
				pending[id] = true
			}
		case events.DecisionRecorded:
			assignee, _ := p["assignee"].(string)
			delete(pending, assignee)
			if delegate, ok := p["delegate"].(string); ok && delegate != "" {
				pending[delegate] = true
			}
		case events.StageEscalated:
			if replacements := payloadStrings(p, "assignees"); replacements != nil {
				pending = map[string]bool{}
				for _, id := range replacements {
					pending[id] = true
				}
			} else {
				pending = map[string]bool{}
			}
		case events.StageCompleted:
			pending = map[string]bool{}
		case events.InstanceCompleted, events.InstanceCancelled, events.InstanceHeld, events.InstanceResumed:
			if ev.ToState != "" {
				st.Status = ev.ToState
			}
		}
	}

	for id := range pending {
		st.Pending = append(st.Pending, id)
	}
	return st, nil
}

func payloadInt(p map[string]any, key string) int {
	if f, ok := p[key].(float64); ok {
		return int(f)
	}
	return 0
}

func payloadStrings(p map[string]any, key string) []string {
	raw, ok := p[key].([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
