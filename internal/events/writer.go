package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Event types recorded in the audit log.
const (
	InstanceCreated   = "instance.created"
	StageEntered      = "stage.entered"
	DecisionRecorded  = "decision.recorded"
	StageEscalated    = "stage.escalated"
	StageCompleted    = "stage.completed"
	InstanceCompleted = "instance.completed"
	InstanceCancelled = "instance.cancelled"
	InstanceHeld      = "instance.held"
	InstanceResumed   = "instance.resumed"
	AdapterSyncFailed = "adapter.sync_failed"
	AdapterSynced     = "adapter.synced"
)

// Writer appends to the workflow_events audit log. Rows are never updated or
// deleted; replaying them reconstructs instance state.
type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

type EventPayload map[string]any

func (w Writer) Append(ctx context.Context, tx *sql.Tx, evtType, instanceID, fromState, toState, actorID string, payload EventPayload) error {
	if w.Now == nil {
		w.Now = time.Now
	}
	ts := w.Now().UTC().Format(time.RFC3339)
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO workflow_events(instance_id,type,from_state,to_state,actor_id,ts,payload_json) VALUES (?,?,?,?,?,?,?)`,
		instanceID, evtType, nullable(fromState), nullable(toState), actorID, ts, string(data))
	return err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
