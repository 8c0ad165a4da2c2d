package repo

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"stagegate/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

const instanceCols = `id,definition_id,definition_version,entity_type,entity_id,current_stage,status,priority,snapshot_json,stage_entered_at,created_by,created_at,completed_at`

func scanInstance(scan func(dest ...any) error) (domain.WorkflowInstance, error) {
	var inst domain.WorkflowInstance
	var priority, snapshot, completedAt sql.NullString
	err := scan(&inst.ID, &inst.DefinitionID, &inst.DefinitionVersion, &inst.EntityType, &inst.EntityID,
		&inst.CurrentStage, &inst.Status, &priority, &snapshot, &inst.StageEnteredAt,
		&inst.CreatedBy, &inst.CreatedAt, &completedAt)
	if err == sql.ErrNoRows {
		return inst, ErrNotFound
	}
	if err != nil {
		return inst, err
	}
	if priority.Valid {
		inst.Priority = priority.String
	}
	if snapshot.Valid {
		inst.SnapshotJSON = &snapshot.String
	}
	if completedAt.Valid {
		inst.CompletedAt = &completedAt.String
	}
	return inst, nil
}

func (r Repo) InsertInstance(ctx context.Context, tx *sql.Tx, inst domain.WorkflowInstance) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO workflow_instances(`+instanceCols+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		inst.ID, inst.DefinitionID, inst.DefinitionVersion, inst.EntityType, inst.EntityID,
		inst.CurrentStage, inst.Status, nullable(inst.Priority), nullableStringPtr(inst.SnapshotJSON),
		inst.StageEnteredAt, inst.CreatedBy, inst.CreatedAt, nullableStringPtr(inst.CompletedAt))
	return err
}

func (r Repo) UpdateInstance(ctx context.Context, tx *sql.Tx, inst domain.WorkflowInstance) error {
	_, err := tx.ExecContext(ctx, `UPDATE workflow_instances SET current_stage=?, status=?, snapshot_json=?, stage_entered_at=?, completed_at=? WHERE id=?`,
		inst.CurrentStage, inst.Status, nullableStringPtr(inst.SnapshotJSON), inst.StageEnteredAt,
		nullableStringPtr(inst.CompletedAt), inst.ID)
	return err
}

func (r Repo) GetInstance(ctx context.Context, id string) (domain.WorkflowInstance, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+instanceCols+` FROM workflow_instances WHERE id=?`, id)
	return scanInstance(row.Scan)
}

func (r Repo) GetInstanceTx(ctx context.Context, tx *sql.Tx, id string) (domain.WorkflowInstance, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+instanceCols+` FROM workflow_instances WHERE id=?`, id)
	return scanInstance(row.Scan)
}

// ActiveInstance returns the one non-terminal instance for an entity, if any.
func (r Repo) ActiveInstance(ctx context.Context, entityType, entityID string) (domain.WorkflowInstance, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+instanceCols+` FROM workflow_instances
WHERE entity_type=? AND entity_id=? AND status IN (?,?)`, entityType, entityID, domain.InstanceInProgress, domain.InstanceOnHold)
	return scanInstance(row.Scan)
}

func (r Repo) ActiveInstanceTx(ctx context.Context, tx *sql.Tx, entityType, entityID string) (domain.WorkflowInstance, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+instanceCols+` FROM workflow_instances
WHERE entity_type=? AND entity_id=? AND status IN (?,?)`, entityType, entityID, domain.InstanceInProgress, domain.InstanceOnHold)
	return scanInstance(row.Scan)
}

type InstanceFilters struct {
	EntityType string
	EntityID   string
	Status     string
	Limit      int
}

func (r Repo) ListInstances(ctx context.Context, f InstanceFilters) ([]domain.WorkflowInstance, error) {
	var clauses []string
	var args []any
	if f.EntityType != "" {
		clauses = append(clauses, "entity_type=?")
		args = append(args, f.EntityType)
	}
	if f.EntityID != "" {
		clauses = append(clauses, "entity_id=?")
		args = append(args, f.EntityID)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + instanceCols + ` FROM workflow_instances ` + where + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.WorkflowInstance
	for rows.Next() {
		inst, err := scanInstance(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, inst)
	}
	return res, rows.Err()
}

// ListRunnable returns in-progress instances that still have undecided
// assignments; the escalation sweep iterates these.
func (r Repo) ListRunnable(ctx context.Context) ([]domain.WorkflowInstance, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+instanceCols+` FROM workflow_instances i
WHERE status=? AND EXISTS (
    SELECT 1 FROM stage_assignments a
    WHERE a.instance_id=i.id AND a.stage_index=i.current_stage AND a.status IN (?,?)
) ORDER BY created_at ASC, id ASC`, domain.InstanceInProgress, domain.AssignmentPending, domain.AssignmentInProgress)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.WorkflowInstance
	for rows.Next() {
		inst, err := scanInstance(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, inst)
	}
	return res, rows.Err()
}

const assignmentCols = `id,instance_id,stage_index,assignee_id,status,outcome,comments,metadata_json,created_at,decided_at`

func scanAssignment(scan func(dest ...any) error) (domain.StageAssignment, error) {
	var a domain.StageAssignment
	var outcome, comments, metadata, decidedAt sql.NullString
	err := scan(&a.ID, &a.InstanceID, &a.StageIndex, &a.AssigneeID, &a.Status,
		&outcome, &comments, &metadata, &a.CreatedAt, &decidedAt)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	if err != nil {
		return a, err
	}
	if outcome.Valid {
		a.Outcome = &outcome.String
	}
	if comments.Valid {
		a.Comments = &comments.String
	}
	if metadata.Valid {
		a.MetadataJSON = &metadata.String
	}
	if decidedAt.Valid {
		a.DecidedAt = &decidedAt.String
	}
	return a, nil
}

func (r Repo) InsertAssignment(ctx context.Context, tx *sql.Tx, a domain.StageAssignment) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO stage_assignments(`+assignmentCols+`) VALUES (?,?,?,?,?,?,?,?,?,?)`,
		a.ID, a.InstanceID, a.StageIndex, a.AssigneeID, a.Status,
		nullableStringPtr(a.Outcome), nullableStringPtr(a.Comments), nullableStringPtr(a.MetadataJSON),
		a.CreatedAt, nullableStringPtr(a.DecidedAt))
	return err
}

func (r Repo) UpdateAssignment(ctx context.Context, tx *sql.Tx, a domain.StageAssignment) error {
	res, err := tx.ExecContext(ctx, `UPDATE stage_assignments SET status=?, outcome=?, comments=?, metadata_json=?, decided_at=? WHERE id=?`,
		a.Status, nullableStringPtr(a.Outcome), nullableStringPtr(a.Comments), nullableStringPtr(a.MetadataJSON),
		nullableStringPtr(a.DecidedAt), a.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) GetAssignmentTx(ctx context.Context, tx *sql.Tx, instanceID string, stageIndex int, assigneeID string) (domain.StageAssignment, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+assignmentCols+` FROM stage_assignments
WHERE instance_id=? AND stage_index=? AND assignee_id=?`, instanceID, stageIndex, assigneeID)
	return scanAssignment(row.Scan)
}

func (r Repo) ListStageAssignmentsTx(ctx context.Context, tx *sql.Tx, instanceID string, stageIndex int) ([]domain.StageAssignment, error) {
	rows, err := tx.QueryContext(ctx, `SELECT `+assignmentCols+` FROM stage_assignments
WHERE instance_id=? AND stage_index=? ORDER BY created_at ASC, id ASC`, instanceID, stageIndex)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectAssignments(rows)
}

func (r Repo) ListStageAssignments(ctx context.Context, instanceID string, stageIndex int) ([]domain.StageAssignment, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+assignmentCols+` FROM stage_assignments
WHERE instance_id=? AND stage_index=? ORDER BY created_at ASC, id ASC`, instanceID, stageIndex)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectAssignments(rows)
}

func (r Repo) ListInstanceAssignments(ctx context.Context, instanceID string) ([]domain.StageAssignment, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+assignmentCols+` FROM stage_assignments
WHERE instance_id=? ORDER BY stage_index ASC, created_at ASC, id ASC`, instanceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectAssignments(rows)
}

// PendingByAssignee returns the approval queue for one actor.
func (r Repo) PendingByAssignee(ctx context.Context, assigneeID string, limit int) ([]domain.StageAssignment, error) {
	query := `SELECT ` + assignmentCols + ` FROM stage_assignments a
WHERE a.assignee_id=? AND a.status IN (?,?)
AND EXISTS (SELECT 1 FROM workflow_instances i WHERE i.id=a.instance_id AND i.status=? AND i.current_stage=a.stage_index)
ORDER BY a.created_at ASC, a.id ASC`
	args := []any{assigneeID, domain.AssignmentPending, domain.AssignmentInProgress, domain.InstanceInProgress}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectAssignments(rows)
}

func collectAssignments(rows *sql.Rows) ([]domain.StageAssignment, error) {
	var res []domain.StageAssignment
	for rows.Next() {
		a, err := scanAssignment(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

// InstanceEvents returns the audit trail in append order.
func (r Repo) InstanceEvents(ctx context.Context, instanceID string) ([]domain.WorkflowEvent, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,instance_id,type,COALESCE(from_state,''),COALESCE(to_state,''),actor_id,ts,payload_json
FROM workflow_events WHERE instance_id=? ORDER BY id ASC`, instanceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.WorkflowEvent
	for rows.Next() {
		var e domain.WorkflowEvent
		if err := rows.Scan(&e.ID, &e.InstanceID, &e.Type, &e.FromState, &e.ToState, &e.ActorID, &e.TS, &e.Payload); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// EventsAfter returns events with IDs greater than the cursor in ascending order.
func (r Repo) EventsAfter(ctx context.Context, limit int, cursor int64) ([]domain.WorkflowEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT id,instance_id,type,COALESCE(from_state,''),COALESCE(to_state,''),actor_id,ts,payload_json
FROM workflow_events WHERE id>? ORDER BY id ASC LIMIT ?`, cursor, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.WorkflowEvent
	for rows.Next() {
		var e domain.WorkflowEvent
		if err := rows.Scan(&e.ID, &e.InstanceID, &e.Type, &e.FromState, &e.ToState, &e.ActorID, &e.TS, &e.Payload); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// LatestEvents returns the n most recent events, newest first, optionally
// filtered by type and instance.
func (r Repo) LatestEvents(ctx context.Context, n int, evtType, instanceID string) ([]domain.WorkflowEvent, error) {
	if n <= 0 {
		n = 20
	}
	query := `SELECT id,instance_id,type,COALESCE(from_state,''),COALESCE(to_state,''),actor_id,ts,payload_json
FROM workflow_events`
	var clauses []string
	var args []any
	if evtType != "" {
		clauses = append(clauses, "type=?")
		args = append(args, evtType)
	}
	if instanceID != "" {
		clauses = append(clauses, "instance_id=?")
		args = append(args, instanceID)
	}
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY id DESC LIMIT ?"
	args = append(args, n)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.WorkflowEvent
	for rows.Next() {
		var e domain.WorkflowEvent
		if err := rows.Scan(&e.ID, &e.InstanceID, &e.Type, &e.FromState, &e.ToState, &e.ActorID, &e.TS, &e.Payload); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// LatestEventID returns the most recent event ID.
func (r Repo) LatestEventID(ctx context.Context) (int64, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(id),0) FROM workflow_events`)
	var id int64
	if err := row.Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	if *v == "" {
		return nil
	}
	return *v
}
