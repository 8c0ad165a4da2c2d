package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"stagegate/internal/domain"
)

func (r Repo) InsertDefinition(ctx context.Context, tx *sql.Tx, def domain.WorkflowDefinition) error {
	stages, err := json.Marshal(def.Stages)
	if err != nil {
		return fmt.Errorf("marshal stages: %w", err)
	}
	exec := func(query string, args ...any) (sql.Result, error) {
		if tx != nil {
			return tx.ExecContext(ctx, query, args...)
		}
		return r.DB.ExecContext(ctx, query, args...)
	}
	_, err = exec(`INSERT INTO workflow_definitions(id,name,version,stages_json,created_by,created_at) VALUES (?,?,?,?,?,?)`,
		def.ID, def.Name, def.Version, string(stages), def.CreatedBy, def.CreatedAt)
	return err
}

func (r Repo) GetDefinition(ctx context.Context, id string, version int) (domain.WorkflowDefinition, error) {
	query, args := definitionQuery(id, version)
	return scanDefinition(r.DB.QueryRowContext(ctx, query, args...), id)
}

func (r Repo) GetDefinitionTx(ctx context.Context, tx *sql.Tx, id string, version int) (domain.WorkflowDefinition, error) {
	query, args := definitionQuery(id, version)
	return scanDefinition(tx.QueryRowContext(ctx, query, args...), id)
}

func definitionQuery(id string, version int) (string, []any) {
	query := `SELECT id,name,version,stages_json,created_by,created_at FROM workflow_definitions WHERE id=?`
	args := []any{id}
	if version > 0 {
		query += ` AND version=?`
		args = append(args, version)
	} else {
		query += ` ORDER BY version DESC LIMIT 1`
	}
	return query, args
}

func scanDefinition(row *sql.Row, id string) (domain.WorkflowDefinition, error) {
	var def domain.WorkflowDefinition
	var stagesJSON string
	err := row.Scan(&def.ID, &def.Name, &def.Version, &stagesJSON, &def.CreatedBy, &def.CreatedAt)
	if err == sql.ErrNoRows {
		return def, ErrNotFound
	}
	if err != nil {
		return def, err
	}
	if err := json.Unmarshal([]byte(stagesJSON), &def.Stages); err != nil {
		return def, fmt.Errorf("unmarshal stages for %s@%d: %w", id, def.Version, err)
	}
	return def, nil
}

// LatestDefinitionVersion returns 0 when the id is unknown.
func (r Repo) LatestDefinitionVersion(ctx context.Context, id string) (int, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(version),0) FROM workflow_definitions WHERE id=?`, id)
	var v int
	if err := row.Scan(&v); err != nil {
		return 0, err
	}
	return v, nil
}

// ListDefinitions returns latest version of each definition.
func (r Repo) ListDefinitions(ctx context.Context) ([]domain.WorkflowDefinition, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT d.id,d.name,d.version,d.stages_json,d.created_by,d.created_at
FROM workflow_definitions d
JOIN (SELECT id, MAX(version) AS version FROM workflow_definitions GROUP BY id) latest
  ON latest.id=d.id AND latest.version=d.version
ORDER BY d.id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.WorkflowDefinition
	for rows.Next() {
		var def domain.WorkflowDefinition
		var stagesJSON string
		if err := rows.Scan(&def.ID, &def.Name, &def.Version, &stagesJSON, &def.CreatedBy, &def.CreatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(stagesJSON), &def.Stages); err != nil {
			return nil, fmt.Errorf("unmarshal stages for %s@%d: %w", def.ID, def.Version, err)
		}
		res = append(res, def)
	}
	return res, rows.Err()
}
