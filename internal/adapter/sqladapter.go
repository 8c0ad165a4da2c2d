package adapter

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"stagegate/internal/domain"
	"stagegate/internal/repo"
)

// SQLAdapter is the reference adapter shape: a thin translation layer over
// the entity_records substrate. Each business type differs only in how
// workflow outcomes map onto its own status vocabulary.
type SQLAdapter struct {
	DB         *sql.DB
	Repo       repo.Repo
	EntityType string
	// StatusFor maps a workflow outcome to the entity status written back.
	StatusFor map[string]string
	Now       func() time.Time
}

func (a SQLAdapter) now() time.Time {
	if a.Now != nil {
		return a.Now()
	}
	return time.Now()
}

func (a SQLAdapter) BuildSnapshot(ctx context.Context, entityID string) (map[string]any, error) {
	rec, err := a.Repo.GetEntityRecord(ctx, a.EntityType, entityID)
	if errors.Is(err, repo.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	attrs := map[string]any{}
	if rec.AttrsJSON != "" {
		if err := json.Unmarshal([]byte(rec.AttrsJSON), &attrs); err != nil {
			return nil, fmt.Errorf("attrs for %s/%s: %w", a.EntityType, entityID, err)
		}
	}
	attrs["entity_status"] = rec.Status
	return attrs, nil
}

// ApplyOutcome records the outcome exactly once per (entity, instance). The
// applied_outcomes guard row and the status write share one transaction, so
// a retried call observes the guard and returns without effect.
func (a SQLAdapter) ApplyOutcome(ctx context.Context, entityID, outcome, instanceID string) error {
	tx, err := a.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	now := a.now().UTC().Format(time.RFC3339)
	res, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO applied_outcomes(entity_type, entity_id, instance_id, outcome, applied_at) VALUES (?,?,?,?,?)`,
		a.EntityType, entityID, instanceID, outcome, now)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// Already applied for this instance.
		return tx.Commit()
	}
	status, ok := a.StatusFor[outcome]
	if !ok {
		status = outcome
	}
	if _, err := tx.ExecContext(ctx, `UPDATE entity_records SET status=?, updated_at=? WHERE entity_type=? AND entity_id=?`,
		status, now, a.EntityType, entityID); err != nil {
		return err
	}
	return tx.Commit()
}

func (a SQLAdapter) CurrentStatus(ctx context.Context, entityID string) (string, error) {
	rec, err := a.Repo.GetEntityRecord(ctx, a.EntityType, entityID)
	if err != nil {
		return "", err
	}
	return rec.Status, nil
}

// RegisterDefaults wires the reference adapters for the MES entity types.
func RegisterDefaults(reg *Registry, db *sql.DB) {
	r := repo.Repo{DB: db}
	reg.Register("eco", SQLAdapter{DB: db, Repo: r, EntityType: "eco", StatusFor: map[string]string{
		domain.OutcomeApproved: "released",
		domain.OutcomeRejected: "rejected",
	}})
	reg.Register("time_entry", SQLAdapter{DB: db, Repo: r, EntityType: "time_entry", StatusFor: map[string]string{
		domain.OutcomeApproved: "approved",
		domain.OutcomeRejected: "rejected",
	}})
	reg.Register("deviation", SQLAdapter{DB: db, Repo: r, EntityType: "deviation", StatusFor: map[string]string{
		domain.OutcomeApproved: "dispositioned",
		domain.OutcomeRejected: "rejected",
	}})
	reg.Register("fai_report", SQLAdapter{DB: db, Repo: r, EntityType: "fai_report", StatusFor: map[string]string{
		domain.OutcomeApproved: "accepted",
		domain.OutcomeRejected: "rejected",
	}})
	reg.Register("document", SQLAdapter{DB: db, Repo: r, EntityType: "document", StatusFor: map[string]string{
		domain.OutcomeApproved: "released",
		domain.OutcomeRejected: "draft",
	}})
}
