package repo

import (
	"context"
	"database/sql"
	"time"

	"stagegate/internal/domain"
)

// Organizational lookups the stage router depends on: role membership and
// standing delegations. These are read-only collaborators from the engine's
// point of view; the write paths exist for administration.

func (r Repo) RoleMembers(ctx context.Context, role string) ([]string, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT actor_id FROM role_members WHERE role=? ORDER BY actor_id ASC`, role)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectMembers(rows)
}

func (r Repo) RoleMembersTx(ctx context.Context, tx *sql.Tx, role string) ([]string, error) {
	rows, err := tx.QueryContext(ctx, `SELECT actor_id FROM role_members WHERE role=? ORDER BY actor_id ASC`, role)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectMembers(rows)
}

func collectMembers(rows *sql.Rows) ([]string, error) {
	var members []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		members = append(members, id)
	}
	return members, rows.Err()
}

func (r Repo) AddRoleMember(ctx context.Context, role, actorID string) error {
	_, err := r.DB.ExecContext(ctx, `INSERT OR IGNORE INTO role_members(role, actor_id) VALUES (?,?)`, role, actorID)
	return err
}

func (r Repo) RemoveRoleMember(ctx context.Context, role, actorID string) error {
	_, err := r.DB.ExecContext(ctx, `DELETE FROM role_members WHERE role=? AND actor_id=?`, role, actorID)
	return err
}

func (r Repo) ListRoleMembers(ctx context.Context) ([]domain.RoleMember, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT role, actor_id FROM role_members ORDER BY role ASC, actor_id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.RoleMember
	for rows.Next() {
		var m domain.RoleMember
		if err := rows.Scan(&m.Role, &m.ActorID); err != nil {
			return nil, err
		}
		res = append(res, m)
	}
	return res, rows.Err()
}

// Delegate returns the standing delegate for an actor, if one exists.
func (r Repo) Delegate(ctx context.Context, actorID string) (string, bool, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT delegate_id FROM delegations WHERE actor_id=?`, actorID)
	return scanDelegate(row)
}

func (r Repo) DelegateTx(ctx context.Context, tx *sql.Tx, actorID string) (string, bool, error) {
	row := tx.QueryRowContext(ctx, `SELECT delegate_id FROM delegations WHERE actor_id=?`, actorID)
	return scanDelegate(row)
}

func scanDelegate(row *sql.Row) (string, bool, error) {
	var delegate string
	err := row.Scan(&delegate)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return delegate, true, nil
}

// DirectoryTx is the directory view bound to an open transaction. The
// connection pool is capped at one connection, so any lookup the engine
// makes while a transaction is open must read through that transaction.
type DirectoryTx struct {
	Repo Repo
	Tx   *sql.Tx
}

func (d DirectoryTx) RoleMembers(ctx context.Context, role string) ([]string, error) {
	return d.Repo.RoleMembersTx(ctx, d.Tx, role)
}

func (d DirectoryTx) Delegate(ctx context.Context, actorID string) (string, bool, error) {
	return d.Repo.DelegateTx(ctx, d.Tx, actorID)
}

func (r Repo) SetDelegation(ctx context.Context, actorID, delegateID string) error {
	now := time.Now().UTC().Format(time.RFC3339)
	_, err := r.DB.ExecContext(ctx, `INSERT INTO delegations(actor_id, delegate_id, created_at) VALUES (?,?,?)
ON CONFLICT(actor_id) DO UPDATE SET delegate_id=excluded.delegate_id, created_at=excluded.created_at`, actorID, delegateID, now)
	return err
}

func (r Repo) ClearDelegation(ctx context.Context, actorID string) error {
	_, err := r.DB.ExecContext(ctx, `DELETE FROM delegations WHERE actor_id=?`, actorID)
	return err
}

func (r Repo) ListDelegations(ctx context.Context) ([]domain.Delegation, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT actor_id, delegate_id, created_at FROM delegations ORDER BY actor_id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Delegation
	for rows.Next() {
		var d domain.Delegation
		if err := rows.Scan(&d.ActorID, &d.DelegateID, &d.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, d)
	}
	return res, rows.Err()
}

// Entity record substrate for the reference adapters.

func (r Repo) UpsertEntityRecord(ctx context.Context, rec domain.EntityRecord) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO entity_records(entity_type, entity_id, status, attrs_json, updated_at) VALUES (?,?,?,?,?)
ON CONFLICT(entity_type, entity_id) DO UPDATE SET status=excluded.status, attrs_json=excluded.attrs_json, updated_at=excluded.updated_at`,
		rec.EntityType, rec.EntityID, rec.Status, nullable(rec.AttrsJSON), rec.UpdatedAt)
	return err
}

func (r Repo) GetEntityRecord(ctx context.Context, entityType, entityID string) (domain.EntityRecord, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT entity_type, entity_id, status, COALESCE(attrs_json,''), updated_at
FROM entity_records WHERE entity_type=? AND entity_id=?`, entityType, entityID)
	var rec domain.EntityRecord
	err := row.Scan(&rec.EntityType, &rec.EntityID, &rec.Status, &rec.AttrsJSON, &rec.UpdatedAt)
	if err == sql.ErrNoRows {
		return rec, ErrNotFound
	}
	return rec, err
}
