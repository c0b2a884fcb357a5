package authz

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/phonginreallife/chats/db"
	"github.com/phonginreallife/chats/internal/clock"
	"github.com/phonginreallife/chats/internal/logging"
)

// SimpleAuthorizer implements Authorizer and PresenceStore with direct SQL.
type SimpleAuthorizer struct {
	db    *sql.DB
	clock clock.Clock
}

func NewSimpleAuthorizer(pg *sql.DB, clk clock.Clock) *SimpleAuthorizer {
	if clk == nil {
		clk = clock.Real()
	}
	return &SimpleAuthorizer{db: pg, clock: clk}
}

var (
	_ Authorizer    = (*SimpleAuthorizer)(nil)
	_ PresenceStore = (*SimpleAuthorizer)(nil)
)

const permissionColumns = `id, user_id, project_id, role, status, last_ping`

func scanPermission(row *sql.Row) (*db.ProjectPermission, error) {
	var p db.ProjectPermission
	var role, status string
	var lastPing sql.NullTime
	if err := row.Scan(&p.ID, &p.UserID, &p.ProjectID, &role, &status, &lastPing); err != nil {
		return nil, err
	}
	p.Role = db.Role(role)
	p.Status = db.PermissionStatus(status)
	p.LastPing = db.TimePtr(lastPing)
	return &p, nil
}

// PermissionOf returns the (user, project) permission or nil.
func (a *SimpleAuthorizer) PermissionOf(ctx context.Context, userID, projectID string) *db.ProjectPermission {
	if userID == "" || projectID == "" {
		return nil
	}
	perm, err := scanPermission(a.db.QueryRowContext(ctx, `
		SELECT `+permissionColumns+` FROM project_permissions
		WHERE user_id = $1 AND project_id = $2
	`, userID, projectID))
	if err != nil {
		if err != sql.ErrNoRows {
			logging.FromContext(ctx).Error("failed to load permission",
				"user", userID, "project", projectID, "error", err)
		}
		return nil
	}
	return perm
}

func (a *SimpleAuthorizer) PermissionByID(ctx context.Context, permissionID string) *db.ProjectPermission {
	perm, err := scanPermission(a.db.QueryRowContext(ctx, `
		SELECT `+permissionColumns+` FROM project_permissions WHERE id = $1
	`, permissionID))
	if err != nil {
		if err != sql.ErrNoRows {
			logging.FromContext(ctx).Error("failed to load permission", "permission", permissionID, "error", err)
		}
		return nil
	}
	return perm
}

func (a *SimpleAuthorizer) IsSectorManager(ctx context.Context, perm *db.ProjectPermission, sectorID string) bool {
	if perm == nil {
		return false
	}
	return a.exists(ctx, `
		SELECT EXISTS(
			SELECT 1 FROM sector_authorizations
			WHERE permission_id = $1 AND sector_id = $2 AND role = 'MANAGER'
		)
	`, perm.ID, sectorID)
}

func (a *SimpleAuthorizer) IsQueueAgent(ctx context.Context, perm *db.ProjectPermission, queueID string) bool {
	if perm == nil {
		return false
	}
	return a.exists(ctx, `
		SELECT EXISTS(
			SELECT 1 FROM queue_authorizations
			WHERE permission_id = $1 AND queue_id = $2
		)
	`, perm.ID, queueID)
}

func (a *SimpleAuthorizer) CanManageQueue(ctx context.Context, perm *db.ProjectPermission, queueID string) bool {
	if perm == nil {
		return false
	}
	if IsAdmin(perm) {
		return true
	}
	return a.exists(ctx, `
		SELECT EXISTS(
			SELECT 1 FROM queues q
			JOIN sector_authorizations sa ON sa.sector_id = q.sector_id
			WHERE q.id = $1 AND sa.permission_id = $2 AND sa.role = 'MANAGER'
		)
	`, queueID, perm.ID)
}

// AgentQueues lists the queues whose group perm may join: every queue of the
// project for admins, managed sectors' queues for managers, and the queues
// perm is authorized on.
func (a *SimpleAuthorizer) AgentQueues(ctx context.Context, perm *db.ProjectPermission) []string {
	if perm == nil {
		return nil
	}
	return a.ids(ctx, `
		SELECT q.id FROM queues q
		JOIN sectors s ON s.id = q.sector_id
		WHERE s.project_id = $1 AND NOT q.is_deleted AND NOT s.is_deleted AND (
			$2
			OR EXISTS (SELECT 1 FROM queue_authorizations qa WHERE qa.queue_id = q.id AND qa.permission_id = $3)
			OR EXISTS (SELECT 1 FROM sector_authorizations sa WHERE sa.sector_id = s.id AND sa.permission_id = $3 AND sa.role = 'MANAGER')
		)
		ORDER BY q.id
	`, perm.ProjectID, IsAdmin(perm), perm.ID)
}

func (a *SimpleAuthorizer) ManagedSectors(ctx context.Context, perm *db.ProjectPermission) []string {
	if perm == nil {
		return nil
	}
	return a.ids(ctx, `
		SELECT s.id FROM sectors s
		WHERE s.project_id = $1 AND NOT s.is_deleted AND (
			$2
			OR EXISTS (SELECT 1 FROM sector_authorizations sa WHERE sa.sector_id = s.id AND sa.permission_id = $3 AND sa.role = 'MANAGER')
		)
		ORDER BY s.id
	`, perm.ProjectID, IsAdmin(perm), perm.ID)
}

// SetStatus writes the status and touches last_ping.
func (a *SimpleAuthorizer) SetStatus(ctx context.Context, perm *db.ProjectPermission, status db.PermissionStatus) error {
	now := a.clock.Now()
	_, err := a.db.ExecContext(ctx, `
		UPDATE project_permissions SET status = $1, last_ping = $2 WHERE id = $3
	`, string(status), now, perm.ID)
	if err != nil {
		return fmt.Errorf("failed to set permission status: %w", err)
	}
	perm.Status = status
	perm.LastPing = &now
	return nil
}

// Touch records a heartbeat.
func (a *SimpleAuthorizer) Touch(ctx context.Context, permissionID string) error {
	_, err := a.db.ExecContext(ctx, `
		UPDATE project_permissions SET last_ping = $1 WHERE id = $2
	`, a.clock.Now(), permissionID)
	if err != nil {
		return fmt.Errorf("failed to touch permission: %w", err)
	}
	return nil
}

// OnlineInSector reports whether any ONLINE agent can take rooms in sectorID.
func (a *SimpleAuthorizer) OnlineInSector(ctx context.Context, sectorID string) bool {
	return a.exists(ctx, `
		SELECT EXISTS(
			SELECT 1 FROM project_permissions pp
			JOIN queue_authorizations qa ON qa.permission_id = pp.id
			JOIN queues q ON q.id = qa.queue_id
			WHERE q.sector_id = $1 AND NOT q.is_deleted AND pp.status = 'ONLINE'
		)
	`, sectorID)
}

func (a *SimpleAuthorizer) exists(ctx context.Context, query string, args ...interface{}) bool {
	var ok bool
	if err := a.db.QueryRowContext(ctx, query, args...).Scan(&ok); err != nil {
		logging.FromContext(ctx).Error("authorization query failed", "error", err)
		return false
	}
	return ok
}

func (a *SimpleAuthorizer) ids(ctx context.Context, query string, args ...interface{}) []string {
	rows, err := a.db.QueryContext(ctx, query, args...)
	if err != nil {
		logging.FromContext(ctx).Error("authorization query failed", "error", err)
		return nil
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			logging.FromContext(ctx).Error("authorization scan failed", "error", err)
			return nil
		}
		out = append(out, id)
	}
	return out
}
