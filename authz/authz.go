// Package authz resolves what a user may do inside a project: their
// ProjectPermission, sector management and queue membership.
package authz

import (
	"context"

	"github.com/phonginreallife/chats/db"
)

// Action is an operation gated by project role.
type Action string

const (
	ActionViewRooms    Action = "view_rooms"
	ActionTransfer     Action = "transfer"
	ActionCloseAny     Action = "close_any"
	ActionPickPriority Action = "pick_priority"
	ActionManage       Action = "manage"
)

// ProjectPermissions defines what each project role may do regardless of
// sector or queue delegation.
var ProjectPermissions = map[db.Role]map[Action]bool{
	db.RoleAdmin: {
		ActionViewRooms:    true,
		ActionTransfer:     true,
		ActionCloseAny:     true,
		ActionPickPriority: true,
		ActionManage:       true,
	},
	db.RoleAttendant: {
		ActionViewRooms: true,
		ActionTransfer:  true,
	},
	db.RoleExternal: {},
}

// HasPermission checks if a role has permission to perform an action
func HasPermission(permissions map[db.Role]map[Action]bool, role db.Role, action Action) bool {
	if rolePerms, ok := permissions[role]; ok {
		return rolePerms[action]
	}
	return false
}

// Can reports whether perm's role allows action. A nil perm allows nothing.
func Can(perm *db.ProjectPermission, action Action) bool {
	if perm == nil {
		return false
	}
	return HasPermission(ProjectPermissions, perm.Role, action)
}

// IsAdmin reports whether perm is a project admin.
func IsAdmin(perm *db.ProjectPermission) bool {
	return perm != nil && perm.Role == db.RoleAdmin
}

// Authorizer answers permission questions. Missing tuples come back as nil
// or false, never as errors.
type Authorizer interface {
	PermissionOf(ctx context.Context, userID, projectID string) *db.ProjectPermission
	PermissionByID(ctx context.Context, permissionID string) *db.ProjectPermission
	IsSectorManager(ctx context.Context, perm *db.ProjectPermission, sectorID string) bool
	IsQueueAgent(ctx context.Context, perm *db.ProjectPermission, queueID string) bool
	// CanManageQueue is true for admins and managers of the queue's sector.
	CanManageQueue(ctx context.Context, perm *db.ProjectPermission, queueID string) bool
	AgentQueues(ctx context.Context, perm *db.ProjectPermission) []string
	ManagedSectors(ctx context.Context, perm *db.ProjectPermission) []string
}

// PresenceStore persists agent presence.
type PresenceStore interface {
	SetStatus(ctx context.Context, perm *db.ProjectPermission, status db.PermissionStatus) error
	Touch(ctx context.Context, permissionID string) error
}
