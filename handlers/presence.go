package handlers

import (
	"context"

	"github.com/phonginreallife/chats/authz"
	"github.com/phonginreallife/chats/db"
	"github.com/phonginreallife/chats/internal/logging"
)

// StatusRecorder logs an agent's status change together with the number of
// rooms they are serving.
type StatusRecorder interface {
	Flush(ctx context.Context, userID, projectID string, status db.PermissionStatus) error
}

// setAgentStatus persists status and, when the agent goes OFFLINE, flushes
// their in-service count. A failed flush is logged only.
func setAgentStatus(ctx context.Context, presence authz.PresenceStore, recorder StatusRecorder, perm *db.ProjectPermission, status db.PermissionStatus) error {
	if err := presence.SetStatus(ctx, perm, status); err != nil {
		return err
	}
	if status != db.StatusOffline || recorder == nil {
		return nil
	}
	if err := recorder.Flush(ctx, perm.UserID, perm.ProjectID, status); err != nil {
		logging.FromContext(ctx).Error("failed to flush in-service count", "permission", perm.ID, "error", err)
	}
	return nil
}
