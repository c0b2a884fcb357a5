package handlers

import (
	"context"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/phonginreallife/chats/authz"
	"github.com/phonginreallife/chats/db"
	"github.com/phonginreallife/chats/internal/apperr"
	"github.com/phonginreallife/chats/internal/logging"
	"github.com/phonginreallife/chats/internal/realtime"
	"github.com/phonginreallife/chats/services"
)

// WSHandler upgrades agent and room connections and joins them to their
// realtime groups.
type WSHandler struct {
	hub           *realtime.Hub
	tokens        *authz.TokenService
	projectTokens ProjectTokenValidator
	az            authz.Authorizer
	presence      authz.PresenceStore
	inService     StatusRecorder
	rooms         *services.RoomService
	opts          realtime.ConnOptions
	upgrader      websocket.Upgrader
}

func NewWSHandler(hub *realtime.Hub, tokens *authz.TokenService, projectTokens ProjectTokenValidator, az authz.Authorizer, presence authz.PresenceStore, inService StatusRecorder, rooms *services.RoomService, opts realtime.ConnOptions) *WSHandler {
	return &WSHandler{
		hub:           hub,
		tokens:        tokens,
		projectTokens: projectTokens,
		az:            az,
		presence:      presence,
		inService:     inService,
		rooms:         rooms,
		opts:          opts,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// browsers connect from the agent app origin; the token is the credential
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// agentGroups are the groups an agent joins on connect.
func (h *WSHandler) agentGroups(ctx context.Context, perm *db.ProjectPermission) []string {
	groups := []string{realtime.PermissionGroup(perm.ID)}
	for _, q := range h.az.AgentQueues(ctx, perm) {
		groups = append(groups, realtime.QueueGroup(q))
	}
	for _, s := range h.az.ManagedSectors(ctx, perm) {
		groups = append(groups, realtime.SectorGroup(s))
	}
	if authz.IsAdmin(perm) {
		groups = append(groups, realtime.ProjectGroup(perm.ProjectID))
	}
	return groups
}

// canJoin decides "join" method frames sent after connect.
func (h *WSHandler) canJoin(ctx context.Context, perm *db.ProjectPermission, group string) bool {
	switch {
	case strings.HasPrefix(group, "room_"):
		room, err := h.rooms.Get(ctx, strings.TrimPrefix(group, "room_"))
		return err == nil && h.rooms.CanAccess(ctx, perm, room)
	case strings.HasPrefix(group, "queue_"):
		queueID := strings.TrimPrefix(group, "queue_")
		return h.az.IsQueueAgent(ctx, perm, queueID) || h.az.CanManageQueue(ctx, perm, queueID)
	case strings.HasPrefix(group, "sector_"):
		return authz.IsAdmin(perm) || h.az.IsSectorManager(ctx, perm, strings.TrimPrefix(group, "sector_"))
	case group == realtime.PermissionGroup(perm.ID):
		return true
	}
	return false
}

// AgentRooms handles GET /ws/agent/rooms?Token=...&project=...
func (h *WSHandler) AgentRooms(c *gin.Context) {
	ctx := c.Request.Context()
	token := authz.BearerToken(c)
	if token == "" {
		respondError(c, apperr.New(apperr.Unauthenticated, "Token is required"))
		return
	}
	email, err := h.tokens.Validate(token)
	if err != nil {
		respondError(c, err)
		return
	}
	perm := h.az.PermissionOf(ctx, email, c.Query("project"))
	if perm == nil {
		respondError(c, apperr.New(apperr.PermissionDenied, "You don't have access to this project"))
		return
	}

	ws, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logging.FromContext(ctx).Warn("websocket upgrade failed", "error", err)
		return
	}

	logger := logging.FromContext(ctx).With("permission", perm.ID, "project", perm.ProjectID)
	connCtx := logging.ContextWithLogger(context.WithoutCancel(ctx), logger)
	conn := realtime.NewConn(ws, h.hub, realtime.Session{
		Groups:  h.agentGroups(connCtx, perm),
		CanJoin: func(ctx context.Context, group string) bool { return h.canJoin(ctx, perm, group) },
		OnPing: func(ctx context.Context) {
			if err := h.presence.Touch(ctx, perm.ID); err != nil {
				logger.Warn("failed to record agent ping", "error", err)
			}
		},
		OnClose: func(ctx context.Context) {
			logger.Info("agent websocket closed")
			if err := setAgentStatus(ctx, h.presence, h.inService, perm, db.StatusOffline); err != nil {
				logger.Error("failed to mark agent offline", "error", err)
			}
		},
	}, h.opts)
	logger.Info("agent websocket connected")
	conn.Run(connCtx)
}

// Room handles GET /ws/rooms/:id. The token is either an agent token or the
// project token of the room's integration.
func (h *WSHandler) Room(c *gin.Context) {
	ctx := c.Request.Context()
	token := authz.BearerToken(c)
	if token == "" {
		respondError(c, apperr.New(apperr.Unauthenticated, "Token is required"))
		return
	}
	room, err := h.rooms.Get(ctx, c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	if err := h.authorizeRoom(ctx, token, room); err != nil {
		respondError(c, err)
		return
	}

	ws, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logging.FromContext(ctx).Warn("websocket upgrade failed", "error", err)
		return
	}
	logger := logging.FromContext(ctx).With("room", room.ID)
	connCtx := logging.ContextWithLogger(context.WithoutCancel(ctx), logger)
	conn := realtime.NewConn(ws, h.hub, realtime.Session{
		Groups: []string{realtime.RoomGroup(room.ID)},
	}, h.opts)
	conn.Run(connCtx)
}

func (h *WSHandler) authorizeRoom(ctx context.Context, token string, room *db.Room) error {
	if email, err := h.tokens.Validate(token); err == nil {
		perm := h.az.PermissionOf(ctx, email, room.ProjectID)
		if perm != nil && h.rooms.CanAccess(ctx, perm, room) {
			return nil
		}
		return apperr.New(apperr.PermissionDenied, "You don't have access to this room")
	}
	if h.projectTokens != nil {
		if projectID, err := h.projectTokens.Validate(ctx, token); err == nil && projectID == room.ProjectID {
			return nil
		}
	}
	return apperr.New(apperr.Unauthenticated, "invalid token")
}
