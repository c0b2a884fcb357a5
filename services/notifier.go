package services

import (
	"context"

	"github.com/phonginreallife/chats/authz"
	"github.com/phonginreallife/chats/db"
	"github.com/phonginreallife/chats/internal/logging"
	"github.com/phonginreallife/chats/internal/realtime"
)

// Realtime and callback event names.
const (
	EventRoomCreate    = "room.create"
	EventRoomUpdate    = "room.update"
	EventRoomDestroy   = "room.destroy"
	EventRoomClose     = "room.close"
	EventMsgCreate     = "msg.create"
	EventMsgUpdate     = "msg.update"
	EventStatusUpdate  = "message.status_update"
	EventRoomNoteAdded = "room_note.create"
)

// CallbackSender mirrors room and message events to a room's callback URL.
type CallbackSender interface {
	Dispatch(ctx context.Context, ev CallbackEvent) string
}

// RoomPayload is the realtime and callback representation of a room.
type RoomPayload struct {
	*db.Room
	TransferredBy string `json:"transferred_by,omitempty"`
}

// MessagePayload is the realtime and callback representation of a message.
type MessagePayload struct {
	*db.Message
	ProjectID string `json:"project_uuid"`
}

// RoomNotifier applies the room event policy: queued rooms notify their
// queue, assigned rooms notify the assignee's permission group.
type RoomNotifier struct {
	Hub       realtime.Broadcaster
	Authz     authz.Authorizer
	Callbacks CallbackSender
}

func NewRoomNotifier(hub realtime.Broadcaster, az authz.Authorizer, callbacks CallbackSender) *RoomNotifier {
	return &RoomNotifier{Hub: hub, Authz: az, Callbacks: callbacks}
}

// targetGroup is where events about room go.
func (n *RoomNotifier) targetGroup(ctx context.Context, room *db.Room) string {
	if room.UserID == "" {
		return realtime.QueueGroup(room.QueueID)
	}
	perm := n.Authz.PermissionOf(ctx, room.UserID, room.ProjectID)
	if perm == nil {
		return realtime.QueueGroup(room.QueueID)
	}
	return realtime.PermissionGroup(perm.ID)
}

func (n *RoomNotifier) send(ctx context.Context, group, action string, payload interface{}) {
	if err := n.Hub.Send(ctx, group, action, payload); err != nil {
		logging.FromContext(ctx).Warn("realtime send failed", "group", group, "action", action, "error", err)
	}
}

// RoomEvent fans out a room.* action and mirrors it to the callback URL.
// previousGroup, when not empty, also receives the event so a transfer
// reaches both the old and the new owner.
func (n *RoomNotifier) RoomEvent(ctx context.Context, room *db.Room, action, transferredBy, previousGroup string) {
	payload := RoomPayload{Room: room, TransferredBy: transferredBy}

	group := n.targetGroup(ctx, room)
	n.send(ctx, group, action, payload)
	if previousGroup != "" && previousGroup != group {
		n.send(ctx, previousGroup, action, payload)
	}
	if room.SecondaryProject != "" {
		n.send(ctx, realtime.ProjectGroup(room.SecondaryProject), action, payload)
	}
	if action == EventRoomClose || action == EventRoomUpdate {
		n.send(ctx, realtime.RoomGroup(room.ID), action, payload)
	}

	if room.CallbackURL != "" && n.Callbacks != nil && action != EventRoomCreate {
		n.Callbacks.Dispatch(ctx, CallbackEvent{
			URL:     room.CallbackURL,
			Type:    action,
			Content: payload,
			RoomID:  room.ID,
		})
	}
}

// GroupOf exposes the routing of room events, used to remember where a room
// was announced before it changes hands.
func (n *RoomNotifier) GroupOf(ctx context.Context, room *db.Room) string {
	return n.targetGroup(ctx, room)
}

// MessageEvent fans out a msg.* action to both sides of the room and to
// its owner, then mirrors it to the callback URL.
func (n *RoomNotifier) MessageEvent(ctx context.Context, room *db.Room, msg *db.Message, action string) {
	payload := MessagePayload{Message: msg, ProjectID: room.ProjectID}

	n.send(ctx, realtime.RoomGroup(room.ID), action, payload)
	n.send(ctx, n.targetGroup(ctx, room), action, payload)

	if room.CallbackURL != "" && n.Callbacks != nil {
		n.Callbacks.Dispatch(ctx, CallbackEvent{
			URL:       room.CallbackURL,
			Type:      action,
			Content:   payload,
			RoomID:    room.ID,
			MessageID: msg.ID,
		})
	}
}

// MessageStatus tells one agent that a message they see changed status.
func (n *RoomNotifier) MessageStatus(ctx context.Context, permissionID, messageID string, status db.MessageStatus) {
	if permissionID == "" {
		return
	}
	n.send(ctx, realtime.PermissionGroup(permissionID), EventStatusUpdate, map[string]interface{}{
		"uuid":   messageID,
		"status": status,
	})
}

// NoteEvent announces a new room note to the room group.
func (n *RoomNotifier) NoteEvent(ctx context.Context, room *db.Room, note *db.RoomNote) {
	n.send(ctx, realtime.RoomGroup(room.ID), EventRoomNoteAdded, note)
	n.send(ctx, n.targetGroup(ctx, room), EventRoomNoteAdded, note)
}
