package services

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/phonginreallife/chats/authz"
	"github.com/phonginreallife/chats/db"
)

var testNow = time.Date(2024, 6, 3, 12, 0, 0, 0, time.UTC)

var roomCols = []string{
	"id", "project_id", "queue_id", "contact_id", "user_id", "user_assigned_at", "first_user_assigned_at",
	"is_active", "is_waiting", "ended_at", "ended_by", "added_to_queue_at",
	"last_message_id", "last_message_text", "last_message_user", "last_message_media", "last_interaction",
	"has_agent_messages", "automatic_message_sent_at", "unread_messages_count",
	"urn", "callback_url", "ticket_uuid", "protocol", "service_chat",
	"custom_fields", "transfer_history", "config", "created_on", "modified_on", "archived_at",
}

func nullable(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func nullableTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return *t
}

func roomRows(rooms ...*db.Room) *sqlmock.Rows {
	rows := sqlmock.NewRows(roomCols)
	for _, r := range rooms {
		history, _ := json.Marshal(r.TransferHistory)
		rows.AddRow(
			r.ID, r.ProjectID, r.QueueID, r.ContactID, nullable(r.UserID), nullableTime(r.UserAssignedAt), nullableTime(r.FirstUserAssignedAt),
			r.IsActive, r.IsWaiting, nullableTime(r.EndedAt), r.EndedBy, r.AddedToQueueAt,
			nullable(r.LastMessageID), r.LastMessageText, r.LastMessageUser, []byte("[]"), nullableTime(r.LastInteraction),
			r.HasAgentMessages, nullableTime(r.AutomaticMessageSentAt), r.UnreadMessagesCount,
			r.URN, r.CallbackURL, r.TicketUUID, r.Protocol, r.ServiceChat,
			[]byte("{}"), history, []byte("{}"), r.CreatedOn, r.ModifiedOn, nil,
		)
	}
	return rows
}

var queueCols = []string{
	"q_id", "q_sector_id", "q_name", "q_default_message", "q_required_tags",
	"s_id", "s_project_id", "s_name", "s_rooms_limit", "s_work_start", "s_work_end", "s_required_tags",
	"s_secondary_project", "s_automatic_message_text", "s_is_automatic_message_active", "s_working_hours", "s_is_csat_enabled",
}

func queueRows(q *db.Queue, s *db.Sector) *sqlmock.Rows {
	wh, _ := json.Marshal(s.WorkingHours)
	return sqlmock.NewRows(queueCols).AddRow(
		q.ID, q.SectorID, q.Name, q.DefaultMessage, "{}",
		s.ID, s.ProjectID, s.Name, s.RoomsLimit, s.WorkStart, s.WorkEnd, s.RequiresTags,
		s.SecondaryProject, s.AutomaticMessageText, s.IsAutomaticMessageActive, wh, s.IsCSATEnabled,
	)
}

var projectCols = []string{"id", "name", "timezone", "room_routing_type", "config", "contacts_blocklist", "external_token_hash", "created_at"}

func projectRows(p *db.Project) *sqlmock.Rows {
	cfg, _ := json.Marshal(p.Config)
	return sqlmock.NewRows(projectCols).AddRow(p.ID, p.Name, p.Timezone, string(p.RoomRoutingType), cfg, "{}", "", testNow)
}

func testProject(routing db.RoutingType) *db.Project {
	return &db.Project{ID: "p1", Name: "Weni", Timezone: "UTC", RoomRoutingType: routing, Config: map[string]interface{}{}}
}

func testQueue() (*db.Queue, *db.Sector) {
	sector := &db.Sector{ID: "s1", ProjectID: "p1", Name: "Support", RoomsLimit: 3, WorkStart: "08:00", WorkEnd: "18:00"}
	return &db.Queue{ID: "q1", SectorID: "s1", Name: "General"}, sector
}

func activeRoom(userID string) *db.Room {
	r := &db.Room{
		ID:              "r1",
		ProjectID:       "p1",
		QueueID:         "q1",
		ContactID:       "c1",
		IsActive:        true,
		AddedToQueueAt:  testNow.Add(-time.Hour),
		CreatedOn:       testNow.Add(-time.Hour),
		ModifiedOn:      testNow.Add(-time.Hour),
		TransferHistory: []db.TransferEntry{},
	}
	if userID != "" {
		at := testNow.Add(-30 * time.Minute)
		r.UserID = userID
		r.UserAssignedAt = &at
		r.FirstUserAssignedAt = &at
	}
	return r
}

// fakeAuthz answers from in-memory tables.
type fakeAuthz struct {
	perms     map[string]*db.ProjectPermission
	managers  map[string]bool // permID|sectorID
	agents    map[string]bool // permID|queueID
	queueSect map[string]string
}

var _ authz.Authorizer = (*fakeAuthz)(nil)

func newFakeAuthz(perms ...*db.ProjectPermission) *fakeAuthz {
	f := &fakeAuthz{
		perms:     map[string]*db.ProjectPermission{},
		managers:  map[string]bool{},
		agents:    map[string]bool{},
		queueSect: map[string]string{"q1": "s1", "q2": "s1"},
	}
	for _, p := range perms {
		f.perms[p.UserID+"|"+p.ProjectID] = p
	}
	return f
}

func (f *fakeAuthz) PermissionOf(_ context.Context, userID, projectID string) *db.ProjectPermission {
	return f.perms[userID+"|"+projectID]
}

func (f *fakeAuthz) PermissionByID(_ context.Context, id string) *db.ProjectPermission {
	for _, p := range f.perms {
		if p.ID == id {
			return p
		}
	}
	return nil
}

func (f *fakeAuthz) IsSectorManager(_ context.Context, perm *db.ProjectPermission, sectorID string) bool {
	return perm != nil && f.managers[perm.ID+"|"+sectorID]
}

func (f *fakeAuthz) IsQueueAgent(_ context.Context, perm *db.ProjectPermission, queueID string) bool {
	return perm != nil && f.agents[perm.ID+"|"+queueID]
}

func (f *fakeAuthz) CanManageQueue(ctx context.Context, perm *db.ProjectPermission, queueID string) bool {
	return authz.IsAdmin(perm) || f.IsSectorManager(ctx, perm, f.queueSect[queueID])
}

func (f *fakeAuthz) AgentQueues(context.Context, *db.ProjectPermission) []string    { return nil }
func (f *fakeAuthz) ManagedSectors(context.Context, *db.ProjectPermission) []string { return nil }

type sentFrame struct {
	Group   string
	Action  string
	Payload interface{}
}

// recordingHub captures realtime sends.
type recordingHub struct {
	mu     sync.Mutex
	frames []sentFrame
}

func (h *recordingHub) Send(_ context.Context, group, action string, payload interface{}) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.frames = append(h.frames, sentFrame{Group: group, Action: action, Payload: payload})
	return nil
}

func (h *recordingHub) sent() []sentFrame {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]sentFrame(nil), h.frames...)
}

func (h *recordingHub) groups(action string) []string {
	var out []string
	for _, f := range h.sent() {
		if f.Action == action {
			out = append(out, f.Group)
		}
	}
	return out
}

// recordingCallbacks captures dispatched callbacks.
type recordingCallbacks struct {
	mu     sync.Mutex
	events []CallbackEvent
}

func (r *recordingCallbacks) Dispatch(_ context.Context, ev CallbackEvent) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return "job"
}

type recordingScheduler struct {
	mu     sync.Mutex
	queues []string
}

func (r *recordingScheduler) Schedule(_ context.Context, queueID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.queues = append(r.queues, queueID)
}

type recordingAuto struct {
	mu    sync.Mutex
	rooms []string
}

func (r *recordingAuto) Schedule(_ context.Context, room *db.Room, _ *db.Sector, _ string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rooms = append(r.rooms, room.ID)
}
