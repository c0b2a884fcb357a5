package services

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/phonginreallife/chats/authz"
	"github.com/phonginreallife/chats/db"
	"github.com/phonginreallife/chats/internal/apperr"
	"github.com/phonginreallife/chats/internal/clock"
	"github.com/phonginreallife/chats/internal/logging"
)

// ConfigValidateOnlineAgents is the project config flag that makes room
// creation require at least one online agent in the sector.
const ConfigValidateOnlineAgents = "validate_online_agents"

// Transfer history actions.
const (
	HistoryAssign   = "assign"
	HistoryPick     = "pick"
	HistoryTransfer = "transfer"
	HistoryUnassign = "unassign"
	HistoryRouting  = "queue_routing"
)

// Pusher notifies an agent's devices that a room was assigned to them.
type Pusher interface {
	RoomAssigned(ctx context.Context, userID string, room *db.Room)
}

// AutoMessageScheduler receives first assignments for the first-touch message.
type AutoMessageScheduler interface {
	Schedule(ctx context.Context, room *db.Room, sector *db.Sector, userID string)
}

type ContactInput struct {
	ExternalID   string                 `json:"external_id" validate:"required"`
	Name         string                 `json:"name"`
	URN          string                 `json:"urn"`
	CustomFields map[string]interface{} `json:"custom_fields"`
}

type CreateRoomInput struct {
	ProjectID    string                 `json:"-" validate:"required"`
	QueueID      string                 `json:"queue_uuid" validate:"required_without=SectorID"`
	SectorID     string                 `json:"sector_uuid"`
	Contact      ContactInput           `json:"contact"`
	UserEmail    string                 `json:"user_email" validate:"omitempty,email"`
	FlowUUID     string                 `json:"flow_uuid"`
	TicketUUID   string                 `json:"ticket_uuid"`
	CallbackURL  string                 `json:"callback_url" validate:"omitempty,url"`
	CustomFields map[string]interface{} `json:"custom_fields"`
	Groups       []string               `json:"groups"`
	Protocol     string                 `json:"protocol"`
	ServiceChat  string                 `json:"service_chat"`
}

type TransferInput struct {
	RoomID  string                `json:"-" validate:"required"`
	ToUser  string                `json:"user_email" validate:"required_without=ToQueue"`
	ToQueue string                `json:"queue_uuid"`
	By      *db.ProjectPermission `json:"-" validate:"required"`
}

type CloseInput struct {
	RoomID  string   `json:"-" validate:"required"`
	EndedBy string   `json:"-"`
	Tags    []string `json:"tags"`
	// Closer is the agent closing the room; nil for integrations.
	Closer *db.ProjectPermission `json:"-"`
}

// RoomService runs the room lifecycle as one transaction script per
// operation. Side effects (realtime, callbacks, counters, push) run after
// commit and never fail the operation.
type RoomService struct {
	PG        *sql.DB
	Clock     clock.Clock
	Authz     authz.Authorizer
	Hours     *WorkingHoursService
	Routing   *RoutingService
	Notifier  *RoomNotifier
	InService InServiceTracker
	MaxPins   int

	Scheduler RoutingScheduler
	Push      Pusher
	Auto      AutoMessageScheduler
}

func NewRoomService(pg *sql.DB, clk clock.Clock, az authz.Authorizer, hours *WorkingHoursService, routing *RoutingService, notifier *RoomNotifier, inService InServiceTracker) *RoomService {
	if clk == nil {
		clk = clock.Real()
	}
	return &RoomService{
		PG:        pg,
		Clock:     clk,
		Authz:     az,
		Hours:     hours,
		Routing:   routing,
		Notifier:  notifier,
		InService: inService,
		MaxPins:   3,
	}
}

// SetScheduler sets where queue-priority routing jobs go
func (s *RoomService) SetScheduler(scheduler RoutingScheduler) { s.Scheduler = scheduler }

// SetPush sets the push notifier for assignments
func (s *RoomService) SetPush(p Pusher) { s.Push = p }

// SetAutoMessages sets the first-touch message scheduler
func (s *RoomService) SetAutoMessages(a AutoMessageScheduler) { s.Auto = a }

// ownerChange is what happened to a room inside a transaction, replayed
// as side effects once it commits.
type ownerChange struct {
	room          *db.Room
	sector        *db.Sector
	project       *db.Project
	previous      string
	previousGroup string
	transferredBy string
	action        string
}

// setOwner moves room to userID ("" puts it back in its queue).
func setOwner(room *db.Room, userID string, now time.Time) (string, bool) {
	previous := room.UserID
	if previous == userID {
		return previous, false
	}
	room.UserID = userID
	if userID == "" {
		room.AddedToQueueAt = now
	} else {
		at := now
		room.UserAssignedAt = &at
		if room.FirstUserAssignedAt == nil {
			room.FirstUserAssignedAt = &at
		}
	}
	room.ModifiedOn = now
	return previous, true
}

func appendHistory(room *db.Room, action, from, to, by string, now time.Time) {
	room.TransferHistory = append(room.TransferHistory, db.TransferEntry{
		Action: action,
		From:   from,
		To:     to,
		Queue:  room.QueueID,
		By:     by,
		At:     now,
	})
}

func saveOwner(ctx context.Context, tx *sql.Tx, room *db.Room) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE rooms
		SET queue_id = $2, user_id = $3, user_assigned_at = $4, first_user_assigned_at = $5,
			added_to_queue_at = $6, transfer_history = $7, modified_on = $8
		WHERE id = $1
	`, room.ID, room.QueueID, db.NullString(room.UserID), db.NullTime(room.UserAssignedAt),
		db.NullTime(room.FirstUserAssignedAt), room.AddedToQueueAt, db.JSONB(room.TransferHistory), room.ModifiedOn)
	if err != nil {
		return fmt.Errorf("failed to update room owner: %w", err)
	}
	return nil
}

// firstAssignment reports whether the current owner is the room's first.
func firstAssignment(room *db.Room) bool {
	return room.UserID != "" && room.UserAssignedAt != nil && room.FirstUserAssignedAt != nil &&
		room.UserAssignedAt.Equal(*room.FirstUserAssignedAt)
}

func (s *RoomService) afterOwnerChange(ctx context.Context, ch ownerChange) {
	room := ch.room
	if s.InService != nil {
		if ch.previous != "" && ch.previous != room.UserID {
			s.InService.Delta(ctx, ch.previous, room.ProjectID, -1)
		}
		if room.UserID != "" && ch.previous != room.UserID {
			s.InService.Delta(ctx, room.UserID, room.ProjectID, 1)
		}
	}

	if s.Notifier != nil {
		s.Notifier.RoomEvent(ctx, room, ch.action, ch.transferredBy, ch.previousGroup)
	}

	if room.UserID != "" && room.UserID != ch.previous {
		if s.Push != nil {
			s.Push.RoomAssigned(ctx, room.UserID, room)
		}
		if s.Auto != nil && ch.sector != nil && firstAssignment(room) {
			s.Auto.Schedule(ctx, room, ch.sector, room.UserID)
		}
	}

	s.scheduleRouting(ctx, ch.project, room.QueueID, room.UserID == "" || ch.previous != "")
}

// scheduleRouting queues queue-priority routing when a room waits or a
// seat was freed.
func (s *RoomService) scheduleRouting(ctx context.Context, project *db.Project, queueID string, needed bool) {
	if !needed || s.Scheduler == nil || project == nil || project.RoomRoutingType != db.RoutingQueuePriority {
		return
	}
	s.Scheduler.Schedule(ctx, queueID)
}

// Create materializes a room for an inbound conversation and routes it.
func (s *RoomService) Create(ctx context.Context, in CreateRoomInput) (*db.Room, error) {
	if err := validateInput(in); err != nil {
		return nil, err
	}

	project, err := getProject(ctx, s.PG, in.ProjectID)
	if err != nil {
		return nil, err
	}
	if project.Blocks(in.Contact.ExternalID) {
		return nil, apperr.New(apperr.PermissionDenied, "contact is blocked in this project")
	}

	var queue *db.Queue
	var sector *db.Sector
	if in.QueueID != "" {
		queue, sector, err = getQueue(ctx, s.PG, in.QueueID)
	} else {
		queue, sector, err = defaultQueue(ctx, s.PG, in.SectorID)
	}
	if err != nil {
		return nil, err
	}
	if sector.ProjectID != project.ID {
		return nil, apperr.New(apperr.NotFound, "queue not found")
	}

	now := s.Clock.Now()
	if err := s.Hours.IsAttending(ctx, project, sector, now); err != nil {
		return nil, err
	}
	if project.ConfigBool(ConfigValidateOnlineAgents) {
		if err := s.Hours.RequireOnlineAgents(ctx, sector); err != nil {
			return nil, err
		}
	}

	tx, err := s.PG.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	contact, isNew, err := upsertContact(ctx, tx, in.Contact)
	if err != nil {
		return nil, err
	}

	var active bool
	err = tx.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM rooms WHERE contact_id = $1 AND queue_id = $2 AND project_id = $3 AND is_active = true
		)
	`, contact.ID, queue.ID, project.ID).Scan(&active)
	if err != nil {
		return nil, fmt.Errorf("failed to check active rooms: %w", err)
	}
	if active {
		return nil, apperr.New(apperr.ConflictActiveRoom, "contact already has an active room in this queue")
	}

	userID, err := s.Routing.SelectAgent(ctx, tx, AgentQuery{
		ProjectID:     project.ID,
		Queue:         queue,
		Sector:        sector,
		Contact:       contact,
		PreferredUser: in.UserEmail,
		Groups:        in.Groups,
		IsNew:         isNew,
		FlowID:        in.FlowUUID,
	})
	if err != nil {
		return nil, err
	}

	room := &db.Room{
		ID:               uuid.New().String(),
		ProjectID:        project.ID,
		QueueID:          queue.ID,
		ContactID:        contact.ID,
		IsActive:         true,
		AddedToQueueAt:   now,
		LastMessageMedia: []db.MediaRef{},
		URN:              in.Contact.URN,
		CallbackURL:      in.CallbackURL,
		TicketUUID:       in.TicketUUID,
		Protocol:         in.Protocol,
		ServiceChat:      in.ServiceChat,
		CustomFields:     in.CustomFields,
		TransferHistory:  []db.TransferEntry{},
		Config:           map[string]interface{}{},
		SecondaryProject: sector.SecondaryProject,
		CreatedOn:        now,
		ModifiedOn:       now,
	}
	if userID != "" {
		setOwner(room, userID, now)
		appendHistory(room, HistoryAssign, "", userID, db.ActorSystem, now)
	}

	if err := insertRoom(ctx, tx, room); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		if isUniqueViolation(err) {
			return nil, apperr.New(apperr.ConflictActiveRoom, "contact already has an active room in this queue")
		}
		return nil, fmt.Errorf("failed to commit room: %w", err)
	}

	logging.FromContext(ctx).Info("room created", "room", room.ID, "queue", queue.ID, "user", userID)
	s.afterOwnerChange(ctx, ownerChange{room: room, sector: sector, project: project, action: EventRoomCreate})
	return room, nil
}

func upsertContact(ctx context.Context, tx *sql.Tx, in ContactInput) (*db.Contact, bool, error) {
	c := &db.Contact{ExternalID: in.ExternalID, Name: in.Name, URN: in.URN, CustomFields: in.CustomFields}
	var inserted bool
	err := tx.QueryRowContext(ctx, `
		INSERT INTO contacts (id, external_id, name, urn, custom_fields)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (external_id) DO UPDATE SET
			name = COALESCE(NULLIF(EXCLUDED.name, ''), contacts.name),
			urn = COALESCE(NULLIF(EXCLUDED.urn, ''), contacts.urn),
			custom_fields = contacts.custom_fields || EXCLUDED.custom_fields
		RETURNING id, (xmax = 0) AS inserted
	`, uuid.New().String(), in.ExternalID, in.Name, in.URN, db.JSONB(in.CustomFields)).Scan(&c.ID, &inserted)
	if err != nil {
		return nil, false, fmt.Errorf("failed to upsert contact: %w", err)
	}
	return c, inserted, nil
}

func insertRoom(ctx context.Context, tx *sql.Tx, r *db.Room) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO rooms (
			id, project_id, queue_id, contact_id, user_id, user_assigned_at, first_user_assigned_at,
			is_active, is_waiting, added_to_queue_at, urn, callback_url, ticket_uuid, protocol, service_chat,
			custom_fields, transfer_history, config, created_on, modified_on
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20)
	`, r.ID, r.ProjectID, r.QueueID, r.ContactID, db.NullString(r.UserID), db.NullTime(r.UserAssignedAt),
		db.NullTime(r.FirstUserAssignedAt), r.IsActive, r.IsWaiting, r.AddedToQueueAt, r.URN, r.CallbackURL,
		r.TicketUUID, r.Protocol, r.ServiceChat, db.JSONB(r.CustomFields), db.JSONB(r.TransferHistory),
		db.JSONB(r.Config), r.CreatedOn, r.ModifiedOn)
	if isUniqueViolation(err) {
		return apperr.New(apperr.ConflictActiveRoom, "contact already has an active room in this queue")
	}
	if err != nil {
		return fmt.Errorf("failed to insert room: %w", err)
	}
	return nil
}

// Get returns a room with its tags.
func (s *RoomService) Get(ctx context.Context, roomID string) (*db.Room, error) {
	room, err := getRoom(ctx, s.PG, roomID)
	if err != nil {
		return nil, err
	}
	if room.Tags, err = roomTags(ctx, s.PG, roomID); err != nil {
		return nil, err
	}
	return room, nil
}

// CanAccess reports whether perm may see and act on room.
func (s *RoomService) CanAccess(ctx context.Context, perm *db.ProjectPermission, room *db.Room) bool {
	if perm == nil || perm.ProjectID != room.ProjectID {
		return false
	}
	if room.UserID == perm.UserID || authz.IsAdmin(perm) {
		return true
	}
	return s.Authz.CanManageQueue(ctx, perm, room.QueueID) || s.Authz.IsQueueAgent(ctx, perm, room.QueueID)
}

// Assign gives the room to userID on behalf of by.
func (s *RoomService) Assign(ctx context.Context, roomID, userID, by string) (*db.Room, error) {
	tx, err := s.PG.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	room, err := lockActiveRoom(ctx, tx, roomID)
	if err != nil {
		return nil, err
	}
	if s.Authz.PermissionOf(ctx, userID, room.ProjectID) == nil {
		return nil, apperr.New(apperr.PermissionDenied, "user has no permission in the room's project")
	}
	sector, project, err := roomScope(ctx, tx, room)
	if err != nil {
		return nil, err
	}
	ch, err := s.changeOwner(ctx, tx, room, sector, project, userID, by, HistoryAssign)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit assignment: %w", err)
	}
	s.afterOwnerChange(ctx, ch)
	return room, nil
}

// Unassign puts the room back in its queue.
func (s *RoomService) Unassign(ctx context.Context, roomID, by string) (*db.Room, error) {
	tx, err := s.PG.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	room, err := lockActiveRoom(ctx, tx, roomID)
	if err != nil {
		return nil, err
	}
	sector, project, err := roomScope(ctx, tx, room)
	if err != nil {
		return nil, err
	}
	ch, err := s.changeOwner(ctx, tx, room, sector, project, "", by, HistoryUnassign)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit unassignment: %w", err)
	}
	s.afterOwnerChange(ctx, ch)
	return room, nil
}

// roomScope loads the sector and project a locked room belongs to.
func roomScope(ctx context.Context, tx *sql.Tx, room *db.Room) (*db.Sector, *db.Project, error) {
	_, sector, err := getQueue(ctx, tx, room.QueueID)
	if err != nil {
		return nil, nil, err
	}
	project, err := getProject(ctx, tx, room.ProjectID)
	if err != nil {
		return nil, nil, err
	}
	return sector, project, nil
}

// changeOwner applies an owner change to a locked room.
func (s *RoomService) changeOwner(ctx context.Context, tx *sql.Tx, room *db.Room, sector *db.Sector, project *db.Project, userID, by, action string) (ownerChange, error) {
	ch := ownerChange{room: room, sector: sector, project: project, action: EventRoomUpdate}
	if s.Notifier != nil {
		ch.previousGroup = s.Notifier.GroupOf(ctx, room)
	}

	now := s.Clock.Now()
	previous, changed := setOwner(room, userID, now)
	ch.previous = previous
	if !changed {
		return ch, nil
	}
	room.SecondaryProject = sector.SecondaryProject
	appendHistory(room, action, previous, userID, by, now)
	if err := saveOwner(ctx, tx, room); err != nil {
		return ownerChange{}, err
	}
	return ch, nil
}

// PickQueueRoom lets an agent take a waiting room. Under queue-priority
// routing only admins and sector managers may pick.
func (s *RoomService) PickQueueRoom(ctx context.Context, perm *db.ProjectPermission, roomID string) (*db.Room, error) {
	if perm == nil {
		return nil, apperr.New(apperr.PermissionDenied, "no permission in this project")
	}

	tx, err := s.PG.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	room, err := lockActiveRoom(ctx, tx, roomID)
	if err != nil {
		return nil, err
	}
	if room.UserID != "" {
		return nil, apperr.New(apperr.RoomIsNotQueued, "room is already assigned")
	}
	if perm.ProjectID != room.ProjectID {
		return nil, apperr.New(apperr.PermissionDenied, "room belongs to another project")
	}

	sector, project, err := roomScope(ctx, tx, room)
	if err != nil {
		return nil, err
	}

	var allowed bool
	if project.RoomRoutingType == db.RoutingQueuePriority {
		allowed = authz.Can(perm, authz.ActionPickPriority) || s.Authz.IsSectorManager(ctx, perm, sector.ID)
	} else {
		allowed = s.Authz.IsQueueAgent(ctx, perm, room.QueueID) || s.Authz.CanManageQueue(ctx, perm, room.QueueID)
	}
	if !allowed {
		return nil, apperr.New(apperr.PermissionDenied, "not allowed to pick rooms from this queue")
	}

	ch, err := s.changeOwner(ctx, tx, room, sector, project, perm.UserID, perm.UserID, HistoryPick)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit pick: %w", err)
	}
	s.afterOwnerChange(ctx, ch)
	return room, nil
}

// Transfer moves a room to another agent or queue.
func (s *RoomService) Transfer(ctx context.Context, in TransferInput) (*db.Room, error) {
	if err := validateInput(in); err != nil {
		return nil, err
	}

	tx, err := s.PG.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	ch, err := s.transferLocked(ctx, tx, in)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transfer: %w", err)
	}
	s.afterOwnerChange(ctx, ch)
	return ch.room, nil
}

// BulkTransfer moves every room or none of them.
func (s *RoomService) BulkTransfer(ctx context.Context, roomIDs []string, toUser, toQueue string, by *db.ProjectPermission) ([]*db.Room, error) {
	if len(roomIDs) == 0 {
		return nil, apperr.New(apperr.InvalidInput, "no rooms to transfer")
	}

	tx, err := s.PG.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	changes := make([]ownerChange, 0, len(roomIDs))
	for _, id := range roomIDs {
		in := TransferInput{RoomID: id, ToUser: toUser, ToQueue: toQueue, By: by}
		if err := validateInput(in); err != nil {
			return nil, err
		}
		ch, err := s.transferLocked(ctx, tx, in)
		if err != nil {
			return nil, fmt.Errorf("room %s: %w", id, err)
		}
		changes = append(changes, ch)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit bulk transfer: %w", err)
	}

	rooms := make([]*db.Room, 0, len(changes))
	for _, ch := range changes {
		s.afterOwnerChange(ctx, ch)
		rooms = append(rooms, ch.room)
	}
	return rooms, nil
}

func (s *RoomService) transferLocked(ctx context.Context, tx *sql.Tx, in TransferInput) (ownerChange, error) {
	room, err := lockActiveRoom(ctx, tx, in.RoomID)
	if err != nil {
		return ownerChange{}, err
	}
	by := in.By
	if by.ProjectID != room.ProjectID || !authz.Can(by, authz.ActionTransfer) {
		return ownerChange{}, apperr.New(apperr.PermissionDenied, "not allowed to transfer this room")
	}
	if room.UserID != by.UserID && !s.Authz.CanManageQueue(ctx, by, room.QueueID) && !s.Authz.IsQueueAgent(ctx, by, room.QueueID) {
		return ownerChange{}, apperr.New(apperr.PermissionDenied, "not allowed to transfer this room")
	}

	ch := ownerChange{room: room, transferredBy: by.UserID, action: EventRoomUpdate}
	if s.Notifier != nil {
		ch.previousGroup = s.Notifier.GroupOf(ctx, room)
	}

	_, sector, err := getQueue(ctx, tx, room.QueueID)
	if err != nil {
		return ownerChange{}, err
	}
	queueChanged := false
	if in.ToQueue != "" && in.ToQueue != room.QueueID {
		var queue *db.Queue
		queue, sector, err = getQueue(ctx, tx, in.ToQueue)
		if err != nil {
			return ownerChange{}, err
		}
		if sector.ProjectID != room.ProjectID {
			return ownerChange{}, apperr.New(apperr.PermissionDenied, "cannot transfer a room to another project")
		}
		room.QueueID = queue.ID
		queueChanged = true
	}
	if in.ToUser != "" && s.Authz.PermissionOf(ctx, in.ToUser, room.ProjectID) == nil {
		return ownerChange{}, apperr.New(apperr.PermissionDenied, "target user has no permission in the room's project")
	}
	project, err := getProject(ctx, tx, room.ProjectID)
	if err != nil {
		return ownerChange{}, err
	}
	ch.sector = sector
	ch.project = project

	now := s.Clock.Now()
	previous, changed := setOwner(room, in.ToUser, now)
	ch.previous = previous
	if !changed && !queueChanged {
		return ch, nil
	}
	if queueChanged && !changed && room.UserID == "" {
		room.AddedToQueueAt = now
	}
	room.ModifiedOn = now
	room.SecondaryProject = sector.SecondaryProject
	appendHistory(room, HistoryTransfer, previous, in.ToUser, by.UserID, now)
	if err := saveOwner(ctx, tx, room); err != nil {
		return ownerChange{}, err
	}
	return ch, nil
}

// Close ends the room. Sectors that require tags refuse a close that
// leaves the room untagged.
func (s *RoomService) Close(ctx context.Context, in CloseInput) (*db.Room, error) {
	if err := validateInput(in); err != nil {
		return nil, err
	}

	tx, err := s.PG.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	room, err := lockActiveRoom(ctx, tx, in.RoomID)
	if err != nil {
		return nil, err
	}
	if in.Closer != nil && !s.canClose(ctx, in.Closer, room) {
		return nil, apperr.New(apperr.PermissionDenied, "not allowed to close this room")
	}

	sector, project, err := roomScope(ctx, tx, room)
	if err != nil {
		return nil, err
	}

	tags := uniqueStrings(in.Tags)
	if len(tags) > 0 {
		if err := s.attachTags(ctx, tx, room.ID, sector.ID, tags); err != nil {
			return nil, err
		}
	}
	existing, err := roomTags(ctx, tx, room.ID)
	if err != nil {
		return nil, err
	}
	if sector.RequiresTags && len(existing) == 0 {
		return nil, apperr.New(apperr.TagsRequired, "sector "+sector.Name+" requires tags to close a room")
	}

	now := s.Clock.Now()
	if now.Before(room.CreatedOn) {
		now = room.CreatedOn
	}
	endedBy := in.EndedBy
	if endedBy == "" {
		endedBy = db.EndedByAgent
	}
	_, err = tx.ExecContext(ctx, `
		UPDATE rooms SET is_active = false, ended_at = $2, ended_by = $3, modified_on = $2 WHERE id = $1
	`, room.ID, now, endedBy)
	if err != nil {
		return nil, fmt.Errorf("failed to close room: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit close: %w", err)
	}

	room.IsActive = false
	room.EndedAt = &now
	room.EndedBy = endedBy
	room.ModifiedOn = now
	room.Tags = existing
	room.SecondaryProject = sector.SecondaryProject

	logging.FromContext(ctx).Info("room closed", "room", room.ID, "ended_by", endedBy)
	if room.UserID != "" && s.InService != nil {
		s.InService.Delta(ctx, room.UserID, room.ProjectID, -1)
	}
	if s.Notifier != nil {
		s.Notifier.RoomEvent(ctx, room, EventRoomClose, "", "")
	}
	s.scheduleRouting(ctx, project, room.QueueID, room.UserID != "")
	return room, nil
}

func (s *RoomService) canClose(ctx context.Context, perm *db.ProjectPermission, room *db.Room) bool {
	if perm.ProjectID != room.ProjectID {
		return false
	}
	if room.UserID == perm.UserID || authz.Can(perm, authz.ActionCloseAny) {
		return true
	}
	return s.Authz.CanManageQueue(ctx, perm, room.QueueID)
}

func (s *RoomService) attachTags(ctx context.Context, tx *sql.Tx, roomID, sectorID string, tags []string) error {
	var known int
	err := tx.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM sector_tags WHERE sector_id = $1 AND id = ANY($2)
	`, sectorID, pq.Array(tags)).Scan(&known)
	if err != nil {
		return fmt.Errorf("failed to validate tags: %w", err)
	}
	if known != len(tags) {
		return apperr.New(apperr.InvalidInput, "tags must belong to the room's sector")
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO room_tags (room_id, tag_id)
		SELECT $1, unnest($2::uuid[])
		ON CONFLICT DO NOTHING
	`, roomID, pq.Array(tags))
	if err != nil {
		return fmt.Errorf("failed to tag room: %w", err)
	}
	return nil
}

// RouteQueue assigns waiting rooms of a queue, oldest first, until the
// queue is empty or no agent has a free seat.
func (s *RoomService) RouteQueue(ctx context.Context, queueID string) (int, error) {
	routed := 0
	for {
		ch, ok, err := s.routeNext(ctx, queueID)
		if err != nil {
			return routed, err
		}
		if !ok {
			return routed, nil
		}
		s.afterOwnerChange(ctx, ch)
		routed++
	}
}

func (s *RoomService) routeNext(ctx context.Context, queueID string) (ownerChange, bool, error) {
	tx, err := s.PG.BeginTx(ctx, nil)
	if err != nil {
		return ownerChange{}, false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	room, err := scanRoom(tx.QueryRowContext(ctx, `
		SELECT `+roomColumns+`
		FROM rooms r
		WHERE r.queue_id = $1 AND r.is_active = true AND r.user_id IS NULL
		ORDER BY r.added_to_queue_at ASC
		LIMIT 1
		FOR UPDATE SKIP LOCKED
	`, queueID))
	if err == sql.ErrNoRows {
		return ownerChange{}, false, nil
	}
	if err != nil {
		return ownerChange{}, false, fmt.Errorf("failed to get waiting room: %w", err)
	}

	queue, sector, err := getQueue(ctx, tx, queueID)
	if err != nil {
		return ownerChange{}, false, err
	}
	userID, err := AvailableAgent(ctx, tx, queue, sector)
	if err != nil || userID == "" {
		return ownerChange{}, false, err
	}
	project, err := getProject(ctx, tx, room.ProjectID)
	if err != nil {
		return ownerChange{}, false, err
	}

	ch, err := s.changeOwner(ctx, tx, room, sector, project, userID, db.ActorQueueRouting, HistoryRouting)
	if err != nil {
		return ownerChange{}, false, err
	}
	if err := tx.Commit(); err != nil {
		return ownerChange{}, false, fmt.Errorf("failed to commit routing: %w", err)
	}
	return ch, true, nil
}

func uniqueStrings(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, v := range in {
		if v == "" || seen[v] {
			continue
		}
		seen[v] = true
		out = append(out, v)
	}
	return out
}
