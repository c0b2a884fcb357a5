package services

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/phonginreallife/chats/db"
	"github.com/phonginreallife/chats/internal/apperr"
	"github.com/phonginreallife/chats/internal/clock"
	"github.com/phonginreallife/chats/internal/realtime"
)

type roomHarness struct {
	svc       *RoomService
	mock      sqlmock.Sqlmock
	hub       *recordingHub
	counter   *InServiceCounter
	az        *fakeAuthz
	scheduler *recordingScheduler
	auto      *recordingAuto
	clock     *clock.FakeClock
}

var (
	agentA = &db.ProjectPermission{ID: "perm-a", UserID: "a@weni.ai", ProjectID: "p1", Role: db.RoleAttendant, Status: db.StatusOnline}
	agentB = &db.ProjectPermission{ID: "perm-b", UserID: "b@weni.ai", ProjectID: "p1", Role: db.RoleAttendant, Status: db.StatusOnline}
	admin  = &db.ProjectPermission{ID: "perm-admin", UserID: "admin@weni.ai", ProjectID: "p1", Role: db.RoleAdmin, Status: db.StatusOnline}
)

func newRoomHarness(t *testing.T, now time.Time) *roomHarness {
	pg, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { pg.Close() })

	clk := clock.Fake(now)
	az := newFakeAuthz(agentA, agentB, admin)
	hub := &recordingHub{}
	counter := NewInServiceCounter(NewMemoryCache(clk), pg, clk)
	notifier := NewRoomNotifier(hub, az, nil)

	svc := NewRoomService(pg, clk, az, NewWorkingHoursService(pg, nil, nil, clk), NewRoutingService(az), notifier, counter)
	scheduler := &recordingScheduler{}
	auto := &recordingAuto{}
	svc.SetScheduler(scheduler)
	svc.SetAutoMessages(auto)

	return &roomHarness{svc: svc, mock: mock, hub: hub, counter: counter, az: az, scheduler: scheduler, auto: auto, clock: clk}
}

func (h *roomHarness) expectCreatePreamble(project *db.Project) {
	q, s := testQueue()
	h.mock.ExpectQuery("FROM projects").WithArgs("p1").WillReturnRows(projectRows(project))
	h.mock.ExpectQuery("FROM queues q JOIN sectors s").WithArgs("q1").WillReturnRows(queueRows(q, s))
	h.mock.ExpectQuery("FROM sector_holidays").WillReturnRows(sqlmock.NewRows(holidayCols))
}

func createInput() CreateRoomInput {
	return CreateRoomInput{
		ProjectID: "p1",
		QueueID:   "q1",
		Contact:   ContactInput{ExternalID: "c1", Name: "Alice", URN: "whatsapp:5582999999999"},
	}
}

func TestRoomCreate_FlowStartContinuity(t *testing.T) {
	h := newRoomHarness(t, testNow)
	h.expectCreatePreamble(testProject(db.RoutingGeneral))

	h.mock.ExpectBegin()
	h.mock.ExpectQuery("INSERT INTO contacts").
		WillReturnRows(sqlmock.NewRows([]string{"id", "inserted"}).AddRow("contact-1", true))
	h.mock.ExpectQuery("SELECT EXISTS").WithArgs("contact-1", "q1", "p1").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
	h.mock.ExpectQuery("FROM flow_starts fs").
		WillReturnRows(sqlmock.NewRows([]string{"created_on", "user_id", "status"}).
			AddRow(testNow.Add(-10*time.Minute), agentA.UserID, "ONLINE"))
	h.mock.ExpectExec("INSERT INTO rooms").WillReturnResult(sqlmock.NewResult(1, 1))
	h.mock.ExpectCommit()

	room, err := h.svc.Create(context.Background(), createInput())
	require.NoError(t, err)

	assert.Equal(t, agentA.UserID, room.UserID)
	assert.Equal(t, testNow, *room.UserAssignedAt)
	assert.Equal(t, testNow, *room.FirstUserAssignedAt)
	assert.Equal(t, testNow, room.AddedToQueueAt)
	assert.True(t, room.IsActive)
	require.Len(t, room.TransferHistory, 1)
	assert.Equal(t, agentA.UserID, room.TransferHistory[0].To)

	assert.Equal(t, []string{realtime.PermissionGroup(agentA.ID)}, h.hub.groups(EventRoomCreate))
	n, _ := h.counter.Count(context.Background(), agentA.UserID, "p1")
	assert.Equal(t, int64(1), n)
	assert.Equal(t, []string{room.ID}, h.auto.rooms)
	assert.Empty(t, h.scheduler.queues)
	assert.NoError(t, h.mock.ExpectationsWereMet())
}

func TestRoomCreate_WaitsInQueueUnderQueuePriority(t *testing.T) {
	h := newRoomHarness(t, testNow)
	h.expectCreatePreamble(testProject(db.RoutingQueuePriority))

	h.mock.ExpectBegin()
	h.mock.ExpectQuery("INSERT INTO contacts").
		WillReturnRows(sqlmock.NewRows([]string{"id", "inserted"}).AddRow("contact-1", false))
	h.mock.ExpectQuery("SELECT EXISTS").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
	h.mock.ExpectQuery("FROM flow_starts fs").WillReturnError(sql.ErrNoRows)
	h.mock.ExpectQuery("FROM contact_agent_links").WillReturnError(sql.ErrNoRows)
	h.mock.ExpectQuery("FROM queue_authorizations qa").WillReturnError(sql.ErrNoRows)
	h.mock.ExpectExec("INSERT INTO rooms").WillReturnResult(sqlmock.NewResult(1, 1))
	h.mock.ExpectCommit()

	room, err := h.svc.Create(context.Background(), createInput())
	require.NoError(t, err)

	assert.Empty(t, room.UserID)
	assert.Equal(t, []string{realtime.QueueGroup("q1")}, h.hub.groups(EventRoomCreate))
	assert.Equal(t, []string{"q1"}, h.scheduler.queues)
	assert.Empty(t, h.auto.rooms)
	assert.NoError(t, h.mock.ExpectationsWereMet())
}

func TestRoomCreate_Rejections(t *testing.T) {
	t.Run("active room for contact and queue", func(t *testing.T) {
		h := newRoomHarness(t, testNow)
		h.expectCreatePreamble(testProject(db.RoutingGeneral))
		h.mock.ExpectBegin()
		h.mock.ExpectQuery("INSERT INTO contacts").
			WillReturnRows(sqlmock.NewRows([]string{"id", "inserted"}).AddRow("contact-1", false))
		h.mock.ExpectQuery("SELECT EXISTS").
			WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
		h.mock.ExpectRollback()

		_, err := h.svc.Create(context.Background(), createInput())
		assert.Equal(t, apperr.ConflictActiveRoom, apperr.KindOf(err))
		assert.NoError(t, h.mock.ExpectationsWereMet())
	})

	t.Run("concurrent create hits the unique index", func(t *testing.T) {
		h := newRoomHarness(t, testNow)
		h.expectCreatePreamble(testProject(db.RoutingGeneral))
		h.mock.ExpectBegin()
		h.mock.ExpectQuery("INSERT INTO contacts").
			WillReturnRows(sqlmock.NewRows([]string{"id", "inserted"}).AddRow("contact-1", true))
		h.mock.ExpectQuery("SELECT EXISTS").
			WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
		h.mock.ExpectQuery("FROM flow_starts fs").WillReturnError(sql.ErrNoRows)
		h.mock.ExpectQuery("FROM queue_authorizations qa").WillReturnError(sql.ErrNoRows)
		h.mock.ExpectExec("INSERT INTO rooms").WillReturnError(&pq.Error{Code: "23505"})
		h.mock.ExpectRollback()

		_, err := h.svc.Create(context.Background(), createInput())
		assert.Equal(t, apperr.ConflictActiveRoom, apperr.KindOf(err))
		assert.NoError(t, h.mock.ExpectationsWereMet())
	})

	t.Run("one second before work start", func(t *testing.T) {
		h := newRoomHarness(t, time.Date(2024, 6, 3, 7, 59, 59, 0, time.UTC))
		h.expectCreatePreamble(testProject(db.RoutingGeneral))

		_, err := h.svc.Create(context.Background(), createInput())
		assert.Equal(t, apperr.OutsideWorkingHours, apperr.KindOf(err))
		assert.NoError(t, h.mock.ExpectationsWereMet())
	})

	t.Run("blocked contact", func(t *testing.T) {
		h := newRoomHarness(t, testNow)
		h.mock.ExpectQuery("FROM projects").WithArgs("p1").WillReturnRows(
			sqlmock.NewRows(projectCols).AddRow("p1", "Weni", "UTC", "GENERAL", []byte("{}"), "{c1}", "", testNow))

		_, err := h.svc.Create(context.Background(), createInput())
		assert.Equal(t, apperr.PermissionDenied, apperr.KindOf(err))
		assert.NoError(t, h.mock.ExpectationsWereMet())
	})

	t.Run("missing contact external id", func(t *testing.T) {
		h := newRoomHarness(t, testNow)
		in := createInput()
		in.Contact.ExternalID = ""

		_, err := h.svc.Create(context.Background(), in)
		assert.Equal(t, apperr.InvalidInput, apperr.KindOf(err))
	})
}

func TestRoomTransfer_MovesInServiceCounters(t *testing.T) {
	h := newRoomHarness(t, testNow)
	ctx := context.Background()
	h.counter.Delta(ctx, agentA.UserID, "p1", 1)

	q, s := testQueue()
	h.mock.ExpectBegin()
	h.mock.ExpectQuery("FOR UPDATE").WithArgs("r1").WillReturnRows(roomRows(activeRoom(agentA.UserID)))
	h.mock.ExpectQuery("FROM queues q JOIN sectors s").WithArgs("q1").WillReturnRows(queueRows(q, s))
	h.mock.ExpectQuery("FROM projects").WithArgs("p1").WillReturnRows(projectRows(testProject(db.RoutingGeneral)))
	h.mock.ExpectExec("UPDATE rooms").WillReturnResult(sqlmock.NewResult(0, 1))
	h.mock.ExpectCommit()

	room, err := h.svc.Transfer(ctx, TransferInput{RoomID: "r1", ToUser: agentB.UserID, By: admin})
	require.NoError(t, err)

	a, _ := h.counter.Count(ctx, agentA.UserID, "p1")
	b, _ := h.counter.Count(ctx, agentB.UserID, "p1")
	assert.Equal(t, int64(0), a)
	assert.Equal(t, int64(1), b)

	last := room.TransferHistory[len(room.TransferHistory)-1]
	assert.Equal(t, db.TransferEntry{Action: HistoryTransfer, From: agentA.UserID, To: agentB.UserID, Queue: "q1", By: admin.UserID, At: testNow}, last)
	assert.Equal(t, testNow, *room.UserAssignedAt)
	assert.NotEqual(t, testNow, *room.FirstUserAssignedAt)

	frames := h.hub.sent()
	require.Len(t, frames, 3)
	assert.Equal(t, realtime.PermissionGroup(agentB.ID), frames[0].Group)
	assert.Equal(t, realtime.PermissionGroup(agentA.ID), frames[1].Group)
	assert.Equal(t, realtime.RoomGroup("r1"), frames[2].Group)
	payload := frames[0].Payload.(RoomPayload)
	assert.Equal(t, admin.UserID, payload.TransferredBy)

	assert.Empty(t, h.auto.rooms)
	assert.NoError(t, h.mock.ExpectationsWereMet())
}

func TestRoomTransfer_Rejections(t *testing.T) {
	t.Run("closed room", func(t *testing.T) {
		h := newRoomHarness(t, testNow)
		closed := activeRoom(agentA.UserID)
		closed.IsActive = false
		h.mock.ExpectBegin()
		h.mock.ExpectQuery("FOR UPDATE").WithArgs("r1").WillReturnRows(roomRows(closed))
		h.mock.ExpectRollback()

		_, err := h.svc.Transfer(context.Background(), TransferInput{RoomID: "r1", ToUser: agentB.UserID, By: admin})
		assert.Equal(t, apperr.RoomClosed, apperr.KindOf(err))
		assert.NoError(t, h.mock.ExpectationsWereMet())
	})

	t.Run("caller from another project", func(t *testing.T) {
		h := newRoomHarness(t, testNow)
		outsider := &db.ProjectPermission{ID: "perm-x", UserID: "x@weni.ai", ProjectID: "p2", Role: db.RoleAdmin}
		h.mock.ExpectBegin()
		h.mock.ExpectQuery("FOR UPDATE").WithArgs("r1").WillReturnRows(roomRows(activeRoom(agentA.UserID)))
		h.mock.ExpectRollback()

		_, err := h.svc.Transfer(context.Background(), TransferInput{RoomID: "r1", ToUser: agentB.UserID, By: outsider})
		assert.Equal(t, apperr.PermissionDenied, apperr.KindOf(err))
		assert.NoError(t, h.mock.ExpectationsWereMet())
	})

	t.Run("queue in another project", func(t *testing.T) {
		h := newRoomHarness(t, testNow)
		q, s := testQueue()
		otherQueue := &db.Queue{ID: "q9", SectorID: "s9", Name: "Other"}
		otherSector := &db.Sector{ID: "s9", ProjectID: "p2", Name: "Other", RoomsLimit: 1, WorkStart: "00:00", WorkEnd: "23:59"}
		h.mock.ExpectBegin()
		h.mock.ExpectQuery("FOR UPDATE").WithArgs("r1").WillReturnRows(roomRows(activeRoom(agentA.UserID)))
		h.mock.ExpectQuery("FROM queues q JOIN sectors s").WithArgs("q1").WillReturnRows(queueRows(q, s))
		h.mock.ExpectQuery("FROM queues q JOIN sectors s").WithArgs("q9").WillReturnRows(queueRows(otherQueue, otherSector))
		h.mock.ExpectRollback()

		_, err := h.svc.Transfer(context.Background(), TransferInput{RoomID: "r1", ToQueue: "q9", By: admin})
		assert.Equal(t, apperr.PermissionDenied, apperr.KindOf(err))
		assert.NoError(t, h.mock.ExpectationsWereMet())
	})
}

func TestPickQueueRoom_QueuePriorityPolicy(t *testing.T) {
	plainAgent := &db.ProjectPermission{ID: "perm-agent", UserID: "agent@weni.ai", ProjectID: "p1", Role: db.RoleAttendant}
	manager := &db.ProjectPermission{ID: "perm-mgr", UserID: "manager@weni.ai", ProjectID: "p1", Role: db.RoleAttendant}

	h := newRoomHarness(t, testNow)
	h.az.perms[plainAgent.UserID+"|p1"] = plainAgent
	h.az.perms[manager.UserID+"|p1"] = manager
	h.az.agents["perm-agent|q1"] = true
	h.az.managers["perm-mgr|s1"] = true
	q, s := testQueue()
	project := testProject(db.RoutingQueuePriority)

	h.mock.ExpectBegin()
	h.mock.ExpectQuery("FOR UPDATE").WithArgs("r1").WillReturnRows(roomRows(activeRoom("")))
	h.mock.ExpectQuery("FROM queues q JOIN sectors s").WillReturnRows(queueRows(q, s))
	h.mock.ExpectQuery("FROM projects").WillReturnRows(projectRows(project))
	h.mock.ExpectRollback()

	_, err := h.svc.PickQueueRoom(context.Background(), plainAgent, "r1")
	assert.Equal(t, apperr.PermissionDenied, apperr.KindOf(err))

	h.mock.ExpectBegin()
	h.mock.ExpectQuery("FOR UPDATE").WithArgs("r1").WillReturnRows(roomRows(activeRoom("")))
	h.mock.ExpectQuery("FROM queues q JOIN sectors s").WillReturnRows(queueRows(q, s))
	h.mock.ExpectQuery("FROM projects").WillReturnRows(projectRows(project))
	h.mock.ExpectExec("UPDATE rooms").WillReturnResult(sqlmock.NewResult(0, 1))
	h.mock.ExpectCommit()

	room, err := h.svc.PickQueueRoom(context.Background(), manager, "r1")
	require.NoError(t, err)
	assert.Equal(t, manager.UserID, room.UserID)
	assert.Equal(t, HistoryPick, room.TransferHistory[0].Action)

	h.mock.ExpectBegin()
	h.mock.ExpectQuery("FOR UPDATE").WithArgs("r1").WillReturnRows(roomRows(activeRoom(manager.UserID)))
	h.mock.ExpectRollback()

	_, err = h.svc.PickQueueRoom(context.Background(), manager, "r1")
	assert.Equal(t, apperr.RoomIsNotQueued, apperr.KindOf(err))

	assert.NoError(t, h.mock.ExpectationsWereMet())
}

func TestPickQueueRoom_GeneralRoutingAllowsQueueAgents(t *testing.T) {
	h := newRoomHarness(t, testNow)
	h.az.agents["perm-a|q1"] = true
	q, s := testQueue()

	h.mock.ExpectBegin()
	h.mock.ExpectQuery("FOR UPDATE").WithArgs("r1").WillReturnRows(roomRows(activeRoom("")))
	h.mock.ExpectQuery("FROM queues q JOIN sectors s").WillReturnRows(queueRows(q, s))
	h.mock.ExpectQuery("FROM projects").WillReturnRows(projectRows(testProject(db.RoutingGeneral)))
	h.mock.ExpectExec("UPDATE rooms").WillReturnResult(sqlmock.NewResult(0, 1))
	h.mock.ExpectCommit()

	room, err := h.svc.PickQueueRoom(context.Background(), agentA, "r1")
	require.NoError(t, err)
	assert.Equal(t, agentA.UserID, room.UserID)
	assert.Equal(t, []string{"r1"}, h.auto.rooms)
	assert.NoError(t, h.mock.ExpectationsWereMet())
}

func TestRoomClose_RequiredTags(t *testing.T) {
	q, s := testQueue()
	s.RequiresTags = true

	t.Run("no tags", func(t *testing.T) {
		h := newRoomHarness(t, testNow)
		h.mock.ExpectBegin()
		h.mock.ExpectQuery("FOR UPDATE").WithArgs("r1").WillReturnRows(roomRows(activeRoom(agentA.UserID)))
		h.mock.ExpectQuery("FROM queues q JOIN sectors s").WillReturnRows(queueRows(q, s))
		h.mock.ExpectQuery("FROM projects").WillReturnRows(projectRows(testProject(db.RoutingGeneral)))
		h.mock.ExpectQuery("FROM room_tags").WithArgs("r1").WillReturnRows(sqlmock.NewRows([]string{"tag_id"}))
		h.mock.ExpectRollback()

		_, err := h.svc.Close(context.Background(), CloseInput{RoomID: "r1", Closer: agentA})
		assert.Equal(t, apperr.TagsRequired, apperr.KindOf(err))
		assert.NoError(t, h.mock.ExpectationsWereMet())
	})

	t.Run("tag from the sector", func(t *testing.T) {
		h := newRoomHarness(t, testNow)
		ctx := context.Background()
		h.counter.Delta(ctx, agentA.UserID, "p1", 1)

		h.mock.ExpectBegin()
		h.mock.ExpectQuery("FOR UPDATE").WithArgs("r1").WillReturnRows(roomRows(activeRoom(agentA.UserID)))
		h.mock.ExpectQuery("FROM queues q JOIN sectors s").WillReturnRows(queueRows(q, s))
		h.mock.ExpectQuery("FROM projects").WillReturnRows(projectRows(testProject(db.RoutingGeneral)))
		h.mock.ExpectQuery("FROM sector_tags").WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))
		h.mock.ExpectExec("INSERT INTO room_tags").WillReturnResult(sqlmock.NewResult(0, 1))
		h.mock.ExpectQuery("FROM room_tags").WithArgs("r1").WillReturnRows(sqlmock.NewRows([]string{"tag_id"}).AddRow("tag-1"))
		h.mock.ExpectExec("UPDATE rooms SET is_active = false").
			WithArgs("r1", testNow, db.EndedByAgent).
			WillReturnResult(sqlmock.NewResult(0, 1))
		h.mock.ExpectCommit()

		room, err := h.svc.Close(ctx, CloseInput{RoomID: "r1", Closer: agentA, Tags: []string{"tag-1"}})
		require.NoError(t, err)

		assert.False(t, room.IsActive)
		assert.Equal(t, testNow, *room.EndedAt)
		assert.Equal(t, []string{"tag-1"}, room.Tags)
		assert.False(t, room.EndedAt.Before(room.CreatedOn))

		n, _ := h.counter.Count(ctx, agentA.UserID, "p1")
		assert.Equal(t, int64(0), n)
		assert.Contains(t, h.hub.groups(EventRoomClose), realtime.RoomGroup("r1"))
		assert.NoError(t, h.mock.ExpectationsWereMet())
	})

	t.Run("tag from another sector", func(t *testing.T) {
		h := newRoomHarness(t, testNow)
		h.mock.ExpectBegin()
		h.mock.ExpectQuery("FOR UPDATE").WithArgs("r1").WillReturnRows(roomRows(activeRoom(agentA.UserID)))
		h.mock.ExpectQuery("FROM queues q JOIN sectors s").WillReturnRows(queueRows(q, s))
		h.mock.ExpectQuery("FROM projects").WillReturnRows(projectRows(testProject(db.RoutingGeneral)))
		h.mock.ExpectQuery("FROM sector_tags").WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
		h.mock.ExpectRollback()

		_, err := h.svc.Close(context.Background(), CloseInput{RoomID: "r1", Closer: agentA, Tags: []string{"tag-x"}})
		assert.Equal(t, apperr.InvalidInput, apperr.KindOf(err))
		assert.NoError(t, h.mock.ExpectationsWereMet())
	})

	t.Run("another agent's room", func(t *testing.T) {
		h := newRoomHarness(t, testNow)
		h.mock.ExpectBegin()
		h.mock.ExpectQuery("FOR UPDATE").WithArgs("r1").WillReturnRows(roomRows(activeRoom(agentA.UserID)))
		h.mock.ExpectRollback()

		_, err := h.svc.Close(context.Background(), CloseInput{RoomID: "r1", Closer: agentB, Tags: []string{"tag-1"}})
		assert.Equal(t, apperr.PermissionDenied, apperr.KindOf(err))
		assert.NoError(t, h.mock.ExpectationsWereMet())
	})
}

func TestRoomClose_ClosedRoomRejectsWrites(t *testing.T) {
	h := newRoomHarness(t, testNow)
	closed := activeRoom(agentA.UserID)
	closed.IsActive = false
	ended := testNow.Add(-time.Minute)
	closed.EndedAt = &ended

	h.mock.ExpectBegin()
	h.mock.ExpectQuery("FOR UPDATE").WithArgs("r1").WillReturnRows(roomRows(closed))
	h.mock.ExpectRollback()

	_, err := h.svc.Close(context.Background(), CloseInput{RoomID: "r1"})
	assert.Equal(t, apperr.RoomClosed, apperr.KindOf(err))
	assert.NoError(t, h.mock.ExpectationsWereMet())
}

func TestSetOwner(t *testing.T) {
	now := testNow
	first := now.Add(-time.Hour)

	t.Run("first assignment sets both timestamps", func(t *testing.T) {
		room := activeRoom("")
		prev, changed := setOwner(room, "a@weni.ai", now)
		assert.True(t, changed)
		assert.Empty(t, prev)
		assert.Equal(t, now, *room.UserAssignedAt)
		assert.Equal(t, now, *room.FirstUserAssignedAt)
		assert.True(t, firstAssignment(room))
	})

	t.Run("reassignment keeps first_user_assigned_at", func(t *testing.T) {
		room := activeRoom("a@weni.ai")
		room.FirstUserAssignedAt = &first
		prev, changed := setOwner(room, "b@weni.ai", now)
		assert.True(t, changed)
		assert.Equal(t, "a@weni.ai", prev)
		assert.Equal(t, first, *room.FirstUserAssignedAt)
		assert.Equal(t, now, *room.UserAssignedAt)
		assert.False(t, firstAssignment(room))
	})

	t.Run("unassign resets added_to_queue_at", func(t *testing.T) {
		room := activeRoom("a@weni.ai")
		_, changed := setOwner(room, "", now)
		assert.True(t, changed)
		assert.Empty(t, room.UserID)
		assert.Equal(t, now, room.AddedToQueueAt)
	})

	t.Run("same user is a no-op", func(t *testing.T) {
		room := activeRoom("a@weni.ai")
		before := *room.UserAssignedAt
		_, changed := setOwner(room, "a@weni.ai", now)
		assert.False(t, changed)
		assert.Equal(t, before, *room.UserAssignedAt)
	})
}

func (h *roomHarness) expectPinPreamble(permID string) {
	h.mock.ExpectQuery("FROM rooms r WHERE r.id").WithArgs("r1").WillReturnRows(roomRows(activeRoom(agentA.UserID)))
	h.mock.ExpectBegin()
	h.mock.ExpectQuery("FROM project_permissions WHERE id = \\$1 FOR UPDATE").WithArgs(permID).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(permID))
}

func TestRoomPin_Limit(t *testing.T) {
	h := newRoomHarness(t, testNow)
	h.svc.MaxPins = 3

	// the count runs after the permission row is locked, in the same transaction
	h.expectPinPreamble(agentA.ID)
	h.mock.ExpectQuery("FROM room_pins WHERE room_id").WillReturnError(sql.ErrNoRows)
	h.mock.ExpectQuery("SELECT COUNT").WithArgs(agentA.UserID, "p1").WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(2))
	h.mock.ExpectExec("INSERT INTO room_pins").WillReturnResult(sqlmock.NewResult(1, 1))
	h.mock.ExpectCommit()

	pin, err := h.svc.Pin(context.Background(), agentA, "r1")
	require.NoError(t, err)
	assert.Equal(t, agentA.UserID, pin.UserID)

	h.expectPinPreamble(agentA.ID)
	h.mock.ExpectQuery("FROM room_pins WHERE room_id").WillReturnError(sql.ErrNoRows)
	h.mock.ExpectQuery("SELECT COUNT").WithArgs(agentA.UserID, "p1").WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(3))
	h.mock.ExpectRollback()

	_, err = h.svc.Pin(context.Background(), agentA, "r1")
	assert.Equal(t, apperr.MaxPinLimit, apperr.KindOf(err))
	assert.NoError(t, h.mock.ExpectationsWereMet())
}

func TestRoomPin_ExistingPinAndMissingPermission(t *testing.T) {
	h := newRoomHarness(t, testNow)
	h.svc.MaxPins = 1

	h.expectPinPreamble(agentA.ID)
	h.mock.ExpectQuery("FROM room_pins WHERE room_id").WithArgs("r1", agentA.UserID).
		WillReturnRows(sqlmock.NewRows([]string{"id", "created_on"}).AddRow("pin-1", testNow))
	h.mock.ExpectRollback()

	pin, err := h.svc.Pin(context.Background(), agentA, "r1")
	require.NoError(t, err)
	assert.Equal(t, "pin-1", pin.ID)

	h.mock.ExpectQuery("FROM rooms r WHERE r.id").WithArgs("r1").WillReturnRows(roomRows(activeRoom(agentA.UserID)))
	h.mock.ExpectBegin()
	h.mock.ExpectQuery("FROM project_permissions").WithArgs(agentA.ID).WillReturnError(sql.ErrNoRows)
	h.mock.ExpectRollback()

	_, err = h.svc.Pin(context.Background(), agentA, "r1")
	assert.Equal(t, apperr.PermissionDenied, apperr.KindOf(err))
	assert.NoError(t, h.mock.ExpectationsWereMet())
}

func TestRoomAddNote(t *testing.T) {
	h := newRoomHarness(t, testNow)

	h.mock.ExpectBegin()
	h.mock.ExpectQuery("FOR UPDATE").WithArgs("r1").WillReturnRows(roomRows(activeRoom(agentA.UserID)))
	h.mock.ExpectExec("INSERT INTO room_notes").WillReturnResult(sqlmock.NewResult(1, 1))
	h.mock.ExpectCommit()

	note, err := h.svc.AddNote(context.Background(), agentA, "r1", "  call back tomorrow ", "")
	require.NoError(t, err)
	assert.Equal(t, "call back tomorrow", note.Text)
	assert.Contains(t, h.hub.groups(EventRoomNoteAdded), realtime.RoomGroup("r1"))
	assert.NoError(t, h.mock.ExpectationsWereMet())
}

func (h *roomHarness) expectOwnerChange(room *db.Room, project *db.Project) {
	q, s := testQueue()
	h.mock.ExpectBegin()
	h.mock.ExpectQuery("FOR UPDATE").WithArgs(room.ID).WillReturnRows(roomRows(room))
	h.mock.ExpectQuery("FROM queues q JOIN sectors s").WithArgs("q1").WillReturnRows(queueRows(q, s))
	h.mock.ExpectQuery("FROM projects").WithArgs("p1").WillReturnRows(projectRows(project))
	h.mock.ExpectExec("UPDATE rooms").WillReturnResult(sqlmock.NewResult(0, 1))
	h.mock.ExpectCommit()
}

func TestRoomAssign_Reassignment(t *testing.T) {
	h := newRoomHarness(t, testNow)
	ctx := context.Background()
	h.counter.Delta(ctx, agentA.UserID, "p1", 1)

	owned := activeRoom(agentA.UserID)
	firstAssigned := *owned.FirstUserAssignedAt
	h.expectOwnerChange(owned, testProject(db.RoutingGeneral))

	room, err := h.svc.Assign(ctx, "r1", agentB.UserID, admin.UserID)
	require.NoError(t, err)

	assert.Equal(t, agentB.UserID, room.UserID)
	assert.Equal(t, testNow, *room.UserAssignedAt)
	assert.Equal(t, firstAssigned, *room.FirstUserAssignedAt)

	a, _ := h.counter.Count(ctx, agentA.UserID, "p1")
	b, _ := h.counter.Count(ctx, agentB.UserID, "p1")
	assert.Equal(t, int64(0), a)
	assert.Equal(t, int64(1), b)

	last := room.TransferHistory[len(room.TransferHistory)-1]
	assert.Equal(t, db.TransferEntry{Action: HistoryAssign, From: agentA.UserID, To: agentB.UserID, Queue: "q1", By: admin.UserID, At: testNow}, last)
	assert.Equal(t, []string{realtime.PermissionGroup(agentB.ID), realtime.PermissionGroup(agentA.ID), realtime.RoomGroup("r1")}, h.hub.groups(EventRoomUpdate))
	// not the room's first assignment
	assert.Empty(t, h.auto.rooms)
	assert.NoError(t, h.mock.ExpectationsWereMet())
}

func TestRoomAssign_FirstAssignmentSchedulesAutomaticMessage(t *testing.T) {
	h := newRoomHarness(t, testNow)
	h.expectOwnerChange(activeRoom(""), testProject(db.RoutingGeneral))

	room, err := h.svc.Assign(context.Background(), "r1", agentA.UserID, admin.UserID)
	require.NoError(t, err)

	assert.Equal(t, testNow, *room.FirstUserAssignedAt)
	assert.Equal(t, []string{"r1"}, h.auto.rooms)
	n, _ := h.counter.Count(context.Background(), agentA.UserID, "p1")
	assert.Equal(t, int64(1), n)
	assert.NoError(t, h.mock.ExpectationsWereMet())
}

func TestRoomUnassign_ReturnsRoomToQueue(t *testing.T) {
	h := newRoomHarness(t, testNow)
	ctx := context.Background()
	h.counter.Delta(ctx, agentA.UserID, "p1", 1)

	owned := activeRoom(agentA.UserID)
	firstAssigned := *owned.FirstUserAssignedAt
	h.expectOwnerChange(owned, testProject(db.RoutingQueuePriority))

	room, err := h.svc.Unassign(ctx, "r1", agentA.UserID)
	require.NoError(t, err)

	assert.Empty(t, room.UserID)
	assert.Equal(t, testNow, room.AddedToQueueAt)
	assert.Equal(t, firstAssigned, *room.FirstUserAssignedAt)

	a, _ := h.counter.Count(ctx, agentA.UserID, "p1")
	assert.Equal(t, int64(0), a)

	last := room.TransferHistory[len(room.TransferHistory)-1]
	assert.Equal(t, HistoryUnassign, last.Action)
	assert.Equal(t, agentA.UserID, last.From)
	assert.Empty(t, last.To)

	assert.Equal(t, []string{realtime.QueueGroup("q1"), realtime.PermissionGroup(agentA.ID), realtime.RoomGroup("r1")}, h.hub.groups(EventRoomUpdate))
	assert.Equal(t, []string{"q1"}, h.scheduler.queues)
	assert.NoError(t, h.mock.ExpectationsWereMet())
}

func TestRoomAssignAndUnassign_Rejections(t *testing.T) {
	t.Run("assign closed room", func(t *testing.T) {
		h := newRoomHarness(t, testNow)
		closed := activeRoom("")
		closed.IsActive = false
		h.mock.ExpectBegin()
		h.mock.ExpectQuery("FOR UPDATE").WithArgs("r1").WillReturnRows(roomRows(closed))
		h.mock.ExpectRollback()

		_, err := h.svc.Assign(context.Background(), "r1", agentA.UserID, admin.UserID)
		assert.Equal(t, apperr.RoomClosed, apperr.KindOf(err))
		assert.NoError(t, h.mock.ExpectationsWereMet())
	})

	t.Run("unassign closed room", func(t *testing.T) {
		h := newRoomHarness(t, testNow)
		closed := activeRoom(agentA.UserID)
		closed.IsActive = false
		h.mock.ExpectBegin()
		h.mock.ExpectQuery("FOR UPDATE").WithArgs("r1").WillReturnRows(roomRows(closed))
		h.mock.ExpectRollback()

		_, err := h.svc.Unassign(context.Background(), "r1", agentA.UserID)
		assert.Equal(t, apperr.RoomClosed, apperr.KindOf(err))
		assert.NoError(t, h.mock.ExpectationsWereMet())
	})

	t.Run("assign user outside the project", func(t *testing.T) {
		h := newRoomHarness(t, testNow)
		h.mock.ExpectBegin()
		h.mock.ExpectQuery("FOR UPDATE").WithArgs("r1").WillReturnRows(roomRows(activeRoom("")))
		h.mock.ExpectRollback()

		_, err := h.svc.Assign(context.Background(), "r1", "stranger@weni.ai", admin.UserID)
		assert.Equal(t, apperr.PermissionDenied, apperr.KindOf(err))
		assert.NoError(t, h.mock.ExpectationsWereMet())
	})
}
