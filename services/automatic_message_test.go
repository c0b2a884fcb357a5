package services

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/phonginreallife/chats/db"
	"github.com/phonginreallife/chats/internal/clock"
	"github.com/phonginreallife/chats/internal/config"
	"github.com/phonginreallife/chats/internal/realtime"
)

type stubTickets struct {
	err   error
	calls int
}

func (s *stubTickets) WaitForTicket(context.Context, string) error {
	s.calls++
	return s.err
}

func newAutoService(t *testing.T, denormalized bool) (*AutomaticMessageService, sqlmock.Sqlmock, *recordingHub, *stubTickets) {
	pg, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { pg.Close() })

	hub := &recordingHub{}
	tickets := &stubTickets{}
	svc := NewAutomaticMessageService(pg, clock.Fake(testNow), NewRoomNotifier(hub, newFakeAuthz(agentA), nil), tickets, denormalized)
	return svc, mock, hub, tickets
}

func welcomeSector() *db.Sector {
	_, s := testQueue()
	s.IsAutomaticMessageActive = true
	s.AutomaticMessageText = "Welcome!"
	return s
}

func TestAutomaticMessageEnabled(t *testing.T) {
	s := welcomeSector()
	assert.True(t, AutomaticMessageEnabled(s))

	s.AutomaticMessageText = "  "
	assert.False(t, AutomaticMessageEnabled(s))

	s = welcomeSector()
	s.IsAutomaticMessageActive = false
	assert.False(t, AutomaticMessageEnabled(s))
	assert.False(t, AutomaticMessageEnabled(nil))
}

func TestAutomaticMessageSend_FirstTouchThenNoOp(t *testing.T) {
	svc, mock, hub, _ := newAutoService(t, true)
	ctx := context.Background()
	room := activeRoom(agentA.UserID)

	mock.ExpectBegin()
	mock.ExpectQuery("FOR UPDATE").WithArgs("r1").WillReturnRows(roomRows(room))
	mock.ExpectQuery("FROM automatic_messages").WithArgs("r1").WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
	mock.ExpectExec("INSERT INTO messages").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("UPDATE rooms").
		WithArgs("r1", sqlmock.AnyArg(), "Welcome!", agentA.UserID, sqlmock.AnyArg(), testNow, true, 0, testNow).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO automatic_messages").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("UPDATE rooms SET automatic_message_sent_at").WithArgs("r1", testNow).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	msg, err := svc.Send(ctx, room, "Welcome!", agentA.UserID, true)
	require.NoError(t, err)
	require.NotNil(t, msg)
	assert.Equal(t, "Welcome!", msg.Text)
	assert.Equal(t, agentA.UserID, msg.UserID)
	assert.Equal(t, []string{realtime.RoomGroup("r1"), realtime.PermissionGroup(agentA.ID)}, hub.groups(EventMsgCreate))

	// the marker row now exists
	mock.ExpectBegin()
	mock.ExpectQuery("FOR UPDATE").WithArgs("r1").WillReturnRows(roomRows(room))
	mock.ExpectQuery("FROM automatic_messages").WithArgs("r1").WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
	mock.ExpectRollback()

	msg, err = svc.Send(ctx, room, "Welcome!", agentA.UserID, true)
	assert.NoError(t, err)
	assert.Nil(t, msg)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAutomaticMessageSend_AgentAlreadySpoke(t *testing.T) {
	t.Run("denormalized flag", func(t *testing.T) {
		svc, mock, hub, _ := newAutoService(t, true)
		room := activeRoom(agentA.UserID)
		room.HasAgentMessages = true

		mock.ExpectBegin()
		mock.ExpectQuery("FOR UPDATE").WithArgs("r1").WillReturnRows(roomRows(room))
		mock.ExpectQuery("FROM automatic_messages").WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
		mock.ExpectRollback()

		msg, err := svc.Send(context.Background(), room, "Welcome!", agentA.UserID, false)
		assert.NoError(t, err)
		assert.Nil(t, msg)
		assert.Empty(t, hub.sent())
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("message scan", func(t *testing.T) {
		svc, mock, _, _ := newAutoService(t, false)
		room := activeRoom(agentA.UserID)

		mock.ExpectBegin()
		mock.ExpectQuery("FOR UPDATE").WithArgs("r1").WillReturnRows(roomRows(room))
		mock.ExpectQuery("FROM automatic_messages").WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
		mock.ExpectQuery("FROM messages WHERE room_id").WithArgs("r1").WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
		mock.ExpectRollback()

		msg, err := svc.Send(context.Background(), room, "Welcome!", agentA.UserID, false)
		assert.NoError(t, err)
		assert.Nil(t, msg)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestAutomaticMessageSend_RequiresConfirmedTicket(t *testing.T) {
	svc, mock, _, tickets := newAutoService(t, true)
	tickets.err = ErrTicketNotFound
	room := activeRoom(agentA.UserID)
	room.TicketUUID = "ticket-1"

	msg, err := svc.Send(context.Background(), room, "Welcome!", agentA.UserID, true)
	assert.ErrorIs(t, err, ErrTicketNotFound)
	assert.Nil(t, msg)
	assert.Equal(t, 1, tickets.calls)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAutomaticMessageSchedule_SkipsClosedGates(t *testing.T) {
	svc, mock, _, _ := newAutoService(t, true)
	room := activeRoom(agentA.UserID)
	room.HasAgentMessages = true

	svc.Schedule(context.Background(), room, welcomeSector(), agentA.UserID)
	off := welcomeSector()
	off.IsAutomaticMessageActive = false
	svc.Schedule(context.Background(), activeRoom(agentA.UserID), off, agentA.UserID)
	svc.Wait()

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTicketBackoff(t *testing.T) {
	assert.Equal(t, time.Duration(0), TicketBackoff(1))
	assert.Equal(t, time.Second, TicketBackoff(2))
	assert.Equal(t, 2*time.Second, TicketBackoff(3))
	assert.Equal(t, 4*time.Second, TicketBackoff(4))
}

func TestFlowsWaitForTicket(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Token secret", r.Header.Get("Authorization"))
		assert.Equal(t, "ticket-1", r.URL.Query().Get("uuid"))
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_, _ = w.Write([]byte(`{"uuid":"ticket-1"}`))
	}))
	defer srv.Close()

	clk := clock.Fake(testNow)
	client := NewFlowsClient(config.FlowsConfig{URL: srv.URL + "/", Token: "secret"}, 5, clk)

	done := make(chan error, 1)
	go func() { done <- client.WaitForTicket(context.Background(), "ticket-1") }()

	clk.WaitForTimers(1)
	clk.Advance(time.Second)
	clk.WaitForTimers(1)
	clk.Advance(2 * time.Second)

	require.NoError(t, <-done)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestFlowsWaitForTicket_GivesUp(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	client := NewFlowsClient(config.FlowsConfig{URL: srv.URL}, 1, clock.Fake(testNow))
	err := client.WaitForTicket(context.Background(), "ticket-1")
	assert.True(t, errors.Is(err, ErrTicketNotFound))
}
