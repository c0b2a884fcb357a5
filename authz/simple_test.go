package authz

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/phonginreallife/chats/db"
	"github.com/phonginreallife/chats/internal/clock"
)

var permCols = []string{"id", "user_id", "project_id", "role", "status", "last_ping"}

func TestSimpleAuthorizer_PermissionOf(t *testing.T) {
	pg, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer pg.Close()

	az := NewSimpleAuthorizer(pg, nil)
	ctx := context.Background()

	tests := []struct {
		name     string
		mockFunc func()
		want     *db.ProjectPermission
	}{
		{
			name: "admin permission",
			mockFunc: func() {
				mock.ExpectQuery("SELECT (.+) FROM project_permissions").
					WithArgs("admin@weni.ai", "p1").
					WillReturnRows(sqlmock.NewRows(permCols).AddRow("perm-1", "admin@weni.ai", "p1", "ADMIN", "ONLINE", nil))
			},
			want: &db.ProjectPermission{ID: "perm-1", UserID: "admin@weni.ai", ProjectID: "p1", Role: db.RoleAdmin, Status: db.StatusOnline},
		},
		{
			name: "missing tuple is nil",
			mockFunc: func() {
				mock.ExpectQuery("SELECT (.+) FROM project_permissions").
					WithArgs("admin@weni.ai", "p1").
					WillReturnError(sql.ErrNoRows)
			},
			want: nil,
		},
		{
			name: "database error is nil",
			mockFunc: func() {
				mock.ExpectQuery("SELECT (.+) FROM project_permissions").
					WithArgs("admin@weni.ai", "p1").
					WillReturnError(errors.New("connection reset"))
			},
			want: nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.mockFunc()
			got := az.PermissionOf(ctx, "admin@weni.ai", "p1")
			assert.Equal(t, tt.want, got)
		})
	}
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSimpleAuthorizer_RoleChecks(t *testing.T) {
	pg, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer pg.Close()

	az := NewSimpleAuthorizer(pg, nil)
	ctx := context.Background()
	agent := &db.ProjectPermission{ID: "perm-2", ProjectID: "p1", Role: db.RoleAttendant}
	admin := &db.ProjectPermission{ID: "perm-1", ProjectID: "p1", Role: db.RoleAdmin}

	mock.ExpectQuery("SELECT EXISTS(.+)sector_authorizations").
		WithArgs("perm-2", "s1").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
	assert.True(t, az.IsSectorManager(ctx, agent, "s1"))

	mock.ExpectQuery("SELECT EXISTS(.+)queue_authorizations").
		WithArgs("perm-2", "q1").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
	assert.False(t, az.IsQueueAgent(ctx, agent, "q1"))

	// admins short-circuit without a query
	assert.True(t, az.CanManageQueue(ctx, admin, "q1"))

	mock.ExpectQuery("SELECT EXISTS(.+)FROM queues q").
		WithArgs("q1", "perm-2").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
	assert.True(t, az.CanManageQueue(ctx, agent, "q1"))

	assert.False(t, az.IsSectorManager(ctx, nil, "s1"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSimpleAuthorizer_AgentQueues(t *testing.T) {
	pg, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer pg.Close()

	az := NewSimpleAuthorizer(pg, nil)
	perm := &db.ProjectPermission{ID: "perm-2", ProjectID: "p1", Role: db.RoleAttendant}

	mock.ExpectQuery("SELECT q.id FROM queues q").
		WithArgs("p1", false, "perm-2").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("q1").AddRow("q2"))

	assert.Equal(t, []string{"q1", "q2"}, az.AgentQueues(context.Background(), perm))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSimpleAuthorizer_SetStatus(t *testing.T) {
	pg, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer pg.Close()

	now := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
	az := NewSimpleAuthorizer(pg, clock.Fake(now))
	perm := &db.ProjectPermission{ID: "perm-1", Status: db.StatusOnline}

	mock.ExpectExec("UPDATE project_permissions SET status").
		WithArgs("OFFLINE", now, "perm-1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, az.SetStatus(context.Background(), perm, db.StatusOffline))
	assert.Equal(t, db.StatusOffline, perm.Status)
	assert.Equal(t, now, *perm.LastPing)

	mock.ExpectExec("UPDATE project_permissions SET last_ping").
		WithArgs(now, "perm-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, az.Touch(context.Background(), "perm-1"))

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestHasPermission(t *testing.T) {
	assert.True(t, Can(&db.ProjectPermission{Role: db.RoleAdmin}, ActionPickPriority))
	assert.False(t, Can(&db.ProjectPermission{Role: db.RoleAttendant}, ActionPickPriority))
	assert.True(t, Can(&db.ProjectPermission{Role: db.RoleAttendant}, ActionTransfer))
	assert.False(t, Can(&db.ProjectPermission{Role: db.RoleExternal}, ActionViewRooms))
	assert.False(t, Can(nil, ActionViewRooms))
	assert.False(t, HasPermission(ProjectPermissions, db.Role("GHOST"), ActionViewRooms))
}
