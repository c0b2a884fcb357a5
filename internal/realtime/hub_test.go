package realtime

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu     sync.Mutex
	frames [][]byte
	full   bool
}

func (r *recorder) Deliver(data []byte) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.full {
		return false
	}
	r.frames = append(r.frames, data)
	return true
}

func (r *recorder) actions(t *testing.T) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, data := range r.frames {
		var f Frame
		require.NoError(t, json.Unmarshal(data, &f))
		out = append(out, f.Action)
	}
	return out
}

func TestHubSendOrderedWithinGroup(t *testing.T) {
	hub := NewHub()
	agent := &recorder{}
	hub.Join(RoomGroup("r1"), agent)

	ctx := context.Background()
	require.NoError(t, hub.Send(ctx, RoomGroup("r1"), "msg.create", map[string]string{"text": "1"}))
	require.NoError(t, hub.Send(ctx, RoomGroup("r1"), "msg.update", map[string]string{"text": "2"}))
	require.NoError(t, hub.Send(ctx, RoomGroup("r2"), "msg.create", nil))

	assert.Equal(t, []string{"msg.create", "msg.update"}, agent.actions(t))
}

func TestHubLeaveAll(t *testing.T) {
	hub := NewHub()
	s := &recorder{}
	hub.Join(PermissionGroup("p1"), s)
	hub.Join(QueueGroup("q1"), s)
	require.Equal(t, 1, hub.Members(QueueGroup("q1")))

	hub.LeaveAll(s)

	assert.Zero(t, hub.Members(PermissionGroup("p1")))
	assert.Zero(t, hub.Members(QueueGroup("q1")))
	assert.Zero(t, hub.Deliver(QueueGroup("q1"), []byte("{}")))
}

func TestHubDropsForFullSubscriber(t *testing.T) {
	hub := NewHub()
	slow := &recorder{full: true}
	fast := &recorder{}
	hub.Join(QueueGroup("q1"), slow)
	hub.Join(QueueGroup("q1"), fast)

	assert.Equal(t, 1, hub.Deliver(QueueGroup("q1"), []byte(`{"type":"notify"}`)))
}

type capturePublisher struct {
	groups []string
}

func (p *capturePublisher) Publish(_ context.Context, group string, _ []byte) error {
	p.groups = append(p.groups, group)
	return nil
}

func TestHubUsesPublisher(t *testing.T) {
	hub := NewHub()
	local := &recorder{}
	hub.Join(SectorGroup("s1"), local)
	pub := &capturePublisher{}
	hub.UsePublisher(pub)

	require.NoError(t, hub.Send(context.Background(), SectorGroup("s1"), "room.create", nil))

	assert.Equal(t, []string{"sector_s1"}, pub.groups)
	assert.Empty(t, local.actions(t), "local delivery happens when the bridge relays back")
}

func TestGroupNames(t *testing.T) {
	assert.Equal(t, "permission_abc", PermissionGroup("abc"))
	assert.Equal(t, "queue_abc", QueueGroup("abc"))
	assert.Equal(t, "room_abc", RoomGroup("abc"))
	assert.Equal(t, "sector_abc", SectorGroup("abc"))
	assert.Equal(t, "project_abc", ProjectGroup("abc"))
}
