// Package realtime fans events out to websocket subscribers grouped by
// permission, queue, room and sector.
package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// Frame is the wire format in both directions.
type Frame struct {
	Type    string      `json:"type"`
	Action  string      `json:"action,omitempty"`
	Content interface{} `json:"content,omitempty"`
}

const (
	FrameNotify = "notify"
	FrameMethod = "method"
	FramePing   = "ping"
	FramePong   = "pong"
)

func PermissionGroup(permissionID string) string { return "permission_" + permissionID }
func QueueGroup(queueID string) string           { return "queue_" + queueID }
func RoomGroup(roomID string) string             { return "room_" + roomID }
func SectorGroup(sectorID string) string         { return "sector_" + sectorID }
func ProjectGroup(projectID string) string       { return "project_" + projectID }

// Subscriber receives encoded frames. Deliver must not block; a false
// return means the frame was dropped.
type Subscriber interface {
	Deliver(data []byte) bool
}

// Publisher carries encoded frames to every process, which hand them back
// to their Hub through Deliver.
type Publisher interface {
	Publish(ctx context.Context, group string, data []byte) error
}

// Broadcaster is what the domain layer sends through.
type Broadcaster interface {
	Send(ctx context.Context, group, action string, payload interface{}) error
}

// Hub tracks group membership for this process.
type Hub struct {
	mu     sync.RWMutex
	groups map[string]map[Subscriber]struct{}

	// deliveries are serialized so each group sees frames in send order
	deliverMu sync.Mutex

	publisher Publisher
}

var _ Broadcaster = (*Hub)(nil)

func NewHub() *Hub {
	return &Hub{groups: make(map[string]map[Subscriber]struct{})}
}

// UsePublisher routes Send through p instead of delivering locally.
func (h *Hub) UsePublisher(p Publisher) {
	h.publisher = p
}

func (h *Hub) Join(group string, s Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	members, ok := h.groups[group]
	if !ok {
		members = make(map[Subscriber]struct{})
		h.groups[group] = members
	}
	members[s] = struct{}{}
}

func (h *Hub) Leave(group string, s Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.leaveLocked(group, s)
}

// LeaveAll removes s from every group.
func (h *Hub) LeaveAll(s Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for group := range h.groups {
		h.leaveLocked(group, s)
	}
}

func (h *Hub) leaveLocked(group string, s Subscriber) {
	members, ok := h.groups[group]
	if !ok {
		return
	}
	delete(members, s)
	if len(members) == 0 {
		delete(h.groups, group)
	}
}

// Members counts local subscribers of group.
func (h *Hub) Members(group string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.groups[group])
}

// Send encodes a notify frame and delivers it to group.
func (h *Hub) Send(ctx context.Context, group, action string, payload interface{}) error {
	data, err := json.Marshal(Frame{Type: FrameNotify, Action: action, Content: payload})
	if err != nil {
		return fmt.Errorf("failed to encode %s frame: %w", action, err)
	}
	if h.publisher != nil {
		return h.publisher.Publish(ctx, group, data)
	}
	h.Deliver(group, data)
	return nil
}

// Deliver hands data to every local member of group and returns how many
// accepted it.
func (h *Hub) Deliver(group string, data []byte) int {
	h.deliverMu.Lock()
	defer h.deliverMu.Unlock()

	h.mu.RLock()
	members := make([]Subscriber, 0, len(h.groups[group]))
	for s := range h.groups[group] {
		members = append(members, s)
	}
	h.mu.RUnlock()

	delivered := 0
	for _, s := range members {
		if s.Deliver(data) {
			delivered++
		}
	}
	return delivered
}
