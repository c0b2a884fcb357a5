package handlers

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/phonginreallife/chats/authz"
	"github.com/phonginreallife/chats/db"
	"github.com/phonginreallife/chats/internal/apperr"
	"github.com/phonginreallife/chats/services"
)

// ExternalHandler serves /external/*, the surface used by channels, flows
// and reporting integrations.
type ExternalHandler struct {
	rooms    *services.RoomService
	messages *services.MessageService
	statuses *services.MessageStatusBatcher
	metrics  *services.MetricsService
}

func NewExternalHandler(rooms *services.RoomService, messages *services.MessageService, statuses *services.MessageStatusBatcher, metrics *services.MetricsService) *ExternalHandler {
	return &ExternalHandler{rooms: rooms, messages: messages, statuses: statuses, metrics: metrics}
}

type ExternalMessageRequest struct {
	Room        string                 `json:"room"`
	Text        string                 `json:"text"`
	Direction   string                 `json:"direction" binding:"required,oneof=incoming outgoing"`
	UserEmail   string                 `json:"user_email"`
	Attachments []services.MediaInput  `json:"attachments"`
	ExternalID  string                 `json:"external_id"`
	Metadata    map[string]interface{} `json:"metadata"`
	CreatedOn   *time.Time             `json:"created_on"`
}

type MessageStatusRequest struct {
	MessageID string           `json:"message_id" binding:"required"`
	Status    db.MessageStatus `json:"message_status" binding:"required"`
}

type CloseRoomRequest struct {
	Tags    []string `json:"tags"`
	EndedBy string   `json:"ended_by"`
}

// projectScope is the project the caller is pinned to. Internal callers
// without a project are not pinned.
func projectScope(c *gin.Context) string {
	return c.GetString(authz.ContextKeyProjectID)
}

// scopedRoom loads a room the caller may act on. Rooms of other projects
// look like missing rooms.
func (h *ExternalHandler) scopedRoom(c *gin.Context, roomID string) (*db.Room, bool) {
	room, err := h.rooms.Get(c.Request.Context(), roomID)
	if err != nil {
		respondError(c, err)
		return nil, false
	}
	if project := projectScope(c); project != "" && room.ProjectID != project {
		respondError(c, apperr.New(apperr.NotFound, "room not found"))
		return nil, false
	}
	return room, true
}

// CreateRoom handles POST /external/rooms
func (h *ExternalHandler) CreateRoom(c *gin.Context) {
	var in services.CreateRoomInput
	if err := c.ShouldBindJSON(&in); err != nil {
		badRequest(c, err)
		return
	}
	in.ProjectID = projectScope(c)
	if in.ProjectID == "" {
		respondError(c, apperr.New(apperr.InvalidInput, "project is required"))
		return
	}

	room, err := h.rooms.Create(c.Request.Context(), in)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, room)
}

// CloseRoom handles PATCH /external/rooms/:id/close
func (h *ExternalHandler) CloseRoom(c *gin.Context) {
	var req CloseRoomRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err)
			return
		}
	}
	room, ok := h.scopedRoom(c, c.Param("id"))
	if !ok {
		return
	}
	if req.EndedBy == "" {
		req.EndedBy = db.ActorSystem
	}

	room, err := h.rooms.Close(c.Request.Context(), services.CloseInput{RoomID: room.ID, EndedBy: req.EndedBy, Tags: req.Tags})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, room)
}

func (r ExternalMessageRequest) toInput(room *db.Room) services.CreateMessageInput {
	in := services.CreateMessageInput{
		RoomID:     room.ID,
		Text:       r.Text,
		Media:      r.Attachments,
		Metadata:   r.Metadata,
		ExternalID: r.ExternalID,
		CreatedOn:  r.CreatedOn,
	}
	if r.Direction == "incoming" {
		in.ContactID = room.ContactID
	} else {
		// outgoing messages without an author come from bots and flows
		in.UserID = r.UserEmail
	}
	return in
}

// CreateMessage handles POST /external/msgs
func (h *ExternalHandler) CreateMessage(c *gin.Context) {
	var req ExternalMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	if req.Room == "" {
		respondError(c, apperr.New(apperr.InvalidInput, "room is required"))
		return
	}
	room, ok := h.scopedRoom(c, req.Room)
	if !ok {
		return
	}

	msg, err := h.messages.Create(c.Request.Context(), req.toInput(room))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, msg)
}

// CreateHistory handles POST /external/rooms/:id/history
func (h *ExternalHandler) CreateHistory(c *gin.Context) {
	var reqs []ExternalMessageRequest
	if err := c.ShouldBindJSON(&reqs); err != nil {
		badRequest(c, err)
		return
	}
	room, ok := h.scopedRoom(c, c.Param("id"))
	if !ok {
		return
	}

	inputs := make([]services.CreateMessageInput, 0, len(reqs))
	for _, r := range reqs {
		if r.Direction != "incoming" && r.Direction != "outgoing" {
			respondError(c, apperr.New(apperr.InvalidInput, "direction must be incoming or outgoing"))
			return
		}
		inputs = append(inputs, r.toInput(room))
	}

	msgs, err := h.messages.CreateHistory(c.Request.Context(), room.ID, inputs)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"results": msgs})
}

// EditMessage handles PATCH /external/msgs/:id
func (h *ExternalHandler) EditMessage(c *gin.Context) {
	var req struct {
		Text string `json:"text"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	ctx := c.Request.Context()

	current, err := h.messages.Get(ctx, c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	if _, ok := h.scopedRoom(c, current.RoomID); !ok {
		return
	}

	msg, err := h.messages.Edit(ctx, current.ID, req.Text)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, msg)
}

// UpdateStatus handles POST /external/msgs/status. Statuses are batched, so
// the response only acknowledges receipt.
func (h *ExternalHandler) UpdateStatus(c *gin.Context) {
	var req MessageStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	status := db.MessageStatus(strings.ToUpper(string(req.Status)))
	if err := h.statuses.Enqueue(c.Request.Context(), req.MessageID, status); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "queued"})
}

// RoomMetrics handles GET /external/rooms_metrics
func (h *ExternalHandler) RoomMetrics(c *gin.Context) {
	f := services.RoomMetricsFilter{
		ProjectID: projectScope(c),
		URN:       c.Query("urn"),
		SectorID:  c.Query("sector"),
		QueueID:   c.Query("queue"),
		Cursor:    c.Query("cursor"),
	}
	if f.ProjectID == "" {
		respondError(c, apperr.New(apperr.InvalidInput, "project is required"))
		return
	}
	if v := c.Query("is_active"); v != "" {
		active, err := strconv.ParseBool(v)
		if err != nil {
			respondError(c, apperr.New(apperr.InvalidInput, "is_active must be a boolean"))
			return
		}
		f.IsActive = &active
	}
	if v := c.Query("external_ids"); v != "" {
		f.ContactExternalIDs = strings.Split(v, ",")
	}
	if v := c.Query("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil {
			respondError(c, apperr.New(apperr.InvalidInput, "limit must be a number"))
			return
		}
		f.Limit = limit
	}

	ranges := []struct {
		param string
		dest  **time.Time
	}{
		{"created_on_after", &f.CreatedOnAfter},
		{"created_on_before", &f.CreatedOnBefore},
		{"ended_at_after", &f.EndedAtAfter},
		{"ended_at_before", &f.EndedAtBefore},
	}
	for _, r := range ranges {
		v := c.Query(r.param)
		if v == "" {
			continue
		}
		t, err := parseTimeParam(v)
		if err != nil {
			respondError(c, apperr.New(apperr.InvalidInput, r.param+" must be RFC3339 or YYYY-MM-DD"))
			return
		}
		*r.dest = &t
	}

	page, err := h.metrics.RoomMetrics(c.Request.Context(), f)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, page)
}

func parseTimeParam(v string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t, nil
	}
	return time.Parse("2006-01-02", v)
}
