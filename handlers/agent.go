package handlers

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/phonginreallife/chats/authz"
	"github.com/phonginreallife/chats/db"
	"github.com/phonginreallife/chats/internal/apperr"
	"github.com/phonginreallife/chats/services"
)

// maxUploadSize bounds a single media upload.
const maxUploadSize = 32 << 20

// AgentHandler serves the endpoints used by the agent web and mobile apps.
// Every route runs behind AgentAuth and RequireProjectPermission.
type AgentHandler struct {
	rooms     *services.RoomService
	messages  *services.MessageService
	media     *services.MediaService
	archive   *services.ArchiveService
	presence  authz.PresenceStore
	inService StatusRecorder
}

func NewAgentHandler(rooms *services.RoomService, messages *services.MessageService, media *services.MediaService, archive *services.ArchiveService, presence authz.PresenceStore, inService StatusRecorder) *AgentHandler {
	return &AgentHandler{rooms: rooms, messages: messages, media: media, archive: archive, presence: presence, inService: inService}
}

type TransferRequest struct {
	UserEmail string `json:"user_email"`
	QueueUUID string `json:"queue_uuid"`
}

type AssignRequest struct {
	UserEmail string `json:"user_email" binding:"required"`
}

type BulkTransferRequest struct {
	Rooms     []string `json:"rooms" binding:"required,min=1"`
	UserEmail string   `json:"user_email"`
	QueueUUID string   `json:"queue_uuid"`
}

type AgentMessageRequest struct {
	Text        string                 `json:"text"`
	Attachments []services.MediaInput  `json:"attachments"`
	Metadata    map[string]interface{} `json:"metadata"`
}

type NoteRequest struct {
	Text    string `json:"text" binding:"required"`
	Message string `json:"message"`
}

type StatusRequest struct {
	Status db.PermissionStatus `json:"status" binding:"required,oneof=ONLINE OFFLINE BUSY"`
}

// accessibleRoom loads a room and checks the caller may see it.
func (h *AgentHandler) accessibleRoom(c *gin.Context, perm *db.ProjectPermission) (*db.Room, bool) {
	room, err := h.rooms.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return nil, false
	}
	if !h.rooms.CanAccess(c.Request.Context(), perm, room) {
		respondError(c, apperr.New(apperr.PermissionDenied, "You don't have access to this room"))
		return nil, false
	}
	return room, true
}

// GetRoom handles GET /rooms/:id
func (h *AgentHandler) GetRoom(c *gin.Context) {
	room, ok := h.accessibleRoom(c, authz.PermissionFrom(c))
	if !ok {
		return
	}
	c.JSON(http.StatusOK, room)
}

// PickRoom handles PATCH /rooms/:id/pick
func (h *AgentHandler) PickRoom(c *gin.Context) {
	room, err := h.rooms.PickQueueRoom(c.Request.Context(), authz.PermissionFrom(c), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, room)
}

// TransferRoom handles PATCH /rooms/:id/transfer
func (h *AgentHandler) TransferRoom(c *gin.Context) {
	var req TransferRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	room, err := h.rooms.Transfer(c.Request.Context(), services.TransferInput{
		RoomID:  c.Param("id"),
		ToUser:  req.UserEmail,
		ToQueue: req.QueueUUID,
		By:      authz.PermissionFrom(c),
	})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, room)
}

// AssignRoom handles PATCH /rooms/:id/assign. Only admins and managers of
// the room's queue hand rooms out.
func (h *AgentHandler) AssignRoom(c *gin.Context) {
	var req AssignRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	perm := authz.PermissionFrom(c)
	room, ok := h.accessibleRoom(c, perm)
	if !ok {
		return
	}
	if !h.rooms.Authz.CanManageQueue(c.Request.Context(), perm, room.QueueID) {
		respondError(c, apperr.New(apperr.PermissionDenied, "only queue managers can assign rooms"))
		return
	}

	room, err := h.rooms.Assign(c.Request.Context(), room.ID, req.UserEmail, perm.UserID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, room)
}

// UnassignRoom handles PATCH /rooms/:id/unassign. The owner may give the room
// back to its queue, as may the queue's managers.
func (h *AgentHandler) UnassignRoom(c *gin.Context) {
	perm := authz.PermissionFrom(c)
	room, ok := h.accessibleRoom(c, perm)
	if !ok {
		return
	}
	if room.UserID != perm.UserID && !h.rooms.Authz.CanManageQueue(c.Request.Context(), perm, room.QueueID) {
		respondError(c, apperr.New(apperr.PermissionDenied, "only the owner or a queue manager can unassign this room"))
		return
	}

	room, err := h.rooms.Unassign(c.Request.Context(), room.ID, perm.UserID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, room)
}

// BulkTransfer handles PATCH /rooms/bulk_transfer
func (h *AgentHandler) BulkTransfer(c *gin.Context) {
	var req BulkTransferRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	rooms, err := h.rooms.BulkTransfer(c.Request.Context(), req.Rooms, req.UserEmail, req.QueueUUID, authz.PermissionFrom(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"results": rooms})
}

// CloseRoom handles PATCH /rooms/:id/close
func (h *AgentHandler) CloseRoom(c *gin.Context) {
	var req struct {
		Tags []string `json:"tags"`
	}
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err)
			return
		}
	}

	room, err := h.rooms.Close(c.Request.Context(), services.CloseInput{
		RoomID:  c.Param("id"),
		EndedBy: db.EndedByAgent,
		Tags:    req.Tags,
		Closer:  authz.PermissionFrom(c),
	})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, room)
}

// ListMessages handles GET /rooms/:id/messages
func (h *AgentHandler) ListMessages(c *gin.Context) {
	room, ok := h.accessibleRoom(c, authz.PermissionFrom(c))
	if !ok {
		return
	}

	var before time.Time
	if v := c.Query("before"); v != "" {
		t, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			respondError(c, apperr.New(apperr.InvalidInput, "before must be RFC3339"))
			return
		}
		before = t
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))

	msgs, err := h.messages.List(c.Request.Context(), room.ID, before, limit)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"results": msgs})
}

// CreateMessage handles POST /rooms/:id/messages
func (h *AgentHandler) CreateMessage(c *gin.Context) {
	var req AgentMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	perm := authz.PermissionFrom(c)
	room, ok := h.accessibleRoom(c, perm)
	if !ok {
		return
	}

	msg, err := h.messages.Create(c.Request.Context(), services.CreateMessageInput{
		RoomID:   room.ID,
		UserID:   perm.UserID,
		Text:     req.Text,
		Media:    req.Attachments,
		Metadata: req.Metadata,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, msg)
}

// UploadMedia handles POST /rooms/:id/media: a multipart "file" plus an
// optional "text" caption, posted as one agent message.
func (h *AgentHandler) UploadMedia(c *gin.Context) {
	perm := authz.PermissionFrom(c)
	room, ok := h.accessibleRoom(c, perm)
	if !ok {
		return
	}

	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxUploadSize)
	header, err := c.FormFile("file")
	if err != nil {
		respondError(c, apperr.New(apperr.InvalidInput, "file is required"))
		return
	}
	file, err := header.Open()
	if err != nil {
		respondError(c, apperr.Wrap(apperr.InvalidInput, err, "file could not be read"))
		return
	}
	defer file.Close()

	contentType := header.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	media, err := h.media.Upload(c.Request.Context(), header.Filename, contentType, file, header.Size)
	if err != nil {
		respondError(c, err)
		return
	}

	msg, err := h.messages.Create(c.Request.Context(), services.CreateMessageInput{
		RoomID: room.ID,
		UserID: perm.UserID,
		Text:   c.PostForm("text"),
		Media:  []services.MediaInput{media},
	})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, msg)
}

// ListMedia handles GET /rooms/:id/media
func (h *AgentHandler) ListMedia(c *gin.Context) {
	room, ok := h.accessibleRoom(c, authz.PermissionFrom(c))
	if !ok {
		return
	}
	media, err := h.media.RoomMedia(c.Request.Context(), room.ID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"results": media})
}

// PinRoom handles POST /rooms/:id/pin
func (h *AgentHandler) PinRoom(c *gin.Context) {
	pin, err := h.rooms.Pin(c.Request.Context(), authz.PermissionFrom(c), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, pin)
}

// UnpinRoom handles DELETE /rooms/:id/pin
func (h *AgentHandler) UnpinRoom(c *gin.Context) {
	if err := h.rooms.Unpin(c.Request.Context(), authz.PermissionFrom(c), c.Param("id")); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// AddNote handles POST /rooms/:id/notes
func (h *AgentHandler) AddNote(c *gin.Context) {
	var req NoteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	note, err := h.rooms.AddNote(c.Request.Context(), authz.PermissionFrom(c), c.Param("id"), req.Text, req.Message)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, note)
}

// ArchivedMedia handles GET /rooms/archived_media?object_key=...
func (h *AgentHandler) ArchivedMedia(c *gin.Context) {
	url, err := h.archive.ArchivedMediaURL(c.Request.Context(), authz.PermissionFrom(c).ProjectID, c.Query("object_key"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"url": url})
}

// UpdateStatus handles PATCH /permission/status
func (h *AgentHandler) UpdateStatus(c *gin.Context) {
	var req StatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	perm := authz.PermissionFrom(c)
	if err := setAgentStatus(c.Request.Context(), h.presence, h.inService, perm, req.Status); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, perm)
}
