package db

import (
	"encoding/json"
	"time"
)

// ===========================
// TENANCY
// ===========================

type RoutingType string

const (
	RoutingQueuePriority RoutingType = "QUEUE_PRIORITY"
	RoutingGeneral       RoutingType = "GENERAL"
)

// Project is the tenant root.
type Project struct {
	ID                string                 `json:"uuid"`
	Name              string                 `json:"name"`
	Timezone          string                 `json:"timezone"`
	RoomRoutingType   RoutingType            `json:"room_routing_type"`
	Config            map[string]interface{} `json:"config"`
	ContactsBlocklist []string               `json:"-"`
	ExternalTokenHash string                 `json:"-"`
	CreatedAt         time.Time              `json:"created_on"`
}

// Location falls back to UTC for an empty or unknown timezone.
func (p *Project) Location() *time.Location {
	if p.Timezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(p.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// ConfigBool reads a boolean flag from the project config map.
func (p *Project) ConfigBool(key string) bool {
	v, _ := p.Config[key].(bool)
	return v
}

// Blocks reports whether externalID is on the contacts blocklist.
func (p *Project) Blocks(externalID string) bool {
	for _, id := range p.ContactsBlocklist {
		if id == externalID {
			return true
		}
	}
	return false
}

// TimeRange is an "HH:MM" window, start inclusive and end exclusive.
type TimeRange struct {
	Start string `json:"start"`
	End   string `json:"end"`
}

// WorkingHours is the sector's working_hours JSON.
type WorkingHours struct {
	OpenInWeekends bool `json:"open_in_weekends"`
	// ISO weekday numbers, 1=Monday .. 7=Sunday
	ClosedWeekdays []int `json:"closed_weekdays,omitempty"`
	Schedules      struct {
		Weekday *TimeRange `json:"weekday,omitempty"`
		Weekend *TimeRange `json:"weekend,omitempty"`
	} `json:"schedules"`
	// Yearly recurring closures as "YYYY-MM-DD" or "MM-DD"
	Holidays []string `json:"holidays,omitempty"`
}

type Sector struct {
	ID                       string       `json:"uuid"`
	ProjectID                string       `json:"project"`
	Name                     string       `json:"name"`
	RoomsLimit               int          `json:"rooms_limit"`
	WorkStart                string       `json:"work_start"`
	WorkEnd                  string       `json:"work_end"`
	RequiresTags             bool         `json:"required_tags"`
	SecondaryProject         string       `json:"secondary_project,omitempty"`
	AutomaticMessageText     string       `json:"automatic_message_text,omitempty"`
	IsAutomaticMessageActive bool         `json:"is_automatic_message_active"`
	WorkingHours             WorkingHours `json:"working_hours"`
	IsCSATEnabled            bool         `json:"is_csat_enabled"`
	IsDeleted                bool         `json:"-"`
}

type Queue struct {
	ID             string   `json:"uuid"`
	SectorID       string   `json:"sector"`
	Name           string   `json:"name"`
	DefaultMessage string   `json:"default_message,omitempty"`
	RequiredTags   []string `json:"required_tags,omitempty"`
	IsDeleted      bool     `json:"-"`
}

type DayType string

const (
	DayClosed      DayType = "CLOSED"
	DayCustomHours DayType = "CUSTOM_HOURS"
)

type SectorHoliday struct {
	ID          string    `json:"uuid"`
	SectorID    string    `json:"sector"`
	Date        time.Time `json:"date"`
	DayType     DayType   `json:"day_type"`
	StartTime   string    `json:"start_time,omitempty"`
	EndTime     string    `json:"end_time,omitempty"`
	Description string    `json:"description,omitempty"`
	ItsCustom   bool      `json:"its_custom"`
	IsDeleted   bool      `json:"-"`
}

type SectorTag struct {
	ID       string `json:"uuid"`
	SectorID string `json:"sector"`
	Name     string `json:"name"`
}

// ===========================
// IDENTITY
// ===========================

// User is identified by email.
type User struct {
	Email     string `json:"email"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	FCMToken  string `json:"-"`
}

type Role string

const (
	RoleAdmin     Role = "ADMIN"
	RoleAttendant Role = "ATTENDANT"
	RoleExternal  Role = "EXTERNAL"
)

type PermissionStatus string

const (
	StatusOnline  PermissionStatus = "ONLINE"
	StatusOffline PermissionStatus = "OFFLINE"
	StatusBusy    PermissionStatus = "BUSY"
)

type ProjectPermission struct {
	ID        string           `json:"uuid"`
	UserID    string           `json:"user"`
	ProjectID string           `json:"project"`
	Role      Role             `json:"role"`
	Status    PermissionStatus `json:"status"`
	LastPing  *time.Time       `json:"last_ping,omitempty"`
}

type AuthorizationRole string

const (
	RoleManager AuthorizationRole = "MANAGER"
	RoleAgent   AuthorizationRole = "AGENT"
)

// ===========================
// CONTACTS & ROOMS
// ===========================

type Contact struct {
	ID           string                 `json:"uuid"`
	ExternalID   string                 `json:"external_id"`
	Name         string                 `json:"name"`
	URN          string                 `json:"urn,omitempty"`
	CustomFields map[string]interface{} `json:"custom_fields,omitempty"`
}

// TransferEntry is one element of a room's append-only transfer history.
type TransferEntry struct {
	Action string    `json:"action"`
	From   string    `json:"from,omitempty"`
	To     string    `json:"to,omitempty"`
	Queue  string    `json:"queue,omitempty"`
	By     string    `json:"by,omitempty"`
	At     time.Time `json:"at"`
}

type MediaRef struct {
	ContentType string `json:"content_type"`
	URL         string `json:"url"`
}

type Room struct {
	ID        string `json:"uuid"`
	ProjectID string `json:"project_uuid"`
	QueueID   string `json:"queue"`
	ContactID string `json:"contact"`

	// Empty when the room waits in its queue
	UserID              string     `json:"user,omitempty"`
	UserAssignedAt      *time.Time `json:"user_assigned_at,omitempty"`
	FirstUserAssignedAt *time.Time `json:"first_user_assigned_at,omitempty"`

	IsActive       bool       `json:"is_active"`
	IsWaiting      bool       `json:"is_waiting"`
	EndedAt        *time.Time `json:"ended_at,omitempty"`
	EndedBy        string     `json:"ended_by,omitempty"`
	AddedToQueueAt time.Time  `json:"added_to_queue_at"`

	LastMessageID          string     `json:"last_message,omitempty"`
	LastMessageText        string     `json:"last_message_text,omitempty"`
	LastMessageUser        string     `json:"last_message_user,omitempty"`
	LastMessageMedia       []MediaRef `json:"last_message_media"`
	LastInteraction        *time.Time `json:"last_interaction,omitempty"`
	HasAgentMessages       bool       `json:"has_agent_messages"`
	AutomaticMessageSentAt *time.Time `json:"automatic_message_sent_at,omitempty"`
	UnreadMessagesCount    int        `json:"unread_messages_count"`

	URN              string                 `json:"urn,omitempty"`
	CallbackURL      string                 `json:"callback_url,omitempty"`
	TicketUUID       string                 `json:"ticket_uuid,omitempty"`
	Protocol         string                 `json:"protocol,omitempty"`
	ServiceChat      string                 `json:"service_chat,omitempty"`
	CustomFields     map[string]interface{} `json:"custom_fields,omitempty"`
	TransferHistory  []TransferEntry        `json:"transfer_history"`
	Config           map[string]interface{} `json:"config,omitempty"`
	Tags             []string               `json:"tags,omitempty"`
	SecondaryProject string                 `json:"secondary_project,omitempty"`

	CreatedOn  time.Time  `json:"created_on"`
	ModifiedOn time.Time  `json:"modified_on"`
	ArchivedAt *time.Time `json:"archived_at,omitempty"`
}

// IsQueued reports whether the room is open and waiting for an agent.
func (r *Room) IsQueued() bool {
	return r.IsActive && r.UserID == ""
}

// ===========================
// MESSAGES
// ===========================

type Message struct {
	ID             string                 `json:"uuid"`
	RoomID         string                 `json:"room"`
	UserID         string                 `json:"user,omitempty"`
	ContactID      string                 `json:"contact,omitempty"`
	Text           string                 `json:"text"`
	Seen           bool                   `json:"seen"`
	IsRead         bool                   `json:"is_read"`
	IsDelivered    bool                   `json:"is_delivered"`
	ExternalID     string                 `json:"external_id,omitempty"`
	Metadata       map[string]interface{} `json:"metadata,omitempty"`
	CreatedOn      time.Time              `json:"created_on"`
	EditedAt       *time.Time             `json:"edited_at,omitempty"`
	Media          []MessageMedia         `json:"media"`
	RepliedMessage *RepliedMessage        `json:"replied_message,omitempty"`
}

// IsAgentAuthored reports whether a user wrote the message.
func (m *Message) IsAgentAuthored() bool { return m.UserID != "" }

// RepliedToID reads metadata.context.id, the external id this message answers.
func (m *Message) RepliedToID() string {
	ctx, ok := m.Metadata["context"].(map[string]interface{})
	if !ok {
		return ""
	}
	id, _ := ctx["id"].(string)
	return id
}

type MessageMedia struct {
	ID          string    `json:"uuid"`
	MessageID   string    `json:"message"`
	ContentType string    `json:"content_type"`
	MediaFile   string    `json:"media_file,omitempty"`
	MediaURL    string    `json:"media_url,omitempty"`
	CreatedOn   time.Time `json:"created_on"`
}

// RepliedMessage is the reply target embedded in a message payload.
type RepliedMessage struct {
	ID      string     `json:"uuid"`
	Text    string     `json:"text"`
	User    string     `json:"user,omitempty"`
	Contact string     `json:"contact,omitempty"`
	Media   []MediaRef `json:"media"`
}

type MessageStatus string

const (
	MessageSent      MessageStatus = "SENT"
	MessageDelivered MessageStatus = "DELIVERED"
	MessageRead      MessageStatus = "READ"
)

// Level orders statuses so updates can refuse to move backwards.
func (s MessageStatus) Level() int {
	switch s {
	case MessageDelivered:
		return 1
	case MessageRead:
		return 2
	default:
		return 0
	}
}

type ChatMessageReplyIndex struct {
	ExternalID string `json:"external_id"`
	MessageID  string `json:"message"`
}

type RoomPin struct {
	ID        string    `json:"uuid"`
	RoomID    string    `json:"room"`
	UserID    string    `json:"user"`
	CreatedOn time.Time `json:"created_on"`
}

type RoomNote struct {
	ID        string    `json:"uuid"`
	RoomID    string    `json:"room"`
	UserID    string    `json:"user"`
	Text      string    `json:"text"`
	MessageID string    `json:"message,omitempty"`
	CreatedOn time.Time `json:"created_on"`
}

type AutomaticMessage struct {
	ID        string    `json:"uuid"`
	RoomID    string    `json:"room"`
	MessageID string    `json:"message"`
	CreatedOn time.Time `json:"created_on"`
}

// FlowStart links a contact journey to the permission that started it.
type FlowStart struct {
	ID           string    `json:"uuid"`
	ProjectID    string    `json:"project"`
	PermissionID string    `json:"permission"`
	Flow         string    `json:"flow"`
	ExternalIDs  []string  `json:"references"`
	IsDeleted    bool      `json:"-"`
	CreatedOn    time.Time `json:"created_on"`
}

// ===========================
// ARCHIVE
// ===========================

type ArchiveStatus string

const (
	ArchivePending            ArchiveStatus = "PENDING"
	ArchiveProcessingMessages ArchiveStatus = "PROCESSING_MESSAGES"
	ArchiveMessagesProcessed  ArchiveStatus = "MESSAGES_PROCESSED"
	ArchiveFileUploaded       ArchiveStatus = "MESSAGES_FILE_UPLOADED"
	ArchiveDeletedFromDB      ArchiveStatus = "MESSAGES_DELETED_FROM_DB"
	ArchiveFinished           ArchiveStatus = "FINISHED"
	ArchiveFailed             ArchiveStatus = "FAILED"
)

type ArchiveConversationsJob struct {
	ID         string     `json:"uuid"`
	StartedAt  time.Time  `json:"started_at"`
	ExpiresAt  time.Time  `json:"expires_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

type RoomArchivedConversation struct {
	ID        string          `json:"uuid"`
	JobID     string          `json:"job"`
	RoomID    string          `json:"room"`
	Status    ArchiveStatus   `json:"status"`
	File      string          `json:"file,omitempty"`
	Errors    json.RawMessage `json:"errors,omitempty"`
	CreatedOn time.Time       `json:"created_on"`
}
