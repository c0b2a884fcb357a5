package services

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/phonginreallife/chats/db"
	"github.com/phonginreallife/chats/internal/apperr"
	"github.com/phonginreallife/chats/internal/clock"
	"github.com/phonginreallife/chats/internal/logging"
	"github.com/phonginreallife/chats/internal/storage"
)

type MediaInput struct {
	ContentType string `json:"content_type" validate:"required"`
	// URL is an already hosted file; File is a key in our object store.
	URL  string `json:"url" validate:"omitempty,url"`
	File string `json:"media_file"`
}

type CreateMessageInput struct {
	RoomID     string                 `json:"room" validate:"required"`
	UserID     string                 `json:"user_email" validate:"omitempty,email"`
	ContactID  string                 `json:"contact"`
	Text       string                 `json:"text"`
	Media      []MediaInput           `json:"attachments" validate:"dive"`
	Metadata   map[string]interface{} `json:"metadata"`
	ExternalID string                 `json:"external_id"`
	CreatedOn  *time.Time             `json:"created_on"`
}

// MessageService is the message pipeline: ingest, history replay, edits
// and reply lookups.
type MessageService struct {
	PG       *sql.DB
	Clock    clock.Clock
	Notifier *RoomNotifier
	Storage  storage.ObjectStore
	Auto     AutoMessageScheduler
}

func NewMessageService(pg *sql.DB, clk clock.Clock, notifier *RoomNotifier, store storage.ObjectStore) *MessageService {
	if clk == nil {
		clk = clock.Real()
	}
	return &MessageService{PG: pg, Clock: clk, Notifier: notifier, Storage: store}
}

// SetAutoMessages enables the first-touch check after contact messages.
func (s *MessageService) SetAutoMessages(a AutoMessageScheduler) { s.Auto = a }

// buildMessage validates in and turns it into a message ready to insert.
func (s *MessageService) buildMessage(in CreateMessageInput, now time.Time) (*db.Message, error) {
	if err := validateInput(in); err != nil {
		return nil, err
	}
	if in.UserID != "" && in.ContactID != "" {
		return nil, apperr.New(apperr.InvalidInput, "a message has either a user or a contact author, not both")
	}
	text := strings.TrimSpace(in.Text)
	if text == "" && len(in.Media) == 0 {
		return nil, apperr.New(apperr.EmptyMessage, "message has no text and no media")
	}

	msg := &db.Message{
		ID:         uuid.New().String(),
		RoomID:     in.RoomID,
		UserID:     in.UserID,
		ContactID:  in.ContactID,
		Text:       text,
		ExternalID: in.ExternalID,
		Metadata:   in.Metadata,
		CreatedOn:  now,
		Media:      []db.MessageMedia{},
	}
	if in.CreatedOn != nil && !in.CreatedOn.IsZero() {
		msg.CreatedOn = *in.CreatedOn
	}
	if msg.Metadata == nil {
		msg.Metadata = map[string]interface{}{}
	}
	for _, m := range in.Media {
		if m.URL == "" && m.File == "" {
			return nil, apperr.New(apperr.InvalidInput, "attachment needs a url or a media file")
		}
		media := db.MessageMedia{
			ID:          uuid.New().String(),
			MessageID:   msg.ID,
			ContentType: m.ContentType,
			MediaFile:   m.File,
			MediaURL:    m.URL,
			CreatedOn:   msg.CreatedOn,
		}
		if media.MediaURL == "" && media.MediaFile != "" && s.Storage != nil {
			media.MediaURL = s.Storage.URL(media.MediaFile)
		}
		msg.Media = append(msg.Media, media)
	}
	return msg, nil
}

// Create stores a message in an active room and fans it out.
func (s *MessageService) Create(ctx context.Context, in CreateMessageInput) (*db.Message, error) {
	msg, err := s.buildMessage(in, s.Clock.Now())
	if err != nil {
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
	if err := insertMessage(ctx, tx, room, msg); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit message: %w", err)
	}

	msg.RepliedMessage = s.repliedOrNil(ctx, msg)
	if s.Notifier != nil {
		s.Notifier.MessageEvent(ctx, room, msg, EventMsgCreate)
	}
	s.firstTouch(ctx, room, msg)
	return msg, nil
}

// firstTouch schedules the sector's automatic message when a contact writes
// to an assigned room nobody has answered yet. The scheduler re-checks
// every gate under the room lock.
func (s *MessageService) firstTouch(ctx context.Context, room *db.Room, msg *db.Message) {
	if s.Auto == nil || msg.ContactID == "" || room.UserID == "" ||
		room.HasAgentMessages || room.AutomaticMessageSentAt != nil {
		return
	}
	_, sector, err := getQueue(ctx, s.PG, room.QueueID)
	if err != nil {
		logging.FromContext(ctx).Error("failed to load sector for automatic message", "room", room.ID, "error", err)
		return
	}
	s.Auto.Schedule(ctx, room, sector, room.UserID)
}

// CreateHistory replays messages into a room in one transaction, oldest
// first. The room's last_* fields end up describing the newest message.
func (s *MessageService) CreateHistory(ctx context.Context, roomID string, inputs []CreateMessageInput) ([]*db.Message, error) {
	if len(inputs) == 0 {
		return nil, apperr.New(apperr.InvalidInput, "history is empty")
	}
	now := s.Clock.Now()
	msgs := make([]*db.Message, 0, len(inputs))
	for i, in := range inputs {
		in.RoomID = roomID
		msg, err := s.buildMessage(in, now)
		if err != nil {
			return nil, fmt.Errorf("message %d: %w", i, err)
		}
		msgs = append(msgs, msg)
	}
	sort.SliceStable(msgs, func(i, j int) bool { return msgs[i].CreatedOn.Before(msgs[j].CreatedOn) })

	tx, err := s.PG.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	room, err := lockActiveRoom(ctx, tx, roomID)
	if err != nil {
		return nil, err
	}
	for _, msg := range msgs {
		if err := insertMessage(ctx, tx, room, msg); err != nil {
			return nil, err
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit history: %w", err)
	}

	logging.FromContext(ctx).Info("history replayed", "room", roomID, "messages", len(msgs))
	if s.Notifier != nil {
		s.Notifier.RoomEvent(ctx, room, EventRoomUpdate, "", "")
	}
	return msgs, nil
}

// Edit replaces a message's text. Edits on closed rooms are refused.
func (s *MessageService) Edit(ctx context.Context, messageID, text string) (*db.Message, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, apperr.New(apperr.EmptyMessage, "edited text is empty")
	}

	tx, err := s.PG.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	msg, err := getMessage(ctx, tx, messageID)
	if err != nil {
		return nil, err
	}
	room, err := lockActiveRoom(ctx, tx, msg.RoomID)
	if err != nil {
		return nil, err
	}

	now := s.Clock.Now()
	msg.Text = text
	msg.EditedAt = &now
	_, err = tx.ExecContext(ctx, `UPDATE messages SET text = $2, edited_at = $3 WHERE id = $1`, msg.ID, msg.Text, now)
	if err != nil {
		return nil, fmt.Errorf("failed to edit message: %w", err)
	}
	if room.LastMessageID == msg.ID {
		room.LastMessageText = text
		_, err = tx.ExecContext(ctx, `UPDATE rooms SET last_message_text = $2, modified_on = $3 WHERE id = $1`, room.ID, text, now)
		if err != nil {
			return nil, fmt.Errorf("failed to update room last message: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit edit: %w", err)
	}

	if msg.Media, err = messageMedia(ctx, s.PG, msg.ID, s.Storage); err != nil {
		logging.FromContext(ctx).Warn("failed to load media of edited message", "message", msg.ID, "error", err)
	}
	msg.RepliedMessage = s.repliedOrNil(ctx, msg)
	if s.Notifier != nil {
		s.Notifier.MessageEvent(ctx, room, msg, EventMsgUpdate)
	}
	return msg, nil
}

func (s *MessageService) Get(ctx context.Context, messageID string) (*db.Message, error) {
	msg, err := getMessage(ctx, s.PG, messageID)
	if err != nil {
		return nil, err
	}
	if msg.Media, err = messageMedia(ctx, s.PG, msg.ID, s.Storage); err != nil {
		return nil, err
	}
	return msg, nil
}

// List returns up to limit messages of a room created before before
// (zero means now), newest last.
func (s *MessageService) List(ctx context.Context, roomID string, before time.Time, limit int) ([]*db.Message, error) {
	if limit <= 0 || limit > 100 {
		limit = 100
	}
	if before.IsZero() {
		before = s.Clock.Now().Add(time.Second)
	}
	rows, err := s.PG.QueryContext(ctx, `
		SELECT `+messageColumns+`
		FROM messages m
		WHERE m.room_id = $1 AND m.created_on < $2
		ORDER BY m.created_on DESC
		LIMIT $3
	`, roomID, before, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	defer rows.Close()

	var msgs []*db.Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		msgs = append(msgs, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}

	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	for _, msg := range msgs {
		if msg.Media, err = messageMedia(ctx, s.PG, msg.ID, s.Storage); err != nil {
			return nil, err
		}
	}
	return msgs, nil
}

// GetReplied resolves metadata.context.id through the reply index. A
// message that replies to nothing we know yields nil.
func (s *MessageService) GetReplied(ctx context.Context, msg *db.Message) (*db.RepliedMessage, error) {
	externalID := msg.RepliedToID()
	if externalID == "" {
		return nil, nil
	}

	var replied db.RepliedMessage
	var userID, contactID sql.NullString
	err := s.PG.QueryRowContext(ctx, `
		SELECT m.id, m.text, m.user_id, m.contact_id
		FROM chat_message_reply_index i
		JOIN messages m ON m.id = i.message_id
		WHERE i.external_id = $1
	`, externalID).Scan(&replied.ID, &replied.Text, &userID, &contactID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to resolve replied message: %w", err)
	}
	replied.User = userID.String
	replied.Contact = contactID.String

	media, err := messageMedia(ctx, s.PG, replied.ID, s.Storage)
	if err != nil {
		return nil, err
	}
	replied.Media = make([]db.MediaRef, 0, len(media))
	for _, m := range media {
		replied.Media = append(replied.Media, db.MediaRef{ContentType: m.ContentType, URL: m.MediaURL})
	}
	return &replied, nil
}

func (s *MessageService) repliedOrNil(ctx context.Context, msg *db.Message) *db.RepliedMessage {
	replied, err := s.GetReplied(ctx, msg)
	if err != nil {
		logging.FromContext(ctx).Warn("reply lookup failed", "message", msg.ID, "error", err)
		return nil
	}
	return replied
}

const messageColumns = `
	m.id, m.room_id, m.user_id, m.contact_id, m.text, m.seen, m.is_read, m.is_delivered,
	m.external_id, m.metadata, m.created_on, m.edited_at`

func scanMessage(row rowScanner) (*db.Message, error) {
	var m db.Message
	var userID, contactID sql.NullString
	var editedAt sql.NullTime
	var metadata []byte
	err := row.Scan(&m.ID, &m.RoomID, &userID, &contactID, &m.Text, &m.Seen, &m.IsRead, &m.IsDelivered,
		&m.ExternalID, &metadata, &m.CreatedOn, &editedAt)
	if err != nil {
		return nil, err
	}
	m.UserID = userID.String
	m.ContactID = contactID.String
	m.EditedAt = db.TimePtr(editedAt)
	if err := db.ScanJSON(metadata, &m.Metadata); err != nil {
		return nil, fmt.Errorf("failed to decode message metadata: %w", err)
	}
	m.Media = []db.MessageMedia{}
	return &m, nil
}

func getMessage(ctx context.Context, q querier, messageID string) (*db.Message, error) {
	msg, err := scanMessage(q.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM messages m WHERE m.id = $1`, messageID))
	if err == sql.ErrNoRows {
		return nil, apperr.New(apperr.NotFound, "message not found")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get message: %w", err)
	}
	return msg, nil
}

func messageMedia(ctx context.Context, q querier, messageID string, store storage.ObjectStore) ([]db.MessageMedia, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT id, content_type, media_file, media_url, created_on
		FROM message_media WHERE message_id = $1 ORDER BY created_on, id
	`, messageID)
	if err != nil {
		return nil, fmt.Errorf("failed to list message media: %w", err)
	}
	defer rows.Close()

	media := []db.MessageMedia{}
	for rows.Next() {
		m := db.MessageMedia{MessageID: messageID}
		if err := rows.Scan(&m.ID, &m.ContentType, &m.MediaFile, &m.MediaURL, &m.CreatedOn); err != nil {
			return nil, fmt.Errorf("failed to scan message media: %w", err)
		}
		if m.MediaURL == "" && m.MediaFile != "" && store != nil {
			m.MediaURL = store.URL(m.MediaFile)
		}
		media = append(media, m)
	}
	return media, rows.Err()
}

// applyMessage updates the room's denormalized interaction fields for msg.
// Older messages (history replay out of order) leave last_* alone.
func applyMessage(room *db.Room, msg *db.Message) {
	if msg.IsAgentAuthored() {
		room.HasAgentMessages = true
	}
	if msg.ContactID != "" {
		room.UnreadMessagesCount++
	}
	if room.LastInteraction != nil && msg.CreatedOn.Before(*room.LastInteraction) {
		return
	}
	at := msg.CreatedOn
	room.LastMessageID = msg.ID
	room.LastMessageText = msg.Text
	room.LastMessageUser = msg.UserID
	room.LastInteraction = &at
	room.LastMessageMedia = make([]db.MediaRef, 0, len(msg.Media))
	for _, m := range msg.Media {
		room.LastMessageMedia = append(room.LastMessageMedia, db.MediaRef{ContentType: m.ContentType, URL: m.MediaURL})
	}
}

// insertMessage writes msg, its media and reply index entry, and the
// room's denormalized fields. room must be locked by tx.
func insertMessage(ctx context.Context, tx *sql.Tx, room *db.Room, msg *db.Message) error {
	msg.RoomID = room.ID
	_, err := tx.ExecContext(ctx, `
		INSERT INTO messages (id, room_id, user_id, contact_id, text, external_id, metadata, created_on)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, msg.ID, msg.RoomID, db.NullString(msg.UserID), db.NullString(msg.ContactID), msg.Text,
		msg.ExternalID, db.JSONB(msg.Metadata), msg.CreatedOn)
	if err != nil {
		return fmt.Errorf("failed to insert message: %w", err)
	}

	for _, m := range msg.Media {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO message_media (id, message_id, content_type, media_file, media_url, created_on)
			VALUES ($1, $2, $3, $4, $5, $6)
		`, m.ID, msg.ID, m.ContentType, m.MediaFile, m.MediaURL, m.CreatedOn)
		if err != nil {
			return fmt.Errorf("failed to insert message media: %w", err)
		}
	}

	if msg.ExternalID != "" {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO chat_message_reply_index (external_id, message_id) VALUES ($1, $2)
			ON CONFLICT (external_id) DO UPDATE SET message_id = EXCLUDED.message_id
		`, msg.ExternalID, msg.ID)
		if err != nil {
			return fmt.Errorf("failed to index message: %w", err)
		}
	}

	applyMessage(room, msg)
	room.ModifiedOn = msg.CreatedOn
	_, err = tx.ExecContext(ctx, `
		UPDATE rooms
		SET last_message_id = $2, last_message_text = $3, last_message_user = $4, last_message_media = $5,
			last_interaction = $6, has_agent_messages = $7, unread_messages_count = $8, modified_on = GREATEST(modified_on, $9)
		WHERE id = $1
	`, room.ID, db.NullString(room.LastMessageID), room.LastMessageText, room.LastMessageUser,
		db.JSONB(room.LastMessageMedia), db.NullTime(room.LastInteraction), room.HasAgentMessages,
		room.UnreadMessagesCount, msg.CreatedOn)
	if err != nil {
		return fmt.Errorf("failed to update room interaction: %w", err)
	}
	return nil
}
