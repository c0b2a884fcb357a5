package services

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/phonginreallife/chats/db"
	"github.com/phonginreallife/chats/internal/apperr"
)

// Pin pins a room for perm's user, bounded by MaxPins per (user, project).
// Pinning an already pinned room returns the existing pin.
func (s *RoomService) Pin(ctx context.Context, perm *db.ProjectPermission, roomID string) (*db.RoomPin, error) {
	room, err := getRoom(ctx, s.PG, roomID)
	if err != nil {
		return nil, err
	}
	if !room.IsActive {
		return nil, apperr.New(apperr.RoomClosed, "room "+room.ID+" is closed")
	}
	if !s.CanAccess(ctx, perm, room) {
		return nil, apperr.New(apperr.PermissionDenied, "not allowed to pin this room")
	}

	tx, err := s.PG.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	// the permission row serializes pin requests of the same agent
	var locked string
	err = tx.QueryRowContext(ctx, `SELECT id FROM project_permissions WHERE id = $1 FOR UPDATE`, perm.ID).Scan(&locked)
	if err == sql.ErrNoRows {
		return nil, apperr.New(apperr.PermissionDenied, "no permission in this project")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to lock permission: %w", err)
	}

	pin := &db.RoomPin{RoomID: room.ID, UserID: perm.UserID}
	err = tx.QueryRowContext(ctx, `
		SELECT id, created_on FROM room_pins WHERE room_id = $1 AND user_id = $2
	`, room.ID, perm.UserID).Scan(&pin.ID, &pin.CreatedOn)
	if err == nil {
		return pin, nil
	}
	if err != sql.ErrNoRows {
		return nil, fmt.Errorf("failed to check pin: %w", err)
	}

	var pinned int
	err = tx.QueryRowContext(ctx, `
		SELECT COUNT(*)
		FROM room_pins p JOIN rooms r ON r.id = p.room_id
		WHERE p.user_id = $1 AND r.project_id = $2
	`, perm.UserID, room.ProjectID).Scan(&pinned)
	if err != nil {
		return nil, fmt.Errorf("failed to count pins: %w", err)
	}
	if pinned >= s.MaxPins {
		return nil, apperr.New(apperr.MaxPinLimit, fmt.Sprintf("you can pin at most %d rooms", s.MaxPins))
	}

	pin.ID = uuid.New().String()
	pin.CreatedOn = s.Clock.Now()
	_, err = tx.ExecContext(ctx, `
		INSERT INTO room_pins (id, room_id, user_id, created_on) VALUES ($1, $2, $3, $4)
	`, pin.ID, pin.RoomID, pin.UserID, pin.CreatedOn)
	if err != nil {
		return nil, fmt.Errorf("failed to pin room: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit pin: %w", err)
	}
	return pin, nil
}

func (s *RoomService) Unpin(ctx context.Context, perm *db.ProjectPermission, roomID string) error {
	if perm == nil {
		return apperr.New(apperr.PermissionDenied, "no permission in this project")
	}
	res, err := s.PG.ExecContext(ctx, `DELETE FROM room_pins WHERE room_id = $1 AND user_id = $2`, roomID, perm.UserID)
	if err != nil {
		return fmt.Errorf("failed to unpin room: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperr.New(apperr.NotFound, "room is not pinned")
	}
	return nil
}

// AddNote stores a private agent note, optionally anchored to a message
// of the same room.
func (s *RoomService) AddNote(ctx context.Context, perm *db.ProjectPermission, roomID, text, messageID string) (*db.RoomNote, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, apperr.New(apperr.InvalidInput, "note text is required")
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
	if !s.CanAccess(ctx, perm, room) {
		return nil, apperr.New(apperr.PermissionDenied, "not allowed to add notes to this room")
	}

	if messageID != "" {
		var ok bool
		err := tx.QueryRowContext(ctx, `
			SELECT EXISTS (SELECT 1 FROM messages WHERE id = $1 AND room_id = $2)
		`, messageID, room.ID).Scan(&ok)
		if err != nil {
			return nil, fmt.Errorf("failed to check note message: %w", err)
		}
		if !ok {
			return nil, apperr.New(apperr.InvalidInput, "message does not belong to this room")
		}
	}

	note := &db.RoomNote{
		ID:        uuid.New().String(),
		RoomID:    room.ID,
		UserID:    perm.UserID,
		Text:      text,
		MessageID: messageID,
		CreatedOn: s.Clock.Now(),
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO room_notes (id, room_id, user_id, text, message_id, created_on)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, note.ID, note.RoomID, note.UserID, note.Text, db.NullString(note.MessageID), note.CreatedOn)
	if err != nil {
		return nil, fmt.Errorf("failed to insert note: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit note: %w", err)
	}

	if s.Notifier != nil {
		s.Notifier.NoteEvent(ctx, room, note)
	}
	return note, nil
}
