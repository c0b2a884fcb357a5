package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
	"github.com/lib/pq"

	"github.com/phonginreallife/chats/db"
	"github.com/phonginreallife/chats/internal/apperr"
)

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

var validate = validator.New()

// validateInput turns validator failures into INVALID_INPUT.
func validateInput(v interface{}) error {
	if err := validate.Struct(v); err != nil {
		return apperr.Wrap(apperr.InvalidInput, err, err.Error())
	}
	return nil
}

const uniqueViolation = "23505"

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == uniqueViolation
}

const roomColumns = `
	r.id, r.project_id, r.queue_id, r.contact_id, r.user_id, r.user_assigned_at, r.first_user_assigned_at,
	r.is_active, r.is_waiting, r.ended_at, r.ended_by, r.added_to_queue_at,
	r.last_message_id, r.last_message_text, r.last_message_user, r.last_message_media, r.last_interaction,
	r.has_agent_messages, r.automatic_message_sent_at, r.unread_messages_count,
	r.urn, r.callback_url, r.ticket_uuid, r.protocol, r.service_chat,
	r.custom_fields, r.transfer_history, r.config, r.created_on, r.modified_on, r.archived_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRoom(row rowScanner) (*db.Room, error) {
	var r db.Room
	var userID, lastMessageID sql.NullString
	var userAssignedAt, firstAssignedAt, endedAt, lastInteraction, autoSentAt, archivedAt sql.NullTime
	var media, customFields, history, config []byte

	err := row.Scan(
		&r.ID, &r.ProjectID, &r.QueueID, &r.ContactID, &userID, &userAssignedAt, &firstAssignedAt,
		&r.IsActive, &r.IsWaiting, &endedAt, &r.EndedBy, &r.AddedToQueueAt,
		&lastMessageID, &r.LastMessageText, &r.LastMessageUser, &media, &lastInteraction,
		&r.HasAgentMessages, &autoSentAt, &r.UnreadMessagesCount,
		&r.URN, &r.CallbackURL, &r.TicketUUID, &r.Protocol, &r.ServiceChat,
		&customFields, &history, &config, &r.CreatedOn, &r.ModifiedOn, &archivedAt,
	)
	if err != nil {
		return nil, err
	}

	r.UserID = userID.String
	r.LastMessageID = lastMessageID.String
	r.UserAssignedAt = db.TimePtr(userAssignedAt)
	r.FirstUserAssignedAt = db.TimePtr(firstAssignedAt)
	r.EndedAt = db.TimePtr(endedAt)
	r.LastInteraction = db.TimePtr(lastInteraction)
	r.AutomaticMessageSentAt = db.TimePtr(autoSentAt)
	r.ArchivedAt = db.TimePtr(archivedAt)

	if err := db.ScanJSON(media, &r.LastMessageMedia); err != nil {
		return nil, fmt.Errorf("failed to decode last_message_media: %w", err)
	}
	if err := db.ScanJSON(customFields, &r.CustomFields); err != nil {
		return nil, fmt.Errorf("failed to decode custom_fields: %w", err)
	}
	if err := db.ScanJSON(history, &r.TransferHistory); err != nil {
		return nil, fmt.Errorf("failed to decode transfer_history: %w", err)
	}
	if err := db.ScanJSON(config, &r.Config); err != nil {
		return nil, fmt.Errorf("failed to decode room config: %w", err)
	}
	return &r, nil
}

// lockRoom loads a room and takes its row lock for the rest of tx.
func lockRoom(ctx context.Context, tx *sql.Tx, roomID string) (*db.Room, error) {
	room, err := scanRoom(tx.QueryRowContext(ctx, `SELECT `+roomColumns+` FROM rooms r WHERE r.id = $1 FOR UPDATE`, roomID))
	if err == sql.ErrNoRows {
		return nil, apperr.New(apperr.NotFound, "room not found")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to lock room: %w", err)
	}
	return room, nil
}

// lockActiveRoom is lockRoom plus the ROOM_CLOSED check every write needs.
func lockActiveRoom(ctx context.Context, tx *sql.Tx, roomID string) (*db.Room, error) {
	room, err := lockRoom(ctx, tx, roomID)
	if err != nil {
		return nil, err
	}
	if !room.IsActive {
		return nil, apperr.New(apperr.RoomClosed, "room "+room.ID+" is closed")
	}
	return room, nil
}

func getRoom(ctx context.Context, q querier, roomID string) (*db.Room, error) {
	room, err := scanRoom(q.QueryRowContext(ctx, `SELECT `+roomColumns+` FROM rooms r WHERE r.id = $1`, roomID))
	if err == sql.ErrNoRows {
		return nil, apperr.New(apperr.NotFound, "room not found")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get room: %w", err)
	}
	return room, nil
}

func roomTags(ctx context.Context, q querier, roomID string) ([]string, error) {
	rows, err := q.QueryContext(ctx, `SELECT tag_id FROM room_tags WHERE room_id = $1 ORDER BY tag_id`, roomID)
	if err != nil {
		return nil, fmt.Errorf("failed to list room tags: %w", err)
	}
	defer rows.Close()

	var tags []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan room tag: %w", err)
		}
		tags = append(tags, id)
	}
	return tags, rows.Err()
}

func getProject(ctx context.Context, q querier, projectID string) (*db.Project, error) {
	var p db.Project
	var routing string
	var config []byte
	err := q.QueryRowContext(ctx, `
		SELECT id, name, timezone, room_routing_type, config, contacts_blocklist, external_token_hash, created_at
		FROM projects WHERE id = $1
	`, projectID).Scan(&p.ID, &p.Name, &p.Timezone, &routing, &config, pq.Array(&p.ContactsBlocklist), &p.ExternalTokenHash, &p.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, apperr.New(apperr.NotFound, "project not found")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get project: %w", err)
	}
	p.RoomRoutingType = db.RoutingType(routing)
	if err := db.ScanJSON(config, &p.Config); err != nil {
		return nil, fmt.Errorf("failed to decode project config: %w", err)
	}
	return &p, nil
}

const queueSectorColumns = `
	q.id, q.sector_id, q.name, q.default_message, q.required_tags,
	s.id, s.project_id, s.name, s.rooms_limit, s.work_start, s.work_end, s.required_tags,
	s.secondary_project, s.automatic_message_text, s.is_automatic_message_active, s.working_hours, s.is_csat_enabled`

func scanQueueSector(row rowScanner) (*db.Queue, *db.Sector, error) {
	var q db.Queue
	var s db.Sector
	var workingHours []byte
	err := row.Scan(
		&q.ID, &q.SectorID, &q.Name, &q.DefaultMessage, pq.Array(&q.RequiredTags),
		&s.ID, &s.ProjectID, &s.Name, &s.RoomsLimit, &s.WorkStart, &s.WorkEnd, &s.RequiresTags,
		&s.SecondaryProject, &s.AutomaticMessageText, &s.IsAutomaticMessageActive, &workingHours, &s.IsCSATEnabled,
	)
	if err != nil {
		return nil, nil, err
	}
	if err := db.ScanJSON(workingHours, &s.WorkingHours); err != nil {
		return nil, nil, fmt.Errorf("failed to decode working hours: %w", err)
	}
	return &q, &s, nil
}

// getQueue loads a live queue together with its sector.
func getQueue(ctx context.Context, q querier, queueID string) (*db.Queue, *db.Sector, error) {
	queue, sector, err := scanQueueSector(q.QueryRowContext(ctx, `
		SELECT `+queueSectorColumns+`
		FROM queues q JOIN sectors s ON s.id = q.sector_id
		WHERE q.id = $1 AND q.is_deleted = false AND s.is_deleted = false
	`, queueID))
	if err == sql.ErrNoRows {
		return nil, nil, apperr.New(apperr.NotFound, "queue not found")
	}
	if err != nil {
		return nil, nil, fmt.Errorf("failed to get queue: %w", err)
	}
	return queue, sector, nil
}

// defaultQueue picks the oldest live queue of a sector.
func defaultQueue(ctx context.Context, q querier, sectorID string) (*db.Queue, *db.Sector, error) {
	queue, sector, err := scanQueueSector(q.QueryRowContext(ctx, `
		SELECT `+queueSectorColumns+`
		FROM queues q JOIN sectors s ON s.id = q.sector_id
		WHERE s.id = $1 AND q.is_deleted = false AND s.is_deleted = false
		ORDER BY q.created_at ASC
		LIMIT 1
	`, sectorID))
	if err == sql.ErrNoRows {
		return nil, nil, apperr.New(apperr.NotFound, "sector has no queues")
	}
	if err != nil {
		return nil, nil, fmt.Errorf("failed to get default queue: %w", err)
	}
	return queue, sector, nil
}
