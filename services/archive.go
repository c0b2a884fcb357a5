package services

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/phonginreallife/chats/db"
	"github.com/phonginreallife/chats/internal/apperr"
	"github.com/phonginreallife/chats/internal/clock"
	"github.com/phonginreallife/chats/internal/logging"
	"github.com/phonginreallife/chats/internal/storage"
)

// ErrArchiveExpired stops a job that ran past its deadline.
var ErrArchiveExpired = errors.New("archive job expired")

// archiveAge is how long a room stays closed before its messages move out.
const archiveAge = 365 * 24 * time.Hour

// ArchiveService moves messages of long-closed rooms to the object store.
type ArchiveService struct {
	PG        *sql.DB
	Store     storage.ObjectStore
	Clock     clock.Clock
	MaxRooms  int
	MaxHour   string
	BatchSize int
}

func NewArchiveService(pg *sql.DB, store storage.ObjectStore, clk clock.Clock, maxRooms int, maxHour string, batchSize int) *ArchiveService {
	if clk == nil {
		clk = clock.Real()
	}
	if batchSize <= 0 {
		batchSize = 500
	}
	return &ArchiveService{PG: pg, Store: store, Clock: clk, MaxRooms: maxRooms, MaxHour: maxHour, BatchSize: batchSize}
}

// ExpiresAt is the next maxHour ("HH:MM", UTC) after now: today when now
// is earlier than it, tomorrow otherwise.
func ExpiresAt(now time.Time, maxHour string) time.Time {
	now = now.UTC()
	secs, ok := parseClock(maxHour)
	if !ok {
		secs, _ = parseClock("08:59")
	}
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	deadline := midnight.Add(time.Duration(secs) * time.Second)
	if !now.Before(deadline) {
		deadline = deadline.AddDate(0, 0, 1)
	}
	return deadline
}

type archiveRoom struct {
	ID        string
	ProjectID string
}

// archivedMessage is one line of messages.jsonl.
type archivedMessage struct {
	ID        string                 `json:"uuid"`
	Text      string                 `json:"text"`
	User      string                 `json:"user,omitempty"`
	Contact   string                 `json:"contact,omitempty"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	CreatedOn time.Time              `json:"created_on"`
	Media     []db.MediaRef          `json:"media"`
}

// Run archives up to MaxRooms rooms. It stops at the first checkpoint
// past the job deadline.
func (s *ArchiveService) Run(ctx context.Context) (*db.ArchiveConversationsJob, error) {
	logger := logging.FromContext(ctx)
	now := s.Clock.Now()
	job := &db.ArchiveConversationsJob{
		ID:        uuid.New().String(),
		StartedAt: now,
		ExpiresAt: ExpiresAt(now, s.MaxHour),
	}
	_, err := s.PG.ExecContext(ctx, `
		INSERT INTO archive_conversations_jobs (id, started_at, expires_at) VALUES ($1, $2, $3)
	`, job.ID, job.StartedAt, job.ExpiresAt)
	if err != nil {
		return nil, fmt.Errorf("failed to create archive job: %w", err)
	}

	rooms, err := s.candidates(ctx, now.Add(-archiveAge))
	if err != nil {
		return job, err
	}
	logger.Info("archive job started", "job", job.ID, "rooms", len(rooms), "expires_at", job.ExpiresAt)

	archived := 0
	for _, room := range rooms {
		err := s.archive(ctx, job, room)
		if errors.Is(err, ErrArchiveExpired) {
			logger.Warn("archive job expired", "job", job.ID, "archived", archived)
			break
		}
		if err != nil {
			logger.Error("room archive failed", "job", job.ID, "room", room.ID, "error", err)
			continue
		}
		archived++
	}

	finished := s.Clock.Now()
	job.FinishedAt = &finished
	if _, err := s.PG.ExecContext(ctx, `UPDATE archive_conversations_jobs SET finished_at = $2 WHERE id = $1`, job.ID, finished); err != nil {
		return job, fmt.Errorf("failed to finish archive job: %w", err)
	}
	logger.Info("archive job finished", "job", job.ID, "archived", archived)
	return job, nil
}

func (s *ArchiveService) candidates(ctx context.Context, endedBefore time.Time) ([]archiveRoom, error) {
	rows, err := s.PG.QueryContext(ctx, `
		SELECT r.id, r.project_id
		FROM rooms r
		WHERE r.is_active = false AND r.ended_at < $1 AND r.archived_at IS NULL
		ORDER BY r.ended_at ASC
		LIMIT $2
	`, endedBefore, s.MaxRooms)
	if err != nil {
		return nil, fmt.Errorf("failed to select rooms to archive: %w", err)
	}
	defer rows.Close()

	var rooms []archiveRoom
	for rows.Next() {
		var r archiveRoom
		if err := rows.Scan(&r.ID, &r.ProjectID); err != nil {
			return nil, fmt.Errorf("failed to scan archive room: %w", err)
		}
		rooms = append(rooms, r)
	}
	return rooms, rows.Err()
}

func (s *ArchiveService) expired(job *db.ArchiveConversationsJob) bool {
	return !s.Clock.Now().Before(job.ExpiresAt)
}

// archive walks one room through the archive states. Any failure marks the
// record FAILED with the error appended.
func (s *ArchiveService) archive(ctx context.Context, job *db.ArchiveConversationsJob, room archiveRoom) error {
	if s.expired(job) {
		return ErrArchiveExpired
	}
	rec := &db.RoomArchivedConversation{
		ID:        uuid.New().String(),
		JobID:     job.ID,
		RoomID:    room.ID,
		Status:    db.ArchivePending,
		CreatedOn: s.Clock.Now(),
	}
	_, err := s.PG.ExecContext(ctx, `
		INSERT INTO room_archived_conversations (id, job_id, room_id, status, created_on) VALUES ($1, $2, $3, $4, $5)
	`, rec.ID, rec.JobID, rec.RoomID, rec.Status, rec.CreatedOn)
	if err != nil {
		return fmt.Errorf("failed to create archive record: %w", err)
	}

	err = s.process(ctx, job, room, rec)
	if err != nil && !errors.Is(err, ErrArchiveExpired) {
		s.fail(ctx, rec, err)
	}
	return err
}

func (s *ArchiveService) process(ctx context.Context, job *db.ArchiveConversationsJob, room archiveRoom, rec *db.RoomArchivedConversation) error {
	if err := s.setStatus(ctx, rec, db.ArchiveProcessingMessages); err != nil {
		return err
	}
	msgs, err := s.roomMessages(ctx, room.ID)
	if err != nil {
		return err
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	var copied []string
	for _, m := range msgs {
		line := archivedMessage{
			ID:        m.ID,
			Text:      m.Text,
			User:      m.UserID,
			Contact:   m.ContactID,
			Metadata:  m.Metadata,
			CreatedOn: m.CreatedOn,
			Media:     []db.MediaRef{},
		}
		for _, media := range m.Media {
			ref := db.MediaRef{ContentType: media.ContentType, URL: media.MediaURL}
			if media.MediaFile != "" {
				key := storage.ArchiveMediaKey(room.ProjectID, room.ID, media.MediaFile)
				if err := s.copyObject(ctx, media.MediaFile, key, media.ContentType); err != nil {
					return err
				}
				copied = append(copied, media.MediaFile)
				ref.URL = key
			}
			line.Media = append(line.Media, ref)
		}
		if err := enc.Encode(line); err != nil {
			return fmt.Errorf("failed to encode message %s: %w", m.ID, err)
		}
	}
	if err := s.setStatus(ctx, rec, db.ArchiveMessagesProcessed); err != nil {
		return err
	}
	if s.expired(job) {
		return ErrArchiveExpired
	}

	key := storage.ArchiveMessagesKey(room.ProjectID, room.ID)
	if err := s.Store.Put(ctx, key, bytes.NewReader(buf.Bytes()), int64(buf.Len()), "application/jsonl"); err != nil {
		return fmt.Errorf("failed to upload archive: %w", err)
	}
	rec.File = key
	if err := s.setStatus(ctx, rec, db.ArchiveFileUploaded); err != nil {
		return err
	}
	if s.expired(job) {
		return ErrArchiveExpired
	}

	if err := s.deleteMessages(ctx, room.ID); err != nil {
		return err
	}
	for _, original := range copied {
		if err := s.Store.Delete(ctx, original); err != nil {
			logging.FromContext(ctx).Warn("failed to delete archived original", "key", original, "error", err)
		}
	}
	if err := s.setStatus(ctx, rec, db.ArchiveDeletedFromDB); err != nil {
		return err
	}

	if _, err := s.PG.ExecContext(ctx, `UPDATE rooms SET archived_at = $2 WHERE id = $1`, room.ID, s.Clock.Now()); err != nil {
		return fmt.Errorf("failed to mark room archived: %w", err)
	}
	return s.setStatus(ctx, rec, db.ArchiveFinished)
}

func (s *ArchiveService) roomMessages(ctx context.Context, roomID string) ([]*db.Message, error) {
	rows, err := s.PG.QueryContext(ctx, `
		SELECT `+messageColumns+`
		FROM messages m
		WHERE m.room_id = $1
		ORDER BY m.created_on ASC
	`, roomID)
	if err != nil {
		return nil, fmt.Errorf("failed to load messages: %w", err)
	}
	var msgs []*db.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		msgs = append(msgs, m)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, m := range msgs {
		if m.Media, err = messageMedia(ctx, s.PG, m.ID, s.Store); err != nil {
			return nil, err
		}
	}
	return msgs, nil
}

func (s *ArchiveService) copyObject(ctx context.Context, from, to, contentType string) error {
	rc, err := s.Store.Get(ctx, from)
	if err != nil {
		return fmt.Errorf("failed to read media %s: %w", from, err)
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		return fmt.Errorf("failed to read media %s: %w", from, err)
	}
	if err := s.Store.Put(ctx, to, bytes.NewReader(data), int64(len(data)), contentType); err != nil {
		return fmt.Errorf("failed to copy media %s: %w", from, err)
	}
	return nil
}

// deleteMessages removes a room's messages BatchSize rows at a time.
// Media, reply index and automatic message rows go with them.
func (s *ArchiveService) deleteMessages(ctx context.Context, roomID string) error {
	for {
		res, err := s.PG.ExecContext(ctx, `
			DELETE FROM messages WHERE id IN (
				SELECT id FROM messages WHERE room_id = $1 LIMIT $2
			)
		`, roomID, s.BatchSize)
		if err != nil {
			return fmt.Errorf("failed to delete archived messages: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n < int64(s.BatchSize) {
			return nil
		}
	}
}

func (s *ArchiveService) setStatus(ctx context.Context, rec *db.RoomArchivedConversation, status db.ArchiveStatus) error {
	_, err := s.PG.ExecContext(ctx, `
		UPDATE room_archived_conversations SET status = $2, file = $3 WHERE id = $1
	`, rec.ID, status, rec.File)
	if err != nil {
		return fmt.Errorf("failed to set archive status %s: %w", status, err)
	}
	rec.Status = status
	return nil
}

func (s *ArchiveService) fail(ctx context.Context, rec *db.RoomArchivedConversation, cause error) {
	entry := db.JSONB([]map[string]interface{}{{
		"status": rec.Status,
		"error":  cause.Error(),
		"at":     s.Clock.Now(),
	}})
	_, err := s.PG.ExecContext(ctx, `
		UPDATE room_archived_conversations SET status = $2, errors = errors || $3::jsonb WHERE id = $1
	`, rec.ID, db.ArchiveFailed, entry)
	if err != nil {
		logging.FromContext(ctx).Error("failed to record archive failure", "record", rec.ID, "error", err)
		return
	}
	rec.Status = db.ArchiveFailed
}

// ArchivedMediaURL presigns an archived media key of projectID for download.
func (s *ArchiveService) ArchivedMediaURL(ctx context.Context, projectID, key string) (string, error) {
	if !storage.IsArchivedMediaKey(key) {
		return "", apperr.New(apperr.InvalidObjectKey, "key is not an archived media object")
	}
	if parts := strings.SplitN(key, "/", 3); parts[1] != projectID {
		return "", apperr.New(apperr.PermissionDenied, "object belongs to another project")
	}
	return s.Store.PresignedURL(ctx, key, 15*time.Minute)
}
