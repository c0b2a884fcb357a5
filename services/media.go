package services

import (
	"bytes"
	"context"
	"database/sql"
	"fmt"
	"io"
	"os/exec"
	"path"
	"strings"

	"github.com/google/uuid"

	"github.com/phonginreallife/chats/db"
	"github.com/phonginreallife/chats/internal/logging"
	"github.com/phonginreallife/chats/internal/storage"
)

// canonicalAudioType is what unpermitted audio containers become.
const canonicalAudioType = "audio/mpeg"

// Transcoder converts an audio stream to mp3.
type Transcoder interface {
	ToMP3(ctx context.Context, in io.Reader) ([]byte, error)
}

// FFmpegTranscoder shells out to ffmpeg.
type FFmpegTranscoder struct {
	Path string
}

func (t FFmpegTranscoder) ToMP3(ctx context.Context, in io.Reader) ([]byte, error) {
	bin := t.Path
	if bin == "" {
		bin = "ffmpeg"
	}
	var out, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, bin, "-hide_banner", "-loglevel", "error", "-i", "pipe:0", "-f", "mp3", "pipe:1")
	cmd.Stdin = in
	cmd.Stdout = &out
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("ffmpeg failed: %w: %s", err, strings.TrimSpace(stderr.String()))
	}
	return out.Bytes(), nil
}

// MediaService stores attachments under uuid-derived keys.
type MediaService struct {
	PG          *sql.DB
	Store       storage.ObjectStore
	Transcoder  Transcoder
	Unpermitted map[string]bool
}

func NewMediaService(pg *sql.DB, store storage.ObjectStore, transcoder Transcoder, unpermitted []string) *MediaService {
	set := make(map[string]bool, len(unpermitted))
	for _, t := range unpermitted {
		set[strings.ToLower(strings.TrimSpace(t))] = true
	}
	return &MediaService{PG: pg, Store: store, Transcoder: transcoder, Unpermitted: set}
}

// NeedsTranscode reports whether contentType is an audio container we do
// not serve as is.
func (s *MediaService) NeedsTranscode(contentType string) bool {
	ct := strings.ToLower(strings.TrimSpace(strings.SplitN(contentType, ";", 2)[0]))
	return strings.HasPrefix(ct, "audio/") && s.Unpermitted[ct]
}

// Upload stores r and returns the attachment to put on a message.
func (s *MediaService) Upload(ctx context.Context, filename, contentType string, r io.Reader, size int64) (MediaInput, error) {
	if s.NeedsTranscode(contentType) && s.Transcoder != nil {
		converted, err := s.Transcoder.ToMP3(ctx, r)
		if err != nil {
			return MediaInput{}, fmt.Errorf("failed to transcode %s: %w", contentType, err)
		}
		logging.FromContext(ctx).Debug("audio transcoded", "from", contentType, "bytes", len(converted))
		r = bytes.NewReader(converted)
		size = int64(len(converted))
		contentType = canonicalAudioType
		filename = strings.TrimSuffix(filename, path.Ext(filename)) + ".mp3"
	}

	key := storage.MediaKey(uuid.New(), filename, contentType)
	if err := s.Store.Put(ctx, key, r, size, contentType); err != nil {
		return MediaInput{}, fmt.Errorf("failed to store media: %w", err)
	}
	return MediaInput{ContentType: contentType, File: key}, nil
}

// RoomMedia lists the attachments of a room, oldest first.
func (s *MediaService) RoomMedia(ctx context.Context, roomID string) ([]db.MessageMedia, error) {
	rows, err := s.PG.QueryContext(ctx, `
		SELECT mm.id, mm.message_id, mm.content_type, mm.media_file, mm.media_url, mm.created_on
		FROM message_media mm
		JOIN messages m ON m.id = mm.message_id
		WHERE m.room_id = $1
		ORDER BY mm.created_on, mm.id
	`, roomID)
	if err != nil {
		return nil, fmt.Errorf("failed to list room media: %w", err)
	}
	defer rows.Close()

	media := []db.MessageMedia{}
	for rows.Next() {
		var m db.MessageMedia
		if err := rows.Scan(&m.ID, &m.MessageID, &m.ContentType, &m.MediaFile, &m.MediaURL, &m.CreatedOn); err != nil {
			return nil, fmt.Errorf("failed to scan media: %w", err)
		}
		if m.MediaURL == "" && m.MediaFile != "" {
			m.MediaURL = s.Store.URL(m.MediaFile)
		}
		media = append(media, m)
	}
	return media, rows.Err()
}
