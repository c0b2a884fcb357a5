// Package storage holds media and archived conversations in an object store.
package storage

import (
	"context"
	"errors"
	"io"
	"mime"
	"path"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
)

var ErrObjectNotFound = errors.New("object not found")

// ObjectStore is the subset of S3 semantics the chat core needs.
type ObjectStore interface {
	Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) error
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	Delete(ctx context.Context, key string) error
	// URL is the stable public location of key.
	URL(key string) string
	PresignedURL(ctx context.Context, key string, ttl time.Duration) (string, error)
}

const (
	mediaPrefix   = "messagemedia"
	archivePrefix = "archived_conversations"
)

var archivedMediaKey = regexp.MustCompile(
	`^archived_conversations/[0-9a-fA-F-]{36}/[0-9a-fA-F-]{36}/media/[^/]+$`)

// MediaKey derives messagemedia/{id}.{ext} from the media's own id, so two
// uploads named "photo.jpg" never collide. The extension comes from the
// original filename, or from contentType when the filename has none.
func MediaKey(id uuid.UUID, filename, contentType string) string {
	ext := strings.ToLower(strings.TrimPrefix(path.Ext(filename), "."))
	if ext == "" && contentType != "" {
		if exts, _ := mime.ExtensionsByType(contentType); len(exts) > 0 {
			ext = strings.TrimPrefix(exts[0], ".")
		}
	}
	if ext == "" {
		return mediaPrefix + "/" + id.String()
	}
	return mediaPrefix + "/" + id.String() + "." + ext
}

func ArchiveMessagesKey(projectID, roomID string) string {
	return path.Join(archivePrefix, projectID, roomID, "messages.jsonl")
}

func ArchiveMediaKey(projectID, roomID, name string) string {
	return path.Join(archivePrefix, projectID, roomID, "media", path.Base(name))
}

// IsArchivedMediaKey reports whether key points into a room's archived media folder.
func IsArchivedMediaKey(key string) bool {
	return archivedMediaKey.MatchString(key) && !strings.Contains(key, "..")
}
