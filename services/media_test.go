package services

import (
	"bytes"
	"context"
	"errors"
	"io"
	"regexp"
	"strings"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/phonginreallife/chats/internal/storage"
)

type fakeTranscoder struct {
	out []byte
	err error
	in  []byte
}

func (f *fakeTranscoder) ToMP3(_ context.Context, in io.Reader) ([]byte, error) {
	f.in, _ = io.ReadAll(in)
	return f.out, f.err
}

var mediaKeyPattern = regexp.MustCompile(`^messagemedia/[0-9a-f-]{36}\.(png|mp3)$`)

func TestMediaUpload_StoresUnderUUIDKey(t *testing.T) {
	store := storage.NewMemoryStore()
	svc := NewMediaService(nil, store, nil, nil)
	ctx := context.Background()

	first, err := svc.Upload(ctx, "Photo.PNG", "image/png", strings.NewReader("a"), 1)
	require.NoError(t, err)
	second, err := svc.Upload(ctx, "Photo.PNG", "image/png", strings.NewReader("b"), 1)
	require.NoError(t, err)

	assert.Regexp(t, mediaKeyPattern, first.File)
	assert.NotEqual(t, first.File, second.File)
	assert.Equal(t, "image/png", store.ContentType(first.File))

	rc, err := store.Get(ctx, first.File)
	require.NoError(t, err)
	body, _ := io.ReadAll(rc)
	assert.Equal(t, "a", string(body))
}

func TestMediaUpload_TranscodesUnpermittedAudio(t *testing.T) {
	store := storage.NewMemoryStore()
	tc := &fakeTranscoder{out: []byte("mp3-bytes")}
	svc := NewMediaService(nil, store, tc, []string{"audio/ogg", " audio/x-m4a "})

	media, err := svc.Upload(context.Background(), "voice.ogg", "audio/ogg; codecs=opus", bytes.NewReader([]byte("ogg-bytes")), 9)
	require.NoError(t, err)

	assert.Equal(t, "ogg-bytes", string(tc.in))
	assert.Equal(t, canonicalAudioType, media.ContentType)
	assert.Regexp(t, mediaKeyPattern, media.File)
	assert.Equal(t, canonicalAudioType, store.ContentType(media.File))
}

func TestMediaUpload_TranscodeFailure(t *testing.T) {
	svc := NewMediaService(nil, storage.NewMemoryStore(), &fakeTranscoder{err: errors.New("bad input")}, []string{"audio/ogg"})
	_, err := svc.Upload(context.Background(), "voice.ogg", "audio/ogg", strings.NewReader("x"), 1)
	assert.Error(t, err)
}

func TestNeedsTranscode(t *testing.T) {
	svc := NewMediaService(nil, nil, nil, []string{"audio/ogg"})
	assert.True(t, svc.NeedsTranscode("audio/ogg"))
	assert.True(t, svc.NeedsTranscode("AUDIO/OGG; codecs=opus"))
	assert.False(t, svc.NeedsTranscode("audio/mpeg"))
	assert.False(t, svc.NeedsTranscode("video/ogg"))
}

func TestRoomMedia_ResolvesStoredFiles(t *testing.T) {
	pg, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer pg.Close()

	svc := NewMediaService(pg, storage.NewMemoryStore(), nil, nil)
	mock.ExpectQuery("FROM message_media mm").WithArgs("r1").WillReturnRows(
		sqlmock.NewRows([]string{"id", "message_id", "content_type", "media_file", "media_url", "created_on"}).
			AddRow("md1", "m1", "image/png", "messagemedia/md1.png", "", testNow).
			AddRow("md2", "m2", "video/mp4", "", "https://cdn.example.com/v.mp4", testNow))

	media, err := svc.RoomMedia(context.Background(), "r1")
	require.NoError(t, err)
	require.Len(t, media, 2)
	assert.Equal(t, "memory://messagemedia/md1.png", media[0].MediaURL)
	assert.Equal(t, "https://cdn.example.com/v.mp4", media[1].MediaURL)
	assert.NoError(t, mock.ExpectationsWereMet())
}
