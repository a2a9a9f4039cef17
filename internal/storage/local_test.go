package storage_test

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ramiqadoumi/go-media-flow/internal/storage"
)

func upload(name, body string) storage.Upload {
	return storage.Upload{
		Filename: name,
		Size:     int64(len(body)),
		Open: func() (io.ReadCloser, error) {
			return io.NopCloser(strings.NewReader(body)), nil
		},
	}
}

func TestLocalStore_SaveLayout(t *testing.T) {
	store, err := storage.NewLocalStore(t.TempDir())
	require.NoError(t, err)

	got, err := store.Save(context.Background(), "3_20260101_0001", 0, upload("talk.txt", "hello world"))
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(store.Root(), "3_20260101_0001", "0_talk.txt"), got.Path)
	assert.Equal(t, int64(11), got.Size)
	assert.True(t, strings.HasPrefix(got.MimeType, "text/plain"), got.MimeType)

	data, err := os.ReadFile(got.Path)
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(data))
}

func TestLocalStore_SaveLargerThanSniffWindow(t *testing.T) {
	store, err := storage.NewLocalStore(t.TempDir())
	require.NoError(t, err)

	body := strings.Repeat("a", 10000)
	got, err := store.Save(context.Background(), "n", 1, upload("big.bin", body))
	require.NoError(t, err)
	assert.Equal(t, int64(10000), got.Size)
}

func TestLocalStore_SanitisesNames(t *testing.T) {
	store, err := storage.NewLocalStore(t.TempDir())
	require.NoError(t, err)

	got, err := store.Save(context.Background(), "n", 2, upload("../../etc/passwd", "x"))
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(store.Root(), "n", "2_passwd"), got.Path)
}

func TestLocalStore_RemoveFiles(t *testing.T) {
	store, err := storage.NewLocalStore(t.TempDir())
	require.NoError(t, err)

	got, err := store.Save(context.Background(), "gone", 0, upload("a.mp3", "x"))
	require.NoError(t, err)
	require.NoError(t, store.RemoveFiles("gone", []string{got.Path}))

	_, err = os.Stat(store.TaskDir("gone"))
	assert.True(t, os.IsNotExist(err))
}

func TestLocalStore_RemoveFiles_KeepsOtherFiles(t *testing.T) {
	store, err := storage.NewLocalStore(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	mine, err := store.Save(ctx, "shared", 1, upload("a.mp3", "x"))
	require.NoError(t, err)
	theirs, err := store.Save(ctx, "shared", 2, upload("b.mp3", "y"))
	require.NoError(t, err)

	require.NoError(t, store.RemoveFiles("shared", []string{mine.Path, mine.Path}))

	_, err = os.Stat(mine.Path)
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(theirs.Path)
	assert.NoError(t, err)
}

func TestLocalStore_CancelledContext(t *testing.T) {
	store, err := storage.NewLocalStore(t.TempDir())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = store.Save(ctx, "n", 0, upload("big.bin", strings.Repeat("b", 5000)))
	assert.ErrorIs(t, err, context.Canceled)
}
