package storage

import (
	"bytes"
	"chat-broker/errors"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/mama165/sdk-go/logs"
	"github.com/stretchr/testify/require"
)

var pngHeader = []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n', 0, 0, 0, 0x0d, 'I', 'H', 'D', 'R'}

func newStore(t *testing.T, maxSize int64) (*DiskBlobStore, string) {
	t.Helper()
	dir := t.TempDir()
	store, err := NewDiskBlobStore(dir, maxSize, logs.GetLoggerFromLevel(slog.LevelDebug))
	require.NoError(t, err)
	return store, dir
}

func TestDiskBlobStore_Put_Then_Open(t *testing.T) {
	tests := []struct {
		name     string
		payload  []byte
		mimeType string
	}{
		{name: "Plain text", payload: []byte("hello world\n"), mimeType: "text/plain"},
		{name: "PNG image", payload: append(append([]byte{}, pngHeader...), bytes.Repeat([]byte{1}, 2048)...), mimeType: "image/png"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := require.New(t)
			store, _ := newStore(t, 1<<20)

			blob, err := store.Put("../../etc/"+tt.name, bytes.NewReader(tt.payload))
			req.NoError(err)
			req.True(strings.HasPrefix(blob.MimeType, tt.mimeType), blob.MimeType)
			req.Equal(int64(len(tt.payload)), blob.Size)
			req.Equal(tt.name, blob.Name)
			sum := sha256.Sum256(tt.payload)
			req.Equal(hex.EncodeToString(sum[:]), blob.SHA256)

			stored, content, err := store.Open(blob.Ref)
			req.NoError(err)
			defer content.Close()
			req.Equal(blob.Ref, stored.Ref)
			req.Equal(blob.MimeType, stored.MimeType)
			data, err := io.ReadAll(content)
			req.NoError(err)
			req.Equal(tt.payload, data)
		})
	}
}

func TestDiskBlobStore_Rejects_Oversized_Payload(t *testing.T) {
	req := require.New(t)
	store, dir := newStore(t, 10)

	_, err := store.Put("big.txt", strings.NewReader(strings.Repeat("x", 11)))
	req.ErrorIs(err, errors.ErrBlobTooLarge)

	entries, err := os.ReadDir(dir)
	req.NoError(err)
	req.Empty(entries, "nothing is left behind")

	blob, err := store.Put("fits.txt", strings.NewReader(strings.Repeat("x", 10)))
	req.NoError(err)
	req.Equal(int64(10), blob.Size)
}

func TestDiskBlobStore_Open_Unknown(t *testing.T) {
	store, dir := newStore(t, 10)
	missing := uuid.NewString()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "orphan.meta"), []byte("junk"), 0o640))

	for _, ref := range []string{missing, "../orphan", ""} {
		t.Run(ref, func(t *testing.T) {
			_, _, err := store.Open(ref)
			require.ErrorIs(t, err, errors.ErrBlobNotFound)
		})
	}
}
