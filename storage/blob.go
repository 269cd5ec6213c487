// Package storage keeps file payloads on disk. The broker only ever sees
// the reference returned by Put.
package storage

import (
	"bytes"
	"chat-broker/codec"
	"chat-broker/errors"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
)

const sniffLen = 512

// Blob describes a stored payload.
type Blob struct {
	Ref      string    `cbor:"ref" json:"ref"`
	Name     string    `cbor:"name" json:"name"`
	MimeType string    `cbor:"mime_type" json:"mimeType"`
	Size     int64     `cbor:"size" json:"size"`
	SHA256   string    `cbor:"sha256" json:"sha256"`
	StoredAt time.Time `cbor:"stored_at" json:"storedAt"`
}

type IBlobStore interface {
	Put(name string, r io.Reader) (Blob, error)
	Open(ref string) (Blob, io.ReadCloser, error)
}

type DiskBlobStore struct {
	dir     string
	maxSize int64
	log     *slog.Logger
}

func NewDiskBlobStore(dir string, maxSize int64, log *slog.Logger) (*DiskBlobStore, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("blob directory: %w", err)
	}
	return &DiskBlobStore{dir: dir, maxSize: maxSize, log: log}, nil
}

// Put streams r to disk. Payloads larger than the configured maximum are
// discarded and reported as errors.ErrBlobTooLarge.
func (s *DiskBlobStore) Put(name string, r io.Reader) (Blob, error) {
	sniff := make([]byte, sniffLen)
	n, err := io.ReadFull(r, sniff)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return Blob{}, err
	}
	sniff = sniff[:n]

	ref := uuid.NewString()
	tmp, err := os.CreateTemp(s.dir, ref+"-*.part")
	if err != nil {
		return Blob{}, err
	}
	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
	}()

	hash := sha256.New()
	// One byte over the limit is enough to tell the payload is too large
	body := io.LimitReader(io.MultiReader(bytes.NewReader(sniff), r), s.maxSize+1)
	written, err := io.Copy(io.MultiWriter(tmp, hash), body)
	if err != nil {
		return Blob{}, err
	}
	if written > s.maxSize {
		return Blob{}, fmt.Errorf("%w: more than %d bytes", errors.ErrBlobTooLarge, s.maxSize)
	}
	if err := tmp.Close(); err != nil {
		return Blob{}, err
	}

	blob := Blob{
		Ref:      ref,
		Name:     filepath.Base(name),
		MimeType: mimetype.Detect(sniff).String(),
		Size:     written,
		SHA256:   hex.EncodeToString(hash.Sum(nil)),
		StoredAt: time.Now().UTC(),
	}
	meta, err := codec.Marshal(blob)
	if err != nil {
		return Blob{}, err
	}
	if err := os.WriteFile(s.metaPath(ref), meta, 0o640); err != nil {
		return Blob{}, err
	}
	if err := os.Rename(tmp.Name(), s.dataPath(ref)); err != nil {
		_ = os.Remove(s.metaPath(ref))
		return Blob{}, err
	}
	s.log.Debug("Blob stored", "ref", ref, "mime_type", blob.MimeType, "size", written)
	return blob, nil
}

// Open returns the blob metadata and a reader over its content. The caller
// closes the reader.
func (s *DiskBlobStore) Open(ref string) (Blob, io.ReadCloser, error) {
	if _, err := uuid.Parse(ref); err != nil {
		return Blob{}, nil, fmt.Errorf("%w: %q", errors.ErrBlobNotFound, ref)
	}
	meta, err := os.ReadFile(s.metaPath(ref))
	if os.IsNotExist(err) {
		return Blob{}, nil, fmt.Errorf("%w: %q", errors.ErrBlobNotFound, ref)
	}
	if err != nil {
		return Blob{}, nil, err
	}
	var blob Blob
	if err := codec.Unmarshal(meta, &blob); err != nil {
		return Blob{}, nil, err
	}
	f, err := os.Open(s.dataPath(ref))
	if os.IsNotExist(err) {
		return Blob{}, nil, fmt.Errorf("%w: %q", errors.ErrBlobNotFound, ref)
	}
	if err != nil {
		return Blob{}, nil, err
	}
	return blob, f, nil
}

func (s *DiskBlobStore) dataPath(ref string) string {
	return filepath.Join(s.dir, ref+".bin")
}

func (s *DiskBlobStore) metaPath(ref string) string {
	return filepath.Join(s.dir, ref+".meta")
}
