// Package blob stores downloaded attachment bytes on the local filesystem or
// in S3-compatible object storage.
package blob

import (
	"context"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/rotisserie/eris"
)

// ErrNotFound is returned when an object does not exist.
var ErrNotFound = eris.New("object not found")

// Store reads and writes blobs by key. Keys use forward slashes.
type Store interface {
	Write(ctx context.Context, key string, data []byte) error
	Read(ctx context.Context, key string) ([]byte, error)
}

// AttachmentKey is the storage key for an attachment part of a message.
func AttachmentKey(accountID, messageID, partID, filename string) string {
	name := sanitize(filename)
	if name == "" {
		name = "attachment"
	}
	return path.Join("accounts", sanitize(accountID), "messages", sanitize(messageID), sanitize(partID), name)
}

func sanitize(s string) string {
	s = strings.TrimSpace(s)
	s = strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', 0:
			return '_'
		}
		return r
	}, s)
	if s == "." || s == ".." {
		return "_"
	}
	return s
}

// FSStore stores blobs on the local filesystem.
type FSStore struct {
	root string
}

func NewFSStore(root string) *FSStore {
	return &FSStore{root: filepath.Clean(root)}
}

func (f *FSStore) Write(ctx context.Context, key string, data []byte) error {
	p := filepath.Join(f.root, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return eris.Wrapf(err, "mkdir for %s", key)
	}
	// write then rename so readers never see a partial file
	tmp := p + ".part"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return eris.Wrapf(err, "write %s", key)
	}
	if err := os.Rename(tmp, p); err != nil {
		return eris.Wrapf(err, "rename %s", key)
	}
	return nil
}

func (f *FSStore) Read(ctx context.Context, key string) ([]byte, error) {
	data, err := os.ReadFile(filepath.Join(f.root, filepath.FromSlash(key)))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, eris.Wrapf(err, "read %s", key)
	}
	return data, nil
}
