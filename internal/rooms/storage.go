package rooms

import (
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// BlobStore persists recording objects. It stands in for the hosted
// platform's object storage.
type BlobStore interface {
	// Create opens a writable object at key. Writes stream to durable
	// storage as they arrive; Close makes the object visible.
	Create(key string) (io.WriteCloser, error)
	// URL returns the public address of a stored object.
	URL(key string) string
}

// FileStore is a local directory-backed BlobStore.
type FileStore struct {
	root    string
	baseURL string
}

// NewFileStore constructs a FileStore rooted at dir. Objects are served
// under baseURL (e.g. "/media").
func NewFileStore(dir, baseURL string) (*FileStore, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, fmt.Errorf("rooms: storage directory required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("rooms: create storage directory: %w", err)
	}
	return &FileStore{root: dir, baseURL: strings.TrimRight(baseURL, "/")}, nil
}

// Create implements BlobStore. The object is written to a temporary file and
// renamed into place on Close so a crashed recording never leaves a
// half-visible object.
func (s *FileStore) Create(key string) (io.WriteCloser, error) {
	cleaned, err := s.objectPath(key)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(cleaned), 0o755); err != nil {
		return nil, fmt.Errorf("rooms: create object directory: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(cleaned), ".upload-*")
	if err != nil {
		return nil, fmt.Errorf("rooms: create object: %w", err)
	}
	return &fileObject{file: tmp, final: cleaned}, nil
}

// URL implements BlobStore.
func (s *FileStore) URL(key string) string {
	return s.baseURL + "/" + strings.TrimLeft(path.Clean("/"+key), "/")
}

func (s *FileStore) objectPath(key string) (string, error) {
	cleaned := path.Clean("/" + strings.TrimSpace(key))
	if cleaned == "/" {
		return "", fmt.Errorf("rooms: object key required")
	}
	return filepath.Join(s.root, filepath.FromSlash(strings.TrimPrefix(cleaned, "/"))), nil
}

type fileObject struct {
	file  *os.File
	final string
}

func (o *fileObject) Write(p []byte) (int, error) {
	return o.file.Write(p)
}

func (o *fileObject) Close() error {
	if err := o.file.Close(); err != nil {
		os.Remove(o.file.Name())
		return err
	}
	return os.Rename(o.file.Name(), o.final)
}
