// storage.go - Abstract byte storage under the reader, pre-renderer and
// playback engine. Local files and removable media resolve to the same
// interface; tests use the in-memory implementation.

package main

import (
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/ossrs/go-oryx-lib/errors"
)

// Storage is the narrow open/read/seek/write surface the core consumes.
// Which medium backs it (card, removable drive, serial transfer) is a
// collaborator decision, not this package's.
type Storage interface {
	io.Reader
	io.Writer
	io.Seeker
	io.Closer
	Size() (int64, error)
}

type fileStorage struct {
	f *os.File
}

func OpenFileStorage(path string) (Storage, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, storageError("open", err)
	}
	return &fileStorage{f: f}, nil
}

func CreateFileStorage(path string) (Storage, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, storageError("create", err)
	}
	return &fileStorage{f: f}, nil
}

func (s *fileStorage) Read(p []byte) (int, error)  { return s.f.Read(p) }
func (s *fileStorage) Write(p []byte) (int, error) { return s.f.Write(p) }
func (s *fileStorage) Close() error                { return s.f.Close() }

func (s *fileStorage) Seek(offset int64, whence int) (int64, error) {
	return s.f.Seek(offset, whence)
}

func (s *fileStorage) Size() (int64, error) {
	info, err := s.f.Stat()
	if err != nil {
		return 0, storageError("stat", err)
	}
	return info.Size(), nil
}

// MemStorage is a seekable in-memory Storage. Writes grow the buffer.
type MemStorage struct {
	data []byte
	pos  int64
}

func NewMemStorage(data []byte) *MemStorage {
	return &MemStorage{data: data}
}

func (s *MemStorage) Bytes() []byte { return s.data }

func (s *MemStorage) Read(p []byte) (int, error) {
	if s.pos >= int64(len(s.data)) {
		return 0, io.EOF
	}
	n := copy(p, s.data[s.pos:])
	s.pos += int64(n)
	return n, nil
}

func (s *MemStorage) Write(p []byte) (int, error) {
	end := s.pos + int64(len(p))
	if end > int64(len(s.data)) {
		grown := make([]byte, end)
		copy(grown, s.data)
		s.data = grown
	}
	copy(s.data[s.pos:end], p)
	s.pos = end
	return len(p), nil
}

func (s *MemStorage) Seek(offset int64, whence int) (int64, error) {
	var next int64
	switch whence {
	case io.SeekStart:
		next = offset
	case io.SeekCurrent:
		next = s.pos + offset
	case io.SeekEnd:
		next = int64(len(s.data)) + offset
	default:
		return 0, errors.Errorf("bad whence %v", whence)
	}
	if next < 0 {
		return 0, errors.Errorf("seek before start: %v", next)
	}
	s.pos = next
	return next, nil
}

func (s *MemStorage) Close() error { return nil }

func (s *MemStorage) Size() (int64, error) { return int64(len(s.data)), nil }

// StorageDir roots all opens inside a base directory and rejects traversal,
// so the player can expose "play this name" without exposing the host.
type StorageDir struct {
	baseDir string
}

func NewStorageDir(baseDir string) *StorageDir {
	abs, err := filepath.Abs(baseDir)
	if err != nil {
		abs = baseDir
	}
	return &StorageDir{baseDir: abs}
}

func (d *StorageDir) sanitize(name string) (string, bool) {
	if filepath.IsAbs(name) || strings.Contains(name, "..") {
		return "", false
	}
	full := filepath.Join(d.baseDir, name)
	rel, err := filepath.Rel(d.baseDir, full)
	if err != nil || strings.HasPrefix(rel, "..") {
		return "", false
	}
	return full, true
}

func (d *StorageDir) Open(name string) (Storage, error) {
	full, ok := d.sanitize(name)
	if !ok {
		return nil, storageError("open", errors.Errorf("path %v escapes base dir", name))
	}
	return OpenFileStorage(full)
}

func (d *StorageDir) Create(name string) (Storage, error) {
	full, ok := d.sanitize(name)
	if !ok {
		return nil, storageError("create", errors.Errorf("path %v escapes base dir", name))
	}
	return CreateFileStorage(full)
}

func (d *StorageDir) Remove(name string) error {
	full, ok := d.sanitize(name)
	if !ok {
		return storageError("remove", errors.Errorf("path %v escapes base dir", name))
	}
	return os.Remove(full)
}
