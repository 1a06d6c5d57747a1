package storage

import (
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/spf13/afero"

	"github.com/lloydmeta/echo/internal/domain/storage"
)

// NewStorage returns a storage.Storage that keeps files under root in the given afero.Fs.
//
// Use afero.NewMemMapFs() for an in-memory backend and afero.NewOsFs() for disk.
func NewStorage(fs afero.Fs, root string) storage.Storage {
	return &aferoStorage{fs: fs, root: root}
}

// NewMemStorage is shorthand for an in-memory backend
func NewMemStorage() storage.Storage {
	return NewStorage(afero.NewMemMapFs(), "/")
}

type aferoStorage struct {
	fs   afero.Fs
	root string
}

func (s *aferoStorage) Open(name string) (storage.File, error) {
	fullPath := filepath.Join(s.root, filepath.FromSlash(name))
	if err := s.fs.MkdirAll(filepath.Dir(fullPath), 0755); err != nil {
		return nil, err
	}
	f, err := s.fs.OpenFile(fullPath, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, err
	}
	return &aferoFile{fs: s.fs, path: fullPath, name: name, f: f}, nil
}

type aferoFile struct {
	fs   afero.Fs
	path string
	name string

	mu     sync.Mutex
	f      afero.File
	closed bool
}

var errClosed = errors.New("file already closed")

func (a *aferoFile) Write(offset int64, data []byte) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return errClosed
	}
	_, err := a.f.WriteAt(data, offset)
	return err
}

func (a *aferoFile) Read(offset int64, length int) ([]byte, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil, errClosed
	}
	buf := make([]byte, length)
	n, err := a.f.ReadAt(buf, offset)
	if n < length {
		if err == nil || err == io.EOF {
			return nil, storage.ShortRead{Name: a.name, Offset: offset, Wanted: length, Got: n}
		}
		return nil, err
	}
	return buf, nil
}

func (a *aferoFile) Truncate(size int64) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return errClosed
	}
	return a.f.Truncate(size)
}

func (a *aferoFile) Size() (int64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return 0, errClosed
	}
	info, err := a.f.Stat()
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

func (a *aferoFile) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil
	}
	a.closed = true
	if err := a.f.Sync(); err != nil {
		_ = a.f.Close()
		return err
	}
	return a.f.Close()
}

func (a *aferoFile) Destroy() error {
	if err := a.Close(); err != nil {
		return err
	}
	if err := a.fs.Remove(a.path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
