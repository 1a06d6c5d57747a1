// storage abstracts the byte-addressable backend that feeds are persisted to
package storage

import (
	"fmt"
	"path"
)

// File is a random-access, append-capable byte store
type File interface {
	// Write writes data at the given offset, growing the file as needed
	Write(offset int64, data []byte) error
	// Read reads exactly length bytes at the given offset
	Read(offset int64, length int) ([]byte, error)
	Truncate(size int64) error
	Size() (int64, error)
	Close() error
	// Destroy closes the file and removes it from the backend
	Destroy() error
}

// Storage opens Files by name, creating them when they do not exist
type Storage interface {
	Open(name string) (File, error)
}

// ShortRead is returned when fewer bytes than requested exist at an offset
type ShortRead struct {
	Name   string
	Offset int64
	Wanted int
	Got    int
}

func (e ShortRead) Error() string {
	return fmt.Sprintf("Short read of [%s] at [%d]: wanted [%d] bytes, got [%d]", e.Name, e.Offset, e.Wanted, e.Got)
}

type prefixed struct {
	underlying Storage
	prefix     string
}

// Prefixed returns a Storage that opens every name under the given directory prefix
func Prefixed(underlying Storage, prefix string) Storage {
	return &prefixed{underlying: underlying, prefix: prefix}
}

func (p *prefixed) Open(name string) (File, error) {
	return p.underlying.Open(path.Join(p.prefix, name))
}
