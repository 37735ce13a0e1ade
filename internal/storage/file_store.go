// Package storage keeps small files, such as recovery snapshots, in a single
// directory with atomic replacement.
package storage

import (
	"time"
)

// FileStore manages named files in a flat namespace.
type FileStore interface {
	// Write replaces a file atomically.
	Write(name string, data []byte) error

	// Read returns file contents. Missing files wrap fs.ErrNotExist.
	Read(name string) ([]byte, error)

	// Delete removes a file. Missing files are not an error.
	Delete(name string) error

	// Stat returns file metadata. Missing files wrap fs.ErrNotExist.
	Stat(name string) (FileInfo, error)
}

// FileInfo contains file metadata.
type FileInfo struct {
	Name    string
	Size    int64
	ModTime time.Time
}
