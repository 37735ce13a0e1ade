package storage

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/TheMichaelB/jobsync/internal/events"
)

// DefaultMaxFileSize bounds a single snapshot file.
const DefaultMaxFileSize = 64 * 1024 * 1024

// LocalStore implements FileStore on a directory.
type LocalStore struct {
	dir         string
	maxFileSize int64
	logger      *events.Logger

	// Serializes writers of the same name so temp files never collide.
	mu sync.Mutex
}

// NewLocalStore creates a store rooted at dir, creating it if needed.
func NewLocalStore(dir string, logger *events.Logger) (*LocalStore, error) {
	absPath, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolve directory: %w", err)
	}

	if err := os.MkdirAll(absPath, 0700); err != nil {
		return nil, fmt.Errorf("create directory: %w", err)
	}

	return &LocalStore{
		dir:         absPath,
		maxFileSize: DefaultMaxFileSize,
		logger:      logger.WithField("component", "file_store"),
	}, nil
}

// Dir returns the root directory.
func (s *LocalStore) Dir() string {
	return s.dir
}

// SetMaxFileSize sets the maximum file size limit.
func (s *LocalStore) SetMaxFileSize(size int64) {
	s.maxFileSize = size
}

// Write saves data to a file atomically: a synced temp file is renamed over the target.
func (s *LocalStore) Write(name string, data []byte) error {
	path, err := s.resolve(name)
	if err != nil {
		return err
	}

	if int64(len(data)) > s.maxFileSize {
		return fmt.Errorf("file too large: %d bytes (max: %d)", len(data), s.maxFileSize)
	}

	s.logger.WithFields(map[string]interface{}{
		"name": name,
		"size": len(data),
	}).Debug("Writing file")

	s.mu.Lock()
	defer s.mu.Unlock()

	tmp, err := os.CreateTemp(s.dir, "."+name+".tmp.*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()

	success := false
	defer func() {
		if !success {
			tmp.Close()
			_ = os.Remove(tmpPath)
		}
	}()

	if err := tmp.Chmod(0600); err != nil {
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("sync file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("rename temp file: %w", err)
	}
	success = true
	return nil
}

// Read retrieves file contents.
func (s *LocalStore) Read(name string) ([]byte, error) {
	path, err := s.resolve(name)
	if err != nil {
		return nil, err
	}

	stat, err := os.Lstat(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", name, err)
	}
	if stat.Mode()&os.ModeSymlink != 0 {
		return nil, fmt.Errorf("symlinks not allowed: %s", name)
	}
	if stat.Size() > s.maxFileSize {
		return nil, fmt.Errorf("file too large: %d bytes (max: %d)", stat.Size(), s.maxFileSize)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", name, err)
	}
	return data, nil
}

// Delete removes a file.
func (s *LocalStore) Delete(name string) error {
	path, err := s.resolve(name)
	if err != nil {
		return err
	}

	s.logger.WithField("name", name).Debug("Deleting file")

	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete %s: %w", name, err)
	}
	return nil
}

// Stat returns file information.
func (s *LocalStore) Stat(name string) (FileInfo, error) {
	path, err := s.resolve(name)
	if err != nil {
		return FileInfo{}, err
	}

	stat, err := os.Lstat(path)
	if err != nil {
		return FileInfo{}, fmt.Errorf("stat %s: %w", name, err)
	}
	if stat.IsDir() {
		return FileInfo{}, fmt.Errorf("stat %s: is a directory: %w", name, fs.ErrNotExist)
	}

	return FileInfo{
		Name:    name,
		Size:    stat.Size(),
		ModTime: stat.ModTime().UTC().Truncate(time.Millisecond),
	}, nil
}

// resolve maps a flat file name into the store directory.
func (s *LocalStore) resolve(name string) (string, error) {
	switch {
	case name == "", name == ".", name == "..":
		return "", fmt.Errorf("invalid file name %q", name)
	case strings.ContainsRune(name, 0):
		return "", fmt.Errorf("file name contains null bytes")
	case strings.ContainsAny(name, `/\`):
		return "", fmt.Errorf("invalid file name %q: contains a path separator", name)
	case strings.HasPrefix(name, "."):
		return "", fmt.Errorf("invalid file name %q: hidden files are reserved", name)
	}
	return filepath.Join(s.dir, name), nil
}
