package storage

import (
	"fmt"
	"io/fs"
	"sync"
	"time"
)

// MemoryStore is an in-memory FileStore for tests.
type MemoryStore struct {
	mu       sync.RWMutex
	files    map[string]memFile
	now      func() time.Time
	writeErr error
}

type memFile struct {
	data    []byte
	modTime time.Time
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		files: make(map[string]memFile),
		now:   time.Now,
	}
}

// SetClock sets the source of modification times.
func (m *MemoryStore) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

// FailWrites makes every Write return err until cleared with nil.
func (m *MemoryStore) FailWrites(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.writeErr = err
}

// Write saves data to a file.
func (m *MemoryStore) Write(name string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.writeErr != nil {
		return m.writeErr
	}
	buf := make([]byte, len(data))
	copy(buf, data)
	m.files[name] = memFile{data: buf, modTime: m.now().UTC()}
	return nil
}

// Read retrieves file contents.
func (m *MemoryStore) Read(name string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	f, ok := m.files[name]
	if !ok {
		return nil, fmt.Errorf("read %s: %w", name, fs.ErrNotExist)
	}
	buf := make([]byte, len(f.data))
	copy(buf, f.data)
	return buf, nil
}

// Delete removes a file.
func (m *MemoryStore) Delete(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.files, name)
	return nil
}

// Stat returns file information.
func (m *MemoryStore) Stat(name string) (FileInfo, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	f, ok := m.files[name]
	if !ok {
		return FileInfo{}, fmt.Errorf("stat %s: %w", name, fs.ErrNotExist)
	}
	return FileInfo{Name: name, Size: int64(len(f.data)), ModTime: f.modTime}, nil
}

// Exists reports whether a file is present.
func (m *MemoryStore) Exists(name string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.files[name]
	return ok
}
