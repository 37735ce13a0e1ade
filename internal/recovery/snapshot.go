package recovery

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"time"

	"golang.org/x/crypto/blake2b"

	"github.com/TheMichaelB/jobsync/internal/models"
	"github.com/TheMichaelB/jobsync/internal/storage"
)

// Well-known primary snapshot files.
const (
	SnapshotFile     = "applications_backup.json"
	SnapshotMetaFile = "applications_backup_meta.json"
)

// snapshotMeta is the metadata written next to the primary snapshot.
type snapshotMeta struct {
	Timestamp string `json:"timestamp"`
	Count     int    `json:"count,omitempty"`
	Checksum  string `json:"checksum,omitempty"`
}

// Checksum returns the hex BLAKE2b-256 digest of data.
func Checksum(data []byte) string {
	sum := blake2b.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// primarySnapshot is what was found in the snapshot files.
type primarySnapshot struct {
	records      []models.Record
	lastModified time.Time
}

// readPrimary loads the primary snapshot. ok is false when no snapshot exists.
// A snapshot whose checksum does not match its metadata is an error.
func readPrimary(files storage.FileStore) (primarySnapshot, bool, error) {
	data, err := files.Read(SnapshotFile)
	if errors.Is(err, fs.ErrNotExist) {
		return primarySnapshot{}, false, nil
	}
	if err != nil {
		return primarySnapshot{}, false, fmt.Errorf("read snapshot: %w", err)
	}

	var snap primarySnapshot
	if raw, err := files.Read(SnapshotMetaFile); err == nil {
		var meta snapshotMeta
		if err := json.Unmarshal(raw, &meta); err == nil {
			if meta.Checksum != "" && meta.Checksum != Checksum(data) {
				return primarySnapshot{}, false, fmt.Errorf("snapshot checksum mismatch")
			}
			if ts, ok := models.ParseTime(meta.Timestamp); ok {
				snap.lastModified = ts
			}
		}
	}

	records, err := ParseRecords(data)
	if err != nil {
		return primarySnapshot{}, false, fmt.Errorf("parse snapshot: %w", err)
	}
	snap.records = records
	return snap, true, nil
}

// writePrimary replaces the primary snapshot. The data file is written before
// its metadata so a crash in between leaves a snapshot with no checksum rather
// than a checksum for the wrong data.
func writePrimary(files storage.FileStore, data []byte, count int, now time.Time) error {
	meta, err := json.Marshal(snapshotMeta{
		Timestamp: now.UTC().Format(time.RFC3339Nano),
		Count:     count,
		Checksum:  Checksum(data),
	})
	if err != nil {
		return fmt.Errorf("encode snapshot metadata: %w", err)
	}

	if err := files.Delete(SnapshotMetaFile); err != nil {
		return fmt.Errorf("remove stale snapshot metadata: %w", err)
	}
	if err := files.Write(SnapshotFile, data); err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}
	if err := files.Write(SnapshotMetaFile, meta); err != nil {
		return fmt.Errorf("write snapshot metadata: %w", err)
	}
	return nil
}

// ParseRecords decodes application records from either a bare JSON array or a
// bundle object of the form {"applications": [...], "goals": [...]}.
func ParseRecords(data []byte) ([]models.Record, error) {
	var records []models.Record
	if err := json.Unmarshal(data, &records); err == nil {
		return records, nil
	}

	var bundle map[string]json.RawMessage
	if err := json.Unmarshal(data, &bundle); err != nil {
		return nil, fmt.Errorf("expected a record array or a bundle object: %w", err)
	}
	raw, ok := bundle["applications"]
	if !ok {
		return nil, fmt.Errorf("bundle has no applications")
	}
	if err := json.Unmarshal(raw, &records); err != nil {
		return nil, fmt.Errorf("decode bundle applications: %w", err)
	}
	return records, nil
}
