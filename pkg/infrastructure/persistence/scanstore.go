// Package persistence stores finished scan results in a local bbolt file.
// Writes are INSERT-if-absent keyed by scan id, so re-running cleanup never
// rewrites history.
package persistence

import (
	"encoding/json"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/deplai/scan-engine/pkg/domain/errors"
)

var scanBucket = []byte("scan_results")

// Row is the persisted record for one scan.
type Row struct {
	ScanID         string `json:"scan_id"`
	ProjectID      string `json:"project_id"`
	Status         string `json:"status"`
	Phase          string `json:"phase"`
	PersistedCount int    `json:"persisted_count"`
	FindingsJSON   string `json:"findings_json"`
	CreatedAt      string `json:"created_at"`
	UpdatedAt      string `json:"updated_at"`
}

// ScanStore wraps the bbolt database holding scan rows.
type ScanStore struct {
	db *bolt.DB
}

// Open opens (creating if needed) the store at path.
func Open(path string) (*ScanStore, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, errors.New(errors.CodePersistenceFailed, "persistence", "failed to open scan database", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(scanBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, errors.New(errors.CodePersistenceFailed, "persistence", "failed to create scan bucket", err)
	}
	return &ScanStore{db: db}, nil
}

// Close closes the underlying database.
func (s *ScanStore) Close() error {
	return s.db.Close()
}

// InsertIfAbsent writes the row unless one already exists for its scan id.
// It returns the persisted count on record (the existing row's count when
// the insert is skipped) and whether an insert happened.
func (s *ScanStore) InsertIfAbsent(row Row) (int, bool, error) {
	var count int
	var inserted bool
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(scanBucket)
		if existing := b.Get([]byte(row.ScanID)); existing != nil {
			var prev Row
			if err := json.Unmarshal(existing, &prev); err != nil {
				return errors.New(errors.CodePersistenceFailed, "persistence", "existing row malformed", err)
			}
			count = prev.PersistedCount
			return nil
		}
		data, err := json.Marshal(row)
		if err != nil {
			return errors.New(errors.CodePersistenceFailed, "persistence", "row marshal failed", err)
		}
		if err := b.Put([]byte(row.ScanID), data); err != nil {
			return errors.New(errors.CodePersistenceFailed, "persistence", "row write failed", err)
		}
		count = row.PersistedCount
		inserted = true
		return nil
	})
	if err != nil {
		return 0, false, err
	}
	return count, inserted, nil
}

// Get fetches the row for a scan id.
func (s *ScanStore) Get(scanID string) (Row, bool, error) {
	var row Row
	var found bool
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(scanBucket).Get([]byte(scanID))
		if data == nil {
			return nil
		}
		if err := json.Unmarshal(data, &row); err != nil {
			return errors.New(errors.CodePersistenceFailed, "persistence", "row unmarshal failed", err)
		}
		found = true
		return nil
	})
	return row, found, err
}
