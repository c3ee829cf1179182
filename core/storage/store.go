package storage

import (
	"encoding/json"
	"fmt"
	"time"

	"go.etcd.io/bbolt"

	"github.com/adalundhe/liveshare/core/merge"
	"github.com/adalundhe/liveshare/core/session"
)

var (
	bucketSessions    = []byte("sessions")
	bucketResolutions = []byte("resolutions")
)

// Store is the bbolt-backed persistence layer. It mirrors session
// records and appends conflict-resolution history; nothing in the live
// sync path depends on it.
type Store struct {
	db *bbolt.DB
}

// Open opens (or creates) the database at dbPath.
func Open(dbPath string) (*Store, error) {
	db, err := bbolt.Open(dbPath, 0600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	s := &Store{db: db}
	if err := s.initBuckets(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize buckets: %w", err)
	}
	return s, nil
}

// Close closes the database.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) initBuckets() error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{bucketSessions, bucketResolutions} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("failed to create %s bucket: %w", name, err)
			}
		}
		return nil
	})
}

// SaveSession stores or updates a session record.
func (s *Store) SaveSession(rec session.Session) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		data, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("failed to marshal session: %w", err)
		}
		if err := tx.Bucket(bucketSessions).Put([]byte(rec.ID), data); err != nil {
			return fmt.Errorf("failed to save session: %w", err)
		}
		return nil
	})
}

// DeleteSession removes a session record. Deleting a missing record is
// not an error.
func (s *Store) DeleteSession(id string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketSessions).Delete([]byte(id))
	})
}

// ListSessions returns all stored session records.
func (s *Store) ListSessions() ([]session.Session, error) {
	var out []session.Session
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketSessions).ForEach(func(k, v []byte) error {
			var rec session.Session
			if err := json.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("failed to unmarshal session %s: %w", k, err)
			}
			out = append(out, rec)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// AppendResolution stores one conflict-resolution record, keyed by id.
func (s *Store) AppendResolution(rec merge.Record) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		data, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("failed to marshal resolution: %w", err)
		}
		if err := tx.Bucket(bucketResolutions).Put([]byte(rec.ID), data); err != nil {
			return fmt.Errorf("failed to save resolution: %w", err)
		}
		return nil
	})
}

// ListResolutions returns all stored resolution records.
func (s *Store) ListResolutions() ([]merge.Record, error) {
	var out []merge.Record
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketResolutions).ForEach(func(k, v []byte) error {
			var rec merge.Record
			if err := json.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("failed to unmarshal resolution %s: %w", k, err)
			}
			out = append(out, rec)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// PruneResolutions removes resolution records older than maxAge.
func (s *Store) PruneResolutions(maxAge time.Duration) (int, error) {
	cutoff := time.Now().Add(-maxAge)
	pruned := 0

	err := s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketResolutions)
		cursor := bucket.Cursor()
		for k, v := cursor.First(); k != nil; k, v = cursor.Next() {
			var rec merge.Record
			if err := json.Unmarshal(v, &rec); err != nil {
				// Unreadable records are dropped rather than kept forever.
				if err := cursor.Delete(); err != nil {
					return err
				}
				pruned++
				continue
			}
			if rec.Timestamp.Before(cutoff) {
				if err := cursor.Delete(); err != nil {
					return err
				}
				pruned++
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return pruned, nil
}
