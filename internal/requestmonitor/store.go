package requestmonitor

import (
	"encoding/json"
	"time"

	"github.com/alecthomas/errors"
	"go.etcd.io/bbolt"
)

var requestsBucketName = []byte("requests")

// store is the durable, single-file key-value RequestRecord store backing
// <state_dir>/hsrequests.db. bbolt gives every Put an atomic, fsync-ordered
// commit for free, which is what §3/§4.3(6) require ("writes are flushed on
// every state transition so a crash resumes in the most recent consistent
// state") without hand-rolling write-tmp-then-rename.
type store struct {
	db *bbolt.DB
}

// openStore opens (creating if absent) the bbolt database at path.
func openStore(path string) (*store, error) {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, errors.Errorf("failed to open bbolt database: %w", err)
	}
	if err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(requestsBucketName)
		return errors.WithStack(err)
	}); err != nil {
		return nil, errors.Join(errors.Errorf("failed to create requests bucket: %w", err), db.Close())
	}
	return &store{db: db}, nil
}

// put persists rec, replacing any prior record with the same RequestID.
func (s *store) put(rec *Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return errors.Errorf("failed to marshal request record: %w", err)
	}
	return errors.WithStack(s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(requestsBucketName)
		return errors.WithStack(bucket.Put([]byte(rec.RequestID), data))
	}))
}

// delete removes a RequestRecord once it reaches terminal state and its
// completion side-effects have finished, or once it expires.
func (s *store) delete(requestID string) error {
	return errors.WithStack(s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(requestsBucketName)
		return errors.WithStack(bucket.Delete([]byte(requestID)))
	}))
}

// loadAll reads every surviving RequestRecord, used at startup to resume
// from the last durable state after a crash.
func (s *store) loadAll() (map[string]*Record, error) {
	out := make(map[string]*Record)
	err := s.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(requestsBucketName)
		return bucket.ForEach(func(k, v []byte) error {
			var rec Record
			if err := json.Unmarshal(v, &rec); err != nil {
				return errors.Errorf("failed to unmarshal request record %s: %w", k, err)
			}
			out[string(k)] = &rec
			return nil
		})
	})
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return out, nil
}

func (s *store) close() error {
	return errors.WithStack(s.db.Close())
}
