package relaydb

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	sessionsBucket = []byte("sessions")
	actionsBucket  = []byte("actions")
)

// BoltStore implements Store on a single bbolt file.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens (creating if needed) the metadata database at path.
func NewBoltStore(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(sessionsBucket); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(actionsBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create buckets: %w", err)
	}
	return &BoltStore{db: db}, nil
}

func (s *BoltStore) RegisterSession(_ context.Context, rec *SessionRecord) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(sessionsBucket)
		if b == nil {
			return ErrSessionBucketMissing
		}
		key := []byte(rec.SessionID)
		if b.Get(key) != nil {
			return ErrDuplicateSession
		}
		raw, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		return b.Put(key, raw)
	})
}

func (s *BoltStore) FetchSession(_ context.Context, sessionID string) (*SessionRecord, error) {
	var rec SessionRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(sessionsBucket)
		if b == nil {
			return ErrSessionBucketMissing
		}
		raw := b.Get([]byte(sessionID))
		if raw == nil {
			return ErrSessionNotFound
		}
		return json.Unmarshal(raw, &rec)
	})
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *BoltStore) AppendAction(_ context.Context, sessionID string, rec *ActionRecord) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		sb := tx.Bucket(sessionsBucket)
		if sb == nil {
			return ErrSessionBucketMissing
		}
		if sb.Get([]byte(sessionID)) == nil {
			return ErrSessionNotFound
		}
		ab := tx.Bucket(actionsBucket)
		if ab == nil {
			return ErrActionBucketMissing
		}
		per, err := ab.CreateBucketIfNotExists([]byte(sessionID))
		if err != nil {
			return err
		}
		var key [8]byte
		binary.BigEndian.PutUint64(key[:], rec.ActionSeq)
		if per.Get(key[:]) != nil {
			return ErrDuplicateAction
		}
		raw, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		return per.Put(key[:], raw)
	})
}

func (s *BoltStore) FetchActions(_ context.Context, sessionID string) ([]ActionRecord, error) {
	var out []ActionRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		sb := tx.Bucket(sessionsBucket)
		if sb == nil {
			return ErrSessionBucketMissing
		}
		if sb.Get([]byte(sessionID)) == nil {
			return ErrSessionNotFound
		}
		ab := tx.Bucket(actionsBucket)
		if ab == nil {
			return ErrActionBucketMissing
		}
		per := ab.Bucket([]byte(sessionID))
		if per == nil {
			return nil // registered but no actions yet
		}
		// Keys are big-endian sequence numbers, so the cursor walks in
		// action order.
		return per.ForEach(func(_, v []byte) error {
			var rec ActionRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
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

func (s *BoltStore) Close() error {
	return s.db.Close()
}
