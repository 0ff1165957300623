package credentials

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.etcd.io/bbolt"
)

const boltBucketCredentials = "credentials" // key: chat user id -> Record JSON

// BoltStore keeps records in a single-file bbolt database.
type BoltStore struct {
	db *bbolt.DB
}

func NewBoltStore(path string) (*BoltStore, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt database %s: %w", path, err)
	}

	if err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(boltBucketCredentials))
		return err
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create credentials bucket: %w", err)
	}

	return &BoltStore{db: db}, nil
}

func (s *BoltStore) Get(_ context.Context, chatUserID string) (*Record, error) {
	var rec *Record
	err := s.db.View(func(tx *bbolt.Tx) error {
		raw := tx.Bucket([]byte(boltBucketCredentials)).Get([]byte(chatUserID))
		if raw == nil {
			return nil
		}
		rec = &Record{}
		return json.Unmarshal(raw, rec)
	})
	if err != nil {
		return nil, fmt.Errorf("read credential for %s: %w", chatUserID, err)
	}
	return rec, nil
}

func (s *BoltStore) Save(_ context.Context, rec Record) error {
	if rec.ChatUserID == "" {
		return fmt.Errorf("credential record has no chat user id")
	}
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = time.Now().UTC()
	}
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode credential: %w", err)
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(boltBucketCredentials)).Put([]byte(rec.ChatUserID), raw)
	})
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}
