// Copyright 2024-2026 Aiku AI

package credstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

var bucketCredentials = []byte("credentials")

// ErrClosed is returned by operations on a closed BoltStore.
var ErrClosed = errors.New("credential store is closed")

// BoltStore is a Store backed by a single bbolt file. Every write runs in its
// own transaction, which bbolt fsyncs on commit.
type BoltStore struct {
	db *bolt.DB
}

var _ Store = (*BoltStore)(nil)

// OpenBolt opens (or creates) the credential database at path.
func OpenBolt(path string) (*BoltStore, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("failed to create credential directory: %w", err)
		}
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open credential database: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketCredentials)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create credential bucket: %w", err)
	}
	return &BoltStore{db: db}, nil
}

func (s *BoltStore) Load(ctx context.Context, phone string) (*Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var rec *Record
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketCredentials)
		existing, err := decodeRecord(b.Get([]byte(phone)))
		if err != nil {
			return err
		}
		if existing != nil {
			rec = existing
			return nil
		}
		rec = &Record{Phone: phone, UpdatedAt: time.Now()}
		return putRecord(b, rec)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load credentials for %s: %w", phone, err)
	}
	return rec, nil
}

func (s *BoltStore) Get(ctx context.Context, phone string) (*Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var rec *Record
	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		rec, err = decodeRecord(tx.Bucket(bucketCredentials).Get([]byte(phone)))
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read credentials for %s: %w", phone, err)
	}
	if rec == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, phone)
	}
	return rec, nil
}

func (s *BoltStore) Update(ctx context.Context, phone string, blob []byte) (*Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var rec *Record
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketCredentials)
		existing, err := decodeRecord(b.Get([]byte(phone)))
		if err != nil {
			return err
		}
		if existing == nil {
			existing = &Record{Phone: phone}
		}
		existing.Blob = append([]byte(nil), blob...)
		existing.Counter++
		existing.UpdatedAt = time.Now()
		rec = existing
		return putRecord(b, rec)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to update credentials for %s: %w", phone, err)
	}
	return rec, nil
}

func (s *BoltStore) Delete(ctx context.Context, phone string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketCredentials).Delete([]byte(phone))
	})
	if err != nil {
		return fmt.Errorf("failed to delete credentials for %s: %w", phone, err)
	}
	return nil
}

func (s *BoltStore) List(ctx context.Context) ([]*Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var records []*Record
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketCredentials).ForEach(func(_, v []byte) error {
			rec, err := decodeRecord(v)
			if err != nil {
				return err
			}
			records = append(records, rec)
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list credentials: %w", err)
	}
	return records, nil
}

func (s *BoltStore) Close() error {
	if s.db == nil {
		return ErrClosed
	}
	err := s.db.Close()
	s.db = nil
	return err
}

func decodeRecord(data []byte) (*Record, error) {
	if data == nil {
		return nil, nil
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("corrupt credential record: %w", err)
	}
	return &rec, nil
}

func putRecord(b *bolt.Bucket, rec *Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return b.Put([]byte(rec.Phone), data)
}
