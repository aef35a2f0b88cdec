// Package boltstore provides a durable.Store backed by a single-file bbolt
// database. One bucket holds every key, including the reserved revision key.
package boltstore

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/INLOpen/nexussync/durable"
	"go.etcd.io/bbolt"
)

const kvBucket = "kv"

// Store is a bbolt-backed durable.Store.
type Store struct {
	db *bbolt.DB
}

var _ durable.Store = (*Store)(nil)

// Open opens (or creates) the database file at path.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("boltstore: path is required")
	}
	db, err := bbolt.Open(filepath.Clean(path), 0o600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("boltstore: open %s: %w", path, err)
	}
	s := &Store{db: db}
	if err := s.ensureBucket(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) ensureBucket() error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists([]byte(kvBucket)); err != nil {
			return fmt.Errorf("boltstore: create bucket: %w", err)
		}
		return nil
	})
}

// View runs fn inside a read-only bbolt transaction.
func (s *Store) View(ctx context.Context, fn func(tx durable.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.View(func(btx *bbolt.Tx) error {
		return fn(&boltTx{bucket: btx.Bucket([]byte(kvBucket)), writable: false})
	})
}

// Update runs fn inside a writable bbolt transaction; an error from fn rolls
// the transaction back and is returned unchanged.
func (s *Store) Update(ctx context.Context, fn func(tx durable.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(btx *bbolt.Tx) error {
		return fn(&boltTx{bucket: btx.Bucket([]byte(kvBucket)), writable: true})
	})
}

// Close closes the underlying database.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

type boltTx struct {
	bucket   *bbolt.Bucket
	writable bool
}

func (tx *boltTx) Get(key string) (string, bool, error) {
	if tx.bucket == nil {
		return "", false, fmt.Errorf("boltstore: kv bucket is missing")
	}
	v := tx.bucket.Get([]byte(key))
	if v == nil {
		return "", false, nil
	}
	return string(v), true, nil
}

func (tx *boltTx) Put(key, value string) error {
	if !tx.writable {
		return bbolt.ErrTxNotWritable
	}
	return tx.bucket.Put([]byte(key), []byte(value))
}

func (tx *boltTx) Delete(key string) error {
	if !tx.writable {
		return bbolt.ErrTxNotWritable
	}
	return tx.bucket.Delete([]byte(key))
}

func (tx *boltTx) ForEach(fn func(key, value string) error) error {
	if tx.bucket == nil {
		return fmt.Errorf("boltstore: kv bucket is missing")
	}
	return tx.bucket.ForEach(func(k, v []byte) error {
		return fn(string(k), string(v))
	})
}
