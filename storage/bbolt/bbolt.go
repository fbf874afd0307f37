// Package bbolt provides a BBolt-backed storage repository.
package bbolt

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"go.etcd.io/bbolt"

	"github.com/jmcleod/ironra/storage"
)

// Store implements storage.Repository backed by a BBolt database.
// Each namespace is a top-level bucket; keys are "kind:id".
type Store struct {
	db *bbolt.DB
}

var _ storage.Repository = (*Store)(nil)

// NewRepository returns a Repository backed by the given BBolt database.
func NewRepository(db *bbolt.DB) *Store {
	return &Store{db: db}
}

// NewRepositoryFromFile opens a BBolt database at the given path and returns a new Repository.
func NewRepositoryFromFile(path string, options *bbolt.Options) (*Store, error) {
	db, err := bbolt.Open(path, 0600, options)
	if err != nil {
		return nil, fmt.Errorf("opening bbolt db: %w", err)
	}
	return NewRepository(db), nil
}

// Close closes the underlying BBolt database.
func (s *Store) Close() error {
	return s.db.Close()
}

func recordKey(kind, id string) []byte {
	return []byte(kind + ":" + id)
}

func notFound(namespace, kind, id string) error {
	return fmt.Errorf("%s/%s/%s: %w", namespace, kind, id, storage.ErrNotFound)
}

func (s *Store) Put(_ context.Context, namespace, kind, id string, rec *storage.Record) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists([]byte(namespace))
		if err != nil {
			return err
		}
		return putInBucket(b, kind, id, rec)
	})
}

func (s *Store) Get(_ context.Context, namespace, kind, id string) (*storage.Record, error) {
	var rec storage.Record
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(namespace))
		if b == nil {
			return notFound(namespace, kind, id)
		}
		data := b.Get(recordKey(kind, id))
		if data == nil {
			return notFound(namespace, kind, id)
		}
		return json.Unmarshal(data, &rec)
	})
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *Store) Delete(_ context.Context, namespace, kind, id string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(namespace))
		if b == nil {
			return notFound(namespace, kind, id)
		}
		return deleteInBucket(b, namespace, kind, id)
	})
}

func (s *Store) List(_ context.Context, namespace, kind string) ([]string, error) {
	var ids []string
	prefix := []byte(kind + ":")
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(namespace))
		if b == nil {
			return nil
		}
		c := b.Cursor()
		for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
			ids = append(ids, string(k[len(prefix):]))
		}
		return nil
	})
	return ids, err
}

func (s *Store) PutCAS(_ context.Context, namespace, kind, id string, expectedVersion uint64, rec *storage.Record) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists([]byte(namespace))
		if err != nil {
			return err
		}
		return putCASInBucket(b, kind, id, expectedVersion, rec)
	})
}

func (s *Store) Batch(_ context.Context, namespace string, fn func(tx storage.BatchTx) error) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists([]byte(namespace))
		if err != nil {
			return err
		}
		return fn(&boltBatchTx{bucket: b, namespace: namespace})
	})
}

func putInBucket(b *bbolt.Bucket, kind, id string, rec *storage.Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return b.Put(recordKey(kind, id), data)
}

func deleteInBucket(b *bbolt.Bucket, namespace, kind, id string) error {
	key := recordKey(kind, id)
	if b.Get(key) == nil {
		return notFound(namespace, kind, id)
	}
	return b.Delete(key)
}

func putCASInBucket(b *bbolt.Bucket, kind, id string, expectedVersion uint64, rec *storage.Record) error {
	existingData := b.Get(recordKey(kind, id))

	if expectedVersion == 0 {
		if existingData != nil {
			return storage.ErrCASFailed
		}
	} else {
		if existingData == nil {
			return storage.ErrCASFailed
		}
		var existing storage.Record
		if err := json.Unmarshal(existingData, &existing); err != nil {
			return err
		}
		if existing.Version != expectedVersion {
			return storage.ErrCASFailed
		}
	}
	return putInBucket(b, kind, id, rec)
}

type boltBatchTx struct {
	bucket    *bbolt.Bucket
	namespace string
}

func (tx *boltBatchTx) Put(kind, id string, rec *storage.Record) error {
	return putInBucket(tx.bucket, kind, id, rec)
}

func (tx *boltBatchTx) PutCAS(kind, id string, expectedVersion uint64, rec *storage.Record) error {
	return putCASInBucket(tx.bucket, kind, id, expectedVersion, rec)
}

func (tx *boltBatchTx) Delete(kind, id string) error {
	return deleteInBucket(tx.bucket, tx.namespace, kind, id)
}
