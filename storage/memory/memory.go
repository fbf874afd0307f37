// Package memory provides a thread-safe in-memory implementation of storage.Repository.
package memory

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/jmcleod/ironra/storage"
)

// Repository is a thread-safe in-memory implementation of storage.Repository.
// Suitable for testing, demos, and single-process deployments.
type Repository struct {
	mu   sync.RWMutex
	data map[string]map[string]*storage.Record
}

var _ storage.Repository = (*Repository)(nil)

// NewRepository creates a new empty in-memory Repository.
func NewRepository() *Repository {
	return &Repository{data: make(map[string]map[string]*storage.Record)}
}

func makeKey(kind, id string) string {
	return kind + ":" + id
}

func notFound(namespace, kind, id string) error {
	return fmt.Errorf("%s/%s/%s: %w", namespace, kind, id, storage.ErrNotFound)
}

func (r *Repository) Put(_ context.Context, namespace, kind, id string, rec *storage.Record) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.putLocked(namespace, kind, id, rec)
	return nil
}

func (r *Repository) putLocked(namespace, kind, id string, rec *storage.Record) {
	if _, ok := r.data[namespace]; !ok {
		r.data[namespace] = make(map[string]*storage.Record)
	}
	r.data[namespace][makeKey(kind, id)] = rec.Clone()
}

func (r *Repository) Get(_ context.Context, namespace, kind, id string) (*storage.Record, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.getLocked(namespace, kind, id)
}

func (r *Repository) getLocked(namespace, kind, id string) (*storage.Record, error) {
	rec, ok := r.data[namespace][makeKey(kind, id)]
	if !ok {
		return nil, notFound(namespace, kind, id)
	}
	return rec.Clone(), nil
}

func (r *Repository) List(_ context.Context, namespace, kind string) ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var ids []string
	prefix := kind + ":"
	for k := range r.data[namespace] {
		if id, ok := strings.CutPrefix(k, prefix); ok {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func (r *Repository) Delete(_ context.Context, namespace, kind, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.deleteLocked(namespace, kind, id)
}

func (r *Repository) deleteLocked(namespace, kind, id string) error {
	k := makeKey(kind, id)
	if _, ok := r.data[namespace][k]; !ok {
		return notFound(namespace, kind, id)
	}
	delete(r.data[namespace], k)
	return nil
}

func (r *Repository) PutCAS(_ context.Context, namespace, kind, id string, expectedVersion uint64, rec *storage.Record) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.putCASLocked(namespace, kind, id, expectedVersion, rec)
}

func (r *Repository) putCASLocked(namespace, kind, id string, expectedVersion uint64, rec *storage.Record) error {
	existing, ok := r.data[namespace][makeKey(kind, id)]
	switch {
	case !ok && expectedVersion != 0:
		return storage.ErrCASFailed
	case ok && existing.Version != expectedVersion:
		return storage.ErrCASFailed
	case ok && expectedVersion == 0:
		return storage.ErrCASFailed
	}
	r.putLocked(namespace, kind, id, rec)
	return nil
}

// Batch executes fn within a batch transaction. On error, all writes are rolled back.
func (r *Repository) Batch(_ context.Context, namespace string, fn func(tx storage.BatchTx) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	snapshot := r.snapshot(namespace)

	tx := &memoryBatchTx{repo: r, namespace: namespace}
	if err := fn(tx); err != nil {
		r.restore(namespace, snapshot)
		return err
	}
	return nil
}

func (r *Repository) snapshot(namespace string) map[string]*storage.Record {
	original, ok := r.data[namespace]
	if !ok {
		return nil
	}
	cp := make(map[string]*storage.Record, len(original))
	for k, v := range original {
		cp[k] = v.Clone()
	}
	return cp
}

func (r *Repository) restore(namespace string, snapshot map[string]*storage.Record) {
	if snapshot == nil {
		delete(r.data, namespace)
	} else {
		r.data[namespace] = snapshot
	}
}

type memoryBatchTx struct {
	repo      *Repository
	namespace string
}

func (tx *memoryBatchTx) Put(kind, id string, rec *storage.Record) error {
	tx.repo.putLocked(tx.namespace, kind, id, rec)
	return nil
}

func (tx *memoryBatchTx) PutCAS(kind, id string, expectedVersion uint64, rec *storage.Record) error {
	return tx.repo.putCASLocked(tx.namespace, kind, id, expectedVersion, rec)
}

func (tx *memoryBatchTx) Delete(kind, id string) error {
	return tx.repo.deleteLocked(tx.namespace, kind, id)
}
