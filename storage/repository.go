// Package storage provides the persistence abstraction for registration
// authority records: certificate requests, key registry entries, audit
// records and local CA state.
package storage

import (
	"context"
	"errors"
)

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("record not found")

	// ErrCASFailed is returned when a compare-and-swap version check fails.
	ErrCASFailed = errors.New("CAS version mismatch")
)

// BatchTx provides writes within an atomic transaction.
// The namespace is scoped to the batch, so methods don't require it.
type BatchTx interface {
	Put(kind, id string, rec *Record) error
	PutCAS(kind, id string, expectedVersion uint64, rec *Record) error
	Delete(kind, id string) error
}

// Repository stores versioned records keyed by (namespace, kind, id).
//
// PutCAS with expectedVersion 0 is create-only: it fails with ErrCASFailed
// if the record already exists. Any other expectedVersion must match the
// stored record's Version.
type Repository interface {
	Put(ctx context.Context, namespace, kind, id string, rec *Record) error
	Get(ctx context.Context, namespace, kind, id string) (*Record, error)
	List(ctx context.Context, namespace, kind string) ([]string, error)
	Delete(ctx context.Context, namespace, kind, id string) error
	PutCAS(ctx context.Context, namespace, kind, id string, expectedVersion uint64, rec *Record) error
	Batch(ctx context.Context, namespace string, fn func(tx BatchTx) error) error
}
