// Package postgres implements storage.Repository backed by PostgreSQL.
//
// The ra_records table uses a composite primary key (namespace, kind, id)
// that mirrors the key space used by the BBolt and in-memory backends.
// Record fields are stored as individual columns with the JSON payload in a
// BYTEA column.
package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/jmcleod/ironra/storage"
)

const upsertSQL = `INSERT INTO ra_records (namespace, kind, id, ver, scheme, data, version)
	VALUES ($1, $2, $3, $4, $5, $6, $7)
	ON CONFLICT (namespace, kind, id)
	DO UPDATE SET ver = $4, scheme = $5, data = $6, version = $7, updated_at = now()`

// Store implements storage.Repository backed by PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

var _ storage.Repository = (*Store)(nil)

// NewRepository returns a Repository backed by the given pgx connection pool.
func NewRepository(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// NewRepositoryFromDSN creates a connection pool from a DSN string, ensures
// the schema exists, and returns a new Repository.
func NewRepositoryFromDSN(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}
	if err := EnsureSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ensuring schema: %w", err)
	}
	return NewRepository(pool), nil
}

// Close closes the underlying connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

func notFound(namespace, kind, id string) error {
	return fmt.Errorf("%s/%s/%s: %w", namespace, kind, id, storage.ErrNotFound)
}

func (s *Store) Put(ctx context.Context, namespace, kind, id string, rec *storage.Record) error {
	_, err := s.pool.Exec(ctx, upsertSQL,
		namespace, kind, id, rec.Ver, rec.Scheme, rec.Data, int64(rec.Version))
	return err
}

func (s *Store) Get(ctx context.Context, namespace, kind, id string) (*storage.Record, error) {
	var (
		rec     storage.Record
		version int64
	)
	err := s.pool.QueryRow(ctx,
		`SELECT ver, scheme, data, version
		 FROM ra_records WHERE namespace = $1 AND kind = $2 AND id = $3`,
		namespace, kind, id).Scan(&rec.Ver, &rec.Scheme, &rec.Data, &version)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, notFound(namespace, kind, id)
	}
	if err != nil {
		return nil, err
	}
	rec.Version = uint64(version)
	return &rec, nil
}

func (s *Store) List(ctx context.Context, namespace, kind string) ([]string, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id FROM ra_records WHERE namespace = $1 AND kind = $2 ORDER BY id`,
		namespace, kind)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}

func (s *Store) Delete(ctx context.Context, namespace, kind, id string) error {
	return deleteRecord(ctx, s.pool, namespace, kind, id)
}

func (s *Store) PutCAS(ctx context.Context, namespace, kind, id string, expectedVersion uint64, rec *storage.Record) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if err := putCASInTx(ctx, tx, namespace, kind, id, expectedVersion, rec); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *Store) Batch(ctx context.Context, namespace string, fn func(tx storage.BatchTx) error) error {
	pgTx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer pgTx.Rollback(ctx) //nolint:errcheck

	if err := fn(&pgBatchTx{ctx: ctx, tx: pgTx, namespace: namespace}); err != nil {
		return err
	}
	return pgTx.Commit(ctx)
}

type pgBatchTx struct {
	ctx       context.Context
	tx        pgx.Tx
	namespace string
}

var _ storage.BatchTx = (*pgBatchTx)(nil)

func (btx *pgBatchTx) Put(kind, id string, rec *storage.Record) error {
	_, err := btx.tx.Exec(btx.ctx, upsertSQL,
		btx.namespace, kind, id, rec.Ver, rec.Scheme, rec.Data, int64(rec.Version))
	return err
}

func (btx *pgBatchTx) PutCAS(kind, id string, expectedVersion uint64, rec *storage.Record) error {
	return putCASInTx(btx.ctx, btx.tx, btx.namespace, kind, id, expectedVersion, rec)
}

func (btx *pgBatchTx) Delete(kind, id string) error {
	return deleteRecord(btx.ctx, btx.tx, btx.namespace, kind, id)
}

// execer abstracts both *pgxpool.Pool and pgx.Tx.
type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func deleteRecord(ctx context.Context, q execer, namespace, kind, id string) error {
	tag, err := q.Exec(ctx,
		`DELETE FROM ra_records WHERE namespace = $1 AND kind = $2 AND id = $3`,
		namespace, kind, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return notFound(namespace, kind, id)
	}
	return nil
}

// putCASInTx performs a compare-and-swap put within an existing transaction.
func putCASInTx(ctx context.Context, tx pgx.Tx, namespace, kind, id string, expectedVersion uint64, rec *storage.Record) error {
	var currentVersion int64
	err := tx.QueryRow(ctx,
		`SELECT version FROM ra_records
		 WHERE namespace = $1 AND kind = $2 AND id = $3
		 FOR UPDATE`,
		namespace, kind, id).Scan(&currentVersion)

	if errors.Is(err, pgx.ErrNoRows) {
		if expectedVersion != 0 {
			return storage.ErrCASFailed
		}
		// ON CONFLICT DO NOTHING closes the gap between the SELECT and a
		// concurrent creator; a zero row count means someone else won.
		tag, err := tx.Exec(ctx,
			`INSERT INTO ra_records (namespace, kind, id, ver, scheme, data, version)
			 VALUES ($1, $2, $3, $4, $5, $6, $7)
			 ON CONFLICT (namespace, kind, id) DO NOTHING`,
			namespace, kind, id, rec.Ver, rec.Scheme, rec.Data, int64(rec.Version))
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return storage.ErrCASFailed
		}
		return nil
	}
	if err != nil {
		return err
	}

	if expectedVersion == 0 || uint64(currentVersion) != expectedVersion {
		return storage.ErrCASFailed
	}

	_, err = tx.Exec(ctx,
		`UPDATE ra_records SET ver = $4, scheme = $5, data = $6, version = $7, updated_at = now()
		 WHERE namespace = $1 AND kind = $2 AND id = $3`,
		namespace, kind, id, rec.Ver, rec.Scheme, rec.Data, int64(rec.Version))
	return err
}
