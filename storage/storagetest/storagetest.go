// Package storagetest holds the conformance suite every storage.Repository
// backend runs in its own tests.
package storagetest

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/ironra/storage"
)

type doc struct {
	Value string `json:"value"`
}

func mustEncode(t *testing.T, value string, version uint64) *storage.Record {
	t.Helper()
	rec, err := storage.Encode(doc{Value: value}, version)
	require.NoError(t, err)
	return rec
}

func decode(t *testing.T, rec *storage.Record) string {
	t.Helper()
	var d doc
	require.NoError(t, rec.Decode(&d))
	return d.Value
}

// Run exercises repo against the storage.Repository contract. The
// repository must be empty for the namespaces "ns1" and "ns2".
func Run(t *testing.T, repo storage.Repository) {
	t.Helper()
	ctx := t.Context()

	t.Run("PutAndGet", func(t *testing.T) {
		require.NoError(t, repo.Put(ctx, "ns1", "REQUEST", "r1", mustEncode(t, "one", 1)))

		got, err := repo.Get(ctx, "ns1", "REQUEST", "r1")
		require.NoError(t, err)
		assert.Equal(t, "one", decode(t, got))
		assert.Equal(t, uint64(1), got.Version)
	})

	t.Run("GetNotFound", func(t *testing.T) {
		_, err := repo.Get(ctx, "missing-ns", "REQUEST", "r1")
		assert.ErrorIs(t, err, storage.ErrNotFound)

		_, err = repo.Get(ctx, "ns1", "REQUEST", "missing")
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("List", func(t *testing.T) {
		require.NoError(t, repo.Put(ctx, "ns1", "REQUEST", "r2", mustEncode(t, "two", 1)))
		require.NoError(t, repo.Put(ctx, "ns1", "OTHER", "r1", mustEncode(t, "other", 1)))

		ids, err := repo.List(ctx, "ns1", "REQUEST")
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{"r1", "r2"}, ids)

		ids, err = repo.List(ctx, "missing-ns", "REQUEST")
		require.NoError(t, err)
		assert.Empty(t, ids)
	})

	t.Run("Delete", func(t *testing.T) {
		require.NoError(t, repo.Put(ctx, "ns1", "TMP", "d1", mustEncode(t, "gone", 1)))
		require.NoError(t, repo.Delete(ctx, "ns1", "TMP", "d1"))

		_, err := repo.Get(ctx, "ns1", "TMP", "d1")
		assert.ErrorIs(t, err, storage.ErrNotFound)

		assert.ErrorIs(t, repo.Delete(ctx, "ns1", "TMP", "d1"), storage.ErrNotFound)
	})

	t.Run("PutCAS", func(t *testing.T) {
		// Create-only.
		require.NoError(t, repo.PutCAS(ctx, "ns2", "KEY", "k1", 0, mustEncode(t, "v1", 1)))
		assert.ErrorIs(t, repo.PutCAS(ctx, "ns2", "KEY", "k1", 0, mustEncode(t, "dup", 1)), storage.ErrCASFailed)

		// Non-zero expectation on a missing record.
		assert.ErrorIs(t, repo.PutCAS(ctx, "ns2", "KEY", "missing", 1, mustEncode(t, "x", 2)), storage.ErrCASFailed)

		// Version match.
		require.NoError(t, repo.PutCAS(ctx, "ns2", "KEY", "k1", 1, mustEncode(t, "v2", 2)))
		got, err := repo.Get(ctx, "ns2", "KEY", "k1")
		require.NoError(t, err)
		assert.Equal(t, "v2", decode(t, got))
		assert.Equal(t, uint64(2), got.Version)

		// Stale version.
		assert.ErrorIs(t, repo.PutCAS(ctx, "ns2", "KEY", "k1", 1, mustEncode(t, "v3", 2)), storage.ErrCASFailed)
	})

	t.Run("Batch", func(t *testing.T) {
		err := repo.Batch(ctx, "ns2", func(tx storage.BatchTx) error {
			if err := tx.Put("BATCH", "b1", mustEncode(t, "a", 1)); err != nil {
				return err
			}
			return tx.PutCAS("BATCH", "b2", 0, mustEncode(t, "b", 1))
		})
		require.NoError(t, err)

		got, err := repo.Get(ctx, "ns2", "BATCH", "b2")
		require.NoError(t, err)
		assert.Equal(t, "b", decode(t, got))

		// Rollback.
		simulated := errors.New("simulated error")
		err = repo.Batch(ctx, "ns2", func(tx storage.BatchTx) error {
			if err := tx.Put("BATCH", "b3", mustEncode(t, "c", 1)); err != nil {
				return err
			}
			if err := tx.Put("BATCH", "b1", mustEncode(t, "overwritten", 2)); err != nil {
				return err
			}
			return fmt.Errorf("wrapped: %w", simulated)
		})
		assert.ErrorIs(t, err, simulated)

		_, err = repo.Get(ctx, "ns2", "BATCH", "b3")
		assert.ErrorIs(t, err, storage.ErrNotFound, "b3 should not exist after rollback")

		got, err = repo.Get(ctx, "ns2", "BATCH", "b1")
		require.NoError(t, err)
		assert.Equal(t, "a", decode(t, got), "b1 should be restored after rollback")

		// Delete inside a batch.
		require.NoError(t, repo.Batch(ctx, "ns2", func(tx storage.BatchTx) error {
			return tx.Delete("BATCH", "b1")
		}))
		_, err = repo.Get(ctx, "ns2", "BATCH", "b1")
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})
}
