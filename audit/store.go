package audit

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/jmcleod/ironra/storage"
)

const (
	// GenesisHash is the prev_hash of the first record in a chain.
	GenesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

	defaultNamespace = "audit"
	kindEntry        = "ENTRY"
	kindHead         = "HEAD"
	headID           = "current"

	maxAppendAttempts = 8
)

// ChainHash computes the link from rec to the next record: hex SHA-256
// over every field of rec, each written as a big-endian uint64 length
// followed by its bytes. Editing any field breaks the link.
func ChainHash(rec Record) string {
	h := sha256.New()
	var n [8]byte
	for _, field := range []string{
		rec.ID,
		strconv.FormatUint(rec.Seq, 10),
		FormatTimestamp(rec.Timestamp),
		rec.Username,
		string(rec.Action),
		string(rec.ResourceType),
		rec.ResourceID,
		string(rec.Outcome),
		rec.Details,
		rec.IPAddress,
		rec.UserAgent,
		rec.PrevHash,
	} {
		binary.BigEndian.PutUint64(n[:], uint64(len(field)))
		h.Write(n[:])
		h.Write([]byte(field))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// FormatTimestamp is the canonical timestamp encoding used in chain links.
func FormatTimestamp(ts time.Time) string {
	return ts.UTC().Format(time.RFC3339Nano)
}

type chainHead struct {
	Seq  uint64 `json:"seq"`
	ID   string `json:"id"`
	Hash string `json:"hash"`
}

// Store appends audit records to a storage.Repository as a hash chain.
type Store struct {
	repo      storage.Repository
	namespace string
	mu        sync.Mutex
}

// NewStore returns a Store writing to repo.
func NewStore(repo storage.Repository) *Store {
	return &Store{repo: repo, namespace: defaultNamespace}
}

// Append links rec to the current head of the chain and stores it.
func (s *Store) Append(ctx context.Context, rec Record) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for attempt := 0; attempt < maxAppendAttempts; attempt++ {
		head, version, err := s.loadHead(ctx)
		if err != nil {
			return Record{}, err
		}

		rec.Seq = head.Seq + 1
		rec.PrevHash = head.Hash
		if head.Seq == 0 {
			rec.PrevHash = GenesisHash
		}
		next := chainHead{Seq: rec.Seq, ID: rec.ID, Hash: ChainHash(rec)}

		entryRec, err := storage.Encode(rec, 1)
		if err != nil {
			return Record{}, err
		}
		headRec, err := storage.Encode(next, version+1)
		if err != nil {
			return Record{}, err
		}
		err = s.repo.Batch(ctx, s.namespace, func(tx storage.BatchTx) error {
			if err := tx.PutCAS(kindHead, headID, version, headRec); err != nil {
				return err
			}
			return tx.PutCAS(kindEntry, rec.ID, 0, entryRec)
		})
		if errors.Is(err, storage.ErrCASFailed) {
			continue
		}
		if err != nil {
			return Record{}, fmt.Errorf("appending audit record: %w", err)
		}
		return rec, nil
	}
	return Record{}, fmt.Errorf("appending audit record: %w", storage.ErrCASFailed)
}

func (s *Store) loadHead(ctx context.Context) (chainHead, uint64, error) {
	rec, err := s.repo.Get(ctx, s.namespace, kindHead, headID)
	if errors.Is(err, storage.ErrNotFound) {
		return chainHead{}, 0, nil
	}
	if err != nil {
		return chainHead{}, 0, err
	}
	var h chainHead
	if err := rec.Decode(&h); err != nil {
		return chainHead{}, 0, err
	}
	return h, rec.Version, nil
}

// all returns every record in chain order.
func (s *Store) all(ctx context.Context) ([]Record, error) {
	ids, err := s.repo.List(ctx, s.namespace, kindEntry)
	if err != nil {
		return nil, err
	}
	records := make([]Record, 0, len(ids))
	for _, id := range ids {
		stored, err := s.repo.Get(ctx, s.namespace, kindEntry, id)
		if errors.Is(err, storage.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		var rec Record
		if err := stored.Decode(&rec); err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	sort.Slice(records, func(i, j int) bool { return records[i].Seq < records[j].Seq })
	return records, nil
}

// Filter narrows List results. Zero values match everything.
type Filter struct {
	Username string
	Action   Action
	Limit    int
	Offset   int
}

// List returns matching records newest first and the total number of
// matches before paging.
func (s *Store) List(ctx context.Context, f Filter) ([]Record, int, error) {
	records, err := s.all(ctx)
	if err != nil {
		return nil, 0, err
	}
	matched := make([]Record, 0, len(records))
	for i := len(records) - 1; i >= 0; i-- {
		r := records[i]
		if f.Username != "" && r.Username != f.Username {
			continue
		}
		if f.Action != "" && r.Action != f.Action {
			continue
		}
		matched = append(matched, r)
	}
	total := len(matched)
	if f.Offset > 0 {
		if f.Offset >= len(matched) {
			return []Record{}, total, nil
		}
		matched = matched[f.Offset:]
	}
	if f.Limit > 0 && len(matched) > f.Limit {
		matched = matched[:f.Limit]
	}
	return matched, total, nil
}

// Export is a portable copy of the whole chain, oldest first.
type Export struct {
	GeneratedAt time.Time `json:"generated_at"`
	EntryCount  int       `json:"entry_count"`
	HeadHash    string    `json:"head_hash"`
	Entries     []Record  `json:"entries"`
}

// Export returns the full chain.
func (s *Store) Export(ctx context.Context) (Export, error) {
	records, err := s.all(ctx)
	if err != nil {
		return Export{}, err
	}
	head, _, err := s.loadHead(ctx)
	if err != nil {
		return Export{}, err
	}
	return Export{
		GeneratedAt: time.Now().UTC(),
		EntryCount:  len(records),
		HeadHash:    head.Hash,
		Entries:     records,
	}, nil
}
