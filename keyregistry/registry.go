// Package keyregistry tracks public-key fingerprints that may not be used
// in a new certificate request: keys already bound to a live request and
// keys an administrator has blacklisted.
package keyregistry

import (
	"context"
	"crypto/sha256"
	"crypto/x509"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/jmcleod/ironra/internal/util"
	"github.com/jmcleod/ironra/storage"
)

const (
	namespace = "keyregistry"
	kindKey   = "KEY"

	maxReleaseAttempts = 4
)

var (
	// ErrNotFound is returned when no entry exists for a fingerprint.
	ErrNotFound = errors.New("fingerprint not registered")
	// ErrAlreadyRegistered is returned by Claim when the fingerprint is
	// already in use or blacklisted.
	ErrAlreadyRegistered = errors.New("fingerprint already registered")
)

// Kind distinguishes why a fingerprint is registered.
type Kind string

const (
	KindBlacklisted Kind = "BLACKLISTED"
	KindInUse       Kind = "IN_USE"
)

// Entry is a registered fingerprint.
type Entry struct {
	Fingerprint string    `json:"fingerprint"`
	Kind        Kind      `json:"kind"`
	RequestID   string    `json:"request_id,omitempty"`
	Reason      string    `json:"reason,omitempty"`
	AddedBy     string    `json:"added_by,omitempty"`
	AddedAt     time.Time `json:"added_at"`
}

// Registry stores fingerprint entries in a storage.Repository.
type Registry struct {
	repo storage.Repository
	now  func() time.Time
}

// Option configures a Registry.
type Option func(*Registry)

// WithClock overrides the time source used for AddedAt.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// New returns a Registry backed by repo.
func New(repo storage.Repository, opts ...Option) *Registry {
	r := &Registry{repo: repo, now: time.Now}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Fingerprint returns the Base64 SHA-256 digest of pub's PKIX DER encoding.
func Fingerprint(pub any) (string, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return "", fmt.Errorf("encoding public key: %w", err)
	}
	sum := sha256.Sum256(der)
	return util.B64Encode(sum[:]), nil
}

// Get returns the entry for fp.
func (r *Registry) Get(ctx context.Context, fp string) (*Entry, error) {
	e, _, err := r.load(ctx, fp)
	return e, err
}

// IsRegistered reports whether fp is in use or blacklisted.
func (r *Registry) IsRegistered(ctx context.Context, fp string) (bool, error) {
	_, _, err := r.load(ctx, fp)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Claim binds fp to requestID. The write is create-only, so of two
// concurrent claims for the same fingerprint exactly one succeeds.
func (r *Registry) Claim(ctx context.Context, fp, requestID string) error {
	if fp == "" {
		return fmt.Errorf("claim: empty fingerprint")
	}
	rec, err := storage.Encode(Entry{
		Fingerprint: fp,
		Kind:        KindInUse,
		RequestID:   requestID,
		AddedBy:     requestID,
		AddedAt:     r.now().UTC(),
	}, 1)
	if err != nil {
		return err
	}
	err = r.repo.PutCAS(ctx, namespace, kindKey, fp, 0, rec)
	if errors.Is(err, storage.ErrCASFailed) {
		return fmt.Errorf("claim %s: %w", fp, ErrAlreadyRegistered)
	}
	return err
}

// Release removes the in-use binding of fp to requestID. Blacklist entries
// and bindings held by other requests are left untouched. Releasing an
// unknown fingerprint is a no-op.
//
// The delete only applies if the entry is still at the version that was
// read, so a Blacklist that lands in between survives.
func (r *Registry) Release(ctx context.Context, fp, requestID string) error {
	for attempt := 0; attempt < maxReleaseAttempts; attempt++ {
		e, version, err := r.load(ctx, fp)
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if e.Kind != KindInUse || e.RequestID != requestID {
			return nil
		}
		guard, err := storage.Encode(e, version+1)
		if err != nil {
			return err
		}
		err = r.repo.Batch(ctx, namespace, func(tx storage.BatchTx) error {
			if err := tx.PutCAS(kindKey, fp, version, guard); err != nil {
				return err
			}
			return tx.Delete(kindKey, fp)
		})
		if errors.Is(err, storage.ErrCASFailed) || errors.Is(err, storage.ErrNotFound) {
			continue
		}
		return err
	}
	return fmt.Errorf("release %s: %w", fp, storage.ErrCASFailed)
}

// Blacklist marks fp as permanently unusable. An existing in-use binding
// is replaced.
func (r *Registry) Blacklist(ctx context.Context, fp, reason, addedBy string) (*Entry, error) {
	if fp == "" {
		return nil, fmt.Errorf("blacklist: empty fingerprint")
	}
	var version uint64
	_, current, err := r.load(ctx, fp)
	switch {
	case errors.Is(err, ErrNotFound):
	case err != nil:
		return nil, err
	default:
		version = current
	}

	e := &Entry{
		Fingerprint: fp,
		Kind:        KindBlacklisted,
		Reason:      reason,
		AddedBy:     addedBy,
		AddedAt:     r.now().UTC(),
	}
	rec, err := storage.Encode(e, version+1)
	if err != nil {
		return nil, err
	}
	if err := r.repo.PutCAS(ctx, namespace, kindKey, fp, version, rec); err != nil {
		return nil, fmt.Errorf("blacklist %s: %w", fp, err)
	}
	return e, nil
}

// List returns every entry, oldest first.
func (r *Registry) List(ctx context.Context) ([]Entry, error) {
	ids, err := r.repo.List(ctx, namespace, kindKey)
	if err != nil {
		return nil, err
	}
	entries := make([]Entry, 0, len(ids))
	for _, id := range ids {
		e, _, err := r.load(ctx, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		entries = append(entries, *e)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].AddedAt.Before(entries[j].AddedAt)
	})
	return entries, nil
}

func (r *Registry) load(ctx context.Context, fp string) (*Entry, uint64, error) {
	rec, err := r.repo.Get(ctx, namespace, kindKey, fp)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, 0, fmt.Errorf("%s: %w", fp, ErrNotFound)
	}
	if err != nil {
		return nil, 0, err
	}
	var e Entry
	if err := rec.Decode(&e); err != nil {
		return nil, 0, err
	}
	return &e, rec.Version, nil
}
