// Package challenge issues and tracks the short-lived, single-use nonces
// that back challenge-response authentication. Challenges live in process
// memory only; a restart forgets every outstanding challenge.
package challenge

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jmcleod/ironra/internal/util"
	"github.com/jmcleod/ironra/internal/uuid"
)

const (
	NonceSize = 32
	SaltSize  = 16

	DefaultTTL           = 5 * time.Minute
	DefaultSweepInterval = time.Minute
)

var (
	// ErrNotFound is returned for unknown, consumed or expired challenges.
	ErrNotFound = errors.New("challenge not found or expired")
	// ErrEmptyUsername is returned when Issue is called without a username.
	ErrEmptyUsername = errors.New("username is required")
)

// Challenge is an outstanding authentication challenge.
type Challenge struct {
	ID        string
	Nonce     []byte
	Salt      []byte
	Username  string
	ExpiresAt time.Time
}

func (c Challenge) expired(now time.Time) bool {
	return !now.Before(c.ExpiresAt)
}

// Store is a concurrency-safe challenge map with a background sweeper.
type Store struct {
	mu         sync.Mutex
	challenges map[string]Challenge
	ttl        time.Duration
	sweepEvery time.Duration
	now        func() time.Time

	stopCh   chan struct{}
	stopOnce sync.Once
}

// Option configures a Store.
type Option func(*Store)

// WithTTL sets how long an issued challenge stays valid.
func WithTTL(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.ttl = d
		}
	}
}

// WithSweepInterval sets how often expired challenges are purged.
func WithSweepInterval(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.sweepEvery = d
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// NewStore returns a Store and starts its sweeper. Call Close to stop it.
func NewStore(opts ...Option) *Store {
	s := &Store{
		challenges: make(map[string]Challenge),
		ttl:        DefaultTTL,
		sweepEvery: DefaultSweepInterval,
		now:        time.Now,
		stopCh:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	go s.sweepLoop()
	return s
}

// TTL returns the challenge lifetime.
func (s *Store) TTL() time.Duration {
	return s.ttl
}

// Issue creates a challenge for username.
func (s *Store) Issue(username string) (Challenge, error) {
	if strings.TrimSpace(username) == "" {
		return Challenge{}, ErrEmptyUsername
	}
	nonce, err := util.RandomBytes(NonceSize)
	if err != nil {
		return Challenge{}, fmt.Errorf("generating nonce: %w", err)
	}
	salt, err := util.RandomBytes(SaltSize)
	if err != nil {
		return Challenge{}, fmt.Errorf("generating salt: %w", err)
	}
	c := Challenge{
		ID:        uuid.New(),
		Nonce:     nonce,
		Salt:      salt,
		Username:  username,
		ExpiresAt: s.now().Add(s.ttl),
	}
	s.mu.Lock()
	s.challenges[c.ID] = c
	s.mu.Unlock()
	return c.clone(), nil
}

// Retrieve returns the challenge with id if it exists and has not expired.
// An expired challenge is removed.
func (s *Store) Retrieve(id string) (Challenge, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.challenges[id]
	if !ok {
		return Challenge{}, fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	if c.expired(s.now()) {
		delete(s.challenges, id)
		return Challenge{}, fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	return c.clone(), nil
}

// Invalidate removes the challenge with id. It is safe to call repeatedly.
func (s *Store) Invalidate(id string) {
	s.mu.Lock()
	if c, ok := s.challenges[id]; ok {
		util.WipeBytes(c.Nonce)
		util.WipeBytes(c.Salt)
		delete(s.challenges, id)
	}
	s.mu.Unlock()
}

// Len returns the number of stored challenges, expired ones included
// until the next sweep.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.challenges)
}

// Close stops the background sweeper.
func (s *Store) Close() {
	s.stopOnce.Do(func() {
		close(s.stopCh)
	})
}

func (s *Store) sweepLoop() {
	ticker := time.NewTicker(s.sweepEvery)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.Sweep()
		}
	}
}

// Sweep removes every expired challenge and returns how many were removed.
func (s *Store) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	removed := 0
	for id, c := range s.challenges {
		if c.expired(now) {
			delete(s.challenges, id)
			removed++
		}
	}
	return removed
}

func (c Challenge) clone() Challenge {
	c.Nonce = append([]byte(nil), c.Nonce...)
	c.Salt = append([]byte(nil), c.Salt...)
	return c
}
