package adapter

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/aelexs/storefront-otp/internal/domain"
	"github.com/aelexs/storefront-otp/internal/otpgate/app"
)

// MemoryChallengeStore is a process-local ChallengeStore for the local
// environment and tests. A single mutex gives every operation the same
// atomicity the database stores get from conditional writes.
type MemoryChallengeStore struct {
	mu     sync.Mutex
	byID   map[string]*domain.Challenge
	active map[string]string // key hash -> challenge id
	clock  domain.Clock
}

// NewMemoryChallengeStore creates an empty store. clock stamps superseded_at.
func NewMemoryChallengeStore(clock domain.Clock) *MemoryChallengeStore {
	return &MemoryChallengeStore{
		byID:   make(map[string]*domain.Challenge),
		active: make(map[string]string),
		clock:  clock,
	}
}

// Active returns a copy of the key's active challenge.
func (s *MemoryChallengeStore) Active(ctx context.Context, key domain.ChallengeKey) (*domain.Challenge, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.active[key.Hash()]
	if !ok {
		return nil, domain.ErrNotFound
	}
	ch := *s.byID[id]
	return &ch, nil
}

// Replace supersedes the current active challenge and installs ch.
func (s *MemoryChallengeStore) Replace(ctx context.Context, ch domain.Challenge) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.byID[ch.ID.String()]; exists {
		return fmt.Errorf("challenge %s: duplicate id", ch.ID)
	}
	keyHash := ch.Key.Hash()
	if prevID, ok := s.active[keyHash]; ok {
		s.byID[prevID].SupersededAt = s.clock.Now().UTC()
	}
	stored := ch
	s.byID[ch.ID.String()] = &stored
	s.active[keyHash] = ch.ID.String()
	return nil
}

// Consume marks the challenge used when its state still matches.
func (s *MemoryChallengeStore) Consume(ctx context.Context, id domain.ChallengeID, expectedAttempts int, at time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	ch, err := s.writable(id, expectedAttempts)
	if err != nil {
		return err
	}
	ch.ConsumedAt = at.UTC()
	return nil
}

// RecordFailure counts one wrong submission when the state still matches.
func (s *MemoryChallengeStore) RecordFailure(ctx context.Context, id domain.ChallengeID, expectedAttempts int, lockedUntil time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	ch, err := s.writable(id, expectedAttempts)
	if err != nil {
		return err
	}
	ch.Attempts = expectedAttempts + 1
	if lockedUntil.After(ch.LockedUntil) {
		ch.LockedUntil = lockedUntil.UTC()
	}
	return nil
}

// Get returns a copy of any challenge, active or not. Used by tests and
// operational tooling; the verification path only reads by key.
func (s *MemoryChallengeStore) Get(id domain.ChallengeID) (domain.Challenge, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch, ok := s.byID[id.String()]
	if !ok {
		return domain.Challenge{}, false
	}
	return *ch, true
}

// writable must be called with mu held.
func (s *MemoryChallengeStore) writable(id domain.ChallengeID, expectedAttempts int) (*domain.Challenge, error) {
	ch, ok := s.byID[id.String()]
	if !ok {
		return nil, domain.ErrConflict
	}
	if ch.Attempts != expectedAttempts || ch.IsConsumed() || ch.IsSuperseded() {
		return nil, domain.ErrConflict
	}
	return ch, nil
}

var _ app.ChallengeStore = (*MemoryChallengeStore)(nil)
