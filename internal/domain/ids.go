// Package domain contains pure business logic and types.
// It depends only on the standard library and uuid.
package domain

import (
	"fmt"

	"github.com/google/uuid"
)

// ChallengeID is a value object representing a unique challenge identifier.
// Always valid in memory - use NewChallengeID to construct.
type ChallengeID struct {
	value string
}

// NewChallengeID creates a ChallengeID from a raw string, validating it is a valid UUID.
func NewChallengeID(raw string) (ChallengeID, error) {
	if raw == "" {
		return ChallengeID{}, ErrEmptyID
	}
	if _, err := uuid.Parse(raw); err != nil {
		return ChallengeID{}, fmt.Errorf("invalid challenge ID %q: %w", raw, ErrInvalidID)
	}
	return ChallengeID{value: raw}, nil
}

// MustChallengeID creates a ChallengeID, panicking on invalid input. Use only in tests.
func MustChallengeID(raw string) ChallengeID {
	id, err := NewChallengeID(raw)
	if err != nil {
		panic(err)
	}
	return id
}

// GenerateChallengeID creates a new random ChallengeID.
func GenerateChallengeID() ChallengeID {
	return ChallengeID{value: uuid.NewString()}
}

func (id ChallengeID) String() string { return id.value }
func (id ChallengeID) IsZero() bool   { return id.value == "" }
