package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
)

// Purpose names the guest flow a challenge unlocks.
type Purpose string

const (
	PurposeOrderTracking Purpose = "ORDER_TRACKING"
	PurposeReturnRequest Purpose = "RETURN_REQUEST"
)

// ParsePurpose validates a wire value.
func ParsePurpose(raw string) (Purpose, error) {
	p := Purpose(raw)
	if !p.Valid() {
		return "", fmt.Errorf("unknown purpose %q: %w", raw, ErrInvalidInput)
	}
	return p, nil
}

// Valid reports whether p is a known purpose.
func (p Purpose) Valid() bool {
	return p == PurposeOrderTracking || p == PurposeReturnRequest
}

func (p Purpose) String() string { return string(p) }

// MaxEntityIDLength bounds the opaque order/return identifier.
const MaxEntityIDLength = 128

// ChallengeKey identifies the single active challenge slot.
type ChallengeKey struct {
	Purpose  Purpose
	EntityID string
	Mobile   PhoneNumber
}

// NewChallengeKey validates and assembles a key.
func NewChallengeKey(purpose Purpose, entityID string, mobile PhoneNumber) (ChallengeKey, error) {
	if !purpose.Valid() {
		return ChallengeKey{}, fmt.Errorf("unknown purpose %q: %w", purpose, ErrInvalidInput)
	}
	entityID = strings.TrimSpace(entityID)
	if entityID == "" {
		return ChallengeKey{}, fmt.Errorf("entity id: %w", ErrEmptyID)
	}
	if len(entityID) > MaxEntityIDLength {
		return ChallengeKey{}, fmt.Errorf("entity id longer than %d: %w", MaxEntityIDLength, ErrInvalidID)
	}
	if mobile.IsZero() {
		return ChallengeKey{}, fmt.Errorf("mobile: %w", ErrInvalidPhoneFormat)
	}
	return ChallengeKey{Purpose: purpose, EntityID: entityID, Mobile: mobile}, nil
}

// Hash is the storage lookup key. It keeps raw mobiles out of index
// attributes and log lines.
func (k ChallengeKey) Hash() string {
	sum := sha256.Sum256([]byte(string(k.Purpose) + "|" + k.EntityID + "|" + k.Mobile.String()))
	return hex.EncodeToString(sum[:])
}

// MobilePurposeKey scopes the per-mobile issuance limit. Entity is excluded
// so a guest cannot dodge the cap by cycling order ids.
func (k ChallengeKey) MobilePurposeKey() string {
	return string(k.Purpose) + ":" + k.Mobile.String()
}
