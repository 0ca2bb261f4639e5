package auth

import (
	"fmt"
	"sync"

	"github.com/aelexs/storefront-otp/internal/domain"
)

// KeyStore provides access to HS256 token keys. Implementations load keys
// from Secrets Manager (production) or hold them in memory (local, tests).
type KeyStore interface {
	// SigningKey returns the current signing secret and its key ID.
	SigningKey() (domain.SecretBytes, string, error)

	// VerificationKey returns the secret for the given key ID. Retired keys
	// stay verifiable until every token they signed has expired.
	VerificationKey(kid string) (domain.SecretBytes, error)
}

// CheckKeyMaterial rejects HMAC secrets too short to be safe for HS256.
func CheckKeyMaterial(kid string, secret []byte) error {
	if kid == "" {
		return fmt.Errorf("empty key ID: %w", domain.ErrSigningFailure)
	}
	if len(secret) < domain.MinSigningKeyLength {
		return fmt.Errorf("key %q is %d bytes, need at least %d: %w",
			kid, len(secret), domain.MinSigningKeyLength, domain.ErrSigningFailure)
	}
	return nil
}

// StaticKeyStore is a KeyStore backed by in-memory keys.
type StaticKeyStore struct {
	mu      sync.RWMutex
	current string
	keys    map[string]domain.SecretBytes
}

// NewStaticKeyStore creates a StaticKeyStore with a single signing key.
func NewStaticKeyStore(secret []byte, keyID string) (*StaticKeyStore, error) {
	if err := CheckKeyMaterial(keyID, secret); err != nil {
		return nil, err
	}
	return &StaticKeyStore{
		current: keyID,
		keys:    map[string]domain.SecretBytes{keyID: append(domain.SecretBytes(nil), secret...)},
	}, nil
}

// SigningKey returns the signing secret and its key ID.
func (s *StaticKeyStore) SigningKey() (domain.SecretBytes, string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	key, ok := s.keys[s.current]
	if !ok || key.IsEmpty() {
		return nil, "", fmt.Errorf("no signing key available: %w", domain.ErrSigningFailure)
	}
	return key, s.current, nil
}

// VerificationKey returns the secret for the given key ID.
func (s *StaticKeyStore) VerificationKey(kid string) (domain.SecretBytes, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	key, ok := s.keys[kid]
	if !ok {
		return nil, fmt.Errorf("unknown key ID %q", kid)
	}
	return key, nil
}

// AddVerificationKey registers a retired key so tokens it signed still validate.
func (s *StaticKeyStore) AddVerificationKey(kid string, secret []byte) error {
	if err := CheckKeyMaterial(kid, secret); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys[kid] = append(domain.SecretBytes(nil), secret...)
	return nil
}

// Rotate makes kid the signing key. The previous key stays verifiable.
func (s *StaticKeyStore) Rotate(kid string, secret []byte) error {
	if err := s.AddVerificationKey(kid, secret); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.current = kid
	return nil
}
