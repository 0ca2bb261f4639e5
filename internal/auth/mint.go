package auth

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/aelexs/storefront-otp/internal/domain"
)

// MintResult holds the result of minting an access token.
type MintResult struct {
	Token     string
	JTI       string
	ExpiresAt time.Time
}

// Minter creates signed HS256 access tokens scoped to one purpose and entity.
// It holds no mutable state beyond the key store.
type Minter struct {
	keyStore  KeyStore
	accessTTL time.Duration
	issuer    string
	audience  string
	clock     domain.Clock
}

// MinterConfig holds configuration for creating a Minter.
type MinterConfig struct {
	KeyStore  KeyStore
	AccessTTL time.Duration
	Issuer    string
	Audience  string
	Clock     domain.Clock
}

// NewMinter creates a new token minter.
func NewMinter(cfg MinterConfig) *Minter {
	return &Minter{
		keyStore:  cfg.KeyStore,
		accessTTL: cfg.AccessTTL,
		issuer:    cfg.Issuer,
		audience:  cfg.Audience,
		clock:     cfg.Clock,
	}
}

// MintAccessToken signs a token granting purpose on entityID to mobile.
// Every failure is reported as ErrSigningFailure; callers must not retry.
func (m *Minter) MintAccessToken(purpose domain.Purpose, entityID string, mobile domain.PhoneNumber) (MintResult, error) {
	secret, keyID, err := m.keyStore.SigningKey()
	if err != nil {
		return MintResult{}, fmt.Errorf("get signing key: %w", errors.Join(domain.ErrSigningFailure, err))
	}

	jti, err := newNonce()
	if err != nil {
		return MintResult{}, fmt.Errorf("token nonce: %w", errors.Join(domain.ErrSigningFailure, err))
	}

	now := m.clock.Now().UTC()
	expiresAt := now.Add(m.accessTTL)

	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   entityID,
			Issuer:    m.issuer,
			Audience:  jwt.ClaimStrings{m.audience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			ID:        jti,
		},
		Purpose:  purpose.String(),
		EntityID: entityID,
		Mobile:   mobile.String(),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, &claims)
	token.Header["kid"] = keyID

	signed, err := token.SignedString(secret.Expose())
	if err != nil {
		return MintResult{}, fmt.Errorf("sign access token: %w", errors.Join(domain.ErrSigningFailure, err))
	}

	return MintResult{
		Token:     signed,
		JTI:       jti,
		ExpiresAt: expiresAt,
	}, nil
}

func newNonce() (string, error) {
	b := make([]byte, domain.AccessTokenNonceSize)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
