package auth

import (
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"

	"github.com/aelexs/storefront-otp/internal/domain"
)

// ErrTokenExpired is returned when a validly signed token has expired.
// Callers can use errors.Is to check for this condition without importing
// the JWT library directly.
var ErrTokenExpired = jwt.ErrTokenExpired

// Validator validates scoped access tokens.
type Validator struct {
	keyStore KeyStore
	issuer   string
	audience string
	clock    domain.Clock
}

// ValidatorConfig holds configuration for creating a Validator.
type ValidatorConfig struct {
	KeyStore KeyStore
	Issuer   string
	Audience string
	Clock    domain.Clock
}

// NewValidator creates a new token validator.
func NewValidator(cfg ValidatorConfig) *Validator {
	return &Validator{
		keyStore: cfg.KeyStore,
		issuer:   cfg.Issuer,
		audience: cfg.Audience,
		clock:    cfg.Clock,
	}
}

// Validate parses token and checks signature, issuer, audience, expiry and
// that it was minted for exactly this purpose and entity.
func (v *Validator) Validate(tokenString string, purpose domain.Purpose, entityID string) (*Claims, error) {
	var claims Claims

	opts := []jwt.ParserOption{
		jwt.WithIssuer(v.issuer),
		jwt.WithAudience(v.audience),
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(v.clock.Now),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
	}

	if _, err := jwt.ParseWithClaims(tokenString, &claims, v.keyFunc, opts...); err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrInvalidToken, err)
	}

	if claims.Purpose != purpose.String() || claims.EntityID != entityID || claims.Subject != entityID {
		return nil, fmt.Errorf("token for %s/%s: %w", claims.Purpose, claims.EntityID, domain.ErrTokenScopeMismatch)
	}

	return &claims, nil
}

// Valid is the boolean form of Validate.
func (v *Validator) Valid(tokenString string, purpose domain.Purpose, entityID string) bool {
	_, err := v.Validate(tokenString, purpose, entityID)
	return err == nil
}

func (v *Validator) keyFunc(token *jwt.Token) (any, error) {
	if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
		return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
	}

	kid, ok := token.Header["kid"].(string)
	if !ok || kid == "" {
		return nil, errors.New("missing or invalid kid in token header")
	}

	secret, err := v.keyStore.VerificationKey(kid)
	if err != nil {
		return nil, err
	}
	return secret.Expose(), nil
}
