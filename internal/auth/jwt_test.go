package auth_test

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aelexs/storefront-otp/internal/auth"
	"github.com/aelexs/storefront-otp/internal/domain"
	"github.com/aelexs/storefront-otp/internal/domain/domaintest"
)

const (
	testIssuer   = "storefront-otp"
	testAudience = "storefront-guest"
	testKeyID    = "hs-2026-01"
)

var testMobile = domain.MustPhoneNumber("+919876543210")

func testSecret(fill byte) []byte {
	return []byte(strings.Repeat(string(fill), domain.MinSigningKeyLength))
}

func newTestMinterAndValidator(t *testing.T) (*auth.Minter, *auth.Validator, *auth.StaticKeyStore, *domaintest.FakeClock) {
	t.Helper()
	start := time.Date(2026, 1, 15, 12, 0, 0, 0, time.UTC)
	clock := domaintest.NewFakeClock(start)
	keyStore, err := auth.NewStaticKeyStore(testSecret('k'), testKeyID)
	require.NoError(t, err)

	minter := auth.NewMinter(auth.MinterConfig{
		KeyStore:  keyStore,
		AccessTTL: 15 * time.Minute,
		Issuer:    testIssuer,
		Audience:  testAudience,
		Clock:     clock,
	})

	validator := auth.NewValidator(auth.ValidatorConfig{
		KeyStore: keyStore,
		Issuer:   testIssuer,
		Audience: testAudience,
		Clock:    clock,
	})

	return minter, validator, keyStore, clock
}

func TestMintAccessToken(t *testing.T) {
	minter, validator, _, clock := newTestMinterAndValidator(t)

	result, err := minter.MintAccessToken(domain.PurposeOrderTracking, "ORD-1001", testMobile)
	require.NoError(t, err)
	assert.NotEmpty(t, result.Token)
	assert.Equal(t, clock.Now().Add(15*time.Minute), result.ExpiresAt)

	claims, err := validator.Validate(result.Token, domain.PurposeOrderTracking, "ORD-1001")
	require.NoError(t, err)
	assert.Equal(t, "ORD-1001", claims.Subject)
	assert.Equal(t, "ORD-1001", claims.EntityID)
	assert.Equal(t, "ORDER_TRACKING", claims.Purpose)
	assert.Equal(t, "+919876543210", claims.Mobile)
	assert.Equal(t, result.JTI, claims.ID)

	t.Run("kid header names the signing key", func(t *testing.T) {
		parsed, _, err := jwt.NewParser().ParseUnverified(result.Token, &auth.Claims{})
		require.NoError(t, err)
		assert.Equal(t, testKeyID, parsed.Header["kid"])
		assert.Equal(t, "HS256", parsed.Header["alg"])
	})

	t.Run("nonces are unique", func(t *testing.T) {
		seen := make(map[string]bool)
		for i := 0; i < 50; i++ {
			r, err := minter.MintAccessToken(domain.PurposeOrderTracking, "ORD-1001", testMobile)
			require.NoError(t, err)
			assert.False(t, seen[r.JTI])
			seen[r.JTI] = true
		}
	})
}

func TestMintAccessToken_SigningFailure(t *testing.T) {
	minter := auth.NewMinter(auth.MinterConfig{
		KeyStore:  &auth.StaticKeyStore{},
		AccessTTL: time.Minute,
		Clock:     domain.RealClock{},
	})

	_, err := minter.MintAccessToken(domain.PurposeOrderTracking, "ORD-1001", testMobile)
	assert.ErrorIs(t, err, domain.ErrSigningFailure)
}

func TestValidate(t *testing.T) {
	minter, validator, keyStore, clock := newTestMinterAndValidator(t)
	start := clock.Now()

	mint := func(t *testing.T) string {
		t.Helper()
		clock.Set(start)
		result, err := minter.MintAccessToken(domain.PurposeReturnRequest, "RET-77", testMobile)
		require.NoError(t, err)
		return result.Token
	}

	t.Run("token valid at TTL minus one second", func(t *testing.T) {
		token := mint(t)
		clock.Advance(15*time.Minute - time.Second)
		assert.True(t, validator.Valid(token, domain.PurposeReturnRequest, "RET-77"))
	})

	t.Run("token expired at TTL plus one second", func(t *testing.T) {
		token := mint(t)
		clock.Advance(15*time.Minute + time.Second)
		_, err := validator.Validate(token, domain.PurposeReturnRequest, "RET-77")
		require.Error(t, err)
		assert.True(t, errors.Is(err, auth.ErrTokenExpired))
		assert.ErrorIs(t, err, domain.ErrInvalidToken)
	})

	t.Run("other entity is rejected", func(t *testing.T) {
		token := mint(t)
		_, err := validator.Validate(token, domain.PurposeReturnRequest, "RET-78")
		assert.ErrorIs(t, err, domain.ErrTokenScopeMismatch)
	})

	t.Run("other purpose is rejected", func(t *testing.T) {
		token := mint(t)
		_, err := validator.Validate(token, domain.PurposeOrderTracking, "RET-77")
		assert.ErrorIs(t, err, domain.ErrTokenScopeMismatch)
	})

	t.Run("wrong issuer fails", func(t *testing.T) {
		token := mint(t)
		wrongIssuer := auth.NewValidator(auth.ValidatorConfig{
			KeyStore: keyStore,
			Issuer:   "wrong-issuer",
			Audience: testAudience,
			Clock:    clock,
		})
		assert.False(t, wrongIssuer.Valid(token, domain.PurposeReturnRequest, "RET-77"))
	})

	t.Run("wrong audience fails", func(t *testing.T) {
		token := mint(t)
		wrongAud := auth.NewValidator(auth.ValidatorConfig{
			KeyStore: keyStore,
			Issuer:   testIssuer,
			Audience: "wrong-audience",
			Clock:    clock,
		})
		assert.False(t, wrongAud.Valid(token, domain.PurposeReturnRequest, "RET-77"))
	})

	t.Run("unknown kid fails", func(t *testing.T) {
		token := mint(t)
		otherStore, err := auth.NewStaticKeyStore(testSecret('z'), "other-key")
		require.NoError(t, err)
		other := auth.NewValidator(auth.ValidatorConfig{
			KeyStore: otherStore,
			Issuer:   testIssuer,
			Audience: testAudience,
			Clock:    clock,
		})
		assert.False(t, other.Valid(token, domain.PurposeReturnRequest, "RET-77"))
	})

	t.Run("tampered token fails", func(t *testing.T) {
		token := mint(t)
		tampered := token[:len(token)-5] + "XXXXX"
		assert.False(t, validator.Valid(tampered, domain.PurposeReturnRequest, "RET-77"))
	})

	t.Run("alg none is rejected", func(t *testing.T) {
		clock.Set(start)
		unsigned := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.MapClaims{
			"sub":       "RET-77",
			"iss":       testIssuer,
			"aud":       testAudience,
			"iat":       clock.Now().Unix(),
			"exp":       clock.Now().Add(time.Hour).Unix(),
			"purpose":   "RETURN_REQUEST",
			"entity_id": "RET-77",
		})
		unsigned.Header["kid"] = testKeyID
		signed, err := unsigned.SignedString(jwt.UnsafeAllowNoneSignatureType)
		require.NoError(t, err)

		assert.False(t, validator.Valid(signed, domain.PurposeReturnRequest, "RET-77"))
	})

	t.Run("token without exp is rejected", func(t *testing.T) {
		clock.Set(start)
		noExp := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
			"sub":       "RET-77",
			"iss":       testIssuer,
			"aud":       testAudience,
			"iat":       clock.Now().Unix(),
			"purpose":   "RETURN_REQUEST",
			"entity_id": "RET-77",
		})
		noExp.Header["kid"] = testKeyID
		signed, err := noExp.SignedString(testSecret('k'))
		require.NoError(t, err)

		assert.False(t, validator.Valid(signed, domain.PurposeReturnRequest, "RET-77"))
	})

	t.Run("rotated key keeps old tokens valid", func(t *testing.T) {
		token := mint(t)
		require.NoError(t, keyStore.Rotate("hs-2026-02", testSecret('n')))
		assert.True(t, validator.Valid(token, domain.PurposeReturnRequest, "RET-77"))

		fresh, err := minter.MintAccessToken(domain.PurposeReturnRequest, "RET-77", testMobile)
		require.NoError(t, err)
		parsed, _, err := jwt.NewParser().ParseUnverified(fresh.Token, &auth.Claims{})
		require.NoError(t, err)
		assert.Equal(t, "hs-2026-02", parsed.Header["kid"])
	})
}
