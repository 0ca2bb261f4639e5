package adapter

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"

	"github.com/aelexs/storefront-otp/internal/auth"
	"github.com/aelexs/storefront-otp/internal/domain"
)

// smClient is the narrow consumer-defined interface for Secrets Manager operations.
type smClient interface {
	GetSecretValue(ctx context.Context, params *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
}

var _ auth.KeyStore = (*SecretsManagerKeyStore)(nil)

const (
	// defaultKeyCacheTTL bounds how stale the verification key set may get.
	defaultKeyCacheTTL = 300 * time.Second

	// defaultUnknownKidCooldown limits refreshes triggered by unknown key IDs.
	defaultUnknownKidCooldown = 30 * time.Second

	// base64KeyPrefix marks a key value that is base64 encoded rather than raw.
	base64KeyPrefix = "base64:"
)

// keyDocument is the JSON stored in the secret:
//
//	{"current_kid": "2026-01", "keys": {"2026-01": "...", "2025-10": "base64:..."}}
type keyDocument struct {
	CurrentKID string            `json:"current_kid"`
	Keys       map[string]string `json:"keys"`
}

// SecretsManagerKeyStore implements auth.KeyStore from a single Secrets
// Manager secret holding every live HS256 key. Rotation is a secret update:
// add the new key, point current_kid at it, and remove the old key once the
// tokens it signed have expired.
//
// Keys are loaded eagerly at construction; the process must not start
// without a signing key.
type SecretsManagerKeyStore struct {
	sm       smClient
	secretID string
	clock    domain.Clock

	mu                    sync.RWMutex
	currentKID            string
	keys                  map[string]domain.SecretBytes
	loadedAt              time.Time
	lastUnknownKidRefresh time.Time
	lastStaleRefresh      time.Time
	cacheTTL              time.Duration
	kidCooldown           time.Duration
}

// NewSecretsManagerKeyStore loads the key document and validates every key.
func NewSecretsManagerKeyStore(ctx context.Context, sm smClient, secretID string, clock domain.Clock) (*SecretsManagerKeyStore, error) {
	if secretID == "" {
		return nil, fmt.Errorf("secrets manager key store: empty secret id: %w", domain.ErrConfigRequired)
	}
	ks := &SecretsManagerKeyStore{
		sm:          sm,
		secretID:    secretID,
		clock:       clock,
		cacheTTL:    defaultKeyCacheTTL,
		kidCooldown: defaultUnknownKidCooldown,
	}
	if err := ks.Refresh(ctx); err != nil {
		return nil, err
	}
	return ks, nil
}

// SigningKey returns the current signing secret and its key ID. Once the
// cache TTL has passed the document is reloaded first, so a current_kid
// rotation reaches signing without waiting on a verification.
func (ks *SecretsManagerKeyStore) SigningKey() (domain.SecretBytes, string, error) {
	// A failed reload keeps signing with the cached key.
	_ = ks.refreshIfStale()

	ks.mu.RLock()
	defer ks.mu.RUnlock()

	key, ok := ks.keys[ks.currentKID]
	if !ok {
		return nil, "", fmt.Errorf("no signing key available: %w", domain.ErrSigningFailure)
	}
	return key, ks.currentKID, nil
}

// VerificationKey returns the secret for kid. An expired cache is refreshed
// inline; an unknown kid triggers at most one refresh per cooldown.
func (ks *SecretsManagerKeyStore) VerificationKey(kid string) (domain.SecretBytes, error) {
	ks.mu.RLock()
	now := ks.clock.Now()
	cacheExpired := now.Sub(ks.loadedAt) > ks.cacheTTL
	key, ok := ks.keys[kid]
	cooldownActive := now.Sub(ks.lastUnknownKidRefresh) <= ks.kidCooldown
	ks.mu.RUnlock()

	if ok && !cacheExpired {
		return key, nil
	}
	if !ok && !cacheExpired && cooldownActive {
		return nil, fmt.Errorf("unknown key ID %q (cooldown active)", kid)
	}

	if err := ks.boundedRefresh(); err != nil {
		if ok {
			// Keep verifying with the cached key when the refresh fails.
			return key, nil
		}
		return nil, fmt.Errorf("refreshing keys for kid %q: %w", kid, err)
	}

	ks.mu.Lock()
	defer ks.mu.Unlock()
	if !ok {
		ks.lastUnknownKidRefresh = now
	}
	key, ok = ks.keys[kid]
	if !ok {
		return nil, fmt.Errorf("unknown key ID %q", kid)
	}
	return key, nil
}

// refreshIfStale reloads the document when the cache TTL has passed. After
// a failed reload the next attempt waits out the cooldown.
func (ks *SecretsManagerKeyStore) refreshIfStale() error {
	ks.mu.Lock()
	now := ks.clock.Now()
	if now.Sub(ks.loadedAt) <= ks.cacheTTL || now.Sub(ks.lastStaleRefresh) <= ks.kidCooldown {
		ks.mu.Unlock()
		return nil
	}
	ks.lastStaleRefresh = now
	ks.mu.Unlock()
	return ks.boundedRefresh()
}

// boundedRefresh is Refresh for the read paths. auth.KeyStore takes no
// context, so the call gets its own deadline.
func (ks *SecretsManagerKeyStore) boundedRefresh() error {
	ctx, cancel := context.WithTimeout(context.Background(), domain.KeyRefreshTimeout)
	defer cancel()
	return ks.Refresh(ctx)
}

// Refresh reloads the key document. A document that fails validation leaves
// the current keys in place.
func (ks *SecretsManagerKeyStore) Refresh(ctx context.Context) error {
	ctx, span := tracer.Start(ctx, "secretsmanager.get_secret_value")
	defer span.End()

	out, err := ks.sm.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: aws.String(ks.secretID),
	})
	if err != nil {
		return recordSpanError(span, fmt.Errorf("fetching key document %q: %w", ks.secretID, err))
	}
	if out.SecretString == nil {
		return recordSpanError(span, fmt.Errorf("key document %q has no secret string", ks.secretID))
	}

	currentKID, keys, err := parseKeyDocument(*out.SecretString)
	if err != nil {
		return recordSpanError(span, fmt.Errorf("key document %q: %w", ks.secretID, err))
	}

	ks.mu.Lock()
	defer ks.mu.Unlock()
	ks.currentKID = currentKID
	ks.keys = keys
	ks.loadedAt = ks.clock.Now()
	return nil
}

func parseKeyDocument(raw string) (string, map[string]domain.SecretBytes, error) {
	var doc keyDocument
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		return "", nil, fmt.Errorf("decoding JSON: %w", err)
	}
	if doc.CurrentKID == "" {
		return "", nil, fmt.Errorf("current_kid is empty: %w", domain.ErrSigningFailure)
	}

	keys := make(map[string]domain.SecretBytes, len(doc.Keys))
	for kid, value := range doc.Keys {
		secret := []byte(value)
		if encoded, ok := strings.CutPrefix(value, base64KeyPrefix); ok {
			decoded, err := base64.StdEncoding.DecodeString(encoded)
			if err != nil {
				return "", nil, fmt.Errorf("key %q: decoding base64: %w", kid, err)
			}
			secret = decoded
		}
		if err := auth.CheckKeyMaterial(kid, secret); err != nil {
			return "", nil, err
		}
		keys[kid] = domain.SecretBytes(secret)
	}
	if _, ok := keys[doc.CurrentKID]; !ok {
		return "", nil, fmt.Errorf("current_kid %q has no key: %w", doc.CurrentKID, domain.ErrSigningFailure)
	}
	return doc.CurrentKID, keys, nil
}
