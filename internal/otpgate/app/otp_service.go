package app

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/aelexs/storefront-otp/internal/auth"
	"github.com/aelexs/storefront-otp/internal/domain"
)

var tracer = otel.Tracer("otpgate/app")

var (
	otpIssuedTotal     metric.Int64Counter
	otpVerifyTotal     metric.Int64Counter
	rateLimitsTotal    metric.Int64Counter
	tokenMintedTotal   metric.Int64Counter
	storeRetriesTotal  metric.Int64Counter
	smsFailuresTotal   metric.Int64Counter
	auditFailuresTotal metric.Int64Counter
)

func init() {
	m := otel.Meter("otpgate/app")

	otpIssuedTotal, _ = m.Int64Counter("otp_issued_total",
		metric.WithDescription("OTP issuance requests by outcome"))
	otpVerifyTotal, _ = m.Int64Counter("otp_verify_total",
		metric.WithDescription("OTP verification requests by outcome"))
	rateLimitsTotal, _ = m.Int64Counter("otp_rate_limited_total",
		metric.WithDescription("Issuance requests rejected by a rate limit"))
	tokenMintedTotal, _ = m.Int64Counter("otp_token_minted_total",
		metric.WithDescription("Scoped access tokens minted"))
	storeRetriesTotal, _ = m.Int64Counter("otp_store_retries_total",
		metric.WithDescription("Challenge store calls retried after a transient failure"))
	smsFailuresTotal, _ = m.Int64Counter("otp_sms_failures_total",
		metric.WithDescription("OTP SMS hand-offs rejected by the provider"))
	auditFailuresTotal, _ = m.Int64Counter("otp_audit_failures_total",
		metric.WithDescription("Audit events that could not be emitted"))
}

// ChallengeStore persists challenges. Every mutation is conditional so that
// concurrent verifications of one challenge serialize on the stored state.
type ChallengeStore interface {
	// Active returns the key's non-superseded challenge, or domain.ErrNotFound.
	Active(ctx context.Context, key domain.ChallengeKey) (*domain.Challenge, error)

	// Replace supersedes the key's active challenge (if any) and inserts ch
	// as the new active challenge in one atomic unit.
	Replace(ctx context.Context, ch domain.Challenge) error

	// Consume marks the challenge used if it is still active, unconsumed and
	// has exactly expectedAttempts attempts. Otherwise domain.ErrConflict.
	Consume(ctx context.Context, id domain.ChallengeID, expectedAttempts int, at time.Time) error

	// RecordFailure sets attempts to expectedAttempts+1 and locked_until
	// under the same conditions as Consume. Otherwise domain.ErrConflict.
	RecordFailure(ctx context.Context, id domain.ChallengeID, expectedAttempts int, lockedUntil time.Time) error
}

// RateDecision is the outcome of one rate limit check.
type RateDecision struct {
	Allowed    bool
	Count      int
	RetryAfter time.Duration
}

// RateLimiter counts events per key in a fixed window.
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (RateDecision, error)
}

// AuditSink receives one event per issue/verify outcome.
type AuditSink interface {
	Emit(ctx context.Context, event AuditEvent) error
}

// FeatureFlag gates the whole OTP flow.
type FeatureFlag interface {
	Enabled(ctx context.Context) bool
}

// Policy is the immutable OTP configuration read once at construction.
type Policy struct {
	Challenge           domain.ChallengePolicy
	TokenTTL            time.Duration
	IssueLimitPerMobile int
	IssueLimitPerIP     int
	IssueWindow         time.Duration
	ResendAfter         time.Duration
	StoreTimeout        time.Duration
	RetryBackoff        time.Duration
	SMSTimeout          time.Duration
}

// DefaultPolicy returns the compiled defaults.
func DefaultPolicy() Policy {
	return Policy{
		Challenge:           domain.DefaultChallengePolicy(),
		TokenTTL:            domain.AccessTokenLifetime,
		IssueLimitPerMobile: domain.OTPIssueLimitPerMobile,
		IssueLimitPerIP:     domain.OTPIssueLimitPerIP,
		IssueWindow:         domain.OTPIssueWindow,
		ResendAfter:         domain.OTPResendAfter,
		StoreTimeout:        domain.StoreCallTimeout,
		RetryBackoff:        domain.StoreRetryBackoff,
		SMSTimeout:          domain.SMSSendTimeout,
	}
}

// IssueRequest is the input to Issue. Fields are raw wire values.
type IssueRequest struct {
	Purpose  string
	EntityID string
	Mobile   string
	ClientIP string
}

// IssueResult is returned by Issue on success. It never carries the code.
type IssueResult struct {
	ChallengeID string
	ExpiresAt   time.Time
	ResendAfter time.Duration
}

// VerifyRequest is the input to Verify. The challenge is located from the
// key fields; callers never name a challenge id.
type VerifyRequest struct {
	Purpose  string
	EntityID string
	Mobile   string
	OTP      string
	ClientIP string
}

// VerifyResult is returned by Verify on success.
type VerifyResult struct {
	ChallengeID    string
	Token          string
	TokenExpiresAt time.Time
}

// TokenInfo is returned by IntrospectToken.
type TokenInfo struct {
	Valid     bool
	Purpose   domain.Purpose
	EntityID  string
	ExpiresAt time.Time
}

// ServiceConfig holds the dependencies for Service.
type ServiceConfig struct {
	Store       ChallengeStore
	RateLimiter RateLimiter
	SMSProvider auth.SMSProvider
	Audit       AuditSink
	Flag        FeatureFlag
	Minter      *auth.Minter
	Validator   *auth.Validator
	Normalizer  domain.PhoneNormalizer
	Clock       domain.Clock
	Pepper      domain.SecretBytes
	Policy      Policy
	Logger      *slog.Logger
}

// Service orchestrates the guest OTP flows: Issue, Verify and token
// introspection.
type Service struct {
	store       ChallengeStore
	limiter     RateLimiter
	smsProvider auth.SMSProvider
	audit       AuditSink
	flag        FeatureFlag
	minter      *auth.Minter
	validator   *auth.Validator
	normalizer  domain.PhoneNormalizer
	clock       domain.Clock
	pepper      domain.SecretBytes
	policy      Policy
	logger      *slog.Logger
	bgWG        sync.WaitGroup // owns background goroutines (SMS sends)
}

// NewService creates a new Service with the given dependencies.
func NewService(cfg ServiceConfig) *Service {
	flag := cfg.Flag
	if flag == nil {
		flag = alwaysEnabled{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:       cfg.Store,
		limiter:     cfg.RateLimiter,
		smsProvider: cfg.SMSProvider,
		audit:       cfg.Audit,
		flag:        flag,
		minter:      cfg.Minter,
		validator:   cfg.Validator,
		normalizer:  cfg.Normalizer,
		clock:       cfg.Clock,
		pepper:      cfg.Pepper,
		policy:      cfg.Policy,
		logger:      logger,
	}
}

// Wait blocks until all background goroutines owned by this service complete.
// The wiring layer calls it during graceful shutdown.
func (s *Service) Wait() {
	s.bgWG.Wait()
}

type alwaysEnabled struct{}

func (alwaysEnabled) Enabled(context.Context) bool { return true }

// parseKey turns raw wire values into a validated challenge key.
func (s *Service) parseKey(purposeRaw, entityID, mobileRaw string) (domain.ChallengeKey, error) {
	purpose, err := domain.ParsePurpose(purposeRaw)
	if err != nil {
		return domain.ChallengeKey{}, err
	}
	mobile, err := s.normalizer.Normalize(mobileRaw)
	if err != nil {
		return domain.ChallengeKey{}, err
	}
	return domain.NewChallengeKey(purpose, entityID, mobile)
}
