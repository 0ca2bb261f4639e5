package app

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/aelexs/storefront-otp/internal/auth"
	"github.com/aelexs/storefront-otp/internal/domain"
)

// Verify checks a submitted code against the key's active challenge and, on
// a match, consumes the challenge and mints a scoped access token.
func (s *Service) Verify(ctx context.Context, req VerifyRequest) (*VerifyResult, error) {
	ctx, span := tracer.Start(ctx, "otp.verify")
	defer span.End()

	ev := AuditEvent{
		Action:   AuditActionVerify,
		Purpose:  req.Purpose,
		EntityID: req.EntityID,
		ClientIP: req.ClientIP,
	}
	result, err := s.verify(ctx, req, &ev)
	s.finish(ctx, span, &ev, err)
	return result, err
}

func (s *Service) verify(ctx context.Context, req VerifyRequest, ev *AuditEvent) (*VerifyResult, error) {
	if !s.flag.Enabled(ctx) {
		return nil, domain.ErrFeatureDisabled
	}

	key, err := s.parseKey(req.Purpose, req.EntityID, req.Mobile)
	if err != nil {
		return nil, err
	}
	ev.MaskedMobile = key.Mobile.Masked()

	if !auth.IsWellFormedOTP(req.OTP) {
		return nil, fmt.Errorf("otp must be %d digits: %w", domain.OTPLength, domain.ErrInvalidInput)
	}

	// Every successful competing write either consumes the challenge or adds
	// an attempt, so after MaxAttempts+1 lost races the challenge is terminal
	// and the next read answers without writing.
	rounds := s.policy.Challenge.MaxAttempts + 2
	for round := 0; round < rounds; round++ {
		result, err := s.verifyOnce(ctx, key, req.OTP, ev)
		if errors.Is(err, domain.ErrConflict) {
			continue
		}
		return result, err
	}
	return nil, fmt.Errorf("verify: %w", errors.Join(domain.ErrStorageUnavailable, domain.ErrConflict))
}

// verifyOnce evaluates one read-decide-write round. It returns ErrConflict
// when another request changed the challenge between the read and the write.
func (s *Service) verifyOnce(ctx context.Context, key domain.ChallengeKey, candidate string, ev *AuditEvent) (*VerifyResult, error) {
	now := s.clock.Now().UTC()

	var ch *domain.Challenge
	if err := s.withStore(ctx, "active", func(ctx context.Context) error {
		var err error
		ch, err = s.store.Active(ctx, key)
		return err
	}); err != nil {
		return nil, err
	}
	ev.ChallengeID = ch.ID.String()

	if err := ch.Check(now); err != nil {
		return nil, err
	}

	if auth.VerifyCodeMAC(s.pepper.Expose(), candidate, ch.ID.String(), key.Hash(), ch.CodeMAC) {
		consume := func(ctx context.Context) error {
			return s.store.Consume(ctx, ch.ID, ch.Attempts, now)
		}
		consumed := func(got *domain.Challenge) bool {
			return got.ID == ch.ID && domain.ToMillis(got.ConsumedAt) == domain.ToMillis(now)
		}
		if err := s.withWrite(ctx, "consume", key, consume, consumed); err != nil {
			return nil, err
		}
		return s.mint(ctx, key, ch.ID)
	}

	attempts, lockedUntil := ch.AfterMismatch(now, s.policy.Challenge.Lockout)
	recordFailure := func(ctx context.Context) error {
		return s.store.RecordFailure(ctx, ch.ID, ch.Attempts, lockedUntil)
	}
	recorded := func(got *domain.Challenge) bool {
		return got.ID == ch.ID && got.Attempts == attempts &&
			domain.ToMillis(got.LockedUntil) == domain.ToMillis(lockedUntil)
	}
	if err := s.withWrite(ctx, "record_failure", key, recordFailure, recorded); err != nil {
		return nil, err
	}

	verr := &domain.VerifyError{Err: domain.ErrCodeMismatch, AttemptsRemaining: ch.MaxAttempts - attempts}
	if verr.AttemptsRemaining <= 0 {
		verr.AttemptsRemaining = 0
		verr.LockedUntil = lockedUntil
	}
	return nil, verr
}

// mint signs the scoped token for a consumed challenge. Signing failures are
// not retried.
func (s *Service) mint(ctx context.Context, key domain.ChallengeKey, id domain.ChallengeID) (*VerifyResult, error) {
	minted, err := s.minter.MintAccessToken(key.Purpose, key.EntityID, key.Mobile)
	if err != nil {
		return nil, fmt.Errorf("mint access token: %w", errors.Join(domain.ErrSigningFailure, err))
	}
	tokenMintedTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("purpose", key.Purpose.String())))
	return &VerifyResult{
		ChallengeID:    id.String(),
		Token:          minted.Token,
		TokenExpiresAt: minted.ExpiresAt,
	}, nil
}

// IntrospectToken reports whether token grants purpose on entityID right now.
// Malformed arguments are an input error; a bad or foreign token is simply
// reported as not valid.
func (s *Service) IntrospectToken(ctx context.Context, token, purposeRaw, entityID string) (*TokenInfo, error) {
	_, span := tracer.Start(ctx, "otp.introspect_token")
	defer span.End()

	purpose, err := domain.ParsePurpose(purposeRaw)
	if err != nil {
		return nil, err
	}
	if token == "" || entityID == "" {
		return nil, fmt.Errorf("token and entity_id are required: %w", domain.ErrInvalidInput)
	}

	claims, err := s.validator.Validate(token, purpose, entityID)
	if err != nil {
		span.SetAttributes(attribute.Bool("otp.token_valid", false))
		return &TokenInfo{Valid: false, Purpose: purpose, EntityID: entityID}, nil
	}
	span.SetAttributes(attribute.Bool("otp.token_valid", true))
	return &TokenInfo{
		Valid:     true,
		Purpose:   purpose,
		EntityID:  entityID,
		ExpiresAt: claims.ExpiresAt.Time.UTC(),
	}, nil
}
