package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/aelexs/storefront-otp/internal/auth"
	"github.com/aelexs/storefront-otp/internal/domain"
	"github.com/aelexs/storefront-otp/internal/observability"
)

// Issue normalizes the mobile, enforces issuance limits, stores a fresh
// challenge that supersedes any previous one for the same key, and hands
// the code to the SMS provider in the background.
func (s *Service) Issue(ctx context.Context, req IssueRequest) (*IssueResult, error) {
	ctx, span := tracer.Start(ctx, "otp.issue")
	defer span.End()

	ev := AuditEvent{
		Action:   AuditActionIssue,
		Purpose:  req.Purpose,
		EntityID: req.EntityID,
		ClientIP: req.ClientIP,
	}
	result, err := s.issue(ctx, req, &ev)
	s.finish(ctx, span, &ev, err)
	return result, err
}

func (s *Service) issue(ctx context.Context, req IssueRequest, ev *AuditEvent) (*IssueResult, error) {
	if !s.flag.Enabled(ctx) {
		return nil, domain.ErrFeatureDisabled
	}

	key, err := s.parseKey(req.Purpose, req.EntityID, req.Mobile)
	if err != nil {
		return nil, err
	}
	ev.MaskedMobile = key.Mobile.Masked()

	if err := s.checkIssueLimits(ctx, key, req.ClientIP); err != nil {
		return nil, err
	}

	code, err := auth.GenerateOTP()
	if err != nil {
		return nil, err
	}

	id := domain.GenerateChallengeID()
	mac := auth.ComputeCodeMAC(s.pepper.Expose(), code, id.String(), key.Hash())
	ch := domain.NewChallenge(id, key, mac, s.clock.Now(), s.policy.Challenge, req.ClientIP)
	ev.ChallengeID = id.String()

	replace := func(ctx context.Context) error {
		return s.store.Replace(ctx, ch)
	}
	installed := func(got *domain.Challenge) bool { return got.ID == ch.ID }
	if err := s.withWrite(ctx, "replace", key, replace, installed); err != nil {
		return nil, fmt.Errorf("store challenge: %w", err)
	}

	s.dispatch(ctx, auth.OTPMessage{
		To:      key.Mobile,
		Code:    code,
		Purpose: key.Purpose,
		TTL:     s.policy.Challenge.TTL,
	}, id)

	return &IssueResult{
		ChallengeID: id.String(),
		ExpiresAt:   ch.ExpiresAt,
		ResendAfter: s.policy.ResendAfter,
	}, nil
}

// checkIssueLimits applies the per-IP limit (fail-open) and then the
// per-mobile limit (fail-closed). The IP goes first so a request refused for
// its address does not spend the guest's mobile quota.
func (s *Service) checkIssueLimits(ctx context.Context, key domain.ChallengeKey, clientIP string) error {
	logger := observability.WithTraceID(ctx, s.logger)

	if clientIP != "" {
		ipDecision, err := s.allow(ctx, "otp:issue:ip:"+clientIP, s.policy.IssueLimitPerIP)
		switch {
		case err != nil:
			logger.WarnContext(ctx, "ip rate limit check failed, proceeding (fail-open)",
				"error", err, "client_ip", clientIP)
		case !ipDecision.Allowed:
			rateLimitsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("limit_type", "ip")))
			return &domain.RateLimitError{Scope: "ip", RetryAfter: ipDecision.RetryAfter}
		}
	}

	mobileDecision, err := s.allow(ctx, "otp:issue:mobile:"+key.MobilePurposeKey(), s.policy.IssueLimitPerMobile)
	if err != nil {
		return fmt.Errorf("check mobile rate limit: %w", errors.Join(domain.ErrStorageUnavailable, err))
	}
	if !mobileDecision.Allowed {
		rateLimitsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("limit_type", "mobile")))
		return &domain.RateLimitError{Scope: "mobile", RetryAfter: mobileDecision.RetryAfter}
	}
	return nil
}

func (s *Service) allow(ctx context.Context, key string, limit int) (RateDecision, error) {
	ctx, cancel := context.WithTimeout(ctx, domain.RedisTimeout)
	defer cancel()
	return s.limiter.Allow(ctx, key, limit, s.policy.IssueWindow)
}

// dispatch sends the SMS on a goroutine owned by the service. The send is
// detached from request cancellation; a failure is logged, never rolled back.
func (s *Service) dispatch(ctx context.Context, msg auth.OTPMessage, id domain.ChallengeID) {
	smsCtx := context.WithoutCancel(ctx)
	timeout := s.policy.SMSTimeout
	if timeout <= 0 {
		timeout = domain.SMSSendTimeout
	}
	logger := observability.WithTraceID(ctx, s.logger)
	s.bgWG.Add(1)
	go func() {
		defer s.bgWG.Done()
		sendCtx, cancel := context.WithTimeout(smsCtx, timeout)
		defer cancel()
		start := time.Now()
		if err := s.smsProvider.SendOTP(sendCtx, msg); err != nil {
			smsFailuresTotal.Add(sendCtx, 1)
			logger.ErrorContext(sendCtx, "failed to send OTP SMS",
				"error", err, "challenge_id", id.String(), "mobile", msg.To.Masked())
			return
		}
		logger.DebugContext(sendCtx, "otp sms accepted",
			"challenge_id", id.String(), "duration_ms", time.Since(start).Milliseconds())
	}()
}
