package app

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/aelexs/storefront-otp/internal/domain"
	"github.com/aelexs/storefront-otp/internal/observability"
)

// Audit actions.
const (
	AuditActionIssue  = "otp.issue"
	AuditActionVerify = "otp.verify"
)

// Audit outcomes. Exactly one is recorded per Issue or Verify call.
const (
	OutcomeIssued             = "issued"
	OutcomeVerified           = "verified"
	OutcomeCodeMismatch       = "code_mismatch"
	OutcomeLocked             = "locked"
	OutcomeExpired            = "expired"
	OutcomeAlreadyUsed        = "already_used"
	OutcomeNotFound           = "not_found"
	OutcomeRateLimited        = "rate_limited"
	OutcomeInvalidInput       = "invalid_input"
	OutcomeDisabled           = "disabled"
	OutcomeStorageUnavailable = "storage_unavailable"
	OutcomeSigningFailure     = "signing_failure"
	OutcomeInternalError      = "internal_error"
)

// AuditEvent is the structured record handed to the audit sink. It carries
// the masked mobile only; codes and code MACs never appear.
type AuditEvent struct {
	EventID           string    `json:"event_id"`
	Action            string    `json:"action"`
	Outcome           string    `json:"outcome"`
	Purpose           string    `json:"purpose"`
	EntityID          string    `json:"entity_id"`
	MaskedMobile      string    `json:"mobile_masked,omitempty"`
	ChallengeID       string    `json:"challenge_id,omitempty"`
	AttemptsRemaining *int      `json:"attempts_remaining,omitempty"`
	LockedUntil       time.Time `json:"locked_until,omitzero"`
	ClientIP          string    `json:"client_ip,omitempty"`
	TraceID           string    `json:"trace_id,omitempty"`
	OccurredAt        time.Time `json:"occurred_at"`
}

// OutcomeOf classifies the error returned by Issue or Verify.
func OutcomeOf(action string, err error) string {
	switch {
	case err == nil && action == AuditActionIssue:
		return OutcomeIssued
	case err == nil:
		return OutcomeVerified
	case errors.Is(err, domain.ErrCodeMismatch):
		return OutcomeCodeMismatch
	case errors.Is(err, domain.ErrLocked):
		return OutcomeLocked
	case errors.Is(err, domain.ErrExpired):
		return OutcomeExpired
	case errors.Is(err, domain.ErrAlreadyUsed):
		return OutcomeAlreadyUsed
	case errors.Is(err, domain.ErrNotFound):
		return OutcomeNotFound
	case errors.Is(err, domain.ErrIssuanceRateLimited):
		return OutcomeRateLimited
	case errors.Is(err, domain.ErrFeatureDisabled):
		return OutcomeDisabled
	case errors.Is(err, domain.ErrStorageUnavailable):
		return OutcomeStorageUnavailable
	case errors.Is(err, domain.ErrSigningFailure):
		return OutcomeSigningFailure
	case domain.IsClientError(err):
		return OutcomeInvalidInput
	default:
		return OutcomeInternalError
	}
}

// finish records the single outcome of an Issue or Verify call: span status,
// counter, log line and audit event.
func (s *Service) finish(ctx context.Context, span trace.Span, ev *AuditEvent, err error) {
	ev.Outcome = OutcomeOf(ev.Action, err)
	ev.EventID = uuid.NewString()
	ev.OccurredAt = s.clock.Now().UTC()
	ev.TraceID = observability.TraceIDFromContext(ctx)
	if ve, ok := domain.AsVerifyError(err); ok {
		remaining := ve.AttemptsRemaining
		ev.AttemptsRemaining = &remaining
		ev.LockedUntil = ve.LockedUntil
	}

	span.SetAttributes(
		attribute.String("otp.purpose", ev.Purpose),
		attribute.String("otp.outcome", ev.Outcome),
	)
	counter := otpVerifyTotal
	if ev.Action == AuditActionIssue {
		counter = otpIssuedTotal
	}
	counter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("purpose", ev.Purpose),
		attribute.String("outcome", ev.Outcome),
	))

	logger := observability.WithTraceID(ctx, s.logger)
	switch {
	case err == nil:
		logger.InfoContext(ctx, ev.Action, "outcome", ev.Outcome, "purpose", ev.Purpose,
			"entity_id", ev.EntityID, "mobile", ev.MaskedMobile, "challenge_id", ev.ChallengeID)
	case domain.IsClientError(err) || errors.Is(err, domain.ErrIssuanceRateLimited) || errors.Is(err, domain.ErrFeatureDisabled):
		span.SetStatus(codes.Error, ev.Outcome)
		logger.InfoContext(ctx, ev.Action, "outcome", ev.Outcome, "purpose", ev.Purpose,
			"entity_id", ev.EntityID, "mobile", ev.MaskedMobile, "challenge_id", ev.ChallengeID)
	default:
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		logger.ErrorContext(ctx, ev.Action, "outcome", ev.Outcome, "purpose", ev.Purpose,
			"entity_id", ev.EntityID, "mobile", ev.MaskedMobile, "error", err)
	}

	if s.audit == nil {
		return
	}
	if auditErr := s.audit.Emit(ctx, *ev); auditErr != nil {
		auditFailuresTotal.Add(ctx, 1)
		logger.WarnContext(ctx, "audit emit failed", "action", ev.Action, "outcome", ev.Outcome, "error", auditErr)
	}
}
