package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/aelexs/storefront-otp/internal/domain"
)

// withStore runs one challenge store call under the per-call timeout. A
// transient failure is retried once after the backoff; a second failure is
// reported as ErrStorageUnavailable. Domain answers (not found, conflict)
// are returned as-is and never retried.
func (s *Service) withStore(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	return s.withRetry(ctx, op, fn, nil)
}

// withWrite is withStore for a conditional write. A write whose first
// attempt timed out may have landed anyway, in which case the retry answers
// with a conflict. When the retry fails, the key's active challenge is read
// back and applied decides whether the write already took effect.
func (s *Service) withWrite(ctx context.Context, op string, key domain.ChallengeKey, fn func(ctx context.Context) error, applied func(*domain.Challenge) bool) error {
	return s.withRetry(ctx, op, fn, func(ctx context.Context) bool {
		var ch *domain.Challenge
		err := s.callStore(ctx, func(ctx context.Context) error {
			var err error
			ch, err = s.store.Active(ctx, key)
			return err
		})
		return err == nil && applied(ch)
	})
}

func (s *Service) withRetry(ctx context.Context, op string, fn func(ctx context.Context) error, landed func(ctx context.Context) bool) error {
	err := s.callStore(ctx, fn)
	if err == nil || !transientStoreError(err) {
		return err
	}

	storeRetriesTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("op", op)))
	s.logger.WarnContext(ctx, "challenge store call failed, retrying", "op", op, "error", err)

	timer := time.NewTimer(s.policy.RetryBackoff)
	select {
	case <-ctx.Done():
		timer.Stop()
		return fmt.Errorf("store %s: %w", op, errors.Join(domain.ErrStorageUnavailable, ctx.Err()))
	case <-timer.C:
	}

	err = s.callStore(ctx, fn)
	if err == nil {
		return nil
	}
	if landed != nil && landed(ctx) {
		s.logger.InfoContext(ctx, "challenge store write had already applied", "op", op)
		return nil
	}
	if !transientStoreError(err) {
		return err
	}
	return fmt.Errorf("store %s: %w", op, errors.Join(domain.ErrStorageUnavailable, err))
}

func (s *Service) callStore(ctx context.Context, fn func(ctx context.Context) error) error {
	callCtx, cancel := context.WithTimeout(ctx, s.policy.StoreTimeout)
	defer cancel()
	return fn(callCtx)
}

func transientStoreError(err error) bool {
	return !errors.Is(err, domain.ErrNotFound) && !errors.Is(err, domain.ErrConflict)
}
