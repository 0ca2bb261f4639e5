package adapter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/aelexs/storefront-otp/internal/domain"
	"github.com/aelexs/storefront-otp/internal/otpgate/app"
)

// challengePool is the subset of *pgxpool.Pool the store uses; pgxmock's
// pool satisfies it in tests.
type challengePool interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

const pgUniqueViolation = "23505"

const (
	sqlSelectActive = `SELECT challenge_id::text, purpose, entity_id, mobile, code_mac,
       created_at, expires_at, attempts, max_attempts,
       locked_until, consumed_at, superseded_at, client_ip
FROM otp_challenges
WHERE key_hash = $1 AND superseded_at IS NULL`

	sqlLockKey = `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`

	sqlSupersede = `UPDATE otp_challenges SET superseded_at = $2
WHERE key_hash = $1 AND superseded_at IS NULL`

	sqlInsert = `INSERT INTO otp_challenges (
    challenge_id, key_hash, purpose, entity_id, mobile, code_mac,
    created_at, expires_at, attempts, max_attempts, client_ip
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`

	sqlConsume = `UPDATE otp_challenges SET consumed_at = $3
WHERE challenge_id = $1 AND attempts = $2
  AND consumed_at IS NULL AND superseded_at IS NULL`

	sqlRecordFailure = `UPDATE otp_challenges SET attempts = $2 + 1, locked_until = $3
WHERE challenge_id = $1 AND attempts = $2
  AND consumed_at IS NULL AND superseded_at IS NULL`

	sqlPurge = `DELETE FROM otp_challenges WHERE expires_at < $1`
)

// PostgresChallengeStore persists challenges in Postgres. Replace serializes
// per key with a transaction-scoped advisory lock, backed by a partial unique
// index on the active key. Consume and RecordFailure are single conditional
// UPDATEs.
type PostgresChallengeStore struct {
	pool  challengePool
	clock domain.Clock
}

// NewPostgresChallengeStore creates a store over the given pool.
func NewPostgresChallengeStore(pool challengePool, clock domain.Clock) *PostgresChallengeStore {
	return &PostgresChallengeStore{pool: pool, clock: clock}
}

// Active loads the key's non-superseded challenge.
func (s *PostgresChallengeStore) Active(ctx context.Context, key domain.ChallengeKey) (*domain.Challenge, error) {
	ctx, span := startPGSpan(ctx, "postgres.challenges.active", "SELECT")
	defer span.End()

	var (
		id, purpose, entityID, mobile, codeMAC, clientIP string
		createdAt, expiresAt                             time.Time
		attempts, maxAttempts                            int
		lockedUntil, consumedAt, supersededAt            pgtype.Timestamptz
	)
	err := s.pool.QueryRow(ctx, sqlSelectActive, key.Hash()).Scan(
		&id, &purpose, &entityID, &mobile, &codeMAC,
		&createdAt, &expiresAt, &attempts, &maxAttempts,
		&lockedUntil, &consumedAt, &supersededAt, &clientIP,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("postgres challenge store: active: %w", domain.ErrNotFound)
	}
	if err != nil {
		return nil, recordSpanError(span, fmt.Errorf("postgres challenge store: active: %w", err))
	}

	challengeID, err := domain.NewChallengeID(id)
	if err != nil {
		return nil, recordSpanError(span, fmt.Errorf("postgres challenge store: decode id: %w", err))
	}
	if purpose != key.Purpose.String() || entityID != key.EntityID || mobile != key.Mobile.String() {
		return nil, recordSpanError(span, fmt.Errorf("postgres challenge store: challenge %s does not match its key hash", id))
	}

	return &domain.Challenge{
		ID:           challengeID,
		Key:          key,
		CodeMAC:      codeMAC,
		CreatedAt:    createdAt.UTC(),
		ExpiresAt:    expiresAt.UTC(),
		Attempts:     attempts,
		MaxAttempts:  maxAttempts,
		LockedUntil:  fromTimestamptz(lockedUntil),
		ConsumedAt:   fromTimestamptz(consumedAt),
		SupersededAt: fromTimestamptz(supersededAt),
		ClientIP:     clientIP,
	}, nil
}

// Replace supersedes the active challenge and inserts ch in one transaction.
func (s *PostgresChallengeStore) Replace(ctx context.Context, ch domain.Challenge) error {
	ctx, span := startPGSpan(ctx, "postgres.challenges.replace", "TRANSACTION")
	defer span.End()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return recordSpanError(span, fmt.Errorf("postgres challenge store: begin: %w", err))
	}
	if err := s.replaceTx(ctx, tx, ch); err != nil {
		_ = tx.Rollback(ctx)
		return recordSpanError(span, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return recordSpanError(span, fmt.Errorf("postgres challenge store: commit: %w", err))
	}
	return nil
}

func (s *PostgresChallengeStore) replaceTx(ctx context.Context, tx pgx.Tx, ch domain.Challenge) error {
	keyHash := ch.Key.Hash()

	if _, err := tx.Exec(ctx, sqlLockKey, keyHash); err != nil {
		return fmt.Errorf("postgres challenge store: lock key: %w", err)
	}
	if _, err := tx.Exec(ctx, sqlSupersede, keyHash, s.clock.Now().UTC()); err != nil {
		return fmt.Errorf("postgres challenge store: supersede: %w", err)
	}
	_, err := tx.Exec(ctx, sqlInsert,
		ch.ID.String(), keyHash, ch.Key.Purpose.String(), ch.Key.EntityID, ch.Key.Mobile.String(), ch.CodeMAC,
		ch.CreatedAt.UTC(), ch.ExpiresAt.UTC(), ch.Attempts, ch.MaxAttempts, ch.ClientIP,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return fmt.Errorf("postgres challenge store: insert: %w", errors.Join(domain.ErrStorageUnavailable, domain.ErrConflict))
		}
		return fmt.Errorf("postgres challenge store: insert: %w", err)
	}
	return nil
}

// Consume sets consumed_at if the challenge is still writable at
// expectedAttempts.
func (s *PostgresChallengeStore) Consume(ctx context.Context, id domain.ChallengeID, expectedAttempts int, at time.Time) error {
	ctx, span := startPGSpan(ctx, "postgres.challenges.consume", "UPDATE")
	defer span.End()

	tag, err := s.pool.Exec(ctx, sqlConsume, id.String(), expectedAttempts, at.UTC())
	return recordSpanError(span, conditionalResult("consume", id, tag, err))
}

// RecordFailure bumps attempts and stores the lock deadline if the challenge
// is still writable at expectedAttempts.
func (s *PostgresChallengeStore) RecordFailure(ctx context.Context, id domain.ChallengeID, expectedAttempts int, lockedUntil time.Time) error {
	ctx, span := startPGSpan(ctx, "postgres.challenges.record_failure", "UPDATE")
	defer span.End()

	tag, err := s.pool.Exec(ctx, sqlRecordFailure, id.String(), expectedAttempts, toTimestamptz(lockedUntil))
	return recordSpanError(span, conditionalResult("record failure", id, tag, err))
}

// PurgeExpired deletes challenges that expired before cutoff and returns the
// number removed. Postgres has no item TTL, so the process runs this on a timer.
func (s *PostgresChallengeStore) PurgeExpired(ctx context.Context, cutoff time.Time) (int64, error) {
	ctx, span := startPGSpan(ctx, "postgres.challenges.purge", "DELETE")
	defer span.End()

	tag, err := s.pool.Exec(ctx, sqlPurge, cutoff.UTC())
	if err != nil {
		return 0, recordSpanError(span, fmt.Errorf("postgres challenge store: purge: %w", err))
	}
	span.SetAttributes(attribute.Int64("db.rows_affected", tag.RowsAffected()))
	return tag.RowsAffected(), nil
}

// RunPurger deletes rows older than retention past their expiry every
// interval until ctx is done. Failures are logged and retried on the next
// tick.
func (s *PostgresChallengeStore) RunPurger(ctx context.Context, interval, retention time.Duration, logger *slog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		n, err := s.PurgeExpired(ctx, s.clock.Now().Add(-retention))
		if err != nil {
			if ctx.Err() == nil {
				logger.WarnContext(ctx, "challenge purge failed", "error", err)
			}
			continue
		}
		if n > 0 {
			logger.InfoContext(ctx, "purged expired challenges", "rows", n)
		}
	}
}

func conditionalResult(op string, id domain.ChallengeID, tag pgconn.CommandTag, err error) error {
	if err != nil {
		return fmt.Errorf("postgres challenge store: %s %s: %w", op, id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("postgres challenge store: %s %s: %w", op, id, domain.ErrConflict)
	}
	return nil
}

func startPGSpan(ctx context.Context, name, operation string) (context.Context, trace.Span) {
	ctx, span := tracer.Start(ctx, name)
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", operation),
	)
	return ctx, span
}

func toTimestamptz(t time.Time) pgtype.Timestamptz {
	if t.IsZero() {
		return pgtype.Timestamptz{}
	}
	return pgtype.Timestamptz{Time: t.UTC(), Valid: true}
}

func fromTimestamptz(ts pgtype.Timestamptz) time.Time {
	if !ts.Valid {
		return time.Time{}
	}
	return ts.Time.UTC()
}

var _ app.ChallengeStore = (*PostgresChallengeStore)(nil)
