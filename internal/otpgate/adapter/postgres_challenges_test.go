package adapter

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aelexs/storefront-otp/internal/domain"
	"github.com/aelexs/storefront-otp/internal/domain/domaintest"
)

var pgTestTime = time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC)

func newPGTestStore(t *testing.T) (*PostgresChallengeStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(func() {
		assert.NoError(t, mock.ExpectationsWereMet())
		mock.Close()
	})
	return NewPostgresChallengeStore(mock, domaintest.NewFakeClock(pgTestTime)), mock
}

func pgTestChallenge(t *testing.T) domain.Challenge {
	t.Helper()
	key, err := domain.NewChallengeKey(domain.PurposeOrderTracking, "ORD-7", domain.MustPhoneNumber("+919812345678"))
	require.NoError(t, err)
	return domain.NewChallenge(domain.MustChallengeID("0b6e7c1d-2f3a-4b5c-8d9e-a0b1c2d3e4f5"), key, "mac",
		pgTestTime, domain.DefaultChallengePolicy(), "192.0.2.10")
}

var activeColumns = []string{
	"challenge_id", "purpose", "entity_id", "mobile", "code_mac",
	"created_at", "expires_at", "attempts", "max_attempts",
	"locked_until", "consumed_at", "superseded_at", "client_ip",
}

func TestPostgresChallengeStore_Active(t *testing.T) {
	ch := pgTestChallenge(t)

	t.Run("decodes row", func(t *testing.T) {
		store, mock := newPGTestStore(t)
		lock := pgTestTime.Add(15 * time.Minute)
		mock.ExpectQuery("FROM otp_challenges").
			WithArgs(ch.Key.Hash()).
			WillReturnRows(mock.NewRows(activeColumns).AddRow(
				ch.ID.String(), "ORDER_TRACKING", "ORD-7", "+919812345678", "mac",
				ch.CreatedAt, ch.ExpiresAt, 5, 5,
				lock, nil, nil, "192.0.2.10",
			))

		got, err := store.Active(context.Background(), ch.Key)
		require.NoError(t, err)
		assert.Equal(t, ch.ID, got.ID)
		assert.Equal(t, ch.Key, got.Key)
		assert.Equal(t, 5, got.Attempts)
		assert.Equal(t, lock, got.LockedUntil)
		assert.True(t, got.ConsumedAt.IsZero())
		assert.True(t, got.SupersededAt.IsZero())
		assert.Equal(t, ch.ExpiresAt, got.ExpiresAt)
	})

	t.Run("no rows is not found", func(t *testing.T) {
		store, mock := newPGTestStore(t)
		mock.ExpectQuery("FROM otp_challenges").
			WithArgs(ch.Key.Hash()).
			WillReturnRows(mock.NewRows(activeColumns))

		_, err := store.Active(context.Background(), ch.Key)
		assert.ErrorIs(t, err, domain.ErrNotFound)
	})

	t.Run("row for another key is rejected", func(t *testing.T) {
		store, mock := newPGTestStore(t)
		mock.ExpectQuery("FROM otp_challenges").
			WithArgs(ch.Key.Hash()).
			WillReturnRows(mock.NewRows(activeColumns).AddRow(
				ch.ID.String(), "RETURN_REQUEST", "ORD-7", "+919812345678", "mac",
				ch.CreatedAt, ch.ExpiresAt, 0, 5,
				nil, nil, nil, "",
			))

		_, err := store.Active(context.Background(), ch.Key)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "does not match its key hash")
	})

	t.Run("query error is wrapped", func(t *testing.T) {
		store, mock := newPGTestStore(t)
		mock.ExpectQuery("FROM otp_challenges").
			WithArgs(ch.Key.Hash()).
			WillReturnError(errors.New("conn closed"))

		_, err := store.Active(context.Background(), ch.Key)
		require.Error(t, err)
		assert.NotErrorIs(t, err, domain.ErrNotFound)
		assert.Contains(t, err.Error(), "postgres challenge store: active: conn closed")
	})
}

func TestPostgresChallengeStore_Replace(t *testing.T) {
	ch := pgTestChallenge(t)

	t.Run("locks, supersedes and inserts in one transaction", func(t *testing.T) {
		store, mock := newPGTestStore(t)
		mock.ExpectBegin()
		mock.ExpectExec("pg_advisory_xact_lock").
			WithArgs(ch.Key.Hash()).
			WillReturnResult(pgxmock.NewResult("SELECT", 1))
		mock.ExpectExec("UPDATE otp_challenges SET superseded_at").
			WithArgs(ch.Key.Hash(), pgTestTime).
			WillReturnResult(pgxmock.NewResult("UPDATE", 1))
		mock.ExpectExec("INSERT INTO otp_challenges").
			WithArgs(ch.ID.String(), ch.Key.Hash(), "ORDER_TRACKING", "ORD-7", "+919812345678", "mac",
				ch.CreatedAt, ch.ExpiresAt, 0, domain.MaxOTPVerifyAttempts, "192.0.2.10").
			WillReturnResult(pgxmock.NewResult("INSERT", 1))
		mock.ExpectCommit()

		require.NoError(t, store.Replace(context.Background(), ch))
	})

	t.Run("insert failure rolls back", func(t *testing.T) {
		store, mock := newPGTestStore(t)
		mock.ExpectBegin()
		mock.ExpectExec("pg_advisory_xact_lock").WithArgs(ch.Key.Hash()).WillReturnResult(pgxmock.NewResult("SELECT", 1))
		mock.ExpectExec("UPDATE otp_challenges SET superseded_at").WithArgs(ch.Key.Hash(), pgTestTime).WillReturnResult(pgxmock.NewResult("UPDATE", 0))
		mock.ExpectExec("INSERT INTO otp_challenges").WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
			pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
			WillReturnError(&pgconn.PgError{Code: pgUniqueViolation, Message: "duplicate key value"})
		mock.ExpectRollback()

		err := store.Replace(context.Background(), ch)
		assert.ErrorIs(t, err, domain.ErrConflict)
		assert.ErrorIs(t, err, domain.ErrStorageUnavailable)
	})

	t.Run("lock failure rolls back", func(t *testing.T) {
		store, mock := newPGTestStore(t)
		mock.ExpectBegin()
		mock.ExpectExec("pg_advisory_xact_lock").WithArgs(ch.Key.Hash()).WillReturnError(errors.New("statement timeout"))
		mock.ExpectRollback()

		err := store.Replace(context.Background(), ch)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "lock key: statement timeout")
	})

	t.Run("begin failure", func(t *testing.T) {
		store, mock := newPGTestStore(t)
		mock.ExpectBegin().WillReturnError(errors.New("too many connections"))

		err := store.Replace(context.Background(), ch)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "begin: too many connections")
	})
}

func TestPostgresChallengeStore_ConditionalWrites(t *testing.T) {
	id := domain.MustChallengeID("0b6e7c1d-2f3a-4b5c-8d9e-a0b1c2d3e4f5")
	lock := pgTestTime.Add(15 * time.Minute)

	t.Run("consume updates one row", func(t *testing.T) {
		store, mock := newPGTestStore(t)
		mock.ExpectExec("UPDATE otp_challenges SET consumed_at").
			WithArgs(id.String(), 2, pgTestTime).
			WillReturnResult(pgxmock.NewResult("UPDATE", 1))

		require.NoError(t, store.Consume(context.Background(), id, 2, pgTestTime))
	})

	t.Run("consume lost race is a conflict", func(t *testing.T) {
		store, mock := newPGTestStore(t)
		mock.ExpectExec("UPDATE otp_challenges SET consumed_at").
			WithArgs(id.String(), 0, pgTestTime).
			WillReturnResult(pgxmock.NewResult("UPDATE", 0))

		assert.ErrorIs(t, store.Consume(context.Background(), id, 0, pgTestTime), domain.ErrConflict)
	})

	t.Run("record failure stores lock", func(t *testing.T) {
		store, mock := newPGTestStore(t)
		mock.ExpectExec("UPDATE otp_challenges SET attempts").
			WithArgs(id.String(), 4, pgtype.Timestamptz{Time: lock, Valid: true}).
			WillReturnResult(pgxmock.NewResult("UPDATE", 1))

		require.NoError(t, store.RecordFailure(context.Background(), id, 4, lock))
	})

	t.Run("record failure without lock writes NULL", func(t *testing.T) {
		store, mock := newPGTestStore(t)
		mock.ExpectExec("UPDATE otp_challenges SET attempts").
			WithArgs(id.String(), 1, pgtype.Timestamptz{}).
			WillReturnResult(pgxmock.NewResult("UPDATE", 1))

		require.NoError(t, store.RecordFailure(context.Background(), id, 1, time.Time{}))
	})

	t.Run("exec error is not a conflict", func(t *testing.T) {
		store, mock := newPGTestStore(t)
		mock.ExpectExec("UPDATE otp_challenges SET attempts").
			WithArgs(id.String(), 1, pgtype.Timestamptz{}).
			WillReturnError(errors.New("connection reset"))

		err := store.RecordFailure(context.Background(), id, 1, time.Time{})
		require.Error(t, err)
		assert.NotErrorIs(t, err, domain.ErrConflict)
	})
}

func TestPostgresChallengeStore_PurgeExpired(t *testing.T) {
	store, mock := newPGTestStore(t)
	cutoff := pgTestTime.Add(-domain.ChallengeRetention)
	mock.ExpectExec("DELETE FROM otp_challenges").
		WithArgs(cutoff).
		WillReturnResult(pgxmock.NewResult("DELETE", 12))

	n, err := store.PurgeExpired(context.Background(), cutoff)
	require.NoError(t, err)
	assert.Equal(t, int64(12), n)
}

func TestPostgresChallengeStore_RunPurger(t *testing.T) {
	store, mock := newPGTestStore(t)
	mock.ExpectExec("DELETE FROM otp_challenges").
		WithArgs(pgTestTime.Add(-domain.ChallengeRetention)).
		WillReturnResult(pgxmock.NewResult("DELETE", 3))

	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&lockedWriter{mu: &sync.Mutex{}, w: &buf}, nil))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		store.RunPurger(ctx, 5*time.Millisecond, domain.ChallengeRetention, logger)
	}()

	require.Eventually(t, func() bool { return mock.ExpectationsWereMet() == nil }, 2*time.Second, 5*time.Millisecond)
	cancel()
	<-done

	assert.Contains(t, buf.String(), "purged expired challenges")
}
