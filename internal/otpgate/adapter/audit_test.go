package adapter

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aelexs/storefront-otp/internal/domain"
	"github.com/aelexs/storefront-otp/internal/otpgate/app"
)

func testAuditEvent() app.AuditEvent {
	remaining := 3
	return app.AuditEvent{
		EventID:           "6f1c2f1e-4a43-4d8e-9a55-7d1f6b2f0c11",
		Action:            app.AuditActionVerify,
		Outcome:           app.OutcomeCodeMismatch,
		Purpose:           "ORDER_TRACKING",
		EntityID:          "ORD-1001",
		MaskedMobile:      "+91******3210",
		ChallengeID:       "0b6e7c1d-2f3a-4b5c-8d9e-a0b1c2d3e4f5",
		AttemptsRemaining: &remaining,
		ClientIP:          "203.0.113.9",
		OccurredAt:        time.Date(2026, 1, 15, 12, 0, 0, 0, time.UTC),
	}
}

func TestSlogAuditSink_Emit(t *testing.T) {
	var buf bytes.Buffer
	sink := NewSlogAuditSink(slog.New(slog.NewJSONHandler(&buf, nil)))

	require.NoError(t, sink.Emit(context.Background(), testAuditEvent()))

	var record map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &record))
	assert.Equal(t, "audit", record["log_type"])
	audit, ok := record["audit"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "otp.verify", audit["action"])
	assert.Equal(t, "code_mismatch", audit["outcome"])
	assert.Equal(t, "+91******3210", audit["mobile"])
	assert.InDelta(t, 3, audit["attempts_remaining"], 0)
	assert.NotContains(t, audit, "locked_until")
}

// kafkaWriterStub is a configurable stub for the kafkaWriter interface.
type kafkaWriterStub struct {
	writeFn func(ctx context.Context, msgs ...kafka.Message) error
	closed  bool
}

func (s *kafkaWriterStub) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	return s.writeFn(ctx, msgs...)
}

func (s *kafkaWriterStub) Close() error {
	s.closed = true
	return nil
}

func TestKafkaAuditSink_Emit(t *testing.T) {
	t.Run("writes json keyed by entity", func(t *testing.T) {
		var got []kafka.Message
		stub := &kafkaWriterStub{writeFn: func(_ context.Context, msgs ...kafka.Message) error {
			got = append(got, msgs...)
			return nil
		}}
		sink := NewKafkaAuditSink(stub)

		require.NoError(t, sink.Emit(context.Background(), testAuditEvent()))
		require.Len(t, got, 1)
		assert.Equal(t, "ORD-1001", string(got[0].Key))

		var decoded app.AuditEvent
		require.NoError(t, json.Unmarshal(got[0].Value, &decoded))
		assert.Equal(t, testAuditEvent().EventID, decoded.EventID)
		require.NotNil(t, decoded.AttemptsRemaining)
		assert.Equal(t, 3, *decoded.AttemptsRemaining)
		assert.Contains(t, got[0].Headers, kafka.Header{Key: "outcome", Value: []byte("code_mismatch")})

		require.NoError(t, sink.Close())
		assert.True(t, stub.closed)
	})

	t.Run("write error is wrapped", func(t *testing.T) {
		writeErr := errors.New("leader not available")
		sink := NewKafkaAuditSink(&kafkaWriterStub{writeFn: func(context.Context, ...kafka.Message) error {
			return writeErr
		}})

		err := sink.Emit(context.Background(), testAuditEvent())
		assert.ErrorIs(t, err, writeErr)
		assert.Contains(t, err.Error(), "kafka audit: write")
	})
}

func TestNewKafkaWriter(t *testing.T) {
	_, err := NewKafkaWriter(nil, "otp-audit", "storefront-otp")
	assert.ErrorIs(t, err, domain.ErrConfigRequired)

	_, err = NewKafkaWriter([]string{"localhost:9092"}, "", "storefront-otp")
	assert.ErrorIs(t, err, domain.ErrConfigRequired)

	w, err := NewKafkaWriter([]string{"localhost:9092"}, "otp-audit", "storefront-otp")
	require.NoError(t, err)
	assert.Equal(t, "otp-audit", w.Topic)
	transport, ok := w.Transport.(*kafka.Transport)
	require.True(t, ok)
	assert.Equal(t, "storefront-otp", transport.ClientID)
	require.NoError(t, w.Close())
}

// auditSinkStub is a configurable stub for app.AuditSink.
type auditSinkStub struct {
	mu     sync.Mutex
	events []app.AuditEvent
	emitFn func(ctx context.Context, ev app.AuditEvent) error
}

func (s *auditSinkStub) Emit(ctx context.Context, ev app.AuditEvent) error {
	if s.emitFn != nil {
		if err := s.emitFn(ctx, ev); err != nil {
			return err
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	return nil
}

func (s *auditSinkStub) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

func TestAsyncAuditSink(t *testing.T) {
	discard := slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))

	t.Run("delivers after request context is cancelled", func(t *testing.T) {
		inner := &auditSinkStub{emitFn: func(ctx context.Context, _ app.AuditEvent) error {
			return ctx.Err()
		}}
		sink := NewAsyncAuditSink(inner, 4, time.Second, discard)

		ctx, cancel := context.WithCancel(context.Background())
		require.NoError(t, sink.Emit(ctx, testAuditEvent()))
		cancel()
		sink.Close()

		assert.Equal(t, 1, inner.count())
	})

	t.Run("close drains in-flight events then rejects", func(t *testing.T) {
		inner := &auditSinkStub{}
		sink := NewAsyncAuditSink(inner, 16, time.Second, discard)
		for range 10 {
			require.NoError(t, sink.Emit(context.Background(), testAuditEvent()))
		}
		sink.Close()

		assert.Equal(t, 10, inner.count())
		assert.ErrorIs(t, sink.Emit(context.Background(), testAuditEvent()), ErrAuditSinkClosed)
	})

	t.Run("drops when saturated", func(t *testing.T) {
		release := make(chan struct{})
		inner := &auditSinkStub{emitFn: func(context.Context, app.AuditEvent) error {
			<-release
			return nil
		}}
		sink := NewAsyncAuditSink(inner, 1, time.Second, discard)

		require.NoError(t, sink.Emit(context.Background(), testAuditEvent()))
		assert.ErrorIs(t, sink.Emit(context.Background(), testAuditEvent()), ErrAuditBackpressure)

		close(release)
		sink.Close()
		assert.Equal(t, 1, inner.count())
	})

	t.Run("inner failure is logged not returned", func(t *testing.T) {
		var buf bytes.Buffer
		var mu sync.Mutex
		logger := slog.New(slog.NewTextHandler(&lockedWriter{mu: &mu, w: &buf}, nil))
		inner := &auditSinkStub{emitFn: func(context.Context, app.AuditEvent) error {
			return errors.New("broker down")
		}}
		sink := NewAsyncAuditSink(inner, 1, time.Second, logger)

		require.NoError(t, sink.Emit(context.Background(), testAuditEvent()))
		sink.Close()

		mu.Lock()
		defer mu.Unlock()
		assert.Contains(t, buf.String(), "async audit delivery failed")
		assert.Contains(t, buf.String(), "broker down")
	})
}

type lockedWriter struct {
	mu *sync.Mutex
	w  *bytes.Buffer
}

func (l *lockedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(p)
}
