package adapter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel/attribute"

	"github.com/aelexs/storefront-otp/internal/domain"
	"github.com/aelexs/storefront-otp/internal/otpgate/app"
)

var (
	_ app.AuditSink = (*SlogAuditSink)(nil)
	_ app.AuditSink = (*KafkaAuditSink)(nil)
	_ app.AuditSink = (*AsyncAuditSink)(nil)
)

// SlogAuditSink writes audit events as structured log records on a
// dedicated logger.
type SlogAuditSink struct {
	logger *slog.Logger
}

// NewSlogAuditSink creates a SlogAuditSink. Events are logged under the
// "audit" group.
func NewSlogAuditSink(logger *slog.Logger) *SlogAuditSink {
	return &SlogAuditSink{logger: logger.With(slog.String("log_type", "audit"))}
}

// Emit logs the event. It never fails.
func (s *SlogAuditSink) Emit(ctx context.Context, ev app.AuditEvent) error {
	attrs := []any{
		slog.String("event_id", ev.EventID),
		slog.String("action", ev.Action),
		slog.String("outcome", ev.Outcome),
		slog.String("purpose", ev.Purpose),
		slog.String("entity_id", ev.EntityID),
		slog.String("mobile", ev.MaskedMobile),
		slog.Time("occurred_at", ev.OccurredAt),
	}
	if ev.ChallengeID != "" {
		attrs = append(attrs, slog.String("challenge_id", ev.ChallengeID))
	}
	if ev.AttemptsRemaining != nil {
		attrs = append(attrs, slog.Int("attempts_remaining", *ev.AttemptsRemaining))
	}
	if !ev.LockedUntil.IsZero() {
		attrs = append(attrs, slog.Time("locked_until", ev.LockedUntil))
	}
	if ev.ClientIP != "" {
		attrs = append(attrs, slog.String("client_ip", ev.ClientIP))
	}
	if ev.TraceID != "" {
		attrs = append(attrs, slog.String("trace_id", ev.TraceID))
	}
	s.logger.InfoContext(ctx, "audit", slog.Group("audit", attrs...))
	return nil
}

// kafkaWriter is the subset of *kafka.Writer the audit sink uses.
type kafkaWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// NewKafkaWriter builds a writer for the audit topic. Messages are keyed by
// entity id so every event for one order lands on one partition.
func NewKafkaWriter(brokers []string, topic, clientID string) (*kafka.Writer, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("kafka audit: no brokers: %w", domain.ErrConfigRequired)
	}
	if topic == "" {
		return nil, fmt.Errorf("kafka audit: empty topic: %w", domain.ErrConfigRequired)
	}
	return &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 50 * time.Millisecond,
		RequiredAcks: kafka.RequireOne,
		Transport:    &kafka.Transport{ClientID: clientID},
	}, nil
}

// KafkaAuditSink publishes audit events as JSON to a Kafka topic.
type KafkaAuditSink struct {
	writer kafkaWriter
}

// NewKafkaAuditSink creates a KafkaAuditSink. Call Close when shutting down.
func NewKafkaAuditSink(writer kafkaWriter) *KafkaAuditSink {
	return &KafkaAuditSink{writer: writer}
}

// Emit serializes the event and writes it synchronously.
func (k *KafkaAuditSink) Emit(ctx context.Context, ev app.AuditEvent) error {
	ctx, span := tracer.Start(ctx, "kafka.audit.write")
	defer span.End()
	span.SetAttributes(
		attribute.String("messaging.system", "kafka"),
		attribute.String("audit.outcome", ev.Outcome),
	)

	payload, err := json.Marshal(ev)
	if err != nil {
		return recordSpanError(span, fmt.Errorf("kafka audit: marshal %s: %w", ev.EventID, err))
	}
	err = k.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(ev.EntityID),
		Value: payload,
		Time:  ev.OccurredAt,
		Headers: []kafka.Header{
			{Key: "action", Value: []byte(ev.Action)},
			{Key: "outcome", Value: []byte(ev.Outcome)},
		},
	})
	if err != nil {
		return recordSpanError(span, fmt.Errorf("kafka audit: write %s: %w", ev.EventID, err))
	}
	return nil
}

// Close flushes and closes the writer.
func (k *KafkaAuditSink) Close() error {
	return k.writer.Close()
}

// ErrAuditSinkClosed is returned by AsyncAuditSink.Emit after Close.
var ErrAuditSinkClosed = errors.New("audit sink closed")

// ErrAuditBackpressure is returned when the async sink already has the
// maximum number of events in flight. The event is dropped.
var ErrAuditBackpressure = errors.New("audit sink backpressure: event dropped")

// AsyncAuditSink hands events to a slower sink on background goroutines so
// request latency never depends on audit delivery. Delivery is best-effort:
// failures are logged here and never reach the caller.
type AsyncAuditSink struct {
	inner   app.AuditSink
	timeout time.Duration
	logger  *slog.Logger
	slots   chan struct{}

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// NewAsyncAuditSink wraps inner. maxInFlight bounds the number of
// concurrent deliveries; timeout bounds each one.
func NewAsyncAuditSink(inner app.AuditSink, maxInFlight int, timeout time.Duration, logger *slog.Logger) *AsyncAuditSink {
	if maxInFlight <= 0 {
		maxInFlight = 1
	}
	if timeout <= 0 {
		timeout = domain.AuditEmitTimeout
	}
	return &AsyncAuditSink{
		inner:   inner,
		timeout: timeout,
		logger:  logger,
		slots:   make(chan struct{}, maxInFlight),
	}
}

// Emit schedules delivery and returns immediately. The delivery context is
// detached from ctx so a finished request does not cancel its audit record.
func (a *AsyncAuditSink) Emit(ctx context.Context, ev app.AuditEvent) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return ErrAuditSinkClosed
	}

	select {
	case a.slots <- struct{}{}:
	default:
		return ErrAuditBackpressure
	}

	bgCtx := context.WithoutCancel(ctx)
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		defer func() { <-a.slots }()

		emitCtx, cancel := context.WithTimeout(bgCtx, a.timeout)
		defer cancel()
		if err := a.inner.Emit(emitCtx, ev); err != nil {
			a.logger.WarnContext(emitCtx, "async audit delivery failed",
				"event_id", ev.EventID, "action", ev.Action, "outcome", ev.Outcome, "error", err)
		}
	}()
	return nil
}

// Close stops accepting events and waits for in-flight deliveries.
func (a *AsyncAuditSink) Close() {
	a.mu.Lock()
	a.closed = true
	a.mu.Unlock()
	a.wg.Wait()
}
