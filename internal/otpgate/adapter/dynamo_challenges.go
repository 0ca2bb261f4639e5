package adapter

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/aelexs/storefront-otp/internal/domain"
	"github.com/aelexs/storefront-otp/internal/dynamo"
	"github.com/aelexs/storefront-otp/internal/otpgate/app"
)

// challengeDynamoDB is the narrow set of DynamoDB calls the challenge store
// makes. The *dynamodb.Client satisfies it and test stubs implement it directly.
type challengeDynamoDB interface {
	GetItem(ctx context.Context, params *dynamo.GetItemInput, optFns ...func(*dynamo.Options)) (*dynamo.GetItemOutput, error)
	UpdateItem(ctx context.Context, params *dynamo.UpdateItemInput, optFns ...func(*dynamo.Options)) (*dynamo.UpdateItemOutput, error)
	TransactWriteItems(ctx context.Context, params *dynamo.TransactWriteItemsInput, optFns ...func(*dynamo.Options)) (*dynamo.TransactWriteItemsOutput, error)
}

// challengeItem is the otp_challenges item. Timestamps are epoch millis, with
// zero meaning unset, so conditions can compare them as numbers.
type challengeItem struct {
	ChallengeID  string `dynamodbav:"challenge_id"`
	KeyHash      string `dynamodbav:"key_hash"`
	Purpose      string `dynamodbav:"purpose"`
	EntityID     string `dynamodbav:"entity_id"`
	Mobile       string `dynamodbav:"mobile"`
	CodeMAC      string `dynamodbav:"code_mac"`
	CreatedAt    int64  `dynamodbav:"created_at"`
	ExpiresAt    int64  `dynamodbav:"expires_at"`
	Attempts     int    `dynamodbav:"attempts"`
	MaxAttempts  int    `dynamodbav:"max_attempts"`
	LockedUntil  int64  `dynamodbav:"locked_until"`
	ConsumedAt   int64  `dynamodbav:"consumed_at"`
	SupersededAt int64  `dynamodbav:"superseded_at"`
	ClientIP     string `dynamodbav:"client_ip,omitempty"`
	TTL          int64  `dynamodbav:"ttl"`
}

// challengeKeyItem is the otp_challenge_keys item: one pointer per key hash
// naming the active challenge. It expires together with that challenge.
type challengeKeyItem struct {
	KeyHash     string `dynamodbav:"key_hash"`
	ChallengeID string `dynamodbav:"challenge_id"`
	UpdatedAt   int64  `dynamodbav:"updated_at"`
	TTL         int64  `dynamodbav:"ttl"`
}

// DynamoTables names the two tables backing the store.
type DynamoTables struct {
	Challenges string
	Keys       string
}

// replaceRounds bounds how often Replace re-reads the key pointer after a
// concurrent issuance moved it.
const replaceRounds = 3

// DynamoChallengeStore persists challenges in DynamoDB. Replace is a single
// TransactWriteItems; Consume and RecordFailure are conditional UpdateItems
// guarded on the attempt count the caller read.
type DynamoChallengeStore struct {
	db     challengeDynamoDB
	tables DynamoTables
	clock  domain.Clock
}

// NewDynamoChallengeStore creates a store backed by the given DynamoDB client.
func NewDynamoChallengeStore(db challengeDynamoDB, tables DynamoTables, clock domain.Clock) *DynamoChallengeStore {
	return &DynamoChallengeStore{db: db, tables: tables, clock: clock}
}

// Active follows the key pointer and loads the challenge with strongly
// consistent reads.
func (s *DynamoChallengeStore) Active(ctx context.Context, key domain.ChallengeKey) (*domain.Challenge, error) {
	ctx, span := s.startSpan(ctx, "dynamo.challenges.active", "GetItem")
	defer span.End()

	id, err := s.activeID(ctx, key.Hash())
	if err != nil {
		return nil, recordSpanError(span, err)
	}
	if id == "" {
		return nil, fmt.Errorf("dynamo challenge store: active: %w", domain.ErrNotFound)
	}

	out, err := s.db.GetItem(ctx, &dynamo.GetItemInput{
		TableName:      &s.tables.Challenges,
		Key:            challengeIDKey(id),
		ConsistentRead: dynamo.Bool(true),
	})
	if err != nil {
		return nil, recordSpanError(span, fmt.Errorf("dynamo challenge store: get challenge: %w", err))
	}
	if out.Item == nil {
		return nil, fmt.Errorf("dynamo challenge store: challenge %s: %w", id, domain.ErrNotFound)
	}

	var item challengeItem
	if err := dynamo.UnmarshalMap(out.Item, &item); err != nil {
		return nil, recordSpanError(span, fmt.Errorf("dynamo challenge store: unmarshal challenge: %w", err))
	}
	ch, err := item.toChallenge()
	if err != nil {
		return nil, recordSpanError(span, fmt.Errorf("dynamo challenge store: decode challenge %s: %w", id, err))
	}
	return ch, nil
}

// Replace writes the new challenge, moves the key pointer and supersedes the
// previous challenge in one transaction. The pointer write is conditioned on
// the pointer value read beforehand; a concurrent issuance for the same key
// causes a bounded re-read. A pointer that outlived its challenge (item TTL
// removed the challenge first) is moved without a supersede.
func (s *DynamoChallengeStore) Replace(ctx context.Context, ch domain.Challenge) error {
	ctx, span := s.startSpan(ctx, "dynamo.challenges.replace", "TransactWriteItems")
	defer span.End()

	keyHash := ch.Key.Hash()
	var vanishedID string
	for round := 0; round < replaceRounds; round++ {
		prevID, err := s.activeID(ctx, keyHash)
		if err != nil {
			return recordSpanError(span, err)
		}
		if prevID == ch.ID.String() {
			// An earlier attempt whose response was lost already installed ch.
			return nil
		}

		items, err := s.replaceItems(ch, keyHash, prevID, prevID != "" && prevID != vanishedID)
		if err != nil {
			return recordSpanError(span, err)
		}

		_, err = s.db.TransactWriteItems(ctx, &dynamo.TransactWriteItemsInput{TransactItems: items})
		if err == nil {
			return nil
		}

		reasons, canceled := dynamo.IsTransactionCanceledException(err)
		if !canceled {
			return recordSpanError(span, fmt.Errorf("dynamo challenge store: replace: %w", err))
		}
		if len(reasons) > 0 && reasons[0] == "ConditionalCheckFailed" {
			return recordSpanError(span, fmt.Errorf("dynamo challenge store: replace: challenge %s already exists", ch.ID))
		}
		if len(reasons) > 1 && reasons[1] == "ConditionalCheckFailed" {
			span.AddEvent("key pointer moved", trace.WithAttributes(attribute.Int("round", round)))
			continue
		}
		if len(reasons) > 2 && reasons[2] == "ConditionalCheckFailed" {
			span.AddEvent("previous challenge expired", trace.WithAttributes(attribute.String("challenge_id", prevID)))
			vanishedID = prevID
			continue
		}
		return recordSpanError(span, fmt.Errorf("dynamo challenge store: replace: transaction canceled: %w", err))
	}
	return recordSpanError(span, fmt.Errorf("dynamo challenge store: replace: %w",
		errors.Join(domain.ErrStorageUnavailable, domain.ErrConflict)))
}

func (s *DynamoChallengeStore) replaceItems(ch domain.Challenge, keyHash, prevID string, supersedePrev bool) ([]dynamo.TransactWriteItem, error) {
	nowMillis := domain.NowUTCMillis(s.clock)

	challengeAV, err := dynamo.MarshalMap(newChallengeItem(ch))
	if err != nil {
		return nil, fmt.Errorf("dynamo challenge store: marshal challenge: %w", err)
	}
	putCond, err := dynamo.NewExpressionBuilder().
		WithCondition(dynamo.Name("challenge_id").AttributeNotExists()).
		Build()
	if err != nil {
		return nil, fmt.Errorf("dynamo challenge store: build put condition: %w", err)
	}

	pointerAV, err := dynamo.MarshalMap(challengeKeyItem{
		KeyHash:     keyHash,
		ChallengeID: ch.ID.String(),
		UpdatedAt:   nowMillis,
		TTL:         challengeTTL(ch),
	})
	if err != nil {
		return nil, fmt.Errorf("dynamo challenge store: marshal key pointer: %w", err)
	}
	pointerCond := dynamo.Name("key_hash").AttributeNotExists()
	if prevID != "" {
		pointerCond = dynamo.Name("challenge_id").Equal(dynamo.Value(prevID))
	}
	pointerExpr, err := dynamo.NewExpressionBuilder().WithCondition(pointerCond).Build()
	if err != nil {
		return nil, fmt.Errorf("dynamo challenge store: build pointer condition: %w", err)
	}

	items := []dynamo.TransactWriteItem{
		{Put: &dynamo.Put{
			TableName:                 &s.tables.Challenges,
			Item:                      challengeAV,
			ConditionExpression:       putCond.Condition(),
			ExpressionAttributeNames:  putCond.Names(),
			ExpressionAttributeValues: putCond.Values(),
		}},
		{Put: &dynamo.Put{
			TableName:                 &s.tables.Keys,
			Item:                      pointerAV,
			ConditionExpression:       pointerExpr.Condition(),
			ExpressionAttributeNames:  pointerExpr.Names(),
			ExpressionAttributeValues: pointerExpr.Values(),
		}},
	}

	if supersedePrev {
		supersede, err := dynamo.NewExpressionBuilder().
			WithCondition(dynamo.Name("challenge_id").AttributeExists()).
			WithUpdate(dynamo.Set(dynamo.Name("superseded_at"), dynamo.Value(nowMillis))).
			Build()
		if err != nil {
			return nil, fmt.Errorf("dynamo challenge store: build supersede: %w", err)
		}
		items = append(items, dynamo.TransactWriteItem{Update: &dynamo.Update{
			TableName:                 &s.tables.Challenges,
			Key:                       challengeIDKey(prevID),
			UpdateExpression:          supersede.Update(),
			ConditionExpression:       supersede.Condition(),
			ExpressionAttributeNames:  supersede.Names(),
			ExpressionAttributeValues: supersede.Values(),
		}})
	}
	return items, nil
}

// Consume sets consumed_at if the challenge is still writable at
// expectedAttempts.
func (s *DynamoChallengeStore) Consume(ctx context.Context, id domain.ChallengeID, expectedAttempts int, at time.Time) error {
	ctx, span := s.startSpan(ctx, "dynamo.challenges.consume", "UpdateItem")
	defer span.End()

	update := dynamo.Set(dynamo.Name("consumed_at"), dynamo.Value(domain.ToMillis(at)))
	return recordSpanError(span, s.conditionalUpdate(ctx, "consume", id, expectedAttempts, update))
}

// RecordFailure bumps attempts and stores the lock deadline if the challenge
// is still writable at expectedAttempts.
func (s *DynamoChallengeStore) RecordFailure(ctx context.Context, id domain.ChallengeID, expectedAttempts int, lockedUntil time.Time) error {
	ctx, span := s.startSpan(ctx, "dynamo.challenges.record_failure", "UpdateItem")
	defer span.End()

	update := dynamo.Set(dynamo.Name("attempts"), dynamo.Value(expectedAttempts+1)).
		Set(dynamo.Name("locked_until"), dynamo.Value(domain.ToMillis(lockedUntil)))
	return recordSpanError(span, s.conditionalUpdate(ctx, "record failure", id, expectedAttempts, update))
}

func (s *DynamoChallengeStore) conditionalUpdate(ctx context.Context, op string, id domain.ChallengeID, expectedAttempts int, update dynamo.UpdateBuilder) error {
	cond := dynamo.Name("challenge_id").AttributeExists().And(
		dynamo.Name("attempts").Equal(dynamo.Value(expectedAttempts)),
		dynamo.Name("consumed_at").Equal(dynamo.Value(0)),
		dynamo.Name("superseded_at").Equal(dynamo.Value(0)),
	)
	expr, err := dynamo.NewExpressionBuilder().WithCondition(cond).WithUpdate(update).Build()
	if err != nil {
		return fmt.Errorf("dynamo challenge store: %s: build expression: %w", op, err)
	}

	_, err = s.db.UpdateItem(ctx, &dynamo.UpdateItemInput{
		TableName:                 &s.tables.Challenges,
		Key:                       challengeIDKey(id.String()),
		UpdateExpression:          expr.Update(),
		ConditionExpression:       expr.Condition(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
	})
	if err != nil {
		if dynamo.IsConditionalCheckFailed(err) {
			return fmt.Errorf("dynamo challenge store: %s %s: %w", op, id, domain.ErrConflict)
		}
		return fmt.Errorf("dynamo challenge store: %s %s: %w", op, id, err)
	}
	return nil
}

// activeID returns the challenge id the key pointer names, or "" when the key
// has never been issued.
func (s *DynamoChallengeStore) activeID(ctx context.Context, keyHash string) (string, error) {
	out, err := s.db.GetItem(ctx, &dynamo.GetItemInput{
		TableName: &s.tables.Keys,
		Key: map[string]dynamo.AttributeValue{
			"key_hash": &dynamo.AttributeValueMemberS{Value: keyHash},
		},
		ConsistentRead: dynamo.Bool(true),
	})
	if err != nil {
		return "", fmt.Errorf("dynamo challenge store: get key pointer: %w", err)
	}
	if out.Item == nil {
		return "", nil
	}
	var item challengeKeyItem
	if err := dynamo.UnmarshalMap(out.Item, &item); err != nil {
		return "", fmt.Errorf("dynamo challenge store: unmarshal key pointer: %w", err)
	}
	return item.ChallengeID, nil
}

func (s *DynamoChallengeStore) startSpan(ctx context.Context, name, operation string) (context.Context, trace.Span) {
	ctx, span := tracer.Start(ctx, name)
	span.SetAttributes(
		attribute.String("db.system", "dynamodb"),
		attribute.String("db.operation", operation),
	)
	return ctx, span
}

// recordSpanError marks the span failed for infrastructure errors. Conflicts
// and not-found answers are expected outcomes and leave the status alone.
func recordSpanError(span trace.Span, err error) error {
	switch {
	case err == nil, errors.Is(err, domain.ErrNotFound):
		return err
	case errors.Is(err, domain.ErrConflict) && !errors.Is(err, domain.ErrStorageUnavailable):
		return err
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}

func challengeIDKey(id string) map[string]dynamo.AttributeValue {
	return map[string]dynamo.AttributeValue{
		"challenge_id": &dynamo.AttributeValueMemberS{Value: id},
	}
}

func newChallengeItem(ch domain.Challenge) challengeItem {
	return challengeItem{
		ChallengeID:  ch.ID.String(),
		KeyHash:      ch.Key.Hash(),
		Purpose:      ch.Key.Purpose.String(),
		EntityID:     ch.Key.EntityID,
		Mobile:       ch.Key.Mobile.String(),
		CodeMAC:      ch.CodeMAC,
		CreatedAt:    domain.ToMillis(ch.CreatedAt),
		ExpiresAt:    domain.ToMillis(ch.ExpiresAt),
		Attempts:     ch.Attempts,
		MaxAttempts:  ch.MaxAttempts,
		LockedUntil:  domain.ToMillis(ch.LockedUntil),
		ConsumedAt:   domain.ToMillis(ch.ConsumedAt),
		SupersededAt: domain.ToMillis(ch.SupersededAt),
		ClientIP:     ch.ClientIP,
		TTL:          challengeTTL(ch),
	}
}

// challengeTTL is the epoch-seconds expiry DynamoDB TTL deletes items at.
func challengeTTL(ch domain.Challenge) int64 {
	return ch.ExpiresAt.Add(domain.ChallengeRetention).Unix()
}

func (item challengeItem) toChallenge() (*domain.Challenge, error) {
	id, err := domain.NewChallengeID(item.ChallengeID)
	if err != nil {
		return nil, err
	}
	purpose, err := domain.ParsePurpose(item.Purpose)
	if err != nil {
		return nil, err
	}
	mobile, err := domain.NewPhoneNumber(item.Mobile)
	if err != nil {
		return nil, err
	}
	key, err := domain.NewChallengeKey(purpose, item.EntityID, mobile)
	if err != nil {
		return nil, err
	}
	return &domain.Challenge{
		ID:           id,
		Key:          key,
		CodeMAC:      item.CodeMAC,
		CreatedAt:    domain.FromMillis(item.CreatedAt),
		ExpiresAt:    domain.FromMillis(item.ExpiresAt),
		Attempts:     item.Attempts,
		MaxAttempts:  item.MaxAttempts,
		LockedUntil:  domain.FromMillis(item.LockedUntil),
		ConsumedAt:   domain.FromMillis(item.ConsumedAt),
		SupersededAt: domain.FromMillis(item.SupersededAt),
		ClientIP:     item.ClientIP,
	}, nil
}

var _ app.ChallengeStore = (*DynamoChallengeStore)(nil)
