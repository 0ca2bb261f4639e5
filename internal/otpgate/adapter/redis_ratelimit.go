package adapter

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/aelexs/storefront-otp/internal/otpgate/app"
	redisclient "github.com/aelexs/storefront-otp/internal/redis"
)

// rateLimitScript atomically increments a fixed-window counter, arms the
// window on the first hit, and returns {count, remaining_ms}. A key that
// lost its TTL is re-armed so a counter can never become permanent.
const rateLimitScript = `
local count = redis.call('INCR', KEYS[1])
if count == 1 then
  redis.call('PEXPIRE', KEYS[1], ARGV[1])
end
local ttl = redis.call('PTTL', KEYS[1])
if ttl < 0 then
  redis.call('PEXPIRE', KEYS[1], ARGV[1])
  ttl = tonumber(ARGV[1])
end
return {count, ttl}
`

// RateLimiter implements issuance rate limiting backed by Redis. It reports
// errors and leaves the fail-open or fail-closed choice to the caller.
type RateLimiter struct {
	cmd redisclient.Cmdable
}

// NewRateLimiter creates a RateLimiter that uses cmd for Redis operations.
func NewRateLimiter(cmd redisclient.Cmdable) *RateLimiter {
	return &RateLimiter{cmd: cmd}
}

// Allow counts one event for key and reports whether the count is within
// limit for the current window. RetryAfter is the window's remaining time
// when the request is rejected.
func (r *RateLimiter) Allow(ctx context.Context, key string, limit int, window time.Duration) (app.RateDecision, error) {
	ctx, span := tracer.Start(ctx, "redis.ratelimit.allow")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "redis"),
		attribute.String("db.operation", "EVAL"),
	)

	res, err := r.cmd.Eval(ctx, rateLimitScript, []string{key}, window.Milliseconds()).Int64Slice()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return app.RateDecision{}, fmt.Errorf("rate limit check %q: %w", key, err)
	}
	if len(res) != 2 {
		return app.RateDecision{}, fmt.Errorf("rate limit check %q: unexpected reply %v", key, res)
	}

	count, ttl := res[0], time.Duration(res[1])*time.Millisecond
	decision := app.RateDecision{Allowed: count <= int64(limit), Count: int(count)}
	if !decision.Allowed {
		decision.RetryAfter = ttl
		span.SetAttributes(attribute.Int64("ratelimit.retry_after_ms", ttl.Milliseconds()))
	}
	return decision, nil
}

var _ app.RateLimiter = (*RateLimiter)(nil)
