package adapter

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsssm "github.com/aws/aws-sdk-go-v2/service/ssm"

	"github.com/aelexs/storefront-otp/internal/domain"
	"github.com/aelexs/storefront-otp/internal/otpgate/app"
)

// ssmClient is the narrow consumer-defined interface for SSM Parameter Store operations.
type ssmClient interface {
	GetParameter(ctx context.Context, params *awsssm.GetParameterInput, optFns ...func(*awsssm.Options)) (*awsssm.GetParameterOutput, error)
}

var (
	_ app.FeatureFlag = StaticFlag(true)
	_ app.FeatureFlag = (*SSMFlag)(nil)
)

// StaticFlag is a feature flag fixed at startup.
type StaticFlag bool

// Enabled reports the fixed value.
func (f StaticFlag) Enabled(context.Context) bool { return bool(f) }

// SSMFlag reads an on/off switch from an SSM parameter. The value is cached
// for the refresh interval; a failed refresh keeps the last known value and
// waits a full interval before trying again.
type SSMFlag struct {
	ssm      ssmClient
	name     string
	interval time.Duration
	clock    domain.Clock
	logger   *slog.Logger

	mu        sync.Mutex
	enabled   bool
	checkedAt time.Time
}

// NewSSMFlag creates a flag for the parameter name. fallback is used until
// the first successful read.
func NewSSMFlag(ssm ssmClient, name string, fallback bool, interval time.Duration, clock domain.Clock, logger *slog.Logger) *SSMFlag {
	if interval <= 0 {
		interval = domain.FeatureFlagRefreshInterval
	}
	return &SSMFlag{
		ssm:      ssm,
		name:     name,
		interval: interval,
		clock:    clock,
		logger:   logger,
		enabled:  fallback,
	}
}

// Enabled returns the cached value. When it is stale, the first caller
// refreshes it outside the lock; callers arriving meanwhile get the cached
// value instead of waiting on SSM.
func (f *SSMFlag) Enabled(ctx context.Context) bool {
	f.mu.Lock()
	now := f.clock.Now()
	if !f.checkedAt.IsZero() && now.Sub(f.checkedAt) < f.interval {
		enabled := f.enabled
		f.mu.Unlock()
		return enabled
	}
	f.checkedAt = now
	f.mu.Unlock()

	value, err := f.fetch(ctx)

	f.mu.Lock()
	defer f.mu.Unlock()
	if err != nil {
		f.logger.WarnContext(ctx, "feature flag refresh failed, keeping last value",
			"parameter", f.name, "enabled", f.enabled, "error", err)
		return f.enabled
	}
	if value != f.enabled {
		f.logger.InfoContext(ctx, "feature flag changed", "parameter", f.name, "enabled", value)
	}
	f.enabled = value
	return f.enabled
}

func (f *SSMFlag) fetch(ctx context.Context) (bool, error) {
	ctx, span := tracer.Start(ctx, "ssm.get_parameter")
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, domain.FeatureFlagFetchTimeout)
	defer cancel()

	out, err := f.ssm.GetParameter(ctx, &awsssm.GetParameterInput{Name: aws.String(f.name)})
	if err != nil {
		return false, recordSpanError(span, fmt.Errorf("ssm flag %s: %w", f.name, err))
	}
	if out.Parameter == nil || out.Parameter.Value == nil {
		return false, recordSpanError(span, fmt.Errorf("ssm flag %s has no value", f.name))
	}
	value, err := parseFlagValue(*out.Parameter.Value)
	if err != nil {
		return false, recordSpanError(span, fmt.Errorf("ssm flag %s: %w", f.name, err))
	}
	return value, nil
}

func parseFlagValue(raw string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "on", "enabled":
		return true, nil
	case "off", "disabled":
		return false, nil
	}
	return strconv.ParseBool(strings.TrimSpace(raw))
}
