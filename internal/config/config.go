// Package config provides configuration loading using koanf.
// Precedence: environment variables over compiled defaults.
package config

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/v2"

	"github.com/aelexs/storefront-otp/internal/domain"
)

// Store backends.
const (
	StoreDynamoDB = "dynamodb"
	StorePostgres = "postgres"
	StoreMemory   = "memory"
)

// SMS providers.
const (
	SMSProviderSNS    = "sns"
	SMSProviderTwilio = "twilio"
	SMSProviderLog    = "log"
)

// Audit sinks.
const (
	AuditSinkSlog  = "slog"
	AuditSinkKafka = "kafka"
)

// Config holds all service configuration. It is read once at startup and
// never mutated afterwards.
type Config struct {
	// Environment identifier: "local", "dev", "prod"
	Environment string `koanf:"environment"`

	// Logging configuration
	LogLevel  string `koanf:"log_level"`
	LogFormat string `koanf:"log_format"`

	HTTPPort int `koanf:"http_port"`
	GRPCPort int `koanf:"grpc_port"`

	OTP   OTPConfig   `koanf:"otp"`
	Store StoreConfig `koanf:"store"`
	Token TokenConfig `koanf:"token"`
	SMS   SMSConfig   `koanf:"sms"`
	Audit AuditConfig `koanf:"audit"`
	Flag  FlagConfig  `koanf:"flag"`

	// Infrastructure configurations
	DynamoDB DynamoDBConfig `koanf:"dynamodb"`
	Postgres PostgresConfig `koanf:"postgres"`
	Kafka    KafkaConfig    `koanf:"kafka"`
	Redis    RedisConfig    `koanf:"redis"`
	AWS      AWSConfig      `koanf:"aws"`
	Twilio   TwilioConfig   `koanf:"twilio"`

	// OpenTelemetry configuration
	OTEL OTELConfig `koanf:"otel"`
}

// OTPConfig holds the challenge and issuance policy.
type OTPConfig struct {
	Enabled              bool                `koanf:"enabled"`
	Pepper               domain.SecretString `koanf:"pepper"` // HMAC key for stored code MACs
	TTL                  time.Duration       `koanf:"ttl"`
	MaxAttempts          int                 `koanf:"max_attempts"`
	Lockout              time.Duration       `koanf:"lockout"`
	IssueLimitPerMobile  int                 `koanf:"issue_limit_per_mobile"`
	IssueLimitPerIP      int                 `koanf:"issue_limit_per_ip"`
	IssueWindow          time.Duration       `koanf:"issue_window"`
	ResendAfter          time.Duration       `koanf:"resend_after"`
	DefaultCountryCode   string              `koanf:"default_country_code"`
	NationalNumberLength int                 `koanf:"national_number_length"`
}

// StoreConfig selects and tunes the challenge store.
type StoreConfig struct {
	Backend       string        `koanf:"backend"`
	Timeout       time.Duration `koanf:"timeout"`
	RetryBackoff  time.Duration `koanf:"retry_backoff"`
	PurgeInterval time.Duration `koanf:"purge_interval"` // Postgres only; DynamoDB uses item TTL
}

// TokenConfig holds access token settings. Exactly one key source is used:
// SecretsManagerID when set, otherwise Secret.
type TokenConfig struct {
	TTL              time.Duration       `koanf:"ttl"`
	Issuer           string              `koanf:"issuer"`
	Audience         string              `koanf:"audience"`
	Secret           domain.SecretString `koanf:"secret"`
	KeyID            string              `koanf:"key_id"`
	SecretsManagerID string              `koanf:"secrets_manager_id"`
}

// SMSConfig selects the SMS provider.
type SMSConfig struct {
	Provider    string        `koanf:"provider"`
	SenderID    string        `koanf:"sender_id"`
	SendTimeout time.Duration `koanf:"send_timeout"`
}

// AuditConfig selects the audit sink.
type AuditConfig struct {
	Sink        string        `koanf:"sink"`
	Topic       string        `koanf:"topic"`
	MaxInFlight int           `koanf:"max_in_flight"`
	Timeout     time.Duration `koanf:"timeout"`
}

// FlagConfig configures the runtime kill switch. An empty SSMParameter
// means the flag is fixed to OTP.Enabled.
type FlagConfig struct {
	SSMParameter    string        `koanf:"ssm_parameter"`
	RefreshInterval time.Duration `koanf:"refresh_interval"`
}

// DynamoDBConfig holds DynamoDB configuration.
type DynamoDBConfig struct {
	Endpoint        string        `koanf:"endpoint"` // Empty for production (uses default AWS endpoint)
	Timeout         time.Duration `koanf:"timeout"`
	ChallengesTable string        `koanf:"challenges_table"`
	KeysTable       string        `koanf:"keys_table"`
}

// PostgresConfig holds Postgres configuration.
type PostgresConfig struct {
	DSN            domain.SecretString `koanf:"dsn"`
	MaxConns       int32               `koanf:"max_conns"`
	MinConns       int32               `koanf:"min_conns"`
	ConnectTimeout time.Duration       `koanf:"connect_timeout"`
}

// KafkaConfig holds Kafka configuration.
type KafkaConfig struct {
	Brokers  []string `koanf:"brokers"` // Comma-separated in the environment
	ClientID string   `koanf:"client_id"`
}

// RedisConfig holds Redis configuration.
type RedisConfig struct {
	Addr     string              `koanf:"addr"` // Required
	Password domain.SecretString `koanf:"password"`
	DB       int                 `koanf:"db"`
	Timeout  time.Duration       `koanf:"timeout"`
}

// AWSConfig holds AWS SDK configuration.
type AWSConfig struct {
	Region   string        `koanf:"region"`
	Endpoint string        `koanf:"endpoint"` // LocalStack endpoint for development
	Timeout  time.Duration `koanf:"timeout"`
}

// TwilioConfig holds Twilio credentials.
type TwilioConfig struct {
	AccountSID string              `koanf:"account_sid"`
	AuthToken  domain.SecretString `koanf:"auth_token"`
	From       string              `koanf:"from"`
}

// OTELConfig holds OpenTelemetry configuration.
type OTELConfig struct {
	Endpoint    string  `koanf:"endpoint"` // Empty disables OTLP export
	ServiceName string  `koanf:"service_name"`
	Insecure    bool    `koanf:"insecure"`
	SampleRatio float64 `koanf:"sample_ratio"`
}

// localPepper and localTokenSecret are used only when Environment is local.
const (
	localPepper      = "local-dev-pepper-32-bytes-long!!"
	localTokenSecret = "local-dev-token-secret-32-bytes!!"
)

// defaults returns a Config with compiled default values.
func defaults() *Config {
	return &Config{
		Environment: "local",
		LogLevel:    "info",
		LogFormat:   "json",
		HTTPPort:    8080,
		GRPCPort:    9090,

		OTP: OTPConfig{
			Enabled:              true,
			TTL:                  domain.OTPValidityDuration,
			MaxAttempts:          domain.MaxOTPVerifyAttempts,
			Lockout:              domain.OTPLockoutDuration,
			IssueLimitPerMobile:  domain.OTPIssueLimitPerMobile,
			IssueLimitPerIP:      domain.OTPIssueLimitPerIP,
			IssueWindow:          domain.OTPIssueWindow,
			ResendAfter:          domain.OTPResendAfter,
			DefaultCountryCode:   domain.DefaultCountryCode,
			NationalNumberLength: domain.DefaultNationalNumberLength,
		},
		Store: StoreConfig{
			Backend:       StoreDynamoDB,
			Timeout:       domain.StoreCallTimeout,
			RetryBackoff:  domain.StoreRetryBackoff,
			PurgeInterval: 10 * time.Minute,
		},
		Token: TokenConfig{
			TTL:      domain.AccessTokenLifetime,
			Issuer:   domain.AccessTokenIssuer,
			Audience: domain.AccessTokenAudience,
			KeyID:    "static-1",
		},
		SMS: SMSConfig{
			Provider:    SMSProviderLog,
			SendTimeout: domain.SMSSendTimeout,
		},
		Audit: AuditConfig{
			Sink:        AuditSinkSlog,
			Topic:       "otp-audit",
			MaxInFlight: 256,
			Timeout:     domain.AuditEmitTimeout,
		},
		Flag: FlagConfig{
			RefreshInterval: domain.FeatureFlagRefreshInterval,
		},

		DynamoDB: DynamoDBConfig{
			Timeout:         domain.StoreCallTimeout,
			ChallengesTable: "otp_challenges",
			KeysTable:       "otp_challenge_keys",
		},
		Postgres: PostgresConfig{
			MaxConns:       10,
			MinConns:       1,
			ConnectTimeout: 5 * time.Second,
		},
		Kafka: KafkaConfig{
			ClientID: "storefront-otp",
		},
		Redis: RedisConfig{
			Addr:    "localhost:6379",
			DB:      0,
			Timeout: domain.RedisTimeout,
		},
		AWS: AWSConfig{
			Region:  "ap-south-1",
			Timeout: domain.AWSHTTPTimeout,
		},
		OTEL: OTELConfig{
			ServiceName: "otpgate",
			Insecure:    true,
			SampleRatio: 1,
		},
	}
}

// listKeys are split on commas when read from the environment.
var listKeys = map[string]bool{
	"kafka.brokers": true,
}

// envKey maps an environment variable name to a koanf key. A double
// underscore nests: OTP__MAX_ATTEMPTS → otp.max_attempts, LOG_LEVEL → log_level.
func envKey(name string) string {
	return strings.ReplaceAll(strings.ToLower(name), "__", ".")
}

// Load loads configuration following the precedence:
// 1. Environment variables (highest)
// 2. Compiled defaults (lowest)
//
// Required keys missing for the environment cause a startup failure.
func Load(ctx context.Context) (*Config, error) {
	k := koanf.New(".")

	// Start with compiled defaults
	cfg := defaults()

	err := k.Load(env.ProviderWithValue("", ".", func(name, value string) (string, interface{}) {
		key := envKey(name)
		if listKeys[key] {
			parts := strings.Split(value, ",")
			out := make([]string, 0, len(parts))
			for _, p := range parts {
				if p = strings.TrimSpace(p); p != "" {
					out = append(out, p)
				}
			}
			return key, out
		}
		return key, value
	}), nil)
	if err != nil {
		return nil, fmt.Errorf("load env vars: %w", err)
	}

	// Unmarshal into config struct
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.IsLocal() {
		applyLocalSecrets(cfg)
	}

	if err := validate(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

func applyLocalSecrets(cfg *Config) {
	if cfg.OTP.Pepper.IsEmpty() {
		cfg.OTP.Pepper = localPepper
	}
	if cfg.Token.Secret.IsEmpty() && cfg.Token.SecretsManagerID == "" {
		cfg.Token.Secret = localTokenSecret
	}
}

// validate checks value ranges everywhere and required keys outside local.
func validate(cfg *Config) error {
	if err := validateRanges(cfg); err != nil {
		return err
	}
	if cfg.IsLocal() {
		return nil
	}

	if len(cfg.OTP.Pepper.Expose()) < domain.MinSigningKeyLength {
		return fmt.Errorf("%w: otp.pepper (at least %d bytes)", domain.ErrConfigRequired, domain.MinSigningKeyLength)
	}
	if cfg.Token.Secret.IsEmpty() && cfg.Token.SecretsManagerID == "" {
		return fmt.Errorf("%w: token.secret or token.secrets_manager_id", domain.ErrConfigRequired)
	}
	if cfg.Redis.Addr == "" {
		return fmt.Errorf("%w: redis.addr", domain.ErrConfigRequired)
	}

	switch cfg.Store.Backend {
	case StoreDynamoDB:
		if cfg.DynamoDB.ChallengesTable == "" || cfg.DynamoDB.KeysTable == "" {
			return fmt.Errorf("%w: dynamodb.challenges_table and dynamodb.keys_table", domain.ErrConfigRequired)
		}
	case StorePostgres:
		if cfg.Postgres.DSN.IsEmpty() {
			return fmt.Errorf("%w: postgres.dsn", domain.ErrConfigRequired)
		}
	case StoreMemory:
		return fmt.Errorf("store.backend %q is only allowed in local: %w", StoreMemory, domain.ErrInvalidInput)
	}

	switch cfg.SMS.Provider {
	case SMSProviderTwilio:
		if cfg.Twilio.AccountSID == "" || cfg.Twilio.AuthToken.IsEmpty() || cfg.Twilio.From == "" {
			return fmt.Errorf("%w: twilio.account_sid, twilio.auth_token and twilio.from", domain.ErrConfigRequired)
		}
	case SMSProviderLog:
		if cfg.IsProd() {
			return fmt.Errorf("sms.provider %q is not allowed in prod: %w", SMSProviderLog, domain.ErrInvalidInput)
		}
	}

	if cfg.Audit.Sink == AuditSinkKafka && len(cfg.Kafka.Brokers) == 0 {
		return fmt.Errorf("%w: kafka.brokers", domain.ErrConfigRequired)
	}

	return nil
}

func validateRanges(cfg *Config) error {
	switch cfg.Store.Backend {
	case StoreDynamoDB, StorePostgres, StoreMemory:
	default:
		return fmt.Errorf("unknown store.backend %q: %w", cfg.Store.Backend, domain.ErrInvalidInput)
	}
	switch cfg.SMS.Provider {
	case SMSProviderSNS, SMSProviderTwilio, SMSProviderLog:
	default:
		return fmt.Errorf("unknown sms.provider %q: %w", cfg.SMS.Provider, domain.ErrInvalidInput)
	}
	switch cfg.Audit.Sink {
	case AuditSinkSlog, AuditSinkKafka:
	default:
		return fmt.Errorf("unknown audit.sink %q: %w", cfg.Audit.Sink, domain.ErrInvalidInput)
	}

	if cfg.OTP.MaxAttempts < 1 {
		return fmt.Errorf("otp.max_attempts must be at least 1: %w", domain.ErrInvalidInput)
	}
	if cfg.OTP.TTL <= 0 || cfg.OTP.Lockout <= 0 || cfg.OTP.IssueWindow <= 0 {
		return fmt.Errorf("otp.ttl, otp.lockout and otp.issue_window must be positive: %w", domain.ErrInvalidInput)
	}
	if cfg.OTP.IssueLimitPerMobile < 1 || cfg.OTP.IssueLimitPerIP < 1 {
		return fmt.Errorf("otp issue limits must be at least 1: %w", domain.ErrInvalidInput)
	}
	if cfg.Token.TTL <= 0 {
		return fmt.Errorf("token.ttl must be positive: %w", domain.ErrInvalidInput)
	}
	if cfg.Store.Timeout <= 0 {
		return fmt.Errorf("store.timeout must be positive: %w", domain.ErrInvalidInput)
	}
	return nil
}

// IsLocal returns true if running in local development environment.
func (c *Config) IsLocal() bool {
	return c.Environment == "local"
}

// IsProd returns true if running in production environment.
func (c *Config) IsProd() bool {
	return c.Environment == "prod"
}
