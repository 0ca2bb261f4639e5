package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/ssm"

	"github.com/aelexs/storefront-otp/internal/auth"
	"github.com/aelexs/storefront-otp/internal/awscfg"
	"github.com/aelexs/storefront-otp/internal/config"
	"github.com/aelexs/storefront-otp/internal/domain"
	"github.com/aelexs/storefront-otp/internal/dynamo"
	"github.com/aelexs/storefront-otp/internal/otpgate/adapter"
	"github.com/aelexs/storefront-otp/internal/otpgate/app"
	"github.com/aelexs/storefront-otp/internal/otpgate/port"
	"github.com/aelexs/storefront-otp/internal/postgres"
	"github.com/aelexs/storefront-otp/internal/redis"
	"github.com/aelexs/storefront-otp/internal/server"
)

// closeFunc releases one resource during shutdown.
type closeFunc func(ctx context.Context) error

// setup is the otpgate composition root. It creates infrastructure
// clients, adapters, the OTP service, and registers the HTTP and gRPC
// transports.
func setup(ctx context.Context, deps server.SetupDeps) (func(context.Context) error, error) {
	cfg := deps.Config
	logger := deps.Logger
	clock := domain.RealClock{}

	// Resources are released in reverse order of creation.
	var closers []closeFunc
	release := func(ctx context.Context) error {
		var errs []error
		for i := len(closers) - 1; i >= 0; i-- {
			errs = append(errs, closers[i](ctx))
		}
		return errors.Join(errs...)
	}
	fail := func(err error) (func(context.Context) error, error) {
		if cerr := release(context.WithoutCancel(ctx)); cerr != nil {
			logger.WarnContext(ctx, "release after failed setup", "error", cerr)
		}
		return nil, fmt.Errorf("otpgate setup: %w", err)
	}

	// 1. Infrastructure clients.
	awsCfg, err := awscfg.Load(ctx, awscfg.Config{
		Region:   cfg.AWS.Region,
		Endpoint: cfg.AWS.Endpoint,
		Timeout:  cfg.AWS.Timeout,
	})
	if err != nil {
		return fail(err)
	}

	redisClient := redis.NewClient(redis.Config{
		Addr:         cfg.Redis.Addr,
		Password:     cfg.Redis.Password.Expose(),
		DB:           cfg.Redis.DB,
		ReadTimeout:  cfg.Redis.Timeout,
		WriteTimeout: cfg.Redis.Timeout,
	})
	closers = append(closers, func(context.Context) error { return redisClient.Close() })
	if err := redisClient.Ping(ctx); err != nil {
		return fail(err)
	}

	// 2. Adapters.
	store, storeClose, err := createChallengeStore(ctx, cfg, clock, logger)
	if err != nil {
		return fail(fmt.Errorf("create challenge store: %w", err))
	}
	closers = append(closers, storeClose)

	keyStore, err := createKeyStore(ctx, cfg, awsCfg, clock, logger)
	if err != nil {
		return fail(fmt.Errorf("create key store: %w", err))
	}

	smsProvider, err := createSMSProvider(cfg, awsCfg, logger)
	if err != nil {
		return fail(fmt.Errorf("create sms provider: %w", err))
	}

	auditSink, auditClose, err := createAuditSink(cfg, logger)
	if err != nil {
		return fail(fmt.Errorf("create audit sink: %w", err))
	}

	flag := createFeatureFlag(cfg, awsCfg, clock, logger)

	// 3. Token core.
	minter := auth.NewMinter(auth.MinterConfig{
		KeyStore:  keyStore,
		AccessTTL: cfg.Token.TTL,
		Issuer:    cfg.Token.Issuer,
		Audience:  cfg.Token.Audience,
		Clock:     clock,
	})
	validator := auth.NewValidator(auth.ValidatorConfig{
		KeyStore: keyStore,
		Issuer:   cfg.Token.Issuer,
		Audience: cfg.Token.Audience,
		Clock:    clock,
	})

	// 4. OTP service.
	svc := app.NewService(app.ServiceConfig{
		Store:       store,
		RateLimiter: adapter.NewRateLimiter(redisClient.RDB),
		SMSProvider: smsProvider,
		Audit:       auditSink,
		Flag:        flag,
		Minter:      minter,
		Validator:   validator,
		Normalizer:  normalizerFromConfig(cfg),
		Clock:       clock,
		Pepper:      domain.SecretBytes(cfg.OTP.Pepper.Expose()),
		Policy:      policyFromConfig(cfg),
		Logger:      logger,
	})

	// SMS sends and audit deliveries drain before clients close.
	closers = append(closers, func(ctx context.Context) error {
		svc.Wait()
		return auditClose(ctx)
	})

	// 5. Transports.
	httpMux, err := port.NewHTTPHandler(svc, logger).NewServeMux()
	if err != nil {
		return fail(fmt.Errorf("register http routes: %w", err))
	}
	deps.HTTPMux.Handle("/", httpMux)

	if deps.GRPCServer != nil {
		port.NewGRPCHandler(svc).Register(deps.GRPCServer)
	}

	logger.InfoContext(ctx, "otp service initialized",
		slog.String("store", cfg.Store.Backend),
		slog.String("sms_provider", cfg.SMS.Provider),
		slog.String("audit_sink", cfg.Audit.Sink),
		slog.Bool("flag_from_ssm", cfg.Flag.SSMParameter != ""),
	)

	return release, nil
}

// policyFromConfig derives the immutable service policy.
func policyFromConfig(cfg *config.Config) app.Policy {
	return app.Policy{
		Challenge: domain.ChallengePolicy{
			TTL:         cfg.OTP.TTL,
			MaxAttempts: cfg.OTP.MaxAttempts,
			Lockout:     cfg.OTP.Lockout,
		},
		TokenTTL:            cfg.Token.TTL,
		IssueLimitPerMobile: cfg.OTP.IssueLimitPerMobile,
		IssueLimitPerIP:     cfg.OTP.IssueLimitPerIP,
		IssueWindow:         cfg.OTP.IssueWindow,
		ResendAfter:         cfg.OTP.ResendAfter,
		StoreTimeout:        cfg.Store.Timeout,
		RetryBackoff:        cfg.Store.RetryBackoff,
		SMSTimeout:          cfg.SMS.SendTimeout,
	}
}

func normalizerFromConfig(cfg *config.Config) domain.PhoneNormalizer {
	return domain.PhoneNormalizer{
		CountryCode:    cfg.OTP.DefaultCountryCode,
		NationalLength: cfg.OTP.NationalNumberLength,
	}
}

// createChallengeStore returns the configured backend and its release func.
// The Postgres backend also runs the expired-row purger until released.
func createChallengeStore(ctx context.Context, cfg *config.Config, clock domain.Clock, logger *slog.Logger) (app.ChallengeStore, closeFunc, error) {
	noop := func(context.Context) error { return nil }

	switch cfg.Store.Backend {
	case config.StoreMemory:
		logger.Warn("using in-memory challenge store; challenges are lost on restart")
		return adapter.NewMemoryChallengeStore(clock), noop, nil

	case config.StorePostgres:
		pool, err := postgres.NewPool(ctx, postgres.Config{
			DSN:            cfg.Postgres.DSN.Expose(),
			MaxConns:       cfg.Postgres.MaxConns,
			MinConns:       cfg.Postgres.MinConns,
			ConnectTimeout: cfg.Postgres.ConnectTimeout,
		})
		if err != nil {
			return nil, nil, err
		}
		store := adapter.NewPostgresChallengeStore(pool, clock)

		purgeCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		done := make(chan struct{})
		go func() {
			defer close(done)
			store.RunPurger(purgeCtx, cfg.Store.PurgeInterval, domain.ChallengeRetention, logger)
		}()

		return store, func(context.Context) error {
			cancel()
			<-done
			pool.Close()
			return nil
		}, nil

	default:
		client, err := dynamo.NewClient(ctx, dynamo.Config{
			Endpoint: cfg.DynamoDB.Endpoint,
			Region:   cfg.AWS.Region,
			Timeout:  cfg.DynamoDB.Timeout,
		})
		if err != nil {
			return nil, nil, err
		}
		return adapter.NewDynamoChallengeStore(client.DB, adapter.DynamoTables{
			Challenges: cfg.DynamoDB.ChallengesTable,
			Keys:       cfg.DynamoDB.KeysTable,
		}, clock), noop, nil
	}
}

// createKeyStore loads token keys from Secrets Manager when configured,
// otherwise from the static secret.
func createKeyStore(ctx context.Context, cfg *config.Config, awsCfg aws.Config, clock domain.Clock, logger *slog.Logger) (auth.KeyStore, error) {
	if cfg.Token.SecretsManagerID != "" {
		logger.Info("loading token keys from secrets manager", slog.String("secret_id", cfg.Token.SecretsManagerID))
		return adapter.NewSecretsManagerKeyStore(ctx, secretsmanager.NewFromConfig(awsCfg), cfg.Token.SecretsManagerID, clock)
	}
	return auth.NewStaticKeyStore([]byte(cfg.Token.Secret.Expose()), cfg.Token.KeyID)
}

// createSMSProvider returns the configured SMS provider.
func createSMSProvider(cfg *config.Config, awsCfg aws.Config, logger *slog.Logger) (auth.SMSProvider, error) {
	switch cfg.SMS.Provider {
	case config.SMSProviderSNS:
		return adapter.NewSNSSMSProvider(sns.NewFromConfig(awsCfg), cfg.SMS.SenderID), nil
	case config.SMSProviderTwilio:
		api := adapter.NewTwilioAPI(cfg.Twilio.AccountSID, cfg.Twilio.AuthToken.Expose())
		return adapter.NewTwilioSMSProvider(api, cfg.Twilio.From), nil
	case config.SMSProviderLog:
		logger.Info("using log-only SMS provider")
		return adapter.NewLogSMSProvider(logger), nil
	default:
		return nil, fmt.Errorf("unknown sms provider %q: %w", cfg.SMS.Provider, domain.ErrInvalidInput)
	}
}

// createAuditSink returns the configured audit sink. The Kafka sink is
// wrapped so request latency never waits on the broker.
func createAuditSink(cfg *config.Config, logger *slog.Logger) (app.AuditSink, closeFunc, error) {
	switch cfg.Audit.Sink {
	case config.AuditSinkKafka:
		writer, err := adapter.NewKafkaWriter(cfg.Kafka.Brokers, cfg.Audit.Topic, cfg.Kafka.ClientID)
		if err != nil {
			return nil, nil, err
		}
		kafkaSink := adapter.NewKafkaAuditSink(writer)
		async := adapter.NewAsyncAuditSink(kafkaSink, cfg.Audit.MaxInFlight, cfg.Audit.Timeout, logger)
		return async, func(context.Context) error {
			async.Close()
			return kafkaSink.Close()
		}, nil
	default:
		return adapter.NewSlogAuditSink(logger), func(context.Context) error { return nil }, nil
	}
}

// createFeatureFlag returns the runtime kill switch. Without an SSM
// parameter it is fixed to otp.enabled.
func createFeatureFlag(cfg *config.Config, awsCfg aws.Config, clock domain.Clock, logger *slog.Logger) app.FeatureFlag {
	if cfg.Flag.SSMParameter == "" {
		return adapter.StaticFlag(cfg.OTP.Enabled)
	}
	return adapter.NewSSMFlag(ssm.NewFromConfig(awsCfg), cfg.Flag.SSMParameter, cfg.OTP.Enabled,
		cfg.Flag.RefreshInterval, clock, logger)
}
