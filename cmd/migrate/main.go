// Package main applies the embedded Postgres schema migrations for the
// challenge store. The DSN comes from the same environment as the service
// (POSTGRES__DSN).
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/aelexs/storefront-otp/internal/config"
	"github.com/aelexs/storefront-otp/internal/observability"
	"github.com/aelexs/storefront-otp/internal/postgres"
)

func main() {
	direction := flag.String("direction", postgres.DirectionUp, "migration direction: up or down")
	flag.Parse()

	if err := run(context.Background(), *direction); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, direction string) error {
	cfg, err := config.Load(ctx)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := observability.InitLogger(observability.LogConfig{
		Level:       cfg.LogLevel,
		Format:      cfg.LogFormat,
		ServiceName: "otpgate-migrate",
		Environment: cfg.Environment,
	})

	err = postgres.Migrate(cfg.Postgres.DSN.Expose(), direction)
	switch {
	case errors.Is(err, postgres.ErrNoChange):
		logger.InfoContext(ctx, "schema already up to date", slog.String("direction", direction))
		return nil
	case err != nil:
		return err
	}
	logger.InfoContext(ctx, "migrations applied", slog.String("direction", direction))
	return nil
}
