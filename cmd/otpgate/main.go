// Package main is the entrypoint for the guest OTP service. It issues and
// verifies one-time codes that unlock guest order tracking and return
// requests, and mints the scoped tokens those pages accept.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/aelexs/storefront-otp/internal/config"
	"github.com/aelexs/storefront-otp/internal/server"
)

func main() {
	ctx := context.Background()
	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	return server.Run(ctx, server.Params{
		Name:               "otpgate",
		PortFromConfig:     func(cfg *config.Config) int { return cfg.HTTPPort },
		GRPCPortFromConfig: func(cfg *config.Config) int { return cfg.GRPCPort },
		Setup:              setup,
	}, server.Listeners{})
}
