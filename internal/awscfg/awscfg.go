// Package awscfg loads the AWS SDK configuration shared by every AWS client
// the service builds (DynamoDB, SNS, Secrets Manager, SSM).
package awscfg

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
)

// Config holds the connection parameters common to all AWS clients.
type Config struct {
	// Region is the AWS region (e.g. "ap-south-1").
	Region string

	// Endpoint overrides the service endpoint. Set to a LocalStack URL
	// (e.g. "http://localhost:4566") for local development. When set,
	// static test credentials are used.
	Endpoint string

	// Timeout is the HTTP client timeout. Zero keeps the SDK default.
	Timeout time.Duration
}

// Load resolves an aws.Config from cfg. BaseEndpoint is applied to the
// returned config so every client built from it targets the override.
func Load(ctx context.Context, cfg Config) (aws.Config, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}

	if cfg.Endpoint != "" {
		opts = append(opts,
			awsconfig.WithCredentialsProvider(
				credentials.NewStaticCredentialsProvider("test", "test", ""),
			),
		)
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return aws.Config{}, fmt.Errorf("load AWS config: %w", err)
	}

	if cfg.Timeout > 0 {
		awsCfg.HTTPClient = &http.Client{Timeout: cfg.Timeout}
	}
	if cfg.Endpoint != "" {
		awsCfg.BaseEndpoint = aws.String(cfg.Endpoint)
	}
	return awsCfg, nil
}
