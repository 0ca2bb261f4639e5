// Package adapter contains implementations of interfaces defined in app:
// challenge stores (DynamoDB, Postgres, memory), the Redis issuance limiter,
// SMS providers, audit sinks, key sources and feature flags.
package adapter

import "go.opentelemetry.io/otel"

var tracer = otel.Tracer("otpgate/adapter")
