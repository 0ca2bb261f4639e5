// Package server provides the shared service lifecycle runner.
// Every cmd/ binary that serves traffic delegates to server.Run for signal
// handling, config loading, observability init, health checks, and
// graceful shutdown.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/aelexs/storefront-otp/internal/config"
	"github.com/aelexs/storefront-otp/internal/domain"
	"github.com/aelexs/storefront-otp/internal/observability"
)

// serviceVersion is reported on every span and metric.
const serviceVersion = "0.1.0"

// SetupDeps is what a service's composition root receives from Run.
type SetupDeps struct {
	Config *config.Config
	Logger *slog.Logger

	// GRPCServer is nil when the service has no gRPC port.
	GRPCServer *grpc.Server

	// HTTPMux already serves /healthz; services mount their routes on it.
	HTTPMux *http.ServeMux
}

// SetupFunc wires a service onto deps. The returned cleanup runs after
// both servers have stopped and before telemetry is flushed.
type SetupFunc func(ctx context.Context, deps SetupDeps) (cleanup func(context.Context) error, err error)

// Params configures a service's lifecycle runner.
type Params struct {
	// Name identifies the service (e.g. "otpgate").
	Name string

	// PortFromConfig extracts the HTTP port for this service from config.
	PortFromConfig func(cfg *config.Config) int

	// GRPCPortFromConfig extracts the gRPC port. Nil disables gRPC.
	GRPCPortFromConfig func(cfg *config.Config) int

	// Setup is optional; without it only health endpoints are served.
	Setup SetupFunc
}

// Listeners lets callers inject pre-bound listeners (port-0 testing).
// A nil field is bound from config.
type Listeners struct {
	HTTP net.Listener
	GRPC net.Listener
}

// Run executes the full service lifecycle: signal handling, config loading,
// observability initialization, service setup, HTTP and gRPC servers with
// health checks, and graceful shutdown.
func Run(ctx context.Context, p Params, ln Listeners) error {
	// Signal-based cancellation: ctx.Done() closes on SIGTERM/SIGINT.
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	// Load configuration
	cfg, err := config.Load(ctx)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	// Initialize structured logging with secret redaction
	logger := observability.InitLogger(observability.LogConfig{
		Level:       cfg.LogLevel,
		Format:      cfg.LogFormat,
		ServiceName: p.Name,
		Environment: cfg.Environment,
	})

	// --- Startup order: tracer -> metrics -> setup -> servers ---

	tracerProvider, err := observability.InitTracer(ctx, observability.TracerConfig{
		ServiceName:    p.Name,
		ServiceVersion: serviceVersion,
		Environment:    cfg.Environment,
		OTLPEndpoint:   cfg.OTEL.Endpoint,
		Insecure:       cfg.OTEL.Insecure,
		SampleRatio:    cfg.OTEL.SampleRatio,
	})
	if err != nil {
		return fmt.Errorf("initialize tracer: %w", err)
	}

	metricsProvider, err := observability.InitMetrics(ctx, observability.MetricsConfig{
		ServiceName:    p.Name,
		ServiceVersion: serviceVersion,
		Environment:    cfg.Environment,
		OTLPEndpoint:   cfg.OTEL.Endpoint,
		Insecure:       cfg.OTEL.Insecure,
	})
	if err != nil {
		flushTelemetry(logger, nil, tracerProvider)
		return fmt.Errorf("initialize metrics: %w", err)
	}

	// Health check shutdown coordination via atomic flag.
	var shuttingDown atomic.Bool

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if shuttingDown.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			fmt.Fprintf(w, `{"status":"shutting_down","service":%q}`, p.Name)
			return
		}
		w.WriteHeader(http.StatusOK)
		fmt.Fprintf(w, `{"status":"healthy","service":%q}`, p.Name)
	})

	var (
		grpcServer   *grpc.Server
		healthServer *health.Server
	)
	if p.GRPCPortFromConfig != nil {
		grpcServer = grpc.NewServer()
		healthServer = health.NewServer()
		healthpb.RegisterHealthServer(grpcServer, healthServer)
	}

	cleanup := func(context.Context) error { return nil }
	if p.Setup != nil {
		c, setupErr := p.Setup(ctx, SetupDeps{
			Config:     cfg,
			Logger:     logger,
			GRPCServer: grpcServer,
			HTTPMux:    mux,
		})
		if setupErr != nil {
			flushTelemetry(logger, metricsProvider, tracerProvider)
			return fmt.Errorf("setup %s: %w", p.Name, setupErr)
		}
		if c != nil {
			cleanup = c
		}
	}

	// Bind listeners (use injected listeners or create from config).
	httpLn, grpcLn, err := bindListeners(ctx, cfg, p, ln)
	if err != nil {
		runCleanup(logger, cleanup)
		flushTelemetry(logger, metricsProvider, tracerProvider)
		return err
	}

	httpServer := &http.Server{
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	if healthServer != nil {
		healthServer.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
		healthServer.SetServingStatus(p.Name, healthpb.HealthCheckResponse_SERVING)
	}

	// --- Structured concurrency via errgroup ---
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("starting HTTP server",
			slog.String("addr", httpLn.Addr().String()),
			slog.String("environment", cfg.Environment),
		)
		if serveErr := httpServer.Serve(httpLn); serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
			return fmt.Errorf("serve http: %w", serveErr)
		}
		return nil
	})

	if grpcServer != nil {
		g.Go(func() error {
			logger.Info("starting gRPC server", slog.String("addr", grpcLn.Addr().String()))
			if serveErr := grpcServer.Serve(grpcLn); serveErr != nil && !errors.Is(serveErr, grpc.ErrServerStopped) {
				return fmt.Errorf("serve grpc: %w", serveErr)
			}
			return nil
		})
	}

	// Shutdown trigger: waits for context cancellation, then drains.
	// Shutdown order is the reverse of startup: servers -> cleanup -> metrics -> tracer.
	g.Go(func() error {
		<-ctx.Done()
		logger.Info("received shutdown signal, starting graceful shutdown")

		// 1. Mark shutting down; health checks report not serving
		shuttingDown.Store(true)
		if healthServer != nil {
			healthServer.Shutdown()
		}

		// 2. Drain delay lets the load balancer propagate endpoint removal
		time.Sleep(domain.ShutdownDrainDelay)

		// 3. Drain servers
		httpCtx, httpCancel := context.WithTimeout(context.Background(), domain.ShutdownHTTPTimeout)
		defer httpCancel()
		if shutdownErr := httpServer.Shutdown(httpCtx); shutdownErr != nil {
			logger.Error("HTTP server shutdown error", slog.String("error", shutdownErr.Error()))
		}
		if grpcServer != nil {
			stopGRPC(httpCtx, grpcServer)
		}

		// 4. Service cleanup (drain background work, close clients)
		runCleanup(logger, cleanup)

		// 5. Flush OTEL (metrics first, then tracer)
		flushTelemetry(logger, metricsProvider, tracerProvider)

		logger.Info("shutdown complete")
		return nil
	})

	return g.Wait()
}

func bindListeners(ctx context.Context, cfg *config.Config, p Params, ln Listeners) (httpLn, grpcLn net.Listener, err error) {
	lc := &net.ListenConfig{}

	httpLn = ln.HTTP
	if httpLn == nil {
		httpLn, err = lc.Listen(ctx, "tcp", fmt.Sprintf(":%d", p.PortFromConfig(cfg)))
		if err != nil {
			return nil, nil, fmt.Errorf("listen http: %w", err)
		}
	}

	if p.GRPCPortFromConfig == nil {
		if ln.GRPC != nil {
			_ = ln.GRPC.Close()
		}
		return httpLn, nil, nil
	}

	grpcLn = ln.GRPC
	if grpcLn == nil {
		grpcLn, err = lc.Listen(ctx, "tcp", fmt.Sprintf(":%d", p.GRPCPortFromConfig(cfg)))
		if err != nil {
			_ = httpLn.Close()
			return nil, nil, fmt.Errorf("listen grpc: %w", err)
		}
	}
	return httpLn, grpcLn, nil
}

// stopGRPC drains in-flight RPCs, forcing a stop when ctx expires.
func stopGRPC(ctx context.Context, s *grpc.Server) {
	done := make(chan struct{})
	go func() {
		s.GracefulStop()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.Stop()
		<-done
	}
}

func runCleanup(logger *slog.Logger, cleanup func(context.Context) error) {
	ctx, cancel := context.WithTimeout(context.Background(), domain.ShutdownHTTPTimeout)
	defer cancel()
	if err := cleanup(ctx); err != nil {
		logger.Error("service cleanup error", slog.String("error", err.Error()))
	}
}

func flushTelemetry(logger *slog.Logger, mp *observability.MetricsProvider, tp *observability.TracerProvider) {
	ctx, cancel := context.WithTimeout(context.Background(), domain.ShutdownOTELTimeout)
	defer cancel()
	if mp != nil {
		if err := mp.Shutdown(ctx); err != nil {
			logger.Error("failed to shutdown metrics", slog.String("error", err.Error()))
		}
	}
	if tp != nil {
		if err := tp.Shutdown(ctx); err != nil {
			logger.Error("failed to shutdown tracer", slog.String("error", err.Error()))
		}
	}
}
