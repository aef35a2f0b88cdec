// nexussync-relay runs the websocket relay that carries revision broadcasts
// between sync engine processes, plus the operational debug endpoints.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"golang.org/x/sync/errgroup"

	"github.com/INLOpen/nexussync/config"
	"github.com/INLOpen/nexussync/relay"
	"github.com/INLOpen/nexussync/server"
)

// createLogger creates a slog.Logger based on the provided configuration.
func createLogger(cfg config.LoggingConfig) (*slog.Logger, io.Closer, error) {
	var level slog.Level
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		return nil, nil, fmt.Errorf("invalid log level: %s", cfg.Level)
	}

	var output io.Writer
	var closer io.Closer
	switch strings.ToLower(cfg.Output) {
	case "stdout":
		output = os.Stdout
	case "file":
		if cfg.File == "" {
			return nil, nil, fmt.Errorf("log output is 'file' but no file path is specified")
		}
		file, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open log file %s: %w", cfg.File, err)
		}
		output = file
		closer = file // The file handle is the closer.
	case "none":
		output = io.Discard
	default:
		return nil, nil, fmt.Errorf("invalid log output: %s", cfg.Output)
	}

	logger := slog.New(slog.NewJSONHandler(output, &slog.HandlerOptions{Level: level}))
	return logger, closer, nil
}

// initTracerProvider creates and configures an OpenTelemetry TracerProvider.
// It sets up an exporter based on the configuration to send traces to a collector.
func initTracerProvider(cfg config.TracingConfig, logger *slog.Logger) (*sdktrace.TracerProvider, func(), error) {
	if !cfg.Enabled {
		logger.Info("Distributed tracing is disabled.")
		return sdktrace.NewTracerProvider(), func() {}, nil
	}

	logger.Info("Initializing distributed tracing...", "protocol", cfg.Protocol, "endpoint", cfg.Endpoint)

	ctx := context.Background()
	var exporter sdktrace.SpanExporter
	var err error

	switch strings.ToLower(cfg.Protocol) {
	case "http":
		exporter, err = otlptrace.New(ctx, otlptracehttp.NewClient(otlptracehttp.WithEndpoint(cfg.Endpoint), otlptracehttp.WithInsecure()))
	case "grpc":
		exporter, err = otlptrace.New(ctx, otlptracegrpc.NewClient(otlptracegrpc.WithEndpoint(cfg.Endpoint), otlptracegrpc.WithInsecure()))
	default:
		return nil, nil, fmt.Errorf("unsupported tracing protocol: %q", cfg.Protocol)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create trace exporter: %w", err)
	}

	res, err := resource.New(ctx, resource.WithAttributes(semconv.ServiceNameKey.String("nexussync-relay")))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create trace resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	cleanup := func() {
		logger.Info("Shutting down tracer provider...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(shutdownCtx); err != nil {
			logger.Error("Error shutting down tracer provider", "error", err)
		}
	}

	return tp, cleanup, nil
}

func runRelay(cfg *config.Config, logger *slog.Logger) error {
	serverID := uuid.NewString()
	logger = logger.With("relay_id", serverID[:8])

	_, tracerCleanup, err := initTracerProvider(cfg.Tracing, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize tracer provider: %w", err)
	}
	defer tracerCleanup()

	hub := relay.NewHub(relay.Options{
		Logger:         logger,
		WriteTimeout:   config.ParseDuration(cfg.Relay.WriteTimeout, 5*time.Second, logger),
		PingInterval:   config.ParseDuration(cfg.Relay.PingInterval, 20*time.Second, logger),
		PongTimeout:    config.ParseDuration(cfg.Relay.PongTimeout, 60*time.Second, logger),
		MaxMessageSize: cfg.Relay.MaxMessageSize,
	})

	path := cfg.Relay.Path
	if path == "" {
		path = "/relay"
	}
	mux := http.NewServeMux()
	mux.HandleFunc(path, hub.ServeWS)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	})
	httpSrv := &http.Server{
		Addr:    cfg.Relay.ListenAddress,
		Handler: mux,
	}

	var debugSrv *server.DebugServer
	if cfg.Debug.Enabled {
		debugSrv = server.NewDebugServer(cfg.Debug, logger)
	}

	var collector *server.SystemCollector
	if cfg.SelfMonitoring.Enabled {
		interval := config.ParseDuration(cfg.SelfMonitoring.Interval, 15*time.Second, logger)
		collector = server.NewSystemCollector(".", cfg.SelfMonitoring.MetricPrefix, interval, logger)
		collector.Start()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		// This goroutine waits for the shutdown signal and stops the listener.
		go func() {
			<-gctx.Done()
			logger.Info("Shutdown signal received. Stopping relay listener...")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := httpSrv.Shutdown(shutdownCtx); err != nil {
				logger.Error("Relay listener shutdown failed", "error", err)
			}
		}()
		logger.Info("Relay listening", "address", cfg.Relay.ListenAddress, "path", path)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("relay listener failed: %w", err)
		}
		return nil
	})

	if debugSrv != nil {
		g.Go(func() error {
			go func() {
				<-gctx.Done()
				debugSrv.Stop()
			}()
			return debugSrv.Start()
		})
	}

	err = g.Wait()
	hub.Close()
	if collector != nil {
		collector.Stop()
	}
	if err != nil {
		return err
	}
	logger.Info("Relay exited gracefully.")
	return nil
}

func newRootCommand() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:           "nexussync-relay",
		Short:         "Websocket relay for nexussync revision broadcasts",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(configPath)
			if err != nil {
				return fmt.Errorf("failed to load configuration from %s: %w", configPath, err)
			}
			logger, logCloser, err := createLogger(cfg.Logging)
			if err != nil {
				return fmt.Errorf("failed to create logger: %w", err)
			}
			if logCloser != nil {
				defer logCloser.Close()
			}
			return runRelay(cfg, logger)
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "config.yaml", "Path to the configuration file")
	return cmd
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		slog.Error("nexussync-relay failed", "error", err)
		os.Exit(1)
	}
}
