package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/secretari/capture-gateway/internal/config"
	"github.com/secretari/capture-gateway/internal/gateway"
	"github.com/secretari/capture-gateway/internal/observability"
	"github.com/secretari/capture-gateway/internal/recognizer"
	"github.com/secretari/capture-gateway/internal/resilience"
	"github.com/secretari/capture-gateway/internal/store"
	"github.com/secretari/capture-gateway/internal/summarizer"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		// Use fmt for fatal errors before the logger is initialized
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	observability.InitLogger(cfg.LogLevel, cfg.LogPretty)
	logger := observability.GetLogger()

	logger.Info().
		Str("port", cfg.Port).
		Str("recognizer_backend", cfg.RecognizerBackend).
		Str("summarizer_url", cfg.SummarizerURL).
		Str("log_level", cfg.LogLevel).
		Bool("metrics_enabled", cfg.MetricsEnabled).
		Msg("Capture Gateway Service starting")

	ctx := context.Background()

	records, err := store.Open(ctx, cfg.StorePath, logger)
	if err != nil {
		logger.Fatal().Err(err).Str("path", cfg.StorePath).Msg("Failed to open record store")
	}
	defer records.Close()

	reconnect := &resilience.ReconnectConfig{
		MaxAttempts: cfg.ReconnectMaxAttempts,
		Backoff:     time.Duration(cfg.ReconnectBackoff) * time.Millisecond,
		Multiplier:  2.0,
		MaxBackoff:  30 * time.Second,
	}

	summaryClient := summarizer.NewClient(summarizer.Config{
		URL:                cfg.SummarizerURL,
		Token:              cfg.SummarizerToken,
		Timeout:            time.Duration(cfg.SummarizerTimeoutSec) * time.Second,
		Reconnect:          reconnect,
		BreakerMaxFailures: cfg.CircuitBreakerMaxFailures,
		BreakerResetSec:    cfg.CircuitBreakerResetTimeout,
		Logger:             logger,
	}, records)

	backends := backendFactory(cfg, logger, reconnect)

	ingest := gateway.New(cfg, records, summaryClient, backends, logger)

	mux := http.NewServeMux()
	mux.HandleFunc("/streams/capture", ingest.Handler())
	mux.HandleFunc("/health", observability.HealthCheckHandler())

	storeCheck := func(ctx context.Context) (bool, error) {
		_, err := records.List(ctx, 1)
		return err == nil, err
	}
	recognizerCheck := func(ctx context.Context) (bool, error) {
		backend, err := backends.New(ctx)
		if err != nil {
			return false, err
		}
		backend.Close()
		return true, nil
	}
	mux.HandleFunc("/ready", observability.ReadinessHandler(map[string]observability.HealthCheckFunc{
		"store":      storeCheck,
		"recognizer": recognizerCheck,
	}))

	if cfg.MetricsEnabled {
		mux.Handle("/metrics", promhttp.Handler())
		logger.Info().Msg("Prometheus metrics enabled at /metrics")
	}

	server := &http.Server{
		Addr:         fmt.Sprintf(":%s", cfg.Port),
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info().
			Str("port", cfg.Port).
			Str("endpoint", fmt.Sprintf("ws://localhost:%s/streams/capture", cfg.Port)).
			Msg("Server listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("Server failed to start")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Fatal().Err(err).Msg("Server forced to shutdown")
	}

	logger.Info().Msg("Server exited gracefully")
}

// backendFactory selects the recognition backend per configuration.
// The "none" backend yields no turns, so every session runs as a raw
// fallback capture.
func backendFactory(cfg *config.Config, logger zerolog.Logger, reconnect *resilience.ReconnectConfig) recognizer.Factory {
	switch cfg.RecognizerBackend {
	case "deepgram":
		return recognizer.FactoryFunc(func(ctx context.Context) (recognizer.Backend, error) {
			return recognizer.NewDeepgramBackend(recognizer.DeepgramConfig{
				APIKey:             cfg.DeepgramAPIKey,
				Model:              cfg.DeepgramModel,
				SampleRate:         cfg.CaptureSampleRate,
				Logger:             logger,
				BreakerMaxFailures: cfg.CircuitBreakerMaxFailures,
				BreakerResetSec:    cfg.CircuitBreakerResetTimeout,
				Reconnect:          reconnect,
			}), nil
		})
	default:
		return recognizer.FactoryFunc(func(ctx context.Context) (recognizer.Backend, error) {
			return recognizer.NewScriptedBackend(), nil
		})
	}
}
