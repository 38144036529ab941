package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/kroma-labs/relay-go/example/relay/internal/config"
	"github.com/kroma-labs/relay-go/example/relay/internal/telemetry"
	"github.com/kroma-labs/relay-go/example/relay/internal/upstream"
	"github.com/rs/zerolog"

	"go.opentelemetry.io/otel"
)

func main() {
	ctx := context.Background()
	logger := zerolog.New(os.Stdout).With().Timestamp().Str("service", config.ServiceName).Logger()

	// 1. Setup OpenTelemetry (Tracing + Metrics)
	shutdownTracing, shutdownMetrics, err := telemetry.Setup(ctx)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to setup OTel")
	}
	defer func() {
		_ = shutdownTracing(ctx)
		_ = shutdownMetrics(ctx)
	}()

	// 2. Start Prometheus Metrics Server
	metricsServer := &http.Server{Addr: config.MetricsPort, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		logger.Info().Str("addr", config.MetricsPort).Msg("starting metrics server")
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("metrics server failed")
		}
	}()

	// 3. Build the instrumented upstream client
	api, err := upstream.New(logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to create upstream client")
	}

	ids := make([]string, 0, config.UserIDs)
	for i := 1; i <= config.UserIDs; i++ {
		ids = append(ids, strconv.Itoa(i))
	}
	tracer := otel.Tracer("relay-example")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	ticker := time.NewTicker(time.Duration(config.PollInterval) * time.Second)
	defer ticker.Stop()

	logger.Info().Str("upstream", config.UpstreamURL).Msg("poller started, press Ctrl+C to stop")

	// 4. Poll the upstream in a loop
	for {
		select {
		case <-ticker.C:
			ctx, span := tracer.Start(ctx, "poll-users")

			if _, err := api.GetUser(ctx, ids[0]); err != nil {
				logger.Error().Err(err).Msg("failed to get user")
			}
			users := api.FetchUsers(ctx, ids)

			span.End()
			logger.Info().Int("users", len(users)).Msg("poll completed")

		case <-sigChan:
			logger.Info().Msg("shutting down")
			if err := api.Close(5 * time.Second); err != nil {
				logger.Error().Err(err).Msg("client close error")
			}
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := metricsServer.Shutdown(ctx); err != nil {
				logger.Error().Err(err).Msg("metrics server shutdown error")
			}
			return
		}
	}
}
