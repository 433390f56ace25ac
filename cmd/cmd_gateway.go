package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/adagate/adagate/cache"
	"github.com/adagate/adagate/gateway"
	"github.com/adagate/adagate/logging"
	"github.com/adagate/adagate/observability"
	"github.com/adagate/adagate/upstream"

	transportredis "github.com/adagate/adagate/transport/redis"
)

const (
	flagConfig   = "config"
	flagRedisURL = "redis-url"
)

// GatewayCmd returns the command for starting the gateway.
func GatewayCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "gateway",
		Short: "Start the gateway (WebSocket/HTTP proxy)",
		Long: `Start the client-facing gateway.

The gateway accepts client sessions over WebSocket (and single-shot HTTP
POSTs) at /v1, classifies each message as cacheable, stateless or stateful,
enforces per-tier rate limits, multiplexes stateless traffic over a shared
upstream pool, pins stateful sessions to dedicated node connections, and
reports usage to the billing collector. It is stateless apart from live
sessions and can be scaled horizontally behind a load balancer.

Example:
  adagate gateway --config /path/to/gateway.yaml
`,
		RunE: runGateway,
	}

	cmd.Flags().String(flagConfig, "", "Path to gateway config file (required)")
	cmd.Flags().String(flagRedisURL, "", "Redis connection URL (overrides config)")

	_ = cmd.MarkFlagRequired(flagConfig)

	return cmd
}

func runGateway(cmd *cobra.Command, _ []string) error {
	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	// Load config first (needed for logger configuration)
	configPath, _ := cmd.Flags().GetString(flagConfig)
	config, err := gateway.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if cmd.Flags().Changed(flagRedisURL) {
		config.Redis.URL, _ = cmd.Flags().GetString(flagRedisURL)
	}

	logger := logging.NewLoggerFromConfig(config.Logging)

	redisClient, err := transportredis.NewClient(ctx, config.Redis)
	if err != nil {
		return fmt.Errorf("failed to connect to Redis: %w", err)
	}
	defer func() { _ = redisClient.Close() }()
	logger.Info().Str("redis_url", config.Redis.URL).Msg("connected to Redis")

	responseCache := cache.NewResponseCache(logger, redisClient, cache.Config{
		KeyPrefix: "adagate:rc:" + config.Node.Network,
	})

	pool, err := upstream.NewPool(logger, upstream.PoolConfig{
		Endpoints:   config.Node.Endpoints,
		CallTimeout: config.Node.CallTimeout(),
		DialTimeout: config.Node.DialTimeout(),
	})
	if err != nil {
		return fmt.Errorf("failed to create upstream pool: %w", err)
	}

	server, err := gateway.NewServer(logger, *config, gateway.ServerDeps{
		Cache: responseCache,
		Pool:  pool,
	})
	if err != nil {
		return fmt.Errorf("failed to create gateway server: %w", err)
	}

	// Start observability server (metrics + pprof)
	if config.Metrics.Enabled || config.Pprof.Enabled {
		obsServer := observability.NewServer(logger, observability.ServerConfig{
			MetricsEnabled: config.Metrics.Enabled,
			MetricsAddr:    config.Metrics.Addr,
			PprofEnabled:   config.Pprof.Enabled,
			PprofAddr:      config.Pprof.Addr,
		})
		obsServer.SetReadinessCheck(func(context.Context) error {
			if !server.Healthy() {
				return errors.New("no open upstream connections")
			}
			return nil
		})
		if err := obsServer.Start(ctx); err != nil {
			return fmt.Errorf("failed to start observability server: %w", err)
		}
		defer func() { _ = obsServer.Stop() }()
		logger.Info().Str("addr", config.Metrics.Addr).Msg("observability server started")
	}

	if err := server.Start(ctx); err != nil {
		return fmt.Errorf("failed to start gateway: %w", err)
	}

	logger.Info().
		Str("listen_addr", config.ListenAddr).
		Str("network", config.Node.Network).
		Msg("gateway started")

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sigCh:
	case <-ctx.Done():
	}

	logger.Info().Msg("shutdown signal received, stopping gateway...")
	server.Close()
	logger.Info().Msg("gateway stopped")
	return nil
}
