package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/adagate/adagate/chain"
	"github.com/adagate/adagate/deposits"
	"github.com/adagate/adagate/logging"
	"github.com/adagate/adagate/observability"
	"github.com/adagate/adagate/upstream"
)

const flagDevMemoryStore = "dev-memory-store"

// SettlerCmd returns the command for starting the settler.
func SettlerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "settler",
		Short: "Start the settler (deposit confirmation engine)",
		Long: `Start the deposit settlement component.

The settler allocates deposit addresses, watches them for incoming
deposits, advances each payment through its confirmation state machine
(PENDING, CONFIRMING, CONFIRMED or EXPIRED) and credits the owning user's
balance exactly once per payment. Chain state is read either from a live
node over WebSocket or from a replicated ledger index in Postgres.

Run exactly one settler per network; settlement passes are sequential and
the store's transactional guards make double-crediting impossible even if
a second instance is started by mistake.

Example:
  adagate settler --config /path/to/settler.yaml
`,
		RunE: runSettler,
	}

	cmd.Flags().String(flagConfig, "", "Path to settler config file (required)")
	cmd.Flags().Bool(flagDevMemoryStore, false, "Use an in-memory payment store (development only, state is lost on exit)")

	_ = cmd.MarkFlagRequired(flagConfig)

	return cmd
}

func runSettler(cmd *cobra.Command, _ []string) error {
	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	configPath, _ := cmd.Flags().GetString(flagConfig)
	config, err := deposits.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger := logging.NewLoggerFromConfig(config.Logging)

	// Start observability server (metrics + pprof)
	if config.Metrics.Enabled || config.Pprof.Enabled {
		obsServer := observability.NewServer(logger, observability.ServerConfig{
			MetricsEnabled: config.Metrics.Enabled,
			MetricsAddr:    config.Metrics.Addr,
			PprofEnabled:   config.Pprof.Enabled,
			PprofAddr:      config.Pprof.Addr,
		})
		if err := obsServer.Start(ctx); err != nil {
			return fmt.Errorf("failed to start observability server: %w", err)
		}
		defer func() { _ = obsServer.Stop() }()
		logger.Info().Str("addr", config.Metrics.Addr).Msg("observability server started")
	}

	// Payment store
	var store deposits.Store
	if devStore, _ := cmd.Flags().GetBool(flagDevMemoryStore); devStore {
		logger.Warn().Msg("using in-memory payment store, state is lost on exit")
		store = deposits.NewMemoryStore()
	} else {
		pgStore, err := deposits.NewPostgresStore(ctx, logger, config.Database)
		if err != nil {
			return fmt.Errorf("failed to connect to payment database: %w", err)
		}
		defer pgStore.Close()
		store = pgStore
	}

	// Chain reader
	var reader chain.Reader
	switch config.Reader.Mode {
	case deposits.ReaderModeNode:
		pool, err := upstream.NewPool(logger, upstream.PoolConfig{
			Endpoints:   config.Reader.Node.Endpoints,
			CallTimeout: config.Reader.Node.CallTimeout(),
			DialTimeout: config.Reader.Node.DialTimeout(),
		})
		if err != nil {
			return fmt.Errorf("failed to create upstream pool: %w", err)
		}
		pool.Start(ctx)
		defer pool.Close()
		reader = chain.NewNodeReader(logger, pool)
		logger.Info().
			Int("endpoints", len(config.Reader.Node.Endpoints)).
			Msg("reading chain state from live node")
	case deposits.ReaderModeIndex:
		indexReader, err := chain.NewIndexReader(ctx, logger, config.Reader.Index)
		if err != nil {
			return fmt.Errorf("failed to connect to chain index: %w", err)
		}
		defer indexReader.Close()
		reader = indexReader
		logger.Info().
			Int64("max_lag_seconds", config.Reader.MaxLagSeconds).
			Msg("reading chain state from replicated index")
	default:
		return fmt.Errorf("unknown reader mode %q", config.Reader.Mode)
	}

	allocator := deposits.NewAllocator(logger, store, config.MasterKey(), config.Network)

	engine := deposits.NewEngine(logger, store, reader, config.EngineConfig())
	engine.Start(ctx)
	defer engine.Close()

	// Payments API
	api := deposits.NewAPI(logger, store, allocator, config.DepositExpiry())
	apiServer := api.Serve(ctx, config.ListenAddr)
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		_ = apiServer.Shutdown(shutdownCtx)
	}()

	logger.Info().
		Str("listen_addr", config.ListenAddr).
		Str("network", config.Network).
		Str("reader_mode", config.Reader.Mode).
		Msg("settler started")

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sigCh:
	case <-ctx.Done():
	}

	logger.Info().Msg("shutdown signal received, stopping settler...")
	return nil
}
