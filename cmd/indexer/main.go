package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"holder-analytics/internal/aggregation"
	"holder-analytics/internal/chain"
	"holder-analytics/internal/config"
	"holder-analytics/internal/ingestion"
	"holder-analytics/internal/logging"
	"holder-analytics/internal/observability"
	"holder-analytics/internal/storage"
	chstore "holder-analytics/internal/storage/clickhouse"
	"holder-analytics/internal/storage/memory"
	"holder-analytics/internal/storage/migrations"
	pgstore "holder-analytics/internal/storage/postgres"
	redisstore "holder-analytics/internal/storage/redis"
)

func main() {
	// Parse flags
	configPath := flag.String("config", "", "Path to YAML config file")
	mode := flag.String("mode", "", "Ingestion mode: live, backfill, or replay")
	backend := flag.String("store", "", "Ledger store: memory, postgres, or redis")
	startBlock := flag.Uint64("start-block", 0, "First block when no checkpoint exists")
	endBlock := flag.Uint64("end-block", 0, "Last block for backfill (0 = latest - block lag)")
	fixture := flag.String("fixture", "", "JSONL fixture for replay mode")
	logLevel := flag.String("log-level", "", "Log level: debug, info, warn, error")
	metricsAddr := flag.String("metrics-addr", "", "Prometheus metrics HTTP address")

	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	// Flags override file and environment settings only when given.
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "mode":
			cfg.Ingestion.Mode = *mode
		case "store":
			cfg.Store.Backend = *backend
		case "start-block":
			cfg.Ingestion.StartBlock = *startBlock
		case "end-block":
			cfg.Ingestion.EndBlock = *endBlock
		case "fixture":
			cfg.Ingestion.FixturePath = *fixture
		case "log-level":
			cfg.Log.Level = *logLevel
		case "metrics-addr":
			cfg.Metrics.Addr = *metricsAddr
		}
	})

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid config: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.New(cfg.Log.Level, cfg.Log.Encoding)
	if err != nil {
		fmt.Fprintf(os.Stderr, "create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	// Start metrics server if enabled
	if cfg.Metrics.Addr != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", observability.Handler())
			mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusOK)
				w.Write([]byte("ok"))
			})
			logger.Info("starting metrics server", zap.String("addr", cfg.Metrics.Addr))
			if err := http.ListenAndServe(cfg.Metrics.Addr, mux); err != nil && err != http.ErrServerClosed {
				logger.Error("metrics server error", zap.Error(err))
			}
		}()
	}

	// Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())

	// Handle shutdown signals with graceful timeout
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	done := make(chan error, 1)

	go func() {
		sig := <-sigCh
		logger.Info("received signal, initiating graceful shutdown", zap.String("signal", sig.String()))
		cancel()

		// Wait for second signal for immediate shutdown
		select {
		case sig := <-sigCh:
			logger.Warn("received second signal, forcing immediate shutdown", zap.String("signal", sig.String()))
			os.Exit(1)
		case <-time.After(30 * time.Second):
			logger.Warn("graceful shutdown timed out after 30s, forcing exit")
			os.Exit(1)
		case <-done:
		}
	}()

	err = run(ctx, cfg, logger)

	done <- err
	cancel()

	if err != nil && !errors.Is(err, context.Canceled) {
		logger.Fatal("indexer failed", zap.Error(err))
	}

	logger.Info("shutdown complete")
}

// run wires stores, engine and sources for the configured mode.
func run(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	ledger, closeLedger, err := openLedger(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeLedger()

	sinks, closeSinks, err := openSinks(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeSinks()

	engine := aggregation.NewEngine(aggregation.EngineOptions{
		Store:  ledger,
		Sinks:  sinks,
		Logger: logger.Named("engine"),
	})

	runner := ingestion.NewRunner(ingestion.RunnerOptions{
		Handler:      engine,
		Checkpoints:  ledger,
		StartBlock:   cfg.Ingestion.StartBlock,
		BatchBlocks:  cfg.Ingestion.BatchBlocks,
		BlockLag:     cfg.Ingestion.BlockLag,
		PollInterval: cfg.Ingestion.PollInterval,
		Logger:       logger,
	})

	logger.Info("indexer starting",
		zap.String("mode", cfg.Ingestion.Mode),
		zap.String("store", cfg.Store.Backend),
		zap.Bool("clickhouse", len(sinks) > 0))

	switch cfg.Ingestion.Mode {
	case config.ModeReplay:
		src, err := ingestion.OpenFileTransferSource(cfg.Ingestion.FixturePath)
		if err != nil {
			return err
		}
		latest, err := src.LatestBlock(ctx)
		if err != nil {
			return err
		}
		_, err = runner.Backfill(ctx, src, latest)
		return err

	case config.ModeBackfill:
		rpc, err := newRPCClient(cfg, logger)
		if err != nil {
			return err
		}
		src := ingestion.NewRPCTransferSource(rpc, cfg.TokenAddress(), cfg.Chain.MaxBlockRange, logger)

		to := cfg.Ingestion.EndBlock
		if to == 0 {
			latest, err := src.LatestBlock(ctx)
			if err != nil {
				return fmt.Errorf("latest block: %w", err)
			}
			if latest <= cfg.Ingestion.BlockLag {
				logger.Info("chain is shorter than block lag, nothing to backfill")
				return nil
			}
			to = latest - cfg.Ingestion.BlockLag
		}
		_, err = runner.Backfill(ctx, src, to)
		return err

	case config.ModeLive:
		rpc, err := newRPCClient(cfg, logger)
		if err != nil {
			return err
		}
		ws, err := chain.NewWSClient(ctx, cfg.Chain.WSURL, nil, logger)
		if err != nil {
			return fmt.Errorf("create websocket client: %w", err)
		}
		defer ws.Close()

		src := ingestion.NewRPCTransferSource(rpc, cfg.TokenAddress(), cfg.Chain.MaxBlockRange, logger)
		live := ingestion.NewWSTransferSource(ws, rpc, cfg.TokenAddress(), logger)
		return runner.Run(ctx, src, live)
	}

	return fmt.Errorf("unknown mode %q", cfg.Ingestion.Mode)
}

func newRPCClient(cfg *config.Config, logger *zap.Logger) (*chain.HTTPClient, error) {
	return chain.NewHTTPClient(cfg.Chain.RPCURL,
		chain.WithTimeout(cfg.Chain.RPCTimeout),
		chain.WithMaxRetries(cfg.Chain.MaxRetries),
		chain.WithBlockCacheSize(cfg.Chain.BlockCacheSize),
		chain.WithLogger(logger.Named("rpc")))
}

// openLedger creates the configured ledger store.
func openLedger(ctx context.Context, cfg *config.Config, logger *zap.Logger) (storage.LedgerStore, func(), error) {
	switch cfg.Store.Backend {
	case config.BackendPostgres:
		pool, err := pgstore.NewPool(ctx, cfg.Store.PostgresDSN)
		if err != nil {
			return nil, nil, err
		}
		if cfg.Store.Migrate {
			if err := migrations.RunPostgresMigrations(ctx, pool, logger); err != nil {
				pool.Close()
				return nil, nil, err
			}
		}
		return pgstore.NewLedgerStore(pool), pool.Close, nil

	case config.BackendRedis:
		client, err := redisstore.NewClient(ctx, redisstore.Options{
			Addr:      cfg.Store.RedisAddr,
			Password:  cfg.Store.RedisPassword,
			DB:        cfg.Store.RedisDB,
			KeyPrefix: cfg.Store.RedisKeyPrefix,
		}, logger)
		if err != nil {
			return nil, nil, err
		}
		return redisstore.NewLedgerStore(client), func() { client.Close() }, nil

	default:
		logger.Warn("using in-memory ledger store, state is lost on exit")
		return memory.NewLedgerStore(), func() {}, nil
	}
}

// openSinks creates the ClickHouse analytics sink when configured.
func openSinks(ctx context.Context, cfg *config.Config, logger *zap.Logger) ([]storage.ChangeSink, func(), error) {
	if cfg.ClickHouse.DSN == "" {
		return nil, func() {}, nil
	}

	var conn *chstore.Conn
	var err error
	if cfg.ClickHouse.Migrate {
		conn, err = migrations.RunClickhouseMigrations(ctx, cfg.ClickHouse.DSN, logger)
	} else {
		conn, err = chstore.NewConn(ctx, cfg.ClickHouse.DSN)
	}
	if err != nil {
		return nil, nil, err
	}

	logger.Info("clickhouse sink enabled")
	return []storage.ChangeSink{chstore.NewDailyStatsStore(conn)}, func() { conn.Close() }, nil
}
