package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"holder-analytics/internal/aggregation"
	"holder-analytics/internal/clock"
	"holder-analytics/internal/domain"
	"holder-analytics/internal/ingestion"
	"holder-analytics/internal/logging"
	"holder-analytics/internal/report"
	"holder-analytics/internal/storage"
	"holder-analytics/internal/storage/memory"
	"holder-analytics/internal/storage/postgres"
	"holder-analytics/internal/verification"
)

func main() {
	// Parse flags
	fixture := flag.String("fixture", "", "JSONL transfer fixture (required)")
	fromDay := flag.String("from-day", "", "First day in the report (YYYY-MM-DD, default: first event)")
	toDay := flag.String("to-day", "", "Last day in the report (YYYY-MM-DD, default: last event)")
	decimals := flag.Int("decimals", 18, "Token decimals")
	top := flag.Int("top", 10, "Number of top balances to list")
	outputCSV := flag.Bool("csv", false, "Output daily history as CSV")
	logLevel := flag.String("log-level", "warn", "Log level: debug, info, warn, error")
	verifyDSN := flag.String("verify-dsn", "", "Postgres DSN of a ledger to verify against the fixture instead of printing a report")

	flag.Parse()

	logger, err := logging.New(*logLevel, "console")
	if err != nil {
		fmt.Fprintf(os.Stderr, "create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if *fixture == "" {
		logger.Fatal("--fixture is required")
	}

	// Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle shutdown signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("received signal, shutting down", zap.String("signal", sig.String()))
		cancel()
	}()

	src, err := ingestion.OpenFileTransferSource(*fixture)
	if err != nil {
		logger.Fatal("load fixture", zap.Error(err))
	}

	if *verifyDSN != "" {
		if err := verify(ctx, *verifyDSN, src.Events(), logger); err != nil {
			logger.Fatal("verification failed", zap.Error(err))
		}
		return
	}

	ledger := memory.NewLedgerStore()
	analytics := memory.NewAnalyticsStore()
	engine := aggregation.NewEngine(aggregation.EngineOptions{
		Store:  ledger,
		Sinks:  []storage.ChangeSink{analytics},
		Logger: logger.Named("engine"),
	})
	runner := ingestion.NewRunner(ingestion.RunnerOptions{
		Handler:     engine,
		Checkpoints: ledger,
		Logger:      logger,
	})

	latest, err := src.LatestBlock(ctx)
	if err != nil {
		logger.Fatal("latest block", zap.Error(err))
	}
	result, err := runner.Backfill(ctx, src, latest)
	if err != nil {
		logger.Fatal("replay failed", zap.Error(err))
	}
	logger.Info("replay complete",
		zap.Int("handled", result.Handled),
		zap.Duration("duration", result.Duration))

	from, to := eventDays(src.Events())
	if *fromDay != "" {
		if from, err = parseDay(*fromDay); err != nil {
			logger.Fatal("parse from-day", zap.Error(err))
		}
	}
	if *toDay != "" {
		if to, err = parseDay(*toDay); err != nil {
			logger.Fatal("parse to-day", zap.Error(err))
		}
	}

	r, err := report.Summarize(ctx, ledger, analytics, report.Options{
		From:     from,
		To:       to,
		Decimals: int32(*decimals),
		TopN:     *top,
	})
	if err != nil {
		logger.Fatal("summarize", zap.Error(err))
	}

	if *outputCSV {
		fmt.Print(report.RenderDaysCSV(r.Days))
		return
	}
	fmt.Print(report.RenderMarkdown(r))
}

// verify compares a persisted Postgres ledger against a replay of events.
func verify(ctx context.Context, dsn string, events []*domain.TransferEvent, logger *zap.Logger) error {
	pool, err := postgres.NewPool(ctx, dsn)
	if err != nil {
		return err
	}
	defer pool.Close()

	v := verification.NewVerifier(postgres.NewLedgerStore(pool), logger)
	rep, err := v.Verify(ctx, events)
	if err != nil {
		return err
	}

	fmt.Printf("events: %d, accounts: %d, days: %d\n", rep.Events, rep.Accounts, rep.Days)
	fmt.Printf("expected digest: %s\n", rep.ExpectedDigest)
	fmt.Printf("actual digest:   %s\n", rep.ActualDigest)
	for _, d := range rep.Divergences {
		fmt.Println(d.String())
	}
	if !rep.Match() {
		return fmt.Errorf("%d divergences", len(rep.Divergences))
	}
	fmt.Println("OK")
	return nil
}

// eventDays returns the day opens of the earliest and latest events.
func eventDays(events []*domain.TransferEvent) (uint64, uint64) {
	if len(events) == 0 {
		return 0, 0
	}
	from, to := events[0].BlockTimestamp, events[0].BlockTimestamp
	for _, ev := range events[1:] {
		if ev.BlockTimestamp < from {
			from = ev.BlockTimestamp
		}
		if ev.BlockTimestamp > to {
			to = ev.BlockTimestamp
		}
	}
	return clock.DayOpen(from), clock.DayOpen(to)
}

func parseDay(s string) (uint64, error) {
	t, err := time.Parse(time.DateOnly, s)
	if err != nil {
		return 0, err
	}
	if t.Unix() < 0 {
		return 0, fmt.Errorf("day %s is before 1970-01-01", s)
	}
	return uint64(t.Unix()), nil
}
