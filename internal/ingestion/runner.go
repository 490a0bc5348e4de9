package ingestion

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"holder-analytics/internal/aggregation"
	"holder-analytics/internal/domain"
	"holder-analytics/internal/observability"
	"holder-analytics/internal/storage"
)

// Default runner settings.
const (
	DefaultBatchBlocks  = 10000
	DefaultBlockLag     = 12
	DefaultPollInterval = 12 * time.Second
)

// TransferHandler applies one transfer event. Implemented by aggregation.Engine.
type TransferHandler interface {
	HandleTransfer(ctx context.Context, event *domain.TransferEvent) (*aggregation.Result, error)
}

// CheckpointReader reads the last committed event position.
type CheckpointReader interface {
	GetCheckpoint(ctx context.Context) (*domain.Checkpoint, error)
}

// Runner feeds events to the handler strictly one at a time, in canonical
// order, resuming after the stored checkpoint.
type Runner struct {
	handler      TransferHandler
	checkpoints  CheckpointReader
	startBlock   uint64
	batchBlocks  uint64
	blockLag     uint64
	pollInterval time.Duration
	logger       *zap.Logger

	// last is the position of the last handled (or checkpointed) event.
	last    *domain.Position
	handled int
	skipped int
}

// RunnerOptions contains configuration for creating a Runner.
type RunnerOptions struct {
	Handler      TransferHandler
	Checkpoints  CheckpointReader
	StartBlock   uint64        // first block when no checkpoint exists
	BatchBlocks  uint64        // Default: 10000 - blocks fetched per backfill step
	BlockLag     uint64        // Default: 12 - blocks behind the head before a block is released
	PollInterval time.Duration // Default: 12s - head poll while the subscription is quiet
	Logger       *zap.Logger
}

// NewRunner creates a new ingestion runner.
func NewRunner(opts RunnerOptions) *Runner {
	batchBlocks := opts.BatchBlocks
	if batchBlocks == 0 {
		batchBlocks = DefaultBatchBlocks
	}

	blockLag := opts.BlockLag
	if blockLag == 0 {
		blockLag = DefaultBlockLag
	}

	pollInterval := opts.PollInterval
	if pollInterval <= 0 {
		pollInterval = DefaultPollInterval
	}

	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Runner{
		handler:      opts.Handler,
		checkpoints:  opts.Checkpoints,
		startBlock:   opts.StartBlock,
		batchBlocks:  batchBlocks,
		blockLag:     blockLag,
		pollInterval: pollInterval,
		logger:       logger.Named("runner"),
	}
}

// BackfillResult contains statistics from a backfill operation.
type BackfillResult struct {
	FromBlock uint64
	ToBlock   uint64
	Handled   int
	Skipped   int
	Duration  time.Duration
}

// resume loads the checkpoint once and returns the first block to fetch.
func (r *Runner) resume(ctx context.Context) (uint64, error) {
	if r.last != nil {
		return r.last.BlockNumber, nil
	}

	cp, err := r.checkpoints.GetCheckpoint(ctx)
	if errors.Is(err, storage.ErrNotFound) {
		return r.startBlock, nil
	}
	if err != nil {
		return 0, fmt.Errorf("load checkpoint: %w", err)
	}

	pos := cp.Position
	r.last = &pos
	r.logger.Info("resuming after checkpoint",
		zap.Uint64("block", pos.BlockNumber),
		zap.Uint32("tx_index", pos.TxIndex),
		zap.Uint32("log_index", pos.LogIndex),
		zap.String("tx_hash", cp.TxHash.Hex()))

	// The checkpoint block may hold events after the checkpoint.
	if pos.BlockNumber > r.startBlock {
		return pos.BlockNumber, nil
	}
	return r.startBlock, nil
}

// handle applies one event unless it is at or before the last position.
func (r *Runner) handle(ctx context.Context, ev *domain.TransferEvent) error {
	pos := ev.Position()
	if r.last != nil && pos.Compare(*r.last) <= 0 {
		r.skipped++
		return nil
	}

	if _, err := r.handler.HandleTransfer(ctx, ev); err != nil {
		return fmt.Errorf("handle transfer at block %d log %d: %w", ev.BlockNumber, ev.LogIndex, err)
	}
	r.last = &pos
	r.handled++
	return nil
}

// Backfill handles every event in [checkpoint or start block, to] in batches
// of batchBlocks. Each batch is sorted and validated before any event in it
// is applied.
func (r *Runner) Backfill(ctx context.Context, src TransferSource, to uint64) (*BackfillResult, error) {
	start := time.Now()
	handledBefore, skippedBefore := r.handled, r.skipped

	from, err := r.resume(ctx)
	if err != nil {
		return nil, err
	}

	result := &BackfillResult{FromBlock: from, ToBlock: to}
	if to < from {
		return result, nil
	}

	r.logger.Info("backfill starting", zap.Uint64("from", from), zap.Uint64("to", to))
	if err := r.catchUp(ctx, src, from, to); err != nil {
		return nil, err
	}

	result.Handled = r.handled - handledBefore
	result.Skipped = r.skipped - skippedBefore
	result.Duration = time.Since(start)

	r.logger.Info("backfill complete",
		zap.Int("handled", result.Handled),
		zap.Int("skipped", result.Skipped),
		zap.Duration("duration", result.Duration))
	return result, nil
}

// catchUp fetches and handles [from, to] in batches of batchBlocks.
func (r *Runner) catchUp(ctx context.Context, src TransferSource, from, to uint64) error {
	for batchFrom := from; batchFrom <= to; batchFrom += r.batchBlocks {
		if err := ctx.Err(); err != nil {
			return err
		}

		batchTo := batchFrom + r.batchBlocks - 1
		if batchTo > to || batchTo < batchFrom {
			batchTo = to
		}

		events, err := src.Fetch(ctx, batchFrom, batchTo)
		if err != nil {
			return fmt.Errorf("fetch %d..%d: %w", batchFrom, batchTo, err)
		}

		SortTransfers(events)
		if err := ValidateOrdering(events); err != nil {
			return fmt.Errorf("batch %d..%d: %w", batchFrom, batchTo, err)
		}

		for _, ev := range events {
			if err := r.handle(ctx, ev); err != nil {
				return err
			}
		}

		r.logger.Debug("blocks released",
			zap.Uint64("from", batchFrom),
			zap.Uint64("to", batchTo),
			zap.Int("events", len(events)))

		if batchTo == to {
			break
		}
	}
	return nil
}

// Run follows the chain head. Every block is read through src once it is
// blockLag blocks behind the highest block seen, so no block is taken from
// the subscription itself: live events and a periodic LatestBlock poll only
// move the head forward. Blocks mined before the subscription started or
// while it was reconnecting are therefore fetched like any other.
// It blocks until ctx is cancelled or an error occurs.
func (r *Runner) Run(ctx context.Context, src TransferSource, live LiveTransferSource) error {
	events, err := live.Subscribe(ctx)
	if err != nil {
		return err
	}

	next, err := r.resume(ctx)
	if err != nil {
		return err
	}

	head, err := src.LatestBlock(ctx)
	if err != nil {
		return fmt.Errorf("latest block: %w", err)
	}
	observability.UpdateHighestBlock(head)

	// advance releases every block in [next, head-blockLag].
	advance := func() error {
		if head > r.blockLag && head-r.blockLag >= next {
			upTo := head - r.blockLag
			if err := r.catchUp(ctx, src, next, upTo); err != nil {
				return err
			}
			next = upTo + 1
		}
		if head >= next {
			observability.UpdatePendingBlocks(head - next + 1)
		} else {
			observability.UpdatePendingBlocks(0)
		}
		return nil
	}

	if err := advance(); err != nil {
		return err
	}

	r.logger.Info("live ingestion started",
		zap.Uint64("head", head),
		zap.Uint64("next_block", next),
		zap.Uint64("block_lag", r.blockLag))

	ticker := time.NewTicker(r.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("runner stopping",
				zap.Uint64("head", head),
				zap.Uint64("next_block", next),
				zap.Int("handled", r.handled))
			return ctx.Err()

		case ev, ok := <-events:
			if !ok {
				if err := live.Err(); err != nil {
					return fmt.Errorf("live source stopped: %w", err)
				}
				return errors.New("live source closed")
			}
			if ev.BlockNumber <= head {
				continue
			}
			head = ev.BlockNumber

		case <-ticker.C:
			latest, err := src.LatestBlock(ctx)
			if err != nil {
				r.logger.Warn("poll latest block", zap.Error(err))
				continue
			}
			if latest <= head {
				continue
			}
			head = latest
		}

		observability.UpdateHighestBlock(head)
		if err := advance(); err != nil {
			return err
		}
	}
}

// Handled returns the number of events applied by this runner.
func (r *Runner) Handled() int {
	return r.handled
}
