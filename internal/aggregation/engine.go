package aggregation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"holder-analytics/internal/domain"
	"holder-analytics/internal/observability"
	"holder-analytics/internal/storage"
)

// Result is the committed outcome of one transfer event.
type Result struct {
	Recipient   *Outcome
	Sender      *Outcome
	HolderCount int64
	ChangeSet   *storage.ChangeSet
}

// EngineOptions contains configuration for creating an Engine.
type EngineOptions struct {
	Store  storage.LedgerStore
	Sinks  []storage.ChangeSink // receive each ChangeSet before the store commits it
	Logger *zap.Logger
}

// Engine is the entry point for transfer events. It must be driven by a single
// goroutine, one event at a time, in canonical ledger order.
type Engine struct {
	store      storage.LedgerStore
	sinks      []storage.ChangeSink
	aggregator *Aggregator
	recorder   *Recorder
	logger     *zap.Logger
}

// NewEngine creates a new engine.
func NewEngine(opts EngineOptions) *Engine {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Engine{
		store:      opts.Store,
		sinks:      opts.Sinks,
		aggregator: NewAggregator(logger),
		recorder:   NewRecorder(),
		logger:     logger,
	}
}

// HandleTransfer applies one event:
//  1. record the transfer
//  2. apply it to the recipient, then the sender
//  3. record one link per side
//  4. forward the ChangeSet to the sinks
//  5. commit every write and the checkpoint as a single ChangeSet
//
// Any error leaves the store untouched for this event, so the event is handled
// again after a restart. Sinks are written first and must accept the same
// ChangeSet more than once; rows are versioned by event position.
func (e *Engine) HandleTransfer(ctx context.Context, event *domain.TransferEvent) (*Result, error) {
	start := time.Now()

	if err := event.Validate(); err != nil {
		observability.RecordEventError("malformed")
		return nil, err
	}

	uow := storage.NewUnitOfWork(e.store)

	rec, err := e.recorder.RecordTransfer(uow, event)
	if err != nil {
		observability.RecordEventError("duplicate")
		return nil, err
	}

	recipient, err := e.aggregator.ApplyTransfer(ctx, uow, event, event.Recipient, domain.RoleRecipient)
	if err != nil {
		observability.RecordEventError("store")
		return nil, fmt.Errorf("apply recipient side: %w", err)
	}
	sender, err := e.aggregator.ApplyTransfer(ctx, uow, event, event.Sender, domain.RoleSender)
	if err != nil {
		observability.RecordEventError("store")
		return nil, fmt.Errorf("apply sender side: %w", err)
	}

	e.recorder.RecordLink(uow, event.Recipient, event, rec, domain.RoleRecipient)
	e.recorder.RecordLink(uow, event.Sender, event, rec, domain.RoleSender)

	uow.SetCheckpoint(domain.Checkpoint{Position: event.Position(), TxHash: event.TxHash})
	cs := uow.ChangeSet(event.Position())

	if len(e.sinks) > 0 {
		// A redelivered event must not reach the sinks with re-applied aggregates.
		if err := e.ensureNotRecorded(ctx, rec.ID); err != nil {
			return nil, err
		}
		for _, sink := range e.sinks {
			if err := sink.Append(ctx, cs); err != nil {
				observability.RecordEventError("sink")
				return nil, fmt.Errorf("sink transfer %s: %w", rec.ID, err)
			}
		}
	}

	applyStart := time.Now()
	if err := e.store.Apply(ctx, cs); err != nil {
		if errors.Is(err, storage.ErrDuplicateKey) {
			observability.RecordEventError("duplicate")
		} else {
			observability.RecordEventError("store")
		}
		return nil, fmt.Errorf("commit transfer %s: %w", rec.ID, err)
	}
	observability.RecordStoreApply(time.Since(applyStart).Seconds())

	var holders int64
	if cs.HolderCounter != nil {
		holders = cs.HolderCounter.Count
	}
	observability.RecordTransferHandled(event.BlockNumber, holders, time.Since(start).Seconds())

	e.logger.Debug("transfer handled",
		zap.String("id", rec.ID.String()),
		zap.Uint64("block", event.BlockNumber),
		zap.String("from", event.Sender.Hex()),
		zap.String("to", event.Recipient.Hex()),
		zap.String("amount", event.Amount.Dec()),
		zap.Int64("holders", holders))

	return &Result{
		Recipient:   recipient,
		Sender:      sender,
		HolderCount: holders,
		ChangeSet:   cs,
	}, nil
}

// ensureNotRecorded fails with ErrDuplicateKey if the transfer is already in the store.
func (e *Engine) ensureNotRecorded(ctx context.Context, id domain.TransferID) error {
	_, err := e.store.GetTransfer(ctx, id)
	switch {
	case err == nil:
		observability.RecordEventError("duplicate")
		return fmt.Errorf("transfer %s: %w", id, storage.ErrDuplicateKey)
	case errors.Is(err, storage.ErrNotFound):
		return nil
	default:
		observability.RecordEventError("store")
		return fmt.Errorf("check transfer %s: %w", id, err)
	}
}
