package ingestion

import (
	"context"

	"holder-analytics/internal/domain"
)

// TransferSource provides historical transfer events.
type TransferSource interface {
	// Fetch returns transfers within block range [from, to] (inclusive).
	// Events may be unordered; Runner enforces canonical ordering.
	Fetch(ctx context.Context, from, to uint64) ([]*domain.TransferEvent, error)

	// LatestBlock returns the highest block the source can serve.
	LatestBlock(ctx context.Context) (uint64, error)
}

// LiveTransferSource provides transfer events as they are produced.
type LiveTransferSource interface {
	// Subscribe starts delivery. The channel is closed when the source stops;
	// Err then reports why.
	Subscribe(ctx context.Context) (<-chan *domain.TransferEvent, error)

	// Err returns the error that stopped delivery, if any.
	Err() error
}
