package storage

import (
	"context"

	"github.com/ethereum/go-ethereum/common"

	"holder-analytics/internal/domain"
)

// LedgerReader loads derived entities by key. Single-entity loads return
// ErrNotFound when the entity has never been written.
type LedgerReader interface {
	// GetAccount retrieves an account by address.
	GetAccount(ctx context.Context, addr common.Address) (*domain.Account, error)

	// GetHolderCounter retrieves the global holder counter.
	GetHolderCounter(ctx context.Context) (*domain.HolderCounter, error)

	// GetDailyHolderSnapshot retrieves the holder snapshot for the day opening at dayOpen.
	GetDailyHolderSnapshot(ctx context.Context, dayOpen uint64) (*domain.DailyHolderSnapshot, error)

	// GetDailyHolderSnapshots retrieves snapshots with dayOpen within [from, to], ordered by day ASC.
	GetDailyHolderSnapshots(ctx context.Context, from, to uint64) ([]*domain.DailyHolderSnapshot, error)

	// GetDailyAccountBucket retrieves one account's flows for one day.
	GetDailyAccountBucket(ctx context.Context, key domain.DailyAccountBucketKey) (*domain.DailyAccountBucket, error)

	// GetTransfer retrieves a transfer record by (tx hash, log index).
	GetTransfer(ctx context.Context, id domain.TransferID) (*domain.TransferRecord, error)

	// GetLinks retrieves all links of an account, ordered by (timestamp, tx hash, log index, role) ASC.
	GetLinks(ctx context.Context, addr common.Address) ([]*domain.AccountLink, error)

	// TopAccounts retrieves up to limit accounts ordered by balance DESC, address ASC.
	TopAccounts(ctx context.Context, limit int) ([]*domain.Account, error)

	// CountHolders counts accounts whose balance is strictly positive.
	CountHolders(ctx context.Context) (int64, error)

	// GetCheckpoint retrieves the last committed event position.
	GetCheckpoint(ctx context.Context) (*domain.Checkpoint, error)
}

// LedgerStore persists all derived entities.
type LedgerStore interface {
	LedgerReader

	// Apply commits every write of a ChangeSet atomically. Transfer records are
	// insert-only: if any already exists, nothing is written and ErrDuplicateKey
	// is returned. All other entities are upserted by key.
	Apply(ctx context.Context, cs *ChangeSet) error
}

// ChangeSink receives each ChangeSet before the ledger commits it. A ChangeSet
// whose commit failed is sent again when its event is redelivered, so Append
// must tolerate repeats.
type ChangeSink interface {
	Append(ctx context.Context, cs *ChangeSet) error
}

// AnalyticsReader serves day-range history built from appended ChangeSets.
type AnalyticsReader interface {
	// GetDailyHolderSnapshots retrieves snapshots with dayOpen within [from, to], ordered by day.
	GetDailyHolderSnapshots(ctx context.Context, from, to uint64) ([]*domain.DailyHolderSnapshot, error)

	// GetAccountBuckets retrieves an account's buckets with dayOpen within [from, to], ordered by day.
	GetAccountBuckets(ctx context.Context, account common.Address, from, to uint64) ([]*domain.DailyAccountBucket, error)

	// GetDailyTransferStats retrieves per-day transfer counts and volume within [from, to].
	GetDailyTransferStats(ctx context.Context, from, to uint64) ([]*domain.DailyTransferStats, error)
}

// AnalyticsStore is a ChangeSink that can be queried.
type AnalyticsStore interface {
	ChangeSink
	AnalyticsReader
}
