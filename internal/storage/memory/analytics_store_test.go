package memory

import (
	"context"
	"math/big"
	"testing"

	"github.com/holiman/uint256"

	"holder-analytics/internal/domain"
	"holder-analytics/internal/storage"
)

func TestAnalyticsStore_KeepsHighestVersion(t *testing.T) {
	store := NewAnalyticsStore()
	ctx := context.Background()

	newer := &storage.ChangeSet{
		Position:        domain.Position{BlockNumber: 5, LogIndex: 1},
		HolderSnapshots: []*domain.DailyHolderSnapshot{{DayOpen: 0, DayClose: 86399, Count: 7}},
	}
	older := &storage.ChangeSet{
		Position:        domain.Position{BlockNumber: 4, LogIndex: 9},
		HolderSnapshots: []*domain.DailyHolderSnapshot{{DayOpen: 0, DayClose: 86399, Count: 3}},
	}

	if err := store.Append(ctx, newer); err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	if err := store.Append(ctx, older); err != nil {
		t.Fatalf("Append failed: %v", err)
	}

	snaps, err := store.GetDailyHolderSnapshots(ctx, 0, 0)
	if err != nil {
		t.Fatalf("GetDailyHolderSnapshots failed: %v", err)
	}
	if len(snaps) != 1 || snaps[0].Count != 7 {
		t.Errorf("Expected the newer snapshot, got %+v", snaps)
	}
}

func TestAnalyticsStore_BucketsAndTransferStats(t *testing.T) {
	store := NewAnalyticsStore()
	ctx := context.Background()
	acct := testAddr(1)

	rec := func(block uint64, ts uint64, amount uint64) *domain.TransferRecord {
		r := testRecord(block, 0)
		r.BlockTimestamp = ts
		r.Amount = uint256.NewInt(amount)
		return r
	}

	cs := &storage.ChangeSet{
		Position:  domain.Position{BlockNumber: 3},
		Transfers: []*domain.TransferRecord{rec(1, 10, 5), rec(2, 20, 7), rec(3, 86400+1, 11)},
		AccountBuckets: []*domain.DailyAccountBucket{
			{Key: domain.DailyAccountBucketKey{Account: acct, DayOpen: 86400}, Inflow: big.NewInt(1), Outflow: big.NewInt(0), Volume: big.NewInt(1)},
			{Key: domain.DailyAccountBucketKey{Account: acct, DayOpen: 0}, Inflow: big.NewInt(2), Outflow: big.NewInt(3), Volume: big.NewInt(5)},
			{Key: domain.DailyAccountBucketKey{Account: testAddr(2), DayOpen: 0}, Inflow: big.NewInt(9), Outflow: big.NewInt(0), Volume: big.NewInt(9)},
		},
	}
	if err := store.Append(ctx, cs); err != nil {
		t.Fatalf("Append failed: %v", err)
	}

	buckets, err := store.GetAccountBuckets(ctx, acct, 0, 86400)
	if err != nil {
		t.Fatalf("GetAccountBuckets failed: %v", err)
	}
	if len(buckets) != 2 || buckets[0].Key.DayOpen != 0 || buckets[1].Key.DayOpen != 86400 {
		t.Fatalf("Unexpected buckets: %+v", buckets)
	}
	if buckets[0].Volume.Int64() != 5 {
		t.Errorf("Volume mismatch: got %s, want 5", buckets[0].Volume)
	}

	stats, err := store.GetDailyTransferStats(ctx, 0, 86400)
	if err != nil {
		t.Fatalf("GetDailyTransferStats failed: %v", err)
	}
	if len(stats) != 2 {
		t.Fatalf("Expected 2 days, got %d", len(stats))
	}
	if stats[0].Transfers != 2 || stats[0].Volume.Int64() != 12 {
		t.Errorf("Day 0 mismatch: %d transfers, volume %s", stats[0].Transfers, stats[0].Volume)
	}
	if stats[1].Transfers != 1 || stats[1].Volume.Int64() != 11 {
		t.Errorf("Day 1 mismatch: %d transfers, volume %s", stats[1].Transfers, stats[1].Volume)
	}
}

func TestAnalyticsStore_EmptyChangeSet(t *testing.T) {
	store := NewAnalyticsStore()
	if err := store.Append(context.Background(), &storage.ChangeSet{}); err != nil {
		t.Errorf("Append of empty set failed: %v", err)
	}
	if err := store.Append(context.Background(), nil); err != nil {
		t.Errorf("Append of nil set failed: %v", err)
	}
}
