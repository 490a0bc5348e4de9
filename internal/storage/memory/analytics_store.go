package memory

import (
	"context"
	"math/big"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"holder-analytics/internal/clock"
	"holder-analytics/internal/domain"
	"holder-analytics/internal/storage"
)

// AnalyticsStore is an in-memory implementation of storage.AnalyticsStore.
// Like the ClickHouse sink it keeps the highest-versioned row per key.
type AnalyticsStore struct {
	mu        sync.RWMutex
	snapshots map[uint64]versioned[*domain.DailyHolderSnapshot]
	buckets   map[domain.DailyAccountBucketKey]versioned[*domain.DailyAccountBucket]
	transfers map[domain.TransferID]*domain.TransferRecord
}

type versioned[T any] struct {
	version uint64
	row     T
}

// NewAnalyticsStore creates a new in-memory analytics store.
func NewAnalyticsStore() *AnalyticsStore {
	return &AnalyticsStore{
		snapshots: make(map[uint64]versioned[*domain.DailyHolderSnapshot]),
		buckets:   make(map[domain.DailyAccountBucketKey]versioned[*domain.DailyAccountBucket]),
		transfers: make(map[domain.TransferID]*domain.TransferRecord),
	}
}

// Append records the rows of a ChangeSet. Repeating a ChangeSet is a no-op.
func (s *AnalyticsStore) Append(_ context.Context, cs *storage.ChangeSet) error {
	if cs.Empty() {
		return nil
	}
	version := cs.Position.Version()

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, r := range cs.Transfers {
		s.transfers[r.ID] = r.Clone()
	}
	for _, snap := range cs.HolderSnapshots {
		if cur, ok := s.snapshots[snap.DayOpen]; ok && cur.version > version {
			continue
		}
		s.snapshots[snap.DayOpen] = versioned[*domain.DailyHolderSnapshot]{version, snap.Clone()}
	}
	for _, b := range cs.AccountBuckets {
		if cur, ok := s.buckets[b.Key]; ok && cur.version > version {
			continue
		}
		s.buckets[b.Key] = versioned[*domain.DailyAccountBucket]{version, b.Clone()}
	}
	return nil
}

// GetDailyHolderSnapshots retrieves snapshots with dayOpen within [from, to], ordered by day.
func (s *AnalyticsStore) GetDailyHolderSnapshots(_ context.Context, from, to uint64) ([]*domain.DailyHolderSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*domain.DailyHolderSnapshot
	for day, v := range s.snapshots {
		if day >= from && day <= to {
			result = append(result, v.row.Clone())
		}
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].DayOpen < result[j].DayOpen
	})
	return result, nil
}

// GetAccountBuckets retrieves an account's buckets with dayOpen within [from, to], ordered by day.
func (s *AnalyticsStore) GetAccountBuckets(_ context.Context, account common.Address, from, to uint64) ([]*domain.DailyAccountBucket, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*domain.DailyAccountBucket
	for key, v := range s.buckets {
		if key.Account == account && key.DayOpen >= from && key.DayOpen <= to {
			result = append(result, v.row.Clone())
		}
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].Key.DayOpen < result[j].Key.DayOpen
	})
	return result, nil
}

// GetDailyTransferStats retrieves per-day transfer counts and summed amounts within [from, to].
func (s *AnalyticsStore) GetDailyTransferStats(_ context.Context, from, to uint64) ([]*domain.DailyTransferStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	byDay := make(map[uint64]*domain.DailyTransferStats)
	for _, r := range s.transfers {
		day := clock.DayOpen(r.BlockTimestamp)
		if day < from || day > to {
			continue
		}
		st, ok := byDay[day]
		if !ok {
			st = &domain.DailyTransferStats{DayOpen: day, Volume: new(big.Int)}
			byDay[day] = st
		}
		st.Transfers++
		st.Volume.Add(st.Volume, r.Amount.ToBig())
	}

	result := make([]*domain.DailyTransferStats, 0, len(byDay))
	for _, st := range byDay {
		result = append(result, st)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].DayOpen < result[j].DayOpen
	})
	return result, nil
}

// Verify interface compliance at compile time.
var _ storage.AnalyticsStore = (*AnalyticsStore)(nil)
