package memory

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"holder-analytics/internal/domain"
	"holder-analytics/internal/storage"
)

// LedgerStore is an in-memory implementation of storage.LedgerStore.
type LedgerStore struct {
	mu         sync.RWMutex
	accounts   map[common.Address]*domain.Account
	counter    *domain.HolderCounter
	snapshots  map[uint64]*domain.DailyHolderSnapshot
	buckets    map[domain.DailyAccountBucketKey]*domain.DailyAccountBucket
	transfers  map[domain.TransferID]*domain.TransferRecord
	links      map[common.Address]map[domain.AccountLinkKey]*domain.AccountLink // keyed by account
	checkpoint *domain.Checkpoint
}

// NewLedgerStore creates a new in-memory ledger store.
func NewLedgerStore() *LedgerStore {
	return &LedgerStore{
		accounts:  make(map[common.Address]*domain.Account),
		snapshots: make(map[uint64]*domain.DailyHolderSnapshot),
		buckets:   make(map[domain.DailyAccountBucketKey]*domain.DailyAccountBucket),
		transfers: make(map[domain.TransferID]*domain.TransferRecord),
		links:     make(map[common.Address]map[domain.AccountLinkKey]*domain.AccountLink),
	}
}

// GetAccount retrieves an account by address. Returns ErrNotFound if not exists.
func (s *LedgerStore) GetAccount(_ context.Context, addr common.Address) (*domain.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.accounts[addr]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return a.Clone(), nil
}

// GetHolderCounter retrieves the global holder counter. Returns ErrNotFound if never written.
func (s *LedgerStore) GetHolderCounter(_ context.Context) (*domain.HolderCounter, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.counter == nil {
		return nil, storage.ErrNotFound
	}
	return s.counter.Clone(), nil
}

// GetDailyHolderSnapshot retrieves the snapshot for a day. Returns ErrNotFound if not exists.
func (s *LedgerStore) GetDailyHolderSnapshot(_ context.Context, dayOpen uint64) (*domain.DailyHolderSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap, ok := s.snapshots[dayOpen]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return snap.Clone(), nil
}

// GetDailyHolderSnapshots retrieves snapshots with dayOpen within [from, to].
func (s *LedgerStore) GetDailyHolderSnapshots(_ context.Context, from, to uint64) ([]*domain.DailyHolderSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*domain.DailyHolderSnapshot
	for day, snap := range s.snapshots {
		if day >= from && day <= to {
			result = append(result, snap.Clone())
		}
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].DayOpen < result[j].DayOpen
	})

	return result, nil
}

// GetDailyAccountBucket retrieves one account-day bucket. Returns ErrNotFound if not exists.
func (s *LedgerStore) GetDailyAccountBucket(_ context.Context, key domain.DailyAccountBucketKey) (*domain.DailyAccountBucket, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	b, ok := s.buckets[key]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return b.Clone(), nil
}

// GetTransfer retrieves a transfer record. Returns ErrNotFound if not exists.
func (s *LedgerStore) GetTransfer(_ context.Context, id domain.TransferID) (*domain.TransferRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.transfers[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return r.Clone(), nil
}

// GetLinks retrieves all links of an account.
func (s *LedgerStore) GetLinks(_ context.Context, addr common.Address) ([]*domain.AccountLink, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*domain.AccountLink
	for _, l := range s.links[addr] {
		result = append(result, l.Clone())
	}

	sort.Slice(result, func(i, j int) bool {
		return lessLink(result[i], result[j])
	})

	return result, nil
}

// TopAccounts retrieves up to limit accounts ordered by balance DESC.
func (s *LedgerStore) TopAccounts(_ context.Context, limit int) ([]*domain.Account, error) {
	if limit <= 0 {
		return nil, storage.ErrInvalidInput
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*domain.Account, 0, len(s.accounts))
	for _, a := range s.accounts {
		result = append(result, a.Clone())
	}

	sort.Slice(result, func(i, j int) bool {
		if c := result[i].Balance.Cmp(result[j].Balance); c != 0 {
			return c > 0
		}
		return bytes.Compare(result[i].Address[:], result[j].Address[:]) < 0
	})

	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// CountHolders counts accounts with a strictly positive balance.
func (s *LedgerStore) CountHolders(_ context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var n int64
	for _, a := range s.accounts {
		if a.Balance.Sign() > 0 {
			n++
		}
	}
	return n, nil
}

// GetCheckpoint retrieves the last committed position. Returns ErrNotFound if never written.
func (s *LedgerStore) GetCheckpoint(_ context.Context) (*domain.Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.checkpoint == nil {
		return nil, storage.ErrNotFound
	}
	cp := *s.checkpoint
	return &cp, nil
}

// Apply commits a ChangeSet atomically. Fails the entire set on any duplicate transfer.
func (s *LedgerStore) Apply(_ context.Context, cs *storage.ChangeSet) error {
	if cs == nil {
		return storage.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// First pass: check for duplicates (existing + intra-batch)
	batchIDs := make(map[domain.TransferID]struct{}, len(cs.Transfers))
	for _, r := range cs.Transfers {
		if r == nil || r.Amount == nil {
			return storage.ErrInvalidInput
		}
		if _, exists := s.transfers[r.ID]; exists {
			return fmt.Errorf("transfer %s: %w", r.ID, storage.ErrDuplicateKey)
		}
		if _, exists := batchIDs[r.ID]; exists {
			return fmt.Errorf("transfer %s: %w", r.ID, storage.ErrDuplicateKey)
		}
		batchIDs[r.ID] = struct{}{}
	}

	// Second pass: write all
	for _, r := range cs.Transfers {
		s.transfers[r.ID] = r.Clone()
	}
	for _, l := range cs.Links {
		byAccount, ok := s.links[l.Key.Account]
		if !ok {
			byAccount = make(map[domain.AccountLinkKey]*domain.AccountLink)
			s.links[l.Key.Account] = byAccount
		}
		byAccount[l.Key] = l.Clone()
	}
	for _, a := range cs.Accounts {
		c := a.Clone()
		c.IsNew = false
		s.accounts[a.Address] = c
	}
	if cs.HolderCounter != nil {
		c := cs.HolderCounter.Clone()
		c.IsNew = false
		s.counter = c
	}
	for _, snap := range cs.HolderSnapshots {
		c := snap.Clone()
		c.IsNew = false
		s.snapshots[snap.DayOpen] = c
	}
	for _, b := range cs.AccountBuckets {
		c := b.Clone()
		c.IsNew = false
		s.buckets[b.Key] = c
	}
	if cs.Checkpoint != nil {
		cp := *cs.Checkpoint
		s.checkpoint = &cp
	}

	return nil
}

// lessLink orders links by (timestamp, tx hash, log index, role).
func lessLink(a, b *domain.AccountLink) bool {
	if a.Timestamp != b.Timestamp {
		return a.Timestamp < b.Timestamp
	}
	if c := bytes.Compare(a.Key.Transfer.TxHash[:], b.Key.Transfer.TxHash[:]); c != 0 {
		return c < 0
	}
	if a.Key.Transfer.LogIndex != b.Key.Transfer.LogIndex {
		return a.Key.Transfer.LogIndex < b.Key.Transfer.LogIndex
	}
	return a.Key.Role < b.Key.Role
}

// Verify interface compliance at compile time.
var _ storage.LedgerStore = (*LedgerStore)(nil)
