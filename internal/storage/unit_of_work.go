package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"holder-analytics/internal/domain"
)

// UnitOfWork stages the writes of a single event on top of a LedgerReader.
// Loads see writes staged earlier in the same unit; nothing reaches the
// store until the resulting ChangeSet is applied.
//
// Loaded entities are copies: callers mutate them and hand them back via Save*.
// An entity that was never written, neither in the store nor in this unit,
// is returned fresh with IsNew set.
type UnitOfWork struct {
	reader LedgerReader

	accounts     map[common.Address]*domain.Account
	accountOrder []common.Address

	counter *domain.HolderCounter

	snapshots     map[uint64]*domain.DailyHolderSnapshot
	snapshotOrder []uint64

	buckets     map[domain.DailyAccountBucketKey]*domain.DailyAccountBucket
	bucketOrder []domain.DailyAccountBucketKey

	transfers   map[domain.TransferID]*domain.TransferRecord
	transferIDs []domain.TransferID

	links     map[domain.AccountLinkKey]*domain.AccountLink
	linkOrder []domain.AccountLinkKey

	checkpoint *domain.Checkpoint
}

// NewUnitOfWork creates an empty unit over reader.
func NewUnitOfWork(reader LedgerReader) *UnitOfWork {
	return &UnitOfWork{
		reader:    reader,
		accounts:  make(map[common.Address]*domain.Account),
		snapshots: make(map[uint64]*domain.DailyHolderSnapshot),
		buckets:   make(map[domain.DailyAccountBucketKey]*domain.DailyAccountBucket),
		transfers: make(map[domain.TransferID]*domain.TransferRecord),
		links:     make(map[domain.AccountLinkKey]*domain.AccountLink),
	}
}

// LoadAccount returns the account for addr, or a fresh zero-balance account.
func (u *UnitOfWork) LoadAccount(ctx context.Context, addr common.Address) (*domain.Account, error) {
	if a, ok := u.accounts[addr]; ok {
		return a.Clone(), nil
	}
	a, err := u.reader.GetAccount(ctx, addr)
	switch {
	case errors.Is(err, ErrNotFound):
		return domain.NewAccount(addr), nil
	case err != nil:
		return nil, fmt.Errorf("load account %s: %w", addr.Hex(), err)
	}
	a.IsNew = false
	return a, nil
}

// SaveAccount stages an account write.
func (u *UnitOfWork) SaveAccount(a *domain.Account) {
	if _, ok := u.accounts[a.Address]; !ok {
		u.accountOrder = append(u.accountOrder, a.Address)
	}
	c := a.Clone()
	c.IsNew = false
	u.accounts[a.Address] = c
}

// LoadHolderCounter returns the global counter, or a fresh zero counter.
func (u *UnitOfWork) LoadHolderCounter(ctx context.Context) (*domain.HolderCounter, error) {
	if u.counter != nil {
		return u.counter.Clone(), nil
	}
	h, err := u.reader.GetHolderCounter(ctx)
	switch {
	case errors.Is(err, ErrNotFound):
		return domain.NewHolderCounter(), nil
	case err != nil:
		return nil, fmt.Errorf("load holder counter: %w", err)
	}
	h.IsNew = false
	return h, nil
}

// SaveHolderCounter stages a counter write.
func (u *UnitOfWork) SaveHolderCounter(h *domain.HolderCounter) {
	c := h.Clone()
	c.IsNew = false
	u.counter = c
}

// LoadDailyHolderSnapshot returns the snapshot for the day opening at dayOpen.
// A fresh snapshot has only DayOpen set; the caller seeds the rest.
func (u *UnitOfWork) LoadDailyHolderSnapshot(ctx context.Context, dayOpen uint64) (*domain.DailyHolderSnapshot, error) {
	if s, ok := u.snapshots[dayOpen]; ok {
		return s.Clone(), nil
	}
	s, err := u.reader.GetDailyHolderSnapshot(ctx, dayOpen)
	switch {
	case errors.Is(err, ErrNotFound):
		return &domain.DailyHolderSnapshot{DayOpen: dayOpen, IsNew: true}, nil
	case err != nil:
		return nil, fmt.Errorf("load holder snapshot %d: %w", dayOpen, err)
	}
	s.IsNew = false
	return s, nil
}

// SaveDailyHolderSnapshot stages a snapshot write.
func (u *UnitOfWork) SaveDailyHolderSnapshot(s *domain.DailyHolderSnapshot) {
	if _, ok := u.snapshots[s.DayOpen]; !ok {
		u.snapshotOrder = append(u.snapshotOrder, s.DayOpen)
	}
	c := s.Clone()
	c.IsNew = false
	u.snapshots[s.DayOpen] = c
}

// LoadDailyAccountBucket returns the bucket for key.
// A fresh bucket has only Key set; the caller seeds the rest.
func (u *UnitOfWork) LoadDailyAccountBucket(ctx context.Context, key domain.DailyAccountBucketKey) (*domain.DailyAccountBucket, error) {
	if b, ok := u.buckets[key]; ok {
		return b.Clone(), nil
	}
	b, err := u.reader.GetDailyAccountBucket(ctx, key)
	switch {
	case errors.Is(err, ErrNotFound):
		return &domain.DailyAccountBucket{Key: key, IsNew: true}, nil
	case err != nil:
		return nil, fmt.Errorf("load account bucket %s/%d: %w", key.Account.Hex(), key.DayOpen, err)
	}
	b.IsNew = false
	return b, nil
}

// SaveDailyAccountBucket stages a bucket write.
func (u *UnitOfWork) SaveDailyAccountBucket(b *domain.DailyAccountBucket) {
	if _, ok := u.buckets[b.Key]; !ok {
		u.bucketOrder = append(u.bucketOrder, b.Key)
	}
	c := b.Clone()
	c.IsNew = false
	u.buckets[b.Key] = c
}

// InsertTransfer stages an immutable transfer record. Duplicates within the unit
// fail immediately; duplicates against the store fail at Apply.
func (u *UnitOfWork) InsertTransfer(r *domain.TransferRecord) error {
	if _, ok := u.transfers[r.ID]; ok {
		return fmt.Errorf("transfer %s: %w", r.ID, ErrDuplicateKey)
	}
	u.transfers[r.ID] = r.Clone()
	u.transferIDs = append(u.transferIDs, r.ID)
	return nil
}

// SaveLink stages an account link write.
func (u *UnitOfWork) SaveLink(l *domain.AccountLink) {
	if _, ok := u.links[l.Key]; !ok {
		u.linkOrder = append(u.linkOrder, l.Key)
	}
	u.links[l.Key] = l.Clone()
}

// SetCheckpoint stages the checkpoint written with this unit.
func (u *UnitOfWork) SetCheckpoint(cp domain.Checkpoint) {
	u.checkpoint = &cp
}

// ChangeSet returns the staged writes tagged with the event position.
func (u *UnitOfWork) ChangeSet(pos domain.Position) *ChangeSet {
	cs := &ChangeSet{Position: pos}

	for _, id := range u.transferIDs {
		cs.Transfers = append(cs.Transfers, u.transfers[id].Clone())
	}
	for _, k := range u.linkOrder {
		cs.Links = append(cs.Links, u.links[k].Clone())
	}
	for _, addr := range u.accountOrder {
		cs.Accounts = append(cs.Accounts, u.accounts[addr].Clone())
	}
	if u.counter != nil {
		cs.HolderCounter = u.counter.Clone()
	}
	for _, day := range u.snapshotOrder {
		cs.HolderSnapshots = append(cs.HolderSnapshots, u.snapshots[day].Clone())
	}
	for _, k := range u.bucketOrder {
		cs.AccountBuckets = append(cs.AccountBuckets, u.buckets[k].Clone())
	}
	if u.checkpoint != nil {
		cp := *u.checkpoint
		cs.Checkpoint = &cp
	}

	return cs
}
