package storage

import "holder-analytics/internal/domain"

// ChangeSet is every write produced by one transfer event.
// Entities appear at most once each, in first-touched order.
type ChangeSet struct {
	Position        domain.Position
	Transfers       []*domain.TransferRecord
	Links           []*domain.AccountLink
	Accounts        []*domain.Account
	HolderCounter   *domain.HolderCounter
	HolderSnapshots []*domain.DailyHolderSnapshot
	AccountBuckets  []*domain.DailyAccountBucket
	Checkpoint      *domain.Checkpoint
}

// Empty reports whether the ChangeSet carries no writes.
func (cs *ChangeSet) Empty() bool {
	return cs == nil || (len(cs.Transfers) == 0 &&
		len(cs.Links) == 0 &&
		len(cs.Accounts) == 0 &&
		cs.HolderCounter == nil &&
		len(cs.HolderSnapshots) == 0 &&
		len(cs.AccountBuckets) == 0 &&
		cs.Checkpoint == nil)
}
