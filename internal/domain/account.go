package domain

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// Account is the derived balance of one address.
// Balance may be negative only if the upstream stream debited more than it credited.
type Account struct {
	Address   common.Address
	Balance   *big.Int
	UpdatedAt uint64 // block timestamp of the last applied transfer

	// IsNew is set when the entity was created in the current event rather than loaded.
	IsNew bool
}

// NewAccount returns a fresh zero-balance account.
func NewAccount(addr common.Address) *Account {
	return &Account{Address: addr, Balance: new(big.Int), IsNew: true}
}

// Clone returns a deep copy.
func (a *Account) Clone() *Account {
	c := *a
	c.Balance = cloneInt(a.Balance)
	return &c
}

// HolderCounter is the singleton count of accounts with a positive balance.
type HolderCounter struct {
	Count int64
	IsNew bool
}

// NewHolderCounter returns a fresh zero counter.
func NewHolderCounter() *HolderCounter {
	return &HolderCounter{IsNew: true}
}

// Clone returns a copy.
func (h *HolderCounter) Clone() *HolderCounter {
	c := *h
	return &c
}

// DailyAccountBucketKey identifies an account's flows for one UTC day.
type DailyAccountBucketKey struct {
	Account common.Address
	DayOpen uint64
}

// DailyAccountBucket holds the cumulative flows of one account over one UTC day.
// Volume always equals Inflow + Outflow.
type DailyAccountBucket struct {
	Key      DailyAccountBucketKey
	DayClose uint64
	Inflow   *big.Int
	Outflow  *big.Int
	Volume   *big.Int
	IsNew    bool
}

// Clone returns a deep copy.
func (b *DailyAccountBucket) Clone() *DailyAccountBucket {
	c := *b
	c.Inflow = cloneInt(b.Inflow)
	c.Outflow = cloneInt(b.Outflow)
	c.Volume = cloneInt(b.Volume)
	return &c
}

// DailyHolderSnapshot is a running holder tally for one UTC day. It is seeded from
// the HolderCounter when first created and then evolves only from that day's transitions.
type DailyHolderSnapshot struct {
	DayOpen  uint64
	DayClose uint64
	Count    int64
	IsNew    bool
}

// Clone returns a copy.
func (s *DailyHolderSnapshot) Clone() *DailyHolderSnapshot {
	c := *s
	return &c
}

// Transition is a change in an account's holder status.
type Transition int

// Transition values.
const (
	NoChange Transition = iota
	GainedHolder
	LostHolder
)

// Delta is the change a transition applies to a holder count.
func (t Transition) Delta() int64 {
	switch t {
	case GainedHolder:
		return 1
	case LostHolder:
		return -1
	default:
		return 0
	}
}

func (t Transition) String() string {
	switch t {
	case GainedHolder:
		return "gained_holder"
	case LostHolder:
		return "lost_holder"
	default:
		return "no_change"
	}
}

func cloneInt(v *big.Int) *big.Int {
	if v == nil {
		return nil
	}
	return new(big.Int).Set(v)
}
