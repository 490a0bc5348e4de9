// Package aggregation derives balances, holder counts and daily aggregates from
// an ordered stream of transfer events.
package aggregation

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"holder-analytics/internal/clock"
	"holder-analytics/internal/domain"
	"holder-analytics/internal/observability"
	"holder-analytics/internal/storage"
)

// Outcome describes what one ApplyTransfer call did to one account.
type Outcome struct {
	Account        common.Address
	Role           domain.Role
	InitialBalance *big.Int
	NewBalance     *big.Int
	Transition     domain.Transition
	Pinned         bool // sentinel balance pinned to zero instead of debited
}

// Aggregator applies one side of a transfer to the derived entities.
type Aggregator struct {
	logger *zap.Logger
}

// NewAggregator creates a new aggregator. A nil logger disables logging.
func NewAggregator(logger *zap.Logger) *Aggregator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Aggregator{logger: logger}
}

// ApplyTransfer applies the event to account acting in role, staging every write in uow:
//  1. debit for the sender, credit for the recipient
//  2. update the account balance (the sentinel is pinned to zero when it sends)
//  3. detect the holder transition
//  4. update the global holder counter
//  5. update or seed the day's holder snapshot
//  6. update or seed the account's daily flow bucket
func (a *Aggregator) ApplyTransfer(
	ctx context.Context,
	uow *storage.UnitOfWork,
	event *domain.TransferEvent,
	account common.Address,
	role domain.Role,
) (*Outcome, error) {
	if role != domain.RoleSender && role != domain.RoleRecipient {
		return nil, fmt.Errorf("%w: unknown role %q", domain.ErrMalformedEvent, role)
	}
	amount := event.Amount.ToBig()

	acct, err := uow.LoadAccount(ctx, account)
	if err != nil {
		return nil, err
	}
	initial := new(big.Int).Set(acct.Balance)

	out := &Outcome{Account: account, Role: role, InitialBalance: initial}

	switch {
	case role == domain.RoleSender && account == domain.SentinelAddress:
		acct.Balance = new(big.Int)
		out.Pinned = true
	case role == domain.RoleSender:
		acct.Balance = new(big.Int).Sub(acct.Balance, amount)
	default:
		acct.Balance = new(big.Int).Add(acct.Balance, amount)
	}
	acct.UpdatedAt = event.BlockTimestamp
	uow.SaveAccount(acct)
	out.NewBalance = new(big.Int).Set(acct.Balance)

	if acct.Balance.Sign() < 0 {
		observability.RecordNegativeBalance()
		a.logger.Warn("balance underflow",
			zap.String("account", account.Hex()),
			zap.String("balance", acct.Balance.String()),
			zap.String("tx", event.TxHash.Hex()),
			zap.Uint32("log_index", event.LogIndex))
	}

	out.Transition = DetectTransition(initial, acct.Balance)

	counter, err := uow.LoadHolderCounter(ctx)
	if err != nil {
		return nil, err
	}
	counter.Count += out.Transition.Delta()
	uow.SaveHolderCounter(counter)

	if err := a.updateHolderSnapshot(ctx, uow, event, counter, out.Transition); err != nil {
		return nil, err
	}
	if err := a.updateAccountBucket(ctx, uow, event, account, role, amount); err != nil {
		return nil, err
	}

	a.logger.Debug("transfer applied",
		zap.String("account", account.Hex()),
		zap.String("role", string(role)),
		zap.String("initial", initial.String()),
		zap.String("balance", out.NewBalance.String()),
		zap.Stringer("transition", out.Transition),
		zap.Int64("holders", counter.Count))

	return out, nil
}

// updateHolderSnapshot seeds a new day snapshot from the already-updated counter,
// so the creating transition is counted once; an existing snapshot takes the delta.
func (a *Aggregator) updateHolderSnapshot(
	ctx context.Context,
	uow *storage.UnitOfWork,
	event *domain.TransferEvent,
	counter *domain.HolderCounter,
	transition domain.Transition,
) error {
	snap, err := uow.LoadDailyHolderSnapshot(ctx, clock.DayOpen(event.BlockTimestamp))
	if err != nil {
		return err
	}

	if snap.IsNew {
		snap.DayClose = clock.DayClose(event.BlockTimestamp)
		snap.Count = counter.Count
	} else {
		snap.Count += transition.Delta()
	}

	uow.SaveDailyHolderSnapshot(snap)
	return nil
}

// updateAccountBucket adds the amount to the role's side of the account-day bucket.
func (a *Aggregator) updateAccountBucket(
	ctx context.Context,
	uow *storage.UnitOfWork,
	event *domain.TransferEvent,
	account common.Address,
	role domain.Role,
	amount *big.Int,
) error {
	key := domain.DailyAccountBucketKey{Account: account, DayOpen: clock.DayOpen(event.BlockTimestamp)}
	bucket, err := uow.LoadDailyAccountBucket(ctx, key)
	if err != nil {
		return err
	}

	if bucket.IsNew {
		bucket.DayClose = clock.DayClose(event.BlockTimestamp)
		bucket.Inflow = new(big.Int)
		bucket.Outflow = new(big.Int)
		bucket.Volume = new(big.Int)
	}

	if role == domain.RoleRecipient {
		bucket.Inflow.Add(bucket.Inflow, amount)
	} else {
		bucket.Outflow.Add(bucket.Outflow, amount)
	}
	bucket.Volume.Add(bucket.Volume, amount)

	uow.SaveDailyAccountBucket(bucket)
	return nil
}
