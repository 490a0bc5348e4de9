// Package report summarizes derived holder state for operators.
package report

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"holder-analytics/internal/domain"
	"holder-analytics/internal/storage"
)

// Options selects what a report covers.
type Options struct {
	From     uint64 // first day open (Unix seconds)
	To       uint64 // last day open (Unix seconds)
	Decimals int32  // token decimals applied to raw amounts
	TopN     int    // number of top balances listed
}

// Report is a point-in-time summary of the ledger.
type Report struct {
	Checkpoint *domain.Checkpoint // nil before the first event

	HolderCount    int64 // running counter
	CountedHolders int64 // accounts with a positive balance, counted directly
	Days           []DayRow
	TopAccounts    []AccountRow
}

// Consistent reports whether the running counter matches a direct count.
func (r *Report) Consistent() bool {
	return r.HolderCount == r.CountedHolders
}

// DayRow is one day of history.
type DayRow struct {
	DayOpen   uint64
	Date      string // UTC, YYYY-MM-DD
	Holders   int64
	Transfers uint64          // zero without an analytics reader
	Volume    decimal.Decimal // zero without an analytics reader
}

// AccountRow is one account balance.
type AccountRow struct {
	Address common.Address
	Balance decimal.Decimal
}

// Summarize builds a report from the ledger. Day history comes from analytics
// when it is not nil, which also adds transfer counts and volume.
func Summarize(ctx context.Context, ledger storage.LedgerReader, analytics storage.AnalyticsReader, opts Options) (*Report, error) {
	if opts.To < opts.From {
		return nil, fmt.Errorf("%w: day range %d..%d", storage.ErrInvalidInput, opts.From, opts.To)
	}

	r := &Report{}

	cp, err := ledger.GetCheckpoint(ctx)
	switch {
	case err == nil:
		r.Checkpoint = cp
	case !errors.Is(err, storage.ErrNotFound):
		return nil, fmt.Errorf("get checkpoint: %w", err)
	}

	counter, err := ledger.GetHolderCounter(ctx)
	switch {
	case err == nil:
		r.HolderCount = counter.Count
	case !errors.Is(err, storage.ErrNotFound):
		return nil, fmt.Errorf("get holder counter: %w", err)
	}

	if r.CountedHolders, err = ledger.CountHolders(ctx); err != nil {
		return nil, fmt.Errorf("count holders: %w", err)
	}

	var snapshots []*domain.DailyHolderSnapshot
	if analytics != nil {
		snapshots, err = analytics.GetDailyHolderSnapshots(ctx, opts.From, opts.To)
	} else {
		snapshots, err = ledger.GetDailyHolderSnapshots(ctx, opts.From, opts.To)
	}
	if err != nil {
		return nil, fmt.Errorf("get snapshots: %w", err)
	}

	stats := map[uint64]*domain.DailyTransferStats{}
	if analytics != nil {
		rows, err := analytics.GetDailyTransferStats(ctx, opts.From, opts.To)
		if err != nil {
			return nil, fmt.Errorf("get transfer stats: %w", err)
		}
		for _, s := range rows {
			stats[s.DayOpen] = s
		}
	}

	for _, s := range snapshots {
		row := DayRow{
			DayOpen: s.DayOpen,
			Date:    time.Unix(int64(s.DayOpen), 0).UTC().Format(time.DateOnly),
			Holders: s.Count,
			Volume:  decimal.Zero,
		}
		if st, ok := stats[s.DayOpen]; ok {
			row.Transfers = st.Transfers
			row.Volume = Amount(st.Volume, opts.Decimals)
		}
		r.Days = append(r.Days, row)
	}

	if opts.TopN > 0 {
		accounts, err := ledger.TopAccounts(ctx, opts.TopN)
		if err != nil {
			return nil, fmt.Errorf("top accounts: %w", err)
		}
		for _, a := range accounts {
			r.TopAccounts = append(r.TopAccounts, AccountRow{
				Address: a.Address,
				Balance: Amount(a.Balance, opts.Decimals),
			})
		}
	}

	return r, nil
}

// Amount converts a raw integer amount into token units.
func Amount(raw *big.Int, decimals int32) decimal.Decimal {
	if raw == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(raw, -decimals)
}
