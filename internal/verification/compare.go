package verification

import (
	"context"
	"errors"
	"fmt"

	"holder-analytics/internal/storage"
)

// comparer records divergences between the replayed and stored ledgers.
type comparer struct {
	report *Report
}

func (c *comparer) diverge(entity, key, field string, expected, actual interface{}) {
	c.report.Divergences = append(c.report.Divergences, FieldDivergence{
		Entity:   entity,
		Key:      key,
		Field:    field,
		Expected: fmt.Sprint(expected),
		Actual:   fmt.Sprint(actual),
	})
}

// missing reports whether err is ErrNotFound, recording a divergence if so.
func (c *comparer) missing(err error, entity, key string) (bool, error) {
	if errors.Is(err, storage.ErrNotFound) {
		c.diverge(entity, key, "exists", true, false)
		return true, nil
	}
	return false, err
}

func (c *comparer) compare(ctx context.Context, expected, actual storage.LedgerReader, scope *Scope) error {
	if err := c.compareCheckpoint(ctx, expected, actual); err != nil {
		return err
	}
	if err := c.compareCounter(ctx, expected, actual); err != nil {
		return err
	}

	for _, addr := range scope.sortedAccounts() {
		want, err := expected.GetAccount(ctx, addr)
		if errors.Is(err, storage.ErrNotFound) {
			continue
		}
		if err != nil {
			return fmt.Errorf("replayed account %s: %w", addr.Hex(), err)
		}
		got, err := actual.GetAccount(ctx, addr)
		if gone, err := c.missing(err, "account", addr.Hex()); gone || err != nil {
			if err != nil {
				return fmt.Errorf("stored account %s: %w", addr.Hex(), err)
			}
			continue
		}
		if want.Balance.Cmp(got.Balance) != 0 {
			c.diverge("account", addr.Hex(), "balance", want.Balance, got.Balance)
		}
		if want.UpdatedAt != got.UpdatedAt {
			c.diverge("account", addr.Hex(), "updated_at", want.UpdatedAt, got.UpdatedAt)
		}
	}

	for _, day := range scope.sortedDays() {
		key := fmt.Sprint(day)
		want, err := expected.GetDailyHolderSnapshot(ctx, day)
		if err != nil {
			return fmt.Errorf("replayed snapshot %d: %w", day, err)
		}
		got, err := actual.GetDailyHolderSnapshot(ctx, day)
		if gone, err := c.missing(err, "snapshot", key); gone || err != nil {
			if err != nil {
				return fmt.Errorf("stored snapshot %d: %w", day, err)
			}
			continue
		}
		if want.Count != got.Count {
			c.diverge("snapshot", key, "count", want.Count, got.Count)
		}
	}

	for _, bk := range scope.sortedBuckets() {
		key := fmt.Sprintf("%s@%d", bk.Account.Hex(), bk.DayOpen)
		want, err := expected.GetDailyAccountBucket(ctx, bk)
		if err != nil {
			return fmt.Errorf("replayed bucket %s: %w", key, err)
		}
		got, err := actual.GetDailyAccountBucket(ctx, bk)
		if gone, err := c.missing(err, "bucket", key); gone || err != nil {
			if err != nil {
				return fmt.Errorf("stored bucket %s: %w", key, err)
			}
			continue
		}
		if want.Inflow.Cmp(got.Inflow) != 0 {
			c.diverge("bucket", key, "inflow", want.Inflow, got.Inflow)
		}
		if want.Outflow.Cmp(got.Outflow) != 0 {
			c.diverge("bucket", key, "outflow", want.Outflow, got.Outflow)
		}
		if want.Volume.Cmp(got.Volume) != 0 {
			c.diverge("bucket", key, "volume", want.Volume, got.Volume)
		}
	}

	for _, id := range scope.transfers {
		want, err := expected.GetTransfer(ctx, id)
		if err != nil {
			return fmt.Errorf("replayed transfer %s: %w", id, err)
		}
		got, err := actual.GetTransfer(ctx, id)
		if gone, err := c.missing(err, "transfer", id.String()); gone || err != nil {
			if err != nil {
				return fmt.Errorf("stored transfer %s: %w", id, err)
			}
			continue
		}
		if !want.Amount.Eq(got.Amount) {
			c.diverge("transfer", id.String(), "amount", want.Amount.Dec(), got.Amount.Dec())
		}
		if want.Sender != got.Sender || want.Recipient != got.Recipient {
			c.diverge("transfer", id.String(), "parties",
				want.Sender.Hex()+"->"+want.Recipient.Hex(),
				got.Sender.Hex()+"->"+got.Recipient.Hex())
		}
	}

	return nil
}

func (c *comparer) compareCheckpoint(ctx context.Context, expected, actual storage.LedgerReader) error {
	want, err := expected.GetCheckpoint(ctx)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	got, err := actual.GetCheckpoint(ctx)
	if err != nil {
		return err
	}
	if want.Position != got.Position {
		c.diverge("checkpoint", "", "position", want.Position, got.Position)
	}
	return nil
}

func (c *comparer) compareCounter(ctx context.Context, expected, actual storage.LedgerReader) error {
	var want, got int64
	if h, err := expected.GetHolderCounter(ctx); err == nil {
		want = h.Count
	} else if !errors.Is(err, storage.ErrNotFound) {
		return err
	}
	if h, err := actual.GetHolderCounter(ctx); err == nil {
		got = h.Count
	} else if !errors.Is(err, storage.ErrNotFound) {
		return err
	}
	if want != got {
		c.diverge("counter", "", "count", want, got)
	}

	counted, err := actual.CountHolders(ctx)
	if err != nil {
		return err
	}
	if counted != got {
		c.diverge("counter", "", "positive_balances", got, counted)
	}
	return nil
}
