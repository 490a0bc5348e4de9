package clickhouse

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"holder-analytics/internal/clock"
	"holder-analytics/internal/domain"
	"holder-analytics/internal/storage"
)

// DailyStatsStore implements storage.AnalyticsStore using ClickHouse.
// Every ChangeSet is appended as new row versions; ReplacingMergeTree keeps the
// highest version per key and reads use FINAL.
type DailyStatsStore struct {
	conn *Conn
}

// NewDailyStatsStore creates a new DailyStatsStore.
func NewDailyStatsStore(conn *Conn) *DailyStatsStore {
	return &DailyStatsStore{conn: conn}
}

// Compile-time interface check.
var _ storage.AnalyticsStore = (*DailyStatsStore)(nil)

// Append writes the transfers, holder snapshots and account buckets of a
// ChangeSet, versioned by its position. Rewriting a ChangeSet yields rows
// with the same version, which FINAL collapses.
func (s *DailyStatsStore) Append(ctx context.Context, cs *storage.ChangeSet) error {
	if cs.Empty() {
		return nil
	}
	version := cs.Position.Version()

	if len(cs.Transfers) > 0 {
		batch, err := s.conn.PrepareBatch(ctx, `
			INSERT INTO transfers (
				tx_hash, log_index, block_number, block_timestamp, sender, recipient, amount, version
			)
		`)
		if err != nil {
			return fmt.Errorf("prepare transfers batch: %w", err)
		}
		for _, r := range cs.Transfers {
			err = batch.Append(
				r.ID.TxHash.Hex(), r.ID.LogIndex, r.BlockNumber, r.BlockTimestamp,
				r.Sender.Hex(), r.Recipient.Hex(), r.Amount.ToBig(), version,
			)
			if err != nil {
				return fmt.Errorf("append transfer: %w", err)
			}
		}
		if err := batch.Send(); err != nil {
			return fmt.Errorf("send transfers batch: %w", err)
		}
	}

	if len(cs.HolderSnapshots) > 0 {
		batch, err := s.conn.PrepareBatch(ctx, `
			INSERT INTO daily_holder_snapshots (day_open, day_close, holder_count, version)
		`)
		if err != nil {
			return fmt.Errorf("prepare snapshots batch: %w", err)
		}
		for _, snap := range cs.HolderSnapshots {
			if err := batch.Append(snap.DayOpen, snap.DayClose, snap.Count, version); err != nil {
				return fmt.Errorf("append snapshot: %w", err)
			}
		}
		if err := batch.Send(); err != nil {
			return fmt.Errorf("send snapshots batch: %w", err)
		}
	}

	if len(cs.AccountBuckets) > 0 {
		batch, err := s.conn.PrepareBatch(ctx, `
			INSERT INTO daily_account_buckets (
				account, day_open, day_close, inflow, outflow, volume, version
			)
		`)
		if err != nil {
			return fmt.Errorf("prepare buckets batch: %w", err)
		}
		for _, b := range cs.AccountBuckets {
			err = batch.Append(
				b.Key.Account.Hex(), b.Key.DayOpen, b.DayClose,
				b.Inflow, b.Outflow, b.Volume, version,
			)
			if err != nil {
				return fmt.Errorf("append bucket: %w", err)
			}
		}
		if err := batch.Send(); err != nil {
			return fmt.Errorf("send buckets batch: %w", err)
		}
	}

	return nil
}

// GetDailyHolderSnapshots retrieves snapshots with day_open within [from, to], ordered by day.
func (s *DailyStatsStore) GetDailyHolderSnapshots(ctx context.Context, from, to uint64) ([]*domain.DailyHolderSnapshot, error) {
	rows, err := s.conn.Query(ctx, `
		SELECT day_open, day_close, holder_count
		FROM daily_holder_snapshots FINAL
		WHERE day_open >= ? AND day_open <= ?
		ORDER BY day_open ASC
	`, from, to)
	if err != nil {
		return nil, fmt.Errorf("query holder snapshots: %w", err)
	}
	defer rows.Close()

	return scanHolderSnapshots(rows)
}

// GetAccountBuckets retrieves an account's buckets with day_open within [from, to], ordered by day.
func (s *DailyStatsStore) GetAccountBuckets(ctx context.Context, account common.Address, from, to uint64) ([]*domain.DailyAccountBucket, error) {
	rows, err := s.conn.Query(ctx, `
		SELECT account, day_open, day_close, inflow, outflow, volume
		FROM daily_account_buckets FINAL
		WHERE account = ? AND day_open >= ? AND day_open <= ?
		ORDER BY day_open ASC
	`, account.Hex(), from, to)
	if err != nil {
		return nil, fmt.Errorf("query account buckets: %w", err)
	}
	defer rows.Close()

	return scanAccountBuckets(rows)
}

// GetDailyTransferStats retrieves per-day transfer counts and summed amounts within [from, to].
func (s *DailyStatsStore) GetDailyTransferStats(ctx context.Context, from, to uint64) ([]*domain.DailyTransferStats, error) {
	rows, err := s.conn.Query(ctx, fmt.Sprintf(`
		SELECT intDiv(block_timestamp, %d) * %d AS day_open, count() AS transfers, sum(amount) AS volume
		FROM transfers FINAL
		WHERE day_open >= ? AND day_open <= ?
		GROUP BY day_open
		ORDER BY day_open ASC
	`, clock.SecondsPerDay, clock.SecondsPerDay), from, to)
	if err != nil {
		return nil, fmt.Errorf("query transfer stats: %w", err)
	}
	defer rows.Close()

	var result []*domain.DailyTransferStats
	for rows.Next() {
		st := &domain.DailyTransferStats{Volume: new(big.Int)}
		if err := rows.Scan(&st.DayOpen, &st.Transfers, st.Volume); err != nil {
			return nil, fmt.Errorf("scan transfer stats row: %w", err)
		}
		result = append(result, st)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate transfer stats rows: %w", err)
	}
	return result, nil
}

// scanHolderSnapshots scans multiple rows.
func scanHolderSnapshots(rows chRows) ([]*domain.DailyHolderSnapshot, error) {
	var snaps []*domain.DailyHolderSnapshot

	for rows.Next() {
		var snap domain.DailyHolderSnapshot
		if err := rows.Scan(&snap.DayOpen, &snap.DayClose, &snap.Count); err != nil {
			return nil, fmt.Errorf("scan holder snapshot row: %w", err)
		}
		snaps = append(snaps, &snap)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate holder snapshot rows: %w", err)
	}

	return snaps, nil
}

// scanAccountBuckets scans multiple rows.
func scanAccountBuckets(rows chRows) ([]*domain.DailyAccountBucket, error) {
	var buckets []*domain.DailyAccountBucket

	for rows.Next() {
		var (
			account string
			b       = domain.DailyAccountBucket{
				Inflow:  new(big.Int),
				Outflow: new(big.Int),
				Volume:  new(big.Int),
			}
		)
		err := rows.Scan(&account, &b.Key.DayOpen, &b.DayClose, b.Inflow, b.Outflow, b.Volume)
		if err != nil {
			return nil, fmt.Errorf("scan account bucket row: %w", err)
		}
		b.Key.Account = common.HexToAddress(account)
		buckets = append(buckets, &b)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate account bucket rows: %w", err)
	}

	return buckets, nil
}
