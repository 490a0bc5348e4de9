package postgres

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"holder-analytics/internal/domain"
	"holder-analytics/internal/storage"
)

// LedgerStore implements storage.LedgerStore using PostgreSQL.
type LedgerStore struct {
	pool *Pool
}

// NewLedgerStore creates a new LedgerStore.
func NewLedgerStore(pool *Pool) *LedgerStore {
	return &LedgerStore{pool: pool}
}

// Compile-time interface check.
var _ storage.LedgerStore = (*LedgerStore)(nil)

// GetAccount retrieves an account by address. Returns ErrNotFound if not exists.
func (s *LedgerStore) GetAccount(ctx context.Context, addr common.Address) (*domain.Account, error) {
	var (
		balance   pgtype.Numeric
		updatedAt int64
	)
	err := s.pool.QueryRow(ctx,
		`SELECT balance, updated_at FROM accounts WHERE address = $1`,
		addr.Bytes(),
	).Scan(&balance, &updatedAt)
	if err != nil {
		if isNotFoundError(err) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("get account: %w", err)
	}

	b, err := fromNumeric(balance)
	if err != nil {
		return nil, fmt.Errorf("decode balance of %s: %w", addr.Hex(), err)
	}
	return &domain.Account{Address: addr, Balance: b, UpdatedAt: uint64(updatedAt)}, nil
}

// GetHolderCounter retrieves the global holder counter. Returns ErrNotFound if never written.
func (s *LedgerStore) GetHolderCounter(ctx context.Context) (*domain.HolderCounter, error) {
	var count int64
	err := s.pool.QueryRow(ctx, `SELECT holder_count FROM holder_counter WHERE id = 1`).Scan(&count)
	if err != nil {
		if isNotFoundError(err) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("get holder counter: %w", err)
	}
	return &domain.HolderCounter{Count: count}, nil
}

// GetDailyHolderSnapshot retrieves the snapshot for a day. Returns ErrNotFound if not exists.
func (s *LedgerStore) GetDailyHolderSnapshot(ctx context.Context, dayOpen uint64) (*domain.DailyHolderSnapshot, error) {
	var dayClose, count int64
	err := s.pool.QueryRow(ctx,
		`SELECT day_close, holder_count FROM daily_holder_snapshots WHERE day_open = $1`,
		int64(dayOpen),
	).Scan(&dayClose, &count)
	if err != nil {
		if isNotFoundError(err) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("get holder snapshot: %w", err)
	}
	return &domain.DailyHolderSnapshot{DayOpen: dayOpen, DayClose: uint64(dayClose), Count: count}, nil
}

// GetDailyHolderSnapshots retrieves snapshots with day_open within [from, to], ordered by day.
func (s *LedgerStore) GetDailyHolderSnapshots(ctx context.Context, from, to uint64) ([]*domain.DailyHolderSnapshot, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT day_open, day_close, holder_count
		FROM daily_holder_snapshots
		WHERE day_open >= $1 AND day_open <= $2
		ORDER BY day_open ASC
	`, clampInt64(from), clampInt64(to))
	if err != nil {
		return nil, fmt.Errorf("query holder snapshots: %w", err)
	}
	defer rows.Close()

	var result []*domain.DailyHolderSnapshot
	for rows.Next() {
		var dayOpen, dayClose, count int64
		if err := rows.Scan(&dayOpen, &dayClose, &count); err != nil {
			return nil, fmt.Errorf("scan holder snapshot: %w", err)
		}
		result = append(result, &domain.DailyHolderSnapshot{
			DayOpen:  uint64(dayOpen),
			DayClose: uint64(dayClose),
			Count:    count,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate holder snapshots: %w", err)
	}
	return result, nil
}

// GetDailyAccountBucket retrieves one account-day bucket. Returns ErrNotFound if not exists.
func (s *LedgerStore) GetDailyAccountBucket(ctx context.Context, key domain.DailyAccountBucketKey) (*domain.DailyAccountBucket, error) {
	var (
		dayClose                int64
		inflow, outflow, volume pgtype.Numeric
	)
	err := s.pool.QueryRow(ctx, `
		SELECT day_close, inflow, outflow, volume
		FROM daily_account_buckets
		WHERE account = $1 AND day_open = $2
	`, key.Account.Bytes(), int64(key.DayOpen)).Scan(&dayClose, &inflow, &outflow, &volume)
	if err != nil {
		if isNotFoundError(err) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("get account bucket: %w", err)
	}

	b := &domain.DailyAccountBucket{Key: key, DayClose: uint64(dayClose)}
	for _, f := range []struct {
		dst **big.Int
		src pgtype.Numeric
	}{{&b.Inflow, inflow}, {&b.Outflow, outflow}, {&b.Volume, volume}} {
		v, err := fromNumeric(f.src)
		if err != nil {
			return nil, fmt.Errorf("decode account bucket: %w", err)
		}
		*f.dst = v
	}
	return b, nil
}

// GetTransfer retrieves a transfer record. Returns ErrNotFound if not exists.
func (s *LedgerStore) GetTransfer(ctx context.Context, id domain.TransferID) (*domain.TransferRecord, error) {
	var (
		sender, recipient      []byte
		amount                 pgtype.Numeric
		blockNumber, blockTime int64
	)
	err := s.pool.QueryRow(ctx, `
		SELECT sender, recipient, amount, block_number, block_timestamp
		FROM transfers
		WHERE tx_hash = $1 AND log_index = $2
	`, id.TxHash.Bytes(), int32(id.LogIndex)).Scan(&sender, &recipient, &amount, &blockNumber, &blockTime)
	if err != nil {
		if isNotFoundError(err) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("get transfer: %w", err)
	}

	a, err := fromNumericUint(amount)
	if err != nil {
		return nil, fmt.Errorf("decode transfer %s: %w", id, err)
	}
	return &domain.TransferRecord{
		ID:             id,
		Sender:         common.BytesToAddress(sender),
		Recipient:      common.BytesToAddress(recipient),
		Amount:         a,
		BlockNumber:    uint64(blockNumber),
		BlockTimestamp: uint64(blockTime),
	}, nil
}

// GetLinks retrieves all links of an account ordered by (timestamp, tx hash, log index, role).
func (s *LedgerStore) GetLinks(ctx context.Context, addr common.Address) ([]*domain.AccountLink, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT tx_hash, log_index, role, amount, ts
		FROM account_links
		WHERE account = $1
		ORDER BY ts ASC, tx_hash ASC, log_index ASC, role ASC
	`, addr.Bytes())
	if err != nil {
		return nil, fmt.Errorf("query links: %w", err)
	}
	defer rows.Close()

	var result []*domain.AccountLink
	for rows.Next() {
		var (
			txHash   []byte
			logIndex int32
			role     string
			amount   pgtype.Numeric
			ts       int64
		)
		if err := rows.Scan(&txHash, &logIndex, &role, &amount, &ts); err != nil {
			return nil, fmt.Errorf("scan link: %w", err)
		}
		a, err := fromNumericUint(amount)
		if err != nil {
			return nil, fmt.Errorf("decode link amount: %w", err)
		}
		result = append(result, &domain.AccountLink{
			Key: domain.AccountLinkKey{
				Account:  addr,
				Transfer: domain.TransferID{TxHash: common.BytesToHash(txHash), LogIndex: uint32(logIndex)},
				Role:     domain.Role(role),
			},
			Amount:    a,
			Timestamp: uint64(ts),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate links: %w", err)
	}
	return result, nil
}

// TopAccounts retrieves up to limit accounts ordered by balance DESC, address ASC.
func (s *LedgerStore) TopAccounts(ctx context.Context, limit int) ([]*domain.Account, error) {
	if limit <= 0 {
		return nil, storage.ErrInvalidInput
	}

	rows, err := s.pool.Query(ctx, `
		SELECT address, balance, updated_at
		FROM accounts
		ORDER BY balance DESC, address ASC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query top accounts: %w", err)
	}
	defer rows.Close()

	var result []*domain.Account
	for rows.Next() {
		var (
			address   []byte
			balance   pgtype.Numeric
			updatedAt int64
		)
		if err := rows.Scan(&address, &balance, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan account: %w", err)
		}
		b, err := fromNumeric(balance)
		if err != nil {
			return nil, fmt.Errorf("decode balance: %w", err)
		}
		result = append(result, &domain.Account{
			Address:   common.BytesToAddress(address),
			Balance:   b,
			UpdatedAt: uint64(updatedAt),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate accounts: %w", err)
	}
	return result, nil
}

// CountHolders counts accounts with a strictly positive balance.
func (s *LedgerStore) CountHolders(ctx context.Context) (int64, error) {
	var n int64
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM accounts WHERE balance > 0`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count holders: %w", err)
	}
	return n, nil
}

// GetCheckpoint retrieves the last committed position. Returns ErrNotFound if never written.
func (s *LedgerStore) GetCheckpoint(ctx context.Context) (*domain.Checkpoint, error) {
	var (
		block             int64
		txIndex, logIndex int32
		txHash            []byte
	)
	err := s.pool.QueryRow(ctx,
		`SELECT block_number, tx_index, log_index, tx_hash FROM checkpoint WHERE id = 1`,
	).Scan(&block, &txIndex, &logIndex, &txHash)
	if err != nil {
		if isNotFoundError(err) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("get checkpoint: %w", err)
	}
	return &domain.Checkpoint{
		Position: domain.Position{BlockNumber: uint64(block), TxIndex: uint32(txIndex), LogIndex: uint32(logIndex)},
		TxHash:   common.BytesToHash(txHash),
	}, nil
}

// Apply commits a ChangeSet in one transaction. A transfer that already exists
// rolls back the whole set and returns ErrDuplicateKey.
func (s *LedgerStore) Apply(ctx context.Context, cs *storage.ChangeSet) error {
	if cs == nil {
		return storage.ErrInvalidInput
	}

	return s.pool.inTx(ctx, func(tx pgx.Tx) error {
		for _, r := range cs.Transfers {
			if r == nil || r.Amount == nil {
				return storage.ErrInvalidInput
			}
			_, err := tx.Exec(ctx, `
				INSERT INTO transfers (
					tx_hash, log_index, sender, recipient, amount, block_number, block_timestamp
				) VALUES ($1, $2, $3, $4, $5, $6, $7)
			`, r.ID.TxHash.Bytes(), int32(r.ID.LogIndex), r.Sender.Bytes(), r.Recipient.Bytes(),
				toNumeric(r.Amount.ToBig()), int64(r.BlockNumber), int64(r.BlockTimestamp))
			if err != nil {
				if isDuplicateKeyError(err) {
					return fmt.Errorf("transfer %s: %w", r.ID, storage.ErrDuplicateKey)
				}
				return fmt.Errorf("insert transfer: %w", err)
			}
		}

		for _, l := range cs.Links {
			_, err := tx.Exec(ctx, `
				INSERT INTO account_links (account, tx_hash, log_index, role, amount, ts)
				VALUES ($1, $2, $3, $4, $5, $6)
				ON CONFLICT (account, tx_hash, log_index, role) DO UPDATE SET
					amount = EXCLUDED.amount,
					ts = EXCLUDED.ts
			`, l.Key.Account.Bytes(), l.Key.Transfer.TxHash.Bytes(), int32(l.Key.Transfer.LogIndex),
				string(l.Key.Role), toNumeric(l.Amount.ToBig()), int64(l.Timestamp))
			if err != nil {
				return fmt.Errorf("upsert link: %w", err)
			}
		}

		for _, a := range cs.Accounts {
			_, err := tx.Exec(ctx, `
				INSERT INTO accounts (address, balance, updated_at)
				VALUES ($1, $2, $3)
				ON CONFLICT (address) DO UPDATE SET
					balance = EXCLUDED.balance,
					updated_at = EXCLUDED.updated_at
			`, a.Address.Bytes(), toNumeric(a.Balance), int64(a.UpdatedAt))
			if err != nil {
				return fmt.Errorf("upsert account: %w", err)
			}
		}

		if cs.HolderCounter != nil {
			_, err := tx.Exec(ctx, `
				INSERT INTO holder_counter (id, holder_count) VALUES (1, $1)
				ON CONFLICT (id) DO UPDATE SET holder_count = EXCLUDED.holder_count
			`, cs.HolderCounter.Count)
			if err != nil {
				return fmt.Errorf("upsert holder counter: %w", err)
			}
		}

		for _, snap := range cs.HolderSnapshots {
			_, err := tx.Exec(ctx, `
				INSERT INTO daily_holder_snapshots (day_open, day_close, holder_count)
				VALUES ($1, $2, $3)
				ON CONFLICT (day_open) DO UPDATE SET
					day_close = EXCLUDED.day_close,
					holder_count = EXCLUDED.holder_count
			`, int64(snap.DayOpen), int64(snap.DayClose), snap.Count)
			if err != nil {
				return fmt.Errorf("upsert holder snapshot: %w", err)
			}
		}

		for _, b := range cs.AccountBuckets {
			_, err := tx.Exec(ctx, `
				INSERT INTO daily_account_buckets (account, day_open, day_close, inflow, outflow, volume)
				VALUES ($1, $2, $3, $4, $5, $6)
				ON CONFLICT (account, day_open) DO UPDATE SET
					day_close = EXCLUDED.day_close,
					inflow = EXCLUDED.inflow,
					outflow = EXCLUDED.outflow,
					volume = EXCLUDED.volume
			`, b.Key.Account.Bytes(), int64(b.Key.DayOpen), int64(b.DayClose),
				toNumeric(b.Inflow), toNumeric(b.Outflow), toNumeric(b.Volume))
			if err != nil {
				return fmt.Errorf("upsert account bucket: %w", err)
			}
		}

		if cs.Checkpoint != nil {
			cp := cs.Checkpoint
			_, err := tx.Exec(ctx, `
				INSERT INTO checkpoint (id, block_number, tx_index, log_index, tx_hash)
				VALUES (1, $1, $2, $3, $4)
				ON CONFLICT (id) DO UPDATE SET
					block_number = EXCLUDED.block_number,
					tx_index = EXCLUDED.tx_index,
					log_index = EXCLUDED.log_index,
					tx_hash = EXCLUDED.tx_hash
			`, int64(cp.BlockNumber), int32(cp.TxIndex), int32(cp.LogIndex), cp.TxHash.Bytes())
			if err != nil {
				return fmt.Errorf("upsert checkpoint: %w", err)
			}
		}

		return nil
	})
}

// fromNumericUint decodes a non-negative NUMERIC(78,0) into a uint256.
func fromNumericUint(n pgtype.Numeric) (*uint256.Int, error) {
	v, err := fromNumeric(n)
	if err != nil {
		return nil, err
	}
	u, overflow := uint256.FromBig(v)
	if overflow || v.Sign() < 0 {
		return nil, fmt.Errorf("amount %s out of uint256 range", v)
	}
	return u, nil
}

// clampInt64 maps an unbounded range end onto BIGINT.
func clampInt64(v uint64) int64 {
	if v > 1<<63-1 {
		return 1<<63 - 1
	}
	return int64(v)
}
