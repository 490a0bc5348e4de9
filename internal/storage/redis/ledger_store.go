package redis

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/redis/go-redis/v9"

	"holder-analytics/internal/domain"
	"holder-analytics/internal/storage"
)

// LedgerStore implements storage.LedgerStore on Redis hashes and sets.
// Apply runs as a WATCH/MULTI transaction over the transfer keys, so a
// duplicate or concurrent writer aborts the whole ChangeSet.
type LedgerStore struct {
	rdb  *redis.Client
	keys keys
}

// NewLedgerStore creates a new LedgerStore.
func NewLedgerStore(c *Client) *LedgerStore {
	return &LedgerStore{rdb: c.client, keys: keys{prefix: c.prefix}}
}

// Compile-time interface check.
var _ storage.LedgerStore = (*LedgerStore)(nil)

// GetAccount retrieves an account by address. Returns ErrNotFound if not exists.
func (s *LedgerStore) GetAccount(ctx context.Context, addr common.Address) (*domain.Account, error) {
	fields, err := s.hgetAll(ctx, s.keys.account(addr))
	if err != nil {
		return nil, fmt.Errorf("get account: %w", err)
	}
	return decodeAccount(addr, fields)
}

// GetHolderCounter retrieves the global holder counter. Returns ErrNotFound if never written.
func (s *LedgerStore) GetHolderCounter(ctx context.Context) (*domain.HolderCounter, error) {
	n, err := s.rdb.Get(ctx, s.keys.counter()).Int64()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("get holder counter: %w", err)
	}
	return &domain.HolderCounter{Count: n}, nil
}

// GetDailyHolderSnapshot retrieves the snapshot for a day. Returns ErrNotFound if not exists.
func (s *LedgerStore) GetDailyHolderSnapshot(ctx context.Context, dayOpen uint64) (*domain.DailyHolderSnapshot, error) {
	fields, err := s.hgetAll(ctx, s.keys.snapshot(dayOpen))
	if err != nil {
		return nil, fmt.Errorf("get holder snapshot: %w", err)
	}
	return decodeSnapshot(dayOpen, fields)
}

// GetDailyHolderSnapshots retrieves snapshots with dayOpen within [from, to], ordered by day.
func (s *LedgerStore) GetDailyHolderSnapshots(ctx context.Context, from, to uint64) ([]*domain.DailyHolderSnapshot, error) {
	days, err := s.rdb.ZRangeByScore(ctx, s.keys.snapshots(), &redis.ZRangeBy{
		Min: strconv.FormatUint(from, 10),
		Max: strconv.FormatUint(to, 10),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("range holder snapshots: %w", err)
	}

	result := make([]*domain.DailyHolderSnapshot, 0, len(days))
	for _, d := range days {
		day, err := strconv.ParseUint(d, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("parse snapshot day %q: %w", d, err)
		}
		snap, err := s.GetDailyHolderSnapshot(ctx, day)
		if err != nil {
			return nil, err
		}
		result = append(result, snap)
	}
	return result, nil
}

// GetDailyAccountBucket retrieves one account-day bucket. Returns ErrNotFound if not exists.
func (s *LedgerStore) GetDailyAccountBucket(ctx context.Context, key domain.DailyAccountBucketKey) (*domain.DailyAccountBucket, error) {
	fields, err := s.hgetAll(ctx, s.keys.bucket(key))
	if err != nil {
		return nil, fmt.Errorf("get account bucket: %w", err)
	}
	return decodeBucket(key, fields)
}

// GetTransfer retrieves a transfer record. Returns ErrNotFound if not exists.
func (s *LedgerStore) GetTransfer(ctx context.Context, id domain.TransferID) (*domain.TransferRecord, error) {
	fields, err := s.hgetAll(ctx, s.keys.transfer(id))
	if err != nil {
		return nil, fmt.Errorf("get transfer: %w", err)
	}
	return decodeTransfer(id, fields)
}

// GetLinks retrieves all links of an account ordered by (timestamp, tx hash, log index, role).
func (s *LedgerStore) GetLinks(ctx context.Context, addr common.Address) ([]*domain.AccountLink, error) {
	fields, err := s.rdb.HGetAll(ctx, s.keys.links(addr)).Result()
	if err != nil {
		return nil, fmt.Errorf("get links: %w", err)
	}

	result := make([]*domain.AccountLink, 0, len(fields))
	for field, value := range fields {
		l, err := decodeLink(addr, field, value)
		if err != nil {
			return nil, err
		}
		result = append(result, l)
	}

	sort.Slice(result, func(i, j int) bool {
		a, b := result[i], result[j]
		if a.Timestamp != b.Timestamp {
			return a.Timestamp < b.Timestamp
		}
		if c := a.Key.Transfer.TxHash.Cmp(b.Key.Transfer.TxHash); c != 0 {
			return c < 0
		}
		if a.Key.Transfer.LogIndex != b.Key.Transfer.LogIndex {
			return a.Key.Transfer.LogIndex < b.Key.Transfer.LogIndex
		}
		return a.Key.Role < b.Key.Role
	})
	return result, nil
}

// TopAccounts retrieves up to limit accounts ordered by balance DESC, address ASC.
// Balances exceed float64 precision, so ranking is done client-side over the account set.
func (s *LedgerStore) TopAccounts(ctx context.Context, limit int) ([]*domain.Account, error) {
	if limit <= 0 {
		return nil, storage.ErrInvalidInput
	}

	members, err := s.rdb.SMembers(ctx, s.keys.accounts()).Result()
	if err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}

	pipe := s.rdb.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(members))
	for i, m := range members {
		cmds[i] = pipe.HGetAll(ctx, s.keys.account(common.HexToAddress(m)))
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("load accounts: %w", err)
	}

	result := make([]*domain.Account, 0, len(members))
	for i, m := range members {
		a, err := decodeAccount(common.HexToAddress(m), cmds[i].Val())
		if err != nil {
			return nil, err
		}
		result = append(result, a)
	}

	sort.Slice(result, func(i, j int) bool {
		if c := result[i].Balance.Cmp(result[j].Balance); c != 0 {
			return c > 0
		}
		return result[i].Address.Cmp(result[j].Address) < 0
	})
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// CountHolders counts accounts with a strictly positive balance.
func (s *LedgerStore) CountHolders(ctx context.Context) (int64, error) {
	n, err := s.rdb.SCard(ctx, s.keys.holders()).Result()
	if err != nil {
		return 0, fmt.Errorf("count holders: %w", err)
	}
	return n, nil
}

// GetCheckpoint retrieves the last committed position. Returns ErrNotFound if never written.
func (s *LedgerStore) GetCheckpoint(ctx context.Context) (*domain.Checkpoint, error) {
	fields, err := s.hgetAll(ctx, s.keys.checkpoint())
	if err != nil {
		return nil, fmt.Errorf("get checkpoint: %w", err)
	}
	return decodeCheckpoint(fields)
}

// Apply commits a ChangeSet in one MULTI/EXEC. Existing transfer records fail
// the whole set with ErrDuplicateKey before anything is queued.
func (s *LedgerStore) Apply(ctx context.Context, cs *storage.ChangeSet) error {
	if cs == nil {
		return storage.ErrInvalidInput
	}

	transferKeys := make([]string, 0, len(cs.Transfers))
	seen := make(map[domain.TransferID]struct{}, len(cs.Transfers))
	for _, r := range cs.Transfers {
		if r == nil || r.Amount == nil {
			return storage.ErrInvalidInput
		}
		if _, dup := seen[r.ID]; dup {
			return fmt.Errorf("transfer %s: %w", r.ID, storage.ErrDuplicateKey)
		}
		seen[r.ID] = struct{}{}
		transferKeys = append(transferKeys, s.keys.transfer(r.ID))
	}

	txf := func(tx *redis.Tx) error {
		if len(transferKeys) > 0 {
			n, err := tx.Exists(ctx, transferKeys...).Result()
			if err != nil {
				return fmt.Errorf("check transfers: %w", err)
			}
			if n > 0 {
				return fmt.Errorf("transfer %s: %w", cs.Transfers[0].ID, storage.ErrDuplicateKey)
			}
		}

		_, err := tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			s.queueWrites(ctx, pipe, cs)
			return nil
		})
		return err
	}

	if err := s.rdb.Watch(ctx, txf, transferKeys...); err != nil {
		if errors.Is(err, storage.ErrDuplicateKey) {
			return err
		}
		if errors.Is(err, redis.TxFailedErr) {
			return fmt.Errorf("apply change set: concurrent writer: %w", err)
		}
		return fmt.Errorf("apply change set: %w", err)
	}
	return nil
}

// queueWrites queues every write of cs on pipe.
func (s *LedgerStore) queueWrites(ctx context.Context, pipe redis.Pipeliner, cs *storage.ChangeSet) {
	for _, r := range cs.Transfers {
		pipe.HSet(ctx, s.keys.transfer(r.ID),
			"sender", r.Sender.Hex(),
			"recipient", r.Recipient.Hex(),
			"amount", r.Amount.Dec(),
			"block", r.BlockNumber,
			"ts", r.BlockTimestamp,
		)
	}

	for _, l := range cs.Links {
		pipe.HSet(ctx, s.keys.links(l.Key.Account),
			linkField(l.Key), fmt.Sprintf("%d:%s", l.Timestamp, l.Amount.Dec()))
	}

	for _, a := range cs.Accounts {
		pipe.HSet(ctx, s.keys.account(a.Address),
			"balance", a.Balance.String(),
			"updated_at", a.UpdatedAt,
		)
		pipe.SAdd(ctx, s.keys.accounts(), a.Address.Hex())
		if a.Balance.Sign() > 0 {
			pipe.SAdd(ctx, s.keys.holders(), a.Address.Hex())
		} else {
			pipe.SRem(ctx, s.keys.holders(), a.Address.Hex())
		}
	}

	if cs.HolderCounter != nil {
		pipe.Set(ctx, s.keys.counter(), cs.HolderCounter.Count, 0)
	}

	for _, snap := range cs.HolderSnapshots {
		pipe.HSet(ctx, s.keys.snapshot(snap.DayOpen),
			"day_close", snap.DayClose,
			"count", snap.Count,
		)
		pipe.ZAdd(ctx, s.keys.snapshots(), redis.Z{
			Score:  float64(snap.DayOpen),
			Member: strconv.FormatUint(snap.DayOpen, 10),
		})
	}

	for _, b := range cs.AccountBuckets {
		pipe.HSet(ctx, s.keys.bucket(b.Key),
			"day_close", b.DayClose,
			"inflow", b.Inflow.String(),
			"outflow", b.Outflow.String(),
			"volume", b.Volume.String(),
		)
	}

	if cp := cs.Checkpoint; cp != nil {
		pipe.HSet(ctx, s.keys.checkpoint(),
			"block", cp.BlockNumber,
			"tx_index", cp.TxIndex,
			"log_index", cp.LogIndex,
			"tx_hash", cp.TxHash.Hex(),
		)
	}
}

// hgetAll returns ErrNotFound for a missing hash.
func (s *LedgerStore) hgetAll(ctx context.Context, key string) (map[string]string, error) {
	fields, err := s.rdb.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, err
	}
	if len(fields) == 0 {
		return nil, storage.ErrNotFound
	}
	return fields, nil
}

func decodeAccount(addr common.Address, f map[string]string) (*domain.Account, error) {
	if len(f) == 0 {
		return nil, storage.ErrNotFound
	}
	balance, err := parseBig(f, "balance")
	if err != nil {
		return nil, fmt.Errorf("decode account %s: %w", addr.Hex(), err)
	}
	updatedAt, err := parseUint(f, "updated_at", 64)
	if err != nil {
		return nil, fmt.Errorf("decode account %s: %w", addr.Hex(), err)
	}
	return &domain.Account{Address: addr, Balance: balance, UpdatedAt: updatedAt}, nil
}

func decodeSnapshot(dayOpen uint64, f map[string]string) (*domain.DailyHolderSnapshot, error) {
	dayClose, err := parseUint(f, "day_close", 64)
	if err != nil {
		return nil, fmt.Errorf("decode snapshot %d: %w", dayOpen, err)
	}
	count, err := strconv.ParseInt(f["count"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("decode snapshot %d: count: %w", dayOpen, err)
	}
	return &domain.DailyHolderSnapshot{DayOpen: dayOpen, DayClose: dayClose, Count: count}, nil
}

func decodeBucket(key domain.DailyAccountBucketKey, f map[string]string) (*domain.DailyAccountBucket, error) {
	b := &domain.DailyAccountBucket{Key: key}
	var err error
	if b.DayClose, err = parseUint(f, "day_close", 64); err != nil {
		return nil, fmt.Errorf("decode bucket: %w", err)
	}
	if b.Inflow, err = parseBig(f, "inflow"); err != nil {
		return nil, fmt.Errorf("decode bucket: %w", err)
	}
	if b.Outflow, err = parseBig(f, "outflow"); err != nil {
		return nil, fmt.Errorf("decode bucket: %w", err)
	}
	if b.Volume, err = parseBig(f, "volume"); err != nil {
		return nil, fmt.Errorf("decode bucket: %w", err)
	}
	return b, nil
}

func decodeTransfer(id domain.TransferID, f map[string]string) (*domain.TransferRecord, error) {
	amount, err := uint256.FromDecimal(f["amount"])
	if err != nil {
		return nil, fmt.Errorf("decode transfer %s: amount: %w", id, err)
	}
	block, err := parseUint(f, "block", 64)
	if err != nil {
		return nil, fmt.Errorf("decode transfer %s: %w", id, err)
	}
	ts, err := parseUint(f, "ts", 64)
	if err != nil {
		return nil, fmt.Errorf("decode transfer %s: %w", id, err)
	}
	return &domain.TransferRecord{
		ID:             id,
		Sender:         common.HexToAddress(f["sender"]),
		Recipient:      common.HexToAddress(f["recipient"]),
		Amount:         amount,
		BlockNumber:    block,
		BlockTimestamp: ts,
	}, nil
}

func decodeLink(addr common.Address, field, value string) (*domain.AccountLink, error) {
	parts := strings.Split(field, ":")
	if len(parts) != 3 {
		return nil, fmt.Errorf("decode link field %q: malformed", field)
	}
	logIndex, err := strconv.ParseUint(parts[1], 10, 32)
	if err != nil {
		return nil, fmt.Errorf("decode link field %q: %w", field, err)
	}

	tsStr, amountStr, ok := strings.Cut(value, ":")
	if !ok {
		return nil, fmt.Errorf("decode link value %q: malformed", value)
	}
	ts, err := strconv.ParseUint(tsStr, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("decode link value %q: %w", value, err)
	}
	amount, err := uint256.FromDecimal(amountStr)
	if err != nil {
		return nil, fmt.Errorf("decode link value %q: %w", value, err)
	}

	return &domain.AccountLink{
		Key: domain.AccountLinkKey{
			Account:  addr,
			Transfer: domain.TransferID{TxHash: common.HexToHash(parts[0]), LogIndex: uint32(logIndex)},
			Role:     domain.Role(parts[2]),
		},
		Amount:    amount,
		Timestamp: ts,
	}, nil
}

func decodeCheckpoint(f map[string]string) (*domain.Checkpoint, error) {
	block, err := parseUint(f, "block", 64)
	if err != nil {
		return nil, fmt.Errorf("decode checkpoint: %w", err)
	}
	txIndex, err := parseUint(f, "tx_index", 32)
	if err != nil {
		return nil, fmt.Errorf("decode checkpoint: %w", err)
	}
	logIndex, err := parseUint(f, "log_index", 32)
	if err != nil {
		return nil, fmt.Errorf("decode checkpoint: %w", err)
	}
	return &domain.Checkpoint{
		Position: domain.Position{BlockNumber: block, TxIndex: uint32(txIndex), LogIndex: uint32(logIndex)},
		TxHash:   common.HexToHash(f["tx_hash"]),
	}, nil
}

func parseUint(f map[string]string, field string, bits int) (uint64, error) {
	v, err := strconv.ParseUint(f[field], 10, bits)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", field, err)
	}
	return v, nil
}

func parseBig(f map[string]string, field string) (*big.Int, error) {
	v, ok := new(big.Int).SetString(f[field], 10)
	if !ok {
		return nil, fmt.Errorf("%s: invalid integer %q", field, f[field])
	}
	return v, nil
}
