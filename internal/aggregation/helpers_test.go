package aggregation

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"holder-analytics/internal/domain"
	"holder-analytics/internal/storage"
	"holder-analytics/internal/storage/memory"
)

var (
	alice = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	bob   = common.HexToAddress("0x00000000000000000000000000000000000000b2")
	carol = common.HexToAddress("0x00000000000000000000000000000000000000c3")
	mint  = domain.SentinelAddress
)

// eventSeq builds events with strictly increasing positions.
type eventSeq struct {
	block uint64
	log   uint32
}

func (s *eventSeq) transfer(from, to common.Address, amount, ts uint64) *domain.TransferEvent {
	s.block++
	s.log++
	return &domain.TransferEvent{
		Sender:         from,
		Recipient:      to,
		Amount:         uint256.NewInt(amount),
		BlockNumber:    s.block,
		BlockTimestamp: ts,
		TxHash:         common.BigToHash(new(big.Int).SetUint64(s.block)),
		TxIndex:        0,
		LogIndex:       s.log,
	}
}

func newTestEngine(t *testing.T, store storage.LedgerStore, sinks ...storage.ChangeSink) *Engine {
	t.Helper()
	return NewEngine(EngineOptions{
		Store:  store,
		Sinks:  sinks,
		Logger: zaptest.NewLogger(t),
	})
}

func mustHandle(t *testing.T, e *Engine, ev *domain.TransferEvent) *Result {
	t.Helper()
	res, err := e.HandleTransfer(context.Background(), ev)
	require.NoError(t, err)
	return res
}

func balanceOf(t *testing.T, store storage.LedgerReader, addr common.Address) *big.Int {
	t.Helper()
	a, err := store.GetAccount(context.Background(), addr)
	require.NoError(t, err)
	return a.Balance
}

func holderCount(t *testing.T, store storage.LedgerReader) int64 {
	t.Helper()
	h, err := store.GetHolderCounter(context.Background())
	require.NoError(t, err)
	return h.Count
}

func snapshotCount(t *testing.T, store storage.LedgerReader, dayOpen uint64) int64 {
	t.Helper()
	s, err := store.GetDailyHolderSnapshot(context.Background(), dayOpen)
	require.NoError(t, err)
	return s.Count
}

func bucketOf(t *testing.T, store storage.LedgerReader, addr common.Address, dayOpen uint64) *domain.DailyAccountBucket {
	t.Helper()
	b, err := store.GetDailyAccountBucket(context.Background(), domain.DailyAccountBucketKey{Account: addr, DayOpen: dayOpen})
	require.NoError(t, err)
	return b
}

func assertBig(t *testing.T, want int64, got *big.Int, msgAndArgs ...interface{}) {
	t.Helper()
	require.NotNil(t, got, msgAndArgs...)
	assert.Equalf(t, big.NewInt(want).String(), got.String(), "big.Int mismatch %v", msgAndArgs)
}

// recordingSink keeps every ChangeSet it receives. With failOnce set, err is
// returned for the first call only.
type recordingSink struct {
	sets     []*storage.ChangeSet
	err      error
	failOnce bool
}

func (s *recordingSink) Append(_ context.Context, cs *storage.ChangeSet) error {
	if s.err != nil {
		err := s.err
		if s.failOnce {
			s.err = nil
		}
		return err
	}
	s.sets = append(s.sets, cs)
	return nil
}

// failingApplyStore rejects every commit.
type failingApplyStore struct {
	*memory.LedgerStore
}

var errStoreDown = errors.New("store unavailable")

func (s *failingApplyStore) Apply(context.Context, *storage.ChangeSet) error {
	return errStoreDown
}

// failingReadStore fails account loads for one address.
type failingReadStore struct {
	*memory.LedgerStore
	addr common.Address
}

func (s *failingReadStore) GetAccount(ctx context.Context, addr common.Address) (*domain.Account, error) {
	if addr == s.addr {
		return nil, errStoreDown
	}
	return s.LedgerStore.GetAccount(ctx, addr)
}
