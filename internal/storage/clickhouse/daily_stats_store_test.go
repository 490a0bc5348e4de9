package clickhouse_test

import (
	"context"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"holder-analytics/internal/aggregation"
	"holder-analytics/internal/domain"
	"holder-analytics/internal/storage"
	"holder-analytics/internal/storage/clickhouse"
	"holder-analytics/internal/storage/memory"
	"holder-analytics/internal/storage/migrations"
)

var (
	holderA = common.HexToAddress("0x00000000000000000000000000000000000000aa")
	holderB = common.HexToAddress("0x00000000000000000000000000000000000000bb")
)

func event(block uint64, from, to common.Address, amount, ts uint64) *domain.TransferEvent {
	return &domain.TransferEvent{
		Sender:         from,
		Recipient:      to,
		Amount:         uint256.NewInt(amount),
		BlockNumber:    block,
		BlockTimestamp: ts,
		TxHash:         common.BigToHash(new(big.Int).SetUint64(block)),
	}
}

func TestDailyStatsStore_FollowsLedger(t *testing.T) {
	conn, cleanup := setupTestDB(t)
	defer cleanup()

	sink := clickhouse.NewDailyStatsStore(conn)
	ledger := memory.NewLedgerStore()
	engine := aggregation.NewEngine(aggregation.EngineOptions{
		Store:  ledger,
		Sinks:  []storage.ChangeSink{sink},
		Logger: zaptest.NewLogger(t),
	})
	ctx := context.Background()

	events := []*domain.TransferEvent{
		event(1, domain.SentinelAddress, holderA, 100, 10),
		event(2, holderA, holderB, 40, 20),
		event(3, holderA, holderB, 60, 86400+5),
	}
	for _, ev := range events {
		_, err := engine.HandleTransfer(ctx, ev)
		require.NoError(t, err)
	}

	snaps, err := sink.GetDailyHolderSnapshots(ctx, 0, 86400)
	require.NoError(t, err)
	require.Len(t, snaps, 2)
	assert.Equal(t, int64(2), snaps[0].Count)
	assert.Equal(t, uint64(86399), snaps[0].DayClose)
	assert.Equal(t, int64(1), snaps[1].Count)

	buckets, err := sink.GetAccountBuckets(ctx, holderA, 0, 86400)
	require.NoError(t, err)
	require.Len(t, buckets, 2)
	assert.Equal(t, "100", buckets[0].Inflow.String())
	assert.Equal(t, "40", buckets[0].Outflow.String())
	assert.Equal(t, "140", buckets[0].Volume.String())
	assert.Equal(t, "60", buckets[1].Outflow.String())
	assert.Equal(t, holderA, buckets[1].Key.Account)

	stats, err := sink.GetDailyTransferStats(ctx, 0, 86400)
	require.NoError(t, err)
	require.Len(t, stats, 2)
	assert.Equal(t, uint64(2), stats[0].Transfers)
	assert.Equal(t, "140", stats[0].Volume.String())
	assert.Equal(t, uint64(1), stats[1].Transfers)

	// The sink agrees with the ledger of record.
	ledgerSnaps, err := ledger.GetDailyHolderSnapshots(ctx, 0, 86400)
	require.NoError(t, err)
	for i := range ledgerSnaps {
		assert.Equal(t, ledgerSnaps[i].Count, snaps[i].Count)
	}
}

func TestDailyStatsStore_WideValues(t *testing.T) {
	conn, cleanup := setupTestDB(t)
	defer cleanup()

	sink := clickhouse.NewDailyStatsStore(conn)
	ctx := context.Background()

	maxAmount := new(uint256.Int).SetAllOne()
	negative := new(big.Int).Neg(maxAmount.ToBig())

	err := sink.Append(ctx, &storage.ChangeSet{
		Position: domain.Position{BlockNumber: 1},
		Transfers: []*domain.TransferRecord{{
			ID:        domain.TransferID{TxHash: common.HexToHash("0x01")},
			Sender:    holderA,
			Recipient: holderB,
			Amount:    maxAmount,
		}},
		AccountBuckets: []*domain.DailyAccountBucket{{
			Key:      domain.DailyAccountBucketKey{Account: holderA},
			DayClose: 86399,
			Inflow:   negative,
			Outflow:  maxAmount.ToBig(),
			Volume:   big.NewInt(0),
		}},
	})
	require.NoError(t, err)

	buckets, err := sink.GetAccountBuckets(ctx, holderA, 0, 0)
	require.NoError(t, err)
	require.Len(t, buckets, 1)
	assert.Equal(t, negative.String(), buckets[0].Inflow.String())
	assert.Equal(t, maxAmount.Dec(), buckets[0].Outflow.String())

	stats, err := sink.GetDailyTransferStats(ctx, 0, 0)
	require.NoError(t, err)
	require.Len(t, stats, 1)
	assert.Equal(t, maxAmount.Dec(), stats[0].Volume.String())
}

func TestDailyStatsStore_EmptyAppend(t *testing.T) {
	conn, cleanup := setupTestDB(t)
	defer cleanup()

	sink := clickhouse.NewDailyStatsStore(conn)
	assert.NoError(t, sink.Append(context.Background(), &storage.ChangeSet{}))
}

func TestClickhouseMigrations_RecordVersions(t *testing.T) {
	conn, cleanup := setupTestDB(t)
	defer cleanup()

	known, err := migrations.Load(migrations.ClickhouseFS, "clickhouse")
	require.NoError(t, err)

	rows, err := conn.Query(context.Background(), "SELECT version, name FROM schema_migrations FINAL ORDER BY version")
	require.NoError(t, err)
	defer rows.Close()

	var names []string
	for rows.Next() {
		var (
			version uint32
			name    string
		)
		require.NoError(t, rows.Scan(&version, &name))
		names = append(names, name)
	}
	require.NoError(t, rows.Err())

	require.Len(t, names, len(known))
	for i, m := range known {
		assert.Equal(t, m.Name, names[i])
	}
}
