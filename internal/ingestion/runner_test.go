package ingestion

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"holder-analytics/internal/aggregation"
	"holder-analytics/internal/domain"
	"holder-analytics/internal/storage"
	"holder-analytics/internal/storage/memory"
)

func TestRunner_Backfill(t *testing.T) {
	store := memory.NewLedgerStore()
	src := &sliceSource{events: []*domain.TransferEvent{
		transferAt(1, 0, 0, domain.SentinelAddress, alice, 100),
		transferAt(3, 0, 0, alice, bob, 40),
		transferAt(3, 1, 1, bob, alice, 10),
		transferAt(7, 0, 0, alice, domain.SentinelAddress, 5),
	}}

	runner := newEngineRunner(t, store, RunnerOptions{StartBlock: 1, BatchBlocks: 3})
	result, err := runner.Backfill(context.Background(), src, 8)
	require.NoError(t, err)

	assert.Equal(t, 4, result.Handled)
	assert.Equal(t, 0, result.Skipped)
	assert.Equal(t, [][2]uint64{{1, 3}, {4, 6}, {7, 8}}, src.fetched())

	ctx := context.Background()
	a, err := store.GetAccount(ctx, alice)
	require.NoError(t, err)
	assert.Equal(t, "65", a.Balance.String())

	b, err := store.GetAccount(ctx, bob)
	require.NoError(t, err)
	assert.Equal(t, "30", b.Balance.String())

	cp, err := store.GetCheckpoint(ctx)
	require.NoError(t, err)
	assert.Equal(t, domain.Position{BlockNumber: 7}, cp.Position)
}

func TestRunner_BackfillResumesAfterCheckpoint(t *testing.T) {
	store := memory.NewLedgerStore()
	events := []*domain.TransferEvent{
		transferAt(1, 0, 0, domain.SentinelAddress, alice, 100),
		transferAt(2, 0, 0, alice, bob, 10),
		transferAt(2, 0, 1, alice, bob, 10),
		transferAt(4, 0, 0, alice, bob, 10),
	}

	first := newEngineRunner(t, store, RunnerOptions{StartBlock: 1})
	_, err := first.Backfill(context.Background(), &sliceSource{events: events[:2]}, 2)
	require.NoError(t, err)

	// A fresh process sees the whole range again.
	src := &sliceSource{events: events}
	second := newEngineRunner(t, store, RunnerOptions{StartBlock: 1})
	result, err := second.Backfill(context.Background(), src, 4)
	require.NoError(t, err)

	assert.Equal(t, uint64(2), result.FromBlock)
	assert.Equal(t, 2, result.Handled)
	assert.Equal(t, 1, result.Skipped)

	a, err := store.GetAccount(context.Background(), alice)
	require.NoError(t, err)
	assert.Equal(t, "70", a.Balance.String())
}

func TestRunner_BackfillRejectsDuplicatePositions(t *testing.T) {
	handler := &recordingHandler{}
	runner := NewRunner(RunnerOptions{
		Handler:     handler,
		Checkpoints: staticCheckpoints{},
		Logger:      zaptest.NewLogger(t),
	})

	src := &sliceSource{events: []*domain.TransferEvent{
		transferAt(1, 0, 0, alice, bob, 1),
		transferAt(1, 0, 0, alice, bob, 1),
	}}

	_, err := runner.Backfill(context.Background(), src, 1)
	assert.ErrorIs(t, err, ErrInvalidOrdering)
	assert.Empty(t, handler.seen())
}

func TestRunner_BackfillStopsOnHandlerError(t *testing.T) {
	boom := errors.New("store down")
	handler := &recordingHandler{
		failAt: &domain.Position{BlockNumber: 2},
		err:    boom,
	}
	runner := NewRunner(RunnerOptions{Handler: handler, Checkpoints: staticCheckpoints{}})

	src := &sliceSource{events: []*domain.TransferEvent{
		transferAt(1, 0, 0, alice, bob, 1),
		transferAt(2, 0, 0, alice, bob, 1),
		transferAt(3, 0, 0, alice, bob, 1),
	}}

	_, err := runner.Backfill(context.Background(), src, 3)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, []domain.Position{{BlockNumber: 1}}, handler.seen())
}

func TestRunner_BackfillCheckpointError(t *testing.T) {
	runner := NewRunner(RunnerOptions{
		Handler:     &recordingHandler{},
		Checkpoints: failingCheckpoints{},
	})
	_, err := runner.Backfill(context.Background(), &sliceSource{}, 10)
	assert.Error(t, err)
}

// flakySink rejects its first ChangeSet, then forwards to the analytics store.
type flakySink struct {
	*memory.AnalyticsStore
	failed bool
}

func (s *flakySink) Append(ctx context.Context, cs *storage.ChangeSet) error {
	if !s.failed {
		s.failed = true
		return errors.New("analytics store unavailable")
	}
	return s.AnalyticsStore.Append(ctx, cs)
}

func TestRunner_BackfillRedeliversEventAfterSinkFailure(t *testing.T) {
	ctx := context.Background()
	store := memory.NewLedgerStore()
	sink := &flakySink{AnalyticsStore: memory.NewAnalyticsStore()}
	events := []*domain.TransferEvent{
		transferAt(1, 0, 0, domain.SentinelAddress, alice, 100),
		transferAt(2, 0, 0, alice, bob, 40),
	}

	newRunner := func() *Runner {
		engine := aggregation.NewEngine(aggregation.EngineOptions{
			Store:  store,
			Sinks:  []storage.ChangeSink{sink},
			Logger: zaptest.NewLogger(t),
		})
		return NewRunner(RunnerOptions{
			Handler:     engine,
			Checkpoints: store,
			StartBlock:  1,
			Logger:      zaptest.NewLogger(t),
		})
	}

	_, err := newRunner().Backfill(ctx, &sliceSource{events: events}, 2)
	require.Error(t, err)
	_, err = store.GetCheckpoint(ctx)
	require.ErrorIs(t, err, storage.ErrNotFound)

	// A restarted process handles the first event again.
	result, err := newRunner().Backfill(ctx, &sliceSource{events: events}, 2)
	require.NoError(t, err)
	assert.Equal(t, 2, result.Handled)

	stats, err := sink.GetDailyTransferStats(ctx, 0, 0)
	require.NoError(t, err)
	require.Len(t, stats, 1)
	assert.Equal(t, uint64(2), stats[0].Transfers)
	assert.Equal(t, "140", stats[0].Volume.String())

	snaps, err := sink.GetDailyHolderSnapshots(ctx, 0, 0)
	require.NoError(t, err)
	require.Len(t, snaps, 1)
	assert.Equal(t, int64(2), snaps[0].Count)
}

type failingCheckpoints struct{}

func (failingCheckpoints) GetCheckpoint(context.Context) (*domain.Checkpoint, error) {
	return nil, errors.New("connection refused")
}

// runLive starts Runner.Run in the background and returns its error channel.
func runLive(ctx context.Context, runner *Runner, src TransferSource, live LiveTransferSource) <-chan error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- runner.Run(ctx, src, live)
	}()
	return errCh
}

func waitErr(t *testing.T, errCh <-chan error) error {
	t.Helper()
	select {
	case err := <-errCh:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("runner did not stop")
		return nil
	}
}

func TestRunner_RunFetchesBlocksBehindTheHead(t *testing.T) {
	handler := &recordingHandler{}
	runner := NewRunner(RunnerOptions{
		Handler:     handler,
		Checkpoints: staticCheckpoints{},
		StartBlock:  1,
		BlockLag:    2,
		Logger:      zaptest.NewLogger(t),
	})

	// Blocks 9 and 10 were mined before the subscription started, so the
	// live channel never carries them.
	src := &sliceSource{
		latest: 10,
		events: []*domain.TransferEvent{
			transferAt(8, 0, 0, alice, bob, 1),
			transferAt(9, 0, 0, alice, bob, 1),
			transferAt(10, 0, 0, alice, bob, 1),
			transferAt(10, 0, 1, alice, bob, 1),
			transferAt(11, 0, 0, alice, bob, 1),
		},
	}
	live := newChanSource()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errCh := runLive(ctx, runner, src, live)

	// Initial catch-up covers blocks up to latest-lag.
	require.Eventually(t, func() bool { return len(handler.seen()) == 1 }, 2*time.Second, 10*time.Millisecond)

	live.ch <- transferAt(11, 0, 0, alice, bob, 1)
	require.Eventually(t, func() bool { return len(handler.seen()) == 2 }, 2*time.Second, 10*time.Millisecond)

	live.ch <- transferAt(14, 0, 0, alice, bob, 1)
	require.Eventually(t, func() bool { return len(handler.seen()) == 5 }, 2*time.Second, 10*time.Millisecond)

	assert.Equal(t, []domain.Position{
		{BlockNumber: 8},
		{BlockNumber: 9},
		{BlockNumber: 10},
		{BlockNumber: 10, LogIndex: 1},
		{BlockNumber: 11},
	}, handler.seen())
	assert.Equal(t, [][2]uint64{{1, 8}, {9, 9}, {10, 12}}, src.fetched())

	cancel()
	assert.ErrorIs(t, waitErr(t, errCh), context.Canceled)
}

func TestRunner_RunIgnoresLiveEventsAtOrBelowHead(t *testing.T) {
	handler := &recordingHandler{}
	runner := NewRunner(RunnerOptions{
		Handler:     handler,
		Checkpoints: staticCheckpoints{},
		StartBlock:  1,
		BlockLag:    1,
	})

	src := &sliceSource{
		latest: 5,
		events: []*domain.TransferEvent{transferAt(4, 0, 0, alice, bob, 1)},
	}
	live := newChanSource()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errCh := runLive(ctx, runner, src, live)

	live.ch <- transferAt(4, 0, 0, alice, bob, 1)
	live.ch <- transferAt(5, 0, 0, alice, bob, 1)
	live.ch <- transferAt(6, 0, 0, alice, bob, 1) // releases block 5

	require.Eventually(t, func() bool { return len(src.fetched()) == 2 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, [][2]uint64{{1, 4}, {5, 5}}, src.fetched())
	assert.Equal(t, []domain.Position{{BlockNumber: 4}}, handler.seen())

	cancel()
	waitErr(t, errCh)
}

func TestRunner_RunPollsHeadWhileSubscriptionIsQuiet(t *testing.T) {
	handler := &recordingHandler{}
	runner := NewRunner(RunnerOptions{
		Handler:      handler,
		Checkpoints:  staticCheckpoints{},
		StartBlock:   1,
		BlockLag:     2,
		PollInterval: 10 * time.Millisecond,
	})

	src := &sliceSource{
		latest: 5,
		events: []*domain.TransferEvent{transferAt(7, 0, 0, alice, bob, 1)},
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errCh := runLive(ctx, runner, src, newChanSource())

	require.Eventually(t, func() bool { return len(src.fetched()) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Empty(t, handler.seen())

	src.setLatest(9)
	require.Eventually(t, func() bool { return len(handler.seen()) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, [][2]uint64{{1, 3}, {4, 7}}, src.fetched())

	cancel()
	waitErr(t, errCh)
}

func TestRunner_RunSkipsCheckpointedEvents(t *testing.T) {
	handler := &recordingHandler{}
	cp := &domain.Checkpoint{
		Position: domain.Position{BlockNumber: 20, LogIndex: 2},
		TxHash:   common.HexToHash("0x01"),
	}
	runner := NewRunner(RunnerOptions{
		Handler:     handler,
		Checkpoints: staticCheckpoints{cp: cp},
		BlockLag:    1,
	})

	// The node is behind the checkpoint: nothing is fetched until the head
	// passes it, then the checkpoint block is read again and the events at or
	// before the checkpoint are skipped.
	src := &sliceSource{
		latest: 18,
		events: []*domain.TransferEvent{
			transferAt(20, 0, 1, alice, bob, 1),
			transferAt(20, 0, 2, alice, bob, 1),
			transferAt(20, 0, 3, alice, bob, 1),
		},
	}
	live := newChanSource()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errCh := runLive(ctx, runner, src, live)

	live.ch <- transferAt(20, 0, 1, alice, bob, 1)
	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, src.fetched())

	live.ch <- transferAt(21, 0, 0, alice, bob, 1)

	require.Eventually(t, func() bool { return len(handler.seen()) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []domain.Position{{BlockNumber: 20, LogIndex: 3}}, handler.seen())
	assert.Equal(t, [][2]uint64{{20, 20}}, src.fetched())

	cancel()
	waitErr(t, errCh)
}

func TestRunner_RunLiveSourceClosed(t *testing.T) {
	runner := NewRunner(RunnerOptions{Handler: &recordingHandler{}, Checkpoints: staticCheckpoints{}})

	live := newChanSource()
	live.err = errors.New("subscription dropped")
	close(live.ch)

	err := waitErr(t, runLive(context.Background(), runner, &sliceSource{}, live))
	assert.ErrorIs(t, err, live.err)
}
