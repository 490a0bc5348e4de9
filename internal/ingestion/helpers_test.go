package ingestion

import (
	"context"
	"math/big"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"go.uber.org/zap/zaptest"

	"holder-analytics/internal/aggregation"
	"holder-analytics/internal/domain"
	"holder-analytics/internal/storage"
	"holder-analytics/internal/storage/memory"
)

var (
	alice = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	bob   = common.HexToAddress("0x00000000000000000000000000000000000000b2")
	token = common.HexToAddress("0x00000000000000000000000000000000000000aa")
)

// transferAt builds a transfer at (block, txIndex, logIndex).
func transferAt(block uint64, txIndex, logIndex uint32, from, to common.Address, amount uint64) *domain.TransferEvent {
	return &domain.TransferEvent{
		Sender:         from,
		Recipient:      to,
		Amount:         uint256.NewInt(amount),
		BlockNumber:    block,
		BlockTimestamp: block * 12,
		TxHash:         common.BigToHash(new(big.Int).SetUint64(block<<16 | uint64(txIndex))),
		TxIndex:        txIndex,
		LogIndex:       logIndex,
	}
}

// recordingHandler records positions it was asked to handle.
type recordingHandler struct {
	mu        sync.Mutex
	positions []domain.Position
	failAt    *domain.Position
	err       error
}

func (h *recordingHandler) HandleTransfer(_ context.Context, ev *domain.TransferEvent) (*aggregation.Result, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.failAt != nil && ev.Position() == *h.failAt {
		return nil, h.err
	}
	h.positions = append(h.positions, ev.Position())
	return &aggregation.Result{}, nil
}

func (h *recordingHandler) seen() []domain.Position {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]domain.Position(nil), h.positions...)
}

// staticCheckpoints serves a fixed checkpoint, or none.
type staticCheckpoints struct {
	cp *domain.Checkpoint
}

func (s staticCheckpoints) GetCheckpoint(_ context.Context) (*domain.Checkpoint, error) {
	if s.cp == nil {
		return nil, storage.ErrNotFound
	}
	return s.cp, nil
}

// sliceSource is a TransferSource over an in-memory slice, recording fetches.
type sliceSource struct {
	mu      sync.Mutex
	events  []*domain.TransferEvent
	latest  uint64
	fetches [][2]uint64
}

func (s *sliceSource) Fetch(_ context.Context, from, to uint64) ([]*domain.TransferEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fetches = append(s.fetches, [2]uint64{from, to})
	var out []*domain.TransferEvent
	// Reverse order so the runner has to sort.
	for i := len(s.events) - 1; i >= 0; i-- {
		ev := s.events[i]
		if ev.BlockNumber >= from && ev.BlockNumber <= to {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (s *sliceSource) LatestBlock(_ context.Context) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.latest, nil
}

func (s *sliceSource) setLatest(n uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.latest = n
}

func (s *sliceSource) fetched() [][2]uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][2]uint64(nil), s.fetches...)
}

// chanSource is a LiveTransferSource fed by the test.
type chanSource struct {
	ch  chan *domain.TransferEvent
	err error
}

func newChanSource() *chanSource {
	return &chanSource{ch: make(chan *domain.TransferEvent, 100)}
}

func (s *chanSource) Subscribe(_ context.Context) (<-chan *domain.TransferEvent, error) {
	return s.ch, nil
}

func (s *chanSource) Err() error {
	return s.err
}

func newEngineRunner(t *testing.T, store *memory.LedgerStore, opts RunnerOptions) *Runner {
	t.Helper()
	opts.Handler = aggregation.NewEngine(aggregation.EngineOptions{
		Store:  store,
		Logger: zaptest.NewLogger(t),
	})
	opts.Checkpoints = store
	opts.Logger = zaptest.NewLogger(t)
	return NewRunner(opts)
}
