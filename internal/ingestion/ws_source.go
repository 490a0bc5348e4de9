package ingestion

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"holder-analytics/internal/chain"
	"holder-analytics/internal/domain"
	"holder-analytics/internal/observability"
)

// WSTransferSource delivers Transfer logs of one token from a WebSocket
// subscription. Block timestamps are resolved over RPC.
type WSTransferSource struct {
	ws     chain.WSClient
	rpc    chain.RPCClient
	token  common.Address
	logger *zap.Logger

	mu  sync.Mutex
	err error
}

// NewWSTransferSource creates a new WebSocket-based transfer source.
func NewWSTransferSource(ws chain.WSClient, rpc chain.RPCClient, token common.Address, logger *zap.Logger) *WSTransferSource {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WSTransferSource{
		ws:     ws,
		rpc:    rpc,
		token:  token,
		logger: logger.Named("ws_source"),
	}
}

// Subscribe subscribes to the token's Transfer logs.
func (s *WSTransferSource) Subscribe(ctx context.Context) (<-chan *domain.TransferEvent, error) {
	logs, err := s.ws.SubscribeLogs(ctx, chain.TransferFilter(s.token))
	if err != nil {
		return nil, fmt.Errorf("subscribe transfer logs: %w", err)
	}

	out := make(chan *domain.TransferEvent, 1024)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case l, ok := <-logs:
				if !ok {
					s.setErr(errors.New("log subscription closed"))
					return
				}
				if l.Removed {
					s.logger.Warn("ignoring removed log",
						zap.Uint64("block", l.BlockNumber),
						zap.Uint("log_index", l.Index))
					continue
				}

				ts, err := s.rpc.BlockTimestamp(ctx, l.BlockNumber)
				if err != nil {
					s.setErr(fmt.Errorf("block %d timestamp: %w", l.BlockNumber, err))
					return
				}

				ev, err := chain.DecodeTransfer(l, ts)
				if errors.Is(err, chain.ErrNotTransferLog) {
					s.logger.Debug("skipping non-transfer log", zap.Error(err))
					continue
				}
				if err != nil {
					s.setErr(err)
					return
				}

				observability.RecordTransfersFetched("ws", 1)
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return out, nil
}

// Err returns the error that stopped delivery, if any.
func (s *WSTransferSource) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *WSTransferSource) setErr(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}
