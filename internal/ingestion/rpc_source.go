package ingestion

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"holder-analytics/internal/chain"
	"holder-analytics/internal/domain"
	"holder-analytics/internal/observability"
)

// DefaultMaxBlockRange is the widest eth_getLogs range requested at once.
const DefaultMaxBlockRange = 2000

// RPCTransferSource fetches Transfer logs of one token over JSON-RPC.
type RPCTransferSource struct {
	rpc           chain.RPCClient
	token         common.Address
	maxBlockRange uint64
	logger        *zap.Logger
}

// NewRPCTransferSource creates a new RPC-based transfer source.
func NewRPCTransferSource(rpc chain.RPCClient, token common.Address, maxBlockRange uint64, logger *zap.Logger) *RPCTransferSource {
	if maxBlockRange == 0 {
		maxBlockRange = DefaultMaxBlockRange
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RPCTransferSource{
		rpc:           rpc,
		token:         token,
		maxBlockRange: maxBlockRange,
		logger:        logger.Named("rpc_source"),
	}
}

// LatestBlock returns the node's latest block number.
func (s *RPCTransferSource) LatestBlock(ctx context.Context) (uint64, error) {
	return s.rpc.BlockNumber(ctx)
}

// Fetch retrieves transfers in [from, to], splitting the range into requests
// of at most maxBlockRange blocks.
func (s *RPCTransferSource) Fetch(ctx context.Context, from, to uint64) ([]*domain.TransferEvent, error) {
	if to < from {
		return nil, nil
	}

	var events []*domain.TransferEvent
	for start := from; start <= to; start += s.maxBlockRange {
		end := start + s.maxBlockRange - 1
		if end > to || end < start {
			end = to
		}

		filter := chain.TransferFilter(s.token)
		filter.FromBlock, filter.ToBlock = start, end

		logs, err := s.rpc.GetLogs(ctx, filter)
		if err != nil {
			return nil, fmt.Errorf("get logs %d..%d: %w", start, end, err)
		}

		for _, l := range logs {
			if l.Removed {
				s.logger.Warn("skipping removed log",
					zap.Uint64("block", l.BlockNumber),
					zap.Uint("log_index", l.Index))
				continue
			}

			ts, err := s.rpc.BlockTimestamp(ctx, l.BlockNumber)
			if err != nil {
				return nil, fmt.Errorf("block %d timestamp: %w", l.BlockNumber, err)
			}

			ev, err := chain.DecodeTransfer(l, ts)
			if errors.Is(err, chain.ErrNotTransferLog) {
				// ERC-721 tokens share the Transfer topic.
				s.logger.Debug("skipping non-transfer log", zap.Error(err))
				continue
			}
			if err != nil {
				return nil, err
			}
			events = append(events, ev)
		}

		if end == to {
			break
		}
	}

	observability.RecordTransfersFetched("rpc", len(events))
	s.logger.Debug("fetched transfers",
		zap.Uint64("from", from),
		zap.Uint64("to", to),
		zap.Int("count", len(events)))
	return events, nil
}
