// Package chain talks to an EVM JSON-RPC node: HTTP for block and log queries,
// WebSocket for live log subscriptions.
package chain

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// RPCClient defines the EVM JSON-RPC HTTP interface used by ingestion.
type RPCClient interface {
	// BlockNumber returns the latest block number.
	BlockNumber(ctx context.Context) (uint64, error)

	// GetLogs returns logs matching the filter, in node order.
	GetLogs(ctx context.Context, filter LogFilter) ([]types.Log, error)

	// BlockTimestamp returns the Unix timestamp of a block.
	BlockTimestamp(ctx context.Context, number uint64) (uint64, error)
}

// WSClient defines the EVM WebSocket subscription interface.
type WSClient interface {
	// SubscribeLogs subscribes to new logs matching the filter.
	// The channel is closed when the client is closed.
	SubscribeLogs(ctx context.Context, filter LogFilter) (<-chan types.Log, error)

	// Close closes the WebSocket connection.
	Close() error
}

// LogFilter selects logs by emitting contract and topics.
// FromBlock and ToBlock are ignored by subscriptions.
type LogFilter struct {
	Addresses []common.Address
	Topics    [][]common.Hash
	FromBlock uint64
	ToBlock   uint64
}

// toArg renders the filter as an eth_getLogs / eth_subscribe parameter.
func (f LogFilter) toArg(withRange bool) map[string]interface{} {
	arg := map[string]interface{}{}
	if len(f.Addresses) == 1 {
		arg["address"] = f.Addresses[0]
	} else if len(f.Addresses) > 1 {
		arg["address"] = f.Addresses
	}
	if len(f.Topics) > 0 {
		topics := make([]interface{}, len(f.Topics))
		for i, alts := range f.Topics {
			switch len(alts) {
			case 0:
				topics[i] = nil
			case 1:
				topics[i] = alts[0]
			default:
				topics[i] = alts
			}
		}
		arg["topics"] = topics
	}
	if withRange {
		arg["fromBlock"] = hexUint(f.FromBlock)
		arg["toBlock"] = hexUint(f.ToBlock)
	}
	return arg
}
