package chain

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"

	"holder-analytics/internal/domain"
)

// ErrNotTransferLog is returned for logs that are not ERC-20 Transfer events.
var ErrNotTransferLog = errors.New("not a transfer log")

// TransferTopic is topic0 of Transfer(address,address,uint256).
var TransferTopic = crypto.Keccak256Hash([]byte("Transfer(address,address,uint256)"))

// TransferFilter selects Transfer logs emitted by token.
func TransferFilter(token common.Address) LogFilter {
	return LogFilter{
		Addresses: []common.Address{token},
		Topics:    [][]common.Hash{{TransferTopic}},
	}
}

// DecodeTransfer converts a Transfer log into a TransferEvent stamped with the
// block timestamp. ERC-721 style logs (amount as a fourth topic) are rejected.
func DecodeTransfer(log types.Log, blockTimestamp uint64) (*domain.TransferEvent, error) {
	if len(log.Topics) != 3 {
		return nil, fmt.Errorf("%w: %d topics", ErrNotTransferLog, len(log.Topics))
	}
	if log.Topics[0] != TransferTopic {
		return nil, fmt.Errorf("%w: topic0 %s", ErrNotTransferLog, log.Topics[0].Hex())
	}
	if len(log.Data) != 32 {
		return nil, fmt.Errorf("%w: %d data bytes", ErrNotTransferLog, len(log.Data))
	}

	return &domain.TransferEvent{
		Sender:         common.BytesToAddress(log.Topics[1].Bytes()),
		Recipient:      common.BytesToAddress(log.Topics[2].Bytes()),
		Amount:         new(uint256.Int).SetBytes32(log.Data),
		BlockNumber:    log.BlockNumber,
		BlockTimestamp: blockTimestamp,
		TxHash:         log.TxHash,
		TxIndex:        uint32(log.TxIndex),
		LogIndex:       uint32(log.Index),
	}, nil
}
