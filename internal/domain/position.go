package domain

import "github.com/ethereum/go-ethereum/common"

// Position is a location in canonical ledger order.
type Position struct {
	BlockNumber uint64
	TxIndex     uint32
	LogIndex    uint32
}

// Compare returns -1, 0 or +1 ordering by (block, tx index, log index).
func (p Position) Compare(o Position) int {
	switch {
	case p.BlockNumber != o.BlockNumber:
		if p.BlockNumber < o.BlockNumber {
			return -1
		}
		return 1
	case p.TxIndex != o.TxIndex:
		if p.TxIndex < o.TxIndex {
			return -1
		}
		return 1
	case p.LogIndex != o.LogIndex:
		if p.LogIndex < o.LogIndex {
			return -1
		}
		return 1
	}
	return 0
}

// Version packs the position into a monotonically increasing integer, used to
// version rows in stores that resolve upserts by merging (ClickHouse).
func (p Position) Version() uint64 {
	return p.BlockNumber<<32 | uint64(p.LogIndex)
}

// Checkpoint is the last event whose effects have been committed.
type Checkpoint struct {
	Position
	TxHash common.Hash
}
