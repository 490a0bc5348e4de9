package domain

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// ErrMalformedEvent is returned when a transfer event cannot be applied safely.
var ErrMalformedEvent = errors.New("malformed transfer event")

// SentinelAddress is the all-zero address used as the mint source and burn sink.
var SentinelAddress = common.Address{}

// Role is the side an account takes in a transfer.
type Role string

// Role constants.
const (
	RoleSender    Role = "sender"
	RoleRecipient Role = "recipient"
)

// TransferEvent is one token transfer as delivered by the event source.
// Events must arrive in canonical ledger order: (block, tx index, log index).
type TransferEvent struct {
	Sender         common.Address
	Recipient      common.Address
	Amount         *uint256.Int
	BlockNumber    uint64
	BlockTimestamp uint64 // Unix seconds
	TxHash         common.Hash
	TxIndex        uint32
	LogIndex       uint32
}

// Validate checks the fields the aggregation engine depends on.
func (e *TransferEvent) Validate() error {
	if e == nil {
		return fmt.Errorf("%w: nil event", ErrMalformedEvent)
	}
	if e.Amount == nil {
		return fmt.Errorf("%w: missing amount (tx %s log %d)", ErrMalformedEvent, e.TxHash.Hex(), e.LogIndex)
	}
	if e.TxHash == (common.Hash{}) {
		return fmt.Errorf("%w: missing transaction hash", ErrMalformedEvent)
	}
	if e.Sender == SentinelAddress && e.Recipient == SentinelAddress {
		return fmt.Errorf("%w: sentinel on both sides (tx %s log %d)", ErrMalformedEvent, e.TxHash.Hex(), e.LogIndex)
	}
	return nil
}

// Position returns the event's place in canonical ledger order.
func (e *TransferEvent) Position() Position {
	return Position{BlockNumber: e.BlockNumber, TxIndex: e.TxIndex, LogIndex: e.LogIndex}
}

// TransferID is the composite key of a TransferRecord.
type TransferID struct {
	TxHash   common.Hash
	LogIndex uint32
}

// String renders the key as "<hash>-<logIndex>".
func (id TransferID) String() string {
	return fmt.Sprintf("%s-%d", id.TxHash.Hex(), id.LogIndex)
}

// TransferRecord is the immutable record of one observed transfer.
type TransferRecord struct {
	ID             TransferID
	Sender         common.Address
	Recipient      common.Address
	Amount         *uint256.Int
	BlockNumber    uint64
	BlockTimestamp uint64
}

// NewTransferRecord builds the record for an event.
func NewTransferRecord(e *TransferEvent) *TransferRecord {
	return &TransferRecord{
		ID:             TransferID{TxHash: e.TxHash, LogIndex: e.LogIndex},
		Sender:         e.Sender,
		Recipient:      e.Recipient,
		Amount:         new(uint256.Int).Set(e.Amount),
		BlockNumber:    e.BlockNumber,
		BlockTimestamp: e.BlockTimestamp,
	}
}

// Clone returns a deep copy.
func (r *TransferRecord) Clone() *TransferRecord {
	c := *r
	if r.Amount != nil {
		c.Amount = new(uint256.Int).Set(r.Amount)
	}
	return &c
}

// AccountLinkKey identifies one side of one transfer for an account.
type AccountLinkKey struct {
	Account  common.Address
	Transfer TransferID
	Role     Role
}

// AccountLink ties an account to a transfer it took part in.
// Every TransferRecord has exactly two links, one per role.
type AccountLink struct {
	Key       AccountLinkKey
	Amount    *uint256.Int
	Timestamp uint64
}

// Clone returns a deep copy.
func (l *AccountLink) Clone() *AccountLink {
	c := *l
	if l.Amount != nil {
		c.Amount = new(uint256.Int).Set(l.Amount)
	}
	return &c
}
