package aggregation

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"holder-analytics/internal/domain"
	"holder-analytics/internal/storage"
)

// Recorder stages the immutable transfer record and its per-account links.
type Recorder struct{}

// NewRecorder creates a new recorder.
func NewRecorder() *Recorder {
	return &Recorder{}
}

// RecordTransfer stages the TransferRecord keyed by (tx hash, log index).
// It does not look for an existing record; the store rejects duplicates on commit.
func (r *Recorder) RecordTransfer(uow *storage.UnitOfWork, event *domain.TransferEvent) (*domain.TransferRecord, error) {
	rec := domain.NewTransferRecord(event)
	if err := uow.InsertTransfer(rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// RecordLink stages the link between account and the transfer for one role.
func (r *Recorder) RecordLink(
	uow *storage.UnitOfWork,
	account common.Address,
	event *domain.TransferEvent,
	rec *domain.TransferRecord,
	role domain.Role,
) *domain.AccountLink {
	link := &domain.AccountLink{
		Key: domain.AccountLinkKey{
			Account:  account,
			Transfer: rec.ID,
			Role:     role,
		},
		Amount:    new(uint256.Int).Set(rec.Amount),
		Timestamp: event.BlockTimestamp,
	}
	uow.SaveLink(link)
	return link
}
