package ingestion

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/holiman/uint256"

	"holder-analytics/internal/domain"
	"holder-analytics/internal/observability"
)

// transferLine is one JSONL fixture record.
type transferLine struct {
	From             string `json:"from"`
	To               string `json:"to"`
	Value            string `json:"value"`
	BlockNumber      uint64 `json:"blockNumber"`
	BlockTimestamp   uint64 `json:"blockTimestamp"`
	TransactionHash  string `json:"transactionHash"`
	TransactionIndex uint32 `json:"transactionIndex"`
	LogIndex         uint32 `json:"logIndex"`
}

// FileTransferSource serves transfers loaded from a JSONL fixture.
type FileTransferSource struct {
	events []*domain.TransferEvent
}

// OpenFileTransferSource loads a JSONL fixture file.
func OpenFileTransferSource(path string) (*FileTransferSource, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open fixture: %w", err)
	}
	defer f.Close()

	src, err := ReadTransfers(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return src, nil
}

// ReadTransfers parses JSONL transfers, one event per line. Blank lines are
// ignored.
func ReadTransfers(r io.Reader) (*FileTransferSource, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	src := &FileTransferSource{}
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var rec transferLine
		if err := json.Unmarshal(line, &rec); err != nil {
			return nil, fmt.Errorf("line %d: %w", lineNo, err)
		}
		ev, err := rec.toEvent()
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", lineNo, err)
		}
		src.events = append(src.events, ev)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read fixture: %w", err)
	}

	observability.RecordTransfersFetched("file", len(src.events))
	return src, nil
}

func (l transferLine) toEvent() (*domain.TransferEvent, error) {
	if !common.IsHexAddress(l.From) {
		return nil, fmt.Errorf("invalid from address %q", l.From)
	}
	if !common.IsHexAddress(l.To) {
		return nil, fmt.Errorf("invalid to address %q", l.To)
	}

	amount, err := parseAmount(l.Value)
	if err != nil {
		return nil, fmt.Errorf("invalid value %q: %w", l.Value, err)
	}

	hash, err := hexutil.Decode(l.TransactionHash)
	if err != nil || len(hash) != common.HashLength {
		return nil, fmt.Errorf("invalid transaction hash %q", l.TransactionHash)
	}

	return &domain.TransferEvent{
		Sender:         common.HexToAddress(l.From),
		Recipient:      common.HexToAddress(l.To),
		Amount:         amount,
		BlockNumber:    l.BlockNumber,
		BlockTimestamp: l.BlockTimestamp,
		TxHash:         common.BytesToHash(hash),
		TxIndex:        l.TransactionIndex,
		LogIndex:       l.LogIndex,
	}, nil
}

// parseAmount accepts decimal or 0x-prefixed hex.
func parseAmount(s string) (*uint256.Int, error) {
	if s == "" {
		return nil, errors.New("empty amount")
	}
	if len(s) > 2 && (s[:2] == "0x" || s[:2] == "0X") {
		return uint256.FromHex(s)
	}
	return uint256.FromDecimal(s)
}

// Events returns every loaded event in file order.
func (s *FileTransferSource) Events() []*domain.TransferEvent {
	return s.events
}

// Fetch returns loaded events within block range [from, to] (inclusive).
func (s *FileTransferSource) Fetch(_ context.Context, from, to uint64) ([]*domain.TransferEvent, error) {
	var out []*domain.TransferEvent
	for _, ev := range s.events {
		if ev.BlockNumber >= from && ev.BlockNumber <= to {
			out = append(out, ev)
		}
	}
	return out, nil
}

// LatestBlock returns the highest block in the fixture.
func (s *FileTransferSource) LatestBlock(_ context.Context) (uint64, error) {
	var latest uint64
	for _, ev := range s.events {
		if ev.BlockNumber > latest {
			latest = ev.BlockNumber
		}
	}
	return latest, nil
}
