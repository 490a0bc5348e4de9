// Package verification checks a persisted ledger against a fresh replay of
// the same transfer stream.
package verification

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"holder-analytics/internal/aggregation"
	"holder-analytics/internal/clock"
	"holder-analytics/internal/domain"
	"holder-analytics/internal/ingestion"
	"holder-analytics/internal/storage"
	"holder-analytics/internal/storage/memory"
)

// FieldDivergence represents a mismatch between replayed and stored values.
type FieldDivergence struct {
	Entity   string // account, bucket, snapshot, counter, transfer, checkpoint
	Key      string
	Field    string
	Expected string // replayed value
	Actual   string // stored value
}

func (d FieldDivergence) String() string {
	return fmt.Sprintf("%s %s %s: expected %s, got %s", d.Entity, d.Key, d.Field, d.Expected, d.Actual)
}

// Report contains the result of one verification.
type Report struct {
	Events         int // events replayed
	Accounts       int // accounts compared
	Days           int // days compared
	Divergences    []FieldDivergence
	ExpectedDigest string // digest of the replayed state
	ActualDigest   string // digest of the stored state
}

// Match reports whether the stored state equals the replayed state.
func (r *Report) Match() bool {
	return len(r.Divergences) == 0 && r.ExpectedDigest == r.ActualDigest
}

// Verifier replays transfers into an isolated in-memory ledger and compares
// the result with a stored ledger.
type Verifier struct {
	ledger storage.LedgerReader
	logger *zap.Logger
}

// NewVerifier creates a new Verifier for the stored ledger.
func NewVerifier(ledger storage.LedgerReader, logger *zap.Logger) *Verifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Verifier{ledger: ledger, logger: logger.Named("verifier")}
}

// Verify replays events up to the stored checkpoint and compares every entity
// they touched. Events after the checkpoint are ignored so a ledger that is
// still catching up can be verified.
func (v *Verifier) Verify(ctx context.Context, events []*domain.TransferEvent) (*Report, error) {
	sorted := append([]*domain.TransferEvent(nil), events...)
	ingestion.SortTransfers(sorted)
	if err := ingestion.ValidateOrdering(sorted); err != nil {
		return nil, err
	}

	cp, err := v.ledger.GetCheckpoint(ctx)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("load checkpoint: %w", err)
	}

	replayed := memory.NewLedgerStore()
	engine := aggregation.NewEngine(aggregation.EngineOptions{Store: replayed, Logger: v.logger})

	report := &Report{}
	scope := newScope()
	for _, ev := range sorted {
		if cp == nil || ev.Position().Compare(cp.Position) > 0 {
			break
		}
		if _, err := engine.HandleTransfer(ctx, ev); err != nil {
			return nil, fmt.Errorf("replay: %w", err)
		}
		scope.add(ev)
		report.Events++
	}
	report.Accounts = len(scope.accounts)
	report.Days = len(scope.days)

	cmp := &comparer{report: report}
	if err := cmp.compare(ctx, replayed, v.ledger, scope); err != nil {
		return nil, err
	}

	if report.ExpectedDigest, err = Digest(ctx, replayed, scope); err != nil {
		return nil, fmt.Errorf("digest replayed state: %w", err)
	}
	if report.ActualDigest, err = Digest(ctx, v.ledger, scope); err != nil {
		return nil, fmt.Errorf("digest stored state: %w", err)
	}

	v.logger.Info("verification complete",
		zap.Int("events", report.Events),
		zap.Int("accounts", report.Accounts),
		zap.Int("divergences", len(report.Divergences)),
		zap.Bool("match", report.Match()))
	return report, nil
}

// Scope is the set of keys touched by a replayed stream.
type Scope struct {
	accounts  map[common.Address]struct{}
	days      map[uint64]struct{}
	buckets   map[domain.DailyAccountBucketKey]struct{}
	transfers []domain.TransferID
}

func newScope() *Scope {
	return &Scope{
		accounts: make(map[common.Address]struct{}),
		days:     make(map[uint64]struct{}),
		buckets:  make(map[domain.DailyAccountBucketKey]struct{}),
	}
}

// ScopeOf returns the keys touched by events.
func ScopeOf(events []*domain.TransferEvent) *Scope {
	s := newScope()
	for _, ev := range events {
		s.add(ev)
	}
	return s
}

func (s *Scope) add(ev *domain.TransferEvent) {
	day := clock.DayOpen(ev.BlockTimestamp)
	s.days[day] = struct{}{}
	for _, a := range []common.Address{ev.Sender, ev.Recipient} {
		s.accounts[a] = struct{}{}
		s.buckets[domain.DailyAccountBucketKey{Account: a, DayOpen: day}] = struct{}{}
	}
	s.transfers = append(s.transfers, domain.TransferID{TxHash: ev.TxHash, LogIndex: ev.LogIndex})
}

func (s *Scope) sortedAccounts() []common.Address {
	out := make([]common.Address, 0, len(s.accounts))
	for a := range s.accounts {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Cmp(out[j]) < 0 })
	return out
}

func (s *Scope) sortedDays() []uint64 {
	out := make([]uint64, 0, len(s.days))
	for d := range s.days {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (s *Scope) sortedBuckets() []domain.DailyAccountBucketKey {
	out := make([]domain.DailyAccountBucketKey, 0, len(s.buckets))
	for k := range s.buckets {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].DayOpen != out[j].DayOpen {
			return out[i].DayOpen < out[j].DayOpen
		}
		return out[i].Account.Cmp(out[j].Account) < 0
	})
	return out
}

// Digest computes a SHA-256 over the canonical rendering of every entity in
// scope, so two ledgers with the same derived state share a digest.
func Digest(ctx context.Context, r storage.LedgerReader, scope *Scope) (string, error) {
	lines, err := canonicalLines(ctx, r, scope)
	if err != nil {
		return "", err
	}
	hash := sha256.Sum256([]byte(strings.Join(lines, "\n")))
	return hex.EncodeToString(hash[:]), nil
}

func canonicalLines(ctx context.Context, r storage.LedgerReader, scope *Scope) ([]string, error) {
	var lines []string

	counter, err := r.GetHolderCounter(ctx)
	switch {
	case err == nil:
		lines = append(lines, fmt.Sprintf("counter|%d", counter.Count))
	case errors.Is(err, storage.ErrNotFound):
		lines = append(lines, "counter|-")
	default:
		return nil, err
	}

	for _, addr := range scope.sortedAccounts() {
		a, err := r.GetAccount(ctx, addr)
		if errors.Is(err, storage.ErrNotFound) {
			lines = append(lines, fmt.Sprintf("account|%s|-", addr.Hex()))
			continue
		}
		if err != nil {
			return nil, err
		}
		lines = append(lines, fmt.Sprintf("account|%s|%s|%d", addr.Hex(), a.Balance, a.UpdatedAt))
	}

	for _, day := range scope.sortedDays() {
		s, err := r.GetDailyHolderSnapshot(ctx, day)
		if errors.Is(err, storage.ErrNotFound) {
			lines = append(lines, fmt.Sprintf("snapshot|%d|-", day))
			continue
		}
		if err != nil {
			return nil, err
		}
		lines = append(lines, fmt.Sprintf("snapshot|%d|%d|%d", s.DayOpen, s.DayClose, s.Count))
	}

	for _, key := range scope.sortedBuckets() {
		b, err := r.GetDailyAccountBucket(ctx, key)
		if errors.Is(err, storage.ErrNotFound) {
			lines = append(lines, fmt.Sprintf("bucket|%s|%d|-", key.Account.Hex(), key.DayOpen))
			continue
		}
		if err != nil {
			return nil, err
		}
		lines = append(lines, fmt.Sprintf("bucket|%s|%d|%s|%s|%s",
			key.Account.Hex(), key.DayOpen, b.Inflow, b.Outflow, b.Volume))
	}

	return lines, nil
}
