// Package processor turns normalized contract events into persisted
// transaction records, deduplicated by tx hash.
package processor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/vietddude/polywatch/internal/core/domain"
	"github.com/vietddude/polywatch/internal/infra/storage"
	"github.com/vietddude/polywatch/internal/metrics"
)

var (
	// ErrUnsupportedEvent is returned for event names without a transform.
	ErrUnsupportedEvent = errors.New("unsupported event")

	// ErrMalformedEvent is returned when a required field is missing or mistyped.
	ErrMalformedEvent = errors.New("malformed event")
)

// WalletUpdater recomputes a wallet profile from its full history.
type WalletUpdater interface {
	UpdateWallet(ctx context.Context, address string) (*domain.WalletProfile, error)
}

// Result is the outcome of processing one event.
type Result struct {
	Record    *domain.TransactionRecord
	Duplicate bool
}

// BatchResult tallies a batch run. Saved holds the newly persisted records in
// input order.
type BatchResult struct {
	Processed  int                         `json:"processed"`
	Saved      int                         `json:"saved"`
	Duplicates int                         `json:"duplicates"`
	Errors     int                         `json:"errors"`
	Records    []*domain.TransactionRecord `json:"-"`
}

// Stats is a snapshot of processor counters.
type Stats struct {
	Processed     uint64 `json:"processed"`
	Saved         uint64 `json:"saved"`
	Duplicates    uint64 `json:"duplicates"`
	Errors        uint64 `json:"errors"`
	WalletUpdates uint64 `json:"wallet_updates"`
	WalletErrors  uint64 `json:"wallet_errors"`
}

type transformFunc func(ctx context.Context, evt *domain.ContractEvent) (*domain.TransactionRecord, error)

// Processor deduplicates and persists events.
type Processor struct {
	txs        storage.TransactionRepository
	tokens     storage.TokenRepository
	wallets    WalletUpdater
	transforms map[domain.EventName]transformFunc
	tokenCache sync.Map
	log        *slog.Logger

	walletWG sync.WaitGroup

	processed     atomic.Uint64
	saved         atomic.Uint64
	duplicates    atomic.Uint64
	errors        atomic.Uint64
	walletUpdates atomic.Uint64
	walletErrors  atomic.Uint64
}

// New creates a processor. wallets may be nil to skip profile updates.
func New(txs storage.TransactionRepository, tokens storage.TokenRepository, wallets WalletUpdater) *Processor {
	p := &Processor{
		txs:     txs,
		tokens:  tokens,
		wallets: wallets,
		log:     slog.Default().With("component", "processor"),
	}
	p.transforms = map[domain.EventName]transformFunc{
		domain.EventOrderFilled:     p.transformOrderFilled,
		domain.EventOrdersMatched:   p.transformOrdersMatched,
		domain.EventOrderCancelled:  p.transformOrderCancelled,
		domain.EventFeeCharged:      p.transformFeeCharged,
		domain.EventTokenRegistered: p.transformTokenRegistered,
	}
	return p
}

// ProcessEvent persists evt unless its tx hash is already stored. A
// duplicate is reported in the result, not as an error.
func (p *Processor) ProcessEvent(ctx context.Context, evt *domain.ContractEvent) (*Result, error) {
	p.processed.Add(1)
	name := string(evt.Name)

	res, err := p.process(ctx, evt)
	switch {
	case err != nil:
		p.errors.Add(1)
		metrics.TransactionsProcessed.WithLabelValues(name, "error").Inc()
	case res.Duplicate:
		p.duplicates.Add(1)
		metrics.TransactionsProcessed.WithLabelValues(name, "duplicate").Inc()
	default:
		p.saved.Add(1)
		metrics.TransactionsProcessed.WithLabelValues(name, "saved").Inc()
	}
	return res, err
}

func (p *Processor) process(ctx context.Context, evt *domain.ContractEvent) (*Result, error) {
	if evt.TxHash == "" {
		return nil, fmt.Errorf("%w: empty tx hash", ErrMalformedEvent)
	}

	existing, err := p.txs.GetByHash(ctx, evt.TxHash)
	if err != nil {
		return nil, fmt.Errorf("lookup %s: %w", evt.TxHash, err)
	}
	if existing != nil {
		p.log.Debug("Duplicate transaction", "tx", evt.TxHash, "event", evt.Name)
		return &Result{Record: existing, Duplicate: true}, nil
	}

	transform, ok := p.transforms[evt.Name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedEvent, evt.Name)
	}
	rec, err := transform(ctx, evt)
	if err != nil {
		return nil, err
	}

	inserted, err := p.txs.Save(ctx, rec)
	if err != nil {
		return nil, fmt.Errorf("save %s: %w", rec.TxHash, err)
	}
	if !inserted {
		// lost a race with a concurrent delivery of the same tx
		return &Result{Record: rec, Duplicate: true}, nil
	}

	p.log.Debug("Transaction saved",
		"tx", rec.TxHash,
		"event", rec.EventName,
		"market", rec.MarketID,
		"amount", rec.Amount.String(),
	)

	if rec.IsTrade() {
		p.updateWallets(ctx, rec.Maker, rec.Taker)
	}
	return &Result{Record: rec}, nil
}

// updateWallets recomputes profiles off the caller's path. Failures are
// logged and not retried.
func (p *Processor) updateWallets(ctx context.Context, addresses ...string) {
	if p.wallets == nil {
		return
	}

	seen := make(map[string]bool, len(addresses))
	bg := context.WithoutCancel(ctx)
	for _, addr := range addresses {
		if addr == "" || seen[addr] {
			continue
		}
		seen[addr] = true

		p.walletWG.Add(1)
		go func(addr string) {
			defer p.walletWG.Done()
			if _, err := p.wallets.UpdateWallet(bg, addr); err != nil {
				p.walletErrors.Add(1)
				metrics.WalletUpdates.WithLabelValues("error").Inc()
				p.log.Warn("Wallet update failed", "wallet", addr, "error", err)
				return
			}
			p.walletUpdates.Add(1)
			metrics.WalletUpdates.WithLabelValues("ok").Inc()
		}(addr)
	}
}

// ProcessBatch processes events sequentially in input order. One failure
// never stops the batch.
func (p *Processor) ProcessBatch(ctx context.Context, events []*domain.ContractEvent) BatchResult {
	var out BatchResult
	for _, evt := range events {
		out.Processed++
		res, err := p.ProcessEvent(ctx, evt)
		switch {
		case err != nil:
			out.Errors++
			p.log.Warn("Skipping event", "tx", evt.TxHash, "event", evt.Name, "error", err)
		case res.Duplicate:
			out.Duplicates++
		default:
			out.Saved++
			out.Records = append(out.Records, res.Record)
		}
	}
	return out
}

// Wait blocks until pending wallet updates finish.
func (p *Processor) Wait() {
	p.walletWG.Wait()
}

// Stats returns a snapshot of processor counters.
func (p *Processor) Stats() Stats {
	return Stats{
		Processed:     p.processed.Load(),
		Saved:         p.saved.Load(),
		Duplicates:    p.duplicates.Load(),
		Errors:        p.errors.Load(),
		WalletUpdates: p.walletUpdates.Load(),
		WalletErrors:  p.walletErrors.Load(),
	}
}
