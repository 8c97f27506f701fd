package control

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/vietddude/polywatch/internal/analysis/orchestrator"
	"github.com/vietddude/polywatch/internal/core/domain"
	"github.com/vietddude/polywatch/internal/ingest/processor"
)

// EventProcessor persists decoded events.
type EventProcessor interface {
	ProcessEvent(ctx context.Context, evt *domain.ContractEvent) (*processor.Result, error)
	ProcessBatch(ctx context.Context, events []*domain.ContractEvent) processor.BatchResult
}

// TransactionAnalyzer runs the analysis pipeline for one saved trade.
type TransactionAnalyzer interface {
	ProcessTransaction(ctx context.Context, tx *domain.TransactionRecord) (*orchestrator.Result, error)
}

// HistorySource range-queries past events.
type HistorySource interface {
	QueryHistoricalEvents(ctx context.Context, name domain.EventName, from, to uint64) ([]*domain.ContractEvent, error)
}

// Pipeline connects ingestion to analysis. Its HandleEvent is registered as
// the subscriber handler for every event name.
type Pipeline struct {
	proc     EventProcessor
	analyzer TransactionAnalyzer
	log      *slog.Logger
}

// NewPipeline creates the ingest glue.
func NewPipeline(proc EventProcessor, analyzer TransactionAnalyzer) *Pipeline {
	return &Pipeline{
		proc:     proc,
		analyzer: analyzer,
		log:      slog.Default().With("component", "pipeline"),
	}
}

// HandleEvent persists evt and analyzes it when it produced a new trade.
func (p *Pipeline) HandleEvent(ctx context.Context, evt *domain.ContractEvent) error {
	res, err := p.proc.ProcessEvent(ctx, evt)
	if err != nil {
		return err
	}
	if res.Duplicate {
		p.log.Debug("Duplicate event", "tx", evt.TxHash, "event", evt.Name)
		return nil
	}
	return p.analyze(ctx, res.Record)
}

func (p *Pipeline) analyze(ctx context.Context, tx *domain.TransactionRecord) error {
	if tx == nil || !tx.IsTrade() {
		return nil
	}
	if _, err := p.analyzer.ProcessTransaction(ctx, tx); err != nil {
		return fmt.Errorf("analyze %s: %w", tx.TxHash, err)
	}
	return nil
}

// BackfillResult tallies a backfill run.
type BackfillResult struct {
	From          uint64 `json:"from"`
	To            uint64 `json:"to"`
	Events        int    `json:"events"`
	Processed     int    `json:"processed"`
	Saved         int    `json:"saved"`
	Duplicates    int    `json:"duplicates"`
	Errors        int    `json:"errors"`
	Analyzed      int    `json:"analyzed"`
	AnalyzeErrors int    `json:"analyze_errors"`
}

// Backfill replays [from, to] in chunks of chunkSize blocks. Within a chunk
// every subscribed event is queried, the results are ordered by block and
// log index, persisted as one batch, and each newly saved trade is analyzed.
func (p *Pipeline) Backfill(ctx context.Context, src HistorySource, from, to, chunkSize uint64) (*BackfillResult, error) {
	if to < from {
		return nil, fmt.Errorf("invalid range %d-%d", from, to)
	}
	if chunkSize == 0 {
		chunkSize = 2000
	}

	out := &BackfillResult{From: from, To: to}
	for start := from; start <= to; start += chunkSize {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		end := min(start+chunkSize-1, to)

		var events []*domain.ContractEvent
		for _, name := range domain.SubscribedEvents {
			evts, err := src.QueryHistoricalEvents(ctx, name, start, end)
			if err != nil {
				return out, fmt.Errorf("query %s %d-%d: %w", name, start, end, err)
			}
			events = append(events, evts...)
		}
		sortEvents(events)
		out.Events += len(events)

		batch := p.proc.ProcessBatch(ctx, events)
		out.Processed += batch.Processed
		out.Saved += batch.Saved
		out.Duplicates += batch.Duplicates
		out.Errors += batch.Errors

		for _, rec := range batch.Records {
			if !rec.IsTrade() {
				continue
			}
			if err := p.analyze(ctx, rec); err != nil {
				out.AnalyzeErrors++
				p.log.Warn("Backfill analysis failed", "tx", rec.TxHash, "error", err)
				continue
			}
			out.Analyzed++
		}

		p.log.Info("Backfill chunk complete",
			"from", start,
			"to", end,
			"events", len(events),
			"saved", batch.Saved,
			"duplicates", batch.Duplicates,
		)
		if end == to {
			break
		}
	}
	return out, nil
}

// sortEvents restores chain order so token registrations precede the
// trades that reference them.
func sortEvents(events []*domain.ContractEvent) {
	sort.SliceStable(events, func(i, j int) bool {
		if events[i].BlockNumber != events[j].BlockNumber {
			return events[i].BlockNumber < events[j].BlockNumber
		}
		return events[i].LogIndex < events[j].LogIndex
	})
}
