package transferwatch

import (
	"context"
	"strings"

	"github.com/whalesignal/whalesignal/internal/chainstream"
	"github.com/whalesignal/whalesignal/internal/pkg/logger"

	"golang.org/x/sync/errgroup"
)

// TransactionFetcher resolves a pending transaction hash to its body.
type TransactionFetcher interface {
	TransactionByHash(ctx context.Context, hash string) (chainstream.Transaction, error)
}

// pendingProcessor resolves mempool hashes and emits qualifying transfers
// as Pending events. Hashes are fetched concurrently with a bounded
// fan-out; ordering between them is not observable and per-hash failures
// are swallowed (pending transactions disappear all the time).
type pendingProcessor struct {
	filter      *transferFilter
	dedup       *dedupSet
	sink        Sink
	concurrency int
}

func newPendingProcessor(filter *transferFilter, dedup *dedupSet, sink Sink, concurrency int) *pendingProcessor {
	if concurrency < 1 {
		concurrency = 1
	}

	return &pendingProcessor{
		filter:      filter,
		dedup:       dedup,
		sink:        sink,
		concurrency: concurrency,
	}
}

// Run consumes the hash stream until it closes or ctx is canceled, fetching
// each hash through fetcher. All in-flight fetches are awaited before Run
// returns.
func (p *pendingProcessor) Run(ctx context.Context, fetcher TransactionFetcher, hashes <-chan string) {
	g := new(errgroup.Group)
	g.SetLimit(p.concurrency)

	for {
		select {
		case <-ctx.Done():
			_ = g.Wait()
			return
		case hash, ok := <-hashes:
			if !ok {
				_ = g.Wait()
				return
			}

			g.Go(func() error {
				p.processHash(ctx, fetcher, hash)
				return nil
			})
		}
	}
}

// processHash resolves and, if admitted, emits one pending hash.
func (p *pendingProcessor) processHash(ctx context.Context, fetcher TransactionFetcher, hash string) {
	hash = strings.ToLower(hash)
	if p.dedup.Contains(hash) {
		return
	}

	tx, err := fetcher.TransactionByHash(ctx, hash)
	if err != nil {
		logger.Debug(ctx, "transferwatch: pending transaction fetch failed",
			"tx.hash", hash,
			"error", err,
		)
		return
	}

	if !p.filter.shouldProcess(tx) {
		return
	}
	if !p.dedup.AddIfAbsent(hash) {
		return
	}

	tx.BlockNumber = nil

	event := p.filter.buildEvent(EventTypePending, tx)
	p.sink(event)

	logger.Debug(ctx, "transferwatch: pending transfer emitted", "tx.hash", tx.Hash)
}
