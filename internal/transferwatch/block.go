package transferwatch

import (
	"context"
	"strings"

	"github.com/whalesignal/whalesignal/internal/chainstream"
	"github.com/whalesignal/whalesignal/internal/pkg/logger"
)

// blockProcessor walks confirmed blocks and emits qualifying transfers.
// Within a block, emissions follow the block's transaction order.
type blockProcessor struct {
	filter *transferFilter
	dedup  *dedupSet
	sink   Sink
}

func newBlockProcessor(filter *transferFilter, dedup *dedupSet, sink Sink) *blockProcessor {
	return &blockProcessor{
		filter: filter,
		dedup:  dedup,
		sink:   sink,
	}
}

// Process emits a Confirmed event for every qualifying transaction in the
// block that has not already been emitted on the pending path.
func (p *blockProcessor) Process(ctx context.Context, block chainstream.Block) {
	if len(block.Transactions) == 0 {
		return
	}

	for _, tx := range block.Transactions {
		hash := strings.ToLower(tx.Hash)
		if p.dedup.Contains(hash) {
			// Already emitted as Pending; the mempool sighting wins.
			continue
		}
		if !p.filter.shouldProcess(tx) {
			continue
		}
		if !p.dedup.AddIfAbsent(hash) {
			continue
		}

		number := block.Number
		tx.BlockNumber = &number

		event := p.filter.buildEvent(EventTypeConfirmed, tx)
		p.sink(event)

		logger.Debug(ctx, "transferwatch: confirmed transfer emitted",
			"tx.hash", tx.Hash,
			"block.number", block.Number,
		)
	}
}
