package transferwatch

import (
	"math/big"
	"strings"

	"github.com/whalesignal/whalesignal/internal/chainstream"
	"github.com/whalesignal/whalesignal/internal/walletregistry"
)

// transferFilter decides which transactions qualify for emission: native
// transfers (to set), at or above the threshold, touching the watch-list.
type transferFilter struct {
	thresholdWei *big.Int
	registry     *walletregistry.Registry
}

func newTransferFilter(thresholdWei *big.Int, registry *walletregistry.Registry) *transferFilter {
	return &transferFilter{
		thresholdWei: thresholdWei,
		registry:     registry,
	}
}

// shouldProcess applies the admission rules to one transaction.
func (f *transferFilter) shouldProcess(tx chainstream.Transaction) bool {
	if tx.To == "" {
		// Contract creation: never a native transfer of interest.
		return false
	}
	if tx.Value == nil || tx.Value.Cmp(f.thresholdWei) < 0 {
		return false
	}

	return f.registry.IsWatched(tx.From) || f.registry.IsWatched(tx.To)
}

// watchedSide classifies which side(s) of an admitted transfer matched.
func (f *transferFilter) watchedSide(tx chainstream.Transaction) WatchedSide {
	fromWatched := f.registry.IsWatched(tx.From)
	toWatched := f.registry.IsWatched(tx.To)

	switch {
	case fromWatched && toWatched:
		return WatchedSideBoth
	case fromWatched:
		return WatchedSideFrom
	default:
		return WatchedSideTo
	}
}

// buildEvent assembles the emission for an admitted transaction.
func (f *transferFilter) buildEvent(eventType EventType, tx chainstream.Transaction) Event {
	from := strings.ToLower(tx.From)
	to := strings.ToLower(tx.To)

	event := Event{
		Type:          eventType,
		TxHash:        strings.ToLower(tx.Hash),
		From:          from,
		To:            to,
		ValueWei:      tx.Value,
		ValueEth:      weiToEth(tx.Value),
		BlockNumber:   tx.BlockNumber,
		WatchedSide:   f.watchedSide(tx),
		SeenInMempool: eventType == EventTypePending,
		Timestamp:     nowMillis(),
	}

	if label, ok := f.registry.Label(from); ok {
		event.FromLabel = label
	}
	if label, ok := f.registry.Label(to); ok {
		event.ToLabel = label
	}

	return event
}
