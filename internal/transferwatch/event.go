package transferwatch

import (
	"math/big"
	"time"

	"github.com/shopspring/decimal"
)

// EventType distinguishes mempool sightings from confirmed inclusions.
type EventType string

const (
	// EventTypePending marks a transfer observed in the mempool.
	EventTypePending EventType = "pending"

	// EventTypeConfirmed marks a transfer observed in a confirmed block.
	EventTypeConfirmed EventType = "confirmed"
)

// WatchedSide records which side(s) of the transfer matched the watch-list.
type WatchedSide string

const (
	WatchedSideFrom WatchedSide = "from"
	WatchedSideTo   WatchedSide = "to"
	WatchedSideBoth WatchedSide = "both"
)

// Event is the structured transfer notification handed to the Sink. The
// core retains no reference to it after emission.
type Event struct {
	Type          EventType
	TxHash        string
	From          string
	To            string
	FromLabel     string
	ToLabel       string
	ValueWei      *big.Int
	ValueEth      string // exact decimal rendering, 18-digit scale
	BlockNumber   *uint64
	WatchedSide   WatchedSide
	SeenInMempool bool
	Timestamp     int64 // wall-clock epoch milliseconds
}

// Sink receives every emitted transfer event. It is supplied by the caller
// and should not block; emissions are not retried.
type Sink func(event Event)

// weiToEth renders a wei amount as an exact decimal ETH string. Decimal
// shift, never floating point: 1 wei is "0.000000000000000001".
func weiToEth(wei *big.Int) string {
	return decimal.NewFromBigInt(wei, -18).String()
}

// nowMillis is the event timestamp source, overridable in tests.
var nowMillis = func() int64 {
	return time.Now().UnixMilli()
}
