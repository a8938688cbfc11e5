// Package chainstream turns a gappy stream of head-block notifications into
// an ordered, gap-free sequence of fully fetched blocks. It tracks the last
// processed block number, classifies every incoming head as in-order, gap,
// or stale, and drives sequential backfill across disconnections.
package chainstream

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/whalesignal/whalesignal/internal/pkg/logger"
	"github.com/whalesignal/whalesignal/internal/pkg/resilience/retry"
)

// ErrNotInitialized is returned by ProcessNewBlock before Initialize (or
// the first HandleReconnection) has established the high-water mark.
var ErrNotInitialized = errors.New("continuity engine not initialized")

// BackfillFailure describes a block that could not be fetched while filling
// a gap. The sequence advances past it; losing one block is preferable to
// stalling forever.
type BackfillFailure struct {
	Number uint64
	Err    error
}

// OnBlock is invoked for every sequenced block, in strictly ascending order.
type OnBlock func(ctx context.Context, block Block)

// OnBackfillFailure is invoked for every block skipped during backfill.
type OnBackfillFailure func(ctx context.Context, failure BackfillFailure)

// Engine is the block continuity engine. All entry points are serialized by
// an internal mutex: lastProcessed has a single writer at any instant.
type Engine struct {
	mu sync.Mutex

	client        Blockchain
	lastProcessed uint64
	initialized   bool

	onBlock           OnBlock
	onBackfillFailure OnBackfillFailure
	fetchRetry        retry.Retry
}

// config holds optional engine settings.
type config struct {
	onBackfillFailure OnBackfillFailure
	fetchRetry        retry.Retry
}

// Option configures the engine.
type Option func(*config)

// WithBackfillFailureHandler registers a callback for blocks skipped during
// backfill. By default failures are only logged.
func WithBackfillFailureHandler(f OnBackfillFailure) Option {
	return func(c *config) {
		c.onBackfillFailure = f
	}
}

// WithFetchRetry sets the retry policy applied to each backfill block fetch
// before the block is declared lost.
func WithFetchRetry(r retry.Retry) Option {
	return func(c *config) {
		c.fetchRetry = r
	}
}

// New creates an Engine delivering sequenced blocks to onBlock. The client
// reference is supplied later via HandleReconnection, which doubles as the
// initial attach point.
func New(onBlock OnBlock, opts ...Option) *Engine {
	cfg := config{
		onBackfillFailure: nil,
		fetchRetry:        retry.New(retry.WithAttempts(2)),
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	return &Engine{
		onBlock:           onBlock,
		onBackfillFailure: cfg.onBackfillFailure,
		fetchRetry:        cfg.fetchRetry,
	}
}

// Initialize records the node's current tip as the high-water mark without
// processing it. It is idempotent; streaming begins from the next head.
func (e *Engine) Initialize(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.initializeLocked(ctx)
}

func (e *Engine) initializeLocked(ctx context.Context) error {
	if e.initialized {
		return nil
	}
	if e.client == nil {
		return ErrNotInitialized
	}

	latest, err := e.client.BlockNumber(ctx)
	if err != nil {
		return err
	}

	e.lastProcessed = latest
	e.initialized = true

	logger.Info(ctx, "block_continuity: initialized", "block.number", latest)
	return nil
}

// LastProcessed returns the current high-water mark and whether the engine
// has been initialized.
func (e *Engine) LastProcessed() (uint64, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastProcessed, e.initialized
}

// SetClient repoints the engine at a new node client without any catch-up
// logic. HandleReconnection is the normal path; this exists for wiring.
func (e *Engine) SetClient(client Blockchain) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.client = client
}

// ProcessNewBlock classifies head number n against the expected next block:
//
//   - n == lastProcessed+1: fetch, deliver, advance.
//   - n > lastProcessed+1: gap — backfill [expected, n-1] in ascending
//     order with per-block error tolerance, then process n in order.
//   - n <= lastProcessed: stale duplicate (or shallow reorg echo); ignored.
//
// An error fetching the in-order head itself is propagated to the caller;
// lastProcessed is not advanced past it.
func (e *Engine) ProcessNewBlock(ctx context.Context, n uint64) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.initialized {
		return ErrNotInitialized
	}

	if n <= e.lastProcessed {
		logger.Debug(ctx, "block_continuity: stale head ignored",
			"block.number", n,
			"block.last_processed", e.lastProcessed,
		)
		return nil
	}

	expected := e.lastProcessed + 1
	if n > expected {
		logger.Warn(ctx, fmt.Sprintf("block_continuity: gap detected, backfilling %d blocks", n-expected),
			"block.from", expected,
			"block.to", n-1,
		)
		e.backfillLocked(ctx, expected, n-1)
	}

	block, err := e.client.BlockByNumber(ctx, n)
	if err != nil {
		return fmt.Errorf("fetching block %d: %w", n, err)
	}

	e.onBlock(ctx, block)
	e.lastProcessed = n
	return nil
}

// HandleReconnection repoints the engine at newClient and reconciles the
// high-water mark against the new node's tip: backfill forward if it is
// ahead, warn and trust the new tip if it is behind (possible reorg).
func (e *Engine) HandleReconnection(ctx context.Context, newClient Blockchain) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.client = newClient

	if !e.initialized {
		return e.initializeLocked(ctx)
	}

	latest, err := newClient.BlockNumber(ctx)
	if err != nil {
		return err
	}

	switch {
	case latest > e.lastProcessed:
		logger.Info(ctx, "block_continuity: catching up after reconnection",
			"block.from", e.lastProcessed+1,
			"block.to", latest,
		)
		e.backfillLocked(ctx, e.lastProcessed+1, latest)

	case latest < e.lastProcessed:
		logger.Warn(ctx, "block_continuity: node tip behind last processed block, possible reorg",
			"block.last_processed", e.lastProcessed,
			"block.node_tip", latest,
		)
		e.lastProcessed = latest
	}

	return nil
}

// backfillLocked fetches and delivers every block in [from, to] in
// ascending order. A block that still fails after retries is reported and
// skipped; lastProcessed advances past it so the sequence never stalls.
func (e *Engine) backfillLocked(ctx context.Context, from, to uint64) {
	for k := from; k <= to; k++ {
		var block Block
		err := e.fetchRetry.Execute(ctx, func() error {
			var fetchErr error
			block, fetchErr = e.client.BlockByNumber(ctx, k)
			return fetchErr
		})

		if err != nil {
			logger.Error(ctx, "block_continuity: backfill fetch failed, skipping block",
				"block.number", k,
				"error", err,
			)
			if e.onBackfillFailure != nil {
				e.onBackfillFailure(ctx, BackfillFailure{Number: k, Err: err})
			}
			e.lastProcessed = k
			continue
		}

		e.onBlock(ctx, block)
		e.lastProcessed = k
	}
}
