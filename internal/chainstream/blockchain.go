package chainstream

import "context"

// Blockchain is the narrow view of a node client the continuity engine
// needs: the chain tip and full blocks by number.
type Blockchain interface {
	// BlockNumber returns the number of the latest block known to the node.
	BlockNumber(ctx context.Context) (uint64, error)

	// BlockByNumber retrieves the block at the given number with full
	// transaction bodies.
	BlockByNumber(ctx context.Context, number uint64) (Block, error)
}
