package transferwatch

import (
	"errors"
	"strings"

	"github.com/whalesignal/whalesignal/internal/pkg/transport/wsrpc"
)

// methodNotFoundCode is the JSON-RPC error code for an unknown method or
// subscription channel; it is the structured capability signal checked
// before falling back to text matching.
const methodNotFoundCode = -32601

// unsupportedMarkers are the free-text fallbacks for providers that reject
// the mempool subscription without a structured error code.
var unsupportedMarkers = []string{
	"not supported",
	"not available",
	"unsupported",
	"method not found",
}

// isPendingUnsupported reports whether a pending-subscription failure means
// the provider does not offer the mempool firehose at all, as opposed to a
// transient fault.
func isPendingUnsupported(err error) bool {
	if err == nil {
		return false
	}

	var rpcErr *wsrpc.RPCError
	if errors.As(err, &rpcErr) && rpcErr.Code == methodNotFoundCode {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, marker := range unsupportedMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
