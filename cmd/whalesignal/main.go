package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/whalesignal/whalesignal/internal/config"
	"github.com/whalesignal/whalesignal/internal/endpointpool"
	"github.com/whalesignal/whalesignal/internal/handlers/cli"
	"github.com/whalesignal/whalesignal/internal/infra/blockchain/ethereum"
	"github.com/whalesignal/whalesignal/internal/pkg/transport/wsrpc"
	"github.com/whalesignal/whalesignal/internal/transferwatch"
	"github.com/whalesignal/whalesignal/internal/walletregistry"
)

func main() {
	if err := cli.Run(context.Background(), buildPipeline); err != nil {
		fmt.Fprintf(os.Stderr, "whalesignal: %v\n", err)
		os.Exit(1)
	}
}

// buildPipeline wires the watcher from a loaded configuration: watch-list
// registry, endpoint pool with a websocket dialer, and the transfer
// detection service on top.
func buildPipeline(ctx context.Context, cfg *config.Config) (transferwatch.Service, error) {
	registry, err := walletregistry.New(cfg.Watched)
	if err != nil {
		return nil, err
	}

	dial := func(ctx context.Context, endpoint string) (endpointpool.Client, error) {
		return ethereum.Dial(ctx, endpoint, wsrpc.WithRequestTimeout(cfg.RequestTimeout))
	}

	pool, err := endpointpool.New(cfg.Endpoints, dial,
		endpointpool.WithBaseDelay(cfg.BaseDelay),
		endpointpool.WithMaxCooldown(cfg.MaxCooldown),
		endpointpool.WithHealthCheckInterval(cfg.HealthCheckInterval),
		endpointpool.WithProbeTimeout(cfg.RequestTimeout),
	)
	if err != nil {
		return nil, err
	}

	svc := transferwatch.New(pool, registry, cfg.ThresholdWei, stdoutSink,
		transferwatch.WithDedupRetention(cfg.DedupRetention),
		transferwatch.WithPendingConcurrency(cfg.PendingConcurrency),
	)
	return svc, nil
}

// stdoutSink renders each transfer event as one JSON line on stdout. The
// core does not retry emissions, so failures are deliberately ignored.
func stdoutSink(event transferwatch.Event) {
	line, err := json.Marshal(map[string]any{
		"type":            event.Type,
		"tx_hash":         event.TxHash,
		"from":            event.From,
		"from_label":      event.FromLabel,
		"to":              event.To,
		"to_label":        event.ToLabel,
		"value_wei":       event.ValueWei.String(),
		"value_eth":       event.ValueEth,
		"block_number":    event.BlockNumber,
		"watched_side":    event.WatchedSide,
		"seen_in_mempool": event.SeenInMempool,
		"timestamp_ms":    event.Timestamp,
	})
	if err != nil {
		return
	}

	fmt.Fprintln(os.Stdout, string(line))
}
