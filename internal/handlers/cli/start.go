package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/whalesignal/whalesignal/internal/config"
	"github.com/whalesignal/whalesignal/internal/pkg/logger"
	"github.com/whalesignal/whalesignal/internal/pkg/telemetry"

	"github.com/urfave/cli/v3"
)

// startCommand returns the CLI command that runs the watcher until it
// receives an interrupt (SIGINT or SIGTERM).
//
// Usage example:
//
//	whalesignal start \
//	  --endpoint wss://base-rpc.publicnode.com \
//	  --threshold 100 \
//	  --watch exchange-hot:0xabc... --watch exchange-cold:0xdef...
//
// Every flag falls back to its WHALESIGNAL_* environment variable.
func startCommand(build PipelineBuilder) *cli.Command {
	return &cli.Command{
		Name:        "start",
		Description: "Starts the transfer watcher: endpoint pool, block continuity, and mempool/confirmed detection.",
		Usage:       "Streams transfer events to stdout. Terminates gracefully on Ctrl+C or termination signals.",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "endpoint",
				Usage: "Primary streaming RPC endpoint (wss:// or ws://); built-in fallbacks are appended",
			},
			&cli.StringFlag{
				Name:  "threshold",
				Usage: "Minimum transfer value to report, in whole-token units (exact decimal)",
			},
			&cli.StringSliceFlag{
				Name:  "watch",
				Usage: "Watched wallet as label:address; repeatable",
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "Log level (debug, info, warn, error)",
			},
			&cli.BoolFlag{
				Name:  "telemetry",
				Usage: "Export OTLP telemetry over gRPC",
			},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			cfg, err := config.Load(configOverrides(c)...)
			if err != nil {
				return err
			}

			// Telemetry first: logger.Init only attaches the OTEL bridge
			// core if a LoggerProvider is already registered.
			if cfg.Telemetry {
				shutdown, err := telemetry.Init(ctx, "whalesignal")
				if err != nil {
					return err
				}
				defer func() { _ = shutdown(context.Background()) }()
			}

			if err := logger.Init(logger.WithLevel(cfg.LogLevel)); err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			svc, err := build(ctx, cfg)
			if err != nil {
				return err
			}

			quit := make(chan os.Signal, 1)
			defer close(quit)
			signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

			if err := svc.Start(ctx); err != nil {
				return err
			}
			defer svc.Close()

			<-quit
			return nil
		},
	}
}

// configOverrides translates the flags the operator actually set into
// config options, so unset flags defer to the environment.
func configOverrides(c *cli.Command) []config.Option {
	var opts []config.Option

	if c.IsSet("endpoint") {
		opts = append(opts, config.WithEndpoint(c.String("endpoint")))
	}
	if c.IsSet("threshold") {
		opts = append(opts, config.WithThresholdEth(c.String("threshold")))
	}
	if c.IsSet("watch") {
		opts = append(opts, config.WithWatch(c.StringSlice("watch")))
	}
	if c.IsSet("log-level") {
		opts = append(opts, config.WithLogLevel(c.String("log-level")))
	}
	if c.IsSet("telemetry") {
		opts = append(opts, config.WithTelemetry(c.Bool("telemetry")))
	}

	return opts
}
