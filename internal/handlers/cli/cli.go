// Package cli exposes the whalesignal command-line surface. The heavy
// lifting (pool, continuity, detection pipeline) is constructed by the
// injected builder; this package only parses flags, loads configuration,
// and manages process lifecycle.
package cli

import (
	"context"
	"os"

	"github.com/whalesignal/whalesignal/internal/config"
	"github.com/whalesignal/whalesignal/internal/transferwatch"

	"github.com/urfave/cli/v3"
)

// PipelineBuilder constructs the watcher service from a loaded Config.
// It is injected by main so this package stays free of wiring concerns.
type PipelineBuilder func(ctx context.Context, cfg *config.Config) (transferwatch.Service, error)

// Run initializes and executes the whalesignal CLI application.
//
// Commands:
//
//   - `start`: connects to the configured endpoints and streams transfer
//     events until interrupted.
func Run(ctx context.Context, build PipelineBuilder) error {
	app := &cli.Command{
		EnableShellCompletion: true,
		Name:                  "whalesignal",
		Description:           "Watches an EVM network for large native-token transfers touching a curated wallet list.",
		Usage:                 "whalesignal [command] [flags]",
		Commands: []*cli.Command{
			startCommand(build),
		},
	}

	return app.Run(ctx, os.Args)
}
