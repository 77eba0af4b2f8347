// Package main runs the slotwatch server: one pipeline worker, the status notifier and the http
// api.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"

	"go.spotsense.io/slotwatch/config"
	"go.spotsense.io/slotwatch/logging"
	"go.spotsense.io/slotwatch/web/server"
)

func main() {
	logger := logging.NewLogger("slotwatch")

	app := &cli.App{
		Name:  "slotwatch",
		Usage: "watch parking slots in a camera feed",
		Flags: []cli.Flag{
			&cli.PathFlag{Name: "config", Aliases: []string{"c"}, Usage: "load configuration from `FILE`"},
			&cli.StringFlag{Name: "source", Usage: "frame source type: imagedir, mjpeg, rtsp or fake"},
			&cli.StringFlag{Name: "source-path", Usage: "directory or camera url of the source"},
			&cli.PathFlag{Name: "layout", Usage: "layout `FILE`"},
			&cli.StringFlag{Name: "bind", Usage: "address the api listens on"},
			&cli.IntFlag{Name: "threshold", Usage: "foreground pixel count above which a slot is occupied"},
			&cli.IntFlag{Name: "max-skip", Value: -1, DefaultText: "from config", Usage: "upper bound of skipped frames"},
			&cli.DurationFlag{Name: "window", Usage: "per-slot notification window"},
			&cli.BoolFlag{Name: "debug", Aliases: []string{"vvv"}, Usage: "enable debug logging"},
		},
		Action: func(c *cli.Context) error {
			args := server.Arguments{
				ConfigFile: c.Path("config"),
				SourceType: c.String("source"),
				SourcePath: c.String("source-path"),
				LayoutFile: c.Path("layout"),
				Bind:       c.String("bind"),
				Threshold:  c.Int("threshold"),
				MaxSkip:    c.Int("max-skip"),
				Window:     c.Duration("window"),
				Debug:      c.Bool("debug"),
			}
			if args.Debug {
				logger = logging.NewDebugLogger("slotwatch")
			}
			ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
			defer stop()
			return server.RunServer(ctx, args, logger)
		},
	}

	if err := app.RunContext(context.Background(), os.Args); err != nil {
		if config.IsConfigError(err) {
			logger.Errorw("invalid configuration", "error", err)
		} else {
			logger.Errorw("server exited", "error", err)
		}
		//nolint:errcheck
		logger.Sync()
		os.Exit(1)
	}
}
