// Command feedroom joins a multi-writer chat room built from single-writer
// feeds.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v3"

	"github.com/kabili207/feedroom/internal/config"
)

var (
	// Build information. Populated at build-time via -ldflags flag.
	version = "dev"
	commit  = "HEAD"
)

// Flags are the global options shared by all commands.
type Flags struct {
	ConfigPath string
	LogLevel   string
	Config     *config.Config
}

func main() {
	flags := &Flags{}

	app := &cli.Command{
		Name:    "feedroom",
		Usage:   "Chat rooms over single-writer feeds",
		Version: fmt.Sprintf("%s (%s)", version, commit),
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "config",
				Aliases:     []string{"c"},
				Usage:       "path to config file",
				Sources:     cli.EnvVars("FEEDROOM_CONFIG"),
				Value:       "feedroom.yaml",
				Destination: &flags.ConfigPath,
			},
			&cli.StringFlag{
				Name:        "log-level",
				Usage:       "log level (debug, info, warn, error)",
				Sources:     cli.EnvVars("FEEDROOM_LOG_LEVEL"),
				Destination: &flags.LogLevel,
			},
		},
		Before: func(ctx context.Context, c *cli.Command) (context.Context, error) {
			cfg, err := config.Load(flags.ConfigPath)
			if err != nil {
				return ctx, fmt.Errorf("load config: %w", err)
			}
			if flags.LogLevel != "" {
				cfg.LogLevel = flags.LogLevel
			}
			level, err := cfg.Level()
			if err != nil {
				return ctx, err
			}
			setupLogger(level)
			flags.Config = cfg
			return ctx, nil
		},
	}

	app = NewChatCmd(flags).Register(app)
	app = NewDeriveCmd(flags).Register(app)
	app = NewKeygenCmd(flags).Register(app)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := app.Run(ctx, os.Args); err != nil {
		slog.Error("feedroom failed", "error", err)
		stop()
		os.Exit(1)
	}
}

func setupLogger(level slog.Level) {
	h := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	slog.SetDefault(slog.New(h))
}
