// Package main contains the entrypoint for feedr.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	tgbot "github.com/go-telegram/bot"
	"github.com/spf13/pflag"

	"github.com/edgard/feedr/internal/config"
	"github.com/edgard/feedr/internal/crawler"
	"github.com/edgard/feedr/internal/database"
	"github.com/edgard/feedr/internal/delivery"
	"github.com/edgard/feedr/internal/feed"
	"github.com/edgard/feedr/internal/logger"
	"github.com/edgard/feedr/internal/publisher"
	"github.com/edgard/feedr/internal/runner"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	exitCode := run(ctx, os.Args[1:])
	stop()
	os.Exit(exitCode)
}

// run wires config, logger, database, fetcher, publisher and runner together,
// performs the run (or runs on a schedule) and returns the process exit code.
func run(ctx context.Context, args []string) int {
	fs := pflag.NewFlagSet("feedr", pflag.ContinueOnError)
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: feedr [flags] FEED_URL...\n\nFlags:\n")
		fs.PrintDefaults()
	}
	config.RegisterFlags(fs)
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return 0
		}
		return 1
	}
	feeds := fs.Args()

	cfg, err := config.Load(fs)
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		return 1
	}

	log := logger.NewLogger(cfg.Log.Level, cfg.Log.Format)
	slog.SetDefault(log)
	log.Debug("Logger initialized", "level", cfg.Log.Level, "format", cfg.Log.Format)

	db, err := database.NewDB(cfg.Database)
	if err != nil {
		log.Error("Failed to open database", "path", cfg.Database, "error", err)
		return 1
	}
	defer database.CloseDB(db)
	store := database.NewStore(db, log)

	var botOpts []tgbot.Option
	if cfg.Telegram.ServerURL != "" {
		botOpts = append(botOpts, tgbot.WithServerURL(cfg.Telegram.ServerURL))
	}
	pub, err := publisher.NewTelegram(cfg.Telegram.Token, cfg.Telegram.ChatID, log, botOpts...)
	if err != nil {
		log.Error("Failed to create Telegram publisher", "error", err)
		return 1
	}

	fetcher := feed.NewHTTPFetcher(cfg.FetchTimeout, log)
	c := crawler.New(fetcher, store, store, nil, crawler.Options{
		Cutoff:       cfg.NewerThan,
		Delay:        cfg.Delay,
		Limits:       crawler.Limits{MaxLength: cfg.Message.MaxLength, LinkLength: cfg.Message.LinkLength},
		FetchTimeout: cfg.FetchTimeout,
	}, log)
	d := delivery.NewDispatcher(store, pub, nil, delivery.Options{
		Simulate:       cfg.Simulate,
		MaxAttempts:    cfg.MaxAttempts,
		PublishTimeout: cfg.PublishTimeout,
	}, log)
	r := runner.New(store, c, d, nil, runner.Options{
		MaxAttempts:         cfg.MaxAttempts,
		LockTTL:             cfg.LockTTL,
		Schedule:            cfg.Schedule,
		MaintenanceSchedule: cfg.MaintenanceSchedule,
		MetricsAddr:         cfg.MetricsAddr,
	}, log)

	if cfg.Simulate {
		log.Info("Simulation mode, nothing will be published")
	}

	err = r.Run(ctx, feeds)
	switch {
	case err == nil:
		return 0
	case errors.Is(err, runner.ErrRunInProgress):
		log.Warn("Another feedr run holds the lock, exiting")
		return 0
	case errors.Is(err, context.Canceled):
		log.Info("Run interrupted")
		return 1
	default:
		log.Error("Run failed", "error", err)
		return 1
	}
}
