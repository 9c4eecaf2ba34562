package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/boxplanner/boxplanner/pkg/boxclient"
	"github.com/boxplanner/boxplanner/pkg/core"
	"github.com/boxplanner/boxplanner/pkg/history"
	"github.com/boxplanner/boxplanner/pkg/log"
	"github.com/boxplanner/boxplanner/pkg/planstore"
	"github.com/boxplanner/boxplanner/pkg/provider"
	"github.com/boxplanner/boxplanner/pkg/server"
	"github.com/boxplanner/boxplanner/pkg/shield"
	"github.com/boxplanner/boxplanner/pkg/weather"

	"github.com/joho/godotenv"
	"github.com/levenlabs/go-lflag"
	"github.com/levenlabs/go-llog"
)

func main() {
	// flags can come from a .env file next to the binary
	_ = godotenv.Load()

	// init packages
	boxID := lflag.String("box-id", "box", "Identifier of the Battery Box")
	store := planstore.Configured(boxID)
	journal := history.Configured()
	poller := boxclient.Configured(boxID)
	prov := provider.Configured()
	watcher := weather.Configured()
	sh := shield.Configured()
	c := core.Configured(poller, prov, watcher, store, journal, sh, boxID)

	// init server
	srv := server.Configured(c, store, journal)

	// parse flags
	lflag.Configure()

	var level slog.Level
	// lflag automatically sets llog's level, but we need to set the slog level
	switch llog.GetLevel() {
	case llog.DebugLevel:
		level = slog.LevelDebug
	case llog.InfoLevel:
		level = slog.LevelInfo
	case llog.WarnLevel:
		level = slog.LevelWarn
	case llog.ErrorLevel:
		level = slog.LevelError
	default:
		panic(fmt.Errorf("unknown log level: %s", llog.GetLevel().String()))
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)
	slog.Debug("logger configured", slog.String("level", level.String()))

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	defer func() {
		if err := journal.Close(); err != nil {
			log.Ctx(ctx).ErrorContext(ctx, "failed to close history db", "error", err)
		}
	}()

	errChan := make(chan error, 1)
	go func() {
		errChan <- srv.Run(ctx)
	}()

	// Run blocks until the context is canceled
	if err := c.Run(ctx); err != nil && ctx.Err() == nil {
		log.Ctx(ctx).ErrorContext(ctx, "core failed", "error", err)
		os.Exit(1)
	}
	if err := <-errChan; err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "server failed", "error", err)
		os.Exit(1)
	}
	log.Ctx(ctx).InfoContext(ctx, "exited cleanly")
}
