package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/onexay/notepub/internal/config"
	"github.com/onexay/notepub/internal/httpserver"
	"github.com/onexay/notepub/internal/logger"
)

func main() {
	cfg := config.Load()
	log := logger.Setup(os.Stdout, cfg.LogLevel)
	slog.SetDefault(log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv, err := httpserver.NewServer(ctx, cfg, log)
	if err != nil {
		log.Error("failed to initialize server", slog.String("error", err.Error()))
		os.Exit(1)
	}

	if err := srv.Run(ctx); err != nil {
		log.Error("server terminated", slog.String("error", err.Error()))
		os.Exit(1)
	}
}
