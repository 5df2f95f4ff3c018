package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/ent0n29/agentrunner/internal/app"
	"github.com/ent0n29/agentrunner/internal/config"
	"github.com/ent0n29/agentrunner/internal/logging"
)

func main() {
	boot := logging.New(false, "runner")

	cfg, err := config.Load()
	if err != nil {
		boot.Fatal().Err(err).Msg("config error")
	}
	cfg.AddFlags(pflag.CommandLine)
	pflag.Parse()
	if err := cfg.Validate(); err != nil {
		boot.Fatal().Err(err).Msg("config error")
	}

	log := logging.For(cfg.LogJSON, cfg.Debug, "runner")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	res, err := app.Build(ctx, cfg, nil, log)
	if err != nil {
		log.Fatal().Err(err).Msg("build failed")
	}
	defer func() {
		if err := res.Cleanup(); err != nil {
			log.Error().Err(err).Msg("cleanup failed")
		}
	}()

	res.Sessions.StartJanitor(ctx, 5*time.Second)

	httpServer := &http.Server{
		Addr:              cfg.BindAddr(),
		Handler:           res.API.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Info().
			Str("addr", cfg.BindAddr()).
			Str("dispatch", res.Dispatcher.Strategy()).
			Dur("max_session_time", cfg.MaxSessionTime).
			Int("allowed_hosts", len(cfg.HostAllowList)).
			Msg("server listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("listen error")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Info().Msg("shutdown signal received")

	cancel()
	shutdownCtx, stop := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer stop()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("graceful shutdown failed")
		_ = httpServer.Close()
	}

	log.Info().Msg("shutdown complete")
}
