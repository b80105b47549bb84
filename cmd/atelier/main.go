package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/northlight-studio/atelier/internal/api"
	"github.com/northlight-studio/atelier/internal/assist"
	"github.com/northlight-studio/atelier/internal/config"
	"github.com/northlight-studio/atelier/internal/store"
)

func configureLogger(logLevel string, useDev bool) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(strings.TrimSpace(logLevel)) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}
	if useDev {
		return slog.New(slog.NewTextHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}

func main() {
	configPath := flag.String("config", "atelier.toml", "path to config file")
	dev := flag.Bool("dev", false, "use text log format (default is JSON)")
	flag.Parse()

	// Local .env files carry upstream credentials in development.
	godotenv.Load()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	logger.Info("atelier starting", "config", *configPath)

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger = configureLogger(cfg.General.LogLevel, *dev)
	slog.SetDefault(logger)

	dbPath := config.ExpandHome(cfg.General.StateDB)
	st, err := store.Open(dbPath)
	if err != nil {
		logger.Error("failed to open store", "path", dbPath, "error", err)
		os.Exit(1)
	}
	defer st.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var assistManager *assist.Manager
	if cfg.Assist.Enabled {
		assistManager = assist.NewManager(cfg.Assist, st, nil, logger.With("component", "assist"))
	}

	apiSrv, err := api.NewServer(cfg, st, assistManager, logger.With("component", "api"))
	if err != nil {
		logger.Error("failed to create api server", "error", err)
		os.Exit(1)
	}
	defer apiSrv.Close()

	go func() {
		if err := apiSrv.Start(ctx); err != nil {
			logger.Error("api server error", "error", err)
		}
	}()

	logger.Info("atelier running",
		"bind", cfg.API.Bind,
		"state_db", dbPath,
		"assist_enabled", cfg.Assist.Enabled,
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	shutdownStart := time.Now()
	logger.Info("received signal, shutting down", "signal", sig)
	cancel()

	if assistManager != nil {
		assistManager.Shutdown()
	}

	logger.Info("atelier stopped", "shutdown_duration", time.Since(shutdownStart).String())
}
