package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/jackthetoga/TradingSim/internal/app"
	"github.com/jackthetoga/TradingSim/internal/replay"
)

func main() {
	var (
		configPath = flag.String("config", "config.yaml", "Path to config.yaml")
		dataDir    = flag.String("data", "", "Optional override for data.dir")
		dotenvPath = flag.String("dotenv", ".env", "Optional .env file path")
	)
	flag.Parse()

	level := slog.LevelInfo
	switch strings.ToLower(strings.TrimSpace(os.Getenv("LOG_LEVEL"))) {
	case "debug":
		level = slog.LevelDebug
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	log := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level}))

	if err := app.LoadDotEnv(*dotenvPath); err != nil {
		log.Warn("failed loading .env", "path", *dotenvPath, "err", err)
	}

	cfg, err := app.LoadConfig(*configPath)
	if err != nil {
		log.Error("failed to load config", "err", err)
		os.Exit(1)
	}
	if *dataDir != "" {
		cfg.Data.Dir = *dataDir
	}
	if _, err := os.Stat(cfg.Data.Dir); err != nil {
		log.Error("data directory not found", "dir", cfg.Data.Dir)
		os.Exit(1)
	}

	var src replay.Source
	if cfg.Data.Source == "sqlite" {
		src = replay.NewSqliteSource(log, cfg.Data.Dir, cfg.Data.Timezone)
	} else {
		src = replay.NewFileSource(log, cfg.Data.Dir, cfg.Data.Timezone)
	}
	store := replay.NewStore(log, src, cfg.Replay.CacheDays)
	catalog := replay.NewCatalog(log, cfg.Data.Dir, cfg.Data.Source, cfg.Data.Timezone, cfg.Replay.CatalogTTL.Duration)

	srv := app.NewServer(log, cfg, store, catalog, app.NewMetrics())
	log.Info(
		"startup",
		"browser_url", browserURL(cfg.Server.Host, cfg.Server.Port),
		"health_url", fmt.Sprintf("%s/api/health", browserURL(cfg.Server.Host, cfg.Server.Port)),
		"data_dir", cfg.Data.Dir,
		"source", cfg.Data.Source,
		"tf", cfg.Data.DefaultTF,
		"timezone", cfg.Data.Timezone,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		sigCh := make(chan os.Signal, 2)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		cancel()
	}()

	if err := srv.Run(ctx); err != nil {
		log.Error("server stopped with error", "err", err)
		os.Exit(1)
	}
}

func browserURL(host string, port int) string {
	h := strings.TrimSpace(host)
	if h == "" || h == "0.0.0.0" || h == "::" || h == "[::]" {
		h = "localhost"
	}
	return fmt.Sprintf("http://%s:%d", h, port)
}
