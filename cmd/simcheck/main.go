package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/jackthetoga/TradingSim/internal/app"
	"github.com/jackthetoga/TradingSim/internal/replay"
)

// simcheck loads one (symbol, day) and verifies the replay series are
// well formed: time-sorted, mergeable, and synthesizable. Useful after
// downloading new data.

func main() {
	var (
		symbol     = flag.String("symbol", "", "Symbol to check (required)")
		day        = flag.String("day", "", "Day in YYYY-MM-DD (required)")
		configPath = flag.String("config", "config.yaml", "Path to config.yaml")
		dataDir    = flag.String("data", "", "Optional override for data.dir")
		tf         = flag.String("tf", "", "Bar timeframe (1s, 10s, 1m, 5m; default from config)")
		dotenvPath = flag.String("dotenv", ".env", "Optional .env file path")
	)
	flag.Parse()

	if strings.TrimSpace(*symbol) == "" || strings.TrimSpace(*day) == "" {
		exitf("missing -symbol or -day")
	}

	level := slog.LevelWarn
	if strings.EqualFold(strings.TrimSpace(os.Getenv("LOG_LEVEL")), "debug") {
		level = slog.LevelDebug
	}
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	if err := app.LoadDotEnv(*dotenvPath); err != nil {
		log.Warn("failed loading .env", "path", *dotenvPath, "err", err)
	}
	cfg, err := app.LoadConfig(*configPath)
	if err != nil {
		exitf("failed to load config: %v", err)
	}
	if *dataDir != "" {
		cfg.Data.Dir = *dataDir
	}

	var src replay.Source
	if cfg.Data.Source == "sqlite" {
		src = replay.NewSqliteSource(log, cfg.Data.Dir, cfg.Data.Timezone)
	} else {
		src = replay.NewFileSource(log, cfg.Data.Dir, cfg.Data.Timezone)
	}

	barTF := strings.TrimSpace(*tf)
	if barTF == "" {
		barTF = cfg.Data.DefaultTF
	}

	started := time.Now()
	d, err := src.LoadDay(context.Background(), strings.ToUpper(strings.TrimSpace(*symbol)), strings.TrimSpace(*day), barTF)
	if err != nil {
		exitf("load failed: %v", err)
	}

	lo, hi := d.Bounds()
	fmt.Printf("dataset   %s %s tf=%s\n", d.Symbol, d.Day, d.TF)
	fmt.Printf("loaded    %s\n", time.Since(started).Round(time.Millisecond))
	fmt.Printf("books     %d\n", len(d.BookTS))
	fmt.Printf("trades    %d\n", len(d.TradeTS))
	fmt.Printf("bars      %d\n", len(d.BarTS))
	fmt.Printf("range     %s .. %s\n",
		time.Unix(0, lo).In(d.Location()).Format("2006-01-02 15:04:05.000 MST"),
		time.Unix(0, hi).In(d.Location()).Format("2006-01-02 15:04:05.000 MST"),
	)

	problems := 0
	problems += checkSorted("books", d.BookTS)
	problems += checkSorted("trades", d.TradeTS)
	problems += checkSorted("bars", d.BarTS)

	// drive a full-speed merge and verify batch timestamps never go
	// backwards
	mux, err := replay.NewMultiplexer(log, d, lo, 1e12, replay.WhatAll, time.Hour)
	if err != nil {
		exitf("multiplexer: %v", err)
	}
	batches := make(chan replay.Batch, 256)
	done := make(chan error, 1)
	go func() {
		done <- mux.Run(context.Background(), batches)
		close(batches)
	}()
	var prev int64 = -1
	var nBatches, nEvents int
	for b := range batches {
		if b.TS < prev {
			fmt.Printf("FAIL      merge went backwards at %d (prev %d)\n", b.TS, prev)
			problems++
		}
		prev = b.TS
		nBatches++
		nEvents += len(b.Items)
	}
	if err := <-done; err != nil {
		exitf("merge failed: %v", err)
	}
	fmt.Printf("merge     %d batches, %d events\n", nBatches, nEvents)

	// spot-check snapshot assembly at the midpoint
	mid := lo + (hi-lo)/2
	snap := d.BuildSnapshot(mid, 20, 50)
	fmt.Printf("snapshot  ts=%d book=%v trades=%d candles=%d\n",
		snap.TS, snap.Book != nil, len(snap.Trades), len(snap.Candles))

	if problems > 0 {
		exitf("%d problem(s) found", problems)
	}
	fmt.Println("ok")
}

func checkSorted(name string, ts []int64) int {
	for i := 1; i < len(ts); i++ {
		if ts[i] < ts[i-1] {
			fmt.Printf("FAIL      %s not sorted at index %d\n", name, i)
			return 1
		}
	}
	return 0
}

func exitf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
