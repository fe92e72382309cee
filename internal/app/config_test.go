package app

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadConfigMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("missing file must not error: %v", err)
	}
	if cfg.Server.Port != 8000 || cfg.Data.Source != "dbn" || cfg.Data.DefaultTF != "1s" {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if cfg.Replay.MinPace.Duration != time.Millisecond || cfg.Replay.TradeLimit != 50 {
		t.Fatalf("unexpected replay defaults: %+v", cfg.Replay)
	}
	if !cfg.Sim.AllowShortingOn() {
		t.Fatalf("shorting must default to on")
	}
}

func TestLoadConfigOverrides(t *testing.T) {
	path := writeConfig(t, `
server:
  host: 127.0.0.1
  port: 9000
data:
  dir: /tmp/mkt
  source: sqlite
  timezone: America/Chicago
  default_tf: 1m
replay:
  min_pace: 5ms
  trade_limit: 200
  window_bars: 40
  catalog_ttl: 30s
  cache_days: 3
sim:
  take_participation: 0.5
  passive_participation: 0.25
  buying_power_enabled: true
  buying_power: 25000
  allow_shorting: false
`)
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Host != "127.0.0.1" || cfg.Server.Port != 9000 {
		t.Fatalf("server: %+v", cfg.Server)
	}
	if cfg.Data.Source != "sqlite" || cfg.Data.DefaultTF != "1m" || cfg.Data.Timezone != "America/Chicago" {
		t.Fatalf("data: %+v", cfg.Data)
	}
	if cfg.Replay.MinPace.Duration != 5*time.Millisecond || cfg.Replay.CatalogTTL.Duration != 30*time.Second {
		t.Fatalf("replay: %+v", cfg.Replay)
	}
	if cfg.Sim.TakeParticipation != 0.5 || !cfg.Sim.BuyingPowerEnabled || cfg.Sim.BuyingPower != 25000 {
		t.Fatalf("sim: %+v", cfg.Sim)
	}
	if cfg.Sim.AllowShortingOn() {
		t.Fatalf("allow_shorting=false must disable shorting")
	}
}

func TestLoadConfigClampsOutOfRangeValues(t *testing.T) {
	path := writeConfig(t, `
replay:
  trade_limit: 9999
  window_bars: -1
sim:
  take_participation: 7.0
  passive_participation: -0.5
  buying_power: -10
`)
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Replay.TradeLimit != 500 {
		t.Fatalf("trade_limit must clamp to 500, got %d", cfg.Replay.TradeLimit)
	}
	if cfg.Replay.WindowBars != 20 {
		t.Fatalf("window_bars must fall back to 20, got %d", cfg.Replay.WindowBars)
	}
	if cfg.Sim.TakeParticipation != 1.0 || cfg.Sim.PassiveParticipation != 1.0 {
		t.Fatalf("participations must fall back to 1.0: %+v", cfg.Sim)
	}
	if cfg.Sim.BuyingPower != 100_000 {
		t.Fatalf("buying_power must fall back to the default, got %v", cfg.Sim.BuyingPower)
	}
}

func TestLoadConfigRejectsBadSourceAndTF(t *testing.T) {
	if _, err := LoadConfig(writeConfig(t, "data:\n  source: csv\n")); err == nil {
		t.Fatalf("expected error for unknown source")
	}
	if _, err := LoadConfig(writeConfig(t, "data:\n  default_tf: 2m\n")); err == nil {
		t.Fatalf("expected error for unsupported timeframe")
	}
	if _, err := LoadConfig(writeConfig(t, "server: [not a map\n")); err == nil {
		t.Fatalf("expected error for invalid yaml")
	}
}

func TestDurationUnmarshalRejectsNonScalar(t *testing.T) {
	if _, err := LoadConfig(writeConfig(t, "replay:\n  min_pace: [1ms]\n")); err == nil {
		t.Fatalf("expected error for non-scalar duration")
	}
}
