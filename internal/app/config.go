package app

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Duration struct{ time.Duration }

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be scalar")
	}
	dd, err := time.ParseDuration(value.Value)
	if err != nil {
		return err
	}
	d.Duration = dd
	return nil
}

type Config struct {
	Server ServerConfig `yaml:"server"`
	Data   DataConfig   `yaml:"data"`
	Replay ReplayConfig `yaml:"replay"`
	Sim    SimConfig    `yaml:"sim"`
}

type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

type DataConfig struct {
	Dir       string `yaml:"dir"`
	Source    string `yaml:"source"` // dbn | sqlite
	Timezone  string `yaml:"timezone"`
	DefaultTF string `yaml:"default_tf"`
}

type ReplayConfig struct {
	MinPace    Duration `yaml:"min_pace"`
	TradeLimit int      `yaml:"trade_limit"`
	WindowBars int      `yaml:"window_bars"`
	CatalogTTL Duration `yaml:"catalog_ttl"`
	CacheDays  int      `yaml:"cache_days"`
}

type SimConfig struct {
	TakeParticipation    float64 `yaml:"take_participation"`
	PassiveParticipation float64 `yaml:"passive_participation"`
	BuyingPowerEnabled   bool    `yaml:"buying_power_enabled"`
	BuyingPower          float64 `yaml:"buying_power"`
	AllowShorting        *bool   `yaml:"allow_shorting"`
}

func defaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 8000,
		},
		Data: DataConfig{
			Dir:       "./data",
			Source:    "dbn",
			Timezone:  "America/New_York",
			DefaultTF: "1s",
		},
		Replay: ReplayConfig{
			MinPace:    Duration{time.Millisecond},
			TradeLimit: 50,
			WindowBars: 20,
			CatalogTTL: Duration{5 * time.Second},
			CacheDays:  8,
		},
		Sim: SimConfig{
			TakeParticipation:    1.0,
			PassiveParticipation: 1.0,
			BuyingPowerEnabled:   false,
			BuyingPower:          100_000,
		},
	}
}

func LoadConfig(path string) (Config, error) {
	cfg := defaultConfig()

	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, nil
	}
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}

	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8000
	}
	if cfg.Data.Dir == "" {
		cfg.Data.Dir = "./data"
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Data.Source)) {
	case "", "dbn":
		cfg.Data.Source = "dbn"
	case "sqlite":
		cfg.Data.Source = "sqlite"
	default:
		return Config{}, fmt.Errorf("data.source must be dbn or sqlite, got %q", cfg.Data.Source)
	}
	if cfg.Data.Timezone == "" {
		cfg.Data.Timezone = "America/New_York"
	}
	switch cfg.Data.DefaultTF {
	case "1s", "10s", "1m", "5m":
	case "":
		cfg.Data.DefaultTF = "1s"
	default:
		return Config{}, fmt.Errorf("data.default_tf must be one of 1s, 10s, 1m, 5m, got %q", cfg.Data.DefaultTF)
	}
	if cfg.Replay.MinPace.Duration <= 0 {
		cfg.Replay.MinPace = Duration{time.Millisecond}
	}
	if cfg.Replay.TradeLimit <= 0 {
		cfg.Replay.TradeLimit = 50
	}
	if cfg.Replay.TradeLimit > 500 {
		cfg.Replay.TradeLimit = 500
	}
	if cfg.Replay.WindowBars <= 0 {
		cfg.Replay.WindowBars = 20
	}
	if cfg.Replay.CatalogTTL.Duration <= 0 {
		cfg.Replay.CatalogTTL = Duration{5 * time.Second}
	}
	if cfg.Replay.CacheDays <= 0 {
		cfg.Replay.CacheDays = 8
	}
	if cfg.Sim.TakeParticipation <= 0 || cfg.Sim.TakeParticipation > 1 {
		cfg.Sim.TakeParticipation = 1.0
	}
	if cfg.Sim.PassiveParticipation <= 0 || cfg.Sim.PassiveParticipation > 1 {
		cfg.Sim.PassiveParticipation = 1.0
	}
	if cfg.Sim.BuyingPower <= 0 {
		cfg.Sim.BuyingPower = 100_000
	}

	return cfg, nil
}

// AllowShortingOn resolves the tri-state yaml field; shorting is on
// unless explicitly disabled.
func (c SimConfig) AllowShortingOn() bool {
	return c.AllowShorting == nil || *c.AllowShorting
}
