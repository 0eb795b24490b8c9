// Package config loads the daemon's TOML configuration, creating a default
// file on first run.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

type Config struct {
	ListenAddress string `toml:"ListenAddress"`
	Environment   string `toml:"Environment"`
	LogLevel      string `toml:"LogLevel"`

	Database  Database  `toml:"Database"`
	Processor Processor `toml:"Processor"`
	Jobs      Jobs      `toml:"Jobs"`
}

type Database struct {
	DSN string `toml:"DSN"`
}

type Processor struct {
	// Mode selects "sandbox" or "live". Sandbox keeps all provider calls
	// in memory and is the only mode the test suite exercises.
	Mode          string `toml:"Mode"`
	WebhookSecret string `toml:"WebhookSecret"`
}

type Jobs struct {
	WeeklyPayoutInterval      duration `toml:"WeeklyPayoutInterval"`
	AutoApproveInterval       duration `toml:"AutoApproveInterval"`
	AutoTopupInterval         duration `toml:"AutoTopupInterval"`
	ExpireHoldsInterval       duration `toml:"ExpireHoldsInterval"`
	DisputeDeadlineInterval   duration `toml:"DisputeDeadlineInterval"`
	ReserveUpcomingInterval   duration `toml:"ReserveUpcomingInterval"`
	NoShowInterval            duration `toml:"NoShowInterval"`
	WalletSuspensionInterval  duration `toml:"WalletSuspensionInterval"`
	NegativeBalanceWriteOffs  duration `toml:"NegativeBalanceWriteOffs"`
}

// duration wraps time.Duration for TOML decoding of "30m"-style values.
type duration time.Duration

func (d *duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = duration(parsed)
	return nil
}

func (d duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// Std returns the wrapped time.Duration.
func (d duration) Std() time.Duration { return time.Duration(d) }

// Load loads the configuration from the given path.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path)
	}

	meta, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, err
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("config file %s has unknown field %s", path, undecoded[0])
	}

	applyDefaults(cfg)
	if err := validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if strings.TrimSpace(cfg.ListenAddress) == "" {
		cfg.ListenAddress = ":8080"
	}
	if strings.TrimSpace(cfg.Environment) == "" {
		cfg.Environment = "development"
	}
	if strings.TrimSpace(cfg.LogLevel) == "" {
		cfg.LogLevel = "info"
	}
	if strings.TrimSpace(cfg.Processor.Mode) == "" {
		cfg.Processor.Mode = "sandbox"
	}
	j := &cfg.Jobs
	setDefault(&j.WeeklyPayoutInterval, time.Hour)
	setDefault(&j.AutoApproveInterval, 15*time.Minute)
	setDefault(&j.AutoTopupInterval, 5*time.Minute)
	setDefault(&j.ExpireHoldsInterval, 30*time.Minute)
	setDefault(&j.DisputeDeadlineInterval, 24*time.Hour)
	setDefault(&j.ReserveUpcomingInterval, time.Hour)
	setDefault(&j.NoShowInterval, time.Hour)
	setDefault(&j.WalletSuspensionInterval, time.Hour)
	setDefault(&j.NegativeBalanceWriteOffs, 24*time.Hour)
}

func setDefault(d *duration, fallback time.Duration) {
	if d.Std() <= 0 {
		*d = duration(fallback)
	}
}

func validate(cfg *Config) error {
	switch cfg.Processor.Mode {
	case "sandbox", "live":
	default:
		return fmt.Errorf("config: unknown processor mode %q", cfg.Processor.Mode)
	}
	if cfg.Processor.Mode == "live" && strings.TrimSpace(cfg.Database.DSN) == "" {
		return fmt.Errorf("config: Database.DSN is required in live mode")
	}
	return nil
}

// createDefault creates and saves a default configuration file.
func createDefault(path string) (*Config, error) {
	cfg := &Config{
		ListenAddress: ":8080",
		Environment:   "development",
		LogLevel:      "info",
		Processor:     Processor{Mode: "sandbox"},
	}
	applyDefaults(cfg)

	if err := persist(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func persist(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_TRUNC|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	return toml.NewEncoder(f).Encode(cfg)
}
