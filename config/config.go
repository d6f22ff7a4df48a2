package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration to support YAML unmarshalling.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses human readable duration strings.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return nil
	}
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be string")
	}
	raw := value.Value
	if raw == "" {
		d.Duration = 0
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	d.Duration = parsed
	return nil
}

// Config captures runtime configuration shared by every worker.
type Config struct {
	ListenAddress string           `yaml:"listen"`
	DatabaseDSN   string           `yaml:"database"`
	Environment   string           `yaml:"environment"`
	Jobs          JobsConfig       `yaml:"jobs"`
	Notifier      NotifierConfig   `yaml:"notifier"`
	Settlement    SettlementConfig `yaml:"settlement"`
	Payout        PayoutConfig     `yaml:"payout"`
}

// JobsConfig tunes the rule-runner workers.
type JobsConfig struct {
	Workers          int      `yaml:"workers"`
	PollInterval     Duration `yaml:"poll_interval"`
	MaxAttempts      int      `yaml:"max_attempts"`
	ReclaimAfter     Duration `yaml:"reclaim_after"`
	ReclaimInterval  Duration `yaml:"reclaim_interval"`
	ShutdownGrace    Duration `yaml:"shutdown_grace"`
	DisableRowLocks  bool     `yaml:"disable_row_locks"`
	DefaultProgramID string   `yaml:"default_program_id"`
}

// NotifierConfig controls webhook outbox delivery.
type NotifierConfig struct {
	WebhookURL     string   `yaml:"webhook_url"`
	Secret         string   `yaml:"secret"`
	PollInterval   Duration `yaml:"poll_interval"`
	RequestTimeout Duration `yaml:"request_timeout"`
	RatePerSecond  float64  `yaml:"rate_per_second"`
}

// SettlementConfig controls the settlement reporter.
type SettlementConfig struct {
	Lookback Duration `yaml:"lookback"`
	Interval Duration `yaml:"interval"`
}

// PayoutConfig controls the payout/collection state machine.
type PayoutConfig struct {
	PointValueCents   int64    `yaml:"point_value_cents"`
	Currency          string   `yaml:"currency"`
	Interval          Duration `yaml:"interval"`
	FreezeAfter       Duration `yaml:"freeze_after"`
	MinInstructionPts int64    `yaml:"min_instruction_points"`
	Provider          string   `yaml:"provider"`
}

// Load reads configuration from the supplied path.
func Load(path string) (Config, error) {
	cfg := Config{}
	file, err := os.Open(path)
	if err != nil {
		return cfg, fmt.Errorf("open config: %w", err)
	}
	defer file.Close()
	dec := yaml.NewDecoder(file)
	if err := dec.Decode(&cfg); err != nil {
		return cfg, fmt.Errorf("decode config: %w", err)
	}
	ApplyDefaults(&cfg)
	if err := Validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// ApplyDefaults fills unset fields with deployable defaults.
func ApplyDefaults(cfg *Config) {
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = ":7460"
	}
	if cfg.Jobs.Workers <= 0 {
		cfg.Jobs.Workers = 4
	}
	if cfg.Jobs.PollInterval.Duration == 0 {
		cfg.Jobs.PollInterval.Duration = time.Second
	}
	if cfg.Jobs.MaxAttempts <= 0 {
		cfg.Jobs.MaxAttempts = 5
	}
	if cfg.Jobs.ReclaimAfter.Duration == 0 {
		cfg.Jobs.ReclaimAfter.Duration = 10 * time.Minute
	}
	if cfg.Jobs.ReclaimInterval.Duration == 0 {
		cfg.Jobs.ReclaimInterval.Duration = time.Minute
	}
	if cfg.Jobs.ShutdownGrace.Duration == 0 {
		cfg.Jobs.ShutdownGrace.Duration = 10 * time.Second
	}
	if cfg.Notifier.PollInterval.Duration == 0 {
		cfg.Notifier.PollInterval.Duration = 2 * time.Second
	}
	if cfg.Notifier.RequestTimeout.Duration == 0 {
		cfg.Notifier.RequestTimeout.Duration = 10 * time.Second
	}
	if cfg.Notifier.RatePerSecond <= 0 {
		cfg.Notifier.RatePerSecond = 20
	}
	if cfg.Settlement.Lookback.Duration == 0 {
		cfg.Settlement.Lookback.Duration = 24 * time.Hour
	}
	if cfg.Settlement.Interval.Duration == 0 {
		cfg.Settlement.Interval.Duration = time.Hour
	}
	if cfg.Payout.PointValueCents <= 0 {
		cfg.Payout.PointValueCents = 1
	}
	if cfg.Payout.Currency == "" {
		cfg.Payout.Currency = "USD"
	}
	if cfg.Payout.Interval.Duration == 0 {
		cfg.Payout.Interval.Duration = time.Minute
	}
	if cfg.Payout.FreezeAfter.Duration == 0 {
		cfg.Payout.FreezeAfter.Duration = 72 * time.Hour
	}
	if cfg.Payout.Provider == "" {
		cfg.Payout.Provider = "sandbox"
	}
}

// Validate rejects configurations that cannot run any worker.
func Validate(cfg Config) error {
	if strings.TrimSpace(cfg.DatabaseDSN) == "" {
		return fmt.Errorf("database DSN must be configured")
	}
	if cfg.Jobs.MaxAttempts < 1 {
		return fmt.Errorf("jobs max_attempts must be at least 1")
	}
	return nil
}
