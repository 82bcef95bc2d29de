package easel

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the coordination parameters consumed by the core.
type Config struct {
	// MaxConcurrency is the fleet-wide ceiling on simultaneously
	// processing jobs. Every instance must be configured with the
	// same value; the gate enforces it through the shared store.
	MaxConcurrency int `yaml:"max_concurrency" split_words:"true"`

	// JobTimeout is the per-job execution deadline.
	JobTimeout time.Duration `yaml:"job_timeout" split_words:"true"`

	// LocalConcurrency bounds how many jobs a single instance may
	// execute at once, independent of the fleet ceiling.
	LocalConcurrency int `yaml:"local_concurrency" split_words:"true"`

	// PollInterval is how often an idle worker polls for queued jobs.
	PollInterval time.Duration `yaml:"poll_interval" split_words:"true"`

	// ClaimRate bounds claim attempts per second per instance.
	// Zero disables pacing.
	ClaimRate float64 `yaml:"claim_rate" split_words:"true"`

	// WatchdogInterval is how often the watchdog scans for jobs stuck
	// in processing.
	WatchdogInterval time.Duration `yaml:"watchdog_interval" split_words:"true"`

	// WatchdogGrace is the margin past JobTimeout before the watchdog
	// forces a stuck job to timed_out.
	WatchdogGrace time.Duration `yaml:"watchdog_grace" split_words:"true"`

	// ShutdownTimeout is the maximum time to wait for in-flight jobs
	// during graceful shutdown.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" split_words:"true"`
}

// DefaultConfig returns a Config with sensible defaults. The job
// timeout and fleet ceiling mirror the production service they were
// lifted from: five concurrent transforms, five minutes per job.
func DefaultConfig() Config {
	return Config{
		MaxConcurrency:   5,
		JobTimeout:       5 * time.Minute,
		LocalConcurrency: 5,
		PollInterval:     time.Second,
		ClaimRate:        10,
		WatchdogInterval: 30 * time.Second,
		WatchdogGrace:    time.Minute,
		ShutdownTimeout:  30 * time.Second,
	}
}

// duration decodes "90s" / "5m" style YAML values into a
// time.Duration, which yaml.v3 does not do on its own.
type duration time.Duration

func (d *duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = duration(parsed)
	return nil
}

// fileConfig is the YAML-facing shape of Config. Pointer fields
// distinguish "absent" from "zero" so file values overlay defaults.
type fileConfig struct {
	MaxConcurrency   *int      `yaml:"max_concurrency" split_words:"true"`
	JobTimeout       *duration `yaml:"job_timeout" split_words:"true"`
	LocalConcurrency *int      `yaml:"local_concurrency" split_words:"true"`
	PollInterval     *duration `yaml:"poll_interval" split_words:"true"`
	ClaimRate        *float64  `yaml:"claim_rate" split_words:"true"`
	WatchdogInterval *duration `yaml:"watchdog_interval" split_words:"true"`
	WatchdogGrace    *duration `yaml:"watchdog_grace" split_words:"true"`
	ShutdownTimeout  *duration `yaml:"shutdown_timeout" split_words:"true"`
}

func (fc fileConfig) overlay(cfg *Config) {
	if fc.MaxConcurrency != nil {
		cfg.MaxConcurrency = *fc.MaxConcurrency
	}
	if fc.JobTimeout != nil {
		cfg.JobTimeout = time.Duration(*fc.JobTimeout)
	}
	if fc.LocalConcurrency != nil {
		cfg.LocalConcurrency = *fc.LocalConcurrency
	}
	if fc.PollInterval != nil {
		cfg.PollInterval = time.Duration(*fc.PollInterval)
	}
	if fc.ClaimRate != nil {
		cfg.ClaimRate = *fc.ClaimRate
	}
	if fc.WatchdogInterval != nil {
		cfg.WatchdogInterval = time.Duration(*fc.WatchdogInterval)
	}
	if fc.WatchdogGrace != nil {
		cfg.WatchdogGrace = time.Duration(*fc.WatchdogGrace)
	}
	if fc.ShutdownTimeout != nil {
		cfg.ShutdownTimeout = time.Duration(*fc.ShutdownTimeout)
	}
}

// LoadConfig reads a YAML config file and overlays it on the defaults.
// Fields absent from the file keep their default values.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("easel: read config %s: %w", path, err)
	}
	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return cfg, fmt.Errorf("easel: parse config %s: %w", path, err)
	}
	fc.overlay(&cfg)

	return cfg, cfg.Validate()
}

// Validate rejects configurations the coordinator cannot run with.
func (c Config) Validate() error {
	if c.MaxConcurrency <= 0 {
		return fmt.Errorf("easel: max_concurrency must be positive, got %d", c.MaxConcurrency)
	}
	if c.JobTimeout <= 0 {
		return fmt.Errorf("easel: job_timeout must be positive, got %s", c.JobTimeout)
	}
	if c.LocalConcurrency <= 0 {
		return fmt.Errorf("easel: local_concurrency must be positive, got %d", c.LocalConcurrency)
	}
	if c.WatchdogGrace < 0 {
		return fmt.Errorf("easel: watchdog_grace must not be negative, got %s", c.WatchdogGrace)
	}
	return nil
}
