package easel_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/easelworks/easel"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "easel.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadConfig_OverlaysDefaults(t *testing.T) {
	path := writeConfig(t, `
max_concurrency: 12
job_timeout: 90s
watchdog_grace: 2m
`)

	cfg, err := easel.LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}
	if cfg.MaxConcurrency != 12 {
		t.Errorf("MaxConcurrency = %d, want 12", cfg.MaxConcurrency)
	}
	if cfg.JobTimeout != 90*time.Second {
		t.Errorf("JobTimeout = %s, want 90s", cfg.JobTimeout)
	}
	if cfg.WatchdogGrace != 2*time.Minute {
		t.Errorf("WatchdogGrace = %s, want 2m", cfg.WatchdogGrace)
	}

	// Fields absent from the file keep their defaults.
	def := easel.DefaultConfig()
	if cfg.LocalConcurrency != def.LocalConcurrency {
		t.Errorf("LocalConcurrency = %d, want default %d", cfg.LocalConcurrency, def.LocalConcurrency)
	}
	if cfg.PollInterval != def.PollInterval {
		t.Errorf("PollInterval = %s, want default %s", cfg.PollInterval, def.PollInterval)
	}
}

func TestLoadConfig_RejectsBadDuration(t *testing.T) {
	path := writeConfig(t, "job_timeout: soon\n")
	if _, err := easel.LoadConfig(path); err == nil {
		t.Fatal("expected parse error for non-duration value")
	}
}

func TestLoadConfig_RejectsInvalidValues(t *testing.T) {
	path := writeConfig(t, "max_concurrency: 0\n")
	if _, err := easel.LoadConfig(path); err == nil {
		t.Fatal("expected validation error for zero max_concurrency")
	}
}

func TestLoadConfig_MissingFile(t *testing.T) {
	if _, err := easel.LoadConfig(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestValidate_Defaults(t *testing.T) {
	if err := easel.DefaultConfig().Validate(); err != nil {
		t.Errorf("DefaultConfig().Validate() = %v", err)
	}
}
