package clusterconfig

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfigValues(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.Policy.MaxUtilization != 0.60 {
		t.Errorf("expected MaxUtilization=0.60, got %v", cfg.Policy.MaxUtilization)
	}
	if cfg.Policy.NumExecThreads != 3 {
		t.Errorf("expected NumExecThreads=3, got %d", cfg.Policy.NumExecThreads)
	}
	if cfg.Scaler.PinAckTimeout != 10*time.Second {
		t.Errorf("expected PinAckTimeout=10s, got %v", cfg.Scaler.PinAckTimeout)
	}
	if cfg.Reconciler.StorageThreads != 4 || cfg.Reconciler.RoutingThreads != 4 {
		t.Errorf("expected 4/4 reconciler threads, got %+v", cfg.Reconciler)
	}
}

func TestLoadFromFileMissingIsNotAnError(t *testing.T) {
	cfg, err := LoadFromFile(filepath.Join(t.TempDir(), "does-not-exist.json"))
	if err != nil {
		t.Fatalf("expected no error for a missing config file, got %v", err)
	}
	if cfg.Policy.MaxUtilization != DefaultConfig().Policy.MaxUtilization {
		t.Error("expected defaults when the config file is absent")
	}
}

func TestLoadFromFileOverlaysJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cfg.json")
	if err := os.WriteFile(path, []byte(`{"policy":{"max_utilization":0.9}}`), 0644); err != nil {
		t.Fatalf("write temp config: %v", err)
	}

	cfg, err := LoadFromFile(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Policy.MaxUtilization != 0.9 {
		t.Errorf("expected overlaid MaxUtilization=0.9, got %v", cfg.Policy.MaxUtilization)
	}
	if cfg.Policy.MinUtilization != DefaultConfig().Policy.MinUtilization {
		t.Error("expected untouched fields to retain their defaults")
	}
}

func TestLoadFromEnvOverridesDefaults(t *testing.T) {
	t.Setenv("HYDRO_MAX_UTILIZATION", "0.42")
	t.Setenv("HYDRO_GRACE_PERIOD", "90s")

	cfg := DefaultConfig()
	LoadFromEnv(cfg)

	if cfg.Policy.MaxUtilization != 0.42 {
		t.Errorf("expected env override MaxUtilization=0.42, got %v", cfg.Policy.MaxUtilization)
	}
	if cfg.Policy.GracePeriod != 90*time.Second {
		t.Errorf("expected env override GracePeriod=90s, got %v", cfg.Policy.GracePeriod)
	}
}
