// Package clusterconfig loads the controller's tunables from a JSON file
// with environment-variable overrides, the same layered-defaults pattern
// the teacher's internal/config package uses (DefaultConfig / LoadFromFile
// / LoadFromEnv).
package clusterconfig

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"
)

// PolicyConfig holds the replica/executor policy tunables from spec.md §4.4.
type PolicyConfig struct {
	MaxUtilization      float64       `json:"max_utilization"`
	MinUtilization      float64       `json:"min_utilization"`
	MaxPinCount         float64       `json:"max_pin_count"`
	MaxLatencyDeviation float64       `json:"max_latency_deviation"`
	ScaleIncrease        int          `json:"scale_increase"`
	GracePeriod          time.Duration `json:"grace_period"`
	ExecReportPeriod     int          `json:"exec_report_period"`
	NumExecThreads       int          `json:"num_exec_threads"`
}

// ReconcilerConfig holds thread-count assumptions for the hash-ring
// reconciler, kept configurable per the §9 "Assumed thread counts" note.
type ReconcilerConfig struct {
	StorageThreads int `json:"storage_threads"`
	RoutingThreads int `json:"routing_threads"`
}

// ScalerConfig holds scaler timeouts and the pin listener address.
// ConnCacheSize is not read anywhere: the outbound connection cache in
// internal/wire is fixed at 512 entries.
type ScalerConfig struct {
	PinAckTimeout  time.Duration `json:"pin_ack_timeout"`
	ConnCacheSize  int           `json:"conn_cache_size"`
	PinListenAddr  string        `json:"pin_listen_addr"`
}

// DaemonConfig holds the controller's top-level runtime knobs.
type DaemonConfig struct {
	ReportPeriod      time.Duration `json:"report_period"`
	PollTimeout       time.Duration `json:"poll_timeout"`
	SetupSentinelPath string        `json:"setup_sentinel_path"`
	KubeconfigPath    string        `json:"kubeconfig_path"`
	StartupPollDelay  time.Duration `json:"startup_poll_delay"`
	StatusAddr        string        `json:"status_addr"`
}

// LoggingConfig controls the operational and audit loggers.
type LoggingConfig struct {
	Level           string `json:"level"`
	Format          string `json:"format"`
	DecisionLogPath string `json:"decision_log_path"`
}

// MetricsConfig controls the Prometheus/status HTTP surface.
type MetricsConfig struct {
	Enabled   bool   `json:"enabled"`
	Namespace string `json:"namespace"`
	ListenAddr string `json:"listen_addr"`
}

// Config is the umbrella configuration struct, mirroring the teacher's
// config.Config struct-of-structs layout.
type Config struct {
	Daemon     DaemonConfig     `json:"daemon"`
	Policy     PolicyConfig     `json:"policy"`
	Reconciler ReconcilerConfig `json:"reconciler"`
	Scaler     ScalerConfig     `json:"scaler"`
	Logging    LoggingConfig    `json:"logging"`
	Metrics    MetricsConfig    `json:"metrics"`
}

// DefaultConfig returns the configuration with every value set to the
// defaults named in spec.md §4.4/§4.6/§9.
func DefaultConfig() *Config {
	return &Config{
		Daemon: DaemonConfig{
			ReportPeriod:      5 * time.Second,
			PollTimeout:       1 * time.Second,
			SetupSentinelPath: "/hydro/setup_complete",
			KubeconfigPath:    "~/.kube/config",
			StartupPollDelay:  250 * time.Millisecond,
			StatusAddr:        ":9091",
		},
		Policy: PolicyConfig{
			MaxUtilization:      0.60,
			MinUtilization:      0.10,
			MaxPinCount:         0.80,
			MaxLatencyDeviation: 1.25,
			ScaleIncrease:       4,
			GracePeriod:         120 * time.Second,
			ExecReportPeriod:    5,
			NumExecThreads:      3,
		},
		Reconciler: ReconcilerConfig{
			StorageThreads: 4,
			RoutingThreads: 4,
		},
		Scaler: ScalerConfig{
			PinAckTimeout: 10 * time.Second,
			ConnCacheSize: 512,
			PinListenAddr: ":5010",
		},
		Logging: LoggingConfig{
			Level:           "info",
			Format:          "text",
			DecisionLogPath: "log_management.txt",
		},
		Metrics: MetricsConfig{
			Enabled:    true,
			Namespace:  "hydroctl",
			ListenAddr: ":9090",
		},
	}
}

// LoadFromFile overlays JSON from path onto a DefaultConfig. A missing file
// is not an error — callers typically pass an optional --config flag.
func LoadFromFile(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("clusterconfig: read %s: %w", path, err)
	}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("clusterconfig: parse %s: %w", path, err)
	}
	return cfg, nil
}

// LoadFromEnv overrides cfg fields from environment variables named
// HYDRO_<FIELD> (for example HYDRO_MAX_UTILIZATION, HYDRO_LOG_LEVEL).
// Fields without a variable below keep their file or default value.
func LoadFromEnv(cfg *Config) {
	if v := os.Getenv("HYDRO_REPORT_PERIOD"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Daemon.ReportPeriod = d
		}
	}
	if v := os.Getenv("HYDRO_SETUP_SENTINEL_PATH"); v != "" {
		cfg.Daemon.SetupSentinelPath = v
	}
	if v := os.Getenv("HYDRO_KUBECONFIG_PATH"); v != "" {
		cfg.Daemon.KubeconfigPath = v
	}
	if v := os.Getenv("HYDRO_STATUS_ADDR"); v != "" {
		cfg.Daemon.StatusAddr = v
	}
	if v := os.Getenv("HYDRO_MAX_UTILIZATION"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Policy.MaxUtilization = f
		}
	}
	if v := os.Getenv("HYDRO_MIN_UTILIZATION"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Policy.MinUtilization = f
		}
	}
	if v := os.Getenv("HYDRO_MAX_PIN_COUNT"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Policy.MaxPinCount = f
		}
	}
	if v := os.Getenv("HYDRO_MAX_LATENCY_DEVIATION"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Policy.MaxLatencyDeviation = f
		}
	}
	if v := os.Getenv("HYDRO_SCALE_INCREASE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Policy.ScaleIncrease = n
		}
	}
	if v := os.Getenv("HYDRO_GRACE_PERIOD"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Policy.GracePeriod = d
		}
	}
	if v := os.Getenv("HYDRO_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("HYDRO_LOG_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}
	if v := os.Getenv("HYDRO_DECISION_LOG_PATH"); v != "" {
		cfg.Logging.DecisionLogPath = v
	}
	if v := os.Getenv("HYDRO_METRICS_LISTEN_ADDR"); v != "" {
		cfg.Metrics.ListenAddr = v
	}
	if v := os.Getenv("HYDRO_METRICS_ENABLED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Metrics.Enabled = b
		}
	}
}
