// Package config loads the pool controller's configuration from
// environment variables or a JSON file, layered through DefaultConfig,
// LoadFromEnv, and LoadFromFile.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/oriys/vbrowserpool/internal/buffer"
	"github.com/oriys/vbrowserpool/internal/domain"
)

// PostgresConfig holds the state store connection string.
type PostgresConfig struct {
	DSN string `json:"dsn"`
}

// ProviderConfig holds the cloud provider adapter's region, launch
// parameters and sizing constants; it holds no credentials.
type ProviderConfig struct {
	Region            string   `json:"region"`
	ImageID           string   `json:"image_id"`
	InstanceType      string   `json:"instance_type"`
	LargeInstanceType string   `json:"large_instance_type"`
	SecurityGroupIDs  []string `json:"security_group_ids"`
	SubnetID          string   `json:"subnet_id"`
	Size              int      `json:"size"`
	LargeSize         int      `json:"large_size"`
	MinRetries        int      `json:"min_retries"`
}

// PoolConfig is one pool's sizing and tagging policy.
type PoolConfig struct {
	ProviderID         string        `json:"provider_id"`
	Region             string        `json:"region"`
	Large              bool          `json:"large"`
	LimitSize          int           `json:"limit_size"`
	MinSize            int           `json:"min_size"`
	TagPrefix          string        `json:"tag_prefix"`
	UptimeFloorMinutes int           `json:"uptime_floor_minutes"`
	RampDownHours      buffer.Window `json:"-"`
	RampUpHours        buffer.Window `json:"-"`
	RampDownHoursRaw   string        `json:"ramp_down_hours"`
	RampUpHoursRaw     string        `json:"ramp_up_hours"`
}

// LoggingConfig controls verbosity and format. AssignmentLogFile, when
// set, mirrors the [ASSIGN]/[RESET] regression-anchor entries to a
// JSON-lines file in addition to the console.
type LoggingConfig struct {
	Level             string `json:"level"`
	Format            string `json:"format"`
	AssignmentLogFile string `json:"assignment_log_file"`
}

// TracingConfig controls the OTel exporter.
type TracingConfig struct {
	Enabled     bool   `json:"enabled"`
	Endpoint    string `json:"endpoint"`
	ServiceName string `json:"service_name"`
}

// MetricsConfig controls the Prometheus namespace.
type MetricsConfig struct {
	Namespace string `json:"namespace"`
	Addr      string `json:"addr"`
}

// RedisConfig controls the optional L2 descriptor cache shared across
// controller replicas. Leaving Addr empty disables Redis and falls
// back to an in-memory-only cache.
type RedisConfig struct {
	Addr      string `json:"addr"`
	Password  string `json:"password"`
	DB        int    `json:"db"`
	KeyPrefix string `json:"key_prefix"`
}

// Config is the top-level configuration tree.
type Config struct {
	Environment string         `json:"environment"` // "production" or "development"
	Postgres    PostgresConfig `json:"postgres"`
	Provider    ProviderConfig `json:"provider"`
	Pools       []PoolConfig   `json:"pools"`
	Logging     LoggingConfig  `json:"logging"`
	Tracing     TracingConfig  `json:"tracing"`
	Metrics     MetricsConfig  `json:"metrics"`
	Redis       RedisConfig    `json:"redis"`
	APIAddr     string         `json:"api_addr"`
}

// Production reports whether Environment names a production
// deployment, gating the readiness probe's boot-age check.
func (c Config) Production() bool {
	return strings.EqualFold(c.Environment, "production")
}

// Validate fails fast on configuration that would otherwise only surface
// once the controller makes its first provider call: a missing region
// or image id should block startup, not the first StartVM.
func (c Config) Validate() error {
	if c.Postgres.DSN == "" {
		return fmt.Errorf("config: postgres.dsn is required")
	}
	if len(c.Pools) == 0 {
		return fmt.Errorf("config: at least one pool must be configured")
	}
	if c.Production() {
		if c.Provider.Region == "" {
			return fmt.Errorf("config: provider.region is required in production")
		}
		if c.Provider.ImageID == "" {
			return fmt.Errorf("config: provider.image_id is required in production")
		}
	}
	seen := make(map[string]bool, len(c.Pools))
	for _, p := range c.Pools {
		if p.ProviderID == "" {
			return fmt.Errorf("config: pool provider_id is required")
		}
		if p.Region == "" {
			return fmt.Errorf("config: pool %s: region is required", p.ProviderID)
		}
		if p.MinSize < 0 {
			return fmt.Errorf("config: pool %s: min_size must be >= 0", p.ProviderID)
		}
		if p.LimitSize < 0 {
			return fmt.Errorf("config: pool %s: limit_size must be >= 0 (0 means unlimited)", p.ProviderID)
		}
		id := domain.PoolID(p.ProviderID, p.Region, p.Large)
		if seen[id] {
			return fmt.Errorf("config: duplicate pool identity %q", id)
		}
		seen[id] = true
	}
	return nil
}

// DefaultConfig returns sane defaults for local development.
func DefaultConfig() *Config {
	return &Config{
		Environment: "development",
		Postgres:    PostgresConfig{DSN: "postgres://localhost:5432/vbrowserpool?sslmode=disable"},
		Provider: ProviderConfig{
			Region:       "us-east-1",
			InstanceType: "t3.medium",
			Size:         100,
			LargeSize:    10,
			MinRetries:   3,
		},
		Logging: LoggingConfig{Level: "info", Format: "text"},
		Metrics: MetricsConfig{Namespace: "vbrowserpool", Addr: ":9090"},
		APIAddr: ":8080",
	}
}

// LoadFromFile reads a JSON configuration file, overlaying it onto
// DefaultConfig.
func LoadFromFile(path string) (*Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if err := resolveWindows(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromEnv overlays environment variables onto cfg. Ramp windows
// and the uptime floor apply uniformly to every configured pool;
// multi-pool deployments wanting per-pool overrides should use
// LoadFromFile.
func LoadFromEnv(cfg *Config) error {
	if v := os.Getenv("VM_POOL_DSN"); v != "" {
		cfg.Postgres.DSN = v
	}
	if v := os.Getenv("NODE_ENV"); v != "" {
		cfg.Environment = v
	}
	if v := os.Getenv("VBROWSER_TAG"); v != "" {
		for i := range cfg.Pools {
			cfg.Pools[i].TagPrefix = v
		}
	}
	if v := os.Getenv("VM_MIN_UPTIME_MINUTES"); v != "" {
		minutes, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("config: parse VM_MIN_UPTIME_MINUTES: %w", err)
		}
		for i := range cfg.Pools {
			cfg.Pools[i].UptimeFloorMinutes = minutes
		}
	}
	if v := os.Getenv("VM_POOL_RAMP_DOWN_HOURS"); v != "" {
		for i := range cfg.Pools {
			cfg.Pools[i].RampDownHoursRaw = v
		}
	}
	if v := os.Getenv("VM_POOL_RAMP_UP_HOURS"); v != "" {
		for i := range cfg.Pools {
			cfg.Pools[i].RampUpHoursRaw = v
		}
	}
	return resolveWindows(cfg)
}

// resolveWindows parses each pool's "a,b" ramp-hour strings into
// buffer.Window values.
func resolveWindows(cfg *Config) error {
	for i := range cfg.Pools {
		p := &cfg.Pools[i]
		if p.RampDownHoursRaw != "" {
			w, err := parseWindow(p.RampDownHoursRaw)
			if err != nil {
				return fmt.Errorf("config: pool %s ramp_down_hours: %w", p.ProviderID, err)
			}
			p.RampDownHours = w
		}
		if p.RampUpHoursRaw != "" {
			w, err := parseWindow(p.RampUpHoursRaw)
			if err != nil {
				return fmt.Errorf("config: pool %s ramp_up_hours: %w", p.ProviderID, err)
			}
			p.RampUpHours = w
		}
	}
	return nil
}

func parseWindow(raw string) (buffer.Window, error) {
	parts := strings.SplitN(raw, ",", 2)
	if len(parts) != 2 {
		return buffer.Window{}, fmt.Errorf("expected \"a,b\", got %q", raw)
	}
	start, err := strconv.Atoi(strings.TrimSpace(parts[0]))
	if err != nil {
		return buffer.Window{}, fmt.Errorf("parse start hour: %w", err)
	}
	end, err := strconv.Atoi(strings.TrimSpace(parts[1]))
	if err != nil {
		return buffer.Window{}, fmt.Errorf("parse end hour: %w", err)
	}
	return buffer.Window{Start: start, End: end, Set: true}, nil
}
