// Package config loads and validates the service's YAML configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so config.yaml can spell timeouts as
// "10s"/"5m" the way the rest of the Go ecosystem does; yaml.v3 has no
// built-in support for decoding a duration string into a bare
// time.Duration field.
type Duration time.Duration

// UnmarshalYAML accepts either a duration string ("10s") or a bare
// integer, interpreted as seconds.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var asSeconds int64
	if err := value.Decode(&asSeconds); err == nil {
		*d = Duration(time.Duration(asSeconds) * time.Second)
		return nil
	}
	var asString string
	if err := value.Decode(&asString); err != nil {
		return fmt.Errorf("duration must be a string like \"10s\" or an integer number of seconds")
	}
	parsed, err := time.ParseDuration(asString)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", asString, err)
	}
	*d = Duration(parsed)
	return nil
}

// Dur returns the wrapped time.Duration.
func (d Duration) Dur() time.Duration { return time.Duration(d) }

// Environment mirrors the deployment environment the process is running in.
type Environment string

const (
	Development Environment = "development"
	Production  Environment = "production"
)

// Config holds every configuration section used by the serving control plane.
type Config struct {
	Environment   Environment         `yaml:"environment"`
	Server        ServerConfig        `yaml:"server"`
	Observability ObservabilityConfig `yaml:"observability"`
	Drift         DriftConfig         `yaml:"drift"`
	Paths         PathsConfig         `yaml:"paths"`
	Conformal     ConformalConfig     `yaml:"conformal"`
	Model         ModelConfig         `yaml:"model"`
	Retrain       RetrainConfig       `yaml:"retrain"`
	Promote       PromoteConfig       `yaml:"promote"`
	Shadow        ShadowConfig        `yaml:"shadow"`
	Schema        SchemaConfig        `yaml:"schema"`
	Eval          EvalConfig          `yaml:"eval"`
	Data          DataConfig          `yaml:"data"`
	Split         SplitConfig         `yaml:"split"`
	Project       ProjectConfig       `yaml:"project"`
	Analytics     AnalyticsConfig     `yaml:"analytics"`
	Cache         CacheConfig         `yaml:"cache"`

	// CORSOrigins is resolved from the CORS_ORIGINS env var, not YAML.
	CORSOrigins []string `yaml:"-"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port         int      `yaml:"port"`
	Host         string   `yaml:"host"`
	ReadTimeout  Duration `yaml:"read_timeout"`
	WriteTimeout Duration `yaml:"write_timeout"`
	IdleTimeout  Duration `yaml:"idle_timeout"`
}

// ObservabilityConfig controls logging/tracing backends.
type ObservabilityConfig struct {
	LogLevel      string `yaml:"log_level"`
	PrometheusURL string `yaml:"prometheus_url"`
	TracingEnabled bool  `yaml:"tracing_enabled"`
}

// DriftConfig configures the drift detector and retrain trigger.
type DriftConfig struct {
	WindowSize           int     `yaml:"window_size"`
	Stride               int     `yaml:"stride"`
	SoftThreshold        float64 `yaml:"soft_threshold"`
	HardThreshold        float64 `yaml:"hard_threshold"`
	RequiredHardWindows  int     `yaml:"required_hard_windows"`
	PValueThreshold      float64 `yaml:"p_value_threshold"`
	PSISoftThreshold     float64 `yaml:"psi_soft_threshold"`
	PSIHardThreshold     float64 `yaml:"psi_hard_threshold"`
	PSINormalizationFactor float64 `yaml:"psi_normalization_factor"`
}

// PathsConfig is the on-disk layout contract.
type PathsConfig struct {
	VersionsDir         string `yaml:"versions_dir"`
	ActivePtr           string `yaml:"active_ptr"`
	ShadowPtr           string `yaml:"shadow_ptr"`
	RollbackPtr         string `yaml:"rollback_ptr"`
	RetrainRequestsDir  string `yaml:"retrain_requests_dir"`
	ReportsDir          string `yaml:"reports_dir"`
	RepoRoot            string `yaml:"repo_root"`
}

// ConformalConfig controls the split-conformal calibration.
type ConformalConfig struct {
	Alpha  float64  `yaml:"alpha"`
	Labels []string `yaml:"labels"`
}

// ModelConfig names the active/default model settings.
type ModelConfig struct {
	DefaultVersion string `yaml:"default_version"`
}

// RetrainConfig controls the emitter and worker.
type RetrainConfig struct {
	CooldownSeconds int     `yaml:"cooldown_seconds"`
	MaxPending      int     `yaml:"max_pending"`
	OldDataRatio    float64 `yaml:"old_data_ratio"`
	PollSeconds     int     `yaml:"poll_seconds"`
	Seed            int64   `yaml:"seed"`
}

// PromoteConfig controls the worker's promotion gate.
type PromoteConfig struct {
	CooldownSeconds int     `yaml:"cooldown_seconds"`
	MaxCostIncrease float64 `yaml:"max_cost_increase"`
	AutoPromote     bool    `yaml:"auto_promote"`
	PollSeconds     int     `yaml:"poll_seconds"`
}

// ShadowConfig controls shadow-bundle sampling.
type ShadowConfig struct {
	SamplingRate float64 `yaml:"sampling_rate"`
}

// SchemaConfig controls the wire schema check.
type SchemaConfig struct {
	Version      int  `yaml:"version"`
	AllowExtras  bool `yaml:"allow_extras"`
}

// EvalConfig controls the candidate cost function.
type EvalConfig struct {
	FPCost      float64 `yaml:"fp_cost"`
	FNCost      float64 `yaml:"fn_cost"`
	AbstainCost float64 `yaml:"abstain_cost"`
}

// DataConfig names the original data splits used to build retrain datasets.
type DataConfig struct {
	TrainPath        string `yaml:"train_path"`
	CalibPath        string `yaml:"calib_path"`
	TestPath         string `yaml:"test_path"`
	TestDriftedPath  string `yaml:"test_drifted_path"`
}

// SplitConfig controls the retrain train/calib split.
type SplitConfig struct {
	TrainRatio float64 `yaml:"train_ratio"`
}

// ProjectConfig is free-form project metadata.
type ProjectConfig struct {
	Name string `yaml:"name"`
}

// AnalyticsConfig controls the optional Postgres analytics store.
type AnalyticsConfig struct {
	Enabled     bool   `yaml:"enabled"`
	DatabaseURL string `yaml:"-"`
}

// CacheConfig controls the optional Redis dashboard cache.
type CacheConfig struct {
	Enabled bool     `yaml:"enabled"`
	Addr    string   `yaml:"-"`
	Prefix  string   `yaml:"prefix"`
	TTL     Duration `yaml:"ttl"`
}

// Load reads and validates the YAML config at path, then applies env overrides.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	var sections map[string]yaml.Node
	if err := yaml.Unmarshal(raw, &sections); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	for _, required := range []string{"drift", "paths", "conformal"} {
		if _, ok := sections[required]; !ok {
			return nil, fmt.Errorf("config %s: missing required section %q", path, required)
		}
	}

	cfg := defaults()
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config %s: %w", path, err)
	}

	return cfg, nil
}

func defaults() *Config {
	return &Config{
		Environment: Development,
		Server: ServerConfig{
			Port:         8080,
			Host:         "0.0.0.0",
			ReadTimeout:  Duration(10 * time.Second),
			WriteTimeout: Duration(10 * time.Second),
			IdleTimeout:  Duration(60 * time.Second),
		},
		Drift: DriftConfig{
			WindowSize:             500,
			Stride:                 50,
			SoftThreshold:          0.3,
			HardThreshold:          0.6,
			RequiredHardWindows:    3,
			PValueThreshold:        0.01,
			PSISoftThreshold:       0.10,
			PSIHardThreshold:       0.25,
			PSINormalizationFactor: 0.25,
		},
		Conformal: ConformalConfig{
			Alpha:  0.1,
			Labels: []string{"non_fraud", "fraud"},
		},
		Retrain: RetrainConfig{
			CooldownSeconds: 3600,
			MaxPending:      10,
			OldDataRatio:    0.3,
			PollSeconds:     15,
			Seed:            42,
		},
		Promote: PromoteConfig{
			CooldownSeconds: 3600,
			MaxCostIncrease: 0.05,
			AutoPromote:     true,
			PollSeconds:     15,
		},
		Shadow: ShadowConfig{SamplingRate: 0.05},
		Schema: SchemaConfig{Version: 1, AllowExtras: false},
		Eval: EvalConfig{
			FPCost:      1.0,
			FNCost:      10.0,
			AbstainCost: 0.5,
		},
		Split:     SplitConfig{TrainRatio: 0.85},
		Cache:     CacheConfig{Prefix: "fraud-serving", TTL: Duration(5 * time.Second)},
	}
}

// applyEnvOverrides layers environment variables on top of the YAML config.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("ENVIRONMENT"); v != "" {
		cfg.Environment = Environment(strings.ToLower(v))
	}
	if v := os.Getenv("CORS_ORIGINS"); v != "" {
		parts := strings.Split(v, ",")
		for i := range parts {
			parts[i] = strings.TrimSpace(parts[i])
		}
		cfg.CORSOrigins = parts
	}
	if v := os.Getenv("PROMETHEUS_URL"); v != "" {
		cfg.Observability.PrometheusURL = v
	}
	if v := os.Getenv("PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = p
		}
	}
	if v := os.Getenv("ANALYTICS_DATABASE_URL"); v != "" {
		cfg.Analytics.DatabaseURL = v
		cfg.Analytics.Enabled = true
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.Cache.Addr = v
		cfg.Cache.Enabled = true
	}
}

// Validate rejects configurations that would compromise correctness or safety.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	if c.Conformal.Alpha <= 0 || c.Conformal.Alpha >= 1 {
		return fmt.Errorf("conformal.alpha must be in (0,1), got %v", c.Conformal.Alpha)
	}
	if len(c.Conformal.Labels) != 2 {
		return fmt.Errorf("conformal.labels must have exactly 2 entries, got %d", len(c.Conformal.Labels))
	}
	if c.Drift.HardThreshold <= c.Drift.SoftThreshold {
		return fmt.Errorf("drift.hard_threshold (%v) must be greater than drift.soft_threshold (%v)",
			c.Drift.HardThreshold, c.Drift.SoftThreshold)
	}
	if c.Drift.WindowSize <= 0 || c.Drift.Stride <= 0 {
		return fmt.Errorf("drift.window_size and drift.stride must be positive")
	}
	if c.Paths.VersionsDir == "" || c.Paths.ActivePtr == "" {
		return fmt.Errorf("paths.versions_dir and paths.active_ptr are required")
	}
	if c.Environment == Production {
		for _, origin := range c.CORSOrigins {
			if origin == "*" {
				return fmt.Errorf("wildcard CORS_ORIGINS is forbidden in production")
			}
		}
	}
	return nil
}

// IsProduction reports whether the config targets the production environment.
func (c *Config) IsProduction() bool {
	return c.Environment == Production
}
