package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"healthsync/internal/domain"
)

// Config is the top-level engine configuration.
type Config struct {
	Sync     SyncConfig     `yaml:"sync"`
	Platform PlatformConfig `yaml:"platform"`
	Backend  BackendConfig  `yaml:"backend"`
	Security SecurityConfig `yaml:"security"`
	Device   DeviceConfig   `yaml:"device"`
	Store    StoreConfig    `yaml:"store"`
	Cache    CacheConfig    `yaml:"cache"`
	Logger   LoggerConfig   `yaml:"logger"`
	Tracer   TracerConfig   `yaml:"tracer"`
}

// SyncConfig holds sync cycle behavior settings.
type SyncConfig struct {
	Interval         time.Duration       `yaml:"interval"`
	MaxRetryAttempts int                 `yaml:"max_retry_attempts"`
	BatchSize        int                 `yaml:"batch_size"`
	MinBatteryLevel  float64             `yaml:"min_battery_level"`
	QueryTimeout     time.Duration       `yaml:"query_timeout"`
	RetryBackoffBase time.Duration       `yaml:"retry_backoff_base"`
	RetryBackoffCap  time.Duration       `yaml:"retry_backoff_cap"`
	MetricTypes      []domain.MetricType `yaml:"metric_types"`
	StrictValidation bool                `yaml:"strict_validation"`
}

// PlatformConfig selects and configures the platform health store adapter.
type PlatformConfig struct {
	Kind               string        `yaml:"kind"` // "apple" or "google"
	BaseURL            string        `yaml:"base_url"`
	RateLimitPerWindow int           `yaml:"rate_limit_per_window"`
	RateWindow         time.Duration `yaml:"rate_window"`
	ConnTimeout        time.Duration `yaml:"conn_timeout"`
	RespTimeout        time.Duration `yaml:"resp_timeout"`
}

// BackendConfig holds ingestion API client settings.
type BackendConfig struct {
	BaseURL   string               `yaml:"base_url"`
	AuthToken string               `yaml:"auth_token"`
	UploadRPS float64              `yaml:"upload_rps"` // outbound smoothing, 0 = unlimited
	Breaker   CircuitBreakerConfig `yaml:"breaker"`
}

// CircuitBreakerConfig holds circuit breaker settings for the backend client.
type CircuitBreakerConfig struct {
	MaxFailures uint32        `yaml:"max_failures"`
	Timeout     time.Duration `yaml:"timeout"`
	Interval    time.Duration `yaml:"interval"`
}

// SecurityConfig holds encryption and key management settings.
// The master passphrase is read from HEALTHSYNC_MASTER_KEY, never from file.
type SecurityConfig struct {
	KeyDir                 string        `yaml:"key_dir"`
	RotationUsageThreshold uint64        `yaml:"rotation_usage_threshold"`
	RotationInterval       time.Duration `yaml:"rotation_interval"`
	SecureDelete           bool          `yaml:"secure_delete"`
}

// DeviceConfig holds device-condition gating settings.
type DeviceConfig struct {
	BatteryPath     string        `yaml:"battery_path"` // sysfs-style capacity file; empty = assume full
	ConnectivityURL string        `yaml:"connectivity_url"`
	CheckPeriod     time.Duration `yaml:"check_period"`
}

// StoreConfig holds sync state persistence settings.
type StoreConfig struct {
	Path string `yaml:"path"` // sqlite database file
}

// CacheConfig holds query cache settings.
type CacheConfig struct {
	TTL      time.Duration `yaml:"ttl"`
	Capacity int           `yaml:"capacity"`
}

// LoggerConfig holds logging settings.
type LoggerConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// TracerConfig holds tracing settings.
type TracerConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Exporter string `yaml:"exporter"`
}

// defaultDataDir returns the persistent data directory under $HOME/.healthsync.
// Falls back to "./data" if $HOME cannot be determined.
func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "./data"
	}
	return filepath.Join(home, ".healthsync")
}

// Defaults returns a Config with sensible defaults.
func Defaults() *Config {
	dataDir := defaultDataDir()
	return &Config{
		Sync: SyncConfig{
			Interval:         4 * time.Hour,
			MaxRetryAttempts: 3,
			BatchSize:        100,
			MinBatteryLevel:  0.15,
			QueryTimeout:     30 * time.Second,
			RetryBackoffBase: 15 * time.Second,
			RetryBackoffCap:  60 * time.Second,
			MetricTypes: []domain.MetricType{
				domain.MetricHeartRate,
				domain.MetricSteps,
				domain.MetricBloodPressure,
				domain.MetricWeight,
				domain.MetricSleepDuration,
			},
			StrictValidation: false,
		},
		Platform: PlatformConfig{
			Kind:               "apple",
			BaseURL:            "http://localhost:9460",
			RateLimitPerWindow: 100,
			RateWindow:         time.Hour,
			ConnTimeout:        10 * time.Second,
			RespTimeout:        30 * time.Second,
		},
		Backend: BackendConfig{
			UploadRPS: 5,
			Breaker: CircuitBreakerConfig{
				MaxFailures: 5,
				Timeout:     30 * time.Second,
				Interval:    60 * time.Second,
			},
		},
		Security: SecurityConfig{
			KeyDir:                 filepath.Join(dataDir, "keys"),
			RotationUsageThreshold: 100000,
			RotationInterval:       720 * time.Hour, // 30 days
			SecureDelete:           true,
		},
		Device: DeviceConfig{
			ConnectivityURL: "https://1.1.1.1",
			CheckPeriod:     30 * time.Second,
		},
		Store: StoreConfig{
			Path: filepath.Join(dataDir, "state.db"),
		},
		Cache: CacheConfig{
			TTL:      4 * time.Hour,
			Capacity: 128,
		},
		Logger: LoggerConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
		Tracer: TracerConfig{
			Enabled:  false,
			Exporter: "noop",
		},
	}
}

// Load reads a YAML config file and applies env var overrides.
// A missing file is not an error; defaults plus env overrides are used.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			ApplyEnvOverrides(cfg)
			if err := Validate(cfg); err != nil {
				return nil, err
			}
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrConfigLoad, err)
	}

	ApplyEnvOverrides(cfg)

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnvOverrides maps HEALTHSYNC_* env vars to config fields.
func ApplyEnvOverrides(cfg *Config) {
	if v := os.Getenv("HEALTHSYNC_SYNC_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.Sync.Interval = d
		}
	}
	if v := os.Getenv("HEALTHSYNC_SYNC_MAX_RETRY_ATTEMPTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Sync.MaxRetryAttempts = n
		}
	}
	if v := os.Getenv("HEALTHSYNC_SYNC_BATCH_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Sync.BatchSize = n
		}
	}
	if v := os.Getenv("HEALTHSYNC_SYNC_MIN_BATTERY_LEVEL"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f >= 0 && f <= 1 {
			cfg.Sync.MinBatteryLevel = f
		}
	}
	if v := os.Getenv("HEALTHSYNC_SYNC_QUERY_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.Sync.QueryTimeout = d
		}
	}
	if v := os.Getenv("HEALTHSYNC_SYNC_METRIC_TYPES"); v != "" {
		var types []domain.MetricType
		for _, s := range splitAndTrim(v, ",") {
			types = append(types, domain.MetricType(s))
		}
		cfg.Sync.MetricTypes = types
	}
	if v := os.Getenv("HEALTHSYNC_SYNC_STRICT_VALIDATION"); v == "true" {
		cfg.Sync.StrictValidation = true
	}

	if v := os.Getenv("HEALTHSYNC_PLATFORM_KIND"); v != "" {
		cfg.Platform.Kind = v
	}
	if v := os.Getenv("HEALTHSYNC_PLATFORM_BASE_URL"); v != "" {
		cfg.Platform.BaseURL = v
	}
	if v := os.Getenv("HEALTHSYNC_PLATFORM_RATE_LIMIT_PER_WINDOW"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Platform.RateLimitPerWindow = n
		}
	}
	if v := os.Getenv("HEALTHSYNC_PLATFORM_RATE_WINDOW"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.Platform.RateWindow = d
		}
	}

	if v := os.Getenv("HEALTHSYNC_BACKEND_BASE_URL"); v != "" {
		cfg.Backend.BaseURL = v
	}
	if v := os.Getenv("HEALTHSYNC_BACKEND_AUTH_TOKEN"); v != "" {
		cfg.Backend.AuthToken = v
	}
	if v := os.Getenv("HEALTHSYNC_BACKEND_UPLOAD_RPS"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f >= 0 {
			cfg.Backend.UploadRPS = f
		}
	}

	if v := os.Getenv("HEALTHSYNC_SECURITY_KEY_DIR"); v != "" {
		cfg.Security.KeyDir = v
	}
	if v := os.Getenv("HEALTHSYNC_SECURITY_ROTATION_USAGE_THRESHOLD"); v != "" {
		if n, err := strconv.ParseUint(v, 10, 64); err == nil && n > 0 {
			cfg.Security.RotationUsageThreshold = n
		}
	}
	if v := os.Getenv("HEALTHSYNC_SECURITY_ROTATION_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.Security.RotationInterval = d
		}
	}

	if v := os.Getenv("HEALTHSYNC_DEVICE_BATTERY_PATH"); v != "" {
		cfg.Device.BatteryPath = v
	}
	if v := os.Getenv("HEALTHSYNC_DEVICE_CONNECTIVITY_URL"); v != "" {
		cfg.Device.ConnectivityURL = v
	}

	if v := os.Getenv("HEALTHSYNC_STORE_PATH"); v != "" {
		cfg.Store.Path = v
	}

	if v := os.Getenv("HEALTHSYNC_CACHE_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.Cache.TTL = d
		}
	}
	if v := os.Getenv("HEALTHSYNC_CACHE_CAPACITY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Cache.Capacity = n
		}
	}

	if v := os.Getenv("HEALTHSYNC_LOGGER_LEVEL"); v != "" {
		cfg.Logger.Level = v
	}
	if v := os.Getenv("HEALTHSYNC_TRACER_ENABLED"); v == "true" {
		cfg.Tracer.Enabled = true
	}
	if v := os.Getenv("HEALTHSYNC_TRACER_EXPORTER"); v != "" {
		cfg.Tracer.Exporter = v
	}
}

func splitAndTrim(s, sep string) []string {
	var out []string
	for _, part := range strings.Split(s, sep) {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
