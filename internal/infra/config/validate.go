package config

import (
	"fmt"

	"healthsync/internal/domain"
)

// Validate checks the configuration for values the engine cannot run with.
func Validate(cfg *Config) error {
	if cfg.Sync.Interval <= 0 {
		return valErr("sync.interval must be positive")
	}
	if cfg.Sync.MaxRetryAttempts < 1 {
		return valErr("sync.max_retry_attempts must be at least 1")
	}
	if cfg.Sync.BatchSize < 1 {
		return valErr("sync.batch_size must be at least 1")
	}
	if cfg.Sync.MinBatteryLevel < 0 || cfg.Sync.MinBatteryLevel > 1 {
		return valErr("sync.min_battery_level must be in [0, 1]")
	}
	if cfg.Sync.QueryTimeout <= 0 {
		return valErr("sync.query_timeout must be positive")
	}
	if len(cfg.Sync.MetricTypes) == 0 {
		return valErr("sync.metric_types must not be empty")
	}

	switch cfg.Platform.Kind {
	case "apple", "google":
	default:
		return valErr(fmt.Sprintf("platform.kind %q not supported (want apple or google)", cfg.Platform.Kind))
	}
	if cfg.Platform.RateLimitPerWindow < 1 {
		return valErr("platform.rate_limit_per_window must be at least 1")
	}
	if cfg.Platform.RateWindow <= 0 {
		return valErr("platform.rate_window must be positive")
	}

	if cfg.Security.RotationUsageThreshold == 0 {
		return valErr("security.rotation_usage_threshold must be positive")
	}
	if cfg.Security.RotationInterval <= 0 {
		return valErr("security.rotation_interval must be positive")
	}

	// Cache entries older than the sync interval are useless; cap the TTL.
	if cfg.Cache.TTL > cfg.Sync.Interval {
		cfg.Cache.TTL = cfg.Sync.Interval
	}
	if cfg.Cache.Capacity < 1 {
		return valErr("cache.capacity must be at least 1")
	}

	return nil
}

func valErr(detail string) error {
	return domain.NewDomainError("Config.Validate", domain.ErrConfigLoad, detail)
}
