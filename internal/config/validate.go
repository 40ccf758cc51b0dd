package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"wabulk/pkg/logx"
)

const (
	DefaultHTTPAddr             = "127.0.0.1:8080"
	DefaultMinRateSeconds       = 5
	DefaultMaxRateSeconds       = 3600
	DefaultRateSeconds          = 30
	DefaultFailureThreshold     = 5
	DefaultProbeInterval        = 500 * time.Millisecond
	DefaultRespondedWindow      = 72 * time.Hour
	DefaultRetentionAge         = 30 * 24 * time.Hour
	DefaultGatewayTimeout       = 15 * time.Second
	DefaultRequestTimeout       = 30 * time.Second
	DefaultShutdownGrace        = 10 * time.Second
	DefaultDueCampaignsSchedule = "30s"
)

// Validate checks everything that can be checked without touching the network.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error

	if !logx.ValidLevel(cfg.Logging.Level) {
		errs = append(errs, fmt.Errorf("logging.level: unknown level %q", cfg.Logging.Level))
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)) {
	case "", "memory":
	case "sqlite":
		if strings.TrimSpace(cfg.Storage.Path) == "" {
			errs = append(errs, errors.New("storage.path: required for sqlite"))
		}
	case "postgres":
		if strings.TrimSpace(cfg.Storage.DSN) == "" {
			errs = append(errs, errors.New("storage.dsn: required for postgres (or WABULK_STORAGE_DSN)"))
		}
	default:
		errs = append(errs, fmt.Errorf("storage.driver: unsupported %q", cfg.Storage.Driver))
	}

	if raw := strings.TrimSpace(cfg.Gateway.BaseURL); raw != "" {
		if u, err := url.Parse(raw); err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, fmt.Errorf("gateway.base_url: invalid url %q", raw))
		}
	}
	if cfg.Gateway.RatePerSec < 0 || cfg.Gateway.Burst < 0 {
		errs = append(errs, errors.New("gateway: rate_per_sec and burst must be >= 0"))
	}

	d := cfg.Dispatch.WithDefaults()
	if d.MinRateSeconds <= 0 || d.MaxRateSeconds < d.MinRateSeconds {
		errs = append(errs, fmt.Errorf("dispatch: invalid rate bounds [%d,%d]", d.MinRateSeconds, d.MaxRateSeconds))
	}
	if d.DefaultRateSeconds < d.MinRateSeconds || d.DefaultRateSeconds > d.MaxRateSeconds {
		errs = append(errs, fmt.Errorf("dispatch.default_rate_seconds: %d outside [%d,%d]", d.DefaultRateSeconds, d.MinRateSeconds, d.MaxRateSeconds))
	}

	if cfg.Inbound.AMQP.Enabled {
		if strings.TrimSpace(cfg.Inbound.AMQP.URL) == "" {
			errs = append(errs, errors.New("inbound.amqp.url: required when enabled (or WABULK_AMQP_URL)"))
		}
		if strings.TrimSpace(cfg.Inbound.AMQP.Queue) == "" {
			errs = append(errs, errors.New("inbound.amqp.queue: required when enabled"))
		}
	}

	var scratch Durations
	for _, f := range cfg.durationFields(&scratch) {
		if _, err := parseDuration(f.path, f.raw); err != nil {
			errs = append(errs, err)
		}
	}
	if tz := strings.TrimSpace(cfg.Scheduler.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			errs = append(errs, fmt.Errorf("scheduler.timezone: %w", err))
		}
	}

	return errors.Join(errs...)
}

func (c DispatchConfig) WithDefaults() DispatchConfig {
	if c.MinRateSeconds <= 0 {
		c.MinRateSeconds = DefaultMinRateSeconds
	}
	if c.MaxRateSeconds <= 0 {
		c.MaxRateSeconds = DefaultMaxRateSeconds
	}
	if c.DefaultRateSeconds <= 0 {
		c.DefaultRateSeconds = DefaultRateSeconds
	}
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = DefaultFailureThreshold
	}
	return c
}
