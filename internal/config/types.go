package config

type Config struct {
	HTTP     HTTPConfig     `json:"http"`
	Logging  LoggingConfig  `json:"logging"`
	Storage  StorageConfig  `json:"storage"`
	Gateway  GatewayConfig  `json:"gateway"`
	Dispatch DispatchConfig `json:"dispatch"`
	Sweep    SweepConfig    `json:"sweep"`
	Inbound  InboundConfig  `json:"inbound"`

	// Scheduler controls cron-style triggers (due campaigns, periodic sweep, retention).
	Scheduler SchedulerConfig `json:"scheduler"`
}

// HTTPConfig controls the API listener.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
type HTTPConfig struct {
	Addr           string `json:"addr"`                      // default: "127.0.0.1:8080"
	RequestTimeout string `json:"request_timeout,omitempty"` // default: "30s"
	ShutdownGrace  string `json:"shutdown_grace,omitempty"`  // default: "10s"

	// Token, when set, is required as "Authorization: Bearer <token>" or
	// ?token=<token> on every /api and /debug route.
	Token string `json:"token,omitempty"` // secret: never logged

	// Pprof mounts /debug/pprof on the API router. Keep off on public listeners.
	Pprof bool `json:"pprof,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled    bool   `json:"enabled"`
	Path       string `json:"path"`
	MaxSizeMB  int    `json:"max_size_mb,omitempty"`
	MaxBackups int    `json:"max_backups,omitempty"`
	MaxAgeDays int    `json:"max_age_days,omitempty"`
	Compress   bool   `json:"compress,omitempty"`
}

// StorageConfig selects the ledger/contact store.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./wabulk.db" }
//	"storage": { "driver": "postgres", "dsn": "postgres://..." }
//
// Driver "memory" keeps everything in-process (tests, demos).
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path,omitempty"`
	DSN         string `json:"dsn,omitempty"`          // secret: never logged
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

// GatewayConfig points at the WhatsApp HTTP gateway (WAHA-compatible).
type GatewayConfig struct {
	BaseURL    string `json:"base_url"`
	Session    string `json:"session,omitempty"` // default: "default"
	APIKey     string `json:"api_key,omitempty"` // secret: never logged
	Timeout    string `json:"timeout,omitempty"` // default: "15s"
	RatePerSec int    `json:"rate_per_sec,omitempty"`
	Burst      int    `json:"burst,omitempty"`
}

// DispatchConfig controls campaign runners.
//
// Defaults:
//   - min_rate_seconds: 5
//   - max_rate_seconds: 3600
//   - default_rate_seconds: 30
//   - failure_threshold: 5
type DispatchConfig struct {
	MinRateSeconds     int `json:"min_rate_seconds,omitempty"`
	MaxRateSeconds     int `json:"max_rate_seconds,omitempty"`
	DefaultRateSeconds int `json:"default_rate_seconds,omitempty"`
	FailureThreshold   int `json:"failure_threshold,omitempty"`
}

// SweepConfig controls the verification sweeper.
type SweepConfig struct {
	ProbeInterval    string `json:"probe_interval,omitempty"` // default: "500ms"
	FailureThreshold int    `json:"failure_threshold,omitempty"`
}

// InboundConfig controls how replies are attributed to campaigns.
type InboundConfig struct {
	RespondedWindow string     `json:"responded_window,omitempty"` // default: "72h"
	AMQP            AMQPConfig `json:"amqp"`
}

// AMQPConfig enables an optional RabbitMQ consumer for inbound messages.
type AMQPConfig struct {
	Enabled  bool   `json:"enabled"`
	URL      string `json:"url,omitempty"` // secret: never logged
	Queue    string `json:"queue,omitempty"`
	Prefetch int    `json:"prefetch,omitempty"`
}

// SchedulerConfig controls the scheduler (trigger) service.
//
// Schedules accept a cron spec ("*/5 * * * *"), an interval ("30s", "every 1m")
// or a daily time ("03:00"). Empty disables the trigger.
type SchedulerConfig struct {
	Enabled bool `json:"enabled"`

	DueCampaigns string `json:"due_campaigns,omitempty"` // default: "30s"
	Sweep        string `json:"sweep,omitempty"`
	Retention    string `json:"retention,omitempty"`
	RetentionAge string `json:"retention_age,omitempty"` // default: "720h"

	// Trigger timezone.
	Timezone string `json:"timezone,omitempty"`
}
