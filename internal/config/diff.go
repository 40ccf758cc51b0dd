package config

import (
	"sort"
	"strings"

	"wabulk/pkg/logx"
)

// Change is the result of comparing two configs.
type Change struct {
	// Sections lists changed top-level keys, sorted.
	Sections []string
	// Attrs are safe structured fields for logging; secrets are reduced to *_set booleans.
	Attrs []logx.Field
	// RestartRequired lists changed sections that only take effect after a restart.
	RestartRequired []string
}

// SummarizeConfigChange compares two configs for logging and for deciding
// which services to re-apply.
func SummarizeConfigChange(oldCfg, newCfg *Config) Change {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	var c Change
	mark := func(section string, restart bool, attrs ...logx.Field) {
		c.Sections = append(c.Sections, section)
		c.Attrs = append(c.Attrs, attrs...)
		if restart {
			c.RestartRequired = append(c.RestartRequired, section)
		}
	}
	set := func(s string) bool { return strings.TrimSpace(s) != "" }

	if oldCfg.HTTP != newCfg.HTTP {
		restart := oldCfg.HTTP.Addr != newCfg.HTTP.Addr || oldCfg.HTTP.Pprof != newCfg.HTTP.Pprof
		mark("http", restart,
			logx.String("http.addr", newCfg.HTTP.Addr),
			logx.String("http.request_timeout", newCfg.HTTP.RequestTimeout),
			logx.Bool("http.pprof", newCfg.HTTP.Pprof),
			logx.Bool("http.token_set", set(newCfg.HTTP.Token)),
		)
	}

	if oldCfg.Logging != newCfg.Logging {
		mark("logging", false,
			logx.String("logx.level", newCfg.Logging.Level),
			logx.Bool("logx.console", newCfg.Logging.Console),
			logx.Bool("logx.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	// Storage (never log dsn)
	if oldCfg.Storage != newCfg.Storage {
		mark("storage", true,
			logx.String("storage.driver", newCfg.Storage.Driver),
			logx.Bool("storage.path_set", set(newCfg.Storage.Path)),
			logx.Bool("storage.dsn_set", set(newCfg.Storage.DSN)),
		)
	}

	// Gateway (never log api key)
	if oldCfg.Gateway != newCfg.Gateway {
		mark("gateway", false,
			logx.String("gateway.base_url", newCfg.Gateway.BaseURL),
			logx.String("gateway.session", newCfg.Gateway.Session),
			logx.Bool("gateway.api_key_set", set(newCfg.Gateway.APIKey)),
			logx.Int("gateway.rate_per_sec", newCfg.Gateway.RatePerSec),
		)
	}

	if oldCfg.Dispatch != newCfg.Dispatch {
		d := newCfg.Dispatch.WithDefaults()
		mark("dispatch", false,
			logx.Int("dispatch.min_rate_seconds", d.MinRateSeconds),
			logx.Int("dispatch.max_rate_seconds", d.MaxRateSeconds),
			logx.Int("dispatch.failure_threshold", d.FailureThreshold),
		)
	}

	if oldCfg.Sweep != newCfg.Sweep {
		mark("sweep", false,
			logx.String("sweep.probe_interval", newCfg.Sweep.ProbeInterval),
			logx.Int("sweep.failure_threshold", newCfg.Sweep.FailureThreshold),
		)
	}

	// Inbound (never log amqp url)
	if oldCfg.Inbound != newCfg.Inbound {
		mark("inbound", oldCfg.Inbound.AMQP != newCfg.Inbound.AMQP,
			logx.String("inbound.responded_window", newCfg.Inbound.RespondedWindow),
			logx.Bool("inbound.amqp.enabled", newCfg.Inbound.AMQP.Enabled),
			logx.Bool("inbound.amqp.url_set", set(newCfg.Inbound.AMQP.URL)),
			logx.String("inbound.amqp.queue", newCfg.Inbound.AMQP.Queue),
		)
	}

	if oldCfg.Scheduler != newCfg.Scheduler {
		mark("scheduler", false,
			logx.Bool("scheduler.enabled", newCfg.Scheduler.Enabled),
			logx.String("scheduler.due_campaigns", newCfg.Scheduler.DueCampaigns),
			logx.String("scheduler.sweep", newCfg.Scheduler.Sweep),
			logx.String("scheduler.retention", newCfg.Scheduler.Retention),
			logx.String("scheduler.timezone", newCfg.Scheduler.Timezone),
		)
	}

	sort.Strings(c.Sections)
	sort.Strings(c.RestartRequired)
	return c
}
