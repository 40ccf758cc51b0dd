package config

import (
	"fmt"
	"strings"
	"time"
)

// Durations are the config's duration strings resolved to values, with
// defaults filled in. Call only on a config that passed Validate.
type Durations struct {
	RequestTimeout  time.Duration
	ShutdownGrace   time.Duration
	BusyTimeout     time.Duration
	GatewayTimeout  time.Duration
	ProbeInterval   time.Duration
	RespondedWindow time.Duration
	RetentionAge    time.Duration
}

type durationField struct {
	path string
	raw  string
	def  time.Duration
	dst  *time.Duration
}

func (c *Config) durationFields(d *Durations) []durationField {
	return []durationField{
		{"http.request_timeout", c.HTTP.RequestTimeout, DefaultRequestTimeout, &d.RequestTimeout},
		{"http.shutdown_grace", c.HTTP.ShutdownGrace, DefaultShutdownGrace, &d.ShutdownGrace},
		{"storage.busy_timeout", c.Storage.BusyTimeout, 5 * time.Second, &d.BusyTimeout},
		{"gateway.timeout", c.Gateway.Timeout, DefaultGatewayTimeout, &d.GatewayTimeout},
		{"sweep.probe_interval", c.Sweep.ProbeInterval, DefaultProbeInterval, &d.ProbeInterval},
		{"inbound.responded_window", c.Inbound.RespondedWindow, DefaultRespondedWindow, &d.RespondedWindow},
		{"scheduler.retention_age", c.Scheduler.RetentionAge, DefaultRetentionAge, &d.RetentionAge},
	}
}

func (c *Config) Durations() Durations {
	var d Durations
	for _, f := range c.durationFields(&d) {
		v, err := parseDuration(f.path, f.raw)
		if err != nil || v == 0 {
			v = f.def
		}
		*f.dst = v
	}
	return d
}

// parseDuration accepts a Go duration string; blank means zero (use the
// default) and negative values are rejected.
func parseDuration(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	switch {
	case err != nil:
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	case d < 0:
		return 0, fmt.Errorf("%s: %s is negative", path, s)
	}
	return d, nil
}
