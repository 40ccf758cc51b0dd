package app

import (
	"strings"

	"wabulk/internal/campaign"
	"wabulk/internal/config"
	"wabulk/internal/dispatch"
	"wabulk/internal/gateway"
	"wabulk/internal/httpapi"
	"wabulk/internal/scheduler"
	"wabulk/internal/storage"
	"wabulk/internal/sweep"
	logx "wabulk/pkg/logx"
)

// Config sections are translated into component configs here, so packages
// below internal/app never import internal/config.

func mapStorage(cfg *config.Config) storage.Config {
	return storage.Config{
		Driver:      strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)),
		Path:        strings.TrimSpace(cfg.Storage.Path),
		DSN:         strings.TrimSpace(cfg.Storage.DSN),
		BusyTimeout: cfg.Durations().BusyTimeout,
	}
}

func mapLogging(cfg *config.Config) logx.Config {
	f := cfg.Logging.File
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled:    f.Enabled,
			Path:       f.Path,
			MaxSizeMB:  f.MaxSizeMB,
			MaxBackups: f.MaxBackups,
			MaxAgeDays: f.MaxAgeDays,
			Compress:   f.Compress,
		},
	}
}

func mapGateway(cfg *config.Config) gateway.Config {
	g := cfg.Gateway
	return gateway.Config{
		BaseURL:    g.BaseURL,
		Session:    g.Session,
		APIKey:     g.APIKey,
		Timeout:    cfg.Durations().GatewayTimeout,
		RatePerSec: float64(g.RatePerSec),
		Burst:      g.Burst,
	}
}

func mapDispatch(cfg *config.Config) dispatch.Config {
	d := cfg.Dispatch.WithDefaults()
	return dispatch.Config{
		FailureThreshold:   d.FailureThreshold,
		DefaultRateSeconds: d.DefaultRateSeconds,
	}
}

func mapCampaign(cfg *config.Config) campaign.Config {
	d := cfg.Dispatch.WithDefaults()
	return campaign.Config{
		MinRateSeconds:     d.MinRateSeconds,
		MaxRateSeconds:     d.MaxRateSeconds,
		DefaultRateSeconds: d.DefaultRateSeconds,
	}
}

func mapSweep(cfg *config.Config) sweep.Config {
	return sweep.Config{
		ProbeInterval:    cfg.Durations().ProbeInterval,
		FailureThreshold: cfg.Sweep.FailureThreshold,
	}
}

func mapHTTP(cfg *config.Config) httpapi.Config {
	du := cfg.Durations()
	addr := strings.TrimSpace(cfg.HTTP.Addr)
	if addr == "" {
		addr = config.DefaultHTTPAddr
	}
	return httpapi.Config{
		Addr:           addr,
		RequestTimeout: du.RequestTimeout,
		ShutdownGrace:  du.ShutdownGrace,
		Token:          cfg.HTTP.Token,
		Pprof:          cfg.HTTP.Pprof,
	}
}

func mapScheduler(cfg *config.Config) scheduler.Config {
	return scheduler.Config{Timezone: strings.TrimSpace(cfg.Scheduler.Timezone)}
}
