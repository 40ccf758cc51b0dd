package config

import (
	"context"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"
)

func TestDecodeYAMLAndJSON(t *testing.T) {
	t.Parallel()

	yml := []byte(`
http:
  addr: "0.0.0.0:9000"
storage:
  driver: sqlite
  path: ./wabulk.db
dispatch:
  min_rate_seconds: 10
scheduler:
  enabled: true
  sweep: "03:00"
`)
	cfg, err := Decode("wabulk.yaml", yml)
	if err != nil {
		t.Fatalf("yaml decode: %v", err)
	}
	if cfg.HTTP.Addr != "0.0.0.0:9000" || cfg.Storage.Driver != "sqlite" || cfg.Dispatch.MinRateSeconds != 10 {
		t.Fatalf("unexpected cfg: %+v", cfg)
	}
	if cfg.Scheduler.Sweep != "03:00" {
		t.Fatalf("sweep=%q", cfg.Scheduler.Sweep)
	}

	js := []byte(`{"storage":{"driver":"memory"}}`)
	if _, err := Decode("wabulk.json", js); err != nil {
		t.Fatalf("json decode: %v", err)
	}
}

func TestDecodeRejectsUnknownAndTrailing(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		path string
		in   string
	}{
		{"unknown json key", "c.json", `{"smtp":{"host":"x"}}`},
		{"unknown yaml key", "c.yml", "storage:\n  driver: memory\n  bogus: 1\n"},
		{"trailing json", "c.json", `{} {}`},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if _, err := Decode(tc.path, []byte(tc.in)); err == nil {
				t.Fatalf("expected error")
			}
		})
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		cfg     Config
		wantErr string
	}{
		{"empty is memory", Config{}, ""},
		{"sqlite needs path", Config{Storage: StorageConfig{Driver: "sqlite"}}, "storage.path"},
		{"postgres needs dsn", Config{Storage: StorageConfig{Driver: "postgres"}}, "storage.dsn"},
		{"bad driver", Config{Storage: StorageConfig{Driver: "mongo"}}, "storage.driver"},
		{"bad level", Config{Logging: LoggingConfig{Level: "loud"}}, "logging.level"},
		{"bad url", Config{Gateway: GatewayConfig{BaseURL: "nope"}}, "gateway.base_url"},
		{"bad bounds", Config{Dispatch: DispatchConfig{MinRateSeconds: 60, MaxRateSeconds: 10}}, "dispatch"},
		{"bad duration", Config{Sweep: SweepConfig{ProbeInterval: "soon"}}, "sweep.probe_interval"},
		{"amqp needs queue", Config{Inbound: InboundConfig{AMQP: AMQPConfig{Enabled: true, URL: "amqp://x"}}}, "inbound.amqp.queue"},
		{"bad tz", Config{Scheduler: SchedulerConfig{Timezone: "Mars/Olympus"}}, "scheduler.timezone"},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			err := Validate(&tc.cfg)
			if tc.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
				t.Fatalf("err=%v want substring %q", err, tc.wantErr)
			}
		})
	}
}

func TestDurationsDefaults(t *testing.T) {
	t.Parallel()

	cfg := &Config{Sweep: SweepConfig{ProbeInterval: "2s"}}
	d := cfg.Durations()
	if d.ProbeInterval != 2*time.Second {
		t.Fatalf("probe=%v", d.ProbeInterval)
	}
	if d.RespondedWindow != DefaultRespondedWindow || d.GatewayTimeout != DefaultGatewayTimeout {
		t.Fatalf("defaults not applied: %+v", d)
	}
}

func TestEnvOverridesSecrets(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "wabulk.json")
	if err := os.WriteFile(path, []byte(`{"storage":{"driver":"postgres"}}`), 0o600); err != nil {
		t.Fatal(err)
	}
	m := NewManager(path)
	m.getenv = func(k string) string {
		switch k {
		case "WABULK_STORAGE_DSN":
			return "postgres://u:p@db/wabulk"
		case "WABULK_GATEWAY_API_KEY":
			return "secret"
		}
		return ""
	}
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Storage.DSN != "postgres://u:p@db/wabulk" || cfg.Gateway.APIKey != "secret" {
		t.Fatalf("env not applied: %+v", cfg)
	}
	if m.Get() != cfg {
		t.Fatalf("Load should commit")
	}
}

func TestSummarizeConfigChangeHidesSecrets(t *testing.T) {
	t.Parallel()

	oldCfg := &Config{Gateway: GatewayConfig{APIKey: "a"}, Storage: StorageConfig{Driver: "memory"}}
	newCfg := &Config{Gateway: GatewayConfig{APIKey: "b"}, Storage: StorageConfig{Driver: "sqlite", Path: "x.db"}}

	c := SummarizeConfigChange(oldCfg, newCfg)
	if !reflect.DeepEqual(c.Sections, []string{"gateway", "storage"}) {
		t.Fatalf("sections=%v", c.Sections)
	}
	if !reflect.DeepEqual(c.RestartRequired, []string{"storage"}) {
		t.Fatalf("restart=%v", c.RestartRequired)
	}

	none := SummarizeConfigChange(oldCfg, oldCfg)
	if len(none.Sections) != 0 || len(none.Attrs) != 0 {
		t.Fatalf("expected no change, got %+v", none.Sections)
	}
}

func TestWatchPublishesReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "wabulk.json")
	if err := os.WriteFile(path, []byte(`{"logging":{"level":"info"}}`), 0o600); err != nil {
		t.Fatal(err)
	}
	m := NewManager(path)
	m.getenv = func(string) string { return "" }
	if _, err := m.Load(); err != nil {
		t.Fatal(err)
	}
	ch := m.Subscribe(1)
	armed := make(chan struct{}, 1)
	m.watching = func() {
		select {
		case armed <- struct{}{}:
		default:
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = m.Watch(ctx)
	}()
	defer func() {
		cancel()
		<-done
	}()

	select {
	case <-armed:
	case <-time.After(5 * time.Second):
		t.Fatal("watcher never started")
	}
	// a single write, so the debounce timer is not reset under the test
	if err := os.WriteFile(path, []byte(`{"logging":{"level":"debug"}}`), 0o600); err != nil {
		t.Fatal(err)
	}

	select {
	case cfg := <-ch:
		if cfg.Logging.Level != "debug" {
			t.Fatalf("level=%q", cfg.Logging.Level)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no reload published")
	}
}

func TestDecodeEmptyYAMLIsEmptyConfig(t *testing.T) {
	t.Parallel()

	cfg, err := Decode("empty.yaml", []byte("# nothing yet\n"))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if err := Validate(cfg); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if got := cfg.Durations().RespondedWindow; got != DefaultRespondedWindow {
		t.Fatalf("responded window = %v", got)
	}
}
