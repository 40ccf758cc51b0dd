package app

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wabulk/internal/config"
	"wabulk/internal/model"
	"wabulk/internal/storage"
	logx "wabulk/pkg/logx"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestMappingDefaults(t *testing.T) {
	cfg := &config.Config{}

	h := mapHTTP(cfg)
	assert.Equal(t, config.DefaultHTTPAddr, h.Addr)
	assert.Equal(t, config.DefaultRequestTimeout, h.RequestTimeout)

	c := mapCampaign(cfg)
	assert.Equal(t, config.DefaultMinRateSeconds, c.MinRateSeconds)
	assert.Equal(t, config.DefaultMaxRateSeconds, c.MaxRateSeconds)
	assert.Equal(t, config.DefaultRateSeconds, c.DefaultRateSeconds)

	assert.Equal(t, config.DefaultFailureThreshold, mapDispatch(cfg).FailureThreshold)
	assert.Equal(t, config.DefaultProbeInterval, mapSweep(cfg).ProbeInterval)
	assert.Equal(t, config.DefaultGatewayTimeout, mapGateway(cfg).Timeout)
}

func TestStartRegistersTriggersAndStops(t *testing.T) {
	path := writeConfig(t, `
http:
  addr: "127.0.0.1:0"
logging:
  level: error
storage:
  driver: memory
scheduler:
  enabled: true
  sweep: "daily 03:00"
  timezone: UTC
`)
	a, err := New(path)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, a.Start(ctx))

	snap := a.sched.Snapshot()
	assert.True(t, snap.Running)
	var names []string
	for _, s := range snap.Schedules {
		names = append(names, s.Name)
	}
	assert.Equal(t, []string{triggerDueCampaigns, triggerSweep}, names)

	h := a.health()
	assert.Contains(t, h, "uptime")
	assert.Contains(t, h, "runners")

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer stopCancel()
	require.NoError(t, a.Stop(stopCtx, StopAppStop))
	assert.NoError(t, a.Err())
	assert.False(t, a.sched.Snapshot().Running)
}

func TestMergeOnceAgainstSQLite(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "wabulk.db")
	cfgPath := writeConfig(t, "logging:\n  level: error\nstorage:\n  driver: sqlite\n  path: "+dbPath+"\n")

	ctx := context.Background()
	st, err := storage.Open(storage.Config{Driver: "sqlite", Path: dbPath}, logx.Nop())
	require.NoError(t, err)
	for _, phone := range []string{"+573001234567", "573001234567", "+57 300 123 4567", "+573009999999"} {
		_, err := st.CreateContact(ctx, model.Contact{Phone: phone})
		require.NoError(t, err)
	}
	require.NoError(t, st.Close())

	res, err := MergeOnce(ctx, cfgPath)
	require.NoError(t, err)
	assert.Equal(t, 1, res.GroupsMerged)
	assert.Equal(t, 2, res.DuplicatesRemoved)
	assert.NotEmpty(t, res.JobID)

	again, err := MergeOnce(ctx, cfgPath)
	require.NoError(t, err)
	assert.Zero(t, again.GroupsMerged)
}

func TestLoadEnvToleratesMissingFile(t *testing.T) {
	assert.NoError(t, LoadEnv(filepath.Join(t.TempDir(), "absent.env")))
	assert.NoError(t, LoadEnv(""))
}
