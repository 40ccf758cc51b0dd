package dispatch

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"wabulk/internal/campaign"
	"wabulk/internal/gateway"
	"wabulk/internal/gateway/gatewaytest"
	"wabulk/internal/jobs"
	"wabulk/internal/model"
	"wabulk/internal/runtime/supervisor"
	"wabulk/internal/storage"
	"wabulk/pkg/logx"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type harness struct {
	ledger *jobs.Ledger
	gw     *gatewaytest.Fake
	sup    *supervisor.Supervisor
	d      *Dispatcher
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	fake := gatewaytest.New()
	h := buildHarness(t, cfg, storage.NewMemory(), fake)
	h.gw = fake
	return h
}

func buildHarness(t *testing.T, cfg Config, store storage.LedgerStore, gw gateway.Gateway) *harness {
	t.Helper()
	if cfg.RunnerBackoff == 0 {
		cfg.RunnerBackoff = 5 * time.Millisecond
	}
	h := &harness{
		ledger: jobs.New(store, nil, logx.Nop()),
		sup:    supervisor.New(context.Background()),
	}
	h.d = New(cfg, h.ledger, gw, h.sup, campaign.Render, logx.Nop(), WithTickUnit(time.Millisecond))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = h.sup.Stop(ctx)
	})
	return h
}

func (h *harness) campaign(t *testing.T, n, rate int) model.Job {
	t.Helper()
	rs := make([]model.Recipient, n)
	for i := range rs {
		rs[i] = model.Recipient{ContactID: int64(i + 1), Phone: fmt.Sprintf("57300%04d", i), DisplayName: fmt.Sprintf("c%d", i)}
	}
	job, err := h.ledger.CreateCampaign(context.Background(), jobs.Draft{
		Message:     "Hola {nombre}",
		Filter:      model.FilterSpec{Kind: model.FilterAllActive},
		RateSeconds: rate,
	}, rs)
	require.NoError(t, err)
	return job
}

func (h *harness) start(t *testing.T, id string) {
	t.Helper()
	_, err := h.ledger.Start(context.Background(), id)
	require.NoError(t, err)
	h.d.Ensure(id)
}

func (h *harness) waitState(t *testing.T, id string, want model.JobState) model.Job {
	t.Helper()
	var job model.Job
	require.Eventually(t, func() bool {
		var err error
		job, err = h.ledger.Get(context.Background(), id)
		return err == nil && job.State == want && !h.ledger.Running(id)
	}, 5*time.Second, 2*time.Millisecond, "job %s never reached %s", id, want)
	return job
}

func phones(sent []gatewaytest.Sent) []string {
	out := make([]string, len(sent))
	for i, s := range sent {
		out[i] = s.Phone
	}
	return out
}

func TestRunToCompletion(t *testing.T) {
	h := newHarness(t, Config{})
	job := h.campaign(t, 5, 30)
	h.start(t, job.ID)

	done := h.waitState(t, job.ID, model.StateCompleted)
	st := done.Status()
	assert.Equal(t, 5, st.Processed)
	assert.Equal(t, 5, st.Succeeded)
	assert.Equal(t, 0, st.Failed)
	assert.Equal(t, 100, st.Progreso)
	require.NotNil(t, done.FinishedAt)

	sent := h.gw.Sent()
	require.Len(t, sent, 5)
	assert.Equal(t, "Hola c0", sent[0].Text)
	assert.Equal(t, "573000004", sent[4].Phone)
	assert.Equal(t, 0, h.d.Active())
}

func TestPauseThenResumeNeverResends(t *testing.T) {
	h := newHarness(t, Config{})
	job := h.campaign(t, 5, 5)

	var once sync.Once
	h.gw.OnSend = func(n int, _ gatewaytest.Sent) {
		if n == 2 {
			once.Do(func() {
				_, err := h.ledger.Pause(context.Background(), job.ID)
				assert.NoError(t, err)
			})
		}
	}
	h.start(t, job.ID)

	paused := h.waitState(t, job.ID, model.StatePaused)
	assert.Equal(t, 2, paused.Processed)
	assert.Equal(t, 2, paused.Cursor)

	_, err := h.ledger.Resume(context.Background(), job.ID)
	require.NoError(t, err)
	h.d.Ensure(job.ID)

	done := h.waitState(t, job.ID, model.StateCompleted)
	assert.Equal(t, 5, done.Processed)
	assert.Equal(t, 5, done.Succeeded)

	ps := phones(h.gw.Sent())
	require.Len(t, ps, 5)
	seen := map[string]bool{}
	for _, p := range ps {
		assert.False(t, seen[p], "resent to %s", p)
		seen[p] = true
	}
}

func TestCancelStopsWithinOneInterval(t *testing.T) {
	h := newHarness(t, Config{})
	// 60 rate seconds at 100ms each: a full interval is 6s
	h.d.tickUnit = 100 * time.Millisecond
	job := h.campaign(t, 3, 60)
	h.start(t, job.ID)

	require.Eventually(t, func() bool { return len(h.gw.Sent()) == 1 }, 2*time.Second, time.Millisecond)
	require.Eventually(t, func() bool {
		j, _ := h.ledger.Get(context.Background(), job.ID)
		return j.Processed == 1
	}, 2*time.Second, time.Millisecond)

	began := time.Now()
	_, err := h.ledger.Cancel(context.Background(), job.ID)
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, h.ledger.WaitIdle(ctx, job.ID))
	assert.Less(t, time.Since(began), time.Second)

	final, err := h.ledger.Get(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StateCancelled, final.State)
	assert.Equal(t, 1, final.Processed)
	assert.Len(t, h.gw.Sent(), 1)
}

func TestGatewayOutageDegradesThenResumes(t *testing.T) {
	h := newHarness(t, Config{FailureThreshold: 3})
	var (
		mu   sync.Mutex
		down = true
	)
	h.gw.SendErr = func(string) error {
		mu.Lock()
		defer mu.Unlock()
		if down {
			return fmt.Errorf("dial: %w", gateway.ErrUnavailable)
		}
		return nil
	}
	job := h.campaign(t, 4, 1)
	h.start(t, job.ID)

	paused := h.waitState(t, job.ID, model.StatePaused)
	assert.True(t, paused.Degraded)
	assert.Contains(t, paused.Note, "gateway unavailable")
	assert.Equal(t, 0, paused.Processed, "outage must not burn through the audience")

	mu.Lock()
	down = false
	mu.Unlock()
	resumed, err := h.ledger.Resume(context.Background(), job.ID)
	require.NoError(t, err)
	assert.False(t, resumed.Degraded)
	h.d.Ensure(job.ID)

	done := h.waitState(t, job.ID, model.StateCompleted)
	assert.Equal(t, 4, done.Succeeded)
	assert.False(t, done.Degraded)
}

func TestRecipientFailureDoesNotStopJob(t *testing.T) {
	h := newHarness(t, Config{FailureThreshold: 2})
	h.gw.SendErr = func(phone string) error {
		if phone == "573000001" {
			return gateway.Permanent(fmt.Errorf("invalid chat id"))
		}
		return nil
	}
	job := h.campaign(t, 3, 1)
	h.start(t, job.ID)

	done := h.waitState(t, job.ID, model.StateCompleted)
	assert.Equal(t, 3, done.Processed)
	assert.Equal(t, 2, done.Succeeded)
	assert.Equal(t, 1, done.Failed)
	assert.False(t, done.Degraded)

	failed, err := h.ledger.Deliveries(context.Background(), job.ID, model.DeliveryFailed, 0, 10)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, 1, failed[0].Index)
	assert.Contains(t, failed[0].Error, "invalid chat id")
}

func TestConsecutiveRecipientFailuresDegrade(t *testing.T) {
	h := newHarness(t, Config{FailureThreshold: 3})
	h.gw.SendErr = func(string) error { return gateway.Permanent(fmt.Errorf("invalid chat id")) }
	job := h.campaign(t, 10, 1)
	h.start(t, job.ID)

	paused := h.waitState(t, job.ID, model.StatePaused)
	assert.True(t, paused.Degraded)
	assert.Contains(t, paused.Note, "recipient failures")
	assert.Equal(t, 3, paused.Processed)
	assert.Equal(t, 3, paused.Failed)
}

func TestFailureRunOnLastRecipientIsNotCompleted(t *testing.T) {
	h := newHarness(t, Config{FailureThreshold: 2})
	h.gw.SendErr = func(string) error { return gateway.Permanent(fmt.Errorf("invalid chat id")) }
	job := h.campaign(t, 2, 1)
	h.start(t, job.ID)

	paused := h.waitState(t, job.ID, model.StatePaused)
	assert.True(t, paused.Degraded)
	assert.Equal(t, 2, paused.Processed)

	_, err := h.ledger.Resume(context.Background(), job.ID)
	require.NoError(t, err)
	h.d.Ensure(job.ID)
	done := h.waitState(t, job.ID, model.StateCompleted)
	assert.Equal(t, 2, done.Failed)
	assert.Len(t, h.gw.Sent(), 0)
}

func TestRejectedAPIKeyDegradesWithoutBurningAudience(t *testing.T) {
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		http.Error(w, `{"message":"Unauthorized"}`, http.StatusUnauthorized)
	}))
	defer srv.Close()

	gw := gateway.NewWAHA(gateway.Config{BaseURL: srv.URL, APIKey: "wrong", Timeout: time.Second}, logx.Nop())
	h := buildHarness(t, Config{FailureThreshold: 3}, storage.NewMemory(), gw)
	job := h.campaign(t, 10, 1)
	h.start(t, job.ID)

	paused := h.waitState(t, job.ID, model.StatePaused)
	assert.True(t, paused.Degraded)
	assert.Contains(t, paused.Note, "gateway unavailable")
	assert.Equal(t, 0, paused.Processed)
	assert.Equal(t, 0, paused.Failed)
	assert.EqualValues(t, 3, hits.Load())
}

// flakyStore fails RecordTick a set number of times before delegating.
type flakyStore struct {
	*storage.Memory

	mu    sync.Mutex
	fails int
}

func (f *flakyStore) RecordTick(ctx context.Context, id string, cursor int, out model.Outcome) (model.Job, error) {
	f.mu.Lock()
	if f.fails != 0 {
		if f.fails > 0 {
			f.fails--
		}
		f.mu.Unlock()
		return model.Job{}, errors.New("database is locked")
	}
	f.mu.Unlock()
	return f.Memory.RecordTick(ctx, id, cursor, out)
}

func TestStoreErrorRestartsRunner(t *testing.T) {
	fake := gatewaytest.New()
	h := buildHarness(t, Config{}, &flakyStore{Memory: storage.NewMemory(), fails: 1}, fake)
	h.gw = fake
	job := h.campaign(t, 2, 1)
	h.start(t, job.ID)

	done := h.waitState(t, job.ID, model.StateCompleted)
	assert.Equal(t, 2, done.Processed)
	assert.Equal(t, 2, done.Succeeded)
	assert.Equal(t, 0, h.d.Active())
}

func TestPersistentStoreErrorParksCampaign(t *testing.T) {
	fake := gatewaytest.New()
	h := buildHarness(t, Config{RunnerAttempts: 3}, &flakyStore{Memory: storage.NewMemory(), fails: -1}, fake)
	h.gw = fake
	job := h.campaign(t, 2, 1)
	h.start(t, job.ID)

	paused := h.waitState(t, job.ID, model.StatePaused)
	assert.True(t, paused.Degraded)
	assert.Contains(t, paused.Note, "database is locked")
	assert.Equal(t, 0, paused.Processed)
	assert.Equal(t, 0, h.d.Active())
}

func TestConcurrentEnsureRunsOneLoop(t *testing.T) {
	h := newHarness(t, Config{})
	job := h.campaign(t, 6, 20)
	_, err := h.ledger.Start(context.Background(), job.ID)
	require.NoError(t, err)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		started int
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if h.d.Ensure(job.ID) {
				mu.Lock()
				started++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, started)

	done := h.waitState(t, job.ID, model.StateCompleted)
	assert.Equal(t, 6, done.Processed)
	assert.Len(t, h.gw.Sent(), 6)
}

func TestRecoverRestartsSendingJobs(t *testing.T) {
	h := newHarness(t, Config{})
	a := h.campaign(t, 2, 1)
	b := h.campaign(t, 2, 1)
	_, err := h.ledger.Start(context.Background(), a.ID)
	require.NoError(t, err)

	n, err := h.d.Recover(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	h.waitState(t, a.ID, model.StateCompleted)
	still, err := h.ledger.Get(context.Background(), b.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StateDraft, still.State)
}

func TestShutdownLeavesJobSending(t *testing.T) {
	h := newHarness(t, Config{})
	h.gw.Block = make(chan struct{})
	job := h.campaign(t, 2, 1)
	h.start(t, job.ID)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, h.sup.Stop(ctx))

	j, err := h.ledger.Get(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StateSending, j.State)
	assert.Equal(t, 0, j.Processed)
}
