package sweep

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

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

type env struct {
	store  *storage.Memory
	ledger *jobs.Ledger
	sup    *supervisor.Supervisor
}

func newEnv(t *testing.T) *env {
	t.Helper()
	st := storage.NewMemory()
	e := &env{store: st, ledger: jobs.New(st, nil, logx.Nop()), sup: supervisor.New(context.Background())}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = e.sup.Stop(ctx)
	})
	return e
}

func (e *env) sweeper(gw gateway.Gateway, threshold int) *Sweeper {
	return New(Config{ProbeInterval: time.Millisecond, FailureThreshold: threshold, RunnerBackoff: 5 * time.Millisecond}, e.ledger, e.store, gw, e.sup, logx.Nop())
}

func (e *env) contact(t *testing.T, phone string, status model.ContactStatus) model.Contact {
	t.Helper()
	c, err := e.store.CreateContact(context.Background(), model.Contact{Phone: phone, Status: status})
	require.NoError(t, err)
	return c
}

func (e *env) wait(t *testing.T, id string, want model.JobState) model.Job {
	t.Helper()
	var job model.Job
	require.Eventually(t, func() bool {
		var err error
		job, err = e.ledger.Get(context.Background(), id)
		return err == nil && job.State == want && !e.ledger.Running(id)
	}, 5*time.Second, 2*time.Millisecond)
	return job
}

func TestSweepMarksUnreachableInactive(t *testing.T) {
	e := newEnv(t)
	a := e.contact(t, "1", model.ContactActive)
	b := e.contact(t, "2", model.ContactActive)
	c := e.contact(t, "3", model.ContactActive)
	e.contact(t, "4", model.ContactInactive)

	gw := gatewaytest.New()
	gw.Exists["1"] = true
	gw.Exists["3"] = true
	s := e.sweeper(gw, 3)

	job, err := s.Start(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, job.Total)

	done := e.wait(t, job.ID, model.StateCompleted)
	assert.Equal(t, 3, done.Processed)
	assert.Equal(t, 2, done.Succeeded)
	assert.Equal(t, 1, done.Failed)
	assert.Equal(t, 100, done.Progress())
	assert.ElementsMatch(t, []string{"1", "2", "3"}, gw.Probed())

	for id, want := range map[int64]model.ContactStatus{a.ID: model.ContactActive, b.ID: model.ContactInactive, c.ID: model.ContactActive} {
		got, err := e.store.GetContact(context.Background(), id)
		require.NoError(t, err)
		assert.Equal(t, want, got.Status)
		assert.NotNil(t, got.LastVerifiedAt)
	}

	st, err := s.Status(context.Background())
	require.NoError(t, err)
	assert.Equal(t, job.ID, st.ID)
	assert.Equal(t, model.StateCompleted, st.State)
}

// gate blocks every probe until released.
type gate struct {
	entered chan struct{}
	release chan struct{}
}

func (g *gate) Send(context.Context, string, string) error { return nil }

func (g *gate) Probe(ctx context.Context, _ string) (bool, error) {
	select {
	case g.entered <- struct{}{}:
	default:
	}
	select {
	case <-g.release:
		return true, nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

func TestSecondSweepIsRejected(t *testing.T) {
	e := newEnv(t)
	e.contact(t, "1", model.ContactActive)
	e.contact(t, "2", model.ContactActive)
	g := &gate{entered: make(chan struct{}, 1), release: make(chan struct{})}
	s := e.sweeper(g, 3)

	first, err := s.Start(context.Background())
	require.NoError(t, err)
	select {
	case <-g.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("first sweep never probed")
	}

	_, err = s.Start(context.Background())
	require.ErrorIs(t, err, model.ErrAlreadyRunning)

	cur, err := e.ledger.Get(context.Background(), first.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StateRunning, cur.State)
	assert.Equal(t, 0, cur.Processed)

	st, err := s.Status(context.Background())
	require.NoError(t, err)
	assert.Equal(t, first.ID, st.ID)

	close(g.release)
	done := e.wait(t, first.ID, model.StateCompleted)
	assert.Equal(t, 2, done.Succeeded)
}

func TestSweepFailsAfterConsecutiveGatewayErrors(t *testing.T) {
	e := newEnv(t)
	var ids []int64
	for i := 0; i < 5; i++ {
		ids = append(ids, e.contact(t, fmt.Sprint(i), model.ContactActive).ID)
	}
	gw := gatewaytest.New()
	gw.ProbeErr = func(string) error { return fmt.Errorf("502: %w", gateway.ErrUnavailable) }
	s := e.sweeper(gw, 2)

	job, err := s.Start(context.Background())
	require.NoError(t, err)
	failed := e.wait(t, job.ID, model.StateFailed)
	assert.True(t, failed.Degraded)
	assert.Equal(t, 2, failed.Processed)
	assert.Equal(t, 2, failed.Failed)
	assert.Contains(t, failed.Note, "gateway unavailable")

	// probe errors never demote a contact
	for _, id := range ids {
		c, err := e.store.GetContact(context.Background(), id)
		require.NoError(t, err)
		assert.Equal(t, model.ContactActive, c.Status)
	}
}

func TestSweepWithoutContacts(t *testing.T) {
	e := newEnv(t)
	e.contact(t, "1", model.ContactInactive)
	s := e.sweeper(gatewaytest.New(), 3)

	_, err := s.Start(context.Background())
	require.ErrorIs(t, err, model.ErrEmptyAudience)

	_, err = s.Status(context.Background())
	require.ErrorIs(t, err, model.ErrNotFound)
}

func TestRecoverResumesPersistedSweep(t *testing.T) {
	e := newEnv(t)
	c := e.contact(t, "1", model.ContactActive)
	job, err := e.ledger.CreateSweep(context.Background(), []model.Recipient{model.RecipientOf(c)})
	require.NoError(t, err)

	gw := gatewaytest.New()
	gw.Exists["1"] = true
	s := e.sweeper(gw, 3)
	n, err := s.Recover(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	done := e.wait(t, job.ID, model.StateCompleted)
	assert.Equal(t, 1, done.Succeeded)
}

// lockedTicks fails RecordTick a set number of times (-1: always) before
// delegating to the memory store.
type lockedTicks struct {
	*storage.Memory

	mu    sync.Mutex
	fails int
}

func (l *lockedTicks) RecordTick(ctx context.Context, id string, cursor int, out model.Outcome) (model.Job, error) {
	l.mu.Lock()
	if l.fails != 0 {
		if l.fails > 0 {
			l.fails--
		}
		l.mu.Unlock()
		return model.Job{}, errors.New("database is locked")
	}
	l.mu.Unlock()
	return l.Memory.RecordTick(ctx, id, cursor, out)
}

func TestStoreErrorRestartsSweep(t *testing.T) {
	e := newEnv(t)
	e.ledger = jobs.New(&lockedTicks{Memory: e.store, fails: 1}, nil, logx.Nop())
	e.contact(t, "1", model.ContactActive)
	e.contact(t, "2", model.ContactActive)
	gw := gatewaytest.New()
	gw.Exists["1"] = true
	gw.Exists["2"] = true
	s := e.sweeper(gw, 3)

	first, err := s.Start(context.Background())
	require.NoError(t, err)
	done := e.wait(t, first.ID, model.StateCompleted)
	assert.Equal(t, 2, done.Processed)
	assert.Equal(t, 2, done.Succeeded)

	second, err := s.Start(context.Background())
	require.NoError(t, err)
	e.wait(t, second.ID, model.StateCompleted)
}

func TestPersistentStoreErrorFailsSweep(t *testing.T) {
	e := newEnv(t)
	e.ledger = jobs.New(&lockedTicks{Memory: e.store, fails: -1}, nil, logx.Nop())
	e.contact(t, "1", model.ContactActive)
	gw := gatewaytest.New()
	gw.Exists["1"] = true
	s := New(Config{ProbeInterval: time.Millisecond, RunnerAttempts: 3, RunnerBackoff: 5 * time.Millisecond}, e.ledger, e.store, gw, e.sup, logx.Nop())

	first, err := s.Start(context.Background())
	require.NoError(t, err)
	failed := e.wait(t, first.ID, model.StateFailed)
	assert.Contains(t, failed.Note, "database is locked")
	assert.Equal(t, 0, failed.Processed)

	// the singleton is free again
	second, err := s.Start(context.Background())
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, second.ID)
	e.wait(t, second.ID, model.StateFailed)
}
