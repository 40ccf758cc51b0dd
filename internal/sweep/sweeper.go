// Package sweep verifies which active contacts still have WhatsApp. Only one
// sweep may be pending or running at a time, across restarts.
package sweep

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"wabulk/internal/gateway"
	"wabulk/internal/jobs"
	"wabulk/internal/model"
	"wabulk/internal/runtime/supervisor"
	"wabulk/internal/storage"
	"wabulk/pkg/logx"
)

type Spawner interface {
	GoRestart(name string, fn func(ctx context.Context) error, opts ...supervisor.RestartOption)
}

type Config struct {
	ProbeInterval time.Duration
	// FailureThreshold consecutive gateway-wide errors fail the sweep.
	FailureThreshold int
	// RunnerAttempts store errors in a row fail the sweep, so it cannot
	// hold the singleton without a runner.
	RunnerAttempts int
	RunnerBackoff  time.Duration
}

func (c Config) withDefaults() Config {
	if c.ProbeInterval <= 0 {
		c.ProbeInterval = 500 * time.Millisecond
	}
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 5
	}
	if c.RunnerAttempts <= 0 {
		c.RunnerAttempts = 5
	}
	if c.RunnerBackoff <= 0 {
		c.RunnerBackoff = 250 * time.Millisecond
	}
	return c
}

type Sweeper struct {
	ledger   *jobs.Ledger
	contacts storage.ContactStore
	gw       gateway.Gateway
	spawn    Spawner
	log      logx.Logger
	now      func() time.Time

	mu  sync.RWMutex
	cfg Config
	lim *rate.Limiter
}

func New(cfg Config, ledger *jobs.Ledger, contacts storage.ContactStore, gw gateway.Gateway, spawn Spawner, log logx.Logger) *Sweeper {
	cfg = cfg.withDefaults()
	return &Sweeper{
		ledger:   ledger,
		contacts: contacts,
		gw:       gw,
		spawn:    spawn,
		log:      log.With(logx.String("comp", "sweep")),
		now:      time.Now,
		cfg:      cfg,
		lim:      rate.NewLimiter(rate.Every(cfg.ProbeInterval), 1),
	}
}

func (s *Sweeper) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	s.mu.Lock()
	s.cfg = cfg
	s.mu.Unlock()
	s.lim.SetLimit(rate.Every(cfg.ProbeInterval))
}

func (s *Sweeper) config() Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg
}

// Start snapshots every active contact into a new pending sweep and runs
// it in the background. A sweep already pending or running makes it fail
// with model.ErrAlreadyRunning and is left untouched.
func (s *Sweeper) Start(ctx context.Context) (model.Job, error) {
	active, err := s.contacts.QueryContacts(ctx, storage.ContactQuery{Status: model.ContactActive})
	if err != nil {
		return model.Job{}, fmt.Errorf("%w: %w", model.ErrResolution, err)
	}
	rs := make([]model.Recipient, len(active))
	for i, c := range active {
		rs[i] = model.RecipientOf(c)
	}
	job, err := s.ledger.CreateSweep(ctx, rs)
	if err != nil {
		return model.Job{}, err
	}
	s.ensure(job.ID)
	return job, nil
}

// Status is the live sweep if there is one, else the most recent sweep.
func (s *Sweeper) Status(ctx context.Context) (model.Status, error) {
	live, err := s.ledger.Live(ctx, model.KindVerificationSweep, model.StatePending, model.StateRunning)
	if err != nil {
		return model.Status{}, err
	}
	if len(live) > 0 {
		return live[0].Status(), nil
	}
	latest, err := s.ledger.List(ctx, model.JobQuery{Kind: model.KindVerificationSweep, Limit: 1})
	if err != nil {
		return model.Status{}, err
	}
	if len(latest) == 0 {
		return model.Status{}, fmt.Errorf("verification sweep: %w", model.ErrNotFound)
	}
	return latest[0].Status(), nil
}

// Recover resumes a sweep persisted as pending or running.
func (s *Sweeper) Recover(ctx context.Context) (int, error) {
	live, err := s.ledger.Live(ctx, model.KindVerificationSweep, model.StatePending, model.StateRunning)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, j := range live {
		if s.ensure(j.ID) {
			n++
		}
	}
	if n > 0 {
		s.log.Info("sweep recovered", logx.Int("count", n))
	}
	return n, nil
}

func (s *Sweeper) ensure(id string) bool {
	lease, ok := s.ledger.Claim(id)
	if !ok {
		return false
	}
	cfg := s.config()
	failures := 0
	s.spawn.GoRestart("sweep:"+id, func(ctx context.Context) error {
		err := s.run(ctx, id)
		if err != nil && ctx.Err() == nil {
			if failures++; failures < cfg.RunnerAttempts {
				return err
			}
			if ferr := s.fail(ctx, id, err); ferr != nil {
				return ferr
			}
		}
		s.ledger.Release(lease)
		return nil
	}, supervisor.WithRestartBackoff(cfg.RunnerBackoff, 32*cfg.RunnerBackoff))
	return true
}

// fail ends a sweep whose runner keeps erroring, freeing the singleton.
func (s *Sweeper) fail(ctx context.Context, id string, cause error) error {
	if _, err := s.ledger.FailSweep(ctx, id, "runner stopped: "+cause.Error()); err != nil && !jobs.IsRejected(err) {
		return fmt.Errorf("fail sweep after %v: %w", cause, err)
	}
	s.log.Error("sweep failed after runner errors", logx.String("job", id), logx.Err(cause))
	return nil
}

func (s *Sweeper) run(ctx context.Context, id string) error {
	log := s.log.With(logx.String("job", id))
	job, err := s.ledger.Get(ctx, id)
	if err != nil {
		return err
	}
	if job.State == model.StatePending {
		if job, err = s.ledger.BeginSweep(ctx, id); err != nil {
			return err
		}
		log.Info("sweep started", logx.Int("total", job.Total))
	}
	if job.State != model.StateRunning {
		return nil
	}

	streak := 0
	for job.Cursor < job.Total {
		if err := s.lim.Wait(ctx); err != nil {
			return nil
		}
		rcpt, err := s.ledger.Recipient(ctx, id, job.Cursor)
		if err != nil {
			return err
		}
		out, transient := s.probe(ctx, rcpt)
		if ctx.Err() != nil {
			return nil
		}
		if transient {
			streak++
		} else {
			streak = 0
		}

		job, err = s.ledger.RecordTick(ctx, id, job.Cursor, out)
		if err != nil {
			if jobs.IsRejected(err) {
				return nil
			}
			return err
		}
		if threshold := s.config().FailureThreshold; streak >= threshold {
			note := fmt.Sprintf("gateway unavailable after %d consecutive errors: %s", streak, out.Err)
			if _, err := s.ledger.FailSweep(ctx, id, note); err != nil && !jobs.IsRejected(err) {
				return err
			}
			log.Error("sweep failed, gateway degraded", logx.Int("cursor", job.Cursor))
			return nil
		}
	}

	if _, err := s.ledger.FinishSweep(ctx, id); err != nil && !jobs.IsRejected(err) {
		return err
	}
	log.Info("sweep completed",
		logx.Int("total", job.Total), logx.Int("reachable", job.Succeeded), logx.Int("unreachable", job.Failed))
	return nil
}

// probe checks one contact and applies the verdict to its status. Only a
// definite "not on WhatsApp" demotes a contact; probe errors leave it alone.
func (s *Sweeper) probe(ctx context.Context, r model.Recipient) (model.Outcome, bool) {
	exists, perr := s.gw.Probe(ctx, r.Phone)
	if perr != nil {
		s.log.Warn("probe failed", logx.Int64("contact", r.ContactID), logx.Err(perr))
		return model.Outcome{Err: perr.Error()}, gateway.Transient(perr) || gateway.IsCanceled(perr)
	}

	c, err := s.contacts.GetContact(ctx, r.ContactID)
	if errors.Is(err, model.ErrNotFound) {
		return model.Outcome{Err: "contact no longer exists"}, false
	}
	if err != nil {
		return model.Outcome{Err: err.Error()}, false
	}
	status := c.Status
	switch {
	case exists && status == model.ContactInactive:
		status = model.ContactActive
	case !exists && status == model.ContactActive:
		status = model.ContactInactive
	}
	if err := s.contacts.SetContactStatus(ctx, c.ID, status, s.now()); err != nil {
		return model.Outcome{Err: err.Error()}, false
	}
	if !exists {
		return model.Outcome{Err: "not on whatsapp"}, false
	}
	return model.Outcome{OK: true}, false
}
