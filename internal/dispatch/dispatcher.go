// Package dispatch runs campaigns: one paced loop per job that sends to each
// recipient in order and records every outcome in the ledger.
package dispatch

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"wabulk/internal/gateway"
	"wabulk/internal/jobs"
	"wabulk/internal/model"
	"wabulk/internal/runtime/supervisor"
	"wabulk/pkg/logx"
)

// Spawner starts a named background goroutine that is restarted after
// errors. The supervisor implements it.
type Spawner interface {
	GoRestart(name string, fn func(ctx context.Context) error, opts ...supervisor.RestartOption)
}

// RenderFunc fills a template for one recipient.
type RenderFunc func(tmpl string, r model.Recipient) string

type Config struct {
	// FailureThreshold is how many consecutive failed sends, of any kind,
	// pause the job as degraded.
	FailureThreshold int
	// DefaultRateSeconds paces jobs stored without a rate.
	DefaultRateSeconds int
	// RunnerAttempts is how many times a loop that hit a store error is
	// restarted before its job is parked as degraded.
	RunnerAttempts int
	// RunnerBackoff is the first restart delay; it doubles per attempt.
	RunnerBackoff time.Duration
}

const (
	noteUnavailable = "gateway unavailable"
	noteFailures    = "recipient failures"
	noteRunner      = "runner stopped"
)

type Dispatcher struct {
	ledger *jobs.Ledger
	gw     gateway.Gateway
	spawn  Spawner
	render RenderFunc
	log    logx.Logger

	mu  sync.RWMutex
	cfg Config

	// tickUnit is the length of one rate second; tests shrink it.
	tickUnit time.Duration
	active   atomic.Int64
}

type Option func(*Dispatcher)

// WithTickUnit scales rate_seconds; the default is one second.
func WithTickUnit(d time.Duration) Option {
	return func(x *Dispatcher) {
		if d > 0 {
			x.tickUnit = d
		}
	}
}

func New(cfg Config, ledger *jobs.Ledger, gw gateway.Gateway, spawn Spawner, render RenderFunc, log logx.Logger, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		ledger:   ledger,
		gw:       gw,
		spawn:    spawn,
		render:   render,
		log:      log.With(logx.String("comp", "dispatch")),
		cfg:      normalize(cfg),
		tickUnit: time.Second,
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

func normalize(cfg Config) Config {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.DefaultRateSeconds <= 0 {
		cfg.DefaultRateSeconds = 30
	}
	if cfg.RunnerAttempts <= 0 {
		cfg.RunnerAttempts = 5
	}
	if cfg.RunnerBackoff <= 0 {
		cfg.RunnerBackoff = 250 * time.Millisecond
	}
	return cfg
}

// Apply updates the failure threshold and default rate for running loops.
func (d *Dispatcher) Apply(cfg Config) {
	d.mu.Lock()
	d.cfg = normalize(cfg)
	d.mu.Unlock()
}

func (d *Dispatcher) config() Config {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.cfg
}

// Active is the number of campaign loops currently running.
func (d *Dispatcher) Active() int { return int(d.active.Load()) }

// Ensure starts a loop for jobID unless one already holds the job, in
// which case that loop is woken. It reports whether a new loop started.
func (d *Dispatcher) Ensure(jobID string) bool {
	lease, ok := d.ledger.Claim(jobID)
	if !ok {
		return false
	}
	d.active.Add(1)
	cfg := d.config()
	failures := 0
	// The lease is held across restarts and released only when the loop
	// is done with the job.
	d.spawn.GoRestart("campaign:"+jobID, func(ctx context.Context) error {
		err := d.run(ctx, lease)
		if err != nil && ctx.Err() == nil {
			failures++
			if failures < cfg.RunnerAttempts {
				return err
			}
			if perr := d.park(ctx, jobID, err); perr != nil {
				// keep the lease and try again after the next backoff
				return perr
			}
		}
		d.active.Add(-1)
		d.ledger.Release(lease)
		if err == nil && ctx.Err() == nil {
			d.rearm(ctx, jobID)
		}
		return nil
	}, supervisor.WithRestartBackoff(cfg.RunnerBackoff, 32*cfg.RunnerBackoff))
	return true
}

// park takes a job whose loop keeps failing out of sending, so it neither
// looks alive nor blocks a later resume.
func (d *Dispatcher) park(ctx context.Context, jobID string, cause error) error {
	note := fmt.Sprintf("%s: %v", noteRunner, cause)
	if _, err := d.ledger.Degrade(ctx, jobID, note); err != nil && !jobs.IsRejected(err) {
		return fmt.Errorf("park after %v: %w", cause, err)
	}
	d.log.Error("campaign paused after runner errors", logx.String("job", jobID), logx.Err(cause))
	return nil
}

// rearm covers a resume that lost the race with a loop's exit: the resume
// found the lease still held, so the job is sending with nobody running it.
func (d *Dispatcher) rearm(ctx context.Context, jobID string) {
	if job, err := d.ledger.Get(ctx, jobID); err == nil && job.State == model.StateSending {
		d.Ensure(jobID)
	}
}

// Recover restarts loops for campaigns persisted as sending.
func (d *Dispatcher) Recover(ctx context.Context) (int, error) {
	live, err := d.ledger.Live(ctx, model.KindCampaign, model.StateSending)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, j := range live {
		if d.Ensure(j.ID) {
			n++
		}
	}
	if n > 0 {
		d.log.Info("campaigns recovered", logx.Int("count", n))
	}
	return n, nil
}

func (d *Dispatcher) interval(job model.Job) time.Duration {
	secs := job.RateSeconds
	if secs <= 0 {
		secs = d.config().DefaultRateSeconds
	}
	return time.Duration(secs) * d.tickUnit
}

// run is the loop body. A nil return means the job left sending, finished,
// or the process is shutting down.
func (d *Dispatcher) run(ctx context.Context, lease *jobs.Lease) error {
	id := lease.JobID
	log := d.log.With(logx.String("job", id))
	log.Debug("runner started")
	streak := 0

	for {
		job, err := d.ledger.Get(ctx, id)
		switch {
		case ctx.Err() != nil:
			return nil
		case jobs.IsRejected(err):
			return nil
		case err != nil:
			return err
		}
		if job.State != model.StateSending {
			log.Debug("runner stopped", logx.String("state", string(job.State)))
			return nil
		}
		if job.Cursor >= job.Total {
			if _, err := d.ledger.Complete(ctx, id); err != nil && !jobs.IsRejected(err) {
				return err
			}
			log.Info("campaign completed",
				logx.Int("processed", job.Processed), logx.Int("succeeded", job.Succeeded), logx.Int("failed", job.Failed))
			return nil
		}

		rcpt, err := d.ledger.Recipient(ctx, id, job.Cursor)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("recipient %d: %w", job.Cursor, err)
		}
		sendErr := d.gw.Send(ctx, rcpt.Phone, d.render(job.Message, rcpt))
		wait := d.interval(job)

		switch {
		case sendErr != nil && ctx.Err() != nil:
			// shutdown mid-send; the recipient is retried after recovery
			return nil
		case gateway.Transient(sendErr) || gateway.IsCanceled(sendErr):
			// the recipient is retried, the cursor stays
			streak++
			log.Warn("gateway unavailable",
				logx.Int("cursor", job.Cursor), logx.Int("streak", streak), logx.Err(sendErr))
			if streak >= d.config().FailureThreshold {
				return d.degrade(ctx, log, id, job.Cursor, fmt.Sprintf("%s after %d consecutive failures: %v", noteUnavailable, streak, sendErr))
			}
			if hint, ok := gateway.RetryDelay(sendErr); ok && hint > wait {
				wait = hint
			}
		default:
			out := model.Outcome{OK: sendErr == nil}
			if sendErr != nil {
				streak++
				fail := &model.SendFailure{ContactID: rcpt.ContactID, Phone: rcpt.Phone, Err: sendErr}
				out.Err = fail.Err.Error()
				log.Warn("recipient send failed", logx.Int("cursor", job.Cursor), logx.Int("streak", streak), logx.Err(fail))
			} else {
				streak = 0
			}
			job, err = d.ledger.RecordTick(ctx, id, job.Cursor, out)
			if err != nil {
				if jobs.IsRejected(err) {
					log.Debug("tick not counted", logx.Err(err))
					return nil
				}
				return err
			}
			log.Debug("tick", logx.Int("cursor", job.Cursor), logx.Int("total", job.Total), logx.Bool("ok", out.OK))
			// a failure run ending on the last recipient still pauses, so
			// an all-failed audience never reads as completed
			if sendErr != nil && streak >= d.config().FailureThreshold {
				return d.degrade(ctx, log, id, job.Cursor, fmt.Sprintf("%s: %d consecutive sends failed, last: %v", noteFailures, streak, sendErr))
			}
			if job.Cursor >= job.Total {
				continue
			}
		}

		if !d.pace(ctx, lease, wait) {
			return nil
		}
	}
}

func (d *Dispatcher) degrade(ctx context.Context, log logx.Logger, id string, cursor int, note string) error {
	if _, err := d.ledger.Degrade(ctx, id, note); err != nil && !jobs.IsRejected(err) {
		return err
	}
	log.Error("campaign paused as degraded", logx.Int("cursor", cursor), logx.String("note", note))
	return nil
}

// pace sleeps between ticks. A wake-up re-reads the job: if it left sending
// the loop ends at once, otherwise the rest of the interval is still honored.
func (d *Dispatcher) pace(ctx context.Context, lease *jobs.Lease, wait time.Duration) bool {
	t := time.NewTimer(wait)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return false
		case <-t.C:
			return true
		case <-lease.Wake():
			job, err := d.ledger.Get(ctx, lease.JobID)
			if err != nil || job.State != model.StateSending {
				return false
			}
		}
	}
}
