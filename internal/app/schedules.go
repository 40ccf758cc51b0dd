package app

import (
	"context"
	"errors"
	"strings"
	"time"

	"wabulk/internal/config"
	"wabulk/internal/model"
	logx "wabulk/pkg/logx"
)

const (
	triggerDueCampaigns = "campaigns.due"
	triggerSweep        = "contacts.sweep"
	triggerRetention    = "jobs.retention"
)

type trigger struct {
	name     string
	schedule string
	timeout  time.Duration
	run      func(ctx context.Context) error
}

func (a *App) triggers(cfg *config.Config) []trigger {
	sc := cfg.Scheduler
	due := strings.TrimSpace(sc.DueCampaigns)
	if due == "" {
		due = config.DefaultDueCampaignsSchedule
	}
	age := cfg.Durations().RetentionAge

	return []trigger{
		{name: triggerDueCampaigns, schedule: due, timeout: time.Minute, run: func(ctx context.Context) error {
			_, err := a.campaigns.StartDue(ctx, time.Now())
			return err
		}},
		{name: triggerSweep, schedule: strings.TrimSpace(sc.Sweep), timeout: time.Minute, run: func(ctx context.Context) error {
			job, err := a.sweeper.Start(ctx)
			switch {
			case errors.Is(err, model.ErrAlreadyRunning), errors.Is(err, model.ErrEmptyAudience):
				a.log.Info("scheduled sweep skipped", logx.Err(err))
				return nil
			case err != nil:
				return err
			}
			a.log.Info("scheduled sweep started", logx.String("job", job.ID), logx.Int("total", job.Total))
			return nil
		}},
		{name: triggerRetention, schedule: strings.TrimSpace(sc.Retention), timeout: 5 * time.Minute, run: func(ctx context.Context) error {
			_, err := a.ledger.Prune(ctx, age)
			return err
		}},
	}
}

// applyTriggers registers every trigger with a schedule and removes the
// ones whose schedule was cleared.
func (a *App) applyTriggers(cfg *config.Config) {
	for _, t := range a.triggers(cfg) {
		if t.schedule == "" {
			a.sched.Remove(t.name)
			continue
		}
		if err := a.sched.Add(t.name, t.schedule, t.timeout, t.run); err != nil {
			a.log.Warn("trigger not registered", logx.String("name", t.name), logx.String("schedule", t.schedule), logx.Err(err))
		}
	}
}
