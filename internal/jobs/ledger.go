// Package jobs owns the lifecycle of bulk jobs: creation, the campaign and
// sweep state machines, progress accounting and runner leases.
//
// Every write goes through the storage layer as a compare-and-set, so two
// callers racing on the same job see exactly one winner.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"wabulk/internal/eventbus"
	"wabulk/internal/model"
	"wabulk/internal/storage"
	"wabulk/pkg/logx"
)

// Op names a state-machine operation.
type Op string

const (
	OpStart    Op = "start"
	OpPause    Op = "pause"
	OpResume   Op = "resume"
	OpCancel   Op = "cancel"
	OpComplete Op = "complete"
	OpDegrade  Op = "degrade"
	OpBegin    Op = "begin"
	OpFinish   Op = "finish"
	OpFail     Op = "fail"
)

type rule struct {
	kind     model.JobKind
	from     []model.JobState
	to       model.JobState
	started  bool
	finished bool
}

// transitions is the whole state machine. Anything not listed is rejected.
var transitions = map[Op]rule{
	OpStart:    {kind: model.KindCampaign, from: []model.JobState{model.StateDraft}, to: model.StateSending, started: true},
	OpPause:    {kind: model.KindCampaign, from: []model.JobState{model.StateSending}, to: model.StatePaused},
	OpResume:   {kind: model.KindCampaign, from: []model.JobState{model.StatePaused}, to: model.StateSending},
	OpCancel:   {kind: model.KindCampaign, from: []model.JobState{model.StateSending, model.StatePaused}, to: model.StateCancelled, finished: true},
	OpComplete: {kind: model.KindCampaign, from: []model.JobState{model.StateSending}, to: model.StateCompleted, finished: true},
	OpDegrade:  {kind: model.KindCampaign, from: []model.JobState{model.StateSending}, to: model.StatePaused},

	OpBegin:  {kind: model.KindVerificationSweep, from: []model.JobState{model.StatePending}, to: model.StateRunning, started: true},
	OpFinish: {kind: model.KindVerificationSweep, from: []model.JobState{model.StateRunning}, to: model.StateCompleted, finished: true},
	OpFail:   {kind: model.KindVerificationSweep, from: []model.JobState{model.StatePending, model.StateRunning}, to: model.StateFailed, finished: true},
}

// deletable are the states a job may be soft-deleted from.
var deletable = []model.JobState{model.StateDraft, model.StateCompleted, model.StateCancelled, model.StateFailed}

// Draft is the editable part of a campaign.
type Draft struct {
	Name        string
	Message     string
	Filter      model.FilterSpec
	RateSeconds int
	ScheduledAt *time.Time
}

// Ledger is the only writer of job rows.
type Ledger struct {
	store storage.LedgerStore
	bus   eventbus.Bus
	log   logx.Logger
	now   func() time.Time

	leases leases
}

type Option func(*Ledger)

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option { return func(l *Ledger) { l.now = now } }

func New(store storage.LedgerStore, bus eventbus.Bus, log logx.Logger, opts ...Option) *Ledger {
	if bus == nil {
		bus = eventbus.Nop{}
	}
	l := &Ledger{
		store:  store,
		bus:    bus,
		log:    log.With(logx.String("comp", "ledger")),
		now:    time.Now,
		leases: leases{m: map[string]*Lease{}},
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

func (l *Ledger) validateDraft(d Draft) error {
	if strings.TrimSpace(d.Message) == "" {
		return model.Invalid("message", "required")
	}
	return d.Filter.Validate()
}

// CreateCampaign stores a draft campaign with its frozen recipient list.
func (l *Ledger) CreateCampaign(ctx context.Context, d Draft, recipients []model.Recipient) (model.Job, error) {
	if err := l.validateDraft(d); err != nil {
		return model.Job{}, err
	}
	f := d.Filter
	job := model.Job{
		ID:          uuid.NewString(),
		Kind:        model.KindCampaign,
		State:       model.StateDraft,
		Name:        d.Name,
		Message:     d.Message,
		Filter:      &f,
		RateSeconds: d.RateSeconds,
		ScheduledAt: d.ScheduledAt,
		CreatedAt:   l.now(),
	}
	if recipients == nil {
		recipients = []model.Recipient{}
	}
	if err := l.store.CreateJob(ctx, job, recipients); err != nil {
		return model.Job{}, fmt.Errorf("create campaign: %w", err)
	}
	job, err := l.store.GetJob(ctx, job.ID)
	if err != nil {
		return model.Job{}, err
	}
	l.log.Info("campaign created", logx.String("job", job.ID), logx.Int("total", job.Total))
	l.publish(eventbus.JobState, job)
	return job, nil
}

// ReplaceDraft swaps the editable fields and recipients of a draft.
func (l *Ledger) ReplaceDraft(ctx context.Context, id string, d Draft, recipients []model.Recipient) (model.Job, error) {
	if err := l.validateDraft(d); err != nil {
		return model.Job{}, err
	}
	f := d.Filter
	if recipients == nil {
		recipients = []model.Recipient{}
	}
	job, err := l.store.ReplaceDraft(ctx, model.Job{
		ID:          id,
		Name:        d.Name,
		Message:     d.Message,
		Filter:      &f,
		RateSeconds: d.RateSeconds,
		ScheduledAt: d.ScheduledAt,
	}, recipients)
	if err != nil {
		return job, err
	}
	l.publish(eventbus.JobState, job)
	return job, nil
}

// CreateSweep stores a pending verification sweep over contacts. It fails
// with model.ErrAlreadyRunning while another sweep is pending or running.
func (l *Ledger) CreateSweep(ctx context.Context, contacts []model.Recipient) (model.Job, error) {
	if len(contacts) == 0 {
		return model.Job{}, fmt.Errorf("verification sweep: %w", model.ErrEmptyAudience)
	}
	job := model.Job{
		ID:        uuid.NewString(),
		Kind:      model.KindVerificationSweep,
		State:     model.StatePending,
		Name:      "verify active contacts",
		CreatedAt: l.now(),
	}
	if err := l.store.CreateJob(ctx, job, contacts); err != nil {
		return model.Job{}, err
	}
	job, err := l.store.GetJob(ctx, job.ID)
	if err != nil {
		return model.Job{}, err
	}
	l.log.Info("sweep created", logx.String("job", job.ID), logx.Int("total", job.Total))
	l.publish(eventbus.JobState, job)
	return job, nil
}

// RecordMerge writes a completed audit job for a duplicate-merge run.
func (l *Ledger) RecordMerge(ctx context.Context, groups, removed int) (model.Job, error) {
	now := l.now()
	job := model.Job{
		ID:         uuid.NewString(),
		Kind:       model.KindDedupMerge,
		State:      model.StateCompleted,
		Name:       "merge duplicates",
		Total:      groups,
		Cursor:     groups,
		Counters:   model.Counters{Processed: groups, Succeeded: removed},
		Note:       fmt.Sprintf("%d groups merged, %d duplicates removed", groups, removed),
		CreatedAt:  now,
		StartedAt:  &now,
		FinishedAt: &now,
	}
	if err := l.store.CreateJob(ctx, job, nil); err != nil {
		return model.Job{}, err
	}
	l.publish(eventbus.JobState, job)
	return job, nil
}

func (l *Ledger) Get(ctx context.Context, id string) (model.Job, error) {
	return l.store.GetJob(ctx, id)
}

func (l *Ledger) List(ctx context.Context, q model.JobQuery) ([]model.Job, error) {
	return l.store.ListJobs(ctx, q)
}

// Status is the pollable, read-only view of a job.
func (l *Ledger) Status(ctx context.Context, id string) (model.Status, error) {
	job, err := l.store.GetJob(ctx, id)
	if err != nil {
		return model.Status{}, err
	}
	return job.Status(), nil
}

// Start moves a draft campaign to sending. A campaign without recipients
// cannot start.
func (l *Ledger) Start(ctx context.Context, id string) (model.Job, error) {
	job, err := l.store.GetJob(ctx, id)
	if err != nil {
		return model.Job{}, err
	}
	if job.State == model.StateDraft && job.Total == 0 {
		return job, fmt.Errorf("start job %s: %w", id, model.ErrEmptyAudience)
	}
	return l.apply(ctx, id, OpStart, nil, nil)
}

func (l *Ledger) Pause(ctx context.Context, id string) (model.Job, error) {
	return l.apply(ctx, id, OpPause, nil, nil)
}

// Resume continues a paused campaign from its cursor and clears any
// degraded flag left by the runner.
func (l *Ledger) Resume(ctx context.Context, id string) (model.Job, error) {
	clear, note := false, ""
	return l.apply(ctx, id, OpResume, &clear, &note)
}

func (l *Ledger) Cancel(ctx context.Context, id string) (model.Job, error) {
	return l.apply(ctx, id, OpCancel, nil, nil)
}

// Complete is called by the runner once every recipient is processed.
func (l *Ledger) Complete(ctx context.Context, id string) (model.Job, error) {
	return l.apply(ctx, id, OpComplete, nil, nil)
}

// Degrade pauses a campaign whose runner gave up, keeping the reason in note.
func (l *Ledger) Degrade(ctx context.Context, id, note string) (model.Job, error) {
	on := true
	return l.apply(ctx, id, OpDegrade, &on, &note)
}

func (l *Ledger) BeginSweep(ctx context.Context, id string) (model.Job, error) {
	return l.apply(ctx, id, OpBegin, nil, nil)
}

func (l *Ledger) FinishSweep(ctx context.Context, id string) (model.Job, error) {
	return l.apply(ctx, id, OpFinish, nil, nil)
}

func (l *Ledger) FailSweep(ctx context.Context, id, note string) (model.Job, error) {
	on := true
	return l.apply(ctx, id, OpFail, &on, &note)
}

func (l *Ledger) apply(ctx context.Context, id string, op Op, degraded *bool, note *string) (model.Job, error) {
	r := transitions[op]
	cur, err := l.store.GetJob(ctx, id)
	if err != nil {
		return model.Job{}, err
	}
	if cur.Kind != r.kind {
		return cur, &model.StateError{JobID: id, Op: string(op), State: cur.State}
	}
	job, err := l.store.Transition(ctx, id, storage.Transition{
		Op:          string(op),
		From:        r.from,
		To:          r.to,
		At:          l.now(),
		SetStarted:  r.started,
		SetFinished: r.finished,
		Degraded:    degraded,
		Note:        note,
	})
	if err != nil {
		return job, err
	}
	l.log.Info("job transition",
		logx.String("job", id), logx.String("op", string(op)), logx.String("state", string(job.State)))
	l.publish(eventbus.JobState, job)
	// a sleeping runner re-reads the job right away
	l.leases.wake(id)
	return job, nil
}

// Delete soft-deletes a job that is not live.
func (l *Ledger) Delete(ctx context.Context, id string) error {
	if err := l.store.SoftDeleteJob(ctx, id, deletable, l.now()); err != nil {
		return err
	}
	l.log.Info("job deleted", logx.String("job", id))
	l.bus.Publish(eventbus.Event{Type: eventbus.JobDeleted, JobID: id, Time: l.now()})
	return nil
}

// RecordTick persists one unit of runner work. It returns
// storage.ErrTickRejected when the job left its running states or the
// cursor moved underneath the caller.
func (l *Ledger) RecordTick(ctx context.Context, id string, cursor int, out model.Outcome) (model.Job, error) {
	if out.At.IsZero() {
		out.At = l.now()
	}
	job, err := l.store.RecordTick(ctx, id, cursor, out)
	if err != nil {
		return job, err
	}
	l.publish(eventbus.JobProgress, job)
	return job, nil
}

func (l *Ledger) Recipient(ctx context.Context, id string, index int) (model.Recipient, error) {
	return l.store.Recipient(ctx, id, index)
}

func (l *Ledger) Deliveries(ctx context.Context, id string, status model.DeliveryStatus, offset, limit int) ([]model.Delivery, error) {
	if _, err := l.store.GetJob(ctx, id); err != nil {
		return nil, err
	}
	return l.store.Deliveries(ctx, id, status, offset, limit)
}

// MarkResponded credits the campaign that most recently reached contactID
// within window before at. It reports the job credited, if any.
func (l *Ledger) MarkResponded(ctx context.Context, contactID int64, at time.Time, window time.Duration) (string, error) {
	jobID, err := l.store.MarkResponded(ctx, contactID, at, at.Add(-window))
	if err != nil || jobID == "" {
		return "", err
	}
	if job, err := l.store.GetJob(ctx, jobID); err == nil {
		l.publish(eventbus.JobProgress, job)
	}
	return jobID, nil
}

// RecentlyContacted lists contacts reached by a campaign since the given time.
func (l *Ledger) RecentlyContacted(ctx context.Context, since time.Time) ([]int64, error) {
	return l.store.RecentlyContacted(ctx, since)
}

// Prune removes deleted jobs and old finished sweeps and merges.
func (l *Ledger) Prune(ctx context.Context, olderThan time.Duration) (int, error) {
	n, err := l.store.PruneJobs(ctx, l.now().Add(-olderThan))
	if err != nil {
		return 0, err
	}
	if n > 0 {
		l.log.Info("jobs pruned", logx.Int("count", n))
	}
	return n, nil
}

// Live lists jobs of kind in any of the given states, oldest first.
func (l *Ledger) Live(ctx context.Context, kind model.JobKind, states ...model.JobState) ([]model.Job, error) {
	var out []model.Job
	for _, st := range states {
		js, err := l.store.ListJobs(ctx, model.JobQuery{Kind: kind, State: st})
		if err != nil {
			return nil, err
		}
		out = append(out, js...)
	}
	slices.SortStableFunc(out, func(a, b model.Job) int { return a.CreatedAt.Compare(b.CreatedAt) })
	return out, nil
}

func (l *Ledger) publish(typ string, job model.Job) {
	l.bus.Publish(eventbus.Event{Type: typ, JobID: job.ID, Time: l.now(), Data: job.Status()})
}

// IsRejected reports whether err means the runner should stop touching the job.
func IsRejected(err error) bool {
	return errors.Is(err, storage.ErrTickRejected) || errors.Is(err, model.ErrInvalidState) || errors.Is(err, model.ErrNotFound)
}
