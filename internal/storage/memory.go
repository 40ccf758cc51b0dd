package storage

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"wabulk/internal/model"
)

type memJob struct {
	seq        int64
	job        model.Job
	deliveries []model.Delivery
	deletedAt  *time.Time
}

// Memory keeps everything in maps guarded by one lock. It honors the same
// contracts as the SQL drivers, including the live-sweep singleton.
type Memory struct {
	mu       sync.RWMutex
	nextID   int64
	nextSeq  int64
	contacts map[int64]model.Contact
	jobs     map[string]*memJob
}

func NewMemory() *Memory {
	return &Memory{
		contacts: make(map[int64]model.Contact),
		jobs:     make(map[string]*memJob),
	}
}

func (m *Memory) Close() error { return nil }

// ---- contacts ----

func cloneContact(c model.Contact) model.Contact {
	c.Tags = slices.Clone(c.Tags)
	return c
}

func (m *Memory) CreateContact(_ context.Context, c model.Contact) (model.Contact, error) {
	if strings.TrimSpace(c.Phone) == "" {
		return model.Contact{}, model.Invalid("phone", "required")
	}
	if c.Status == "" {
		c.Status = model.ContactActive
	}
	if !c.Status.Valid() {
		return model.Contact{}, model.Invalid("status", fmt.Sprintf("unknown status %q", c.Status))
	}
	now := time.Now()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = now

	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	c.ID = m.nextID
	m.contacts[c.ID] = cloneContact(c)
	return cloneContact(c), nil
}

func (m *Memory) GetContact(_ context.Context, id int64) (model.Contact, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.contacts[id]
	if !ok {
		return model.Contact{}, fmt.Errorf("contact %d: %w", id, model.ErrNotFound)
	}
	return cloneContact(c), nil
}

func matchContact(c model.Contact, q ContactQuery, ids map[int64]struct{}) bool {
	if ids != nil {
		if _, ok := ids[c.ID]; !ok {
			return false
		}
	}
	if q.Status != "" && c.Status != q.Status {
		return false
	}
	if q.Phone != "" && PhoneKey(c.Phone) != PhoneKey(q.Phone) {
		return false
	}
	if q.Tag != "" && !c.HasTag(q.Tag) {
		return false
	}
	if q.ActiveSince != nil && (c.LastMessageAt == nil || c.LastMessageAt.Before(*q.ActiveSince)) {
		return false
	}
	if q.InactiveBefore != nil && c.LastMessageAt != nil && !c.LastMessageAt.Before(*q.InactiveBefore) {
		return false
	}
	return true
}

func (m *Memory) QueryContacts(_ context.Context, q ContactQuery) ([]model.Contact, error) {
	var ids map[int64]struct{}
	if q.IDs != nil {
		ids = make(map[int64]struct{}, len(q.IDs))
		for _, id := range q.IDs {
			ids[id] = struct{}{}
		}
	}

	m.mu.RLock()
	out := make([]model.Contact, 0, len(m.contacts))
	for _, c := range m.contacts {
		if matchContact(c, q, ids) {
			out = append(out, cloneContact(c))
		}
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) TouchContact(ctx context.Context, phone, name string, at time.Time) (model.Contact, error) {
	key := PhoneKey(phone)
	if key == "" {
		return model.Contact{}, model.Invalid("phone", "no digits")
	}

	m.mu.Lock()
	var found *model.Contact
	for _, c := range m.contacts {
		if PhoneKey(c.Phone) != key {
			continue
		}
		if found == nil || c.CreatedAt.Before(found.CreatedAt) || (c.CreatedAt.Equal(found.CreatedAt) && c.ID < found.ID) {
			cc := c
			found = &cc
		}
	}
	if found != nil {
		c := touch(*found, name, at)
		m.contacts[c.ID] = c
		m.mu.Unlock()
		return cloneContact(c), nil
	}
	m.mu.Unlock()

	return m.CreateContact(ctx, model.Contact{
		Phone:          phone,
		Name:           name,
		Status:         model.ContactActive,
		FirstMessageAt: &at,
		LastMessageAt:  &at,
		TotalMessages:  1,
	})
}

// touch applies one inbound message to c. Blocked contacts stay blocked.
func touch(c model.Contact, name string, at time.Time) model.Contact {
	if c.LastMessageAt == nil || at.After(*c.LastMessageAt) {
		t := at
		c.LastMessageAt = &t
	}
	if c.FirstMessageAt == nil || at.Before(*c.FirstMessageAt) {
		t := at
		c.FirstMessageAt = &t
	}
	c.TotalMessages++
	if strings.TrimSpace(c.Name) == "" {
		c.Name = name
	}
	if c.Status == model.ContactInactive {
		c.Status = model.ContactActive
	}
	c.UpdatedAt = time.Now()
	return c
}

func (m *Memory) SetContactStatus(_ context.Context, id int64, status model.ContactStatus, verifiedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.contacts[id]
	if !ok {
		return fmt.Errorf("contact %d: %w", id, model.ErrNotFound)
	}
	c.Status = status
	if !verifiedAt.IsZero() {
		c.LastVerifiedAt = &verifiedAt
	}
	c.UpdatedAt = time.Now()
	m.contacts[id] = c
	return nil
}

func (m *Memory) MergeContacts(_ context.Context, survivor model.Contact, removed []int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.contacts[survivor.ID]; !ok {
		return fmt.Errorf("contact %d: %w", survivor.ID, model.ErrNotFound)
	}
	survivor.UpdatedAt = time.Now()
	m.contacts[survivor.ID] = cloneContact(survivor)

	gone := make(map[int64]struct{}, len(removed))
	for _, id := range removed {
		if id == survivor.ID {
			continue
		}
		gone[id] = struct{}{}
		delete(m.contacts, id)
	}
	for _, mj := range m.jobs {
		for i := range mj.deliveries {
			if _, ok := gone[mj.deliveries[i].ContactID]; ok {
				mj.deliveries[i].ContactID = survivor.ID
			}
		}
	}
	return nil
}

// ---- ledger ----

func cloneJob(j model.Job) model.Job {
	if j.Filter != nil {
		f := *j.Filter
		f.ContactIDs = slices.Clone(f.ContactIDs)
		j.Filter = &f
	}
	return j
}

func (m *Memory) live(id string) (*memJob, error) {
	mj, ok := m.jobs[id]
	if !ok || mj.deletedAt != nil {
		return nil, fmt.Errorf("job %s: %w", id, model.ErrNotFound)
	}
	return mj, nil
}

func newDeliveries(jobID string, recipients []model.Recipient) []model.Delivery {
	out := make([]model.Delivery, len(recipients))
	for i, r := range recipients {
		out[i] = model.Delivery{Recipient: r, JobID: jobID, Index: i, Status: model.DeliveryPending}
	}
	return out
}

func (m *Memory) CreateJob(_ context.Context, job model.Job, recipients []model.Recipient) error {
	if job.ID == "" {
		return model.Invalid("job.id", "required")
	}
	if recipients != nil {
		job.Total = len(recipients)
	}
	now := time.Now()
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	job.UpdatedAt = now

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, dup := m.jobs[job.ID]; dup {
		return fmt.Errorf("job %s: duplicate id", job.ID)
	}
	if job.Kind == model.KindVerificationSweep && liveSweepState(job.State) {
		for _, mj := range m.jobs {
			if mj.deletedAt == nil && mj.job.Kind == model.KindVerificationSweep && liveSweepState(mj.job.State) {
				return fmt.Errorf("sweep %s is %s: %w", mj.job.ID, mj.job.State, model.ErrAlreadyRunning)
			}
		}
	}
	m.nextSeq++
	m.jobs[job.ID] = &memJob{seq: m.nextSeq, job: cloneJob(job), deliveries: newDeliveries(job.ID, recipients)}
	return nil
}

func liveSweepState(s model.JobState) bool {
	return s == model.StatePending || s == model.StateRunning
}

func (m *Memory) GetJob(_ context.Context, id string) (model.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	mj, err := m.live(id)
	if err != nil {
		return model.Job{}, err
	}
	return cloneJob(mj.job), nil
}

func (m *Memory) ListJobs(_ context.Context, q model.JobQuery) ([]model.Job, error) {
	m.mu.RLock()
	all := make([]*memJob, 0, len(m.jobs))
	for _, mj := range m.jobs {
		if mj.deletedAt != nil {
			continue
		}
		if q.Kind != "" && mj.job.Kind != q.Kind {
			continue
		}
		if q.State != "" && mj.job.State != q.State {
			continue
		}
		all = append(all, mj)
	}
	sort.Slice(all, func(i, j int) bool {
		if !all[i].job.CreatedAt.Equal(all[j].job.CreatedAt) {
			return all[i].job.CreatedAt.After(all[j].job.CreatedAt)
		}
		return all[i].seq > all[j].seq
	})
	out := make([]model.Job, 0, len(all))
	for _, mj := range page(all, q.Offset, q.Limit) {
		out = append(out, cloneJob(mj.job))
	}
	m.mu.RUnlock()
	return out, nil
}

func page[T any](in []T, offset, limit int) []T {
	if offset < 0 {
		offset = 0
	}
	if offset >= len(in) {
		return nil
	}
	in = in[offset:]
	if limit > 0 && limit < len(in) {
		in = in[:limit]
	}
	return in
}

func (m *Memory) ReplaceDraft(_ context.Context, job model.Job, recipients []model.Recipient) (model.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	mj, err := m.live(job.ID)
	if err != nil {
		return model.Job{}, err
	}
	if mj.job.State != model.StateDraft {
		return model.Job{}, &model.StateError{JobID: job.ID, Op: "update", State: mj.job.State}
	}
	j := mj.job
	j.Name = job.Name
	j.Message = job.Message
	j.Filter = job.Filter
	j.RateSeconds = job.RateSeconds
	j.ScheduledAt = job.ScheduledAt
	j.Total = len(recipients)
	j.Cursor = 0
	j.UpdatedAt = time.Now()
	mj.job = cloneJob(j)
	mj.deliveries = newDeliveries(j.ID, recipients)
	return cloneJob(mj.job), nil
}

func (m *Memory) Transition(_ context.Context, id string, t Transition) (model.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	mj, err := m.live(id)
	if err != nil {
		return model.Job{}, err
	}
	if !stateIn(mj.job.State, t.From) {
		return cloneJob(mj.job), &model.StateError{JobID: id, Op: t.Op, State: mj.job.State}
	}
	at := t.At
	if at.IsZero() {
		at = time.Now()
	}
	j := &mj.job
	j.State = t.To
	if t.SetStarted && j.StartedAt == nil {
		j.StartedAt = &at
	}
	if t.SetFinished {
		j.FinishedAt = &at
	}
	if t.Degraded != nil {
		j.Degraded = *t.Degraded
	}
	if t.Note != nil {
		j.Note = *t.Note
	}
	j.UpdatedAt = at
	return cloneJob(*j), nil
}

func (m *Memory) RecordTick(_ context.Context, id string, cursor int, out model.Outcome) (model.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	mj, err := m.live(id)
	if err != nil {
		return model.Job{}, err
	}
	j := &mj.job
	if cursor != j.Cursor || cursor < 0 || cursor >= len(mj.deliveries) {
		return cloneJob(*j), fmt.Errorf("job %s cursor %d (at %d): %w", id, cursor, j.Cursor, ErrTickRejected)
	}
	at := out.At
	if at.IsZero() {
		at = time.Now()
	}

	d := &mj.deliveries[cursor]
	if d.Status == model.DeliveryPending && j.State != model.StateDraft {
		d.SentAt = &at
		d.Status = model.DeliverySent
		if !out.OK {
			d.Status = model.DeliveryFailed
			d.Error = out.Err
		}
	}

	if !stateIn(j.State, tickStates) {
		return cloneJob(*j), fmt.Errorf("job %s is %s: %w", id, j.State, ErrTickRejected)
	}
	j.Cursor++
	j.Processed++
	if out.OK {
		j.Succeeded++
	} else {
		j.Failed++
	}
	j.UpdatedAt = at
	return cloneJob(*j), nil
}

func (m *Memory) Recipient(_ context.Context, id string, index int) (model.Recipient, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	mj, err := m.live(id)
	if err != nil {
		return model.Recipient{}, err
	}
	if index < 0 || index >= len(mj.deliveries) {
		return model.Recipient{}, fmt.Errorf("job %s recipient %d: %w", id, index, model.ErrNotFound)
	}
	return mj.deliveries[index].Recipient, nil
}

func (m *Memory) Deliveries(_ context.Context, id string, status model.DeliveryStatus, offset, limit int) ([]model.Delivery, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	mj, err := m.live(id)
	if err != nil {
		return nil, err
	}
	sel := make([]model.Delivery, 0, len(mj.deliveries))
	for _, d := range mj.deliveries {
		if status == "" || d.Status == status {
			sel = append(sel, d)
		}
	}
	return slices.Clone(page(sel, offset, limit)), nil
}

func (m *Memory) MarkResponded(_ context.Context, contactID int64, at, since time.Time) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var (
		best    *model.Delivery
		bestJob *memJob
	)
	for _, mj := range m.jobs {
		if mj.job.Kind != model.KindCampaign || mj.deletedAt != nil {
			continue
		}
		for i := range mj.deliveries {
			d := &mj.deliveries[i]
			if d.ContactID != contactID || d.Status != model.DeliverySent || d.SentAt == nil || d.SentAt.Before(since) {
				continue
			}
			if best == nil || d.SentAt.After(*best.SentAt) {
				best, bestJob = d, mj
			}
		}
	}
	if best == nil {
		return "", nil
	}
	best.Status = model.DeliveryResponded
	best.RespondedAt = &at
	bestJob.job.Responded++
	bestJob.job.UpdatedAt = time.Now()
	return bestJob.job.ID, nil
}

func (m *Memory) RecentlyContacted(_ context.Context, since time.Time) ([]int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	seen := make(map[int64]struct{})
	for _, mj := range m.jobs {
		if mj.job.Kind != model.KindCampaign || mj.deletedAt != nil {
			continue
		}
		for _, d := range mj.deliveries {
			if (d.Status == model.DeliverySent || d.Status == model.DeliveryResponded) && d.SentAt != nil && !d.SentAt.Before(since) {
				seen[d.ContactID] = struct{}{}
			}
		}
	}
	out := make([]int64, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	slices.Sort(out)
	return out, nil
}

func (m *Memory) SoftDeleteJob(_ context.Context, id string, allowed []model.JobState, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	mj, err := m.live(id)
	if err != nil {
		return err
	}
	if !stateIn(mj.job.State, allowed) {
		return &model.StateError{JobID: id, Op: "delete", State: mj.job.State}
	}
	mj.deletedAt = &at
	return nil
}

func (m *Memory) PruneJobs(_ context.Context, before time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id, mj := range m.jobs {
		old := mj.deletedAt != nil && mj.deletedAt.Before(before)
		if !old && mj.job.Kind != model.KindCampaign && mj.job.State.Terminal() &&
			mj.job.FinishedAt != nil && mj.job.FinishedAt.Before(before) {
			old = true
		}
		if old {
			delete(m.jobs, id)
			n++
		}
	}
	return n, nil
}
