package storage

import (
	"context"
	"errors"
	"strings"
	"time"

	"wabulk/internal/model"
)

// ErrTickRejected means a runner tried to record work for a cursor that is no
// longer current, or for a job that left its running states.
var ErrTickRejected = errors.New("tick rejected")

// Config configures storage.
//
// If Driver is empty, the memory driver is used.
type Config struct {
	Driver      string
	Path        string
	DSN         string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Store is everything the engine persists.
type Store interface {
	ContactStore
	LedgerStore
	Close() error
}

// ContactQuery is a conjunction of predicates; zero fields are ignored.
type ContactQuery struct {
	IDs    []int64
	Status model.ContactStatus
	Tag    string
	// Phone matches on PhoneKey, so formatting differences are ignored.
	Phone string
	// ActiveSince keeps contacts whose last inbound message is at or after it.
	ActiveSince *time.Time
	// InactiveBefore keeps contacts whose last inbound message is before it, or who never wrote.
	InactiveBefore *time.Time
}

type ContactStore interface {
	CreateContact(ctx context.Context, c model.Contact) (model.Contact, error)
	GetContact(ctx context.Context, id int64) (model.Contact, error)
	QueryContacts(ctx context.Context, q ContactQuery) ([]model.Contact, error)
	// TouchContact records an inbound message: it finds the contact by phone
	// (creating an active one if unknown) and bumps its activity.
	TouchContact(ctx context.Context, phone, name string, at time.Time) (model.Contact, error)
	SetContactStatus(ctx context.Context, id int64, status model.ContactStatus, verifiedAt time.Time) error
	// MergeContacts overwrites survivor, re-points ledger rows of removed to
	// survivor and deletes removed, in one transaction.
	MergeContacts(ctx context.Context, survivor model.Contact, removed []int64) error
}

// Transition is a compare-and-set on a job's state.
type Transition struct {
	Op   string
	From []model.JobState
	To   model.JobState
	At   time.Time

	SetStarted  bool
	SetFinished bool
	Degraded    *bool
	Note        *string
}

type LedgerStore interface {
	// CreateJob inserts job and its recipients. A second live sweep fails
	// with model.ErrAlreadyRunning.
	CreateJob(ctx context.Context, job model.Job, recipients []model.Recipient) error
	GetJob(ctx context.Context, id string) (model.Job, error)
	ListJobs(ctx context.Context, q model.JobQuery) ([]model.Job, error)
	// ReplaceDraft swaps message, filter, rate, schedule and recipients of a draft.
	ReplaceDraft(ctx context.Context, job model.Job, recipients []model.Recipient) (model.Job, error)
	Transition(ctx context.Context, id string, t Transition) (model.Job, error)
	// RecordTick stamps the delivery at cursor and, if the job still accepts
	// work, advances cursor and counters together.
	RecordTick(ctx context.Context, id string, cursor int, out model.Outcome) (model.Job, error)
	Recipient(ctx context.Context, id string, index int) (model.Recipient, error)
	Deliveries(ctx context.Context, id string, status model.DeliveryStatus, offset, limit int) ([]model.Delivery, error)
	// MarkResponded flags the latest successful campaign delivery to contactID
	// sent at or after since, once. It returns the job id touched, or "".
	MarkResponded(ctx context.Context, contactID int64, at, since time.Time) (string, error)
	// RecentlyContacted lists contacts with a successful campaign delivery at or after since.
	RecentlyContacted(ctx context.Context, since time.Time) ([]int64, error)
	SoftDeleteJob(ctx context.Context, id string, allowed []model.JobState, at time.Time) error
	// PruneJobs hard-deletes soft-deleted jobs and finished non-campaign jobs older than before.
	PruneJobs(ctx context.Context, before time.Time) (int, error)
}

// tickStates are the states in which RecordTick still moves counters.
var tickStates = []model.JobState{model.StateSending, model.StatePaused, model.StateRunning}

// PhoneKey reduces a phone to its digits so "+57 300-123" and "57300123" match.
func PhoneKey(phone string) string {
	var b strings.Builder
	for _, r := range phone {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

func stateIn(s model.JobState, set []model.JobState) bool {
	for _, v := range set {
		if v == s {
			return true
		}
	}
	return false
}
