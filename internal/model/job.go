package model

import (
	"encoding/json"
	"time"
)

type JobKind string

const (
	KindCampaign          JobKind = "campaign"
	KindVerificationSweep JobKind = "verification_sweep"
	KindDedupMerge        JobKind = "dedup_merge"
)

func (k JobKind) Valid() bool {
	switch k {
	case KindCampaign, KindVerificationSweep, KindDedupMerge:
		return true
	}
	return false
}

type JobState string

const (
	StateDraft     JobState = "draft"
	StateSending   JobState = "sending"
	StatePaused    JobState = "paused"
	StatePending   JobState = "pending"
	StateRunning   JobState = "procesando"
	StateCompleted JobState = "completed"
	StateCancelled JobState = "cancelled"
	StateFailed    JobState = "failed"
)

// Terminal states are final; no transition leaves them.
func (s JobState) Terminal() bool {
	switch s {
	case StateCompleted, StateCancelled, StateFailed:
		return true
	}
	return false
}

// Live reports whether a runner may be working on a job in this state.
func (s JobState) Live() bool {
	switch s {
	case StateSending, StatePending, StateRunning:
		return true
	}
	return false
}

type Counters struct {
	Processed int `json:"processed"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	Responded int `json:"responded"`
}

// Job is a trackable unit of bulk work. Recipients are stored separately and
// addressed by index; Cursor is the index of the next one to process.
type Job struct {
	ID    string   `json:"id"`
	Kind  JobKind  `json:"kind"`
	State JobState `json:"state"`

	Name        string      `json:"name,omitempty"`
	Message     string      `json:"message,omitempty"`
	Filter      *FilterSpec `json:"filter,omitempty"`
	RateSeconds int         `json:"rate_seconds,omitempty"`

	Total  int `json:"total"`
	Cursor int `json:"cursor"`
	Counters

	// Degraded is set when a runner stopped itself because the gateway kept failing.
	Degraded bool   `json:"degraded"`
	Note     string `json:"note,omitempty"`

	ScheduledAt *time.Time `json:"scheduled_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	FinishedAt  *time.Time `json:"finished_at,omitempty"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// Progress is processed/total as a floored percentage.
func (j Job) Progress() int {
	if j.Total <= 0 {
		if j.State == StateCompleted {
			return 100
		}
		return 0
	}
	return j.Processed * 100 / j.Total
}

// Status is the pollable view of a job.
type Status struct {
	ID    string   `json:"id"`
	Kind  JobKind  `json:"kind"`
	State JobState `json:"state"`
	Total int      `json:"total"`
	Counters
	Progreso int    `json:"progreso"`
	Degraded bool   `json:"degraded"`
	Note     string `json:"note,omitempty"`
}

func (j Job) Status() Status {
	return Status{
		ID:       j.ID,
		Kind:     j.Kind,
		State:    j.State,
		Total:    j.Total,
		Counters: j.Counters,
		Progreso: j.Progress(),
		Degraded: j.Degraded,
		Note:     j.Note,
	}
}

// FilterJSON encodes the job filter for storage; nil encodes as "".
func (j Job) FilterJSON() (string, error) {
	if j.Filter == nil {
		return "", nil
	}
	b, err := json.Marshal(j.Filter)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// JobQuery filters job listings. Zero values mean "any".
type JobQuery struct {
	Kind   JobKind
	State  JobState
	Offset int
	Limit  int
}

// Outcome is what a runner reports for one unit of work.
type Outcome struct {
	OK  bool
	Err string
	At  time.Time
}
