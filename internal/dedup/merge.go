// Package dedup merges contact records that share a phone number.
package dedup

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/nyaruka/phonenumbers"

	"wabulk/internal/model"
	"wabulk/internal/storage"
	"wabulk/pkg/logx"
)

// Result counts what one run changed.
type Result struct {
	GroupsMerged      int    `json:"groups_merged"`
	DuplicatesRemoved int    `json:"duplicates_removed"`
	JobID             string `json:"job_id,omitempty"`
}

// Auditor records a finished run.
type Auditor interface {
	RecordMerge(ctx context.Context, groups, removed int) (model.Job, error)
}

type Merger struct {
	contacts storage.ContactStore
	audit    Auditor
	log      logx.Logger
}

func New(contacts storage.ContactStore, audit Auditor, log logx.Logger) *Merger {
	return &Merger{contacts: contacts, audit: audit, log: log.With(logx.String("comp", "dedup"))}
}

// Normalize returns the E.164 form of phone when it parses as a valid
// international number, otherwise its digits with a leading "+".
func Normalize(phone string) string {
	var b strings.Builder
	for _, r := range phone {
		if (r >= '0' && r <= '9') || r == '+' {
			b.WriteRune(r)
		}
	}
	clean := b.String()
	if clean == "" {
		return ""
	}
	if !strings.HasPrefix(clean, "+") {
		clean = "+" + clean
	}
	num, err := phonenumbers.Parse(clean, "")
	if err != nil || !phonenumbers.IsValidNumber(num) {
		return clean
	}
	return phonenumbers.Format(num, phonenumbers.E164)
}

var statusRank = map[model.ContactStatus]int{
	model.ContactBlocked:  3,
	model.ContactActive:   2,
	model.ContactInactive: 1,
}

// Merge folds a group of duplicates into its earliest-created record and
// returns that record along with the ids to delete.
func Merge(phone string, group []model.Contact) (model.Contact, []int64) {
	group = slices.Clone(group)
	slices.SortFunc(group, func(a, b model.Contact) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	s := group[0]
	s.Phone = phone
	s.Tags = slices.Clone(s.Tags)
	removed := make([]int64, 0, len(group)-1)

	for _, d := range group[1:] {
		if strings.TrimSpace(s.Name) == "" {
			s.Name = d.Name
		}
		s.TotalMessages += d.TotalMessages
		if d.FirstMessageAt != nil && (s.FirstMessageAt == nil || d.FirstMessageAt.Before(*s.FirstMessageAt)) {
			s.FirstMessageAt = d.FirstMessageAt
		}
		if d.LastMessageAt != nil && (s.LastMessageAt == nil || d.LastMessageAt.After(*s.LastMessageAt)) {
			s.LastMessageAt = d.LastMessageAt
		}
		if d.LastVerifiedAt != nil && (s.LastVerifiedAt == nil || d.LastVerifiedAt.After(*s.LastVerifiedAt)) {
			s.LastVerifiedAt = d.LastVerifiedAt
		}
		for _, t := range d.Tags {
			if !slices.Contains(s.Tags, t) {
				s.Tags = append(s.Tags, t)
			}
		}
		if statusRank[d.Status] > statusRank[s.Status] {
			s.Status = d.Status
		}
		removed = append(removed, d.ID)
	}
	return s, removed
}

// Run merges every group of contacts sharing a normalized phone. Each group
// is committed on its own, so a failure leaves earlier groups merged.
// Running it again right after finds nothing to do.
func (m *Merger) Run(ctx context.Context) (Result, error) {
	all, err := m.contacts.QueryContacts(ctx, storage.ContactQuery{})
	if err != nil {
		return Result{}, fmt.Errorf("%w: %w", model.ErrResolution, err)
	}

	groups := map[string][]model.Contact{}
	var order []string
	for _, c := range all {
		key := Normalize(c.Phone)
		if key == "" {
			continue
		}
		if _, ok := groups[key]; !ok {
			order = append(order, key)
		}
		groups[key] = append(groups[key], c)
	}

	var res Result
	for _, key := range order {
		g := groups[key]
		if len(g) < 2 {
			continue
		}
		survivor, removed := Merge(key, g)
		if err := m.contacts.MergeContacts(ctx, survivor, removed); err != nil {
			return res, fmt.Errorf("merge %s: %w", key, err)
		}
		res.GroupsMerged++
		res.DuplicatesRemoved += len(removed)
		m.log.Debug("contacts merged", logx.Int64("survivor", survivor.ID), logx.Int64s("removed", removed))
	}

	if m.audit != nil {
		job, err := m.audit.RecordMerge(ctx, res.GroupsMerged, res.DuplicatesRemoved)
		if err != nil {
			m.log.Warn("merge audit not recorded", logx.Err(err))
		} else {
			res.JobID = job.ID
		}
	}
	m.log.Info("duplicate merge finished",
		logx.Int("groups", res.GroupsMerged), logx.Int("removed", res.DuplicatesRemoved))
	return res, nil
}
