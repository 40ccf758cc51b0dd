// Package audience turns a declarative filter into the ordered recipient
// list a job acts upon.
package audience

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"time"

	"golang.org/x/sync/errgroup"

	"wabulk/internal/model"
	"wabulk/internal/storage"
	"wabulk/pkg/logx"
)

// History answers which contacts a campaign reached recently.
type History interface {
	RecentlyContacted(ctx context.Context, since time.Time) ([]int64, error)
}

// Result is a resolved audience. ResolvedOK is false when the contact store
// or the ledger could not be read; Total is then meaningless, not zero.
type Result struct {
	Recipients []model.Recipient `json:"-"`
	Total      int               `json:"total"`
	Dropped    int               `json:"dropped"`
	ResolvedOK bool              `json:"resolved_ok"`
}

type Resolver struct {
	contacts storage.ContactStore
	history  History
	log      logx.Logger
	now      func() time.Time
	loc      *time.Location
}

type Option func(*Resolver)

func WithClock(now func() time.Time) Option { return func(r *Resolver) { r.now = now } }

// WithLocation sets the zone whose midnight starts "today". Default is time.Local.
func WithLocation(loc *time.Location) Option {
	return func(r *Resolver) {
		if loc != nil {
			r.loc = loc
		}
	}
}

func New(contacts storage.ContactStore, history History, log logx.Logger, opts ...Option) *Resolver {
	r := &Resolver{
		contacts: contacts,
		history:  history,
		log:      log.With(logx.String("comp", "audience")),
		now:      time.Now,
		loc:      time.Local,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Boundary is the start of a period bucket relative to now: local midnight
// for "today", now minus N whole days otherwise.
func Boundary(p model.Period, now time.Time, loc *time.Location) (time.Time, error) {
	days, ok := p.Days()
	if !ok {
		return time.Time{}, model.Invalid("filter.period", fmt.Sprintf("unknown period %q", p))
	}
	if days == 0 {
		n := now.In(loc)
		return time.Date(n.Year(), n.Month(), n.Day(), 0, 0, 0, 0, loc), nil
	}
	return now.Add(-time.Duration(days) * 24 * time.Hour), nil
}

// query translates the predicate part of f into a store query.
func (r *Resolver) query(f model.FilterSpec, now time.Time) (storage.ContactQuery, error) {
	q := storage.ContactQuery{Status: model.ContactActive}
	switch f.Kind {
	case model.FilterAllActive:
	case model.FilterActiveSince, model.FilterInactiveSince, model.FilterByTagAndActivity:
		b, err := Boundary(f.Period, now, r.loc)
		if err != nil {
			return q, err
		}
		if f.Kind == model.FilterInactiveSince {
			q.InactiveBefore = &b
		} else {
			q.ActiveSince = &b
		}
		if f.Kind == model.FilterByTagAndActivity {
			q.Tag = f.Tag
		}
	case model.FilterByTag:
		q.Tag = f.Tag
	case model.FilterManual:
		q.Status = ""
		q.IDs = uniqueIDs(f.ContactIDs)
	}
	return q, nil
}

// Resolve computes the audience for f. Validation errors are returned as
// is. Store failures yield Result{ResolvedOK: false} and an error wrapping
// model.ErrResolution.
func (r *Resolver) Resolve(ctx context.Context, f model.FilterSpec) (Result, error) {
	if err := f.Validate(); err != nil {
		return Result{}, err
	}
	now := r.now()
	q, err := r.query(f, now)
	if err != nil {
		return Result{}, err
	}

	var (
		found    []model.Contact
		excluded map[int64]struct{}
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		cs, err := r.contacts.QueryContacts(gctx, q)
		found = cs
		return err
	})
	if f.ExcludeContactedWithinDays != nil && r.history != nil {
		since := now.Add(-time.Duration(*f.ExcludeContactedWithinDays) * 24 * time.Hour)
		g.Go(func() error {
			ids, err := r.history.RecentlyContacted(gctx, since)
			if err != nil {
				return err
			}
			excluded = make(map[int64]struct{}, len(ids))
			for _, id := range ids {
				excluded[id] = struct{}{}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		r.log.Warn("audience resolution failed", logx.String("kind", string(f.Kind)), logx.Err(err))
		return Result{ResolvedOK: false}, fmt.Errorf("%w: %w", model.ErrResolution, err)
	}

	res := Result{ResolvedOK: true}
	kept := make([]model.Contact, 0, len(found))
	seen := make(map[int64]struct{}, len(found))
	for _, c := range found {
		if _, dup := seen[c.ID]; dup {
			continue
		}
		seen[c.ID] = struct{}{}
		if f.Kind == model.FilterManual && c.Status == model.ContactBlocked {
			continue
		}
		if _, skip := excluded[c.ID]; skip {
			continue
		}
		kept = append(kept, c)
	}
	if f.Kind == model.FilterManual {
		// unknown and blocked ids; exclusion is not a drop
		res.Dropped = len(q.IDs) - countNotBlocked(found)
	}

	slices.SortStableFunc(kept, byRecency)
	if f.Limit != nil && *f.Limit < len(kept) {
		kept = kept[:*f.Limit]
	}
	res.Recipients = make([]model.Recipient, len(kept))
	for i, c := range kept {
		res.Recipients[i] = model.RecipientOf(c)
	}
	res.Total = len(res.Recipients)
	r.log.Debug("audience resolved",
		logx.String("kind", string(f.Kind)), logx.Int("total", res.Total), logx.Int("dropped", res.Dropped))
	return res, nil
}

// byRecency orders most recently active first, never-messaged last, then by id.
func byRecency(a, b model.Contact) int {
	switch {
	case a.LastMessageAt == nil && b.LastMessageAt == nil:
	case a.LastMessageAt == nil:
		return 1
	case b.LastMessageAt == nil:
		return -1
	default:
		if c := b.LastMessageAt.Compare(*a.LastMessageAt); c != 0 {
			return c
		}
	}
	return cmp.Compare(a.ID, b.ID)
}

func uniqueIDs(ids []int64) []int64 {
	out := make([]int64, 0, len(ids))
	seen := make(map[int64]struct{}, len(ids))
	for _, id := range ids {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

func countNotBlocked(cs []model.Contact) int {
	n := 0
	for _, c := range cs {
		if c.Status != model.ContactBlocked {
			n++
		}
	}
	return n
}
