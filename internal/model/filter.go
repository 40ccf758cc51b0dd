package model

import (
	"fmt"
	"strings"
)

type FilterKind string

const (
	FilterAllActive        FilterKind = "all_active"
	FilterActiveSince      FilterKind = "active_since"
	FilterInactiveSince    FilterKind = "inactive_since"
	FilterByTag            FilterKind = "by_tag"
	FilterByTagAndActivity FilterKind = "by_tag_and_activity"
	FilterManual           FilterKind = "manual"
)

// Period is an activity bucket measured in whole days back from now.
type Period string

const (
	PeriodToday       Period = "today"
	PeriodLast3Days   Period = "last_3_days"
	PeriodLastWeek    Period = "last_week"
	PeriodLast2Weeks  Period = "last_2_weeks"
	PeriodLastMonth   Period = "last_month"
	PeriodLast3Months Period = "last_3_months"
)

var periodDays = map[Period]int{
	PeriodToday:       0,
	PeriodLast3Days:   3,
	PeriodLastWeek:    7,
	PeriodLast2Weeks:  14,
	PeriodLastMonth:   30,
	PeriodLast3Months: 90,
}

// Days returns the bucket size; ok is false for unknown periods.
func (p Period) Days() (int, bool) {
	d, ok := periodDays[p]
	return d, ok
}

// FilterSpec declares which contacts an operation targets.
//
// Kind selects the predicate; Period, Tag and ContactIDs are its arguments.
// ExcludeContactedWithinDays and Limit are modifiers valid for every kind.
type FilterSpec struct {
	Kind       FilterKind `json:"kind"`
	Period     Period     `json:"period,omitempty"`
	Tag        string     `json:"tag,omitempty"`
	ContactIDs []int64    `json:"contact_ids,omitempty"`

	ExcludeContactedWithinDays *int `json:"exclude_contacted_within_days,omitempty"`
	Limit                      *int `json:"limit,omitempty"`
}

func (f FilterSpec) Validate() error {
	needPeriod := false
	needTag := false
	switch f.Kind {
	case FilterAllActive:
	case FilterActiveSince, FilterInactiveSince:
		needPeriod = true
	case FilterByTag:
		needTag = true
	case FilterByTagAndActivity:
		needPeriod, needTag = true, true
	case FilterManual:
		if len(f.ContactIDs) == 0 {
			return Invalid("filter.contact_ids", "manual filter needs at least one contact id")
		}
	default:
		return Invalid("filter.kind", fmt.Sprintf("unknown filter kind %q", f.Kind))
	}
	if needPeriod {
		if _, ok := f.Period.Days(); !ok {
			return Invalid("filter.period", fmt.Sprintf("unknown period %q", f.Period))
		}
	}
	if needTag && strings.TrimSpace(f.Tag) == "" {
		return Invalid("filter.tag", "tag is required")
	}
	if f.ExcludeContactedWithinDays != nil && *f.ExcludeContactedWithinDays < 0 {
		return Invalid("filter.exclude_contacted_within_days", "must be >= 0")
	}
	if f.Limit != nil && *f.Limit < 0 {
		return Invalid("filter.limit", "must be >= 0")
	}
	return nil
}
