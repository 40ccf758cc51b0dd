package model

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func intp(v int) *int { return &v }

func TestPeriodDays(t *testing.T) {
	t.Parallel()

	want := map[Period]int{
		PeriodToday: 0, PeriodLast3Days: 3, PeriodLastWeek: 7,
		PeriodLast2Weeks: 14, PeriodLastMonth: 30, PeriodLast3Months: 90,
	}
	for p, d := range want {
		got, ok := p.Days()
		require.True(t, ok, p)
		assert.Equal(t, d, got, p)
	}
	_, ok := Period("yesterday").Days()
	assert.False(t, ok)
}

func TestFilterSpecValidate(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name  string
		spec  FilterSpec
		field string
	}{
		{"all active", FilterSpec{Kind: FilterAllActive}, ""},
		{"active since", FilterSpec{Kind: FilterActiveSince, Period: PeriodLastWeek}, ""},
		{"missing period", FilterSpec{Kind: FilterInactiveSince}, "filter.period"},
		{"missing tag", FilterSpec{Kind: FilterByTag, Tag: "  "}, "filter.tag"},
		{"tag and activity", FilterSpec{Kind: FilterByTagAndActivity, Tag: "vip", Period: PeriodToday}, ""},
		{"empty manual", FilterSpec{Kind: FilterManual}, "filter.contact_ids"},
		{"unknown kind", FilterSpec{Kind: "everyone"}, "filter.kind"},
		{"negative limit", FilterSpec{Kind: FilterAllActive, Limit: intp(-1)}, "filter.limit"},
		{"negative exclusion", FilterSpec{Kind: FilterAllActive, ExcludeContactedWithinDays: intp(-2)}, "filter.exclude_contacted_within_days"},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			err := tc.spec.Validate()
			if tc.field == "" {
				require.NoError(t, err)
				return
			}
			require.ErrorIs(t, err, ErrValidation)
			var ve *ValidationError
			require.True(t, errors.As(err, &ve))
			assert.Equal(t, tc.field, ve.Field)
		})
	}
}

func TestJobProgressFloors(t *testing.T) {
	t.Parallel()

	assert.Equal(t, 33, Job{Total: 3, Counters: Counters{Processed: 1}}.Progress())
	assert.Equal(t, 100, Job{Total: 5, Counters: Counters{Processed: 5}}.Progress())
	assert.Equal(t, 0, Job{}.Progress())
	assert.Equal(t, 100, Job{State: StateCompleted}.Progress())
}

func TestStateErrorIsInvalidState(t *testing.T) {
	t.Parallel()

	err := error(&StateError{JobID: "j1", Op: "start", State: StateCompleted})
	assert.ErrorIs(t, err, ErrInvalidState)
	assert.Contains(t, err.Error(), "completed")
}

func TestStatePredicates(t *testing.T) {
	t.Parallel()

	for _, s := range []JobState{StateCompleted, StateCancelled, StateFailed} {
		assert.True(t, s.Terminal(), s)
		assert.False(t, s.Live(), s)
	}
	for _, s := range []JobState{StateSending, StatePending, StateRunning} {
		assert.True(t, s.Live(), s)
	}
	assert.False(t, StatePaused.Live())
	assert.False(t, StateDraft.Terminal())
}

func TestContactHasTagIsCaseSensitive(t *testing.T) {
	t.Parallel()

	c := Contact{Tags: []string{"vip", "norte"}}
	assert.True(t, c.HasTag("vip"))
	assert.False(t, c.HasTag("VIP"))
}
