package dedup

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wabulk/internal/jobs"
	"wabulk/internal/model"
	"wabulk/internal/storage"
	"wabulk/pkg/logx"
)

func ts(s string) *time.Time {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		panic(err)
	}
	return &t
}

func TestNormalize(t *testing.T) {
	t.Parallel()
	tests := map[string]string{
		"+57 300 123 4567": "+573001234567",
		"573001234567":     "+573001234567",
		"(+1) 650-253-0000": "+16502530000",
		"12":               "+12",
		"":                 "",
		"abc":              "",
	}
	for in, want := range tests {
		assert.Equal(t, want, Normalize(in), in)
	}
}

func TestMergeRules(t *testing.T) {
	t.Parallel()
	old := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	group := []model.Contact{
		{ID: 7, Phone: "573001234567", Name: "Ana", Status: model.ContactBlocked, Tags: []string{"b"},
			TotalMessages: 2, FirstMessageAt: ts("2026-03-01T00:00:00Z"), LastMessageAt: ts("2026-10-01T00:00:00Z"), CreatedAt: old.Add(time.Hour)},
		{ID: 3, Phone: "+57 300 123 4567", Status: model.ContactInactive, Tags: []string{"a"},
			TotalMessages: 5, FirstMessageAt: ts("2026-02-01T00:00:00Z"), LastMessageAt: ts("2026-09-01T00:00:00Z"), CreatedAt: old},
		{ID: 9, Phone: "+573001234567", Name: "Ana María", Status: model.ContactActive, Tags: []string{"a", "c"},
			TotalMessages: 1, CreatedAt: old},
	}
	s, removed := Merge("+573001234567", group)

	assert.Equal(t, int64(3), s.ID, "earliest created, lowest id wins ties")
	assert.Equal(t, []int64{9, 7}, removed)
	assert.Equal(t, "+573001234567", s.Phone)
	assert.Equal(t, "Ana María", s.Name)
	assert.Equal(t, 8, s.TotalMessages)
	assert.Equal(t, ts("2026-02-01T00:00:00Z"), s.FirstMessageAt)
	assert.Equal(t, ts("2026-10-01T00:00:00Z"), s.LastMessageAt)
	assert.Equal(t, []string{"a", "c", "b"}, s.Tags)
	assert.Equal(t, model.ContactBlocked, s.Status)
	assert.Equal(t, []string{"b"}, group[0].Tags, "input is not mutated")
}

func TestRunIsIdempotentAndKeepsHistory(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := storage.NewMemory()
	ledger := jobs.New(st, nil, logx.Nop())

	mk := func(phone string, at time.Time) model.Contact {
		c, err := st.CreateContact(ctx, model.Contact{Phone: phone, CreatedAt: at})
		require.NoError(t, err)
		return c
	}
	base := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	first := mk("+57 300 123 4567", base)
	dup := mk("573001234567", base.Add(time.Hour))
	mk("57-300-123-4567", base.Add(2*time.Hour))
	other := mk("+16502530000", base)
	mk("16502530000", base.Add(time.Minute))
	mk("+4420", base)

	// a campaign reached the duplicate; the history must follow the survivor
	job, err := ledger.CreateCampaign(ctx, jobs.Draft{Message: "hola", Filter: model.FilterSpec{Kind: model.FilterAllActive}},
		[]model.Recipient{model.RecipientOf(dup)})
	require.NoError(t, err)
	_, err = ledger.Start(ctx, job.ID)
	require.NoError(t, err)
	_, err = ledger.RecordTick(ctx, job.ID, 0, model.Outcome{OK: true})
	require.NoError(t, err)

	m := New(st, ledger, logx.Nop())
	res, err := m.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, res.GroupsMerged)
	assert.Equal(t, 3, res.DuplicatesRemoved)
	require.NotEmpty(t, res.JobID)

	all, err := st.QueryContacts(ctx, storage.ContactQuery{})
	require.NoError(t, err)
	assert.Len(t, all, 3)
	survivor, err := st.GetContact(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, "+573001234567", survivor.Phone)
	_, err = st.GetContact(ctx, other.ID)
	require.NoError(t, err)

	recent, err := ledger.RecentlyContacted(ctx, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, []int64{first.ID}, recent)

	again, err := m.Run(ctx)
	require.NoError(t, err)
	assert.Zero(t, again.GroupsMerged)
	assert.Zero(t, again.DuplicatesRemoved)

	audit, err := ledger.Get(ctx, res.JobID)
	require.NoError(t, err)
	assert.Equal(t, model.KindDedupMerge, audit.Kind)
	assert.Equal(t, model.StateCompleted, audit.State)
}
