package campaign

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wabulk/internal/audience"
	"wabulk/internal/gateway"
	"wabulk/internal/gateway/gatewaytest"
	"wabulk/internal/jobs"
	"wabulk/internal/model"
	"wabulk/internal/storage"
	"wabulk/pkg/logx"
)

type recorder struct {
	mu  sync.Mutex
	ids []string
}

func (r *recorder) Ensure(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ids = append(r.ids, id)
	return true
}

func (r *recorder) calls() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.ids...)
}

type brokenContacts struct{ storage.ContactStore }

func (brokenContacts) QueryContacts(context.Context, storage.ContactQuery) ([]model.Contact, error) {
	return nil, errors.New("connection refused")
}

type fixture struct {
	store  *storage.Memory
	ledger *jobs.Ledger
	runner *recorder
	gw     *gatewaytest.Fake
	svc    *Service
}

func newFixture(t *testing.T, contacts int) *fixture {
	t.Helper()
	st := storage.NewMemory()
	for i := 0; i < contacts; i++ {
		_, err := st.CreateContact(context.Background(), model.Contact{
			Phone: fmt.Sprintf("+57300%04d", i),
			Name:  fmt.Sprintf("Cliente %d", i),
			Tags:  []string{"vip"},
		})
		require.NoError(t, err)
	}
	f := &fixture{store: st, ledger: jobs.New(st, nil, logx.Nop()), runner: &recorder{}, gw: gatewaytest.New()}
	res := audience.New(st, f.ledger, logx.Nop())
	f.svc = NewService(Config{}, f.ledger, res, st, f.runner, f.gw, logx.Nop())
	return f
}

var allActive = model.FilterSpec{Kind: model.FilterAllActive}

func TestPreviewDoesNotCreateJobs(t *testing.T) {
	t.Parallel()
	f := newFixture(t, 15)

	p, err := f.svc.Preview(context.Background(), allActive, 0)
	require.NoError(t, err)
	assert.True(t, p.ResolvedOK)
	assert.Equal(t, 15, p.Total)
	assert.Len(t, p.Sample, 10)

	p, err = f.svc.Preview(context.Background(), allActive, 3)
	require.NoError(t, err)
	assert.Len(t, p.Sample, 3)

	listed, err := f.ledger.List(context.Background(), model.JobQuery{})
	require.NoError(t, err)
	assert.Empty(t, listed)
}

func TestPreviewReportsResolutionFailure(t *testing.T) {
	t.Parallel()
	f := newFixture(t, 0)
	res := audience.New(brokenContacts{f.store}, f.ledger, logx.Nop())
	svc := NewService(Config{}, f.ledger, res, f.store, f.runner, f.gw, logx.Nop())

	p, err := svc.Preview(context.Background(), allActive, 0)
	require.NoError(t, err)
	assert.False(t, p.ResolvedOK)
	assert.Zero(t, p.Total)

	_, err = svc.Commit(context.Background(), CommitRequest{Message: "hola", Filter: allActive})
	assert.ErrorIs(t, err, model.ErrResolution)

	_, err = svc.Preview(context.Background(), model.FilterSpec{Kind: "bogus"}, 0)
	assert.ErrorIs(t, err, model.ErrValidation)
}

func TestCommitValidatesRate(t *testing.T) {
	t.Parallel()
	f := newFixture(t, 1)
	tests := []struct {
		rate    int
		wantErr bool
		want    int
	}{
		{rate: 0, want: 30},
		{rate: 5, want: 5},
		{rate: 60, want: 60},
		{rate: 2, wantErr: true},
		{rate: 7200, wantErr: true},
	}
	for _, tt := range tests {
		job, err := f.svc.Commit(context.Background(), CommitRequest{Message: "hola", Filter: allActive, RateSeconds: tt.rate})
		if tt.wantErr {
			assert.ErrorIs(t, err, model.ErrValidation, "rate %d", tt.rate)
			continue
		}
		require.NoError(t, err, "rate %d", tt.rate)
		assert.Equal(t, tt.want, job.RateSeconds)
		assert.Equal(t, model.StateDraft, job.State)
	}
}

func TestLifecycleDrivesRunner(t *testing.T) {
	t.Parallel()
	f := newFixture(t, 4)
	ctx := context.Background()

	job, err := f.svc.Commit(ctx, CommitRequest{Name: " promo ", Message: "Hola {nombre}", Filter: allActive, RateSeconds: 10})
	require.NoError(t, err)
	assert.Equal(t, "promo", job.Name)
	assert.Equal(t, 4, job.Total)

	updated, err := f.svc.Update(ctx, job.ID, CommitRequest{Message: "Hola", Filter: model.FilterSpec{Kind: model.FilterManual, ContactIDs: []int64{1, 2}}, RateSeconds: 10})
	require.NoError(t, err)
	assert.Equal(t, 2, updated.Total)

	_, err = f.svc.Start(ctx, job.ID)
	require.NoError(t, err)
	_, err = f.svc.Update(ctx, job.ID, CommitRequest{Message: "x", Filter: allActive})
	assert.ErrorIs(t, err, model.ErrInvalidState)

	_, err = f.svc.Pause(ctx, job.ID)
	require.NoError(t, err)
	_, err = f.svc.Resume(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{job.ID, job.ID}, f.runner.calls())

	_, err = f.svc.Start(ctx, job.ID)
	assert.ErrorIs(t, err, model.ErrInvalidState)
	assert.Len(t, f.runner.calls(), 2)

	err = f.svc.Delete(ctx, job.ID)
	assert.ErrorIs(t, err, model.ErrInvalidState)
	_, err = f.svc.Cancel(ctx, job.ID)
	require.NoError(t, err)
	require.NoError(t, f.svc.Delete(ctx, job.ID))
	_, err = f.svc.Get(ctx, job.ID)
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestRecipientsPaging(t *testing.T) {
	t.Parallel()
	f := newFixture(t, 7)
	ctx := context.Background()
	job, err := f.svc.Commit(ctx, CommitRequest{Message: "hola", Filter: allActive})
	require.NoError(t, err)

	p1, err := f.svc.Recipients(ctx, job.ID, "", 1, 5)
	require.NoError(t, err)
	p2, err := f.svc.Recipients(ctx, job.ID, "", 2, 5)
	require.NoError(t, err)
	assert.Len(t, p1, 5)
	assert.Len(t, p2, 2)
	assert.Equal(t, 5, p2[0].Index)
	assert.Equal(t, model.DeliveryPending, p2[0].Status)

	sweep, err := f.ledger.CreateSweep(ctx, []model.Recipient{{ContactID: 1, Phone: "1"}})
	require.NoError(t, err)
	_, err = f.svc.Recipients(ctx, sweep.ID, "", 1, 5)
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestRender(t *testing.T) {
	t.Parallel()
	r := model.Recipient{Phone: "573001112233", DisplayName: " Ana "}
	tests := []struct {
		tmpl, want string
	}{
		{"Hola {nombre}, tu número es {telefono}", "Hola Ana, tu número es 573001112233"},
		{"Hi {name} ({phone})", "Hi Ana (573001112233)"},
		{"{nombre}/{name} {apellido}", "Ana/Ana {apellido}"},
		{"sin marcadores", "sin marcadores"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Render(tt.tmpl, r), tt.tmpl)
	}
	assert.Equal(t, "Hola ", Render("Hola {name}", model.Recipient{Phone: "1"}))
}

func TestTestSendRendersPerContact(t *testing.T) {
	t.Parallel()
	f := newFixture(t, 1)
	f.gw.SendErr = func(phone string) error {
		if phone == "999" {
			return gateway.Permanent(errors.New("invalid chat id"))
		}
		return nil
	}

	res, err := f.svc.TestSend(context.Background(), "Hola {nombre} ({telefono})", []string{"57 300 0000", "999"})
	require.NoError(t, err)
	require.Len(t, res, 2)
	assert.True(t, res[0].Sent)
	assert.Equal(t, "Cliente 0", res[0].Name)
	assert.False(t, res[1].Sent)
	assert.Contains(t, res[1].Error, "invalid chat id")

	sent := f.gw.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "Hola Cliente 0 (57 300 0000)", sent[0].Text)

	_, err = f.svc.TestSend(context.Background(), " ", []string{"1"})
	assert.ErrorIs(t, err, model.ErrValidation)
	_, err = f.svc.TestSend(context.Background(), "x", nil)
	assert.ErrorIs(t, err, model.ErrValidation)

	listed, err := f.ledger.List(context.Background(), model.JobQuery{})
	require.NoError(t, err)
	assert.Empty(t, listed)
}

func TestStartDue(t *testing.T) {
	t.Parallel()
	f := newFixture(t, 2)
	ctx := context.Background()
	now := time.Now()
	past, future := now.Add(-time.Minute), now.Add(time.Hour)

	due, err := f.svc.Commit(ctx, CommitRequest{Message: "a", Filter: allActive, ScheduledAt: &past})
	require.NoError(t, err)
	_, err = f.svc.Commit(ctx, CommitRequest{Message: "b", Filter: allActive, ScheduledAt: &future})
	require.NoError(t, err)
	_, err = f.svc.Commit(ctx, CommitRequest{Message: "c", Filter: allActive})
	require.NoError(t, err)
	_, err = f.svc.Commit(ctx, CommitRequest{Message: "d", Filter: model.FilterSpec{Kind: model.FilterByTag, Tag: "nobody"}, ScheduledAt: &past})
	require.NoError(t, err)

	n, err := f.svc.StartDue(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []string{due.ID}, f.runner.calls())

	got, err := f.svc.Get(ctx, due.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StateSending, got.State)
}
