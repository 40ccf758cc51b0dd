package inbound

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wabulk/internal/eventbus"
	"wabulk/internal/jobs"
	"wabulk/internal/model"
	"wabulk/internal/storage"
	"wabulk/pkg/logx"
)

var t0 = time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)

func TestHandleCreatesAndTouchesContacts(t *testing.T) {
	t.Parallel()
	st := storage.NewMemory()
	ctx := context.Background()
	o := NewObserver(0, st, jobs.New(st, nil, logx.Nop()), nil, logx.Nop())
	assert.Equal(t, DefaultWindow, o.Window())

	first, err := o.Handle(ctx, Message{Phone: "57 300 123 4567", Name: " Ana ", At: t0})
	require.NoError(t, err)
	second, err := o.Handle(ctx, Message{Phone: "+573001234567", Name: "Otra", At: t0.Add(time.Hour)})
	require.NoError(t, err)
	assert.Equal(t, first.ContactID, second.ContactID)
	assert.Empty(t, second.Responded)

	c, err := st.GetContact(ctx, first.ContactID)
	require.NoError(t, err)
	assert.Equal(t, "+573001234567", c.Phone)
	assert.Equal(t, "Ana", c.Name)
	assert.Equal(t, 2, c.TotalMessages)
	assert.Equal(t, model.ContactActive, c.Status)
	require.NotNil(t, c.LastMessageAt)
	assert.True(t, c.LastMessageAt.Equal(t0.Add(time.Hour)))

	_, err = o.Handle(ctx, Message{Phone: "n/a"})
	assert.ErrorIs(t, err, model.ErrValidation)
}

func TestHandleCreditsCampaignWithinWindow(t *testing.T) {
	t.Parallel()
	st := storage.NewMemory()
	ctx := context.Background()
	bus := eventbus.New()
	ledger := jobs.New(st, bus, logx.Nop())
	o := NewObserver(24*time.Hour, st, ledger, bus, logx.Nop())

	c, err := st.CreateContact(ctx, model.Contact{Phone: "+573001234567", Status: model.ContactInactive})
	require.NoError(t, err)
	job, err := ledger.CreateCampaign(ctx, jobs.Draft{Message: "hola", Filter: model.FilterSpec{Kind: model.FilterAllActive}},
		[]model.Recipient{model.RecipientOf(c)})
	require.NoError(t, err)
	_, err = ledger.Start(ctx, job.ID)
	require.NoError(t, err)
	_, err = ledger.RecordTick(ctx, job.ID, 0, model.Outcome{OK: true, At: t0})
	require.NoError(t, err)

	events, unsub := bus.Subscribe(8, func(e eventbus.Event) bool { return e.Type == eventbus.ContactSeen })
	defer unsub()

	late, err := o.Handle(ctx, Message{Phone: "573001234567", At: t0.Add(25 * time.Hour)})
	require.NoError(t, err)
	assert.Empty(t, late.Responded)

	seen, err := o.Handle(ctx, Message{Phone: "573001234567", At: t0.Add(2 * time.Hour)})
	require.NoError(t, err)
	assert.Equal(t, job.ID, seen.Responded)

	again, err := o.Handle(ctx, Message{Phone: "573001234567", At: t0.Add(3 * time.Hour)})
	require.NoError(t, err)
	assert.Empty(t, again.Responded, "one response per delivery")

	got, err := ledger.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.Responded)

	reactivated, err := st.GetContact(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ContactActive, reactivated.Status)

	require.Len(t, events, 3)
	<-events
	e := <-events
	assert.Equal(t, job.ID, e.JobID)
}

func TestParseWAHA(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		body   string
		ok     bool
		phone  string
		sender string
	}{
		{
			name:   "text from contact",
			body:   `{"event":"message","session":"default","payload":{"from":"573001234567@c.us","fromMe":false,"body":"hola","timestamp":1759320000,"pushName":"Ana"}}`,
			ok:     true,
			phone:  "+573001234567",
			sender: "Ana",
		},
		{
			name:   "notify name fallback",
			body:   `{"event":"message","payload":{"from":"573001234567@s.whatsapp.net","body":"hola","_data":{"notifyName":"Beto"}}}`,
			ok:     true,
			phone:  "+573001234567",
			sender: "Beto",
		},
		{name: "own message", body: `{"event":"message","payload":{"from":"1@c.us","fromMe":true,"body":"x"}}`},
		{name: "group", body: `{"event":"message","payload":{"from":"1203@g.us","body":"x"}}`},
		{name: "other event", body: `{"event":"message.any","payload":{"from":"1@c.us","body":"x"}}`},
		{name: "empty body", body: `{"event":"message","payload":{"from":"1@c.us","body":""}}`},
		{name: "no payload", body: `{"event":"session.status"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, ok, err := ParseWAHA([]byte(tt.body))
			require.NoError(t, err)
			assert.Equal(t, tt.ok, ok)
			if tt.ok {
				assert.Equal(t, tt.phone, m.Phone)
				assert.Equal(t, tt.sender, m.Name)
				assert.Equal(t, "hola", m.Text)
			}
		})
	}

	m, _, err := ParseWAHA([]byte(tests[0].body))
	require.NoError(t, err)
	assert.Equal(t, int64(1759320000), m.At.Unix())

	_, _, err = ParseWAHA([]byte("{"))
	assert.Error(t, err)
}

type acks struct {
	mu     sync.Mutex
	acked  int
	nacked int
}

func (a *acks) Ack(uint64, bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.acked++
	return nil
}

func (a *acks) Nack(uint64, bool, bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.nacked++
	return nil
}

func (a *acks) Reject(uint64, bool) error { return nil }

type handlerFunc func(context.Context, Message) (Seen, error)

func (f handlerFunc) Handle(ctx context.Context, m Message) (Seen, error) { return f(ctx, m) }

func TestConsumerAcking(t *testing.T) {
	t.Parallel()
	down := errors.New("store down")
	h := handlerFunc(func(_ context.Context, m Message) (Seen, error) {
		switch m.Phone {
		case "bad":
			return Seen{}, model.Invalid("phone", "required")
		case "down":
			return Seen{}, down
		}
		return Seen{ContactID: 1}, nil
	})
	c := NewConsumer(AMQPConfig{}, h, logx.Nop())

	tests := []struct {
		name        string
		body        string
		redelivered bool
		acked       int
		nacked      int
	}{
		{name: "handled", body: `{"phone":"+57300"}`, acked: 1},
		{name: "poison", body: `not json`, acked: 1},
		{name: "invalid", body: `{"phone":"bad"}`, acked: 1},
		{name: "failure requeued", body: `{"phone":"down"}`, nacked: 1},
		{name: "failure dropped on redelivery", body: `{"phone":"down"}`, redelivered: true, acked: 1},
	}
	for _, tt := range tests {
		a := &acks{}
		c.deliver(context.Background(), amqp.Delivery{Acknowledger: a, Body: []byte(tt.body), Redelivered: tt.redelivered})
		assert.Equal(t, tt.acked, a.acked, tt.name)
		assert.Equal(t, tt.nacked, a.nacked, tt.name)
	}
}
