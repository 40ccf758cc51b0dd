// Package inbound applies messages written by contacts: it keeps contact
// activity current and credits the campaign that prompted a reply.
package inbound

import (
	"context"
	"strings"
	"sync"
	"time"

	"wabulk/internal/dedup"
	"wabulk/internal/eventbus"
	"wabulk/internal/jobs"
	"wabulk/internal/model"
	"wabulk/internal/storage"
	"wabulk/pkg/logx"
)

// DefaultWindow is how long after a send a reply still counts as a response.
const DefaultWindow = 72 * time.Hour

// Message is one inbound text from a contact.
type Message struct {
	Phone string    `json:"phone"`
	Name  string    `json:"name,omitempty"`
	Text  string    `json:"text,omitempty"`
	At    time.Time `json:"at"`
}

// Seen is what Handle did with a message.
type Seen struct {
	ContactID int64  `json:"contact_id"`
	Responded string `json:"responded_job,omitempty"`
}

type Observer struct {
	contacts storage.ContactStore
	ledger   *jobs.Ledger
	bus      eventbus.Bus
	log      logx.Logger
	now      func() time.Time

	mu     sync.RWMutex
	window time.Duration
}

func NewObserver(window time.Duration, contacts storage.ContactStore, ledger *jobs.Ledger, bus eventbus.Bus, log logx.Logger) *Observer {
	if bus == nil {
		bus = eventbus.Nop{}
	}
	o := &Observer{
		contacts: contacts,
		ledger:   ledger,
		bus:      bus,
		log:      log.With(logx.String("comp", "inbound")),
		now:      time.Now,
	}
	o.SetWindow(window)
	return o
}

// SetWindow changes the response window; zero or less restores the default.
func (o *Observer) SetWindow(d time.Duration) {
	if d <= 0 {
		d = DefaultWindow
	}
	o.mu.Lock()
	o.window = d
	o.mu.Unlock()
}

func (o *Observer) Window() time.Duration {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.window
}

// Handle records m against its contact, creating the contact if the phone
// is new, then credits the latest campaign that reached it in the window.
func (o *Observer) Handle(ctx context.Context, m Message) (Seen, error) {
	phone := dedup.Normalize(m.Phone)
	if phone == "" {
		return Seen{}, model.Invalid("phone", "required")
	}
	at := m.At
	if at.IsZero() {
		at = o.now()
	}
	c, err := o.contacts.TouchContact(ctx, phone, strings.TrimSpace(m.Name), at)
	if err != nil {
		return Seen{}, err
	}
	seen := Seen{ContactID: c.ID}

	jobID, err := o.ledger.MarkResponded(ctx, c.ID, at, o.Window())
	if err != nil {
		// activity is already stored; a retry would count the message twice
		o.log.Warn("response not credited", logx.Int64("contact", c.ID), logx.Err(err))
	}
	seen.Responded = jobID

	o.bus.Publish(eventbus.Event{Type: eventbus.ContactSeen, JobID: jobID, Time: at, Data: seen})
	o.log.Debug("inbound message", logx.Int64("contact", c.ID), logx.String("responded_job", jobID))
	return seen, nil
}
