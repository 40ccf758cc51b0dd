// Package gatewaytest provides an in-memory gateway for tests.
package gatewaytest

import (
	"context"
	"sync"

	"wabulk/internal/gateway"
)

// Sent is one recorded Send call.
type Sent struct {
	Phone string
	Text  string
}

// Fake records sends and answers probes from a table. SendErr and ProbeErr,
// when set, decide the outcome per phone; a nil error means success.
type Fake struct {
	mu     sync.Mutex
	sent   []Sent
	probed []string

	// Exists answers Probe; unknown phones do not exist.
	Exists   map[string]bool
	SendErr  func(phone string) error
	ProbeErr func(phone string) error
	// OnSend runs after a send is recorded, outside the lock.
	OnSend func(n int, s Sent)
	// Block, if set, makes Send wait on it or on ctx.
	Block chan struct{}
}

func New() *Fake { return &Fake{Exists: map[string]bool{}} }

func (f *Fake) Send(ctx context.Context, phone, text string) error {
	if f.Block != nil {
		select {
		case <-f.Block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	f.mu.Lock()
	var err error
	if f.SendErr != nil {
		err = f.SendErr(phone)
	}
	s := Sent{Phone: phone, Text: text}
	if err == nil {
		f.sent = append(f.sent, s)
	}
	n := len(f.sent)
	hook := f.OnSend
	f.mu.Unlock()
	if err == nil && hook != nil {
		hook(n, s)
	}
	return err
}

func (f *Fake) Probe(_ context.Context, phone string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.probed = append(f.probed, phone)
	if f.ProbeErr != nil {
		if err := f.ProbeErr(phone); err != nil {
			return false, err
		}
	}
	return f.Exists[phone], nil
}

// Sent returns successful sends in order.
func (f *Fake) Sent() []Sent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Sent(nil), f.sent...)
}

func (f *Fake) Probed() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.probed...)
}

var _ gateway.Gateway = (*Fake)(nil)
