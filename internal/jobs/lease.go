package jobs

import (
	"context"
	"sync"
)

// Lease is the right to run a job. At most one lease per job exists in the
// process at a time.
type Lease struct {
	JobID string
	wake  chan struct{}
	done  chan struct{}
}

// Wake fires when the job was changed by someone else (pause, resume,
// cancel) and the holder should re-read it.
func (ls *Lease) Wake() <-chan struct{} { return ls.wake }

// Done is closed when the lease is released.
func (ls *Lease) Done() <-chan struct{} { return ls.done }

type leases struct {
	mu sync.Mutex
	m  map[string]*Lease
}

func (t *leases) wake(id string) bool {
	t.mu.Lock()
	ls := t.m[id]
	t.mu.Unlock()
	if ls == nil {
		return false
	}
	select {
	case ls.wake <- struct{}{}:
	default:
	}
	return true
}

// Claim takes the lease for id. It returns false if a runner already holds
// it; that runner has been woken instead.
func (l *Ledger) Claim(id string) (*Lease, bool) {
	l.leases.mu.Lock()
	if _, held := l.leases.m[id]; held {
		l.leases.mu.Unlock()
		l.leases.wake(id)
		return nil, false
	}
	ls := &Lease{JobID: id, wake: make(chan struct{}, 1), done: make(chan struct{})}
	l.leases.m[id] = ls
	l.leases.mu.Unlock()
	return ls, true
}

func (l *Ledger) Release(ls *Lease) {
	if ls == nil {
		return
	}
	l.leases.mu.Lock()
	if l.leases.m[ls.JobID] == ls {
		delete(l.leases.m, ls.JobID)
		close(ls.done)
	}
	l.leases.mu.Unlock()
}

// Running reports whether a runner holds the lease for id.
func (l *Ledger) Running(id string) bool {
	l.leases.mu.Lock()
	defer l.leases.mu.Unlock()
	_, ok := l.leases.m[id]
	return ok
}

// Wake nudges the runner of id, if any.
func (l *Ledger) Wake(id string) bool { return l.leases.wake(id) }

// WaitIdle blocks until no runner holds id or ctx ends.
func (l *Ledger) WaitIdle(ctx context.Context, id string) error {
	l.leases.mu.Lock()
	ls := l.leases.m[id]
	l.leases.mu.Unlock()
	if ls == nil {
		return nil
	}
	select {
	case <-ls.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
