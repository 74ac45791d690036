package collection

import (
	"context"
	"sync"
)

// Deferred is a one-shot future: resolved or rejected exactly once, awaited
// any number of times. Transaction.IsPersisted is the main user.
type Deferred struct {
	once sync.Once
	done chan struct{}
	err  error
}

// NewDeferred creates an unresolved Deferred.
func NewDeferred() *Deferred {
	return &Deferred{done: make(chan struct{})}
}

// Resolve completes the Deferred successfully. Later calls are no-ops.
func (d *Deferred) Resolve() {
	d.once.Do(func() { close(d.done) })
}

// Reject completes the Deferred with err. Later calls are no-ops.
func (d *Deferred) Reject(err error) {
	d.once.Do(func() {
		d.err = err
		close(d.done)
	})
}

// Done returns a channel closed on completion.
func (d *Deferred) Done() <-chan struct{} { return d.done }

// Wait blocks until completion or context cancellation.
func (d *Deferred) Wait(ctx context.Context) error {
	select {
	case <-d.done:
		return d.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Settled reports whether the Deferred has completed, without blocking.
func (d *Deferred) Settled() bool {
	select {
	case <-d.done:
		return true
	default:
		return false
	}
}
