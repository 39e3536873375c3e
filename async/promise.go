// Package async implements a simple Promise API.
package async

import (
	"context"
	"time"
)

// Promise is a simple notification primitive for asynchronous events.
// Append futures are built on it.
type Promise chan struct{}

// Resolve wakes any clients currently waiting on the Promise.
func (p Promise) Resolve() {
	close(p)
}

// Wait synchronously blocks until the Promise is resolved.
func (p Promise) Wait() {
	<-p
}

// WaitWithContext blocks until the Promise is resolved or |ctx| is done,
// returning the context error in the latter case.
func (p Promise) WaitWithContext(ctx context.Context) error {
	select {
	case <-p:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// WaitWithPeriodicTask repeatedly invokes |task| with period |period| until
// the Promise is resolved.
func (p Promise) WaitWithPeriodicTask(period time.Duration, task func()) {
	var ticker = time.NewTicker(period)

	for {
		select {
		case <-p:
			ticker.Stop()
			return
		case <-ticker.C:
			task()
		}
	}
}
