package async

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestPromiseResolveWakesWaiters(t *testing.T) {
	var p = make(Promise)
	var done = make(chan struct{})

	go func() {
		p.Wait()
		close(done)
	}()

	p.Resolve()
	<-done
}

func TestPromiseWaitWithContext(t *testing.T) {
	var p = make(Promise)

	var ctx, cancel = context.WithCancel(context.Background())
	cancel()
	require.Equal(t, context.Canceled, p.WaitWithContext(ctx))

	p.Resolve()
	require.NoError(t, p.WaitWithContext(context.Background()))
}

func TestPromiseWaitWithPeriodicTask(t *testing.T) {
	var p = make(Promise)
	var ticks = make(chan struct{}, 16)

	go p.WaitWithPeriodicTask(time.Millisecond, func() { ticks <- struct{}{} })

	<-ticks
	<-ticks
	p.Resolve()
}
