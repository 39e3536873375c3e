package txlog

import (
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

// collectSub accumulates delivered records and asserts strict ordering.
type collectSub struct {
	mu    sync.Mutex
	recs  []Record
	ticks int
	fail  error // Returned by the next ProcessRecords call, once.
}

func (c *collectSub) ProcessRecords(recs []Record) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.fail != nil {
		var err = c.fail
		c.fail = nil
		return err
	}
	if len(recs) == 0 {
		c.ticks++
		return nil
	}
	c.recs = append(c.recs, recs...)
	return nil
}

func (c *collectSub) offsets() []int64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	var out = make([]int64, len(c.recs))
	for i, r := range c.recs {
		out[i] = r.Offset
	}
	return out
}

func (c *collectSub) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.recs)
}

// requireDense asserts offsets are dense and strictly increasing from
// |from|.
func requireDense(t *testing.T, offsets []int64, from int64) {
	t.Helper()
	for i, o := range offsets {
		require.Equal(t, from+int64(i), o)
	}
}

func TestCountSignalDrainsUpToCapAndRetainsSurplus(t *testing.T) {
	var s = newCountSignal()
	var stop = make(chan struct{})

	for i := 0; i != 7; i++ {
		s.notify()
	}

	var n, ok = s.acquire(stop, 5, 0)
	require.True(t, ok)
	require.Equal(t, 5, n)

	n, ok = s.acquire(stop, 5, 0)
	require.True(t, ok)
	require.Equal(t, 2, n)

	// An empty signal times out...
	n, ok = s.acquire(stop, 5, time.Millisecond)
	require.True(t, ok)
	require.Zero(t, n)

	// ...and stops promptly.
	close(stop)
	_, ok = s.acquire(stop, 5, 0)
	require.False(t, ok)
}

func TestNotifyingSubscriptionCatchUpThenLive(t *testing.T) {
	var l = NewMemoryLog()
	defer l.Close()

	// Pre-populate well past the catch-up batch size.
	for i := 0; i != 250; i++ {
		var op = l.AppendMessage(FlushChunkMessage{ExpectedTxID: int64(i)})
		require.NoError(t, op.Err())
	}

	var sub = new(collectSub)
	var closer = l.Subscribe(-1, sub)

	require.Eventually(t, func() bool { return sub.count() == 250 },
		5*time.Second, time.Millisecond)
	requireDense(t, sub.offsets(), 0)

	// Live appends flow through as they arrive.
	for i := 250; i != 260; i++ {
		l.AppendMessage(FlushChunkMessage{ExpectedTxID: int64(i)})
	}
	require.Eventually(t, func() bool { return sub.count() == 260 },
		5*time.Second, time.Millisecond)
	requireDense(t, sub.offsets(), 0)

	require.NoError(t, closer.Close())
	require.NoError(t, closer.Close()) // Idempotent.

	// Nothing further is delivered after close.
	l.AppendMessage(FlushChunkMessage{ExpectedTxID: 260})
	time.Sleep(10 * time.Millisecond)
	require.Equal(t, 260, sub.count())
}

func TestNotifyingSubscriptionResumesAfterOffset(t *testing.T) {
	var l = NewMemoryLog()
	defer l.Close()

	for i := 0; i != 10; i++ {
		l.AppendMessage(FlushChunkMessage{ExpectedTxID: int64(i)})
	}

	var sub = new(collectSub)
	defer l.Subscribe(4, sub).Close()

	require.Eventually(t, func() bool { return sub.count() == 5 },
		5*time.Second, time.Millisecond)
	requireDense(t, sub.offsets(), 5)
}

func TestSubscriberErrorIsTerminal(t *testing.T) {
	var l = NewMemoryLog()
	defer l.Close()

	var sub = &collectSub{fail: errTest}
	var closer = l.Subscribe(-1, sub)

	l.AppendMessage(FlushChunkMessage{})
	time.Sleep(10 * time.Millisecond)

	// The worker exited on the error; later appends are not delivered.
	l.AppendMessage(FlushChunkMessage{})
	time.Sleep(10 * time.Millisecond)
	require.Zero(t, sub.count())

	require.NoError(t, closer.Close())
}

var errTest = errors.New("test error")
