package index

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestFlusherIssuesAfterIdleTimeout(t *testing.T) {
	var t0 = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	var f = NewFlusher(50*time.Millisecond, t0, -1)

	// Within the timeout: never.
	var _, ok = f.Check(t0.Add(10*time.Millisecond), -1, 0)
	require.False(t, ok)

	// Timeout elapsed, no chunk progress, tx 0 completed: flush.
	msg, ok := f.Check(t0.Add(60*time.Millisecond), -1, 0)
	require.True(t, ok)
	require.Equal(t, int64(-1), msg.ExpectedTxID)

	// Already flushed for tx 0: not again.
	_, ok = f.Check(t0.Add(120*time.Millisecond), -1, 0)
	require.False(t, ok)

	// New completed tx, but the chunk advanced since the last check:
	// progress resets the clock instead of flushing.
	_, ok = f.Check(t0.Add(180*time.Millisecond), 0, 5)
	require.False(t, ok)

	// Still within the reset clock window.
	_, ok = f.Check(t0.Add(200*time.Millisecond), 0, 5)
	require.False(t, ok)

	// Idle again past the timeout: flush for tx 5, expecting chunk 0.
	msg, ok = f.Check(t0.Add(240*time.Millisecond), 0, 5)
	require.True(t, ok)
	require.Equal(t, int64(0), msg.ExpectedTxID)
}

func TestFlusherNeverFiresWithoutCompletedTx(t *testing.T) {
	var t0 = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	var f = NewFlusher(time.Millisecond, t0, -1)

	for i := 1; i != 100; i++ {
		var _, ok = f.Check(t0.Add(time.Duration(i)*time.Second), -1, -1)
		require.False(t, ok)
	}
}

func TestFlusherBoundsIssueLatency(t *testing.T) {
	// A flush lands within 2x the timeout of the moment a completed tx
	// began waiting on an idle chunk, given checks at least as often as
	// the timeout (the processor's idle tick guarantees this).
	var timeout = 50 * time.Millisecond
	var t0 = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	var f = NewFlusher(timeout, t0, 3)

	var issued time.Time
	for i := 1; i <= 4; i++ {
		var now = t0.Add(time.Duration(i) * timeout)
		if _, ok := f.Check(now, 3, 7); ok {
			issued = now
			break
		}
	}
	require.False(t, issued.IsZero())
	require.LessOrEqual(t, issued.Sub(t0), 2*timeout)
}
