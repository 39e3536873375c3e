package txlog

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"go.chronal.dev/core/txlog/codecs"
)

func TestLocalLogAppendReadAndReopen(t *testing.T) {
	var dir = t.TempDir()

	var l, err = NewLocalLog(LocalLogConfig{Path: dir})
	require.NoError(t, err)

	for i := 0; i != 10; i++ {
		var op = l.AppendMessage(FlushChunkMessage{ExpectedTxID: int64(i)})
		offset, err := op.Await(t.Context())
		require.NoError(t, err)
		require.Equal(t, int64(i), offset)
	}

	var recs, err2 = l.ReadRecords(-1, 100)
	require.NoError(t, err2)
	require.Len(t, recs, 10)
	requireDense(t, offsetsOf(recs), 0)

	recs, err2 = l.ReadRecords(6, 2)
	require.NoError(t, err2)
	require.Len(t, recs, 2)
	requireDense(t, offsetsOf(recs), 7)

	require.NoError(t, l.Close())
	require.NoError(t, l.Close()) // Idempotent.

	// Reopen: the tail offset is recovered and appends continue densely.
	l, err = NewLocalLog(LocalLogConfig{Path: dir})
	require.NoError(t, err)
	defer l.Close()

	require.Equal(t, int64(9), l.LatestSubmittedOffset())

	offset, err := l.AppendMessage(FlushChunkMessage{ExpectedTxID: 10}).Await(t.Context())
	require.NoError(t, err)
	require.Equal(t, int64(10), offset)

	recs, err = l.ReadRecords(-1, 100)
	require.NoError(t, err)
	require.Len(t, recs, 11)
	requireDense(t, offsetsOf(recs), 0)
}

func TestLocalLogTornTailRecovery(t *testing.T) {
	var dir = t.TempDir()

	var l, err = NewLocalLog(LocalLogConfig{Path: dir})
	require.NoError(t, err)
	for i := 0; i != 3; i++ {
		var _, err = l.AppendMessage(FlushChunkMessage{ExpectedTxID: int64(i)}).Await(t.Context())
		require.NoError(t, err)
	}
	require.NoError(t, l.Close())

	// Simulate a crash mid-append: garbage at the segment tail.
	var segs, err2 = filepath.Glob(filepath.Join(dir, "*.seg"))
	require.NoError(t, err2)
	require.Len(t, segs, 1)

	var f *os.File
	f, err = os.OpenFile(segs[0], os.O_WRONLY|os.O_APPEND, 0o640)
	require.NoError(t, err)
	_, err = f.Write(append(magicWord[:], 0xFF, 0x00, 0x00, 0x00, 0x01, 0x02))
	require.NoError(t, err)
	require.NoError(t, f.Close())

	l, err = NewLocalLog(LocalLogConfig{Path: dir})
	require.NoError(t, err)
	defer l.Close()

	require.Equal(t, int64(2), l.LatestSubmittedOffset())

	offset, err := l.AppendMessage(FlushChunkMessage{ExpectedTxID: 3}).Await(t.Context())
	require.NoError(t, err)
	require.Equal(t, int64(3), offset)

	// The full stream remains dense through a Replay.
	var offsets []int64
	require.NoError(t, Replay(dir, -1, func(rec Record) error {
		offsets = append(offsets, rec.Offset)
		return nil
	}))
	require.Len(t, offsets, 4)
	requireDense(t, offsets, 0)
}

func TestLocalLogSegmentRollAndCompression(t *testing.T) {
	var dir = t.TempDir()

	var l, err = NewLocalLog(LocalLogConfig{
		Path:        dir,
		SegmentSize: 64, // Roll after every append or two.
		Compression: codecs.Gzip,
	})
	require.NoError(t, err)

	for i := 0; i != 10; i++ {
		var _, err = l.AppendMessage(FlushChunkMessage{ExpectedTxID: int64(i)}).Await(t.Context())
		require.NoError(t, err)
	}

	require.Eventually(t, func() bool {
		var gz, _ = filepath.Glob(filepath.Join(dir, "*.seg.gz"))
		return len(gz) >= 2
	}, 5*time.Second, time.Millisecond)

	// Reads span compressed and live segments transparently.
	var recs, err2 = l.ReadRecords(-1, 100)
	require.NoError(t, err2)
	require.Len(t, recs, 10)
	requireDense(t, offsetsOf(recs), 0)

	require.NoError(t, l.Close())

	// Recovery also finds the tail offset: the final roll left only
	// compressed segments and an empty active segment at offset 10.
	l, err = NewLocalLog(LocalLogConfig{Path: dir, Compression: codecs.Gzip})
	require.NoError(t, err)
	defer l.Close()
	require.Equal(t, int64(9), l.LatestSubmittedOffset())
}

func TestLocalLogPollingSubscription(t *testing.T) {
	var dir = t.TempDir()

	var l, err = NewLocalLog(LocalLogConfig{
		Path:              dir,
		PollSleepDuration: time.Millisecond,
	})
	require.NoError(t, err)
	defer l.Close()

	var sub = new(collectSub)
	var closer = l.Subscribe(-1, sub)

	for i := 0; i != 25; i++ {
		l.AppendMessage(FlushChunkMessage{ExpectedTxID: int64(i)})
	}

	require.Eventually(t, func() bool { return sub.count() == 25 },
		5*time.Second, time.Millisecond)
	requireDense(t, sub.offsets(), 0)

	require.NoError(t, closer.Close())
}

func offsetsOf(recs []Record) []int64 {
	var out = make([]int64, len(recs))
	for i, r := range recs {
		out[i] = r.Offset
	}
	return out
}
