package index

import (
	"io"
	"sync"
	"testing"
	"time"

	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"go.chronal.dev/core/txenc"
	"go.chronal.dev/core/txlog"
)

// stubIndexer records applied offsets and mimics chunk boundaries: a
// forced flush persists a chunk at the latest completed tx.
type stubIndexer struct {
	mu      sync.Mutex
	applied []int64
	opCount map[int64]int
	latest  *AppliedTx
	chunk   *AppliedTx
	flushes []txlog.Record
	failAt  int64 // Offset at which IndexTx fails; -1 for never.
}

func newStubIndexer() *stubIndexer {
	return &stubIndexer{opCount: make(map[int64]int), failAt: -1}
}

func (s *stubIndexer) IndexTx(offset int64, ts time.Time, env *txenc.TxEnvelope) (AppliedTx, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if offset == s.failAt {
		return AppliedTx{}, errors.New("stub indexer failure")
	}

	var n int
	for {
		if _, err := env.Next(); err == io.EOF {
			break
		} else if err != nil {
			return AppliedTx{}, err
		}
		n++
	}

	var applied = AppliedTx{TxID: offset, SystemTime: ts, Committed: true}
	s.applied = append(s.applied, offset)
	s.opCount[offset] = n
	s.latest = &applied
	return applied, nil
}

func (s *stubIndexer) ForceFlush(rec txlog.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.flushes = append(s.flushes, rec)
	if s.latest != nil {
		var chunk = *s.latest
		s.chunk = &chunk
	}
	return nil
}

func (s *stubIndexer) LatestCompletedTx() (AppliedTx, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.latest == nil {
		return AppliedTx{}, false
	}
	return *s.latest, true
}

func (s *stubIndexer) LatestCompletedChunkTx() (AppliedTx, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.chunk == nil {
		return AppliedTx{}, false
	}
	return *s.chunk, true
}

func (s *stubIndexer) IndexerError() error { return nil }

func (s *stubIndexer) appliedOffsets() []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int64(nil), s.applied...)
}

func (s *stubIndexer) flushRecords() []txlog.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]txlog.Record(nil), s.flushes...)
}

func serializeTx(t *testing.T, ops []txenc.Op) []byte {
	t.Helper()
	var payload, err = txenc.Serialize(memory.NewGoAllocator(), ops, txenc.SerializeOpts{})
	require.NoError(t, err)
	return payload
}

func TestProcessorAppliesTxInLogOrder(t *testing.T) {
	var l = txlog.NewMemoryLog()
	defer l.Close()

	var indexer = newStubIndexer()
	var catalog = NewMemoryTrieCatalog()
	var p = NewLogProcessor(l, indexer, catalog, memory.NewGoAllocator(),
		LogProcessorConfig{FlushTimeout: time.Hour})
	defer l.Subscribe(-1, p).Close()

	var payload = serializeTx(t, []txenc.Op{
		txenc.PutDocs{Table: "users", Docs: []txenc.Document{
			{"_id": "a", "name": "A"},
			{"_id": "b", "name": "B"},
		}},
	})

	offset, err := l.AppendTx(payload).Await(t.Context())
	require.NoError(t, err)
	require.Equal(t, int64(0), offset)

	// The submitter awaits the applied result.
	result, err := p.Watch().Await(t.Context(), offset)
	require.NoError(t, err)
	require.Equal(t, int64(0), result.(AppliedTx).TxID)
	require.True(t, result.(AppliedTx).Committed)

	require.Equal(t, []int64{0}, indexer.appliedOffsets())
	require.GreaterOrEqual(t, p.Watch().HighWater(), int64(0))

	// A second tx follows in order.
	offset, err = l.AppendTx(serializeTx(t, []txenc.Op{txenc.Abort{}})).Await(t.Context())
	require.NoError(t, err)
	_, err = p.Watch().Await(t.Context(), offset)
	require.NoError(t, err)
	require.Equal(t, []int64{0, 1}, indexer.appliedOffsets())
}

func TestProcessorIssuesFlushAfterIdle(t *testing.T) {
	var l = txlog.NewMemoryLog()
	defer l.Close()

	var indexer = newStubIndexer()
	var p = NewLogProcessor(l, indexer, NewMemoryTrieCatalog(), memory.NewGoAllocator(),
		LogProcessorConfig{FlushTimeout: 20 * time.Millisecond})
	defer l.Subscribe(-1, p).Close()

	var offset, err = l.AppendTx(serializeTx(t, []txenc.Op{txenc.Abort{}})).Await(t.Context())
	require.NoError(t, err)
	_, err = p.Watch().Await(t.Context(), offset)
	require.NoError(t, err)

	// With the stream idle, a flush-chunk record lands on the log and is
	// handed back to the indexer.
	require.Eventually(t, func() bool { return len(indexer.flushRecords()) == 1 },
		5*time.Second, time.Millisecond)

	var flush = indexer.flushRecords()[0]
	var msg, ok = flush.Message.(txlog.FlushChunkMessage)
	require.True(t, ok)
	require.Equal(t, int64(-1), msg.ExpectedTxID) // No chunk existed at check time.
	require.Equal(t, int64(1), flush.Offset)

	// The forced flush cut a chunk at tx 0; no further flush is issued
	// while nothing new completes.
	time.Sleep(60 * time.Millisecond)
	require.Len(t, indexer.flushRecords(), 1)

	chunk, ok := indexer.LatestCompletedChunkTx()
	require.True(t, ok)
	require.Equal(t, int64(0), chunk.TxID)
}

func TestProcessorAppliesTriesAdded(t *testing.T) {
	var l = txlog.NewMemoryLog()
	defer l.Close()

	var catalog = NewMemoryTrieCatalog()
	var p = NewLogProcessor(l, newStubIndexer(), catalog, memory.NewGoAllocator(),
		LogProcessorConfig{FlushTimeout: time.Hour})
	defer l.Subscribe(-1, p).Close()

	var offset, err = l.AppendMessage(txlog.TriesAddedMessage{Tries: []txlog.TrieEntry{
		{Table: "public/users", Key: "l00-fr0"},
		{Table: "public/users", Key: "l00-fr1"},
	}}).Await(t.Context())
	require.NoError(t, err)

	_, err = p.Watch().Await(t.Context(), offset)
	require.NoError(t, err)
	require.Equal(t, []string{"l00-fr0", "l00-fr1"}, catalog.Tries("public/users"))
}

func TestProcessorSurfacesIndexerErrorAsSticky(t *testing.T) {
	var l = txlog.NewMemoryLog()
	defer l.Close()

	var indexer = newStubIndexer()
	indexer.failAt = 1

	var p = NewLogProcessor(l, indexer, NewMemoryTrieCatalog(), memory.NewGoAllocator(),
		LogProcessorConfig{FlushTimeout: time.Hour})
	defer l.Subscribe(-1, p).Close()

	var payload = serializeTx(t, []txenc.Op{txenc.Abort{}})

	offset0, err := l.AppendTx(payload).Await(t.Context())
	require.NoError(t, err)
	_, err = p.Watch().Await(t.Context(), offset0)
	require.NoError(t, err)

	offset1, err := l.AppendTx(payload).Await(t.Context())
	require.NoError(t, err)

	// The failed offset still advances; its error is the stored result.
	_, err = p.Watch().Await(t.Context(), offset1)
	require.Error(t, err)
	require.GreaterOrEqual(t, p.Watch().HighWater(), offset1)

	// The registry is now tainted for all subsequent awaits.
	_, err = p.Watch().Await(t.Context(), 100)
	require.Error(t, err)
}

func TestProcessorSurfacesDecodeErrors(t *testing.T) {
	var l = txlog.NewMemoryLog()
	defer l.Close()

	var indexer = newStubIndexer()
	var p = NewLogProcessor(l, indexer, NewMemoryTrieCatalog(), memory.NewGoAllocator(),
		LogProcessorConfig{FlushTimeout: time.Hour})
	defer l.Subscribe(-1, p).Close()

	// A payload which frames as a Tx but is not a valid IPC stream.
	var offset, err = l.AppendTx([]byte{0xFF, 0xFF, 0xFF, 0xFF, 0x00, 0x00, 0x00, 0x00}).Await(t.Context())
	require.NoError(t, err)

	_, err = p.Watch().Await(t.Context(), offset)
	require.Error(t, err)
	require.Empty(t, indexer.appliedOffsets())
}
