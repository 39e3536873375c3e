package index

import (
	"sort"
	"sync"
	"time"

	"go.chronal.dev/core/txenc"
	"go.chronal.dev/core/txlog"
)

// AppliedTx describes a transaction applied by the indexer.
type AppliedTx struct {
	// TxID of the applied transaction (its log offset).
	TxID int64
	// SystemTime assigned as the transaction's logical commit time.
	SystemTime time.Time
	// Committed is false if the transaction aborted or rolled back.
	Committed bool
}

// Indexer applies decoded transactions in log order. It is an external
// collaborator of the ingestion pipeline: implementations maintain the
// chunk store and its durable boundaries.
type Indexer interface {
	// IndexTx applies the transaction of |env| at |offset|, returning its
	// applied descriptor.
	IndexTx(offset int64, ts time.Time, env *txenc.TxEnvelope) (AppliedTx, error)
	// ForceFlush requests a durable chunk boundary in response to a
	// flush-chunk record. Indexers ignore the request when their persisted
	// chunk tx-id differs from the record's expectation.
	ForceFlush(rec txlog.Record) error
	// LatestCompletedTx is the most recently applied transaction, if any.
	LatestCompletedTx() (AppliedTx, bool)
	// LatestCompletedChunkTx is the transaction of the latest durable
	// chunk boundary, if any.
	LatestCompletedChunkTx() (AppliedTx, bool)
	// IndexerError reports a fatal indexing error, if one has occurred.
	IndexerError() error
}

// TrieCatalog registers tries announced on the log.
type TrieCatalog interface {
	AddTrie(table, key string)
}

// MemoryTrieCatalog is a concurrency-safe in-memory TrieCatalog.
type MemoryTrieCatalog struct {
	mu    sync.Mutex
	tries map[string]map[string]struct{}
}

// NewMemoryTrieCatalog returns an empty MemoryTrieCatalog.
func NewMemoryTrieCatalog() *MemoryTrieCatalog {
	return &MemoryTrieCatalog{tries: make(map[string]map[string]struct{})}
}

// AddTrie implements TrieCatalog. Re-adding a trie is a no-op.
func (c *MemoryTrieCatalog) AddTrie(table, key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var keys = c.tries[table]
	if keys == nil {
		keys = make(map[string]struct{})
		c.tries[table] = keys
	}
	keys[key] = struct{}{}
}

// Tries returns the sorted trie keys of |table|.
func (c *MemoryTrieCatalog) Tries(table string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	var out = make([]string, 0, len(c.tries[table]))
	for k := range c.tries[table] {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
