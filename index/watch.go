package index

import (
	"context"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru"
)

// resultCacheSize bounds retained per-offset results. Awaiters of an
// offset which has fallen out of the cache still release, with a nil
// result.
const resultCacheSize = 1024

// AwaitResult is the outcome surfaced to an awaiter of an offset.
type AwaitResult struct {
	// Result of the awaited offset, as returned by the indexer. Nil for
	// control messages, and for offsets whose result has been evicted.
	Result any
	// Err is the sticky error of the registry, or the error of the
	// awaited offset.
	Err error
}

// watchState is the registry's single atomic cell. All mutation is by
// compare-and-swap of a fresh state value.
type watchState struct {
	highWater int64
	stickyErr error
	waiters   []waiter
}

type waiter struct {
	target int64
	ch     chan AwaitResult
}

// WatchRegistry tracks the highest applied log offset and releases
// awaiters as it advances. An indexing failure is sticky: once recorded,
// every subsequent await fails immediately and the registry never
// reverts.
type WatchRegistry struct {
	state   atomic.Pointer[watchState]
	results *lru.Cache
}

// NewWatchRegistry returns a WatchRegistry with no applied offsets.
func NewWatchRegistry() *WatchRegistry {
	var cache, err = lru.New(resultCacheSize)
	if err != nil {
		panic(err) // Unreachable: size is a positive constant.
	}
	var r = &WatchRegistry{results: cache}
	r.state.Store(&watchState{highWater: -1})
	return r
}

// HighWater is the highest applied offset, or -1.
func (r *WatchRegistry) HighWater() int64 {
	return r.state.Load().highWater
}

// Err is the sticky error, if one has been recorded.
func (r *WatchRegistry) Err() error {
	return r.state.Load().stickyErr
}

// NotifyProcessed records the outcome of |offset|, advances the
// high-water mark, and releases satisfied awaiters. A non-nil |err| is
// promoted to the registry's sticky error.
func (r *WatchRegistry) NotifyProcessed(offset int64, result any, err error) {
	// The result must be stored before any awaiter can observe the
	// advanced high-water mark.
	r.results.Add(offset, AwaitResult{Result: result, Err: err})

	var released []waiter
	for {
		var prev = r.state.Load()

		var next = &watchState{
			highWater: prev.highWater,
			stickyErr: prev.stickyErr,
		}
		if offset > next.highWater {
			next.highWater = offset
		}
		if next.stickyErr == nil && err != nil {
			next.stickyErr = err
		}

		released = released[:0]
		for _, w := range prev.waiters {
			if w.target <= next.highWater || next.stickyErr != nil {
				released = append(released, w)
			} else {
				next.waiters = append(next.waiters, w)
			}
		}
		if r.state.CompareAndSwap(prev, next) {
			for _, w := range released {
				w.ch <- r.resultOf(w.target, next.stickyErr)
			}
			return
		}
	}
}

// AwaitAsync returns a channel resolved once |target| has been applied or
// a sticky error is recorded. It resolves immediately when either already
// holds.
func (r *WatchRegistry) AwaitAsync(target int64) <-chan AwaitResult {
	var ch = make(chan AwaitResult, 1)

	for {
		var prev = r.state.Load()

		if prev.stickyErr != nil || target <= prev.highWater {
			ch <- r.resultOf(target, prev.stickyErr)
			return ch
		}

		var next = &watchState{
			highWater: prev.highWater,
			stickyErr: prev.stickyErr,
			waiters:   append(append([]waiter(nil), prev.waiters...), waiter{target: target, ch: ch}),
		}
		if r.state.CompareAndSwap(prev, next) {
			return ch
		}
	}
}

// Await blocks until |target| is applied, a sticky error is recorded, or
// |ctx| is done.
func (r *WatchRegistry) Await(ctx context.Context, target int64) (any, error) {
	select {
	case res := <-r.AwaitAsync(target):
		return res.Result, res.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (r *WatchRegistry) resultOf(target int64, stickyErr error) AwaitResult {
	if v, ok := r.results.Get(target); ok {
		var res = v.(AwaitResult)
		if res.Err == nil {
			res.Err = stickyErr
		}
		return res
	}
	return AwaitResult{Err: stickyErr}
}
