package index

import (
	"time"

	"go.chronal.dev/core/txlog"
)

// Flusher decides when to issue a flush-chunk control message. The log
// processor calls Check once per delivered batch of records, and on each
// idle tick; a flush is issued only
// when the flush timeout has elapsed with no chunk progress while newly
// completed transactions are waiting to be made durable.
//
// The issued message carries the chunk tx-id the flusher last observed.
// An indexer whose persisted chunk tx-id differs ignores the message, so
// replicas replaying one another's flush signals do not stampede.
type Flusher struct {
	flushTimeout      time.Duration
	lastFlushCheck    time.Time
	previousChunkTxID int64
	flushedTxID       int64
}

// NewFlusher returns a Flusher which issues at most one flush per
// |flushTimeout| of chunk idleness. |now| seeds the idleness clock and
// |currentChunkTxID| the chunk progress marker (-1 when no chunk exists).
func NewFlusher(flushTimeout time.Duration, now time.Time, currentChunkTxID int64) *Flusher {
	return &Flusher{
		flushTimeout:      flushTimeout,
		lastFlushCheck:    now,
		previousChunkTxID: currentChunkTxID,
		flushedTxID:       -1,
	}
}

// Check returns a flush-chunk message to append, or false. Tx-ids are -1
// when absent.
func (f *Flusher) Check(now time.Time, currentChunkTxID, latestCompletedTxID int64) (txlog.FlushChunkMessage, bool) {
	if now.Sub(f.lastFlushCheck) < f.flushTimeout {
		return txlog.FlushChunkMessage{}, false
	}
	if latestCompletedTxID == -1 || f.flushedTxID == latestCompletedTxID {
		// Nothing new has completed since the last issued flush.
		return txlog.FlushChunkMessage{}, false
	}
	if currentChunkTxID != f.previousChunkTxID {
		// The chunk boundary advanced on its own: no flush is needed yet.
		f.lastFlushCheck = now
		f.previousChunkTxID = currentChunkTxID
		return txlog.FlushChunkMessage{}, false
	}

	f.lastFlushCheck = now
	f.flushedTxID = latestCompletedTxID
	return txlog.FlushChunkMessage{ExpectedTxID: currentChunkTxID}, true
}
