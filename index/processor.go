package index

import (
	"time"

	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"go.chronal.dev/core/metrics"
	"go.chronal.dev/core/txenc"
	"go.chronal.dev/core/txlog"
)

// DefaultFlushTimeout is the chunk idleness threshold after which a
// flush-chunk message is issued.
const DefaultFlushTimeout = 4 * time.Hour

// LogProcessorConfig configures a LogProcessor.
type LogProcessorConfig struct {
	// FlushTimeout is the chunk idleness threshold of the Flusher.
	FlushTimeout time.Duration
	// Instants overrides the wall clock (tests).
	Instants txlog.InstantSource
}

func (c *LogProcessorConfig) applyDefaults() {
	if c.FlushTimeout <= 0 {
		c.FlushTimeout = DefaultFlushTimeout
	}
	if c.Instants == nil {
		c.Instants = txlog.SystemInstantSource
	}
}

// LogProcessor is the single consumer of a log subscription. It dispatches
// each record by message kind, applies transactions through the Indexer,
// and surfaces per-offset outcomes through its WatchRegistry. Processing
// is strictly sequential: the processor runs on the dispatcher worker
// which owns it, and never in parallel with itself.
type LogProcessor struct {
	txLog    txlog.Log
	indexer  Indexer
	tries    TrieCatalog
	watch    *WatchRegistry
	flusher  *Flusher
	alloc    memory.Allocator
	instants txlog.InstantSource
}

// NewLogProcessor returns a LogProcessor over |txLog| and |indexer|.
// |alloc| parents the allocator scope used to decode each transaction.
func NewLogProcessor(txLog txlog.Log, indexer Indexer, tries TrieCatalog,
	alloc memory.Allocator, cfg LogProcessorConfig) *LogProcessor {

	cfg.applyDefaults()

	var chunkTxID int64 = -1
	if chunk, ok := indexer.LatestCompletedChunkTx(); ok {
		chunkTxID = chunk.TxID
	}

	return &LogProcessor{
		txLog:    txLog,
		indexer:  indexer,
		tries:    tries,
		watch:    NewWatchRegistry(),
		flusher:  NewFlusher(cfg.FlushTimeout, cfg.Instants.Now(), chunkTxID),
		alloc:    alloc,
		instants: cfg.Instants,
	}
}

// Watch is the registry through which submitters await applied offsets.
func (p *LogProcessor) Watch() *WatchRegistry { return p.watch }

// IdleTick implements txlog.IdleTicker: the flush clock must advance even
// when no records arrive.
func (p *LogProcessor) IdleTick() time.Duration { return p.flusher.flushTimeout }

// ProcessRecords implements txlog.Subscriber.
func (p *LogProcessor) ProcessRecords(records []txlog.Record) error {
	p.maybeFlush()

	for _, rec := range records {
		switch msg := rec.Message.(type) {
		case txlog.TxMessage:
			var applied, err = p.processTx(rec, msg)
			p.notify(rec, "tx", applied, err)

		case txlog.FlushChunkMessage:
			var err = p.indexer.ForceFlush(rec)
			p.notify(rec, "flush-chunk", nil, err)

		case txlog.TriesAddedMessage:
			for _, e := range msg.Tries {
				p.tries.AddTrie(e.Table, e.Key)
			}
			p.notify(rec, "tries-added", nil, nil)

		default:
			p.notify(rec, "unknown", nil,
				errors.Errorf("unknown message kind 0x%02x", byte(rec.Message.Kind())))
		}
	}
	return nil
}

// maybeFlush consults the Flusher and appends its message, waiting out
// the append so the message's own record is fully ordered before further
// processing.
func (p *LogProcessor) maybeFlush() {
	var chunkTxID, completedTxID int64 = -1, -1
	if chunk, ok := p.indexer.LatestCompletedChunkTx(); ok {
		chunkTxID = chunk.TxID
	}
	if completed, ok := p.indexer.LatestCompletedTx(); ok {
		completedTxID = completed.TxID
	}

	var msg, ok = p.flusher.Check(p.instants.Now(), chunkTxID, completedTxID)
	if !ok {
		return
	}
	metrics.FlushMessagesIssuedTotal.Inc()

	var op = p.txLog.AppendMessage(msg)
	<-op.Done()
	if err := op.Err(); err != nil {
		log.WithFields(log.Fields{"expectedTxID": msg.ExpectedTxID, "err": err}).
			Warn("failed to append flush-chunk message")
	}
}

// processTx decodes and applies one transaction. Decode state is scoped
// to the call: it is released before the next record is touched.
func (p *LogProcessor) processTx(rec txlog.Record, msg txlog.TxMessage) (any, error) {
	var env, err = txenc.DecodeRecord(p.alloc, msg.Payload)
	if err != nil {
		return nil, errors.WithMessagef(err, "decoding tx at offset %d", rec.Offset)
	}
	defer env.Close()

	applied, err := p.indexer.IndexTx(rec.Offset, rec.Timestamp, env)
	if err != nil {
		return nil, errors.WithMessagef(err, "indexing tx at offset %d", rec.Offset)
	}
	return applied, nil
}

// notify surfaces the record's outcome. A failed record still advances
// the high-water mark: its error is the stored result, and it taints the
// registry so subsequent awaits fail fast.
func (p *LogProcessor) notify(rec txlog.Record, kind string, result any, err error) {
	if err == nil {
		metrics.ProcessedRecordsTotal.WithLabelValues(kind, metrics.Ok).Inc()
	} else {
		metrics.ProcessedRecordsTotal.WithLabelValues(kind, metrics.Fail).Inc()
		log.WithFields(log.Fields{
			"offset": rec.Offset,
			"kind":   kind,
			"err":    err,
		}).Error("failed to process log record")
	}
	p.watch.NotifyProcessed(rec.Offset, result, err)
}
