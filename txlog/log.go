package txlog

import (
	"context"
	"io"
	"time"

	"github.com/pkg/errors"

	"go.chronal.dev/core/async"
)

// Log is an append-only, totally ordered record store. Appends are funneled
// through a single append point which assigns dense, strictly increasing
// offsets. Records are durable before their AppendOp resolves.
type Log interface {
	// AppendTx appends a user transaction whose payload is a complete
	// columnar IPC stream.
	AppendTx(payload []byte) *AppendOp
	// AppendMessage appends a non-Tx control message.
	AppendMessage(msg Message) *AppendOp
	// ReadRecords returns up to |max| records with offsets strictly greater
	// than |after|, in offset order. It may return fewer, including none.
	ReadRecords(after int64, max int) ([]Record, error)
	// LatestSubmittedOffset is the highest offset known to the log, even if
	// not yet delivered to subscribers. -1 if the log is empty.
	LatestSubmittedOffset() int64
	// Subscribe registers |sub| for ordered delivery of records with
	// offsets greater than |after|. Closing the returned Closer stops
	// delivery and joins the subscription worker. Close is idempotent.
	Subscribe(after int64, sub Subscriber) io.Closer
	// Close the log. Appends already accepted are written before Close
	// returns; appends made after Close resolve with ErrLogClosed.
	// Idempotent.
	Close() error
}

// Subscriber consumes ordered batches of log records.
type Subscriber interface {
	// ProcessRecords is called with a batch of records in strict offset
	// order. The batch is empty only for idle ticks of an IdleTicker
	// Subscriber. An error is terminal for the subscription.
	ProcessRecords(records []Record) error
}

// IdleTicker is implemented by Subscribers which additionally want empty
// deliveries while the stream is idle, paced at the returned interval.
// The log processor uses idle ticks to drive its flush clock.
type IdleTicker interface {
	IdleTick() time.Duration
}

// InstantSource supplies the current time. It is injected so that tests
// drive timestamps and flush timeouts deterministically.
type InstantSource interface {
	Now() time.Time
}

// SystemInstantSource reads the system wall clock.
var SystemInstantSource InstantSource = systemInstantSource{}

type systemInstantSource struct{}

func (systemInstantSource) Now() time.Time { return time.Now() }

var (
	// ErrLogClosed is resolved into appends and reads of a closed Log.
	ErrLogClosed = errors.New("log is closed")
	// ErrOffsetNotInWindow is returned by reads of offsets which have
	// fallen out of a MemoryLog's bounded retention window.
	ErrOffsetNotInWindow = errors.New("offset is no longer within the log retention window")
)

// AppendOp is the future of an in-flight append. It resolves with the
// assigned offset once the record is durable.
type AppendOp struct {
	done   async.Promise
	offset int64
	err    error
}

func newAppendOp() *AppendOp {
	return &AppendOp{done: make(async.Promise), offset: -1}
}

// Done selects on completion of the append.
func (op *AppendOp) Done() <-chan struct{} { return op.done }

// Offset assigned to the appended record. Valid only after Done selects.
func (op *AppendOp) Offset() int64 { return op.offset }

// Err is the terminal error of the append, or nil. Valid only after Done
// selects.
func (op *AppendOp) Err() error { return op.err }

// Await blocks until the append resolves or |ctx| is done.
func (op *AppendOp) Await(ctx context.Context) (int64, error) {
	if err := op.done.WaitWithContext(ctx); err != nil {
		return -1, err
	}
	return op.offset, op.err
}

// resolve the append exactly once.
func (op *AppendOp) resolve(offset int64, err error) {
	op.offset, op.err = offset, err
	op.done.Resolve()
}
