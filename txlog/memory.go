package txlog

import (
	"io"
	"sync"

	"go.chronal.dev/core/metrics"
)

// DefaultMemoryWindow is the number of trailing records a MemoryLog
// retains for reads.
const DefaultMemoryWindow = 4096

// MemoryLog is an in-memory Log holding a bounded window of trailing
// records. Appends are durable by definition and resolve synchronously.
// MemoryLog can push offset notifications, so its subscriptions use the
// notifying dispatcher.
type MemoryLog struct {
	instants InstantSource
	window   int

	mu      sync.Mutex
	recs    []Record // Trailing window, recs[0].Offset == first retained.
	next    int64    // Next offset to assign.
	signals map[*countSignal]struct{}
	closed  bool
}

// MemoryLogOption customizes a MemoryLog.
type MemoryLogOption func(*MemoryLog)

// WithInstantSource overrides the wall clock used for record timestamps.
func WithInstantSource(src InstantSource) MemoryLogOption {
	return func(l *MemoryLog) { l.instants = src }
}

// WithWindow overrides the retained record window.
func WithWindow(n int) MemoryLogOption {
	return func(l *MemoryLog) { l.window = n }
}

// NewMemoryLog returns an empty MemoryLog.
func NewMemoryLog(options ...MemoryLogOption) *MemoryLog {
	var l = &MemoryLog{
		instants: SystemInstantSource,
		window:   DefaultMemoryWindow,
		signals:  make(map[*countSignal]struct{}),
	}
	for _, o := range options {
		o(l)
	}
	return l
}

// AppendTx implements Log.
func (l *MemoryLog) AppendTx(payload []byte) *AppendOp {
	return l.append(TxMessage{Payload: payload})
}

// AppendMessage implements Log.
func (l *MemoryLog) AppendMessage(msg Message) *AppendOp {
	return l.append(msg)
}

func (l *MemoryLog) append(msg Message) *AppendOp {
	var op = newAppendOp()

	// Marshal outside the lock: a malformed message must not burn an offset.
	var b, err = msg.MarshalBinary()
	if err != nil {
		metrics.LogAppendCountTotal.WithLabelValues(metrics.Fail).Inc()
		op.resolve(-1, err)
		return op
	}

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		metrics.LogAppendCountTotal.WithLabelValues(metrics.Fail).Inc()
		op.resolve(-1, ErrLogClosed)
		return op
	}

	var rec = Record{
		Offset:    l.next,
		Timestamp: l.instants.Now(),
		Message:   msg,
	}
	l.next++
	l.recs = append(l.recs, rec)
	if len(l.recs) > l.window {
		l.recs = append(l.recs[:0:0], l.recs[len(l.recs)-l.window:]...)
	}

	var signals = make([]*countSignal, 0, len(l.signals))
	for s := range l.signals {
		signals = append(signals, s)
	}
	l.mu.Unlock()

	metrics.LogAppendCountTotal.WithLabelValues(metrics.Ok).Inc()
	metrics.LogAppendBytesTotal.Add(float64(len(b)))

	for _, s := range signals {
		s.notify()
	}
	op.resolve(rec.Offset, nil)
	return op
}

// ReadRecords implements Log.
func (l *MemoryLog) ReadRecords(after int64, max int) ([]Record, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil, ErrLogClosed
	}
	if len(l.recs) == 0 || max <= 0 {
		return nil, nil
	}

	var first = l.recs[0].Offset
	if after+1 < first {
		return nil, ErrOffsetNotInWindow
	}
	var i = int(after + 1 - first)
	if i >= len(l.recs) {
		return nil, nil
	}
	if i+max < len(l.recs) {
		var out = make([]Record, max)
		copy(out, l.recs[i:i+max])
		metrics.LogReadRecordsTotal.Add(float64(max))
		return out, nil
	}
	var out = make([]Record, len(l.recs)-i)
	copy(out, l.recs[i:])
	metrics.LogReadRecordsTotal.Add(float64(len(out)))
	return out, nil
}

// LatestSubmittedOffset implements Log.
func (l *MemoryLog) LatestSubmittedOffset() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.next - 1
}

// Subscribe implements Log, using the notifying dispatcher.
func (l *MemoryLog) Subscribe(after int64, sub Subscriber) io.Closer {
	return newNotifyingSubscription(l, after, sub)
}

// Close implements Log.
func (l *MemoryLog) Close() error {
	l.mu.Lock()
	l.closed = true
	var signals = make([]*countSignal, 0, len(l.signals))
	for s := range l.signals {
		signals = append(signals, s)
	}
	l.mu.Unlock()

	// Wake subscription workers so they observe the closed log.
	for _, s := range signals {
		s.notify()
	}
	return nil
}

// registerSignal adds a subscription's counting signal to the notify set.
func (l *MemoryLog) registerSignal(s *countSignal) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.signals[s] = struct{}{}
}

// deregisterSignal removes a previously registered signal.
func (l *MemoryLog) deregisterSignal(s *countSignal) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.signals, s)
}
