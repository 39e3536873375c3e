package txlog

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// readBatchSize bounds the records fetched by a single dispatcher read.
const readBatchSize = 100

// readRetryInterval paces retries of failed dispatcher reads.
const readRetryInterval = time.Second

// countSignal is a counting notification primitive. notify releases one
// permit; acquire blocks for at least one permit and then drains up to
// |max| in total, leaving any surplus for a later acquire.
type countSignal struct {
	mu   sync.Mutex
	n    int
	wake chan struct{}
}

func newCountSignal() *countSignal {
	return &countSignal{wake: make(chan struct{}, 1)}
}

func (s *countSignal) notify() {
	s.mu.Lock()
	s.n++
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default: // Already signalled.
	}
}

// acquire returns the number of permits taken. It gives up after
// |timeout| (if positive) with (0, true), and returns false if |stop|
// resolved while waiting.
func (s *countSignal) acquire(stop <-chan struct{}, max int, timeout time.Duration) (int, bool) {
	var timedOut <-chan time.Time
	if timeout > 0 {
		var timer = time.NewTimer(timeout)
		defer timer.Stop()
		timedOut = timer.C
	}

	for {
		s.mu.Lock()
		if s.n > 0 {
			var take = s.n
			if take > max {
				take = max
			}
			s.n -= take
			s.mu.Unlock()
			return take, true
		}
		s.mu.Unlock()

		select {
		case <-stop:
			return 0, false
		case <-timedOut:
			return 0, true
		case <-s.wake:
		}
	}
}

// subscription is the common state of a dispatcher worker. It implements
// io.Closer; Close interrupts the worker, joins it, and is idempotent.
type subscription struct {
	id       uuid.UUID
	sub      Subscriber
	cursor   int64 // Offset of the last delivered record.
	idleTick time.Duration

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

func newSubscription(after int64, sub Subscriber) *subscription {
	var s = &subscription{
		id:     uuid.New(),
		sub:    sub,
		cursor: after,
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	if it, ok := sub.(IdleTicker); ok {
		s.idleTick = it.IdleTick()
	}
	return s
}

// tick delivers an empty batch, letting the Subscriber run time-driven
// work (such as flush checks) while the stream is idle.
func (s *subscription) tick() bool {
	if s.stopping() {
		return false
	}
	if err := s.sub.ProcessRecords(nil); err != nil {
		if !s.stopping() {
			log.WithFields(log.Fields{"subscription": s.id, "err": err}).
				Error("subscriber failed on idle tick")
		}
		return false
	}
	return true
}

// Close implements io.Closer.
func (s *subscription) Close() error {
	s.stopOnce.Do(func() { close(s.stop) })
	<-s.done
	return nil
}

func (s *subscription) stopping() bool {
	select {
	case <-s.stop:
		return true
	default:
		return false
	}
}

// deliver hands |recs| to the Subscriber, advancing the cursor. It returns
// false if the subscription is stopping or the Subscriber failed.
func (s *subscription) deliver(recs []Record) bool {
	if len(recs) == 0 {
		return true
	} else if s.stopping() {
		return false
	}

	if err := s.sub.ProcessRecords(recs); err != nil {
		if !s.stopping() {
			log.WithFields(log.Fields{
				"subscription": s.id,
				"offset":       recs[0].Offset,
				"err":          err,
			}).Error("subscriber failed to process records")
		}
		return false
	}
	s.cursor = recs[len(recs)-1].Offset
	return true
}

// sleep blocks for |d| or until the subscription is stopping.
func (s *subscription) sleep(d time.Duration) bool {
	var timer = time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-s.stop:
		return false
	case <-timer.C:
		return true
	}
}

// notifyingLog is a Log which can push per-append offset notifications.
type notifyingLog interface {
	Log
	registerSignal(*countSignal)
	deregisterSignal(*countSignal)
}

// newNotifyingSubscription starts a dispatcher worker fed by the log's
// append notifications. The worker first catches up to the submitted
// offset captured at subscribe time, and then turns to live tailing of
// its counting signal.
func newNotifyingSubscription(l notifyingLog, after int64, sub Subscriber) *subscription {
	var s = newSubscription(after, sub)
	var signal = newCountSignal()

	// Register before capturing the catch-up bound, so appends racing with
	// subscribe are either caught up or signalled (or harmlessly both: a
	// surplus permit drains as an empty read).
	l.registerSignal(signal)
	var latestKnown = l.LatestSubmittedOffset()

	go func() {
		defer close(s.done)
		defer l.deregisterSignal(signal)

		// Catch-up mode.
		for s.cursor < latestKnown && !s.stopping() {
			var recs, ok = s.read(l, readBatchSize)
			if !ok {
				return
			}
			// Live mode delivers records beyond the catch-up bound.
			for len(recs) != 0 && recs[len(recs)-1].Offset > latestKnown {
				recs = recs[:len(recs)-1]
			}
			if len(recs) == 0 {
				break
			}
			if !s.deliver(recs) {
				return
			}
		}

		// Live mode.
		for {
			var permits, ok = signal.acquire(s.stop, readBatchSize, s.idleTick)
			if !ok {
				return
			}
			if permits == 0 {
				// Idle for a full tick interval.
				if !s.tick() {
					return
				}
				continue
			}
			for permits > 0 {
				var recs, ok = s.read(l, permits)
				if !ok {
					return
				} else if len(recs) == 0 {
					break // Surplus permits; records were already delivered.
				}
				if !s.deliver(recs) {
					return
				}
				permits -= len(recs)
			}
		}
	}()
	return s
}

// newPollingSubscription starts a dispatcher worker which polls the log,
// sleeping |pollSleep| when it is idle. Used where the log cannot push
// notifications.
func newPollingSubscription(l Log, after int64, sub Subscriber, pollSleep time.Duration) *subscription {
	var s = newSubscription(after, sub)

	go func() {
		defer close(s.done)

		var idle time.Duration
		for !s.stopping() {
			var recs, ok = s.read(l, readBatchSize)
			if !ok {
				return
			}
			if len(recs) == 0 {
				if !s.sleep(pollSleep) {
					return
				}
				if idle += pollSleep; s.idleTick > 0 && idle >= s.idleTick {
					idle = 0
					if !s.tick() {
						return
					}
				}
				continue
			}
			idle = 0
			if !s.deliver(recs) {
				return
			}
		}
	}()
	return s
}

// read fetches up to |max| records after the cursor, retrying I/O errors
// until the subscription stops. A closed log is terminal.
func (s *subscription) read(l Log, max int) ([]Record, bool) {
	for {
		var recs, err = l.ReadRecords(s.cursor, max)
		if err == nil {
			return recs, true
		} else if errors.Cause(err) == ErrLogClosed {
			return nil, false
		}

		log.WithFields(log.Fields{
			"subscription": s.id,
			"cursor":       s.cursor,
			"err":          err,
		}).Warn("failed to read log records (will retry)")

		if !s.sleep(readRetryInterval) {
			return nil, false
		}
	}
}
