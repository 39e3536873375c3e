package txlog

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"go.chronal.dev/core/metrics"
	"go.chronal.dev/core/txlog/codecs"
)

// Defaults of LocalLogConfig.
const (
	DefaultBufferSize        = 4096
	DefaultSegmentSize       = 128 << 20
	DefaultPollSleepDuration = 100 * time.Millisecond
)

const segmentSuffix = ".seg"

// LocalLogConfig configures a LocalLog.
type LocalLogConfig struct {
	// Path is the filesystem root of log segments.
	Path string
	// BufferSize of the append writer, in bytes.
	BufferSize int
	// SegmentSize at which the active segment is rolled, in bytes.
	SegmentSize int64
	// PollSleepDuration is the idle backoff of polling subscriptions.
	PollSleepDuration time.Duration
	// Compression applied to completed segments.
	Compression codecs.Codec
	// Instants overrides the wall clock (tests).
	Instants InstantSource
}

func (c *LocalLogConfig) applyDefaults() {
	if c.BufferSize <= 0 {
		c.BufferSize = DefaultBufferSize
	}
	if c.SegmentSize <= 0 {
		c.SegmentSize = DefaultSegmentSize
	}
	if c.PollSleepDuration <= 0 {
		c.PollSleepDuration = DefaultPollSleepDuration
	}
	if c.Compression == "" {
		c.Compression = codecs.None
	}
	if c.Instants == nil {
		c.Instants = SystemInstantSource
	}
}

// LocalLog is a Log backed by append-only segment files of a local
// directory. A single goroutine owns the active segment: it drains queued
// appends, writes their frames through a buffered writer, syncs, and only
// then resolves the AppendOps. Completed segments are compressed under the
// configured codec. LocalLog cannot push notifications, so Subscribe uses
// the polling dispatcher.
type LocalLog struct {
	cfg LocalLogConfig

	mu       sync.Mutex
	next     int64 // Next offset to assign.
	pending  []localAppend
	segments []segmentInfo // Sorted by first offset; the last is active.
	closed   bool

	wake chan struct{}
	stop chan struct{}
	done chan struct{}

	// Active segment, owned by the serveAppends goroutine.
	file *os.File
	bw   *bufio.Writer
	size int64
}

type localAppend struct {
	rec Record
	op  *AppendOp
}

type segmentInfo struct {
	first int64
	path  string
	codec codecs.Codec
}

// NewLocalLog opens (or creates) the log rooted at cfg.Path, recovering
// the tail offset from existing segments. A torn final frame, as left by
// a crash mid-append, is truncated away.
func NewLocalLog(cfg LocalLogConfig) (*LocalLog, error) {
	cfg.applyDefaults()

	if cfg.Path == "" {
		return nil, errors.New("local log requires a path")
	} else if err := cfg.Compression.Validate(); err != nil {
		return nil, err
	} else if err = os.MkdirAll(cfg.Path, 0o750); err != nil {
		return nil, errors.WithMessage(err, "creating log directory")
	}

	var segments, err = listSegments(cfg.Path)
	if err != nil {
		return nil, err
	}

	var l = &LocalLog{
		cfg:      cfg,
		segments: segments,
		wake:     make(chan struct{}, 1),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	if err = l.recover(); err != nil {
		return nil, err
	}

	go l.serveAppends()
	return l, nil
}

// recover determines the tail offset and opens the active segment.
func (l *LocalLog) recover() error {
	if n := len(l.segments); n != 0 {
		var last = l.segments[n-1]

		var lastOffset, goodLen, err = scanTail(last)
		if err != nil {
			return errors.WithMessagef(err, "recovering segment %s", last.path)
		}
		l.next = lastOffset + 1

		if last.codec == codecs.None {
			// Re-adopt the uncompressed tail segment as the active one,
			// truncating any torn final frame.
			if err = os.Truncate(last.path, goodLen); err != nil {
				return errors.WithMessage(err, "truncating torn tail")
			}
			if l.file, err = os.OpenFile(last.path, os.O_WRONLY|os.O_APPEND, 0o640); err != nil {
				return errors.WithMessage(err, "re-opening tail segment")
			}
			l.size = goodLen
			l.bw = bufio.NewWriterSize(l.file, l.cfg.BufferSize)
			return nil
		}
		// The tail segment was already compressed; begin a fresh one.
	}
	return l.startSegment()
}

// startSegment creates a new active segment named by the next offset.
// Called with exclusive ownership of the active segment state.
func (l *LocalLog) startSegment() error {
	var path = filepath.Join(l.cfg.Path, fmt.Sprintf("%016x%s", l.next, segmentSuffix))

	var f, err = os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o640)
	if err != nil {
		return errors.WithMessage(err, "creating segment")
	}
	l.file, l.bw, l.size = f, bufio.NewWriterSize(f, l.cfg.BufferSize), 0

	l.mu.Lock()
	l.segments = append(l.segments, segmentInfo{first: l.next, path: path, codec: codecs.None})
	l.mu.Unlock()
	return nil
}

// AppendTx implements Log.
func (l *LocalLog) AppendTx(payload []byte) *AppendOp {
	return l.append(TxMessage{Payload: payload})
}

// AppendMessage implements Log.
func (l *LocalLog) AppendMessage(msg Message) *AppendOp {
	return l.append(msg)
}

func (l *LocalLog) append(msg Message) *AppendOp {
	var op = newAppendOp()

	// Marshal before assigning an offset: a malformed message must not
	// burn an offset, nor fail the batch it would be written with.
	if _, err := msg.MarshalBinary(); err != nil {
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
		Timestamp: l.cfg.Instants.Now(),
		Message:   msg,
	}
	l.next++
	l.pending = append(l.pending, localAppend{rec: rec, op: op})
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
	return op
}

// serveAppends is the single append point: it drains queued appends in
// offset order, frames and writes them, syncs, and resolves their ops.
func (l *LocalLog) serveAppends() {
	defer close(l.done)

	for {
		select {
		case <-l.stop:
			l.drainAppends() // Assigned offsets must still be written.
			if err := l.bw.Flush(); err == nil {
				_ = l.file.Sync()
			}
			_ = l.file.Close()
			return
		case <-l.wake:
			l.drainAppends()
		}
	}
}

func (l *LocalLog) drainAppends() {
	l.mu.Lock()
	var batch = l.pending
	l.pending = nil
	l.mu.Unlock()

	if len(batch) == 0 {
		return
	}

	var buf []byte
	var err error
	for _, a := range batch {
		if buf, err = appendFrame(buf, a.rec); err != nil {
			break
		}
	}
	if err == nil {
		if _, err = l.bw.Write(buf); err == nil {
			if err = l.bw.Flush(); err == nil {
				err = l.file.Sync()
			}
		}
	}

	for _, a := range batch {
		if err != nil {
			metrics.LogAppendCountTotal.WithLabelValues(metrics.Fail).Inc()
			a.op.resolve(-1, errors.WithMessage(err, "writing log segment"))
		} else {
			metrics.LogAppendCountTotal.WithLabelValues(metrics.Ok).Inc()
			a.op.resolve(a.rec.Offset, nil)
		}
	}
	if err != nil {
		log.WithFields(log.Fields{"path": l.cfg.Path, "err": err}).
			Error("failed to write log segment")
		return
	}
	metrics.LogAppendBytesTotal.Add(float64(len(buf)))
	l.size += int64(len(buf))

	if l.size >= l.cfg.SegmentSize {
		if err = l.roll(); err != nil {
			log.WithFields(log.Fields{"path": l.cfg.Path, "err": err}).
				Error("failed to roll log segment")
		}
	}
}

// roll completes the active segment, compresses it under the configured
// codec, and begins a new one.
func (l *LocalLog) roll() error {
	if err := l.file.Close(); err != nil {
		return errors.WithMessage(err, "closing completed segment")
	}

	l.mu.Lock()
	var completed = l.segments[len(l.segments)-1]
	l.mu.Unlock()

	log.WithFields(log.Fields{
		"segment": completed.path,
		"size":    humanize.IBytes(uint64(l.size)),
	}).Info("rolled log segment")
	metrics.LogSegmentsRolledTotal.Inc()

	if l.cfg.Compression != codecs.None {
		if err := l.compressSegment(completed); err != nil {
			// The uncompressed segment remains valid; log and continue.
			log.WithFields(log.Fields{"segment": completed.path, "err": err}).
				Warn("failed to compress completed segment")
		}
	}
	return l.startSegment()
}

func (l *LocalLog) compressSegment(si segmentInfo) error {
	var dst = si.path + l.cfg.Compression.Ext()

	var src, err = os.Open(si.path)
	if err != nil {
		return err
	}
	defer src.Close()

	out, err := os.OpenFile(dst+".part", os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o640)
	if err != nil {
		return err
	}
	defer out.Close()

	cw, err := codecs.NewCodecWriter(out, l.cfg.Compression)
	if err != nil {
		return err
	}
	if _, err = io.Copy(cw, src); err != nil {
		return err
	} else if err = cw.Close(); err != nil {
		return err
	} else if err = out.Sync(); err != nil {
		return err
	} else if err = os.Rename(dst+".part", dst); err != nil {
		return err
	}

	l.mu.Lock()
	for i := range l.segments {
		if l.segments[i].first == si.first {
			l.segments[i] = segmentInfo{first: si.first, path: dst, codec: l.cfg.Compression}
		}
	}
	l.mu.Unlock()

	return os.Remove(si.path)
}

// ReadRecords implements Log.
func (l *LocalLog) ReadRecords(after int64, max int) ([]Record, error) {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil, ErrLogClosed
	}
	var segments = append([]segmentInfo(nil), l.segments...)
	var tail = l.next - 1
	l.mu.Unlock()

	if max <= 0 || after >= tail || len(segments) == 0 {
		return nil, nil
	}

	// Begin at the segment covering after+1.
	var i = sort.Search(len(segments), func(i int) bool {
		return segments[i].first > after+1
	})
	if i > 0 {
		i--
	}

	var out []Record
	for ; i != len(segments) && len(out) < max; i++ {
		var last = i == len(segments)-1
		var err = walkSegment(segments[i], func(rec Record) bool {
			if rec.Offset <= after || len(out) == max {
				return len(out) < max
			}
			out = append(out, rec)
			return len(out) < max
		})
		if errors.Cause(err) == io.ErrUnexpectedEOF && last {
			break // Torn frame racing an in-flight append.
		} else if err != nil {
			return nil, errors.WithMessagef(err, "reading segment %s", segments[i].path)
		}
	}
	metrics.LogReadRecordsTotal.Add(float64(len(out)))
	return out, nil
}

// LatestSubmittedOffset implements Log.
func (l *LocalLog) LatestSubmittedOffset() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.next - 1
}

// Subscribe implements Log, using the polling dispatcher.
func (l *LocalLog) Subscribe(after int64, sub Subscriber) io.Closer {
	return newPollingSubscription(l, after, sub, l.cfg.PollSleepDuration)
}

// Close implements Log.
func (l *LocalLog) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	l.mu.Unlock()

	close(l.stop)
	<-l.done
	return nil
}

// listSegments enumerates segment files of |path| in offset order.
func listSegments(path string) ([]segmentInfo, error) {
	var entries, err = os.ReadDir(path)
	if err != nil {
		return nil, errors.WithMessage(err, "listing log directory")
	}

	var segments []segmentInfo
	for _, e := range entries {
		var name = e.Name()
		var codec = codecs.CodecOfExt(filepath.Ext(name))
		var base = strings.TrimSuffix(name, codec.Ext())

		if !strings.HasSuffix(base, segmentSuffix) || strings.HasSuffix(name, ".part") {
			continue
		}
		first, err := strconv.ParseInt(strings.TrimSuffix(base, segmentSuffix), 16, 64)
		if err != nil {
			log.WithField("file", name).Warn("ignoring unrecognized file in log directory")
			continue
		}
		segments = append(segments, segmentInfo{
			first: first,
			path:  filepath.Join(path, name),
			codec: codec,
		})
	}
	sort.Slice(segments, func(i, j int) bool { return segments[i].first < segments[j].first })

	// An interrupted compression can leave both forms of one segment.
	// Prefer the compressed form, which is complete by construction.
	var out = segments[:0]
	for _, s := range segments {
		if n := len(out); n != 0 && out[n-1].first == s.first {
			if out[n-1].codec == codecs.None {
				out[n-1] = s
			}
			continue
		}
		out = append(out, s)
	}
	return out, nil
}

// walkSegment streams records of a segment to |fn|, stopping when it
// returns false.
func walkSegment(si segmentInfo, fn func(Record) bool) error {
	var f, err = os.Open(si.path)
	if err != nil {
		return err
	}
	defer f.Close()

	dec, err := codecs.NewCodecReader(f, si.codec)
	if err != nil {
		return err
	}
	defer dec.Close()

	var br = bufio.NewReader(dec)
	for {
		var rec, err = unpackRecord(br)
		if err == io.EOF {
			return nil
		} else if err != nil {
			return err
		}
		if !fn(rec) {
			return nil
		}
	}
}

// scanTail reads the final segment, returning its last intact offset and
// the byte length of its well-formed prefix.
func scanTail(si segmentInfo) (lastOffset, goodLen int64, err error) {
	var f *os.File
	if f, err = os.Open(si.path); err != nil {
		return
	}
	defer f.Close()

	var dec codecs.Decompressor
	if dec, err = codecs.NewCodecReader(f, si.codec); err != nil {
		return
	}
	defer dec.Close()

	var cr = &countingReader{r: dec}
	var br = bufio.NewReader(cr)

	lastOffset = si.first - 1
	for {
		var rec Record
		if rec, err = unpackRecord(br); err == io.EOF {
			err = nil
			return
		} else if err == io.ErrUnexpectedEOF {
			// Torn final frame: the prefix up to the last good frame stands.
			err = nil
			return
		} else if err != nil {
			return
		}
		lastOffset = rec.Offset
		goodLen = cr.n - int64(br.Buffered())
	}
}

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	var n, err = c.r.Read(p)
	c.n += int64(n)
	return n, err
}

// Replay streams all records of the log directory at |path| with offsets
// greater than |after| to |fn|, without opening the log for appends. It is
// used by offline tooling.
func Replay(path string, after int64, fn func(Record) error) error {
	var segments, err = listSegments(path)
	if err != nil {
		return err
	}

	for i, si := range segments {
		var innerErr error
		err = walkSegment(si, func(rec Record) bool {
			if rec.Offset <= after {
				return true
			}
			innerErr = fn(rec)
			return innerErr == nil
		})

		if innerErr != nil {
			return innerErr
		} else if errors.Cause(err) == io.ErrUnexpectedEOF && i == len(segments)-1 {
			return nil // Torn tail.
		} else if err != nil {
			return errors.WithMessagef(err, "reading segment %s", si.path)
		}
	}
	return nil
}
