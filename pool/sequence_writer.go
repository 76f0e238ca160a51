package pool

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"go.gazette.dev/claimsink/sink"
)

// ErrEnqueueTimeout is returned when a queue doesn't accept an entry within
// its configured timeout.
var ErrEnqueueTimeout = errors.New("timed out enqueuing to a full queue")

// ProgressWriter persists the resume position of a claim.Family.
// It's implemented by *sink.BatchSink.
type ProgressWriter interface {
	UpdateLastSequenceNumber(ctx context.Context, seq uint64) error
	Close() error
}

// SequenceWriter persists safe resume positions from a single goroutine,
// so that concurrent workers never contend on the progress row. Positions
// added while a prior write is underway are coalesced, and only their
// maximum is written. A SequenceWriter never persists a position smaller
// than one it's already persisted.
type SequenceWriter struct {
	ctx     context.Context
	name    string
	w       ProgressWriter
	timeout time.Duration
	entries chan seqEntry

	mu     sync.RWMutex
	closed bool

	persisted atomic.Uint64
	writeErr  error // Failure of the last write. Read only after |doneCh|.
	doneCh    chan struct{}
}

type seqEntry struct {
	seq  uint64
	stop bool // Sentinel which stops the SequenceWriter.
}

// NewSequenceWriter starts a SequenceWriter of claim.Family |name|, which
// persists through |w|. Up to |queueSize| entries may be queued, and Add of
// a further entry blocks for up to |timeout| before failing. |initial| is the
// already-persisted position. The SequenceWriter takes ownership of |w|.
func NewSequenceWriter(ctx context.Context, name string, w ProgressWriter, queueSize int, timeout time.Duration, initial uint64) *SequenceWriter {
	var sw = &SequenceWriter{
		// Writes continue through shutdown, even if |ctx| is cancelled.
		ctx:     context.WithoutCancel(ctx),
		name:    name,
		w:       w,
		timeout: timeout,
		entries: make(chan seqEntry, queueSize),
		doneCh:  make(chan struct{}),
	}
	sw.persisted.Store(initial)

	go sw.serve()
	return sw
}

// Add a safe resume position to be persisted. Add blocks while the queue is
// full, and returns ErrEnqueueTimeout if it remains full.
func (sw *SequenceWriter) Add(seq uint64) error {
	sw.mu.RLock()
	defer sw.mu.RUnlock()

	if sw.closed {
		return sink.ErrClosed
	}
	select {
	case sw.entries <- seqEntry{seq: seq}:
		return nil
	default:
	}

	var timer = time.NewTimer(sw.timeout)
	defer timer.Stop()

	select {
	case sw.entries <- seqEntry{seq: seq}:
		return nil
	case <-timer.C:
		return errors.WithMessagef(ErrEnqueueTimeout, "sequence writer of %s", sw.name)
	}
}

// Persisted returns the largest position persisted by the SequenceWriter.
func (sw *SequenceWriter) Persisted() uint64 { return sw.persisted.Load() }

// Close the SequenceWriter. Positions which were already added are written
// before Close returns. Close returns the failure of its last write, if it
// failed, and any error of closing the ProgressWriter.
func (sw *SequenceWriter) Close() error {
	sw.mu.Lock()
	if sw.closed {
		sw.mu.Unlock()
		return nil
	}
	sw.closed = true
	sw.mu.Unlock()

	// No further Adds are possible, and serve() continues to drain,
	// so this send will complete.
	sw.entries <- seqEntry{stop: true}
	<-sw.doneCh

	return sink.CloseAll(
		sink.CloserFunc(func() error { return sw.writeErr }),
		sw.w,
	)
}

func (sw *SequenceWriter) serve() {
	defer close(sw.doneCh)

	for {
		var (
			seq  uint64
			stop bool
		)
		var take = func(e seqEntry) {
			if e.stop {
				stop = true
			} else if e.seq > seq {
				seq = e.seq
			}
		}
		take(<-sw.entries)

		// Coalesce entries which queued behind the last write.
	drain:
		for {
			select {
			case e := <-sw.entries:
				take(e)
			default:
				break drain
			}
		}

		if seq > sw.persisted.Load() {
			if err := sw.w.UpdateLastSequenceNumber(sw.ctx, seq); err != nil {
				log.WithFields(log.Fields{
					"sink": sw.name,
					"seq":  seq,
					"err":  err,
				}).Warn("failed to persist progress")
				sw.writeErr = err
			} else {
				sw.persisted.Store(seq)
				sw.writeErr = nil
			}
		}
		if stop {
			return
		}
	}
}
