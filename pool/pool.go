package pool

import (
	"context"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	petname "github.com/dustinkirkland/golang-petname"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"
	"go.gazette.dev/claimsink/claim"
	"go.gazette.dev/claimsink/sequence"
	"go.gazette.dev/claimsink/sink"
)

// Config configures a Pool.
type Config struct {
	Workers        int           `long:"workers" env:"WORKERS" default:"4" description:"Number of concurrent sink workers. One writes synchronously, without a pool"`
	BatchSize      int           `long:"batch-size" env:"BATCH_SIZE" default:"100" description:"Maximum number of claims written by a worker in one transaction"`
	QueueSize      int           `long:"queue-size" env:"QUEUE_SIZE" default:"16" description:"Number of batches which may queue to each worker"`
	EnqueueTimeout time.Duration `long:"enqueue-timeout" env:"ENQUEUE_TIMEOUT" default:"5m" description:"Failure timeout of an enqueue to a full queue"`
	ShutdownWait   time.Duration `long:"shutdown-wait" env:"SHUTDOWN_WAIT" default:"1m" description:"Time to wait for workers to drain their queues on close"`
}

// Validate returns an error if the Config is invalid.
func (c Config) Validate() error {
	if c.Workers < 1 {
		return errors.Errorf("invalid Workers (%d; expected >= 1)", c.Workers)
	} else if c.BatchSize < 1 {
		return errors.Errorf("invalid BatchSize (%d; expected >= 1)", c.BatchSize)
	} else if c.QueueSize < 1 {
		return errors.Errorf("invalid QueueSize (%d; expected >= 1)", c.QueueSize)
	} else if c.EnqueueTimeout <= 0 {
		return errors.Errorf("invalid EnqueueTimeout (%s; expected > 0)", c.EnqueueTimeout)
	} else if c.ShutdownWait <= 0 {
		return errors.Errorf("invalid ShutdownWait (%s; expected > 0)", c.ShutdownWait)
	}
	return nil
}

// SinkFactory returns a new BatchSink, for the exclusive use of its caller.
type SinkFactory func(ctx context.Context) (*sink.BatchSink, error)

// New returns a sink.Sink of |family| configured by |cfg|. With a single
// worker, New returns a *sink.Single which writes synchronously. Otherwise it
// returns a *Pool. Each BatchSink is obtained from |factory|.
func New(ctx context.Context, family claim.Family, cfg Config, factory SinkFactory) (sink.Sink, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	} else if cfg.Workers == 1 {
		var bs, err = factory(ctx)
		if err != nil {
			return nil, err
		}
		return sink.NewSingle(bs), nil
	}
	return NewPool(ctx, family, cfg, factory)
}

// Pool is a sink.Sink which writes through Config.Workers concurrent workers.
// WriteMessages and Close may not be called concurrently.
type Pool struct {
	family  claim.Family
	cfg     Config
	ctx     context.Context // Cancelled by the caller, or by Close.
	cancel  context.CancelFunc
	resume  uint64
	tracker *sequence.Tracker
	seqs    *SequenceWriter
	workers []*worker

	// Context of worker transactions, which aren't cancelled once begun.
	writeCtx context.Context

	processed atomic.Int64
	reported  int64 // Portion of |processed| returned by WriteMessages.
	closed    bool

	failMu   sync.Mutex
	failure  error
	returned bool // Whether |failure| was returned by WriteMessages.

	queuedGauge prometheus.Gauge
	safeGauge   prometheus.Gauge
}

type worker struct {
	name     string
	sink     *sink.BatchSink
	queue    chan []claim.Change
	closeErr error // Read only after |doneCh|.
	doneCh   chan struct{}
}

// NewPool returns a Pool of |family| having Config.Workers workers, and starts
// its workers. Each worker, and the Pool's SequenceWriter, owns a BatchSink
// obtained from |factory|. The Pool resumes from the position read through
// the SequenceWriter's BatchSink.
func NewPool(ctx context.Context, family claim.Family, cfg Config, factory SinkFactory) (*Pool, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	var opened []io.Closer
	var abort = func(err error) (*Pool, error) {
		_ = sink.CloseAll(opened...)
		return nil, err
	}

	var progress, err = factory(ctx)
	if err != nil {
		return abort(errors.WithMessage(err, "building progress sink"))
	}
	opened = append(opened, progress)

	resume, err := progress.ReadMaxExistingSequenceNumber(ctx)
	if err != nil {
		return abort(errors.WithMessage(err, "reading resume position"))
	}

	var workers []*worker
	for i := 0; i != cfg.Workers; i++ {
		var bs, err = factory(ctx)
		if err != nil {
			return abort(errors.WithMessagef(err, "building sink of worker %d", i))
		}
		opened = append(opened, bs)

		workers = append(workers, &worker{
			name:   fmt.Sprintf("%s-%d", petname.Generate(2, "-"), i),
			sink:   bs,
			queue:  make(chan []claim.Change, cfg.QueueSize),
			doneCh: make(chan struct{}),
		})
	}

	var p = &Pool{
		family:      family,
		cfg:         cfg,
		resume:      resume,
		tracker:     sequence.NewTracker(resume),
		seqs:        NewSequenceWriter(ctx, family.Name, progress, cfg.Workers*cfg.QueueSize, cfg.EnqueueTimeout, resume),
		workers:     workers,
		queuedGauge: queuedBatches.WithLabelValues(family.Name),
		safeGauge:   safeResumeSequenceNumber.WithLabelValues(family.Name),
	}
	p.ctx, p.cancel = context.WithCancel(ctx)
	p.writeCtx = context.WithoutCancel(ctx)
	p.safeGauge.Set(float64(resume))

	for _, w := range workers {
		go p.serveWorker(w)
	}

	log.WithFields(log.Fields{
		"sink":    family.Name,
		"workers": cfg.Workers,
		"resume":  resume,
	}).Info("started sink pool")

	return p, nil
}

// WriteMessages implements sink.Sink. Changes are registered as in-flight,
// and are queued to workers before WriteMessages returns, but are written
// asynchronously. The returned count is of Messages written by workers since
// the last call.
func (p *Pool) WriteMessages(ctx context.Context, apiVersion string, msgs []claim.Message) (int, error) {
	if p.closed {
		return 0, &sink.ProcessingError{Err: sink.ErrClosed}
	} else if p.failed() {
		// Rejected, as the batch could not be written in feed order.
		return 0, p.fail(nil, true)
	}

	var changes, err = p.family.TransformAll(apiVersion, msgs)
	if err != nil {
		return 0, p.fail(err, true)
	}
	for _, c := range changes {
		if c.Kind == claim.Delete {
			return 0, p.fail(errors.WithMessagef(sink.ErrUnsupportedDelete,
				"sequence number %d", c.SequenceNumber), true)
		}
	}

	// Register all sequence numbers, in feed order, before any worker may
	// remove one of them.
	for _, c := range changes {
		p.tracker.AddActive(c.SequenceNumber)
	}

	var routed = make([][]claim.Change, len(p.workers))
	for _, c := range changes {
		var ind = xxhash.Sum64String(c.Claim.ClaimKey()) % uint64(len(p.workers))
		routed[ind] = append(routed[ind], c)
	}
	for ind, part := range routed {
		for len(part) != 0 {
			var n = min(len(part), p.cfg.BatchSize)

			if err = p.enqueue(ctx, p.workers[ind], part[:n]); err != nil {
				return 0, p.fail(err, true)
			}
			part = part[n:]
		}
	}

	var processed = p.processed.Load()
	var delta = processed - p.reported
	p.reported = processed

	return int(delta), nil
}

// ReadMaxExistingSequenceNumber implements sink.Sink. It returns the
// position from which the Pool resumed.
func (p *Pool) ReadMaxExistingSequenceNumber(context.Context) (uint64, error) {
	return p.resume, nil
}

// ProcessedCount implements sink.Sink.
func (p *Pool) ProcessedCount() int64 { return p.processed.Load() }

// SafeResumeSequenceNumber returns the Pool's current safe resume position.
func (p *Pool) SafeResumeSequenceNumber() uint64 { return p.tracker.SafeResumeSequenceNumber() }

// Close implements sink.Sink. Close waits up to Config.ShutdownWait for
// workers to drain their queues, and then persists the final safe resume
// position. It returns a worker failure not already returned by
// WriteMessages, as well as failures of shutdown.
//
// Batches of a worker which doesn't stop in time are abandoned. A transaction
// already in flight isn't cancelled: it either commits, or is rolled back by
// the store.
func (p *Pool) Close() error {
	if p.closed {
		return nil
	}
	p.closed = true

	for _, w := range p.workers {
		close(w.queue)
	}
	var waitCtx, waitCancel = context.WithTimeout(context.Background(), p.cfg.ShutdownWait)
	defer waitCancel()
	defer p.cancel()

	var closers []io.Closer
	for _, w := range p.workers {
		closers = append(closers, sink.CloserFunc(func() error {
			select {
			case <-w.doneCh:
				return w.closeErr
			case <-waitCtx.Done():
				return errors.Errorf("worker %s of %s did not stop within %s",
					w.name, p.family.Name, p.cfg.ShutdownWait)
			}
		}))
	}
	closers = append(closers,
		sink.CloserFunc(func() error { return p.seqs.Add(p.tracker.SafeResumeSequenceNumber()) }),
		p.seqs,
		sink.CloserFunc(p.takeFailure),
	)
	var err = sink.CloseAll(closers...)

	log.WithFields(log.Fields{
		"sink":      p.family.Name,
		"processed": p.processed.Load(),
		"persisted": p.seqs.Persisted(),
		"err":       err,
	}).Info("closed sink pool")

	return err
}

func (p *Pool) enqueue(ctx context.Context, w *worker, batch []claim.Change) error {
	select {
	case w.queue <- batch:
		p.queuedGauge.Inc()
		return nil
	default:
	}

	var timer = time.NewTimer(p.cfg.EnqueueTimeout)
	defer timer.Stop()

	select {
	case w.queue <- batch:
		p.queuedGauge.Inc()
		return nil
	case <-timer.C:
		return errors.WithMessagef(ErrEnqueueTimeout, "worker %s", w.name)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Pool) serveWorker(w *worker) {
	defer close(w.doneCh)

	for batch := range w.queue {
		p.queuedGauge.Dec()

		if p.failed() || p.ctx.Err() != nil {
			continue // Abandon without writing.
		}
		var n, err = w.sink.WriteBatch(p.writeCtx, batch)
		if err != nil {
			log.WithFields(log.Fields{
				"sink":   p.family.Name,
				"worker": w.name,
				"err":    err,
			}).Error("sink worker failed")
			_ = p.fail(err, false)
			continue
		}
		for _, c := range batch {
			p.tracker.RemoveWritten(c.SequenceNumber)
		}
		p.processed.Add(int64(n))

		var safe = p.tracker.SafeResumeSequenceNumber()
		p.safeGauge.Set(float64(safe))

		if err = p.seqs.Add(safe); err != nil {
			_ = p.fail(err, false)
		}
	}
	w.closeErr = w.sink.Close()
}

// fail records |err| as the Pool's failure, if it hasn't already failed,
// and returns the Pool's failure as a *sink.ProcessingError. If |returned|,
// the caller returns the failure.
func (p *Pool) fail(err error, returned bool) error {
	p.failMu.Lock()
	defer p.failMu.Unlock()

	if p.failure == nil && err != nil {
		var pe, ok = err.(*sink.ProcessingError)
		if !ok {
			pe = &sink.ProcessingError{Err: err}
		}
		p.failure = pe
	}
	p.returned = p.returned || returned
	return p.failure
}

func (p *Pool) failed() bool {
	p.failMu.Lock()
	defer p.failMu.Unlock()
	return p.failure != nil
}

// takeFailure returns a recorded failure not yet returned to the caller.
func (p *Pool) takeFailure() error {
	p.failMu.Lock()
	defer p.failMu.Unlock()

	if p.failure == nil || p.returned {
		return nil
	}
	p.returned = true
	return p.failure
}
