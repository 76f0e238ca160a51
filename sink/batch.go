package sink

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"
	"go.gazette.dev/claimsink/claim"
	"go.gazette.dev/claimsink/store"
)

// BatchSink writes batches of Changes of a claim.Family through a single,
// exclusively owned store.Session. A BatchSink is not safe for concurrent use,
// with the exception of LatestSequenceNumber.
type BatchSink struct {
	family  claim.Family
	session *store.Session
	now     func() time.Time
	latest  atomic.Uint64
	closed  bool

	calls, successes, failures prometheus.Counter
	writes, persisted, merged  prometheus.Counter
	latency                    prometheus.Observer
	latestGauge                prometheus.Gauge
}

// NewBatchSink returns a BatchSink of the |family| which writes through
// |session|. The BatchSink takes ownership of |session|, and closes it when
// the BatchSink is closed.
func NewBatchSink(family claim.Family, session *store.Session) *BatchSink {
	return &BatchSink{
		family:      family,
		session:     session,
		now:         time.Now,
		calls:       callsTotal.WithLabelValues(family.Name),
		successes:   successesTotal.WithLabelValues(family.Name),
		failures:    failuresTotal.WithLabelValues(family.Name),
		writes:      writesTotal.WithLabelValues(family.Name),
		persisted:   writesPersistedTotal.WithLabelValues(family.Name),
		merged:      writesMergedTotal.WithLabelValues(family.Name),
		latency:     changeLatencyMillis.WithLabelValues(family.Name),
		latestGauge: latestSequenceNumber.WithLabelValues(family.Name),
	}
}

// Family returns the claim.Family of the BatchSink.
func (s *BatchSink) Family() claim.Family { return s.family }

// WriteBatch writes |changes| within a single transaction, and returns the
// number of Changes written. On failure nothing is written, and the returned
// error is a *ProcessingError. If several Changes share a claim key, only the
// last is written.
func (s *BatchSink) WriteBatch(ctx context.Context, changes []claim.Change) (int, error) {
	if s.closed {
		return 0, &ProcessingError{Err: ErrClosed}
	}
	s.calls.Inc()

	var rows, err = s.buildRows(changes)
	if err != nil {
		s.failures.Inc()
		return 0, &ProcessingError{Err: err}
	} else if len(rows) == 0 {
		s.successes.Inc()
		return 0, nil
	}
	// Determined prior to writing, so that it's already known upon commit.
	var maxSeq = claim.MaxSequenceNumber(changes)

	var merged bool
	if err = s.apply(ctx, rows, false); store.IsDuplicateKey(err) {
		log.WithFields(log.Fields{
			"sink":   s.family.Name,
			"size":   len(rows),
			"maxSeq": maxSeq,
			"err":    err,
		}).Warn("batch has existing claims; retrying as upsert")

		err, merged = s.apply(ctx, rows, true), true
	}
	if err != nil {
		s.failures.Inc()
		log.WithFields(log.Fields{
			"sink":   s.family.Name,
			"size":   len(rows),
			"maxSeq": maxSeq,
			"err":    err,
		}).Error("failed to write batch")

		return 0, &ProcessingError{Err: err}
	}

	s.successes.Inc()
	s.writes.Add(float64(len(rows)))
	if merged {
		s.merged.Add(float64(len(rows)))
	} else {
		s.persisted.Add(float64(len(rows)))
	}

	var now = s.now()
	for _, c := range changes {
		if c.Timestamp.IsZero() {
			continue
		}
		var millis = now.Sub(c.Timestamp).Milliseconds()
		if millis < 0 {
			millis = 0 // Clock skew.
		}
		s.latency.Observe(float64(millis))
	}

	s.latestGauge.Set(float64(maxSeq))
	s.latest.Store(maxSeq)

	log.WithFields(log.Fields{
		"sink":   s.family.Name,
		"size":   len(rows),
		"maxSeq": maxSeq,
		"merged": merged,
	}).Debug("wrote batch")

	return len(changes), nil
}

// LatestSequenceNumber returns the largest sequence number of the most
// recently committed batch, or zero if no batch has committed.
func (s *BatchSink) LatestSequenceNumber() uint64 { return s.latest.Load() }

// UpdateLastSequenceNumber persists |seq| as the resume position of the
// BatchSink's claim.Family. A smaller position than one already persisted is
// ignored.
func (s *BatchSink) UpdateLastSequenceNumber(ctx context.Context, seq uint64) error {
	return s.session.WriteProgress(ctx, s.family.Name, seq)
}

// ReadMaxExistingSequenceNumber returns the sequence number after which the
// feed should resume. It's the persisted resume position if there is one,
// or otherwise the largest sequence number of the family's written claims,
// or otherwise zero.
func (s *BatchSink) ReadMaxExistingSequenceNumber(ctx context.Context) (uint64, error) {
	if seq, ok, err := s.session.ReadProgress(ctx, s.family.Name); err != nil {
		return 0, err
	} else if ok {
		return seq, nil
	}
	var seq, _, err = s.session.MaxSequenceNumber(ctx, s.family.Table)
	return seq, err
}

// Close the BatchSink and its store.Session.
func (s *BatchSink) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	return s.session.Close()
}

type pendingRow struct {
	kind claim.Kind
	row  store.Row
}

// buildRows maps |changes| into rows to write, retaining only the last
// Change of each claim key.
func (s *BatchSink) buildRows(changes []claim.Change) ([]pendingRow, error) {
	var (
		out   = make([]pendingRow, 0, len(changes))
		index = make(map[string]int, len(changes))
	)
	for _, c := range changes {
		if c.Kind == claim.Delete {
			return nil, errors.WithMessagef(ErrUnsupportedDelete, "sequence number %d", c.SequenceNumber)
		}
		var body, err = json.Marshal(c.Claim)
		if err != nil {
			return nil, errors.WithMessagef(err, "encoding claim of sequence number %d", c.SequenceNumber)
		}
		var key = c.Claim.ClaimKey()
		var p = pendingRow{
			kind: c.Kind,
			row: store.Row{
				ClaimID:        key,
				SequenceNumber: c.SequenceNumber,
				APISource:      c.APIVersion,
				LastUpdated:    c.Timestamp.UnixMicro(),
				Claim:          string(body),
			},
		}
		if ind, ok := index[key]; ok {
			// Supersedes an earlier Change of the claim.
			p.kind = claim.Update
			out[ind] = p
		} else {
			index[key] = len(out)
			out = append(out, p)
		}
	}
	return out, nil
}

// apply |rows| within a transaction. Unless |upsertAll|, INSERT rows are
// written as new rows.
func (s *BatchSink) apply(ctx context.Context, rows []pendingRow, upsertAll bool) error {
	var txn, err = s.session.Begin(ctx)
	if err != nil {
		return err
	}
	for _, p := range rows {
		if upsertAll || p.kind != claim.Insert {
			err = txn.Upsert(s.family.Table, p.row)
		} else {
			err = txn.Insert(s.family.Table, p.row)
		}
		if err != nil {
			_ = txn.Rollback()
			return errors.WithMessagef(err, "writing claim %s", p.row.ClaimID)
		}
	}
	if err = txn.Commit(); err != nil {
		return errors.WithMessage(err, "commit")
	}
	return nil
}
