package sink

import (
	"context"
	"sync/atomic"

	log "github.com/sirupsen/logrus"
	"go.gazette.dev/claimsink/claim"
)

// Sink accepts batches of feed Messages of a claim.Family, and writes them
// to the store.
type Sink interface {
	// WriteMessages transforms and writes |msgs|, which were produced by the
	// feed under |apiVersion|. It returns the number of Messages which have
	// been durably written since the previous call. A Sink may write
	// asynchronously, in which case the returned count can include Messages
	// of prior calls and exclude some or all of |msgs|.
	//
	// A failure is returned as a *ProcessingError. The Sink is then unusable,
	// and the caller must Close it and resume from the persisted position.
	WriteMessages(ctx context.Context, apiVersion string, msgs []claim.Message) (int, error)
	// ReadMaxExistingSequenceNumber returns the sequence number after which
	// the feed should resume.
	ReadMaxExistingSequenceNumber(ctx context.Context) (uint64, error)
	// ProcessedCount returns the total number of Messages durably written.
	ProcessedCount() int64
	// Close the Sink, waiting for pending writes. Close returns any failure
	// not yet returned by WriteMessages.
	Close() error
}

// Single is a Sink which synchronously writes each batch through one
// BatchSink, and then persists the batch's largest sequence number as the
// resume position of the claim.Family.
type Single struct {
	sink      *BatchSink
	processed atomic.Int64
}

// NewSingle returns a Single which owns |sink|.
func NewSingle(sink *BatchSink) *Single { return &Single{sink: sink} }

// WriteMessages implements Sink.
func (s *Single) WriteMessages(ctx context.Context, apiVersion string, msgs []claim.Message) (int, error) {
	var family = s.sink.Family()

	var changes, err = family.TransformAll(apiVersion, msgs)
	if err != nil {
		return 0, &ProcessingError{Err: err}
	}
	n, err := s.sink.WriteBatch(ctx, changes)
	if err != nil {
		return 0, err
	}
	s.processed.Add(int64(n))

	// Progress is best-effort: should it fail, the batch is re-delivered
	// upon resume, and merged.
	if len(changes) != 0 {
		var seq = claim.MaxSequenceNumber(changes)
		if err = s.sink.UpdateLastSequenceNumber(ctx, seq); err != nil {
			log.WithFields(log.Fields{
				"sink": family.Name,
				"seq":  seq,
				"err":  err,
			}).Warn("failed to persist progress")
		}
	}
	return n, nil
}

// ReadMaxExistingSequenceNumber implements Sink.
func (s *Single) ReadMaxExistingSequenceNumber(ctx context.Context) (uint64, error) {
	return s.sink.ReadMaxExistingSequenceNumber(ctx)
}

// ProcessedCount implements Sink.
func (s *Single) ProcessedCount() int64 { return s.processed.Load() }

// Close implements Sink.
func (s *Single) Close() error { return CloseAll(s.sink) }
