// Package feed reads the claims change feed, and drives its Messages into a
// sink.Sink. A run resumes after the last sequence number known to be
// written, and Messages at or before it are skipped. Skipped and re-written
// Messages are harmless: writes of the sink are idempotent.
package feed

import (
	"context"
	"io"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"go.gazette.dev/claimsink/claim"
	"go.gazette.dev/claimsink/sink"
)

// RunArgs are arguments of Run.
type RunArgs struct {
	// Family of the feed.
	Family claim.Family
	// Source of feed Messages.
	Source Source
	// Sink to which Messages are written. Run closes the Sink upon return.
	Sink sink.Sink
	// APIVersion of the feed.
	APIVersion string
	// BatchSize is the maximum number of Messages of a WriteMessages call.
	BatchSize int
	// ProgressInterval between logged progress updates. Zero disables them.
	ProgressInterval time.Duration
}

// Stats summarize a run.
type Stats struct {
	// RunID uniquely identifies the run in logs.
	RunID string
	// Resume is the sequence number after which the run resumed.
	Resume uint64
	// Read is the number of Messages read from the Source.
	Read int64
	// Skipped is the number of read Messages at or before Resume.
	Skipped int64
	// Written is the number of Messages written by the Sink.
	Written int64
	// Last is the sequence number of the last Message passed to the Sink.
	Last uint64
	// Elapsed duration of the run.
	Elapsed time.Duration
}

// Run reads all Messages of the Source, and writes those following the
// Sink's resume position to the Sink in batches. It returns when the Source
// is exhausted, the Context is cancelled, or the Sink fails. A failure of the
// Sink is returned as a *sink.ProcessingError.
func Run(ctx context.Context, args RunArgs) (stats Stats, err error) {
	if args.BatchSize < 1 {
		return stats, errors.Errorf("invalid BatchSize (%d; expected >= 1)", args.BatchSize)
	}
	var (
		started = time.Now()
		logged  = started
		batch   = make([]claim.Message, 0, args.BatchSize)
	)
	stats.RunID = uuid.NewString()

	var entry = log.WithFields(log.Fields{
		"run":  stats.RunID,
		"sink": args.Family.Name,
	})

	defer func() {
		var closeErr = args.Sink.Close()
		if closeErr != nil && err == nil {
			err = closeErr
		} else if closeErr != nil {
			entry.WithField("err", closeErr).Warn("failed to close sink")
		}
		stats.Written = args.Sink.ProcessedCount()
		stats.Elapsed = time.Since(started)

		entry.WithFields(log.Fields{
			"read":    humanize.Comma(stats.Read),
			"skipped": humanize.Comma(stats.Skipped),
			"written": humanize.Comma(stats.Written),
			"last":    stats.Last,
			"elapsed": stats.Elapsed.Round(time.Millisecond).String(),
			"err":     err,
		}).Info("feed run finished")
	}()

	if stats.Resume, err = args.Sink.ReadMaxExistingSequenceNumber(ctx); err != nil {
		return stats, errors.WithMessage(err, "reading resume position")
	}
	entry.WithField("resume", stats.Resume).Info("starting feed run")

	var flush = func() error {
		if len(batch) == 0 {
			return nil
		}
		if _, err := args.Sink.WriteMessages(ctx, args.APIVersion, batch); err != nil {
			return err
		}
		stats.Last = batch[len(batch)-1].SequenceNumber
		// The Sink may retain |batch|, so it's not re-used.
		batch = make([]claim.Message, 0, args.BatchSize)
		return nil
	}

	for {
		if err = ctx.Err(); err != nil {
			return stats, err
		}

		var msg, err = args.Source.Next()
		if err == io.EOF {
			return stats, flush()
		} else if err != nil {
			return stats, err
		}
		stats.Read++

		if msg.SequenceNumber <= stats.Resume {
			stats.Skipped++
			continue
		}
		if batch = append(batch, msg); len(batch) == args.BatchSize {
			if err = flush(); err != nil {
				return stats, err
			}
		}

		if args.ProgressInterval != 0 && time.Since(logged) >= args.ProgressInterval {
			logged = time.Now()

			var rate = float64(stats.Read) / time.Since(started).Seconds()
			entry.WithFields(log.Fields{
				"read":      humanize.Comma(stats.Read),
				"processed": humanize.Comma(args.Sink.ProcessedCount()),
				"rate":      humanize.CommafWithDigits(rate, 1) + "/s",
				"last":      stats.Last,
			}).Info("feed run progress")
		}
	}
}
