// Package pool provides a concurrent sink.Sink, which fans batches of claim
// Changes out to a fixed set of workers, each writing through its own
// sink.BatchSink.
//
// Changes are routed to workers on the hash of their claim key, so that
// changes of a claim are always written by the same worker in feed order.
// Workers commit independently and out of order with respect to one another.
// A sequence.Tracker follows which sequence numbers are still in flight, and
// a SequenceWriter persists the largest sequence number below which every
// change is known to be written. A restart resumes from that position, and
// at worst re-delivers changes which were already written.
package pool

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	queuedBatches = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "claimsink_pool_queued_batches",
		Help: "Number of batches queued to pool workers and not yet written, by sink.",
	}, []string{"sink"})
	safeResumeSequenceNumber = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "claimsink_safe_resume_sequence_number",
		Help: "Sequence number below which all changes are written, by sink.",
	}, []string{"sink"})
)
