// Package sink applies batches of claim Changes to the store.
//
// A BatchSink owns a single store.Session and writes each batch within one
// transaction. The first attempt optimistically inserts new claims. Should
// the store report a duplicate key (as it will when a batch is re-delivered
// after a restart), the transaction is rolled back and the batch is retried
// as an upsert of every claim, which merges it over existing rows.
//
// Sink is the interface through which the feed loop hands Messages to be
// written. Single adapts one BatchSink to Sink. The pool package provides
// a concurrent Sink over many BatchSinks.
package sink

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	callsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "claimsink_calls_total",
		Help: "Total number of batch writes attempted, by sink.",
	}, []string{"sink"})
	successesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "claimsink_successes_total",
		Help: "Total number of batch writes which committed, by sink.",
	}, []string{"sink"})
	failuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "claimsink_failures_total",
		Help: "Total number of batch writes which failed, by sink.",
	}, []string{"sink"})
	writesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "claimsink_writes_total",
		Help: "Total number of claims written, by sink.",
	}, []string{"sink"})
	writesPersistedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "claimsink_writes_persisted_total",
		Help: "Total number of claims written by an optimistic insert, by sink.",
	}, []string{"sink"})
	writesMergedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "claimsink_writes_merged_total",
		Help: "Total number of claims merged over existing rows by upsert, by sink.",
	}, []string{"sink"})
	changeLatencyMillis = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "claimsink_change_latency_millis",
		Help:    "Milliseconds between an upstream change and its write, by sink.",
		Buckets: prometheus.ExponentialBuckets(1, 4, 12),
	}, []string{"sink"})
	latestSequenceNumber = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "claimsink_latest_sequence_number",
		Help: "Largest sequence number of the last committed batch, by sink.",
	}, []string{"sink"})
)
