// Package sequence tracks the sequence numbers of in-flight feed writes, and
// derives the highest sequence number through which a feed may be safely
// resumed.
//
// Concurrent writers complete batches out of order. Tracker reconciles their
// completions into a single safe-resume sequence number N, such that every
// sequence number <= N was either never active or has since been written.
// For example, with an initial safe-resume of 100 and active numbers
// {101, 102, 103, 104}:
//
//	RemoveWritten(102) => 100 (101 is unresolved; 102 is pending).
//	RemoveWritten(101) => 102 (101 and pending 102 fold in).
//	RemoveWritten(103) => 103
//	RemoveWritten(104) => 104 (no active numbers remain).
//
// Tracker relies on an invariant of its callers: every number below the
// largest active number must have been added by the time a larger number is
// removed. Writers satisfy it by registering numbers in feed order, before
// dispatching them for writing.
package sequence

import (
	"slices"
	"sync"
	"sync/atomic"
)

// Tracker computes a safe-resume sequence number from concurrent
// AddActive and RemoveWritten calls. It's safe for concurrent use.
type Tracker struct {
	mu         sync.Mutex
	active     []uint64 // Ordered numbers currently being written.
	pending    []uint64 // Ordered numbers written, but not yet folded into |safe|.
	maxWritten uint64   // Largest number ever removed.

	safe atomic.Uint64 // Read without |mu|.
}

// NewTracker returns a Tracker having the |initial| safe-resume sequence number.
func NewTracker(initial uint64) *Tracker {
	var t = new(Tracker)
	t.safe.Store(initial)
	return t
}

// AddActive marks |n| as being written. Adding an already-active number is a no-op.
func (t *Tracker) AddActive(n uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if i, ok := slices.BinarySearch(t.active, n); !ok {
		t.active = slices.Insert(t.active, i, n)
	}
}

// RemoveWritten marks |n| as durably written.
func (t *Tracker) RemoveWritten(n uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if i, ok := slices.BinarySearch(t.active, n); ok {
		t.active = slices.Delete(t.active, i, i+1)
	}
	if n > t.maxWritten {
		t.maxWritten = n
	}

	if len(t.active) == 0 {
		// Everything ever removed is now confirmed.
		t.pending = t.pending[:0]
		t.advance(t.maxWritten)
		return
	}

	if i, ok := slices.BinarySearch(t.pending, n); !ok {
		t.pending = slices.Insert(t.pending, i, n)
	}
	// Fold pending numbers which now precede the lowest active number.
	var j int
	for j != len(t.pending) && t.pending[j] < t.active[0] {
		j++
	}
	if j != 0 {
		t.advance(t.pending[j-1])
		t.pending = slices.Delete(t.pending, 0, j)
	}
}

// SafeResumeSequenceNumber returns the highest sequence number through which
// all active numbers have been written. It never decreases.
func (t *Tracker) SafeResumeSequenceNumber() uint64 { return t.safe.Load() }

// ActiveCount returns the number of currently active sequence numbers.
func (t *Tracker) ActiveCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	return len(t.active)
}

func (t *Tracker) advance(n uint64) {
	if n > t.safe.Load() {
		t.safe.Store(n)
	}
}
