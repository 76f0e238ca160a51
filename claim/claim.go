// Package claim models the change events of a claims change feed, and the
// typed claim Changes they transform into. A Message is the unit delivered by
// the upstream feed: an opaque claim payload, its change kind, and a global
// sequence number which defines its identity and order. A Family binds a
// claim type (eg, "fiss" or "mcs") to the Transformer which decodes its
// Messages, and to the table its claims are persisted in.
package claim

import (
	"encoding/json"
	"time"

	"github.com/pkg/errors"
)

// Kind is the kind of change a Message represents.
type Kind string

const (
	// Insert of a claim not previously seen by the feed.
	Insert Kind = "INSERT"
	// Update of an existing claim.
	Update Kind = "UPDATE"
	// Delete of an existing claim. Deletes are recognized, but cannot be applied.
	Delete Kind = "DELETE"
)

// Validate returns an error if the Kind is not recognized.
func (k Kind) Validate() error {
	switch k {
	case Insert, Update, Delete:
		return nil
	default:
		return errors.Errorf("unknown change kind %q", string(k))
	}
}

// Message is a change event of the upstream feed.
type Message struct {
	// SequenceNumber assigned by the feed. Unique and strictly increasing
	// within a single feed.
	SequenceNumber uint64 `json:"seq"`
	// ChangeType of the Message.
	ChangeType Kind `json:"changeType"`
	// Timestamp at which the change was made upstream.
	Timestamp time.Time `json:"timestamp"`
	// Claim is the encoded claim aggregate, in the representation
	// understood by the Family's Transformer.
	Claim json.RawMessage `json:"claim"`
}

// Claim is a claim aggregate which may be persisted.
type Claim interface {
	// ClaimKey uniquely identifies the claim within its Family.
	ClaimKey() string
}

// Change is a Message which has been transformed into a typed Claim.
type Change struct {
	Kind           Kind
	SequenceNumber uint64
	Timestamp      time.Time
	// APIVersion of the feed which produced the Change. It's recorded with
	// the persisted claim, and does not otherwise affect write semantics.
	APIVersion string
	Claim      Claim
}

// MaxSequenceNumber returns the largest SequenceNumber of |changes|, or zero
// if |changes| is empty.
func MaxSequenceNumber(changes []Change) uint64 {
	var max uint64
	for _, c := range changes {
		if c.SequenceNumber > max {
			max = c.SequenceNumber
		}
	}
	return max
}
