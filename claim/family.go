package claim

import (
	"encoding/json"
	"math"
	"sort"

	"github.com/pkg/errors"
)

// Transformer transforms feed Messages into typed Changes.
type Transformer interface {
	// Transform the Message produced under |apiVersion|.
	Transform(apiVersion string, msg Message) (Change, error)
}

// Family is a type of claim having its own feed, Transformer, and table.
// Families share the same ingestion machinery, but never share sinks or
// metric series.
type Family struct {
	// Name of the Family, eg "fiss". Name is used to label metrics and to
	// key the Family's persisted progress.
	Name string
	// Table to which claims of the Family are written.
	Table       string
	Transformer Transformer
}

// TransformAll transforms each of |msgs|. An error of any Message fails the
// entire transformation.
func (f Family) TransformAll(apiVersion string, msgs []Message) ([]Change, error) {
	var out = make([]Change, 0, len(msgs))

	for _, msg := range msgs {
		var change, err = f.Transformer.Transform(apiVersion, msg)
		if err != nil {
			return nil, errors.WithMessagef(err, "transforming %s message %d", f.Name, msg.SequenceNumber)
		}
		out = append(out, change)
	}
	return out, nil
}

var (
	// Fiss is the Family of Fiscal Intermediary Shared System claims.
	Fiss = Family{Name: "fiss", Table: "fiss_claims", Transformer: fissTransformer{}}
	// Mcs is the Family of Multi-Carrier System claims.
	Mcs = Family{Name: "mcs", Table: "mcs_claims", Transformer: mcsTransformer{}}

	families = map[string]Family{
		Fiss.Name: Fiss,
		Mcs.Name:  Mcs,
	}
)

// Lookup the Family having |name|.
func Lookup(name string) (Family, error) {
	if f, ok := families[name]; ok {
		return f, nil
	}
	return Family{}, errors.Errorf("unknown claim family %q", name)
}

// Families returns all registered Families, ordered on Name.
func Families() []Family {
	var out []Family
	for _, f := range families {
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// SequenceNumberLimit is the largest sequence number of a Message.
// Stores persist sequence numbers as signed 64-bit integers.
const SequenceNumberLimit = math.MaxInt64

// decodeChange validates the common portions of |msg|, and decodes its Claim
// into |into|.
func decodeChange(apiVersion string, msg Message, into Claim) (Change, error) {
	if msg.SequenceNumber > SequenceNumberLimit {
		return Change{}, errors.Errorf("sequence number %d exceeds the maximum of %d",
			msg.SequenceNumber, uint64(SequenceNumberLimit))
	} else if err := msg.ChangeType.Validate(); err != nil {
		return Change{}, err
	} else if len(msg.Claim) == 0 {
		return Change{}, errors.New("message has no claim")
	} else if err = json.Unmarshal(msg.Claim, into); err != nil {
		return Change{}, errors.WithMessage(err, "decoding claim")
	} else if into.ClaimKey() == "" {
		return Change{}, errors.New("claim has an empty key")
	}

	return Change{
		Kind:           msg.ChangeType,
		SequenceNumber: msg.SequenceNumber,
		Timestamp:      msg.Timestamp,
		APIVersion:     apiVersion,
		Claim:          into,
	}, nil
}
