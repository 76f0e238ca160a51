package main

import (
	"context"
	"io"
	"os"
	"strconv"

	"github.com/dustin/go-humanize"
	"github.com/olekukonko/tablewriter"
	"github.com/pkg/errors"
	"go.gazette.dev/claimsink/store"
	"gopkg.in/yaml.v2"
)

type cmdStatus struct {
	Format string `long:"format" short:"o" default:"table" choice:"table" choice:"yaml" description:"Output format"`
}

// familyStatus is the status of a claim family.
type familyStatus struct {
	ClaimType string `yaml:"claim_type"`
	Table     string `yaml:"table"`
	// Progress is the persisted resume position, if any.
	Progress *uint64 `yaml:"progress"`
	// MaxClaimSequence is the largest sequence number of written claims, if any.
	MaxClaimSequence *uint64 `yaml:"max_claim_sequence"`
}

func (cmd *cmdStatus) Execute(args []string) error {
	var ctx = context.Background()

	var families, err = lookupFamilies(args)
	if err != nil {
		return err
	}
	db, err := store.Open(ctx, Config.Store)
	if err != nil {
		return err
	}
	defer db.Close()

	sess, err := db.NewSession(ctx)
	if err != nil {
		return err
	}
	defer sess.Close()

	var out []familyStatus
	for _, f := range families {
		var s = familyStatus{ClaimType: f.Name, Table: f.Table}

		if seq, ok, err := sess.ReadProgress(ctx, f.Name); err != nil {
			return err
		} else if ok {
			s.Progress = &seq
		}
		if seq, ok, err := sess.MaxSequenceNumber(ctx, f.Table); err != nil {
			return errors.WithMessage(err, "(has `schema` been run?)")
		} else if ok {
			s.MaxClaimSequence = &seq
		}
		out = append(out, s)
	}
	return writeStatus(os.Stdout, cmd.Format, out)
}

func writeStatus(w io.Writer, format string, statuses []familyStatus) error {
	if format == "yaml" {
		var b, err = yaml.Marshal(statuses)
		if err != nil {
			return err
		}
		_, err = w.Write(b)
		return err
	}

	var table = tablewriter.NewWriter(w)
	table.SetHeader([]string{"Claim Type", "Table", "Progress", "Max Claim Sequence"})

	for _, s := range statuses {
		table.Append([]string{s.ClaimType, s.Table, formatSeq(s.Progress), formatSeq(s.MaxClaimSequence)})
	}
	table.Render()
	return nil
}

func formatSeq(seq *uint64) string {
	if seq == nil {
		return "-"
	} else if *seq >= 1e6 {
		return strconv.FormatUint(*seq, 10) + " (" + humanize.SIWithDigits(float64(*seq), 1, "") + ")"
	}
	return strconv.FormatUint(*seq, 10)
}
