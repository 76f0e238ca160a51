package main

import (
	"context"
	"time"

	"github.com/jessevdk/go-flags"
	log "github.com/sirupsen/logrus"
	"go.gazette.dev/claimsink/claim"
	mbp "go.gazette.dev/claimsink/mainboilerplate"
	"go.gazette.dev/claimsink/pool"
	"go.gazette.dev/claimsink/store"
)

const iniFilename = "claimsink.ini"

// Config is the top-level configuration object of claimsink.
var Config = new(struct {
	Store store.Config `group:"Store" namespace:"store" env-namespace:"STORE"`
	Sink  pool.Config  `group:"Sink" namespace:"sink" env-namespace:"SINK"`

	Feed struct {
		Codec            string        `long:"codec" env:"CODEC" default:"auto" choice:"auto" choice:"none" choice:"gzip" choice:"snappy" choice:"zstd" description:"Compression codec of feed files. Auto selects from the file extension"`
		APIVersion       string        `long:"api-version" env:"API_VERSION" default:"v1" description:"API version of the feed, recorded with written claims"`
		ReadBatch        int           `long:"read-batch" env:"READ_BATCH" default:"500" description:"Number of feed messages handed to the sink at once"`
		ProgressInterval time.Duration `long:"progress-interval" env:"PROGRESS_INTERVAL" default:"30s" description:"Interval between logged progress updates of a feed"`
	} `group:"Feed" namespace:"feed" env-namespace:"FEED"`

	Log         mbp.LogConfig         `group:"Logging" namespace:"log" env-namespace:"LOG"`
	Diagnostics mbp.DiagnosticsConfig `group:"Debug" namespace:"debug" env-namespace:"DEBUG"`
})

type cmdSchema struct{}

func (cmdSchema) Execute(args []string) error {
	mbp.InitLog(Config.Log)

	var families, err = lookupFamilies(args)
	if err != nil {
		return err
	}
	db, err := store.Open(context.Background(), Config.Store)
	if err != nil {
		return err
	}
	defer db.Close()

	var tables []string
	for _, f := range families {
		tables = append(tables, f.Table)
	}
	if err = db.EnsureSchema(context.Background(), tables...); err != nil {
		return err
	}
	log.WithFields(log.Fields{
		"dialect": db.Dialect(),
		"tables":  tables,
	}).Info("ensured schema")
	return nil
}

// lookupFamilies returns the claim.Families of |names|, or all Families if
// |names| is empty.
func lookupFamilies(names []string) ([]claim.Family, error) {
	if len(names) == 0 {
		return claim.Families(), nil
	}
	var out []claim.Family
	for _, name := range names {
		var f, err = claim.Lookup(name)
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, nil
}

func main() {
	var parser = flags.NewParser(Config, flags.Default)

	_, _ = parser.AddCommand("load", "Load claims change feeds into the store", `
Load one or more claims change feeds, each given as a FAMILY:PATH argument,
into the store. Feeds are loaded concurrently. Each resumes after the last
sequence number known to be written to the store for its claim family, so
an interrupted load may be safely re-run.
`, &cmdLoad{})

	_, _ = parser.AddCommand("schema", "Create claim and progress tables", `
Create the progress table, and the claim table of each named claim family
(or of all families, if none are named), if they don't already exist.
`, &cmdSchema{})

	_, _ = parser.AddCommand("status", "Print the persisted progress of claim families", `
Print, for each claim family, its persisted resume position and the largest
sequence number of its written claims.
`, &cmdStatus{})

	mbp.AddPrintConfigCmd(parser, iniFilename)
	mbp.MustParseConfig(parser, iniFilename)
}
