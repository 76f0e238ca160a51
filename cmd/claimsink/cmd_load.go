package main

import (
	"context"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"go.gazette.dev/claimsink/claim"
	"go.gazette.dev/claimsink/feed"
	mbp "go.gazette.dev/claimsink/mainboilerplate"
	"go.gazette.dev/claimsink/pool"
	"go.gazette.dev/claimsink/sink"
	"go.gazette.dev/claimsink/store"
	"go.gazette.dev/claimsink/task"
)

type cmdLoad struct {
	EnsureSchema bool `long:"ensure-schema" description:"Create tables of loaded claim families, if they don't exist"`
}

// feedSpec is a FAMILY:PATH argument of the load command.
type feedSpec struct {
	family claim.Family
	path   string
}

func parseFeedSpec(arg string) (feedSpec, error) {
	var name, path, ok = strings.Cut(arg, ":")
	if !ok || path == "" {
		return feedSpec{}, errors.Errorf("invalid feed %q (expected FAMILY:PATH)", arg)
	}
	var family, err = claim.Lookup(name)
	if err != nil {
		return feedSpec{}, err
	}
	return feedSpec{family: family, path: path}, nil
}

func (cmd *cmdLoad) Execute(args []string) error {
	var ready, recoverFn = mbp.InitDiagnosticsAndRecover(Config.Diagnostics)
	defer recoverFn()
	mbp.InitLog(Config.Log)

	if len(args) == 0 {
		return errors.New("expected at least one FAMILY:PATH feed")
	}
	var specs []feedSpec
	for _, arg := range args {
		var spec, err = parseFeedSpec(arg)
		if err != nil {
			return err
		}
		specs = append(specs, spec)
	}

	var ctx, stop = signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	var db, err = store.Open(ctx, Config.Store)
	mbp.Must(err, "failed to open store")
	defer db.Close()

	if cmd.EnsureSchema {
		var tables []string
		for _, spec := range specs {
			tables = append(tables, spec.family.Table)
		}
		mbp.Must(db.EnsureSchema(ctx, tables...), "failed to ensure schema")
	}

	var tasks = task.NewGroup(ctx)
	var fs = afero.NewOsFs()

	for _, spec := range specs {
		tasks.Queue("load "+spec.family.Name+" from "+spec.path, func() error {
			return loadFeed(tasks.Context(), db, fs, spec)
		})
	}
	tasks.GoRun()
	ready.MarkReady()

	err = tasks.Wait()

	for _, o := range tasks.Outcomes() {
		log.WithFields(log.Fields{
			"feed":        o.Desc,
			"duration":    o.Duration.Round(time.Millisecond),
			"interrupted": o.Interrupted,
			"err":         o.Err,
		}).Info("feed load exited")
	}
	if err != nil {
		return err
	} else if tasks.Interrupted() {
		log.Info("load interrupted by signal; it will resume when re-run")
		return nil
	}
	log.Info("goodbye")
	return nil
}

func loadFeed(ctx context.Context, db *store.DB, fs afero.Fs, spec feedSpec) error {
	var src, err = feed.OpenFile(fs, spec.path, feed.Codec(Config.Feed.Codec))
	if err != nil {
		return err
	}
	defer src.Close()

	snk, err := pool.New(ctx, spec.family, Config.Sink, func(ctx context.Context) (*sink.BatchSink, error) {
		var sess, err = db.NewSession(ctx)
		if err != nil {
			return nil, err
		}
		return sink.NewBatchSink(spec.family, sess), nil
	})
	if err != nil {
		return errors.WithMessage(err, "building sink")
	}

	stats, err := feed.Run(ctx, feed.RunArgs{
		Family:           spec.family,
		Source:           src,
		Sink:             snk,
		APIVersion:       Config.Feed.APIVersion,
		BatchSize:        Config.Feed.ReadBatch,
		ProgressInterval: Config.Feed.ProgressInterval,
	})
	if err != nil {
		return err
	}

	log.WithFields(log.Fields{
		"run":     stats.RunID,
		"sink":    spec.family.Name,
		"path":    spec.path,
		"resume":  stats.Resume,
		"written": stats.Written,
		"last":    stats.Last,
	}).Info("loaded feed")

	return nil
}
