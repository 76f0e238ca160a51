// Package task runs groups of concurrent, preemptable tasks.
package task

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// Group runs described tasks concurrently, and waits for all of them.
// The first task to fail cancels the Group's Context. Group is not itself
// thread-safe.
//
// A task which returns context.Canceled after the parent Context of the
// Group was cancelled is interrupted, rather than failed: Wait doesn't
// return its error, and Interrupted reports it.
type Group struct {
	parent   context.Context
	ctx      context.Context // Watched by tasks, which return upon its cancellation.
	cancelFn context.CancelFunc

	tasks   []task
	eg      *errgroup.Group
	started bool

	mu       sync.Mutex
	outcomes []Outcome
}

type task struct {
	desc string
	fn   func() error
}

// Outcome is the result of a task of a Group.
type Outcome struct {
	Desc        string
	Err         error
	Interrupted bool
	Duration    time.Duration
}

// NewGroup returns a new, empty Group with the given parent Context.
func NewGroup(ctx context.Context) *Group {
	var inner, cancel = context.WithCancel(ctx)
	var eg, egCtx = errgroup.WithContext(inner)
	return &Group{parent: ctx, ctx: egCtx, eg: eg, cancelFn: cancel}
}

// Context returns the Group Context.
func (g *Group) Context() context.Context { return g.ctx }

// Cancel the Group Context. Tasks interrupted by Cancel have failed.
func (g *Group) Cancel() { g.cancelFn() }

// Queue a described task. Queue panics if called after GoRun.
func (g *Group) Queue(desc string, fn func() error) {
	if g.started {
		panic("Queue called after GoRun")
	}
	g.tasks = append(g.tasks, task{desc: desc, fn: fn})
}

// GoRun all queued tasks. GoRun panics if called more than once.
func (g *Group) GoRun() {
	if g.started {
		panic("GoRun already called")
	}
	g.started = true

	for _, t := range g.tasks {
		g.eg.Go(func() error { return g.run(t) })
	}
}

// Wait for started tasks, returning after all complete. It returns the
// first error of a failed task, and panics if GoRun wasn't called.
func (g *Group) Wait() error {
	if !g.started {
		panic("Wait called before GoRun")
	}
	defer g.cancelFn()
	return g.eg.Wait()
}

// Interrupted returns whether any task was interrupted by cancellation of
// the parent Context. It's valid after Wait.
func (g *Group) Interrupted() bool {
	for _, o := range g.Outcomes() {
		if o.Interrupted {
			return true
		}
	}
	return false
}

// Outcomes of completed tasks, in completion order. It's valid after Wait.
func (g *Group) Outcomes() []Outcome {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]Outcome(nil), g.outcomes...)
}

func (g *Group) run(t task) error {
	var started = time.Now()
	var err = t.fn()

	var o = Outcome{
		Desc:        t.desc,
		Err:         err,
		Interrupted: err != nil && g.parent.Err() != nil && errors.Cause(err) == context.Canceled,
		Duration:    time.Since(started),
	}
	g.mu.Lock()
	g.outcomes = append(g.outcomes, o)
	g.mu.Unlock()

	log.WithFields(log.Fields{
		"task":        o.Desc,
		"err":         o.Err,
		"interrupted": o.Interrupted,
		"duration":    o.Duration,
	}).Debug("task exited")

	if o.Interrupted {
		return nil
	}
	return errors.WithMessage(err, t.desc)
}
