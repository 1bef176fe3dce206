// Package runner performs one full sync of all feeds into the tracker.
package runner

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"calsync/internal/ics"
	appLog "calsync/internal/log"
	"calsync/internal/metrics"
	"calsync/internal/model"
	"calsync/internal/notify"
	"calsync/internal/reconcile"
	"calsync/internal/workspace"
)

// ErrRunInProgress is returned when Run is called while a run is active.
var ErrRunInProgress = errors.New("sync run already in progress")

// Feed is one calendar subscription and the area its events belong to.
type Feed struct {
	URL    string
	AreaID string
}

// Tracker is everything a run needs from the tracker.
type Tracker interface {
	workspace.Source
	reconcile.Tracker
	AreaTag(ctx context.Context, areaID string) (string, error)
}

type Fetcher interface {
	Fetch(ctx context.Context, src ics.Source) (ics.FetchResult, error)
}

type Importer interface {
	Import(src ics.Source, body []byte) ([]model.EventProps, error)
}

// FeedError records a feed that could not be imported. Its area is
// excluded from deletion for the run.
type FeedError struct {
	Index  int
	AreaID string
	URL    string // redacted
	Stage  string
	Err    error
}

func (e *FeedError) Error() string {
	return fmt.Sprintf("feed %d (%s, area %s) %s: %v", e.Index+1, e.URL, e.AreaID, e.Stage, e.Err)
}

func (e *FeedError) Unwrap() error {
	return e.Err
}

type Options struct {
	Tracker  Tracker
	Fetcher  Fetcher
	Importer Importer
	Feeds    []Feed

	Notifier notify.Notifier
	Metrics  *metrics.Metrics

	Location    *time.Location
	Now         func() time.Time
	Concurrency int
}

type Runner struct {
	opts Options

	running sync.Mutex

	mu   sync.RWMutex
	last *Report
}

func New(opts Options) *Runner {
	if opts.Location == nil {
		opts.Location = time.Local
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Notifier == nil {
		opts.Notifier = notify.Log{}
	}
	return &Runner{opts: opts}
}

// LastReport returns the report of the most recent finished run.
func (r *Runner) LastReport() (Report, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.last == nil {
		return Report{}, false
	}
	return *r.last, true
}

// Run syncs every feed once. Feeds are processed one after another so the
// claimed uid set is never raced; within a feed, tracker calls run
// concurrently. The returned error is non-nil when the report has failures.
func (r *Runner) Run(ctx context.Context) (Report, error) {
	if !r.running.TryLock() {
		return Report{}, ErrRunInProgress
	}
	defer r.running.Unlock()

	rep := Report{RunID: uuid.NewString(), Started: r.opts.Now(), Feeds: len(r.opts.Feeds)}
	appLog.Info("sync run start", "run_id", rep.RunID, "feeds", rep.Feeds)

	r.sync(ctx, &rep)

	rep.Finished = r.opts.Now()
	r.finish(ctx, &rep)
	return rep, rep.Err()
}

func (r *Runner) sync(ctx context.Context, rep *Report) {
	loc := r.opts.Location

	snap, err := workspace.Load(ctx, r.opts.Tracker, workspace.Options{
		Location:    loc,
		Now:         r.opts.Now,
		Concurrency: r.opts.Concurrency,
	})
	if err != nil {
		rep.WorkspaceErr = err
		appLog.Error("workspace load failed", err, "run_id", rep.RunID)
		return
	}
	rep.WorkspaceEvents = snap.Len()

	ix, integrity := reconcile.NewIndex(snap.Events())
	for _, e := range integrity {
		appLog.Error("workspace integrity", e, "run_id", rep.RunID)
	}
	rep.Integrity = integrity

	exec := &reconcile.Executor{
		Tracker:     r.opts.Tracker,
		Annotations: snap,
		Concurrency: r.opts.Concurrency,
	}

	claimed := reconcile.Claimed{}
	failedAreas := make(map[string]bool)
	for i, feed := range r.opts.Feeds {
		next, err := r.syncFeed(ctx, i, feed, ix, claimed, exec, rep)
		if err != nil {
			rep.FeedErrors = append(rep.FeedErrors, err)
			failedAreas[feed.AreaID] = true
			appLog.Error("feed failed", err, "run_id", rep.RunID, "feed", i+1, "area", feed.AreaID)
			continue
		}
		claimed = next
	}

	if ctx.Err() != nil {
		rep.Aborted = fmt.Errorf("deletes skipped: %w", ctx.Err())
		return
	}

	anyFailed := len(failedAreas) > 0
	deletes := reconcile.PlanDeletes(ix, claimed, func(ev model.EventProps) bool {
		area := snap.Area(ev.PageID)
		if area == "" {
			return anyFailed
		}
		return failedAreas[area]
	})
	rep.Outcome.Merge(exec.ApplyDeletes(ctx, deletes))
}

func (r *Runner) syncFeed(ctx context.Context, i int, feed Feed, ix *reconcile.Index, claimed reconcile.Claimed, exec *reconcile.Executor, rep *Report) (reconcile.Claimed, *FeedError) {
	fail := func(stage string, err error) *FeedError {
		return &FeedError{Index: i, AreaID: feed.AreaID, URL: ics.RedactURL(feed.URL), Stage: stage, Err: err}
	}

	tag, err := r.opts.Tracker.AreaTag(ctx, feed.AreaID)
	if err != nil {
		return nil, fail("area", err)
	}

	src := ics.Source{ID: fmt.Sprintf("feed-%d", i+1), URL: feed.URL, Tag: tag}
	res, err := r.opts.Fetcher.Fetch(ctx, src)
	if err != nil {
		return nil, fail("fetch", err)
	}

	events, err := r.opts.Importer.Import(src, res.Body)
	if err != nil {
		return nil, fail("import", err)
	}

	plan, next := reconcile.PlanFeed(events, ix, claimed)
	if len(plan.Skipped) > 0 {
		appLog.Warn("feed events skipped", "run_id", rep.RunID, "feed", i+1, "uids", strings.Join(plan.Skipped, ","))
	}
	appLog.Info("feed planned",
		"run_id", rep.RunID,
		"feed", i+1,
		"events", len(events),
		"updates", len(plan.Updates),
		"creates", len(plan.Creates),
		"unchanged", len(plan.Unchanged),
	)

	rep.Outcome.Merge(exec.ApplyFeed(ctx, plan, feed.AreaID))
	return next, nil
}

func (r *Runner) finish(ctx context.Context, rep *Report) {
	m := r.opts.Metrics
	m.ObserveRun(!rep.Failed(), rep.Finished, rep.Finished.Sub(rep.Started))
	m.SetWorkspaceEvents(rep.WorkspaceEvents)
	m.AddActions(string(reconcile.ActionCreate), rep.Outcome.Created)
	m.AddActions(string(reconcile.ActionUpdate), rep.Outcome.Updated)
	m.AddActions(string(reconcile.ActionArchive), rep.Outcome.Archived)
	m.AddActions(string(reconcile.ActionSoftDelete), rep.Outcome.SoftDeleted)
	m.AddWarnings(len(rep.Outcome.Warnings))
	if rep.WorkspaceErr != nil {
		m.AddFailures("workspace", 1)
	}
	m.AddFailures("feed", len(rep.FeedErrors))
	m.AddFailures("task", len(rep.Outcome.Failures))
	m.AddFailures("integrity", len(rep.Integrity))

	appLog.Info("sync run finished",
		"run_id", rep.RunID,
		"duration", rep.Finished.Sub(rep.Started).String(),
		"created", rep.Outcome.Created,
		"updated", rep.Outcome.Updated,
		"unchanged", rep.Outcome.Unchanged,
		"archived", rep.Outcome.Archived,
		"soft_deleted", rep.Outcome.SoftDeleted,
		"warnings", len(rep.Outcome.Warnings),
		"failed", rep.Failed(),
	)

	if rep.Failed() {
		// The run context may already be cancelled; the report should still
		// go out.
		nctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
		defer cancel()
		if err := r.opts.Notifier.Notify(nctx, rep.Subject(), rep.Summary()); err != nil {
			appLog.Error("notification failed", err, "run_id", rep.RunID)
		}
	}

	r.mu.Lock()
	last := *rep
	r.last = &last
	r.mu.Unlock()
}
