package reconcile

import (
	"context"
	"fmt"

	"github.com/sourcegraph/conc/panics"
	"github.com/sourcegraph/conc/pool"

	appLog "calsync/internal/log"
	"calsync/internal/model"
	"calsync/internal/tracker"
)

const defaultConcurrency = 4

// Tracker is the write side of the tracker.
type Tracker interface {
	CreatePage(ctx context.Context, ev model.EventProps, areaID string) (string, error)
	UpdatePage(ctx context.Context, pageID string, next, prev model.EventProps, areaID string) error
	ArchivePage(ctx context.Context, pageID string) error
	SoftDeletePage(ctx context.Context, pageID, title string) error
	HasChildContent(ctx context.Context, pageID string) (bool, error)
}

// Annotations tells whether a human has commented on a page.
type Annotations interface {
	HasForeignComments(pageID string) bool
}

type Action string

const (
	ActionCreate     Action = "create"
	ActionUpdate     Action = "update"
	ActionArchive    Action = "archive"
	ActionSoftDelete Action = "soft_delete"
)

// Result is the outcome of a single task.
type Result struct {
	Action Action
	UID    string
	PageID string
	Title  string
	Err    error
}

// Outcome aggregates task results.
type Outcome struct {
	Created     int
	Updated     int
	Unchanged   int
	SoftDeleted int
	Archived    int

	// Warnings are rejected payloads; they do not fail a run.
	Warnings []error
	Failures []error
}

func (o *Outcome) Merge(other Outcome) {
	o.Created += other.Created
	o.Updated += other.Updated
	o.Unchanged += other.Unchanged
	o.SoftDeleted += other.SoftDeleted
	o.Archived += other.Archived
	o.Warnings = append(o.Warnings, other.Warnings...)
	o.Failures = append(o.Failures, other.Failures...)
}

func (o *Outcome) add(r Result) {
	if r.Err != nil {
		err := fmt.Errorf("%s %q (uid %s): %w", r.Action, r.Title, r.UID, r.Err)
		if tracker.IsValidation(r.Err) {
			o.Warnings = append(o.Warnings, err)
			return
		}
		appLog.Error("sync task failed", r.Err, "action", string(r.Action), "uid", r.UID, "page_id", r.PageID)
		o.Failures = append(o.Failures, err)
		return
	}

	appLog.Info("sync task done", "action", string(r.Action), "uid", r.UID, "page_id", r.PageID, "title", r.Title)
	switch r.Action {
	case ActionCreate:
		o.Created++
	case ActionUpdate:
		o.Updated++
	case ActionArchive:
		o.Archived++
	case ActionSoftDelete:
		o.SoftDeleted++
	}
}

// Executor applies plans with bounded concurrency. A failing or panicking
// task never affects its siblings.
type Executor struct {
	Tracker     Tracker
	Annotations Annotations
	Concurrency int
}

// ApplyFeed runs all updates, waits for them, then runs all creates.
func (x *Executor) ApplyFeed(ctx context.Context, plan Plan, areaID string) Outcome {
	out := Outcome{Unchanged: len(plan.Unchanged)}

	for _, r := range x.run(ctx, len(plan.Updates), func(ctx context.Context, i int, res *Result) {
		u := plan.Updates[i]
		*res = Result{Action: ActionUpdate, UID: u.Next.UID, PageID: u.Prev.PageID, Title: u.Next.Title}
		res.Err = x.Tracker.UpdatePage(ctx, u.Prev.PageID, u.Next, u.Prev, areaID)
	}) {
		out.add(r)
	}

	for _, r := range x.run(ctx, len(plan.Creates), func(ctx context.Context, i int, res *Result) {
		ev := plan.Creates[i]
		*res = Result{Action: ActionCreate, UID: ev.UID, Title: ev.Title}
		res.PageID, res.Err = x.Tracker.CreatePage(ctx, ev, areaID)
	}) {
		out.add(r)
	}

	return out
}

// ApplyDeletes removes pages. A page with body content or comments from
// someone other than the integration is soft-deleted, anything else is
// archived.
func (x *Executor) ApplyDeletes(ctx context.Context, deletes []model.EventProps) Outcome {
	var out Outcome
	for _, r := range x.run(ctx, len(deletes), func(ctx context.Context, i int, res *Result) {
		x.delete(ctx, deletes[i], res)
	}) {
		out.add(r)
	}
	return out
}

func (x *Executor) delete(ctx context.Context, ev model.EventProps, res *Result) {
	*res = Result{Action: ActionArchive, UID: ev.UID, PageID: ev.PageID, Title: ev.Title}

	annotated := x.Annotations != nil && x.Annotations.HasForeignComments(ev.PageID)
	if !annotated {
		has, err := x.Tracker.HasChildContent(ctx, ev.PageID)
		if err != nil {
			res.Err = err
			return
		}
		annotated = has
	}

	if annotated {
		res.Action = ActionSoftDelete
		res.Err = x.Tracker.SoftDeletePage(ctx, ev.PageID, ev.Title)
		return
	}
	res.Err = x.Tracker.ArchivePage(ctx, ev.PageID)
}

// run executes n tasks and returns their results in task order. Each task
// fills only its own slot; a panic is stored as the slot's error.
func (x *Executor) run(ctx context.Context, n int, task func(ctx context.Context, i int, res *Result)) []Result {
	results := make([]Result, n)
	if n == 0 {
		return results
	}

	limit := x.Concurrency
	if limit <= 0 {
		limit = defaultConcurrency
	}

	p := pool.New().WithMaxGoroutines(limit)
	for i := 0; i < n; i++ {
		p.Go(func() {
			if rec := panics.Try(func() { task(ctx, i, &results[i]) }); rec != nil {
				results[i].Err = rec.AsError()
			}
		})
	}
	p.Wait()
	return results
}
