// Package reconcile decides and applies the changes that make the tracker
// mirror the calendar feeds.
package reconcile

import (
	"fmt"
	"sort"
	"strings"

	"calsync/internal/model"
)

// DuplicateUIDError reports several tracker pages claiming the same uid.
// None of them is updated or deleted until the conflict is resolved by hand.
type DuplicateUIDError struct {
	UID     string
	PageIDs []string
}

func (e *DuplicateUIDError) Error() string {
	return fmt.Sprintf("uid %q is used by %d pages: %s", e.UID, len(e.PageIDs), strings.Join(e.PageIDs, ", "))
}

// Index maps uid to workspace event.
type Index struct {
	all   []model.EventProps
	byUID map[string]model.EventProps
	dups  map[string]struct{}
}

// NewIndex indexes workspace events by uid. Events without uid are kept for
// completeness but can never match or be deleted.
func NewIndex(events []model.EventProps) (*Index, []error) {
	ix := &Index{
		all:   events,
		byUID: make(map[string]model.EventProps, len(events)),
		dups:  make(map[string]struct{}),
	}
	pages := make(map[string][]string)
	for _, ev := range events {
		if ev.UID == "" {
			continue
		}
		pages[ev.UID] = append(pages[ev.UID], ev.PageID)
		if _, ok := ix.byUID[ev.UID]; ok {
			ix.dups[ev.UID] = struct{}{}
			continue
		}
		ix.byUID[ev.UID] = ev
	}

	var errs []error
	uids := make([]string, 0, len(ix.dups))
	for uid := range ix.dups {
		delete(ix.byUID, uid)
		uids = append(uids, uid)
	}
	sort.Strings(uids)
	for _, uid := range uids {
		errs = append(errs, &DuplicateUIDError{UID: uid, PageIDs: pages[uid]})
	}
	return ix, errs
}

func (ix *Index) Lookup(uid string) (model.EventProps, bool) {
	ev, ok := ix.byUID[uid]
	return ev, ok
}

func (ix *Index) IsDuplicate(uid string) bool {
	_, ok := ix.dups[uid]
	return ok
}

func (ix *Index) Len() int {
	return len(ix.all)
}

// Claimed is the set of uids already reconciled in this run.
type Claimed map[string]struct{}

func (c Claimed) Has(uid string) bool {
	_, ok := c[uid]
	return ok
}

func (c Claimed) clone() Claimed {
	out := make(Claimed, len(c))
	for k := range c {
		out[k] = struct{}{}
	}
	return out
}

// Update pairs the feed version of an event with the page it replaces.
type Update struct {
	Next model.EventProps
	Prev model.EventProps
}

// Plan is the set of changes for one feed.
type Plan struct {
	Updates   []Update
	Unchanged []model.EventProps
	Creates   []model.EventProps
	// Skipped holds uids owned by an earlier feed or by several pages.
	Skipped []string
}

// PlanFeed partitions feed events against the workspace. Matched events
// that are done or equal are left alone. The returned set is claimed plus
// every uid matched or created here; claimed itself is not modified.
func PlanFeed(feed []model.EventProps, ix *Index, claimed Claimed) (Plan, Claimed) {
	var plan Plan
	next := claimed.clone()

	for _, ev := range feed {
		if next.Has(ev.UID) || ix.IsDuplicate(ev.UID) {
			plan.Skipped = append(plan.Skipped, ev.UID)
			continue
		}
		next[ev.UID] = struct{}{}

		prev, ok := ix.Lookup(ev.UID)
		if !ok {
			plan.Creates = append(plan.Creates, ev)
			continue
		}

		if prev.Done || ev.Equal(prev) {
			plan.Unchanged = append(plan.Unchanged, prev)
			continue
		}
		ev.PageID = prev.PageID
		plan.Updates = append(plan.Updates, Update{Next: ev, Prev: prev})
	}
	return plan, next
}

// PlanDeletes returns workspace events no feed claimed. Pages without uid,
// done pages, duplicate uids and pages for which skip returns true are kept.
func PlanDeletes(ix *Index, claimed Claimed, skip func(model.EventProps) bool) []model.EventProps {
	var out []model.EventProps
	for _, ev := range ix.all {
		switch {
		case ev.UID == "":
		case ev.Done:
		case ix.IsDuplicate(ev.UID):
		case claimed.Has(ev.UID):
		case skip != nil && skip(ev):
		default:
			out = append(out, ev)
		}
	}
	return out
}
