package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"

	"calsync/internal/model"
	"calsync/internal/tracker"
)

type call struct {
	Op     string
	PageID string
	UID    string
	Area   string
}

type fakeTracker struct {
	mu       sync.Mutex
	calls    []call
	children map[string]bool
	failUID  map[string]error
	panicUID string
	nextID   int
}

func (f *fakeTracker) record(c call) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, c)
}

func (f *fakeTracker) check(uid string) error {
	if uid != "" && uid == f.panicUID {
		panic("tracker exploded")
	}
	return f.failUID[uid]
}

func (f *fakeTracker) CreatePage(ctx context.Context, ev model.EventProps, areaID string) (string, error) {
	if err := f.check(ev.UID); err != nil {
		return "", err
	}
	f.mu.Lock()
	f.nextID++
	id := fmt.Sprintf("new-%d", f.nextID)
	f.mu.Unlock()
	f.record(call{Op: "create", PageID: id, UID: ev.UID, Area: areaID})
	return id, nil
}

func (f *fakeTracker) UpdatePage(ctx context.Context, pageID string, next, prev model.EventProps, areaID string) error {
	if err := f.check(next.UID); err != nil {
		return err
	}
	f.record(call{Op: "update", PageID: pageID, UID: next.UID, Area: areaID})
	return nil
}

func (f *fakeTracker) ArchivePage(ctx context.Context, pageID string) error {
	f.record(call{Op: "archive", PageID: pageID})
	return nil
}

func (f *fakeTracker) SoftDeletePage(ctx context.Context, pageID, title string) error {
	f.record(call{Op: "soft_delete", PageID: pageID})
	return nil
}

func (f *fakeTracker) HasChildContent(ctx context.Context, pageID string) (bool, error) {
	return f.children[pageID], nil
}

func (f *fakeTracker) ops() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.calls))
	for _, c := range f.calls {
		out = append(out, c.Op+":"+c.PageID+":"+c.UID)
	}
	sort.Strings(out)
	return out
}

type foreign map[string]bool

func (f foreign) HasForeignComments(pageID string) bool { return f[pageID] }

func ev(uid, title string) model.EventProps {
	return model.EventProps{
		When:  model.Date{Day: model.Day{Year: 2024, Month: 6, Day: 12}},
		Title: title,
		UID:   uid,
	}
}

func onPage(e model.EventProps, pageID string) model.EventProps {
	e.PageID = pageID
	return e
}

func uids(events []model.EventProps) []string {
	out := make([]string, 0, len(events))
	for _, e := range events {
		out = append(out, e.UID)
	}
	return out
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestPlanFeedPartitions(t *testing.T) {
	workspace := []model.EventProps{
		onPage(ev("a", "A"), "pa"),
		onPage(ev("b", "B"), "pb"),
		onPage(ev("c", "C"), "pc"),
	}
	feed := []model.EventProps{ev("b", "B changed"), ev("c", "C"), ev("d", "D")}

	ix, errs := NewIndex(workspace)
	if len(errs) != 0 {
		t.Fatalf("Expected no index errors, got %v", errs)
	}

	plan, claimed := PlanFeed(feed, ix, Claimed{})
	if len(plan.Updates) != 1 || plan.Updates[0].Next.UID != "b" || plan.Updates[0].Next.PageID != "pb" {
		t.Errorf("Expected b to be updated on pb, got %+v", plan.Updates)
	}
	if got := uids(plan.Unchanged); !equalStrings(got, []string{"c"}) {
		t.Errorf("Expected c unchanged, got %v", got)
	}
	if got := uids(plan.Creates); !equalStrings(got, []string{"d"}) {
		t.Errorf("Expected d created, got %v", got)
	}

	for _, uid := range []string{"b", "c", "d"} {
		if !claimed.Has(uid) {
			t.Errorf("Expected %s to be claimed", uid)
		}
	}

	deletes := PlanDeletes(ix, claimed, nil)
	if got := uids(deletes); !equalStrings(got, []string{"a"}) {
		t.Errorf("Expected a deleted, got %v", got)
	}
}

func TestPlanFeedDoneFreezesUpdatesAndDeletes(t *testing.T) {
	done := onPage(ev("b", "B"), "pb")
	done.Done = true
	gone := onPage(ev("z", "Z"), "pz")
	gone.Done = true

	ix, _ := NewIndex([]model.EventProps{done, gone})
	plan, claimed := PlanFeed([]model.EventProps{ev("b", "B moved")}, ix, Claimed{})

	if len(plan.Updates) != 0 || len(plan.Unchanged) != 1 {
		t.Errorf("Expected done page to be left alone, got %+v", plan)
	}
	if d := PlanDeletes(ix, claimed, nil); len(d) != 0 {
		t.Errorf("Expected done page never to be deleted, got %v", uids(d))
	}
}

func TestPlanFeedClaimedAcrossFeeds(t *testing.T) {
	ix, _ := NewIndex(nil)

	first, claimed := PlanFeed([]model.EventProps{ev("x", "First")}, ix, Claimed{})
	second, claimed2 := PlanFeed([]model.EventProps{ev("x", "Second"), ev("y", "Y")}, ix, claimed)

	if len(first.Creates) != 1 {
		t.Fatalf("Expected first feed to create x, got %+v", first)
	}
	if got := uids(second.Creates); !equalStrings(got, []string{"y"}) {
		t.Errorf("Expected second feed to create only y, got %v", got)
	}
	if !equalStrings(second.Skipped, []string{"x"}) {
		t.Errorf("Expected x skipped, got %v", second.Skipped)
	}
	if claimed.Has("y") {
		t.Error("Expected input claimed set to stay unchanged")
	}
	if !claimed2.Has("x") || !claimed2.Has("y") {
		t.Error("Expected accumulated claimed set")
	}
}

func TestDuplicateWorkspaceUIDsAreReportedAndIgnored(t *testing.T) {
	ix, errs := NewIndex([]model.EventProps{
		onPage(ev("dup", "One"), "p1"),
		onPage(ev("dup", "Two"), "p2"),
		onPage(ev("", "No uid"), "p3"),
	})

	if len(errs) != 1 {
		t.Fatalf("Expected one duplicate error, got %v", errs)
	}
	var dupErr *DuplicateUIDError
	if !errors.As(errs[0], &dupErr) || dupErr.UID != "dup" || len(dupErr.PageIDs) != 2 {
		t.Errorf("Unexpected duplicate error %v", errs[0])
	}

	plan, claimed := PlanFeed([]model.EventProps{ev("dup", "Changed")}, ix, Claimed{})
	if len(plan.Updates)+len(plan.Creates) != 0 {
		t.Errorf("Expected duplicate uid to be skipped, got %+v", plan)
	}
	if d := PlanDeletes(ix, claimed, nil); len(d) != 0 {
		t.Errorf("Expected neither duplicates nor uid-less pages deleted, got %v", uids(d))
	}
}

func TestPlanDeletesHonorsSkip(t *testing.T) {
	ix, _ := NewIndex([]model.EventProps{
		onPage(ev("a", "A"), "pa"),
		onPage(ev("b", "B"), "pb"),
	})
	d := PlanDeletes(ix, Claimed{}, func(e model.EventProps) bool { return e.PageID == "pa" })
	if got := uids(d); !equalStrings(got, []string{"b"}) {
		t.Errorf("Expected only b, got %v", got)
	}
}

func TestApplyIsIdempotent(t *testing.T) {
	feed := []model.EventProps{ev("a", "A"), ev("b", "B")}
	ft := &fakeTracker{}
	x := &Executor{Tracker: ft}

	ix, _ := NewIndex(nil)
	plan, _ := PlanFeed(feed, ix, Claimed{})
	out := x.ApplyFeed(context.Background(), plan, "area")
	if out.Created != 2 {
		t.Fatalf("Expected 2 creates, got %+v", out)
	}

	// The workspace now mirrors the feed.
	workspace := []model.EventProps{onPage(feed[0], "new-1"), onPage(feed[1], "new-2")}
	ix, _ = NewIndex(workspace)
	plan, claimed := PlanFeed(feed, ix, Claimed{})
	if len(plan.Updates) != 0 || len(plan.Creates) != 0 || len(plan.Unchanged) != 2 {
		t.Errorf("Expected nothing to do on second pass, got %+v", plan)
	}
	if d := PlanDeletes(ix, claimed, nil); len(d) != 0 {
		t.Errorf("Expected no deletes on second pass, got %v", uids(d))
	}
}

func TestApplyDeletesChoosesSoftOrHard(t *testing.T) {
	ft := &fakeTracker{children: map[string]bool{"with-body": true}}
	x := &Executor{Tracker: ft, Annotations: foreign{"commented": true}}

	out := x.ApplyDeletes(context.Background(), []model.EventProps{
		onPage(ev("1", "Plain"), "plain"),
		onPage(ev("2", "Body"), "with-body"),
		onPage(ev("3", "Comments"), "commented"),
	})

	if out.Archived != 1 || out.SoftDeleted != 2 {
		t.Errorf("Expected 1 archived and 2 soft-deleted, got %+v", out)
	}
	want := []string{"archive:plain:", "soft_delete:commented:", "soft_delete:with-body:"}
	if got := ft.ops(); !equalStrings(got, want) {
		t.Errorf("Expected %v, got %v", want, got)
	}
}

func TestApplyFeedIsolatesFailures(t *testing.T) {
	ft := &fakeTracker{
		panicUID: "boom",
		failUID: map[string]error{
			"bad":     errors.New("connection reset"),
			"invalid": &tracker.ValidationError{Method: "POST", Path: "pages", Status: 400, Message: "nope"},
		},
	}
	x := &Executor{Tracker: ft, Concurrency: 2}

	plan := Plan{
		Creates: []model.EventProps{ev("ok1", "1"), ev("boom", "2"), ev("bad", "3"), ev("invalid", "4"), ev("ok2", "5")},
		Updates: []Update{{Next: onPage(ev("u", "U"), "pu"), Prev: onPage(ev("u", "old"), "pu")}},
	}
	out := x.ApplyFeed(context.Background(), plan, "area")

	if out.Created != 2 || out.Updated != 1 {
		t.Errorf("Expected siblings to succeed, got %+v", out)
	}
	if len(out.Failures) != 2 {
		t.Errorf("Expected panic and transport error as failures, got %v", out.Failures)
	}
	if len(out.Warnings) != 1 || !tracker.IsValidation(out.Warnings[0]) {
		t.Errorf("Expected one validation warning, got %v", out.Warnings)
	}
}

func TestApplyFeedRunsUpdatesBeforeCreates(t *testing.T) {
	ft := &fakeTracker{}
	x := &Executor{Tracker: ft, Concurrency: 8}

	plan := Plan{
		Creates: []model.EventProps{ev("c1", "C1"), ev("c2", "C2")},
		Updates: []Update{
			{Next: onPage(ev("u1", "U1"), "p1"), Prev: onPage(ev("u1", "x"), "p1")},
			{Next: onPage(ev("u2", "U2"), "p2"), Prev: onPage(ev("u2", "x"), "p2")},
		},
	}
	x.ApplyFeed(context.Background(), plan, "area")

	ft.mu.Lock()
	defer ft.mu.Unlock()
	if len(ft.calls) != 4 {
		t.Fatalf("Expected 4 calls, got %d", len(ft.calls))
	}
	for i, c := range ft.calls {
		wantOp := "update"
		if i >= 2 {
			wantOp = "create"
		}
		if c.Op != wantOp {
			t.Errorf("call %d: expected %s, got %s", i, wantOp, c.Op)
		}
		if c.Area != "area" {
			t.Errorf("call %d: expected area to be passed, got %q", i, c.Area)
		}
	}
}
