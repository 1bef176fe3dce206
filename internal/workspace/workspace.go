// Package workspace builds a snapshot of the tracker pages the sync owns.
package workspace

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/sourcegraph/conc/pool"

	appLog "calsync/internal/log"
	"calsync/internal/model"
	"calsync/internal/tracker"
)

const defaultConcurrency = 8

// Source is the read side of the tracker.
type Source interface {
	StaleFilter(now time.Time) *tracker.Filter
	QueryPages(ctx context.Context, filter *tracker.Filter) ([]tracker.Page, error)
	Comments(ctx context.Context, pageID string) ([]tracker.Comment, error)
	Properties() tracker.Properties
	BotID() string
}

type Options struct {
	// Location is the home zone. Defaults to time.Local.
	Location *time.Location
	// Now is the clock; defaults to time.Now.
	Now func() time.Time
	// Concurrency bounds parallel comment fetches.
	Concurrency int
}

// CommentLog is the comment history of one page, oldest first.
type CommentLog struct {
	comments []tracker.Comment
}

// Latest returns the value of the newest comment starting with prefix.
func (l CommentLog) Latest(prefix string) string {
	for i := len(l.comments) - 1; i >= 0; i-- {
		text := l.comments[i].Text()
		if strings.HasPrefix(text, prefix) {
			return strings.TrimPrefix(text, prefix)
		}
	}
	return ""
}

// HasAuthorOtherThan reports whether anyone but id commented.
func (l CommentLog) HasAuthorOtherThan(id string) bool {
	for _, c := range l.comments {
		if c.CreatedBy.ID != id {
			return true
		}
	}
	return false
}

type entry struct {
	event    model.EventProps
	area     string
	comments CommentLog
}

// Snapshot is the workspace state at the start of a run.
type Snapshot struct {
	TakenAt time.Time

	botID   string
	entries []entry
	byPage  map[string]int
}

// Events returns the synced events in query order.
func (s *Snapshot) Events() []model.EventProps {
	out := make([]model.EventProps, len(s.entries))
	for i, e := range s.entries {
		out[i] = e.event
	}
	return out
}

// Area returns the area id of a page, or "" if it has none or is unknown.
func (s *Snapshot) Area(pageID string) string {
	if i, ok := s.byPage[pageID]; ok {
		return s.entries[i].area
	}
	return ""
}

// HasForeignComments reports whether someone other than the integration
// commented on the page.
func (s *Snapshot) HasForeignComments(pageID string) bool {
	if i, ok := s.byPage[pageID]; ok {
		return s.entries[i].comments.HasAuthorOtherThan(s.botID)
	}
	return false
}

func (s *Snapshot) Len() int {
	return len(s.entries)
}

// Load queries the non-stale pages created by the integration, fetches
// their comments concurrently and converts them to events. Soft-deleted
// pages are skipped. Any failure fails the whole load.
func Load(ctx context.Context, src Source, opts Options) (*Snapshot, error) {
	loc := opts.Location
	if loc == nil {
		loc = time.Local
	}
	now := time.Now()
	if opts.Now != nil {
		now = opts.Now()
	}
	n := opts.Concurrency
	if n <= 0 {
		n = defaultConcurrency
	}

	pages, err := src.QueryPages(ctx, src.StaleFilter(now))
	if err != nil {
		return nil, fmt.Errorf("load workspace: %w", err)
	}

	props := src.Properties()
	fields := make([]model.WorkspaceFields, 0, len(pages))
	kept := make([]tracker.Page, 0, len(pages))
	skipped := 0
	for _, p := range pages {
		f, err := props.Fields(p)
		if err != nil {
			return nil, fmt.Errorf("load workspace: %w", err)
		}
		if p.Archived || model.IsDeleted(f.Title) {
			skipped++
			continue
		}
		fields = append(fields, f)
		kept = append(kept, p)
	}

	logs := make([]CommentLog, len(kept))
	cp := pool.New().WithContext(ctx).WithCancelOnError().WithMaxGoroutines(n)
	for i, p := range kept {
		cp.Go(func(ctx context.Context) error {
			comments, err := src.Comments(ctx, p.ID)
			if err != nil {
				return err
			}
			logs[i] = CommentLog{comments: comments}
			return nil
		})
	}
	if err := cp.Wait(); err != nil {
		return nil, fmt.Errorf("load workspace comments: %w", err)
	}

	snap := &Snapshot{
		TakenAt: now,
		botID:   src.BotID(),
		entries: make([]entry, 0, len(kept)),
		byPage:  make(map[string]int, len(kept)),
	}
	for i, p := range kept {
		ev, err := model.FromWorkspace(fields[i], logs[i], loc)
		if err != nil {
			return nil, fmt.Errorf("load workspace: %w", err)
		}
		snap.byPage[p.ID] = len(snap.entries)
		snap.entries = append(snap.entries, entry{
			event:    ev,
			area:     props.AreaOf(p),
			comments: logs[i],
		})
	}

	appLog.Info("workspace loaded", "pages", len(pages), "events", len(snap.entries), "soft_deleted", skipped)
	return snap, nil
}
