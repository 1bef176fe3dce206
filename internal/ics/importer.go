package ics

import (
	"time"

	appLog "calsync/internal/log"
	"calsync/internal/model"
)

const defaultHorizonDays = 180

// Importer converts one feed body into normalized events.
type Importer struct {
	// Location is the home zone. Defaults to time.Local.
	Location *time.Location
	// HorizonDays bounds recurrence expansion into the future.
	HorizonDays int
	// Now is the clock; defaults to time.Now.
	Now func() time.Time
}

// Import parses body, expands recurrences, drops stale events and
// duplicate uids (first wins), and tags every title with src.Tag.
// Malformed content returns an error wrapping ErrMalformed.
func (im *Importer) Import(src Source, body []byte) ([]model.EventProps, error) {
	loc := im.location()
	now := im.now()

	parsed, err := ParseICS(src, body, loc)
	if err != nil {
		return nil, err
	}

	horizon := im.HorizonDays
	if horizon <= 0 {
		horizon = defaultHorizonDays
	}
	// The window opens a day before the staleness cutoff so all-day
	// instances stored at UTC midnight are not lost at the edge.
	occs, err := ExpandOccurrences(parsed, ExpandConfig{
		RangeStart: now.Add(-48 * time.Hour),
		RangeEnd:   now.AddDate(0, 0, horizon),
	})
	if err != nil {
		return nil, err
	}

	out := make([]model.EventProps, 0, len(occs))
	seen := make(map[string]struct{}, len(occs))
	stale, dups := 0, 0

	for _, occ := range occs {
		ev := model.FromFeed(model.FeedFields{
			Tag:         src.Tag,
			Summary:     occ.Event.Summary,
			Description: occ.Event.Description,
			Location:    occ.Event.Location,
			UID:         occ.UID,
			Start:       occ.Start,
			End:         occ.End,
		}, loc)

		if model.IsStale(ev.When, now, loc) {
			stale++
			continue
		}
		if _, ok := seen[ev.UID]; ok {
			dups++
			appLog.Warn("duplicate uid in feed, keeping first", "id", src.ID, "uid", ev.UID)
			continue
		}
		seen[ev.UID] = struct{}{}
		out = append(out, ev)
	}

	appLog.Info("ics import completed",
		"id", src.ID,
		"url", redactURL(src.URL),
		"events", len(out),
		"stale", stale,
		"duplicates", dups,
	)
	return out, nil
}

func (im *Importer) location() *time.Location {
	if im.Location != nil {
		return im.Location
	}
	return time.Local
}

func (im *Importer) now() time.Time {
	if im.Now != nil {
		return im.Now()
	}
	return time.Now()
}
