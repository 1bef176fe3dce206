package ics

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/teambition/rrule-go"

	appLog "calsync/internal/log"
	"calsync/internal/model"
)

const (
	defaultMaxOccurrencesPerEvent = 5000
)

// ExpandConfig controls how recurrence expansion is performed.
type ExpandConfig struct {
	// RangeStart / RangeEnd define the inclusive window for generated
	// occurrences. Non-recurring events are never bounded by it.
	RangeStart time.Time
	RangeEnd   time.Time

	// MaxOccurrencesPerEvent caps a single rule. If zero,
	// defaultMaxOccurrencesPerEvent is used.
	MaxOccurrencesPerEvent int
}

// Occurrence is one concrete instance of a parsed event. For recurring
// events UID is "<UID>/<instance start>" so each instance keeps a stable
// identity across runs.
type Occurrence struct {
	Event ParsedEvent
	UID   string
	Start model.FeedTime
	End   *model.FeedTime
}

// ExpandOccurrences turns parsed events into concrete occurrences, in
// document order. Occurrences of one rule are sorted by start. It handles
//
//   - single events (passed through unchanged)
//   - RRULE recurrence with EXDATE
//   - RECURRENCE-ID overrides, which replace the generated instance
func ExpandOccurrences(events []ParsedEvent, cfg ExpandConfig) ([]Occurrence, error) {
	if cfg.RangeEnd.Before(cfg.RangeStart) {
		return nil, errors.New("expand: RangeEnd is before RangeStart")
	}
	if cfg.MaxOccurrencesPerEvent <= 0 {
		cfg.MaxOccurrencesPerEvent = defaultMaxOccurrencesPerEvent
	}

	recurring := make(map[string]bool)
	overridesByUID := make(map[string][]ParsedEvent)
	for _, ev := range events {
		if ev.IsOverride() {
			overridesByUID[ev.UID] = append(overridesByUID[ev.UID], ev)
		} else if ev.RawRRule != "" {
			recurring[ev.UID] = true
		}
	}

	out := make([]Occurrence, 0, len(events))
	for _, ev := range events {
		switch {
		case ev.IsOverride():
			// Overrides of a recurring event are emitted by the base.
			if recurring[ev.UID] {
				continue
			}
			out = append(out, standaloneOverride(ev))

		case ev.RawRRule == "":
			out = append(out, Occurrence{Event: ev, UID: ev.UID, Start: ev.Start, End: ev.End})

		default:
			occ, err := expandRecurringEvent(ev, overridesByUID[ev.UID], cfg)
			if err != nil {
				return nil, err
			}
			out = append(out, occ...)
		}
	}
	return out, nil
}

func expandRecurringEvent(ev ParsedEvent, overrides []ParsedEvent, cfg ExpandConfig) ([]Occurrence, error) {
	r, err := rrule.StrToRRule(ev.RawRRule)
	if err != nil {
		return nil, fmt.Errorf("%w: event %s: RRULE %q: %v", ErrMalformed, ev.UID, ev.RawRRule, err)
	}
	r.DTStart(ev.Start.Time)

	var set rrule.Set
	set.RRule(r)
	for _, ex := range ev.ExDates {
		set.ExDate(alignTo(ex, ev.Start))
	}

	startLoc := ev.Start.Time.Location()
	times := set.Between(cfg.RangeStart.In(startLoc), cfg.RangeEnd.In(startLoc), true)
	if len(times) > cfg.MaxOccurrencesPerEvent {
		appLog.Warn("expand: truncated occurrences", "uid", ev.UID, "cap", cfg.MaxOccurrencesPerEvent)
		times = times[:cfg.MaxOccurrencesPerEvent]
	}

	var duration time.Duration
	if ev.End != nil {
		duration = ev.End.Time.Sub(ev.Start.Time)
	}

	used := make([]bool, len(overrides))
	out := make([]Occurrence, 0, len(times))
	for _, t := range times {
		start := model.FeedTime{Time: t, DateOnly: ev.Start.DateOnly}
		key := instanceKey(start)

		if i, ok := findOverride(overrides, start); ok {
			used[i] = true
			o := overrides[i]
			out = append(out, Occurrence{Event: o, UID: ev.UID + "/" + key, Start: o.Start, End: o.End})
			continue
		}

		var end *model.FeedTime
		if ev.End != nil {
			end = &model.FeedTime{Time: t.Add(duration), DateOnly: ev.End.DateOnly}
		}
		out = append(out, Occurrence{Event: ev, UID: ev.UID + "/" + key, Start: start, End: end})
	}

	// Overrides whose slot was not generated (excluded, or outside the
	// window) still describe a real instance.
	for i, o := range overrides {
		if !used[i] {
			out = append(out, standaloneOverride(o))
		}
	}

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Start.Time.Before(out[j].Start.Time)
	})
	return out, nil
}

func standaloneOverride(o ParsedEvent) Occurrence {
	return Occurrence{Event: o, UID: o.UID + "/" + instanceKey(*o.Recurrence), Start: o.Start, End: o.End}
}

// findOverride finds an override whose RECURRENCE-ID names the instance
// starting at start.
func findOverride(overrides []ParsedEvent, start model.FeedTime) (int, bool) {
	for i, ov := range overrides {
		if ov.Recurrence == nil {
			continue
		}
		if sameInstant(*ov.Recurrence, start) {
			return i, true
		}
	}
	return -1, false
}

func sameInstant(a, b model.FeedTime) bool {
	if a.DateOnly || b.DateOnly {
		return model.DayOf(a.Time) == model.DayOf(b.Time)
	}
	return a.Time.Equal(b.Time)
}

// alignTo moves a date-only EXDATE onto the wall clock of the rule start so
// it matches generated instances exactly.
func alignTo(ex, start model.FeedTime) time.Time {
	if !ex.DateOnly || start.DateOnly {
		return ex.Time.In(start.Time.Location())
	}
	s := start.Time
	d := model.DayOf(ex.Time)
	return time.Date(d.Year, d.Month, d.Day, s.Hour(), s.Minute(), s.Second(), 0, s.Location())
}

// instanceKey renders an instance start the way RECURRENCE-ID does.
func instanceKey(t model.FeedTime) string {
	if t.DateOnly {
		return t.Time.Format(layoutDate)
	}
	return t.Time.UTC().Format(layoutUTC)
}
