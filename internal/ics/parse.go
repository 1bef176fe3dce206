package ics

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	ical "github.com/arran4/golang-ical"

	appLog "calsync/internal/log"
	"calsync/internal/model"
)

const (
	layoutDate     = "20060102"
	layoutDateTime = "20060102T150405"
	layoutUTC      = "20060102T150405Z"
)

// ErrMalformed marks feed content the importer refuses to guess about.
var ErrMalformed = errors.New("malformed calendar")

// ParsedEvent is a VEVENT with its times resolved. Recurrence expansion
// operates on this type.
type ParsedEvent struct {
	// Index is the position of the VEVENT in the document.
	Index int

	UID string
	Seq int

	Summary     string
	Description string
	Location    string

	Start model.FeedTime
	End   *model.FeedTime

	RawRRule   string
	ExDates    []model.FeedTime
	Recurrence *model.FeedTime // RECURRENCE-ID, set on overrides only
}

// IsOverride reports whether the VEVENT replaces one instance of a
// recurring event.
func (ev ParsedEvent) IsOverride() bool {
	return ev.Recurrence != nil
}

// ParseICS parses a single ICS payload. Times carrying a TZID are resolved
// through the zone database, UTC times keep UTC, and floating times are read
// in home. An event without UID, SUMMARY or DTSTART fails the whole payload.
func ParseICS(src Source, body []byte, home *time.Location) ([]ParsedEvent, error) {
	if len(bytes.TrimSpace(body)) == 0 {
		return nil, fmt.Errorf("%w: empty ICS body", ErrMalformed)
	}

	cal, err := ical.ParseCalendar(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	events := make([]ParsedEvent, 0)
	for i, comp := range cal.Events() {
		ev, perr := parseVEvent(comp, home)
		if perr != nil {
			return nil, fmt.Errorf("%w: vevent %d: %v", ErrMalformed, i, perr)
		}
		ev.Index = i
		events = append(events, ev)
	}

	appLog.Debug("ics parse completed", "id", src.ID, "url", redactURL(src.URL), "event_count", len(events))
	return events, nil
}

func parseVEvent(ve *ical.VEvent, home *time.Location) (ParsedEvent, error) {
	var out ParsedEvent

	uidProp := ve.GetProperty(ical.ComponentPropertyUniqueId)
	if uidProp == nil || strings.TrimSpace(uidProp.Value) == "" {
		return out, errors.New("missing UID")
	}
	out.UID = uidProp.Value

	summary := ve.GetProperty(ical.ComponentPropertySummary)
	if summary == nil {
		return out, fmt.Errorf("event %s: missing SUMMARY", out.UID)
	}
	out.Summary = unescapeText(summary.Value)

	if seqProp := ve.GetProperty(ical.ComponentPropertySequence); seqProp != nil {
		if n, err := strconv.Atoi(strings.TrimSpace(seqProp.Value)); err == nil {
			out.Seq = n
		}
	}
	if p := ve.GetProperty(ical.ComponentPropertyDescription); p != nil {
		out.Description = unescapeText(p.Value)
	}
	if p := ve.GetProperty(ical.ComponentPropertyLocation); p != nil {
		out.Location = unescapeText(p.Value)
	}

	dtStart := ve.GetProperty(ical.ComponentPropertyDtStart)
	if dtStart == nil {
		return out, fmt.Errorf("event %s: missing DTSTART", out.UID)
	}
	start, err := parseICSTime(dtStart.Value, dtStart.ICalParameters, home)
	if err != nil {
		return out, fmt.Errorf("event %s: DTSTART: %w", out.UID, err)
	}
	out.Start = start

	if dtEnd := ve.GetProperty(ical.ComponentPropertyDtEnd); dtEnd != nil {
		end, err := parseICSTime(dtEnd.Value, dtEnd.ICalParameters, home)
		if err != nil {
			return out, fmt.Errorf("event %s: DTEND: %w", out.UID, err)
		}
		out.End = &end
	}

	if rruleProp := ve.GetProperty(ical.ComponentPropertyRrule); rruleProp != nil {
		out.RawRRule = rruleProp.Value
	}

	// EXDATE can appear multiple times, each with a comma-separated list.
	for _, p := range ve.GetProperties(ical.ComponentPropertyExdate) {
		for _, part := range strings.Split(p.Value, ",") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			t, err := parseICSTime(part, p.ICalParameters, home)
			if err != nil {
				return out, fmt.Errorf("event %s: EXDATE: %w", out.UID, err)
			}
			out.ExDates = append(out.ExDates, t)
		}
	}

	if ridProp := ve.GetProperty("RECURRENCE-ID"); ridProp != nil {
		t, err := parseICSTime(ridProp.Value, ridProp.ICalParameters, home)
		if err != nil {
			return out, fmt.Errorf("event %s: RECURRENCE-ID: %w", out.UID, err)
		}
		out.Recurrence = &t
	}

	return out, nil
}

// parseICSTime parses a DATE or DATE-TIME value with its parameters.
// Dates are returned as UTC midnight with DateOnly set.
func parseICSTime(v string, params map[string][]string, home *time.Location) (model.FeedTime, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return model.FeedTime{}, errors.New("empty time value")
	}

	if paramEquals(params, "VALUE", "DATE") || !strings.Contains(v, "T") {
		t, err := time.Parse(layoutDate, v)
		if err != nil {
			return model.FeedTime{}, err
		}
		return model.FeedTime{Time: t, DateOnly: true}, nil
	}

	if strings.HasSuffix(v, "Z") {
		t, err := time.Parse(layoutUTC, v)
		if err != nil {
			return model.FeedTime{}, err
		}
		return model.FeedTime{Time: t}, nil
	}

	loc := home
	if tzid := param(params, "TZID"); tzid != "" {
		l, err := time.LoadLocation(tzid)
		if err != nil {
			appLog.Debug("unknown TZID, using home zone", "tzid", tzid, "zone", home.String())
		} else {
			loc = l
		}
	}

	t, err := time.ParseInLocation(layoutDateTime, v, loc)
	if err != nil {
		return model.FeedTime{}, err
	}
	return model.FeedTime{Time: t}, nil
}

func param(params map[string][]string, key string) string {
	if params == nil {
		return ""
	}
	vs, ok := params[key]
	if !ok || len(vs) == 0 {
		return ""
	}
	return strings.Trim(vs[0], `"`)
}

func paramEquals(params map[string][]string, key, want string) bool {
	return strings.EqualFold(param(params, key), want)
}

var textUnescaper = strings.NewReplacer(
	`\n`, "\n",
	`\N`, "\n",
	`\,`, ",",
	`\;`, ";",
	`\\`, `\`,
)

// unescapeText undoes RFC 5545 TEXT escaping.
func unescapeText(s string) string {
	if !strings.Contains(s, `\`) {
		return s
	}
	return textUnescaper.Replace(s)
}
