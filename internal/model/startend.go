package model

import (
	"fmt"
	"time"
)

const (
	dayLayout      = "2006-01-02"
	localLayout    = "2006-01-02T15:04:05"
	maxPlausibleMn = 12 * 60

	// Timed events ending before this hour on the next day are treated as
	// ending at midnight.
	earlyEndHour = 4
)

// Day is a calendar date without time of day or zone.
type Day struct {
	Year  int
	Month time.Month
	Day   int
}

// DayOf returns the calendar date of t in t's own location.
func DayOf(t time.Time) Day {
	y, m, d := t.Date()
	return Day{Year: y, Month: m, Day: d}
}

// ParseDay parses a YYYY-MM-DD date.
func ParseDay(s string) (Day, error) {
	t, err := time.Parse(dayLayout, s)
	if err != nil {
		return Day{}, fmt.Errorf("parse date %q: %w", s, err)
	}
	return DayOf(t), nil
}

// At returns midnight of d in loc.
func (d Day) At(loc *time.Location) time.Time {
	return time.Date(d.Year, d.Month, d.Day, 0, 0, 0, 0, loc)
}

func (d Day) AddDays(n int) Day {
	return DayOf(time.Date(d.Year, d.Month, d.Day+n, 0, 0, 0, 0, time.UTC))
}

func (d Day) Before(o Day) bool {
	return d.At(time.UTC).Before(o.At(time.UTC))
}

func (d Day) String() string {
	return fmt.Sprintf("%04d-%02d-%02d", d.Year, int(d.Month), d.Day)
}

// StartEnd is the temporal shape of an event. It is implemented by Date,
// DateRange and DateTimeRange only.
type StartEnd interface {
	// Wire returns the start/end/zone triple written to the tracker.
	Wire() WireDate
	Equal(other StartEnd) bool
	String() string

	isStartEnd()
}

// WireDate is the transport-neutral form of a StartEnd. End and TimeZone are
// empty when not applicable.
type WireDate struct {
	Start    string
	End      string
	TimeZone string
}

// Date is a single all-day event.
type Date struct {
	Day Day
}

// DateRange is a multi-day all-day event. End is inclusive.
type DateRange struct {
	Start Day
	End   Day
}

// DateTimeRange is a timed event. Both ends carry the home zone.
type DateTimeRange struct {
	Start time.Time
	End   time.Time
}

func (Date) isStartEnd()          {}
func (DateRange) isStartEnd()     {}
func (DateTimeRange) isStartEnd() {}

func (d Date) Wire() WireDate {
	return WireDate{Start: d.Day.String()}
}

func (d DateRange) Wire() WireDate {
	return WireDate{Start: d.Start.String(), End: d.End.String()}
}

func (d DateTimeRange) Wire() WireDate {
	return WireDate{
		Start:    d.Start.Format(localLayout),
		End:      d.End.Format(localLayout),
		TimeZone: d.Start.Location().String(),
	}
}

func (d Date) Equal(other StartEnd) bool {
	o, ok := other.(Date)
	return ok && o.Day == d.Day
}

func (d DateRange) Equal(other StartEnd) bool {
	o, ok := other.(DateRange)
	return ok && o.Start == d.Start && o.End == d.End
}

func (d DateTimeRange) Equal(other StartEnd) bool {
	o, ok := other.(DateTimeRange)
	return ok && o.Start.Equal(d.Start) && o.End.Equal(d.End)
}

func (d Date) String() string {
	return d.Day.String()
}

func (d DateRange) String() string {
	return d.Start.String() + ".." + d.End.String()
}

func (d DateTimeRange) String() string {
	return d.Start.Format(time.RFC3339) + ".." + d.End.Format(time.RFC3339)
}

// NewDateRange builds an all-day span with an inclusive end. A span that
// starts and ends on the same day collapses to Date.
func NewDateRange(start, end Day) StartEnd {
	if start == end {
		return Date{Day: start}
	}
	return DateRange{Start: start, End: end}
}

// NewDateTimeRange builds a timed span in loc. A nil end means start + 1h.
// An end before 04:00 on the day after start is moved to 23:59 on the start
// day.
func NewDateTimeRange(start time.Time, end *time.Time, loc *time.Location) DateTimeRange {
	s := start.In(loc)
	var e time.Time
	if end == nil {
		e = s.Add(time.Hour)
	} else {
		e = end.In(loc)
	}

	if e.Hour() < earlyEndHour && DayOf(s).AddDays(1) == DayOf(e) {
		e = time.Date(s.Year(), s.Month(), s.Day(), 23, 59, 0, 0, loc)
	}

	return DateTimeRange{Start: s, End: e}
}

// FeedTime is a DTSTART/DTEND value as found in a feed.
type FeedTime struct {
	Time     time.Time
	DateOnly bool
}

// StartEndFromFeed applies the feed construction rule. iCal all-day ends are
// exclusive and are converted to inclusive ends here.
func StartEndFromFeed(start FeedTime, end *FeedTime, loc *time.Location) StartEnd {
	if start.DateOnly {
		sd := DayOf(start.Time)
		if end == nil {
			return Date{Day: sd}
		}
		ed := DayOf(end.Time)
		if ed == sd {
			return Date{Day: sd}
		}
		return NewDateRange(sd, ed.AddDays(-1))
	}

	var e *time.Time
	if end != nil {
		t := end.Time
		e = &t
	}
	return NewDateTimeRange(start.Time, e, loc)
}

// StartEndFromWorkspace parses the date property of a tracker page. start is
// either YYYY-MM-DD or RFC 3339; end may be empty.
func StartEndFromWorkspace(start, end string, loc *time.Location) (StartEnd, error) {
	if start == "" {
		return nil, fmt.Errorf("date property has no start")
	}

	if len(start) == len(dayLayout) {
		sd, err := ParseDay(start)
		if err != nil {
			return nil, err
		}
		if end == "" || end == start {
			return Date{Day: sd}, nil
		}
		ed, err := ParseDay(end)
		if err != nil {
			return nil, err
		}
		return NewDateRange(sd, ed), nil
	}

	s, err := parseTimestamp(start, loc)
	if err != nil {
		return nil, err
	}
	if end == "" {
		return NewDateTimeRange(s, nil, loc), nil
	}
	e, err := parseTimestamp(end, loc)
	if err != nil {
		return nil, err
	}
	return NewDateTimeRange(s, &e, loc), nil
}

func parseTimestamp(v string, loc *time.Location) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t, nil
	}
	// Values written with an explicit time_zone may come back without offset.
	t, err := time.ParseInLocation(localLayout, v, loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse timestamp %q: %w", v, err)
	}
	return t, nil
}

// DurationMinutes is defined for timed events no longer than 12 hours.
func DurationMinutes(se StartEnd) *int {
	switch v := se.(type) {
	case DateTimeRange:
		m := int(v.End.Sub(v.Start) / time.Minute)
		if m > maxPlausibleMn {
			return nil
		}
		return &m
	case Date, DateRange:
		return nil
	default:
		return nil
	}
}

// Begin returns the first instant covered by se in loc.
func Begin(se StartEnd, loc *time.Location) time.Time {
	switch v := se.(type) {
	case Date:
		return v.Day.At(loc)
	case DateRange:
		return v.Start.At(loc)
	case DateTimeRange:
		return v.Start
	default:
		return time.Time{}
	}
}

// IsStale reports whether se starts before yesterday, by calendar day in
// loc. The workspace query uses the same cutoff.
func IsStale(se StartEnd, now time.Time, loc *time.Location) bool {
	cutoff := DayOf(now.In(loc)).AddDays(-1)
	switch v := se.(type) {
	case Date:
		return v.Day.Before(cutoff)
	case DateRange:
		return v.Start.Before(cutoff)
	case DateTimeRange:
		return DayOf(v.Start.In(loc)).Before(cutoff)
	default:
		return false
	}
}

// NewDate returns the single all-day shape for d.
func NewDate(d Day) StartEnd {
	return Date{Day: d}
}
