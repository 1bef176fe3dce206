package ics

import (
	"errors"
	"strings"
	"testing"
	"time"

	"calsync/internal/model"
)

func calendar(lines ...string) []byte {
	all := append([]string{"BEGIN:VCALENDAR", "VERSION:2.0", "PRODID:-//test//EN"}, lines...)
	all = append(all, "END:VCALENDAR")
	return []byte(strings.Join(all, "\r\n") + "\r\n")
}

func testImporter(t *testing.T, now time.Time, horizon int) *Importer {
	t.Helper()
	return &Importer{
		Location:    now.Location(),
		HorizonDays: horizon,
		Now:         func() time.Time { return now },
	}
}

func mustOslo(t *testing.T) *time.Location {
	t.Helper()
	loc, err := time.LoadLocation("Europe/Oslo")
	if err != nil {
		t.Fatal(err)
	}
	return loc
}

func TestImportSingleEvents(t *testing.T) {
	loc := mustOslo(t)
	now := time.Date(2024, 6, 10, 12, 0, 0, 0, loc)

	body := calendar(
		"BEGIN:VEVENT",
		"UID:a",
		"SUMMARY:Exam",
		"DTSTART;VALUE=DATE:20240612",
		"DTEND;VALUE=DATE:20240613",
		"END:VEVENT",
		"BEGIN:VEVENT",
		"UID:b",
		"SUMMARY:Lecture",
		"DTSTART;TZID=Europe/Oslo:20240611T100000",
		"DTEND;TZID=Europe/Oslo:20240611T113000",
		`LOCATION:Aud\, 1`,
		`DESCRIPTION:Line1\nLine2`,
		"END:VEVENT",
		"BEGIN:VEVENT",
		"UID:old",
		"SUMMARY:Too old",
		"DTSTART;VALUE=DATE:20240608",
		"END:VEVENT",
		"BEGIN:VEVENT",
		"UID:yesterday",
		"SUMMARY:Yesterday",
		"DTSTART;VALUE=DATE:20240609",
		"END:VEVENT",
		"BEGIN:VEVENT",
		"UID:a",
		"SUMMARY:Exam again",
		"DTSTART;VALUE=DATE:20240614",
		"END:VEVENT",
		"BEGIN:VEVENT",
		"UID:utc",
		"SUMMARY:Call",
		"DTSTART:20240611T080000Z",
		"END:VEVENT",
	)

	events, err := testImporter(t, now, 30).Import(Source{ID: "uni", URL: "https://example.com/x.ics", Tag: "🎓"}, body)
	if err != nil {
		t.Fatal(err)
	}

	if len(events) != 4 {
		t.Fatalf("Expected 4 events, got %d: %v", len(events), events)
	}

	exam := events[0]
	if exam.UID != "a" || exam.Title != "🎓Exam" {
		t.Errorf("Expected first event to be tagged exam, got %v", exam)
	}
	if !exam.When.Equal(model.Date{Day: model.Day{Year: 2024, Month: 6, Day: 12}}) {
		t.Errorf("Expected single date, got %v", exam.When)
	}
	if exam.Minutes != nil {
		t.Errorf("Expected no minutes for all-day event, got %d", *exam.Minutes)
	}

	lecture := events[1]
	if lecture.Location != "Aud, 1" {
		t.Errorf("Expected unescaped location, got %q", lecture.Location)
	}
	if lecture.Description != "Line1\nLine2" {
		t.Errorf("Expected unescaped description, got %q", lecture.Description)
	}
	if lecture.Minutes == nil || *lecture.Minutes != 90 {
		t.Errorf("Expected 90 minutes, got %v", lecture.Minutes)
	}

	if events[2].UID != "yesterday" {
		t.Errorf("Expected yesterday's event to be kept, got %v", events[2])
	}

	call := events[3]
	want := model.NewDateTimeRange(time.Date(2024, 6, 11, 10, 0, 0, 0, loc), nil, loc)
	if !call.When.Equal(want) {
		t.Errorf("Expected %v, got %v", want, call.When)
	}
	if call.Minutes == nil || *call.Minutes != 60 {
		t.Errorf("Expected default hour, got %v", call.Minutes)
	}
}

func TestImportRecurring(t *testing.T) {
	loc := mustOslo(t)
	now := time.Date(2024, 6, 10, 12, 0, 0, 0, loc)

	body := calendar(
		"BEGIN:VEVENT",
		"UID:r",
		"SUMMARY:Standup",
		"DTSTART;TZID=Europe/Oslo:20240603T090000",
		"DTEND;TZID=Europe/Oslo:20240603T100000",
		"RRULE:FREQ=DAILY;COUNT=30",
		"EXDATE;TZID=Europe/Oslo:20240612T090000",
		"END:VEVENT",
		"BEGIN:VEVENT",
		"UID:r",
		"SUMMARY:Moved",
		"RECURRENCE-ID;TZID=Europe/Oslo:20240613T090000",
		"DTSTART;TZID=Europe/Oslo:20240613T140000",
		"DTEND;TZID=Europe/Oslo:20240613T150000",
		"END:VEVENT",
	)

	events, err := testImporter(t, now, 7).Import(Source{ID: "work"}, body)
	if err != nil {
		t.Fatal(err)
	}

	wantUIDs := []string{
		"r/20240609T070000Z",
		"r/20240610T070000Z",
		"r/20240611T070000Z",
		"r/20240613T070000Z",
		"r/20240614T070000Z",
		"r/20240615T070000Z",
		"r/20240616T070000Z",
		"r/20240617T070000Z",
	}
	if len(events) != len(wantUIDs) {
		t.Fatalf("Expected %d occurrences, got %d: %v", len(wantUIDs), len(events), events)
	}
	for i, uid := range wantUIDs {
		if events[i].UID != uid {
			t.Errorf("occurrence %d: expected uid %s, got %s", i, uid, events[i].UID)
		}
	}

	moved := events[3]
	if moved.Title != "Moved" {
		t.Errorf("Expected override title, got %q", moved.Title)
	}
	wantStart := time.Date(2024, 6, 13, 14, 0, 0, 0, loc)
	if dt, ok := moved.When.(model.DateTimeRange); !ok || !dt.Start.Equal(wantStart) {
		t.Errorf("Expected override start %v, got %v", wantStart, moved.When)
	}

	// Same input, same identities.
	again, err := testImporter(t, now, 7).Import(Source{ID: "work"}, body)
	if err != nil {
		t.Fatal(err)
	}
	for i := range events {
		if !events[i].Equal(again[i]) {
			t.Errorf("Expected stable occurrence %d, got %v and %v", i, events[i], again[i])
		}
	}
}

func TestImportMalformed(t *testing.T) {
	loc := mustOslo(t)
	now := time.Date(2024, 6, 10, 12, 0, 0, 0, loc)

	tests := map[string][]byte{
		"empty": nil,
		"missing uid": calendar(
			"BEGIN:VEVENT",
			"SUMMARY:No uid",
			"DTSTART;VALUE=DATE:20240612",
			"END:VEVENT",
		),
		"missing start": calendar(
			"BEGIN:VEVENT",
			"UID:x",
			"SUMMARY:No start",
			"END:VEVENT",
		),
		"missing summary": calendar(
			"BEGIN:VEVENT",
			"UID:x",
			"DTSTART;VALUE=DATE:20240612",
			"END:VEVENT",
		),
		"bad date": calendar(
			"BEGIN:VEVENT",
			"UID:x",
			"SUMMARY:Bad",
			"DTSTART;VALUE=DATE:2024-06-12",
			"END:VEVENT",
		),
	}

	for name, body := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := testImporter(t, now, 30).Import(Source{ID: "bad"}, body)
			if !errors.Is(err, ErrMalformed) {
				t.Errorf("Expected ErrMalformed, got %v", err)
			}
		})
	}
}

func TestUnescapeText(t *testing.T) {
	tests := map[string]string{
		`plain`:         "plain",
		`a\nb`:          "a\nb",
		`a\Nb`:          "a\nb",
		`x\, y\; z`:     "x, y; z",
		`back\\slash\n`: "back\\slash\n",
	}
	for in, want := range tests {
		if got := unescapeText(in); got != want {
			t.Errorf("unescapeText(%q): expected %q, got %q", in, want, got)
		}
	}
}
