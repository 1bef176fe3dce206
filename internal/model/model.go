package model

import (
	"fmt"
	"strings"
	"time"
)

// DeletedMarker is inserted into the title of soft-deleted pages.
const DeletedMarker = '❌'

// Comment prefixes used to persist fields the tracker has no column for.
const (
	PrefixUID         = "UID: "
	PrefixLocation    = "Sted: "
	PrefixDescription = "Beskrivelse: "
)

// EventProps is the comparable form of a calendar event, whether it came from
// a feed or from a tracker page.
type EventProps struct {
	When    StartEnd
	Title   string
	Minutes *int

	// Empty means unset.
	Description string
	Location    string
	UID         string

	// Provenance and state. Not part of equality.
	PageID string
	Done   bool
}

// Equal compares content fields only; PageID and Done are ignored.
func (e EventProps) Equal(o EventProps) bool {
	if e.When == nil || o.When == nil {
		if e.When != nil || o.When != nil {
			return false
		}
	} else if !e.When.Equal(o.When) {
		return false
	}
	return e.Title == o.Title &&
		sameMinutes(e.Minutes, o.Minutes) &&
		e.Description == o.Description &&
		e.Location == o.Location &&
		e.UID == o.UID
}

func (e EventProps) String() string {
	when := "<nil>"
	if e.When != nil {
		when = e.When.String()
	}
	return fmt.Sprintf("%s [%s] uid=%s", e.Title, when, e.UID)
}

func sameMinutes(a, b *int) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

// FieldHistory exposes the latest value recorded for a field. Implementations
// return "" when no value (or an empty value) was recorded.
type FieldHistory interface {
	Latest(prefix string) string
}

// FeedFields are the raw values of one calendar event.
type FeedFields struct {
	Tag         string
	Summary     string
	Description string
	Location    string
	UID         string
	Start       FeedTime
	End         *FeedTime
}

// FromFeed builds a feed-origin event. Done is always false.
func FromFeed(f FeedFields, loc *time.Location) EventProps {
	when := StartEndFromFeed(f.Start, f.End, loc)
	return EventProps{
		When:        when,
		Title:       f.Tag + f.Summary,
		Minutes:     DurationMinutes(when),
		Description: optional(f.Description),
		Location:    optional(f.Location),
		UID:         f.UID,
	}
}

// WorkspaceFields are the structured properties of one tracker page.
type WorkspaceFields struct {
	PageID    string
	Title     string
	DateStart string
	DateEnd   string
	Minutes   *float64
	Done      bool
}

// FromWorkspace builds a workspace-origin event. uid, location and
// description come from history.
func FromWorkspace(f WorkspaceFields, history FieldHistory, loc *time.Location) (EventProps, error) {
	when, err := StartEndFromWorkspace(f.DateStart, f.DateEnd, loc)
	if err != nil {
		return EventProps{}, fmt.Errorf("page %s: %w", f.PageID, err)
	}

	var minutes *int
	if f.Minutes != nil {
		m := int(*f.Minutes)
		minutes = &m
	}

	return EventProps{
		When:        when,
		Title:       f.Title,
		Minutes:     minutes,
		Description: optional(history.Latest(PrefixDescription)),
		Location:    optional(history.Latest(PrefixLocation)),
		UID:         optional(history.Latest(PrefixUID)),
		PageID:      f.PageID,
		Done:        f.Done,
	}, nil
}

// optional normalizes blank values to unset.
func optional(s string) string {
	if strings.TrimSpace(s) == "" {
		return ""
	}
	return s
}

// IsDeleted reports whether a title carries the soft-delete marker.
func IsDeleted(title string) bool {
	return strings.ContainsRune(title, DeletedMarker)
}

// MarkDeleted inserts the marker after the first rune so the feed tag stays
// in front.
func MarkDeleted(title string) string {
	r := []rune(title)
	if len(r) == 0 {
		return string(DeletedMarker)
	}
	return string(r[:1]) + string(DeletedMarker) + string(r[1:])
}
