package tracker

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Property types understood by PropertyValue.
const (
	TypeTitle    = "title"
	TypeDate     = "date"
	TypeNumber   = "number"
	TypeRelation = "relation"
	TypeCheckbox = "checkbox"
)

type TextContent struct {
	Content string `json:"content"`
}

type RichText struct {
	Type      string       `json:"type,omitempty"`
	Text      *TextContent `json:"text,omitempty"`
	PlainText string       `json:"plain_text,omitempty"`
}

// NewText returns a rich-text run of type text.
func NewText(s string) RichText {
	return RichText{Type: "text", Text: &TextContent{Content: s}}
}

// PlainTextOf concatenates the runs. Responses carry plain_text; request
// payloads built locally only carry text.content.
func PlainTextOf(rt []RichText) string {
	var b strings.Builder
	for _, r := range rt {
		switch {
		case r.PlainText != "":
			b.WriteString(r.PlainText)
		case r.Text != nil:
			b.WriteString(r.Text.Content)
		}
	}
	return b.String()
}

// DateValue is the payload of a date property. Nil End or TimeZone are sent
// as null so a previous value is cleared.
type DateValue struct {
	Start    string  `json:"start"`
	End      *string `json:"end"`
	TimeZone *string `json:"time_zone"`
}

type Relation struct {
	ID string `json:"id"`
}

type User struct {
	Object string `json:"object,omitempty"`
	ID     string `json:"id"`
}

type Icon struct {
	Type  string `json:"type"`
	Emoji string `json:"emoji,omitempty"`
}

// PropertyValue is one page property. Only the field matching Type is
// meaningful.
type PropertyValue struct {
	ID       string     `json:"id,omitempty"`
	Type     string     `json:"type"`
	Title    []RichText `json:"title,omitempty"`
	Date     *DateValue `json:"date,omitempty"`
	Number   *float64   `json:"number,omitempty"`
	Relation []Relation `json:"relation,omitempty"`
	Checkbox bool       `json:"checkbox,omitempty"`
}

// MarshalJSON writes only the field selected by Type. Empty values are
// written as null or [] so they overwrite what the page holds.
func (p PropertyValue) MarshalJSON() ([]byte, error) {
	switch p.Type {
	case TypeTitle:
		title := p.Title
		if title == nil {
			title = []RichText{}
		}
		return json.Marshal(struct {
			Title []RichText `json:"title"`
		}{title})
	case TypeDate:
		return json.Marshal(struct {
			Date *DateValue `json:"date"`
		}{p.Date})
	case TypeNumber:
		return json.Marshal(struct {
			Number *float64 `json:"number"`
		}{p.Number})
	case TypeRelation:
		rel := p.Relation
		if rel == nil {
			rel = []Relation{}
		}
		return json.Marshal(struct {
			Relation []Relation `json:"relation"`
		}{rel})
	case TypeCheckbox:
		return json.Marshal(struct {
			Checkbox bool `json:"checkbox"`
		}{p.Checkbox})
	default:
		return nil, fmt.Errorf("unsupported property type %q", p.Type)
	}
}

type Page struct {
	Object     string                   `json:"object"`
	ID         string                   `json:"id"`
	Archived   bool                     `json:"archived"`
	CreatedBy  User                     `json:"created_by"`
	Icon       *Icon                    `json:"icon"`
	Properties map[string]PropertyValue `json:"properties"`
}

type Comment struct {
	ID          string     `json:"id"`
	CreatedBy   User       `json:"created_by"`
	CreatedTime string     `json:"created_time"`
	RichText    []RichText `json:"rich_text"`
}

// Text is the comment body as plain text.
func (c Comment) Text() string {
	return PlainTextOf(c.RichText)
}

type Block struct {
	Object string `json:"object"`
	ID     string `json:"id"`
	Type   string `json:"type"`
}

type DateFilter struct {
	OnOrAfter string `json:"on_or_after,omitempty"`
}

type PeopleFilter struct {
	Contains string `json:"contains,omitempty"`
}

// Filter is a database query filter. Compound filters set And only.
type Filter struct {
	Property string        `json:"property,omitempty"`
	Date     *DateFilter   `json:"date,omitempty"`
	People   *PeopleFilter `json:"people,omitempty"`
	And      []Filter      `json:"and,omitempty"`
}

type QueryRequest struct {
	Filter      *Filter `json:"filter,omitempty"`
	StartCursor string  `json:"start_cursor,omitempty"`
	PageSize    int     `json:"page_size,omitempty"`
}

// ListResponse is the paginated list envelope shared by query, comments
// and block children.
type ListResponse[T any] struct {
	Object     string  `json:"object"`
	Results    []T     `json:"results"`
	HasMore    bool    `json:"has_more"`
	NextCursor *string `json:"next_cursor"`
}

type createPageRequest struct {
	Parent     parent                   `json:"parent"`
	Properties map[string]PropertyValue `json:"properties"`
}

type updatePageRequest struct {
	Properties map[string]PropertyValue `json:"properties,omitempty"`
	Archived   *bool                    `json:"archived,omitempty"`
}

type createCommentRequest struct {
	Parent   parent     `json:"parent"`
	RichText []RichText `json:"rich_text"`
}

type parent struct {
	DatabaseID string `json:"database_id,omitempty"`
	PageID     string `json:"page_id,omitempty"`
}

type errorBody struct {
	Object  string `json:"object"`
	Status  int    `json:"status"`
	Code    string `json:"code"`
	Message string `json:"message"`
}
