package tracker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	appLog "calsync/internal/log"
	"calsync/internal/model"
)

// Rich-text content is limited to 2000 characters per run.
const maxTextRun = 2000

// StaleFilter selects pages created by the bot whose date is on or after
// yesterday in the home zone.
func (c *Client) StaleFilter(now time.Time) *Filter {
	cutoff := model.DayOf(now.In(c.loc)).AddDays(-1)
	return &Filter{And: []Filter{
		{Property: c.props.Date, Date: &DateFilter{OnOrAfter: cutoff.String()}},
		{Property: c.props.CreatedBy, People: &PeopleFilter{Contains: c.botID}},
	}}
}

// QueryPages returns every page of the tracking database matching filter,
// following pagination cursors.
func (c *Client) QueryPages(ctx context.Context, filter *Filter) ([]Page, error) {
	if c.databaseID == "" {
		return nil, errors.New("tracking database id is empty")
	}
	path := "databases/" + c.databaseID + "/query"

	pages := make([]Page, 0)
	req := QueryRequest{Filter: filter, PageSize: 100}
	for {
		var resp ListResponse[Page]
		if err := c.do(ctx, http.MethodPost, path, req, &resp); err != nil {
			return nil, fmt.Errorf("query pages: %w", err)
		}
		pages = append(pages, resp.Results...)
		if !resp.HasMore || resp.NextCursor == nil || *resp.NextCursor == "" {
			break
		}
		req.StartCursor = *resp.NextCursor
	}
	return pages, nil
}

// Comments returns all comments on a page, oldest first.
func (c *Client) Comments(ctx context.Context, pageID string) ([]Comment, error) {
	comments := make([]Comment, 0)
	cursor := ""
	for {
		q := url.Values{}
		q.Set("block_id", pageID)
		q.Set("page_size", "100")
		if cursor != "" {
			q.Set("start_cursor", cursor)
		}

		var resp ListResponse[Comment]
		if err := c.do(ctx, http.MethodGet, "comments?"+q.Encode(), nil, &resp); err != nil {
			return nil, fmt.Errorf("comments for %s: %w", pageID, err)
		}
		comments = append(comments, resp.Results...)
		if !resp.HasMore || resp.NextCursor == nil || *resp.NextCursor == "" {
			break
		}
		cursor = *resp.NextCursor
	}
	return comments, nil
}

// HasChildContent reports whether the page body holds any block.
func (c *Client) HasChildContent(ctx context.Context, pageID string) (bool, error) {
	var resp ListResponse[Block]
	if err := c.do(ctx, http.MethodGet, "blocks/"+pageID+"/children?page_size=1", nil, &resp); err != nil {
		return false, fmt.Errorf("children of %s: %w", pageID, err)
	}
	return len(resp.Results) > 0, nil
}

// CreatePage creates a page for ev in area, then records uid, location and
// description as comments in that order. The page id is returned even when
// a comment fails.
func (c *Client) CreatePage(ctx context.Context, ev model.EventProps, areaID string) (string, error) {
	req := createPageRequest{
		Parent:     parent{DatabaseID: c.databaseID},
		Properties: c.propertiesFor(ev, areaID),
	}

	var page Page
	if err := c.do(ctx, http.MethodPost, "pages", req, &page); err != nil {
		return "", fmt.Errorf("create page %q: %w", ev.Title, err)
	}
	if page.ID == "" {
		return "", fmt.Errorf("create page %q: response has no page id", ev.Title)
	}

	notes := []string{model.PrefixUID + ev.UID}
	if ev.Location != "" {
		notes = append(notes, model.PrefixLocation+ev.Location)
	}
	if ev.Description != "" {
		notes = append(notes, model.PrefixDescription+ev.Description)
	}
	for _, note := range notes {
		if err := c.CreateComment(ctx, page.ID, note); err != nil {
			return page.ID, err
		}
	}

	appLog.Debug("notion page created", "page_id", page.ID, "uid", ev.UID)
	return page.ID, nil
}

// UpdatePage overwrites the structured properties of pageID with next and
// appends location/description comments where they differ from prev. An
// empty comment value clears the field.
func (c *Client) UpdatePage(ctx context.Context, pageID string, next, prev model.EventProps, areaID string) error {
	req := updatePageRequest{Properties: c.propertiesFor(next, areaID)}
	if err := c.do(ctx, http.MethodPatch, "pages/"+pageID, req, nil); err != nil {
		return fmt.Errorf("update page %s: %w", pageID, err)
	}

	if next.Location != prev.Location {
		if err := c.CreateComment(ctx, pageID, model.PrefixLocation+next.Location); err != nil {
			return err
		}
	}
	if next.Description != prev.Description {
		if err := c.CreateComment(ctx, pageID, model.PrefixDescription+next.Description); err != nil {
			return err
		}
	}
	return nil
}

// ArchivePage moves a page to the trash.
func (c *Client) ArchivePage(ctx context.Context, pageID string) error {
	archived := true
	if err := c.do(ctx, http.MethodPatch, "pages/"+pageID, updatePageRequest{Archived: &archived}, nil); err != nil {
		return fmt.Errorf("archive page %s: %w", pageID, err)
	}
	return nil
}

// SoftDeletePage marks the title so the page is kept but no longer synced.
func (c *Client) SoftDeletePage(ctx context.Context, pageID, title string) error {
	req := updatePageRequest{Properties: map[string]PropertyValue{
		c.props.Title: {Type: TypeTitle, Title: []RichText{NewText(model.MarkDeleted(title))}},
	}}
	if err := c.do(ctx, http.MethodPatch, "pages/"+pageID, req, nil); err != nil {
		return fmt.Errorf("soft delete page %s: %w", pageID, err)
	}
	return nil
}

// CreateComment adds a comment to a page. Long text is split into several
// rich-text runs.
func (c *Client) CreateComment(ctx context.Context, pageID, text string) error {
	req := createCommentRequest{
		Parent:   parent{PageID: pageID},
		RichText: chunkText(text, maxTextRun),
	}
	if err := c.do(ctx, http.MethodPost, "comments", req, nil); err != nil {
		return fmt.Errorf("comment on %s: %w", pageID, err)
	}
	return nil
}

// AreaTag returns the first character of the area page's emoji icon.
func (c *Client) AreaTag(ctx context.Context, areaID string) (string, error) {
	var page Page
	if err := c.do(ctx, http.MethodGet, "pages/"+areaID, nil, &page); err != nil {
		return "", fmt.Errorf("area %s: %w", areaID, err)
	}
	if page.Icon == nil || page.Icon.Type != "emoji" || page.Icon.Emoji == "" {
		return "", fmt.Errorf("area %s has no emoji icon", areaID)
	}
	r := []rune(page.Icon.Emoji)
	return string(r[:1]), nil
}

// Fields extracts the structured properties of a page. A page without
// title or date property is malformed.
func (props Properties) Fields(p Page) (model.WorkspaceFields, error) {
	title, ok := p.Properties[props.Title]
	if !ok || title.Type != TypeTitle {
		return model.WorkspaceFields{}, fmt.Errorf("page %s: missing title property %q", p.ID, props.Title)
	}
	date, ok := p.Properties[props.Date]
	if !ok || date.Date == nil {
		return model.WorkspaceFields{}, fmt.Errorf("page %s: missing date property %q", p.ID, props.Date)
	}

	f := model.WorkspaceFields{
		PageID:    p.ID,
		Title:     PlainTextOf(title.Title),
		DateStart: date.Date.Start,
	}
	if date.Date.End != nil {
		f.DateEnd = *date.Date.End
	}
	if m, ok := p.Properties[props.Minutes]; ok {
		f.Minutes = m.Number
	}
	if d, ok := p.Properties[props.Done]; ok && d.Type == TypeCheckbox {
		f.Done = d.Checkbox
	}
	return f, nil
}

// AreaOf returns the first related area id of a page, or "".
func (props Properties) AreaOf(p Page) string {
	rel, ok := p.Properties[props.Area]
	if !ok || len(rel.Relation) == 0 {
		return ""
	}
	return rel.Relation[0].ID
}

func (c *Client) propertiesFor(ev model.EventProps, areaID string) map[string]PropertyValue {
	w := ev.When.Wire()
	date := &DateValue{Start: w.Start}
	if w.End != "" {
		end := w.End
		date.End = &end
	}
	if w.TimeZone != "" {
		tz := w.TimeZone
		date.TimeZone = &tz
	}

	var minutes *float64
	if ev.Minutes != nil {
		m := float64(*ev.Minutes)
		minutes = &m
	}

	props := map[string]PropertyValue{
		c.props.Title:   {Type: TypeTitle, Title: chunkText(ev.Title, maxTextRun)},
		c.props.Date:    {Type: TypeDate, Date: date},
		c.props.Minutes: {Type: TypeNumber, Number: minutes},
	}
	if areaID != "" {
		props[c.props.Area] = PropertyValue{Type: TypeRelation, Relation: []Relation{{ID: areaID}}}
	}
	return props
}

func chunkText(s string, size int) []RichText {
	r := []rune(s)
	if len(r) <= size {
		return []RichText{NewText(s)}
	}
	out := make([]RichText, 0, len(r)/size+1)
	for len(r) > 0 {
		n := size
		if len(r) < n {
			n = len(r)
		}
		out = append(out, NewText(string(r[:n])))
		r = r[n:]
	}
	return out
}
