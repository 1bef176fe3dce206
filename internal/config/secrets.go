package config

import (
	"fmt"
	"strings"
)

// Secrets are read from the environment (or a .env file) and never written
// to the config file.
type Secrets struct {
	NotionToken   string `long:"notion-token" env:"NOTION_API_TOKEN" description:"Notion integration token" validate:"required"`
	IntegrationID string `long:"integration-user" env:"INTEGRATION_USER_ID" description:"User id of the integration, used to find its pages" validate:"required"`
	DatabaseID    string `long:"database" env:"TRACKING_DATABASE" description:"Notion database the events are synced into" validate:"required"`
	ICalLinks     string `long:"ical-links" env:"ICAL_LINKS" description:"Comma-separated calendar feed URLs"`
	AreaIDs       string `long:"area-ids" env:"LIVSDEL_IDS" description:"Comma-separated area page ids, one per feed"`

	SMTPUser   string `long:"smtp-user" env:"SMTP_USER" description:"SMTP username and default sender/recipient"`
	SMTPPass   string `long:"smtp-pass" env:"SMTP_PASS" description:"SMTP password"`
	SMTPServer string `long:"smtp-server" env:"SMTP_SERVER" description:"SMTP host; mail is disabled when empty" validate:"omitempty,hostname"`
}

// Validate checks that the required credentials are present.
func (s Secrets) Validate() error {
	if err := newValidator().Struct(s); err != nil {
		return fmt.Errorf("invalid environment: %w", err)
	}
	return nil
}

// MailEnabled reports whether failure reports can be sent by mail.
func (s Secrets) MailEnabled() bool {
	return s.SMTPServer != "" && s.SMTPUser != ""
}

// EnvFeeds pairs ICAL_LINKS with LIVSDEL_IDS by position.
func (s Secrets) EnvFeeds() ([]FeedConfig, error) {
	urls := splitList(s.ICalLinks)
	areas := splitList(s.AreaIDs)
	if len(urls) != len(areas) {
		return nil, fmt.Errorf("ICAL_LINKS has %d entries but LIVSDEL_IDS has %d", len(urls), len(areas))
	}
	out := make([]FeedConfig, len(urls))
	for i := range urls {
		out[i] = FeedConfig{URL: urls[i], AreaID: areas[i]}
	}
	return out, nil
}

// ResolveFeeds returns the environment feeds followed by the file feeds,
// validated.
func (c *Config) ResolveFeeds(s Secrets) ([]FeedConfig, error) {
	env, err := s.EnvFeeds()
	if err != nil {
		return nil, err
	}
	feeds := append(env, c.Feeds...)
	if len(feeds) == 0 {
		return nil, fmt.Errorf("no feeds configured")
	}
	v := newValidator()
	for i, f := range feeds {
		if err := v.Struct(f); err != nil {
			return nil, fmt.Errorf("feed %d: %w", i+1, err)
		}
	}
	return feeds, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
