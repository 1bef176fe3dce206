package tracker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	appLog "calsync/internal/log"
)

const (
	defaultBaseURL    = "https://api.notion.com/v1"
	defaultAPIVersion = "2022-06-28"
	defaultRPS        = 3
)

// Properties names the database columns the sync reads and writes.
type Properties struct {
	Title     string
	Date      string
	Minutes   string
	Area      string
	Done      string
	CreatedBy string
}

// DefaultProperties matches the tracking database layout. The done
// checkbox column has an empty name.
func DefaultProperties() Properties {
	return Properties{
		Title:     "Name",
		Date:      "Dato",
		Minutes:   "Minutt",
		Area:      "Livsdel",
		Done:      "",
		CreatedBy: "created_by",
	}
}

func (p Properties) withDefaults() Properties {
	d := DefaultProperties()
	if p.Title == "" {
		p.Title = d.Title
	}
	if p.Date == "" {
		p.Date = d.Date
	}
	if p.Minutes == "" {
		p.Minutes = d.Minutes
	}
	if p.Area == "" {
		p.Area = d.Area
	}
	if p.CreatedBy == "" {
		p.CreatedBy = d.CreatedBy
	}
	return p
}

type Options struct {
	BaseURL    string
	Token      string
	APIVersion string
	UserAgent  string

	DatabaseID string
	// BotID is the integration user; only pages it created are synced.
	BotID      string
	Properties Properties
	// Location is the home zone used for dates and the stale filter.
	Location *time.Location

	HTTPClient        *http.Client
	MaxRetries        int
	BaseDelay         time.Duration
	MaxDelay          time.Duration
	RequestsPerSecond float64
}

// Client talks to the Notion REST API.
type Client struct {
	baseURL    string
	token      string
	apiVersion string
	userAgent  string

	databaseID string
	botID      string
	props      Properties
	loc        *time.Location

	httpClient *http.Client
	limiter    *rate.Limiter
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
}

func New(opts Options) *Client {
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 20 * time.Second}
	}
	apiVersion := strings.TrimSpace(opts.APIVersion)
	if apiVersion == "" {
		apiVersion = defaultAPIVersion
	}
	maxRetries := opts.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}
	baseDelay := opts.BaseDelay
	if baseDelay <= 0 {
		baseDelay = 500 * time.Millisecond
	}
	maxDelay := opts.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 10 * time.Second
	}
	rps := opts.RequestsPerSecond
	if rps <= 0 {
		rps = defaultRPS
	}
	loc := opts.Location
	if loc == nil {
		loc = time.Local
	}
	return &Client{
		baseURL:    baseURL,
		token:      strings.TrimSpace(opts.Token),
		apiVersion: apiVersion,
		userAgent:  strings.TrimSpace(opts.UserAgent),
		databaseID: opts.DatabaseID,
		botID:      opts.BotID,
		props:      opts.Properties.withDefaults(),
		loc:        loc,
		httpClient: httpClient,
		limiter:    rate.NewLimiter(rate.Limit(rps), 1),
		maxRetries: maxRetries,
		baseDelay:  baseDelay,
		maxDelay:   maxDelay,
	}
}

// BotID returns the integration user id.
func (c *Client) BotID() string {
	return c.botID
}

// Properties returns the effective column names.
func (c *Client) Properties() Properties {
	return c.props
}

// do sends one request and decodes a 2xx body into out (if non-nil).
// 429 and 5xx are retried with backoff; network errors are retried for
// non-POST requests only, since a lost POST may still have been applied.
func (c *Client) do(ctx context.Context, method, path string, payload, out any) error {
	if c.token == "" {
		return errors.New("notion token is empty")
	}

	var bodyBytes []byte
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encode %s %s: %w", method, path, err)
		}
		bodyBytes = b
	}
	url := c.baseURL + "/" + strings.TrimLeft(path, "/")

	for attempt := 0; ; attempt++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}

		var body io.Reader
		if bodyBytes != nil {
			body = bytes.NewReader(bodyBytes)
		}
		req, err := http.NewRequestWithContext(ctx, method, url, body)
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bearer "+c.token)
		req.Header.Set("Notion-Version", c.apiVersion)
		if bodyBytes != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		if c.userAgent != "" {
			req.Header.Set("User-Agent", c.userAgent)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if method != http.MethodPost && attempt < c.maxRetries && ctx.Err() == nil {
				if waitErr := sleepContext(ctx, c.retryDelay(attempt+1, "")); waitErr != nil {
					return waitErr
				}
				continue
			}
			return fmt.Errorf("%s %s: %w", method, path, err)
		}

		respBody, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return fmt.Errorf("%s %s: read body: %w", method, path, readErr)
		}

		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			// Notion may report a rejected payload with a 2xx status.
			if isErrorBody(respBody) {
				return c.errorFor(method, path, resp.StatusCode, respBody, bodyBytes)
			}
			if out == nil || len(respBody) == 0 {
				return nil
			}
			if err := json.Unmarshal(respBody, out); err != nil {
				return fmt.Errorf("%s %s: decode response: %w", method, path, err)
			}
			return nil
		}

		if (resp.StatusCode == http.StatusTooManyRequests || (resp.StatusCode >= 500 && resp.StatusCode <= 599)) && attempt < c.maxRetries {
			appLog.Debug("notion request retry", "method", method, "path", path, "status", resp.StatusCode, "attempt", attempt+1)
			if waitErr := sleepContext(ctx, c.retryDelay(attempt+1, resp.Header.Get("Retry-After"))); waitErr != nil {
				return waitErr
			}
			continue
		}

		return c.errorFor(method, path, resp.StatusCode, respBody, bodyBytes)
	}
}

func isErrorBody(body []byte) bool {
	var parsed errorBody
	if len(body) == 0 || json.Unmarshal(body, &parsed) != nil {
		return false
	}
	return parsed.Object == "error" || parsed.Code == "validation_error"
}

func (c *Client) errorFor(method, path string, status int, respBody, reqBody []byte) error {
	message := strings.TrimSpace(string(respBody))
	var parsed errorBody
	if json.Unmarshal(respBody, &parsed) == nil && strings.TrimSpace(parsed.Message) != "" {
		message = parsed.Message
	}

	if parsed.Code == "validation_error" {
		appLog.Warn("notion validation error",
			"method", method,
			"path", path,
			"message", message,
			"body", string(reqBody),
		)
		return &ValidationError{
			Method:  method,
			Path:    path,
			Status:  status,
			Message: message,
			Body:    string(reqBody),
		}
	}
	return &APIError{
		Method:  method,
		Path:    path,
		Status:  status,
		Code:    parsed.Code,
		Message: message,
	}
}

func (c *Client) retryDelay(attempt int, retryAfterHeader string) time.Duration {
	if retryAfter := parseRetryAfterSeconds(retryAfterHeader); retryAfter > 0 {
		if retryAfter > c.maxDelay {
			return c.maxDelay
		}
		return retryAfter
	}
	delay := c.baseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= c.maxDelay {
			return c.maxDelay
		}
	}
	if delay > c.maxDelay {
		return c.maxDelay
	}
	return delay
}

func parseRetryAfterSeconds(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	seconds, err := strconv.Atoi(header)
	if err != nil || seconds < 0 {
		return 0
	}
	return time.Duration(seconds) * time.Second
}

func sleepContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
