package web

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"calsync/internal/config"
	"calsync/internal/reconcile"
	"calsync/internal/runner"
)

type fakeRuns struct {
	report runner.Report
	has    bool
	err    error
	calls  int
}

func (f *fakeRuns) Run(ctx context.Context) (runner.Report, error) {
	f.calls++
	if errors.Is(f.err, runner.ErrRunInProgress) {
		return runner.Report{}, f.err
	}
	f.has = true
	return f.report, f.err
}

func (f *fakeRuns) LastReport() (runner.Report, bool) {
	return f.report, f.has
}

func sampleReport() runner.Report {
	started := time.Date(2024, 6, 10, 12, 0, 0, 0, time.UTC)
	return runner.Report{
		RunID:    "run-1",
		Started:  started,
		Finished: started.Add(1500 * time.Millisecond),
		Feeds:    2,
		Outcome: reconcile.Outcome{
			Created:  1,
			Updated:  2,
			Warnings: []error{errors.New("rejected payload")},
			Failures: []error{errors.New("archive failed")},
		},
	}
}

func decodeStatus(t *testing.T, body io.Reader) statusResponse {
	t.Helper()
	var resp statusResponse
	if err := json.NewDecoder(body).Decode(&resp); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	return resp
}

func TestHealthBypassesBasicAuth(t *testing.T) {
	s := NewServer(Options{
		Runs:      &fakeRuns{},
		BasicAuth: &config.BasicAuthConfig{Username: "admin", Password: "pw"},
	})
	h := s.Handler()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusOK || rec.Body.String() != "OK" {
		t.Errorf("Expected 200 OK, got %d %q", rec.Code, rec.Body.String())
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/status", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("Expected 401 without credentials, got %d", rec.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/status", nil)
	req.SetBasicAuth("admin", "pw")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("Expected 200 with credentials, got %d", rec.Code)
	}
}

func TestStatusBeforeAndAfterRun(t *testing.T) {
	runs := &fakeRuns{report: sampleReport()}
	h := NewServer(Options{Runs: runs}).Handler()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/status", nil))
	if resp := decodeStatus(t, rec.Body); resp.LastRun != nil {
		t.Errorf("Expected no last run, got %+v", resp.LastRun)
	}

	runs.has = true
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/status", nil))
	resp := decodeStatus(t, rec.Body)
	if resp.LastRun == nil {
		t.Fatal("Expected last run")
	}
	got := resp.LastRun
	if got.RunID != "run-1" || got.DurationMS != 1500 || !got.Failed {
		t.Errorf("Unexpected run %+v", got)
	}
	if got.Created != 1 || got.Updated != 2 {
		t.Errorf("Unexpected counts %+v", got)
	}
	if len(got.Warnings) != 1 || len(got.Errors) != 1 || got.Errors[0] != "archive failed" {
		t.Errorf("Unexpected warnings %v errors %v", got.Warnings, got.Errors)
	}
}

func TestRunEndpoint(t *testing.T) {
	runs := &fakeRuns{report: sampleReport()}
	h := NewServer(Options{Runs: runs}).Handler()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/run", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("Expected 405 for GET, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/run", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}
	if resp := decodeStatus(t, rec.Body); resp.LastRun == nil || resp.LastRun.RunID != "run-1" {
		t.Errorf("Expected report in response, got %+v", resp.LastRun)
	}
	if runs.calls != 1 {
		t.Errorf("Expected one run, got %d", runs.calls)
	}

	runs.err = runner.ErrRunInProgress
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/run", nil))
	if rec.Code != http.StatusConflict {
		t.Errorf("Expected 409 while running, got %d", rec.Code)
	}
}

func TestMetricsMountedWhenGiven(t *testing.T) {
	metrics := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, "calsync_runs_total 1\n")
	})

	rec := httptest.NewRecorder()
	NewServer(Options{Runs: &fakeRuns{}, Metrics: metrics}).Handler().
		ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if !strings.Contains(rec.Body.String(), "calsync_runs_total") {
		t.Errorf("Expected metrics output, got %q", rec.Body.String())
	}

	rec = httptest.NewRecorder()
	NewServer(Options{Runs: &fakeRuns{}}).Handler().
		ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("Expected 404 without metrics, got %d", rec.Code)
	}
}
