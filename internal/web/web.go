package web

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"calsync/internal/config"
	appLog "calsync/internal/log"
	"calsync/internal/runner"
)

// Runs is the part of the runner the status server drives.
type Runs interface {
	Run(ctx context.Context) (runner.Report, error)
	LastReport() (runner.Report, bool)
}

type Options struct {
	Runs Runs
	// Metrics is mounted on /metrics when set.
	Metrics http.Handler
	// BasicAuth, if set with both fields, protects everything but /health.
	BasicAuth *config.BasicAuthConfig
	// BaseContext is the parent of manually triggered runs. Defaults to
	// context.Background.
	BaseContext context.Context
}

// Server exposes health, the last run report, a manual trigger and metrics.
type Server struct {
	opts Options
	mux  *http.ServeMux
}

// NewServer constructs a new Server.
func NewServer(opts Options) *Server {
	if opts.BaseContext == nil {
		opts.BaseContext = context.Background()
	}
	s := &Server{
		opts: opts,
		mux:  http.NewServeMux(),
	}
	s.registerRoutes()
	return s
}

// Handler returns the underlying http.Handler for this server.
func (s *Server) Handler() http.Handler {
	h := http.Handler(s.mux)
	if s.basicAuthEnabled() {
		return s.basicAuthMiddleware(h)
	}
	return h
}

func (s *Server) basicAuthEnabled() bool {
	ba := s.opts.BasicAuth
	return ba != nil && ba.Username != "" && ba.Password != ""
}

// basicAuthMiddleware wraps all handlers except /health with HTTP Basic Auth.
func (s *Server) basicAuthMiddleware(next http.Handler) http.Handler {
	username := s.opts.BasicAuth.Username
	password := s.opts.BasicAuth.Password

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			next.ServeHTTP(w, r)
			return
		}

		u, p, ok := r.BasicAuth()
		if !ok || !secureCompare(u, username) || !secureCompare(p, password) {
			w.Header().Set("WWW-Authenticate", `Basic realm="calsync", charset="UTF-8"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// secureCompare compares two strings in constant time.
func secureCompare(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// ListenAndServe serves on addr until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		appLog.Info("starting HTTP server", "listen", "http://"+addr, "basic_auth", s.basicAuthEnabled())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	appLog.Info("HTTP server stopped")
	return nil
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("/health", s.handleHealth)
	s.mux.HandleFunc("/api/status", s.handleStatus)
	s.mux.HandleFunc("/api/run", s.handleRun)
	if s.opts.Metrics != nil {
		s.mux.Handle("/metrics", s.opts.Metrics)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

type statusResponse struct {
	LastRun *runDTO `json:"last_run"`
}

type runDTO struct {
	RunID           string    `json:"run_id"`
	Started         time.Time `json:"started"`
	Finished        time.Time `json:"finished"`
	DurationMS      int64     `json:"duration_ms"`
	Failed          bool      `json:"failed"`
	Feeds           int       `json:"feeds"`
	WorkspaceEvents int       `json:"workspace_events"`
	Created         int       `json:"created"`
	Updated         int       `json:"updated"`
	Unchanged       int       `json:"unchanged"`
	Archived        int       `json:"archived"`
	SoftDeleted     int       `json:"soft_deleted"`
	Warnings        []string  `json:"warnings"`
	Errors          []string  `json:"errors"`
}

func toRunDTO(rep runner.Report) *runDTO {
	dto := &runDTO{
		RunID:           rep.RunID,
		Started:         rep.Started,
		Finished:        rep.Finished,
		DurationMS:      rep.Finished.Sub(rep.Started).Milliseconds(),
		Failed:          rep.Failed(),
		Feeds:           rep.Feeds,
		WorkspaceEvents: rep.WorkspaceEvents,
		Created:         rep.Outcome.Created,
		Updated:         rep.Outcome.Updated,
		Unchanged:       rep.Outcome.Unchanged,
		Archived:        rep.Outcome.Archived,
		SoftDeleted:     rep.Outcome.SoftDeleted,
		Warnings:        errorStrings(rep.Outcome.Warnings),
		Errors:          []string{},
	}
	if err := rep.Err(); err != nil {
		if joined, ok := err.(interface{ Unwrap() []error }); ok {
			dto.Errors = errorStrings(joined.Unwrap())
		} else {
			dto.Errors = []string{err.Error()}
		}
	}
	return dto
}

func errorStrings(errs []error) []string {
	out := make([]string, 0, len(errs))
	for _, e := range errs {
		if e != nil {
			out = append(out, e.Error())
		}
	}
	return out
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var resp statusResponse
	if rep, ok := s.opts.Runs.LastReport(); ok {
		resp.LastRun = toRunDTO(rep)
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleRun runs a sync synchronously. The run is detached from the request
// so a dropped connection does not abort it halfway.
func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	appLog.Info("manual sync requested", "remote", r.RemoteAddr)
	rep, err := s.opts.Runs.Run(s.opts.BaseContext)
	if errors.Is(err, runner.ErrRunInProgress) {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, statusResponse{LastRun: toRunDTO(rep)})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		appLog.Error("failed to write JSON response", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	type errResp struct {
		Error string `json:"error"`
	}
	writeJSON(w, status, errResp{Error: msg})
}
