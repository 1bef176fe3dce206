package runner

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"calsync/internal/reconcile"
)

// Report summarizes one run.
type Report struct {
	RunID    string
	Started  time.Time
	Finished time.Time
	Feeds    int

	WorkspaceEvents int

	// WorkspaceErr is set when the snapshot could not be loaded; nothing
	// was changed.
	WorkspaceErr error
	FeedErrors   []*FeedError
	Integrity    []error
	// Aborted is set when the context ended before deletes ran.
	Aborted error
	Outcome reconcile.Outcome
}

// Failed reports whether the run needs operator attention.
func (r Report) Failed() bool {
	return r.WorkspaceErr != nil ||
		r.Aborted != nil ||
		len(r.FeedErrors) > 0 ||
		len(r.Integrity) > 0 ||
		len(r.Outcome.Failures) > 0
}

// Err joins every failure of the run, or returns nil.
func (r Report) Err() error {
	if !r.Failed() {
		return nil
	}
	errs := []error{r.WorkspaceErr, r.Aborted}
	for _, fe := range r.FeedErrors {
		errs = append(errs, fe)
	}
	errs = append(errs, r.Integrity...)
	errs = append(errs, r.Outcome.Failures...)
	return errors.Join(errs...)
}

func (r Report) Subject() string {
	return fmt.Sprintf("calsync: run %s failed", shortID(r.RunID))
}

// Summary is the plain-text body sent to the operator.
func (r Report) Summary() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Run %s\n", r.RunID)
	fmt.Fprintf(&b, "Started:  %s\n", r.Started.Format(time.RFC3339))
	fmt.Fprintf(&b, "Finished: %s\n\n", r.Finished.Format(time.RFC3339))
	fmt.Fprintf(&b, "Created %d, updated %d, unchanged %d, archived %d, soft-deleted %d\n",
		r.Outcome.Created, r.Outcome.Updated, r.Outcome.Unchanged, r.Outcome.Archived, r.Outcome.SoftDeleted)

	section := func(title string, errs []error) {
		if len(errs) == 0 {
			return
		}
		fmt.Fprintf(&b, "\n%s:\n", title)
		for _, err := range errs {
			fmt.Fprintf(&b, "  - %v\n", err)
		}
	}

	if r.WorkspaceErr != nil {
		section("Workspace", []error{r.WorkspaceErr})
	}
	if r.Aborted != nil {
		section("Aborted", []error{r.Aborted})
	}
	feedErrs := make([]error, 0, len(r.FeedErrors))
	for _, fe := range r.FeedErrors {
		feedErrs = append(feedErrs, fe)
	}
	section("Feeds", feedErrs)
	section("Integrity", r.Integrity)
	section("Failures", r.Outcome.Failures)
	section("Warnings", r.Outcome.Warnings)
	return b.String()
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
