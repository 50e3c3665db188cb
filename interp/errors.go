package interp

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

var (
	ErrTrackerStarted = errors.New("interp: tracker already started")
	ErrStopped        = errors.New("interp: tracking stopped")
	ErrAbandoned      = errors.New("interp: tracking abandoned")
	ErrNotFound       = errors.New("interp: job not found")
)

// ValidationError lists the request fields that failed validation, keyed by
// their multipart field name. It is returned before any network call.
type ValidationError struct {
	Fields map[string]string
}

func (e *ValidationError) Error() string {
	names := make([]string, 0, len(e.Fields))
	for name := range e.Fields {
		names = append(names, name)
	}
	sort.Strings(names)
	msgs := make([]string, 0, len(names))
	for _, name := range names {
		msgs = append(msgs, e.Fields[name])
	}
	return "invalid request: " + strings.Join(msgs, "; ")
}

// HTTPError is a non-2xx answer from the remote service.
type HTTPError struct {
	StatusCode int
	Detail     string
}

func (e *HTTPError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("service returned status %d", e.StatusCode)
	}
	return fmt.Sprintf("service returned status %d: %s", e.StatusCode, e.Detail)
}

// SubmissionError means the job-creation request failed; no job exists.
type SubmissionError struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *SubmissionError) Error() string {
	return fmt.Sprintf("submit %s job: %s", e.Kind, e.Message)
}

func (e *SubmissionError) Unwrap() error { return e.Err }

// PollTransientError is one failed status query. Tracking continues after it.
type PollTransientError struct {
	JobID   string
	Attempt int // consecutive failures including this one
	Err     error
}

func (e *PollTransientError) Error() string {
	return fmt.Sprintf("poll job %s (attempt %d): %v", e.JobID, e.Attempt, e.Err)
}

func (e *PollTransientError) Unwrap() error { return e.Err }

// ServiceReportedError is a job the service itself marked as failed. It is
// data, not a tracker fault.
type ServiceReportedError struct {
	JobID   string
	Message string
}

func (e *ServiceReportedError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("job %s failed", e.JobID)
	}
	return fmt.Sprintf("job %s failed: %s", e.JobID, e.Message)
}
