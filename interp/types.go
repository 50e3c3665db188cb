package interp

import (
	"net/url"
	"time"
)

// Status is the job state reported by the remote service.
// Unknown values are kept as-is and treated as non-terminal.
type Status string

const (
	StatusQueued     Status = "queued"
	StatusProcessing Status = "processing"
	StatusRunning    Status = "running"
	StatusDone       Status = "done"
	StatusError      Status = "error"
)

// Terminal reports whether no further transitions can follow s.
func (s Status) Terminal() bool {
	return s == StatusDone || s == StatusError
}

// Kind is the submission mode of a job.
type Kind string

const (
	KindVideo  Kind = "video"
	KindFrames Kind = "frames"
)

// JobDescriptor is the service's view of one job. Every poll replaces it in full.
type JobDescriptor struct {
	ID        string `json:"id"`
	Status    Status `json:"status"`
	Kind      Kind   `json:"kind,omitempty"`
	Error     string `json:"error,omitempty"`
	OutputURL string `json:"output_url,omitempty"`
	FramesURL string `json:"frames_url,omitempty"`
}

// Terminal reports whether the job is done or failed.
func (j JobDescriptor) Terminal() bool { return j.Status.Terminal() }

// Trackable reports whether polling makes sense for j.
func (j JobDescriptor) Trackable() bool { return j.ID != "" && !j.Terminal() }

// ServiceError returns the failure reported by the service, or nil unless the
// status is error.
func (j JobDescriptor) ServiceError() error {
	if j.Status != StatusError {
		return nil
	}
	return &ServiceReportedError{JobID: j.ID, Message: j.Error}
}

// ResultURL returns the primary artifact locator. It is only meaningful once
// the job is done.
func (j JobDescriptor) ResultURL() (string, bool) {
	if j.Status != StatusDone || j.OutputURL == "" {
		return "", false
	}
	return j.OutputURL, true
}

// FramesArchivePath is the service path of the intermediate-frames bundle for
// a job. The service never reports it; it is derived from the id alone.
func FramesArchivePath(jobID string) string {
	return "/api/download_frames/" + url.PathEscape(jobID)
}

// JobRecord is the journalled lifecycle of one job.
type JobRecord struct {
	ID            string
	Kind          Kind
	Status        Status
	ErrorMsg      *string // service-reported error, if any
	OutputURL     *string
	FramesURL     *string
	Polls         int     // successful observations applied
	LastPollError *string // last transient failure or abandonment reason
	CreatedAt     time.Time
	UpdatedAt     *time.Time
	TrackingAt    *time.Time
	FinishedAt    *time.Time
}
