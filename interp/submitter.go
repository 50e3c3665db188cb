package interp

import (
	"context"

	"github.com/sirupsen/logrus"
)

// JobCreator sends one job-creation request. *Client implements it.
type JobCreator interface {
	CreateJob(ctx context.Context, req Request) (JobDescriptor, error)
}

// Submitter turns a validated request into exactly one creation call.
type Submitter struct {
	creator JobCreator
	log     logrus.FieldLogger
}

func NewSubmitter(creator JobCreator, logger logrus.FieldLogger) *Submitter {
	return &Submitter{creator: creator, log: LoggerOrDiscard(logger)}
}

// Submit validates req and creates the job. Invalid input returns a
// *ValidationError without any network traffic; a failed call returns a
// *SubmissionError. The descriptor is returned exactly as the service sent it.
func (s *Submitter) Submit(ctx context.Context, req Request) (JobDescriptor, error) {
	if err := Validate(req); err != nil {
		return JobDescriptor{}, err
	}
	job, err := s.creator.CreateJob(ctx, req)
	if err != nil {
		msg := detailOf(err)
		if msg == "" {
			msg = "network error: " + err.Error()
		}
		s.log.WithFields(logrus.Fields{"kind": req.Kind(), "error": err}).Warn("job submission failed")
		return JobDescriptor{}, &SubmissionError{Kind: req.Kind(), Message: msg, Err: err}
	}
	s.log.WithFields(logrus.Fields{
		"kind":   req.Kind(),
		"job_id": job.ID,
		"status": job.Status,
	}).Info("job submitted")
	return job, nil
}
