package interp

import (
	"context"
	"errors"
	"sync"
)

// Session keeps at most one job under observation. Tracking a new job stops
// the previous one first.
type Session struct {
	submitter *Submitter
	src       StatusSource
	opts      TrackerOptions

	mu      sync.Mutex
	current *Tracker
}

func NewSession(submitter *Submitter, src StatusSource, opts TrackerOptions) *Session {
	return &Session{submitter: submitter, src: src, opts: opts}
}

// Run submits req and starts tracking the resulting job. Submission failures
// leave the current tracker untouched.
func (s *Session) Run(ctx context.Context, req Request) (*Tracker, error) {
	if s.submitter == nil {
		return nil, errors.New("interp: session has no submitter")
	}
	job, err := s.submitter.Submit(ctx, req)
	if err != nil {
		return nil, err
	}
	return s.Track(ctx, job)
}

// Track replaces the current job with job.
func (s *Session) Track(ctx context.Context, job JobDescriptor) (*Tracker, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current != nil {
		s.current.Stop()
	}
	t := NewTracker(s.src, s.opts)
	if err := t.Start(ctx, job); err != nil {
		return nil, err
	}
	s.current = t
	return t, nil
}

// Current returns the active tracker, or nil.
func (s *Session) Current() *Tracker {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// Close stops the current tracker.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current != nil {
		s.current.Stop()
	}
}
