package interp

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// State is the tracker's lifecycle position.
type State int

const (
	StateIdle      State = iota // no job yet, or a job without id
	StateTracking               // poll loop active
	StateTerminal               // job done or failed
	StateStopped                // cancelled before a terminal status was seen
	StateAbandoned              // retry policy exhausted
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateTracking:
		return "tracking"
	case StateTerminal:
		return "terminal"
	case StateStopped:
		return "stopped"
	case StateAbandoned:
		return "abandoned"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// StatusSource answers status queries. *Client implements it.
type StatusSource interface {
	JobStatus(ctx context.Context, id string) (JobDescriptor, error)
}

// Recorder journals applied observations. *SQLStore implements it.
type Recorder interface {
	RecordObservation(ctx context.Context, job JobDescriptor, observedAt time.Time) error
}

// RetryPolicy decides when failing polls give up.
type RetryPolicy struct {
	// MaxConsecutiveFailures abandons tracking after that many failed polls in
	// a row. 0 never gives up.
	MaxConsecutiveFailures int
}

// RetryForever keeps polling through any number of failures.
var RetryForever = RetryPolicy{}

type TrackerOptions struct {
	// Interval separates the end of one poll from the start of the next.
	// Default: 1s.
	Interval time.Duration
	Retry    RetryPolicy
	// Recorder, if set, receives every applied observation.
	Recorder Recorder
	// OnUpdate runs on the poll goroutine after each applied observation.
	// It is never called once Stop has returned, and must not call Stop.
	OnUpdate func(JobDescriptor)
	// OnPollError runs on the poll goroutine after each failed poll. The same
	// restrictions as OnUpdate apply.
	OnPollError func(*PollTransientError)
	Logger      logrus.FieldLogger
}

func (o *TrackerOptions) defaults() {
	if o.Interval <= 0 {
		o.Interval = time.Second
	}
	o.Logger = LoggerOrDiscard(o.Logger)
}

// Tracker owns the polling lifecycle of a single job. At most one status query
// is in flight at any time. A Tracker is single-use.
type Tracker struct {
	src  StatusSource
	opts TrackerOptions

	// delivery is held while a callback runs; Stop waits on it.
	delivery sync.Mutex

	mu           sync.Mutex
	job          JobDescriptor
	state        State
	started      bool
	failures     int
	observations int
	lastErr      error
	cancel       context.CancelFunc
	done         chan struct{}
}

func NewTracker(src StatusSource, opts TrackerOptions) *Tracker {
	opts.defaults()
	return &Tracker{src: src, opts: opts, done: make(chan struct{})}
}

// Start takes ownership of job. Polling begins after one interval unless the
// job is already terminal or has no id, in which case nothing is scheduled and
// Done is closed immediately. The loop ends when ctx is cancelled, Stop is
// called, or a terminal status is observed.
func (t *Tracker) Start(ctx context.Context, job JobDescriptor) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.started {
		return ErrTrackerStarted
	}
	t.started = true
	t.job = job

	log := t.opts.Logger.WithField("job_id", job.ID)
	switch {
	case job.ID == "":
		log.Debug("job has no id, not tracking")
		close(t.done)
		return nil
	case job.Terminal():
		t.state = StateTerminal
		log.WithField("status", job.Status).Debug("job already terminal, not tracking")
		close(t.done)
		return nil
	}

	loopCtx, cancel := context.WithCancel(ctx)
	t.cancel = cancel
	t.state = StateTracking
	log.WithField("interval", t.opts.Interval).Info("tracking started")
	go t.run(loopCtx, job.ID)
	return nil
}

// Stop cancels tracking. Once Stop returns the held descriptor no longer
// changes and no callback runs; a response still in flight is discarded.
// Stop waits for a running OnUpdate or OnPollError but not for the poll
// goroutine; use Done for that. Stop is idempotent.
func (t *Tracker) Stop() {
	t.mu.Lock()
	switch {
	case !t.started:
		t.started = true
		t.state = StateStopped
		close(t.done)
	case t.state == StateTracking:
		t.state = StateStopped
		t.cancel()
	}
	t.mu.Unlock()

	t.delivery.Lock()
	t.delivery.Unlock()
}

// Job returns a snapshot of the held descriptor.
func (t *Tracker) Job() JobDescriptor {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.job
}

func (t *Tracker) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// LastError returns the failure of the most recent poll, or nil if it
// succeeded.
func (t *Tracker) LastError() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastErr
}

// Observations counts applied poll responses.
func (t *Tracker) Observations() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.observations
}

// Done is closed when the poll loop has exited, or at Start if no loop was
// needed.
func (t *Tracker) Done() <-chan struct{} { return t.done }

// Wait blocks until tracking ends or ctx expires. A terminal job, including
// one the service marked as failed, is returned with a nil error; check
// JobDescriptor.ServiceError for the latter.
func (t *Tracker) Wait(ctx context.Context) (JobDescriptor, error) {
	select {
	case <-t.done:
	case <-ctx.Done():
		return t.Job(), ctx.Err()
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	switch t.state {
	case StateStopped:
		return t.job, ErrStopped
	case StateAbandoned:
		return t.job, fmt.Errorf("%w: %w", ErrAbandoned, t.lastErr)
	}
	return t.job, nil
}

func (t *Tracker) run(ctx context.Context, id string) {
	defer close(t.done)
	defer t.halt()

	timer := time.NewTimer(t.opts.Interval)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
		if !t.tick(ctx, id) {
			return
		}
		timer.Reset(t.opts.Interval)
	}
}

// halt records a cancellation that arrived through the parent context.
func (t *Tracker) halt() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state == StateTracking {
		t.state = StateStopped
	}
	t.cancel()
	t.opts.Logger.WithFields(logrus.Fields{"job_id": t.job.ID, "state": t.state}).Info("tracking ended")
}

// tick runs one poll-and-reconcile cycle and reports whether to schedule
// another.
func (t *Tracker) tick(ctx context.Context, id string) bool {
	next, err := t.src.JobStatus(ctx, id)
	if err == nil && next.ID != id {
		err = fmt.Errorf("response is for job %q", next.ID)
	}

	t.mu.Lock()
	if t.state != StateTracking || ctx.Err() != nil {
		t.mu.Unlock()
		return false
	}
	if err != nil {
		t.failures++
		perr := &PollTransientError{JobID: id, Attempt: t.failures, Err: err}
		t.lastErr = perr
		limit := t.opts.Retry.MaxConsecutiveFailures
		abandon := limit > 0 && t.failures >= limit
		if abandon {
			t.state = StateAbandoned
		}
		t.mu.Unlock()

		t.opts.Logger.WithFields(logrus.Fields{
			"job_id":  id,
			"attempt": perr.Attempt,
			"error":   err,
		}).Warn("job status poll failed")
		if t.opts.OnPollError != nil {
			t.deliver(func() { t.opts.OnPollError(perr) })
		}
		return !abandon
	}

	t.failures = 0
	t.lastErr = nil
	t.job = next
	t.observations++
	terminal := next.Terminal()
	if terminal {
		t.state = StateTerminal
	}
	t.mu.Unlock()

	t.opts.Logger.WithFields(logrus.Fields{"job_id": id, "status": next.Status}).Debug("job status observed")
	if rec := t.opts.Recorder; rec != nil {
		// the observation was applied, so journal it even if Stop lands now
		if err := rec.RecordObservation(context.WithoutCancel(ctx), next, time.Now().UTC()); err != nil {
			t.opts.Logger.WithFields(logrus.Fields{"job_id": id, "error": err}).Warn("record observation failed")
		}
	}
	if t.opts.OnUpdate != nil {
		t.deliver(func() { t.opts.OnUpdate(next) })
	}
	return !terminal
}

// deliver runs fn unless tracking was stopped in the meantime.
func (t *Tracker) deliver(fn func()) {
	t.delivery.Lock()
	defer t.delivery.Unlock()
	t.mu.Lock()
	stopped := t.state == StateStopped
	t.mu.Unlock()
	if !stopped {
		fn()
	}
}
