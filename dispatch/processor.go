package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"

	"github.com/mohans/interpx/interp"
)

// Processor runs tracking tasks on background workers and journals their
// lifecycle in the Store.
type Processor struct {
	server *asynq.Server
	store  interp.Store
	src    interp.StatusSource
	opts   interp.TrackerOptions
	log    logrus.FieldLogger
}

type ProcessorConfig struct {
	Concurrency int
	Queues      map[string]int
	// Tracking configures the tracker run for each task. Its Recorder is
	// replaced by the processor's store when one is given.
	Tracking interp.TrackerOptions
	Logger   logrus.FieldLogger
}

func NewProcessor(redisOpt asynq.RedisClientOpt, store interp.Store, src interp.StatusSource, cfg ProcessorConfig) *Processor {
	con := cfg.Concurrency
	if con <= 0 {
		con = 10
	}
	qs := cfg.Queues
	if qs == nil {
		qs = map[string]int{"default": 1}
	}
	log := interp.LoggerOrDiscard(cfg.Logger)
	server := asynq.NewServer(redisOpt, asynq.Config{Concurrency: con, Queues: qs, Logger: log})

	opts := cfg.Tracking
	if store != nil {
		opts.Recorder = store
	}
	if opts.Logger == nil {
		opts.Logger = log
	}
	return &Processor{server: server, store: store, src: src, opts: opts, log: log}
}

// lifecycleMiddleware marks the journal row tracking on start and records the
// reason when tracking gave up.
func (p *Processor) lifecycleMiddleware(next asynq.Handler) asynq.Handler {
	return asynq.HandlerFunc(func(ctx context.Context, t *asynq.Task) error {
		id, ok := asynq.GetTaskID(ctx)
		if p.store != nil && ok {
			_ = p.store.MarkTracking(ctx, id, time.Now().UTC())
		}
		err := next.ProcessTask(ctx, t)
		if ok {
			p.recordOutcome(context.WithoutCancel(ctx), id, err)
		}
		return err
	})
}

// recordOutcome journals why tracking of id ended without a terminal status.
// Service-reported failures are already in the row, and a worker shutdown is
// not an abandonment: the task is retried.
func (p *Processor) recordOutcome(ctx context.Context, id string, err error) {
	if p.store == nil || err == nil {
		return
	}
	var sre *interp.ServiceReportedError
	if errors.As(err, &sre) || errors.Is(err, interp.ErrStopped) {
		return
	}
	_ = p.store.MarkAbandoned(ctx, id, err.Error(), time.Now().UTC())
}

// handleTrack follows one job until it reaches a terminal status. A job the
// service failed is not retried; abandoned or interrupted tracking is.
func (p *Processor) handleTrack(ctx context.Context, t *asynq.Task) error {
	var payload TrackPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("decode track payload: %v: %w", err, asynq.SkipRetry)
	}
	tr := interp.NewTracker(p.src, p.opts)
	if err := tr.Start(ctx, payload.Job); err != nil {
		return err
	}
	job, err := tr.Wait(context.Background())
	if err != nil {
		return err
	}
	if sre := job.ServiceError(); sre != nil {
		return fmt.Errorf("%w: %w", sre, asynq.SkipRetry)
	}
	p.log.WithFields(logrus.Fields{"job_id": job.ID, "status": job.Status, "polls": tr.Observations()}).Info("job tracked to completion")
	return nil
}

func (p *Processor) handler(mux *asynq.ServeMux) asynq.Handler {
	if mux == nil {
		mux = asynq.NewServeMux()
	}
	mux.HandleFunc(TaskTypeTrack, p.handleTrack)
	return p.lifecycleMiddleware(mux)
}

// Start begins processing in the background. mux may carry extra handlers;
// the tracking handler is registered on it.
func (p *Processor) Start(mux *asynq.ServeMux) error {
	return p.server.Start(p.handler(mux))
}

// Run is Start followed by waiting for SIGTERM or SIGINT, then Shutdown.
func (p *Processor) Run(mux *asynq.ServeMux) error {
	return p.server.Run(p.handler(mux))
}

func (p *Processor) Shutdown() { p.server.Shutdown() }
