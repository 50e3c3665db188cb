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

// TaskTypeTrack is the asynq task type carrying a job to observe.
const TaskTypeTrack = "interp:track"

// ErrNotTrackable is returned for jobs without id or already terminal. Such
// jobs are still journalled.
var ErrNotTrackable = errors.New("dispatch: job is not trackable")

// TrackPayload is the task body of TaskTypeTrack.
type TrackPayload struct {
	Job interp.JobDescriptor `json:"job"`
}

// Client wraps asynq.Client and a Store to journal submitted jobs.
type Client struct {
	client *asynq.Client
	store  interp.Store
	queue  string
	log    logrus.FieldLogger
}

type ClientOptions struct {
	Queue  string
	Logger logrus.FieldLogger
}

func NewClient(redisOpt asynq.RedisClientOpt, store interp.Store, opts ClientOptions) *Client {
	q := opts.Queue
	if q == "" {
		q = "default"
	}
	return &Client{
		client: asynq.NewClient(redisOpt),
		store:  store,
		queue:  q,
		log:    interp.LoggerOrDiscard(opts.Logger),
	}
}

// EnqueueTracking journals job and enqueues a task that tracks it. The task id
// is the job id, so a job is never queued twice while its task is retained.
func (c *Client) EnqueueTracking(ctx context.Context, job interp.JobDescriptor, options ...asynq.Option) (*asynq.TaskInfo, error) {
	if c.client == nil {
		return nil, fmt.Errorf("nil asynq client")
	}
	if c.store != nil && job.ID != "" {
		if err := c.store.InsertSubmitted(ctx, interp.NewJobRecord(job, job.Kind, time.Now().UTC())); err != nil {
			c.log.WithFields(logrus.Fields{"job_id": job.ID, "error": err}).Warn("journal submitted job failed")
		}
	}
	if !job.Trackable() {
		return nil, ErrNotTrackable
	}

	payload, err := json.Marshal(TrackPayload{Job: job})
	if err != nil {
		return nil, err
	}
	t := asynq.NewTask(TaskTypeTrack, payload)
	opts := append([]asynq.Option{asynq.TaskID(job.ID), asynq.Queue(c.queue)}, options...)
	info, err := c.client.EnqueueContext(ctx, t, opts...)
	if err != nil {
		return nil, fmt.Errorf("enqueue tracking for %s: %w", job.ID, err)
	}
	c.log.WithFields(logrus.Fields{"job_id": job.ID, "queue": info.Queue}).Info("tracking enqueued")
	return info, nil
}

func (c *Client) Close() error {
	if c.client != nil {
		return c.client.Close()
	}
	return nil
}
