package dispatch_test

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/hibiken/asynq"
	_ "modernc.org/sqlite"

	"github.com/mohans/interpx/dispatch"
	"github.com/mohans/interpx/interp"
	"github.com/mohans/interpx/interp/interptest"
)

func openTestDB(t *testing.T) *interp.SQLStore {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	db, err := sql.Open("sqlite", fmt.Sprintf("file:dispatch_%s?mode=memory&cache=shared", name))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	store := interp.NewSQLStore(db)
	if err := store.Migrate(context.Background()); err != nil {
		t.Fatalf("create schema: %v", err)
	}
	return store
}

func startMiniRedis(t *testing.T) asynq.RedisClientOpt {
	t.Helper()
	s, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis.Run: %v", err)
	}
	t.Cleanup(s.Close)
	return asynq.RedisClientOpt{Addr: s.Addr()}
}

func pollUntil(t *testing.T, timeout time.Duration, f func() (bool, error)) error {
	deadline := time.Now().Add(timeout)
	for {
		ok, err := f()
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		if time.Now().After(deadline) {
			return errors.New("timeout")
		}
		time.Sleep(20 * time.Millisecond)
	}
}

type harness struct {
	srv    *interptest.Server
	store  *interp.SQLStore
	client *dispatch.Client
}

func startHarness(t *testing.T, retry interp.RetryPolicy) *harness {
	t.Helper()
	redis := startMiniRedis(t)
	store := openTestDB(t)
	srv := interptest.NewServer()
	t.Cleanup(srv.Close)
	src, err := interp.NewClient(srv.URL, interp.ClientOptions{})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}

	processor := dispatch.NewProcessor(redis, store, src, dispatch.ProcessorConfig{
		Concurrency: 2,
		Tracking:    interp.TrackerOptions{Interval: 10 * time.Millisecond, Retry: retry},
	})
	if err := processor.Start(nil); err != nil {
		t.Fatalf("start processor: %v", err)
	}
	t.Cleanup(processor.Shutdown)

	client := dispatch.NewClient(redis, store, dispatch.ClientOptions{Queue: "default"})
	t.Cleanup(func() { client.Close() })
	return &harness{srv: srv, store: store, client: client}
}

func (h *harness) waitRecord(t *testing.T, id string, f func(*interp.JobRecord) bool) *interp.JobRecord {
	t.Helper()
	var rec *interp.JobRecord
	err := pollUntil(t, 5*time.Second, func() (bool, error) {
		var err error
		rec, err = h.store.GetByID(context.Background(), id)
		if err != nil {
			return false, nil
		}
		return f(rec), nil
	})
	if err != nil {
		t.Fatalf("job %s: %v (last record %#v)", id, err, rec)
	}
	return rec
}

func TestProcessor_TracksToDone(t *testing.T) {
	h := startHarness(t, interp.RetryForever)
	h.srv.Script("j1",
		interptest.Step{Job: interp.JobDescriptor{ID: "j1", Status: interp.StatusProcessing}},
		interptest.Step{Job: interp.JobDescriptor{ID: "j1", Status: interp.StatusDone, OutputURL: "/api/download/j1"}},
	)

	info, err := h.client.EnqueueTracking(context.Background(), interp.JobDescriptor{ID: "j1", Status: interp.StatusQueued, Kind: interp.KindVideo})
	if err != nil {
		t.Fatalf("EnqueueTracking: %v", err)
	}
	if info.ID != "j1" || info.Type != dispatch.TaskTypeTrack {
		t.Fatalf("unexpected task info: %#v", info)
	}

	rec := h.waitRecord(t, "j1", func(r *interp.JobRecord) bool { return r.Status == interp.StatusDone })
	if rec.Polls != 2 || rec.TrackingAt == nil || rec.FinishedAt == nil {
		t.Fatalf("unexpected record: %#v", rec)
	}
	if rec.OutputURL == nil || *rec.OutputURL != "/api/download/j1" || rec.Kind != interp.KindVideo {
		t.Fatalf("unexpected record: %#v", rec)
	}
}

func TestProcessor_ServiceErrorIsFinal(t *testing.T) {
	h := startHarness(t, interp.RetryForever)
	h.srv.Script("j2", interptest.Step{Job: interp.JobDescriptor{ID: "j2", Status: interp.StatusError, Error: "decoder crashed"}})

	if _, err := h.client.EnqueueTracking(context.Background(), interp.JobDescriptor{ID: "j2", Status: interp.StatusQueued, Kind: interp.KindFrames}); err != nil {
		t.Fatalf("EnqueueTracking: %v", err)
	}
	rec := h.waitRecord(t, "j2", func(r *interp.JobRecord) bool { return r.Status == interp.StatusError })
	if rec.ErrorMsg == nil || *rec.ErrorMsg != "decoder crashed" {
		t.Fatalf("unexpected error msg: %v", rec.ErrorMsg)
	}
	// give the middleware time to run; a service failure is not an abandonment
	time.Sleep(100 * time.Millisecond)
	rec, err := h.store.GetByID(context.Background(), "j2")
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if rec.LastPollError != nil {
		t.Fatalf("unexpected poll error recorded: %q", *rec.LastPollError)
	}
}

func TestProcessor_AbandonedRecordsReason(t *testing.T) {
	h := startHarness(t, interp.RetryPolicy{MaxConsecutiveFailures: 2})
	h.srv.Script("j3", interptest.Step{Code: 503, Detail: "model loading"})

	if _, err := h.client.EnqueueTracking(context.Background(), interp.JobDescriptor{ID: "j3", Status: interp.StatusQueued}, asynq.MaxRetry(0)); err != nil {
		t.Fatalf("EnqueueTracking: %v", err)
	}
	rec := h.waitRecord(t, "j3", func(r *interp.JobRecord) bool { return r.LastPollError != nil })
	if !strings.Contains(*rec.LastPollError, "abandoned") || !strings.Contains(*rec.LastPollError, "model loading") {
		t.Fatalf("unexpected reason %q", *rec.LastPollError)
	}
	if rec.Status != interp.StatusQueued || rec.Polls != 0 {
		t.Fatalf("unexpected record: %#v", rec)
	}
}

func TestClient_TerminalJobIsJournalledNotQueued(t *testing.T) {
	redis := startMiniRedis(t)
	store := openTestDB(t)
	client := dispatch.NewClient(redis, store, dispatch.ClientOptions{})
	defer client.Close()

	done := interp.JobDescriptor{ID: "j4", Status: interp.StatusDone, OutputURL: "/api/download/j4"}
	if _, err := client.EnqueueTracking(context.Background(), done); !errors.Is(err, dispatch.ErrNotTrackable) {
		t.Fatalf("want ErrNotTrackable, got %v", err)
	}
	rec, err := store.GetByID(context.Background(), "j4")
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if rec.Status != interp.StatusDone || rec.FinishedAt == nil {
		t.Fatalf("unexpected record: %#v", rec)
	}

	if _, err := client.EnqueueTracking(context.Background(), interp.JobDescriptor{Status: interp.StatusQueued}); !errors.Is(err, dispatch.ErrNotTrackable) {
		t.Fatalf("want ErrNotTrackable for empty id, got %v", err)
	}
}

func TestClient_DuplicateJobRejected(t *testing.T) {
	redis := startMiniRedis(t)
	client := dispatch.NewClient(redis, nil, dispatch.ClientOptions{Queue: "tracking"})
	defer client.Close()

	job := interp.JobDescriptor{ID: "j5", Status: interp.StatusQueued}
	info, err := client.EnqueueTracking(context.Background(), job)
	if err != nil {
		t.Fatalf("EnqueueTracking: %v", err)
	}
	if info.Queue != "tracking" {
		t.Fatalf("want queue tracking, got %q", info.Queue)
	}
	if _, err := client.EnqueueTracking(context.Background(), job); !errors.Is(err, asynq.ErrTaskIDConflict) {
		t.Fatalf("want ErrTaskIDConflict, got %v", err)
	}
}
