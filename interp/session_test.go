package interp_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/mohans/interpx/interp"
	"github.com/mohans/interpx/interp/interptest"
)

func TestSession_RunSubmitsAndTracks(t *testing.T) {
	srv := newService(t)
	client := newClient(t, srv, interp.ClientOptions{})
	sess := interp.NewSession(interp.NewSubmitter(client, nil), client, interp.TrackerOptions{Interval: tick})
	defer sess.Close()

	tr, err := sess.Run(context.Background(), interp.VideoRequest{File: upload("a.mp4", "x"), Exp: 2, Scale: 1})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	id := tr.Job().ID
	srv.Script(id, interptest.Step{Job: interp.JobDescriptor{ID: id, Status: interp.StatusDone, OutputURL: "/api/download/" + id}})

	got, err := waitDone(t, tr)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if got.Status != interp.StatusDone || sess.Current() != tr {
		t.Fatalf("unexpected end %#v", got)
	}
}

func TestSession_TrackReplacesPreviousJob(t *testing.T) {
	srv := newService(t)
	srv.Script("old", interptest.Step{Job: job("old", interp.StatusProcessing)})
	srv.Script("new", interptest.Step{Job: job("new", interp.StatusProcessing)})
	client := newClient(t, srv, interp.ClientOptions{})
	sess := interp.NewSession(interp.NewSubmitter(client, nil), client, interp.TrackerOptions{Interval: tick})

	first, err := sess.Track(context.Background(), job("old", interp.StatusQueued))
	if err != nil {
		t.Fatalf("Track: %v", err)
	}
	pollUntil(t, 2*time.Second, func() bool { return first.Observations() > 0 })

	second, err := sess.Track(context.Background(), job("new", interp.StatusQueued))
	if err != nil {
		t.Fatalf("Track: %v", err)
	}
	if _, err := waitDone(t, first); !errors.Is(err, interp.ErrStopped) {
		t.Fatalf("previous tracker must be stopped, got %v", err)
	}
	if second.State() != interp.StateTracking {
		t.Fatalf("new tracker not tracking: %s", second.State())
	}

	sess.Close()
	if _, err := waitDone(t, second); !errors.Is(err, interp.ErrStopped) {
		t.Fatalf("Close must stop the current tracker, got %v", err)
	}
}

func TestSession_FailedSubmissionKeepsCurrent(t *testing.T) {
	srv := newService(t)
	srv.Script("j1", interptest.Step{Job: job("j1", interp.StatusProcessing)})
	client := newClient(t, srv, interp.ClientOptions{})
	sess := interp.NewSession(interp.NewSubmitter(client, nil), client, interp.TrackerOptions{Interval: tick})
	defer sess.Close()

	cur, err := sess.Track(context.Background(), job("j1", interp.StatusQueued))
	if err != nil {
		t.Fatalf("Track: %v", err)
	}
	if _, err := sess.Run(context.Background(), interp.FramesRequest{NumMid: 6}); err == nil {
		t.Fatal("expected validation error")
	}
	if sess.Current() != cur || cur.State() != interp.StateTracking {
		t.Fatalf("current tracker disturbed: state=%s", cur.State())
	}
}

func TestSession_RunWithoutSubmitter(t *testing.T) {
	srv := newService(t)
	sess := interp.NewSession(nil, newClient(t, srv, interp.ClientOptions{}), interp.TrackerOptions{Interval: tick})
	defer sess.Close()

	if _, err := sess.Run(context.Background(), interp.VideoRequest{File: upload("a.mp4", "x"), Exp: 2, Scale: 1}); err == nil {
		t.Fatal("expected error without a submitter")
	}
	if len(srv.Submissions()) != 0 || sess.Current() != nil {
		t.Fatalf("nothing should be submitted or tracked")
	}
}
