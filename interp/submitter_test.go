package interp_test

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"testing"

	"github.com/mohans/interpx/interp"
	"github.com/mohans/interpx/interp/interptest"
)

func newClient(t *testing.T, srv *interptest.Server, opts interp.ClientOptions) *interp.Client {
	t.Helper()
	c, err := interp.NewClient(srv.URL, opts)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	return c
}

func newService(t *testing.T) *interptest.Server {
	t.Helper()
	srv := interptest.NewServer()
	t.Cleanup(srv.Close)
	return srv
}

func upload(name, body string) *interp.File {
	return &interp.File{Name: name, Content: strings.NewReader(body)}
}

func TestSubmit_Video(t *testing.T) {
	srv := newService(t)
	sub := interp.NewSubmitter(newClient(t, srv, interp.ClientOptions{}), nil)

	job, err := sub.Submit(context.Background(), interp.VideoRequest{
		File:  upload("clip.mp4", "video-bytes"),
		Exp:   3,
		FPS:   48,
		Scale: 2,
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if job.ID == "" || job.Status != interp.StatusQueued || job.Kind != interp.KindVideo {
		t.Fatalf("unexpected descriptor: %#v", job)
	}

	subs := srv.Submissions()
	if len(subs) != 1 {
		t.Fatalf("want 1 request, got %d", len(subs))
	}
	got := subs[0]
	if got.Path != "/api/interpolate/video" {
		t.Fatalf("unexpected path %s", got.Path)
	}
	if got.Fields["exp"] != "3" || got.Fields["scale"] != "2" || got.Fields["fps"] != "48" {
		t.Fatalf("unexpected fields: %v", got.Fields)
	}
	if string(got.Files["file"]) != "video-bytes" || got.Names["file"] != "clip.mp4" {
		t.Fatalf("unexpected file: %q (%s)", got.Files["file"], got.Names["file"])
	}
}

func TestSubmit_VideoInheritsSourceRate(t *testing.T) {
	srv := newService(t)
	sub := interp.NewSubmitter(newClient(t, srv, interp.ClientOptions{}), nil)

	if _, err := sub.Submit(context.Background(), interp.VideoRequest{File: upload("a.mp4", "x"), Exp: 1, Scale: 1}); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	fields := srv.Submissions()[0].Fields
	if _, ok := fields["fps"]; ok {
		t.Fatalf("fps must be omitted, got %q", fields["fps"])
	}
}

func TestSubmit_Frames(t *testing.T) {
	srv := newService(t)
	sub := interp.NewSubmitter(newClient(t, srv, interp.ClientOptions{}), nil)

	job, err := sub.Submit(context.Background(), interp.FramesRequest{
		FrameA: upload("a.png", "AAA"),
		FrameB: upload("b.png", "BBB"),
		NumMid: 127,
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if job.Kind != interp.KindFrames {
		t.Fatalf("unexpected kind %q", job.Kind)
	}
	got := srv.Submissions()[0]
	if got.Path != "/api/interpolate/frames" {
		t.Fatalf("unexpected path %s", got.Path)
	}
	if len(got.Files) != 2 || string(got.Files["frame_a"]) != "AAA" || string(got.Files["frame_b"]) != "BBB" {
		t.Fatalf("unexpected files: %v", got.Files)
	}
	if got.Fields["num_mid"] != "127" || got.Fields["fps"] != "30" {
		t.Fatalf("unexpected fields: %v", got.Fields)
	}
}

func TestSubmit_ValidationSendsNothing(t *testing.T) {
	srv := newService(t)
	sub := interp.NewSubmitter(newClient(t, srv, interp.ClientOptions{}), nil)

	_, err := sub.Submit(context.Background(), interp.FramesRequest{
		FrameA: upload("a.png", "A"),
		FrameB: upload("b.png", "B"),
		NumMid: 200,
	})
	var ve *interp.ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("want ValidationError, got %v", err)
	}
	if _, ok := ve.Fields["num_mid"]; !ok {
		t.Fatalf("num_mid not reported: %v", ve.Fields)
	}
	if n := len(srv.Submissions()); n != 0 {
		t.Fatalf("want no request, got %d", n)
	}
}

func TestSubmit_ServiceDetail(t *testing.T) {
	srv := newService(t)
	srv.FailSubmissions(http.StatusUnprocessableEntity, "unsupported codec")
	sub := interp.NewSubmitter(newClient(t, srv, interp.ClientOptions{}), nil)

	_, err := sub.Submit(context.Background(), interp.VideoRequest{File: upload("a.mp4", "x"), Exp: 2, Scale: 1})
	var se *interp.SubmissionError
	if !errors.As(err, &se) {
		t.Fatalf("want SubmissionError, got %v", err)
	}
	if se.Message != "unsupported codec" || se.Kind != interp.KindVideo {
		t.Fatalf("unexpected error: %#v", se)
	}
	var he *interp.HTTPError
	if !errors.As(err, &he) || he.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("want wrapped HTTPError, got %v", err)
	}
	if n := len(srv.Submissions()); n != 1 {
		t.Fatalf("submission must not be retried, got %d requests", n)
	}
}

func TestSubmit_NetworkFailure(t *testing.T) {
	srv := interptest.NewServer()
	c := newClient(t, srv, interp.ClientOptions{})
	srv.Close()

	_, err := interp.NewSubmitter(c, nil).Submit(context.Background(), interp.VideoRequest{File: upload("a.mp4", "x"), Exp: 2, Scale: 1})
	var se *interp.SubmissionError
	if !errors.As(err, &se) {
		t.Fatalf("want SubmissionError, got %v", err)
	}
	if !strings.HasPrefix(se.Message, "network error") {
		t.Fatalf("want generic network message, got %q", se.Message)
	}
}

type countingCreator struct{ calls int }

func (c *countingCreator) CreateJob(context.Context, interp.Request) (interp.JobDescriptor, error) {
	c.calls++
	return interp.JobDescriptor{}, errors.New("refused")
}

func TestSubmit_SingleAttempt(t *testing.T) {
	cc := &countingCreator{}
	_, err := interp.NewSubmitter(cc, nil).Submit(context.Background(), interp.FramesRequest{
		FrameA: upload("a", "a"), FrameB: upload("b", "b"), NumMid: 1,
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if cc.calls != 1 {
		t.Fatalf("want 1 call, got %d", cc.calls)
	}
}
