package interp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"
)

// Client talks to the remote interpolation service.
type Client struct {
	base    *url.URL
	http    *http.Client
	breaker *gobreaker.CircuitBreaker
	log     logrus.FieldLogger
}

// BreakerOptions enables a circuit breaker in front of status queries. While
// open, queries fail immediately and count as transient poll failures.
type BreakerOptions struct {
	// ConsecutiveFailures trips the breaker. 0 disables it.
	ConsecutiveFailures uint32
	// Cooldown is how long the breaker stays open. Default: 5s.
	Cooldown time.Duration
}

type ClientOptions struct {
	// HTTPClient overrides the transport. Its Timeout is left untouched.
	HTTPClient *http.Client
	// Timeout bounds each request when HTTPClient is nil. Default: 120s.
	Timeout time.Duration
	Breaker BreakerOptions
	Logger  logrus.FieldLogger
}

// NewClient returns a Client for the service rooted at baseURL.
func NewClient(baseURL string, opts ClientOptions) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("base url %q must be absolute", baseURL)
	}
	hc := opts.HTTPClient
	if hc == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = 120 * time.Second
		}
		hc = &http.Client{Timeout: timeout}
	}
	c := &Client{base: u, http: hc, log: LoggerOrDiscard(opts.Logger)}
	if n := opts.Breaker.ConsecutiveFailures; n > 0 {
		cooldown := opts.Breaker.Cooldown
		if cooldown <= 0 {
			cooldown = 5 * time.Second
		}
		c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    "interp-status",
			Timeout: cooldown,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= n
			},
			IsSuccessful: breakerSuccess,
			OnStateChange: func(name string, from, to gobreaker.State) {
				c.log.WithFields(logrus.Fields{"breaker": name, "from": from.String(), "to": to.String()}).
					Warn("status breaker state changed")
			},
		})
	}
	return c, nil
}

// breakerSuccess keeps caller cancellation and unknown job ids from tripping
// the breaker shared by every tracked job.
func breakerSuccess(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return true
	}
	var herr *HTTPError
	return errors.As(err, &herr) && herr.StatusCode == http.StatusNotFound
}

// CreateJob sends req as one multipart POST. It does not validate req and
// never retries.
func (c *Client) CreateJob(ctx context.Context, req Request) (JobDescriptor, error) {
	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	go func() {
		err := req.writeTo(mw)
		if err == nil {
			err = mw.Close()
		}
		pw.CloseWithError(err)
	}()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.resolve(req.path()), pr)
	if err != nil {
		pr.Close()
		return JobDescriptor{}, fmt.Errorf("create http request: %w", err)
	}
	httpReq.Header.Set("Content-Type", mw.FormDataContentType())
	httpReq.Header.Set("Accept", "application/json")

	start := time.Now()
	var job JobDescriptor
	err = c.do(httpReq, &job)
	pr.Close()
	c.log.WithFields(logrus.Fields{
		"kind":     req.Kind(),
		"duration": time.Since(start),
	}).Debug("create job request finished")
	return job, err
}

// JobStatus fetches the current descriptor of one job.
func (c *Client) JobStatus(ctx context.Context, id string) (JobDescriptor, error) {
	if c.breaker == nil {
		return c.jobStatus(ctx, id)
	}
	v, err := c.breaker.Execute(func() (interface{}, error) {
		return c.jobStatus(ctx, id)
	})
	if err != nil {
		return JobDescriptor{}, err
	}
	return v.(JobDescriptor), nil
}

func (c *Client) jobStatus(ctx context.Context, id string) (JobDescriptor, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.resolve("/api/jobs/"+url.PathEscape(id)), nil)
	if err != nil {
		return JobDescriptor{}, fmt.Errorf("create http request: %w", err)
	}
	httpReq.Header.Set("Accept", "application/json")
	var job JobDescriptor
	if err := c.do(httpReq, &job); err != nil {
		return JobDescriptor{}, err
	}
	return job, nil
}

// DownloadURL resolves the primary result of a done job against the service
// base URL.
func (c *Client) DownloadURL(job JobDescriptor) (string, bool) {
	loc, ok := job.ResultURL()
	if !ok {
		return "", false
	}
	return c.resolve(loc), true
}

// FramesArchiveURL returns the intermediate-frames bundle of a done job.
func (c *Client) FramesArchiveURL(job JobDescriptor) (string, bool) {
	if job.Status != StatusDone || job.ID == "" {
		return "", false
	}
	return c.resolve(FramesArchivePath(job.ID)), true
}

// Download streams the artifact at locator into w and returns the byte count.
// Relative locators are resolved against the service base URL.
func (c *Client) Download(ctx context.Context, locator string, w io.Writer) (int64, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.resolve(locator), nil)
	if err != nil {
		return 0, fmt.Errorf("create http request: %w", err)
	}
	resp, err := c.http.Do(httpReq)
	if err != nil {
		return 0, fmt.Errorf("http request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return 0, readHTTPError(resp)
	}
	n, err := io.Copy(w, resp.Body)
	if err != nil {
		return n, fmt.Errorf("read artifact: %w", err)
	}
	return n, nil
}

func (c *Client) resolve(locator string) string {
	if ref, err := url.Parse(locator); err == nil && ref.IsAbs() {
		return locator
	}
	return strings.TrimRight(c.base.String(), "/") + "/" + strings.TrimLeft(locator, "/")
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("http request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		herr := readHTTPError(resp)
		c.log.WithFields(logrus.Fields{
			"method": req.Method,
			"url":    req.URL.Redacted(),
			"status": resp.StatusCode,
		}).Debug("service returned an error")
		return herr
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// errorBody is the service error shape: detail is either a message or a list
// of field problems.
type errorBody struct {
	Detail json.RawMessage `json:"detail"`
}

func readHTTPError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	return &HTTPError{StatusCode: resp.StatusCode, Detail: parseDetail(body)}
}

func parseDetail(body []byte) string {
	var eb errorBody
	if err := json.Unmarshal(body, &eb); err != nil || len(eb.Detail) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(eb.Detail, &s); err == nil {
		return s
	}
	var items []struct {
		Loc []any  `json:"loc"`
		Msg string `json:"msg"`
	}
	if err := json.Unmarshal(eb.Detail, &items); err == nil {
		msgs := make([]string, 0, len(items))
		for _, it := range items {
			if it.Msg == "" {
				continue
			}
			if len(it.Loc) > 0 {
				msgs = append(msgs, fmt.Sprintf("%v: %s", it.Loc[len(it.Loc)-1], it.Msg))
			} else {
				msgs = append(msgs, it.Msg)
			}
		}
		return strings.Join(msgs, "; ")
	}
	return ""
}

// detailOf extracts the service message from err, if it carries one.
func detailOf(err error) string {
	var herr *HTTPError
	if errors.As(err, &herr) {
		return herr.Detail
	}
	return ""
}
