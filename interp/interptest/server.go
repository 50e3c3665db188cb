// Package interptest runs an in-process fake of the remote interpolation
// service for tests.
package interptest

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/mohans/interpx/interp"
)

// Step is one scripted answer to a status query.
type Step struct {
	Job    interp.JobDescriptor
	Code   int           // non-2xx answers with Detail instead of Job
	Detail string        // FastAPI-style detail message
	Delay  time.Duration // held before answering
}

// Submission is a creation request as the server received it.
type Submission struct {
	Path   string
	Fields map[string]string
	Files  map[string][]byte
	Names  map[string]string // uploaded file names
	JobID  string
}

// Server is a scripted fake of the job service.
type Server struct {
	*httptest.Server

	// InitialStatus is returned by creation calls. Default: queued.
	InitialStatus interp.Status
	// Autoscript, if set, scripts every newly created job.
	Autoscript func(id string) []Step

	mu          sync.Mutex
	submissions []Submission
	scripts     map[string][]Step
	polls       map[string]int
	submitFail  *Step
	artifacts   map[string][]byte

	inFlight    atomic.Int32
	maxInFlight atomic.Int32
}

// NewServer starts a fake service. It is closed by t.Cleanup-style callers
// through Close.
func NewServer() *Server {
	s := &Server{
		InitialStatus: interp.StatusQueued,
		scripts:       make(map[string][]Step),
		polls:         make(map[string]int),
		artifacts:     make(map[string][]byte),
	}
	r := chi.NewRouter()
	r.Post("/api/interpolate/video", s.handleCreate(interp.KindVideo))
	r.Post("/api/interpolate/frames", s.handleCreate(interp.KindFrames))
	r.Get("/api/jobs/{id}", s.handleStatus)
	r.Get("/api/download/{id}", s.handleDownload("/api/download/"))
	r.Get("/api/download_frames/{id}", s.handleDownload("/api/download_frames/"))
	s.Server = httptest.NewServer(r)
	return s
}

// Script sets the answers for status queries on id. Once exhausted the last
// step repeats.
func (s *Server) Script(id string, steps ...Step) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scripts[id] = steps
}

// FailSubmissions makes every creation call answer with code and detail.
func (s *Server) FailSubmissions(code int, detail string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.submitFail = &Step{Code: code, Detail: detail}
}

// SetArtifact serves body at a download path such as /api/download/j1.
func (s *Server) SetArtifact(path string, body []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.artifacts[path] = body
}

// Submissions returns the creation requests received so far.
func (s *Server) Submissions() []Submission {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Submission(nil), s.submissions...)
}

// Polls returns how many status queries reached the server for id.
func (s *Server) Polls(id string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.polls[id]
}

// MaxInFlight is the highest number of concurrent status queries seen.
func (s *Server) MaxInFlight() int { return int(s.maxInFlight.Load()) }

func (s *Server) handleCreate(kind interp.Kind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseMultipartForm(32 << 20); err != nil {
			writeDetail(w, http.StatusBadRequest, err.Error())
			return
		}
		sub := Submission{
			Path:   r.URL.Path,
			Fields: make(map[string]string),
			Files:  make(map[string][]byte),
			Names:  make(map[string]string),
		}
		for name, values := range r.MultipartForm.Value {
			if len(values) > 0 {
				sub.Fields[name] = values[0]
			}
		}
		for name, headers := range r.MultipartForm.File {
			if len(headers) == 0 {
				continue
			}
			f, err := headers[0].Open()
			if err != nil {
				writeDetail(w, http.StatusBadRequest, err.Error())
				return
			}
			body, _ := io.ReadAll(f)
			f.Close()
			sub.Files[name] = body
			sub.Names[name] = headers[0].Filename
		}

		s.mu.Lock()
		fail := s.submitFail
		if fail == nil {
			sub.JobID = strings.ReplaceAll(uuid.NewString(), "-", "")
		}
		s.submissions = append(s.submissions, sub)
		status := s.InitialStatus
		autoscript := s.Autoscript
		s.mu.Unlock()

		if fail != nil {
			writeDetail(w, fail.Code, fail.Detail)
			return
		}
		if autoscript != nil {
			s.Script(sub.JobID, autoscript(sub.JobID)...)
		}
		writeJSON(w, http.StatusOK, interp.JobDescriptor{ID: sub.JobID, Status: status, Kind: kind})
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	n := s.inFlight.Add(1)
	defer s.inFlight.Add(-1)
	for {
		cur := s.maxInFlight.Load()
		if n <= cur || s.maxInFlight.CompareAndSwap(cur, n) {
			break
		}
	}

	id := chi.URLParam(r, "id")
	s.mu.Lock()
	steps, ok := s.scripts[id]
	idx := s.polls[id]
	s.polls[id]++
	s.mu.Unlock()

	if !ok || len(steps) == 0 {
		writeDetail(w, http.StatusNotFound, "job not found")
		return
	}
	if idx >= len(steps) {
		idx = len(steps) - 1
	}
	step := steps[idx]
	if step.Delay > 0 {
		select {
		case <-time.After(step.Delay):
		case <-r.Context().Done():
			return
		}
	}
	if step.Code != 0 && step.Code/100 != 2 {
		writeDetail(w, step.Code, step.Detail)
		return
	}
	writeJSON(w, http.StatusOK, step.Job)
}

func (s *Server) handleDownload(prefix string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		body, ok := s.artifacts[prefix+chi.URLParam(r, "id")]
		s.mu.Unlock()
		if !ok {
			writeDetail(w, http.StatusNotFound, "file not found")
			return
		}
		w.Header().Set("Content-Type", "application/octet-stream")
		w.Write(body)
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeDetail(w http.ResponseWriter, code int, detail string) {
	writeJSON(w, code, map[string]string{"detail": detail})
}
