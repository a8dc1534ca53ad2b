package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"transcribe-queue/internal/domain"
	"transcribe-queue/internal/events"
	"transcribe-queue/internal/retry"
	"transcribe-queue/internal/store"
	"transcribe-queue/internal/watch"
)

// fakeJobs serves a fixed set of jobs.
type fakeJobs struct {
	jobs map[string]domain.Job
}

// Get returns the job or store.ErrNotFound.
func (f *fakeJobs) Get(ctx context.Context, id string) (domain.Job, error) {
	job, ok := f.jobs[id]
	if !ok {
		return domain.Job{}, store.ErrNotFound
	}
	return job, nil
}

// List returns every job.
func (f *fakeJobs) List(ctx context.Context) ([]domain.Job, error) {
	out := make([]domain.Job, 0, len(f.jobs))
	for _, job := range f.jobs {
		out = append(out, job)
	}
	return out, nil
}

// ListByState filters jobs by state.
func (f *fakeJobs) ListByState(ctx context.Context, state domain.JobState) ([]domain.Job, error) {
	var out []domain.Job
	for _, job := range f.jobs {
		if job.State == state {
			out = append(out, job)
		}
	}
	return out, nil
}

// fakeSubmitter returns a canned job or error.
type fakeSubmitter struct {
	job domain.Job
	err error
}

// Submit returns the configured result.
func (f *fakeSubmitter) Submit(ctx context.Context, path string) (domain.Job, error) {
	if f.err != nil {
		return domain.Job{}, f.err
	}
	job := f.job
	job.SourcePath = path
	return job, nil
}

// fakeRetrier returns a canned job or error.
type fakeRetrier struct {
	job domain.Job
	err error
}

// Retry returns the configured result.
func (f *fakeRetrier) Retry(ctx context.Context, id string) (domain.Job, error) {
	if f.err != nil {
		return domain.Job{}, f.err
	}
	return f.job, nil
}

// newTestServer builds a server with sensible fakes.
func newTestServer(jobs *fakeJobs, submitter *fakeSubmitter, retrier *fakeRetrier, bus *events.Bus) *Server {
	if jobs == nil {
		jobs = &fakeJobs{jobs: map[string]domain.Job{}}
	}
	if submitter == nil {
		submitter = &fakeSubmitter{}
	}
	if retrier == nil {
		retrier = &fakeRetrier{}
	}
	if bus == nil {
		bus = events.NewBus(100)
	}
	diagnose := func() domain.DiagnosticReport {
		return domain.DiagnosticReport{GeneratedAt: time.Now().UTC()}
	}
	return NewServer(jobs, submitter, retrier, bus, diagnose)
}

// doJSON issues a request against the handler and decodes the response.
func doJSON(t *testing.T, s *Server, method, target, body string, out any) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	if out != nil && rec.Code < 300 {
		if err := json.Unmarshal(rec.Body.Bytes(), out); err != nil {
			t.Fatalf("decode response: %v", err)
		}
	}
	return rec
}

// TestSubmitCreatesJob verifies the explicit submission route.
func TestSubmitCreatesJob(t *testing.T) {
	s := newTestServer(nil, &fakeSubmitter{job: domain.Job{
		ID:       "job-1",
		FileName: "clip.wav",
		State:    domain.JobStateWaiting,
		Priority: domain.PriorityUrgent,
	}}, nil, nil)

	var view JobView
	rec := doJSON(t, s, http.MethodPost, "/api/jobs", `{"path":"/ingest/clip.wav"}`, &view)
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201, body %s", rec.Code, rec.Body.String())
	}
	if view.ID != "job-1" || view.SourcePath != "/ingest/clip.wav" {
		t.Fatalf("view = %+v", view)
	}
}

// TestSubmitMissingPathRejected verifies empty-path validation.
func TestSubmitMissingPathRejected(t *testing.T) {
	s := newTestServer(nil, nil, nil, nil)
	rec := doJSON(t, s, http.MethodPost, "/api/jobs", `{}`, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

// TestSubmitDuplicateConflicts verifies the already-tracked mapping.
func TestSubmitDuplicateConflicts(t *testing.T) {
	s := newTestServer(nil, &fakeSubmitter{err: watch.ErrAlreadyTracked}, nil, nil)
	rec := doJSON(t, s, http.MethodPost, "/api/jobs", `{"path":"/ingest/clip.wav"}`, nil)
	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409", rec.Code)
	}
}

// TestListJobsFiltersByState verifies the state query filter.
func TestListJobsFiltersByState(t *testing.T) {
	jobs := &fakeJobs{jobs: map[string]domain.Job{
		"a": {ID: "a", State: domain.JobStateWaiting},
		"b": {ID: "b", State: domain.JobStateFailed},
	}}
	s := newTestServer(jobs, nil, nil, nil)

	var views []JobView
	rec := doJSON(t, s, http.MethodGet, "/api/jobs?state=failed", "", &views)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if len(views) != 1 || views[0].ID != "b" {
		t.Fatalf("views = %+v", views)
	}
}

// TestListJobsUnknownStateRejected verifies state validation.
func TestListJobsUnknownStateRejected(t *testing.T) {
	s := newTestServer(nil, nil, nil, nil)
	rec := doJSON(t, s, http.MethodGet, "/api/jobs?state=bogus", "", nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

// TestGetJobNotFound verifies the missing-job mapping.
func TestGetJobNotFound(t *testing.T) {
	s := newTestServer(nil, nil, nil, nil)
	rec := doJSON(t, s, http.MethodGet, "/api/jobs/nope", "", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

// TestGetJobOmitsUnsetTimestamps verifies optional timestamp serialization.
func TestGetJobOmitsUnsetTimestamps(t *testing.T) {
	jobs := &fakeJobs{jobs: map[string]domain.Job{
		"a": {ID: "a", State: domain.JobStateWaiting, CreatedAt: time.Now().UTC()},
	}}
	s := newTestServer(jobs, nil, nil, nil)

	rec := doJSON(t, s, http.MethodGet, "/api/jobs/a", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	body := rec.Body.String()
	if strings.Contains(body, "startedAt") || strings.Contains(body, "completedAt") {
		t.Fatalf("unset timestamps leaked: %s", body)
	}
}

// TestRetryErrorMapping verifies HTTP statuses for retry failures.
func TestRetryErrorMapping(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want int
	}{
		{"not found", store.ErrNotFound, http.StatusNotFound},
		{"not allowed", store.ErrRetryNotAllowed, http.StatusConflict},
		{"file missing", retry.ErrSourceFileMissing, http.StatusConflict},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s := newTestServer(nil, nil, &fakeRetrier{err: tc.err}, nil)
			rec := doJSON(t, s, http.MethodPost, "/api/jobs/x/retry", "", nil)
			if rec.Code != tc.want {
				t.Fatalf("status = %d, want %d", rec.Code, tc.want)
			}
		})
	}
}

// TestRetrySucceeds verifies the happy-path retry response.
func TestRetrySucceeds(t *testing.T) {
	s := newTestServer(nil, nil, &fakeRetrier{job: domain.Job{
		ID:    "job-1",
		State: domain.JobStateWaiting,
	}}, nil)

	var view JobView
	rec := doJSON(t, s, http.MethodPost, "/api/jobs/job-1/retry", "", &view)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if view.State != domain.JobStateWaiting {
		t.Fatalf("state = %s, want waiting", view.State)
	}
}

// TestEventsSinceCursor verifies incremental event reads over HTTP.
func TestEventsSinceCursor(t *testing.T) {
	bus := events.NewBus(10)
	bus.Publish(events.Event{Type: events.TypeCreated, JobID: "1"})
	bus.Publish(events.Event{Type: events.TypeClaimed, JobID: "1"})
	s := newTestServer(nil, nil, nil, bus)

	var evs []events.Event
	rec := doJSON(t, s, http.MethodGet, "/api/events?since=1", "", &evs)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if len(evs) != 1 || evs[0].Type != events.TypeClaimed {
		t.Fatalf("events = %+v", evs)
	}
}

// TestEventsBadCursorRejected verifies since validation.
func TestEventsBadCursorRejected(t *testing.T) {
	s := newTestServer(nil, nil, nil, nil)
	rec := doJSON(t, s, http.MethodGet, "/api/events?since=abc", "", nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

// TestDiagnosticsRoute verifies the report endpoint responds.
func TestDiagnosticsRoute(t *testing.T) {
	s := newTestServer(nil, nil, nil, nil)
	var report domain.DiagnosticReport
	rec := doJSON(t, s, http.MethodGet, "/api/diagnostics", "", &report)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if report.GeneratedAt.IsZero() {
		t.Fatal("report missing timestamp")
	}
}

// TestWebsocketStreamsEvents verifies live event delivery over the socket.
func TestWebsocketStreamsEvents(t *testing.T) {
	bus := events.NewBus(10)
	s := newTestServer(nil, nil, nil, bus)

	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	// Give the server a moment to register the subscription.
	time.Sleep(50 * time.Millisecond)
	bus.Publish(events.Event{Type: events.TypeCompleted, JobID: "job-1"})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var event events.Event
	if err := conn.ReadJSON(&event); err != nil {
		t.Fatalf("read event: %v", err)
	}
	if event.Type != events.TypeCompleted || event.JobID != "job-1" {
		t.Fatalf("event = %+v", event)
	}
}
