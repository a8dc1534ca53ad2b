package api

import (
	"context"
	"errors"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/samber/lo"

	"transcribe-queue/internal/domain"
	"transcribe-queue/internal/events"
	"transcribe-queue/internal/retry"
	"transcribe-queue/internal/store"
	"transcribe-queue/internal/watch"
)

// Jobs is the read surface the API exposes over the job store.
type Jobs interface {
	Get(ctx context.Context, id string) (domain.Job, error)
	List(ctx context.Context) ([]domain.Job, error)
	ListByState(ctx context.Context, state domain.JobState) ([]domain.Job, error)
}

// Submitter accepts explicit job submissions alongside watched arrivals.
type Submitter interface {
	Submit(ctx context.Context, path string) (domain.Job, error)
}

// Retrier recovers a failed job's input and requeues it.
type Retrier interface {
	Retry(ctx context.Context, id string) (domain.Job, error)
}

// Diagnoser produces the startup environment report on demand.
type Diagnoser func() domain.DiagnosticReport

// Server exposes the job queue over HTTP and websocket.
type Server struct {
	echo      *echo.Echo
	jobs      Jobs
	submitter Submitter
	retrier   Retrier
	bus       *events.Bus
	diagnose  Diagnoser
	upgrader  websocket.Upgrader
}

// NewServer wires routes over the given collaborators.
func NewServer(jobs Jobs, submitter Submitter, retrier Retrier, bus *events.Bus, diagnose Diagnoser) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())

	s := &Server{
		echo:      e,
		jobs:      jobs,
		submitter: submitter,
		retrier:   retrier,
		bus:       bus,
		diagnose:  diagnose,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}

	api := e.Group("/api")
	api.POST("/jobs", s.handleSubmit)
	api.GET("/jobs", s.handleListJobs)
	api.GET("/jobs/:id", s.handleGetJob)
	api.POST("/jobs/:id/retry", s.handleRetry)
	api.GET("/events", s.handleEvents)
	api.GET("/ws", s.handleWebsocket)
	api.GET("/diagnostics", s.handleDiagnostics)

	return s
}

// Handler returns the routed HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Start serves HTTP on addr until Shutdown is called.
func (s *Server) Start(addr string) error {
	return s.echo.Start(addr)
}

// Shutdown drains in-flight requests and stops the listener.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

// JobView is the API shape of a job, with optional timestamps omitted
// until they are set.
type JobView struct {
	ID             string            `json:"id"`
	FileName       string            `json:"fileName"`
	SourcePath     string            `json:"sourcePath"`
	Priority       domain.Priority   `json:"priority"`
	State          domain.JobState   `json:"state"`
	Attempts       int               `json:"attempts"`
	Outputs        map[string]string `json:"outputs,omitempty"`
	LastError      string            `json:"lastError,omitempty"`
	CreatedAt      time.Time         `json:"createdAt"`
	StartedAt      *time.Time        `json:"startedAt,omitempty"`
	CompletedAt    *time.Time        `json:"completedAt,omitempty"`
	FailedAt       *time.Time        `json:"failedAt,omitempty"`
	LeaseExpiresAt *time.Time        `json:"leaseExpiresAt,omitempty"`
}

// viewOf converts a stored job to its API representation.
func viewOf(job domain.Job) JobView {
	return JobView{
		ID:             job.ID,
		FileName:       job.FileName,
		SourcePath:     job.SourcePath,
		Priority:       job.Priority,
		State:          job.State,
		Attempts:       job.Attempts,
		Outputs:        job.Outputs,
		LastError:      job.LastError,
		CreatedAt:      job.CreatedAt,
		StartedAt:      optionalTime(job.StartedAt),
		CompletedAt:    optionalTime(job.CompletedAt),
		FailedAt:       optionalTime(job.FailedAt),
		LeaseExpiresAt: optionalTime(job.LeaseExpiresAt),
	}
}

// optionalTime maps the zero time to nil for omitempty serialization.
func optionalTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

// submitRequest is the POST /api/jobs payload.
type submitRequest struct {
	Path string `json:"path"`
}

// handleSubmit creates a job for an explicitly named file.
func (s *Server) handleSubmit(c echo.Context) error {
	var req submitRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if strings.TrimSpace(req.Path) == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "path is required")
	}

	job, err := s.submitter.Submit(c.Request().Context(), req.Path)
	if err != nil {
		if errors.Is(err, watch.ErrAlreadyTracked) {
			return echo.NewHTTPError(http.StatusConflict, err.Error())
		}
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	return c.JSON(http.StatusCreated, viewOf(job))
}

// handleListJobs lists all jobs, optionally filtered by state.
func (s *Server) handleListJobs(c echo.Context) error {
	ctx := c.Request().Context()

	var (
		jobs []domain.Job
		err  error
	)
	if raw := c.QueryParam("state"); raw != "" {
		state := domain.JobState(raw)
		switch state {
		case domain.JobStateWaiting, domain.JobStateActive, domain.JobStateCompleted, domain.JobStateFailed:
		default:
			return echo.NewHTTPError(http.StatusBadRequest, "unknown state: "+raw)
		}
		jobs, err = s.jobs.ListByState(ctx, state)
	} else {
		jobs, err = s.jobs.List(ctx)
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}

	return c.JSON(http.StatusOK, lo.Map(jobs, func(job domain.Job, _ int) JobView {
		return viewOf(job)
	}))
}

// handleGetJob returns a single job by id.
func (s *Server) handleGetJob(c echo.Context) error {
	job, err := s.jobs.Get(c.Request().Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "job not found")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, viewOf(job))
}

// handleRetry recovers a failed job's file and requeues it.
func (s *Server) handleRetry(c echo.Context) error {
	job, err := s.retrier.Retry(c.Request().Context(), c.Param("id"))
	if err != nil {
		switch {
		case errors.Is(err, store.ErrNotFound):
			return echo.NewHTTPError(http.StatusNotFound, "job not found")
		case errors.Is(err, store.ErrRetryNotAllowed):
			return echo.NewHTTPError(http.StatusConflict, err.Error())
		case errors.Is(err, retry.ErrSourceFileMissing):
			return echo.NewHTTPError(http.StatusConflict, err.Error())
		default:
			return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
		}
	}
	return c.JSON(http.StatusOK, viewOf(job))
}

// handleEvents returns buffered events newer than the since cursor.
func (s *Server) handleEvents(c echo.Context) error {
	var since int64
	if raw := c.QueryParam("since"); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || parsed < 0 {
			return echo.NewHTTPError(http.StatusBadRequest, "since must be a non-negative integer")
		}
		since = parsed
	}

	evs := s.bus.Since(since)
	if evs == nil {
		evs = []events.Event{}
	}
	return c.JSON(http.StatusOK, evs)
}

// handleDiagnostics reruns environment checks and returns the report.
func (s *Server) handleDiagnostics(c echo.Context) error {
	return c.JSON(http.StatusOK, s.diagnose())
}

// handleWebsocket streams live job events until the client disconnects.
func (s *Server) handleWebsocket(c echo.Context) error {
	conn, err := s.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	ch, cancel := s.bus.Subscribe()
	defer cancel()

	// Reader goroutine notices client-side close.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case event, ok := <-ch:
			if !ok {
				return nil
			}
			if err := conn.WriteJSON(event); err != nil {
				log.Printf("[api] websocket write failed: %v", err)
				return nil
			}
		case <-done:
			return nil
		case <-c.Request().Context().Done():
			return nil
		}
	}
}
