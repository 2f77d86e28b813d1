package httpapi

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/hochfrequenz/fishqueue/internal/controller"
	"github.com/hochfrequenz/fishqueue/internal/coordinator"
	"github.com/hochfrequenz/fishqueue/internal/domain"
	"github.com/hochfrequenz/fishqueue/internal/observer"
	"github.com/hochfrequenz/fishqueue/internal/runstore"
	"github.com/hochfrequenz/fishqueue/internal/workerproto"
)

// SubmitRunResponse is returned by POST /api/runs
type SubmitRunResponse struct {
	ID string `json:"id"`
}

// SubmitRun queues a new run.
// POST /api/runs
func (s *Server) SubmitRun(c echo.Context) error {
	var cfg domain.RunConfig
	if err := c.Bind(&cfg); err != nil {
		return badRequest(c, "invalid request body")
	}

	id, err := s.ctl.SubmitRun(c.Request().Context(), cfg)
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusCreated, SubmitRunResponse{ID: id})
}

// ListRuns lists runs in scheduling order.
// GET /api/runs?status=active&username=alice&unfinished=true
func (s *Server) ListRuns(c echo.Context) error {
	var opts runstore.ListOptions
	if v := c.QueryParam("status"); v != "" {
		status, err := domain.ParseRunStatus(v)
		if err != nil {
			return s.fail(c, err)
		}
		opts.Status = status
	}
	opts.Username = c.QueryParam("username")
	if v := c.QueryParam("unfinished"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return badRequest(c, "unfinished must be a boolean")
		}
		opts.Unfinished = b
	}

	views, err := s.ctl.ListRuns(c.Request().Context(), opts)
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusOK, views)
}

// GetRun returns one run with its SPRT state.
// GET /api/runs/:id
func (s *Server) GetRun(c echo.Context) error {
	view, err := s.ctl.GetRunView(c.Request().Context(), c.Param("id"))
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusOK, view)
}

// StopRequest is the body of POST /api/runs/:id/stop
type StopRequest struct {
	Reason string `json:"reason"`
}

// StopRun stops a run on behalf of an operator.
// POST /api/runs/:id/stop
func (s *Server) StopRun(c echo.Context) error {
	var req StopRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	if err := s.ctl.StopRun(c.Request().Context(), c.Param("id"), req.Reason); err != nil {
		return s.fail(c, err)
	}
	return s.GetRun(c)
}

// AdjustRequest is the body of POST /api/runs/:id/games
type AdjustRequest struct {
	NumGames int `json:"num_games"`
}

// AdjustGames changes a run's game budget.
// POST /api/runs/:id/games
func (s *Server) AdjustGames(c echo.Context) error {
	var req AdjustRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	if err := s.ctl.AdjustGames(c.Request().Context(), c.Param("id"), req.NumGames); err != nil {
		return s.fail(c, err)
	}
	return s.GetRun(c)
}

// PriorityRequest is the body of POST /api/runs/:id/priority
type PriorityRequest struct {
	Priority int `json:"priority"`
}

// SetPriority changes a run's scheduling priority.
// POST /api/runs/:id/priority
func (s *Server) SetPriority(c echo.Context) error {
	var req PriorityRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	if err := s.ctl.SetPriority(c.Request().Context(), c.Param("id"), req.Priority); err != nil {
		return s.fail(c, err)
	}
	return s.GetRun(c)
}

// RequestTaskRequest is the body of POST /api/request_task
type RequestTaskRequest struct {
	Worker domain.WorkerInfo `json:"worker_info"`
}

// RequestTaskResponse carries either a task or no_work
type RequestTaskResponse struct {
	Task   *workerproto.TaskMessage `json:"task,omitempty"`
	NoWork bool                     `json:"no_work,omitempty"`
}

// RequestTask leases a slice of games to an HTTP worker.
// POST /api/request_task
func (s *Server) RequestTask(c echo.Context) error {
	var req RequestTaskRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body")
	}

	a, err := s.ctl.RequestTask(c.Request().Context(), req.Worker)
	if err != nil {
		return s.fail(c, err)
	}
	if a == nil {
		return c.JSON(http.StatusOK, RequestTaskResponse{NoWork: true})
	}
	return c.JSON(http.StatusOK, RequestTaskResponse{Task: &workerproto.TaskMessage{
		Ref:         a.Ref,
		NumGames:    a.Games,
		LeaseExpiry: a.Expiry,
		Run:         a.Run,
	}})
}

func ackMessage(ack *controller.Ack) workerproto.AckMessage {
	return workerproto.AckMessage{
		Applied:   ack.Applied,
		TaskAlive: ack.TaskAlive,
		RunStatus: ack.Status,
		Reason:    ack.Reason,
	}
}

// UpdateTask reports games played.
// POST /api/update_task
func (s *Server) UpdateTask(c echo.Context) error {
	var req workerproto.UpdateMessage
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	ack, err := s.ctl.ReportResult(c.Request().Context(), req.Ref, req.Seq, req.Stats, req.Final)
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusOK, ackMessage(ack))
}

// Heartbeat renews a lease.
// POST /api/heartbeat
func (s *Server) Heartbeat(c echo.Context) error {
	var req workerproto.HeartbeatMessage
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	ack, err := s.ctl.Heartbeat(c.Request().Context(), req.Ref)
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusOK, ackMessage(ack))
}

// FailedTask gives a task back.
// POST /api/failed_task
func (s *Server) FailedTask(c echo.Context) error {
	var req workerproto.FailedMessage
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	ack, err := s.ctl.FailTask(c.Request().Context(), req.Ref, req.Message)
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusOK, ackMessage(ack))
}

// WorkerStopRun stops a run on behalf of a worker.
// POST /api/stop_run
func (s *Server) WorkerStopRun(c echo.Context) error {
	var req workerproto.StopRunMessage
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	if req.RunID == "" {
		return badRequest(c, "run_id is required")
	}
	if err := s.ctl.StopRun(c.Request().Context(), req.RunID, "stopped by worker: "+req.Message); err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusOK, workerproto.AckMessage{Applied: true})
}

// StatusResponse summarizes the queue
type StatusResponse struct {
	Runs     map[domain.RunStatus]int `json:"runs"`
	Pending  int                      `json:"pending_games"`
	Workers  []coordinator.Status     `json:"workers"`
	Metrics  *observer.Metrics        `json:"metrics,omitempty"`
	Activity []observer.WorkerStats   `json:"activity,omitempty"`
}

// Status summarizes runs, workers and throughput.
// GET /api/status
func (s *Server) Status(c echo.Context) error {
	views, err := s.ctl.ListRuns(c.Request().Context(), runstore.ListOptions{})
	if err != nil {
		return s.fail(c, err)
	}

	resp := StatusResponse{
		Runs:    make(map[domain.RunStatus]int),
		Workers: []coordinator.Status{},
	}
	for _, v := range views {
		resp.Runs[v.Status]++
		if v.Status == domain.RunActive {
			resp.Pending += v.Remaining
		}
	}
	if s.coord != nil {
		resp.Workers = s.coord.Status()
	}
	if s.obs != nil {
		m := s.obs.GetMetrics()
		resp.Metrics = &m
		resp.Activity = s.obs.Workers()
	}
	return c.JSON(http.StatusOK, resp)
}
