// Package api contains the HTTP handlers for the orchestration service.
package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"flowdeck/internal/services"
	"flowdeck/pkg/models"
)

// Server holds the dependencies for the API server.
type Server struct {
	Orch *services.Orchestrator
}

// NewServer creates a new Server.
func NewServer(orch *services.Orchestrator) *Server {
	return &Server{Orch: orch}
}

// RegisterRoutes mounts all handlers on the given group.
func (s *Server) RegisterRoutes(g *echo.Group) {
	g.POST("/deployments", s.CreateDeployment)
	g.GET("/deployments", s.ListDeployments)
	g.GET("/deployments/:id", s.GetDeployment)
	g.PUT("/deployments/:id", s.UpdateDeployment)
	g.POST("/deployments/:id/pause", s.PauseDeployment)
	g.POST("/deployments/:id/trigger", s.TriggerDeployment)
	g.POST("/deployments/:id/schedules/:scheduleID/active", s.SetScheduleActive)
	g.GET("/deployments/:id/runs", s.ListDeploymentRuns)

	g.POST("/work-pools", s.CreateWorkPool)
	g.GET("/work-pools", s.ListWorkPools)
	g.POST("/work-pools/:name/queues", s.CreateWorkQueue)
	g.GET("/work-pools/:name/queues", s.ListWorkQueues)
	g.POST("/work-pools/:name/claim", s.ClaimRuns)

	g.GET("/runs/:id", s.GetRun)
	g.POST("/runs/:id/start", s.StartRun)
	g.POST("/runs/:id/complete", s.CompleteRun)
	g.POST("/runs/:id/fail", s.FailRun)
	g.POST("/runs/:id/cancel", s.CancelRun)
	g.POST("/runs/:id/heartbeat", s.HeartbeatRun)
}

// CreateDeployment creates a new deployment
// (POST /api/v1/deployments)
func (s *Server) CreateDeployment(c echo.Context) error {
	var d models.Deployment
	if err := c.Bind(&d); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Invalid request body: "+err.Error())
	}
	if d.FlowID == "" || d.Name == "" || d.Entrypoint == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "flow_id, name and entrypoint are required")
	}
	if err := s.Orch.CreateDeployment(c.Request().Context(), &d); err != nil {
		return domainError(err)
	}
	return c.JSON(http.StatusCreated, d)
}

// ListDeployments returns deployments matching the query filters
// (GET /api/v1/deployments)
func (s *Server) ListDeployments(c echo.Context) error {
	filter := models.DeploymentFilter{
		FlowID:       c.QueryParam("flow_id"),
		WorkPoolName: c.QueryParam("work_pool"),
	}
	if tag := c.QueryParam("tag"); tag != "" {
		filter.Tags = []string{tag}
	}
	deployments, err := s.Orch.ListDeployments(c.Request().Context(), filter)
	if err != nil {
		return domainError(err)
	}
	return c.JSON(http.StatusOK, deployments)
}

// GetDeployment returns a single deployment
// (GET /api/v1/deployments/:id)
func (s *Server) GetDeployment(c echo.Context) error {
	d, err := s.Orch.GetDeployment(c.Request().Context(), c.Param("id"))
	if err != nil {
		return domainError(err)
	}
	return c.JSON(http.StatusOK, d)
}

// UpdateDeployment replaces a deployment record
// (PUT /api/v1/deployments/:id)
func (s *Server) UpdateDeployment(c echo.Context) error {
	var d models.Deployment
	if err := c.Bind(&d); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Invalid request body: "+err.Error())
	}
	d.ID = c.Param("id")
	if err := s.Orch.UpdateDeployment(c.Request().Context(), &d); err != nil {
		return domainError(err)
	}
	return c.JSON(http.StatusOK, d)
}

type pauseRequest struct {
	Paused bool `json:"paused"`
}

// PauseDeployment pauses or resumes scheduling for a deployment
// (POST /api/v1/deployments/:id/pause)
func (s *Server) PauseDeployment(c echo.Context) error {
	var req pauseRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Invalid request body: "+err.Error())
	}
	d, err := s.Orch.SetPaused(c.Request().Context(), c.Param("id"), req.Paused)
	if err != nil {
		return domainError(err)
	}
	return c.JSON(http.StatusOK, d)
}

// TriggerDeployment dispatches an out-of-schedule run
// (POST /api/v1/deployments/:id/trigger)
func (s *Server) TriggerDeployment(c echo.Context) error {
	var ov models.TriggerOverrides
	if err := c.Bind(&ov); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Invalid request body: "+err.Error())
	}
	run, err := s.Orch.TriggerNow(c.Request().Context(), c.Param("id"), &ov)
	if err != nil {
		return domainError(err)
	}
	return c.JSON(http.StatusCreated, run)
}

type scheduleActiveRequest struct {
	Active bool `json:"active"`
}

// SetScheduleActive flips one schedule's active flag
// (POST /api/v1/deployments/:id/schedules/:scheduleID/active)
func (s *Server) SetScheduleActive(c echo.Context) error {
	var req scheduleActiveRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Invalid request body: "+err.Error())
	}
	d, err := s.Orch.SetScheduleActive(c.Request().Context(), c.Param("id"), c.Param("scheduleID"), req.Active)
	if err != nil {
		return domainError(err)
	}
	return c.JSON(http.StatusOK, d)
}

// ListDeploymentRuns returns a deployment's run history
// (GET /api/v1/deployments/:id/runs)
func (s *Server) ListDeploymentRuns(c echo.Context) error {
	runs, err := s.Orch.RunHistory(c.Request().Context(), c.Param("id"))
	if err != nil {
		return domainError(err)
	}
	return c.JSON(http.StatusOK, runs)
}

// CreateWorkPool registers a work pool
// (POST /api/v1/work-pools)
func (s *Server) CreateWorkPool(c echo.Context) error {
	var p models.WorkPool
	if err := c.Bind(&p); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Invalid request body: "+err.Error())
	}
	if p.Name == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "name is required")
	}
	if err := s.Orch.CreateWorkPool(c.Request().Context(), &p); err != nil {
		return domainError(err)
	}
	return c.JSON(http.StatusCreated, p)
}

// ListWorkPools returns all work pools
// (GET /api/v1/work-pools)
func (s *Server) ListWorkPools(c echo.Context) error {
	pools, err := s.Orch.ListWorkPools(c.Request().Context())
	if err != nil {
		return domainError(err)
	}
	return c.JSON(http.StatusOK, pools)
}

// CreateWorkQueue registers a queue under a pool
// (POST /api/v1/work-pools/:name/queues)
func (s *Server) CreateWorkQueue(c echo.Context) error {
	var q models.WorkQueue
	if err := c.Bind(&q); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Invalid request body: "+err.Error())
	}
	q.PoolName = c.Param("name")
	if q.Name == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "name is required")
	}
	if err := s.Orch.CreateWorkQueue(c.Request().Context(), &q); err != nil {
		return domainError(err)
	}
	return c.JSON(http.StatusCreated, q)
}

// ListWorkQueues returns a pool's queues
// (GET /api/v1/work-pools/:name/queues)
func (s *Server) ListWorkQueues(c echo.Context) error {
	queues, err := s.Orch.ListWorkQueues(c.Request().Context(), c.Param("name"))
	if err != nil {
		return domainError(err)
	}
	return c.JSON(http.StatusOK, queues)
}

type claimRequest struct {
	WorkerID string   `json:"worker_id"`
	Queues   []string `json:"queues,omitempty"`
	MaxRuns  int      `json:"max_runs"`
}

// ClaimRuns hands eligible runs to a polling worker
// (POST /api/v1/work-pools/:name/claim)
func (s *Server) ClaimRuns(c echo.Context) error {
	var req claimRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Invalid request body: "+err.Error())
	}
	if req.WorkerID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "worker_id is required")
	}
	if req.MaxRuns <= 0 {
		req.MaxRuns = 1
	}
	runs, err := s.Orch.ClaimRuns(c.Request().Context(), req.WorkerID, c.Param("name"), req.Queues, req.MaxRuns)
	if err != nil {
		return domainError(err)
	}
	if runs == nil {
		runs = []*models.FlowRun{}
	}
	return c.JSON(http.StatusOK, runs)
}

// GetRun returns the live state of a run
// (GET /api/v1/runs/:id)
func (s *Server) GetRun(c echo.Context) error {
	run, err := s.Orch.GetRun(c.Request().Context(), c.Param("id"))
	if err != nil {
		return domainError(err)
	}
	return c.JSON(http.StatusOK, run)
}

// StartRun records a worker-reported start
// (POST /api/v1/runs/:id/start)
func (s *Server) StartRun(c echo.Context) error {
	if err := s.Orch.ReportRunStarted(c.Request().Context(), c.Param("id")); err != nil {
		return domainError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

// CompleteRun records a successful finish
// (POST /api/v1/runs/:id/complete)
func (s *Server) CompleteRun(c echo.Context) error {
	if err := s.Orch.ReportRunCompleted(c.Request().Context(), c.Param("id")); err != nil {
		return domainError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

type failRequest struct {
	Message string `json:"message"`
}

// FailRun records a failed finish
// (POST /api/v1/runs/:id/fail)
func (s *Server) FailRun(c echo.Context) error {
	var req failRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Invalid request body: "+err.Error())
	}
	if err := s.Orch.ReportRunFailed(c.Request().Context(), c.Param("id"), req.Message); err != nil {
		return domainError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

// CancelRun requests cooperative cancellation
// (POST /api/v1/runs/:id/cancel)
func (s *Server) CancelRun(c echo.Context) error {
	if err := s.Orch.CancelRun(c.Request().Context(), c.Param("id")); err != nil {
		return domainError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

// HeartbeatRun records worker liveness for a run
// (POST /api/v1/runs/:id/heartbeat)
func (s *Server) HeartbeatRun(c echo.Context) error {
	if err := s.Orch.HeartbeatRun(c.Request().Context(), c.Param("id")); err != nil {
		return domainError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

// domainError maps core error types onto HTTP status codes.
func domainError(err error) error {
	var (
		conflict      *models.ConflictError
		notFound      *models.NotFoundError
		schemaErr     *models.SchemaValidationError
		unknownPool   *models.UnknownPoolError
		unknownQueue  *models.UnknownQueueError
		queueFull     *models.QueueFullError
		claimConflict *models.ClaimConflictError
		unavailable   *models.StoreUnavailableError
	)
	switch {
	case errors.As(err, &conflict):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.As(err, &notFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.As(err, &schemaErr):
		return echo.NewHTTPError(http.StatusUnprocessableEntity, err.Error())
	case errors.As(err, &unknownPool), errors.As(err, &unknownQueue):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.As(err, &queueFull):
		return echo.NewHTTPError(http.StatusTooManyRequests, err.Error())
	case errors.As(err, &claimConflict):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.As(err, &unavailable):
		return echo.NewHTTPError(http.StatusServiceUnavailable, err.Error())
	default:
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
}

// HealthStatus represents the health check response
type HealthStatus struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Service   string    `json:"service"`
	Version   string    `json:"version"`
}

// HandleHealth returns basic health status (always returns 200 OK)
func (s *Server) HandleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthStatus{
		Status:    "ok",
		Timestamp: time.Now(),
		Service:   "flowdeck",
		Version:   "1.0.0",
	})
}
