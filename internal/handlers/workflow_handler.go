package handlers

import (
	"context"
	"errors"
	"net/http"
	"time"

	"muse-ai-pipeline/internal/models"
	"muse-ai-pipeline/internal/pkg/logger"
	"muse-ai-pipeline/internal/services"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// PipelineRunner is the orchestrator surface the handlers depend on.
type PipelineRunner interface {
	RunFullPipeline(ctx context.Context, sessionID, topic, audience string) (*models.StateSnapshot, error)
	RegenerateDraft(ctx context.Context, sessionID string) (*models.StateSnapshot, error)
	Snapshot(sessionID string) (*models.StateSnapshot, error)
	ActiveRunCount() int
	HealthCheck(ctx context.Context) (map[string]string, error)
	GetStats() map[string]interface{}
}

// DraftExporter hands a finished draft to the outside world.
type DraftExporter interface {
	ExportToFile(snapshot *models.StateSnapshot) (*services.ExportReceipt, error)
	CopyDraft(snapshot *models.StateSnapshot) (int, error)
}

type WorkflowHandler struct {
	runner      PipelineRunner
	exporter    DraftExporter
	environment string
	logger      *logger.Logger
}

func NewWorkflowHandler(runner PipelineRunner, exporter DraftExporter, environment string, log *logger.Logger) *WorkflowHandler {
	return &WorkflowHandler{
		runner:      runner,
		exporter:    exporter,
		environment: environment,
		logger:      log,
	}
}

func (handler *WorkflowHandler) RegisterRoutes(router *gin.Engine) {
	router.GET("/health", handler.Health)
	router.GET("/stats", handler.Stats)

	workflow := router.Group("/api/v1/workflow")
	{
		workflow.POST("/run", handler.RunWorkflow)
		workflow.POST("/regenerate", handler.RegenerateDraft)
		workflow.GET("/:session_id/state", handler.GetState)
		workflow.POST("/:session_id/export", handler.ExportDraft)
		workflow.POST("/:session_id/copy", handler.CopyDraft)
	}
}

// RunWorkflow starts a full three-stage run. The body is optional; an empty
// body runs a fresh session against the configured topic and audience.
func (handler *WorkflowHandler) RunWorkflow(c *gin.Context) {
	var req models.RunWorkflowRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest,
				models.NewWorkflowErrorResponse("", "invalid request body: "+err.Error(), "bad_request"))
			return
		}
	}

	snapshot, err := handler.runner.RunFullPipeline(c.Request.Context(), req.SessionID, req.Topic, req.Audience)
	if err != nil {
		status, kind := statusForError(err)
		response := models.NewWorkflowErrorResponse(req.SessionID, err.Error(), kind)
		if snapshot != nil {
			response.SessionID = snapshot.SessionID
			response.State = snapshot
		}
		c.JSON(status, response)
		return
	}

	c.JSON(http.StatusOK, models.NewWorkflowResponse(snapshot.SessionID, snapshot))
}

// RegenerateDraft redrafts the message from the session's cached news and
// profile without re-running the earlier stages.
func (handler *WorkflowHandler) RegenerateDraft(c *gin.Context) {
	var req models.RegenerateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest,
			models.NewWorkflowErrorResponse("", "invalid request body: "+err.Error(), "bad_request"))
		return
	}

	snapshot, err := handler.runner.RegenerateDraft(c.Request.Context(), req.SessionID)
	if err != nil {
		status, kind := statusForError(err)
		response := models.NewWorkflowErrorResponse(req.SessionID, err.Error(), kind)
		if snapshot != nil {
			response.State = snapshot
		}
		c.JSON(status, response)
		return
	}

	c.JSON(http.StatusOK, models.NewWorkflowResponse(snapshot.SessionID, snapshot))
}

func (handler *WorkflowHandler) GetState(c *gin.Context) {
	sessionID := c.Param("session_id")

	snapshot, err := handler.runner.Snapshot(sessionID)
	if err != nil {
		status, kind := statusForError(err)
		c.JSON(status, models.NewWorkflowErrorResponse(sessionID, err.Error(), kind))
		return
	}

	c.JSON(http.StatusOK, models.NewWorkflowResponse(sessionID, snapshot))
}

func (handler *WorkflowHandler) ExportDraft(c *gin.Context) {
	sessionID := c.Param("session_id")

	snapshot, err := handler.runner.Snapshot(sessionID)
	if err != nil {
		status, kind := statusForError(err)
		c.JSON(status, models.NewWorkflowErrorResponse(sessionID, err.Error(), kind))
		return
	}

	receipt, err := handler.exporter.ExportToFile(snapshot)
	if err != nil {
		status, _ := statusForError(err)
		c.JSON(status, models.ExportResponse{
			Success:   false,
			Error:     err.Error(),
			Timestamp: time.Now(),
		})
		return
	}

	c.JSON(http.StatusOK, models.ExportResponse{
		Success:   true,
		FileName:  receipt.FileName,
		FilePath:  receipt.Path,
		SizeBytes: receipt.SizeBytes,
		Timestamp: time.Now(),
	})
}

func (handler *WorkflowHandler) CopyDraft(c *gin.Context) {
	sessionID := c.Param("session_id")

	snapshot, err := handler.runner.Snapshot(sessionID)
	if err != nil {
		status, kind := statusForError(err)
		c.JSON(status, models.NewWorkflowErrorResponse(sessionID, err.Error(), kind))
		return
	}

	characters, err := handler.exporter.CopyDraft(snapshot)
	if err != nil {
		status, _ := statusForError(err)
		c.JSON(status, models.CopyResponse{
			Success:   false,
			Error:     err.Error(),
			Timestamp: time.Now(),
		})
		return
	}

	c.JSON(http.StatusOK, models.CopyResponse{
		Success:    true,
		Characters: characters,
		Timestamp:  time.Now(),
	})
}

func (handler *WorkflowHandler) Health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 10*time.Second)
	defer cancel()

	dependencies, err := handler.runner.HealthCheck(ctx)

	response := models.HealthResponse{
		Status:       "healthy",
		Environment:  handler.environment,
		Dependencies: dependencies,
		ActiveRuns:   handler.runner.ActiveRunCount(),
		Timestamp:    time.Now(),
	}

	if err != nil {
		response.Status = "degraded"
		c.JSON(http.StatusServiceUnavailable, response)
		return
	}

	c.JSON(http.StatusOK, response)
}

func (handler *WorkflowHandler) Stats(c *gin.Context) {
	c.JSON(http.StatusOK, handler.runner.GetStats())
}

// statusForError maps the pipeline's error taxonomy onto HTTP statuses. Busy
// sessions conflict, missing regenerate inputs fail the precondition, and
// every remote-boundary failure surfaces as a bad gateway.
func statusForError(err error) (int, string) {
	var precondition *models.PreconditionError

	switch {
	case errors.Is(err, services.ErrSessionNotFound):
		return http.StatusNotFound, "session_not_found"
	case errors.As(err, &precondition):
		if len(precondition.Missing) > 0 {
			return http.StatusPreconditionFailed, "missing_inputs"
		}
		return http.StatusConflict, "busy"
	case models.IsTransport(err):
		return http.StatusBadGateway, "transport_error"
	case models.IsRemoteFailure(err):
		return http.StatusBadGateway, "remote_failure"
	case models.IsMalformedReply(err):
		return http.StatusBadGateway, "malformed_reply"
	}

	return http.StatusInternalServerError, "internal_error"
}

// RequestLogger tags every request with an id and logs its outcome.
func RequestLogger(log *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = uuid.New().String()
		}
		c.Header("X-Request-ID", requestID)

		startTime := time.Now()
		c.Next()

		log.Info("http request",
			"request_id", requestID,
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration_ms", time.Since(startTime).Milliseconds(),
			"client_ip", c.ClientIP(),
		)
	}
}
