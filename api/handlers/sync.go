package handlers

import (
	"net/http"

	"integration-hub/internal/models"
	"integration-hub/internal/syncjob"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type SyncHandler struct {
	logger       *zap.Logger
	orchestrator *syncjob.Orchestrator
}

func NewSyncHandler(logger *zap.Logger, orchestrator *syncjob.Orchestrator) *SyncHandler {
	return &SyncHandler{logger: logger, orchestrator: orchestrator}
}

// Start handles POST /sync/start?type=. A job of the same type that is still
// running answers 409.
func (h *SyncHandler) Start(c *gin.Context) {
	jobType := c.Query("type")
	if jobType == "" {
		unprocessable(c, "type is required")
		return
	}

	job, err := h.orchestrator.Start(c.Request.Context(), jobType, models.SyncTriggerManual)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusAccepted, job)
}

func (h *SyncHandler) List(c *gin.Context) {
	page, perPage, ok := pagination(c)
	if !ok {
		return
	}
	jobs, total, err := h.orchestrator.List(c.Request.Context(), syncjob.Filter{
		JobType: c.Query("type"),
		Status:  models.SyncJobStatus(c.Query("status")),
		Page:    page,
		PerPage: perPage,
	})
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	if jobs == nil {
		jobs = []models.SyncJob{}
	}
	c.JSON(http.StatusOK, listResponse{Data: jobs, Total: total, Page: page, PerPage: perPage})
}

func (h *SyncHandler) Get(c *gin.Context) {
	job, err := h.orchestrator.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, job)
}

func (h *SyncHandler) Stats(c *gin.Context) {
	stats, err := h.orchestrator.Stats(c.Request.Context())
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}
