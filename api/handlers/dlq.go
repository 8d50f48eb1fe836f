package handlers

import (
	"net/http"
	"strconv"

	"integration-hub/internal/deadletter"
	"integration-hub/internal/models"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type DeadLetterHandler struct {
	logger  *zap.Logger
	manager *deadletter.Manager
}

func NewDeadLetterHandler(logger *zap.Logger, manager *deadletter.Manager) *DeadLetterHandler {
	return &DeadLetterHandler{logger: logger, manager: manager}
}

func (h *DeadLetterHandler) List(c *gin.Context) {
	page, perPage, ok := pagination(c)
	if !ok {
		return
	}
	archived, _, ok := queryBool(c, "archived")
	if !ok {
		return
	}

	list, total, err := h.manager.List(c.Request.Context(), deadletter.Filter{
		EventType:    c.Query("event_type"),
		SourceSystem: c.Query("source"),
		TargetSystem: c.Query("target"),
		ReasonCode:   c.Query("reason_code"),
		Archived:     archived,
		Page:         page,
		PerPage:      perPage,
	})
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	if list == nil {
		list = []models.DeadLetter{}
	}
	c.JSON(http.StatusOK, listResponse{Data: list, Total: total, Page: page, PerPage: perPage})
}

func (h *DeadLetterHandler) Get(c *gin.Context) {
	dl, err := h.manager.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, dl)
}

func (h *DeadLetterHandler) Stats(c *gin.Context) {
	stats, err := h.manager.Stats(c.Request.Context())
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

// Retry replays the event behind one entry. A purged event answers 410.
func (h *DeadLetterHandler) Retry(c *gin.Context) {
	id := c.Param("id")
	ok, err := h.manager.Retry(c.Request.Context(), id)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	if !ok {
		c.JSON(http.StatusGone, gin.H{"error": "event no longer exists"})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"message": "Event queued for retry", "dead_letter_id": id})
}

func (h *DeadLetterHandler) RetryAll(c *gin.Context) {
	limit := 100
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			unprocessable(c, "limit must be a positive integer")
			return
		}
		limit = n
	}

	retried, total, err := h.manager.RetryAll(c.Request.Context(), limit)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"retried": retried, "total": total})
}

func (h *DeadLetterHandler) Archive(c *gin.Context) {
	dl, err := h.manager.Archive(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, dl)
}

func (h *DeadLetterHandler) Delete(c *gin.Context) {
	purge, _, ok := queryBool(c, "purge_event")
	if !ok {
		return
	}
	if err := h.manager.Delete(c.Request.Context(), c.Param("id"), purge); err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.Status(http.StatusNoContent)
}
