package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"integration-hub/internal/events"
	"integration-hub/internal/models"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type EventHandler struct {
	logger *zap.Logger
	events *events.Service
}

func NewEventHandler(logger *zap.Logger, svc *events.Service) *EventHandler {
	return &EventHandler{logger: logger, events: svc}
}

type submitEventRequest struct {
	EventType      string          `json:"event_type"`
	SourceSystem   string          `json:"source_system"`
	Payload        json.RawMessage `json:"payload"`
	IdempotencyKey string          `json:"idempotency_key"`
}

// Submit handles POST /events: 201 for a new event, 200 with the stored
// event for a duplicate.
func (h *EventHandler) Submit(c *gin.Context) {
	var req submitEventRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Debug("Failed to parse event payload", zap.Error(err))
		unprocessable(c, "invalid event submission: "+err.Error())
		return
	}

	ev, created, err := h.events.Submit(c.Request.Context(), events.SubmitRequest{
		EventType:      req.EventType,
		SourceSystem:   req.SourceSystem,
		Payload:        req.Payload,
		IdempotencyKey: req.IdempotencyKey,
	})
	if err != nil {
		respondError(c, h.logger, err)
		return
	}

	if !created {
		c.JSON(http.StatusOK, ev)
		return
	}
	c.JSON(http.StatusCreated, ev)
}

func (h *EventHandler) List(c *gin.Context) {
	page, perPage, ok := pagination(c)
	if !ok {
		return
	}
	filter := events.Filter{
		EventType:    c.Query("type"),
		SourceSystem: c.Query("source"),
		Status:       models.EventStatus(c.Query("status")),
		Page:         page,
		PerPage:      perPage,
	}
	for name, dst := range map[string]**time.Time{"from": &filter.From, "to": &filter.To} {
		raw := c.Query(name)
		if raw == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			unprocessable(c, name+" must be an RFC3339 timestamp")
			return
		}
		*dst = &t
	}

	list, total, err := h.events.List(c.Request.Context(), filter)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	if list == nil {
		list = []models.IntegrationEvent{}
	}
	c.JSON(http.StatusOK, listResponse{Data: list, Total: total, Page: page, PerPage: perPage})
}

func (h *EventHandler) Get(c *gin.Context) {
	detail, err := h.events.Detail(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, detail)
}

func (h *EventHandler) Retry(c *gin.Context) {
	id := c.Param("id")
	if err := h.events.Retry(c.Request.Context(), id); err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{
		"message":  "Event queued for retry",
		"event_id": id,
	})
}

func (h *EventHandler) Stats(c *gin.Context) {
	window := events.DefaultStatsWindow
	if raw := c.Query("window"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 {
			unprocessable(c, "window must be a positive duration such as 24h")
			return
		}
		window = d
	}

	stats, err := h.events.Stats(c.Request.Context(), window)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}
