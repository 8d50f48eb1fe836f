package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"integration-hub/internal/mapping"
	"integration-hub/internal/models"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type MappingHandler struct {
	logger   *zap.Logger
	mappings *mapping.Service
}

func NewMappingHandler(logger *zap.Logger, svc *mapping.Service) *MappingHandler {
	return &MappingHandler{logger: logger, mappings: svc}
}

type publishMappingRequest struct {
	EventType    string          `json:"event_type"`
	TargetSystem string          `json:"target_system"`
	Mapping      json.RawMessage `json:"mapping"`
	// Rules is accepted as an alias of Mapping.
	Rules json.RawMessage `json:"rules"`
}

func (r publishMappingRequest) rules() json.RawMessage {
	if len(r.Mapping) > 0 {
		return r.Mapping
	}
	return r.Rules
}

type testMappingRequest struct {
	EventType    string          `json:"event_type"`
	TargetSystem string          `json:"target_system"`
	Payload      json.RawMessage `json:"payload"`
}

func (h *MappingHandler) List(c *gin.Context) {
	list, err := h.mappings.List(c.Request.Context(), c.Query("event_type"))
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	if list == nil {
		list = []models.EventMapping{}
	}
	c.JSON(http.StatusOK, gin.H{"data": list})
}

// Publish handles POST /mappings. Every publish creates a new version.
func (h *MappingHandler) Publish(c *gin.Context) {
	var req publishMappingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid JSON payload")
		return
	}

	m, err := h.mappings.Publish(c.Request.Context(),
		strings.TrimSpace(req.EventType), strings.TrimSpace(req.TargetSystem), req.rules())
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusCreated, m)
}

func (h *MappingHandler) Get(c *gin.Context) {
	m, err := h.mappings.Resolve(c.Request.Context(), c.Param("type"), c.Param("target"))
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, m)
}

func (h *MappingHandler) Versions(c *gin.Context) {
	versions, err := h.mappings.Versions(c.Request.Context(), c.Param("type"), c.Param("target"))
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": versions})
}

// Test previews the active mapping of a pair against a payload.
func (h *MappingHandler) Test(c *gin.Context) {
	var req testMappingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid JSON payload")
		return
	}
	if req.EventType == "" || req.TargetSystem == "" {
		unprocessable(c, "event_type and target_system are required")
		return
	}

	m, out, err := h.mappings.Test(c.Request.Context(), req.EventType, req.TargetSystem, req.Payload)
	var te *mapping.TransformError
	if errors.As(err, &te) {
		h.logger.Warn("Mapping test failed",
			zap.String("event_type", req.EventType),
			zap.String("target_system", req.TargetSystem),
			zap.String("kind", string(te.Kind)),
			zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": te.Error(), "kind": te.Kind})
		return
	}
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"event_type":      m.EventType,
		"target_system":   m.TargetSystem,
		"mapping_version": m.Version,
		"output":          out,
	})
}
