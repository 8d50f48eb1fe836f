package handlers

import (
	"net/http"

	"integration-hub/internal/endpoints"
	"integration-hub/internal/models"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type EndpointHandler struct {
	logger   *zap.Logger
	registry *endpoints.Registry
}

func NewEndpointHandler(logger *zap.Logger, registry *endpoints.Registry) *EndpointHandler {
	return &EndpointHandler{logger: logger, registry: registry}
}

type registerEndpointRequest struct {
	SystemName string `json:"system_name"`
	URL        string `json:"url"`
}

type updateEndpointRequest struct {
	SystemName *string `json:"system_name"`
	URL        *string `json:"url"`
}

// endpointWithSecret is only returned at registration and rotation.
type endpointWithSecret struct {
	*models.WebhookEndpoint
	Secret string `json:"secret"`
}

func (h *EndpointHandler) List(c *gin.Context) {
	active, _, ok := queryBool(c, "active")
	if !ok {
		return
	}
	list, err := h.registry.List(c.Request.Context(), endpoints.Filter{
		SystemName: c.Query("system"),
		ActiveOnly: active,
	})
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	if list == nil {
		list = []models.WebhookEndpoint{}
	}
	c.JSON(http.StatusOK, gin.H{"data": list})
}

func (h *EndpointHandler) Register(c *gin.Context) {
	var req registerEndpointRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid JSON payload")
		return
	}

	ep, secret, err := h.registry.Register(c.Request.Context(), req.SystemName, req.URL)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusCreated, endpointWithSecret{WebhookEndpoint: ep, Secret: secret})
}

func (h *EndpointHandler) Get(c *gin.Context) {
	ep, err := h.registry.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, ep)
}

func (h *EndpointHandler) Update(c *gin.Context) {
	var req updateEndpointRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid JSON payload")
		return
	}

	ep, err := h.registry.Update(c.Request.Context(), c.Param("id"), endpoints.Update{
		SystemName: req.SystemName,
		URL:        req.URL,
	})
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, ep)
}

func (h *EndpointHandler) Activate(c *gin.Context) {
	ep, err := h.registry.Activate(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, ep)
}

func (h *EndpointHandler) Deactivate(c *gin.Context) {
	ep, err := h.registry.Deactivate(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, ep)
}

func (h *EndpointHandler) RotateSecret(c *gin.Context) {
	ctx := c.Request.Context()
	secret, err := h.registry.RotateSecret(ctx, c.Param("id"))
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	ep, err := h.registry.Get(ctx, c.Param("id"))
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, endpointWithSecret{WebhookEndpoint: ep, Secret: secret})
}
