package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"integration-hub/internal/deadletter"
	"integration-hub/internal/endpoints"
	"integration-hub/internal/events"
	"integration-hub/internal/mapping"
	"integration-hub/internal/storage"
	"integration-hub/internal/syncjob"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type listResponse struct {
	Data    any   `json:"data"`
	Total   int64 `json:"total"`
	Page    int   `json:"page"`
	PerPage int   `json:"per_page"`
}

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	var te *mapping.TransformError
	switch {
	case errors.As(err, &te):
		if te.Kind == mapping.KindMalformedPayload {
			return http.StatusUnprocessableEntity
		}
		return http.StatusInternalServerError
	case errors.Is(err, events.ErrValidation),
		errors.Is(err, mapping.ErrInvalidRules),
		errors.Is(err, endpoints.ErrInvalidInput),
		errors.Is(err, syncjob.ErrUnknownJobType):
		return http.StatusUnprocessableEntity
	case errors.Is(err, events.ErrNotFound),
		errors.Is(err, mapping.ErrNotFound),
		errors.Is(err, endpoints.ErrNotFound),
		errors.Is(err, deadletter.ErrNotFound),
		errors.Is(err, syncjob.ErrNotFound),
		errors.Is(err, storage.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, syncjob.ErrConflict),
		errors.Is(err, storage.ErrConflict):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// respondError writes {"error": msg}. Internal errors are logged and their
// detail is not exposed.
func respondError(c *gin.Context, logger *zap.Logger, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		logger.Error("Request failed",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Error(err))
		var te *mapping.TransformError
		if errors.As(err, &te) {
			c.JSON(status, gin.H{"error": err.Error()})
			return
		}
		c.JSON(status, gin.H{"error": "Internal server error"})
		return
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

func badRequest(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, gin.H{"error": msg})
}

func unprocessable(c *gin.Context, msg string) {
	c.JSON(http.StatusUnprocessableEntity, gin.H{"error": msg})
}

// pagination reads page and per_page, defaulting to 1 and 20.
func pagination(c *gin.Context) (int, int, bool) {
	page, err := strconv.Atoi(c.DefaultQuery("page", "1"))
	if err != nil || page < 1 {
		unprocessable(c, "page must be a positive integer")
		return 0, 0, false
	}
	perPage, err := strconv.Atoi(c.DefaultQuery("per_page", "20"))
	if err != nil || perPage < 1 {
		unprocessable(c, "per_page must be a positive integer")
		return 0, 0, false
	}
	if perPage > 100 {
		perPage = 100
	}
	return page, perPage, true
}

func queryBool(c *gin.Context, name string) (value bool, set bool, ok bool) {
	raw, present := c.GetQuery(name)
	if !present || raw == "" {
		return false, false, true
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		unprocessable(c, name+" must be true or false")
		return false, false, false
	}
	return v, true, true
}
