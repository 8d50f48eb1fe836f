package handlers

import (
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"integration-hub/internal/deadletter"
	"integration-hub/internal/endpoints"
	"integration-hub/internal/events"
	"integration-hub/internal/mapping"
	"integration-hub/internal/storage"
	"integration-hub/internal/syncjob"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

func TestStatusFor(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"validation", fmt.Errorf("%w: bad", events.ErrValidation), http.StatusUnprocessableEntity},
		{"invalid rules", fmt.Errorf("%w: empty", mapping.ErrInvalidRules), http.StatusUnprocessableEntity},
		{"invalid endpoint", endpoints.ErrInvalidInput, http.StatusUnprocessableEntity},
		{"unknown job type", syncjob.ErrUnknownJobType, http.StatusUnprocessableEntity},
		{"malformed payload", &mapping.TransformError{Kind: mapping.KindMalformedPayload, Target: "id"}, http.StatusUnprocessableEntity},
		{"engine error", &mapping.TransformError{Kind: mapping.KindEngine, Target: "id"}, http.StatusInternalServerError},
		{"event not found", fmt.Errorf("x: %w", events.ErrNotFound), http.StatusNotFound},
		{"mapping not found", mapping.ErrNotFound, http.StatusNotFound},
		{"endpoint not found", endpoints.ErrNotFound, http.StatusNotFound},
		{"dead letter not found", deadletter.ErrNotFound, http.StatusNotFound},
		{"job not found", syncjob.ErrNotFound, http.StatusNotFound},
		{"storage not found", storage.ErrNotFound, http.StatusNotFound},
		{"job running", syncjob.ErrConflict, http.StatusConflict},
		{"storage conflict", storage.ErrConflict, http.StatusConflict},
		{"anything else", errors.New("boom"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, statusFor(tt.err))
		})
	}
}

func TestRespondErrorHidesInternalDetail(t *testing.T) {
	gin.SetMode(gin.TestMode)
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodGet, "/", nil)

	respondError(c, zap.NewNop(), errors.New("mongo: connection refused"))

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.JSONEq(t, `{"error": "Internal server error"}`, w.Body.String())
}

func TestPagination(t *testing.T) {
	gin.SetMode(gin.TestMode)

	tests := []struct {
		query       string
		wantOK      bool
		wantPage    int
		wantPerPage int
	}{
		{"", true, 1, 20},
		{"page=3&per_page=50", true, 3, 50},
		{"per_page=1000", true, 1, 100},
		{"page=0", false, 0, 0},
		{"per_page=abc", false, 0, 0},
	}

	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			w := httptest.NewRecorder()
			c, _ := gin.CreateTestContext(w)
			c.Request = httptest.NewRequest(http.MethodGet, "/?"+tt.query, nil)

			page, perPage, ok := pagination(c)
			assert.Equal(t, tt.wantOK, ok)
			assert.Equal(t, tt.wantPage, page)
			assert.Equal(t, tt.wantPerPage, perPage)
			if !ok {
				assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
			}
		})
	}
}
