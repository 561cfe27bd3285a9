package response_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaypush/relaypush/internal/api/middleware"
	"github.com/relaypush/relaypush/internal/api/models"
	"github.com/relaypush/relaypush/internal/api/response"
	"github.com/relaypush/relaypush/pkg/push"
)

// requestWithContext creates a request that has passed through the RequestID middleware.
func requestWithContext(t *testing.T, method, path string) (*http.Request, *httptest.ResponseRecorder) {
	t.Helper()
	req := httptest.NewRequest(method, path, http.NoBody)

	var processed *http.Request
	handler := middleware.RequestID(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		processed = r
	}))
	handler.ServeHTTP(httptest.NewRecorder(), req)

	return processed, httptest.NewRecorder()
}

func decodeProblem(t *testing.T, rec *httptest.ResponseRecorder) models.Problem {
	t.Helper()
	assert.Equal(t, "application/problem+json", rec.Header().Get("Content-Type"))
	var p models.Problem
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &p))
	return p
}

func TestJSON_IncludesRequestID(t *testing.T) {
	req, rec := requestWithContext(t, http.MethodGet, "/test")

	response.JSON(rec, req, http.StatusOK, map[string]string{"message": "hello"})

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, middleware.GetRequestID(req.Context()), rec.Header().Get("X-Request-Id"))
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.JSONEq(t, `{"message":"hello"}`, rec.Body.String())
}

func TestJSON_WithoutRequestID(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/test", http.NoBody)
	rec := httptest.NewRecorder()

	response.JSON(rec, req, http.StatusOK, nil)

	assert.Empty(t, rec.Header().Get("X-Request-Id"))
	assert.Empty(t, rec.Body.String())
}

func TestCreated_IncludesLocation(t *testing.T) {
	req, rec := requestWithContext(t, http.MethodPut, "/v1/push/deviceRegistrations/dev-1")

	response.Created(rec, req, "/v1/push/deviceRegistrations/dev-1", map[string]string{"id": "dev-1"})

	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "/v1/push/deviceRegistrations/dev-1", rec.Header().Get("Location"))
	assert.NotEmpty(t, rec.Header().Get("X-Request-Id"))
}

func TestNoContent_IncludesRequestID(t *testing.T) {
	req, rec := requestWithContext(t, http.MethodDelete, "/v1/push/deviceRegistrations/dev-1")

	response.NoContent(rec, req)

	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("X-Request-Id"))
	assert.Empty(t, rec.Body.String())
}

func TestProblemHelpers(t *testing.T) {
	tests := []struct {
		name   string
		write  func(http.ResponseWriter, *http.Request)
		status int
		code   int
	}{
		{"bad request", func(w http.ResponseWriter, r *http.Request) { response.BadRequest(w, r, "d", nil) }, http.StatusBadRequest, push.CodeBadRequest},
		{"unauthorized", func(w http.ResponseWriter, r *http.Request) { response.Unauthorized(w, r, "d") }, http.StatusUnauthorized, push.CodeUnauthorized},
		{"forbidden", func(w http.ResponseWriter, r *http.Request) { response.Forbidden(w, r, "d") }, http.StatusForbidden, push.CodeForbidden},
		{"not found", func(w http.ResponseWriter, r *http.Request) { response.NotFound(w, r, "d") }, http.StatusNotFound, push.CodeNotFound},
		{"internal", func(w http.ResponseWriter, r *http.Request) { response.InternalError(w, r, "d") }, http.StatusInternalServerError, push.CodeInternal},
		{"unavailable", func(w http.ResponseWriter, r *http.Request) { response.ServiceUnavailable(w, r, "d") }, http.StatusServiceUnavailable, push.CodeInternal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, rec := requestWithContext(t, http.MethodGet, "/v1/push/deviceRegistrations/dev-1")

			tt.write(rec, req)

			assert.Equal(t, tt.status, rec.Code)
			p := decodeProblem(t, rec)
			assert.Equal(t, tt.status, p.Status)
			assert.Equal(t, tt.code, p.Code)
			assert.Equal(t, "d", p.Detail)
			assert.Equal(t, "/v1/push/deviceRegistrations/dev-1", p.Instance)
			assert.Equal(t, middleware.GetRequestID(req.Context()), p.TraceID)
			assert.Equal(t, p.TraceID, rec.Header().Get("X-Request-Id"))
		})
	}
}

func TestError_FillsMissingTraceID(t *testing.T) {
	req, rec := requestWithContext(t, http.MethodGet, "/x")

	response.Error(rec, req, models.NewNotFound("", "gone"))

	p := decodeProblem(t, rec)
	assert.NotEmpty(t, p.TraceID)
	assert.Equal(t, "/x", p.Instance)
}
