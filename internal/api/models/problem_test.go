package models_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaypush/relaypush/internal/api/models"
	"github.com/relaypush/relaypush/pkg/push"
)

func TestProblem_NewProblem(t *testing.T) {
	p := models.NewProblem(
		models.ProblemTypeValidation,
		"Validation error",
		http.StatusBadRequest,
		"req_test123",
	)

	assert.Equal(t, models.ProblemTypeValidation, p.Type)
	assert.Equal(t, "Validation error", p.Title)
	assert.Equal(t, http.StatusBadRequest, p.Status)
	assert.Equal(t, push.CodeBadRequest, p.Code)
	assert.Equal(t, "req_test123", p.TraceID)
	assert.Empty(t, p.Detail)
	assert.Empty(t, p.Instance)
	assert.Nil(t, p.Errors)
}

func TestProblem_Builders(t *testing.T) {
	p := models.NewProblem(models.ProblemTypeValidation, "Validation error", http.StatusBadRequest, "req_1").
		WithDetail("push.recipient.transportType is required").
		WithInstance("/v1/push/deviceRegistrations/dev-1").
		WithErrors([]models.FieldError{{Field: "push.recipient", Message: "required", Code: "REQUIRED"}}).
		WithCode(40001)

	assert.Equal(t, "push.recipient.transportType is required", p.Detail)
	assert.Equal(t, "/v1/push/deviceRegistrations/dev-1", p.Instance)
	require.Len(t, p.Errors, 1)
	assert.Equal(t, "REQUIRED", p.Errors[0].Code)
	assert.Equal(t, 40001, p.Code)
}

func TestProblem_Write(t *testing.T) {
	p := models.NewBadRequest("req_test123", "invalid input", []models.FieldError{
		{Field: "platform", Message: "required"},
	})
	p.Instance = "/v1/push/deviceRegistrations/dev-1"

	w := httptest.NewRecorder()
	p.Write(w)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "application/problem+json", w.Header().Get("Content-Type"))
	assert.Equal(t, "req_test123", w.Header().Get("X-Request-Id"))

	var result models.Problem
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &result))

	assert.Equal(t, models.ProblemTypeValidation, result.Type)
	assert.Equal(t, http.StatusBadRequest, result.Status)
	assert.Equal(t, push.CodeBadRequest, result.Code)
	assert.Equal(t, "invalid input", result.Detail)
	assert.Equal(t, "/v1/push/deviceRegistrations/dev-1", result.Instance)
	require.Len(t, result.Errors, 1)
	assert.Equal(t, "platform", result.Errors[0].Field)
}

func TestProblem_WriteWithoutTraceID(t *testing.T) {
	w := httptest.NewRecorder()
	models.NewInternalError("", "boom").Write(w)

	assert.Empty(t, w.Header().Get("X-Request-Id"))
	assert.Equal(t, http.StatusInternalServerError, w.Code)
}

func TestProblemConstructors(t *testing.T) {
	tests := []struct {
		name      string
		problem   *models.Problem
		wantType  string
		wantTitle string
		status    int
		code      int
	}{
		{"unauthorized", models.NewUnauthorized("req_1", "d"), models.ProblemTypeUnauthorized, "Unauthorized", http.StatusUnauthorized, push.CodeUnauthorized},
		{"forbidden", models.NewForbidden("req_1", "d"), models.ProblemTypeForbidden, "Forbidden", http.StatusForbidden, push.CodeForbidden},
		{"not found", models.NewNotFound("req_1", "d"), models.ProblemTypeNotFound, "Not found", http.StatusNotFound, push.CodeNotFound},
		{"unsupported media", models.NewUnsupportedMediaType("req_1", "d"), models.ProblemTypeUnsupportedMedia, "Unsupported media type", http.StatusUnsupportedMediaType, push.CodeBadRequest},
		{"too many requests", models.NewTooManyRequests("req_1", "d"), models.ProblemTypeTooManyRequests, "Too many requests", http.StatusTooManyRequests, push.CodeBadRequest},
		{"internal", models.NewInternalError("req_1", "d"), models.ProblemTypeInternal, "Internal server error", http.StatusInternalServerError, push.CodeInternal},
		{"unavailable", models.NewServiceUnavailable("req_1", "d"), models.ProblemTypeUnavailable, "Service unavailable", http.StatusServiceUnavailable, push.CodeInternal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.wantType, tt.problem.Type)
			assert.Equal(t, tt.wantTitle, tt.problem.Title)
			assert.Equal(t, tt.status, tt.problem.Status)
			assert.Equal(t, tt.code, tt.problem.Code)
			assert.Equal(t, "d", tt.problem.Detail)
			assert.Equal(t, "req_1", tt.problem.TraceID)
		})
	}
}

func TestTimestamp_JSON(t *testing.T) {
	ts := models.Timestamp(time.Date(2026, 5, 6, 7, 8, 9, 0, time.UTC))

	data, err := json.Marshal(ts)
	require.NoError(t, err)
	assert.Equal(t, `"2026-05-06T07:08:09Z"`, string(data))

	var decoded models.Timestamp
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.True(t, ts.Time().Equal(decoded.Time()))

	assert.Error(t, json.Unmarshal([]byte(`12`), &decoded))
	require.NoError(t, json.Unmarshal([]byte(`null`), &decoded))
}
