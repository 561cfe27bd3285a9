package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/relaypush/relaypush/internal/api/middleware"
	"github.com/relaypush/relaypush/internal/api/models"
	"github.com/relaypush/relaypush/internal/api/response"
	"github.com/relaypush/relaypush/internal/device"
	"github.com/relaypush/relaypush/pkg/push"
)

// maxBodyBytes caps the size of a registration body.
const maxBodyBytes = 64 << 10

// RegistrationHandler handles device registration endpoints.
type RegistrationHandler struct {
	service *device.Service
	logger  zerolog.Logger
}

// NewRegistrationHandler creates a new RegistrationHandler.
func NewRegistrationHandler(service *device.Service, logger zerolog.Logger) *RegistrationHandler {
	return &RegistrationHandler{service: service, logger: logger}
}

// Save handles PUT /v1/push/deviceRegistrations/{deviceId} - create or update a registration.
func (h *RegistrationHandler) Save(w http.ResponseWriter, r *http.Request) {
	principal, _ := GetPrincipal(r.Context())
	deviceID := chi.URLParam(r, "deviceId")

	var input push.DeviceDetails
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&input); err != nil {
		response.BadRequest(w, r, "invalid JSON body", nil)
		return
	}

	if input.ID == "" {
		input.ID = deviceID
	}
	if input.ID != deviceID {
		response.BadRequest(w, r, "device id does not match the request path", []models.FieldError{
			{Field: "id", Message: "must equal the path device id", Code: "mismatch"},
		})
		return
	}

	saved, created, err := h.service.Save(r.Context(), principal, &input)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	if created {
		response.Created(w, r, r.URL.Path, saved)
		return
	}
	response.JSON(w, r, http.StatusOK, saved)
}

// Get handles GET /v1/push/deviceRegistrations/{deviceId} - fetch one registration.
func (h *RegistrationHandler) Get(w http.ResponseWriter, r *http.Request) {
	principal, _ := GetPrincipal(r.Context())

	details, err := h.service.Get(r.Context(), principal, chi.URLParam(r, "deviceId"))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	response.JSON(w, r, http.StatusOK, details)
}

// List handles GET /v1/push/deviceRegistrations - list registrations by filter.
func (h *RegistrationHandler) List(w http.ResponseWriter, r *http.Request) {
	principal, _ := GetPrincipal(r.Context())
	query := r.URL.Query()

	limit := 0
	if raw := query.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > device.MaxListLimit {
			response.BadRequest(w, r, "invalid limit", []models.FieldError{
				{Field: "limit", Message: "must be an integer between 1 and " + strconv.Itoa(device.MaxListLimit), Code: "range"},
			})
			return
		}
		limit = n
	}

	opts := device.ListOptions{
		Filter: filterFromQuery(r),
		Limit:  limit,
		Cursor: query.Get("cursor"),
	}
	items, next, err := h.service.List(r.Context(), principal, opts)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	page := models.PagedRegistrations{
		Items: items,
		Meta:  models.PagedResponseMeta{Limit: device.EffectiveLimit(limit)},
	}
	if next != "" {
		page.Meta.NextCursor = &next
	}
	response.JSON(w, r, http.StatusOK, page)
}

// Remove handles DELETE /v1/push/deviceRegistrations/{deviceId} - remove one registration.
func (h *RegistrationHandler) Remove(w http.ResponseWriter, r *http.Request) {
	principal, _ := GetPrincipal(r.Context())

	if err := h.service.Remove(r.Context(), principal, chi.URLParam(r, "deviceId")); err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	response.NoContent(w, r)
}

// RemoveWhere handles DELETE /v1/push/deviceRegistrations - remove registrations by filter.
func (h *RegistrationHandler) RemoveWhere(w http.ResponseWriter, r *http.Request) {
	principal, _ := GetPrincipal(r.Context())

	removed, err := h.service.RemoveWhere(r.Context(), principal, filterFromQuery(r))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	response.JSON(w, r, http.StatusOK, models.RemoveWhereResult{Removed: removed})
}

func filterFromQuery(r *http.Request) device.Filter {
	query := r.URL.Query()
	return device.Filter{
		ClientID: query.Get("clientId"),
		DeviceID: query.Get("deviceId"),
	}
}

// writeServiceError maps registration service errors to problem responses.
func (h *RegistrationHandler) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, push.ErrInvalidDevice), errors.Is(err, device.ErrEmptyFilter):
		response.BadRequest(w, r, err.Error(), nil)
	case errors.Is(err, device.ErrSecretMismatch):
		response.Unauthorized(w, r, err.Error())
	case errors.Is(err, device.ErrForbidden):
		response.Forbidden(w, r, err.Error())
	case errors.Is(err, device.ErrDeviceNotFound):
		response.NotFound(w, r, "device registration not found")
	default:
		h.logger.Error().
			Err(err).
			Str("request_id", middleware.GetRequestID(r.Context())).
			Msg("registration request failed")
		response.InternalError(w, r, "")
	}
}
