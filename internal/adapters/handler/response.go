// Package handler exposes the local control API of the agent: gesture and
// overlay actions, session login and the status view.
package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"panic-relay/internal/core/domain"
)

// APIResponse represents the standard response envelope
// ALL API responses use this format
type APIResponse struct {
	Code    int    `json:"code"`    // HTTP status code (200, 400, 500, etc.)
	Message string `json:"message"` // Human-readable message ("Success", error description)
	Data    any    `json:"data"`    // Actual payload (can be null)
}

// NewSuccessResponse creates a successful response (code 200)
func NewSuccessResponse(data any) APIResponse {
	return APIResponse{
		Code:    http.StatusOK,
		Message: "Success",
		Data:    data,
	}
}

// NewErrorResponse creates an error response
func NewErrorResponse(code int, message string) APIResponse {
	return APIResponse{
		Code:    code,
		Message: message,
		Data:    nil,
	}
}

// Common error responses
func BadRequestResponse(message string) APIResponse {
	return NewErrorResponse(http.StatusBadRequest, message)
}

func UnauthorizedResponse(message string) APIResponse {
	return NewErrorResponse(http.StatusUnauthorized, message)
}

func ConflictResponse(message string) APIResponse {
	return NewErrorResponse(http.StatusConflict, message)
}

func InternalErrorResponse(message string) APIResponse {
	return NewErrorResponse(http.StatusInternalServerError, message)
}

func writeJSON(w http.ResponseWriter, resp APIResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(resp.Code)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		slog.Debug("Writing response failed", "error", err)
	}
}

// errorResponse maps the alert error taxonomy to HTTP statuses
func errorResponse(err error) APIResponse {
	switch {
	case errors.Is(err, domain.ErrNotAuthenticated):
		return UnauthorizedResponse(err.Error())
	case errors.Is(err, domain.ErrNoActiveAlert),
		errors.Is(err, domain.ErrNoVideoOffer),
		errors.Is(err, domain.ErrNoConfirmPrompt),
		errors.Is(err, domain.ErrDispatchInFlight),
		errors.Is(err, domain.ErrTriggerDisabled),
		errors.Is(err, domain.ErrSoundBlocked),
		errors.Is(err, errWrongRole):
		return ConflictResponse(err.Error())
	case errors.Is(err, domain.ErrNetworkFailure),
		errors.Is(err, domain.ErrConnectionFailure):
		return NewErrorResponse(http.StatusBadGateway, err.Error())
	}
	return InternalErrorResponse(err.Error())
}
