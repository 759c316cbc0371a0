// Package responder writes the JSON envelope used by the admin API.
package responder

import (
	"net/http"

	apperrors "github.com/leeforge/plugind/errors"
	"github.com/leeforge/plugind/json"
)

var encodeFailed = []byte(`{"error":{"code":"INTERNAL_ERROR","message":"encode failed"},"meta":{}}`)

func writeJSON(w http.ResponseWriter, status int, payload any) {
	raw, err := json.Marshal(payload)
	w.Header().Set("Content-Type", "application/json")
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write(encodeFailed)
		return
	}
	w.WriteHeader(status)
	_, _ = w.Write(raw)
}

// Write sends data with status.
func Write(w http.ResponseWriter, status int, data any, opts ...Option) {
	writeJSON(w, status, &Response{Data: data, Meta: newMeta(opts)})
}

// OK responds with 200 and data.
func OK(w http.ResponseWriter, data any, opts ...Option) {
	Write(w, http.StatusOK, data, opts...)
}

// List responds with 200, the items and their count.
func List[T any](w http.ResponseWriter, items []T, opts ...Option) {
	if items == nil {
		items = []T{}
	}
	Write(w, http.StatusOK, items, append(opts, WithCount(len(items)))...)
}

// WriteError sends e with status.
func WriteError(w http.ResponseWriter, status int, e Error, opts ...Option) {
	writeJSON(w, status, &Response{Error: &e, Meta: newMeta(opts)})
}

// Fail converts err to an Error and picks the status from its type.
func Fail(w http.ResponseWriter, err error, opts ...Option) {
	appErr := apperrors.FromError(err)
	code := appErr.Code
	if code == "" {
		code = apperrors.CodeInternalError
	}
	WriteError(w, StatusOf(err), Error{
		Code:    code,
		Type:    string(appErr.Type),
		Message: err.Error(),
		Details: appErr.Details,
	}, opts...)
}

// NotFound responds with 404 for a route or resource that does not exist.
func NotFound(w http.ResponseWriter, message string, opts ...Option) {
	if message == "" {
		message = "not found"
	}
	WriteError(w, http.StatusNotFound, Error{Code: apperrors.CodeNotFound, Message: message}, opts...)
}

// StatusOf maps an orchestrator error to an HTTP status.
func StatusOf(err error) int {
	switch apperrors.TypeOf(err) {
	case apperrors.ErrorTypeNotFound:
		return http.StatusNotFound
	case apperrors.ErrorTypeInvalidState, apperrors.ErrorTypeRegistry:
		return http.StatusConflict
	case apperrors.ErrorTypeValidation, apperrors.ErrorTypeDiscovery:
		return http.StatusBadRequest
	case apperrors.ErrorTypeSecurity:
		if apperrors.CodeOf(err) == apperrors.CodePermissionDenied {
			return http.StatusForbidden
		}
		return http.StatusUnprocessableEntity
	case apperrors.ErrorTypeCapacity:
		return http.StatusServiceUnavailable
	case apperrors.ErrorTypeTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
