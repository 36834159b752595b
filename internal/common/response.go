package common

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
)

// APIResponse is the standardized JSON response envelope.
type APIResponse struct {
	Success bool      `json:"success"`
	Data    any       `json:"data,omitempty"`
	Error   *APIError `json:"error,omitempty"`
}

// APIError contains error details in the response.
type APIError struct {
	Code    int    `json:"code"`
	Kind    string `json:"kind,omitempty"`
	Message string `json:"message"`
}

// Success sends a successful JSON response with data.
func Success(c *gin.Context, statusCode int, data any) {
	c.JSON(statusCode, APIResponse{
		Success: true,
		Data:    data,
	})
}

// Error sends an error JSON response.
func Error(c *gin.Context, statusCode int, message string) {
	errorWithKind(c, statusCode, "", message)
}

func errorWithKind(c *gin.Context, statusCode int, kind, message string) {
	c.JSON(statusCode, APIResponse{
		Success: false,
		Error: &APIError{
			Code:    statusCode,
			Kind:    kind,
			Message: message,
		},
	})
}

// HandleError maps the error taxonomy onto HTTP statuses.
func HandleError(c *gin.Context, err error) {
	var notFound *NotFoundError
	var tmplNotFound *TemplateNotFoundError
	var validation *ValidationError
	var unauthorized *UnauthorizedError
	var conflict *ConflictError
	var transport *TransportError

	switch {
	case errors.As(err, &validation):
		errorWithKind(c, http.StatusBadRequest, "validation", validation.Error())
	case errors.As(err, &tmplNotFound):
		errorWithKind(c, http.StatusNotFound, "template_not_found", tmplNotFound.Error())
	case errors.As(err, &notFound):
		errorWithKind(c, http.StatusNotFound, "not_found", notFound.Error())
	case errors.As(err, &conflict):
		errorWithKind(c, http.StatusConflict, "conflict", conflict.Error())
	case errors.As(err, &unauthorized):
		errorWithKind(c, http.StatusUnauthorized, "unauthorized", unauthorized.Error())
	case errors.As(err, &transport) && transport.Temporary:
		errorWithKind(c, http.StatusServiceUnavailable, "transient_transport", "notification delivery temporarily failed")
	case errors.As(err, &transport):
		errorWithKind(c, http.StatusBadGateway, "permanent_transport", "notification delivery failed")
	default:
		errorWithKind(c, http.StatusInternalServerError, "internal", "internal server error")
	}
}
