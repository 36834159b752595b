package common

import (
	"errors"
	"fmt"
)

// ErrStaleProcessing is the synthetic failure recorded when the queue reaper
// reclaims an item that stayed in processing past the timeout.
var ErrStaleProcessing = errors.New("stale processing reclaimed")

// NotFoundError indicates a resource was not found.
type NotFoundError struct {
	Resource string
	ID       string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s with id '%s' not found", e.Resource, e.ID)
}

// NewNotFoundError creates a new NotFoundError.
func NewNotFoundError(resource, id string) *NotFoundError {
	return &NotFoundError{Resource: resource, ID: id}
}

// ValidationError indicates invalid input data.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}

// NewValidationError creates a new ValidationError.
func NewValidationError(message string) *ValidationError {
	return &ValidationError{Message: message}
}

// TemplateNotFoundError is returned when no template or no matching variant exists.
type TemplateNotFoundError struct {
	TemplateType string
	Channel      string
	Role         string
	Language     string
}

func (e *TemplateNotFoundError) Error() string {
	if e.Channel == "" {
		return fmt.Sprintf("template '%s' not found", e.TemplateType)
	}
	return fmt.Sprintf("template '%s' has no variant for channel=%s role=%s language=%s",
		e.TemplateType, e.Channel, e.Role, e.Language)
}

// NewTemplateNotFoundError creates a TemplateNotFoundError for a missing template.
func NewTemplateNotFoundError(templateType string) *TemplateNotFoundError {
	return &TemplateNotFoundError{TemplateType: templateType}
}

// TransportError is a failed send reported by a delivery transport.
// Temporary marks failures that are worth retrying (rate limits, timeouts, 5xx).
type TransportError struct {
	Provider  string
	Code      string
	Message   string
	Temporary bool
}

func (e *TransportError) Error() string {
	kind := "permanent"
	if e.Temporary {
		kind = "transient"
	}
	if e.Code != "" {
		return fmt.Sprintf("%s %s transport error (%s): %s", e.Provider, kind, e.Code, e.Message)
	}
	return fmt.Sprintf("%s %s transport error: %s", e.Provider, kind, e.Message)
}

// NewTransientTransportError creates a retryable TransportError.
func NewTransientTransportError(provider, code, message string) *TransportError {
	return &TransportError{Provider: provider, Code: code, Message: message, Temporary: true}
}

// NewPermanentTransportError creates a non-retryable TransportError.
func NewPermanentTransportError(provider, code, message string) *TransportError {
	return &TransportError{Provider: provider, Code: code, Message: message}
}

// IsTransient reports whether err carries a TransportError marked temporary.
func IsTransient(err error) bool {
	var te *TransportError
	return errors.As(err, &te) && te.Temporary
}

// CacheUnavailableError wraps a render cache failure. It is never fatal.
type CacheUnavailableError struct {
	Op  string
	Err error
}

func (e *CacheUnavailableError) Error() string {
	return fmt.Sprintf("render cache unavailable during %s: %v", e.Op, e.Err)
}

func (e *CacheUnavailableError) Unwrap() error {
	return e.Err
}

// UnauthorizedError indicates missing or invalid authentication.
type UnauthorizedError struct {
	Message string
}

func (e *UnauthorizedError) Error() string {
	if e.Message == "" {
		return "unauthorized"
	}
	return e.Message
}

// NewUnauthorizedError creates a new UnauthorizedError.
func NewUnauthorizedError(message string) *UnauthorizedError {
	return &UnauthorizedError{Message: message}
}

// ConflictError indicates a request that does not apply to the resource's
// current state. It may wrap a sentinel such as an invalid transition.
type ConflictError struct {
	Message string
	Err     error
}

func (e *ConflictError) Error() string {
	return e.Message
}

func (e *ConflictError) Unwrap() error {
	return e.Err
}

// NewConflictError creates a new ConflictError wrapping err.
func NewConflictError(message string, err error) *ConflictError {
	return &ConflictError{Message: message, Err: err}
}
