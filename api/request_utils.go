package api

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/oapi-codegen/runtime"

	"github.com/ericfitz/tmi-collab/internal/rooms"
	"github.com/ericfitz/tmi-collab/internal/slogging"
)

// RequestError is an error with an HTTP status and an API error code
type RequestError struct {
	Status  int
	Code    string
	Message string
}

func (e *RequestError) Error() string {
	return e.Message
}

// InvalidInputError creates a RequestError for malformed input
func InvalidInputError(message string) *RequestError {
	return &RequestError{Status: http.StatusBadRequest, Code: "invalid_input", Message: message}
}

// InvalidIDError creates a RequestError for invalid path identifiers
func InvalidIDError(message string) *RequestError {
	return &RequestError{Status: http.StatusBadRequest, Code: "invalid_id", Message: message}
}

// NotFoundError creates a RequestError for unknown resources
func NotFoundError(message string) *RequestError {
	return &RequestError{Status: http.StatusNotFound, Code: "not_found", Message: message}
}

// ServiceUnavailableError creates a RequestError for a stopping server
func ServiceUnavailableError(message string) *RequestError {
	return &RequestError{Status: http.StatusServiceUnavailable, Code: "unavailable", Message: message}
}

// ServerError creates a RequestError for unexpected failures
func ServerError(message string) *RequestError {
	return &RequestError{Status: http.StatusInternalServerError, Code: "server_error", Message: message}
}

// HandleRequestError sends an appropriate HTTP error response. Errors that
// are not RequestErrors are logged and reported as server errors.
func HandleRequestError(c *gin.Context, err error) {
	var reqErr *RequestError
	if !errors.As(err, &reqErr) {
		slogging.GetContextLogger(c).Error("Request failed - path: %s, error: %v", c.Request.URL.Path, err)
		reqErr = ServerError("request failed")
	}
	c.AbortWithStatusJSON(reqErr.Status, Error{Error: reqErr.Code, Message: reqErr.Message})
}

// roomRequestError maps registry errors onto request errors
func roomRequestError(err error) error {
	switch {
	case errors.Is(err, rooms.ErrInvalidRequest):
		return InvalidInputError(err.Error())
	case errors.Is(err, rooms.ErrRegistryClosed):
		return ServiceUnavailableError("room registry is shutting down")
	default:
		return err
	}
}

// bindPathParam binds a simple style path parameter
func bindPathParam(c *gin.Context, name string, dest any) error {
	err := runtime.BindStyledParameterWithOptions("simple", name, c.Param(name), dest,
		runtime.BindStyledParameterOptions{ParamLocation: runtime.ParamLocationPath, Required: true})
	if err != nil {
		return InvalidIDError(fmt.Sprintf("Invalid format for parameter %s: %v", name, err))
	}
	return nil
}
