package api

import (
	_ "embed"
	"fmt"
	"net/http"
	"strings"

	"github.com/getkin/kin-openapi/openapi3"
	"github.com/gin-gonic/gin"
	middleware "github.com/oapi-codegen/gin-middleware"
)

//go:embed collab-openapi.json
var openAPIDocument []byte

// GetSwagger loads and validates the embedded OpenAPI document
func GetSwagger() (*openapi3.T, error) {
	loader := openapi3.NewLoader()
	swagger, err := loader.LoadFromData(openAPIDocument)
	if err != nil {
		return nil, fmt.Errorf("error loading OpenAPI document: %w", err)
	}
	if err := swagger.Validate(loader.Context); err != nil {
		return nil, fmt.Errorf("invalid OpenAPI document: %w", err)
	}
	return swagger, nil
}

// OpenAPIErrorHandler converts OpenAPI validation errors to the API error format
func OpenAPIErrorHandler(c *gin.Context, message string, statusCode int) {
	lower := strings.ToLower(message)

	var reqErr *RequestError
	switch {
	case strings.Contains(lower, "no matching operation"):
		reqErr = NotFoundError(message)
	case strings.Contains(lower, "method not allowed"):
		reqErr = &RequestError{Status: http.StatusMethodNotAllowed, Code: "method_not_allowed", Message: message}
	case statusCode == http.StatusBadRequest && strings.Contains(lower, "in path has an error"):
		reqErr = InvalidIDError(message)
	case statusCode == http.StatusBadRequest, statusCode == http.StatusUnprocessableEntity:
		reqErr = InvalidInputError(message)
	default:
		reqErr = ServerError(message)
	}

	HandleRequestError(c, reqErr)
}

// SetupOpenAPIValidation creates request validation middleware for the REST
// routes. The WebSocket endpoint is not validated.
func SetupOpenAPIValidation() (gin.HandlerFunc, error) {
	swagger, err := GetSwagger()
	if err != nil {
		return nil, fmt.Errorf("failed to load OpenAPI spec: %w", err)
	}

	// Host matching is left to the deployment
	swagger.Servers = nil

	validator := middleware.OapiRequestValidatorWithOptions(swagger,
		&middleware.Options{
			ErrorHandler:          OpenAPIErrorHandler,
			SilenceServersWarning: true,
		})

	return func(c *gin.Context) {
		if strings.HasSuffix(c.Request.URL.Path, "/ws") {
			c.Next()
			return
		}
		validator(c)
	}, nil
}
