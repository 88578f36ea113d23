package telemetry

import (
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
)

// untracedRoutes are served without an HTTP span. The WebSocket route is
// traced per connection by RoomMetrics.TraceConnection instead.
var untracedRoutes = map[string]bool{
	"/health":  true,
	"/metrics": true,
	"/ws":      true,
}

// GinMiddleware returns the otelgin tracing middleware for the HTTP API
func GinMiddleware(serviceName string) gin.HandlerFunc {
	return otelgin.Middleware(serviceName,
		otelgin.WithGinFilter(func(c *gin.Context) bool {
			return !untracedRoutes[c.FullPath()]
		}),
	)
}
