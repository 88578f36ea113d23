package slogging

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// GinContextLike defines a minimal interface for contexts that can be used with the logger
type GinContextLike interface {
	Get(key any) (any, bool)
	GetHeader(key string) string
	ClientIP() string
}

// GetContextLogger retrieves the request logger stored by LoggerMiddleware,
// or builds one from the global logger.
func GetContextLogger(c *gin.Context) *ContextLogger {
	if v, ok := c.Get("logger"); ok {
		if logger, ok := v.(*ContextLogger); ok {
			return logger
		}
	}
	return Get().WithContext(c)
}

// WithContext returns a logger that carries the request id and client ip
func (l *Logger) WithContext(c GinContextLike) *ContextLogger {
	requestID := c.GetHeader("X-Request-ID")
	if requestID == "" {
		requestID = uuid.New().String()
		if setter, ok := c.(interface{ Header(string, string) }); ok {
			setter.Header("X-Request-ID", requestID)
		}
	}

	return &ContextLogger{
		logger: l,
		slogger: l.slogger.With(
			slog.String("request_id", requestID),
			slog.String("client_ip", c.ClientIP()),
		),
		ctx:       context.Background(),
		requestID: requestID,
	}
}

// ContextLogger adds request context to log messages
type ContextLogger struct {
	logger    *Logger
	slogger   *slog.Logger
	ctx       context.Context
	requestID string
}

// RequestID returns the id attached to this request
func (cl *ContextLogger) RequestID() string {
	return cl.requestID
}

func (cl *ContextLogger) logf(level LogLevel, format string, args ...any) {
	if cl.logger.level > level {
		return
	}
	message := format
	if len(args) > 0 {
		message = fmt.Sprintf(format, args...)
	}
	cl.slogger.Log(cl.ctx, level.toSlogLevel(), SanitizeLogMessage(message))
}

// Debug logs a debug-level message with context
func (cl *ContextLogger) Debug(format string, args ...any) { cl.logf(LogLevelDebug, format, args...) }

// Info logs an info-level message with context
func (cl *ContextLogger) Info(format string, args ...any) { cl.logf(LogLevelInfo, format, args...) }

// Warn logs a warning-level message with context
func (cl *ContextLogger) Warn(format string, args ...any) { cl.logf(LogLevelWarn, format, args...) }

// Error logs an error-level message with context
func (cl *ContextLogger) Error(format string, args ...any) { cl.logf(LogLevelError, format, args...) }

// DebugCtx logs a debug message with additional structured attributes
func (cl *ContextLogger) DebugCtx(msg string, attrs ...slog.Attr) {
	cl.slogger.LogAttrs(cl.ctx, slog.LevelDebug, msg, attrs...)
}

// InfoCtx logs an info message with additional structured attributes
func (cl *ContextLogger) InfoCtx(msg string, attrs ...slog.Attr) {
	cl.slogger.LogAttrs(cl.ctx, slog.LevelInfo, msg, attrs...)
}

// WarnCtx logs a warning message with additional structured attributes
func (cl *ContextLogger) WarnCtx(msg string, attrs ...slog.Attr) {
	cl.slogger.LogAttrs(cl.ctx, slog.LevelWarn, msg, attrs...)
}

// ErrorCtx logs an error message with additional structured attributes
func (cl *ContextLogger) ErrorCtx(msg string, attrs ...slog.Attr) {
	cl.slogger.LogAttrs(cl.ctx, slog.LevelError, msg, attrs...)
}

// WithAttrs returns a new ContextLogger with additional attributes
func (cl *ContextLogger) WithAttrs(attrs ...slog.Attr) *ContextLogger {
	return &ContextLogger{
		logger:    cl.logger,
		slogger:   cl.slogger.With(attrsToAny(attrs)...),
		ctx:       cl.ctx,
		requestID: cl.requestID,
	}
}

func attrsToAny(attrs []slog.Attr) []any {
	result := make([]any, 0, len(attrs))
	for _, attr := range attrs {
		result = append(result, attr)
	}
	return result
}
