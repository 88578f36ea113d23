package slogging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"
)

// LogLevel represents logging verbosity
type LogLevel int

const (
	// LogLevelDebug includes per-frame collaboration traffic
	LogLevelDebug LogLevel = iota
	// LogLevelInfo includes joins, leaves and lifecycle events
	LogLevelInfo
	// LogLevelWarn includes bus degradation and dropped clients
	LogLevelWarn
	// LogLevelError includes only errors
	LogLevelError
)

var (
	globalLogger  *Logger
	defaultLogDir = "logs"
)

// SimpleLogger is the printf-style subset of Logger used by components that
// accept an injected logger.
type SimpleLogger interface {
	Debug(format string, args ...any)
	Info(format string, args ...any)
	Warn(format string, args ...any)
	Error(format string, args ...any)
}

// Logger is the slog-based logging component
type Logger struct {
	slogger    *slog.Logger
	level      LogLevel
	isDev      bool
	fileLogger *lumberjack.Logger
}

// Config holds configuration options for the logger
type Config struct {
	// Level is the minimum log level to output
	Level LogLevel
	// IsDev selects the text handler and adds file/line info
	IsDev bool
	// LogDir is the directory to store log files; empty disables file output
	LogDir string
	// MaxAgeDays is the maximum number of days to retain logs
	MaxAgeDays int
	// MaxSizeMB is the maximum size of a log file in MB before rotation
	MaxSizeMB int
	// MaxBackups is the maximum number of old log files to retain
	MaxBackups int
	// AlsoLogToConsole controls if logs also go to stdout
	AlsoLogToConsole bool
	// RedactionConfig controls sensitive data redaction (defaults if nil)
	RedactionConfig *RedactionConfig
	// Output overrides every other destination. Used by tests.
	Output io.Writer
}

// ParseLogLevel converts a string log level to LogLevel
func ParseLogLevel(level string) LogLevel {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return LogLevelDebug
	case "info":
		return LogLevelInfo
	case "warn", "warning":
		return LogLevelWarn
	case "error":
		return LogLevelError
	default:
		return LogLevelInfo
	}
}

// String returns the string representation of the log level
func (l LogLevel) String() string {
	switch l {
	case LogLevelDebug:
		return "DEBUG"
	case LogLevelInfo:
		return "INFO"
	case LogLevelWarn:
		return "WARN"
	case LogLevelError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

func (l LogLevel) toSlogLevel() slog.Level {
	switch l {
	case LogLevelDebug:
		return slog.LevelDebug
	case LogLevelInfo:
		return slog.LevelInfo
	case LogLevelWarn:
		return slog.LevelWarn
	case LogLevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// customHandler adds source information in dev mode
type customHandler struct {
	handler slog.Handler
	isDev   bool
}

func (h *customHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.handler.Enabled(ctx, level)
}

func (h *customHandler) Handle(ctx context.Context, record slog.Record) error {
	if h.isDev {
		if record.PC == 0 {
			_, file, line, ok := runtime.Caller(4)
			if ok {
				record.Add(slog.String("source", fmt.Sprintf("%s:%d", filepath.Base(file), line)))
			}
		} else {
			frame := runtime.CallersFrames([]uintptr{record.PC})
			f, _ := frame.Next()
			record.Add(slog.String("source", fmt.Sprintf("%s:%d", filepath.Base(f.File), f.Line)))
		}
	}

	return h.handler.Handle(ctx, record)
}

func (h *customHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &customHandler{handler: h.handler.WithAttrs(attrs), isDev: h.isDev}
}

func (h *customHandler) WithGroup(name string) slog.Handler {
	return &customHandler{handler: h.handler.WithGroup(name), isDev: h.isDev}
}

// NewLogger creates a new slog-based logger instance
func NewLogger(config Config) (*Logger, error) {
	if config.MaxAgeDays <= 0 {
		config.MaxAgeDays = 7
	}
	if config.MaxSizeMB <= 0 {
		config.MaxSizeMB = 100
	}
	if config.MaxBackups <= 0 {
		config.MaxBackups = 10
	}

	var fileLogger *lumberjack.Logger
	var writer io.Writer
	switch {
	case config.Output != nil:
		writer = config.Output
	case config.LogDir == "":
		writer = os.Stdout
	default:
		if err := os.MkdirAll(config.LogDir, 0750); err != nil {
			return nil, fmt.Errorf("failed to create log directory: %w", err)
		}
		fileLogger = &lumberjack.Logger{
			Filename:   filepath.Join(config.LogDir, "tmi-collab.log"),
			MaxSize:    config.MaxSizeMB,
			MaxBackups: config.MaxBackups,
			MaxAge:     config.MaxAgeDays,
			Compress:   true,
		}
		if config.AlsoLogToConsole {
			writer = io.MultiWriter(os.Stdout, fileLogger)
		} else {
			writer = fileLogger
		}
	}

	handlerOpts := &slog.HandlerOptions{
		Level: config.Level.toSlogLevel(),
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey {
				if t, ok := a.Value.Any().(time.Time); ok {
					return slog.String(slog.TimeKey, t.Format(time.RFC3339Nano))
				}
			}
			return a
		},
	}

	var handler slog.Handler
	if config.IsDev {
		handler = slog.NewTextHandler(writer, handlerOpts)
	} else {
		handler = slog.NewJSONHandler(writer, handlerOpts)
	}

	redactionConfig := DefaultRedactionConfig()
	if config.RedactionConfig != nil {
		redactionConfig = *config.RedactionConfig
	}
	redactionHandler, err := NewRedactionHandler(handler, redactionConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create redaction handler: %w", err)
	}

	return &Logger{
		slogger:    slog.New(&customHandler{handler: redactionHandler, isDev: config.IsDev}),
		level:      config.Level,
		isDev:      config.IsDev,
		fileLogger: fileLogger,
	}, nil
}

// Initialize sets up the global logger
func Initialize(config Config) error {
	logger, err := NewLogger(config)
	if err != nil {
		return err
	}
	globalLogger = logger
	slog.SetDefault(logger.slogger)
	return nil
}

// Get returns the global logger instance, initializing a console logger if needed
func Get() *Logger {
	if globalLogger == nil {
		err := Initialize(Config{
			Level:            LogLevelInfo,
			LogDir:           os.Getenv("TMI_LOG_DIR"),
			AlsoLogToConsole: true,
		})
		if err != nil {
			handler := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})
			globalLogger = &Logger{slogger: slog.New(handler), level: LogLevelInfo}
		}
	}
	return globalLogger
}

// Close flushes and closes the rotating file, if any
func (l *Logger) Close() error {
	if l.fileLogger != nil {
		if err := l.fileLogger.Close(); err != nil {
			return fmt.Errorf("file logger close: %w", err)
		}
	}
	return nil
}

// With returns a child logger that adds attrs to every record, e.g. a
// per-room logger carrying room_id.
func (l *Logger) With(attrs ...slog.Attr) *Logger {
	args := make([]any, 0, len(attrs))
	for _, a := range attrs {
		args = append(args, a)
	}
	return &Logger{
		slogger:    l.slogger.With(args...),
		level:      l.level,
		isDev:      l.isDev,
		fileLogger: l.fileLogger,
	}
}

// Level returns the configured minimum level
func (l *Logger) Level() LogLevel {
	return l.level
}

func (l *Logger) logf(level LogLevel, format string, args ...any) {
	if l.level > level {
		return
	}
	message := format
	if len(args) > 0 {
		message = fmt.Sprintf(format, args...)
	}
	// CWE-117
	l.slogger.Log(context.Background(), level.toSlogLevel(), SanitizeLogMessage(message))
}

// Debug logs a debug-level message
func (l *Logger) Debug(format string, args ...any) {
	l.logf(LogLevelDebug, format, args...)
}

// Info logs an info-level message
func (l *Logger) Info(format string, args ...any) {
	l.logf(LogLevelInfo, format, args...)
}

// Warn logs a warning-level message
func (l *Logger) Warn(format string, args ...any) {
	l.logf(LogLevelWarn, format, args...)
}

// Error logs an error-level message
func (l *Logger) Error(format string, args ...any) {
	l.logf(LogLevelError, format, args...)
}

// DebugCtx logs a debug message with context and structured attributes
func (l *Logger) DebugCtx(ctx context.Context, msg string, attrs ...slog.Attr) {
	l.slogger.LogAttrs(ctx, slog.LevelDebug, SanitizeLogMessage(msg), attrs...)
}

// InfoCtx logs an info message with context and structured attributes
func (l *Logger) InfoCtx(ctx context.Context, msg string, attrs ...slog.Attr) {
	l.slogger.LogAttrs(ctx, slog.LevelInfo, SanitizeLogMessage(msg), attrs...)
}

// WarnCtx logs a warning message with context and structured attributes
func (l *Logger) WarnCtx(ctx context.Context, msg string, attrs ...slog.Attr) {
	l.slogger.LogAttrs(ctx, slog.LevelWarn, SanitizeLogMessage(msg), attrs...)
}

// ErrorCtx logs an error message with context and structured attributes
func (l *Logger) ErrorCtx(ctx context.Context, msg string, attrs ...slog.Attr) {
	l.slogger.LogAttrs(ctx, slog.LevelError, SanitizeLogMessage(msg), attrs...)
}

// GetSlogger returns the underlying slog.Logger
func (l *Logger) GetSlogger() *slog.Logger {
	return l.slogger
}
