package slogging

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"slices"
	"strings"
)

// RedactionAction defines how sensitive data should be handled
type RedactionAction string

const (
	// RedactionOmit removes the field entirely from logs
	RedactionOmit RedactionAction = "omit"
	// RedactionObfuscate replaces the value with [REDACTED]
	RedactionObfuscate RedactionAction = "obfuscate"
	// RedactionPartial shows first and last few characters with middle redacted
	RedactionPartial RedactionAction = "partial"
)

const omitMarker = "__REDACT_OMIT__"

// RedactionRule defines a single redaction rule
type RedactionRule struct {
	// FieldPattern is a regex matched against attribute keys
	FieldPattern string `yaml:"field_pattern" json:"field_pattern"`
	// Action specifies what to do with matching fields
	Action RedactionAction `yaml:"action" json:"action"`
	// LogLevels limits the rule to these levels (empty = all levels)
	LogLevels []string `yaml:"log_levels,omitempty" json:"log_levels,omitempty"`

	compiledPattern *regexp.Regexp
}

// RedactionConfig holds all redaction rules
type RedactionConfig struct {
	Enabled bool            `yaml:"enabled" json:"enabled"`
	Rules   []RedactionRule `yaml:"rules" json:"rules"`
}

// DefaultRedactionConfig redacts credentials everywhere and keeps opaque
// diagram payloads out of anything above debug level.
func DefaultRedactionConfig() RedactionConfig {
	return RedactionConfig{
		Enabled: true,
		Rules: []RedactionRule{
			{
				FieldPattern: "(?i)(authorization|bearer|token|jwt|cookie)",
				Action:       RedactionPartial,
			},
			{
				FieldPattern: "(?i)(password|secret|dsn|api_key|private_key)",
				Action:       RedactionOmit,
			},
			{
				FieldPattern: "(?i)^(payload|data)$",
				Action:       RedactionObfuscate,
				LogLevels:    []string{"info", "warn", "error"},
			},
		},
	}
}

// CompileRules compiles regex patterns for all rules
func (rc *RedactionConfig) CompileRules() error {
	for i := range rc.Rules {
		pattern, err := regexp.Compile(rc.Rules[i].FieldPattern)
		if err != nil {
			return fmt.Errorf("failed to compile redaction pattern '%s': %w", rc.Rules[i].FieldPattern, err)
		}
		rc.Rules[i].compiledPattern = pattern
	}
	return nil
}

func (rule *RedactionRule) appliesAt(level slog.Level) bool {
	if len(rule.LogLevels) == 0 {
		return true
	}
	levelStr := strings.ToLower(level.String())
	return slices.ContainsFunc(rule.LogLevels, func(l string) bool {
		return strings.ToLower(l) == levelStr
	})
}

func (rule *RedactionRule) apply(value slog.Value) slog.Value {
	switch rule.Action {
	case RedactionOmit:
		return slog.StringValue(omitMarker)
	case RedactionObfuscate:
		return slog.StringValue("[REDACTED]")
	case RedactionPartial:
		return slog.StringValue(partialRedactValue(value.String()))
	default:
		return value
	}
}

// partialRedactValue keeps a short prefix and suffix of a credential so log
// lines can still be correlated.
func partialRedactValue(value string) string {
	if value == "" {
		return value
	}
	if len(value) <= 12 {
		return "[REDACTED]"
	}
	if strings.HasPrefix(strings.ToLower(value), "bearer ") {
		return value[:7] + partialRedactValue(value[7:])
	}

	visibleStart, visibleEnd := 6, 4
	if len(value) < visibleStart+visibleEnd+10 {
		visibleStart, visibleEnd = 3, 2
	}
	return value[:visibleStart] + "...REDACTED..." + value[len(value)-visibleEnd:]
}

type redactionHandler struct {
	handler slog.Handler
	config  RedactionConfig
}

// NewRedactionHandler wraps handler so that matching attributes are redacted
func NewRedactionHandler(handler slog.Handler, config RedactionConfig) (slog.Handler, error) {
	if err := config.CompileRules(); err != nil {
		return nil, err
	}
	return &redactionHandler{handler: handler, config: config}, nil
}

func (h *redactionHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.handler.Enabled(ctx, level)
}

func (h *redactionHandler) Handle(ctx context.Context, record slog.Record) error {
	if !h.config.Enabled {
		return h.handler.Handle(ctx, record)
	}

	newRecord := slog.NewRecord(record.Time, record.Level, record.Message, record.PC)
	record.Attrs(func(attr slog.Attr) bool {
		if redacted, keep := h.redactAttribute(attr, record.Level); keep {
			newRecord.AddAttrs(redacted)
		}
		return true
	})
	return h.handler.Handle(ctx, newRecord)
}

func (h *redactionHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	redactedAttrs := make([]slog.Attr, 0, len(attrs))
	for _, attr := range attrs {
		if redacted, keep := h.redactAttribute(attr, slog.LevelInfo); keep {
			redactedAttrs = append(redactedAttrs, redacted)
		}
	}
	return &redactionHandler{handler: h.handler.WithAttrs(redactedAttrs), config: h.config}
}

func (h *redactionHandler) WithGroup(name string) slog.Handler {
	return &redactionHandler{handler: h.handler.WithGroup(name), config: h.config}
}

func (h *redactionHandler) redactAttribute(attr slog.Attr, level slog.Level) (slog.Attr, bool) {
	if !h.config.Enabled {
		return attr, true
	}
	for i := range h.config.Rules {
		rule := &h.config.Rules[i]
		if rule.compiledPattern == nil || !rule.compiledPattern.MatchString(attr.Key) || !rule.appliesAt(level) {
			continue
		}
		value := rule.apply(attr.Value)
		if value.String() == omitMarker {
			return slog.Attr{}, false
		}
		return slog.Attr{Key: attr.Key, Value: value}, true
	}
	return attr, true
}

// SanitizeLogMessage collapses newlines, tabs and repeated whitespace
func SanitizeLogMessage(message string) string {
	message = strings.ReplaceAll(message, "\n", " ")
	message = strings.ReplaceAll(message, "\r", " ")
	message = strings.ReplaceAll(message, "\t", " ")
	return strings.TrimSpace(strings.Join(strings.Fields(message), " "))
}

// RedactHeaders returns a copy of headers with credential-bearing values
// partially redacted.
func RedactHeaders(headers map[string][]string) map[string][]string {
	if headers == nil {
		return nil
	}

	sensitive := map[string]bool{
		"authorization":          true,
		"cookie":                 true,
		"sec-websocket-protocol": true,
		"x-auth-token":           true,
		"x-api-key":              true,
	}

	redacted := make(map[string][]string, len(headers))
	for key, values := range headers {
		out := slices.Clone(values)
		if sensitive[strings.ToLower(key)] {
			for i, v := range out {
				out[i] = partialRedactValue(v)
			}
		}
		redacted[key] = out
	}
	return redacted
}
