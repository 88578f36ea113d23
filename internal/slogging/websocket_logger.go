package slogging

import (
	"context"
	"encoding/json"
	"log/slog"
)

// WebSocketLoggingConfig controls per-frame logging of collaboration traffic
type WebSocketLoggingConfig struct {
	Enabled bool
	// RedactPayloads replaces opaque diagram payloads with a size marker
	RedactPayloads bool
	// MaxMessageSize skips frames larger than this many bytes (0 = no limit)
	MaxMessageSize int
}

// WSMessageDirection indicates the direction of the WebSocket message
type WSMessageDirection string

const (
	WSMessageInbound  WSMessageDirection = "INBOUND"
	WSMessageOutbound WSMessageDirection = "OUTBOUND"
)

// LogWebSocketMessage logs one collaboration frame at debug level
func LogWebSocketMessage(direction WSMessageDirection, roomID, sessionID, messageType string, data []byte, config WebSocketLoggingConfig) {
	if !config.Enabled {
		return
	}
	logger := Get()
	if logger.level > LogLevelDebug {
		return
	}

	attrs := []slog.Attr{
		slog.String("direction", string(direction)),
		slog.String("room_id", roomID),
		slog.String("session_id", sessionID),
		slog.String("message_type", messageType),
		slog.Int("size_bytes", len(data)),
	}

	if config.MaxMessageSize > 0 && len(data) > config.MaxMessageSize {
		attrs = append(attrs, slog.Bool("truncated", true))
		logger.slogger.LogAttrs(context.Background(), slog.LevelDebug, "WebSocket message", attrs...)
		return
	}

	if config.RedactPayloads {
		data = RedactWebSocketMessage(data)
	}

	var frame any
	if json.Unmarshal(data, &frame) == nil {
		attrs = append(attrs, slog.Any("frame", frame))
	} else {
		attrs = append(attrs, slog.String("frame_text", string(data)))
	}
	logger.slogger.LogAttrs(context.Background(), slog.LevelDebug, "WebSocket message", attrs...)
}

// RedactWebSocketMessage replaces the "data" member of a frame with its size
// so that diagram contents stay out of the logs. Non-object frames are
// returned unchanged.
func RedactWebSocketMessage(message []byte) []byte {
	var frame map[string]json.RawMessage
	if err := json.Unmarshal(message, &frame); err != nil {
		return message
	}
	data, ok := frame["data"]
	if !ok {
		return message
	}
	marker, _ := json.Marshal(map[string]int{"redacted_bytes": len(data)})
	frame["data"] = marker
	out, err := json.Marshal(frame)
	if err != nil {
		return message
	}
	return out
}

// LogWebSocketConnection logs connection lifecycle events: connect, join,
// leave and disconnect. Empty ids are omitted.
func LogWebSocketConnection(event, remoteAddr, roomID, sessionID, userID string) {
	attrs := []slog.Attr{
		slog.String("event", event),
		slog.String("remote_addr", remoteAddr),
	}
	if roomID != "" {
		attrs = append(attrs, slog.String("room_id", SanitizeLogMessage(roomID)))
	}
	if sessionID != "" {
		attrs = append(attrs, slog.String("session_id", sessionID))
	}
	if userID != "" {
		attrs = append(attrs, slog.String("user_id", SanitizeLogMessage(userID)))
	}
	Get().slogger.LogAttrs(context.Background(), slog.LevelInfo, "WebSocket connection event", attrs...)
}
