package observability

import (
	"context"

	"go.opentelemetry.io/otel/trace"
)

// WSEventsRoutingKey is the routing key for session lifecycle events.
const WSEventsRoutingKey = "ws_events.sessions"

type EventEnvelope struct {
	EventType string      `json:"event_type"`
	EventName string      `json:"event_name"`
	Payload   interface{} `json:"payload"`
}

// SessionEvent describes one websocket session lifecycle transition.
type SessionEvent struct {
	Name       string
	SessionID  string
	UserID     int64
	DeviceID   string
	IP         string
	DurationMS int64
	Reason     string
}

// PublishSessionEvent emits a ws_events envelope and bumps the event counter.
func PublishSessionEvent(ctx context.Context, ev SessionEvent, requestID, traceID string) {
	IncWSEvent(ev.Name)
	_ = PublishEvent(ctx, WSEventsRoutingKey, EventEnvelope{
		EventType: "ws_events",
		EventName: ev.Name,
		Payload: map[string]interface{}{
			"ws": map[string]interface{}{
				"event":       ev.Name,
				"session_id":  ev.SessionID,
				"duration_ms": ev.DurationMS,
				"reason":      ev.Reason,
			},
			"identity": map[string]interface{}{
				"user_id":   ev.UserID,
				"device_id": ev.DeviceID,
				"ip":        ev.IP,
			},
		},
	}, BuildHeaders(requestID, traceID))
}

func BuildHeaders(requestID, traceID string) map[string]string {
	headers := map[string]string{}
	if requestID != "" {
		headers["x-request-id"] = requestID
	}
	if traceID != "" {
		headers["trace_id"] = traceID
	}
	return headers
}

// TraceIDFromContext returns the active trace id or "" when not sampled.
func TraceIDFromContext(ctx context.Context) string {
	sc := trace.SpanFromContext(ctx).SpanContext()
	if !sc.HasTraceID() {
		return ""
	}
	return sc.TraceID().String()
}
