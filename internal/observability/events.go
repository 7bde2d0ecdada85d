package observability

import (
	"context"

	"go.opentelemetry.io/otel/trace"
)

// Routing keys for domain events.
const (
	RouteMessageSent = "chat_events.message_sent"
	RouteRead        = "chat_events.read"
	RoutePartialSend = "chat_events.partial_send"
	RouteRepair      = "chat_events.repair"
)

type EventEnvelope struct {
	EventType string      `json:"event_type"`
	EventName string      `json:"event_name"`
	Payload   interface{} `json:"payload"`
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

// PublishChatEvent publishes a chat_events envelope tagged with the trace of ctx.
func PublishChatEvent(ctx context.Context, routingKey, name string, payload map[string]interface{}) error {
	var traceID string
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		traceID = sc.TraceID().String()
	}
	return PublishEvent(ctx, routingKey, EventEnvelope{
		EventType: "chat_events",
		EventName: name,
		Payload:   payload,
	}, BuildHeaders(RequestIDFromContext(ctx), traceID))
}

type requestIDKey struct{}

// WithRequestID stores the inbound request id on ctx.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, requestID)
}

func RequestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}
