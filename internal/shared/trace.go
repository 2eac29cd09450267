package shared

import (
	"context"

	"github.com/google/uuid"
)

type traceKey struct{}
type pageIDKey struct{}
type actionKey struct{}

// WithTraceID attaches a trace_id to the context.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceKey{}, traceID)
}

// TraceID extracts trace_id from context. Returns "-" if absent.
func TraceID(ctx context.Context) string {
	if v, ok := ctx.Value(traceKey{}).(string); ok && v != "" {
		return v
	}
	return "-"
}

// NewTraceID generates a new trace_id.
func NewTraceID() string {
	return uuid.NewString()
}

// WithPageID attaches the id of the mirrored page a request belongs to.
func WithPageID(ctx context.Context, pageID string) context.Context {
	return context.WithValue(ctx, pageIDKey{}, pageID)
}

// PageID extracts page_id from context. Returns "" if absent.
func PageID(ctx context.Context) string {
	if v, ok := ctx.Value(pageIDKey{}).(string); ok {
		return v
	}
	return ""
}

// NewPageID generates an id for a newly mirrored page.
func NewPageID() string {
	return uuid.NewString()
}

// WithAction attaches the gateway action name being served.
func WithAction(ctx context.Context, action string) context.Context {
	return context.WithValue(ctx, actionKey{}, action)
}

// Action extracts the gateway action name. Returns "" if absent.
func Action(ctx context.Context) string {
	if v, ok := ctx.Value(actionKey{}).(string); ok {
		return v
	}
	return ""
}
