package logging

import (
	"context"
	"regexp"
	"unicode/utf8"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// ContextFields extracts correlation data from context.
func ContextFields(ctx context.Context) []zap.Field {
	fields := make([]zap.Field, 0, 6)

	if span := trace.SpanFromContext(ctx); span.SpanContext().IsValid() {
		sc := span.SpanContext()
		fields = append(fields,
			zap.String("trace_id", sc.TraceID().String()),
			zap.String("span_id", sc.SpanID().String()),
		)
	}
	if id := SessionIDFromContext(ctx); id != "" {
		fields = append(fields, zap.String("session.id", id))
	}
	if id := ClientIDFromContext(ctx); id != "" {
		fields = append(fields, zap.String("client.id", id))
	}
	if id := RequestIDFromContext(ctx); id != "" {
		fields = append(fields, zap.String("request.id", id))
	}
	return fields
}

type sessionCtxKey struct{}
type clientCtxKey struct{}
type requestCtxKey struct{}
type loggerCtxKey struct{}

const maxIDLen = 128

var idPattern = regexp.MustCompile(`^[a-zA-Z0-9_.:-]+$`)

// validID reports whether id is safe to emit as a correlation field.
func validID(id string) bool {
	return id != "" && len(id) <= maxIDLen && utf8.ValidString(id) && idPattern.MatchString(id)
}

// WithSessionID adds session ID to context. Invalid IDs are ignored,
// since they usually come straight from a request and must not crash the
// handler that logs them.
func WithSessionID(ctx context.Context, sessionID string) context.Context {
	if !validID(sessionID) {
		return ctx
	}
	return context.WithValue(ctx, sessionCtxKey{}, sessionID)
}

func SessionIDFromContext(ctx context.Context) string {
	s, _ := ctx.Value(sessionCtxKey{}).(string)
	return s
}

// WithClientID adds client ID to context. Invalid IDs are ignored.
func WithClientID(ctx context.Context, clientID string) context.Context {
	if !validID(clientID) {
		return ctx
	}
	return context.WithValue(ctx, clientCtxKey{}, clientID)
}

func ClientIDFromContext(ctx context.Context) string {
	s, _ := ctx.Value(clientCtxKey{}).(string)
	return s
}

// WithRequestID adds request ID to context. Invalid IDs are ignored.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	if !validID(requestID) {
		return ctx
	}
	return context.WithValue(ctx, requestCtxKey{}, requestID)
}

func RequestIDFromContext(ctx context.Context) string {
	s, _ := ctx.Value(requestCtxKey{}).(string)
	return s
}

// WithLogger stores logger in context.
func WithLogger(ctx context.Context, logger *Logger) context.Context {
	return context.WithValue(ctx, loggerCtxKey{}, logger)
}

// FromContext retrieves logger from context.
// Returns a nop logger if not found.
func FromContext(ctx context.Context) *Logger {
	if l, ok := ctx.Value(loggerCtxKey{}).(*Logger); ok {
		return l
	}
	return NewNop()
}
