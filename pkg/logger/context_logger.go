package logger

import (
	"context"

	"go.uber.org/zap"
)

type ctxKey int

const (
	requestIDKey ctxKey = iota
	connIDKey
	roomIDKey
)

// WithRequestID stores the request id used by FromContext.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey, id)
}

// WithConnID stores the signaling connection id.
func WithConnID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, connIDKey, id)
}

// WithRoomID stores the room a request operates on.
func WithRoomID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, roomIDKey, id)
}

// FromContext returns base decorated with whatever ids ctx carries.
func FromContext(ctx context.Context, base *zap.SugaredLogger) *zap.SugaredLogger {
	var kv []interface{}
	if id, ok := ctx.Value(requestIDKey).(string); ok && id != "" {
		kv = append(kv, "request_id", id)
	}
	if id, ok := ctx.Value(connIDKey).(string); ok && id != "" {
		kv = append(kv, "conn_id", id)
	}
	if id, ok := ctx.Value(roomIDKey).(string); ok && id != "" {
		kv = append(kv, "room_id", id)
	}
	if len(kv) == 0 {
		return base
	}
	return base.With(kv...)
}
