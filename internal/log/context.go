package log

import (
	"context"

	"github.com/rs/zerolog"
)

type ctxKey string

const (
	roomIDKey   ctxKey = "room_id"
	jobIDKey    ctxKey = "job_id"
	socketIDKey ctxKey = "socket_id"
	userIDKey   ctxKey = "user_id"
)

// ContextWithRoomID stores the room id in the context.
func ContextWithRoomID(ctx context.Context, id string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, roomIDKey, id)
}

// ContextWithJobID stores the conversation/job id in the context.
func ContextWithJobID(ctx context.Context, id string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, jobIDKey, id)
}

// ContextWithSocketID stores the socket id in the context.
func ContextWithSocketID(ctx context.Context, id string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, socketIDKey, id)
}

// ContextWithUserID stores the user id in the context.
func ContextWithUserID(ctx context.Context, id string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, userIDKey, id)
}

// RoomIDFromContext extracts the room id from context if present.
func RoomIDFromContext(ctx context.Context) string {
	return stringFromContext(ctx, roomIDKey)
}

// JobIDFromContext extracts the job id from context if present.
func JobIDFromContext(ctx context.Context) string {
	return stringFromContext(ctx, jobIDKey)
}

// SocketIDFromContext extracts the socket id from context if present.
func SocketIDFromContext(ctx context.Context) string {
	return stringFromContext(ctx, socketIDKey)
}

// UserIDFromContext extracts the user id from context if present.
func UserIDFromContext(ctx context.Context) string {
	return stringFromContext(ctx, userIDKey)
}

func stringFromContext(ctx context.Context, key ctxKey) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(key).(string); ok {
		return v
	}
	return ""
}

// WithContext enriches the supplied logger with correlation fields from ctx.
func WithContext(ctx context.Context, logger zerolog.Logger) zerolog.Logger {
	if ctx == nil {
		return logger
	}
	builder := logger.With()
	added := false
	if rid := RoomIDFromContext(ctx); rid != "" {
		builder = builder.Str("room_id", rid)
		added = true
	}
	if jid := JobIDFromContext(ctx); jid != "" {
		builder = builder.Str("job_id", jid)
		added = true
	}
	if sid := SocketIDFromContext(ctx); sid != "" {
		builder = builder.Str("socket_id", sid)
		added = true
	}
	if uid := UserIDFromContext(ctx); uid != "" {
		builder = builder.Str("user_id", uid)
		added = true
	}
	if !added {
		return logger
	}
	return builder.Logger()
}

// WithComponentFromContext returns a logger annotated with the component name
// and enriched with correlation fields from ctx.
func WithComponentFromContext(ctx context.Context, component string) zerolog.Logger {
	l := FromContext(ctx)
	return WithContext(ctx, l.With().Str("component", component).Logger())
}

// FromContext returns a logger from the context, or the base logger if none
// is attached.
func FromContext(ctx context.Context) *zerolog.Logger {
	if ctx == nil {
		l := Base()
		return &l
	}
	l := zerolog.Ctx(ctx)
	if l.GetLevel() == zerolog.Disabled {
		b := Base()
		return &b
	}
	return l
}
