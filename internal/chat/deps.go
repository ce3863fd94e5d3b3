// Package chat is the authenticated socket surface: connection supervision
// (token handshake, single-socket enforcement, room membership) and the
// conversation event contract (message send/pin/read/typing fan-out).
package chat

import (
	"context"
	"encoding/json"

	"github.com/conclave-rtc/conclave/internal/auth"
	"github.com/conclave-rtc/conclave/internal/msgqueue"
)

// Handler processes one chat socket event and returns the ack payload.
type Handler func(ctx context.Context, conn Conn, data json.RawMessage) (any, error)

// Conn is the slice of the socket the chat layer touches.
type Conn interface {
	ID() string
	Query(key string) string
	Header(key string) string
	Emit(event string, payload any)
	SetUserID(id string)
	UserID() string
	OnClose(fn func())
}

// Broadcaster fans events out to rooms and sockets, cluster-wide when the hub
// runs with an adapter.
type Broadcaster interface {
	ToRoom(room, event string, payload any, exclude ...string)
	Join(socketID, room string)
	Leave(socketID, room string)
	DisconnectSockets(socketIDs []string, closeConn bool)
}

// Locker serializes conversation work across nodes.
type Locker interface {
	WithLock(ctx context.Context, resource string, task func(ctx context.Context) error) error
	TryWithLock(ctx context.Context, resource string, task func(ctx context.Context) error) error
}

// Dispatcher orders message delivery per conversation by client timestamp.
type Dispatcher interface {
	Dispatch(ctx context.Context, jobID string, timestamp int64, task msgqueue.Task) error
}

// DurableQueue persists messages for out-of-process ingestion, idempotent on
// message id.
type DurableQueue interface {
	Enqueue(ctx context.Context, messageID, jobID string, payload any) (bool, error)
}

// TokenValidator checks a bearer token and extracts the caller identity.
type TokenValidator interface {
	Validate(token string) (auth.Identity, error)
}

// SessionStore is the cross-node socket/user registry.
type SessionStore interface {
	Bind(ctx context.Context, user, socket string) ([]string, error)
	Unbind(ctx context.Context, socket string) error
	AddRooms(ctx context.Context, user string, rooms []string) error
}

// JobDirectory resolves the conversation rooms a user belongs to.
type JobDirectory interface {
	JobIDs(ctx context.Context, token string) ([]string, error)
}
