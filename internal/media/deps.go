package media

import (
	"context"

	"github.com/conclave-rtc/conclave/internal/rtc"
)

// The conference layer depends on narrow capabilities instead of concrete
// services so the gateway, engine and handlers stay unidirectional.

// Broadcaster sends events to sockets and manages their room membership.
// *ws.Hub implements it.
type Broadcaster interface {
	ToRoom(room, event string, payload any, exclude ...string)
	ToSocket(socketID, event string, payload any)
	Join(socketID, room string)
	Leave(socketID, room string)
	DisconnectSockets(socketIDs []string, closeConn bool)
}

// WorkerSelector picks media workers and tracks their resource counters.
// *workers.Pool implements it.
type WorkerSelector interface {
	PickForRoom(roomID string) (rtc.Worker, error)
	IncRouters(pid, delta int)
	IncTransports(pid, delta int)
}

// Locker serializes room-scoped work across the cluster. *locks.Service
// implements it.
type Locker interface {
	WithLock(ctx context.Context, resource string, task func(ctx context.Context) error) error
}

// Conn is the slice of a connected socket the gateway reads. *ws.Socket
// implements it.
type Conn interface {
	ID() string
	Query(key string) string
}

// SideTap mirrors room audio into the transcription pipeline. A nil tap
// disables it; tap failures never affect media flow.
type SideTap interface {
	StartTap(ctx context.Context, room *Room, peer *Peer, producer rtc.Producer) error
	StopPeer(roomID, participantID string)
	ClearRoom(roomID string)
}
