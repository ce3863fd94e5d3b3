package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/conclave-rtc/conclave/internal/locks"
)

// Lock acquisition modes for the message delivery path.
const (
	LockModeBlock = "block"
	LockModeTry   = "try"
)

var (
	// ErrUnauthenticated rejects contract events from sockets that have not
	// completed the token handshake.
	ErrUnauthenticated = errors.New("unauthenticated")

	// ErrInvalidMessage rejects sends missing the conversation id or the
	// ciphertext body.
	ErrInvalidMessage = errors.New("jobId and encryptedContent.body are required")

	// ErrMissingRoom rejects room-scoped events without a room id.
	ErrMissingRoom = errors.New("roomId required")
)

// GatewayDeps wires the messaging gateway into the shared infrastructure.
type GatewayDeps struct {
	Hub     Broadcaster
	Locks   Locker
	Queue   Dispatcher
	Durable DurableQueue

	// LockMode selects the delivery path: LockModeBlock waits for the
	// conversation lock, LockModeTry acks RESOURCE_BUSY when it is held.
	LockMode string
}

// Gateway is the conversation event surface. Message delivery is serialized
// per conversation: cross-node by the distributed lock, in-process by the
// timestamp-ordered dispatcher.
type Gateway struct {
	logger zerolog.Logger
	d      GatewayDeps
}

func NewGateway(logger zerolog.Logger, d GatewayDeps) *Gateway {
	if d.LockMode == "" {
		d.LockMode = LockModeBlock
	}
	return &Gateway{logger: logger, d: d}
}

// Routes returns the chat-namespace handlers keyed by event name.
func (g *Gateway) Routes() map[string]Handler {
	return map[string]Handler{
		"contract:message.send":   g.Send,
		"contract:message.pin":    g.fanout("contract:message.pinned"),
		"contract:message.unpin":  g.fanout("contract:message.unpinned"),
		"contract:message.read":   g.fanout("contract:message.read"),
		"contract:message.typing": g.Typing,
		"contract:room.join":      g.RoomJoin,
		"chat.room.join":          g.RoomJoin,
		"chat.room.leave":         g.RoomLeave,
	}
}

// Send delivers one encrypted message: durable enqueue guarded by the
// idempotency key, then contract:message.new to the conversation room. The
// whole step runs under the conversation lock and inside the per-conversation
// FIFO, so two nodes never interleave deliveries for the same jobId.
func (g *Gateway) Send(ctx context.Context, conn Conn, data json.RawMessage) (any, error) {
	if err := requireAuth(conn); err != nil {
		return nil, err
	}
	var req SendRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, fmt.Errorf("message.send: %w", err)
	}
	if req.JobID == "" || req.EncryptedContent == nil || req.EncryptedContent.Body == "" {
		return nil, ErrInvalidMessage
	}

	messageID := req.ID
	if messageID == "" {
		messageID = uuid.NewString()
	}
	timestamp := req.Timestamp
	if timestamp == 0 {
		timestamp = time.Now().UnixMilli()
	}

	var ack any
	err := g.withConversationLock(ctx, req.JobID, func(ctx context.Context) error {
		return g.d.Queue.Dispatch(ctx, req.JobID, timestamp, func(ctx context.Context) error {
			duplicate, err := g.d.Durable.Enqueue(ctx, messageID, req.JobID, data)
			if err != nil {
				return err
			}
			if duplicate {
				ack = DuplicateAck{Delivered: true, Duplicate: true, MessageID: messageID}
				return nil
			}
			g.d.Hub.ToRoom(req.JobID, "contract:message.new", data)
			g.logger.Debug().
				Str("event", "chat.message_delivered").
				Str("job_id", req.JobID).
				Str("message_id", messageID).
				Int64("timestamp", timestamp).
				Msg("message fanned out")
			ack = SendAck{Success: true, MessageID: messageID, Timestamp: timestamp}
			return nil
		})
	})
	if errors.Is(err, locks.ErrBusy) {
		g.logger.Debug().
			Str("event", "chat.lock_busy").
			Str("job_id", req.JobID).
			Str("message_id", messageID).
			Msg("conversation lock held elsewhere")
		return BusyAck{OK: false, Error: "RESOURCE_BUSY"}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("message.send %s: %w", messageID, err)
	}
	return ack, nil
}

// fanout builds the handler for pin/unpin/read: the inbound payload is
// re-broadcast to the conversation room under the outbound name, serialized
// under the conversation lock.
func (g *Gateway) fanout(outbound string) Handler {
	return func(ctx context.Context, conn Conn, data json.RawMessage) (any, error) {
		if err := requireAuth(conn); err != nil {
			return nil, err
		}
		var req RoomRequest
		if err := json.Unmarshal(data, &req); err != nil {
			return nil, fmt.Errorf("%s: %w", outbound, err)
		}
		if req.JobID == "" {
			return nil, ErrMissingRoom
		}
		err := g.d.Locks.WithLock(ctx, req.JobID, func(context.Context) error {
			g.d.Hub.ToRoom(req.JobID, outbound, data)
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("%s: %w", outbound, err)
		}
		return OKAck{OK: true}, nil
	}
}

// Typing relays a typing indicator to everyone else in the room. No lock, no
// persistence: losing one is fine.
func (g *Gateway) Typing(_ context.Context, conn Conn, data json.RawMessage) (any, error) {
	if err := requireAuth(conn); err != nil {
		return nil, err
	}
	var req RoomRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, fmt.Errorf("message.typing: %w", err)
	}
	if req.JobID == "" {
		return nil, ErrMissingRoom
	}
	g.d.Hub.ToRoom(req.JobID, "contract:message.typing", data, conn.ID())
	return nil, nil
}

// RoomJoin subscribes the socket to a conversation room.
func (g *Gateway) RoomJoin(_ context.Context, conn Conn, data json.RawMessage) (any, error) {
	if err := requireAuth(conn); err != nil {
		return nil, err
	}
	var req RoomRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, fmt.Errorf("room.join: %w", err)
	}
	room := req.Room()
	if room == "" {
		return nil, ErrMissingRoom
	}
	g.d.Hub.Join(conn.ID(), room)
	g.logger.Debug().
		Str("event", "chat.room_joined").
		Str("socket_id", conn.ID()).
		Str("room_id", room).
		Msg("socket joined room")
	return RoomAck{RoomID: room}, nil
}

// RoomLeave unsubscribes the socket from a conversation room.
func (g *Gateway) RoomLeave(_ context.Context, conn Conn, data json.RawMessage) (any, error) {
	if err := requireAuth(conn); err != nil {
		return nil, err
	}
	var req RoomRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, fmt.Errorf("room.leave: %w", err)
	}
	room := req.Room()
	if room == "" {
		return nil, ErrMissingRoom
	}
	g.d.Hub.Leave(conn.ID(), room)
	return LeaveAck{Left: true}, nil
}

// NotifyJobStatus fans a job status transition out to the job room. Called by
// the internal HTTP hook when the jobs service records a change.
func (g *Gateway) NotifyJobStatus(jobID, previous, next string, transactions json.RawMessage) JobStatusUpdate {
	update := JobStatusUpdate{
		EventID:        uuid.NewString(),
		Timestamp:      time.Now().UnixMilli(),
		Source:         "conclave",
		JobID:          jobID,
		PreviousStatus: previous,
		NewStatus:      next,
		Transactions:   transactions,
	}
	g.d.Hub.ToRoom(jobID, "notification:job.status.updated", update)
	g.logger.Info().
		Str("event", "chat.job_status_updated").
		Str("job_id", jobID).
		Str("previous", previous).
		Str("next", next).
		Msg("job status fanned out")
	return update
}

func (g *Gateway) withConversationLock(ctx context.Context, jobID string, task func(ctx context.Context) error) error {
	if g.d.LockMode == LockModeTry {
		return g.d.Locks.TryWithLock(ctx, jobID, task)
	}
	return g.d.Locks.WithLock(ctx, jobID, task)
}

func requireAuth(conn Conn) error {
	if conn.UserID() == "" {
		return ErrUnauthenticated
	}
	return nil
}
