package media

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"

	"github.com/conclave-rtc/conclave/internal/metrics"
	"github.com/conclave-rtc/conclave/internal/telemetry"
)

// Handler processes one media socket event and returns the ack payload.
type Handler func(ctx context.Context, conn Conn, data json.RawMessage) (any, error)

// GatewayDeps wires the streaming gateway into the rest of the conference
// layer.
type GatewayDeps struct {
	Hub      Broadcaster
	Rooms    *Rooms
	Media    *Service
	Engine   *SpeakerEngine
	Locks    Locker
	Selector WorkerSelector
	Tap      SideTap // optional
}

// Gateway is the media socket surface: it binds sockets to peers, routes
// events into the media service and speaker engine, and owns the join/leave
// lifecycle.
type Gateway struct {
	logger zerolog.Logger
	d      GatewayDeps

	mu    sync.Mutex
	peers map[string]*Peer // by socket id
}

func NewGateway(logger zerolog.Logger, d GatewayDeps) *Gateway {
	return &Gateway{
		logger: logger,
		d:      d,
		peers:  make(map[string]*Peer),
	}
}

// Routes returns the media-namespace handlers keyed by event name.
func (g *Gateway) Routes() map[string]Handler {
	return map[string]Handler{
		"joinRoom":         g.JoinRoom,
		"leaveRoom":        g.LeaveRoom,
		"requestTransport": g.RequestTransport,
		"connectTransport": g.ConnectTransport,
		"startProducing":   g.StartProducing,
		"consumeMedia":     g.ConsumeMedia,
		"unpauseConsumer":  g.UnpauseConsumer,
		"audioChange":      g.AudioChange,
		"closeProducers":   g.CloseProducers,
	}
}

func (g *Gateway) peerOf(socketID string) (*Peer, *Room, error) {
	g.mu.Lock()
	peer, ok := g.peers[socketID]
	g.mu.Unlock()
	if !ok {
		return nil, nil, ErrNotInRoom
	}
	room, ok := g.d.Rooms.Get(peer.RoomID)
	if !ok {
		return nil, nil, ErrRoomGone
	}
	return peer, room, nil
}

// JoinRoom materializes a peer on this socket. The room is created on a
// sticky-picked worker when absent; existing rooms enforce their password and
// blocklist. A second socket for the same user displaces the first. The ack
// is the initial subscription view computed from the current speaker list.
func (g *Gateway) JoinRoom(ctx context.Context, conn Conn, data json.RawMessage) (any, error) {
	var req JoinRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, fmt.Errorf("joinRoom: %w", err)
	}
	if req.RoomID == "" {
		return nil, errors.New("joinRoom: roomId required")
	}
	ctx, span := telemetry.Tracer("conclave.media").Start(ctx, "media.join_room")
	span.SetAttributes(attribute.String(telemetry.RoomIDKey, req.RoomID))
	defer span.End()

	userID := conn.Query("userId")
	if userID == "" {
		userID = uuid.NewString()
	}
	displayName := req.UserName
	if displayName == "" {
		displayName = conn.Query("userName")
	}
	if displayName == "" {
		displayName = "Guest"
	}

	room, created, err := g.d.Rooms.GetOrCreate(req.RoomID, req.Password)
	if err != nil {
		return nil, err
	}
	if room.IsBlocked(userID) {
		return nil, ErrBanned
	}
	if !created && !room.CheckPassword(req.Password) {
		return nil, ErrInvalidPassword
	}

	// One socket per user per room: the newer join wins.
	if old, ok := room.PeerByUser(userID); ok && old.SocketID != conn.ID() {
		g.logger.Info().
			Str("event", "media.duplicate_user").
			Str("room_id", room.ID).
			Str("participant_id", userID).
			Str("old_socket", old.SocketID).
			Msg("displacing previous socket for user")
		g.removePeer(ctx, room, old)
		g.d.Hub.DisconnectSockets([]string{old.SocketID}, true)
	}

	if err := room.EnsureRouter(ctx); err != nil {
		// A room whose router never came up is unusable; drop it so the next
		// join retries on a fresh worker pick.
		if room.PeerCount() == 0 {
			if dead, ok := g.d.Rooms.Remove(room.ID); ok {
				dead.Close()
			}
		}
		return nil, fmt.Errorf("joinRoom %s: %w", req.RoomID, err)
	}

	peer := NewPeer(conn.ID(), userID, displayName, room.ID)
	room.AddPeer(peer)
	g.mu.Lock()
	g.peers[conn.ID()] = peer
	g.mu.Unlock()
	g.d.Hub.Join(conn.ID(), room.ID)
	metrics.PeersConnected.Inc()

	if !created {
		g.d.Hub.ToRoom(room.ID, "newParticipant", ParticipantPayload{
			ParticipantID: userID,
			DisplayName:   displayName,
		}, conn.ID())
	}

	g.logger.Info().
		Str("event", "media.peer_joined").
		Str("room_id", room.ID).
		Str("participant_id", userID).
		Str("socket_id", conn.ID()).
		Bool("room_created", created).
		Msg("peer joined room")

	truncated := room.TruncatedSpeakers(g.d.Engine.MaxActive())
	return g.d.Engine.BuildPayload(room, room.Router().RtpCapabilities(), truncated, truncated), nil
}

// LeaveRoom runs the full teardown for the peer on this socket.
func (g *Gateway) LeaveRoom(ctx context.Context, conn Conn, _ json.RawMessage) (any, error) {
	if !g.removeBySocket(ctx, conn.ID()) {
		return nil, ErrNotInRoom
	}
	return map[string]bool{"left": true}, nil
}

// OnDisconnect is registered as the socket close hook; it mirrors LeaveRoom
// for sockets that vanish without saying goodbye.
func (g *Gateway) OnDisconnect(socketID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	g.removeBySocket(ctx, socketID)
}

// RequestTransport creates or reuses a transport per the requested role.
func (g *Gateway) RequestTransport(ctx context.Context, conn Conn, data json.RawMessage) (any, error) {
	var req TransportRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, fmt.Errorf("requestTransport: %w", err)
	}
	if req.Role != RoleProducer && req.Role != RoleConsumer {
		return nil, fmt.Errorf("requestTransport: unknown role %q", req.Role)
	}
	peer, room, err := g.peerOf(conn.ID())
	if err != nil {
		return nil, err
	}
	params, err := g.d.Media.RequestTransport(ctx, room, peer, req)
	if err != nil {
		return nil, err
	}
	return params, nil
}

// ConnectTransport completes the DTLS handshake; repeat calls are no-ops.
func (g *Gateway) ConnectTransport(ctx context.Context, conn Conn, data json.RawMessage) (any, error) {
	var req ConnectRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, fmt.Errorf("connectTransport: %w", err)
	}
	peer, _, err := g.peerOf(conn.ID())
	if err != nil {
		return nil, err
	}
	if err := g.d.Media.ConnectTransport(ctx, peer, req); err != nil {
		return nil, err
	}
	return map[string]bool{"success": true}, nil
}

// StartProducing creates the producer, taps plain audio for transcription,
// then reconciles subscriptions and announces the producer under the room
// lock.
func (g *Gateway) StartProducing(ctx context.Context, conn Conn, data json.RawMessage) (any, error) {
	var req ProduceRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, fmt.Errorf("startProducing: %w", err)
	}
	if !req.StreamKind.Valid() {
		return nil, fmt.Errorf("startProducing: unknown streamKind %q", req.StreamKind)
	}
	peer, room, err := g.peerOf(conn.ID())
	if err != nil {
		return nil, err
	}

	producer, err := g.d.Media.StartProducing(ctx, room, peer, req)
	if err != nil {
		return nil, err
	}

	if req.StreamKind == KindAudio && g.d.Tap != nil {
		if err := g.d.Tap.StartTap(ctx, room, peer, producer); err != nil {
			g.logger.Warn().
				Err(err).
				Str("event", "media.side_tap_failed").
				Str("room_id", room.ID).
				Str("producer_id", producer.ID()).
				Msg("audio tap not started; media unaffected")
		}
	}

	err = g.d.Locks.WithLock(ctx, room.ID, func(ctx context.Context) error {
		if err := g.d.Engine.ReconcileLocked(ctx, room, "producer"); err != nil {
			return err
		}
		g.d.Hub.ToRoom(room.ID, "newProducer", NewProducerPayload{
			ParticipantID: peer.UserID,
			DisplayName:   peer.DisplayName,
			Kind:          req.StreamKind,
			ProducerID:    producer.ID(),
		}, conn.ID())
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("reconcile after produce: %w", err)
	}
	return map[string]string{"producerId": producer.ID()}, nil
}

// ConsumeMedia subscribes this peer to a producer. Contract errors become
// ack strings so clients keep their retry behavior.
func (g *Gateway) ConsumeMedia(ctx context.Context, conn Conn, data json.RawMessage) (any, error) {
	var req ConsumeRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, fmt.Errorf("consumeMedia: %w", err)
	}
	peer, room, err := g.peerOf(conn.ID())
	if err != nil {
		return nil, err
	}
	payload, err := g.d.Media.ConsumeMedia(ctx, room, peer, req)
	switch {
	case errors.Is(err, ErrCannotConsume):
		return "cannotConsume", nil
	case errors.Is(err, ErrDownstreamNotFound):
		return "consumeFailed", nil
	case err != nil:
		return nil, err
	}
	return payload, nil
}

// UnpauseConsumer resumes the consumer bound to the given producer id.
func (g *Gateway) UnpauseConsumer(ctx context.Context, conn Conn, data json.RawMessage) (any, error) {
	var req UnpauseRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, fmt.Errorf("unpauseConsumer: %w", err)
	}
	peer, _, err := g.peerOf(conn.ID())
	if err != nil {
		return nil, err
	}
	if err := g.d.Media.UnpauseConsumer(ctx, peer, req.Pid); err != nil {
		if errors.Is(err, ErrConsumerNotFound) {
			return "consumerNotFound", nil
		}
		return nil, err
	}
	return map[string]bool{"success": true}, nil
}

// AudioChange pauses or resumes the peer's own audio and tells the room.
func (g *Gateway) AudioChange(ctx context.Context, conn Conn, data json.RawMessage) (any, error) {
	var req AudioChangeRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, fmt.Errorf("audioChange: %w", err)
	}
	if req.Op != "mute" && req.Op != "unmute" {
		return nil, fmt.Errorf("audioChange: unknown op %q", req.Op)
	}
	peer, room, err := g.peerOf(conn.ID())
	if err != nil {
		return nil, err
	}
	if err := g.d.Media.HandleAudioChange(ctx, peer, req.Op); err != nil {
		return nil, err
	}
	g.d.Hub.ToRoom(room.ID, "audioChange", AudioChangePayload{
		ParticipantID: peer.UserID,
		Muted:         req.Op == "mute",
	}, conn.ID())
	return map[string]bool{"success": true}, nil
}

// CloseProducers closes the named producers and broadcasts each closure.
func (g *Gateway) CloseProducers(ctx context.Context, conn Conn, data json.RawMessage) (any, error) {
	var req CloseProducersRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, fmt.Errorf("closeProducers: %w", err)
	}
	peer, room, err := g.peerOf(conn.ID())
	if err != nil {
		return nil, err
	}
	for _, pid := range req.ProducerIDs {
		kind, ok := g.d.Media.CloseProducer(ctx, room, peer, pid)
		if !ok {
			continue
		}
		if kind == KindAudio && g.d.Tap != nil {
			g.d.Tap.StopPeer(room.ID, peer.UserID)
		}
		g.d.Hub.ToRoom(room.ID, "producerClosed", ProducerClosedPayload{
			ProducerID: pid,
			Kind:       kind,
		}, conn.ID())
	}
	return map[string]bool{"success": true}, nil
}

// removeBySocket detaches whatever peer is bound to the socket, reporting
// whether there was one.
func (g *Gateway) removeBySocket(ctx context.Context, socketID string) bool {
	g.mu.Lock()
	peer, ok := g.peers[socketID]
	if ok {
		delete(g.peers, socketID)
	}
	g.mu.Unlock()
	if !ok {
		return false
	}

	room, ok := g.d.Rooms.Get(peer.RoomID)
	if !ok {
		peer.Cleanup()
		metrics.PeersConnected.Dec()
		return true
	}
	g.teardown(ctx, room, peer, true)
	metrics.PeersConnected.Dec()
	return true
}

// removePeer is the displacement path: the displaced peer leaves in full,
// but the room survives for the join in progress even if it momentarily has
// no peers.
func (g *Gateway) removePeer(ctx context.Context, room *Room, peer *Peer) {
	g.mu.Lock()
	delete(g.peers, peer.SocketID)
	g.mu.Unlock()
	g.teardown(ctx, room, peer, false)
	metrics.PeersConnected.Dec()
}

// teardown runs the ordered leave sequence: tap off, speaker list stripped,
// stale downstream refs cleared on everyone else, participantLeft, then
// producerClosed per producer serialized with engine runs, worker counters,
// and finally peer and (maybe) room destruction.
func (g *Gateway) teardown(ctx context.Context, room *Room, peer *Peer, destroyIfEmpty bool) {
	if g.d.Tap != nil {
		g.d.Tap.StopPeer(room.ID, peer.UserID)
	}

	pids := peer.ProducerIDs()
	room.RemoveActiveSpeakers(pids...)

	if len(pids) > 0 {
		gone := make(map[string]struct{}, len(pids))
		for _, pid := range pids {
			gone[pid] = struct{}{}
		}
		for _, other := range room.Peers() {
			if other.SocketID == peer.SocketID {
				continue
			}
			other.ClearDownstreamRefs(gone)
		}
	}

	g.d.Hub.ToRoom(room.ID, "participantLeft", ParticipantPayload{
		ParticipantID: peer.UserID,
		DisplayName:   peer.DisplayName,
	}, peer.SocketID)

	if entries := peer.ProducerEntries(); len(entries) > 0 {
		err := g.d.Locks.WithLock(ctx, room.ID, func(ctx context.Context) error {
			for kind, producer := range entries {
				g.d.Hub.ToRoom(room.ID, "producerClosed", ProducerClosedPayload{
					ProducerID: producer.ID(),
					Kind:       kind,
				}, peer.SocketID)
			}
			return nil
		})
		if err != nil {
			g.logger.Warn().
				Err(err).
				Str("event", "media.leave_broadcast_failed").
				Str("room_id", room.ID).
				Str("participant_id", peer.UserID).
				Msg("producerClosed fan-out incomplete")
		}
	}

	if n := peer.TransportCount(); n > 0 {
		g.d.Selector.IncTransports(room.Worker().Pid(), -n)
	}

	room.RemovePeer(peer.SocketID)
	g.d.Hub.Leave(peer.SocketID, room.ID)
	peer.Cleanup()

	g.logger.Info().
		Str("event", "media.peer_left").
		Str("room_id", room.ID).
		Str("participant_id", peer.UserID).
		Str("socket_id", peer.SocketID).
		Msg("peer left room")

	if !destroyIfEmpty || room.PeerCount() > 0 {
		return
	}
	if g.d.Tap != nil {
		g.d.Tap.ClearRoom(room.ID)
	}
	if dead, ok := g.d.Rooms.Remove(room.ID); ok {
		if dead.Router() != nil {
			g.d.Selector.IncRouters(room.Worker().Pid(), -1)
		}
		dead.Close()
	}
}
