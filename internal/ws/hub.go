package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"

	"github.com/coder/websocket"
	"github.com/rs/zerolog"

	"github.com/conclave-rtc/conclave/internal/log"
	"github.com/conclave-rtc/conclave/internal/metrics"
	"github.com/conclave-rtc/conclave/internal/ratelimit"
)

// Options configures a Hub.
type Options struct {
	// Namespace labels metrics and scopes the hub on the cluster adapter
	// ("chat", "media").
	Namespace string

	// Limiter applies per-socket event rate limits. Defaults to
	// ratelimit.DefaultConfig.
	Limiter *ratelimit.Limiter

	// Adapter fans broadcasts and control ops across nodes. Nil runs the hub
	// single-node.
	Adapter *Adapter

	// OriginPatterns is passed through to the websocket accept options.
	OriginPatterns []string
}

// Hub owns every socket of one namespace: registry, room membership, event
// dispatch and cluster fan-out.
type Hub struct {
	ns      string
	logger  zerolog.Logger
	limiter *ratelimit.Limiter
	adapter *Adapter
	origins []string

	mu        sync.RWMutex
	handlers  map[string]Handler
	onConnect []func(*Socket)
	sockets   map[string]*Socket
	rooms     map[string]map[string]*Socket
	joined    map[string]map[string]struct{}
}

func NewHub(opts Options) *Hub {
	limiter := opts.Limiter
	if limiter == nil {
		limiter = ratelimit.New(ratelimit.DefaultConfig())
	}
	h := &Hub{
		ns:       opts.Namespace,
		logger:   log.WithComponent("ws").With().Str("namespace", opts.Namespace).Logger(),
		limiter:  limiter,
		adapter:  opts.Adapter,
		origins:  opts.OriginPatterns,
		handlers: make(map[string]Handler),
		sockets:  make(map[string]*Socket),
		rooms:    make(map[string]map[string]*Socket),
		joined:   make(map[string]map[string]struct{}),
	}
	if h.adapter != nil {
		h.adapter.attach(h.ns, h)
	}
	return h
}

// Handle registers the handler for an event name. Register everything before
// serving traffic.
func (h *Hub) Handle(event string, handler Handler) {
	h.mu.Lock()
	h.handlers[event] = handler
	h.mu.Unlock()
}

// OnConnect registers fn to run for every accepted socket, after its writer
// starts and before its first event is dispatched.
func (h *Hub) OnConnect(fn func(*Socket)) {
	h.mu.Lock()
	h.onConnect = append(h.onConnect, fn)
	h.mu.Unlock()
}

// Accept upgrades the request and serves the socket until it disconnects.
func (h *Hub) Accept(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: h.origins})
	if err != nil {
		h.logger.Warn().
			Err(err).
			Str("event", "ws.accept_failed").
			Str("remote", r.RemoteAddr).
			Msg("websocket accept failed")
		return
	}
	conn.SetReadLimit(readLimit)
	s := newSocket(h.ns, conn, r, h.logger)
	h.serve(r.Context(), s)
}

func (h *Hub) serve(ctx context.Context, s *Socket) {
	h.mu.Lock()
	h.sockets[s.id] = s
	h.mu.Unlock()
	metrics.SocketsConnected.WithLabelValues(h.ns).Inc()
	h.logger.Info().
		Str("event", "ws.connected").
		Str("socket_id", s.id).
		Msg("socket connected")

	go s.writePump()
	for _, fn := range h.connectHooks() {
		fn(s)
	}

	h.readLoop(log.ContextWithSocketID(ctx, s.id), s)

	s.terminate()
	h.unregister(s)
	h.limiter.Forget(s.id)
	metrics.SocketsConnected.WithLabelValues(h.ns).Dec()
	metrics.SocketDisconnectsTotal.WithLabelValues(h.ns, s.disconnectReason()).Inc()
	for _, fn := range s.closeHooks() {
		fn()
	}
	h.logger.Info().
		Str("event", "ws.disconnected").
		Str("socket_id", s.id).
		Str("reason", s.disconnectReason()).
		Msg("socket disconnected")
}

func (h *Hub) readLoop(ctx context.Context, s *Socket) {
	for {
		f, err := s.read(ctx)
		if err != nil {
			return
		}
		switch f.T {
		case frameAck:
			if f.I != nil {
				s.resolveAck(*f.I, f.D)
			}
		case frameEvent:
			h.dispatch(ctx, s, f)
		default:
			h.logger.Debug().
				Str("event", "ws.unknown_frame").
				Str("frame_type", f.T).
				Str("socket_id", s.id).
				Msg("dropping frame")
		}
	}
}

func (h *Hub) dispatch(ctx context.Context, s *Socket, f inFrame) {
	metrics.IncSocketEvent(h.ns, f.N)

	if !h.limiter.Allow(s.id, ratelimit.ClassOf(f.N)) {
		h.logger.Warn().
			Str("event", "ws.rate_limited").
			Str("socket_id", s.id).
			Str("name", f.N).
			Msg("event rejected")
		if f.I != nil {
			s.ack(*f.I, ackError{Error: "RATE_LIMITED"})
		}
		return
	}

	h.mu.RLock()
	handler := h.handlers[f.N]
	h.mu.RUnlock()
	if handler == nil {
		h.logger.Debug().
			Str("event", "ws.unhandled_event").
			Str("socket_id", s.id).
			Str("name", f.N).
			Msg("no handler registered")
		if f.I != nil {
			s.ack(*f.I, ackError{Error: "UNKNOWN_EVENT"})
		}
		return
	}

	res, err := handler(ctx, s, f.D)
	if err != nil {
		h.logger.Warn().
			Err(err).
			Str("event", "ws.handler_error").
			Str("socket_id", s.id).
			Str("name", f.N).
			Msg("handler failed")
		if f.I != nil {
			s.ack(*f.I, ackError{Error: err.Error()})
		}
		return
	}
	if f.I != nil {
		s.ack(*f.I, res)
	}
}

// Join adds the socket to a room. Unknown sockets are ignored.
func (h *Hub) Join(socketID, room string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	s, ok := h.sockets[socketID]
	if !ok {
		return
	}
	members, ok := h.rooms[room]
	if !ok {
		members = make(map[string]*Socket)
		h.rooms[room] = members
	}
	members[socketID] = s

	set, ok := h.joined[socketID]
	if !ok {
		set = make(map[string]struct{})
		h.joined[socketID] = set
	}
	set[room] = struct{}{}
}

// Leave removes the socket from a room.
func (h *Hub) Leave(socketID, room string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.leaveLocked(socketID, room)
}

func (h *Hub) leaveLocked(socketID, room string) {
	if members, ok := h.rooms[room]; ok {
		delete(members, socketID)
		if len(members) == 0 {
			delete(h.rooms, room)
		}
	}
	if set, ok := h.joined[socketID]; ok {
		delete(set, room)
		if len(set) == 0 {
			delete(h.joined, socketID)
		}
	}
}

// Rooms returns the rooms the socket has joined.
func (h *Hub) Rooms(socketID string) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	set := h.joined[socketID]
	out := make([]string, 0, len(set))
	for room := range set {
		out = append(out, room)
	}
	return out
}

// Len returns the number of connected sockets.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sockets)
}

// ToRoom emits the event to every member of the room on every node, minus
// the excluded socket ids.
func (h *Hub) ToRoom(room, event string, payload any, exclude ...string) {
	h.roomLocal(room, event, payload, exclude)
	if h.adapter != nil {
		h.adapter.publishRoom(h.ns, room, event, payload, exclude)
	}
}

func (h *Hub) roomLocal(room, event string, payload any, exclude []string) {
	var skip map[string]struct{}
	if len(exclude) > 0 {
		skip = make(map[string]struct{}, len(exclude))
		for _, id := range exclude {
			skip[id] = struct{}{}
		}
	}

	h.mu.RLock()
	targets := make([]*Socket, 0, len(h.rooms[room]))
	for id, s := range h.rooms[room] {
		if _, skipped := skip[id]; skipped {
			continue
		}
		targets = append(targets, s)
	}
	h.mu.RUnlock()

	for _, s := range targets {
		s.Emit(event, payload)
	}
}

// ToSocket emits the event to one socket, on whichever node it lives.
func (h *Hub) ToSocket(socketID, event string, payload any) {
	h.mu.RLock()
	s := h.sockets[socketID]
	h.mu.RUnlock()
	if s != nil {
		s.Emit(event, payload)
		return
	}
	if h.adapter != nil {
		h.adapter.publishEmit(h.ns, []string{socketID}, event, payload)
	}
}

// DisconnectSockets closes the given sockets; ids not connected locally are
// forwarded to the rest of the cluster. closeConn picks the close code the
// client sees (forced eviction vs normal close).
func (h *Hub) DisconnectSockets(socketIDs []string, closeConn bool) {
	var remote []string
	for _, id := range socketIDs {
		h.mu.RLock()
		s := h.sockets[id]
		h.mu.RUnlock()
		if s == nil {
			remote = append(remote, id)
			continue
		}
		h.closeSocket(s, closeConn)
	}
	if len(remote) > 0 && h.adapter != nil {
		h.adapter.publishDisconnect(h.ns, remote, closeConn)
	}
}

func (h *Hub) closeSocket(s *Socket, closeConn bool) {
	code := websocket.StatusNormalClosure
	if closeConn {
		code = websocket.StatusGoingAway
	}
	s.Close(code, "disconnected by server")
}

// applyRemote replays an envelope published by another node.
func (h *Hub) applyRemote(env envelope) {
	switch env.Op {
	case opRoom:
		h.roomLocal(env.Room, env.Event, json.RawMessage(env.Payload), env.Exclude)
	case opEmit:
		for _, id := range env.Targets {
			h.mu.RLock()
			s := h.sockets[id]
			h.mu.RUnlock()
			if s != nil {
				s.Emit(env.Event, json.RawMessage(env.Payload))
			}
		}
	case opDisconnect:
		for _, id := range env.Targets {
			h.mu.RLock()
			s := h.sockets[id]
			h.mu.RUnlock()
			if s != nil {
				h.closeSocket(s, env.Close)
			}
		}
	default:
		h.logger.Warn().
			Str("event", "ws.adapter_unknown_op").
			Str("op", env.Op).
			Msg("dropping envelope")
	}
}

func (h *Hub) connectHooks() []func(*Socket) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	hooks := make([]func(*Socket), len(h.onConnect))
	copy(hooks, h.onConnect)
	return hooks
}

func (h *Hub) unregister(s *Socket) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.sockets, s.id)
	for room := range h.joined[s.id] {
		if members, ok := h.rooms[room]; ok {
			delete(members, s.id)
			if len(members) == 0 {
				delete(h.rooms, room)
			}
		}
	}
	delete(h.joined, s.id)
}
