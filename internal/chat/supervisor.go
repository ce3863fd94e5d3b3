package chat

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/conclave-rtc/conclave/internal/auth"
)

// Auth failure codes carried on error:auth.
const (
	CodeAuthTimeout = "AUTH_TIMEOUT"
	CodeAuthFailed  = "AUTH_FAILED"
)

// DefaultAuthTimeout is how long a socket may stay unauthenticated before it
// is disconnected.
const DefaultAuthTimeout = 30 * time.Second

// SupervisorDeps wires the connection supervisor into auth, the session
// registry and the jobs directory.
type SupervisorDeps struct {
	Hub      Broadcaster
	Tokens   TokenValidator
	Sessions SessionStore
	Jobs     JobDirectory

	// AuthTimeout overrides DefaultAuthTimeout (tests).
	AuthTimeout time.Duration
}

// Supervisor owns the life of every chat socket: the token handshake with its
// deadline, the single-socket-per-user invariant, the initial room
// subscriptions and the disconnect cleanup.
type Supervisor struct {
	logger  zerolog.Logger
	d       SupervisorDeps
	timeout time.Duration

	mu    sync.Mutex
	conns map[string]*connState
}

type connState struct {
	conn  Conn
	timer *time.Timer

	// settled flips once the handshake succeeded, failed or timed out;
	// whichever happens first wins.
	settled bool
}

func NewSupervisor(logger zerolog.Logger, d SupervisorDeps) *Supervisor {
	timeout := d.AuthTimeout
	if timeout <= 0 {
		timeout = DefaultAuthTimeout
	}
	return &Supervisor{
		logger:  logger,
		d:       d,
		timeout: timeout,
		conns:   make(map[string]*connState),
	}
}

// Routes returns the pre-auth handlers.
func (s *Supervisor) Routes() map[string]Handler {
	return map[string]Handler{
		"auth": s.AuthFrame,
	}
}

// HandleConnect registers a fresh socket and arms the auth deadline. When the
// handshake carried a token (query or Authorization header) it is consumed
// immediately; otherwise the socket has until the deadline to send an auth
// frame.
func (s *Supervisor) HandleConnect(conn Conn) {
	st := &connState{conn: conn}
	st.timer = time.AfterFunc(s.timeout, func() { s.deadline(conn.ID()) })

	s.mu.Lock()
	s.conns[conn.ID()] = st
	s.mu.Unlock()

	conn.OnClose(func() { s.handleDisconnect(conn.ID()) })

	token := conn.Query("token")
	if token == "" {
		token = auth.BearerToken(conn.Header("Authorization"))
	}
	if token == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	_ = s.authenticate(ctx, st, token)
}

// AuthFrame consumes a first-frame token for clients that cannot attach one
// to the handshake. Repeats after success are idempotent.
func (s *Supervisor) AuthFrame(ctx context.Context, conn Conn, data json.RawMessage) (any, error) {
	if user := conn.UserID(); user != "" {
		return AuthAck{Success: true, UserID: user}, nil
	}

	var req AuthRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, errors.New("auth: malformed payload")
	}
	if req.Token == "" {
		return nil, errors.New("auth: token required")
	}

	s.mu.Lock()
	st := s.conns[conn.ID()]
	s.mu.Unlock()
	if st == nil {
		return nil, errors.New("auth: unknown socket")
	}

	if err := s.authenticate(ctx, st, req.Token); err != nil {
		return nil, err
	}
	return AuthAck{Success: true, UserID: conn.UserID()}, nil
}

// authenticate validates the token, enforces one socket per user and joins
// the socket into its conversation rooms. Any failure disconnects the socket.
func (s *Supervisor) authenticate(ctx context.Context, st *connState, token string) error {
	conn := st.conn

	identity, err := s.d.Tokens.Validate(token)
	if err != nil {
		s.fail(st, CodeAuthFailed, err)
		return err
	}

	s.mu.Lock()
	if st.settled {
		// The deadline beat us; the socket is already being torn down.
		s.mu.Unlock()
		return errors.New("auth: socket already closed")
	}
	st.settled = true
	st.timer.Stop()
	s.mu.Unlock()

	conn.SetUserID(identity.UserID)

	evicted, err := s.d.Sessions.Bind(ctx, identity.UserID, conn.ID())
	if err != nil {
		s.disconnect(st, CodeAuthFailed, err)
		return err
	}
	if len(evicted) > 0 {
		s.logger.Info().
			Str("event", "chat.socket_displaced").
			Str("user_id", identity.UserID).
			Str("socket_id", conn.ID()).
			Strs("evicted", evicted).
			Msg("disconnecting older sockets for user")
		s.d.Hub.DisconnectSockets(evicted, true)
	}

	rooms, err := s.d.Jobs.JobIDs(ctx, token)
	if err != nil {
		// The jobs directory is authoritative; without it the socket would
		// see none of its conversations.
		s.disconnect(st, CodeAuthFailed, err)
		return err
	}
	if len(rooms) > 0 {
		if err := s.d.Sessions.AddRooms(ctx, identity.UserID, rooms); err != nil {
			s.disconnect(st, CodeAuthFailed, err)
			return err
		}
		for _, room := range rooms {
			s.d.Hub.Join(conn.ID(), room)
		}
	}

	s.logger.Info().
		Str("event", "chat.authenticated").
		Str("user_id", identity.UserID).
		Str("socket_id", conn.ID()).
		Str("wallet_type", identity.WalletType).
		Int("rooms", len(rooms)).
		Msg("socket authenticated")
	return nil
}

// deadline fires when the auth timer expires before a valid token arrived.
func (s *Supervisor) deadline(socketID string) {
	s.mu.Lock()
	st := s.conns[socketID]
	if st == nil || st.settled {
		s.mu.Unlock()
		return
	}
	st.settled = true
	s.mu.Unlock()

	s.logger.Warn().
		Str("event", "chat.auth_timeout").
		Str("socket_id", socketID).
		Msg("socket never authenticated")
	st.conn.Emit("error:auth", AuthErrorPayload{Error: "authentication timed out", Code: CodeAuthTimeout})
	s.d.Hub.DisconnectSockets([]string{socketID}, true)
}

// fail settles a not-yet-authenticated socket and disconnects it.
func (s *Supervisor) fail(st *connState, code string, cause error) {
	s.mu.Lock()
	if st.settled {
		s.mu.Unlock()
		return
	}
	st.settled = true
	st.timer.Stop()
	s.mu.Unlock()
	s.disconnect(st, code, cause)
}

func (s *Supervisor) disconnect(st *connState, code string, cause error) {
	s.logger.Warn().
		Err(cause).
		Str("event", "chat.auth_failed").
		Str("socket_id", st.conn.ID()).
		Str("code", code).
		Msg("disconnecting socket")
	st.conn.Emit("error:auth", AuthErrorPayload{Error: cause.Error(), Code: code})
	s.d.Hub.DisconnectSockets([]string{st.conn.ID()}, true)
}

// handleDisconnect runs on socket close: drop the deadline, forget the state
// and release the session binding.
func (s *Supervisor) handleDisconnect(socketID string) {
	s.mu.Lock()
	st := s.conns[socketID]
	delete(s.conns, socketID)
	s.mu.Unlock()
	if st == nil {
		return
	}
	st.timer.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.d.Sessions.Unbind(ctx, socketID); err != nil {
		s.logger.Warn().
			Err(err).
			Str("event", "chat.unbind_failed").
			Str("socket_id", socketID).
			Msg("session unbind failed")
		return
	}
	s.logger.Debug().
		Str("event", "chat.socket_unbound").
		Str("socket_id", socketID).
		Msg("session released")
}
