package ws

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	// readLimit caps a single inbound frame. Oversized frames close the
	// socket with StatusMessageTooBig.
	readLimit = 1 << 20

	writeTimeout = 5 * time.Second
	outQueueSize = 256
)

// ErrSocketClosed is returned by EmitWithAck when the socket goes away
// before the client acks.
var ErrSocketClosed = errors.New("socket closed")

// Handler processes one inbound event and returns the ack payload. Handlers
// on one socket run serialized on its read loop.
type Handler func(ctx context.Context, s *Socket, data json.RawMessage) (any, error)

// Socket is one connected client. Writes go through a bounded queue drained
// by a single writer goroutine; a full queue disconnects the socket rather
// than blocking broadcasts.
type Socket struct {
	id     string
	ns     string
	conn   *websocket.Conn
	logger zerolog.Logger

	query  url.Values
	header http.Header

	out       chan outFrame
	done      chan struct{}
	closeOnce sync.Once

	mu           sync.Mutex
	userID       string
	onClose      []func()
	pending      map[int64]chan json.RawMessage
	ackSeq       int64
	serverClosed bool
	closeCode    websocket.StatusCode
	closeReason  string
}

func newSocket(ns string, conn *websocket.Conn, r *http.Request, logger zerolog.Logger) *Socket {
	id := uuid.NewString()
	return &Socket{
		id:      id,
		ns:      ns,
		conn:    conn,
		logger:  logger.With().Str("socket_id", id).Logger(),
		query:   r.URL.Query(),
		header:  r.Header.Clone(),
		out:     make(chan outFrame, outQueueSize),
		done:    make(chan struct{}),
		pending: make(map[int64]chan json.RawMessage),
	}
}

func (s *Socket) ID() string { return s.id }

func (s *Socket) Namespace() string { return s.ns }

// Query returns a handshake query parameter.
func (s *Socket) Query(key string) string { return s.query.Get(key) }

// Header returns a handshake request header.
func (s *Socket) Header(key string) string { return s.header.Get(key) }

// SetUserID attaches the authenticated user to the socket.
func (s *Socket) SetUserID(id string) {
	s.mu.Lock()
	s.userID = id
	s.mu.Unlock()
}

func (s *Socket) UserID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.userID
}

// OnClose registers fn to run once after the socket has fully disconnected.
func (s *Socket) OnClose(fn func()) {
	s.mu.Lock()
	s.onClose = append(s.onClose, fn)
	s.mu.Unlock()
}

// Emit queues an event frame for the client.
func (s *Socket) Emit(event string, payload any) {
	s.enqueue(outFrame{T: frameEvent, N: event, D: payload})
}

// EmitWithAck sends an event with an ack id and waits for the client's ack.
// Acks arrive on the socket's read loop, so this must not be called from the
// same socket's handler.
func (s *Socket) EmitWithAck(ctx context.Context, event string, payload any) (json.RawMessage, error) {
	ch := make(chan json.RawMessage, 1)
	s.mu.Lock()
	s.ackSeq++
	id := s.ackSeq
	s.pending[id] = ch
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.pending, id)
		s.mu.Unlock()
	}()

	s.enqueue(outFrame{T: frameEvent, N: event, I: &id, D: payload})

	select {
	case d := <-ch:
		return d, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-s.done:
		return nil, ErrSocketClosed
	}
}

// Close shuts the socket down. Safe to call more than once and from any
// goroutine. Frames already queued are flushed by the writer before the
// close frame goes out, so an error emitted right before Close still
// reaches the client.
func (s *Socket) Close(code websocket.StatusCode, reason string) {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.serverClosed = true
		s.closeCode = code
		s.closeReason = reason
		s.mu.Unlock()
		close(s.done)
	})
}

// terminate releases the socket without claiming the close for this node;
// used when the peer went away first.
func (s *Socket) terminate() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closeCode = websocket.StatusNormalClosure
		s.mu.Unlock()
		close(s.done)
	})
}

func (s *Socket) ack(id int64, payload any) {
	s.enqueue(outFrame{T: frameAck, I: &id, D: payload})
}

func (s *Socket) enqueue(f outFrame) {
	select {
	case s.out <- f:
	case <-s.done:
	default:
		s.logger.Warn().
			Str("event", "ws.write_queue_full").
			Str("frame_type", f.T).
			Str("name", f.N).
			Msg("dropping slow consumer")
		s.Close(websocket.StatusPolicyViolation, "write queue overflow")
	}
}

// writePump is the socket's single writer. It owns the connection close:
// once done is signalled it flushes whatever is still queued and then sends
// the close frame with the stored status.
func (s *Socket) writePump() {
	for {
		select {
		case <-s.done:
			s.flushAndClose()
			return
		case f := <-s.out:
			ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
			err := s.write(ctx, f)
			cancel()
			if err != nil {
				s.terminate()
				s.closeConn()
				return
			}
		}
	}
}

func (s *Socket) write(ctx context.Context, f outFrame) error {
	data, err := json.Marshal(f)
	if err != nil {
		s.logger.Error().
			Err(err).
			Str("event", "ws.marshal_failed").
			Str("name", f.N).
			Msg("dropping unmarshalable frame")
		return nil
	}
	return s.conn.Write(ctx, websocket.MessageText, data)
}

// flushAndClose drains the out queue, then closes the connection. One shared
// deadline bounds the whole flush so a dead peer cannot hold the writer.
func (s *Socket) flushAndClose() {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	for {
		select {
		case f := <-s.out:
			if err := s.write(ctx, f); err != nil {
				s.closeConn()
				return
			}
		default:
			s.closeConn()
			return
		}
	}
}

func (s *Socket) closeConn() {
	s.mu.Lock()
	code, reason := s.closeCode, s.closeReason
	s.mu.Unlock()
	_ = s.conn.Close(code, reason)
}

// read returns the next well-formed text frame. Binary and malformed frames
// are dropped.
func (s *Socket) read(ctx context.Context) (inFrame, error) {
	for {
		typ, data, err := s.conn.Read(ctx)
		if err != nil {
			return inFrame{}, err
		}
		if typ != websocket.MessageText {
			continue
		}
		var f inFrame
		if err := json.Unmarshal(data, &f); err != nil {
			s.logger.Debug().
				Err(err).
				Str("event", "ws.bad_frame").
				Msg("dropping malformed frame")
			continue
		}
		return f, nil
	}
}

func (s *Socket) resolveAck(id int64, data json.RawMessage) {
	s.mu.Lock()
	ch := s.pending[id]
	delete(s.pending, id)
	s.mu.Unlock()
	if ch != nil {
		ch <- data
	}
}

func (s *Socket) closeHooks() []func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	hooks := make([]func(), len(s.onClose))
	copy(hooks, s.onClose)
	return hooks
}

// disconnectReason labels the disconnect metric: "server" when this node
// initiated the close, "peer" otherwise.
func (s *Socket) disconnectReason() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.serverClosed {
		return "server"
	}
	return "peer"
}
