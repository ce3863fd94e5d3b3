package ws

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/conclave-rtc/conclave/internal/ratelimit"
)

func hubServer(t *testing.T, h *Hub) string {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(h.Accept))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

type wsClient struct {
	conn *websocket.Conn
}

func dial(t *testing.T, baseURL, query string) *wsClient {
	t.Helper()
	u := baseURL
	if query != "" {
		u += "/?" + query
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, u, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", u, err)
	}
	t.Cleanup(func() { _ = conn.Close(websocket.StatusNormalClosure, "") })
	return &wsClient{conn: conn}
}

func (c *wsClient) send(t *testing.T, f outFrame) {
	t.Helper()
	data, err := json.Marshal(f)
	if err != nil {
		t.Fatalf("marshal frame: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.conn.Write(ctx, websocket.MessageText, data); err != nil {
		t.Fatalf("write frame: %v", err)
	}
}

func (c *wsClient) sendEvent(t *testing.T, name string, ackID int64, payload any) {
	t.Helper()
	c.send(t, outFrame{T: frameEvent, N: name, I: &ackID, D: payload})
}

func (c *wsClient) readFrame(t *testing.T) inFrame {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, data, err := c.conn.Read(ctx)
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	var f inFrame
	if err := json.Unmarshal(data, &f); err != nil {
		t.Fatalf("decode frame %s: %v", data, err)
	}
	return f
}

// socketIDs returns a channel the hub pushes every connected socket's id to.
func socketIDs(h *Hub) chan string {
	ids := make(chan string, 8)
	h.OnConnect(func(s *Socket) { ids <- s.ID() })
	return ids
}

func waitForCond(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestDispatchAcksHandlerResult(t *testing.T) {
	h := NewHub(Options{Namespace: "chat"})
	h.Handle("echo", func(_ context.Context, _ *Socket, data json.RawMessage) (any, error) {
		return data, nil
	})
	c := dial(t, hubServer(t, h), "")

	c.sendEvent(t, "echo", 7, map[string]int{"x": 1})
	f := c.readFrame(t)
	if f.T != frameAck || f.I == nil || *f.I != 7 {
		t.Fatalf("frame = %+v, want ack 7", f)
	}
	if string(f.D) != `{"x":1}` {
		t.Fatalf("ack payload = %s", f.D)
	}
}

func TestDispatchAcksHandlerError(t *testing.T) {
	h := NewHub(Options{Namespace: "media"})
	h.Handle("joinRoom", func(_ context.Context, _ *Socket, _ json.RawMessage) (any, error) {
		return nil, errors.New("Invalid room password")
	})
	c := dial(t, hubServer(t, h), "")

	c.sendEvent(t, "joinRoom", 1, nil)
	f := c.readFrame(t)
	var ae ackError
	if err := json.Unmarshal(f.D, &ae); err != nil {
		t.Fatalf("decode ack: %v", err)
	}
	if ae.Error != "Invalid room password" {
		t.Fatalf("ack error = %q", ae.Error)
	}
}

func TestDispatchUnknownEvent(t *testing.T) {
	h := NewHub(Options{Namespace: "chat"})
	c := dial(t, hubServer(t, h), "")

	c.sendEvent(t, "no.such.event", 3, nil)
	f := c.readFrame(t)
	var ae ackError
	if err := json.Unmarshal(f.D, &ae); err != nil {
		t.Fatalf("decode ack: %v", err)
	}
	if ae.Error != "UNKNOWN_EVENT" {
		t.Fatalf("ack error = %q", ae.Error)
	}
}

func TestDispatchRateLimited(t *testing.T) {
	limiter := ratelimit.New(ratelimit.Config{
		Classes:         map[string]ratelimit.Class{ratelimit.ClassDefault: {Rate: 0, Burst: 0}},
		CleanupInterval: time.Minute,
	})
	h := NewHub(Options{Namespace: "chat", Limiter: limiter})
	h.Handle("anything", func(_ context.Context, _ *Socket, _ json.RawMessage) (any, error) {
		t.Error("handler must not run when rate limited")
		return nil, nil
	})
	c := dial(t, hubServer(t, h), "")

	c.sendEvent(t, "anything", 1, nil)
	f := c.readFrame(t)
	var ae ackError
	if err := json.Unmarshal(f.D, &ae); err != nil {
		t.Fatalf("decode ack: %v", err)
	}
	if ae.Error != "RATE_LIMITED" {
		t.Fatalf("ack error = %q", ae.Error)
	}
}

func TestEmitReachesClient(t *testing.T) {
	h := NewHub(Options{Namespace: "chat"})
	h.OnConnect(func(s *Socket) {
		s.Emit("welcome", map[string]string{"hello": s.ID()})
	})
	c := dial(t, hubServer(t, h), "")

	f := c.readFrame(t)
	if f.T != frameEvent || f.N != "welcome" {
		t.Fatalf("frame = %+v", f)
	}
}

func TestQueryAndHeaderMetadata(t *testing.T) {
	h := NewHub(Options{Namespace: "chat"})
	got := make(chan string, 1)
	h.OnConnect(func(s *Socket) { got <- s.Query("token") })
	dial(t, hubServer(t, h), "token=abc123")

	select {
	case tok := <-got:
		if tok != "abc123" {
			t.Fatalf("token = %q", tok)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("connect hook never ran")
	}
}

func TestToRoomExcludesSender(t *testing.T) {
	h := NewHub(Options{Namespace: "chat"})
	ids := socketIDs(h)
	base := hubServer(t, h)

	c1 := dial(t, base, "")
	id1 := <-ids
	c2 := dial(t, base, "")
	id2 := <-ids

	h.Join(id1, "r1")
	h.Join(id2, "r1")

	h.ToRoom("r1", "msg", map[string]string{"body": "hi"}, id1)
	h.ToSocket(id1, "marker", nil)

	if f := c2.readFrame(t); f.N != "msg" {
		t.Fatalf("c2 got %+v, want msg", f)
	}
	// c1 was excluded: its first frame is the marker, not the broadcast.
	if f := c1.readFrame(t); f.N != "marker" {
		t.Fatalf("c1 got %+v, want marker", f)
	}
}

func TestLeaveStopsRoomDelivery(t *testing.T) {
	h := NewHub(Options{Namespace: "chat"})
	ids := socketIDs(h)
	base := hubServer(t, h)

	c := dial(t, base, "")
	id := <-ids

	h.Join(id, "r1")
	if got := h.Rooms(id); len(got) != 1 || got[0] != "r1" {
		t.Fatalf("Rooms = %v", got)
	}
	h.Leave(id, "r1")
	if got := h.Rooms(id); len(got) != 0 {
		t.Fatalf("Rooms after leave = %v", got)
	}

	h.ToRoom("r1", "msg", nil)
	h.ToSocket(id, "marker", nil)
	if f := c.readFrame(t); f.N != "marker" {
		t.Fatalf("got %+v, want marker", f)
	}
}

func TestDisconnectSocketsClosesClient(t *testing.T) {
	h := NewHub(Options{Namespace: "chat"})
	ids := socketIDs(h)
	c := dial(t, hubServer(t, h), "")
	id := <-ids

	h.DisconnectSockets([]string{id}, true)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, _, err := c.conn.Read(ctx)
	if err == nil {
		t.Fatal("read succeeded after disconnect")
	}
	if got := websocket.CloseStatus(err); got != websocket.StatusGoingAway {
		t.Fatalf("close status = %v, want StatusGoingAway", got)
	}
	waitForCond(t, "socket unregistered", func() bool { return h.Len() == 0 })
}

func TestOnCloseHooksRunOnDisconnect(t *testing.T) {
	h := NewHub(Options{Namespace: "chat"})
	closed := make(chan string, 1)
	h.OnConnect(func(s *Socket) {
		s.OnClose(func() { closed <- s.ID() })
	})
	ids := socketIDs(h)
	c := dial(t, hubServer(t, h), "")
	id := <-ids

	h.Join(id, "r1")
	_ = c.conn.Close(websocket.StatusNormalClosure, "bye")

	select {
	case gotID := <-closed:
		if gotID != id {
			t.Fatalf("closed socket = %s, want %s", gotID, id)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("close hook never ran")
	}
	waitForCond(t, "registry cleanup", func() bool {
		return h.Len() == 0 && len(h.Rooms(id)) == 0
	})
}

func TestEmitWithAckRoundTrip(t *testing.T) {
	h := NewHub(Options{Namespace: "media"})
	res := make(chan string, 1)
	h.OnConnect(func(s *Socket) {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			defer cancel()
			d, err := s.EmitWithAck(ctx, "ping", map[string]bool{"ping": true})
			if err != nil {
				res <- "error: " + err.Error()
				return
			}
			res <- string(d)
		}()
	})
	c := dial(t, hubServer(t, h), "")

	f := c.readFrame(t)
	if f.N != "ping" || f.I == nil {
		t.Fatalf("frame = %+v, want ping with ack id", f)
	}
	c.send(t, outFrame{T: frameAck, I: f.I, D: map[string]bool{"pong": true}})

	select {
	case got := <-res:
		if got != `{"pong":true}` {
			t.Fatalf("ack payload = %s", got)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("EmitWithAck never resolved")
	}
}

func TestHandlersSerializePerSocket(t *testing.T) {
	h := NewHub(Options{Namespace: "chat"})
	var active, maxActive atomic.Int64
	h.Handle("slow", func(_ context.Context, _ *Socket, _ json.RawMessage) (any, error) {
		n := active.Add(1)
		if n > maxActive.Load() {
			maxActive.Store(n)
		}
		time.Sleep(20 * time.Millisecond)
		active.Add(-1)
		return map[string]bool{"ok": true}, nil
	})
	c := dial(t, hubServer(t, h), "")

	for i := int64(1); i <= 3; i++ {
		c.sendEvent(t, "slow", i, nil)
	}
	for i := 0; i < 3; i++ {
		f := c.readFrame(t)
		if f.T != frameAck {
			t.Fatalf("frame = %+v, want ack", f)
		}
	}
	if got := maxActive.Load(); got != 1 {
		t.Fatalf("max concurrent handlers on one socket = %d, want 1", got)
	}
}
