package chat

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/conclave-rtc/conclave/internal/auth"
	"github.com/conclave-rtc/conclave/internal/locks"
)

type fakeConn struct {
	id     string
	query  map[string]string
	header map[string]string

	mu      sync.Mutex
	userID  string
	emitted []emittedEvent
	onClose []func()
}

type emittedEvent struct {
	Event   string
	Payload any
}

func newFakeConn(id string) *fakeConn {
	return &fakeConn{id: id, query: map[string]string{}, header: map[string]string{}}
}

func (c *fakeConn) ID() string { return c.id }

func (c *fakeConn) Query(k string) string { return c.query[k] }

func (c *fakeConn) Header(k string) string { return c.header[k] }

func (c *fakeConn) Emit(event string, payload any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.emitted = append(c.emitted, emittedEvent{Event: event, Payload: payload})
}

func (c *fakeConn) SetUserID(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.userID = id
}

func (c *fakeConn) UserID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.userID
}

func (c *fakeConn) OnClose(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onClose = append(c.onClose, fn)
}

// close replays the hub's close-hook behavior.
func (c *fakeConn) close() {
	c.mu.Lock()
	hooks := append([]func(){}, c.onClose...)
	c.mu.Unlock()
	for _, fn := range hooks {
		fn()
	}
}

func (c *fakeConn) emittedEvents(event string) []emittedEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []emittedEvent
	for _, ev := range c.emitted {
		if ev.Event == event {
			out = append(out, ev)
		}
	}
	return out
}

type hubEvent struct {
	Room    string
	Event   string
	Payload any
	Exclude []string
}

type fakeHub struct {
	mu           sync.Mutex
	broadcasts   []hubEvent
	members      map[string]map[string]bool
	disconnected [][]string
}

func newFakeHub() *fakeHub {
	return &fakeHub{members: make(map[string]map[string]bool)}
}

func (h *fakeHub) ToRoom(room, event string, payload any, exclude ...string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.broadcasts = append(h.broadcasts, hubEvent{Room: room, Event: event, Payload: payload, Exclude: exclude})
}

func (h *fakeHub) Join(socketID, room string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.members[room] == nil {
		h.members[room] = make(map[string]bool)
	}
	h.members[room][socketID] = true
}

func (h *fakeHub) Leave(socketID, room string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.members[room], socketID)
}

func (h *fakeHub) DisconnectSockets(socketIDs []string, closeConn bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.disconnected = append(h.disconnected, socketIDs)
}

func (h *fakeHub) byEvent(event string) []hubEvent {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []hubEvent
	for _, ev := range h.broadcasts {
		if ev.Event == event {
			out = append(out, ev)
		}
	}
	return out
}

func (h *fakeHub) inRoom(room, socketID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.members[room][socketID]
}

func (h *fakeHub) disconnectedBatches() [][]string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([][]string{}, h.disconnected...)
}

type fakeLocker struct {
	mu    sync.Mutex
	busy  bool
	calls []string
}

func (l *fakeLocker) WithLock(ctx context.Context, resource string, task func(ctx context.Context) error) error {
	l.record("with:" + resource)
	return task(ctx)
}

func (l *fakeLocker) TryWithLock(ctx context.Context, resource string, task func(ctx context.Context) error) error {
	l.record("try:" + resource)
	l.mu.Lock()
	busy := l.busy
	l.mu.Unlock()
	if busy {
		return locks.ErrBusy
	}
	return task(ctx)
}

func (l *fakeLocker) record(call string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls = append(l.calls, call)
}

func (l *fakeLocker) recorded() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string{}, l.calls...)
}

type fakeValidator struct {
	identities map[string]auth.Identity
}

func (v *fakeValidator) Validate(token string) (auth.Identity, error) {
	id, ok := v.identities[token]
	if !ok {
		return auth.Identity{}, auth.ErrInvalidToken
	}
	return id, nil
}

type fakeSessions struct {
	mu       sync.Mutex
	evict    map[string][]string
	bindErr  error
	binds    map[string]string // socket -> user
	unbinds  []string
	rooms    map[string][]string
	roomsErr error
}

func newFakeSessions() *fakeSessions {
	return &fakeSessions{
		evict: map[string][]string{},
		binds: map[string]string{},
		rooms: map[string][]string{},
	}
}

func (s *fakeSessions) Bind(_ context.Context, user, socket string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.bindErr != nil {
		return nil, s.bindErr
	}
	s.binds[socket] = user
	return s.evict[user], nil
}

func (s *fakeSessions) Unbind(_ context.Context, socket string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.binds, socket)
	s.unbinds = append(s.unbinds, socket)
	return nil
}

func (s *fakeSessions) AddRooms(_ context.Context, user string, rooms []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.roomsErr != nil {
		return s.roomsErr
	}
	s.rooms[user] = append(s.rooms[user], rooms...)
	return nil
}

func (s *fakeSessions) unboundSockets() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string{}, s.unbinds...)
}

func (s *fakeSessions) roomsOf(user string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string{}, s.rooms[user]...)
}

type fakeJobs struct {
	ids []string
	err error
}

func (j *fakeJobs) JobIDs(context.Context, string) ([]string, error) {
	if j.err != nil {
		return nil, j.err
	}
	return j.ids, nil
}

var errJobsDown = errors.New("jobs service unavailable")

func setupRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()

	mr := miniredis.NewMiniRedis()
	if err := mr.Start(); err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func waitFor(t *testing.T, what string, cond func() bool) {
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
