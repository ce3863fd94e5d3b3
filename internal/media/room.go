package media

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/conclave-rtc/conclave/internal/metrics"
	"github.com/conclave-rtc/conclave/internal/rtc"
)

// RoomOptions tunes per-room behavior. Zero values take the defaults.
type RoomOptions struct {
	// ObserverInterval is the dominant-speaker sampling interval (100ms).
	ObserverInterval time.Duration
	// RefreshInterval re-runs the active-speaker engine periodically (25s).
	RefreshInterval time.Duration
	// PendingJoinTTL expires owner-approval join requests (60s).
	PendingJoinTTL time.Duration

	// OnDominant is invoked from the observer's event goroutine when the
	// dominant speaker switches. Implementations must not block.
	OnDominant func(room *Room, producerID string)
	// OnRefresh is invoked from the room's refresh ticker while the room has
	// peers and a non-empty active-speaker list.
	OnRefresh func(room *Room)
	// OnRouterCreated fires once when the room's router comes up.
	OnRouterCreated func(pid int)
}

func (o RoomOptions) withDefaults() RoomOptions {
	if o.ObserverInterval <= 0 {
		o.ObserverInterval = 100 * time.Millisecond
	}
	if o.RefreshInterval <= 0 {
		o.RefreshInterval = 25 * time.Second
	}
	if o.PendingJoinTTL <= 0 {
		o.PendingJoinTTL = 60 * time.Second
	}
	return o
}

// Room is one media conference: a router on a picked worker, its
// active-speaker observer, and the joined peers.
type Room struct {
	ID string

	logger   zerolog.Logger
	opts     RoomOptions
	password string
	worker   rtc.Worker

	routerOnce sync.Once
	routerErr  error

	mu             sync.Mutex
	router         rtc.Router
	observer       rtc.ActiveSpeakerObserver
	peers          map[string]*Peer // by socket id
	activeSpeakers []string         // producer ids, most dominant first
	blocklist      map[string]time.Time
	pendingJoins   map[string]time.Time
	closed         bool

	refreshStop chan struct{}
	refreshDone chan struct{}
}

func NewRoom(id, password string, worker rtc.Worker, logger zerolog.Logger, opts RoomOptions) *Room {
	return &Room{
		ID:           id,
		logger:       logger.With().Str("room_id", id).Logger(),
		opts:         opts.withDefaults(),
		password:     password,
		worker:       worker,
		peers:        make(map[string]*Peer),
		blocklist:    make(map[string]time.Time),
		pendingJoins: make(map[string]time.Time),
	}
}

// Worker returns the worker this room was placed on.
func (r *Room) Worker() rtc.Worker { return r.worker }

// EnsureRouter creates the room's router and active-speaker observer on
// first use. Concurrent callers share one attempt; the outcome is memoized.
func (r *Room) EnsureRouter(ctx context.Context) error {
	r.routerOnce.Do(func() {
		router, err := r.worker.CreateRouter(ctx)
		if err != nil {
			r.routerErr = err
			return
		}
		observer, err := router.CreateActiveSpeakerObserver(ctx, r.opts.ObserverInterval)
		if err != nil {
			router.Close()
			r.routerErr = err
			return
		}

		r.mu.Lock()
		r.router = router
		r.observer = observer
		r.refreshStop = make(chan struct{})
		r.refreshDone = make(chan struct{})
		r.mu.Unlock()

		if r.opts.OnDominant != nil {
			observer.OnDominantSpeaker(func(producerID string) {
				r.opts.OnDominant(r, producerID)
			})
		}
		if r.opts.OnRouterCreated != nil {
			r.opts.OnRouterCreated(r.worker.Pid())
		}
		go r.refreshLoop()

		r.logger.Info().
			Str("event", "room.router_ready").
			Str("router_id", router.ID()).
			Int("worker_pid", r.worker.Pid()).
			Msg("room router online")
	})
	return r.routerErr
}

// Router returns the room's router, nil before EnsureRouter succeeds.
func (r *Room) Router() rtc.Router {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.router
}

// Observer returns the room's active-speaker observer.
func (r *Room) Observer() rtc.ActiveSpeakerObserver {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.observer
}

// CheckPassword reports whether the given password opens this room.
func (r *Room) CheckPassword(password string) bool {
	return r.password == "" || r.password == password
}

func (r *Room) refreshLoop() {
	defer close(r.refreshDone)
	ticker := time.NewTicker(r.opts.RefreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-r.refreshStop:
			return
		case <-ticker.C:
			if r.opts.OnRefresh == nil {
				continue
			}
			if r.PeerCount() == 0 || len(r.ActiveSpeakers()) == 0 {
				continue
			}
			r.opts.OnRefresh(r)
		}
	}
}

// AddPeer registers a peer under its socket id.
func (r *Room) AddPeer(p *Peer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.peers[p.SocketID] = p
}

// RemovePeer detaches a peer by socket id.
func (r *Room) RemovePeer(socketID string) (*Peer, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.peers[socketID]
	if ok {
		delete(r.peers, socketID)
	}
	return p, ok
}

// PeerBySocket returns the peer on the given socket.
func (r *Room) PeerBySocket(socketID string) (*Peer, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.peers[socketID]
	return p, ok
}

// PeerByUser returns the peer of the given user, if joined.
func (r *Room) PeerByUser(userID string) (*Peer, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range r.peers {
		if p.UserID == userID {
			return p, true
		}
	}
	return nil, false
}

// Peers snapshots the current peer list.
func (r *Room) Peers() []*Peer {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Peer, 0, len(r.peers))
	for _, p := range r.peers {
		out = append(out, p)
	}
	return out
}

// PeerCount reports how many peers are joined.
func (r *Room) PeerCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.peers)
}

// OwnerOfProducer finds the peer owning the producer id.
func (r *Room) OwnerOfProducer(pid string) (*Peer, StreamKind, bool) {
	for _, p := range r.Peers() {
		if kind, _, ok := p.ProducerByID(pid); ok {
			return p, kind, true
		}
	}
	return nil, "", false
}

// ActiveSpeakers copies the ranked producer id list.
func (r *Room) ActiveSpeakers() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.activeSpeakers))
	copy(out, r.activeSpeakers)
	return out
}

// TruncatedSpeakers copies at most max ids off the head of the list.
func (r *Room) TruncatedSpeakers(max int) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := min(max, len(r.activeSpeakers))
	out := make([]string, n)
	copy(out, r.activeSpeakers[:n])
	return out
}

// AddActiveSpeaker appends a producer id unless already present. The
// dominant-speaker observer re-ranks it when it actually speaks.
func (r *Room) AddActiveSpeaker(pid string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, id := range r.activeSpeakers {
		if id == pid {
			return
		}
	}
	r.activeSpeakers = append(r.activeSpeakers, pid)
}

// RemoveActiveSpeakers strips the given producer ids from the list.
func (r *Room) RemoveActiveSpeakers(pids ...string) {
	gone := make(map[string]struct{}, len(pids))
	for _, pid := range pids {
		gone[pid] = struct{}{}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	kept := r.activeSpeakers[:0]
	for _, id := range r.activeSpeakers {
		if _, drop := gone[id]; !drop {
			kept = append(kept, id)
		}
	}
	r.activeSpeakers = kept
}

// PromoteSpeaker moves pid to the head of the list, inserting it if absent.
// Returns false when pid already leads, so callers can skip churn.
func (r *Room) PromoteSpeaker(pid string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.activeSpeakers) > 0 && r.activeSpeakers[0] == pid {
		return false
	}
	kept := make([]string, 0, len(r.activeSpeakers)+1)
	kept = append(kept, pid)
	for _, id := range r.activeSpeakers {
		if id != pid {
			kept = append(kept, id)
		}
	}
	r.activeSpeakers = kept
	return true
}

// Block bans a user until the given time.
func (r *Room) Block(userID string, until time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.blocklist[userID] = until
}

// IsBlocked reports whether the user is currently banned. Expired entries
// are pruned on the way.
func (r *Room) IsBlocked(userID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	until, ok := r.blocklist[userID]
	if !ok {
		return false
	}
	if time.Now().After(until) {
		delete(r.blocklist, userID)
		return false
	}
	return true
}

// AddPendingJoin records an owner-approval join request.
func (r *Room) AddPendingJoin(userID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pendingJoins[userID] = time.Now().Add(r.opts.PendingJoinTTL)
}

// TakePendingJoin consumes a pending request, reporting whether one was
// still valid.
func (r *Room) TakePendingJoin(userID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	expiry, ok := r.pendingJoins[userID]
	if !ok {
		return false
	}
	delete(r.pendingJoins, userID)
	return time.Now().Before(expiry)
}

// PendingJoins lists unexpired join requests, pruning stale ones.
func (r *Room) PendingJoins() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now()
	out := make([]string, 0, len(r.pendingJoins))
	for userID, expiry := range r.pendingJoins {
		if now.After(expiry) {
			delete(r.pendingJoins, userID)
			continue
		}
		out = append(out, userID)
	}
	return out
}

// Close tears the room down: refresh ticker joined, remaining peers cleaned,
// observer closed before the router so dominant events stop first.
func (r *Room) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	router := r.router
	observer := r.observer
	peers := make([]*Peer, 0, len(r.peers))
	for _, p := range r.peers {
		peers = append(peers, p)
	}
	r.peers = make(map[string]*Peer)
	r.activeSpeakers = nil
	stop, done := r.refreshStop, r.refreshDone
	r.mu.Unlock()

	if stop != nil {
		close(stop)
		<-done
	}
	for _, p := range peers {
		p.Cleanup()
	}
	if observer != nil {
		observer.Close()
	}
	if router != nil {
		router.Close()
	}

	r.logger.Info().Str("event", "room.closed").Msg("room torn down")
}

// Rooms is the process-wide room registry.
type Rooms struct {
	logger   zerolog.Logger
	selector WorkerSelector
	opts     RoomOptions

	mu    sync.Mutex
	rooms map[string]*Room
}

// NewRooms builds the registry. Router creation is charged to the worker's
// router counter automatically.
func NewRooms(logger zerolog.Logger, selector WorkerSelector, opts RoomOptions) *Rooms {
	inner := opts.OnRouterCreated
	opts.OnRouterCreated = func(pid int) {
		selector.IncRouters(pid, 1)
		if inner != nil {
			inner(pid)
		}
	}
	return &Rooms{
		logger:   logger,
		selector: selector,
		opts:     opts,
		rooms:    make(map[string]*Room),
	}
}

// Get looks a room up.
func (rs *Rooms) Get(id string) (*Room, bool) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	room, ok := rs.rooms[id]
	return room, ok
}

// GetOrCreate returns the room, creating it on a sticky-picked worker when
// absent. The router itself comes up lazily via EnsureRouter.
func (rs *Rooms) GetOrCreate(id, password string) (*Room, bool, error) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	if room, ok := rs.rooms[id]; ok {
		return room, false, nil
	}
	worker, err := rs.selector.PickForRoom(id)
	if err != nil {
		return nil, false, err
	}
	room := NewRoom(id, password, worker, rs.logger, rs.opts)
	rs.rooms[id] = room
	metrics.RoomsActive.Inc()
	rs.logger.Info().
		Str("event", "room.created").
		Str("room_id", id).
		Int("worker_pid", worker.Pid()).
		Msg("room registered")
	return room, true, nil
}

// Remove drops a room from the registry. The caller closes it.
func (rs *Rooms) Remove(id string) (*Room, bool) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	room, ok := rs.rooms[id]
	if !ok {
		return nil, false
	}
	delete(rs.rooms, id)
	metrics.RoomsActive.Dec()
	return room, true
}

// Count reports the number of live rooms.
func (rs *Rooms) Count() int {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return len(rs.rooms)
}

// CloseAll tears down every room; used on daemon shutdown.
func (rs *Rooms) CloseAll() {
	rs.mu.Lock()
	rooms := make([]*Room, 0, len(rs.rooms))
	for _, room := range rs.rooms {
		rooms = append(rooms, room)
	}
	rs.rooms = make(map[string]*Room)
	metrics.RoomsActive.Set(0)
	rs.mu.Unlock()

	for _, room := range rooms {
		room.Close()
	}
}
