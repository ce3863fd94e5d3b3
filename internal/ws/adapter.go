package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/conclave-rtc/conclave/internal/log"
)

// Pub/sub channels shared by all nodes. Room broadcasts ride one channel,
// control operations (targeted emits, disconnects) the other.
const (
	roomChannel = "conclave:ws:room"
	ctlChannel  = "conclave:ws:ctl"
)

const (
	opRoom       = "room"
	opEmit       = "emit"
	opDisconnect = "disconnect"
)

// envelope is the cross-node wire shape. Origin filtering keeps a node from
// replaying its own publishes.
type envelope struct {
	Origin  string          `json:"origin"`
	NS      string          `json:"ns"`
	Op      string          `json:"op"`
	Room    string          `json:"room,omitempty"`
	Event   string          `json:"event,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Targets []string        `json:"targets,omitempty"`
	Exclude []string        `json:"exclude,omitempty"`
	Close   bool            `json:"close,omitempty"`
}

// Adapter connects hubs on this node to their peers on other nodes through
// Redis pub/sub. One adapter serves every namespace.
type Adapter struct {
	logger zerolog.Logger
	rdb    *redis.Client
	origin string

	mu   sync.RWMutex
	hubs map[string]*Hub

	pubsub *redis.PubSub
	done   chan struct{}
}

func NewAdapter(rdb *redis.Client) *Adapter {
	return &Adapter{
		logger: log.WithComponent("ws"),
		rdb:    rdb,
		origin: uuid.NewString(),
		hubs:   make(map[string]*Hub),
		done:   make(chan struct{}),
	}
}

func (a *Adapter) attach(ns string, h *Hub) {
	a.mu.Lock()
	a.hubs[ns] = h
	a.mu.Unlock()
}

// Start subscribes to the cluster channels and begins replaying remote
// envelopes into the attached hubs.
func (a *Adapter) Start(ctx context.Context) error {
	a.pubsub = a.rdb.Subscribe(ctx, roomChannel, ctlChannel)
	// Consume the subscription confirmation so no publish is missed after
	// Start returns.
	if _, err := a.pubsub.Receive(ctx); err != nil {
		_ = a.pubsub.Close()
		return fmt.Errorf("ws adapter subscribe: %w", err)
	}
	go a.readLoop()
	a.logger.Info().
		Str("event", "ws.adapter_started").
		Str("origin", a.origin).
		Msg("cluster adapter subscribed")
	return nil
}

// Close stops the subscription and waits for the replay loop to drain.
func (a *Adapter) Close() {
	if a.pubsub == nil {
		return
	}
	_ = a.pubsub.Close()
	<-a.done
}

func (a *Adapter) readLoop() {
	defer close(a.done)
	for msg := range a.pubsub.Channel() {
		var env envelope
		if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
			a.logger.Warn().
				Err(err).
				Str("event", "ws.adapter_bad_envelope").
				Str("channel", msg.Channel).
				Msg("dropping envelope")
			continue
		}
		if env.Origin == a.origin {
			continue
		}
		a.mu.RLock()
		h := a.hubs[env.NS]
		a.mu.RUnlock()
		if h == nil {
			continue
		}
		h.applyRemote(env)
	}
}

func (a *Adapter) publishRoom(ns, room, event string, payload any, exclude []string) {
	raw, err := json.Marshal(payload)
	if err != nil {
		a.logger.Error().
			Err(err).
			Str("event", "ws.adapter_marshal_failed").
			Str("name", event).
			Msg("room broadcast not forwarded")
		return
	}
	a.publish(roomChannel, envelope{
		Origin:  a.origin,
		NS:      ns,
		Op:      opRoom,
		Room:    room,
		Event:   event,
		Payload: raw,
		Exclude: exclude,
	})
}

func (a *Adapter) publishEmit(ns string, targets []string, event string, payload any) {
	raw, err := json.Marshal(payload)
	if err != nil {
		a.logger.Error().
			Err(err).
			Str("event", "ws.adapter_marshal_failed").
			Str("name", event).
			Msg("targeted emit not forwarded")
		return
	}
	a.publish(ctlChannel, envelope{
		Origin:  a.origin,
		NS:      ns,
		Op:      opEmit,
		Event:   event,
		Payload: raw,
		Targets: targets,
	})
}

func (a *Adapter) publishDisconnect(ns string, targets []string, closeConn bool) {
	a.publish(ctlChannel, envelope{
		Origin:  a.origin,
		NS:      ns,
		Op:      opDisconnect,
		Targets: targets,
		Close:   closeConn,
	})
}

func (a *Adapter) publish(channel string, env envelope) {
	data, err := json.Marshal(env)
	if err != nil {
		a.logger.Error().
			Err(err).
			Str("event", "ws.adapter_marshal_failed").
			Msg("envelope not published")
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.rdb.Publish(ctx, channel, data).Err(); err != nil {
		a.logger.Error().
			Err(err).
			Str("event", "ws.adapter_publish_failed").
			Str("channel", channel).
			Msg("envelope not published")
	}
}
