package rtc

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// closeTimeout bounds fire-and-forget close requests to the worker.
const closeTimeout = 2 * time.Second

type mediaRouter struct {
	id      string
	channel *channel
	caps    json.RawMessage
	logger  zerolog.Logger

	mu        sync.Mutex
	closed    bool
	producers map[string]MediaKind // producers currently live on this router
	children  map[string]interface{ workerClosed() }
	closeFns  []func()
}

func newRouter(id string, ch *channel, caps json.RawMessage, logger zerolog.Logger) *mediaRouter {
	return &mediaRouter{
		id:        id,
		channel:   ch,
		caps:      caps,
		logger:    logger.With().Str("router_id", id).Logger(),
		producers: make(map[string]MediaKind),
		children:  make(map[string]interface{ workerClosed() }),
	}
}

// extractRtpCapabilities pulls the capabilities blob out of the
// worker.createRouter response, tolerating workers that return the blob
// directly.
func extractRtpCapabilities(data json.RawMessage) json.RawMessage {
	var wrapper struct {
		RtpCapabilities json.RawMessage `json:"rtpCapabilities"`
	}
	if err := json.Unmarshal(data, &wrapper); err == nil && len(wrapper.RtpCapabilities) > 0 {
		return wrapper.RtpCapabilities
	}
	return data
}

func (r *mediaRouter) ID() string { return r.id }

func (r *mediaRouter) RtpCapabilities() json.RawMessage { return r.caps }

func (r *mediaRouter) Closed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

func (r *mediaRouter) CreateWebRtcTransport(ctx context.Context, opts WebRtcTransportOptions) (WebRtcTransport, error) {
	if r.Closed() {
		return nil, ErrClosed
	}
	transportID := uuid.NewString()
	internal := map[string]string{"routerId": r.id, "transportId": transportID}

	data, err := r.channel.request(ctx, "router.createWebRtcTransport", internal, opts)
	if err != nil {
		return nil, fmt.Errorf("create webrtc transport: %w", err)
	}

	var created struct {
		IceParameters  json.RawMessage `json:"iceParameters"`
		IceCandidates  json.RawMessage `json:"iceCandidates"`
		DtlsParameters json.RawMessage `json:"dtlsParameters"`
	}
	if err := json.Unmarshal(data, &created); err != nil {
		return nil, fmt.Errorf("create webrtc transport: decode: %w", err)
	}

	t := newWebRtcTransport(transportID, r, created.IceParameters, created.IceCandidates, created.DtlsParameters)
	r.adopt(transportID, t)
	return t, nil
}

func (r *mediaRouter) CreatePlainTransport(ctx context.Context, opts PlainTransportOptions) (PlainTransport, error) {
	if r.Closed() {
		return nil, ErrClosed
	}
	transportID := uuid.NewString()
	internal := map[string]string{"routerId": r.id, "transportId": transportID}

	data, err := r.channel.request(ctx, "router.createPlainTransport", internal, opts)
	if err != nil {
		return nil, fmt.Errorf("create plain transport: %w", err)
	}

	var created struct {
		Tuple TransportTuple `json:"tuple"`
	}
	if err := json.Unmarshal(data, &created); err != nil {
		return nil, fmt.Errorf("create plain transport: decode: %w", err)
	}

	t := newPlainTransport(transportID, r, created.Tuple)
	r.adopt(transportID, t)
	return t, nil
}

func (r *mediaRouter) CreateActiveSpeakerObserver(ctx context.Context, interval time.Duration) (ActiveSpeakerObserver, error) {
	if r.Closed() {
		return nil, ErrClosed
	}
	observerID := uuid.NewString()
	internal := map[string]string{"routerId": r.id, "rtpObserverId": observerID}
	data := map[string]any{"interval": interval.Milliseconds()}

	if _, err := r.channel.request(ctx, "router.createActiveSpeakerObserver", internal, data); err != nil {
		return nil, fmt.Errorf("create active speaker observer: %w", err)
	}

	o := newSpeakerObserver(observerID, r)
	r.adopt(observerID, o)
	return o, nil
}

// CanConsume requires the producer to be live on this router and the
// capabilities blob to be non-empty valid JSON. Codec matching stays in the
// worker, which rejects the consume request if the capabilities do not fit.
func (r *mediaRouter) CanConsume(producerID string, rtpCapabilities json.RawMessage) bool {
	if len(rtpCapabilities) == 0 || !json.Valid(rtpCapabilities) {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return false
	}
	_, ok := r.producers[producerID]
	return ok
}

// Close tells the worker to tear the router down (cascading to transports,
// producers and consumers) and closes the local handles.
func (r *mediaRouter) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()
	if _, err := r.channel.request(ctx, "router.close", map[string]string{"routerId": r.id}, nil); err != nil {
		r.logger.Debug().Err(err).Str("event", "rtc.router_close_failed").Msg("router close request failed")
	}

	r.workerClosed()
	r.logger.Debug().Str("event", "rtc.router_closed").Msg("router closed")
}

// workerClosed marks the router and everything under it closed without
// talking to the worker.
func (r *mediaRouter) workerClosed() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	children := make([]interface{ workerClosed() }, 0, len(r.children))
	for _, c := range r.children {
		children = append(children, c)
	}
	r.children = make(map[string]interface{ workerClosed() })
	r.producers = make(map[string]MediaKind)
	fns := r.closeFns
	r.closeFns = nil
	r.mu.Unlock()

	for _, c := range children {
		c.workerClosed()
	}
	for _, fn := range fns {
		fn()
	}
}

func (r *mediaRouter) onClose(fn func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		go fn()
		return
	}
	r.closeFns = append(r.closeFns, fn)
}

func (r *mediaRouter) adopt(id string, child interface{ workerClosed() }) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.children[id] = child
}

func (r *mediaRouter) dropChild(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.children, id)
}

func (r *mediaRouter) registerProducer(id string, kind MediaKind) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.producers[id] = kind
}

func (r *mediaRouter) unregisterProducer(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.producers, id)
}
