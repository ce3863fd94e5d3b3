package rtc

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

type webRtcTransport struct {
	id     string
	router *mediaRouter
	params TransportParams

	mu        sync.Mutex
	closed    bool
	dtlsState DtlsState
	children  map[string]interface{ workerClosed() }
}

func newWebRtcTransport(id string, router *mediaRouter, ice, candidates, dtls json.RawMessage) *webRtcTransport {
	t := &webRtcTransport{
		id:     id,
		router: router,
		params: TransportParams{
			ID:             id,
			IceParameters:  ice,
			IceCandidates:  candidates,
			DtlsParameters: dtls,
		},
		dtlsState: DtlsNew,
		children:  make(map[string]interface{ workerClosed() }),
	}
	// The worker reports DTLS progress as notifications on the transport id.
	router.channel.subscribe(id, func(event string, data json.RawMessage) {
		if event != "dtlsstatechange" {
			return
		}
		var payload struct {
			DtlsState DtlsState `json:"dtlsState"`
		}
		if err := json.Unmarshal(data, &payload); err != nil || payload.DtlsState == "" {
			return
		}
		t.mu.Lock()
		if !t.closed {
			t.dtlsState = payload.DtlsState
		}
		t.mu.Unlock()
	})
	return t
}

func (t *webRtcTransport) ID() string { return t.id }

func (t *webRtcTransport) Params() TransportParams { return t.params }

func (t *webRtcTransport) DtlsState() DtlsState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.dtlsState
}

func (t *webRtcTransport) Closed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

func (t *webRtcTransport) internal() map[string]string {
	return map[string]string{"routerId": t.router.id, "transportId": t.id}
}

func (t *webRtcTransport) Connect(ctx context.Context, dtlsParameters json.RawMessage) error {
	if t.Closed() {
		return ErrClosed
	}
	data := map[string]any{"dtlsParameters": dtlsParameters}
	if _, err := t.router.channel.request(ctx, "transport.connect", t.internal(), data); err != nil {
		return fmt.Errorf("transport connect: %w", err)
	}

	t.mu.Lock()
	if t.dtlsState == DtlsNew {
		t.dtlsState = DtlsConnecting
	}
	t.mu.Unlock()
	return nil
}

func (t *webRtcTransport) Produce(ctx context.Context, kind MediaKind, rtpParameters json.RawMessage) (Producer, error) {
	if t.Closed() {
		return nil, ErrClosed
	}
	producerID := uuid.NewString()
	internal := map[string]string{
		"routerId":    t.router.id,
		"transportId": t.id,
		"producerId":  producerID,
	}
	data := map[string]any{
		"kind":          kind,
		"rtpParameters": rtpParameters,
		"paused":        false,
	}
	if _, err := t.router.channel.request(ctx, "transport.produce", internal, data); err != nil {
		return nil, fmt.Errorf("produce %s: %w", kind, err)
	}

	p := newProducer(producerID, kind, internal, t.router)
	t.adopt(producerID, p)
	p.onClose(func() { t.dropChild(producerID) })
	t.router.registerProducer(producerID, kind)
	return p, nil
}

func (t *webRtcTransport) Consume(ctx context.Context, producerID string, rtpCapabilities json.RawMessage, paused bool) (Consumer, error) {
	if t.Closed() {
		return nil, ErrClosed
	}
	consumerID := uuid.NewString()
	internal := map[string]string{
		"routerId":    t.router.id,
		"transportId": t.id,
		"consumerId":  consumerID,
		"producerId":  producerID,
	}
	data := map[string]any{
		"rtpCapabilities": rtpCapabilities,
		"paused":          paused,
	}
	resp, err := t.router.channel.request(ctx, "transport.consume", internal, data)
	if err != nil {
		return nil, fmt.Errorf("consume producer %s: %w", producerID, err)
	}

	var created struct {
		Kind          MediaKind       `json:"kind"`
		RtpParameters json.RawMessage `json:"rtpParameters"`
	}
	if err := json.Unmarshal(resp, &created); err != nil {
		return nil, fmt.Errorf("consume producer %s: decode: %w", producerID, err)
	}

	c := newConsumer(consumerID, producerID, created.Kind, created.RtpParameters, internal, t.router, paused)
	t.adopt(consumerID, c)
	c.onClose(func() { t.dropChild(consumerID) })
	return c, nil
}

func (t *webRtcTransport) SetMaxIncomingBitrate(ctx context.Context, bitrate int) error {
	if t.Closed() {
		return ErrClosed
	}
	data := map[string]any{"bitrate": bitrate}
	if _, err := t.router.channel.request(ctx, "transport.setMaxIncomingBitrate", t.internal(), data); err != nil {
		return fmt.Errorf("set max incoming bitrate: %w", err)
	}
	return nil
}

func (t *webRtcTransport) Close() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()
	_, _ = t.router.channel.request(ctx, "transport.close", t.internal(), nil)

	t.workerClosed()
	t.router.dropChild(t.id)
}

func (t *webRtcTransport) workerClosed() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	t.dtlsState = DtlsClosed
	children := make([]interface{ workerClosed() }, 0, len(t.children))
	for _, c := range t.children {
		children = append(children, c)
	}
	t.children = make(map[string]interface{ workerClosed() })
	t.mu.Unlock()

	t.router.channel.unsubscribe(t.id)
	for _, c := range children {
		c.workerClosed()
	}
}

func (t *webRtcTransport) adopt(id string, child interface{ workerClosed() }) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.children[id] = child
}

func (t *webRtcTransport) dropChild(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.children, id)
}

type plainTransport struct {
	id     string
	router *mediaRouter
	tuple  TransportTuple

	mu       sync.Mutex
	closed   bool
	children map[string]interface{ workerClosed() }
}

func newPlainTransport(id string, router *mediaRouter, tuple TransportTuple) *plainTransport {
	return &plainTransport{
		id:       id,
		router:   router,
		tuple:    tuple,
		children: make(map[string]interface{ workerClosed() }),
	}
}

func (t *plainTransport) ID() string { return t.id }

func (t *plainTransport) Tuple() TransportTuple { return t.tuple }

func (t *plainTransport) Closed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

func (t *plainTransport) internal() map[string]string {
	return map[string]string{"routerId": t.router.id, "transportId": t.id}
}

// Connect points the transport's RTP/RTCP at a fixed destination, the
// side-tap's segmenter ports.
func (t *plainTransport) Connect(ctx context.Context, ip string, port, rtcpPort int) error {
	if t.Closed() {
		return ErrClosed
	}
	data := map[string]any{"ip": ip, "port": port, "rtcpPort": rtcpPort}
	if _, err := t.router.channel.request(ctx, "transport.connect", t.internal(), data); err != nil {
		return fmt.Errorf("plain transport connect: %w", err)
	}
	return nil
}

func (t *plainTransport) Consume(ctx context.Context, producerID string, rtpCapabilities json.RawMessage, paused bool) (Consumer, error) {
	if t.Closed() {
		return nil, ErrClosed
	}
	consumerID := uuid.NewString()
	internal := map[string]string{
		"routerId":    t.router.id,
		"transportId": t.id,
		"consumerId":  consumerID,
		"producerId":  producerID,
	}
	data := map[string]any{
		"rtpCapabilities": rtpCapabilities,
		"paused":          paused,
	}
	resp, err := t.router.channel.request(ctx, "transport.consume", internal, data)
	if err != nil {
		return nil, fmt.Errorf("consume producer %s: %w", producerID, err)
	}

	var created struct {
		Kind          MediaKind       `json:"kind"`
		RtpParameters json.RawMessage `json:"rtpParameters"`
	}
	if err := json.Unmarshal(resp, &created); err != nil {
		return nil, fmt.Errorf("consume producer %s: decode: %w", producerID, err)
	}

	c := newConsumer(consumerID, producerID, created.Kind, created.RtpParameters, internal, t.router, paused)
	t.adopt(consumerID, c)
	c.onClose(func() { t.dropChild(consumerID) })
	return c, nil
}

func (t *plainTransport) Close() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()
	_, _ = t.router.channel.request(ctx, "transport.close", t.internal(), nil)

	t.workerClosed()
	t.router.dropChild(t.id)
}

func (t *plainTransport) workerClosed() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	children := make([]interface{ workerClosed() }, 0, len(t.children))
	for _, c := range t.children {
		children = append(children, c)
	}
	t.children = make(map[string]interface{ workerClosed() })
	t.mu.Unlock()

	for _, c := range children {
		c.workerClosed()
	}
}

func (t *plainTransport) adopt(id string, child interface{ workerClosed() }) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.children[id] = child
}

func (t *plainTransport) dropChild(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.children, id)
}
