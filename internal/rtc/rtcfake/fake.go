// Package rtcfake provides in-memory implementations of the rtc interfaces
// for tests. State transitions that the real worker drives asynchronously
// (DTLS handshakes, dominant speaker switches, subprocess death) are exposed
// as scriptable methods.
package rtcfake

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/conclave-rtc/conclave/internal/rtc"
)

var idSeq atomic.Int64

func nextID(prefix string) string {
	return fmt.Sprintf("%s-%d", prefix, idSeq.Add(1))
}

// DefaultRtpCapabilities is a structurally valid capabilities blob accepted
// by Router.CanConsume.
var DefaultRtpCapabilities = json.RawMessage(`{"codecs":[{"kind":"audio","mimeType":"audio/opus","clockRate":48000,"channels":2},{"kind":"video","mimeType":"video/VP8","clockRate":90000}]}`)

// DefaultRtpParameters is a minimal parameters blob for Produce calls.
var DefaultRtpParameters = json.RawMessage(`{"codecs":[{"mimeType":"audio/opus","payloadType":100,"clockRate":48000,"channels":2}],"encodings":[{"ssrc":1111}]}`)

// Worker is a scriptable rtc.Worker.
type Worker struct {
	pid int

	mu        sync.Mutex
	usage     rtc.ResourceUsage
	usageErr  error
	routerErr error
	routers   []*Router
	died      bool
	diedErr   error
	diedFns   []func(error)
	closed    bool
}

// NewWorker returns a live fake worker with the given pid.
func NewWorker(pid int) *Worker {
	return &Worker{pid: pid}
}

func (w *Worker) Pid() int { return w.pid }

func (w *Worker) CreateRouter(ctx context.Context) (rtc.Router, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed || w.died {
		return nil, errors.New("rtcfake: worker is gone")
	}
	if w.routerErr != nil {
		return nil, w.routerErr
	}
	r := &Router{
		id:        nextID("router"),
		caps:      DefaultRtpCapabilities,
		producers: make(map[string]rtc.MediaKind),
	}
	w.routers = append(w.routers, r)
	return r, nil
}

func (w *Worker) ResourceUsage(ctx context.Context) (rtc.ResourceUsage, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.usageErr != nil {
		return rtc.ResourceUsage{}, w.usageErr
	}
	if w.closed || w.died {
		return rtc.ResourceUsage{}, errors.New("rtcfake: worker is gone")
	}
	return w.usage, nil
}

func (w *Worker) OnDied(fn func(err error)) {
	w.mu.Lock()
	if w.died {
		err := w.diedErr
		w.mu.Unlock()
		fn(err)
		return
	}
	w.diedFns = append(w.diedFns, fn)
	w.mu.Unlock()
}

func (w *Worker) Closed() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.closed || w.died
}

func (w *Worker) Close() {
	w.mu.Lock()
	if w.closed || w.died {
		w.mu.Unlock()
		return
	}
	w.closed = true
	routers := w.routers
	w.routers = nil
	w.mu.Unlock()

	for _, r := range routers {
		r.Close()
	}
}

// SetUsage scripts the next ResourceUsage result. Times are cumulative
// milliseconds, as the real worker reports them.
func (w *Worker) SetUsage(userMs, systemMs float64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.usage = rtc.ResourceUsage{UserTime: userMs, SystemTime: systemMs}
}

// SetUsageErr makes ResourceUsage fail until cleared.
func (w *Worker) SetUsageErr(err error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.usageErr = err
}

// SetRouterErr makes CreateRouter fail until cleared.
func (w *Worker) SetRouterErr(err error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.routerErr = err
}

// Die simulates the subprocess exiting: routers are torn down and OnDied
// handlers fire with err.
func (w *Worker) Die(err error) {
	w.mu.Lock()
	if w.closed || w.died {
		w.mu.Unlock()
		return
	}
	w.died = true
	w.diedErr = err
	fns := w.diedFns
	w.diedFns = nil
	routers := w.routers
	w.routers = nil
	w.mu.Unlock()

	for _, r := range routers {
		r.Close()
	}
	for _, fn := range fns {
		fn(err)
	}
}

// Router is a scriptable rtc.Router.
type Router struct {
	id   string
	caps json.RawMessage

	mu        sync.Mutex
	producers map[string]rtc.MediaKind
	closed    bool
}

func (r *Router) ID() string                       { return r.id }
func (r *Router) RtpCapabilities() json.RawMessage { return r.caps }

func (r *Router) CreateWebRtcTransport(ctx context.Context, opts rtc.WebRtcTransportOptions) (rtc.WebRtcTransport, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, errors.New("rtcfake: router closed")
	}
	id := nextID("wrtc")
	return &WebRtcTransport{
		router: r,
		id:     id,
		params: rtc.TransportParams{
			ID:             id,
			IceParameters:  json.RawMessage(`{"usernameFragment":"fake","password":"fake"}`),
			IceCandidates:  json.RawMessage(`[{"ip":"127.0.0.1","port":40000,"protocol":"udp","type":"host"}]`),
			DtlsParameters: json.RawMessage(`{"role":"auto","fingerprints":[]}`),
		},
		dtls:         rtc.DtlsNew,
		connectState: rtc.DtlsConnected,
	}, nil
}

func (r *Router) CreatePlainTransport(ctx context.Context, opts rtc.PlainTransportOptions) (rtc.PlainTransport, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, errors.New("rtcfake: router closed")
	}
	return &PlainTransport{
		router: r,
		id:     nextID("plain"),
		tuple: rtc.TransportTuple{
			LocalIP:   opts.ListenIP.IP,
			LocalPort: 20000 + int(idSeq.Add(1)),
			Protocol:  "udp",
		},
	}, nil
}

func (r *Router) CreateActiveSpeakerObserver(ctx context.Context, interval time.Duration) (rtc.ActiveSpeakerObserver, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, errors.New("rtcfake: router closed")
	}
	return &Observer{
		id:       nextID("observer"),
		interval: interval,
		tracked:  make(map[string]struct{}),
	}, nil
}

func (r *Router) CanConsume(producerID string, rtpCapabilities json.RawMessage) bool {
	if len(rtpCapabilities) == 0 || !json.Valid(rtpCapabilities) {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.producers[producerID]
	return ok
}

func (r *Router) Closed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

func (r *Router) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	r.producers = make(map[string]rtc.MediaKind)
	r.mu.Unlock()
}

func (r *Router) registerProducer(id string, kind rtc.MediaKind) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.producers[id] = kind
}

func (r *Router) unregisterProducer(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.producers, id)
}

func (r *Router) producerKind(id string) (rtc.MediaKind, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	kind, ok := r.producers[id]
	return kind, ok
}

// WebRtcTransport is a scriptable rtc.WebRtcTransport.
type WebRtcTransport struct {
	router *Router
	id     string
	params rtc.TransportParams

	mu           sync.Mutex
	dtls         rtc.DtlsState
	connectState rtc.DtlsState
	maxIncoming  int
	produceErr   error
	consumeErr   error
	producers    []*Producer
	consumers    []*Consumer
	closed       bool
}

func (t *WebRtcTransport) ID() string                  { return t.id }
func (t *WebRtcTransport) Params() rtc.TransportParams { return t.params }

func (t *WebRtcTransport) DtlsState() rtc.DtlsState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.dtls
}

// SetConnectState scripts the DTLS state Connect lands in (DtlsConnected by
// default; use DtlsConnecting to exercise handshake-in-flight paths).
func (t *WebRtcTransport) SetConnectState(s rtc.DtlsState) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.connectState = s
}

// SetDtlsState forces the current DTLS state.
func (t *WebRtcTransport) SetDtlsState(s rtc.DtlsState) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.dtls = s
}

func (t *WebRtcTransport) Connect(ctx context.Context, dtlsParameters json.RawMessage) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return errors.New("rtcfake: transport closed")
	}
	t.dtls = t.connectState
	return nil
}

func (t *WebRtcTransport) Produce(ctx context.Context, kind rtc.MediaKind, rtpParameters json.RawMessage) (rtc.Producer, error) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, errors.New("rtcfake: transport closed")
	}
	if t.produceErr != nil {
		err := t.produceErr
		t.mu.Unlock()
		return nil, err
	}
	p := &Producer{router: t.router, id: nextID("producer"), kind: kind}
	t.producers = append(t.producers, p)
	t.mu.Unlock()

	t.router.registerProducer(p.id, kind)
	return p, nil
}

func (t *WebRtcTransport) Consume(ctx context.Context, producerID string, rtpCapabilities json.RawMessage, paused bool) (rtc.Consumer, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, errors.New("rtcfake: transport closed")
	}
	if t.consumeErr != nil {
		return nil, t.consumeErr
	}
	kind, ok := t.router.producerKind(producerID)
	if !ok {
		return nil, fmt.Errorf("rtcfake: unknown producer %s", producerID)
	}
	c := &Consumer{
		id:         nextID("consumer"),
		producerID: producerID,
		kind:       kind,
		params:     DefaultRtpParameters,
		paused:     paused,
	}
	t.consumers = append(t.consumers, c)
	return c, nil
}

func (t *WebRtcTransport) SetMaxIncomingBitrate(ctx context.Context, bitrate int) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return errors.New("rtcfake: transport closed")
	}
	t.maxIncoming = bitrate
	return nil
}

// MaxIncomingBitrate reports the last SetMaxIncomingBitrate value.
func (t *WebRtcTransport) MaxIncomingBitrate() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.maxIncoming
}

// SetProduceErr makes Produce fail until cleared.
func (t *WebRtcTransport) SetProduceErr(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.produceErr = err
}

// SetConsumeErr makes Consume fail until cleared.
func (t *WebRtcTransport) SetConsumeErr(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.consumeErr = err
}

func (t *WebRtcTransport) Closed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

func (t *WebRtcTransport) Close() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	t.dtls = rtc.DtlsClosed
	producers := t.producers
	consumers := t.consumers
	t.producers = nil
	t.consumers = nil
	t.mu.Unlock()

	for _, p := range producers {
		p.Close()
	}
	for _, c := range consumers {
		c.Close()
	}
}

// PlainTransport is a scriptable rtc.PlainTransport.
type PlainTransport struct {
	router *Router
	id     string
	tuple  rtc.TransportTuple

	mu         sync.Mutex
	connIP     string
	connPort   int
	connRTCP   int
	consumers  []*Consumer
	consumeErr error
	closed     bool
}

func (t *PlainTransport) ID() string                { return t.id }
func (t *PlainTransport) Tuple() rtc.TransportTuple { return t.tuple }

func (t *PlainTransport) Connect(ctx context.Context, ip string, port, rtcpPort int) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return errors.New("rtcfake: transport closed")
	}
	t.connIP, t.connPort, t.connRTCP = ip, port, rtcpPort
	return nil
}

// ConnectedTo reports the destination passed to Connect.
func (t *PlainTransport) ConnectedTo() (ip string, port, rtcpPort int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connIP, t.connPort, t.connRTCP
}

func (t *PlainTransport) Consume(ctx context.Context, producerID string, rtpCapabilities json.RawMessage, paused bool) (rtc.Consumer, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, errors.New("rtcfake: transport closed")
	}
	if t.consumeErr != nil {
		return nil, t.consumeErr
	}
	kind, ok := t.router.producerKind(producerID)
	if !ok {
		return nil, fmt.Errorf("rtcfake: unknown producer %s", producerID)
	}
	c := &Consumer{
		id:         nextID("consumer"),
		producerID: producerID,
		kind:       kind,
		params:     DefaultRtpParameters,
		paused:     paused,
	}
	t.consumers = append(t.consumers, c)
	return c, nil
}

// SetConsumeErr makes Consume fail until cleared.
func (t *PlainTransport) SetConsumeErr(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.consumeErr = err
}

func (t *PlainTransport) Closed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

func (t *PlainTransport) Close() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	consumers := t.consumers
	t.consumers = nil
	t.mu.Unlock()

	for _, c := range consumers {
		c.Close()
	}
}

// Producer is a scriptable rtc.Producer.
type Producer struct {
	router *Router
	id     string
	kind   rtc.MediaKind

	mu          sync.Mutex
	paused      bool
	pauseCount  int
	resumeCount int
	closed      bool
}

func (p *Producer) ID() string          { return p.id }
func (p *Producer) Kind() rtc.MediaKind { return p.kind }

func (p *Producer) Pause(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return errors.New("rtcfake: producer closed")
	}
	p.paused = true
	p.pauseCount++
	return nil
}

func (p *Producer) Resume(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return errors.New("rtcfake: producer closed")
	}
	p.paused = false
	p.resumeCount++
	return nil
}

func (p *Producer) Paused() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.paused
}

// PauseCount reports how many times Pause succeeded.
func (p *Producer) PauseCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pauseCount
}

func (p *Producer) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *Producer) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.mu.Unlock()
	p.router.unregisterProducer(p.id)
}

// Consumer is a scriptable rtc.Consumer.
type Consumer struct {
	id         string
	producerID string
	kind       rtc.MediaKind
	params     json.RawMessage

	mu          sync.Mutex
	paused      bool
	pauseCount  int
	resumeCount int
	closed      bool
}

func (c *Consumer) ID() string                     { return c.id }
func (c *Consumer) ProducerID() string             { return c.producerID }
func (c *Consumer) Kind() rtc.MediaKind            { return c.kind }
func (c *Consumer) RtpParameters() json.RawMessage { return c.params }

func (c *Consumer) Pause(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errors.New("rtcfake: consumer closed")
	}
	c.paused = true
	c.pauseCount++
	return nil
}

func (c *Consumer) Resume(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errors.New("rtcfake: consumer closed")
	}
	c.paused = false
	c.resumeCount++
	return nil
}

func (c *Consumer) Paused() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.paused
}

// PauseCount reports how many times Pause succeeded.
func (c *Consumer) PauseCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pauseCount
}

// ResumeCount reports how many times Resume succeeded.
func (c *Consumer) ResumeCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.resumeCount
}

func (c *Consumer) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Consumer) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
}

// Observer is a scriptable rtc.ActiveSpeakerObserver.
type Observer struct {
	id       string
	interval time.Duration

	mu      sync.Mutex
	tracked map[string]struct{}
	fns     []func(producerID string)
	closed  bool
}

func (o *Observer) ID() string { return o.id }

func (o *Observer) AddProducer(ctx context.Context, producerID string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return errors.New("rtcfake: observer closed")
	}
	o.tracked[producerID] = struct{}{}
	return nil
}

func (o *Observer) RemoveProducer(ctx context.Context, producerID string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return errors.New("rtcfake: observer closed")
	}
	delete(o.tracked, producerID)
	return nil
}

func (o *Observer) OnDominantSpeaker(fn func(producerID string)) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.fns = append(o.fns, fn)
}

// Tracks reports whether the producer was added and not yet removed.
func (o *Observer) Tracks(producerID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, ok := o.tracked[producerID]
	return ok
}

// EmitDominant fires the dominant-speaker handlers, as the real observer does
// when the worker reports a switch.
func (o *Observer) EmitDominant(producerID string) {
	o.mu.Lock()
	fns := make([]func(string), len(o.fns))
	copy(fns, o.fns)
	o.mu.Unlock()
	for _, fn := range fns {
		fn(producerID)
	}
}

func (o *Observer) Closed() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.closed
}

func (o *Observer) Close() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.closed = true
}

// Interface conformance.
var (
	_ rtc.Worker                = (*Worker)(nil)
	_ rtc.Router                = (*Router)(nil)
	_ rtc.WebRtcTransport       = (*WebRtcTransport)(nil)
	_ rtc.PlainTransport        = (*PlainTransport)(nil)
	_ rtc.Producer              = (*Producer)(nil)
	_ rtc.Consumer              = (*Consumer)(nil)
	_ rtc.ActiveSpeakerObserver = (*Observer)(nil)
)
