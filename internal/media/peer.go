package media

import (
	"context"
	"sync"

	"github.com/conclave-rtc/conclave/internal/rtc"
)

// Pausable is the pause/resume surface shared by producers and consumers.
type Pausable interface {
	Pause(ctx context.Context) error
	Resume(ctx context.Context) error
	Paused() bool
	Closed() bool
}

// Downstream is one SFU→peer transport: it carries the audio stream it was
// created for plus that stream's associated video. All fields except
// Transport are guarded by the owning peer's mutex.
type Downstream struct {
	Transport rtc.WebRtcTransport

	// AudioPid / VideoPid are the producer ids this transport was created to
	// consume. They are cleared when the producing peer leaves.
	AudioPid string
	VideoPid string

	// StreamProducers optionally records (streamKind → producerId) pairs the
	// client sent with the transport request.
	StreamProducers map[StreamKind]string

	// Consumers holds attached consumers keyed by detected stream kind.
	Consumers map[StreamKind]rtc.Consumer
}

// Peer is one participant's state within a room: one socket, at most one
// upstream transport, any number of downstream transports.
type Peer struct {
	SocketID    string
	UserID      string
	DisplayName string
	RoomID      string

	mu          sync.Mutex
	upstream    rtc.WebRtcTransport
	downstreams []*Downstream
	producers   map[StreamKind]rtc.Producer
	cleaned     bool
}

func NewPeer(socketID, userID, displayName, roomID string) *Peer {
	return &Peer{
		SocketID:    socketID,
		UserID:      userID,
		DisplayName: displayName,
		RoomID:      roomID,
		producers:   make(map[StreamKind]rtc.Producer),
	}
}

// LiveUpstream returns the upstream transport if one exists and is open.
func (p *Peer) LiveUpstream() (rtc.WebRtcTransport, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.upstream == nil || p.upstream.Closed() {
		return nil, false
	}
	return p.upstream, true
}

// AttachUpstream records the peer's producing transport.
func (p *Peer) AttachUpstream(t rtc.WebRtcTransport) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.upstream = t
}

// AddDownstream records a consuming transport.
func (p *Peer) AddDownstream(ds *Downstream) {
	if ds.StreamProducers == nil {
		ds.StreamProducers = make(map[StreamKind]string)
	}
	if ds.Consumers == nil {
		ds.Consumers = make(map[StreamKind]rtc.Consumer)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.downstreams = append(p.downstreams, ds)
}

// LiveDownstreamParams returns the parameters of an open downstream transport
// already bound to audioPid, for idempotent transport requests.
func (p *Peer) LiveDownstreamParams(audioPid string) (rtc.TransportParams, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, ds := range p.downstreams {
		if ds.AudioPid == audioPid && !ds.Transport.Closed() {
			return ds.Transport.Params(), true
		}
	}
	return rtc.TransportParams{}, false
}

// DownstreamForPid finds the open downstream transport bound to pid on the
// audio or video side. Callers may use the returned value's Transport field
// (immutable) but must not touch other fields.
func (p *Peer) DownstreamForPid(pid string, audioLike bool) (*Downstream, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, ds := range p.downstreams {
		if ds.Transport.Closed() {
			continue
		}
		if audioLike && ds.AudioPid == pid {
			return ds, true
		}
		if !audioLike && ds.VideoPid == pid {
			return ds, true
		}
	}
	return nil, false
}

// AttachConsumer binds a consumer to a downstream under the detected kind.
// If the transport closed in the meantime the consumer is closed and an
// error is returned so the caller does not hand out a dead handle.
func (p *Peer) AttachConsumer(ds *Downstream, kind StreamKind, c rtc.Consumer) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if ds.Transport.Closed() {
		c.Close()
		return ErrDownstreamNotFound
	}
	if prev, ok := ds.Consumers[kind]; ok && !prev.Closed() {
		prev.Close()
	}
	ds.Consumers[kind] = c
	return nil
}

// TransportByID finds the upstream or a downstream transport by id.
func (p *Peer) TransportByID(id string) (rtc.WebRtcTransport, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.upstream != nil && p.upstream.ID() == id {
		return p.upstream, true
	}
	for _, ds := range p.downstreams {
		if ds.Transport.ID() == id {
			return ds.Transport, true
		}
	}
	return nil, false
}

// AddProducer records a producer under its stream kind.
func (p *Peer) AddProducer(kind StreamKind, producer rtc.Producer) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.producers[kind] = producer
}

// Producer returns the producer of the given kind.
func (p *Peer) Producer(kind StreamKind) (rtc.Producer, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	producer, ok := p.producers[kind]
	return producer, ok
}

// ProducerByID finds an owned producer by id.
func (p *Peer) ProducerByID(pid string) (StreamKind, rtc.Producer, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for kind, producer := range p.producers {
		if producer.ID() == pid {
			return kind, producer, true
		}
	}
	return "", nil, false
}

// RemoveProducer detaches an owned producer by id without closing it.
func (p *Peer) RemoveProducer(pid string) (StreamKind, rtc.Producer, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for kind, producer := range p.producers {
		if producer.ID() == pid {
			delete(p.producers, kind)
			return kind, producer, true
		}
	}
	return "", nil, false
}

// ProducerIDs lists the ids of all owned producers.
func (p *Peer) ProducerIDs() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	ids := make([]string, 0, len(p.producers))
	for _, producer := range p.producers {
		ids = append(ids, producer.ID())
	}
	return ids
}

// ProducerEntries snapshots the (kind, producer) pairs.
func (p *Peer) ProducerEntries() map[StreamKind]rtc.Producer {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[StreamKind]rtc.Producer, len(p.producers))
	for kind, producer := range p.producers {
		out[kind] = producer
	}
	return out
}

// OpenAudioConsumer finds an open audio consumer for the given producer id
// across all downstream transports.
func (p *Peer) OpenAudioConsumer(pid string) (rtc.Consumer, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, ds := range p.downstreams {
		for kind, c := range ds.Consumers {
			if kind.AudioLike() && c.ProducerID() == pid && !c.Closed() {
				return c, true
			}
		}
	}
	return nil, false
}

// ConsumerByProducerID finds any open consumer bound to pid.
func (p *Peer) ConsumerByProducerID(pid string) (rtc.Consumer, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, ds := range p.downstreams {
		for _, c := range ds.Consumers {
			if c.ProducerID() == pid && !c.Closed() {
				return c, true
			}
		}
	}
	return nil, false
}

// PausedVideoCounterparts collects the peer's paused, open video handles
// associated with an active audio pid: the owner's own video producer, or the
// video consumers riding the downstream bound to that audio stream.
func (p *Peer) PausedVideoCounterparts(pid string) []Pausable {
	p.mu.Lock()
	defer p.mu.Unlock()

	var out []Pausable
	for kind, producer := range p.producers {
		if producer.ID() != pid {
			continue
		}
		videoKind := KindVideo
		if kind == KindScreenAudio {
			videoKind = KindScreenVideo
		}
		if v, ok := p.producers[videoKind]; ok && v.Paused() && !v.Closed() {
			out = append(out, v)
		}
	}
	for _, ds := range p.downstreams {
		if ds.AudioPid != pid {
			continue
		}
		for kind, c := range ds.Consumers {
			if !kind.AudioLike() && c.Paused() && !c.Closed() {
				out = append(out, c)
			}
		}
	}
	return out
}

// ClearDownstreamRefs blanks stale audio/video pid references after the
// producing peer left. Consumers for those pids are closed.
func (p *Peer) ClearDownstreamRefs(pids map[string]struct{}) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, ds := range p.downstreams {
		if _, gone := pids[ds.AudioPid]; gone && ds.AudioPid != "" {
			ds.AudioPid = ""
		}
		if _, gone := pids[ds.VideoPid]; gone && ds.VideoPid != "" {
			ds.VideoPid = ""
		}
		for kind, c := range ds.Consumers {
			if _, gone := pids[c.ProducerID()]; gone {
				c.Close()
				delete(ds.Consumers, kind)
			}
		}
	}
}

// TransportCount reports how many transports the peer holds, open or not.
func (p *Peer) TransportCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := len(p.downstreams)
	if p.upstream != nil {
		n++
	}
	return n
}

// Cleanup closes the upstream, all downstream transports and all producers.
// Safe to call more than once.
func (p *Peer) Cleanup() {
	p.mu.Lock()
	if p.cleaned {
		p.mu.Unlock()
		return
	}
	p.cleaned = true
	upstream := p.upstream
	downstreams := p.downstreams
	producers := p.producers
	p.upstream = nil
	p.downstreams = nil
	p.producers = make(map[StreamKind]rtc.Producer)
	p.mu.Unlock()

	for _, producer := range producers {
		producer.Close()
	}
	if upstream != nil {
		upstream.Close()
	}
	for _, ds := range downstreams {
		ds.Transport.Close()
	}
}
