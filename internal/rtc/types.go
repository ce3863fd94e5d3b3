// Package rtc is a thin client for an external mediasoup-compatible media
// worker. It spawns the worker binary, speaks the netstring-framed JSON
// channel protocol over a socketpair, and exposes Worker / Router /
// Transport / Producer / Consumer handles to the coordination layer. RTP
// capabilities, RTP parameters and DTLS parameters are carried as opaque
// json.RawMessage and never interpreted here.
package rtc

import (
	"context"
	"encoding/json"
	"time"
)

// MediaKind distinguishes audio from video at the transport level.
type MediaKind string

const (
	MediaAudio MediaKind = "audio"
	MediaVideo MediaKind = "video"
)

// DtlsState mirrors the worker-side DTLS transport state.
type DtlsState string

const (
	DtlsNew        DtlsState = "new"
	DtlsConnecting DtlsState = "connecting"
	DtlsConnected  DtlsState = "connected"
	DtlsFailed     DtlsState = "failed"
	DtlsClosed     DtlsState = "closed"
)

// ResourceUsage is the worker's getrusage snapshot. Times are milliseconds.
type ResourceUsage struct {
	UserTime   float64 `json:"ru_utime"`
	SystemTime float64 `json:"ru_stime"`
	MaxRSS     float64 `json:"ru_maxrss"`
}

// TransportListenIP names a local bind address with an optional announced
// address for clients behind NAT.
type TransportListenIP struct {
	IP          string `json:"ip"`
	AnnouncedIP string `json:"announcedIp,omitempty"`
}

// WebRtcTransportOptions configures CreateWebRtcTransport.
type WebRtcTransportOptions struct {
	ListenIPs                       []TransportListenIP `json:"listenIps"`
	EnableUDP                       bool                `json:"enableUdp"`
	EnableTCP                       bool                `json:"enableTcp"`
	PreferUDP                       bool                `json:"preferUdp"`
	InitialAvailableOutgoingBitrate int                 `json:"initialAvailableOutgoingBitrate,omitempty"`
}

// PlainTransportOptions configures CreatePlainTransport. The side-tap uses
// rtcpMux=false, comedia=false so the segmenter addresses RTP and RTCP ports
// explicitly.
type PlainTransportOptions struct {
	ListenIP TransportListenIP `json:"listenIp"`
	RTCPMux  bool              `json:"rtcpMux"`
	Comedia  bool              `json:"comedia"`
}

// TransportParams is the wire-facing description of a WebRTC transport,
// handed to clients so they can complete ICE/DTLS.
type TransportParams struct {
	ID             string          `json:"id"`
	IceParameters  json.RawMessage `json:"iceParameters"`
	IceCandidates  json.RawMessage `json:"iceCandidates"`
	DtlsParameters json.RawMessage `json:"dtlsParameters"`
}

// TransportTuple is the local RTP/RTCP binding of a plain transport.
type TransportTuple struct {
	LocalIP   string `json:"localIp"`
	LocalPort int    `json:"localPort"`
	Protocol  string `json:"protocol"`
}

// Worker is one media worker subprocess.
type Worker interface {
	// Pid is the subprocess id; the worker pool keys its records by it.
	Pid() int
	CreateRouter(ctx context.Context) (Router, error)
	ResourceUsage(ctx context.Context) (ResourceUsage, error)
	// OnDied registers a handler invoked once if the subprocess exits without
	// Close having been called.
	OnDied(fn func(err error))
	Closed() bool
	Close()
}

// Router routes media between the transports created on it.
type Router interface {
	ID() string
	RtpCapabilities() json.RawMessage
	CreateWebRtcTransport(ctx context.Context, opts WebRtcTransportOptions) (WebRtcTransport, error)
	CreatePlainTransport(ctx context.Context, opts PlainTransportOptions) (PlainTransport, error)
	CreateActiveSpeakerObserver(ctx context.Context, interval time.Duration) (ActiveSpeakerObserver, error)
	// CanConsume reports whether the producer is known to this router and the
	// capabilities blob is structurally usable. The worker still enforces
	// codec compatibility at consume time.
	CanConsume(producerID string, rtpCapabilities json.RawMessage) bool
	Closed() bool
	Close()
}

// WebRtcTransport carries media to or from one client.
type WebRtcTransport interface {
	ID() string
	Params() TransportParams
	DtlsState() DtlsState
	Connect(ctx context.Context, dtlsParameters json.RawMessage) error
	Produce(ctx context.Context, kind MediaKind, rtpParameters json.RawMessage) (Producer, error)
	Consume(ctx context.Context, producerID string, rtpCapabilities json.RawMessage, paused bool) (Consumer, error)
	SetMaxIncomingBitrate(ctx context.Context, bitrate int) error
	Closed() bool
	Close()
}

// PlainTransport carries RTP to a fixed UDP address; the audio side-tap
// points it at the local segmenter.
type PlainTransport interface {
	ID() string
	Tuple() TransportTuple
	Connect(ctx context.Context, ip string, port, rtcpPort int) error
	Consume(ctx context.Context, producerID string, rtpCapabilities json.RawMessage, paused bool) (Consumer, error)
	Closed() bool
	Close()
}

// Producer is one inbound media stream.
type Producer interface {
	ID() string
	Kind() MediaKind
	Pause(ctx context.Context) error
	Resume(ctx context.Context) error
	Paused() bool
	Closed() bool
	Close()
}

// Consumer is one outbound media stream bound to a producer.
type Consumer interface {
	ID() string
	ProducerID() string
	Kind() MediaKind
	RtpParameters() json.RawMessage
	Pause(ctx context.Context) error
	Resume(ctx context.Context) error
	Paused() bool
	Closed() bool
	Close()
}

// ActiveSpeakerObserver emits the dominant audio producer id at a fixed
// interval.
type ActiveSpeakerObserver interface {
	ID() string
	AddProducer(ctx context.Context, producerID string) error
	RemoveProducer(ctx context.Context, producerID string) error
	OnDominantSpeaker(fn func(producerID string))
	Closed() bool
	Close()
}
