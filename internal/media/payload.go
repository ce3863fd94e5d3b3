package media

import "encoding/json"

// Wire payloads for the media socket surface. Field names are part of the
// client contract and must not change.

// JoinRequest is the joinRoom event payload.
type JoinRequest struct {
	RoomID   string `json:"roomId"`
	UserName string `json:"userName"`
	Password string `json:"password,omitempty"`
}

// TransportRequest is the requestTransport event payload. Role is "producer"
// or "consumer"; the remaining fields describe what a consumer transport will
// carry.
type TransportRequest struct {
	Role       string     `json:"role"`
	StreamKind StreamKind `json:"streamKind,omitempty"`
	ProducerID string     `json:"producerId,omitempty"`
	AudioPid   string     `json:"audioPid,omitempty"`
	VideoPid   string     `json:"videoPid,omitempty"`
}

// ConnectRequest is the connectTransport event payload.
type ConnectRequest struct {
	TransportID    string          `json:"transportId"`
	DtlsParameters json.RawMessage `json:"dtlsParameters"`
}

// ProduceRequest is the startProducing event payload.
type ProduceRequest struct {
	StreamKind    StreamKind      `json:"streamKind"`
	RtpParameters json.RawMessage `json:"rtpParameters"`
}

// ConsumeRequest is the consumeMedia event payload. RequestedKind is a hint
// only; the actual kind is detected from the producer registry.
type ConsumeRequest struct {
	RtpCapabilities json.RawMessage `json:"rtpCapabilities"`
	Pid             string          `json:"pid"`
	RequestedKind   StreamKind      `json:"requestedKind,omitempty"`
}

// ConsumePayload is the consumeMedia success ack.
type ConsumePayload struct {
	ID            string          `json:"id"`
	ProducerID    string          `json:"producerId"`
	Kind          string          `json:"kind"`
	RtpParameters json.RawMessage `json:"rtpParameters"`
}

// UnpauseRequest is the unpauseConsumer event payload.
type UnpauseRequest struct {
	Pid string `json:"pid"`
}

// AudioChangeRequest is the audioChange event payload; Op is "mute" or
// "unmute".
type AudioChangeRequest struct {
	Op string `json:"op"`
}

// CloseProducersRequest is the closeProducers event payload.
type CloseProducersRequest struct {
	ProducerIDs []string `json:"producerIds"`
}

// AssociatedUser identifies the owner of a producer in a
// NewProducersToConsume payload. Screen shares are mapped to a synthetic
// "<id>-screen" user so clients render them as separate tiles.
type AssociatedUser struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
}

// NewProducersToConsume tells one socket which producers to subscribe to.
// The three slices are parallel: VideoPidsToCreate[i] is nil when the owner
// of AudioPidsToCreate[i] has no video producer.
type NewProducersToConsume struct {
	RouterRtpCapabilities json.RawMessage  `json:"routerRtpCapabilities"`
	AudioPidsToCreate     []string         `json:"audioPidsToCreate"`
	VideoPidsToCreate     []*string        `json:"videoPidsToCreate"`
	AssociatedUsers       []AssociatedUser `json:"associatedUsers"`
	ActiveSpeakerList     []string         `json:"activeSpeakerList"`
}

// ParticipantPayload is broadcast on newParticipant and participantLeft.
type ParticipantPayload struct {
	ParticipantID string `json:"participantId"`
	DisplayName   string `json:"displayName,omitempty"`
}

// NewProducerPayload is broadcast when a peer starts producing.
type NewProducerPayload struct {
	ParticipantID string     `json:"participantId"`
	DisplayName   string     `json:"displayName"`
	Kind          StreamKind `json:"kind"`
	ProducerID    string     `json:"producerId"`
}

// ProducerClosedPayload is broadcast when a producer goes away.
type ProducerClosedPayload struct {
	ProducerID string     `json:"producerId"`
	Kind       StreamKind `json:"kind,omitempty"`
}

// AudioChangePayload is broadcast when a peer mutes or unmutes.
type AudioChangePayload struct {
	ParticipantID string `json:"participantId"`
	Muted         bool   `json:"muted"`
}
