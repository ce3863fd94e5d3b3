package media

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/conclave-rtc/conclave/internal/rtc"
)

const (
	RoleProducer = "producer"
	RoleConsumer = "consumer"
)

// ServiceConfig carries the transport tuning knobs.
type ServiceConfig struct {
	// PublicIP is announced to clients for ICE; empty on single-host setups.
	PublicIP string
	// InitialBitrate seeds the outgoing bitrate estimator (bps).
	InitialBitrate int
	// MaxIncomingBitrate caps what one peer may push (bps); 0 disables.
	MaxIncomingBitrate int
}

// Service owns transport, producer and consumer lifecycle on room routers.
type Service struct {
	logger   zerolog.Logger
	selector WorkerSelector
	cfg      ServiceConfig
}

func NewService(logger zerolog.Logger, selector WorkerSelector, cfg ServiceConfig) *Service {
	return &Service{logger: logger, selector: selector, cfg: cfg}
}

func (s *Service) transportOptions() rtc.WebRtcTransportOptions {
	return rtc.WebRtcTransportOptions{
		ListenIPs: []rtc.TransportListenIP{
			{IP: "0.0.0.0", AnnouncedIP: s.cfg.PublicIP},
		},
		EnableUDP:                       true,
		EnableTCP:                       true,
		PreferUDP:                       true,
		InitialAvailableOutgoingBitrate: s.cfg.InitialBitrate,
	}
}

// RequestTransport returns transport parameters for the requested role,
// reusing a live transport when one already serves the request: the upstream
// for producers, the downstream bound to the same audioPid for consumers.
// The worker transport counter moves only for newly created transports.
func (s *Service) RequestTransport(ctx context.Context, room *Room, peer *Peer, req TransportRequest) (rtc.TransportParams, error) {
	router := room.Router()
	if router == nil {
		return rtc.TransportParams{}, ErrRoomGone
	}

	if req.Role == RoleProducer {
		if t, ok := peer.LiveUpstream(); ok {
			return t.Params(), nil
		}
		t, err := s.createTransport(ctx, router)
		if err != nil {
			return rtc.TransportParams{}, err
		}
		peer.AttachUpstream(t)
		s.selector.IncTransports(room.Worker().Pid(), 1)
		s.logger.Debug().
			Str("event", "media.upstream_created").
			Str("room_id", room.ID).
			Str("participant_id", peer.UserID).
			Str("transport_id", t.ID()).
			Msg("upstream transport ready")
		return t.Params(), nil
	}

	if req.AudioPid != "" {
		if params, ok := peer.LiveDownstreamParams(req.AudioPid); ok {
			return params, nil
		}
	}

	videoPid := req.VideoPid
	if videoPid == "" && req.AudioPid != "" {
		videoPid = s.resolveVideoPid(room, req.AudioPid)
	}

	t, err := s.createTransport(ctx, router)
	if err != nil {
		return rtc.TransportParams{}, err
	}
	ds := &Downstream{Transport: t, AudioPid: req.AudioPid, VideoPid: videoPid}
	if req.StreamKind != "" && req.ProducerID != "" {
		ds.StreamProducers = map[StreamKind]string{req.StreamKind: req.ProducerID}
	}
	peer.AddDownstream(ds)
	s.selector.IncTransports(room.Worker().Pid(), 1)
	s.logger.Debug().
		Str("event", "media.downstream_created").
		Str("room_id", room.ID).
		Str("participant_id", peer.UserID).
		Str("transport_id", t.ID()).
		Str("audio_pid", req.AudioPid).
		Str("video_pid", videoPid).
		Msg("downstream transport ready")
	return t.Params(), nil
}

func (s *Service) createTransport(ctx context.Context, router rtc.Router) (rtc.WebRtcTransport, error) {
	t, err := router.CreateWebRtcTransport(ctx, s.transportOptions())
	if err != nil {
		return nil, fmt.Errorf("create transport: %w", err)
	}
	if s.cfg.MaxIncomingBitrate > 0 {
		if err := t.SetMaxIncomingBitrate(ctx, s.cfg.MaxIncomingBitrate); err != nil {
			s.logger.Warn().
				Err(err).
				Str("event", "media.bitrate_cap_failed").
				Str("transport_id", t.ID()).
				Msg("could not cap incoming bitrate")
		}
	}
	return t, nil
}

// resolveVideoPid finds the video stream associated with an audio producer:
// the owner's screen video for screen audio, their camera video otherwise.
func (s *Service) resolveVideoPid(room *Room, audioPid string) string {
	owner, kind, ok := room.OwnerOfProducer(audioPid)
	if !ok {
		return ""
	}
	videoKind := KindVideo
	if kind == KindScreenAudio {
		videoKind = KindScreenVideo
	}
	if v, ok := owner.Producer(videoKind); ok && !v.Closed() {
		return v.ID()
	}
	return ""
}

// ConnectTransport completes the DTLS handshake. A transport already
// connected or mid-handshake acks success without re-issuing the connect.
func (s *Service) ConnectTransport(ctx context.Context, peer *Peer, req ConnectRequest) error {
	t, ok := peer.TransportByID(req.TransportID)
	if !ok {
		return ErrTransportNotFound
	}
	switch t.DtlsState() {
	case rtc.DtlsConnected, rtc.DtlsConnecting:
		return nil
	}
	return t.Connect(ctx, req.DtlsParameters)
}

// StartProducing creates a producer on the peer's upstream transport. Audio
// flavors are registered with the room's dominant-speaker observer and
// appended to the active-speaker list.
func (s *Service) StartProducing(ctx context.Context, room *Room, peer *Peer, req ProduceRequest) (rtc.Producer, error) {
	up, ok := peer.LiveUpstream()
	if !ok {
		return nil, ErrNoUpstream
	}

	producer, err := up.Produce(ctx, req.StreamKind.Media(), req.RtpParameters)
	if err != nil {
		return nil, fmt.Errorf("produce %s: %w", req.StreamKind, err)
	}
	peer.AddProducer(req.StreamKind, producer)

	if req.StreamKind.AudioLike() {
		if observer := room.Observer(); observer != nil {
			if err := observer.AddProducer(ctx, producer.ID()); err != nil {
				s.logger.Warn().
					Err(err).
					Str("event", "media.observer_add_failed").
					Str("producer_id", producer.ID()).
					Msg("producer not tracked for dominance")
			}
		}
		room.AddActiveSpeaker(producer.ID())
	}

	s.logger.Debug().
		Str("event", "media.producer_started").
		Str("room_id", room.ID).
		Str("participant_id", peer.UserID).
		Str("stream_kind", string(req.StreamKind)).
		Str("producer_id", producer.ID()).
		Msg("producer online")
	return producer, nil
}

// ConsumeMedia creates an unpaused consumer for pid on the peer's matching
// downstream transport. The actual stream kind is detected from whoever owns
// the producer, not trusted from the request.
func (s *Service) ConsumeMedia(ctx context.Context, room *Room, peer *Peer, req ConsumeRequest) (ConsumePayload, error) {
	actual, found := s.detectKind(room, req.Pid)
	router := room.Router()
	if !found || router == nil || !router.CanConsume(req.Pid, req.RtpCapabilities) {
		return ConsumePayload{}, ErrCannotConsume
	}

	ds, ok := peer.DownstreamForPid(req.Pid, actual.AudioLike())
	if !ok {
		return ConsumePayload{}, ErrDownstreamNotFound
	}

	consumer, err := ds.Transport.Consume(ctx, req.Pid, req.RtpCapabilities, false)
	if err != nil {
		return ConsumePayload{}, fmt.Errorf("consume %s: %w", req.Pid, err)
	}
	if err := peer.AttachConsumer(ds, actual, consumer); err != nil {
		return ConsumePayload{}, err
	}

	s.logger.Debug().
		Str("event", "media.consumer_created").
		Str("room_id", room.ID).
		Str("participant_id", peer.UserID).
		Str("producer_id", req.Pid).
		Str("stream_kind", string(actual)).
		Msg("consumer online")
	return ConsumePayload{
		ID:            consumer.ID(),
		ProducerID:    req.Pid,
		Kind:          string(consumer.Kind()),
		RtpParameters: consumer.RtpParameters(),
	}, nil
}

func (s *Service) detectKind(room *Room, pid string) (StreamKind, bool) {
	if _, kind, ok := room.OwnerOfProducer(pid); ok {
		return kind, true
	}
	return "", false
}

// UnpauseConsumer resumes the consumer bound to pid.
func (s *Service) UnpauseConsumer(ctx context.Context, peer *Peer, pid string) error {
	c, ok := peer.ConsumerByProducerID(pid)
	if !ok {
		return ErrConsumerNotFound
	}
	return c.Resume(ctx)
}

// HandleAudioChange pauses or resumes the peer's own audio producer.
func (s *Service) HandleAudioChange(ctx context.Context, peer *Peer, op string) error {
	producer, ok := peer.Producer(KindAudio)
	if !ok || producer.Closed() {
		return ErrProducerNotFound
	}
	if op == "mute" {
		return producer.Pause(ctx)
	}
	return producer.Resume(ctx)
}

// CloseProducer tears one of the peer's producers down: audio flavors leave
// the observer and the active-speaker list first, then the handle is closed
// and detached. Returns the stream kind for the producerClosed broadcast.
func (s *Service) CloseProducer(ctx context.Context, room *Room, peer *Peer, pid string) (StreamKind, bool) {
	kind, producer, ok := peer.RemoveProducer(pid)
	if !ok {
		return "", false
	}
	if kind.AudioLike() {
		room.RemoveActiveSpeakers(pid)
		if observer := room.Observer(); observer != nil {
			if err := observer.RemoveProducer(ctx, pid); err != nil {
				s.logger.Warn().
					Err(err).
					Str("event", "media.observer_remove_failed").
					Str("producer_id", pid).
					Msg("producer not untracked from dominance")
			}
		}
	}
	producer.Close()
	s.logger.Debug().
		Str("event", "media.producer_closed").
		Str("room_id", room.ID).
		Str("participant_id", peer.UserID).
		Str("stream_kind", string(kind)).
		Str("producer_id", pid).
		Msg("producer offline")
	return kind, true
}
