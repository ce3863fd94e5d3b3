package media

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/conclave-rtc/conclave/internal/metrics"
	"github.com/conclave-rtc/conclave/internal/rtc"
	"github.com/conclave-rtc/conclave/internal/telemetry"
)

// SpeakerEngine reconciles every peer's audio subscriptions against the
// room's ranked active-speaker list: speakers outside the top
// maxActiveSpeakers are paused, speakers inside it are resumed or reported
// as missing subscriptions. Video is never paused here.
type SpeakerEngine struct {
	logger    zerolog.Logger
	hub       Broadcaster
	locks     Locker
	maxActive int
}

func NewSpeakerEngine(logger zerolog.Logger, hub Broadcaster, locks Locker, maxActive int) *SpeakerEngine {
	if maxActive <= 0 {
		maxActive = 10
	}
	return &SpeakerEngine{logger: logger, hub: hub, locks: locks, maxActive: maxActive}
}

// MaxActive reports the configured speaker window size.
func (e *SpeakerEngine) MaxActive() int { return e.maxActive }

// Run executes one reconciliation under the room's distributed lock, which
// serializes engine runs and their fan-out per room across the cluster.
func (e *SpeakerEngine) Run(ctx context.Context, room *Room, trigger string) error {
	ctx, span := telemetry.Tracer("conclave.media").Start(ctx, "speakers.reconcile")
	span.SetAttributes(append(
		telemetry.RoomAttributes(room.ID, room.PeerCount()),
		attribute.String("trigger", trigger),
	)...)
	defer span.End()

	return e.locks.WithLock(ctx, room.ID, func(ctx context.Context) error {
		return e.ReconcileLocked(ctx, room, trigger)
	})
}

// ReconcileLocked runs the engine assuming the caller already holds the
// room lock. Peers are reconciled in parallel; the per-socket subscription
// deltas are emitted as newProducersToConsume, then the truncated list is
// broadcast to the whole room.
func (e *SpeakerEngine) ReconcileLocked(ctx context.Context, room *Room, trigger string) error {
	start := time.Now()

	router := room.Router()
	if router == nil {
		return ErrRoomGone
	}

	list := room.ActiveSpeakers()
	active := list
	var muted []string
	if len(list) > e.maxActive {
		active, muted = list[:e.maxActive], list[e.maxActive:]
	}

	needs := make(map[string][]string)
	var needsMu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	for _, peer := range room.Peers() {
		g.Go(func() error {
			pids, err := e.reconcilePeer(gctx, peer, muted, active)
			if err != nil {
				return err
			}
			if len(pids) > 0 {
				needsMu.Lock()
				needs[peer.SocketID] = pids
				needsMu.Unlock()
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	caps := router.RtpCapabilities()
	for socketID, pids := range needs {
		payload := e.BuildPayload(room, caps, pids, active)
		if len(payload.AudioPidsToCreate) == 0 {
			continue
		}
		e.hub.ToSocket(socketID, "newProducersToConsume", payload)
	}
	e.hub.ToRoom(room.ID, "updateActiveSpeakers", active)

	metrics.ObserveSpeakerReconcile(trigger, time.Since(start))
	e.logger.Debug().
		Str("event", "media.speakers_reconciled").
		Str("room_id", room.ID).
		Str("trigger", trigger).
		Int("active", len(active)).
		Int("muted", len(muted)).
		Int("new_subscriptions", len(needs)).
		Msg("active speakers reconciled")
	return nil
}

// reconcilePeer applies the audio plan for one peer and returns the pids it
// still needs a transport for. Pause/resume failures are logged and skipped
// unless the context itself is done (lease lost, shutdown).
func (e *SpeakerEngine) reconcilePeer(ctx context.Context, peer *Peer, muted, active []string) ([]string, error) {
	for _, pid := range muted {
		if producer, ok := e.ownedOpen(peer, pid); ok {
			if !producer.Paused() {
				e.apply(ctx, producer.Pause, "pause", pid, peer)
			}
		} else if c, ok := peer.OpenAudioConsumer(pid); ok {
			if !c.Paused() {
				e.apply(ctx, c.Pause, "pause", pid, peer)
			}
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
	}

	var needs []string
	for _, pid := range active {
		if producer, ok := e.ownedOpen(peer, pid); ok {
			if producer.Paused() {
				e.apply(ctx, producer.Resume, "resume", pid, peer)
			}
		} else if c, ok := peer.OpenAudioConsumer(pid); ok {
			if c.Paused() {
				e.apply(ctx, c.Resume, "resume", pid, peer)
			}
		} else {
			needs = append(needs, pid)
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
	}

	// Video rides along: resume paused counterparts of active audio without
	// blocking the reconciliation; failures are logged only.
	for _, pid := range active {
		for _, v := range peer.PausedVideoCounterparts(pid) {
			go func(v Pausable) {
				rctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := v.Resume(rctx); err != nil {
					e.logger.Warn().
						Err(err).
						Str("event", "media.video_resume_failed").
						Str("participant_id", peer.UserID).
						Msg("video resume failed")
				}
			}(v)
		}
	}
	return needs, nil
}

func (e *SpeakerEngine) ownedOpen(peer *Peer, pid string) (rtc.Producer, bool) {
	_, producer, ok := peer.ProducerByID(pid)
	if !ok || producer.Closed() {
		return nil, false
	}
	return producer, true
}

func (e *SpeakerEngine) apply(ctx context.Context, op func(context.Context) error, verb, pid string, peer *Peer) {
	if err := op(ctx); err != nil && ctx.Err() == nil {
		e.logger.Warn().
			Err(err).
			Str("event", "media.speaker_"+verb+"_failed").
			Str("producer_id", pid).
			Str("participant_id", peer.UserID).
			Msgf("audio %s failed", verb)
	}
}

// BuildPayload assembles a newProducersToConsume payload for one socket.
// The three arrays stay parallel: a pid whose owner vanished is skipped
// entirely, and a missing video producer yields a nil entry. Screen-share
// owners appear as their synthetic "-screen" user.
func (e *SpeakerEngine) BuildPayload(room *Room, caps json.RawMessage, pids, truncated []string) NewProducersToConsume {
	payload := NewProducersToConsume{
		RouterRtpCapabilities: caps,
		AudioPidsToCreate:     make([]string, 0, len(pids)),
		VideoPidsToCreate:     make([]*string, 0, len(pids)),
		AssociatedUsers:       make([]AssociatedUser, 0, len(pids)),
		ActiveSpeakerList:     truncated,
	}
	for _, pid := range pids {
		owner, kind, ok := room.OwnerOfProducer(pid)
		if !ok {
			continue
		}
		videoKind := KindVideo
		user := AssociatedUser{ID: owner.UserID, DisplayName: owner.DisplayName}
		if kind == KindScreenAudio {
			videoKind = KindScreenVideo
			user = AssociatedUser{
				ID:          owner.UserID + "-screen",
				DisplayName: owner.DisplayName + " (Sharing)",
			}
		}
		var videoPid *string
		if v, ok := owner.Producer(videoKind); ok && !v.Closed() {
			id := v.ID()
			videoPid = &id
		}
		payload.AudioPidsToCreate = append(payload.AudioPidsToCreate, pid)
		payload.VideoPidsToCreate = append(payload.VideoPidsToCreate, videoPid)
		payload.AssociatedUsers = append(payload.AssociatedUsers, user)
	}
	return payload
}
