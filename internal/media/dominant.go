package media

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// DominantHandler reacts to dominant-speaker notifications from the audio
// observer by promoting the speaker to the head of the room's active list
// and running a reconciliation.
type DominantHandler struct {
	logger zerolog.Logger
	engine *SpeakerEngine
}

func NewDominantHandler(logger zerolog.Logger, engine *SpeakerEngine) *DominantHandler {
	return &DominantHandler{logger: logger, engine: engine}
}

// Handle is wired as Room OnDominant. It runs on the worker channel's read
// goroutine, so everything past the in-memory promotion is handed off: the
// engine issues channel requests of its own, which would deadlock against
// the notification dispatcher.
func (h *DominantHandler) Handle(room *Room, producerID string) {
	if !room.PromoteSpeaker(producerID) {
		return
	}
	h.logger.Debug().
		Str("event", "media.dominant_speaker").
		Str("room_id", room.ID).
		Str("producer_id", producerID).
		Msg("dominant speaker changed")

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := h.engine.Run(ctx, room, "dominant"); err != nil {
			h.logger.Warn().
				Err(err).
				Str("event", "media.dominant_reconcile_failed").
				Str("room_id", room.ID).
				Str("producer_id", producerID).
				Msg("dominant speaker reconciliation failed")
		}
	}()
}
