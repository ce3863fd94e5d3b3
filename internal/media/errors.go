package media

import "errors"

// Error kinds surfaced through event acks. The message text is part of the
// client contract.
var (
	ErrNotInRoom          = errors.New("NotInRoom")
	ErrNoUpstream         = errors.New("NoUpstream")
	ErrCannotConsume      = errors.New("CannotConsume")
	ErrDownstreamNotFound = errors.New("DownstreamNotFound")
	ErrTransportNotFound  = errors.New("TransportNotFound")
	ErrConsumerNotFound   = errors.New("ConsumerNotFound")
	ErrProducerNotFound   = errors.New("ProducerNotFound")
	ErrInvalidPassword    = errors.New("Invalid room password")
	ErrBanned             = errors.New("Banned")
	ErrRoomGone           = errors.New("RoomGone")
)
