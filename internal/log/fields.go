package log

// Canonical field name constants for structured logging.
const (
	// Identity fields
	FieldRoomID     = "room_id"
	FieldJobID      = "job_id"
	FieldSocketID   = "socket_id"
	FieldUserID     = "user_id"
	FieldPeerID     = "peer_id"
	FieldProducerID = "producer_id"
	FieldConsumerID = "consumer_id"
	FieldWorkerPID  = "worker_pid"

	// Process / pipeline fields
	FieldEvent     = "event"
	FieldComponent = "component"
	FieldSegment   = "segment"

	// State fields
	FieldOldState = "old_state"
	FieldNewState = "new_state"

	// Path / network fields
	FieldPath     = "path"
	FieldRTPPort  = "rtp_port"
	FieldRTCPPort = "rtcp_port"
)
