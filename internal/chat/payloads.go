package chat

import "encoding/json"

// SendRequest is the inbound contract:message.send payload. Only the fields
// the gateway validates or keys on are decoded; the full raw payload rides
// along to the room broadcast and the durable queue untouched, so client
// fields like merkleLeaf and previousCounter survive end to end.
type SendRequest struct {
	ID               string          `json:"id"`
	JobID            string          `json:"jobId"`
	Timestamp        int64           `json:"timestamp"`
	MimeType         string          `json:"mimeType"`
	EncryptedContent *MessageContent `json:"encryptedContent"`
}

// MessageContent carries the ciphertext body. Everything else inside
// encryptedContent is opaque to the server.
type MessageContent struct {
	Body string `json:"body"`
}

// RoomRequest scopes pin/read/typing and room membership events. Join events
// name the room as roomId; message events name it as jobId.
type RoomRequest struct {
	JobID  string `json:"jobId"`
	RoomID string `json:"roomId"`
}

// Room returns whichever of roomId/jobId the client sent.
func (r RoomRequest) Room() string {
	if r.RoomID != "" {
		return r.RoomID
	}
	return r.JobID
}

// SendAck confirms a delivered message.
type SendAck struct {
	Success   bool   `json:"success"`
	MessageID string `json:"messageId"`
	Timestamp int64  `json:"timestamp"`
}

// DuplicateAck is returned when the idempotency window already saw the
// message id. The original send won; this one was dropped.
type DuplicateAck struct {
	Delivered bool   `json:"delivered"`
	Duplicate bool   `json:"duplicate"`
	MessageID string `json:"messageId"`
}

// BusyAck is returned in try-lock mode when the conversation lock is held
// elsewhere.
type BusyAck struct {
	OK    bool   `json:"ok"`
	Error string `json:"error"`
}

// OKAck acknowledges fan-out events that carry no data back.
type OKAck struct {
	OK bool `json:"ok"`
}

// RoomAck confirms room membership.
type RoomAck struct {
	RoomID string `json:"roomId"`
}

// LeaveAck confirms leaving a room.
type LeaveAck struct {
	Left bool `json:"left"`
}

// AuthAck is the ack for a successful auth frame.
type AuthAck struct {
	Success bool   `json:"success"`
	UserID  string `json:"userId"`
}

// AuthErrorPayload is emitted as error:auth before a forced disconnect.
type AuthErrorPayload struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// AuthRequest is the first-frame token handover for clients that cannot set
// query parameters or headers on the handshake.
type AuthRequest struct {
	Token string `json:"token"`
}

// JobStatusUpdate is the notification:job.status.updated payload.
type JobStatusUpdate struct {
	EventID        string          `json:"eventId"`
	Timestamp      int64           `json:"timestamp"`
	Source         string          `json:"source"`
	JobID          string          `json:"jobId"`
	PreviousStatus string          `json:"previousStatus"`
	NewStatus      string          `json:"newStatus"`
	Transactions   json.RawMessage `json:"transactions,omitempty"`
}
