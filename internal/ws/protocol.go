// Package ws is the socket layer: a small event protocol over websockets,
// per-namespace hubs with room membership, and a Redis pub/sub adapter that
// fans broadcasts and control operations across cluster nodes.
//
// Wire protocol (JSON text frames):
//
//	{"t":"ev","n":"<event>","i":<seq>,"d":<payload>}   event, ack requested
//	{"t":"ev","n":"<event>","d":<payload>}             event, fire-and-forget
//	{"t":"ack","i":<seq>,"d":<payload>}                ack for seq
//
// A handler error acks as {"error":"<message>"}; the error text is part of
// the client contract.
package ws

import "encoding/json"

const (
	frameEvent = "ev"
	frameAck   = "ack"
)

// inFrame is a decoded client frame.
type inFrame struct {
	T string          `json:"t"`
	N string          `json:"n,omitempty"`
	I *int64          `json:"i,omitempty"`
	D json.RawMessage `json:"d,omitempty"`
}

// outFrame is an outbound frame; D is marshaled when the frame is written.
type outFrame struct {
	T string `json:"t"`
	N string `json:"n,omitempty"`
	I *int64 `json:"i,omitempty"`
	D any    `json:"d,omitempty"`
}

// ackError is the ack payload for a failed handler.
type ackError struct {
	Error string `json:"error"`
}
