package telemetry

import (
	"go.opentelemetry.io/otel/attribute"
)

// Common attribute keys for consistent tracing across the application.
const (
	RoomIDKey     = "room.id"
	RoomPeersKey  = "room.peers"
	PeerIDKey     = "peer.id"
	SocketIDKey   = "socket.id"
	ProducerIDKey = "producer.id"
	StreamKindKey = "stream.kind"

	LockResourceKey = "lock.resource"
	LockOutcomeKey  = "lock.outcome"

	WorkerPIDKey   = "worker.pid"
	WorkerScoreKey = "worker.score"

	SegmentIndexKey = "segment.index"
	SegmentPathKey  = "segment.path"

	ErrorKey     = "error"
	ErrorTypeKey = "error.type"
)

// RoomAttributes creates room-related span attributes.
func RoomAttributes(roomID string, peers int) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(RoomIDKey, roomID),
		attribute.Int(RoomPeersKey, peers),
	}
}

// LockAttributes creates lock-related span attributes.
func LockAttributes(resource, outcome string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(LockResourceKey, resource),
		attribute.String(LockOutcomeKey, outcome),
	}
}

// WorkerAttributes creates media-worker span attributes.
func WorkerAttributes(pid int, score float64) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.Int(WorkerPIDKey, pid),
		attribute.Float64(WorkerScoreKey, score),
	}
}

// SegmentAttributes creates side-tap segment span attributes.
func SegmentAttributes(index int, path string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.Int(SegmentIndexKey, index),
		attribute.String(SegmentPathKey, path),
	}
}

// ErrorAttributes creates error-related span attributes.
func ErrorAttributes(_ error, errorType string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.Bool(ErrorKey, true),
		attribute.String(ErrorTypeKey, errorType),
	}
}
