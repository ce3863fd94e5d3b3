package media

import "github.com/conclave-rtc/conclave/internal/rtc"

// StreamKind is the semantic category of a track. The transport level only
// knows audio vs video; stream kinds carry what the track means to clients.
type StreamKind string

const (
	KindAudio       StreamKind = "audio"
	KindVideo       StreamKind = "video"
	KindScreen      StreamKind = "screen"
	KindScreenAudio StreamKind = "screenAudio"
	KindScreenVideo StreamKind = "screenVideo"
	KindAR          StreamKind = "ar"
	KindDrawing     StreamKind = "drawing"
	KindDetection   StreamKind = "detection"
)

// Media maps the stream kind onto the transport-level media kind. Everything
// that is not an audio flavor rides as video.
func (k StreamKind) Media() rtc.MediaKind {
	if k.AudioLike() {
		return rtc.MediaAudio
	}
	return rtc.MediaVideo
}

// AudioLike reports whether the kind carries audio.
func (k StreamKind) AudioLike() bool {
	return k == KindAudio || k == KindScreenAudio
}

// Valid reports whether k is one of the known stream kinds.
func (k StreamKind) Valid() bool {
	switch k {
	case KindAudio, KindVideo, KindScreen, KindScreenAudio, KindScreenVideo,
		KindAR, KindDrawing, KindDetection:
		return true
	}
	return false
}
