package sidetap

import (
	"fmt"
	"strings"
	"unicode"

	"github.com/google/renameio/v2"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// writeSDP atomically writes the session description the segmenter reads.
// Payload type 100 carries Opus at 48 kHz stereo; the plain transport sends
// RTP to rtpPort and RTCP to rtcpPort on loopback.
func writeSDP(path string, rtpPort, rtcpPort int) error {
	sdp := fmt.Sprintf(`v=0
o=- 0 0 IN IP4 127.0.0.1
s=conclave-tap
c=IN IP4 127.0.0.1
t=0 0
m=audio %d RTP/AVP 100
a=rtpmap:100 opus/48000/2
a=rtcp:%d
a=recvonly
`, rtpPort, rtcpPort)
	return renameio.WriteFile(path, []byte(sdp), 0o644)
}

// nameCleaner strips diacritics so accented display names survive the ASCII
// filter below instead of vanishing.
var nameCleaner = transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)

// sanitizeToken reduces an external identifier or display name to a token
// safe for file names. Everything outside [A-Za-z0-9_-] is dropped, spaces
// become underscores, and max > 0 caps the length.
func sanitizeToken(s string, max int) string {
	if folded, _, err := transform.String(nameCleaner, s); err == nil {
		s = folded
	}
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		case r == ' ':
			b.WriteByte('_')
		}
	}
	out := b.String()
	if max > 0 && len(out) > max {
		out = out[:max]
	}
	if out == "" {
		return "tap"
	}
	return out
}
