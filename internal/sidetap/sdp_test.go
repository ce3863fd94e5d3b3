package sidetap

import (
	"os"
	"path/filepath"
	"testing"
)

func TestWriteSDPContent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "alice_u1.sdp")
	if err := writeSDP(path, 1, 2); err != nil {
		t.Fatalf("writeSDP: %v", err)
	}
	// A rewrite for the same session must replace the file wholesale.
	if err := writeSDP(path, 60002, 60003); err != nil {
		t.Fatalf("writeSDP rewrite: %v", err)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read sdp: %v", err)
	}
	want := "v=0\n" +
		"o=- 0 0 IN IP4 127.0.0.1\n" +
		"s=conclave-tap\n" +
		"c=IN IP4 127.0.0.1\n" +
		"t=0 0\n" +
		"m=audio 60002 RTP/AVP 100\n" +
		"a=rtpmap:100 opus/48000/2\n" +
		"a=rtcp:60003\n" +
		"a=recvonly\n"
	if string(raw) != want {
		t.Fatalf("sdp mismatch:\ngot:\n%swant:\n%s", raw, want)
	}
}

func TestSanitizeToken(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"Alice", "Alice"},
		{"Alice Müller", "Alice_Muller"},
		{"né né", "ne_ne"},
		{"../../etc/passwd", "etcpasswd"},
		{"0x1F3A-beef_42", "0x1F3A-beef_42"},
		{"", "tap"},
		{"!!!", "tap"},
	}
	for _, tc := range cases {
		if got := sanitizeToken(tc.in, 0); got != tc.want {
			t.Errorf("sanitizeToken(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}

	if got := sanitizeToken("abcdefghijklmnop", 8); got != "abcdefgh" {
		t.Errorf("capped token = %q, want %q", got, "abcdefgh")
	}
}
