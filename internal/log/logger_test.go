package log

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestConfigureEmitsServiceFields(t *testing.T) {
	var buf bytes.Buffer
	Configure(Config{Level: "debug", Output: &buf, Service: "conclave-test", Version: "v0.0.0-test"})

	logger := WithComponent("locks")
	logger.Info().Str("event", "lock.acquired").Msg("acquired")

	line := strings.TrimSpace(buf.String())
	var fields map[string]any
	if err := json.Unmarshal([]byte(line), &fields); err != nil {
		t.Fatalf("log line is not JSON: %v (%q)", err, line)
	}
	if fields["service"] != "conclave-test" {
		t.Errorf("service = %v, want conclave-test", fields["service"])
	}
	if fields["component"] != "locks" {
		t.Errorf("component = %v, want locks", fields["component"])
	}
	if fields["event"] != "lock.acquired" {
		t.Errorf("event = %v, want lock.acquired", fields["event"])
	}
	if fields["version"] != "v0.0.0-test" {
		t.Errorf("version = %v, want v0.0.0-test", fields["version"])
	}
}

func TestReconfigureReplacesBase(t *testing.T) {
	var first, second bytes.Buffer
	Configure(Config{Output: &first, Service: "one"})
	Configure(Config{Output: &second, Service: "two"})

	base := Base()
	base.Info().Msg("hello")

	if first.Len() != 0 {
		t.Errorf("first writer received output after reconfigure: %q", first.String())
	}
	if !strings.Contains(second.String(), `"service":"two"`) {
		t.Errorf("second writer missing reconfigured service: %q", second.String())
	}
}

func TestDeriveAddsFields(t *testing.T) {
	var buf bytes.Buffer
	Configure(Config{Output: &buf, Service: "conclave-test"})

	l := Derive(func(c *zerolog.Context) { *c = c.Str("room_id", "r1") })
	l.Info().Msg("derived")

	if !strings.Contains(buf.String(), `"room_id":"r1"`) {
		t.Errorf("derived field missing: %q", buf.String())
	}
}
