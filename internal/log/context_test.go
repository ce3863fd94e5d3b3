package log

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"
)

func TestContextRoundTrips(t *testing.T) {
	tests := []struct {
		name string
		with func(context.Context, string) context.Context
		from func(context.Context) string
	}{
		{"room", ContextWithRoomID, RoomIDFromContext},
		{"job", ContextWithJobID, JobIDFromContext},
		{"socket", ContextWithSocketID, SocketIDFromContext},
		{"user", ContextWithUserID, UserIDFromContext},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := tt.with(context.Background(), "id-1")
			if got := tt.from(ctx); got != "id-1" {
				t.Errorf("round trip = %q, want id-1", got)
			}
			if got := tt.from(context.Background()); got != "" {
				t.Errorf("empty context = %q, want empty", got)
			}
			// nil context must not panic and must store the value
			ctx = tt.with(nil, "id-2") //nolint:staticcheck
			if got := tt.from(ctx); got != "id-2" {
				t.Errorf("nil-context store = %q, want id-2", got)
			}
		})
	}
}

func TestWithContextEnrichesFields(t *testing.T) {
	var buf bytes.Buffer
	Configure(Config{Output: &buf, Service: "conclave-test"})

	ctx := ContextWithRoomID(context.Background(), "r9")
	ctx = ContextWithSocketID(ctx, "s9")

	l := WithContext(ctx, Base())
	l.Info().Msg("enriched")

	var fields map[string]any
	if err := json.Unmarshal(buf.Bytes(), &fields); err != nil {
		t.Fatalf("not JSON: %v", err)
	}
	if fields["room_id"] != "r9" || fields["socket_id"] != "s9" {
		t.Errorf("missing correlation fields: %v", fields)
	}
}

func TestWithContextNoFieldsReturnsSameLogger(t *testing.T) {
	var buf bytes.Buffer
	Configure(Config{Output: &buf, Service: "conclave-test"})

	l := WithContext(context.Background(), Base())
	l.Info().Msg("plain")

	if bytes.Contains(buf.Bytes(), []byte("room_id")) {
		t.Errorf("unexpected correlation fields: %q", buf.String())
	}
}
