package rtc

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

// fakeWorkerConn wires a channel to an in-process peer standing in for the
// worker binary.
type fakeWorkerConn struct {
	ch   *channel
	reqs *bufio.Reader
	resp net.Conn
}

func newFakeWorkerConn(t *testing.T) *fakeWorkerConn {
	t.Helper()

	reqOurs, reqTheirs := net.Pipe()
	respTheirs, respOurs := net.Pipe()

	ch := newChannel(reqOurs, respOurs, zerolog.Nop())
	t.Cleanup(ch.close)
	t.Cleanup(func() {
		_ = reqTheirs.Close()
		_ = respTheirs.Close()
	})

	return &fakeWorkerConn{
		ch:   ch,
		reqs: bufio.NewReader(reqTheirs),
		resp: respTheirs,
	}
}

func (f *fakeWorkerConn) readRequest(t *testing.T) channelRequest {
	t.Helper()
	payload, err := readNetstring(f.reqs)
	if err != nil {
		t.Fatalf("reading request: %v", err)
	}
	var req channelRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		t.Fatalf("request is not JSON: %v", err)
	}
	return req
}

func (f *fakeWorkerConn) send(t *testing.T, raw string) {
	t.Helper()
	frame := fmt.Sprintf("%d:%s,", len(raw), raw)
	if _, err := f.resp.Write([]byte(frame)); err != nil {
		t.Fatalf("writing response: %v", err)
	}
}

func TestChannelRequestResponse(t *testing.T) {
	f := newFakeWorkerConn(t)

	go func() {
		req := f.readRequest(t)
		if req.Method != "worker.getResourceUsage" {
			t.Errorf("method = %q", req.Method)
		}
		f.send(t, fmt.Sprintf(`{"id":%d,"accepted":true,"data":{"ru_utime":12.5,"ru_stime":3}}`, req.ID))
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	data, err := f.ch.request(ctx, "worker.getResourceUsage", nil, nil)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}

	var usage ResourceUsage
	if err := json.Unmarshal(data, &usage); err != nil {
		t.Fatalf("bad data: %v", err)
	}
	if usage.UserTime != 12.5 || usage.SystemTime != 3 {
		t.Errorf("usage = %+v", usage)
	}
}

func TestChannelCarriesInternalAndData(t *testing.T) {
	f := newFakeWorkerConn(t)

	done := make(chan channelRequest, 1)
	go func() {
		req := f.readRequest(t)
		done <- req
		f.send(t, fmt.Sprintf(`{"id":%d,"accepted":true}`, req.ID))
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := f.ch.request(ctx, "router.createWebRtcTransport",
		map[string]string{"routerId": "r1", "transportId": "t1"},
		map[string]any{"enableUdp": true})
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}

	req := <-done
	if req.Internal["routerId"] != "r1" || req.Internal["transportId"] != "t1" {
		t.Errorf("internal = %v", req.Internal)
	}
}

func TestChannelWorkerRejection(t *testing.T) {
	f := newFakeWorkerConn(t)

	go func() {
		req := f.readRequest(t)
		f.send(t, fmt.Sprintf(`{"id":%d,"error":"Error","reason":"no such producer"}`, req.ID))
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := f.ch.request(ctx, "transport.consume", nil, nil)

	var werr *WorkerError
	if !errors.As(err, &werr) {
		t.Fatalf("expected WorkerError, got %v", err)
	}
	if werr.Reason != "no such producer" {
		t.Errorf("reason = %q", werr.Reason)
	}
}

func TestChannelNotificationDispatch(t *testing.T) {
	f := newFakeWorkerConn(t)

	got := make(chan string, 1)
	f.ch.subscribe("observer-1", func(event string, data json.RawMessage) {
		if event != "dominantspeaker" {
			return
		}
		var payload struct {
			ProducerID string `json:"producerId"`
		}
		_ = json.Unmarshal(data, &payload)
		got <- payload.ProducerID
	})

	f.send(t, `{"targetId":"observer-1","event":"dominantspeaker","data":{"producerId":"p-42"}}`)

	select {
	case pid := <-got:
		if pid != "p-42" {
			t.Errorf("producer id = %q", pid)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("notification never dispatched")
	}
}

func TestChannelClosedFailsPending(t *testing.T) {
	f := newFakeWorkerConn(t)

	errCh := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_, err := f.ch.request(ctx, "worker.dump", nil, nil)
		errCh <- err
	}()

	// Swallow the request, then drop the channel.
	_ = f.readRequest(t)
	f.ch.close()

	select {
	case err := <-errCh:
		if !errors.Is(err, ErrChannelClosed) {
			t.Errorf("expected ErrChannelClosed, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("pending request never failed")
	}
}

func TestChannelContextCancellation(t *testing.T) {
	f := newFakeWorkerConn(t)

	go func() {
		_ = f.readRequest(t) // never respond
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := f.ch.request(ctx, "worker.dump", nil, nil)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline error, got %v", err)
	}
}

func TestReadNetstring(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    string
		wantErr bool
	}{
		{"simple", "5:hello,", "hello", false},
		{"empty payload", "0:,", "", false},
		{"json payload", `18:{"id":1,"ok":true},`, `{"id":1,"ok":true}`, false},
		{"missing comma", "5:hello!", "", true},
		{"bad length", "x:hello,", "", true},
		{"negative length", "-1:,", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := readNetstring(bufio.NewReader(strings.NewReader(tt.input)))
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error, got %q", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if string(got) != tt.want {
				t.Errorf("payload = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestWriteFraming(t *testing.T) {
	ours, theirs := net.Pipe()
	respTheirs, respOurs := net.Pipe()
	ch := newChannel(ours, respOurs, zerolog.Nop())
	t.Cleanup(ch.close)
	t.Cleanup(func() { _ = theirs.Close(); _ = respTheirs.Close() })

	go func() {
		_ = ch.write([]byte(`{"id":1}`))
	}()

	buf := make([]byte, 64)
	n, err := theirs.Read(buf)
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if got := string(buf[:n]); got != `8:{"id":1},` {
		t.Errorf("wire frame = %q", got)
	}
}
