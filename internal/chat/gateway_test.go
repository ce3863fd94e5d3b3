package chat

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/conclave-rtc/conclave/internal/msgqueue"
)

func newTestGateway(t *testing.T, lockMode string) (*Gateway, *fakeHub, *fakeLocker, *redis.Client) {
	t.Helper()

	_, client := setupRedis(t)
	hub := newFakeHub()
	locker := &fakeLocker{}
	mgr := msgqueue.NewManager(zerolog.Nop(), msgqueue.Options{})
	t.Cleanup(mgr.Destroy)

	g := NewGateway(zerolog.Nop(), GatewayDeps{
		Hub:      hub,
		Locks:    locker,
		Queue:    mgr,
		Durable:  msgqueue.NewDurable(client, zerolog.Nop()),
		LockMode: lockMode,
	})
	return g, hub, locker, client
}

func authedConn(id, user string) *fakeConn {
	c := newFakeConn(id)
	c.SetUserID(user)
	return c
}

func TestSendDeliversAndAcks(t *testing.T) {
	g, hub, locker, client := newTestGateway(t, LockModeBlock)
	conn := authedConn("s1", "u1")

	raw := json.RawMessage(`{"id":"m1","jobId":"job-1","timestamp":1000,"mimeType":"text/plain","encryptedContent":{"body":"c1"},"merkleLeaf":"leaf"}`)
	res, err := g.Send(context.Background(), conn, raw)
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	ack, ok := res.(SendAck)
	if !ok {
		t.Fatalf("expected SendAck, got %T", res)
	}
	if !ack.Success || ack.MessageID != "m1" || ack.Timestamp != 1000 {
		t.Fatalf("unexpected ack: %+v", ack)
	}

	news := hub.byEvent("contract:message.new")
	if len(news) != 1 {
		t.Fatalf("expected 1 broadcast, got %d", len(news))
	}
	if news[0].Room != "job-1" {
		t.Errorf("broadcast to room %q, want job-1", news[0].Room)
	}
	got, ok := news[0].Payload.(json.RawMessage)
	if !ok || string(got) != string(raw) {
		t.Errorf("broadcast payload not passed through: %s", news[0].Payload)
	}

	if n := client.LLen(context.Background(), "queue:messages:wait").Val(); n != 1 {
		t.Errorf("durable queue length = %d, want 1", n)
	}
	if calls := locker.recorded(); len(calls) != 1 || calls[0] != "with:job-1" {
		t.Errorf("lock calls = %v, want [with:job-1]", calls)
	}
}

func TestSendDuplicateSuppressed(t *testing.T) {
	g, hub, _, client := newTestGateway(t, LockModeBlock)
	conn := authedConn("s1", "u1")

	raw := json.RawMessage(`{"id":"m1","jobId":"job-1","timestamp":1000,"encryptedContent":{"body":"c1"}}`)
	if _, err := g.Send(context.Background(), conn, raw); err != nil {
		t.Fatalf("first Send failed: %v", err)
	}
	res, err := g.Send(context.Background(), conn, raw)
	if err != nil {
		t.Fatalf("second Send failed: %v", err)
	}

	dup, ok := res.(DuplicateAck)
	if !ok {
		t.Fatalf("expected DuplicateAck, got %T", res)
	}
	if !dup.Delivered || !dup.Duplicate || dup.MessageID != "m1" {
		t.Fatalf("unexpected duplicate ack: %+v", dup)
	}

	if n := len(hub.byEvent("contract:message.new")); n != 1 {
		t.Errorf("broadcast count = %d, want 1 (duplicate must not fan out)", n)
	}
	if n := client.LLen(context.Background(), "queue:messages:wait").Val(); n != 1 {
		t.Errorf("durable queue length = %d, want 1", n)
	}
}

func TestSendValidation(t *testing.T) {
	g, _, _, _ := newTestGateway(t, LockModeBlock)
	conn := authedConn("s1", "u1")

	cases := []struct {
		name string
		raw  string
	}{
		{"missing jobId", `{"id":"m1","encryptedContent":{"body":"c1"}}`},
		{"missing content", `{"id":"m1","jobId":"job-1"}`},
		{"empty body", `{"id":"m1","jobId":"job-1","encryptedContent":{"body":""}}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := g.Send(context.Background(), conn, json.RawMessage(tc.raw))
			if !errors.Is(err, ErrInvalidMessage) {
				t.Fatalf("err = %v, want ErrInvalidMessage", err)
			}
		})
	}
}

func TestSendRequiresAuth(t *testing.T) {
	g, _, _, _ := newTestGateway(t, LockModeBlock)
	conn := newFakeConn("s1") // never authenticated

	raw := json.RawMessage(`{"id":"m1","jobId":"job-1","encryptedContent":{"body":"c1"}}`)
	if _, err := g.Send(context.Background(), conn, raw); !errors.Is(err, ErrUnauthenticated) {
		t.Fatalf("err = %v, want ErrUnauthenticated", err)
	}
}

func TestSendGeneratesMessageIDAndTimestamp(t *testing.T) {
	g, _, _, _ := newTestGateway(t, LockModeBlock)
	conn := authedConn("s1", "u1")

	raw := json.RawMessage(`{"jobId":"job-1","encryptedContent":{"body":"c1"}}`)
	res, err := g.Send(context.Background(), conn, raw)
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	ack := res.(SendAck)
	if ack.MessageID == "" {
		t.Error("expected generated message id")
	}
	if ack.Timestamp == 0 {
		t.Error("expected server-side timestamp")
	}
}

func TestSendTryModeBusy(t *testing.T) {
	g, hub, locker, client := newTestGateway(t, LockModeTry)
	locker.busy = true
	conn := authedConn("s1", "u1")

	raw := json.RawMessage(`{"id":"m1","jobId":"job-1","encryptedContent":{"body":"c1"}}`)
	res, err := g.Send(context.Background(), conn, raw)
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	busy, ok := res.(BusyAck)
	if !ok {
		t.Fatalf("expected BusyAck, got %T", res)
	}
	if busy.OK || busy.Error != "RESOURCE_BUSY" {
		t.Fatalf("unexpected busy ack: %+v", busy)
	}

	if n := len(hub.byEvent("contract:message.new")); n != 0 {
		t.Errorf("busy send must not broadcast, got %d", n)
	}
	if client.Exists(context.Background(), "msg:idem:m1").Val() != 0 {
		t.Error("busy send must not touch the durable queue")
	}
}

func TestSendTryModeDeliversWhenFree(t *testing.T) {
	g, _, locker, _ := newTestGateway(t, LockModeTry)
	conn := authedConn("s1", "u1")

	raw := json.RawMessage(`{"id":"m1","jobId":"job-1","encryptedContent":{"body":"c1"}}`)
	res, err := g.Send(context.Background(), conn, raw)
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if _, ok := res.(SendAck); !ok {
		t.Fatalf("expected SendAck, got %T", res)
	}
	if calls := locker.recorded(); len(calls) != 1 || calls[0] != "try:job-1" {
		t.Errorf("lock calls = %v, want [try:job-1]", calls)
	}
}

func TestFanoutEvents(t *testing.T) {
	cases := []struct {
		inbound  string
		outbound string
	}{
		{"contract:message.pin", "contract:message.pinned"},
		{"contract:message.unpin", "contract:message.unpinned"},
		{"contract:message.read", "contract:message.read"},
	}
	for _, tc := range cases {
		t.Run(tc.inbound, func(t *testing.T) {
			g, hub, locker, _ := newTestGateway(t, LockModeBlock)
			conn := authedConn("s1", "u1")
			handler := g.Routes()[tc.inbound]

			raw := json.RawMessage(`{"jobId":"job-1","messageId":"m1"}`)
			res, err := handler(context.Background(), conn, raw)
			if err != nil {
				t.Fatalf("%s failed: %v", tc.inbound, err)
			}
			if ack, ok := res.(OKAck); !ok || !ack.OK {
				t.Fatalf("unexpected ack: %+v", res)
			}

			evs := hub.byEvent(tc.outbound)
			if len(evs) != 1 || evs[0].Room != "job-1" {
				t.Fatalf("fanout events = %+v, want one to job-1", evs)
			}
			if got := evs[0].Payload.(json.RawMessage); string(got) != string(raw) {
				t.Errorf("payload not passed through: %s", got)
			}
			if calls := locker.recorded(); len(calls) != 1 || calls[0] != "with:job-1" {
				t.Errorf("lock calls = %v, want [with:job-1]", calls)
			}
		})
	}
}

func TestTypingExcludesSenderAndSkipsLock(t *testing.T) {
	g, hub, locker, _ := newTestGateway(t, LockModeBlock)
	conn := authedConn("s1", "u1")

	raw := json.RawMessage(`{"jobId":"job-1"}`)
	if _, err := g.Typing(context.Background(), conn, raw); err != nil {
		t.Fatalf("Typing failed: %v", err)
	}

	evs := hub.byEvent("contract:message.typing")
	if len(evs) != 1 {
		t.Fatalf("expected 1 typing broadcast, got %d", len(evs))
	}
	if len(evs[0].Exclude) != 1 || evs[0].Exclude[0] != "s1" {
		t.Errorf("exclude = %v, want [s1]", evs[0].Exclude)
	}
	if calls := locker.recorded(); len(calls) != 0 {
		t.Errorf("typing must not lock, got %v", calls)
	}
}

func TestRoomJoinLeave(t *testing.T) {
	g, hub, _, _ := newTestGateway(t, LockModeBlock)
	conn := authedConn("s1", "u1")

	res, err := g.RoomJoin(context.Background(), conn, json.RawMessage(`{"roomId":"job-7"}`))
	if err != nil {
		t.Fatalf("RoomJoin failed: %v", err)
	}
	if ack := res.(RoomAck); ack.RoomID != "job-7" {
		t.Fatalf("unexpected join ack: %+v", ack)
	}
	if !hub.inRoom("job-7", "s1") {
		t.Error("socket not in room after join")
	}

	// Message events name the room jobId; join accepts that too.
	if _, err := g.RoomJoin(context.Background(), conn, json.RawMessage(`{"jobId":"job-8"}`)); err != nil {
		t.Fatalf("RoomJoin by jobId failed: %v", err)
	}
	if !hub.inRoom("job-8", "s1") {
		t.Error("socket not in room after jobId join")
	}

	res, err = g.RoomLeave(context.Background(), conn, json.RawMessage(`{"roomId":"job-7"}`))
	if err != nil {
		t.Fatalf("RoomLeave failed: %v", err)
	}
	if ack := res.(LeaveAck); !ack.Left {
		t.Fatalf("unexpected leave ack: %+v", ack)
	}
	if hub.inRoom("job-7", "s1") {
		t.Error("socket still in room after leave")
	}

	if _, err := g.RoomJoin(context.Background(), conn, json.RawMessage(`{}`)); !errors.Is(err, ErrMissingRoom) {
		t.Fatalf("err = %v, want ErrMissingRoom", err)
	}
}

func TestNotifyJobStatus(t *testing.T) {
	g, hub, _, _ := newTestGateway(t, LockModeBlock)

	update := g.NotifyJobStatus("job-1", "pending", "active", json.RawMessage(`[{"tx":"0xabc"}]`))
	if update.EventID == "" {
		t.Error("expected generated event id")
	}
	if update.Timestamp == 0 {
		t.Error("expected timestamp")
	}
	if update.Source != "conclave" || update.JobID != "job-1" ||
		update.PreviousStatus != "pending" || update.NewStatus != "active" {
		t.Fatalf("unexpected update: %+v", update)
	}

	evs := hub.byEvent("notification:job.status.updated")
	if len(evs) != 1 || evs[0].Room != "job-1" {
		t.Fatalf("notification events = %+v, want one to job-1", evs)
	}
	if got := evs[0].Payload.(JobStatusUpdate); got.EventID != update.EventID {
		t.Errorf("broadcast payload differs from returned update")
	}
}
