package msgqueue

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

func setupDurable(t *testing.T) (*miniredis.Miniredis, *Durable) {
	t.Helper()

	mr := miniredis.NewMiniRedis()
	if err := mr.Start(); err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, NewDurable(client, zerolog.Nop())
}

type testMessage struct {
	MessageID string `json:"messageId"`
	JobID     string `json:"jobId"`
	Body      string `json:"body"`
}

func TestDurableEnqueue(t *testing.T) {
	mr, d := setupDurable(t)
	ctx := context.Background()

	msg := testMessage{MessageID: "m-1", JobID: "job-1", Body: "ciphertext"}
	dup, err := d.Enqueue(ctx, msg.MessageID, msg.JobID, msg)
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	if dup {
		t.Fatal("first enqueue reported duplicate")
	}

	if !mr.Exists("msg:idem:m-1") {
		t.Error("idempotency key missing")
	}
	if ttl := mr.TTL("msg:idem:m-1"); ttl <= 0 {
		t.Errorf("idempotency key has no TTL: %v", ttl)
	}

	entries, err := mr.List(waitList)
	if err != nil {
		t.Fatalf("reading wait list: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("wait list has %d entries, want 1", len(entries))
	}

	var envelope jobEnvelope
	if err := json.Unmarshal([]byte(entries[0]), &envelope); err != nil {
		t.Fatalf("envelope is not JSON: %v", err)
	}
	if envelope.Name != "message.created" {
		t.Errorf("name = %q", envelope.Name)
	}
	if envelope.Opts.JobID != "m-1" {
		t.Errorf("opts.jobId = %q, want message id", envelope.Opts.JobID)
	}
	if envelope.Opts.Attempts != 5 {
		t.Errorf("attempts = %d", envelope.Opts.Attempts)
	}
	if envelope.Opts.Backoff.Type != "exponential" || envelope.Opts.Backoff.Delay != 2000 {
		t.Errorf("backoff = %+v", envelope.Opts.Backoff)
	}
	if envelope.Opts.RemoveOnComplete.Age != 3600 || envelope.Opts.RemoveOnFail.Age != 86400 {
		t.Errorf("retention = %+v / %+v", envelope.Opts.RemoveOnComplete, envelope.Opts.RemoveOnFail)
	}
	if envelope.Timestamp == 0 {
		t.Error("timestamp not set")
	}

	var data testMessage
	if err := json.Unmarshal(envelope.Data, &data); err != nil {
		t.Fatalf("data is not the message: %v", err)
	}
	if data.Body != "ciphertext" {
		t.Errorf("data.body = %q", data.Body)
	}
}

func TestDurableEnqueueDuplicate(t *testing.T) {
	mr, d := setupDurable(t)
	ctx := context.Background()

	msg := testMessage{MessageID: "m-1", JobID: "job-1", Body: "x"}
	if _, err := d.Enqueue(ctx, msg.MessageID, msg.JobID, msg); err != nil {
		t.Fatal(err)
	}
	dup, err := d.Enqueue(ctx, msg.MessageID, msg.JobID, msg)
	if err != nil {
		t.Fatalf("second enqueue failed: %v", err)
	}
	if !dup {
		t.Error("second enqueue not flagged duplicate")
	}

	entries, _ := mr.List(waitList)
	if len(entries) != 1 {
		t.Errorf("duplicate enqueue pushed a second entry: %d", len(entries))
	}
}

func TestDurableEnqueueEmptyID(t *testing.T) {
	_, d := setupDurable(t)

	if _, err := d.Enqueue(context.Background(), "", "job-1", testMessage{}); err == nil {
		t.Error("expected error for empty message id")
	}
}
