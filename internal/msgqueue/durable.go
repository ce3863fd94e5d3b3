package msgqueue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/conclave-rtc/conclave/internal/metrics"
)

const (
	idemKeyPrefix = "msg:idem:"
	idemTTL       = time.Hour
	waitList      = "queue:messages:wait"
	jobName       = "message.created"
)

// jobEnvelope is the queue entry shape consumed out-of-process by the
// ingestion workers (BullMQ-compatible).
type jobEnvelope struct {
	Name      string          `json:"name"`
	Data      json.RawMessage `json:"data"`
	Opts      jobOpts         `json:"opts"`
	Timestamp int64           `json:"timestamp"`
}

type jobOpts struct {
	JobID            string     `json:"jobId"`
	Attempts         int        `json:"attempts"`
	Backoff          jobBackoff `json:"backoff"`
	RemoveOnComplete jobKeep    `json:"removeOnComplete"`
	RemoveOnFail     jobKeep    `json:"removeOnFail"`
}

type jobBackoff struct {
	Type  string `json:"type"`
	Delay int    `json:"delay"`
}

type jobKeep struct {
	Age int `json:"age"`
}

// Durable pushes chat messages onto the redis-backed ingestion queue with
// per-message idempotency.
type Durable struct {
	rdb    *redis.Client
	logger zerolog.Logger
}

func NewDurable(rdb *redis.Client, logger zerolog.Logger) *Durable {
	return &Durable{rdb: rdb, logger: logger}
}

// Enqueue persists one message for ingestion. Returns isDuplicate=true when
// the message id was seen within the idempotency window; the message is then
// NOT enqueued again.
func (d *Durable) Enqueue(ctx context.Context, messageID, jobID string, payload any) (bool, error) {
	if messageID == "" {
		metrics.IncMessageEnqueued("error")
		return false, fmt.Errorf("durable enqueue: empty message id")
	}

	marker, err := json.Marshal(map[string]string{"jobId": jobID})
	if err != nil {
		return false, fmt.Errorf("durable enqueue %s: %w", messageID, err)
	}

	ok, err := d.rdb.SetNX(ctx, idemKeyPrefix+messageID, marker, idemTTL).Result()
	if err != nil {
		metrics.IncMessageEnqueued("error")
		return false, fmt.Errorf("durable enqueue %s: idempotency check: %w", messageID, err)
	}
	if !ok {
		d.logger.Debug().
			Str("event", "msgqueue.duplicate").
			Str("message_id", messageID).
			Str("job_id", jobID).
			Msg("duplicate message suppressed")
		metrics.IncMessageEnqueued("duplicate")
		return true, nil
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return false, fmt.Errorf("durable enqueue %s: marshal payload: %w", messageID, err)
	}

	envelope, err := json.Marshal(jobEnvelope{
		Name: jobName,
		Data: data,
		Opts: jobOpts{
			JobID:            messageID,
			Attempts:         5,
			Backoff:          jobBackoff{Type: "exponential", Delay: 2000},
			RemoveOnComplete: jobKeep{Age: 3600},
			RemoveOnFail:     jobKeep{Age: 86400},
		},
		Timestamp: time.Now().UnixMilli(),
	})
	if err != nil {
		return false, fmt.Errorf("durable enqueue %s: marshal envelope: %w", messageID, err)
	}

	if err := d.rdb.LPush(ctx, waitList, envelope).Err(); err != nil {
		metrics.IncMessageEnqueued("error")
		return false, fmt.Errorf("durable enqueue %s: push: %w", messageID, err)
	}

	metrics.IncMessageEnqueued("ok")
	return false, nil
}
