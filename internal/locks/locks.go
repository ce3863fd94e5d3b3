// Package locks provides resource-scoped mutual exclusion backed by redis
// leases. Every lock is a single key `lock:<resource>` holding a random
// owner token; a watchdog extends the lease while the task runs and aborts
// the task if the lease is lost.
package locks

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"

	"github.com/conclave-rtc/conclave/internal/metrics"
	"github.com/conclave-rtc/conclave/internal/telemetry"
)

var (
	// ErrBusy is returned by TryWithLock when the resource is already held.
	ErrBusy = errors.New("resource busy")

	// ErrAborted is returned when the lease was lost while the task ran.
	ErrAborted = errors.New("lock lease lost")
)

const keyPrefix = "lock:"

// releaseScript deletes the lock only if we still own it.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
  return redis.call("del", KEYS[1])
else
  return 0
end`)

// extendScript refreshes the lease only if we still own it.
var extendScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
  return redis.call("pexpire", KEYS[1], ARGV[2])
else
  return 0
end`)

// Options tune lease and retry behavior. Zero values take defaults.
type Options struct {
	Lease           time.Duration // lease duration, default 10s
	ExtendThreshold time.Duration // extend this long before expiry, default 500ms
	Retries         int           // blocking acquisition retries, default 10
	RetryDelay      time.Duration // base delay between retries, default 200ms
	RetryJitter     time.Duration // +/- jitter on the delay, default 100ms
}

func (o *Options) withDefaults() {
	if o.Lease <= 0 {
		o.Lease = 10 * time.Second
	}
	if o.ExtendThreshold <= 0 {
		o.ExtendThreshold = 500 * time.Millisecond
	}
	if o.Retries <= 0 {
		o.Retries = 10
	}
	if o.RetryDelay <= 0 {
		o.RetryDelay = 200 * time.Millisecond
	}
	if o.RetryJitter <= 0 {
		o.RetryJitter = 100 * time.Millisecond
	}
}

// Service acquires and supervises redis leases.
type Service struct {
	rdb    *redis.Client
	logger zerolog.Logger
	opts   Options
}

// New creates a lock service on the shared redis client.
func New(rdb *redis.Client, logger zerolog.Logger, opts Options) *Service {
	opts.withDefaults()
	return &Service{rdb: rdb, logger: logger, opts: opts}
}

// WithLock runs task while holding the lock for resource, retrying
// acquisition with jittered delays before giving up with ErrBusy. The task
// context is cancelled if the lease is lost mid-task; WithLock then returns
// ErrAborted regardless of the task's own result.
func (s *Service) WithLock(ctx context.Context, resource string, task func(ctx context.Context) error) error {
	start := time.Now()
	key := keyPrefix + resource
	token := uuid.NewString()

	ctx, span := telemetry.Tracer("conclave.locks").Start(ctx, "locks.with_lock")
	span.SetAttributes(attribute.String(telemetry.LockResourceKey, resource))
	defer span.End()

	for attempt := 0; ; attempt++ {
		ok, err := s.rdb.SetNX(ctx, key, token, s.opts.Lease).Result()
		if err != nil {
			metrics.ObserveLockAcquire("error", time.Since(start))
			return fmt.Errorf("lock %s: acquire: %w", resource, err)
		}
		if ok {
			break
		}
		if attempt >= s.opts.Retries {
			metrics.ObserveLockAcquire("busy", time.Since(start))
			return fmt.Errorf("lock %s: %w", resource, ErrBusy)
		}
		select {
		case <-ctx.Done():
			metrics.ObserveLockAcquire("timeout", time.Since(start))
			return fmt.Errorf("lock %s: %w", resource, ctx.Err())
		case <-time.After(s.jitteredDelay()):
		}
	}

	metrics.ObserveLockAcquire("acquired", time.Since(start))
	return s.supervise(ctx, resource, key, token, task)
}

// TryWithLock runs task only if the lock is immediately available, otherwise
// it returns ErrBusy without retrying.
func (s *Service) TryWithLock(ctx context.Context, resource string, task func(ctx context.Context) error) error {
	start := time.Now()
	key := keyPrefix + resource
	token := uuid.NewString()

	ok, err := s.rdb.SetNX(ctx, key, token, s.opts.Lease).Result()
	if err != nil {
		metrics.ObserveLockAcquire("error", time.Since(start))
		return fmt.Errorf("lock %s: acquire: %w", resource, err)
	}
	if !ok {
		metrics.ObserveLockAcquire("busy", time.Since(start))
		return fmt.Errorf("lock %s: %w", resource, ErrBusy)
	}

	metrics.ObserveLockAcquire("acquired", time.Since(start))
	return s.supervise(ctx, resource, key, token, task)
}

// supervise runs the task under an extension watchdog and releases the lease
// afterwards. The watchdog is detached before release so teardown never
// observes its own delete as a lost lease.
func (s *Service) supervise(ctx context.Context, resource, key, token string, task func(ctx context.Context) error) error {
	taskCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	stop := make(chan struct{})
	watchdogDone := make(chan struct{})
	go s.watchdog(taskCtx, resource, key, token, cancel, stop, watchdogDone)

	taskErr := task(taskCtx)

	close(stop)
	<-watchdogDone

	aborted := errors.Is(context.Cause(taskCtx), ErrAborted)

	// Release with a context that survives task cancellation.
	releaseCtx, releaseCancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
	defer releaseCancel()
	if err := s.release(releaseCtx, key, token); err != nil && !aborted {
		s.logger.Warn().
			Err(err).
			Str("event", "lock.release_failed").
			Str("resource", resource).
			Msg("failed to release lock")
	}

	if aborted {
		metrics.LockAbortsTotal.Inc()
		return fmt.Errorf("lock %s: %w", resource, ErrAborted)
	}
	return taskErr
}

func (s *Service) watchdog(ctx context.Context, resource, key, token string, cancel context.CancelCauseFunc, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	interval := s.opts.Lease - s.opts.ExtendThreshold
	if interval <= 0 {
		interval = s.opts.Lease / 2
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			extendCtx, extendCancel := context.WithTimeout(ctx, 2*time.Second)
			ok, err := s.extend(extendCtx, key, token)
			extendCancel()
			if err != nil || !ok {
				s.logger.Warn().
					Err(err).
					Str("event", "lock.lease_lost").
					Str("resource", resource).
					Bool("owned", ok).
					Msg("lease lost, aborting task")
				cancel(ErrAborted)
				return
			}
			metrics.LockExtensionsTotal.Inc()
		}
	}
}

func (s *Service) extend(ctx context.Context, key, token string) (bool, error) {
	n, err := extendScript.Run(ctx, s.rdb, []string{key}, token, s.opts.Lease.Milliseconds()).Int64()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *Service) release(ctx context.Context, key, token string) error {
	return releaseScript.Run(ctx, s.rdb, []string{key}, token).Err()
}

func (s *Service) jitteredDelay() time.Duration {
	jitter := time.Duration(rand.Int64N(int64(2*s.opts.RetryJitter))) - s.opts.RetryJitter
	return s.opts.RetryDelay + jitter
}
