package locks

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

func setupRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()

	mr := miniredis.NewMiniRedis()
	if err := mr.Start(); err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func TestWithLockRunsAndReleases(t *testing.T) {
	mr, client := setupRedis(t)
	svc := New(client, zerolog.Nop(), Options{})

	ran := false
	err := svc.WithLock(context.Background(), "room-1", func(ctx context.Context) error {
		ran = true
		if !mr.Exists("lock:room-1") {
			t.Error("lock key missing while task runs")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("WithLock failed: %v", err)
	}
	if !ran {
		t.Fatal("task did not run")
	}
	if mr.Exists("lock:room-1") {
		t.Error("lock key not released after task")
	}
}

func TestWithLockPropagatesTaskError(t *testing.T) {
	_, client := setupRedis(t)
	svc := New(client, zerolog.Nop(), Options{})

	sentinel := errors.New("task exploded")
	err := svc.WithLock(context.Background(), "room-1", func(ctx context.Context) error {
		return sentinel
	})
	if !errors.Is(err, sentinel) {
		t.Errorf("expected task error, got %v", err)
	}
}

func TestWithLockMutualExclusion(t *testing.T) {
	_, client := setupRedis(t)
	svc := New(client, zerolog.Nop(), Options{
		RetryDelay:  5 * time.Millisecond,
		RetryJitter: time.Millisecond,
		Retries:     200,
	})

	var inside atomic.Int32
	var overlaps atomic.Int32
	var wg sync.WaitGroup

	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := svc.WithLock(context.Background(), "shared", func(ctx context.Context) error {
				if inside.Add(1) > 1 {
					overlaps.Add(1)
				}
				time.Sleep(10 * time.Millisecond)
				inside.Add(-1)
				return nil
			})
			if err != nil {
				t.Errorf("WithLock failed: %v", err)
			}
		}()
	}
	wg.Wait()

	if n := overlaps.Load(); n > 0 {
		t.Errorf("critical section overlapped %d times", n)
	}
}

func TestTryWithLockBusy(t *testing.T) {
	_, client := setupRedis(t)
	svc := New(client, zerolog.Nop(), Options{})

	held := make(chan struct{})
	release := make(chan struct{})
	go func() {
		_ = svc.WithLock(context.Background(), "busy-room", func(ctx context.Context) error {
			close(held)
			<-release
			return nil
		})
	}()
	<-held
	defer close(release)

	err := svc.TryWithLock(context.Background(), "busy-room", func(ctx context.Context) error {
		t.Error("task must not run when lock is busy")
		return nil
	})
	if !errors.Is(err, ErrBusy) {
		t.Errorf("expected ErrBusy, got %v", err)
	}
}

func TestWithLockBusyAfterRetries(t *testing.T) {
	_, client := setupRedis(t)
	svc := New(client, zerolog.Nop(), Options{
		Retries:     2,
		RetryDelay:  2 * time.Millisecond,
		RetryJitter: time.Millisecond,
	})

	held := make(chan struct{})
	release := make(chan struct{})
	go func() {
		_ = svc.WithLock(context.Background(), "contested", func(ctx context.Context) error {
			close(held)
			<-release
			return nil
		})
	}()
	<-held
	defer close(release)

	err := svc.WithLock(context.Background(), "contested", func(ctx context.Context) error {
		t.Error("task must not run")
		return nil
	})
	if !errors.Is(err, ErrBusy) {
		t.Errorf("expected ErrBusy after retries, got %v", err)
	}
}

func TestWithLockAbortsWhenLeaseLost(t *testing.T) {
	mr, client := setupRedis(t)
	svc := New(client, zerolog.Nop(), Options{
		Lease:           50 * time.Millisecond,
		ExtendThreshold: 30 * time.Millisecond,
	})

	started := make(chan struct{})
	go func() {
		// Steal the lease out from under the running task.
		<-started
		mr.Del("lock:doomed")
	}()

	err := svc.WithLock(context.Background(), "doomed", func(ctx context.Context) error {
		close(started)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(2 * time.Second):
			return errors.New("task was never aborted")
		}
	})

	if !errors.Is(err, ErrAborted) {
		t.Errorf("expected ErrAborted, got %v", err)
	}
}

func TestWithLockContextCancelledWhileWaiting(t *testing.T) {
	_, client := setupRedis(t)
	svc := New(client, zerolog.Nop(), Options{
		Retries:     100,
		RetryDelay:  10 * time.Millisecond,
		RetryJitter: time.Millisecond,
	})

	held := make(chan struct{})
	release := make(chan struct{})
	go func() {
		_ = svc.WithLock(context.Background(), "r", func(ctx context.Context) error {
			close(held)
			<-release
			return nil
		})
	}()
	<-held
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 25*time.Millisecond)
	defer cancel()

	err := svc.WithLock(ctx, "r", func(ctx context.Context) error { return nil })
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline error, got %v", err)
	}
}
