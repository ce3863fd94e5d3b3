// Package msgqueue serializes chat work per conversation. Each jobId owns an
// in-memory FIFO ordered by message timestamp with a single runner, so at
// most one task executes per conversation while different conversations
// proceed concurrently. A durable redis queue (durable.go) backs ingestion.
package msgqueue

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/conclave-rtc/conclave/internal/metrics"
)

// Task is one unit of ordered conversation work.
type Task func(ctx context.Context) error

type item struct {
	timestamp int64
	ctx       context.Context
	task      Task
	done      chan error // buffered, runner never blocks on it
}

type jobQueue struct {
	mu            sync.Mutex
	items         []item
	processing    bool
	lastProcessed int64
	lastActivity  time.Time
}

// Options tune the manager. Zero values take defaults.
type Options struct {
	// IdleTTL is both the sweep interval and the age after which an empty,
	// idle queue is dropped. Default 5 minutes.
	IdleTTL time.Duration
}

// Manager owns the per-conversation queues and the idle sweeper.
type Manager struct {
	mu     sync.Mutex
	queues map[string]*jobQueue

	idleTTL time.Duration
	logger  zerolog.Logger

	stopOnce sync.Once
	stop     chan struct{}
}

func NewManager(logger zerolog.Logger, opts Options) *Manager {
	if opts.IdleTTL <= 0 {
		opts.IdleTTL = 5 * time.Minute
	}
	m := &Manager{
		queues:  make(map[string]*jobQueue),
		idleTTL: opts.IdleTTL,
		logger:  logger,
		stop:    make(chan struct{}),
	}
	go m.sweeper()
	return m
}

// Dispatch enqueues task for jobID ordered by timestamp and waits for its
// result. Tasks of one jobID never overlap; tasks for older timestamps that
// arrive late still run, with a warning.
func (m *Manager) Dispatch(ctx context.Context, jobID string, timestamp int64, task Task) error {
	q := m.queue(jobID)

	it := item{
		timestamp: timestamp,
		ctx:       ctx,
		task:      task,
		done:      make(chan error, 1),
	}

	q.mu.Lock()
	q.items = append(q.items, it)
	// Stable: equal timestamps keep arrival order.
	sort.SliceStable(q.items, func(i, j int) bool {
		return q.items[i].timestamp < q.items[j].timestamp
	})
	q.lastActivity = time.Now()
	startRunner := !q.processing
	if startRunner {
		q.processing = true
	}
	q.mu.Unlock()

	if startRunner {
		go m.run(jobID, q)
	}

	select {
	case err := <-it.done:
		return err
	case <-ctx.Done():
		// The task still runs in order; only the waiter gives up.
		return ctx.Err()
	}
}

// run drains the queue until empty, then parks. Exactly one runner exists
// per queue while processing is true.
func (m *Manager) run(jobID string, q *jobQueue) {
	for {
		q.mu.Lock()
		if len(q.items) == 0 {
			q.processing = false
			q.lastActivity = time.Now()
			q.mu.Unlock()
			return
		}
		it := q.items[0]
		q.items = q.items[1:]
		last := q.lastProcessed
		q.mu.Unlock()

		if it.timestamp < last {
			m.logger.Warn().
				Str("event", "msgqueue.late_arrival").
				Str("job_id", jobID).
				Int64("timestamp", it.timestamp).
				Int64("last_processed", last).
				Msg("message arrived out of order, executing anyway")
			metrics.MessageLateArrivalsTotal.Inc()
		}

		start := time.Now()
		err := it.task(it.ctx)
		metrics.MessageDispatchDuration.Observe(time.Since(start).Seconds())

		q.mu.Lock()
		if it.timestamp > q.lastProcessed {
			q.lastProcessed = it.timestamp
		}
		q.lastActivity = time.Now()
		q.mu.Unlock()

		it.done <- err
	}
}

func (m *Manager) queue(jobID string) *jobQueue {
	m.mu.Lock()
	defer m.mu.Unlock()

	q, ok := m.queues[jobID]
	if !ok {
		q = &jobQueue{lastActivity: time.Now()}
		m.queues[jobID] = q
		metrics.MessageQueuesActive.Set(float64(len(m.queues)))
	}
	return q
}

// PendingCount reports queued-but-unprocessed tasks for a conversation.
func (m *Manager) PendingCount(jobID string) int {
	m.mu.Lock()
	q, ok := m.queues[jobID]
	m.mu.Unlock()
	if !ok {
		return 0
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// IsProcessing reports whether a runner is currently executing for jobID.
func (m *Manager) IsProcessing(jobID string) bool {
	m.mu.Lock()
	q, ok := m.queues[jobID]
	m.mu.Unlock()
	if !ok {
		return false
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.processing
}

// LastProcessedTimestamp returns the newest timestamp executed for jobID.
func (m *Manager) LastProcessedTimestamp(jobID string) int64 {
	m.mu.Lock()
	q, ok := m.queues[jobID]
	m.mu.Unlock()
	if !ok {
		return 0
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.lastProcessed
}

// QueueCount reports how many conversation queues are held in memory.
func (m *Manager) QueueCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queues)
}

func (m *Manager) sweeper() {
	ticker := time.NewTicker(m.idleTTL)
	defer ticker.Stop()

	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			m.sweep()
		}
	}
}

// sweep drops queues that are empty, idle and older than the TTL.
func (m *Manager) sweep() {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	removed := 0
	for jobID, q := range m.queues {
		q.mu.Lock()
		idle := len(q.items) == 0 && !q.processing && now.Sub(q.lastActivity) > m.idleTTL
		q.mu.Unlock()
		if idle {
			delete(m.queues, jobID)
			removed++
		}
	}
	if removed > 0 {
		m.logger.Debug().
			Str("event", "msgqueue.swept").
			Int("removed", removed).
			Int("remaining", len(m.queues)).
			Msg("idle conversation queues removed")
	}
	metrics.MessageQueuesActive.Set(float64(len(m.queues)))
}

// Destroy stops the sweeper and drops all queues. In-flight tasks finish on
// their own runners.
func (m *Manager) Destroy() {
	m.stopOnce.Do(func() { close(m.stop) })

	m.mu.Lock()
	m.queues = make(map[string]*jobQueue)
	m.mu.Unlock()
	metrics.MessageQueuesActive.Set(0)
}
