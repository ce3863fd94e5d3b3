// Package workers maintains the pool of media worker subprocesses and picks
// the least-loaded worker for new rooms.
package workers

import (
	"context"
	"errors"
	"hash/fnv"
	"math"
	"runtime"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/conclave-rtc/conclave/internal/metrics"
	"github.com/conclave-rtc/conclave/internal/rtc"
)

// ErrNoWorkers is returned by the pick operations when every worker is dead.
var ErrNoWorkers = errors.New("workers: no live workers available")

// Spawner creates the worker subprocess for a slot. The pool calls it at
// startup and again when a died worker is replaced.
type Spawner func(ctx context.Context, slot int) (rtc.Worker, error)

// DiedPolicy selects what happens when a worker subprocess exits unexpectedly.
const (
	PolicyRespawn = "respawn"
	PolicyExit    = "exit"
)

// Options tunes the pool. Zero values take the documented defaults.
type Options struct {
	// Count is the number of worker slots (default: logical CPU count).
	Count int
	// SampleInterval is how often resource usage is read (default 1s).
	SampleInterval time.Duration
	// Score weights: score = WeightCPU·cpuPercent + WeightRouters·routers +
	// WeightTransports·transports. Defaults 100, 2, 0.5.
	WeightCPU        float64
	WeightRouters    float64
	WeightTransports float64
	// OverloadThreshold is the score above which the sticky pick falls back
	// to the least-loaded worker (default 100).
	OverloadThreshold float64
	// DiedPolicy is PolicyRespawn (default) or PolicyExit.
	DiedPolicy string
	// RespawnDelay is the pause before a replacement spawn (default 200ms).
	RespawnDelay time.Duration
	// OnExit is invoked when DiedPolicy is PolicyExit and a worker dies. The
	// daemon wires this to its root context cancel.
	OnExit func(err error)
}

func (o Options) withDefaults() Options {
	if o.Count <= 0 {
		o.Count = runtime.NumCPU()
	}
	if o.SampleInterval <= 0 {
		o.SampleInterval = time.Second
	}
	if o.WeightCPU == 0 {
		o.WeightCPU = 100
	}
	if o.WeightRouters == 0 {
		o.WeightRouters = 2
	}
	if o.WeightTransports == 0 {
		o.WeightTransports = 0.5
	}
	if o.OverloadThreshold == 0 {
		o.OverloadThreshold = 100
	}
	if o.DiedPolicy == "" {
		o.DiedPolicy = PolicyRespawn
	}
	if o.RespawnDelay <= 0 {
		o.RespawnDelay = 200 * time.Millisecond
	}
	return o
}

// record is the pool's view of one worker slot.
type record struct {
	worker     rtc.Worker
	pid        int
	routers    int
	transports int

	cpuPercent float64
	score      float64
	stale      bool
	lastTotal  float64 // cumulative utime+stime ms at last sample
	lastAt     time.Time
	gone       bool
}

// Pool owns N media workers, samples their load, and serves pick requests.
type Pool struct {
	logger zerolog.Logger
	spawn  Spawner
	opts   Options

	mu    sync.RWMutex
	slots []*record

	respawns  sync.WaitGroup
	stop      chan struct{}
	samplerWG sync.WaitGroup
	closeOnce sync.Once
	closed    bool
}

// New spawns the configured number of workers and starts the load sampler.
// It fails fast when any initial spawn fails, closing workers already up.
func New(ctx context.Context, logger zerolog.Logger, spawn Spawner, opts Options) (*Pool, error) {
	opts = opts.withDefaults()
	p := &Pool{
		logger: logger,
		spawn:  spawn,
		opts:   opts,
		slots:  make([]*record, opts.Count),
		stop:   make(chan struct{}),
	}

	for i := 0; i < opts.Count; i++ {
		w, err := spawn(ctx, i)
		if err != nil {
			for j := 0; j < i; j++ {
				p.slots[j].worker.Close()
			}
			return nil, err
		}
		p.adopt(i, w)
	}

	p.logger.Info().
		Str("event", "workers.pool_started").
		Int("count", opts.Count).
		Msg("media worker pool online")

	p.samplerWG.Add(1)
	go p.sampler()
	return p, nil
}

// adopt installs a worker into a slot and hooks its death notification.
func (p *Pool) adopt(slot int, w rtc.Worker) {
	rec := &record{worker: w, pid: w.Pid()}

	p.mu.Lock()
	p.slots[slot] = rec
	p.mu.Unlock()

	w.OnDied(func(err error) {
		p.handleDied(slot, w, err)
	})
	metrics.SetWorkerCounts(rec.pid, 0, 0)
	metrics.SetWorkerSample(rec.pid, 0, 0)
}

func (p *Pool) handleDied(slot int, w rtc.Worker, err error) {
	p.mu.Lock()
	rec := p.slots[slot]
	if rec == nil || rec.worker != w || rec.gone {
		p.mu.Unlock()
		return
	}
	rec.gone = true
	pid := rec.pid
	policy := p.opts.DiedPolicy
	closed := p.closed
	p.mu.Unlock()

	metrics.DropWorker(pid)
	p.logger.Error().
		Err(err).
		Str("event", "workers.died").
		Int("pid", pid).
		Int("slot", slot).
		Str("policy", policy).
		Msg("media worker died")

	if closed {
		return
	}
	if policy == PolicyExit {
		if p.opts.OnExit != nil {
			p.opts.OnExit(err)
		}
		return
	}

	p.respawns.Add(1)
	go p.respawnSlot(slot)
}

// respawnSlot replaces a dead worker after the configured delay. A few
// attempts are made before the slot is abandoned; the readiness checker
// surfaces the shrunken pool.
func (p *Pool) respawnSlot(slot int) {
	defer p.respawns.Done()

	const attempts = 3
	for attempt := 1; attempt <= attempts; attempt++ {
		select {
		case <-p.stop:
			return
		case <-time.After(p.opts.RespawnDelay):
		}

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		w, err := p.spawn(ctx, slot)
		cancel()
		if err != nil {
			p.logger.Error().
				Err(err).
				Str("event", "workers.respawn_failed").
				Int("slot", slot).
				Int("attempt", attempt).
				Msg("replacement worker spawn failed")
			continue
		}

		p.adopt(slot, w)
		metrics.WorkerRespawnsTotal.Inc()
		p.logger.Info().
			Str("event", "workers.respawned").
			Int("slot", slot).
			Int("pid", w.Pid()).
			Msg("replacement worker online")
		p.sampleOnce(time.Now())
		return
	}

	p.logger.Error().
		Str("event", "workers.slot_abandoned").
		Int("slot", slot).
		Msg("giving up on worker slot after repeated spawn failures")
}

func (p *Pool) sampler() {
	defer p.samplerWG.Done()
	ticker := time.NewTicker(p.opts.SampleInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.stop:
			return
		case now := <-ticker.C:
			p.sampleOnce(now)
		}
	}
}

// sampleOnce reads resource usage from every live worker and refreshes
// scores. A failed read marks the worker stale (score +Inf) so picks avoid
// it until the next good sample.
func (p *Pool) sampleOnce(now time.Time) {
	p.mu.RLock()
	live := make([]*record, 0, len(p.slots))
	for _, rec := range p.slots {
		if rec != nil && !rec.gone {
			live = append(live, rec)
		}
	}
	interval := p.opts.SampleInterval
	p.mu.RUnlock()

	for _, rec := range live {
		ctx, cancel := context.WithTimeout(context.Background(), interval)
		usage, err := rec.worker.ResourceUsage(ctx)
		cancel()

		p.mu.Lock()
		if rec.gone {
			p.mu.Unlock()
			continue
		}
		if err != nil {
			rec.stale = true
			p.recomputeLocked(rec)
			p.mu.Unlock()
			p.logger.Warn().
				Err(err).
				Str("event", "workers.sample_failed").
				Int("pid", rec.pid).
				Msg("resource usage read failed")
			continue
		}

		total := usage.UserTime + usage.SystemTime
		if !rec.lastAt.IsZero() {
			wallMs := float64(now.Sub(rec.lastAt)) / float64(time.Millisecond)
			if wallMs > 0 {
				rec.cpuPercent = (total - rec.lastTotal) / wallMs
				if rec.cpuPercent < 0 {
					rec.cpuPercent = 0
				}
			}
		}
		rec.lastTotal = total
		rec.lastAt = now
		rec.stale = false
		p.recomputeLocked(rec)
		pid, cpu, score := rec.pid, rec.cpuPercent, rec.score
		p.mu.Unlock()

		metrics.SetWorkerSample(pid, cpu, score)
	}
}

func (p *Pool) recomputeLocked(rec *record) {
	if rec.stale {
		rec.score = math.Inf(1)
		return
	}
	rec.score = p.opts.WeightCPU*rec.cpuPercent +
		p.opts.WeightRouters*float64(rec.routers) +
		p.opts.WeightTransports*float64(rec.transports)
}

// PickForRoom picks the worker for a room: sticky FNV-1a hash of the room id
// over the live workers, falling back to the least-loaded worker when the
// hashed one is overloaded.
func (p *Pool) PickForRoom(roomID string) (rtc.Worker, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	live := p.liveLocked()
	if len(live) == 0 {
		return nil, ErrNoWorkers
	}

	h := fnv.New32a()
	_, _ = h.Write([]byte(roomID))
	rec := live[int(h.Sum32()%uint32(len(live)))]

	if rec.score > p.opts.OverloadThreshold {
		if least := leastLoaded(live); least.score < rec.score {
			p.logger.Debug().
				Str("event", "workers.overload_failover").
				Str("room_id", roomID).
				Int("from_pid", rec.pid).
				Int("to_pid", least.pid).
				Msg("sticky worker overloaded, using least loaded")
			rec = least
		}
	}
	return rec.worker, nil
}

// PickLeastLoaded returns the live worker with the lowest score.
func (p *Pool) PickLeastLoaded() (rtc.Worker, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	live := p.liveLocked()
	if len(live) == 0 {
		return nil, ErrNoWorkers
	}
	return leastLoaded(live).worker, nil
}

func (p *Pool) liveLocked() []*record {
	live := make([]*record, 0, len(p.slots))
	for _, rec := range p.slots {
		if rec != nil && !rec.gone && !rec.worker.Closed() {
			live = append(live, rec)
		}
	}
	return live
}

func leastLoaded(live []*record) *record {
	best := live[0]
	for _, rec := range live[1:] {
		if rec.score < best.score {
			best = rec
		}
	}
	return best
}

// IncRouters adjusts a worker's router count by delta, clamped at zero.
// Unknown pids (a worker that died since the caller picked it) are ignored.
func (p *Pool) IncRouters(pid, delta int) {
	p.adjust(pid, delta, 0)
}

// IncTransports adjusts a worker's transport count by delta, clamped at zero.
func (p *Pool) IncTransports(pid, delta int) {
	p.adjust(pid, 0, delta)
}

func (p *Pool) adjust(pid, routers, transports int) {
	p.mu.Lock()
	var rec *record
	for _, r := range p.slots {
		if r != nil && !r.gone && r.pid == pid {
			rec = r
			break
		}
	}
	if rec == nil {
		p.mu.Unlock()
		p.logger.Debug().
			Str("event", "workers.count_ignored").
			Int("pid", pid).
			Msg("counter update for unknown worker")
		return
	}
	rec.routers = max(rec.routers+routers, 0)
	rec.transports = max(rec.transports+transports, 0)
	p.recomputeLocked(rec)
	r, t := rec.routers, rec.transports
	p.mu.Unlock()

	metrics.SetWorkerCounts(pid, r, t)
}

// LiveCount reports how many workers are currently usable; the readiness
// probe compares it against the configured count.
func (p *Pool) LiveCount() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.liveLocked())
}

// Close stops the sampler and shuts every worker down in parallel.
func (p *Pool) Close() {
	p.closeOnce.Do(func() {
		p.mu.Lock()
		p.closed = true
		p.mu.Unlock()

		close(p.stop)
		p.samplerWG.Wait()
		p.respawns.Wait()

		p.mu.Lock()
		workers := make([]rtc.Worker, 0, len(p.slots))
		for _, rec := range p.slots {
			if rec != nil && !rec.gone {
				workers = append(workers, rec.worker)
			}
		}
		p.mu.Unlock()

		var wg sync.WaitGroup
		for _, w := range workers {
			wg.Add(1)
			go func(w rtc.Worker) {
				defer wg.Done()
				w.Close()
			}(w)
		}
		wg.Wait()

		p.logger.Info().
			Str("event", "workers.pool_closed").
			Msg("media worker pool shut down")
	})
}
