package workers

import (
	"context"
	"errors"
	"hash/fnv"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/conclave-rtc/conclave/internal/rtc"
	"github.com/conclave-rtc/conclave/internal/rtc/rtcfake"
)

// spawnTracker hands out fake workers with predictable pids and can be
// scripted to fail.
type spawnTracker struct {
	mu      sync.Mutex
	seq     int
	spawned []*rtcfake.Worker
	err     error
}

func (s *spawnTracker) spawner(ctx context.Context, slot int) (rtc.Worker, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	w := rtcfake.NewWorker(1000 + s.seq)
	s.seq++
	s.spawned = append(s.spawned, w)
	return w, nil
}

func (s *spawnTracker) setErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

func (s *spawnTracker) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.seq
}

func (s *spawnTracker) worker(i int) *rtcfake.Worker {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.spawned[i]
}

func newTestPool(t *testing.T, count int, opts Options) (*Pool, *spawnTracker) {
	t.Helper()
	tracker := &spawnTracker{}
	opts.Count = count
	if opts.SampleInterval == 0 {
		// Keep the background sampler quiet so tests drive sampling manually.
		opts.SampleInterval = time.Hour
	}
	if opts.RespawnDelay == 0 {
		opts.RespawnDelay = time.Millisecond
	}
	p, err := New(context.Background(), zerolog.Nop(), tracker.spawner, opts)
	if err != nil {
		t.Fatalf("pool start failed: %v", err)
	}
	t.Cleanup(p.Close)
	return p, tracker
}

func setCPU(t *testing.T, p *Pool, pid int, cpu float64) {
	t.Helper()
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, rec := range p.slots {
		if rec != nil && rec.pid == pid {
			rec.cpuPercent = cpu
			rec.stale = false
			p.recomputeLocked(rec)
			return
		}
	}
	t.Fatalf("pid %d not in pool", pid)
}

func scoreOf(t *testing.T, p *Pool, pid int) float64 {
	t.Helper()
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, rec := range p.slots {
		if rec != nil && rec.pid == pid {
			return rec.score
		}
	}
	t.Fatalf("pid %d not in pool", pid)
	return 0
}

func livePids(p *Pool) []int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	pids := make([]int, 0)
	for _, rec := range p.liveLocked() {
		pids = append(pids, rec.pid)
	}
	return pids
}

func TestNewSpawnsConfiguredCount(t *testing.T) {
	p, tracker := newTestPool(t, 3, Options{})

	if got := p.LiveCount(); got != 3 {
		t.Fatalf("LiveCount = %d, want 3", got)
	}
	if got := tracker.count(); got != 3 {
		t.Fatalf("spawns = %d, want 3", got)
	}
}

func TestNewFailsFastAndCleansUp(t *testing.T) {
	tracker := &spawnTracker{}
	boom := errors.New("spawn failed")
	spawn := func(ctx context.Context, slot int) (rtc.Worker, error) {
		if slot == 2 {
			return nil, boom
		}
		return tracker.spawner(ctx, slot)
	}

	_, err := New(context.Background(), zerolog.Nop(), spawn, Options{Count: 3})
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want %v", err, boom)
	}
	for i := 0; i < tracker.count(); i++ {
		if !tracker.worker(i).Closed() {
			t.Errorf("worker %d left running after failed start", i)
		}
	}
}

func TestPickForRoomIsSticky(t *testing.T) {
	p, _ := newTestPool(t, 3, Options{})

	first, err := p.PickForRoom("room-sticky")
	if err != nil {
		t.Fatalf("pick failed: %v", err)
	}
	for i := 0; i < 10; i++ {
		w, err := p.PickForRoom("room-sticky")
		if err != nil {
			t.Fatalf("pick failed: %v", err)
		}
		if w.Pid() != first.Pid() {
			t.Fatalf("pick %d landed on pid %d, want sticky pid %d", i, w.Pid(), first.Pid())
		}
	}

	// The sticky choice is the FNV-1a hash of the room id over live workers.
	h := fnv.New32a()
	_, _ = h.Write([]byte("room-sticky"))
	pids := livePids(p)
	want := pids[int(h.Sum32()%uint32(len(pids)))]
	if first.Pid() != want {
		t.Errorf("sticky pid = %d, want %d", first.Pid(), want)
	}
}

func TestPickForRoomFallsBackWhenOverloaded(t *testing.T) {
	p, _ := newTestPool(t, 3, Options{})

	h := fnv.New32a()
	_, _ = h.Write([]byte("busy-room"))
	pids := livePids(p)
	hashed := pids[int(h.Sum32()%uint32(len(pids)))]

	// Push the hashed worker past the overload threshold (100 · cpu).
	setCPU(t, p, hashed, 2.0)

	w, err := p.PickForRoom("busy-room")
	if err != nil {
		t.Fatalf("pick failed: %v", err)
	}
	if w.Pid() == hashed {
		t.Fatalf("pick stayed on overloaded pid %d", hashed)
	}

	// Healthy again: stickiness returns.
	setCPU(t, p, hashed, 0)
	w, err = p.PickForRoom("busy-room")
	if err != nil {
		t.Fatalf("pick failed: %v", err)
	}
	if w.Pid() != hashed {
		t.Errorf("pick = %d, want sticky pid %d", w.Pid(), hashed)
	}
}

func TestPickLeastLoaded(t *testing.T) {
	p, _ := newTestPool(t, 3, Options{})
	pids := livePids(p)

	setCPU(t, p, pids[0], 0.30)
	setCPU(t, p, pids[1], 0.05)
	setCPU(t, p, pids[2], 0.20)

	w, err := p.PickLeastLoaded()
	if err != nil {
		t.Fatalf("pick failed: %v", err)
	}
	if w.Pid() != pids[1] {
		t.Errorf("least loaded = %d, want %d", w.Pid(), pids[1])
	}
}

func TestPickWithNoLiveWorkers(t *testing.T) {
	p, tracker := newTestPool(t, 1, Options{})

	tracker.setErr(errors.New("no more workers"))
	tracker.worker(0).Die(errors.New("crash"))

	if _, err := p.PickForRoom("any"); !errors.Is(err, ErrNoWorkers) {
		t.Errorf("PickForRoom err = %v, want ErrNoWorkers", err)
	}
	if _, err := p.PickLeastLoaded(); !errors.Is(err, ErrNoWorkers) {
		t.Errorf("PickLeastLoaded err = %v, want ErrNoWorkers", err)
	}
}

func TestSamplerComputesCPUAndScore(t *testing.T) {
	p, tracker := newTestPool(t, 1, Options{})
	fake := tracker.worker(0)
	pid := fake.Pid()

	t0 := time.Now()
	p.sampleOnce(t0) // baseline

	fake.SetUsage(800, 200) // 1000 ms of CPU
	p.sampleOnce(t0.Add(2 * time.Second))

	// cpu = 1000ms / 2000ms = 0.5, score = 100 · 0.5.
	if got := scoreOf(t, p, pid); got != 50 {
		t.Fatalf("score = %v, want 50", got)
	}

	p.IncRouters(pid, 1)    // +2
	p.IncTransports(pid, 2) // +1
	if got := scoreOf(t, p, pid); got != 53 {
		t.Errorf("score = %v, want 53", got)
	}
}

func TestSampleFailureMarksWorkerStale(t *testing.T) {
	p, tracker := newTestPool(t, 2, Options{})
	sick := tracker.worker(0)

	sick.SetUsageErr(errors.New("ipc timeout"))
	p.sampleOnce(time.Now())

	if got := scoreOf(t, p, sick.Pid()); !math.IsInf(got, 1) {
		t.Fatalf("score = %v, want +Inf", got)
	}

	// Every pick must avoid the stale worker.
	healthy := tracker.worker(1).Pid()
	for _, room := range []string{"a", "b", "c", "d"} {
		w, err := p.PickForRoom(room)
		if err != nil {
			t.Fatalf("pick failed: %v", err)
		}
		if w.Pid() != healthy {
			t.Errorf("room %q picked stale worker", room)
		}
	}

	// A good sample clears the penalty.
	sick.SetUsageErr(nil)
	p.sampleOnce(time.Now())
	if got := scoreOf(t, p, sick.Pid()); math.IsInf(got, 1) {
		t.Errorf("score still +Inf after recovery")
	}
}

func TestCountersClampAtZero(t *testing.T) {
	p, tracker := newTestPool(t, 1, Options{})
	pid := tracker.worker(0).Pid()

	p.IncRouters(pid, -5)
	p.IncTransports(pid, -5)
	if got := scoreOf(t, p, pid); got != 0 {
		t.Errorf("score = %v, want 0 after clamped decrements", got)
	}

	p.IncRouters(pid, 1)
	p.IncRouters(pid, -3)
	if got := scoreOf(t, p, pid); got != 0 {
		t.Errorf("score = %v, want 0", got)
	}
}

func TestRespawnReplacesDiedWorker(t *testing.T) {
	p, tracker := newTestPool(t, 1, Options{})
	old := tracker.worker(0)

	old.Die(errors.New("segfault"))

	deadline := time.After(2 * time.Second)
	for {
		if p.LiveCount() == 1 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("pool never respawned the worker")
		case <-time.After(5 * time.Millisecond):
		}
	}

	w, err := p.PickForRoom("room")
	if err != nil {
		t.Fatalf("pick after respawn failed: %v", err)
	}
	if w.Pid() == old.Pid() {
		t.Errorf("pick returned the dead pid %d", old.Pid())
	}
	if got := tracker.count(); got != 2 {
		t.Errorf("spawn count = %d, want 2", got)
	}
}

func TestExitPolicyInvokesCallback(t *testing.T) {
	exited := make(chan error, 1)
	tracker := &spawnTracker{}
	p, err := New(context.Background(), zerolog.Nop(), tracker.spawner, Options{
		Count:          1,
		SampleInterval: time.Hour,
		DiedPolicy:     PolicyExit,
		OnExit:         func(err error) { exited <- err },
	})
	if err != nil {
		t.Fatalf("pool start failed: %v", err)
	}
	t.Cleanup(p.Close)

	boom := errors.New("fatal crash")
	tracker.worker(0).Die(boom)

	select {
	case err := <-exited:
		if !errors.Is(err, boom) {
			t.Errorf("OnExit err = %v, want %v", err, boom)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("OnExit never invoked")
	}
	if got := p.LiveCount(); got != 0 {
		t.Errorf("LiveCount = %d, want 0", got)
	}
}

func TestCloseShutsDownAllWorkers(t *testing.T) {
	p, tracker := newTestPool(t, 3, Options{})

	p.Close()

	for i := 0; i < 3; i++ {
		if !tracker.worker(i).Closed() {
			t.Errorf("worker %d still running after Close", i)
		}
	}
	if got := p.LiveCount(); got != 0 {
		t.Errorf("LiveCount = %d, want 0 after Close", got)
	}
}
