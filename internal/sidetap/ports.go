package sidetap

import (
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/conclave-rtc/conclave/internal/metrics"
)

// ErrNoPortPairs is returned when no consecutive UDP port pair can be
// reserved; the tap for that producer is skipped and media flow continues.
var ErrNoPortPairs = errors.New("no consecutive udp port pair available")

// PortPool hands out consecutive (rtp, rtcp=rtp+1) UDP port pairs for local
// segmenter feeds. Candidates are probed by binding on 127.0.0.1 before they
// are handed out; a port that fails its probe belongs to someone else on the
// host and is dropped from the pool for the life of the process.
type PortPool struct {
	mu   sync.Mutex
	min  int
	max  int // exclusive
	free map[int]struct{}

	probe func(port int) error
}

// NewPortPool covers [min, max).
func NewPortPool(min, max int) *PortPool {
	free := make(map[int]struct{}, max-min)
	for p := min; p < max; p++ {
		free[p] = struct{}{}
	}
	return &PortPool{min: min, max: max, free: free, probe: probeUDP}
}

// Allocate reserves the lowest free consecutive pair that probes clean, or
// fails with ErrNoPortPairs. A failed allocation reserves nothing.
func (pp *PortPool) Allocate() (rtp, rtcp int, err error) {
	pp.mu.Lock()
	defer pp.mu.Unlock()

	for p := pp.min; p < pp.max-1; p++ {
		if _, ok := pp.free[p]; !ok {
			continue
		}
		if _, ok := pp.free[p+1]; !ok {
			continue
		}
		if err := pp.probe(p); err != nil {
			delete(pp.free, p)
			continue
		}
		if err := pp.probe(p + 1); err != nil {
			delete(pp.free, p+1)
			continue
		}
		delete(pp.free, p)
		delete(pp.free, p+1)
		metrics.SideTapPortPairsInUse.Inc()
		return p, p + 1, nil
	}
	return 0, 0, ErrNoPortPairs
}

// Release returns a pair obtained from Allocate to the pool.
func (pp *PortPool) Release(rtp, rtcp int) {
	pp.mu.Lock()
	defer pp.mu.Unlock()
	pp.free[rtp] = struct{}{}
	pp.free[rtcp] = struct{}{}
	metrics.SideTapPortPairsInUse.Dec()
}

// FreeCount reports how many ports are currently available.
func (pp *PortPool) FreeCount() int {
	pp.mu.Lock()
	defer pp.mu.Unlock()
	return len(pp.free)
}

func probeUDP(port int) error {
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: port})
	if err != nil {
		return fmt.Errorf("udp probe %d: %w", port, err)
	}
	return conn.Close()
}
