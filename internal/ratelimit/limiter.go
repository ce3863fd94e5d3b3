// Package ratelimit applies per-socket token buckets to inbound websocket
// events, bucketed by event class so a chat flood cannot starve signaling.
package ratelimit

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/time/rate"
)

var rateLimitExceeded = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "conclave",
		Name:      "ratelimit_exceeded_total",
		Help:      "Total rate limit rejections",
	},
	[]string{"class"},
)

// Event classes. Every inbound socket event maps to exactly one.
const (
	ClassMessage = "message" // chat sends, pins, reads
	ClassSignal  = "signal"  // media signaling (transports, producers, consumers)
	ClassTyping  = "typing"  // typing indicators
	ClassDefault = "default" // everything else
)

// Class holds the token bucket parameters for one event class.
type Class struct {
	Rate  rate.Limit // events per second
	Burst int        // max burst size
}

// Config holds rate limiting configuration.
type Config struct {
	Classes map[string]Class

	// Cleanup interval for idle per-socket buckets.
	CleanupInterval time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Classes: map[string]Class{
			ClassMessage: {Rate: 10, Burst: 20},
			ClassSignal:  {Rate: 25, Burst: 50},
			ClassTyping:  {Rate: 5, Burst: 10},
			ClassDefault: {Rate: 50, Burst: 100},
		},
		CleanupInterval: 5 * time.Minute,
	}
}

// Limiter manages per-socket, per-class token buckets.
type Limiter struct {
	config Config

	mu      sync.Mutex
	sockets map[string]map[string]*rate.Limiter

	lastCleanup time.Time
}

// New creates a new rate limiter with the given config.
func New(config Config) *Limiter {
	if config.Classes == nil {
		config = DefaultConfig()
	}
	if _, ok := config.Classes[ClassDefault]; !ok {
		config.Classes[ClassDefault] = Class{Rate: 50, Burst: 100}
	}
	return &Limiter{
		config:      config,
		sockets:     make(map[string]map[string]*rate.Limiter),
		lastCleanup: time.Now(),
	}
}

// Allow checks whether a socket may emit one more event of the given class.
func (l *Limiter) Allow(socketID, class string) bool {
	limiter := l.bucket(socketID, class)
	if !limiter.Allow() {
		rateLimitExceeded.WithLabelValues(class).Inc()
		return false
	}
	l.maybeCleanup()
	return true
}

// Forget drops all buckets for a socket. Call on disconnect.
func (l *Limiter) Forget(socketID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.sockets, socketID)
}

func (l *Limiter) bucket(socketID, class string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	cls, ok := l.config.Classes[class]
	if !ok {
		class = ClassDefault
		cls = l.config.Classes[ClassDefault]
	}

	byClass, ok := l.sockets[socketID]
	if !ok {
		byClass = make(map[string]*rate.Limiter)
		l.sockets[socketID] = byClass
	}

	limiter, ok := byClass[class]
	if !ok {
		limiter = rate.NewLimiter(cls.Rate, cls.Burst)
		byClass[class] = limiter
	}
	return limiter
}

// maybeCleanup drops all buckets once per cleanup interval. Sockets that are
// still connected repopulate on their next event.
func (l *Limiter) maybeCleanup() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if time.Since(l.lastCleanup) < l.config.CleanupInterval {
		return
	}
	l.sockets = make(map[string]map[string]*rate.Limiter)
	l.lastCleanup = time.Now()
}

// ClassOf maps an inbound event name to its rate limit class.
func ClassOf(event string) string {
	switch event {
	case "contract:message.send", "contract:message.pin", "contract:message.unpin", "contract:message.read":
		return ClassMessage
	case "contract:message.typing":
		return ClassTyping
	case "requestTransport", "connectTransport", "startProducing",
		"consumeMedia", "unpauseConsumer", "audioChange":
		return ClassSignal
	default:
		return ClassDefault
	}
}

// GetClientIP extracts the real client IP from the request, honoring reverse
// proxy headers.
func GetClientIP(r *http.Request) string {
	xff := r.Header.Get("X-Forwarded-For")
	if xff != "" {
		// X-Forwarded-For can contain multiple IPs: "client, proxy1, proxy2".
		if first, _, found := strings.Cut(xff, ","); found {
			xff = first
		}
		xff = strings.TrimSpace(xff)
		if xff != "" {
			return xff
		}
	}

	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
