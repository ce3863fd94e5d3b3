// Package metrics exposes prometheus collectors for the conclave daemon.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "conclave"

var (
	// SocketsConnected tracks live sockets per namespace (chat, media).
	SocketsConnected = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "sockets_connected",
		Help:      "Currently connected sockets",
	}, []string{"namespace"})

	// SocketEventsTotal counts inbound socket events by name.
	SocketEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "socket_events_total",
		Help:      "Inbound socket events",
	}, []string{"namespace", "event"})

	// SocketDisconnectsTotal counts disconnects by reason.
	SocketDisconnectsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "socket_disconnects_total",
		Help:      "Socket disconnects by reason",
	}, []string{"namespace", "reason"})

	// LockAcquireDuration tracks distributed lock acquisition latency.
	LockAcquireDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "lock_acquire_duration_seconds",
		Help:      "Distributed lock acquisition latency",
		Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
	}, []string{"outcome"})

	// LockExtensionsTotal counts lease extensions by the lock watchdog.
	LockExtensionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "lock_extensions_total",
		Help:      "Lease extensions performed while tasks hold locks",
	})

	// LockAbortsTotal counts tasks aborted because their lease was lost.
	LockAbortsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "lock_aborts_total",
		Help:      "Tasks aborted after losing their lease",
	})

	// MessagesEnqueuedTotal counts message enqueue outcomes (ok, duplicate, error).
	MessagesEnqueuedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "messages_enqueued_total",
		Help:      "Message enqueue attempts by outcome",
	}, []string{"outcome"})

	// MessageQueuesActive tracks live per-conversation queues.
	MessageQueuesActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "message_queues_active",
		Help:      "Per-conversation FIFO queues currently held in memory",
	})

	// MessageDispatchDuration tracks how long a queued message task runs.
	MessageDispatchDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "message_dispatch_duration_seconds",
		Help:      "Per-message task execution time",
		Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
	})

	// MessageLateArrivalsTotal counts tasks that ran after a later timestamp.
	MessageLateArrivalsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "message_late_arrivals_total",
		Help:      "Messages that arrived with a timestamp older than the last processed one",
	})

	// RoomsActive tracks live media rooms.
	RoomsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "rooms_active",
		Help:      "Currently active media rooms",
	})

	// PeersConnected tracks peers across all rooms.
	PeersConnected = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "peers_connected",
		Help:      "Peers currently joined to media rooms",
	})

	// WorkerCPU is the sampled CPU fraction per media worker.
	WorkerCPU = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "worker_cpu_percent",
		Help:      "Sampled CPU usage per media worker",
	}, []string{"pid"})

	// WorkerScore is the composite load score per media worker.
	WorkerScore = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "worker_score",
		Help:      "Composite load score per media worker",
	}, []string{"pid"})

	// WorkerRouters tracks router counts per media worker.
	WorkerRouters = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "worker_routers",
		Help:      "Routers hosted per media worker",
	}, []string{"pid"})

	// WorkerTransports tracks transport counts per media worker.
	WorkerTransports = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "worker_transports",
		Help:      "Transports hosted per media worker",
	}, []string{"pid"})

	// WorkerRespawnsTotal counts media worker respawns after crashes.
	WorkerRespawnsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "worker_respawns_total",
		Help:      "Media workers respawned after dying",
	})

	// SpeakerReconcileDuration tracks active-speaker engine runs.
	SpeakerReconcileDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "speaker_reconcile_duration_seconds",
		Help:      "Active-speaker reconciliation latency per room",
		Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
	})

	// SpeakerReconcilesTotal counts engine runs by trigger.
	SpeakerReconcilesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "speaker_reconciles_total",
		Help:      "Active-speaker engine runs by trigger",
	}, []string{"trigger"})

	// SideTapSessionsActive tracks running audio side-tap sessions.
	SideTapSessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "sidetap_sessions_active",
		Help:      "Audio side-tap sessions currently running",
	})

	// SideTapSegmentsTotal counts processed audio segments by outcome.
	SideTapSegmentsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "sidetap_segments_total",
		Help:      "Audio segments handled by outcome",
	}, []string{"outcome"})

	// SideTapPortPairsInUse tracks reserved RTP/RTCP port pairs.
	SideTapPortPairsInUse = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "sidetap_port_pairs_in_use",
		Help:      "RTP/RTCP port pairs currently reserved",
	})

	// TranscriptionDuration tracks transcription subprocess latency.
	TranscriptionDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "transcription_duration_seconds",
		Help:      "Transcription subprocess latency per segment",
		Buckets:   []float64{0.5, 1, 2, 5, 10, 20, 30, 45, 60},
	})

	// JobsFetchTotal counts jobs-service lookups by outcome.
	JobsFetchTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "jobs_fetch_total",
		Help:      "Jobs-service room lookups by outcome",
	}, []string{"outcome"})

	// JobsFetchRetriesTotal counts retried jobs-service requests.
	JobsFetchRetriesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "jobs_fetch_retries_total",
		Help:      "Jobs-service requests retried after retryable status codes",
	})
)

// ObserveLockAcquire records lock acquisition latency with its outcome
// (acquired, busy, timeout, error).
func ObserveLockAcquire(outcome string, d time.Duration) {
	LockAcquireDuration.WithLabelValues(outcome).Observe(d.Seconds())
}

// IncMessageEnqueued records an enqueue outcome (ok, duplicate, error).
func IncMessageEnqueued(outcome string) {
	MessagesEnqueuedTotal.WithLabelValues(outcome).Inc()
}

// SetWorkerSample publishes a worker's sampled CPU and score.
func SetWorkerSample(pid int, cpu, score float64) {
	p := strconv.Itoa(pid)
	WorkerCPU.WithLabelValues(p).Set(cpu)
	WorkerScore.WithLabelValues(p).Set(score)
}

// SetWorkerCounts publishes a worker's router/transport counters.
func SetWorkerCounts(pid int, routers, transports int) {
	p := strconv.Itoa(pid)
	WorkerRouters.WithLabelValues(p).Set(float64(routers))
	WorkerTransports.WithLabelValues(p).Set(float64(transports))
}

// DropWorker removes the per-pid series of a dead worker.
func DropWorker(pid int) {
	p := strconv.Itoa(pid)
	WorkerCPU.DeleteLabelValues(p)
	WorkerScore.DeleteLabelValues(p)
	WorkerRouters.DeleteLabelValues(p)
	WorkerTransports.DeleteLabelValues(p)
}

// IncSideTapSegment records a segment outcome (transcribed, failed, timeout, skipped).
func IncSideTapSegment(outcome string) {
	SideTapSegmentsTotal.WithLabelValues(outcome).Inc()
}

// ObserveSpeakerReconcile records an engine run for the given trigger
// (dominant, refresh, producer, join).
func ObserveSpeakerReconcile(trigger string, d time.Duration) {
	SpeakerReconcilesTotal.WithLabelValues(trigger).Inc()
	SpeakerReconcileDuration.Observe(d.Seconds())
}

// IncSocketEvent records an inbound event on a namespace.
func IncSocketEvent(ns, event string) {
	SocketEventsTotal.WithLabelValues(ns, event).Inc()
}
