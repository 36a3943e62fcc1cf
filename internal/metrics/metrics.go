// Package metrics exposes Prometheus counters/gauges for the RPC channel
// manager and the simulator, following the teacher's promauto-registered
// globals plus a local atomic mirror for cheap periodic logging.
package metrics

import (
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/nsokolov/airlinkd/internal/logging"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	RequestsSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "airlinkd_requests_sent_total",
		Help: "Total RPC requests written to a channel.",
	}, []string{"channel"})
	ResponsesMatched = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "airlinkd_responses_matched_total",
		Help: "Total responses correlated to a pending request.",
	}, []string{"channel"})
	ResponsesUnmatched = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "airlinkd_responses_unmatched_total",
		Help: "Total responses with no matching pending request (protocol violation, logged and dropped).",
	}, []string{"channel"})
	RequestTimeouts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "airlinkd_request_timeouts_total",
		Help: "Total requests that timed out waiting for a response.",
	}, []string{"channel"})
	FramesDecodeErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "airlinkd_frame_decode_errors_total",
		Help: "Total frames that failed JSON decode and were dropped.",
	}, []string{"channel"})
	EventsPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "airlinkd_events_published_total",
		Help: "Total events published to the event bus, by kind.",
	}, []string{"kind"})
	EventsUnknown = promauto.NewCounter(prometheus.CounterOpts{
		Name: "airlinkd_events_unknown_total",
		Help: "Total event frames with an unrecognized kind, logged and ignored.",
	})
	ReconnectAttempts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "airlinkd_reconnect_attempts_total",
		Help: "Total reconnect attempts made by the channel manager.",
	})
	WatchdogFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "airlinkd_watchdog_failures_total",
		Help: "Total watchdog probe failures that triggered a reconnect request.",
	})
	ConnectionState = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "airlinkd_connection_state",
		Help: "1 if the channel manager is connected, 0 otherwise.",
	})
	PendingRequests = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "airlinkd_pending_requests",
		Help: "Current number of outstanding requests awaiting a response.",
	}, []string{"channel"})
	BinaryPayloadBytes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "airlinkd_binary_payload_bytes_total",
		Help: "Total bytes of binary image payload received.",
	})
	SimConnectionsAccepted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "airlinkd_sim_connections_accepted_total",
		Help: "Total TCP connections accepted by the simulator, by channel.",
	}, []string{"channel"})
	SimConnectionsActive = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "airlinkd_sim_connections_active",
		Help: "Current TCP connections held open by the simulator, by channel.",
	}, []string{"channel"})
	SimUnknownMethod = promauto.NewCounter(prometheus.CounterOpts{
		Name: "airlinkd_sim_unknown_method_total",
		Help: "Total RPC calls the simulator rejected for an unknown method.",
	})
	BuildInfo = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "airlinkd_build_info",
		Help: "Build metadata (value is always 1).",
	}, []string{"version", "commit", "date"})
	Errors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "airlinkd_errors_total",
		Help: "Error counters by channel and kind (not_connected|timeout|remote|decode|transport|protocol_violation).",
	}, []string{"channel", "kind"})

	readinessMu sync.RWMutex
	readinessFn func() bool
)

// Local mirrored counters for cheap periodic logging without scraping
// Prometheus in-process, matching the teacher's Snap()/Snapshot pattern.
var (
	localRequestsSent   uint64
	localTimeouts       uint64
	localReconnects     uint64
	localEventsPub      uint64
	localUnmatched      uint64
)

// Snapshot is a cheap copy of local counters.
type Snapshot struct {
	RequestsSent uint64
	Timeouts     uint64
	Reconnects   uint64
	EventsPub    uint64
	Unmatched    uint64
}

// Snap returns the current local counter snapshot.
func Snap() Snapshot {
	return Snapshot{
		RequestsSent: atomic.LoadUint64(&localRequestsSent),
		Timeouts:     atomic.LoadUint64(&localTimeouts),
		Reconnects:   atomic.LoadUint64(&localReconnects),
		EventsPub:    atomic.LoadUint64(&localEventsPub),
		Unmatched:    atomic.LoadUint64(&localUnmatched),
	}
}

func IncRequestSent(channel string) {
	RequestsSent.WithLabelValues(channel).Inc()
	atomic.AddUint64(&localRequestsSent, 1)
}

func IncResponseMatched(channel string) { ResponsesMatched.WithLabelValues(channel).Inc() }

func IncResponseUnmatched(channel string) {
	ResponsesUnmatched.WithLabelValues(channel).Inc()
	atomic.AddUint64(&localUnmatched, 1)
}

func IncRequestTimeout(channel string) {
	RequestTimeouts.WithLabelValues(channel).Inc()
	atomic.AddUint64(&localTimeouts, 1)
}

func IncFrameDecodeError(channel string) { FramesDecodeErrors.WithLabelValues(channel).Inc() }

// IncError records an error occurrence by channel and classified kind; the
// kind string should come from rpcerrors.MetricLabel to bound cardinality.
func IncError(channel, kind string) { Errors.WithLabelValues(channel, kind).Inc() }

func IncEventPublished(kind string) {
	EventsPublished.WithLabelValues(kind).Inc()
	atomic.AddUint64(&localEventsPub, 1)
}

func IncEventUnknown() { EventsUnknown.Inc() }

func IncReconnectAttempt() {
	ReconnectAttempts.Inc()
	atomic.AddUint64(&localReconnects, 1)
}

func IncWatchdogFailure() { WatchdogFailures.Inc() }

func SetConnectionState(connected bool) {
	if connected {
		ConnectionState.Set(1)
	} else {
		ConnectionState.Set(0)
	}
}

func SetPendingRequests(channel string, n int) { PendingRequests.WithLabelValues(channel).Set(float64(n)) }

func AddBinaryPayloadBytes(n int) { BinaryPayloadBytes.Add(float64(n)) }

func IncSimConnectionAccepted(channel string) { SimConnectionsAccepted.WithLabelValues(channel).Inc() }

func SetSimConnectionsActive(channel string, n int) {
	SimConnectionsActive.WithLabelValues(channel).Set(float64(n))
}

func IncSimUnknownMethod() { SimUnknownMethod.Inc() }

// InitBuildInfo sets the build info gauge (call once at startup).
func InitBuildInfo(version, commit, date string) {
	BuildInfo.WithLabelValues(version, commit, date).Set(1)
}

// StartHTTP serves Prometheus metrics at /metrics and a readiness probe at
// /ready, matching the teacher's metrics.StartHTTP shape.
func StartHTTP(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		if IsReady() {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ready\n"))
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("not ready\n"))
	})
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		logging.L().Info("metrics_listen", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.L().Error("metrics_http_error", "error", err)
		}
	}()
	return srv
}

// SetReadinessFunc registers a function used by /ready and IsReady.
func SetReadinessFunc(fn func() bool) { readinessMu.Lock(); readinessFn = fn; readinessMu.Unlock() }

// IsReady invokes the registered readiness function if present.
func IsReady() bool {
	readinessMu.RLock()
	fn := readinessFn
	readinessMu.RUnlock()
	if fn == nil {
		return true
	}
	return fn()
}
