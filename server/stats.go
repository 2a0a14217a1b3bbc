// Live server stats: session and subscription counts, pushes, request latency and
// outgoing message sizes, exposed to Prometheus.

package main

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/tinode/livesync/server/entity"
	"github.com/tinode/livesync/server/logs"
)

// Request latency distribution bounds (in milliseconds).
// "var" because Go does not support array constants.
var requestLatencyDistribution = []float64{1, 2, 3, 4, 5, 6, 8, 10, 13, 16, 20, 25, 30, 40, 50, 65, 80, 100, 130,
	160, 200, 250, 300, 400, 500, 650, 800, 1000, 2000, 5000, 10000, 20000, 50000, 100000}

// Outgoing message size distribution bounds (in bytes).
var outgoingMessageSizeDistribution = []float64{1, 2, 4, 8, 16, 32, 64, 128, 256, 512, 1024, 2048, 4096, 16384,
	65536, 262144, 1048576, 4194304, 16777216, 67108864, 268435456, 1073741824, 4294967296}

var (
	sessionsLive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "livesync_sessions_live",
			Help: "Number of live sessions",
		},
	)

	subscriptionsLive = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "livesync_subscriptions_live",
			Help: "Number of live entry subscriptions by service",
		},
		[]string{"service"},
	)

	pushesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "livesync_pushes_total",
			Help: "Total number of entry updates pushed to subscribers by service",
		},
		[]string{"service"},
	)

	requestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "livesync_requests_total",
			Help: "Total number of client requests by event and response code",
		},
		[]string{"event", "code"},
	)

	requestLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "livesync_request_latency_ms",
			Help:    "Request processing latency in milliseconds",
			Buckets: requestLatencyDistribution,
		},
	)

	outgoingMessageBytes = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "livesync_outgoing_message_bytes",
			Help:    "Size of outgoing messages in bytes",
			Buckets: outgoingMessageSizeDistribution,
		},
	)
)

func init() {
	prometheus.MustRegister(sessionsLive)
	prometheus.MustRegister(subscriptionsLive)
	prometheus.MustRegister(pushesTotal)
	prometheus.MustRegister(requestsTotal)
	prometheus.MustRegister(requestLatency)
	prometheus.MustRegister(outgoingMessageBytes)
}

// Initialize stats reporting.
func statsInit(mux *http.ServeMux, path string) {
	if path == "" || path == "-" {
		return
	}

	mux.Handle(path, promhttp.Handler())
	logs.Info.Printf("stats: metrics exposed at '%s'", path)
}

func statsSessionsLive(count int) {
	sessionsLive.Set(float64(count))
}

// statsRequest records one processed request. Events which don't route anywhere are counted
// under one label to keep the cardinality bounded.
func statsRequest(event string, resp *entity.Response, elapsed time.Duration) {
	code := resp.Code
	if resp.Success {
		code = http.StatusOK
	}
	if code == http.StatusNotFound && resp.Error == entity.ErrUnknownMethod.Error() {
		event = "unknown"
	}
	requestsTotal.WithLabelValues(event, strconv.Itoa(code)).Inc()
	requestLatency.Observe(float64(elapsed) / float64(time.Millisecond))
}

func statsObserveOutgoing(size int) {
	outgoingMessageBytes.Observe(float64(size))
}

// statsObserver feeds engine events into the metrics.
type statsObserver struct{}

var _ entity.Observer = statsObserver{}

func (statsObserver) SubscriptionsChanged(service string, delta int) {
	subscriptionsLive.WithLabelValues(service).Add(float64(delta))
}

func (statsObserver) Pushed(service string, count int) {
	pushesTotal.WithLabelValues(service).Add(float64(count))
}
