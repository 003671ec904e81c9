package memcachedb

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

// MetricSet bundles the client's Prometheus collectors.
type MetricSet struct {
	Hit     *prometheus.CounterVec
	Latency *prometheus.HistogramVec
	Error   *prometheus.CounterVec
}

var (
	hitLabels      = []string{"source"}
	hitLabelLocal  = "local"
	hitLabelServer = "server"
	hitLabelMiss   = "miss"
	// The unit is ms.
	latencyBucket = []float64{
		1, 4, 8, 16, 32, 64, 128, 256, 512, 1024, 2048, 4096}
	latencyLabels = []string{"op"}
	// errors
	errLabels        = []string{"when"}
	errLabelSocket   = "socket"
	errLabelProtocol = "protocol"
	errLabelRouting  = "routing"
)

func newMetricSet(appName string, log zerolog.Logger) *MetricSet {
	stats := &MetricSet{
		Hit: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: fmt.Sprintf("%s_memcachedb_hit_total", appName),
				Help: "how many reads were served from {local, server} or missed.",
			}, hitLabels),
		Latency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    fmt.Sprintf("%s_memcachedb_latency_ms", appName),
				Help:    "operation latency in ms",
				Buckets: latencyBucket,
			}, latencyLabels),
		Error: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: fmt.Sprintf("%s_memcachedb_error_total", appName),
				Help: "how many internal errors happened",
			}, errLabels),
	}
	if err := prometheus.Register(stats.Hit); err != nil {
		log.Err(err).Msgf("failed to register prometheus Hit counter")
	}
	if err := prometheus.Register(stats.Latency); err != nil {
		log.Err(err).Msgf("failed to register prometheus Latency histogram")
	}
	if err := prometheus.Register(stats.Error); err != nil {
		log.Err(err).Msgf("failed to register prometheus Error counter")
	}
	return stats
}

func (m *MetricSet) unregister() {
	prometheus.Unregister(m.Hit)
	prometheus.Unregister(m.Latency)
	prometheus.Unregister(m.Error)
}

func (c *Client) countHit(label string) {
	if c.stats != nil {
		c.stats.Hit.WithLabelValues(label).Inc()
	}
}

func (c *Client) countErr(label string) {
	if c.stats != nil {
		c.stats.Error.WithLabelValues(label).Inc()
	}
}

func (c *Client) observeLatency(op string, startedAt time.Time) {
	if c.stats != nil {
		c.stats.Latency.WithLabelValues(op).Observe(
			float64(getNow().UnixMilli() - startedAt.UnixMilli()))
	}
}
