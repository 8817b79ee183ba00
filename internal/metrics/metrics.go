// Package metrics holds the prometheus collectors shared by the ingestion
// pipeline. Every component takes a *Metrics; a nil *Metrics records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	CacheRequests  *prometheus.CounterVec
	QuotaWaits     *prometheus.CounterVec
	QuotaWaitTime  *prometheus.HistogramVec
	CollectUnits   *prometheus.CounterVec
	ParsedPoints   *prometheus.CounterVec
	RouterPoints   *prometheus.CounterVec
	RouterBatches  *prometheus.CounterVec
	RunDuration    *prometheus.HistogramVec
	RequestsTotal  *prometheus.CounterVec
	RequestLatency *prometheus.HistogramVec
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		CacheRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "solarflux_cache_requests_total",
			Help: "Cache lookups by source and outcome.",
		}, []string{"source", "outcome"}),
		QuotaWaits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "solarflux_quota_waits_total",
			Help: "Acquire calls that had to wait for quota.",
		}, []string{"source"}),
		QuotaWaitTime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "solarflux_quota_wait_seconds",
			Help:    "Time spent waiting for quota.",
			Buckets: []float64{0.1, 1, 5, 15, 30, 60, 300, 900, 3600},
		}, []string{"source"}),
		CollectUnits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "solarflux_collect_units_total",
			Help: "Collected units (endpoint, device, chunk) by result.",
		}, []string{"source", "result"}),
		ParsedPoints: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "solarflux_parsed_points_total",
			Help: "Points produced by the normalizers.",
		}, []string{"measurement"}),
		RouterPoints: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "solarflux_router_points_total",
			Help: "Points written per bucket.",
		}, []string{"bucket"}),
		RouterBatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "solarflux_router_batches_total",
			Help: "Batch flushes per bucket by result.",
		}, []string{"bucket", "result"}),
		RunDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "solarflux_run_duration_seconds",
			Help:    "Duration of a collection cycle.",
			Buckets: prometheus.DefBuckets,
		}, []string{"source"}),
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "solarflux_grpc_requests_total",
			Help: "gRPC requests by method.",
		}, []string{"method"}),
		RequestLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "solarflux_grpc_request_duration_seconds",
			Help:    "gRPC request latency by method.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method"}),
	}

	reg.MustRegister(
		m.CacheRequests,
		m.QuotaWaits,
		m.QuotaWaitTime,
		m.CollectUnits,
		m.ParsedPoints,
		m.RouterPoints,
		m.RouterBatches,
		m.RunDuration,
		m.RequestsTotal,
		m.RequestLatency,
	)
	return m
}

func (m *Metrics) CacheOutcome(source, outcome string) {
	if m == nil {
		return
	}
	m.CacheRequests.WithLabelValues(source, outcome).Inc()
}

func (m *Metrics) QuotaWait(source string, d time.Duration) {
	if m == nil {
		return
	}
	m.QuotaWaits.WithLabelValues(source).Inc()
	m.QuotaWaitTime.WithLabelValues(source).Observe(d.Seconds())
}

func (m *Metrics) Unit(source, result string) {
	if m == nil {
		return
	}
	m.CollectUnits.WithLabelValues(source, result).Inc()
}

func (m *Metrics) Parsed(measurement string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.ParsedPoints.WithLabelValues(measurement).Add(float64(n))
}

func (m *Metrics) Batch(bucket, result string, points int) {
	if m == nil {
		return
	}
	m.RouterBatches.WithLabelValues(bucket, result).Inc()
	if result == "ok" {
		m.RouterPoints.WithLabelValues(bucket).Add(float64(points))
	}
}

func (m *Metrics) Run(source string, d time.Duration) {
	if m == nil {
		return
	}
	m.RunDuration.WithLabelValues(source).Observe(d.Seconds())
}

func (m *Metrics) Request(method string, d time.Duration) {
	if m == nil {
		return
	}
	m.RequestsTotal.WithLabelValues(method).Inc()
	m.RequestLatency.WithLabelValues(method).Observe(d.Seconds())
}
