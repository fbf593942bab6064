// SPDX-License-Identifier: GPL-3.0-or-later

// Package metrics provides the Prometheus-backed implementations of the
// small metrics interfaces the transport and server packages declare
// (so neither of those packages imports a metrics client
// library directly): the interfaces are defined near their consumers,
// and the github.com/prometheus/client_golang implementation lives here.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Registry owns every counter, gauge, and histogram the proxy exposes and
// registers them against a dedicated [*prometheus.Registry] so tests can
// construct an isolated instance per case instead of sharing package-level
// globals.
type Registry struct {
	reg *prometheus.Registry

	connectTotal   *prometheus.CounterVec
	connectLatency *prometheus.HistogramVec

	balancerPeers *prometheus.GaugeVec

	cacheSize *prometheus.GaugeVec

	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
	httpErrorsTotal     *prometheus.CounterVec
}

// NewRegistry constructs a [*Registry] backed by a fresh
// [*prometheus.Registry] and registers every collector on it.
func NewRegistry() *Registry {
	reg := prometheus.NewRegistry()
	r := &Registry{
		reg: reg,
		connectTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "meshrelay",
			Subsystem: "connect",
			Name:      "total",
			Help:      "Connect attempts by endpoint, outcome, and error class.",
		}, []string{"endpoint", "success", "err_class"}),
		connectLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "meshrelay",
			Subsystem: "connect",
			Name:      "latency_seconds",
			Help:      "Connect latency by endpoint and outcome.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"endpoint", "success"}),
		balancerPeers: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "meshrelay",
			Subsystem: "balancer",
			Name:      "peers",
			Help:      "Endpoints currently tracked by a balancer, by destination.",
		}, []string{"dst"}),
		cacheSize: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "meshrelay",
			Subsystem: "cache",
			Name:      "entries",
			Help:      "Live entries in a named cache.",
		}, []string{"cache"}),
		httpRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "meshrelay",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "HTTP requests served, by disposition and status code.",
		}, []string{"disposition", "status"}),
		httpRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "meshrelay",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration, by disposition.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"disposition"}),
		httpErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "meshrelay",
			Subsystem: "http",
			Name:      "errors_total",
			Help:      "Requests translated to an error response, by error kind.",
		}, []string{"disposition", "kind"}),
	}
	reg.MustRegister(
		r.connectTotal, r.connectLatency,
		r.balancerPeers, r.cacheSize,
		r.httpRequestsTotal, r.httpRequestDuration, r.httpErrorsTotal,
	)
	return r
}

// Gatherer exposes the underlying [*prometheus.Registry] for wiring into
// an admin HTTP handler (promhttp.HandlerFor).
func (r *Registry) Gatherer() prometheus.Gatherer { return r.reg }

// ObserveConnect implements transport.ConnectMetrics.
func (r *Registry) ObserveConnect(endpointLabel string, success bool, errClass string, d time.Duration) {
	successLabel := boolLabel(success)
	r.connectTotal.WithLabelValues(endpointLabel, successLabel, errClass).Inc()
	r.connectLatency.WithLabelValues(endpointLabel, successLabel).Observe(d.Seconds())
}

// SetBalancerPeers records the current endpoint count for a destination.
func (r *Registry) SetBalancerPeers(dst string, n int) {
	r.balancerPeers.WithLabelValues(dst).Set(float64(n))
}

// SetCacheSize records the current entry count for a named cache.
func (r *Registry) SetCacheSize(cacheName string, n int) {
	r.cacheSize.WithLabelValues(cacheName).Set(float64(n))
}

// ObserveHTTPRequest records one served request's disposition, status,
// and latency.
func (r *Registry) ObserveHTTPRequest(disposition string, status int, d time.Duration) {
	r.httpRequestsTotal.WithLabelValues(disposition, statusLabel(status)).Inc()
	r.httpRequestDuration.WithLabelValues(disposition).Observe(d.Seconds())
}

// ObserveHTTPError records one request translated to an error response by
// the errors-to-responses layer, labeled with the [perror.Kind] that
// produced it.
func (r *Registry) ObserveHTTPError(disposition string, kind string) {
	r.httpErrorsTotal.WithLabelValues(disposition, kind).Inc()
}

func boolLabel(b bool) string {
	if b {
		return "true"
	}
	return "false"
}

func statusLabel(status int) string {
	switch {
	case status >= 200 && status < 300:
		return "2xx"
	case status >= 300 && status < 400:
		return "3xx"
	case status >= 400 && status < 500:
		return "4xx"
	case status >= 500:
		return "5xx"
	default:
		return "other"
	}
}
