// SPDX-License-Identifier: GPL-3.0-or-later

package transport

import (
	"context"
	"net"
	"net/netip"
	"time"

	"github.com/meshrelay/proxy/internal/stack"
)

// ConnectMetrics receives connect-latency and outcome observations. The
// concrete Prometheus-backed implementation lives in package metrics, so
// that this package never imports a metrics client library directly.
type ConnectMetrics interface {
	ObserveConnect(endpointLabel string, success bool, errClass string, d time.Duration)
}

// NewMetricsFunc wraps a Connect stage with latency/outcome recording
// recording. endpointLabel derives the metric label from the dialed
// address so callers don't need to thread extra context through Connect.
func NewMetricsFunc(cfg *Config, metrics ConnectMetrics, endpointLabel func(netip.AddrPort) string, inner stack.Func[netip.AddrPort, net.Conn]) *MetricsFunc {
	return &MetricsFunc{
		ErrClassifier: cfg.ErrClassifier,
		TimeNow:       cfg.TimeNow,
		Metrics:       metrics,
		EndpointLabel: endpointLabel,
		Inner:         inner,
	}
}

// MetricsFunc decorates a Connect stage with Prometheus-style latency and
// success/failure counters, labeled per endpoint.
type MetricsFunc struct {
	ErrClassifier ErrClassifier
	TimeNow       func() time.Time
	Metrics       ConnectMetrics
	EndpointLabel func(netip.AddrPort) string
	Inner         stack.Func[netip.AddrPort, net.Conn]
}

var _ stack.Func[netip.AddrPort, net.Conn] = &MetricsFunc{}

// Call implements [stack.Func].
func (op *MetricsFunc) Call(ctx context.Context, address netip.AddrPort) (net.Conn, error) {
	t0 := op.TimeNow()
	conn, err := op.Inner.Call(ctx, address)
	op.Metrics.ObserveConnect(op.EndpointLabel(address), err == nil, op.ErrClassifier.Classify(err), op.TimeNow().Sub(t0))
	return conn, err
}
