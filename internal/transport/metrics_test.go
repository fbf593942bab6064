// SPDX-License-Identifier: GPL-3.0-or-later

package transport

import (
	"context"
	"errors"
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/meshrelay/proxy/internal/stack"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeConnectMetrics struct {
	label    string
	success  bool
	errClass string
	d        time.Duration
	calls    int
}

func (f *fakeConnectMetrics) ObserveConnect(endpointLabel string, success bool, errClass string, d time.Duration) {
	f.label = endpointLabel
	f.success = success
	f.errClass = errClass
	f.d = d
	f.calls++
}

func TestMetricsFuncRecordsSuccess(t *testing.T) {
	cfg := NewConfig()
	metrics := &fakeConnectMetrics{}
	address := netip.MustParseAddrPort("10.0.0.1:80")

	inner := stack.FuncAdapter[netip.AddrPort, net.Conn](func(ctx context.Context, a netip.AddrPort) (net.Conn, error) {
		return newMinimalConn(), nil
	})

	op := NewMetricsFunc(cfg, metrics, func(a netip.AddrPort) string { return a.Addr().String() }, inner)

	_, err := op.Call(context.Background(), address)

	require.NoError(t, err)
	assert.Equal(t, 1, metrics.calls)
	assert.True(t, metrics.success)
	assert.Equal(t, "10.0.0.1", metrics.label)
	assert.Equal(t, "", metrics.errClass)
}

func TestMetricsFuncRecordsFailure(t *testing.T) {
	cfg := NewConfig()
	metrics := &fakeConnectMetrics{}
	address := netip.MustParseAddrPort("10.0.0.1:80")
	wantErr := errors.New("boom")

	inner := stack.FuncAdapter[netip.AddrPort, net.Conn](func(ctx context.Context, a netip.AddrPort) (net.Conn, error) {
		return nil, wantErr
	})

	op := NewMetricsFunc(cfg, metrics, func(a netip.AddrPort) string { return a.Addr().String() }, inner)

	_, err := op.Call(context.Background(), address)

	require.ErrorIs(t, err, wantErr)
	assert.Equal(t, 1, metrics.calls)
	assert.False(t, metrics.success)
}
