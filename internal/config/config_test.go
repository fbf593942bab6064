// SPDX-License-Identifier: GPL-3.0-or-later

package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0:4143", cfg.InboundAddr)
	assert.Equal(t, "127.0.0.1:4140", cfg.OutboundAddr)
	assert.Equal(t, "127.0.0.1:4191", cfg.AdminAddr)
	assert.False(t, cfg.IngressMode)
	assert.False(t, cfg.AllowInboundDstOverride)
	assert.Equal(t, 10*time.Second, cfg.DetectProtocolTimeout)
	assert.Equal(t, 30*time.Second, cfg.RequestTimeout)
	assert.Equal(t, time.Minute, cfg.CacheMaxIdleAge)
	assert.Empty(t, cfg.OpaquePorts)
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("PROXY_INBOUND_ADDR", "0.0.0.0:9143")
	t.Setenv("PROXY_INGRESS_MODE", "true")
	t.Setenv("PROXY_DISPATCH_TIMEOUT", "250ms")
	t.Setenv("PROXY_OPAQUE_PORTS", "3306, 5432")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0:9143", cfg.InboundAddr)
	assert.True(t, cfg.IngressMode)
	assert.Equal(t, 250*time.Millisecond, cfg.DispatchTimeout)
	assert.Equal(t, map[uint16]struct{}{3306: {}, 5432: {}}, cfg.OpaquePorts)
}

func TestLoadRejectsMalformedValues(t *testing.T) {
	t.Setenv("PROXY_DISPATCH_TIMEOUT", "not-a-duration")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "PROXY_DISPATCH_TIMEOUT")
}

func TestLoadRejectsBadPort(t *testing.T) {
	t.Setenv("PROXY_OPAQUE_PORTS", "99999")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "99999")
}
