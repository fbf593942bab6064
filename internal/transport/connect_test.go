//
// SPDX-License-Identifier: GPL-3.0-or-later
//
// Adapted from github.com/bassosimone/nop's connect_test.go.
//

package transport

import (
	"context"
	"errors"
	"net"
	"net/netip"
	"testing"

	"github.com/bassosimone/netstub"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewConnectFunc(t *testing.T) {
	cfg := NewConfig()
	logger := DefaultSLogger()

	fn := NewConnectFunc(cfg, "tcp", logger)

	require.NotNil(t, fn)
	assert.Equal(t, "tcp", fn.Network)
	assert.NotNil(t, fn.Dialer)
	assert.NotNil(t, fn.Logger)
	assert.NotNil(t, fn.TimeNow)
	assert.NotNil(t, fn.ErrClassifier)
}

func TestConnectFunc(t *testing.T) {
	tests := []struct {
		name    string
		dialer  *netstub.FuncDialer
		address netip.AddrPort
		wantErr bool
	}{
		{
			name: "successful TCP connect",
			dialer: &netstub.FuncDialer{
				DialContextFunc: func(ctx context.Context, network, address string) (net.Conn, error) {
					conn := newMinimalConn()
					conn.CloseFunc = func() error { return nil }
					conn.RemoteAddrFunc = func() net.Addr {
						return &net.TCPAddr{IP: net.IPv4(93, 184, 216, 34), Port: 443}
					}
					return conn, nil
				},
			},
			address: netip.MustParseAddrPort("93.184.216.34:443"),
			wantErr: false,
		},
		{
			name: "dial error",
			dialer: &netstub.FuncDialer{
				DialContextFunc: func(ctx context.Context, network, address string) (net.Conn, error) {
					return nil, errors.New("connection refused")
				},
			},
			address: netip.MustParseAddrPort("93.184.216.34:443"),
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger := DefaultSLogger()
			fn := &ConnectFunc{
				Dialer:        tt.dialer,
				ErrClassifier: DefaultErrClassifier,
				Logger:        logger,
				Network:       "tcp",
				TimeNow:       timeNowFixed,
			}

			conn, err := fn.Call(context.Background(), tt.address)

			if tt.wantErr {
				assert.Error(t, err)
				assert.Nil(t, conn)
				return
			}
			require.NoError(t, err)
			require.NotNil(t, conn)
		})
	}
}
