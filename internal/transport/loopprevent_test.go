// SPDX-License-Identifier: GPL-3.0-or-later

package transport

import (
	"context"
	"errors"
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoopPreventFuncRejectsOwnPort(t *testing.T) {
	op := NewLoopPreventFunc(4143, 4140)

	_, err := op.Call(context.Background(), netip.MustParseAddrPort("127.0.0.1:4143"))

	require.Error(t, err)
	var loopErr *ErrLoopPrevented
	require.True(t, errors.As(err, &loopErr))
	assert.Equal(t, uint16(4143), loopErr.Port)
}

func TestLoopPreventFuncAllowsOtherLoopbackPort(t *testing.T) {
	op := NewLoopPreventFunc(4143)

	address := netip.MustParseAddrPort("127.0.0.1:8080")
	got, err := op.Call(context.Background(), address)

	require.NoError(t, err)
	assert.Equal(t, address, got)
}

func TestLoopPreventFuncAllowsNonLoopback(t *testing.T) {
	op := NewLoopPreventFunc(4143)

	address := netip.MustParseAddrPort("10.0.0.5:4143")
	got, err := op.Call(context.Background(), address)

	require.NoError(t, err)
	assert.Equal(t, address, got)
}
