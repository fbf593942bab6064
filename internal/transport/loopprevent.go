// SPDX-License-Identifier: GPL-3.0-or-later

package transport

import (
	"context"
	"fmt"
	"net/netip"

	"github.com/meshrelay/proxy/internal/stack"
)

// ErrLoopPrevented is the distinct error kind Connect surfaces when asked
// to dial the proxy's own listener port on loopback. Middle layers
// recognize it via [errors.As] rather than string matching.
type ErrLoopPrevented struct {
	Port uint16
}

func (e *ErrLoopPrevented) Error() string {
	return fmt.Sprintf("transport: refusing to connect to own listener on loopback port %d", e.Port)
}

// LoopPreventFunc rejects any endpoint whose address is loopback and
// whose port equals one of the proxy's own listener ports, before a
// connection is ever attempted. This is the first stage of Connect: a
// hairpin back into the proxy's own accept loop would hang the
// connection forever rather than fail cleanly, so it must be caught here,
// not downstream.
type LoopPreventFunc struct {
	// OwnPorts are the proxy's own listener ports (inbound, outbound,
	// gateway, admin) that must never be dialed back into.
	OwnPorts map[uint16]struct{}
}

// NewLoopPreventFunc returns a [*LoopPreventFunc] guarding the given
// ports.
func NewLoopPreventFunc(ownPorts ...uint16) *LoopPreventFunc {
	set := make(map[uint16]struct{}, len(ownPorts))
	for _, p := range ownPorts {
		set[p] = struct{}{}
	}
	return &LoopPreventFunc{OwnPorts: set}
}

var _ stack.Func[netip.AddrPort, netip.AddrPort] = &LoopPreventFunc{}

// Call implements [stack.Func]. It passes the address through unchanged
// on success.
func (op *LoopPreventFunc) Call(ctx context.Context, address netip.AddrPort) (netip.AddrPort, error) {
	if address.Addr().IsLoopback() {
		if _, own := op.OwnPorts[address.Port()]; own {
			return netip.AddrPort{}, &ErrLoopPrevented{Port: address.Port()}
		}
	}
	return address, nil
}
