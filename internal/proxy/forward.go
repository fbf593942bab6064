// SPDX-License-Identifier: GPL-3.0-or-later

package proxy

import (
	"context"
	"io"
	"net"
	"net/netip"

	"github.com/meshrelay/proxy/internal/transport"
	"golang.org/x/sync/errgroup"
)

// forwardOpaque splices an accepted connection to its original
// destination at the TCP level: no header interpretation, no balancing.
// Loop prevention still applies — a transparently-redirected connection
// whose original destination is the proxy's own listener would otherwise
// hairpin forever. The error translation for this path is connection
// termination; there is no HTTP layer to answer through, and no metric
// is recorded for the failure.
func forwardOpaque(
	ctx context.Context,
	cfg *transport.Config,
	logger transport.SLogger,
	ownPorts []uint16,
	downstream net.Conn,
	target netip.AddrPort,
) error {
	defer downstream.Close()

	loopPrevent := transport.NewLoopPreventFunc(ownPorts...)
	if _, err := loopPrevent.Call(ctx, target); err != nil {
		return err
	}

	connectFn := transport.NewConnectFunc(cfg, "tcp", logger)
	upstream, err := connectFn.Call(ctx, target)
	if err != nil {
		return err
	}

	cancelWatch := transport.NewCancelWatchFunc()
	upstream, err = cancelWatch.Call(ctx, upstream)
	if err != nil {
		upstream.Close()
		return err
	}
	defer upstream.Close()

	g, _ := errgroup.WithContext(ctx)
	g.Go(func() error {
		_, err := io.Copy(upstream, downstream)
		// Half-close toward the upstream so it observes EOF rather
		// than an abortive reset when the client is done sending.
		if cw, ok := upstream.(interface{ CloseWrite() error }); ok {
			cw.CloseWrite()
		} else {
			upstream.Close()
		}
		return err
	})
	g.Go(func() error {
		_, err := io.Copy(downstream, upstream)
		if cw, ok := downstream.(interface{ CloseWrite() error }); ok {
			cw.CloseWrite()
		} else {
			downstream.Close()
		}
		return err
	})
	return g.Wait()
}
