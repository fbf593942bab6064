//
// SPDX-License-Identifier: GPL-3.0-or-later
//
// Adapted from github.com/bassosimone/nop's cancelwatch.go.
//

package transport

import (
	"context"
	"net"

	"github.com/meshrelay/proxy/internal/stack"
)

// NewCancelWatchFunc returns a new [*CancelWatchFunc].
func NewCancelWatchFunc() *CancelWatchFunc {
	return &CancelWatchFunc{}
}

// CancelWatchFunc closes the connection when the context is done, giving
// responsive cleanup on drain/shutdown instead of waiting for per-operation
// timeouts. The returned connection wraps the input: closing it
// unregisters the watcher and closes the underlying connection, so no
// goroutine leaks even if the context is never cancelled.
//
// Do not use this when the connection must outlive the call's context,
// such as connections held in the endpoint cache across requests.
type CancelWatchFunc struct{}

var _ stack.Func[net.Conn, net.Conn] = &CancelWatchFunc{}

// Call implements [stack.Func].
func (op *CancelWatchFunc) Call(ctx context.Context, conn net.Conn) (net.Conn, error) {
	stop := context.AfterFunc(ctx, func() {
		conn.Close()
	})
	return &cancelWatchedConn{Conn: conn, stop: stop}, nil
}

type cancelWatchedConn struct {
	net.Conn
	stop func() bool
}

// Close unregisters the context watcher and closes the underlying connection.
func (c *cancelWatchedConn) Close() error {
	c.stop()
	return c.Conn.Close()
}
