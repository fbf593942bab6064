// SPDX-License-Identifier: GPL-3.0-or-later

package addr

import (
	"context"
	"net/netip"

	"github.com/meshrelay/proxy/internal/identity"
)

// HTTPVersion is the HTTP version negotiated (or sniffed) for a request.
type HTTPVersion int

const (
	// H1 is HTTP/1.x (including pipelined and upgraded requests).
	H1 HTTPVersion = iota
	// H2 is HTTP/2.
	H2
)

// String implements [fmt.Stringer].
func (v HTTPVersion) String() string {
	switch v {
	case H2:
		return "HTTP/2"
	default:
		return "HTTP/1.1"
	}
}

// Accept is the per-connection context delivered by the listener: created
// when a connection is accepted, immutable thereafter, and discarded when
// the connection closes.
type Accept struct {
	// PeerAddr is the remote address of the accepted socket.
	PeerAddr netip.AddrPort

	// TargetAddr is the original destination of the accepted socket
	// (SO_ORIGINAL_DST on Linux, or the listener's own address when
	// no transparent redirection is in play).
	TargetAddr netip.AddrPort

	// PeerIdentity is the identity recovered during the TLS handshake,
	// or an absence reason.
	PeerIdentity identity.Identity
}

// Target is the recognized routing key for a single request: derived
// freshly from [Accept] plus request headers by the router.
type Target struct {
	Dst         Addr
	SocketAddr  netip.AddrPort
	HTTPVersion HTTPVersion
	TLSClientID identity.Identity
}

// Key returns the cache key for this target, used by per-route caches
// keyed on destination only (HTTP version and identity do not multiply
// the cache — they ride along on the request).
func (t Target) Key() string {
	return t.Dst.Key()
}

type targetCtxKey struct{}

// WithTarget attaches the recognized routing target to ctx. The router
// attaches exactly one per request; replacing it downstream is not
// supported.
func WithTarget(ctx context.Context, t Target) context.Context {
	return context.WithValue(ctx, targetCtxKey{}, t)
}

// TargetFrom returns the routing target attached by the router, if any.
func TargetFrom(ctx context.Context) (Target, bool) {
	t, ok := ctx.Value(targetCtxKey{}).(Target)
	return t, ok
}
