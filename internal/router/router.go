// SPDX-License-Identifier: GPL-3.0-or-later

// Package router implements the per-request destination recognition
// chain: for each request it computes a [addr.Target] from the connection's
// [addr.Accept] plus request headers, looks up (or builds) the
// corresponding [logical.Dispatcher], and forwards the request to it.
package router

import (
	"context"
	"net"
	"net/http"
	"net/netip"
	"strconv"
	"strings"

	"github.com/meshrelay/proxy/internal/addr"
	"github.com/meshrelay/proxy/internal/logical"
	"github.com/meshrelay/proxy/internal/perror"
	"github.com/meshrelay/proxy/internal/stack"
)

// Header names. [Recognize] consults the first two, in fallback order
// for the non-ingress case; HeaderClientID is set by the gateway.
const (
	HeaderCanonicalDst = "l5d-dst-canonical"
	HeaderDstOverride  = "l5d-dst-override"
	HeaderClientID     = "l5d-client-id"
)

// Options configures a [*Router].
type Options struct {
	// Ingress, when true, restricts recognition to [HeaderDstOverride]
	// only: absent, the connection's original-destination socket is
	// used. This is outbound ingress mode.
	Ingress bool

	// AllowInboundDstOverride gates whether [HeaderDstOverride] is
	// honored on the inbound router. Whether the override is a
	// security-sensitive behavior or a debug affordance is ambiguous,
	// so it is preserved but off by default.
	AllowInboundDstOverride bool

	// IsInbound distinguishes the inbound disposition (where
	// AllowInboundDstOverride gates the override header) from
	// outbound, where the override header is always honored.
	IsInbound bool

	Logical *logical.Cache
}

// Router is a [stack.Service] that recognizes a [addr.Target] per request
// and dispatches it to the cached logical stack.
type Router struct {
	opts   Options
	accept addr.Target // connection-level defaults: socket/HTTP version/TLS identity
}

// New returns a [*Router] for one accepted connection. target carries the
// connection-level fields ([addr.Target.SocketAddr],
// [addr.Target.HTTPVersion], [addr.Target.TLSClientID]); [Recognize]
// fills in Dst per request.
func New(opts Options, accept addr.Target) *Router {
	return &Router{opts: opts, accept: accept}
}

var _ stack.Service[*http.Request, *http.Response] = &Router{}

// Poll always reports ready: the target a request routes to is not known
// until the request is in hand (its destination may vary per request on
// the same connection via header overrides), so per-target readiness is
// observed and surfaced as an error from [Router.Call] instead.
func (r *Router) Poll(ctx context.Context) error { return nil }

// Call implements [stack.Service]: recognize, look up, dispatch.
func (r *Router) Call(ctx context.Context, req *http.Request) (*http.Response, error) {
	dst, err := Recognize(req, r.accept, r.opts)
	if err != nil {
		return nil, perror.Wrap(perror.NoRoute, err)
	}

	target := r.accept
	target.Dst = dst
	ctx = addr.WithTarget(ctx, target)

	handle, err := r.opts.Logical.GetOrMake(ctx, dst)
	if err != nil {
		return nil, err
	}
	defer handle.Release()

	return handle.Value.Call(ctx, req)
}

// Recognize implements the candidate-header fallback chain: for ingress
// mode only [HeaderDstOverride] is consulted, falling
// back to accept.SocketAddr (the original-destination socket) when
// absent. Otherwise the first successfully parsed candidate of
// [HeaderCanonicalDst], [HeaderDstOverride] (gated on
// AllowInboundDstOverride for inbound), ":authority", "Host", and
// accept.SocketAddr wins.
func Recognize(req *http.Request, accept addr.Target, opts Options) (addr.Addr, error) {
	if opts.Ingress {
		if a, ok := ParseAuthority(req.Header.Get(HeaderDstOverride)); ok {
			return a, nil
		}
		return addr.SocketAddr(accept.SocketAddr), nil
	}

	if a, ok := ParseAuthority(req.Header.Get(HeaderCanonicalDst)); ok {
		return a, nil
	}
	if !opts.IsInbound || opts.AllowInboundDstOverride {
		if a, ok := ParseAuthority(req.Header.Get(HeaderDstOverride)); ok {
			return a, nil
		}
	}
	if a, ok := ParseAuthority(req.URL.Host); ok {
		return a, nil
	}
	if a, ok := ParseAuthority(req.Host); ok {
		return a, nil
	}
	return addr.SocketAddr(accept.SocketAddr), nil
}

// ParseAuthority parses an authority string ("host:port" or a bare host,
// which defaults to port 80) into an [addr.Addr]. An empty string or one
// that fails to parse is not a candidate.
func ParseAuthority(authority string) (addr.Addr, bool) {
	if authority == "" {
		return addr.Addr{}, false
	}

	host, portStr, err := net.SplitHostPort(authority)
	if err != nil {
		host, portStr = authority, "80"
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return addr.Addr{}, false
	}

	if ap, err := netip.ParseAddr(host); err == nil {
		return addr.SocketAddr(netip.AddrPortFrom(ap, uint16(port))), true
	}
	if host == "" || strings.TrimSpace(host) == "" {
		return addr.Addr{}, false
	}
	return addr.NameAddr(host, uint16(port)), true
}
