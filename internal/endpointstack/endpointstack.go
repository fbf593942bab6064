// SPDX-License-Identifier: GPL-3.0-or-later

// Package endpointstack assembles the per-endpoint service: loop
// prevention, a bounded connect-timeout, an optional client mTLS
// handshake, an optional opaque-transport header write, connect metrics,
// and an HTTP round-tripper over the resulting connection. It is the
// factory the balancer uses to turn a discovered [endpoint.Endpoint]
// into a [stack.Service] it can dispatch requests to.
package endpointstack

import (
	"context"
	"crypto/tls"
	"net"
	"net/http"
	"net/netip"
	"sync"
	"time"

	"github.com/meshrelay/proxy/internal/endpoint"
	"github.com/meshrelay/proxy/internal/perror"
	"github.com/meshrelay/proxy/internal/stack"
	"github.com/meshrelay/proxy/internal/transport"
)

// Options configures [New]. P is the endpoint's logical metadata type,
// carried through only for labeling; it plays no role in dialing.
type Options[P any] struct {
	// Config supplies the shared dialer, error classifier, and clock.
	Config *transport.Config

	// Network is passed to [transport.NewConnectFunc] ("tcp" for every
	// disposition this proxy drives).
	Network string

	// OwnPorts are the proxy's own listener ports; loop prevention
	// refuses dialing any of them on loopback.
	OwnPorts []uint16

	// ConnectTimeout bounds a single dial-plus-handshake attempt.
	ConnectTimeout time.Duration

	// ReconnectBackoff is the minimum interval between dial attempts
	// after a failure, so a permanently-down endpoint does not spin
	// the balancer's readiness poll in a tight loop.
	ReconnectBackoff time.Duration

	// LocalIdentityName is the local mesh identity's name; the client
	// certificate itself comes from TLSConfig. Empty disables mesh TLS even for
	// endpoints carrying a verified peer identity, matching "if no
	// identity is present, pass through plaintext" for the
	// no-local-identity case.
	LocalIdentityName string

	// TLSConfig is the base client TLS config (certificate + trust
	// anchors); required only when LocalIdentityName is non-empty.
	TLSConfig *tls.Config

	// Metrics receives connect latency/outcome observations.
	Metrics transport.ConnectMetrics

	Logger transport.SLogger
}

// New returns a [stack.Factory] building one [stack.Service] per
// discovered endpoint.
func New[P any](opts Options[P]) stack.Factory[endpoint.Endpoint[P], *http.Request, *http.Response] {
	if opts.Logger == nil {
		opts.Logger = transport.DefaultSLogger()
	}
	if opts.ReconnectBackoff <= 0 {
		opts.ReconnectBackoff = time.Second
	}
	return stack.FactoryFunc[endpoint.Endpoint[P], *http.Request, *http.Response](
		func(_ context.Context, ep endpoint.Endpoint[P]) (stack.Service[*http.Request, *http.Response], error) {
			return &endpointService[P]{opts: opts, ep: ep}, nil
		})
}

// endpointService lazily dials its one endpoint on first use and reuses
// the resulting [*transport.HTTPConn] across requests as its keepalive
// behavior; a failed round trip marks the connection broken so the
// next [Poll] redials.
type endpointService[P any] struct {
	opts Options[P]
	ep   endpoint.Endpoint[P]

	mu          sync.Mutex
	conn        *transport.HTTPConn
	broken      bool
	lastDialErr error
	nextDialAt  time.Time
}

var _ stack.Service[*http.Request, *http.Response] = &endpointService[struct{}]{}

func (s *endpointService[P]) Poll(ctx context.Context) error {
	s.mu.Lock()
	if s.conn != nil && !s.broken {
		s.mu.Unlock()
		return nil
	}
	now := s.opts.Config.TimeNow()
	if !s.nextDialAt.IsZero() && now.Before(s.nextDialAt) {
		err := s.lastDialErr
		s.mu.Unlock()
		if err == nil {
			err = &stack.ErrNotReady{Reason: "backing off after dial failure"}
		}
		return err
	}
	s.mu.Unlock()

	conn, err := s.dial(ctx)
	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		s.lastDialErr = err
		s.nextDialAt = s.opts.Config.TimeNow().Add(s.opts.ReconnectBackoff)
		return err
	}
	if s.conn != nil {
		s.conn.Close()
	}
	s.conn = conn
	s.broken = false
	s.lastDialErr = nil
	return nil
}

func (s *endpointService[P]) Call(ctx context.Context, req *http.Request) (*http.Response, error) {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return nil, &stack.ErrNotReady{Reason: "endpoint not connected"}
	}

	resp, err := conn.RoundTrip(req.WithContext(ctx))
	if err != nil {
		s.mu.Lock()
		s.broken = true
		s.mu.Unlock()
		return nil, perror.Wrap(perror.Io, err)
	}
	return resp, nil
}

func (s *endpointService[P]) dial(ctx context.Context) (*transport.HTTPConn, error) {
	cfg := s.opts.Config
	dialCtx, cancel := context.WithTimeout(ctx, s.opts.ConnectTimeout)
	defer cancel()

	var dialFn stack.Func[netip.AddrPort, net.Conn] = transport.NewConnectFunc(cfg, s.opts.Network, s.opts.Logger)
	if s.opts.Metrics != nil {
		label := func(netip.AddrPort) string { return s.ep.Addr.String() }
		dialFn = transport.NewMetricsFunc(cfg, s.opts.Metrics, label, dialFn)
	}

	pipeline := stack.Compose6[netip.AddrPort, netip.AddrPort, net.Conn, net.Conn, net.Conn, net.Conn, *transport.HTTPConn](
		transport.NewLoopPreventFunc(s.opts.OwnPorts...),
		dialFn,
		s.secureStage(cfg),
		transport.NewObserveConnFunc(cfg, s.opts.Logger),
		s.opaqueStage(cfg),
		transport.NewHTTPConnFuncPlain(cfg, s.opts.Logger),
	)
	return pipeline.Call(dialCtx, s.ep.Addr)
}

// secureStage upgrades the connection to mesh TLS when the endpoint has a
// verified identity and a local identity is configured; otherwise the
// connection passes through in plaintext.
func (s *endpointService[P]) secureStage(cfg *transport.Config) stack.Func[net.Conn, net.Conn] {
	return stack.FuncAdapter[net.Conn, net.Conn](func(ctx context.Context, conn net.Conn) (net.Conn, error) {
		if s.opts.LocalIdentityName == "" || !s.ep.Identity.Present() {
			return conn, nil
		}
		tlsCfg := s.opts.TLSConfig
		if s.ep.Metadata.OpaqueTransportPort != 0 {
			// The opaque-transport frame is negotiated by ALPN: offer
			// only its protocol ID so the receiver knows to decode the
			// frame before anything else.
			if tlsCfg != nil {
				tlsCfg = tlsCfg.Clone()
			} else {
				tlsCfg = &tls.Config{}
			}
			tlsCfg.NextProtos = []string{transport.OpaqueTransportALPN}
		}
		tlsFn := transport.NewMeshTLSHandshakeFunc(cfg, tlsCfg, s.ep.Identity, s.opts.Logger)
		tconn, err := tlsFn.Call(ctx, conn)
		if err != nil {
			return nil, perror.Wrap(perror.Tls, err)
		}
		return tconn, nil
	})
}

// opaqueStage writes the opaque-transport frame when the endpoint's
// metadata carries the hint; otherwise the connection passes through.
func (s *endpointService[P]) opaqueStage(cfg *transport.Config) stack.Func[net.Conn, net.Conn] {
	return stack.FuncAdapter[net.Conn, net.Conn](func(ctx context.Context, conn net.Conn) (net.Conn, error) {
		port := s.ep.Metadata.OpaqueTransportPort
		if port == 0 {
			return conn, nil
		}
		opaqueFn := transport.NewOpaqueHeaderFunc(cfg, port, s.ep.Metadata.OpaqueTransportName, s.opts.Logger)
		return opaqueFn.Call(ctx, conn)
	})
}

// Close releases the underlying connection, if any. Intended for use from
// a balancer's drain hook on endpoint removal.
func (s *endpointService[P]) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return nil
	}
	err := s.conn.Close()
	s.conn = nil
	return err
}
