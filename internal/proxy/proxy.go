// SPDX-License-Identifier: GPL-3.0-or-later

package proxy

import (
	"context"
	"crypto/tls"
	"errors"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/meshrelay/proxy/internal/addr"
	"github.com/meshrelay/proxy/internal/detect"
	"github.com/meshrelay/proxy/internal/identity"
	"github.com/meshrelay/proxy/internal/server"
	"github.com/meshrelay/proxy/internal/transport"
)

// ServiceFactory builds the per-connection request service beneath the
// server pipeline, given the accepted connection's routing context.
type ServiceFactory func(accept addr.Target) server.Svc

// ServerOptions configures one listener disposition.
type ServerOptions struct {
	// Disposition labels logs and metrics: "inbound", "outbound", or
	// "gateway".
	Disposition string

	// TLSConfig, when non-nil, terminates server-side (m)TLS on every
	// accepted connection before protocol detection. The verified peer
	// certificate's identity becomes the connection's TLSClientID.
	TLSConfig *tls.Config

	// AbsentReason labels connections that carry no verified peer
	// identity (plaintext listeners, or TLS peers without a client
	// certificate).
	AbsentReason identity.Reason

	// DetectTimeout bounds protocol sniffing; an undecided connection
	// is forwarded opaquely when it expires.
	DetectTimeout time.Duration

	// OpaquePorts lists destination ports for which detection is
	// skipped entirely and the connection forwarded at the TCP level.
	OpaquePorts map[uint16]struct{}

	// OwnPorts are every listener port of this process, for loop
	// prevention on the opaque-forwarding path.
	OwnPorts []uint16

	// OrigDst recovers the accepted socket's original destination
	// (SO_ORIGINAL_DST under transparent redirection). Nil means the
	// listener's own address is the destination.
	OrigDst func(conn net.Conn) (netip.AddrPort, bool)

	// NewService builds the request stack for one connection.
	NewService ServiceFactory

	// Pipeline configures the net/http adapter around the service
	// (metrics and logging of readiness failures); the server layers
	// themselves are built by NewService.
	Pipeline server.Options

	// DrainGrace bounds how long in-flight connections may run after
	// drain is signaled.
	DrainGrace time.Duration

	TransportConfig *transport.Config
	Logger          transport.SLogger
}

// Server accepts connections for one disposition and drives each through
// TLS termination, protocol detection, and the request pipeline.
type Server struct {
	opts  ServerOptions
	drain *Drain
	wg    sync.WaitGroup
}

// NewServer returns a [*Server]. All servers of a process typically share
// one [*Drain].
func NewServer(opts ServerOptions, drain *Drain) *Server {
	if opts.Logger == nil {
		opts.Logger = transport.DefaultSLogger()
	}
	if opts.TransportConfig == nil {
		opts.TransportConfig = transport.NewConfig()
	}
	if opts.AbsentReason == "" {
		opts.AbsentReason = identity.ReasonNoPeerID
	}
	if opts.DrainGrace <= 0 {
		opts.DrainGrace = 10 * time.Second
	}
	return &Server{opts: opts, drain: drain}
}

// Serve accepts connections from lst until ctx is done or drain fires,
// then waits up to the drain grace period for in-flight connections.
func (s *Server) Serve(ctx context.Context, lst net.Listener) error {
	connCtx, cancel := drainContext(ctx, s.drain, s.opts.DrainGrace)
	defer cancel()

	go func() {
		select {
		case <-ctx.Done():
		case <-s.drain.Signaled():
		}
		lst.Close()
	}()

	for {
		conn, err := lst.Accept()
		if err != nil {
			if ctx.Err() != nil || s.drain.Draining() {
				break
			}
			if errors.Is(err, net.ErrClosed) {
				break
			}
			s.opts.Logger.Info("acceptError",
				"disposition", s.opts.Disposition, "err", err)
			continue
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(connCtx, conn)
		}()
	}

	if !awaitGroup(&s.wg, s.opts.DrainGrace) {
		cancel() // abandon stragglers to context cancellation
		s.wg.Wait()
	}
	return nil
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	logger := s.opts.Logger

	// One span ID per accepted connection correlates every log record
	// the connection produces across the pipeline stages.
	spanID := transport.NewSpanID()
	logger.Info("connAccepted",
		"disposition", s.opts.Disposition,
		"spanId", spanID,
		"peerAddr", conn.RemoteAddr().String())

	accept, conn, opaque, err := s.acceptConn(ctx, conn, spanID)
	if err != nil {
		logger.Info("handshakeError",
			"disposition", s.opts.Disposition, "spanId", spanID, "err", err)
		return
	}

	if _, listed := s.opts.OpaquePorts[accept.SocketAddr.Port()]; opaque || listed {
		s.serveOpaque(ctx, conn, accept, spanID)
		return
	}

	proto, conn, err := detect.Sniff(ctx, conn, detect.Options{
		Timeout: s.opts.DetectTimeout,
		TimeNow: s.opts.TransportConfig.TimeNow,
	})
	if err != nil {
		logger.Info("detectError",
			"disposition", s.opts.Disposition, "spanId", spanID, "err", err)
		return
	}
	logger.Info("protocolDetected",
		"disposition", s.opts.Disposition,
		"spanId", spanID,
		"protocol", proto.String(),
		"target", accept.SocketAddr.String())

	switch proto {
	case detect.HTTP2:
		s.serveHTTP(ctx, conn, accept, addr.H2, spanID)
	case detect.HTTP1:
		s.serveHTTP(ctx, conn, accept, addr.H1, spanID)
	default:
		s.serveOpaque(ctx, conn, accept, spanID)
	}
}

// acceptConn performs the optional server-side TLS handshake and builds
// the immutable per-connection routing context. When the peer negotiated
// the opaque-transport ALPN, the frame is decoded here and its port
// rewrites the forwarding target; such connections skip detection
// entirely.
func (s *Server) acceptConn(ctx context.Context, conn net.Conn, spanID string) (addr.Target, net.Conn, bool, error) {
	peerID := identity.Absent(s.opts.AbsentReason)
	opaque := false
	var opaquePort uint16

	if s.opts.TLSConfig != nil {
		tconn := tls.Server(conn, s.opts.TLSConfig)
		if err := tconn.HandshakeContext(ctx); err != nil {
			return addr.Target{}, nil, false, err
		}
		state := tconn.ConnectionState()
		if name, ok := peerName(state); ok {
			peerID = identity.Verified(name)
		}
		conn = tconn

		if state.NegotiatedProtocol == transport.OpaqueTransportALPN {
			port, name, err := transport.ReadOpaqueHeader(conn)
			if err != nil {
				return addr.Target{}, nil, false, err
			}
			s.opts.Logger.Info("opaqueTransportHeaderRead",
				"disposition", s.opts.Disposition,
				"spanId", spanID,
				"opaqueTransportPort", int(port),
				"opaqueTransportName", name)
			opaque = true
			opaquePort = port
		}
	}

	targetAddr, ok := netip.AddrPort{}, false
	if s.opts.OrigDst != nil {
		targetAddr, ok = s.opts.OrigDst(conn)
	}
	if !ok {
		targetAddr = addrPortOf(conn.LocalAddr())
	}
	if opaque {
		targetAddr = netip.AddrPortFrom(targetAddr.Addr(), opaquePort)
	}

	return addr.Target{
		SocketAddr:  targetAddr,
		TLSClientID: peerID,
	}, conn, opaque, nil
}

func (s *Server) serveHTTP(ctx context.Context, conn net.Conn, accept addr.Target, version addr.HTTPVersion, spanID string) {
	accept.HTTPVersion = version
	svc := s.opts.NewService(accept)
	handler := server.Handler(s.opts.Pipeline, svc)
	if err := server.ServeConn(ctx, conn, version, handler); err != nil {
		s.opts.Logger.Info("serveError",
			"disposition", s.opts.Disposition, "spanId", spanID, "err", err)
	}
}

func (s *Server) serveOpaque(ctx context.Context, conn net.Conn, accept addr.Target, spanID string) {
	err := forwardOpaque(ctx, s.opts.TransportConfig, s.opts.Logger,
		s.opts.OwnPorts, conn, accept.SocketAddr)
	if err != nil {
		s.opts.Logger.Info("forwardError",
			"disposition", s.opts.Disposition,
			"spanId", spanID,
			"target", accept.SocketAddr.String(),
			"errClass", s.opts.TransportConfig.ErrClassifier.Classify(err),
			"err", err)
	}
}

// peerName extracts the mesh identity from a verified peer certificate:
// the leaf's first DNS SAN, falling back to its common name.
func peerName(state tls.ConnectionState) (string, bool) {
	if len(state.PeerCertificates) == 0 {
		return "", false
	}
	leaf := state.PeerCertificates[0]
	if len(leaf.DNSNames) > 0 {
		return leaf.DNSNames[0], true
	}
	if leaf.Subject.CommonName != "" {
		return leaf.Subject.CommonName, true
	}
	return "", false
}

func addrPortOf(a net.Addr) netip.AddrPort {
	if tcp, ok := a.(*net.TCPAddr); ok {
		return tcp.AddrPort()
	}
	if ap, err := netip.ParseAddrPort(a.String()); err == nil {
		return ap
	}
	return netip.AddrPort{}
}
