// SPDX-License-Identifier: GPL-3.0-or-later

// Command proxyd runs the mesh sidecar proxy: the inbound, outbound, and
// (optionally) gateway listeners, plus an admin endpoint exposing
// Prometheus metrics and readiness.
package main

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/netip"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/meshrelay/proxy/internal/addr"
	"github.com/meshrelay/proxy/internal/concrete"
	"github.com/meshrelay/proxy/internal/config"
	"github.com/meshrelay/proxy/internal/endpointstack"
	"github.com/meshrelay/proxy/internal/gateway"
	"github.com/meshrelay/proxy/internal/identity"
	"github.com/meshrelay/proxy/internal/logical"
	"github.com/meshrelay/proxy/internal/metrics"
	"github.com/meshrelay/proxy/internal/proxy"
	"github.com/meshrelay/proxy/internal/router"
	"github.com/meshrelay/proxy/internal/server"
	"github.com/meshrelay/proxy/internal/transport"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opencensus.io/trace"
	"golang.org/x/sync/errgroup"
)

// Exit codes consumed by the supervisor.
const (
	exitOK            = 0
	exitConfigError   = 1
	exitIdentityError = 2
	exitAdminBind     = 3
)

func main() {
	os.Exit(run())
}

func run() int {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "proxyd:", err)
		return exitConfigError
	}

	logger := newLogger(cfg)

	clientTLS, serverTLS, err := bootstrapIdentity(cfg)
	if err != nil {
		logger.Error("identityBootstrapFailed", "err", err)
		return exitIdentityError
	}

	resolver, profiles, opaquePorts, err := loadStaticPlane(cfg.DestinationsFile)
	if err != nil {
		fmt.Fprintln(os.Stderr, "proxyd:", err)
		return exitConfigError
	}
	for p := range cfg.OpaquePorts {
		opaquePorts[p] = struct{}{}
	}

	// Listeners come up before the stacks so loop prevention knows
	// every local port.
	inboundLst, err := net.Listen("tcp", cfg.InboundAddr)
	if err != nil {
		fmt.Fprintln(os.Stderr, "proxyd: inbound listener:", err)
		return exitConfigError
	}
	outboundLst, err := net.Listen("tcp", cfg.OutboundAddr)
	if err != nil {
		fmt.Fprintln(os.Stderr, "proxyd: outbound listener:", err)
		return exitConfigError
	}
	var gatewayLst net.Listener
	if cfg.GatewayAddr != "" {
		if gatewayLst, err = net.Listen("tcp", cfg.GatewayAddr); err != nil {
			fmt.Fprintln(os.Stderr, "proxyd: gateway listener:", err)
			return exitConfigError
		}
	}
	adminLst, err := net.Listen("tcp", cfg.AdminAddr)
	if err != nil {
		fmt.Fprintln(os.Stderr, "proxyd: admin listener:", err)
		return exitAdminBind
	}

	ownPorts := []uint16{listenerPort(inboundLst), listenerPort(outboundLst), listenerPort(adminLst)}
	if gatewayLst != nil {
		ownPorts = append(ownPorts, listenerPort(gatewayLst))
	}

	registry := metrics.NewRegistry()
	tcfg := transport.NewConfig()

	exporter := server.NewChannelExporter(1024)
	trace.RegisterExporter(exporter)

	epFactory := endpointstack.New(endpointstack.Options[addr.Addr]{
		Config:            tcfg,
		Network:           "tcp",
		OwnPorts:          ownPorts,
		ConnectTimeout:    cfg.ConnectTimeout,
		LocalIdentityName: cfg.LocalIdentityName,
		TLSConfig:         clientTLS,
		Metrics:           registry,
		Logger:            logger,
	})
	concreteCache := concrete.New(resolver, epFactory,
		cfg.CacheMaxIdleAge, cfg.DrainTimeout, registry)
	logicalCache := logical.New(profiles, concreteCache, epFactory,
		cfg.DefaultRouteTimeout, cfg.CacheMaxIdleAge)

	drain := proxy.NewDrain()

	inbound := proxy.NewServer(proxy.ServerOptions{
		Disposition:   "inbound",
		TLSConfig:     serverTLS,
		AbsentReason:  absentReason(serverTLS),
		DetectTimeout: cfg.DetectProtocolTimeout,
		OpaquePorts:   opaquePorts,
		OwnPorts:      ownPorts,
		NewService: proxy.NewHTTPServiceFactory(
			pipelineOptions("inbound", cfg, registry, logger),
			router.Options{
				IsInbound:               true,
				AllowInboundDstOverride: cfg.AllowInboundDstOverride,
				Logical:                 logicalCache,
			}),
		Pipeline:        pipelineOptions("inbound", cfg, registry, logger),
		DrainGrace:      cfg.DrainTimeout,
		TransportConfig: tcfg,
		Logger:          logger,
	}, drain)

	outbound := proxy.NewServer(proxy.ServerOptions{
		Disposition:   "outbound",
		AbsentReason:  identity.ReasonLoopback,
		DetectTimeout: cfg.DetectProtocolTimeout,
		OpaquePorts:   opaquePorts,
		OwnPorts:      ownPorts,
		NewService: proxy.NewHTTPServiceFactory(
			pipelineOptions("outbound", cfg, registry, logger),
			router.Options{
				Ingress: cfg.IngressMode,
				Logical: logicalCache,
			}),
		Pipeline:        pipelineOptions("outbound", cfg, registry, logger),
		DrainGrace:      cfg.DrainTimeout,
		TransportConfig: tcfg,
		Logger:          logger,
	}, drain)

	var gw *gateway.Gateway
	var gatewaySrv *proxy.Server
	if gatewayLst != nil {
		outboundFactory := proxy.NewHTTPServiceFactory(
			pipelineOptions("gateway", cfg, registry, logger),
			router.Options{Ingress: true, Logical: logicalCache})
		gw = gateway.New(gateway.Options{
			LocalID:           cfg.GatewayIdentity,
			Profiles:          profiles,
			ProfileTimeout:    cfg.DispatchTimeout,
			ProfileMaxIdleAge: cfg.CacheMaxIdleAge,
			Outbound:          gatewayOutbound(outboundFactory),
		})
		gatewaySrv = proxy.NewServer(proxy.ServerOptions{
			Disposition:     "gateway",
			TLSConfig:       serverTLS,
			AbsentReason:    absentReason(serverTLS),
			DetectTimeout:   cfg.DetectProtocolTimeout,
			OwnPorts:        ownPorts,
			NewService:      proxy.NewGatewayServiceFactory(pipelineOptions("gateway", cfg, registry, logger), gw),
			Pipeline:        pipelineOptions("gateway", cfg, registry, logger),
			DrainGrace:      cfg.DrainTimeout,
			TransportConfig: tcfg,
			Logger:          logger,
		}, drain)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Background maintenance (cache sweeps) runs on its own context so
	// eviction keeps working while servers drain, and stops only after
	// they have.
	sweepCtx, stopSweeps := context.WithCancel(context.Background())
	defer stopSweeps()
	go concreteCache.Run(sweepCtx)
	go logicalCache.Run(sweepCtx)

	g := new(errgroup.Group)
	g.Go(func() error { return inbound.Serve(sweepCtx, inboundLst) })
	g.Go(func() error { return outbound.Serve(sweepCtx, outboundLst) })
	if gatewaySrv != nil {
		go gw.Run(sweepCtx)
		g.Go(func() error { return gatewaySrv.Serve(sweepCtx, gatewayLst) })
	}

	admin := newAdminServer(registry, drain)
	g.Go(func() error {
		err := admin.Serve(adminLst)
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	})
	go func() {
		<-drain.Signaled()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.DrainTimeout)
		defer cancel()
		admin.Shutdown(shutdownCtx)
	}()

	logger.Info("proxydStarted",
		"inbound", inboundLst.Addr().String(),
		"outbound", outboundLst.Addr().String(),
		"admin", adminLst.Addr().String(),
		"ingressMode", cfg.IngressMode)

	// Wait for the drain signal, then shut everything down in order:
	// stop accepting, let in-flight work finish, drain the caches.
	<-ctx.Done()
	logger.Info("drainStarted")
	drain.Signal()

	drainCtx, cancel := context.WithTimeout(context.Background(), cfg.DrainTimeout)
	defer cancel()
	if err := g.Wait(); err != nil {
		logger.Error("serverError", "err", err)
	}
	logicalCache.DrainAll(drainCtx)
	concreteCache.DrainAll(drainCtx)
	if gw != nil {
		gw.DrainAll(drainCtx)
	}
	logger.Info("drainComplete")
	return exitOK
}

// gatewayOutbound adapts the per-connection outbound factory into the
// single service the gateway hands requests to: the gateway has already
// rewritten the destination headers, so the connection-level fields of
// the synthetic target stay empty.
func gatewayOutbound(factory proxy.ServiceFactory) server.Svc {
	return factory(addr.Target{})
}

func pipelineOptions(disposition string, cfg *config.Config, registry *metrics.Registry, logger transport.SLogger) server.Options {
	return server.Options{
		Disposition:         disposition,
		DispatchTimeout:     cfg.DispatchTimeout,
		RequestTimeout:      cfg.RequestTimeout,
		MaxInFlightRequests: cfg.MaxInFlightRequests,
		Metrics:             registry,
		Logger:              logger,
	}
}

func newLogger(cfg *config.Config) *slog.Logger {
	level := slog.LevelInfo
	switch cfg.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.LogJSON {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

// bootstrapIdentity loads the local identity material. An empty identity
// name disables mesh TLS entirely; a configured one that fails to load
// is fatal, reported with its own exit code so the supervisor can
// distinguish it from plain misconfiguration.
func bootstrapIdentity(cfg *config.Config) (client, srv *tls.Config, err error) {
	if cfg.LocalIdentityName == "" {
		return nil, nil, nil
	}
	cert, err := tls.LoadX509KeyPair(cfg.TLSCertFile, cfg.TLSKeyFile)
	if err != nil {
		return nil, nil, fmt.Errorf("identity certificate: %w", err)
	}

	roots := x509.NewCertPool()
	if cfg.TLSTrustAnchors != "" {
		pem, err := os.ReadFile(cfg.TLSTrustAnchors)
		if err != nil {
			return nil, nil, fmt.Errorf("trust anchors: %w", err)
		}
		if !roots.AppendCertsFromPEM(pem) {
			return nil, nil, fmt.Errorf("trust anchors: no certificates in %s", cfg.TLSTrustAnchors)
		}
	}

	client = &tls.Config{
		Certificates: []tls.Certificate{cert},
		RootCAs:      roots,
	}
	srv = &tls.Config{
		Certificates: []tls.Certificate{cert},
		ClientCAs:    roots,
		ClientAuth:   tls.VerifyClientCertIfGiven,
		NextProtos:   []string{transport.OpaqueTransportALPN, "h2", "http/1.1"},
	}
	return client, srv, nil
}

func absentReason(serverTLS *tls.Config) identity.Reason {
	if serverTLS == nil {
		return identity.ReasonLocalDisabled
	}
	return identity.ReasonNoPeerID
}

func newAdminServer(registry *metrics.Registry, drain *proxy.Drain) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry.Gatherer(), promhttp.HandlerOpts{}))
	mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		if drain.Draining() {
			http.Error(w, "draining", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("/live", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	return &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
}

func listenerPort(lst net.Listener) uint16 {
	if tcp, ok := lst.Addr().(*net.TCPAddr); ok {
		return uint16(tcp.Port)
	}
	if ap, err := netip.ParseAddrPort(lst.Addr().String()); err == nil {
		return ap.Port()
	}
	return 0
}
