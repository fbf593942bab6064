// SPDX-License-Identifier: GPL-3.0-or-later

package gateway

import (
	"context"
	"net/http"
	"time"

	"github.com/meshrelay/proxy/internal/addr"
	"github.com/meshrelay/proxy/internal/cache"
	"github.com/meshrelay/proxy/internal/perror"
	"github.com/meshrelay/proxy/internal/profile"
	"github.com/meshrelay/proxy/internal/router"
	"github.com/meshrelay/proxy/internal/stack"
)

// Svc is the request/response service type the gateway deals in.
type Svc = stack.Service[*http.Request, *http.Response]

// Options configures a [*Gateway].
type Options struct {
	// LocalID is this gateway's own mesh identity, written into the
	// by= parameter of appended Forwarded hops and matched against
	// incoming chains for loop detection.
	LocalID string

	// Profiles verifies that a destination is known to the control
	// plane before the gateway agrees to forward to it, preventing a
	// gateway from being used to reach arbitrary addresses.
	Profiles profile.Discovery

	// ProfileTimeout bounds how long a request waits for the first
	// profile revision of a not-yet-watched destination.
	ProfileTimeout time.Duration

	// ProfileMaxIdleAge controls eviction of profile subscriptions for
	// destinations no longer receiving gateway traffic.
	ProfileMaxIdleAge time.Duration

	// Outbound is the inner pipeline requests are handed to once every
	// gate has passed.
	Outbound Svc
}

// Gateway screens each request through the ingress gates — peer identity,
// authoritative destination, known profile, Forwarded-loop — then rewrites
// the Forwarded chain and dispatches to the outbound pipeline.
type Gateway struct {
	opts      Options
	receivers *cache.Cache[string, *profile.Receiver]
}

// New returns a [*Gateway]. Call [Gateway.Run] in its own goroutine to
// drive profile-subscription eviction.
func New(opts Options) *Gateway {
	if opts.ProfileTimeout <= 0 {
		opts.ProfileTimeout = 3 * time.Second
	}
	return &Gateway{
		opts:      opts,
		receivers: cache.New[string, *profile.Receiver](opts.ProfileMaxIdleAge, nil),
	}
}

// Run drives idle eviction of profile subscriptions until ctx is done.
func (g *Gateway) Run(ctx context.Context) { g.receivers.Run(ctx) }

// DrainAll closes every profile subscription, for process shutdown.
func (g *Gateway) DrainAll(ctx context.Context) error { return g.receivers.DrainAll(ctx) }

// Service returns the per-connection [Svc] for one accepted connection.
// The identity gate is the filter-request combinator around the rest of
// the stack: a connection without a verified peer identity is refused
// before any other gate runs.
func (g *Gateway) Service(accept addr.Target) Svc {
	return stack.FilterRequest(func(*http.Request) error {
		if !accept.TLSClientID.Present() {
			return perror.Wrap(perror.IdentityRequired, nil)
		}
		return nil
	}, Svc(&gatewaySvc{gw: g, accept: accept}))
}

type gatewaySvc struct {
	gw     *Gateway
	accept addr.Target
}

func (s *gatewaySvc) Poll(ctx context.Context) error {
	return s.gw.opts.Outbound.Poll(ctx)
}

func (s *gatewaySvc) Call(ctx context.Context, req *http.Request) (*http.Response, error) {
	gw := s.gw

	// The filter-request gate guarantees a verified identity here.
	peer, _ := s.accept.TLSClientID.Name()

	dst, ok := authority(req)
	if !ok {
		return nil, perror.Wrap(perror.NoRoute, nil)
	}

	if err := gw.requireProfile(ctx, dst); err != nil {
		return nil, err
	}

	hops := ParseForwarded(req.Header.Values("Forwarded"))
	if HasLoop(hops, gw.opts.LocalID) {
		return nil, perror.Wrap(perror.LoopDetected, nil)
	}

	req.Header.Add("Forwarded", Hop{
		By:    gw.opts.LocalID,
		For:   peer,
		Host:  dst.String(),
		Proto: "https",
	}.String())
	req.Header.Set(router.HeaderClientID, peer)
	req.Header.Set(router.HeaderDstOverride, dst.String())

	return gw.opts.Outbound.Call(ctx, req)
}

// authority computes the authoritative destination from the request's
// own authority, falling back to the Host header. A gateway never falls
// back to the original-destination socket: a request that does not name
// where it wants to go is refused.
func authority(req *http.Request) (addr.Addr, bool) {
	if a, ok := router.ParseAuthority(req.URL.Host); ok && a.IsName() {
		return a, true
	}
	if a, ok := router.ParseAuthority(req.Host); ok && a.IsName() {
		return a, true
	}
	return addr.Addr{}, false
}

// requireProfile refuses destinations discovery has no profile for. One
// subscription per destination is shared across requests and evicted when
// idle.
func (g *Gateway) requireProfile(ctx context.Context, dst addr.Addr) error {
	handle, err := g.receivers.GetOrMake(ctx, dst.Key(), func(bctx context.Context) (*profile.Receiver, cache.DrainFunc, error) {
		recv, err := profile.NewReceiver(context.WithoutCancel(bctx), g.opts.Profiles, dst)
		if err != nil {
			return nil, nil, err
		}
		return recv, func(context.Context) { recv.Close() }, nil
	})
	if err != nil {
		return perror.Wrap(perror.DiscoveryRejected, err)
	}
	defer handle.Release()

	waitCtx, cancel := context.WithTimeout(ctx, g.opts.ProfileTimeout)
	defer cancel()
	if !handle.Value.WaitFirst(waitCtx) {
		return perror.Wrap(perror.DiscoveryRejected, nil)
	}
	return nil
}
