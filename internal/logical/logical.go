// SPDX-License-Identifier: GPL-3.0-or-later

// Package logical implements the logical/profile stack: it fetches a
// [profile.ServiceProfile] for a logical destination and, per request,
// classifies the route, applies its timeout, and dispatches either to a
// profile-supplied exact endpoint (pod-to-pod / gateway hand-off), to the
// concrete-target cache's balancer for a named destination, or straight
// to a raw socket address with no discovery at all — exactly the three
// cases profile-gated routing distinguishes.
package logical

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/meshrelay/proxy/internal/addr"
	"github.com/meshrelay/proxy/internal/cache"
	"github.com/meshrelay/proxy/internal/concrete"
	"github.com/meshrelay/proxy/internal/endpoint"
	"github.com/meshrelay/proxy/internal/identity"
	"github.com/meshrelay/proxy/internal/perror"
	"github.com/meshrelay/proxy/internal/profile"
	"github.com/meshrelay/proxy/internal/stack"
)

// Svc is the per-request service type this package deals in.
type Svc = stack.Service[*http.Request, *http.Response]

// Cache maps a logical [addr.Addr] to a shared [*Dispatcher], deduplicating
// profile subscriptions the same way [concrete.Cache] deduplicates
// balancers, and for the same reason: ten concurrent connections to one
// destination must share one profile watch, not open ten.
type Cache struct {
	discovery      profile.Discovery
	concreteCache  *concrete.Cache
	directFactory  stack.Factory[addr.Addr, *http.Request, *http.Response]
	defaultTimeout time.Duration
	cache          *cache.Cache[string, *Dispatcher]
}

// New returns an empty [*Cache]. The endpoint factory is adapted through
// the map-target combinator so the direct (discovery-less) path can be
// driven by a bare [addr.Addr]: the mapped endpoint carries no peer
// identity, never an upgraded one.
func New(
	discovery profile.Discovery,
	concreteCache *concrete.Cache,
	directFactory stack.Factory[endpoint.Endpoint[addr.Addr], *http.Request, *http.Response],
	defaultTimeout, maxIdleAge time.Duration,
) *Cache {
	return &Cache{
		discovery:      discovery,
		concreteCache:  concreteCache,
		directFactory:  stack.MapTarget(directEndpoint, directFactory),
		defaultTimeout: defaultTimeout,
		cache:          cache.New[string, *Dispatcher](maxIdleAge, nil),
	}
}

// directEndpoint lifts a socket-addressed destination into the synthetic
// endpoint the endpoint stack dials for the no-discovery path.
func directEndpoint(target addr.Addr) endpoint.Endpoint[addr.Addr] {
	sock, _ := target.Socket()
	return endpoint.Endpoint[addr.Addr]{
		Addr:     sock,
		Identity: identity.Absent(identity.ReasonNoPeerID),
		Logical:  target,
	}
}

// GetOrMake returns a [*cache.Handle] to the [*Dispatcher] for dst,
// subscribing to profile discovery on first use.
func (c *Cache) GetOrMake(ctx context.Context, dst addr.Addr) (*cache.Handle[string, *Dispatcher], error) {
	return c.cache.GetOrMake(ctx, dst.Key(), func(bctx context.Context) (*Dispatcher, cache.DrainFunc, error) {
		recv, err := profile.NewReceiver(bctx, c.discovery, dst)
		if err != nil {
			return nil, nil, err
		}
		d := &Dispatcher{
			dst:            dst,
			receiver:       recv,
			concreteCache:  c.concreteCache,
			directFactory:  c.directFactory,
			defaultTimeout: c.defaultTimeout,
		}
		drain := func(context.Context) { recv.Close() }
		return d, drain, nil
	})
}

// Run drives idle eviction until ctx is done.
func (c *Cache) Run(ctx context.Context) { c.cache.Run(ctx) }

// DrainAll evicts and drains every cached dispatcher.
func (c *Cache) DrainAll(ctx context.Context) error { return c.cache.DrainAll(ctx) }

// Len reports the number of logical destinations currently cached.
func (c *Cache) Len() int { return c.cache.Len() }

// Dispatcher is the per-logical-destination service: it owns a profile
// subscription and, per call, resolves the concrete target the current
// profile revision prescribes.
type Dispatcher struct {
	dst            addr.Addr
	receiver       *profile.Receiver
	concreteCache  *concrete.Cache
	directFactory  stack.Factory[addr.Addr, *http.Request, *http.Response]
	defaultTimeout time.Duration

	mu     sync.Mutex
	direct Svc // lazily built, used for the profile-endpoint and unnamed-dst cases
}

var _ Svc = &Dispatcher{}

// Poll always reports ready: which concrete target a request resolves to
// is only known once the request (and its route match) is in hand, so
// readiness is evaluated inside [Dispatcher.Call] against the specific
// target it picks, and surfaced there as an error rather than here.
func (d *Dispatcher) Poll(ctx context.Context) error { return nil }

// Call implements [Svc]: it matches the current profile revision's routes,
// applies the matched route's timeout, resolves the concrete target, and
// forwards the request. Per-call target resolution means retries (bounded
// by the matched route's [profile.RetryPolicy]) naturally land on a fresh
// balancer pick rather than the same failed peer.
func (d *Dispatcher) Call(ctx context.Context, req *http.Request) (*http.Response, error) {
	rev := d.receiver.Current()

	route, matched := rev.MatchRoute(req)
	timeout := d.defaultTimeout
	if matched && route.Timeout > 0 {
		timeout = route.Timeout
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	attempts := 1
	var retry profile.RetryPolicy
	canReplay := req.Body == nil || req.Body == http.NoBody || req.GetBody != nil
	if matched && canReplay {
		retry = route.RetryPolicy
		attempts += retry.MaxRetries
	}

	var lastErr error
	for i := 0; i < attempts; i++ {
		if i > 0 && req.GetBody != nil {
			body, err := req.GetBody()
			if err != nil {
				break
			}
			req.Body = body
		}
		resp, err := d.dispatchOnce(ctx, &rev, req)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if i+1 >= attempts || retry.RetryableOn == nil {
			break
		}
		status := 0
		if resp != nil {
			status = resp.StatusCode
		}
		if !retry.RetryableOn(status, err) {
			break
		}
	}
	return nil, lastErr
}

func (d *Dispatcher) dispatchOnce(ctx context.Context, rev *profile.ServiceProfile, req *http.Request) (*http.Response, error) {
	switch {
	case rev.Endpoint != nil:
		return d.callDirect(ctx, *rev.Endpoint, req)

	case d.dst.IsName():
		handle, err := d.concreteCache.GetOrMake(ctx, d.dst)
		if err != nil {
			return nil, err
		}
		defer handle.Release()
		if err := stack.AwaitReady(ctx, handle.Value, 0); err != nil {
			return nil, err
		}
		return handle.Value.Call(ctx, req)

	default:
		return d.callDirect(ctx, d.dst, req)
	}
}

// callDirect forwards straight to target's socket address with no
// discovery or balancing, building (and caching) one lazy endpoint
// service per [Dispatcher] lifetime.
func (d *Dispatcher) callDirect(ctx context.Context, target addr.Addr, req *http.Request) (*http.Response, error) {
	if _, ok := target.Socket(); !ok {
		return nil, perror.Wrap(perror.NoRoute, nil)
	}

	d.mu.Lock()
	svc := d.direct
	if svc == nil {
		var err error
		svc, err = d.directFactory.NewService(ctx, target)
		if err != nil {
			d.mu.Unlock()
			return nil, err
		}
		d.direct = svc
	}
	d.mu.Unlock()

	if err := stack.AwaitReady(ctx, svc, 0); err != nil {
		return nil, err
	}
	return svc.Call(ctx, req)
}
