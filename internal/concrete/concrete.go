// SPDX-License-Identifier: GPL-3.0-or-later

// Package concrete implements the concrete-target cache: it
// deduplicates balancer construction per concrete destination name and
// idle-evicts unused balancers, built directly on [cache.Cache]'s
// single-flight/idle-eviction machinery.
package concrete

import (
	"context"
	"net/http"
	"time"

	"github.com/meshrelay/proxy/internal/addr"
	"github.com/meshrelay/proxy/internal/balancer"
	"github.com/meshrelay/proxy/internal/cache"
	"github.com/meshrelay/proxy/internal/discovery"
	"github.com/meshrelay/proxy/internal/endpoint"
	"github.com/meshrelay/proxy/internal/metrics"
	"github.com/meshrelay/proxy/internal/stack"
)

// Svc is the service type cached per concrete destination: a balancer
// boxed to the bare [stack.Service] interface (the box_request/
// box_response combinator).
type Svc = stack.Service[*http.Request, *http.Response]

// Cache maps a concrete [addr.Addr] to a shared, single-flight-built
// balancer, evicted after maxIdleAge of no outstanding references.
type Cache struct {
	resolver        discovery.Resolver
	endpointFactory stack.Factory[endpoint.Endpoint[addr.Addr], *http.Request, *http.Response]
	drainTimeout    time.Duration
	metrics         *metrics.Registry
	cache           *cache.Cache[string, Svc]
}

// New returns an empty [*Cache]. Call [Cache.Run] in its own goroutine to
// drive idle eviction.
func New(
	resolver discovery.Resolver,
	endpointFactory stack.Factory[endpoint.Endpoint[addr.Addr], *http.Request, *http.Response],
	maxIdleAge, drainTimeout time.Duration,
	reg *metrics.Registry,
) *Cache {
	return &Cache{
		resolver:        resolver,
		endpointFactory: endpointFactory,
		drainTimeout:    drainTimeout,
		metrics:         reg,
		cache:           cache.New[string, Svc](maxIdleAge, nil),
	}
}

// GetOrMake returns a [*cache.Handle] to the balancer for name, building
// one (and subscribing it to discovery) if absent. Concurrent callers for
// the same name share a single build.
func (c *Cache) GetOrMake(ctx context.Context, name addr.Addr) (*cache.Handle[string, Svc], error) {
	return c.cache.GetOrMake(ctx, name.Key(), func(_ context.Context) (Svc, cache.DrainFunc, error) {
		balCtx, cancel := context.WithCancel(context.Background())
		updates, err := c.resolver.Resolve(balCtx, name)
		if err != nil {
			cancel()
			return nil, nil, err
		}
		bal := balancer.New(balCtx, c.endpointFactory, updates, c.drainTimeout, nil)
		drain := func(context.Context) { cancel() }
		return bal, drain, nil
	})
}

// Run drives idle eviction and periodic metrics export until ctx is done.
func (c *Cache) Run(ctx context.Context) {
	if c.metrics != nil {
		go c.exportLoop(ctx)
	}
	c.cache.Run(ctx)
}

func (c *Cache) exportLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.metrics.SetCacheSize("concrete", c.cache.Len())
		}
	}
}

// DrainAll evicts and drains every cached balancer, for process shutdown.
func (c *Cache) DrainAll(ctx context.Context) error {
	return c.cache.DrainAll(ctx)
}

// Len reports the number of concrete destinations currently cached.
func (c *Cache) Len() int { return c.cache.Len() }
