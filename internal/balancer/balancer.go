// SPDX-License-Identifier: GPL-3.0-or-later

package balancer

import (
	"context"
	"io"
	"math/rand/v2"
	"net/netip"
	"sync"
	"time"

	"github.com/meshrelay/proxy/internal/endpoint"
	"github.com/meshrelay/proxy/internal/perror"
	"github.com/meshrelay/proxy/internal/stack"
)

// ewmaDecay weights the previous estimate against the latest sample on
// every completed call. Higher values make the estimate slower to react
// to bursts, which is what keeps P2C from thrashing between two
// endpoints that briefly swap places.
const ewmaDecay = 0.9

// New starts a [*Balancer] that consumes updates until ctx is done or the
// channel is closed. factory builds one [stack.Service] per endpoint via
// the endpoint stack; drainTimeout bounds how long a removed
// endpoint's in-flight requests are given to finish before the balancer
// stops tracking it.
func New[P, Req, Resp any](
	ctx context.Context,
	factory stack.Factory[endpoint.Endpoint[P], Req, Resp],
	updates <-chan Update[P],
	drainTimeout time.Duration,
	timeNow func() time.Time,
) *Balancer[P, Req, Resp] {
	if timeNow == nil {
		timeNow = time.Now
	}
	b := &Balancer[P, Req, Resp]{
		factory:      factory,
		drainTimeout: drainTimeout,
		timeNow:      timeNow,
		peers:        make(map[string]*peerState[Req, Resp]),
	}
	go b.consume(ctx, updates)
	return b
}

// Balancer selects one ready endpoint per request using power-of-two
// choices with exponentially-weighted pending-load and latency estimates
// per destination. It implements [stack.Service] so it can be used as the
// inner service beneath fail-fast and concurrency-limit layers.
type Balancer[P, Req, Resp any] struct {
	factory      stack.Factory[endpoint.Endpoint[P], Req, Resp]
	drainTimeout time.Duration
	timeNow      func() time.Time

	mu       sync.Mutex
	peers    map[string]*peerState[Req, Resp]
	terminal bool
}

var _ stack.Service[any, any] = &Balancer[any, any, any]{}

type peerState[Req, Resp any] struct {
	addr        netip.AddrPort
	svc         stack.Service[Req, Resp]
	draining    bool
	mu          sync.Mutex
	pendingEWMA float64
	latencyEWMA float64
	pending     int64
}

func (b *Balancer[P, Req, Resp]) consume(ctx context.Context, updates <-chan Update[P]) {
	defer b.closeAll()
	for {
		select {
		case <-ctx.Done():
			return
		case u, ok := <-updates:
			if !ok {
				return
			}
			b.apply(ctx, u)
		}
	}
}

func (b *Balancer[P, Req, Resp]) apply(ctx context.Context, u Update[P]) {
	switch u.Kind {
	case UpdateAdd:
		svc, err := b.factory.NewService(ctx, u.Endpoint)
		if err != nil {
			return
		}
		key := u.Endpoint.Addr.String()
		b.mu.Lock()
		old := b.peers[key]
		b.peers[key] = &peerState[Req, Resp]{addr: u.Endpoint.Addr, svc: svc}
		b.mu.Unlock()
		if old != nil {
			closeService(old.svc)
		}

	case UpdateRemove:
		key := u.Addr.String()
		b.mu.Lock()
		p, ok := b.peers[key]
		if !ok {
			b.mu.Unlock()
			return
		}
		p.mu.Lock()
		p.draining = true
		p.mu.Unlock()
		deadline := b.drainTimeout
		b.mu.Unlock()

		// When the deadline expires the peer is evicted and its
		// kept-alive connection released, cutting off any request that
		// outlived its drain grace.
		evict := func() {
			b.mu.Lock()
			p, ok := b.peers[key]
			delete(b.peers, key)
			b.mu.Unlock()
			if ok {
				closeService(p.svc)
			}
		}
		if deadline <= 0 {
			evict()
		} else {
			time.AfterFunc(deadline, evict)
		}

	case UpdateDoesNotExist:
		b.mu.Lock()
		b.terminal = true
		b.mu.Unlock()

	case UpdateEmpty:
		// Transient: every tracked endpoint starts draining as if
		// removed, so Poll reports not-ready until the next Add.
		b.mu.Lock()
		addrs := make([]netip.AddrPort, 0, len(b.peers))
		for _, p := range b.peers {
			p.mu.Lock()
			if !p.draining {
				addrs = append(addrs, p.addr)
			}
			p.mu.Unlock()
		}
		b.mu.Unlock()
		for _, a := range addrs {
			b.apply(ctx, Remove[P](a))
		}
	}
}

// closeAll evicts and releases every endpoint service, draining ones
// included. Runs when the update stream ends (subscription cancelled or
// closed), which is how a cache-evicted balancer lets go of its
// kept-alive connections.
func (b *Balancer[P, Req, Resp]) closeAll() {
	b.mu.Lock()
	peers := b.peers
	b.peers = make(map[string]*peerState[Req, Resp])
	b.mu.Unlock()
	for _, p := range peers {
		closeService(p.svc)
	}
}

// closeService releases the endpoint service's underlying connection when
// it holds one.
func closeService[Req, Resp any](svc stack.Service[Req, Resp]) {
	if c, ok := any(svc).(io.Closer); ok {
		c.Close()
	}
}

// Poll implements [stack.Service]. It reports terminal failure once
// discovery has refused the destination, not-ready while no endpoint is
// currently reachable, and nil once at least one non-draining endpoint
// reports ready.
func (b *Balancer[P, Req, Resp]) Poll(ctx context.Context) error {
	b.mu.Lock()
	terminal := b.terminal
	candidates := make([]*peerState[Req, Resp], 0, len(b.peers))
	for _, p := range b.peers {
		candidates = append(candidates, p)
	}
	b.mu.Unlock()

	if terminal {
		return perror.Wrap(perror.DiscoveryRejected, nil)
	}
	for _, p := range candidates {
		p.mu.Lock()
		draining := p.draining
		p.mu.Unlock()
		if draining {
			continue
		}
		if p.svc.Poll(ctx) == nil {
			return nil
		}
	}
	return &stack.ErrNotReady{Reason: "no ready endpoint"}
}

// Call implements [stack.Service]. Callers must have observed [Poll]
// return nil immediately before calling.
func (b *Balancer[P, Req, Resp]) Call(ctx context.Context, req Req) (Resp, error) {
	var zero Resp

	b.mu.Lock()
	terminal := b.terminal
	ready := make([]*peerState[Req, Resp], 0, len(b.peers))
	for _, p := range b.peers {
		p.mu.Lock()
		draining := p.draining
		p.mu.Unlock()
		if !draining && p.svc.Poll(ctx) == nil {
			ready = append(ready, p)
		}
	}
	b.mu.Unlock()

	if terminal {
		return zero, perror.Wrap(perror.DiscoveryRejected, nil)
	}
	if len(ready) == 0 {
		return zero, &stack.ErrNotReady{Reason: "no ready endpoint"}
	}

	peer := b.pick(ready)
	return b.dispatch(ctx, peer, req)
}

// pick implements power-of-two-choices: sample two candidates uniformly
// at random, choose the one with lower pending-load EWMA, breaking ties
// by lower latency EWMA. With a single candidate, it is returned
// directly.
func (b *Balancer[P, Req, Resp]) pick(ready []*peerState[Req, Resp]) *peerState[Req, Resp] {
	if len(ready) == 1 {
		return ready[0]
	}
	i := rand.IntN(len(ready))
	j := rand.IntN(len(ready) - 1)
	if j >= i {
		j++
	}
	a, bPeer := ready[i], ready[j]

	a.mu.Lock()
	aPending, aLatency := a.pendingEWMA, a.latencyEWMA
	a.mu.Unlock()
	bPeer.mu.Lock()
	bPending, bLatency := bPeer.pendingEWMA, bPeer.latencyEWMA
	bPeer.mu.Unlock()

	if aPending != bPending {
		if aPending < bPending {
			return a
		}
		return bPeer
	}
	if aLatency <= bLatency {
		return a
	}
	return bPeer
}

func (b *Balancer[P, Req, Resp]) dispatch(ctx context.Context, peer *peerState[Req, Resp], req Req) (Resp, error) {
	peer.mu.Lock()
	peer.pending++
	peer.pendingEWMA = ewmaDecay*peer.pendingEWMA + (1-ewmaDecay)*float64(peer.pending)
	peer.mu.Unlock()

	t0 := b.timeNow()
	resp, err := peer.svc.Call(ctx, req)
	elapsed := b.timeNow().Sub(t0)

	peer.mu.Lock()
	peer.pending--
	peer.pendingEWMA = ewmaDecay*peer.pendingEWMA + (1-ewmaDecay)*float64(peer.pending)
	peer.latencyEWMA = ewmaDecay*peer.latencyEWMA + (1-ewmaDecay)*float64(elapsed)
	peer.mu.Unlock()

	return resp, err
}

// PeerCount reports the number of endpoints currently tracked, including
// draining ones. Intended for tests and metrics, not for routing
// decisions.
func (b *Balancer[P, Req, Resp]) PeerCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.peers)
}
