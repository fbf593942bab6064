// SPDX-License-Identifier: GPL-3.0-or-later

package discovery

import (
	"context"
	"sync"

	"github.com/meshrelay/proxy/internal/addr"
	"github.com/meshrelay/proxy/internal/balancer"
	"github.com/meshrelay/proxy/internal/endpoint"
)

// FakeResolver is a static/file-based [Resolver] backing the CLI's
// non-control-plane destination mode, mirroring [profile.FakeDiscovery]'s
// pre-seeded pattern: each name is pre-seeded with a fixed endpoint set,
// delivered as a burst of [balancer.Add] events on every [Resolve],
// plus [Push] for tests that exercise live membership changes.
type FakeResolver struct {
	mu          sync.Mutex
	sets        map[string][]endpoint.Endpoint[addr.Addr]
	subs        map[string][]chan balancer.Update[addr.Addr]
	terminalSet map[string]bool
}

// NewFakeResolver returns an empty [*FakeResolver].
func NewFakeResolver() *FakeResolver {
	return &FakeResolver{
		sets: make(map[string][]endpoint.Endpoint[addr.Addr]),
		subs: make(map[string][]chan balancer.Update[addr.Addr]),
	}
}

var _ Resolver = &FakeResolver{}

// Set installs the endpoint set delivered to every future [Resolve] call
// for name. It does not affect subscriptions already in flight; use
// [Push] to notify them.
func (f *FakeResolver) Set(name addr.Addr, endpoints []endpoint.Endpoint[addr.Addr]) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sets[name.Key()] = endpoints
}

// DoesNotExist marks name as terminally absent: [Resolve] delivers
// [balancer.DoesNotExist] instead of an endpoint burst.
func (f *FakeResolver) DoesNotExist(name addr.Addr) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.sets, name.Key())
	f.sets[name.Key()] = nil
	f.terminal(name.Key())
}

func (f *FakeResolver) terminal(key string) {
	if f.terminalSet == nil {
		f.terminalSet = make(map[string]bool)
	}
	f.terminalSet[key] = true
}

// Resolve implements [Resolver]. The returned channel stays open so
// [Push] can deliver further updates; callers drive it until ctx is done.
func (f *FakeResolver) Resolve(ctx context.Context, name addr.Addr) (<-chan balancer.Update[addr.Addr], error) {
	key := name.Key()
	ch := make(chan balancer.Update[addr.Addr], 8)

	f.mu.Lock()
	if f.terminalSet[key] {
		ch <- balancer.DoesNotExist[addr.Addr]()
	} else if eps, ok := f.sets[key]; ok {
		if len(eps) == 0 {
			ch <- balancer.Empty[addr.Addr]()
		}
		for _, ep := range eps {
			ch <- balancer.Add(ep)
		}
	} else {
		ch <- balancer.Empty[addr.Addr]()
	}
	f.subs[key] = append(f.subs[key], ch)
	f.mu.Unlock()

	go func() {
		<-ctx.Done()
		f.mu.Lock()
		defer f.mu.Unlock()
		subs := f.subs[key]
		for i, c := range subs {
			if c == ch {
				f.subs[key] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
		close(ch)
	}()

	return ch, nil
}

// Push delivers u to every in-flight subscription for name, for tests
// exercising live endpoint churn.
func (f *FakeResolver) Push(name addr.Addr, u balancer.Update[addr.Addr]) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, ch := range f.subs[name.Key()] {
		ch <- u
	}
}
