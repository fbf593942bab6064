// SPDX-License-Identifier: GPL-3.0-or-later

package profile

import (
	"context"
	"sync"

	"github.com/meshrelay/proxy/internal/addr"
)

// FakeDiscovery is a static/file-based [Discovery] backing the CLI's
// non-control-plane destination mode: each dst key is pre-seeded with a
// fixed profile value, delivered once on Watch with no further updates.
type FakeDiscovery struct {
	mu       sync.Mutex
	profiles map[string]ServiceProfile
}

// NewFakeDiscovery returns an empty [*FakeDiscovery]. Use [Set] to seed
// profiles before they are watched.
func NewFakeDiscovery() *FakeDiscovery {
	return &FakeDiscovery{profiles: make(map[string]ServiceProfile)}
}

var _ Discovery = &FakeDiscovery{}

// Set installs or replaces the profile for dst.
func (f *FakeDiscovery) Set(dst addr.Addr, profile ServiceProfile) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.profiles[dst.Key()] = profile
}

// Watch implements [Discovery]. If no profile was seeded for dst, the
// channel closes immediately without delivering a value, matching the
// "discovery returns no profile" case the gateway must reject.
func (f *FakeDiscovery) Watch(ctx context.Context, dst addr.Addr) (<-chan ServiceProfile, error) {
	f.mu.Lock()
	p, ok := f.profiles[dst.Key()]
	f.mu.Unlock()

	ch := make(chan ServiceProfile, 1)
	if ok {
		ch <- p
	}
	close(ch)
	return ch, nil
}
