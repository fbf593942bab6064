// SPDX-License-Identifier: GPL-3.0-or-later

// Package discovery models the resolver side of endpoint discovery: a
// stream of endpoint
// add/remove/terminal events for a concrete destination, consumed by a
// [balancer.Balancer]. The concrete gRPC destination client is out of
// scope for this core; callers supply an adapter or [*FakeResolver].
package discovery

import (
	"context"

	"github.com/meshrelay/proxy/internal/addr"
	"github.com/meshrelay/proxy/internal/balancer"
)

// Resolver subscribes to endpoint membership updates for a concrete
// [addr.Addr]. The returned channel is closed when the subscription ends;
// closing ctx must cause the producer to stop and close the channel.
type Resolver interface {
	Resolve(ctx context.Context, name addr.Addr) (<-chan balancer.Update[addr.Addr], error)
}
