// SPDX-License-Identifier: GPL-3.0-or-later

// Package balancer implements power-of-two-choices endpoint selection with
// exponentially-weighted moving averages of pending load and latency,
// consuming a discovery-driven update stream per concrete destination.
package balancer

import (
	"net/netip"

	"github.com/meshrelay/proxy/internal/endpoint"
)

// UpdateKind discriminates the events a [Balancer] consumes from its
// update channel.
type UpdateKind int

const (
	// UpdateAdd introduces a new endpoint to the pool.
	UpdateAdd UpdateKind = iota

	// UpdateRemove starts draining an existing endpoint: new requests
	// stop being routed to it, in-flight requests are allowed to
	// finish within the drain deadline.
	UpdateRemove

	// UpdateDoesNotExist marks the balancer terminal: discovery has
	// definitively refused this destination, and every subsequent
	// request fails fast with a discovery-rejected error.
	UpdateDoesNotExist

	// UpdateEmpty reports a transient absence of endpoints. The
	// balancer remains non-terminal but reports not-ready until the
	// next Add.
	UpdateEmpty
)

// Update is one event in the discovery-driven stream a [Balancer]
// consumes. P is the endpoint's logical metadata payload type.
type Update[P any] struct {
	Kind     UpdateKind
	Endpoint endpoint.Endpoint[P]
	Addr     netip.AddrPort
}

// Add returns an [Update] introducing ep.
func Add[P any](ep endpoint.Endpoint[P]) Update[P] {
	return Update[P]{Kind: UpdateAdd, Endpoint: ep}
}

// Remove returns an [Update] draining the endpoint at addr.
func Remove[P any](addr netip.AddrPort) Update[P] {
	return Update[P]{Kind: UpdateRemove, Addr: addr}
}

// DoesNotExist returns a terminal [Update].
func DoesNotExist[P any]() Update[P] {
	return Update[P]{Kind: UpdateDoesNotExist}
}

// Empty returns a transient empty-pool [Update].
func Empty[P any]() Update[P] {
	return Update[P]{Kind: UpdateEmpty}
}
