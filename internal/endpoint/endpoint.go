// SPDX-License-Identifier: GPL-3.0-or-later

// Package endpoint defines the data yielded by a resolver and consumed by
// the Connect layer: a single dialable address plus the metadata needed
// to decide whether to upgrade the connection to mTLS or prepend an
// opaque-transport header.
package endpoint

import (
	"net/netip"

	"github.com/meshrelay/proxy/internal/identity"
)

// Metadata carries per-endpoint hints discovered out of band (from the
// destination control-plane response) that influence how Connect treats
// the endpoint.
type Metadata struct {
	// OpaqueTransportPort, if non-zero, means the endpoint expects the
	// opaque-transport header to be written before any payload bytes,
	// and that the header should advertise this port as the true
	// destination port.
	OpaqueTransportPort uint16

	// OpaqueTransportName, if set alongside OpaqueTransportPort, is
	// the logical destination name advertised inside the
	// opaque-transport frame.
	OpaqueTransportName string

	// Zone is an optional topology hint (e.g. availability zone) used
	// only for logging/metrics labels in this implementation.
	Zone string
}

// Endpoint is a single dialable destination yielded by the resolver and
// consumed by the Connect layer. P is the logical target type the
// endpoint was resolved on behalf of (kept generic so the endpoint stack
// can be built once and reused for both inbound and outbound pipelines).
type Endpoint[P any] struct {
	Addr     netip.AddrPort
	Identity identity.Identity
	Metadata Metadata
	Logical  P
}
