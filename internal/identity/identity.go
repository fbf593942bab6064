// SPDX-License-Identifier: GPL-3.0-or-later

// Package identity models the proxy's notion of peer identity: either a
// verified TLS peer name, or a reason the connection has none. The
// identity is never upgraded silently — a missing identity stays missing
// all the way up the stack, and layers that require one must fail the
// request rather than substitute loopback or any other default.
package identity

// Reason explains why a [Identity] carries no verified peer name.
type Reason string

const (
	// ReasonPortSkipped means the destination port is configured to
	// skip identity checks entirely (e.g. a non-mesh port).
	ReasonPortSkipped Reason = "port_skipped"

	// ReasonNoPeerID means the remote peer did not present a
	// certificate carrying a recognizable identity during the TLS
	// handshake.
	ReasonNoPeerID Reason = "no_peer_id"

	// ReasonLoopback means the connection originated from loopback,
	// where identity is not meaningful.
	ReasonLoopback Reason = "loopback"

	// ReasonLocalDisabled means the local identity provisioner is
	// disabled, so no TLS handshake was attempted at all.
	ReasonLocalDisabled Reason = "local_identity_disabled"

	// ReasonIngressNonHTTP means the connection arrived through an
	// ingress listener carrying a non-HTTP protocol, where identity
	// extraction does not apply.
	ReasonIngressNonHTTP Reason = "ingress_non_http"
)

// Identity is the conditional peer identity attached to a [Target]:
// either a verified name, or a [Reason] explaining its absence. The zero
// value is not valid; use [Verified] or [Absent].
type Identity struct {
	name   string
	reason Reason
}

// Verified returns an [Identity] carrying a verified peer name.
func Verified(name string) Identity {
	return Identity{name: name}
}

// Absent returns an [Identity] with no verified name, labeled with why.
func Absent(reason Reason) Identity {
	return Identity{reason: reason}
}

// Name returns the verified peer name and true, or ("", false) if the
// identity is absent.
func (id Identity) Name() (string, bool) {
	if id.name == "" {
		return "", false
	}
	return id.name, true
}

// Reason returns why the identity is absent. It is only meaningful when
// [Identity.Name] returns false.
func (id Identity) Reason() Reason {
	return id.reason
}

// Present reports whether a verified peer name is available.
func (id Identity) Present() bool {
	return id.name != ""
}

// String renders the identity for logging and metric labels: the
// verified name if present, otherwise the absence reason.
func (id Identity) String() string {
	if id.name != "" {
		return id.name
	}
	if id.reason == "" {
		return string(ReasonNoPeerID)
	}
	return string(id.reason)
}
