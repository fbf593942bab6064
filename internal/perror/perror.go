// SPDX-License-Identifier: GPL-3.0-or-later

// Package perror defines the proxy's error kinds and a small chained
// error type covering the proxy-level failure taxonomy, as distinct from
// the raw network errno classification in package errclass.
package perror

import (
	"errors"
	"fmt"
)

// Kind classifies a proxy-level failure for logging, metrics, and the
// server pipeline's errors-to-responses translation.
type Kind string

const (
	// LoopPrevented marks a dial refused because it targeted the
	// proxy's own listener on loopback.
	LoopPrevented Kind = "loop_prevented"

	// LoopDetected marks a gateway request whose Forwarded chain
	// already names this proxy.
	LoopDetected Kind = "loop_detected"

	// DiscoveryRejected marks a destination resolution definitively
	// refused by discovery (balancer DoesNotExist).
	DiscoveryRejected Kind = "discovery_rejected"

	// IdentityRequired marks a request rejected for lacking a
	// verified peer identity where one was mandatory.
	IdentityRequired Kind = "identity_required"

	// NoRoute marks a request no router candidate could resolve.
	NoRoute Kind = "no_route"

	// Overload marks a request rejected by fail-fast or the
	// concurrency limiter.
	Overload Kind = "overload"

	// Timeout marks a request that exceeded a dispatch or route
	// timeout.
	Timeout Kind = "timeout"

	// Io marks a transport-level I/O failure (connect, handshake,
	// read/write).
	Io Kind = "io"

	// Tls marks a TLS handshake failure distinct from a generic I/O
	// failure, so metrics can separate certificate problems from
	// connectivity problems.
	Tls Kind = "tls"
)

// Error is a chained error carrying a [Kind] alongside its cause.
type Error struct {
	Kind  Kind
	Cause error
}

// Wrap returns a new [*Error] with the given kind and cause. If cause is
// nil, Wrap still returns a non-nil error whose message names only the
// kind.
func Wrap(kind Kind, cause error) *Error {
	return &Error{Kind: kind, Cause: cause}
}

func (e *Error) Error() string {
	if e.Cause == nil {
		return fmt.Sprintf("%s", string(e.Kind))
	}
	return fmt.Sprintf("%s: %s", string(e.Kind), e.Cause.Error())
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// As reports whether err is (or wraps) a [*Error] and, when true, sets
// kind to its Kind.
func As(err error, kind *Kind) bool {
	var perr *Error
	if errors.As(err, &perr) {
		*kind = perr.Kind
		return true
	}
	return false
}
