// SPDX-License-Identifier: GPL-3.0-or-later

// Package profile models the per-destination policy layer: a ServiceProfile
// fetched for a logical destination, carrying per-route classification,
// timeout, and retry policy, and updated over time on a watch channel.
package profile

import (
	"net/http"
	"time"

	"github.com/meshrelay/proxy/internal/addr"
)

// RetryPolicy bounds per-route retries. The balancer itself never retries
// automatically; only a route's RetryPolicy may authorize it, and then
// only for requests whose body has not begun streaming.
type RetryPolicy struct {
	MaxRetries  int
	RetryableOn func(statusCode int, err error) bool
}

// Matcher selects whether a request belongs to a [Route].
type Matcher struct {
	Method  string
	Path    string
	Headers map[string]string
}

// Match reports whether req satisfies every configured predicate. A zero
// value Matcher matches everything.
func (m Matcher) Match(req *http.Request) bool {
	if m.Method != "" && req.Method != m.Method {
		return false
	}
	if m.Path != "" && req.URL.Path != m.Path {
		return false
	}
	for k, v := range m.Headers {
		if req.Header.Get(k) != v {
			return false
		}
	}
	return true
}

// Route carries one classification rule within a [ServiceProfile]. Routes
// are matched in declared order; the first match supplies classifier and
// timeout.
type Route struct {
	Matcher     Matcher
	Labels      map[string]string
	Timeout     time.Duration
	RetryPolicy RetryPolicy
}

// ServiceProfile is one control-plane revision for a logical destination.
// If Endpoint is non-nil, requests bypass balancing entirely and are
// forwarded to that exact endpoint (pod-to-pod and gateway hand-off).
type ServiceProfile struct {
	Name        string
	Routes      []Route
	OpaquePorts map[uint16]struct{}
	Endpoint    *addr.Addr
}

// MatchRoute returns the first [Route] whose matcher accepts req, and
// whether one was found.
func (p *ServiceProfile) MatchRoute(req *http.Request) (Route, bool) {
	for _, r := range p.Routes {
		if r.Matcher.Match(req) {
			return r, true
		}
	}
	return Route{}, false
}

// IsOpaquePort reports whether port is in the profile's opaque_ports set,
// meaning protocol detection should be skipped for it.
func (p *ServiceProfile) IsOpaquePort(port uint16) bool {
	_, ok := p.OpaquePorts[port]
	return ok
}
