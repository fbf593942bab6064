// SPDX-License-Identifier: GPL-3.0-or-later

// Package server implements the per-connection HTTP pipeline: URI
// normalization, trace-context propagation, the single errors-to-responses
// translation layer, overload protection, and the glue that serves an
// accepted (and protocol-detected) connection with HTTP/1.x or HTTP/2.
package server

import (
	"context"
	"net/http"

	"github.com/meshrelay/proxy/internal/stack"
)

// NormalizeURI rewrites an origin-form request ("GET /path") into
// absolute-form using the authority fallback chain: the request's own
// authority if present, then the Host header, then fallbackAuthority (the
// accepted socket's original destination). Applying it twice is the same
// as applying it once: a request already in absolute-form is untouched.
func NormalizeURI(req *http.Request, fallbackAuthority string) {
	if req.URL.Scheme == "" {
		req.URL.Scheme = "http"
	}
	if req.URL.Host != "" {
		return
	}
	if req.Host != "" {
		req.URL.Host = req.Host
		return
	}
	req.URL.Host = fallbackAuthority
}

// NormalizeURILayer wraps a service so every request is normalized before
// dispatch.
func NormalizeURILayer(fallbackAuthority string, inner Svc) Svc {
	return &normalizeURI{fallback: fallbackAuthority, inner: inner}
}

// Svc is the request/response service type the server pipeline deals in.
type Svc = stack.Service[*http.Request, *http.Response]

type normalizeURI struct {
	fallback string
	inner    Svc
}

func (n *normalizeURI) Poll(ctx context.Context) error { return n.inner.Poll(ctx) }

func (n *normalizeURI) Call(ctx context.Context, req *http.Request) (*http.Response, error) {
	NormalizeURI(req, n.fallback)
	return n.inner.Call(ctx, req)
}
