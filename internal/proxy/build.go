// SPDX-License-Identifier: GPL-3.0-or-later

package proxy

import (
	"github.com/meshrelay/proxy/internal/addr"
	"github.com/meshrelay/proxy/internal/gateway"
	"github.com/meshrelay/proxy/internal/router"
	"github.com/meshrelay/proxy/internal/server"
)

// NewHTTPServiceFactory returns the [ServiceFactory] for the inbound and
// outbound dispositions: per connection, a router beneath the full server
// pipeline, with the accepted socket's original destination as the URI
// normalization fallback.
func NewHTTPServiceFactory(pipeline server.Options, ropts router.Options) ServiceFactory {
	return func(accept addr.Target) server.Svc {
		rt := router.New(ropts, accept)
		return server.Build(pipeline, accept.SocketAddr.String(), rt)
	}
}

// NewGatewayServiceFactory returns the [ServiceFactory] for the gateway
// disposition: the ingress gates beneath the same server pipeline.
func NewGatewayServiceFactory(pipeline server.Options, gw *gateway.Gateway) ServiceFactory {
	return func(accept addr.Target) server.Svc {
		return server.Build(pipeline, accept.SocketAddr.String(), gw.Service(accept))
	}
}
