// SPDX-License-Identifier: GPL-3.0-or-later

package main

import (
	"encoding/json"
	"fmt"
	"net/netip"
	"os"

	"github.com/meshrelay/proxy/internal/addr"
	"github.com/meshrelay/proxy/internal/discovery"
	"github.com/meshrelay/proxy/internal/endpoint"
	"github.com/meshrelay/proxy/internal/identity"
	"github.com/meshrelay/proxy/internal/profile"
	"github.com/meshrelay/proxy/internal/router"
)

// staticDestination is one entry of the static destinations file: the
// control-plane-less mode used for development and tests, standing in for
// the external destination and profile clients.
type staticDestination struct {
	// Name is the logical destination ("web.test.svc:8080").
	Name string `json:"name"`

	// Endpoints are the dialable addresses behind the name.
	Endpoints []staticEndpoint `json:"endpoints"`

	// OpaquePort marks the destination port opaque (no protocol
	// detection).
	OpaquePort bool `json:"opaque_port,omitempty"`
}

type staticEndpoint struct {
	Addr string `json:"addr"`

	// Identity enables mesh TLS toward this endpoint.
	Identity string `json:"identity,omitempty"`

	// OpaqueTransportPort advertises the opaque-transport header with
	// this original destination port.
	OpaqueTransportPort uint16 `json:"opaque_transport_port,omitempty"`
}

type staticFile struct {
	Destinations []staticDestination `json:"destinations"`
}

// loadStaticPlane seeds a resolver and a profile source from path.
func loadStaticPlane(path string) (*discovery.FakeResolver, *profile.FakeDiscovery, map[uint16]struct{}, error) {
	resolver := discovery.NewFakeResolver()
	profiles := profile.NewFakeDiscovery()
	opaquePorts := make(map[uint16]struct{})

	if path == "" {
		return resolver, profiles, opaquePorts, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("destinations file: %w", err)
	}
	var file staticFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, nil, nil, fmt.Errorf("destinations file %s: %w", path, err)
	}

	for _, d := range file.Destinations {
		dst, ok := router.ParseAuthority(d.Name)
		if !ok {
			return nil, nil, nil, fmt.Errorf("destinations file %s: bad name %q", path, d.Name)
		}

		var eps []endpoint.Endpoint[addr.Addr]
		for _, e := range d.Endpoints {
			ap, err := netip.ParseAddrPort(e.Addr)
			if err != nil {
				return nil, nil, nil, fmt.Errorf("destinations file %s: endpoint %q: %w", path, e.Addr, err)
			}
			id := identity.Absent(identity.ReasonNoPeerID)
			if e.Identity != "" {
				id = identity.Verified(e.Identity)
			}
			meta := endpoint.Metadata{OpaqueTransportPort: e.OpaqueTransportPort}
			if e.OpaqueTransportPort != 0 {
				meta.OpaqueTransportName = dst.Canonical()
			}
			eps = append(eps, endpoint.Endpoint[addr.Addr]{
				Addr:     ap,
				Identity: id,
				Metadata: meta,
				Logical:  dst,
			})
		}
		resolver.Set(dst, eps)
		profiles.Set(dst, profile.ServiceProfile{Name: d.Name})

		if d.OpaquePort {
			if _, port, ok := dst.Name(); ok {
				opaquePorts[port] = struct{}{}
			}
		}
	}
	return resolver, profiles, opaquePorts, nil
}
