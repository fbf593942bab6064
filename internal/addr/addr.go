// SPDX-License-Identifier: GPL-3.0-or-later

// Package addr implements the proxy's logical destination type and the
// per-request routing key derived from it.
package addr

import (
	"fmt"
	"net/netip"
	"strconv"
	"strings"
)

// Addr is a logical destination: either a DNS-resolvable name and port
// (optionally carrying a canonical-name suffix), or a raw socket address.
// Equality and hashing are by canonical form ([Addr.Key]).
type Addr struct {
	name      string
	canonical string
	port      uint16
	socket    netip.AddrPort
	isName    bool
}

// NameAddr builds an [Addr] from a DNS name and port.
func NameAddr(name string, port uint16) Addr {
	return Addr{name: name, port: port, isName: true}
}

// NameAddrCanonical builds an [Addr] from a DNS name and port, recording
// the canonical name suffix reported by discovery (e.g. the fully
// qualified service name behind a short alias).
func NameAddrCanonical(name, canonical string, port uint16) Addr {
	return Addr{name: name, canonical: canonical, port: port, isName: true}
}

// SocketAddr builds an [Addr] from a raw socket address.
func SocketAddr(sa netip.AddrPort) Addr {
	return Addr{socket: sa}
}

// IsName reports whether this [Addr] is name-based (resolvable) rather
// than a raw socket address.
func (a Addr) IsName() bool { return a.isName }

// Name returns the DNS name and port, or ("", 0, false) if this [Addr] is
// a raw socket address.
func (a Addr) Name() (string, uint16, bool) {
	if !a.isName {
		return "", 0, false
	}
	return a.name, a.port, true
}

// Canonical returns the canonical name suffix, if discovery has supplied
// one; otherwise it returns the plain name.
func (a Addr) Canonical() string {
	if a.canonical != "" {
		return a.canonical
	}
	return a.name
}

// Socket returns the raw socket address, or (zero, false) if this [Addr]
// is name-based.
func (a Addr) Socket() (netip.AddrPort, bool) {
	if a.isName {
		return netip.AddrPort{}, false
	}
	return a.socket, true
}

// String renders the address in "host:port" form.
func (a Addr) String() string {
	if a.isName {
		return fmt.Sprintf("%s:%d", a.name, a.port)
	}
	return a.socket.String()
}

// Key returns the canonical hashable form of the address, used as a cache
// and map key. Two [Addr] values referring to the same destination always
// produce the same key, regardless of how the canonical suffix was set.
func (a Addr) Key() string {
	if a.isName {
		return "name:" + strings.ToLower(a.name) + ":" + strconv.Itoa(int(a.port))
	}
	return "sock:" + a.socket.String()
}

// Equal reports whether two addresses have the same canonical form.
func (a Addr) Equal(other Addr) bool {
	return a.Key() == other.Key()
}
