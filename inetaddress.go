// Copyright 2023 Kami
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package reactor

import (
	"fmt"
	"net"

	"golang.org/x/sys/unix"
)

// Family identifies whether an Endpoint is IPv4 or IPv6.
type Family int

const (
	// FamilyIPv4 selects AF_INET.
	FamilyIPv4 Family = iota
	// FamilyIPv6 selects AF_INET6.
	FamilyIPv6
)

// Endpoint is an immutable IPv4/IPv6 socket address: an IP plus a port,
// tagged with its address family. Once constructed it never changes.
type Endpoint struct {
	family Family
	ip     net.IP
	port   uint16
}

// NewEndpoint resolves host:port (host may be empty, meaning "any address")
// into an Endpoint of the requested family. ipv6 selects AF_INET6; loopback
// selects 127.0.0.1/::1 when host is empty instead of the wildcard address.
func NewEndpoint(host string, port uint16, ipv6, loopbackOnly bool) Endpoint {
	family := FamilyIPv4
	if ipv6 {
		family = FamilyIPv6
	}
	var ip net.IP
	switch {
	case host != "":
		ip = net.ParseIP(host)
	case loopbackOnly && ipv6:
		ip = net.IPv6loopback
	case loopbackOnly:
		ip = net.IPv4(127, 0, 0, 1)
	case ipv6:
		ip = net.IPv6zero
	default:
		ip = net.IPv4zero
	}
	if ip == nil {
		ip = net.IPv4zero
	}
	if ipv4 := ip.To4(); ipv4 != nil && !ipv6 {
		ip = ipv4
	}
	return Endpoint{family: family, ip: ip, port: port}
}

// endpointFromSockaddr normalizes a syscall-level address into an Endpoint,
// collapsing an IPv4-mapped IPv6 address down to plain IPv4.
func endpointFromSockaddr(sa unix.Sockaddr) Endpoint {
	switch a := sa.(type) {
	case *unix.SockaddrInet4:
		return Endpoint{family: FamilyIPv4, ip: net.IP(a.Addr[:]).To4(), port: uint16(a.Port)}
	case *unix.SockaddrInet6:
		ip := net.IP(a.Addr[:])
		if v4 := ip.To4(); v4 != nil {
			return Endpoint{family: FamilyIPv4, ip: v4, port: uint16(a.Port)}
		}
		return Endpoint{family: FamilyIPv6, ip: ip, port: uint16(a.Port)}
	default:
		return Endpoint{}
	}
}

// Family reports whether e is IPv4 or IPv6.
func (e Endpoint) Family() Family { return e.family }

// IP returns the printable IP address.
func (e Endpoint) IP() string { return e.ip.String() }

// Port returns the numeric port.
func (e Endpoint) Port() uint16 { return e.port }

// String renders "ip:port", bracketing IPv6 addresses.
func (e Endpoint) String() string {
	if e.family == FamilyIPv6 {
		return fmt.Sprintf("[%s]:%d", e.ip.String(), e.port)
	}
	return fmt.Sprintf("%s:%d", e.ip.String(), e.port)
}

// sockaddr returns the syscall-level address used for bind/connect.
func (e Endpoint) sockaddr() unix.Sockaddr {
	if e.family == FamilyIPv6 {
		sa := &unix.SockaddrInet6{Port: int(e.port)}
		copy(sa.Addr[:], e.ip.To16())
		return sa
	}
	sa := &unix.SockaddrInet4{Port: int(e.port)}
	copy(sa.Addr[:], e.ip.To4())
	return sa
}

// domain returns the syscall address family constant for socket(2).
func (e Endpoint) domain() int {
	if e.family == FamilyIPv6 {
		return unix.AF_INET6
	}
	return unix.AF_INET
}
