// Copyright (C) 2014 Jakob Borg and Contributors (see the CONTRIBUTORS file).
//
// This program is free software: you can redistribute it and/or modify it
// under the terms of the GNU General Public License as published by the Free
// Software Foundation, either version 3 of the License, or (at your option)
// any later version.
//
// This program is distributed in the hope that it will be useful, but WITHOUT
// ANY WARRANTY; without even the implied warranty of MERCHANTABILITY or
// FITNESS FOR A PARTICULAR PURPOSE. See the GNU General Public License for
// more details.
//
// You should have received a copy of the GNU General Public License along
// with this program. If not, see <http://www.gnu.org/licenses/>.

// Package caaddr derives the set of UDP broadcast addresses the client
// engine sends SEARCH requests to, per spec.md §4.2 and §8 scenario 6.
package caaddr

import (
	"net"
	"os"
	"strings"

	"github.com/jackpal/gateway"

	"github.com/vstadnytskyi/EPICS-CA/internal/calog"
)

// EnvAddrList is EPICS_CA_ADDR_LIST: a space-separated list of dotted IPv4
// broadcast addresses, always included regardless of auto-derivation.
const EnvAddrList = "EPICS_CA_ADDR_LIST"

// EnvAutoAddrList is EPICS_CA_AUTO_ADDR_LIST; set to "NO" to suppress
// deriving broadcast addresses from local interfaces.
const EnvAutoAddrList = "EPICS_CA_AUTO_ADDR_LIST"

// BroadcastAddresses returns the union of the address-OR-NOT(netmask)
// broadcast address of every local IPv4 interface (unless auto-derivation
// is disabled) and every address named in EPICS_CA_ADDR_LIST. An
// interface's separately configured broadcast address is not consulted;
// the derived one is always used.
func BroadcastAddresses() []net.IP {
	var out []net.IP
	seen := make(map[string]bool)
	add := func(ip net.IP) {
		if ip == nil {
			return
		}
		k := ip.String()
		if seen[k] {
			return
		}
		seen[k] = true
		out = append(out, ip)
	}

	if os.Getenv(EnvAutoAddrList) != "NO" {
		for _, ip := range interfaceBroadcasts() {
			add(ip)
		}
	}

	for _, a := range strings.Fields(os.Getenv(EnvAddrList)) {
		if ip := net.ParseIP(a); ip != nil {
			add(ip)
		} else {
			calog.Warnln("caaddr: ignoring malformed", EnvAddrList, "entry", a)
		}
	}

	if len(out) == 0 {
		// Fall back to the general IPv4 broadcast address, mirroring the
		// reference beacon package's behavior when interface enumeration
		// finds nothing routable.
		add(net.IPv4(255, 255, 255, 255))
	}
	return out
}

// interfaceBroadcasts enumerates local IPv4 interfaces and derives each
// one's broadcast address, the same address-OR-NOT(netmask) arithmetic as
// the reference codebase's beacon.bcast helper.
func interfaceBroadcasts() []net.IP {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		calog.Warnln("caaddr: interface addresses:", err)
		return gatewayFallback()
	}

	var out []net.IP
	for _, addr := range addrs {
		ipnet, ok := addr.(*net.IPNet)
		if !ok {
			continue
		}
		ip4 := ipnet.IP.To4()
		if ip4 == nil || !ipnet.IP.IsGlobalUnicast() {
			continue
		}
		out = append(out, broadcastOf(ipnet))
	}
	if len(out) == 0 {
		return gatewayFallback()
	}
	return out
}

// broadcastOf computes ip | ^mask for an IPv4 network, i.e. the
// address-OR-NOT(netmask) rule of spec.md §4.2.
func broadcastOf(ipnet *net.IPNet) net.IP {
	ip4 := ipnet.IP.To4()
	mask := ipnet.Mask
	if len(mask) == 16 {
		mask = mask[12:]
	}
	bc := make(net.IP, 4)
	for i := range bc {
		m := byte(0xff)
		if i < len(mask) {
			m = mask[i]
		}
		bc[i] = ip4[i] | ^m
	}
	return bc
}

// gatewayFallback asks for the default IPv4 gateway and broadcasts to its
// /24 when interface enumeration yields nothing routable — useful inside
// containers where InterfaceAddrs sees only loopback.
func gatewayFallback() []net.IP {
	gw, err := gateway.DiscoverGateway()
	if err != nil || gw == nil {
		return nil
	}
	ip4 := gw.To4()
	if ip4 == nil {
		return nil
	}
	bc := net.IP{ip4[0], ip4[1], ip4[2], 255}
	return []net.IP{bc}
}
