//go:build linux

package hostroute

import (
	"fmt"
	"net"

	"github.com/vishvananda/netlink"
)

// Probe asks the kernel routing table for the route to probeAddr and returns
// the preferred source address and the gateway on that route.
func Probe() (hostIP, gatewayIP [4]byte, err error) {
	routes, err := netlink.RouteGet(net.IP(probeAddr[:]))
	if err != nil {
		return hostIP, gatewayIP, fmt.Errorf("hostroute: route lookup: %w", err)
	}

	for _, route := range routes {
		src := route.Src.To4()
		gw := route.Gw.To4()
		if src == nil || gw == nil {
			continue
		}
		copy(hostIP[:], src)
		copy(gatewayIP[:], gw)
		return hostIP, gatewayIP, nil
	}
	return hostIP, gatewayIP, fmt.Errorf("hostroute: no route with source and gateway to %s", net.IP(probeAddr[:]))
}
