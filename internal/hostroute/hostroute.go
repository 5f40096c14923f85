// Package hostroute discovers how the host reaches the public internet.
//
// The gateway's DHCP server uses it on first contact to derive a host-facing
// address and default gateway when no static configuration was supplied. The
// probe targets a well-known external address; no packet is sent, only the
// routing table is consulted.
package hostroute

// probeAddr is the well-known external address used for the route lookup.
var probeAddr = [4]byte{8, 8, 8, 8}
