package proxy

import (
	"net"

	"github.com/insomniacslk/dhcp/dhcpv4"
)

////////////////////////////////////////////////////////////////////////////////
// DHCP server. The gateway always intercepts guest traffic to UDP 67 so no
// other responder on the wire can hand out a competing lease. The first
// exchange doubles as the enable trigger: host addressing is derived from
// the OS routing table and the guest address from it.
////////////////////////////////////////////////////////////////////////////////

const (
	dhcpServerPort = 67
	dhcpClientPort = 68

	dhcpLeaseSeconds = 86400
)

var (
	dhcpBroadcastIP = [4]byte{255, 255, 255, 255}
	dhcpSubnetMask  = net.IPv4Mask(255, 255, 255, 0)
)

// handleDHCPLocked serves OFFER/ACK for the configured lease. Frames to port
// 67 never leave the gateway: malformed or unsupported requests are consumed
// and dropped.
func (p *Proxy) handleDHCPLocked(eth ethernetHeader, udp udpHeader) bool {
	req, err := dhcpv4.FromBytes(udp.payload)
	if err != nil {
		p.log.Debug("dhcp: unparseable request", "err", err)
		return true
	}
	if req.OpCode != dhcpv4.OpcodeBootRequest {
		return true
	}

	msgType := req.MessageType()
	if msgType != dhcpv4.MessageTypeDiscover && msgType != dhcpv4.MessageTypeRequest {
		return true
	}

	p.recordGuestMACLocked(eth.src)

	if !p.cfg.enabled {
		if !p.autoDetectLocked() {
			p.log.Warn("dhcp: host network auto-detection failed, dropping request")
			return true
		}
	}

	replyType := dhcpv4.MessageTypeOffer
	if msgType == dhcpv4.MessageTypeRequest {
		replyType = dhcpv4.MessageTypeAck
	}

	reply, err := dhcpv4.NewReplyFromRequest(req,
		dhcpv4.WithMessageType(replyType),
		dhcpv4.WithYourIP(net.IP(p.cfg.guestIP[:])),
		dhcpv4.WithServerIP(net.IP(p.cfg.hostIP[:])),
		dhcpv4.WithOption(dhcpv4.OptServerIdentifier(net.IP(p.cfg.hostIP[:]))),
		dhcpv4.WithLeaseTime(dhcpLeaseSeconds),
		dhcpv4.WithNetmask(dhcpSubnetMask),
		dhcpv4.WithRouter(net.IP(p.cfg.gatewayIP[:])),
		dhcpv4.WithDNS(net.IP(p.cfg.dnsIP[:])),
	)
	if err != nil {
		p.log.Warn("dhcp: build reply", "err", err)
		return true
	}

	frame := buildUDPFrame(
		eth.src, syntheticHostMAC,
		p.cfg.hostIP, dhcpServerPort,
		dhcpBroadcastIP, dhcpClientPort,
		p.ipID(), reply.ToBytes(),
	)

	p.log.Info("dhcp: reply",
		"type", replyType.String(),
		"yiaddr", ipString(p.cfg.guestIP),
		"xid", req.TransactionID.String())
	p.sendToGuestLocked(frame)
	return true
}

// autoDetectLocked derives host and gateway addressing from the route to a
// well-known external address, then assigns the guest the host's address
// with the last octet incremented (wrapping 254 back to 2). The derivation
// can collide with another host on the LAN; it matches what the gateway has
// always done.
func (p *Proxy) autoDetectLocked() bool {
	hostIP, gatewayIP, err := p.detectRoute()
	if err != nil {
		p.log.Warn("dhcp: route probe", "err", err)
		return false
	}
	if hostIP == ([4]byte{}) || gatewayIP == ([4]byte{}) {
		return false
	}

	guestIP := hostIP
	guestIP[3]++
	if guestIP[3] > 254 || guestIP[3] == 0 {
		guestIP[3] = 2
	}

	p.enableLocked(guestIP, gatewayIP, hostIP)
	return true
}
