package proxy

import "time"

////////////////////////////////////////////////////////////////////////////////
// UDP NAT. One host datagram socket per (guest port, remote ip, remote port)
// tuple, created on the first outbound datagram, expired after 60s idle.
////////////////////////////////////////////////////////////////////////////////

type udpFlow struct {
	active     bool
	fd         int
	guestPort  uint16
	remoteIP   [4]byte
	remotePort uint16
	lastUsed   time.Time
}

// findOrCreateUDPFlowLocked returns the slot index for the tuple, evicting
// idle entries along the way. Returns -1 when the table is full.
func (p *Proxy) findOrCreateUDPFlowLocked(guestPort uint16, remoteIP [4]byte, remotePort uint16) int {
	now := p.now()
	freeSlot := -1
	for i := range p.udpFlows {
		flow := &p.udpFlows[i]
		if flow.active &&
			flow.guestPort == guestPort &&
			flow.remoteIP == remoteIP &&
			flow.remotePort == remotePort {
			flow.lastUsed = now
			return i
		}
		if flow.active && now.Sub(flow.lastUsed) > udpIdleTimeout {
			closeSocket(flow.fd)
			*flow = udpFlow{}
		}
		if !flow.active && freeSlot < 0 {
			freeSlot = i
		}
	}
	if freeSlot < 0 {
		return -1
	}

	fd, err := newUDPSocket()
	if err != nil {
		p.log.Warn("udp: open socket", "err", err)
		return -1
	}
	p.udpFlows[freeSlot] = udpFlow{
		active:     true,
		fd:         fd,
		guestPort:  guestPort,
		remoteIP:   remoteIP,
		remotePort: remotePort,
		lastUsed:   now,
	}
	return freeSlot
}

// handleUDPLocked relays one guest-origin datagram outward. DHCP traffic
// never reaches this point; the dispatcher routes port 67 separately.
func (p *Proxy) handleUDPLocked(ip ipv4Header, udp udpHeader) bool {
	if !p.cfg.enabled {
		return false
	}

	idx := p.findOrCreateUDPFlowLocked(udp.srcPort, ip.dst, udp.dstPort)
	if idx < 0 {
		// Table full or socket failure: drop, the guest can resend.
		return true
	}
	flow := &p.udpFlows[idx]
	if err := sendToUDP(flow.fd, udp.payload, flow.remoteIP, flow.remotePort); err != nil {
		if DEBUG {
			p.log.Debug("udp: sendto", "dst", ipString(flow.remoteIP), "port", flow.remotePort, "err", err)
		}
		return true
	}
	p.udpRelayed.Add(1)
	return true
}

// pollUDPLocked drains every NAT socket and injects replies to the guest.
func (p *Proxy) pollUDPLocked() {
	buf := make([]byte, 2048)
	for i := range p.udpFlows {
		flow := &p.udpFlows[i]
		if !flow.active {
			continue
		}
		for {
			n, _, _, err := recvFromUDP(flow.fd, buf)
			if err != nil || n == 0 {
				break
			}
			flow.lastUsed = p.now()
			frame := buildUDPFrame(
				p.cfg.guestMAC, syntheticHostMAC,
				flow.remoteIP, flow.remotePort,
				p.cfg.guestIP, flow.guestPort,
				p.ipID(), buf[:n],
			)
			p.udpRelayed.Add(1)
			p.sendToGuestLocked(frame)
		}
	}
}

func (p *Proxy) activeUDPFlowsLocked() int {
	count := 0
	for i := range p.udpFlows {
		if p.udpFlows[i].active {
			count++
		}
	}
	return count
}
