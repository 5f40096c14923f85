package proxy

////////////////////////////////////////////////////////////////////////////////
// Outbound TCP engine. Half-termination: the guest-facing side of each flow
// is synthesized segment by segment, the host-facing side is an ordinary
// non-blocking socket. There is no retransmission and no window handling
// toward the guest; the emulated link is loss-free and the guest's own stack
// recovers anything the host side hiccups on.
////////////////////////////////////////////////////////////////////////////////

type tcpFlowState uint8

const (
	flowSynSent tcpFlowState = iota + 1
	flowEstablished
)

type tcpFlow struct {
	active     bool
	fd         int
	guestIP    [4]byte
	guestPort  uint16
	remoteIP   [4]byte
	remotePort uint16

	// seqOut is the next sequence number toward the guest; ackOut the last
	// acknowledgement of guest bytes. seqOut advances by payload length plus
	// one for each SYN or FIN emitted.
	seqOut uint32
	ackOut uint32
	state  tcpFlowState
}

// tcpRecvChunk bounds the payload of one synthesized PSH-ACK.
const tcpRecvChunk = 1400

func (p *Proxy) findTCPFlowLocked(guestPort uint16, remoteIP [4]byte, remotePort uint16) int {
	for i := range p.tcpFlows {
		flow := &p.tcpFlows[i]
		if flow.active &&
			flow.guestPort == guestPort &&
			flow.remoteIP == remoteIP &&
			flow.remotePort == remotePort {
			return i
		}
	}
	return -1
}

// emitTCPLocked synthesizes one segment from the remote endpoint to the
// guest and advances seqOut past whatever it carried.
func (p *Proxy) emitTCPLocked(flow *tcpFlow, flags uint8, payload []byte) {
	frame := buildTCPFrame(
		p.cfg.guestMAC, syntheticHostMAC,
		flow.remoteIP, flow.remotePort,
		flow.guestIP, flow.guestPort,
		flow.seqOut, flow.ackOut,
		flags, p.ipID(), nil, payload,
	)
	flow.seqOut += uint32(len(payload))
	if flags&tcpFlagSYN != 0 {
		flow.seqOut++
	}
	if flags&tcpFlagFIN != 0 {
		flow.seqOut++
	}
	p.sendToGuestLocked(frame)
}

func (p *Proxy) dropTCPFlowLocked(idx int) {
	closeSocket(p.tcpFlows[idx].fd)
	p.tcpFlows[idx] = tcpFlow{}
}

// handleTCPLocked processes one guest-origin segment for the outbound table.
func (p *Proxy) handleTCPLocked(ip ipv4Header, tcp tcpSegment) bool {
	if !p.cfg.enabled {
		return false
	}

	idx := p.findTCPFlowLocked(tcp.srcPort, ip.dst, tcp.dstPort)

	if tcp.flags&tcpFlagSYN != 0 {
		// A SYN on a live flow restarts it: tear the old one down first.
		if idx >= 0 {
			p.dropTCPFlowLocked(idx)
		}
		p.openTCPFlowLocked(ip, tcp)
		return true
	}

	if idx < 0 {
		// No matching flow: drop silently.
		return true
	}
	flow := &p.tcpFlows[idx]

	if tcp.flags&tcpFlagRST != 0 {
		p.dropTCPFlowLocked(idx)
		return true
	}

	if tcp.flags&tcpFlagACK != 0 && flow.state == flowSynSent {
		flow.state = flowEstablished
		if DEBUG {
			p.log.Debug("tcp: established",
				"guestPort", flow.guestPort,
				"remote", ipString(flow.remoteIP),
				"remotePort", flow.remotePort)
		}
	}

	if len(tcp.payload) > 0 && flow.state == flowEstablished {
		if err := sendStream(flow.fd, tcp.payload); err != nil {
			p.log.Debug("tcp: host send failed, closing flow",
				"remote", ipString(flow.remoteIP), "err", err)
			p.emitTCPLocked(flow, tcpFlagFIN|tcpFlagACK, nil)
			p.dropTCPFlowLocked(idx)
			return true
		}
		p.tcpRelayed.Add(1)
		// Re-ack whatever the guest just sent, duplicates included.
		flow.ackOut = tcp.seq + uint32(len(tcp.payload))
		p.emitTCPLocked(flow, tcpFlagACK, nil)
	}

	if tcp.flags&tcpFlagFIN != 0 {
		flow.ackOut = tcp.seq + uint32(len(tcp.payload)) + 1
		p.emitTCPLocked(flow, tcpFlagFIN|tcpFlagACK, nil)
		p.dropTCPFlowLocked(idx)
	}
	return true
}

// openTCPFlowLocked starts the host-side connect and answers the guest's SYN
// immediately. The connect completes asynchronously; a failure surfaces on
// the first send or recv and tears the flow down then.
func (p *Proxy) openTCPFlowLocked(ip ipv4Header, tcp tcpSegment) {
	freeSlot := -1
	for i := range p.tcpFlows {
		if !p.tcpFlows[i].active {
			freeSlot = i
			break
		}
	}
	if freeSlot < 0 {
		// Table full: drop the SYN, the guest retransmits.
		return
	}

	fd, err := newTCPSocket()
	if err != nil {
		p.log.Warn("tcp: open socket", "err", err)
		return
	}
	if err := connectTCP(fd, ip.dst, tcp.dstPort); err != nil {
		p.log.Debug("tcp: connect", "dst", ipString(ip.dst), "port", tcp.dstPort, "err", err)
		closeSocket(fd)
		return
	}

	flow := &p.tcpFlows[freeSlot]
	*flow = tcpFlow{
		active:     true,
		fd:         fd,
		guestIP:    ip.src,
		guestPort:  tcp.srcPort,
		remoteIP:   ip.dst,
		remotePort: tcp.dstPort,
		seqOut:     p.randSource.Uint32(),
		ackOut:     tcp.seq + 1,
		state:      flowSynSent,
	}
	if DEBUG {
		p.log.Debug("tcp: syn",
			"guestPort", flow.guestPort,
			"remote", ipString(flow.remoteIP),
			"remotePort", flow.remotePort)
	}
	p.emitTCPLocked(flow, tcpFlagSYN|tcpFlagACK, nil)
}

// pollTCPLocked drains established host sockets into synthesized PSH-ACKs
// and converts host-side EOF or errors into a FIN toward the guest.
func (p *Proxy) pollTCPLocked() {
	buf := make([]byte, tcpRecvChunk)
	for i := range p.tcpFlows {
		flow := &p.tcpFlows[i]
		if !flow.active || flow.state != flowEstablished {
			continue
		}
		for {
			n, err := recvStream(flow.fd, buf)
			if err != nil {
				if isNotReady(err) {
					break
				}
				// Async connect failure or reset from the remote.
				p.emitTCPLocked(flow, tcpFlagFIN|tcpFlagACK, nil)
				p.dropTCPFlowLocked(i)
				break
			}
			if n == 0 {
				p.emitTCPLocked(flow, tcpFlagFIN|tcpFlagACK, nil)
				p.dropTCPFlowLocked(i)
				break
			}
			p.tcpRelayed.Add(1)
			p.emitTCPLocked(flow, tcpFlagPSH|tcpFlagACK, buf[:n])
		}
	}
}

func (p *Proxy) activeTCPFlowsLocked() int {
	count := 0
	for i := range p.tcpFlows {
		if p.tcpFlows[i].active {
			count++
		}
	}
	return count
}
