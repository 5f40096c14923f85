package proxy

////////////////////////////////////////////////////////////////////////////////
// Inbound TCP engine. Host-side listeners map a host port to a guest service
// port. An accepted connection is replayed into the guest as a synthesized
// SYN; the guest's answering SYN-ACK is matched on the TX path and completes
// the handshake, after which payload moves between the accepted socket and
// synthesized PSH-ACKs.
////////////////////////////////////////////////////////////////////////////////

type inboundState uint8

const (
	inboundListening inboundState = iota
	inboundSynSent
	inboundEstablished
)

type inboundFlow struct {
	hostPort  uint16
	guestPort uint16

	listenFd int // bound server socket, -1 until the first poll
	clientFd int // accepted connection, -1 while listening

	clientIP   [4]byte
	clientPort uint16
	state      inboundState

	// seqToGuest is the next sequence number toward the guest; seqToClient
	// mirrors the guest's sequence, acknowledged back in each PSH-ACK.
	seqToGuest  uint32
	seqToClient uint32
}

// ensureInboundLocked lazily binds the configured port forwards. A forward
// whose port cannot be bound is logged and skipped; the rest keep working.
func (p *Proxy) ensureInboundLocked() {
	if p.inboundReady {
		return
	}
	p.inboundReady = true

	count := 0
	for _, fwd := range p.conf.Forwards {
		if count >= maxInboundFlows {
			p.log.Warn("inbound: forward table full, ignoring remainder",
				"dropped", len(p.conf.Forwards)-count)
			break
		}
		fd, err := newTCPListener(fwd.HostPort)
		if err != nil {
			p.log.Warn("inbound: bind forward",
				"hostPort", fwd.HostPort, "guestPort", fwd.GuestPort, "err", err)
			continue
		}
		hostPort := fwd.HostPort
		if hostPort == 0 {
			if actual, err := boundPort(fd); err == nil {
				hostPort = actual
			}
		}
		p.inbound[count] = inboundFlow{
			hostPort:  hostPort,
			guestPort: fwd.GuestPort,
			listenFd:  fd,
			clientFd:  -1,
			state:     inboundListening,
		}
		p.log.Info("inbound: listening",
			"hostPort", hostPort, "guestPort", fwd.GuestPort)
		count++
	}
}

// pollInboundLocked accepts new host-side clients and relays data from
// established ones into the guest.
func (p *Proxy) pollInboundLocked() {
	p.ensureInboundLocked()

	buf := make([]byte, tcpRecvChunk)
	for i := range p.inbound {
		flow := &p.inbound[i]
		if flow.listenFd < 0 {
			continue
		}

		switch flow.state {
		case inboundListening:
			fd, ip, port, err := acceptTCP(flow.listenFd)
			if err != nil {
				continue
			}
			flow.clientFd = fd
			flow.clientIP = ip
			flow.clientPort = port
			p.log.Info("inbound: accepted",
				"client", ipString(ip), "clientPort", port, "guestPort", flow.guestPort)
			p.injectSYNLocked(flow)

		case inboundEstablished:
			for {
				n, err := recvStream(flow.clientFd, buf)
				if err != nil {
					if isNotReady(err) {
						break
					}
					p.resetInboundLocked(flow)
					break
				}
				if n == 0 {
					p.log.Info("inbound: client closed", "guestPort", flow.guestPort)
					p.resetInboundLocked(flow)
					break
				}
				frame := buildTCPFrame(
					p.cfg.guestMAC, syntheticHostMAC,
					flow.clientIP, flow.clientPort,
					p.cfg.guestIP, flow.guestPort,
					flow.seqToGuest, flow.seqToClient,
					tcpFlagPSH|tcpFlagACK, p.ipID(), nil, buf[:n],
				)
				flow.seqToGuest += uint32(n)
				p.tcpRelayed.Add(1)
				p.sendToGuestLocked(frame)
			}
		}
	}
}

// injectSYNLocked opens the guest-side half of an accepted connection with a
// synthesized SYN carrying an MSS option and a random initial sequence.
func (p *Proxy) injectSYNLocked(flow *inboundFlow) {
	isn := p.randSource.Uint32()
	frame := buildTCPFrame(
		p.cfg.guestMAC, syntheticHostMAC,
		flow.clientIP, flow.clientPort,
		p.cfg.guestIP, flow.guestPort,
		isn, 0,
		tcpFlagSYN, p.ipID(), mssOption, nil,
	)
	flow.seqToGuest = isn + 1 // SYN consumes one
	flow.state = inboundSynSent
	p.sendToGuestLocked(frame)
}

// resetInboundLocked releases the accepted connection and returns the slot
// to plain listening. The listener itself stays bound.
func (p *Proxy) resetInboundLocked(flow *inboundFlow) {
	closeSocket(flow.clientFd)
	flow.clientFd = -1
	flow.clientIP = [4]byte{}
	flow.clientPort = 0
	flow.state = inboundListening
	flow.seqToGuest = 0
	flow.seqToClient = 0
}

// handleInboundMatchLocked intercepts guest-origin segments that belong to
// an injected flow, ahead of the outbound TCP engine.
func (p *Proxy) handleInboundMatchLocked(ip ipv4Header, tcp tcpSegment) bool {
	for i := range p.inbound {
		flow := &p.inbound[i]
		if flow.clientFd < 0 {
			continue
		}
		if tcp.srcPort != flow.guestPort ||
			tcp.dstPort != flow.clientPort ||
			ip.dst != flow.clientIP {
			continue
		}

		if tcp.flags&(tcpFlagSYN|tcpFlagACK) == (tcpFlagSYN|tcpFlagACK) && flow.state == inboundSynSent {
			flow.seqToClient = tcp.seq + 1
			flow.seqToGuest = tcp.ack
			flow.state = inboundEstablished

			ack := buildTCPFrame(
				p.cfg.guestMAC, syntheticHostMAC,
				flow.clientIP, flow.clientPort,
				p.cfg.guestIP, flow.guestPort,
				flow.seqToGuest, flow.seqToClient,
				tcpFlagACK, p.ipID(), nil, nil,
			)
			p.log.Info("inbound: handshake complete", "guestPort", flow.guestPort)
			p.sendToGuestLocked(ack)
			return true
		}

		if len(tcp.payload) > 0 {
			if err := sendStream(flow.clientFd, tcp.payload); err != nil {
				p.log.Debug("inbound: client send failed", "err", err)
				p.resetInboundLocked(flow)
				return true
			}
			flow.seqToClient = tcp.seq + uint32(len(tcp.payload))
			p.tcpRelayed.Add(1)
		}

		if tcp.flags&tcpFlagFIN != 0 {
			p.log.Info("inbound: guest closed", "guestPort", flow.guestPort)
			p.resetInboundLocked(flow)
		}
		return true
	}
	return false
}

func (p *Proxy) activeInboundFlowsLocked() int {
	count := 0
	for i := range p.inbound {
		if p.inbound[i].clientFd >= 0 {
			count++
		}
	}
	return count
}
