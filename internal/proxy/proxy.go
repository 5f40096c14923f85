// Package proxy implements a userspace TCP/IP gateway for an emulated NIC.
//
// The guest's transmit path feeds raw Ethernet frames in; the gateway
// terminates the guest's ARP, DHCP, UDP, and TCP traffic locally, relays
// payload over ordinary host sockets, and synthesizes the guest-facing
// frames for the return direction. Host-originated connections can be
// injected into the guest through configured port forwards.
//
// Limitations, by design:
//   - No retransmission, congestion control, or window handling toward the
//     guest: the emulated link is loss-free and the guest stack retransmits.
//   - No IPv6, no IP fragmentation, no TCP options beyond an MSS advertised
//     in injected SYNs.
//   - Not a router: L3/L4 terminate here and host sockets carry the rest.
package proxy

import (
	"io"
	"log/slog"
	"math/rand"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tinyrange/netgate/internal/hostroute"
	"github.com/tinyrange/netgate/internal/pcap"
)

// Debug toggle. When true, emits verbose logs from the per-frame paths.
const DEBUG = false

// Table bounds. Matching the historical sizes of the gateway.
const (
	maxUDPFlows     = 32
	maxTCPFlows     = 64
	maxInboundFlows = 8
)

// udpIdleTimeout expires NAT entries with no traffic in either direction.
const udpIdleTimeout = 60 * time.Second

// syntheticHostMAC is the MAC the gateway answers ARP with and stamps on
// every synthesized frame.
var syntheticHostMAC = [6]byte{0x00, 0x50, 0x56, 0xc0, 0x00, 0x01}

// netConfig is the runtime addressing state, populated by the first DHCP
// exchange or an explicit Configure call. DHCP auto-detection only runs while
// the proxy is disabled; Configure on an enabled proxy overwrites the IPv4
// fields and leaves existing flows open.
type netConfig struct {
	guestIP   [4]byte
	gatewayIP [4]byte
	dnsIP     [4]byte
	hostIP    [4]byte
	guestMAC  [6]byte
	hasMAC    bool
	enabled   bool
}

// Proxy is the owning aggregate: configuration plus the three flow tables.
// All table access happens under mu, held across each lookup and the
// emission of the resulting synthesized frame, which preserves per-flow
// frame ordering.
type Proxy struct {
	log  *slog.Logger
	conf Config

	mu       sync.Mutex
	cfg      netConfig
	udpFlows [maxUDPFlows]udpFlow
	tcpFlows [maxTCPFlows]tcpFlow
	inbound  [maxInboundFlows]inboundFlow

	inboundReady bool
	pollStop     chan struct{}

	backend  func(frame []byte) bool
	fallback func(frame []byte)

	capture *pcap.Writer

	// Test seams. Production values are set by New.
	detectRoute func() ([4]byte, [4]byte, error)
	now         func() time.Time
	randSource  *rand.Rand

	// Debug HTTP state.
	debugMu       sync.Mutex
	debugListener net.Listener
	debugAddr     string

	// Counters.
	framesFromGuest atomic.Uint64
	framesToGuest   atomic.Uint64
	framesDropped   atomic.Uint64
	udpRelayed      atomic.Uint64
	tcpRelayed      atomic.Uint64
}

// New constructs a disabled Proxy. If conf carries a static guest IP, the
// proxy is enabled immediately; otherwise it waits for the guest's first
// DHCP exchange.
func New(l *slog.Logger, conf Config) *Proxy {
	if conf.PollInterval <= 0 {
		conf.PollInterval = Duration(20 * time.Millisecond)
	}
	p := &Proxy{
		log:         l,
		conf:        conf,
		detectRoute: hostroute.Probe,
		now:         time.Now,
		randSource:  rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	for i := range p.inbound {
		p.inbound[i].clientFd = -1
		p.inbound[i].listenFd = -1
	}
	p.cfg.dnsIP = [4]byte{8, 8, 8, 8}
	if dns, ok := parseIPv4Addr(conf.DNSIP); ok {
		p.cfg.dnsIP = dns
	}

	if guest, ok := parseIPv4Addr(conf.GuestIP); ok {
		gw, _ := parseIPv4Addr(conf.GatewayIP)
		host, _ := parseIPv4Addr(conf.HostIP)
		p.mu.Lock()
		p.enableLocked(guest, gw, host)
		p.mu.Unlock()
	}
	return p
}

// AttachGuestBackend sets the receive callback toward the guest NIC. The
// handler must deliver one Ethernet frame synchronously and report whether
// the guest had room for it; undeliverable frames are dropped with no retry.
// The frame slice is only valid for the duration of the call, and the
// handler must not call back into the Proxy: it runs with the table lock
// held so per-flow frame ordering is preserved.
func (p *Proxy) AttachGuestBackend(handler func(frame []byte) bool) {
	p.mu.Lock()
	p.backend = handler
	p.mu.Unlock()
}

// AttachFallback sets a handler for frames no gateway component consumed,
// letting an embedder bridge them to a real network backend. Without one,
// unhandled frames are dropped.
func (p *Proxy) AttachFallback(handler func(frame []byte)) {
	p.mu.Lock()
	p.fallback = handler
	p.mu.Unlock()
}

// Configure sets the addressing explicitly and enables the gateway. A nil or
// unspecified guestIP disables it and clears every table.
func (p *Proxy) Configure(guestIP, gatewayIP, hostIP net.IP) {
	p.mu.Lock()
	defer p.mu.Unlock()

	guest := ipv4Of(guestIP)
	if guest == ([4]byte{}) {
		p.disableLocked()
		return
	}
	p.enableLocked(guest, ipv4Of(gatewayIP), ipv4Of(hostIP))
}

// Close disables the gateway and releases every host resource. Idempotent.
func (p *Proxy) Close() error {
	p.mu.Lock()
	p.disableLocked()
	p.closeInboundListenersLocked()
	p.mu.Unlock()

	p.debugMu.Lock()
	ln := p.debugListener
	p.debugListener = nil
	p.debugAddr = ""
	p.debugMu.Unlock()
	if ln != nil {
		_ = ln.Close()
	}
	return nil
}

func (p *Proxy) enableLocked(guest, gateway, host [4]byte) {
	p.cfg.guestIP = guest
	p.cfg.gatewayIP = gateway
	p.cfg.hostIP = host
	p.cfg.enabled = true
	p.startPollTimerLocked()
	p.log.Info("proxy enabled",
		"guestIP", ipString(guest),
		"gatewayIP", ipString(gateway),
		"hostIP", ipString(host))
}

// disableLocked tears down every flow but keeps inbound listeners bound, so
// a re-enable picks them straight back up.
func (p *Proxy) disableLocked() {
	for i := range p.udpFlows {
		if p.udpFlows[i].active {
			closeSocket(p.udpFlows[i].fd)
			p.udpFlows[i] = udpFlow{}
		}
	}
	for i := range p.tcpFlows {
		if p.tcpFlows[i].active {
			closeSocket(p.tcpFlows[i].fd)
			p.tcpFlows[i] = tcpFlow{}
		}
	}
	for i := range p.inbound {
		if p.inbound[i].clientFd >= 0 {
			closeSocket(p.inbound[i].clientFd)
			p.inbound[i].clientFd = -1
			p.inbound[i].state = inboundListening
		}
	}
	p.cfg = netConfig{dnsIP: p.cfg.dnsIP}
	p.stopPollTimerLocked()
}

func (p *Proxy) closeInboundListenersLocked() {
	for i := range p.inbound {
		if p.inbound[i].listenFd >= 0 {
			closeSocket(p.inbound[i].listenFd)
			p.inbound[i] = inboundFlow{listenFd: -1, clientFd: -1}
		}
	}
	p.inboundReady = false
}

////////////////////////////////////////////////////////////////////////////////
// Guest TX path: ordered handler fold.
////////////////////////////////////////////////////////////////////////////////

// DeliverGuestFrame submits one Ethernet frame captured from the guest. The
// host sockets are drained inline first, which keeps the gateway live
// between poll-timer ticks under bursty workloads.
func (p *Proxy) DeliverGuestFrame(frame []byte) {
	p.framesFromGuest.Add(1)
	if len(frame) > maxFrameLen {
		p.framesDropped.Add(1)
		return
	}

	p.mu.Lock()
	p.writeCaptureLocked(frame)
	if p.cfg.enabled {
		p.pollLocked()
	}
	handled := p.handleFrameLocked(frame)
	fallback := p.fallback
	p.mu.Unlock()

	if handled {
		return
	}
	if fallback != nil {
		fallback(frame)
		return
	}
	p.framesDropped.Add(1)
}

// handleFrameLocked walks the protocol handlers in order. Each handler
// either consumes the frame or leaves it for the next; anything short or
// unrecognized falls through untouched.
func (p *Proxy) handleFrameLocked(frame []byte) bool {
	eth, ok := parseEthernet(frame)
	if !ok {
		return false
	}

	switch eth.etherType {
	case etherTypeARP:
		return p.handleARPLocked(eth)
	case etherTypeIPv4:
		ip, ok := parseIPv4(eth.payload)
		if !ok {
			return false
		}
		switch ip.protocol {
		case udpProtocolNumber:
			udp, ok := parseUDP(ip.payload)
			if !ok {
				return false
			}
			if udp.dstPort == dhcpServerPort {
				return p.handleDHCPLocked(eth, udp)
			}
			if p.conf.DNSIntercept && udp.dstPort == dnsPort && p.handleDNSLocked(ip, udp) {
				return true
			}
			return p.handleUDPLocked(ip, udp)
		case tcpProtocolNumber:
			tcp, ok := parseTCP(ip.payload)
			if !ok {
				return false
			}
			if p.handleInboundMatchLocked(ip, tcp) {
				return true
			}
			return p.handleTCPLocked(ip, tcp)
		}
	}
	return false
}

// sendToGuestLocked delivers one synthesized frame to the guest. Caller holds mu. A
// full guest receive ring drops the frame; there is no retry queue.
func (p *Proxy) sendToGuestLocked(frame []byte) bool {
	p.writeCaptureLocked(frame)
	if p.backend == nil {
		p.framesDropped.Add(1)
		return false
	}
	if !p.backend(frame) {
		p.framesDropped.Add(1)
		return false
	}
	p.framesToGuest.Add(1)
	return true
}

// recordGuestMACLocked learns the guest's MAC from its ARP and DHCP traffic.
func (p *Proxy) recordGuestMACLocked(mac [6]byte) {
	if mac == ([6]byte{}) || mac == broadcastMAC {
		return
	}
	p.cfg.guestMAC = mac
	p.cfg.hasMAC = true
}

////////////////////////////////////////////////////////////////////////////////
// Packet capture.
////////////////////////////////////////////////////////////////////////////////

// OpenPacketCapture streams every frame crossing the virtual wire, in both
// directions, to out as a libpcap capture.
func (p *Proxy) OpenPacketCapture(out io.Writer) {
	p.mu.Lock()
	p.capture = pcap.NewWriter(out)
	p.mu.Unlock()
}

func (p *Proxy) writeCaptureLocked(frame []byte) {
	if p.capture == nil {
		return
	}
	if err := p.capture.WriteFrame(p.now(), frame); err != nil {
		p.log.Warn("pcap: write frame failed", "err", err)
		p.capture = nil
	}
}

////////////////////////////////////////////////////////////////////////////////
// Small address helpers.
////////////////////////////////////////////////////////////////////////////////

func ipv4Of(ip net.IP) [4]byte {
	var out [4]byte
	if ip4 := ip.To4(); ip4 != nil {
		copy(out[:], ip4)
	}
	return out
}

func ipString(ip [4]byte) string {
	return net.IP(ip[:]).String()
}

// ipID returns a fresh IPv4 identification value for a synthesized packet.
func (p *Proxy) ipID() uint16 {
	return uint16(p.randSource.Intn(0x10000))
}
