package proxy

import (
	"bytes"
	"fmt"
	"io"
	"net"
	"testing"
	"time"

	"github.com/miekg/dns"
)

////////////////////////////////////////////////////////////////////////////////
// UDP NAT.
////////////////////////////////////////////////////////////////////////////////

func TestUDPEchoRoundTrip(t *testing.T) {
	p, frames := newTestProxy(t, DefaultConfig())
	configureTest(p)

	remote, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen udp: %v", err)
	}
	defer remote.Close()
	rport := uint16(remote.LocalAddr().(*net.UDPAddr).Port)
	remoteIP := [4]byte{127, 0, 0, 1}

	p.DeliverGuestFrame(buildUDPFrame(
		syntheticHostMAC, testGuestMAC,
		testGuestIP, 5000,
		remoteIP, rport,
		0, []byte("PING"),
	))

	buf := make([]byte, 64)
	_ = remote.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, from, err := remote.ReadFrom(buf)
	if err != nil {
		t.Fatalf("remote read: %v", err)
	}
	if string(buf[:n]) != "PING" {
		t.Fatalf("unexpected outbound payload %q", buf[:n])
	}

	if _, err := remote.WriteTo([]byte("PONG"), from); err != nil {
		t.Fatalf("remote write: %v", err)
	}

	frame := pollUntilFrame(t, p, frames)
	ip, udp := parseGuestUDP(t, frame)
	if ip.src != remoteIP || ip.dst != testGuestIP {
		t.Fatalf("reply addressing: %s -> %s", ipString(ip.src), ipString(ip.dst))
	}
	if udp.srcPort != rport || udp.dstPort != 5000 {
		t.Fatalf("reply ports: %d -> %d", udp.srcPort, udp.dstPort)
	}
	if string(udp.payload) != "PONG" {
		t.Fatalf("unexpected reply payload %q", udp.payload)
	}

	// Exactly one synthesized frame for one reply datagram.
	expectNoFrame(t, frames)
}

func TestUDPFlowReuseAndUniqueness(t *testing.T) {
	p, _ := newTestProxy(t, DefaultConfig())
	configureTest(p)

	remote, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen udp: %v", err)
	}
	defer remote.Close()
	rport := uint16(remote.LocalAddr().(*net.UDPAddr).Port)

	frame := buildUDPFrame(
		syntheticHostMAC, testGuestMAC,
		testGuestIP, 5000,
		[4]byte{127, 0, 0, 1}, rport,
		0, []byte("one"),
	)
	p.DeliverGuestFrame(frame)
	p.DeliverGuestFrame(frame)

	p.mu.Lock()
	count := p.activeUDPFlowsLocked()
	p.mu.Unlock()
	if count != 1 {
		t.Fatalf("same tuple must share one flow, got %d", count)
	}
}

func TestUDPIdleFlowEviction(t *testing.T) {
	p, _ := newTestProxy(t, DefaultConfig())

	current := time.Now()
	p.now = func() time.Time { return current }
	configureTest(p)

	remote, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen udp: %v", err)
	}
	defer remote.Close()
	rport := uint16(remote.LocalAddr().(*net.UDPAddr).Port)

	p.DeliverGuestFrame(buildUDPFrame(
		syntheticHostMAC, testGuestMAC,
		testGuestIP, 5000,
		[4]byte{127, 0, 0, 1}, rport,
		0, []byte("old"),
	))

	current = current.Add(udpIdleTimeout + time.Second)

	p.DeliverGuestFrame(buildUDPFrame(
		syntheticHostMAC, testGuestMAC,
		testGuestIP, 5001,
		[4]byte{127, 0, 0, 1}, rport,
		0, []byte("new"),
	))

	p.mu.Lock()
	count := p.activeUDPFlowsLocked()
	var ports []uint16
	for i := range p.udpFlows {
		if p.udpFlows[i].active {
			ports = append(ports, p.udpFlows[i].guestPort)
		}
	}
	p.mu.Unlock()
	if count != 1 {
		t.Fatalf("expected the idle flow evicted, got %d flows", count)
	}
	if len(ports) != 1 || ports[0] != 5001 {
		t.Fatalf("wrong surviving flow: %v", ports)
	}
}

////////////////////////////////////////////////////////////////////////////////
// Outbound TCP.
////////////////////////////////////////////////////////////////////////////////

// openGuestFlow runs the guest side of a handshake against a loopback
// listener and returns the accepted host connection plus the gateway's
// initial sequence toward the guest.
func openGuestFlow(t *testing.T, p *Proxy, frames chan []byte, ln net.Listener, guestPort uint16, guestSeq uint32) (net.Conn, uint32) {
	t.Helper()

	rport := uint16(ln.Addr().(*net.TCPAddr).Port)
	remoteIP := [4]byte{127, 0, 0, 1}

	p.DeliverGuestFrame(buildTCPFrame(
		syntheticHostMAC, testGuestMAC,
		testGuestIP, guestPort,
		remoteIP, rport,
		guestSeq, 0, tcpFlagSYN, 0, nil, nil,
	))

	frame := awaitFrame(t, frames)
	ip, tcp := parseGuestTCP(t, frame)
	if tcp.flags&(tcpFlagSYN|tcpFlagACK) != (tcpFlagSYN | tcpFlagACK) {
		t.Fatalf("expected syn-ack, flags %#02x", tcp.flags)
	}
	if tcp.ack != guestSeq+1 {
		t.Fatalf("syn-ack acknowledges %d, want %d", tcp.ack, guestSeq+1)
	}
	if ip.src != remoteIP || tcp.srcPort != rport {
		t.Fatalf("syn-ack source %s:%d", ipString(ip.src), tcp.srcPort)
	}
	if ip.dst != testGuestIP || tcp.dstPort != guestPort {
		t.Fatalf("syn-ack destination %s:%d", ipString(ip.dst), tcp.dstPort)
	}
	synthSeq := tcp.seq

	// The host-side connect only completes once the listener accepts.
	tcpLn := ln.(*net.TCPListener)
	_ = tcpLn.SetDeadline(time.Now().Add(2 * time.Second))
	conn, err := tcpLn.Accept()
	if err != nil {
		t.Fatalf("accept host side: %v", err)
	}

	p.DeliverGuestFrame(buildTCPFrame(
		syntheticHostMAC, testGuestMAC,
		testGuestIP, guestPort,
		remoteIP, rport,
		guestSeq+1, synthSeq+1, tcpFlagACK, 0, nil, nil,
	))
	return conn, synthSeq
}

func TestTCPOutboundHandshakeAndRelay(t *testing.T) {
	p, frames := newTestProxy(t, DefaultConfig())
	configureTest(p)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen tcp: %v", err)
	}
	defer ln.Close()
	rport := uint16(ln.Addr().(*net.TCPAddr).Port)
	remoteIP := [4]byte{127, 0, 0, 1}

	const guestSeq = 100
	conn, synthSeq := openGuestFlow(t, p, frames, ln, 40000, guestSeq)
	defer conn.Close()

	// Guest payload is relayed to the host socket and acknowledged.
	p.DeliverGuestFrame(buildTCPFrame(
		syntheticHostMAC, testGuestMAC,
		testGuestIP, 40000,
		remoteIP, rport,
		guestSeq+1, synthSeq+1, tcpFlagPSH|tcpFlagACK, 0, nil, []byte("hello"),
	))

	ackFrame := awaitFrame(t, frames)
	_, ack := parseGuestTCP(t, ackFrame)
	if ack.flags&tcpFlagACK == 0 {
		t.Fatalf("expected ack, flags %#02x", ack.flags)
	}
	if ack.ack != guestSeq+1+5 {
		t.Fatalf("ack number %d, want %d", ack.ack, guestSeq+1+5)
	}

	buf := make([]byte, 16)
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, err := conn.Read(buf)
	if err != nil {
		t.Fatalf("host read: %v", err)
	}
	if string(buf[:n]) != "hello" {
		t.Fatalf("host received %q", buf[:n])
	}

	// Host payload comes back as a PSH-ACK with monotonic sequence.
	if _, err := conn.Write([]byte("world!")); err != nil {
		t.Fatalf("host write: %v", err)
	}
	pushFrame := pollUntilFrame(t, p, frames)
	_, push := parseGuestTCP(t, pushFrame)
	if push.flags&(tcpFlagPSH|tcpFlagACK) != (tcpFlagPSH | tcpFlagACK) {
		t.Fatalf("expected psh-ack, flags %#02x", push.flags)
	}
	if push.seq != synthSeq+1 {
		t.Fatalf("push seq %d, want %d", push.seq, synthSeq+1)
	}
	if string(push.payload) != "world!" {
		t.Fatalf("push payload %q", push.payload)
	}

	// Host close turns into FIN-ACK and the flow is reaped.
	conn.Close()
	finFrame := pollUntilFrame(t, p, frames)
	_, fin := parseGuestTCP(t, finFrame)
	if fin.flags&(tcpFlagFIN|tcpFlagACK) != (tcpFlagFIN | tcpFlagACK) {
		t.Fatalf("expected fin-ack, flags %#02x", fin.flags)
	}
	if fin.seq != synthSeq+1+6 {
		t.Fatalf("fin seq %d, want %d", fin.seq, synthSeq+1+6)
	}

	p.mu.Lock()
	count := p.activeTCPFlowsLocked()
	p.mu.Unlock()
	if count != 0 {
		t.Fatalf("flow not reaped after host close: %d", count)
	}
}

func TestTCPGuestFINTearsDownFlow(t *testing.T) {
	p, frames := newTestProxy(t, DefaultConfig())
	configureTest(p)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen tcp: %v", err)
	}
	defer ln.Close()
	rport := uint16(ln.Addr().(*net.TCPAddr).Port)
	remoteIP := [4]byte{127, 0, 0, 1}

	const guestSeq = 7000
	conn, synthSeq := openGuestFlow(t, p, frames, ln, 40001, guestSeq)
	defer conn.Close()

	p.DeliverGuestFrame(buildTCPFrame(
		syntheticHostMAC, testGuestMAC,
		testGuestIP, 40001,
		remoteIP, rport,
		guestSeq+1, synthSeq+1, tcpFlagFIN|tcpFlagACK, 0, nil, nil,
	))

	finFrame := awaitFrame(t, frames)
	_, fin := parseGuestTCP(t, finFrame)
	if fin.flags&(tcpFlagFIN|tcpFlagACK) != (tcpFlagFIN | tcpFlagACK) {
		t.Fatalf("expected fin-ack, flags %#02x", fin.flags)
	}
	if fin.ack != guestSeq+2 {
		t.Fatalf("fin ack %d, want %d", fin.ack, guestSeq+2)
	}

	p.mu.Lock()
	count := p.activeTCPFlowsLocked()
	p.mu.Unlock()
	if count != 0 {
		t.Fatalf("flow not reaped after guest fin: %d", count)
	}

	// The host side observes the close.
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := conn.Read(make([]byte, 1)); err != io.EOF {
		t.Fatalf("expected host-side eof, got %v", err)
	}
}

func TestTCPNonSYNWithoutFlowIsDroppedSilently(t *testing.T) {
	p, frames := newTestProxy(t, DefaultConfig())
	configureTest(p)

	p.DeliverGuestFrame(buildTCPFrame(
		syntheticHostMAC, testGuestMAC,
		testGuestIP, 40002,
		[4]byte{127, 0, 0, 1}, 9999,
		1, 1, tcpFlagACK, 0, nil, []byte("stray"),
	))
	expectNoFrame(t, frames)
}

////////////////////////////////////////////////////////////////////////////////
// Inbound TCP.
////////////////////////////////////////////////////////////////////////////////

func TestInboundForwardLifecycle(t *testing.T) {
	conf := DefaultConfig()
	conf.Forwards = []Forward{{HostPort: 0, GuestPort: 21}}
	p, frames := newTestProxy(t, conf)
	configureTest(p)

	// First poll binds the listener lazily.
	p.Poll()
	p.mu.Lock()
	hostPort := p.inbound[0].hostPort
	p.mu.Unlock()
	if hostPort == 0 {
		t.Fatalf("listener not bound")
	}

	client, err := net.Dial("tcp", fmt.Sprintf("127.0.0.1:%d", hostPort))
	if err != nil {
		t.Fatalf("dial forward: %v", err)
	}
	defer client.Close()
	clientAddr := client.LocalAddr().(*net.TCPAddr)
	clientPort := uint16(clientAddr.Port)
	clientIP := [4]byte{127, 0, 0, 1}

	// Accepting the client injects a SYN with an MSS option into the guest.
	synFrame := pollUntilFrame(t, p, frames)
	ip, syn := parseGuestTCP(t, synFrame)
	if syn.flags != tcpFlagSYN {
		t.Fatalf("expected bare syn, flags %#02x", syn.flags)
	}
	if ip.src != clientIP || syn.srcPort != clientPort {
		t.Fatalf("syn source %s:%d, want %s:%d", ipString(ip.src), syn.srcPort, ipString(clientIP), clientPort)
	}
	if ip.dst != testGuestIP || syn.dstPort != 21 {
		t.Fatalf("syn destination %s:%d", ipString(ip.dst), syn.dstPort)
	}
	eth, _ := parseEthernet(synFrame)
	if dataOff := int(eth.payload[ipv4HeaderLen+12]>>4) * 4; dataOff != tcpHeaderLen+len(mssOption) {
		t.Fatalf("injected syn missing mss option, data offset %d", dataOff)
	}
	isn := syn.seq

	// The guest answers; the gateway completes the handshake with an ACK.
	const guestSeq = 500
	p.DeliverGuestFrame(buildTCPFrame(
		syntheticHostMAC, testGuestMAC,
		testGuestIP, 21,
		clientIP, clientPort,
		guestSeq, isn+1, tcpFlagSYN|tcpFlagACK, 0, mssOption, nil,
	))
	ackFrame := awaitFrame(t, frames)
	_, ack := parseGuestTCP(t, ackFrame)
	if ack.flags != tcpFlagACK {
		t.Fatalf("expected ack, flags %#02x", ack.flags)
	}
	if ack.seq != isn+1 {
		t.Fatalf("ack seq %d, want %d", ack.seq, isn+1)
	}
	if ack.ack != guestSeq+1 {
		t.Fatalf("ack number %d, want %d", ack.ack, guestSeq+1)
	}

	// Client-to-guest payload becomes a PSH-ACK.
	if _, err := client.Write([]byte("220 ready")); err != nil {
		t.Fatalf("client write: %v", err)
	}
	pushFrame := pollUntilFrame(t, p, frames)
	_, push := parseGuestTCP(t, pushFrame)
	if push.flags&(tcpFlagPSH|tcpFlagACK) != (tcpFlagPSH | tcpFlagACK) {
		t.Fatalf("expected psh-ack, flags %#02x", push.flags)
	}
	if push.seq != isn+1 {
		t.Fatalf("push seq %d, want %d", push.seq, isn+1)
	}
	if string(push.payload) != "220 ready" {
		t.Fatalf("push payload %q", push.payload)
	}

	// Guest-to-client payload is forwarded on the accepted socket.
	p.DeliverGuestFrame(buildTCPFrame(
		syntheticHostMAC, testGuestMAC,
		testGuestIP, 21,
		clientIP, clientPort,
		guestSeq+1, isn+1+9, tcpFlagPSH|tcpFlagACK, 0, nil, []byte("USER anonymous"),
	))
	buf := make([]byte, 32)
	_ = client.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, err := client.Read(buf)
	if err != nil {
		t.Fatalf("client read: %v", err)
	}
	if string(buf[:n]) != "USER anonymous" {
		t.Fatalf("client received %q", buf[:n])
	}

	// Guest FIN releases the client and the slot goes back to listening.
	p.DeliverGuestFrame(buildTCPFrame(
		syntheticHostMAC, testGuestMAC,
		testGuestIP, 21,
		clientIP, clientPort,
		guestSeq+10, isn+1+9, tcpFlagFIN|tcpFlagACK, 0, nil, nil,
	))
	_ = client.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := client.Read(buf); err != io.EOF {
		t.Fatalf("expected client eof, got %v", err)
	}

	p.mu.Lock()
	state := p.inbound[0].state
	clientFd := p.inbound[0].clientFd
	p.mu.Unlock()
	if state != inboundListening || clientFd != -1 {
		t.Fatalf("slot not back to listening: state=%d fd=%d", state, clientFd)
	}

	// The listener survives and accepts the next client.
	second, err := net.Dial("tcp", fmt.Sprintf("127.0.0.1:%d", hostPort))
	if err != nil {
		t.Fatalf("dial second client: %v", err)
	}
	defer second.Close()
	nextSyn := pollUntilFrame(t, p, frames)
	_, syn2 := parseGuestTCP(t, nextSyn)
	if syn2.flags != tcpFlagSYN {
		t.Fatalf("expected syn for second client, flags %#02x", syn2.flags)
	}
}

func TestInboundClientEOFReturnsToListening(t *testing.T) {
	conf := DefaultConfig()
	conf.Forwards = []Forward{{HostPort: 0, GuestPort: 80}}
	p, frames := newTestProxy(t, conf)
	configureTest(p)

	p.Poll()
	p.mu.Lock()
	hostPort := p.inbound[0].hostPort
	p.mu.Unlock()

	client, err := net.Dial("tcp", fmt.Sprintf("127.0.0.1:%d", hostPort))
	if err != nil {
		t.Fatalf("dial forward: %v", err)
	}
	clientPort := uint16(client.LocalAddr().(*net.TCPAddr).Port)

	synFrame := pollUntilFrame(t, p, frames)
	_, syn := parseGuestTCP(t, synFrame)

	p.DeliverGuestFrame(buildTCPFrame(
		syntheticHostMAC, testGuestMAC,
		testGuestIP, 80,
		[4]byte{127, 0, 0, 1}, clientPort,
		900, syn.seq+1, tcpFlagSYN|tcpFlagACK, 0, nil, nil,
	))
	awaitFrame(t, frames) // handshake ACK

	client.Close()
	deadline := time.After(2 * time.Second)
	for {
		p.Poll()
		p.mu.Lock()
		state := p.inbound[0].state
		p.mu.Unlock()
		if state == inboundListening {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("slot did not return to listening after client eof")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

////////////////////////////////////////////////////////////////////////////////
// DNS interception.
////////////////////////////////////////////////////////////////////////////////

func TestDNSInterceptAnswersLocally(t *testing.T) {
	conf := DefaultConfig()
	conf.DNSIntercept = true
	p, frames := newTestProxy(t, conf)
	configureTest(p)

	query := new(dns.Msg)
	query.SetQuestion("localhost.", dns.TypeA)
	packed, err := query.Pack()
	if err != nil {
		t.Fatalf("pack query: %v", err)
	}

	p.DeliverGuestFrame(buildUDPFrame(
		syntheticHostMAC, testGuestMAC,
		testGuestIP, 5353,
		[4]byte{8, 8, 8, 8}, dnsPort,
		0, packed,
	))

	frame := awaitFrame(t, frames)
	ip, udp := parseGuestUDP(t, frame)
	if ip.src != ([4]byte{8, 8, 8, 8}) || udp.srcPort != dnsPort {
		t.Fatalf("reply source %s:%d", ipString(ip.src), udp.srcPort)
	}
	if udp.dstPort != 5353 {
		t.Fatalf("reply port %d", udp.dstPort)
	}

	var reply dns.Msg
	if err := reply.Unpack(udp.payload); err != nil {
		t.Fatalf("unpack reply: %v", err)
	}
	if !reply.Response {
		t.Fatalf("reply flag not set")
	}
	if len(reply.Answer) == 0 {
		t.Fatalf("no answers for localhost")
	}
	a, ok := reply.Answer[0].(*dns.A)
	if !ok {
		t.Fatalf("unexpected rr type %T", reply.Answer[0])
	}
	if !a.A.Equal(net.IPv4(127, 0, 0, 1)) {
		t.Fatalf("unexpected address %s", a.A)
	}

	// No NAT entry may exist for an intercepted query.
	p.mu.Lock()
	count := p.activeUDPFlowsLocked()
	p.mu.Unlock()
	if count != 0 {
		t.Fatalf("intercepted dns query leaked into the nat table")
	}
}

func TestDNSInterceptIgnoresNonDNSPayload(t *testing.T) {
	conf := DefaultConfig()
	conf.DNSIntercept = true
	p, _ := newTestProxy(t, conf)
	configureTest(p)

	// Garbage on port 53 falls through to the NAT table instead.
	p.DeliverGuestFrame(buildUDPFrame(
		syntheticHostMAC, testGuestMAC,
		testGuestIP, 5353,
		[4]byte{127, 0, 0, 1}, dnsPort,
		0, bytes.Repeat([]byte{0xff}, 4),
	))

	p.mu.Lock()
	count := p.activeUDPFlowsLocked()
	p.mu.Unlock()
	if count != 1 {
		t.Fatalf("expected nat fallback for unparseable dns payload, flows=%d", count)
	}
}
