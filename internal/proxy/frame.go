package proxy

import (
	"encoding/binary"
)

////////////////////////////////////////////////////////////////////////////////
// Protocol constants.
////////////////////////////////////////////////////////////////////////////////

type etherType uint16

const (
	etherTypeIPv4 etherType = 0x0800
	etherTypeARP  etherType = 0x0806
)

type protocolNumber uint8

const (
	tcpProtocolNumber protocolNumber = 6
	udpProtocolNumber protocolNumber = 17
)

// Header sizes (bytes).
const (
	ethernetHeaderLen = 14
	arpPayloadLen     = 28
	ipv4HeaderLen     = 20
	udpHeaderLen      = 8
	tcpHeaderLen      = 20
)

// maxFrameLen is the standard Ethernet MTU plus the L2 header.
const maxFrameLen = 1514

// TCP flags.
const (
	tcpFlagFIN = 0x01
	tcpFlagSYN = 0x02
	tcpFlagRST = 0x04
	tcpFlagPSH = 0x08
	tcpFlagACK = 0x10
)

// ARP constants (Ethernet + IPv4 only).
const (
	arpHardwareEthernet = 1
	arpOpRequest        = 1
	arpOpReply          = 2
)

var broadcastMAC = [6]byte{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}

////////////////////////////////////////////////////////////////////////////////
// Parsing. Every parser returns ok=false on short input so the dispatcher can
// fall through to the next handler with the original bytes untouched.
////////////////////////////////////////////////////////////////////////////////

type ethernetHeader struct {
	dst       [6]byte
	src       [6]byte
	etherType etherType
	payload   []byte
}

func parseEthernet(frame []byte) (ethernetHeader, bool) {
	if len(frame) < ethernetHeaderLen {
		return ethernetHeader{}, false
	}
	var h ethernetHeader
	copy(h.dst[:], frame[0:6])
	copy(h.src[:], frame[6:12])
	h.etherType = etherType(binary.BigEndian.Uint16(frame[12:14]))
	h.payload = frame[ethernetHeaderLen:]
	return h, true
}

type ipv4Header struct {
	protocol protocolNumber
	src      [4]byte
	dst      [4]byte
	payload  []byte
}

// parseIPv4 decodes the fixed header plus options, honoring IHL. All reads
// are byte-wise; no alignment is assumed. The incoming header checksum is not
// verified (the guest stack validates what it cares about).
func parseIPv4(data []byte) (ipv4Header, bool) {
	if len(data) < ipv4HeaderLen {
		return ipv4Header{}, false
	}
	if data[0]>>4 != 4 {
		return ipv4Header{}, false
	}
	headerLen := int(data[0]&0x0f) * 4
	if headerLen < ipv4HeaderLen || len(data) < headerLen {
		return ipv4Header{}, false
	}

	var h ipv4Header
	h.protocol = protocolNumber(data[9])
	copy(h.src[:], data[12:16])
	copy(h.dst[:], data[16:20])
	h.payload = data[headerLen:]

	if total := int(binary.BigEndian.Uint16(data[2:4])); total >= headerLen && total <= len(data) {
		h.payload = data[headerLen:total]
	}
	return h, true
}

type udpHeader struct {
	srcPort uint16
	dstPort uint16
	payload []byte
}

func parseUDP(data []byte) (udpHeader, bool) {
	if len(data) < udpHeaderLen {
		return udpHeader{}, false
	}
	h := udpHeader{
		srcPort: binary.BigEndian.Uint16(data[0:2]),
		dstPort: binary.BigEndian.Uint16(data[2:4]),
	}
	length := int(binary.BigEndian.Uint16(data[4:6]))
	if length < udpHeaderLen || length > len(data) {
		return udpHeader{}, false
	}
	h.payload = data[udpHeaderLen:length]
	return h, true
}

type tcpSegment struct {
	srcPort uint16
	dstPort uint16
	seq     uint32
	ack     uint32
	flags   uint8
	window  uint16
	payload []byte
}

func parseTCP(data []byte) (tcpSegment, bool) {
	if len(data) < tcpHeaderLen {
		return tcpSegment{}, false
	}
	headerLen := int(data[12]>>4) * 4
	if headerLen < tcpHeaderLen || len(data) < headerLen {
		return tcpSegment{}, false
	}
	return tcpSegment{
		srcPort: binary.BigEndian.Uint16(data[0:2]),
		dstPort: binary.BigEndian.Uint16(data[2:4]),
		seq:     binary.BigEndian.Uint32(data[4:8]),
		ack:     binary.BigEndian.Uint32(data[8:12]),
		flags:   data[13],
		window:  binary.BigEndian.Uint16(data[14:16]),
		payload: data[headerLen:],
	}, true
}

////////////////////////////////////////////////////////////////////////////////
// Building. Synthesized frames are always freshly allocated and fully
// checksummed; the guest never sees a partial or stale buffer.
////////////////////////////////////////////////////////////////////////////////

func putEthernetHeader(buf []byte, dst, src [6]byte, et etherType) {
	copy(buf[0:6], dst[:])
	copy(buf[6:12], src[:])
	binary.BigEndian.PutUint16(buf[12:14], uint16(et))
}

// putIPv4Header writes a 20-byte header with the checksum filled in.
func putIPv4Header(buf []byte, src, dst [4]byte, proto protocolNumber, payloadLen int, id uint16) {
	totalLen := ipv4HeaderLen + payloadLen

	buf[0] = (4 << 4) | (ipv4HeaderLen / 4)
	buf[1] = 0
	binary.BigEndian.PutUint16(buf[2:4], uint16(totalLen))
	binary.BigEndian.PutUint16(buf[4:6], id)
	binary.BigEndian.PutUint16(buf[6:8], 0)
	buf[8] = 64 // TTL
	buf[9] = byte(proto)
	binary.BigEndian.PutUint16(buf[10:12], 0)
	copy(buf[12:16], src[:])
	copy(buf[16:20], dst[:])

	binary.BigEndian.PutUint16(buf[10:12], internetChecksum(buf[:ipv4HeaderLen], 0))
}

// buildUDPFrame assembles a complete guest-bound Ethernet/IPv4/UDP frame.
func buildUDPFrame(dstMAC, srcMAC [6]byte, srcIP [4]byte, srcPort uint16, dstIP [4]byte, dstPort uint16, ipID uint16, payload []byte) []byte {
	udpLen := udpHeaderLen + len(payload)
	frame := make([]byte, ethernetHeaderLen+ipv4HeaderLen+udpLen)

	putEthernetHeader(frame, dstMAC, srcMAC, etherTypeIPv4)
	putIPv4Header(frame[ethernetHeaderLen:], srcIP, dstIP, udpProtocolNumber, udpLen, ipID)

	udp := frame[ethernetHeaderLen+ipv4HeaderLen:]
	binary.BigEndian.PutUint16(udp[0:2], srcPort)
	binary.BigEndian.PutUint16(udp[2:4], dstPort)
	binary.BigEndian.PutUint16(udp[4:6], uint16(udpLen))
	binary.BigEndian.PutUint16(udp[6:8], 0)
	copy(udp[udpHeaderLen:], payload)

	binary.BigEndian.PutUint16(udp[6:8], transportChecksum(srcIP, dstIP, udpProtocolNumber, udp))
	return frame
}

// buildTCPFrame assembles a complete guest-bound Ethernet/IPv4/TCP frame.
// options must be empty or a multiple of 4 bytes.
func buildTCPFrame(dstMAC, srcMAC [6]byte, srcIP [4]byte, srcPort uint16, dstIP [4]byte, dstPort uint16, seq, ack uint32, flags uint8, ipID uint16, options, payload []byte) []byte {
	headerLen := tcpHeaderLen + len(options)
	tcpLen := headerLen + len(payload)
	frame := make([]byte, ethernetHeaderLen+ipv4HeaderLen+tcpLen)

	putEthernetHeader(frame, dstMAC, srcMAC, etherTypeIPv4)
	putIPv4Header(frame[ethernetHeaderLen:], srcIP, dstIP, tcpProtocolNumber, tcpLen, ipID)

	tcp := frame[ethernetHeaderLen+ipv4HeaderLen:]
	binary.BigEndian.PutUint16(tcp[0:2], srcPort)
	binary.BigEndian.PutUint16(tcp[2:4], dstPort)
	binary.BigEndian.PutUint32(tcp[4:8], seq)
	binary.BigEndian.PutUint32(tcp[8:12], ack)
	tcp[12] = uint8(headerLen/4) << 4
	tcp[13] = flags
	binary.BigEndian.PutUint16(tcp[14:16], 0xffff) // Window: always wide open
	copy(tcp[tcpHeaderLen:], options)
	copy(tcp[headerLen:], payload)

	binary.BigEndian.PutUint16(tcp[16:18], transportChecksum(srcIP, dstIP, tcpProtocolNumber, tcp))
	return frame
}

// mssOption is the only TCP option the gateway ever emits.
var mssOption = []byte{2, 4, 0x05, 0xb4} // MSS 1460

////////////////////////////////////////////////////////////////////////////////
// Checksums: one's-complement 16-bit sums per RFC 1071.
////////////////////////////////////////////////////////////////////////////////

func internetChecksum(data []byte, initial uint32) uint16 {
	sum := initial
	for i := 0; i+1 < len(data); i += 2 {
		sum += uint32(binary.BigEndian.Uint16(data[i : i+2]))
	}
	if len(data)%2 == 1 {
		sum += uint32(data[len(data)-1]) << 8
	}
	for (sum >> 16) != 0 {
		sum = (sum & 0xffff) + (sum >> 16)
	}
	return ^uint16(sum)
}

func pseudoHeaderSum(src, dst [4]byte, proto protocolNumber, length int) uint32 {
	sum := uint32(binary.BigEndian.Uint16(src[0:2]))
	sum += uint32(binary.BigEndian.Uint16(src[2:4]))
	sum += uint32(binary.BigEndian.Uint16(dst[0:2]))
	sum += uint32(binary.BigEndian.Uint16(dst[2:4]))
	sum += uint32(proto)
	sum += uint32(length)
	return sum
}

// transportChecksum covers the pseudo-header plus the L4 header and payload.
// The checksum field inside segment must be zero when called.
func transportChecksum(src, dst [4]byte, proto protocolNumber, segment []byte) uint16 {
	return internetChecksum(segment, pseudoHeaderSum(src, dst, proto, len(segment)))
}
